package adapter

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	apperrors "github.com/deposit-settlement/internal/errors"
	"github.com/deposit-settlement/internal/lock"
	"github.com/deposit-settlement/internal/logging"
)

// transferSelector is the 4-byte selector of transfer(address,uint256).
var transferSelector = []byte{0xa9, 0x05, 0x9c, 0xbb}

// SignerConfig holds configuration for the transaction signer
type SignerConfig struct {
	Client     *FailoverClient
	PrivateKey *ecdsa.PrivateKey
	// ChainID is read from the node on first use when nil.
	ChainID     *big.Int
	MinGasPrice *big.Int
	MaxGasPrice *big.Int
	// GasLimitMultiplier pads estimates. Default 1.2.
	GasLimitMultiplier float64
	// FallbackGasLimit is used when estimation fails. Default 100000.
	FallbackGasLimit uint64
	// Locker serializes nonces across processes when set.
	Locker        lock.Locker
	NonceLockTTL  time.Duration // default 30s
	NonceLockWait time.Duration // default 10s
	Logger        *logging.Logger
}

// TxRequest describes a transaction to sign and broadcast.
type TxRequest struct {
	To    common.Address
	Value *big.Int
	Data  []byte
	// GasLimit skips estimation when non-zero.
	GasLimit uint64
}

// Signer builds, signs and broadcasts legacy transactions from one wallet.
type Signer struct {
	cfg     SignerConfig
	from    common.Address
	chainID *big.Int
	mu      sync.Mutex
	logger  *logging.Logger
}

// NewSigner creates a signer for the configured key.
func NewSigner(cfg *SignerConfig) (*Signer, error) {
	if cfg == nil || cfg.Client == nil || cfg.PrivateKey == nil {
		return nil, fmt.Errorf("signer requires a client and a private key")
	}
	c := *cfg
	if c.GasLimitMultiplier <= 0 {
		c.GasLimitMultiplier = 1.2
	}
	if c.FallbackGasLimit == 0 {
		c.FallbackGasLimit = 100000
	}
	c.NonceLockTTL = orDefault(c.NonceLockTTL, 30*time.Second)
	c.NonceLockWait = orDefault(c.NonceLockWait, 10*time.Second)
	if c.MinGasPrice != nil && c.MaxGasPrice != nil && c.MinGasPrice.Cmp(c.MaxGasPrice) > 0 {
		return nil, fmt.Errorf("min gas price %s exceeds max %s", c.MinGasPrice, c.MaxGasPrice)
	}
	logger := c.Logger
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}

	from := crypto.PubkeyToAddress(c.PrivateKey.PublicKey)
	return &Signer{
		cfg:     c,
		from:    from,
		chainID: c.ChainID,
		logger:  logger.WithComponent("signer").WithField("wallet", from.Hex()),
	}, nil
}

// NewSignerFromHex parses a hex private key, with or without 0x.
func NewSignerFromHex(keyHex string, cfg *SignerConfig) (*Signer, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(keyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid signer key: %w", err)
	}
	c := *cfg
	c.PrivateKey = key
	return NewSigner(&c)
}

// Address returns the signing wallet.
func (s *Signer) Address() common.Address {
	return s.from
}

// SendSigned fetches a nonce, prices and signs the transaction and broadcasts
// it. Calls from the same wallet are serialized.
func (s *Signer) SendSigned(ctx context.Context, req TxRequest) (common.Hash, error) {
	if req.To == (common.Address{}) {
		return common.Hash{}, apperrors.NewInvalidAddressError("to", req.To.Hex())
	}
	if req.Value == nil || req.Value.Sign() < 0 {
		return common.Hash{}, apperrors.NewInvalidInputError("value", "must be a non-negative amount")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cfg.Locker != nil {
		key := "nonce_lock:" + strings.ToLower(s.from.Hex())
		h, err := lock.AcquireWait(ctx, s.cfg.Locker, key, s.cfg.NonceLockTTL, s.cfg.NonceLockWait)
		if err != nil {
			return common.Hash{}, err
		}
		defer func() {
			if _, err := h.Release(); err != nil {
				s.logger.WithError(err).Warn("Failed to release nonce lock")
			}
		}()
	}

	chainID, err := s.resolveChainID(ctx)
	if err != nil {
		return common.Hash{}, err
	}

	nonce, err := s.cfg.Client.PendingNonceAt(ctx, s.from)
	if err != nil {
		return common.Hash{}, fmt.Errorf("pending nonce: %w", err)
	}

	suggested, err := s.cfg.Client.SuggestGasPrice(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("suggest gas price: %w", err)
	}
	gasPrice, clamped := ClampGasPrice(suggested, s.cfg.MinGasPrice, s.cfg.MaxGasPrice)
	if clamped {
		s.logger.WithFields(map[string]interface{}{
			"suggested": suggested.String(),
			"used":      gasPrice.String(),
		}).Warn("Gas price outside configured bounds, clamped")
	}

	gasLimit := req.GasLimit
	if gasLimit == 0 {
		gasLimit = s.estimateGas(ctx, req, gasPrice)
		if err := ctx.Err(); err != nil {
			return common.Hash{}, err
		}
	}

	to := req.To
	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		GasPrice: gasPrice,
		Gas:      gasLimit,
		To:       &to,
		Value:    req.Value,
		Data:     req.Data,
	})
	signed, err := types.SignTx(tx, types.NewEIP155Signer(chainID), s.cfg.PrivateKey)
	if err != nil {
		return common.Hash{}, fmt.Errorf("sign transaction: %w", err)
	}

	if err := s.cfg.Client.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, err
	}

	s.logger.WithFields(map[string]interface{}{
		"txHash":   signed.Hash().Hex(),
		"nonce":    nonce,
		"gasPrice": gasPrice.String(),
		"gas":      gasLimit,
	}).Info("Broadcast signed transaction")
	return signed.Hash(), nil
}

func (s *Signer) resolveChainID(ctx context.Context) (*big.Int, error) {
	if s.chainID != nil {
		return s.chainID, nil
	}
	id, err := s.cfg.Client.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("chain id: %w", err)
	}
	s.chainID = id
	return id, nil
}

func (s *Signer) estimateGas(ctx context.Context, req TxRequest, gasPrice *big.Int) uint64 {
	to := req.To
	est, err := s.cfg.Client.EstimateGas(ctx, ethereum.CallMsg{
		From:     s.from,
		To:       &to,
		GasPrice: gasPrice,
		Value:    req.Value,
		Data:     req.Data,
	})
	if err != nil {
		s.logger.WithError(err).WithField("fallback", s.cfg.FallbackGasLimit).Warn("Gas estimation failed, using fallback limit")
		return s.cfg.FallbackGasLimit
	}
	return uint64(float64(est) * s.cfg.GasLimitMultiplier)
}

// SendToken transfers amount base units of an ERC-20 token to to.
func (s *Signer) SendToken(ctx context.Context, token, to common.Address, amount *big.Int) (common.Hash, error) {
	if to == (common.Address{}) {
		return common.Hash{}, apperrors.NewInvalidAddressError("to", to.Hex())
	}
	if amount == nil || amount.Sign() <= 0 {
		return common.Hash{}, apperrors.NewInvalidInputError("amount", "must be positive")
	}
	return s.SendSigned(ctx, TxRequest{
		To:    token,
		Value: new(big.Int),
		Data:  TransferCallData(to, amount),
	})
}

// ClampGasPrice bounds price to [min, max]; nil bounds are open. The result is
// always a fresh value and clamped reports whether it differs from price.
func ClampGasPrice(price, min, max *big.Int) (*big.Int, bool) {
	if price == nil {
		if min != nil {
			return new(big.Int).Set(min), true
		}
		return new(big.Int), true
	}
	if min != nil && price.Cmp(min) < 0 {
		return new(big.Int).Set(min), true
	}
	if max != nil && price.Cmp(max) > 0 {
		return new(big.Int).Set(max), true
	}
	return new(big.Int).Set(price), false
}

// TransferCallData encodes transfer(to, amount).
func TransferCallData(to common.Address, amount *big.Int) []byte {
	data := make([]byte, 0, 4+32+32)
	data = append(data, transferSelector...)
	data = append(data, common.LeftPadBytes(to.Bytes(), 32)...)
	data = append(data, common.LeftPadBytes(amount.Bytes(), 32)...)
	return data
}
