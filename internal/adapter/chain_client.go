// Package adapter talks to the chain: a shared rate limiter, a pool of named
// JSON-RPC providers, a failover client over that pool and a transaction signer.
package adapter

import (
	"context"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	apperrors "github.com/deposit-settlement/internal/errors"
)

// ChainClient is the subset of ethclient.Client the service uses.
type ChainClient interface {
	BlockNumber(ctx context.Context) (uint64, error)
	ChainID(ctx context.Context) (*big.Int, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	Close()
}

var _ ChainClient = (*ethclient.Client)(nil)

// Dialer opens a client for a provider URL.
type Dialer func(ctx context.Context, url string) (ChainClient, error)

// DialEthClient is the production Dialer.
func DialEthClient(ctx context.Context, url string) (ChainClient, error) {
	return ethclient.DialContext(ctx, url)
}

// IsRateLimitError checks if an error indicates rate limiting (429)
func IsRateLimitError(err error) bool {
	if err == nil {
		return false
	}
	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "429") ||
		strings.Contains(errStr, "rate limit") ||
		strings.Contains(errStr, "too many requests") ||
		strings.Contains(errStr, "throttl")
}

// isAlreadyKnown reports a broadcast the node had already seen, which happens
// when a backup provider receives a transaction the first one accepted.
func isAlreadyKnown(err error) bool {
	if err == nil {
		return false
	}
	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "already known") ||
		strings.Contains(errStr, "known transaction")
}

// permanentRPCError marks node answers that no other provider would change.
func permanentRPCError(err error) error {
	if err == nil {
		return nil
	}
	errStr := strings.ToLower(err.Error())
	if strings.Contains(errStr, "insufficient funds") ||
		strings.Contains(errStr, "invalid sender") ||
		strings.Contains(errStr, "intrinsic gas too low") {
		e := apperrors.NewInvalidInputError("transaction", errStr)
		e.Cause = err
		return e
	}
	return err
}
