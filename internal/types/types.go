// Package types provides common type definitions for the deposit settlement system.
package types

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// TokenType identifies one of the tracked token contracts
type TokenType string

const (
	// TokenUSDT is the deposit currency
	TokenUSDT TokenType = "USDT"
	// TokenPLEX is the usage-fee token
	TokenPLEX TokenType = "PLEX"
)

// AllTokens lists every tracked token in scan order.
var AllTokens = []TokenType{TokenUSDT, TokenPLEX}

// ParseTokenType parses a token symbol case-insensitively.
func ParseTokenType(s string) (TokenType, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case string(TokenUSDT):
		return TokenUSDT, nil
	case string(TokenPLEX):
		return TokenPLEX, nil
	default:
		return "", fmt.Errorf("unknown token type %q", s)
	}
}

// TransferDirection is relative to the system wallet
type TransferDirection string

const (
	// DirectionIncoming means the system wallet is the recipient
	DirectionIncoming TransferDirection = "incoming"
	// DirectionOutgoing means the system wallet is the sender
	DirectionOutgoing TransferDirection = "outgoing"
	// DirectionInternal means the system wallet is on both sides
	DirectionInternal TransferDirection = "internal"
)

// DepositStatus represents the lifecycle state of a deposit
type DepositStatus string

const (
	DepositPending   DepositStatus = "PENDING"
	DepositConfirmed DepositStatus = "CONFIRMED"
	DepositFailed    DepositStatus = "FAILED"
)

// DefaultTokenDecimals applies to both BEP-20 USDT and PLEX.
const DefaultTokenDecimals = 18

// TransferEventSignature is keccak256("Transfer(address,address,uint256)").
var TransferEventSignature = common.HexToHash("0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef")

// Direction classifies a transfer against wallet. ok is false when the wallet
// is on neither side.
func Direction(wallet, from, to common.Address) (TransferDirection, bool) {
	switch {
	case from == wallet && to == wallet:
		return DirectionInternal, true
	case to == wallet:
		return DirectionIncoming, true
	case from == wallet:
		return DirectionOutgoing, true
	default:
		return "", false
	}
}

// Counterparty returns the non-system side of a transfer, or false for internal moves.
func Counterparty(direction TransferDirection, from, to common.Address) (common.Address, bool) {
	switch direction {
	case DirectionIncoming:
		return from, true
	case DirectionOutgoing:
		return to, true
	default:
		return common.Address{}, false
	}
}

// FromBaseUnits converts an on-chain integer amount into token units.
func FromBaseUnits(raw *big.Int, decimals int32) decimal.Decimal {
	if raw == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(raw, -decimals)
}

// ToBaseUnits converts token units into the on-chain integer, truncating any
// precision beyond decimals.
func ToBaseUnits(amount decimal.Decimal, decimals int32) *big.Int {
	return amount.Shift(decimals).Truncate(0).BigInt()
}

// NormalizeAddress lowercases a hex address after validating it.
func NormalizeAddress(s string) (string, error) {
	if !common.IsHexAddress(s) {
		return "", fmt.Errorf("invalid address %q", s)
	}
	return strings.ToLower(common.HexToAddress(s).Hex()), nil
}

// NormalizeTxHash returns the lowercase 0x-prefixed form of a 32-byte hash.
func NormalizeTxHash(s string) (string, error) {
	h := strings.ToLower(strings.TrimSpace(s))
	if !strings.HasPrefix(h, "0x") {
		h = "0x" + h
	}
	if len(h) != 66 {
		return "", fmt.Errorf("invalid tx hash %q", s)
	}
	for _, c := range h[2:] {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return "", fmt.Errorf("invalid tx hash %q", s)
		}
	}
	return h, nil
}

// ServiceError represents a structured error response
type ServiceError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func (e *ServiceError) Error() string {
	return e.Message
}
