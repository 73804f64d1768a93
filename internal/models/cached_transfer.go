package models

import (
	"time"

	"github.com/deposit-settlement/internal/types"
	"github.com/shopspring/decimal"
)

// CachedTransfer is one ERC-20 Transfer touching the system wallet. Rows are
// append-only apart from the user back-fill and the processed marker.
type CachedTransfer struct {
	ID           int64                   `json:"id" db:"id"`
	TxHash       string                  `json:"txHash" db:"tx_hash"`
	BlockNumber  uint64                  `json:"blockNumber" db:"block_number"`
	LogIndex     uint                    `json:"logIndex" db:"log_index"`
	FromAddress  string                  `json:"fromAddress" db:"from_address"`
	ToAddress    string                  `json:"toAddress" db:"to_address"`
	TokenType    types.TokenType         `json:"tokenType" db:"token_type"`
	TokenAddress string                  `json:"tokenAddress" db:"token_address"`
	Amount       decimal.Decimal         `json:"amount" db:"amount"`
	AmountRaw    string                  `json:"amountRaw" db:"amount_raw"`
	Direction    types.TransferDirection `json:"direction" db:"direction"`
	UserID       *int64                  `json:"userId,omitempty" db:"user_id"`
	IsProcessed  bool                    `json:"isProcessed" db:"is_processed"`
	ProcessedAt  *time.Time              `json:"processedAt,omitempty" db:"processed_at"`
	DepositID    *int64                  `json:"depositId,omitempty" db:"deposit_id"`
	Notes        string                  `json:"notes,omitempty" db:"notes"`
	CreatedAt    time.Time               `json:"createdAt" db:"created_at"`
}

// Counterparty is the address on the other side of the system wallet.
func (t *CachedTransfer) Counterparty() string {
	if t.Direction == types.DirectionOutgoing {
		return t.ToAddress
	}
	return t.FromAddress
}

// TransferStats is the count and total of cached transfers for one token and
// direction.
type TransferStats struct {
	TokenType types.TokenType         `json:"tokenType"`
	Direction types.TransferDirection `json:"direction"`
	Count     int                     `json:"count"`
	Total     decimal.Decimal         `json:"total"`
}

// DirectionSummary is the count and total for one direction.
type DirectionSummary struct {
	Count int             `json:"count"`
	Total decimal.Decimal `json:"total"`
}
