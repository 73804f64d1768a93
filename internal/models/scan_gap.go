package models

import (
	"time"

	"github.com/deposit-settlement/internal/types"
)

// ScanGap is a block range the scanner skipped after a failed log query.
type ScanGap struct {
	ID        int64           `json:"id" db:"id"`
	TokenType types.TokenType `json:"tokenType" db:"token_type"`
	FromBlock uint64          `json:"fromBlock" db:"from_block"`
	ToBlock   uint64          `json:"toBlock" db:"to_block"`
	Reason    string          `json:"reason" db:"reason"`
	Attempts  int             `json:"attempts" db:"attempts"`
	Resolved  bool            `json:"resolved" db:"resolved"`
	CreatedAt time.Time       `json:"createdAt" db:"created_at"`
	UpdatedAt time.Time       `json:"updatedAt" db:"updated_at"`
}
