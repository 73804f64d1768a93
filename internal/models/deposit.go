package models

import (
	"time"

	"github.com/deposit-settlement/internal/types"
	"github.com/shopspring/decimal"
)

// Deposit is created at most once per funding transaction.
type Deposit struct {
	ID              int64               `json:"id" db:"id"`
	UserID          int64               `json:"userId" db:"user_id"`
	TxHash          string              `json:"txHash" db:"tx_hash"`
	Amount          decimal.Decimal     `json:"amount" db:"amount"`
	Status          types.DepositStatus `json:"status" db:"status"`
	BlockNumber     uint64              `json:"blockNumber" db:"block_number"`
	Level           int                 `json:"level" db:"level"`
	DailyObligation decimal.Decimal     `json:"dailyObligation" db:"daily_obligation"`
	CycleStartAt    time.Time           `json:"cycleStartAt" db:"cycle_start_at"`
	IsCompleted     bool                `json:"isCompleted" db:"is_completed"`
	CreatedAt       time.Time           `json:"createdAt" db:"created_at"`
	ConfirmedAt     *time.Time          `json:"confirmedAt,omitempty" db:"confirmed_at"`
}
