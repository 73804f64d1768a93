package deposit

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	apperrors "github.com/deposit-settlement/internal/errors"
	"github.com/deposit-settlement/internal/models"
	"github.com/deposit-settlement/internal/types"
)

// DepositReader reads settled deposits.
type DepositReader interface {
	GetByTxHash(ctx context.Context, txHash string) (*models.Deposit, error)
	ListByUser(ctx context.Context, userID int64) ([]*models.Deposit, error)
}

// UserDirectory looks up and registers users.
type UserDirectory interface {
	Create(ctx context.Context, wallet string) (*models.User, error)
	GetByID(ctx context.Context, id int64) (*models.User, error)
}

// Ledger answers questions about deposits that were already settled.
type Ledger struct {
	deposits DepositReader
	users    UserDirectory
}

// NewLedger creates a ledger.
func NewLedger(deposits DepositReader, users UserDirectory) (*Ledger, error) {
	if deposits == nil || users == nil {
		return nil, fmt.Errorf("ledger requires a deposit reader and a user directory")
	}
	return &Ledger{deposits: deposits, users: users}, nil
}

// UserDeposits is a user with their deposits, newest first.
type UserDeposits struct {
	User        *models.User      `json:"user"`
	Active      int               `json:"active"`
	TotalAmount decimal.Decimal   `json:"totalAmount"`
	Deposits    []*models.Deposit `json:"deposits"`
}

// Deposit returns the deposit funded by txHash.
func (l *Ledger) Deposit(ctx context.Context, txHash string) (*models.Deposit, error) {
	hash, err := types.NormalizeTxHash(txHash)
	if err != nil {
		return nil, apperrors.NewInvalidInputError("txHash", err.Error())
	}
	return l.deposits.GetByTxHash(ctx, hash)
}

// UserDeposits returns the user with id and every deposit they made.
func (l *Ledger) UserDeposits(ctx context.Context, userID int64) (*UserDeposits, error) {
	if userID <= 0 {
		return nil, apperrors.NewInvalidInputError("userId", "must be positive")
	}
	user, err := l.users.GetByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	list, err := l.deposits.ListByUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	out := &UserDeposits{User: user, TotalAmount: decimal.Zero, Deposits: list}
	if out.Deposits == nil {
		out.Deposits = []*models.Deposit{}
	}
	for _, d := range list {
		out.TotalAmount = out.TotalAmount.Add(d.Amount)
		if !d.IsCompleted {
			out.Active++
		}
	}
	return out, nil
}

// RegisterUser registers wallet as a user, returning the existing user when
// the wallet is already known.
func (l *Ledger) RegisterUser(ctx context.Context, wallet string) (*models.User, error) {
	if _, err := types.NormalizeAddress(wallet); err != nil {
		return nil, apperrors.NewInvalidAddressError("wallet", wallet)
	}
	return l.users.Create(ctx, wallet)
}
