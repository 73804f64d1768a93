package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	apperrors "github.com/deposit-settlement/internal/errors"
	"github.com/deposit-settlement/internal/models"
	"github.com/deposit-settlement/internal/types"
)

// DepositRepository handles deposit persistence
type DepositRepository struct {
	db *PostgresDB
}

// NewDepositRepository creates a new deposit repository
func NewDepositRepository(db *PostgresDB) *DepositRepository {
	return &DepositRepository{db: db}
}

// ExistsByTxHash reports whether a deposit was already created for txHash.
func (r *DepositRepository) ExistsByTxHash(ctx context.Context, txHash string) (bool, error) {
	var exists bool
	err := r.db.Pool().QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM deposits WHERE tx_hash = $1)`,
		strings.ToLower(txHash),
	).Scan(&exists)
	if err != nil {
		return false, apperrors.NewDatabaseError("check deposit", err)
	}
	return exists, nil
}

// CountActive counts confirmed deposits of userID that are not completed.
func (r *DepositRepository) CountActive(ctx context.Context, userID int64) (int, error) {
	var count int
	err := r.db.Pool().QueryRow(ctx, `
		SELECT COUNT(*) FROM deposits
		WHERE user_id = $1 AND status = $2 AND NOT is_completed
	`, userID, string(types.DepositConfirmed)).Scan(&count)
	if err != nil {
		return 0, apperrors.NewDatabaseError("count active deposits", err)
	}
	return count, nil
}

// CreateConfirmed inserts d as PENDING and confirms it in the same
// transaction. A second deposit for the same tx hash fails with
// ErrDuplicateTransaction.
func (r *DepositRepository) CreateConfirmed(ctx context.Context, d *models.Deposit) error {
	d.TxHash = strings.ToLower(d.TxHash)
	confirmedAt := time.Now().UTC()

	var id int64
	var createdAt time.Time
	err := r.db.WithTx(ctx, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `
			INSERT INTO deposits (
				tx_hash, user_id, amount, status, level,
				daily_obligation, cycle_start_at, is_completed
			)
			VALUES ($1, $2, $3, $4, $5, $6, $7, FALSE)
			RETURNING id, created_at
		`,
			d.TxHash,
			d.UserID,
			d.Amount,
			string(types.DepositPending),
			d.Level,
			d.DailyObligation,
			d.CycleStartAt,
		).Scan(&id, &createdAt)
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("deposit %s: %w", d.TxHash, apperrors.ErrDuplicateTransaction)
			}
			return apperrors.NewDatabaseError("insert deposit", err)
		}

		result, err := tx.Exec(ctx, `
			UPDATE deposits
			SET status = $2, block_number = $3, confirmed_at = $4
			WHERE id = $1 AND status = $5
		`, id, string(types.DepositConfirmed), int64(d.BlockNumber), confirmedAt, string(types.DepositPending)) // #nosec G115
		if err != nil {
			return apperrors.NewDatabaseError("confirm deposit", err)
		}
		if result.RowsAffected() != 1 {
			return apperrors.NewDatabaseError("confirm deposit", fmt.Errorf("deposit %d not pending", id))
		}
		return nil
	})
	if err != nil {
		return err
	}

	d.ID = id
	d.CreatedAt = createdAt
	d.Status = types.DepositConfirmed
	d.ConfirmedAt = &confirmedAt
	return nil
}

// GetByTxHash retrieves the deposit funded by txHash
func (r *DepositRepository) GetByTxHash(ctx context.Context, txHash string) (*models.Deposit, error) {
	rows, err := r.db.Pool().Query(ctx, `
		SELECT id, user_id, tx_hash, amount::text, status, COALESCE(block_number, 0), level,
			daily_obligation::text, cycle_start_at, is_completed, created_at, confirmed_at
		FROM deposits
		WHERE tx_hash = $1
	`, strings.ToLower(txHash))
	if err != nil {
		return nil, apperrors.NewDatabaseError("get deposit", err)
	}
	list, err := collectDeposits(rows)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, apperrors.NewNotFoundError("deposit", txHash)
	}
	return list[0], nil
}

// ListByUser returns a user's deposits, newest first.
func (r *DepositRepository) ListByUser(ctx context.Context, userID int64) ([]*models.Deposit, error) {
	rows, err := r.db.Pool().Query(ctx, `
		SELECT id, user_id, tx_hash, amount::text, status, COALESCE(block_number, 0), level,
			daily_obligation::text, cycle_start_at, is_completed, created_at, confirmed_at
		FROM deposits
		WHERE user_id = $1
		ORDER BY id DESC
	`, userID)
	if err != nil {
		return nil, apperrors.NewDatabaseError("list deposits", err)
	}
	return collectDeposits(rows)
}

func collectDeposits(rows pgx.Rows) ([]*models.Deposit, error) {
	defer rows.Close()

	var out []*models.Deposit
	for rows.Next() {
		var d models.Deposit
		var amount, obligation, status string
		var block int64
		if err := rows.Scan(
			&d.ID,
			&d.UserID,
			&d.TxHash,
			&amount,
			&status,
			&block,
			&d.Level,
			&obligation,
			&d.CycleStartAt,
			&d.IsCompleted,
			&d.CreatedAt,
			&d.ConfirmedAt,
		); err != nil {
			return nil, apperrors.NewDatabaseError("scan deposit", err)
		}
		var err error
		if d.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("bad deposit amount %q: %w", amount, err)
		}
		if d.DailyObligation, err = decimal.NewFromString(obligation); err != nil {
			return nil, fmt.Errorf("bad daily obligation %q: %w", obligation, err)
		}
		d.Status = types.DepositStatus(status)
		d.BlockNumber = uint64(block) // #nosec G115
		out = append(out, &d)
	}
	if err := rows.Err(); err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, apperrors.NewDatabaseError("iterate deposits", err)
	}
	return out, nil
}
