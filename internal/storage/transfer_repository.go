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

// TransferRepository handles the cached_transfers table
type TransferRepository struct {
	db *PostgresDB
}

// NewTransferRepository creates a new transfer repository
func NewTransferRepository(db *PostgresDB) *TransferRepository {
	return &TransferRepository{db: db}
}

const transferColumns = `
	id, tx_hash, block_number, log_index, from_address, to_address,
	token_type, token_address, amount::text, amount_raw, direction,
	user_id, is_processed, processed_at, deposit_id, notes, created_at
`

// Insert stores t unless its tx hash is already cached. On conflict t is
// overwritten with the stored row and inserted is false.
func (r *TransferRepository) Insert(ctx context.Context, t *models.CachedTransfer) (bool, error) {
	t.TxHash = strings.ToLower(t.TxHash)
	t.FromAddress = strings.ToLower(t.FromAddress)
	t.ToAddress = strings.ToLower(t.ToAddress)
	t.TokenAddress = strings.ToLower(t.TokenAddress)

	query := `
		INSERT INTO cached_transfers (
			tx_hash, block_number, log_index, from_address, to_address,
			token_type, token_address, amount, amount_raw, direction, user_id
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (tx_hash) DO NOTHING
		RETURNING id, created_at
	`

	err := r.db.Pool().QueryRow(ctx, query,
		t.TxHash,
		int64(t.BlockNumber), // #nosec G115 - block heights fit in int64
		int32(t.LogIndex),    // #nosec G115 - log index within a block
		t.FromAddress,
		t.ToAddress,
		string(t.TokenType),
		t.TokenAddress,
		t.Amount,
		t.AmountRaw,
		string(t.Direction),
		t.UserID,
	).Scan(&t.ID, &t.CreatedAt)
	if err == nil {
		return true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return false, fmt.Errorf("failed to insert transfer %s: %w", t.TxHash, err)
	}

	existing, err := r.GetByTxHash(ctx, t.TxHash)
	if err != nil {
		return false, err
	}
	*t = *existing
	return false, nil
}

// GetByTxHash retrieves a cached transfer
func (r *TransferRepository) GetByTxHash(ctx context.Context, txHash string) (*models.CachedTransfer, error) {
	query := `SELECT ` + transferColumns + ` FROM cached_transfers WHERE tx_hash = $1`
	rows, err := r.db.Pool().Query(ctx, query, strings.ToLower(txHash))
	if err != nil {
		return nil, fmt.Errorf("failed to get transfer: %w", err)
	}
	list, err := collectTransfers(rows)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, apperrors.NewNotFoundError("transfer", txHash)
	}
	return list[0], nil
}

// SumIncomingFrom totals incoming transfers of token sent by wallet.
func (r *TransferRepository) SumIncomingFrom(ctx context.Context, wallet string, token types.TokenType) (decimal.Decimal, int, error) {
	query := `
		SELECT COALESCE(SUM(amount), 0)::text, COUNT(*)
		FROM cached_transfers
		WHERE from_address = $1 AND token_type = $2 AND direction = $3
	`

	var total string
	var count int
	err := r.db.Pool().QueryRow(ctx, query, strings.ToLower(wallet), string(token), string(types.DirectionIncoming)).Scan(&total, &count)
	if err != nil {
		return decimal.Zero, 0, fmt.Errorf("failed to sum transfers: %w", err)
	}
	sum, err := decimal.NewFromString(total)
	if err != nil {
		return decimal.Zero, 0, fmt.Errorf("bad amount sum %q: %w", total, err)
	}
	return sum, count, nil
}

// Stats aggregates the cache by token and direction.
func (r *TransferRepository) Stats(ctx context.Context) ([]*models.TransferStats, error) {
	rows, err := r.db.Pool().Query(ctx, `
		SELECT token_type, direction, COUNT(*), COALESCE(SUM(amount), 0)::text
		FROM cached_transfers
		GROUP BY token_type, direction
		ORDER BY token_type, direction
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate transfers: %w", err)
	}
	defer rows.Close()

	var out []*models.TransferStats
	for rows.Next() {
		var st models.TransferStats
		var tokenType, direction, total string
		if err := rows.Scan(&tokenType, &direction, &st.Count, &total); err != nil {
			return nil, fmt.Errorf("failed to scan transfer stats: %w", err)
		}
		sum, err := decimal.NewFromString(total)
		if err != nil {
			return nil, fmt.Errorf("bad amount sum %q: %w", total, err)
		}
		st.TokenType = types.TokenType(tokenType)
		st.Direction = types.TransferDirection(direction)
		st.Total = sum
		out = append(out, &st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate transfer stats: %w", err)
	}
	return out, nil
}

// ListIncomingFrom lists incoming transfers of token sent by wallet, oldest first.
func (r *TransferRepository) ListIncomingFrom(ctx context.Context, wallet string, token types.TokenType) ([]*models.CachedTransfer, error) {
	query := `SELECT ` + transferColumns + `
		FROM cached_transfers
		WHERE from_address = $1 AND token_type = $2 AND direction = $3
		ORDER BY block_number, log_index
	`
	rows, err := r.db.Pool().Query(ctx, query, strings.ToLower(wallet), string(token), string(types.DirectionIncoming))
	if err != nil {
		return nil, fmt.Errorf("failed to list transfers: %w", err)
	}
	return collectTransfers(rows)
}

// ListWithoutUser returns non-internal rows whose user is still unknown.
func (r *TransferRepository) ListWithoutUser(ctx context.Context, limit int) ([]*models.CachedTransfer, error) {
	query := `SELECT ` + transferColumns + `
		FROM cached_transfers
		WHERE user_id IS NULL AND direction <> $1
		ORDER BY id
		LIMIT $2
	`
	rows, err := r.db.Pool().Query(ctx, query, string(types.DirectionInternal), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list transfers without user: %w", err)
	}
	return collectTransfers(rows)
}

// SetUser back-fills the owner of a cached transfer.
func (r *TransferRepository) SetUser(ctx context.Context, id, userID int64) error {
	_, err := r.db.Pool().Exec(ctx,
		`UPDATE cached_transfers SET user_id = $2 WHERE id = $1 AND user_id IS NULL`,
		id, userID,
	)
	if err != nil {
		return fmt.Errorf("failed to set transfer user: %w", err)
	}
	return nil
}

// ListUnprocessed returns incoming rows of token not yet handed to the pipeline.
func (r *TransferRepository) ListUnprocessed(ctx context.Context, token types.TokenType, limit int) ([]*models.CachedTransfer, error) {
	query := `SELECT ` + transferColumns + `
		FROM cached_transfers
		WHERE NOT is_processed AND token_type = $1 AND direction = $2
		ORDER BY block_number, log_index
		LIMIT $3
	`
	rows, err := r.db.Pool().Query(ctx, query, string(token), string(types.DirectionIncoming), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list unprocessed transfers: %w", err)
	}
	return collectTransfers(rows)
}

// MarkProcessed records the pipeline's verdict for a row.
func (r *TransferRepository) MarkProcessed(ctx context.Context, id int64, depositID *int64, notes string) error {
	result, err := r.db.Pool().Exec(ctx, `
		UPDATE cached_transfers
		SET is_processed = TRUE, processed_at = $2, deposit_id = $3, notes = $4
		WHERE id = $1
	`, id, time.Now().UTC(), depositID, notes)
	if err != nil {
		return fmt.Errorf("failed to mark transfer processed: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("transfer not found: %d", id)
	}
	return nil
}

func collectTransfers(rows pgx.Rows) ([]*models.CachedTransfer, error) {
	defer rows.Close()

	var out []*models.CachedTransfer
	for rows.Next() {
		var t models.CachedTransfer
		var block int64
		var logIndex int32
		var tokenType, direction, amount string
		if err := rows.Scan(
			&t.ID,
			&t.TxHash,
			&block,
			&logIndex,
			&t.FromAddress,
			&t.ToAddress,
			&tokenType,
			&t.TokenAddress,
			&amount,
			&t.AmountRaw,
			&direction,
			&t.UserID,
			&t.IsProcessed,
			&t.ProcessedAt,
			&t.DepositID,
			&t.Notes,
			&t.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan transfer: %w", err)
		}
		parsed, err := decimal.NewFromString(amount)
		if err != nil {
			return nil, fmt.Errorf("bad amount %q for %s: %w", amount, t.TxHash, err)
		}
		t.Amount = parsed
		t.BlockNumber = uint64(block) // #nosec G115 - stored from uint64
		t.LogIndex = uint(logIndex)   // #nosec G115 - stored from uint
		t.TokenType = types.TokenType(tokenType)
		t.Direction = types.TransferDirection(direction)
		out = append(out, &t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate transfers: %w", err)
	}
	return out, nil
}
