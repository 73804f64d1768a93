package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/deposit-settlement/internal/models"
	"github.com/deposit-settlement/internal/types"
)

// TransferArchive mirrors cached transfers into ClickHouse for analytics.
// Postgres stays the source of truth; the table is a ReplacingMergeTree keyed
// by tx hash, so re-sending a row is harmless.
type TransferArchive struct {
	db *ClickHouseDB
}

// NewTransferArchive creates a new transfer archive
func NewTransferArchive(db *ClickHouseDB) *TransferArchive {
	return &TransferArchive{db: db}
}

// Archive appends transfers in one batch.
func (a *TransferArchive) Archive(ctx context.Context, transfers []*models.CachedTransfer) error {
	if len(transfers) == 0 {
		return nil
	}

	batch, err := a.db.conn.PrepareBatch(ctx, `
		INSERT INTO transfer_archive (
			tx_hash, block_number, token_type, direction,
			from_address, to_address, amount, user_id, cached_at
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare archive batch: %w", err)
	}

	for _, t := range transfers {
		var userID int64
		if t.UserID != nil {
			userID = *t.UserID
		}
		cachedAt := t.CreatedAt
		if cachedAt.IsZero() {
			cachedAt = time.Now().UTC()
		}
		if err := batch.Append(
			t.TxHash,
			t.BlockNumber,
			string(t.TokenType),
			string(t.Direction),
			t.FromAddress,
			t.ToAddress,
			t.Amount,
			userID,
			cachedAt,
		); err != nil {
			return fmt.Errorf("failed to append %s to archive batch: %w", t.TxHash, err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send archive batch: %w", err)
	}
	return nil
}

// ArchiveTotals is the per-direction volume of one token.
type ArchiveTotals struct {
	Direction types.TransferDirection `json:"direction"`
	Count     uint64                  `json:"count"`
	Amount    decimal.Decimal         `json:"amount"`
}

// Totals sums archived volume for token by direction.
func (a *TransferArchive) Totals(ctx context.Context, token types.TokenType) ([]ArchiveTotals, error) {
	rows, err := a.db.conn.Query(ctx, `
		SELECT direction, count() AS cnt, toString(sum(amount)) AS total
		FROM transfer_archive FINAL
		WHERE token_type = ?
		GROUP BY direction
		ORDER BY direction
	`, string(token))
	if err != nil {
		return nil, fmt.Errorf("failed to query archive totals: %w", err)
	}
	defer rows.Close()

	var out []ArchiveTotals
	for rows.Next() {
		var direction, total string
		var count uint64
		if err := rows.Scan(&direction, &count, &total); err != nil {
			return nil, fmt.Errorf("failed to scan archive totals: %w", err)
		}
		amount, err := decimal.NewFromString(total)
		if err != nil {
			return nil, fmt.Errorf("bad archive amount %q: %w", total, err)
		}
		out = append(out, ArchiveTotals{
			Direction: types.TransferDirection(direction),
			Count:     count,
			Amount:    amount,
		})
	}
	return out, rows.Err()
}
