package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/deposit-settlement/internal/models"
	"github.com/deposit-settlement/internal/types"
)

// IndexRepository tracks scan progress: the last indexed block per token and
// the chunks that were skipped on the way.
type IndexRepository struct {
	db *PostgresDB
}

// NewIndexRepository creates a new index repository
func NewIndexRepository(db *PostgresDB) *IndexRepository {
	return &IndexRepository{db: db}
}

// GetLastIndexed returns the last indexed block for token. ok is false when
// the token was never scanned.
func (r *IndexRepository) GetLastIndexed(ctx context.Context, token types.TokenType) (uint64, bool, error) {
	var block int64
	err := r.db.Pool().QueryRow(ctx,
		`SELECT block_number FROM last_indexed_block WHERE token_type = $1`,
		string(token),
	).Scan(&block)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("failed to get last indexed block: %w", err)
	}
	return uint64(block), true, nil // #nosec G115 - stored from uint64
}

// AdvanceLastIndexed moves the index forward. It never moves backwards.
func (r *IndexRepository) AdvanceLastIndexed(ctx context.Context, token types.TokenType, block uint64) error {
	_, err := r.db.Pool().Exec(ctx, `
		INSERT INTO last_indexed_block (token_type, block_number, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (token_type) DO UPDATE
		SET block_number = GREATEST(last_indexed_block.block_number, EXCLUDED.block_number),
			updated_at = now()
	`, string(token), int64(block)) // #nosec G115 - block heights fit in int64
	if err != nil {
		return fmt.Errorf("failed to advance last indexed block: %w", err)
	}
	return nil
}

// RecordGap stores a skipped range. Recording the same range again bumps its
// attempt count and reopens it.
func (r *IndexRepository) RecordGap(ctx context.Context, gap *models.ScanGap) error {
	err := r.db.Pool().QueryRow(ctx, `
		INSERT INTO scan_gaps (token_type, from_block, to_block, reason, attempts)
		VALUES ($1, $2, $3, $4, 1)
		ON CONFLICT (token_type, from_block, to_block) DO UPDATE
		SET reason = EXCLUDED.reason,
			attempts = scan_gaps.attempts + 1,
			resolved = FALSE,
			updated_at = now()
		RETURNING id, attempts, created_at, updated_at
	`,
		string(gap.TokenType),
		int64(gap.FromBlock), // #nosec G115
		int64(gap.ToBlock),   // #nosec G115
		gap.Reason,
	).Scan(&gap.ID, &gap.Attempts, &gap.CreatedAt, &gap.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to record scan gap: %w", err)
	}
	return nil
}

// ListOpenGaps returns unresolved gaps for token, oldest range first.
func (r *IndexRepository) ListOpenGaps(ctx context.Context, token types.TokenType, limit int) ([]*models.ScanGap, error) {
	rows, err := r.db.Pool().Query(ctx, `
		SELECT id, token_type, from_block, to_block, reason, attempts, resolved, created_at, updated_at
		FROM scan_gaps
		WHERE token_type = $1 AND NOT resolved
		ORDER BY from_block
		LIMIT $2
	`, string(token), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list scan gaps: %w", err)
	}
	defer rows.Close()

	var gaps []*models.ScanGap
	for rows.Next() {
		var g models.ScanGap
		var tokenType string
		var from, to int64
		if err := rows.Scan(&g.ID, &tokenType, &from, &to, &g.Reason, &g.Attempts, &g.Resolved, &g.CreatedAt, &g.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan gap row: %w", err)
		}
		g.TokenType = types.TokenType(tokenType)
		g.FromBlock = uint64(from) // #nosec G115
		g.ToBlock = uint64(to)     // #nosec G115
		gaps = append(gaps, &g)
	}
	return gaps, rows.Err()
}

// ResolveGap marks a gap as rescanned.
func (r *IndexRepository) ResolveGap(ctx context.Context, id int64) error {
	_, err := r.db.Pool().Exec(ctx,
		`UPDATE scan_gaps SET resolved = TRUE, updated_at = now() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to resolve scan gap: %w", err)
	}
	return nil
}

// FailGap records another failed rescan.
func (r *IndexRepository) FailGap(ctx context.Context, id int64, reason string) error {
	_, err := r.db.Pool().Exec(ctx, `
		UPDATE scan_gaps
		SET attempts = attempts + 1, reason = $2, updated_at = now()
		WHERE id = $1
	`, id, reason)
	if err != nil {
		return fmt.Errorf("failed to update scan gap: %w", err)
	}
	return nil
}
