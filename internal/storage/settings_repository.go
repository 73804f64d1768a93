package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/deposit-settlement/internal/models"
)

// SettingsRepository reads and writes the single global_settings row
type SettingsRepository struct {
	db *PostgresDB
}

// NewSettingsRepository creates a new settings repository
func NewSettingsRepository(db *PostgresDB) *SettingsRepository {
	return &SettingsRepository{db: db}
}

// GetSettings returns the settings row, or defaults when it was never written.
func (r *SettingsRepository) GetSettings(ctx context.Context) (*models.GlobalSettings, error) {
	var s models.GlobalSettings
	err := r.db.Pool().QueryRow(ctx, `
		SELECT active_rpc_provider, is_auto_switch_enabled, deposits_paused, updated_at
		FROM global_settings
		WHERE id = 1
	`).Scan(&s.ActiveRPCProvider, &s.AutoSwitchEnabled, &s.DepositsPaused, &s.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return &models.GlobalSettings{AutoSwitchEnabled: true}, nil
		}
		return nil, fmt.Errorf("failed to get settings: %w", err)
	}
	return &s, nil
}

// SetActiveProvider persists the active RPC provider.
func (r *SettingsRepository) SetActiveProvider(ctx context.Context, name string) error {
	return r.upsert(ctx, "active_rpc_provider", name)
}

// SetAutoSwitch enables or disables automatic provider failover.
func (r *SettingsRepository) SetAutoSwitch(ctx context.Context, enabled bool) error {
	return r.upsert(ctx, "is_auto_switch_enabled", enabled)
}

// SetDepositsPaused stops or resumes deposit ingestion.
func (r *SettingsRepository) SetDepositsPaused(ctx context.Context, paused bool) error {
	return r.upsert(ctx, "deposits_paused", paused)
}

// DepositsPaused reports whether ingestion is paused.
func (r *SettingsRepository) DepositsPaused(ctx context.Context) (bool, error) {
	s, err := r.GetSettings(ctx)
	if err != nil {
		return false, err
	}
	return s.DepositsPaused, nil
}

// upsert writes one column; column is always a literal from this file.
func (r *SettingsRepository) upsert(ctx context.Context, column string, value interface{}) error {
	query := fmt.Sprintf(`
		INSERT INTO global_settings (id, %[1]s, updated_at)
		VALUES (1, $1, now())
		ON CONFLICT (id) DO UPDATE SET %[1]s = EXCLUDED.%[1]s, updated_at = now()
	`, column)
	if _, err := r.db.Pool().Exec(ctx, query, value); err != nil {
		return fmt.Errorf("failed to update %s: %w", column, err)
	}
	return nil
}
