package storage

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/deposit-settlement/internal/config"
)

// testContext creates a context with timeout for tests
func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func testPostgresConfig() *config.PostgresConfig {
	return &config.PostgresConfig{
		Host:           envOr("POSTGRES_HOST", "localhost"),
		Port:           envOr("POSTGRES_PORT", "5432"),
		Database:       envOr("POSTGRES_DB", "deposit_settlement_test"),
		User:           envOr("POSTGRES_USER", "settlement"),
		Password:       envOr("POSTGRES_PASSWORD", "settlement_dev_password"),
		MaxConnections: 10,
	}
}

// setupTestDB connects to Postgres, applies migrations and empties every
// table. The test is skipped when no database is reachable.
func setupTestDB(t *testing.T) *PostgresDB {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	cfg := testPostgresConfig()
	db, err := NewPostgresDB(cfg)
	if err != nil {
		t.Skipf("Skipping test - Postgres not available: %v", err)
	}
	t.Cleanup(db.Close)

	if err := RunMigrations(cfg.URL(), "../../migrations/postgres"); err != nil {
		t.Fatalf("RunMigrations() error = %v", err)
	}

	_, err = db.Pool().Exec(testContext(t), `
		TRUNCATE deposits, cached_transfers, scan_gaps, last_indexed_block, users RESTART IDENTITY CASCADE;
		UPDATE global_settings SET active_rpc_provider = 'quicknode', is_auto_switch_enabled = TRUE, deposits_paused = FALSE;
	`)
	if err != nil {
		t.Fatalf("failed to reset tables: %v", err)
	}
	return db
}
