package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	apperrors "github.com/deposit-settlement/internal/errors"
	"github.com/deposit-settlement/internal/models"
	"github.com/deposit-settlement/internal/types"
)

// UserRepository handles user lookups by wallet
type UserRepository struct {
	db *PostgresDB
}

// NewUserRepository creates a new user repository
func NewUserRepository(db *PostgresDB) *UserRepository {
	return &UserRepository{db: db}
}

// Create registers wallet, returning the existing user if it is known.
func (r *UserRepository) Create(ctx context.Context, wallet string) (*models.User, error) {
	addr, err := types.NormalizeAddress(wallet)
	if err != nil {
		return nil, apperrors.NewInvalidAddressError("wallet", wallet)
	}

	var user models.User
	err = r.db.Pool().QueryRow(ctx, `
		INSERT INTO users (wallet_address)
		VALUES ($1)
		ON CONFLICT (wallet_address) DO UPDATE SET wallet_address = EXCLUDED.wallet_address
		RETURNING id, wallet_address, created_at
	`, addr).Scan(&user.ID, &user.WalletAddress, &user.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	return &user, nil
}

// GetByWallet retrieves a user by wallet address. Unknown wallets return an
// error matching apperrors.ErrNotFound.
func (r *UserRepository) GetByWallet(ctx context.Context, wallet string) (*models.User, error) {
	addr, err := types.NormalizeAddress(wallet)
	if err != nil {
		return nil, apperrors.NewInvalidAddressError("wallet", wallet)
	}

	var user models.User
	err = r.db.Pool().QueryRow(ctx, `
		SELECT id, wallet_address, created_at
		FROM users
		WHERE wallet_address = $1
	`, addr).Scan(&user.ID, &user.WalletAddress, &user.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.NewNotFoundError("user", addr)
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return &user, nil
}

// GetByID retrieves a user by ID
func (r *UserRepository) GetByID(ctx context.Context, id int64) (*models.User, error) {
	var user models.User
	err := r.db.Pool().QueryRow(ctx, `
		SELECT id, wallet_address, created_at
		FROM users
		WHERE id = $1
	`, id).Scan(&user.ID, &user.WalletAddress, &user.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.NewNotFoundError("user", fmt.Sprint(id))
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return &user, nil
}
