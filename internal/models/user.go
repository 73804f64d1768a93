// Package models provides data models for the deposit settlement system.
package models

import "time"

// User is an application account identified by the wallet it deposits from.
type User struct {
	ID            int64     `json:"id" db:"id"`
	WalletAddress string    `json:"walletAddress" db:"wallet_address"`
	CreatedAt     time.Time `json:"createdAt" db:"created_at"`
}
