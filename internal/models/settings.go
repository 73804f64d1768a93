package models

import "time"

// GlobalSettings is the single settings row backing the active provider state.
type GlobalSettings struct {
	ActiveRPCProvider string    `json:"activeRpcProvider" db:"active_rpc_provider"`
	AutoSwitchEnabled bool      `json:"isAutoSwitchEnabled" db:"is_auto_switch_enabled"`
	DepositsPaused    bool      `json:"depositsPaused" db:"deposits_paused"`
	UpdatedAt         time.Time `json:"updatedAt" db:"updated_at"`
}
