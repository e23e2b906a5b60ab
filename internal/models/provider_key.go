package models

import "time"

// Provider key health enums.
const (
	KeyHealthy     = "healthy"
	KeyRateLimited = "rateLimited"
	KeyDisabled    = "disabled"
)

type ProviderKey struct {
	ID                    string     `json:"id"`
	Secret                string     `json:"-"`
	Health                string     `json:"health"`
	CooldownUntil         *time.Time `json:"cooldown_until,omitempty"`
	MaxConcurrent         int        `json:"max_concurrent"`
	ActiveCount           int        `json:"active_count"`
	ConsecutiveRateLimits int        `json:"consecutive_rate_limits"`
	RatePerSecond         float64    `json:"rate_per_second,omitempty"`
	Burst                 int        `json:"burst,omitempty"`
}

// UserConcurrencyState is the ephemeral per-user in-flight count.
type UserConcurrencyState struct {
	UserID      string `json:"user_id"`
	ActiveCount int    `json:"active_count"`
	Limit       int    `json:"limit"`
}
