package domain

import "time"

// Player is an anonymous client identity keyed by device id. Players are
// created on first contact and never deleted, only linked to an account.
type Player struct {
	ID           string    `json:"id"`
	DeviceID     string    `json:"device_id"`
	DisplayName  string    `json:"display_name"`
	AccountID    *string   `json:"account_id,omitempty"`
	LastActiveAt time.Time `json:"last_active_at"`
	CreatedAt    time.Time `json:"created_at"`
}

// Account is a verified-email identity. An email maps to at most one account;
// an account owns zero or more players.
type Account struct {
	ID          string    `json:"id"`
	Email       string    `json:"email"`
	DisplayName string    `json:"display_name,omitempty"`
	Verified    bool      `json:"verified"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// OTPChallenge is a single-use email verification code. It is accepted at
// most once (used_at set exactly once) and only before expiry; the attempt
// counter bounds brute force.
type OTPChallenge struct {
	ID        string     `json:"id"`
	Email     string     `json:"email"`
	Code      string     `json:"-"`
	DeviceID  string     `json:"device_id"`
	ExpiresAt time.Time  `json:"expires_at"`
	UsedAt    *time.Time `json:"used_at,omitempty"`
	Attempts  int        `json:"attempts"`
	CreatedAt time.Time  `json:"created_at"`
}
