package auth

import (
	"context"
	"time"

	"github.com/lizcirble/shakabackend/internal/identity"
)

// ─────────────────────────────────────────────
// User represents a marketplace participant (creator and/or worker).
// ─────────────────────────────────────────────

type UserStatus string

const (
	StatusActive    UserStatus = "active"
	StatusBanned    UserStatus = "banned"
	StatusSuspended UserStatus = "suspended"
)

func (s UserStatus) Valid() bool {
	return s == StatusActive || s == StatusBanned || s == StatusSuspended
}

type User struct {
	ID             string     `json:"id" gorm:"primaryKey;type:varchar(36)"`
	ExternalID     *string    `json:"external_id,omitempty" gorm:"uniqueIndex"` // identity provider subject
	Email          string     `json:"email,omitempty"`
	Nickname       string     `json:"nickname"`
	PaymentAddress string     `json:"payment_address"`               // payout destination on the ledger
	APIKey         string     `json:"api_key" gorm:"uniqueIndex"`    // non-expiring key
	Status         UserStatus `json:"status" gorm:"default:active"`  // active | banned | suspended
	Reputation     int        `json:"reputation" gorm:"index"`       // bounded, written only by reputation.Adjuster
	LastUsedAt     *time.Time `json:"last_used_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// IsActive reports whether the account may act on the marketplace.
func (u *User) IsActive() bool {
	return u.Status == StatusActive
}

// ─────────────────────────────────────────────
// UserService – the single account interface.
//
// Supports:
//   - identity-provider sign-in (upsert by external id)
//   - API key lookup (used by middleware)
//   - admin status changes
// ─────────────────────────────────────────────

type UserService interface {
	// UpsertFromIdentity finds or creates the local user for a verified
	// identity and refreshes its payment address.
	UpsertFromIdentity(ctx context.Context, id *identity.Identity) (*User, error)

	// GetByAPIKey looks up a user by their API key.
	GetByAPIKey(ctx context.Context, apiKey string) (*User, error)

	// GetByID retrieves a user by their internal ID.
	GetByID(ctx context.Context, userID string) (*User, error)

	// ResetAPIKey regenerates the user's API key (invalidates old one).
	ResetAPIKey(ctx context.Context, userID string) (*User, error)

	// SetStatus sets user account status.
	SetStatus(ctx context.Context, userID string, status UserStatus) error

	// SetPaymentAddress changes the payout destination.
	SetPaymentAddress(ctx context.Context, userID, address string) (*User, error)

	// ActiveWorkers lists active users with a payment address, excluding ids.
	ActiveWorkers(ctx context.Context, exclude []string, limit int) ([]User, error)
}
