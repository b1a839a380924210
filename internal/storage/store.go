// Package storage holds the persistence contracts of the gateway and their drivers.
//
// Every mutation of shared key or gift-code state goes through a single conditional operation of
// the underlying engine (a guarded UPDATE, a transaction, or the store mutex), never through a
// read-modify-write in application memory.
package storage

import (
	"context"
	"time"

	"github.com/antigravity/keygate/internal/models"
)

// KeyFilter narrows ListKeys results. Zero values match everything.
type KeyFilter struct {
	Principal string
	Plan      models.Plan
	Active    *bool
	Limit     int
}

func (f KeyFilter) match(k *models.Key) bool {
	if f.Principal != "" && k.Principal != f.Principal {
		return false
	}
	if f.Plan != "" && k.Plan != f.Plan {
		return false
	}
	if f.Active != nil && k.Active != *f.Active {
		return false
	}
	return true
}

// KeyStore persists API keys.
type KeyStore interface {
	// CreateKey inserts a new key. It fails with apierr.ErrDuplicateActiveKey when the key is
	// active and the principal already holds an active key of the same plan.
	CreateKey(ctx context.Context, key *models.Key) error
	// GetKey returns apierr.ErrKeyNotFound for unknown tokens.
	GetKey(ctx context.Context, token string) (*models.Key, error)
	// IncrementUsage adds one to the usage counter if, and only if, the key is still active and
	// unexpired at now. A miss is reported with the current denial reason.
	IncrementUsage(ctx context.Context, token string, now time.Time) (*models.Key, error)
	// DeactivateExpired flips an active key past its expiry to inactive and returns the result.
	DeactivateExpired(ctx context.Context, token string, now time.Time) (*models.Key, error)
	// UpdateKey applies an admin mutation. Activating a key re-checks the one-active-per-plan rule.
	UpdateKey(ctx context.Context, token string, update KeyUpdate) (*models.Key, error)
	DeleteKey(ctx context.Context, token string) error
	ListKeys(ctx context.Context, filter KeyFilter) ([]*models.Key, error)
	// SweepExpired deactivates up to limit expired keys and returns how many were changed.
	SweepExpired(ctx context.Context, now time.Time, limit int) (int, error)
}

// KeyUpdate describes an admin change. Nil fields are left untouched.
type KeyUpdate struct {
	Active      *bool
	ExpiresAt   *time.Time
	ClearExpiry bool
	ResetUsage  bool
	Now         time.Time
}

// RedeemRequest carries everything a driver needs to redeem atomically.
type RedeemRequest struct {
	Code      string
	Principal string
	Now       time.Time
	// Mint builds the key for a code that passed validation. It must not touch storage.
	Mint func(code *models.GiftCode) (*models.Key, error)
}

// GiftStore persists gift codes.
type GiftStore interface {
	CreateGiftCode(ctx context.Context, code *models.GiftCode) error
	GetGiftCode(ctx context.Context, code string) (*models.GiftCode, error)
	ListGiftCodes(ctx context.Context) ([]*models.GiftCode, error)
	SetGiftCodeActive(ctx context.Context, code string, active bool) (*models.GiftCode, error)
	DeleteGiftCode(ctx context.Context, code string) error
	// Redeem validates the code for the principal, mints a key and records the use in one atomic
	// step. Either both the key and the counted use persist, or neither does.
	Redeem(ctx context.Context, req RedeemRequest) (*models.Key, *models.GiftCode, error)
}

// Store bundles the key and gift-code stores of one driver.
type Store interface {
	KeyStore
	GiftStore
	Ping(ctx context.Context) error
	Close() error
}

// ContextStore keeps bounded per-principal conversation history.
type ContextStore interface {
	Turns(ctx context.Context, principal string) ([]models.Turn, error)
	// Append adds a turn and evicts the oldest ones beyond max.
	Append(ctx context.Context, principal string, turn models.Turn, max int) error
	// Clear removes all history. Clearing an empty history is not an error.
	Clear(ctx context.Context, principal string) error
	Close() error
}
