package models

import (
	"time"

	"github.com/antigravity/keygate/internal/apierr"
)

// GiftCode is a bounded-use ticket that mints a key on redemption.
type GiftCode struct {
	Code          string     `json:"code" bson:"_id" firestore:"-"`
	Plan          Plan       `json:"plan" bson:"plan" firestore:"plan"`
	MaxUses       int        `json:"max_uses" bson:"max_uses" firestore:"max_uses"`
	Redemptions   int        `json:"redemptions" bson:"redemptions" firestore:"redemptions"`
	RedeemedBy    []string   `json:"redeemed_by" bson:"redeemed_by" firestore:"redeemed_by"`
	Active        bool       `json:"active" bson:"active" firestore:"active"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty" bson:"expires_at" firestore:"expires_at"`
	KeyExpiryDays *int       `json:"key_expiry_days,omitempty" bson:"key_expiry_days" firestore:"key_expiry_days"`
	Note          string     `json:"note,omitempty" bson:"note,omitempty" firestore:"note"`
	CreatedBy     string     `json:"created_by,omitempty" bson:"created_by,omitempty" firestore:"created_by"`
	CreatedAt     time.Time  `json:"created_at" bson:"created_at" firestore:"created_at"`
}

// CheckRedeemable validates a redemption by principal at now.
// The order of checks is part of the contract: callers see the first failing reason.
func (g *GiftCode) CheckRedeemable(principal string, now time.Time) error {
	switch {
	case !g.Active:
		return apierr.ErrCodeInactive
	case g.ExpiresAt != nil && !now.Before(*g.ExpiresAt):
		return apierr.ErrCodeExpired
	case g.Redemptions >= g.MaxUses:
		return apierr.ErrCodeExhausted
	case g.HasRedeemed(principal):
		return apierr.ErrAlreadyRedeemed
	}
	return nil
}

// HasRedeemed reports whether principal already used this code.
func (g *GiftCode) HasRedeemed(principal string) bool {
	for _, p := range g.RedeemedBy {
		if p == principal {
			return true
		}
	}
	return false
}

// Remaining returns the number of redemptions left.
func (g *GiftCode) Remaining() int {
	if n := g.MaxUses - g.Redemptions; n > 0 {
		return n
	}
	return 0
}

// KeyExpiry resolves the expiry of a key minted at now. tierDefaultDays applies when the code
// carries no explicit policy; a resolved value of zero yields a permanent key.
func (g *GiftCode) KeyExpiry(now time.Time, tierDefaultDays int) *time.Time {
	days := tierDefaultDays
	if g.KeyExpiryDays != nil {
		days = *g.KeyExpiryDays
	}
	return ExpiryAfter(now, days)
}

// RecordRedemption applies a successful redemption in memory.
func (g *GiftCode) RecordRedemption(principal string) {
	g.Redemptions++
	g.RedeemedBy = append(g.RedeemedBy, principal)
}

// Clone returns a deep copy.
func (g *GiftCode) Clone() *GiftCode {
	if g == nil {
		return nil
	}
	cp := *g
	cp.RedeemedBy = append([]string(nil), g.RedeemedBy...)
	if g.ExpiresAt != nil {
		t := *g.ExpiresAt
		cp.ExpiresAt = &t
	}
	if g.KeyExpiryDays != nil {
		d := *g.KeyExpiryDays
		cp.KeyExpiryDays = &d
	}
	return &cp
}
