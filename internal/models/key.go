package models

import (
	"strings"
	"time"
)

// Plan names a tier. Tiers are configuration, so any name is accepted here.
type Plan string

const (
	PlanFree  Plan = "free"
	PlanBasic Plan = "basic"
	PlanPro   Plan = "pro"
)

// ParsePlan normalizes user input into a plan name.
func ParsePlan(s string) Plan {
	return Plan(strings.ToLower(strings.TrimSpace(s)))
}

// Key represents an issued API key
type Key struct {
	Token     string     `json:"token" bson:"_id" firestore:"-"`
	Principal string     `json:"principal" bson:"principal" firestore:"principal"`
	Plan      Plan       `json:"plan" bson:"plan" firestore:"plan"`
	Active    bool       `json:"active" bson:"active" firestore:"active"`
	ExpiresAt *time.Time `json:"expires_at,omitempty" bson:"expires_at" firestore:"expires_at"`
	Usage     int64      `json:"usage" bson:"usage" firestore:"usage"`
	GiftCode  string     `json:"gift_code,omitempty" bson:"gift_code,omitempty" firestore:"gift_code"`
	Note      string     `json:"note,omitempty" bson:"note,omitempty" firestore:"note"`
	CreatedAt time.Time  `json:"created_at" bson:"created_at" firestore:"created_at"`
	UpdatedAt time.Time  `json:"updated_at" bson:"updated_at" firestore:"updated_at"`
}

// IsExpired reports whether the key is past its expiry at now. Permanent keys never expire.
func (k *Key) IsExpired(now time.Time) bool {
	return k.ExpiresAt != nil && !now.Before(*k.ExpiresAt)
}

// Clone returns a deep copy.
func (k *Key) Clone() *Key {
	if k == nil {
		return nil
	}
	cp := *k
	if k.ExpiresAt != nil {
		t := *k.ExpiresAt
		cp.ExpiresAt = &t
	}
	return &cp
}

// MaskToken shortens a token for display and logs.
func MaskToken(token string) string {
	if len(token) <= 15 {
		return "***"
	}
	return token[:10] + "..." + token[len(token)-5:]
}

// ExpiryAfter converts an expiry policy in days into a timestamp. Zero days means permanent.
func ExpiryAfter(now time.Time, days int) *time.Time {
	if days <= 0 {
		return nil
	}
	t := now.AddDate(0, 0, days)
	return &t
}
