// Package entitlement decides whether a key may use a capability right now.
package entitlement

import (
	"fmt"
	"strings"

	"github.com/antigravity/keygate/internal/config"
	"github.com/antigravity/keygate/internal/models"
	"github.com/shopspring/decimal"
)

const (
	defaultLanguage = "english"
	defaultTone     = "default"
)

// Tier is the entitlement definition of a plan
type Tier struct {
	Name              models.Plan         `json:"name"`
	RatePerMinute     int                 `json:"rate_per_minute"`
	Unlimited         bool                `json:"unlimited"`
	Capabilities      []models.Capability `json:"capabilities"`
	Languages         []string            `json:"languages,omitempty"`
	Tones             []string            `json:"tones,omitempty"`
	Context           bool                `json:"context"`
	DefaultExpiryDays int                 `json:"default_expiry_days"`
	Price             decimal.Decimal     `json:"price"`
	Description       string              `json:"description,omitempty"`
	caps              map[models.Capability]bool
}

// Allows reports whether the capability is part of the plan
func (t Tier) Allows(c models.Capability) bool {
	return t.caps[c]
}

// AllowsLanguage reports whether responses may be requested in lang. An empty list means any.
func (t Tier) AllowsLanguage(lang string) bool {
	return containsFold(t.Languages, lang, defaultLanguage)
}

// AllowsTone reports whether the tone may be used. An empty list means any.
func (t Tier) AllowsTone(tone string) bool {
	return containsFold(t.Tones, tone, defaultTone)
}

// EnforcesRate reports whether the per-minute ceiling is enforced for this tier.
// Unlimited tiers carry a ceiling for display only.
func (t Tier) EnforcesRate() bool {
	return t.RatePerMinute > 0 && !t.Unlimited
}

func containsFold(list []string, value, fallback string) bool {
	if len(list) == 0 {
		return true
	}
	value = strings.TrimSpace(value)
	if value == "" {
		value = fallback
	}
	for _, item := range list {
		if strings.EqualFold(item, value) {
			return true
		}
	}
	return false
}

// Table is the single source of truth for plan entitlements
type Table struct {
	tiers map[models.Plan]Tier
	order []models.Plan
}

// NewTable validates and indexes tiers, keeping their order for display
func NewTable(tiers []Tier) (*Table, error) {
	t := &Table{tiers: make(map[models.Plan]Tier, len(tiers))}
	for _, tier := range tiers {
		if tier.Name == "" {
			return nil, fmt.Errorf("tier without a name")
		}
		if _, dup := t.tiers[tier.Name]; dup {
			return nil, fmt.Errorf("duplicate tier %q", tier.Name)
		}
		if tier.RatePerMinute < 0 || tier.DefaultExpiryDays < 0 {
			return nil, fmt.Errorf("tier %q: negative rate or expiry", tier.Name)
		}
		tier.caps = make(map[models.Capability]bool, len(tier.Capabilities))
		for _, c := range tier.Capabilities {
			tier.caps[c] = true
		}
		t.tiers[tier.Name] = tier
		t.order = append(t.order, tier.Name)
	}
	if len(t.order) == 0 {
		return nil, fmt.Errorf("no tiers configured")
	}
	return t, nil
}

// FromConfig builds the table from the tiers section of the config
func FromConfig(tiers []config.TierConfig) (*Table, error) {
	if len(tiers) == 0 {
		tiers = config.DefaultTiers()
	}
	parsed := make([]Tier, 0, len(tiers))
	for _, tc := range tiers {
		tier := Tier{
			Name:              models.ParsePlan(tc.Name),
			RatePerMinute:     tc.RatePerMinute,
			Unlimited:         tc.Unlimited,
			Languages:         tc.Languages,
			Tones:             tc.Tones,
			Context:           tc.Context,
			DefaultExpiryDays: tc.DefaultExpiryDays,
			Description:       tc.Description,
		}
		for _, name := range tc.Capabilities {
			c, err := models.ParseCapability(name)
			if err != nil {
				return nil, fmt.Errorf("tier %q: %w", tc.Name, err)
			}
			tier.Capabilities = append(tier.Capabilities, c)
		}
		price := tc.Price
		if price == "" {
			price = "0"
		}
		p, err := decimal.NewFromString(price)
		if err != nil {
			return nil, fmt.Errorf("tier %q: invalid price %q: %w", tc.Name, tc.Price, err)
		}
		tier.Price = p
		parsed = append(parsed, tier)
	}
	return NewTable(parsed)
}

// DefaultTable returns the built-in catalog
func DefaultTable() *Table {
	t, err := FromConfig(config.DefaultTiers())
	if err != nil {
		panic(fmt.Sprintf("built-in tiers are invalid: %v", err))
	}
	return t
}

// Get returns the tier of a plan
func (t *Table) Get(plan models.Plan) (Tier, bool) {
	tier, ok := t.tiers[plan]
	return tier, ok
}

// Has reports whether the plan is configured
func (t *Table) Has(plan models.Plan) bool {
	_, ok := t.tiers[plan]
	return ok
}

// Tiers returns all tiers in configuration order
func (t *Table) Tiers() []Tier {
	out := make([]Tier, 0, len(t.order))
	for _, name := range t.order {
		out = append(out, t.tiers[name])
	}
	return out
}
