// Package keys issues and administers API keys.
package keys

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/antigravity/keygate/internal/apierr"
	"github.com/antigravity/keygate/internal/entitlement"
	"github.com/antigravity/keygate/internal/models"
	"github.com/antigravity/keygate/internal/notify"
	"github.com/antigravity/keygate/internal/storage"
)

const tokenPrefix = "sk-"

// TokenCache is told about freshly issued tokens so a cached "not found" does not outlive issuance
type TokenCache interface {
	Forget(token string)
}

// IssueRequest describes a key to issue. A nil ExpiryDays uses the tier default; zero means permanent.
type IssueRequest struct {
	Principal  string
	Plan       models.Plan
	ExpiryDays *int
	Note       string
}

// Stats summarizes the key population
type Stats struct {
	Total      int                 `json:"total"`
	Active     int                 `json:"active"`
	Expired    int                 `json:"expired"`
	Permanent  int                 `json:"permanent"`
	ByPlan     map[models.Plan]int `json:"by_plan"`
	TotalUsage int64               `json:"total_usage"`

	// IssuedToday counts keys created since midnight UTC
	IssuedToday int `json:"issued_today"`
}

// Service manages API keys
type Service struct {
	store    storage.KeyStore
	tiers    *entitlement.Table
	cache    TokenCache
	notifier notify.Notifier
	logger   *zap.Logger
	now      func() time.Time
}

// Option configures a Service
type Option func(*Service)

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates a key service
func NewService(store storage.KeyStore, tiers *entitlement.Table, cache TokenCache, notifier notify.Notifier, logger *zap.Logger, opts ...Option) *Service {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	s := &Service{
		store:    store,
		tiers:    tiers,
		cache:    cache,
		notifier: notifier,
		logger:   logger,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewToken generates a key token: sk- followed by 32 random bytes in base64url
func NewToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	return tokenPrefix + base64.RawURLEncoding.EncodeToString(b), nil
}

// Issue creates a new active key. It fails with DUPLICATE_ACTIVE_KEY when the principal already
// holds an active key of the plan.
func (s *Service) Issue(ctx context.Context, req IssueRequest) (*models.Key, error) {
	principal := strings.TrimSpace(req.Principal)
	if principal == "" {
		return nil, apierr.New(apierr.InvalidRequest, "principal is required")
	}
	plan := models.ParsePlan(string(req.Plan))
	tier, ok := s.tiers.Get(plan)
	if !ok {
		return nil, apierr.Newf(apierr.InvalidRequest, "unknown plan %q", req.Plan)
	}
	days := tier.DefaultExpiryDays
	if req.ExpiryDays != nil {
		if *req.ExpiryDays < 0 {
			return nil, apierr.New(apierr.InvalidRequest, "expiry days must not be negative")
		}
		days = *req.ExpiryDays
	}

	token, err := NewToken()
	if err != nil {
		return nil, err
	}
	now := s.now()
	key := &models.Key{
		Token:     token,
		Principal: principal,
		Plan:      plan,
		Active:    true,
		ExpiresAt: models.ExpiryAfter(now, days),
		Note:      req.Note,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateKey(ctx, key); err != nil {
		return nil, err
	}
	if s.cache != nil {
		s.cache.Forget(token)
	}

	s.logger.Info("API key issued",
		zap.String("key", models.MaskToken(token)),
		zap.String("principal", principal),
		zap.String("plan", string(plan)))
	s.notifier.Notify(ctx, notify.KeyIssued(key))
	return key, nil
}

func (s *Service) Get(ctx context.Context, token string) (*models.Key, error) {
	return s.store.GetKey(ctx, token)
}

func (s *Service) List(ctx context.Context, filter storage.KeyFilter) ([]*models.Key, error) {
	return s.store.ListKeys(ctx, filter)
}

// SetActive toggles a key. Activation re-checks the one-active-key-per-plan rule and refuses
// keys that are already past their expiry.
func (s *Service) SetActive(ctx context.Context, token string, active bool) (*models.Key, error) {
	now := s.now()
	if active {
		key, err := s.store.GetKey(ctx, token)
		if err != nil {
			return nil, err
		}
		if key.IsExpired(now) {
			return nil, apierr.New(apierr.InvalidRequest, "key has expired, extend it to reactivate")
		}
	}
	key, err := s.store.UpdateKey(ctx, token, storage.KeyUpdate{Active: &active, Now: now})
	if err != nil {
		return nil, err
	}
	s.logger.Info("API key updated",
		zap.String("key", models.MaskToken(token)),
		zap.Bool("active", key.Active))
	return key, nil
}

// Extend pushes the expiry to max(now, current expiry) + days. A key deactivated by expiry is
// reactivated; a key deactivated by hand only when reactivate is set.
func (s *Service) Extend(ctx context.Context, token string, days int, reactivate bool) (*models.Key, error) {
	if days <= 0 {
		return nil, apierr.New(apierr.InvalidRequest, "days must be positive")
	}
	key, err := s.store.GetKey(ctx, token)
	if err != nil {
		return nil, err
	}
	if key.ExpiresAt == nil {
		return nil, apierr.New(apierr.InvalidRequest, "key is permanent")
	}

	now := s.now()
	base := now
	if key.ExpiresAt.After(now) {
		base = *key.ExpiresAt
	}
	expiresAt := base.AddDate(0, 0, days)

	update := storage.KeyUpdate{ExpiresAt: &expiresAt, Now: now}
	// 已过期的停用视为到期停用
	if !key.Active && (reactivate || key.IsExpired(now)) {
		active := true
		update.Active = &active
	}
	updated, err := s.store.UpdateKey(ctx, token, update)
	if err != nil {
		return nil, err
	}
	s.logger.Info("API key extended",
		zap.String("key", models.MaskToken(token)),
		zap.Int("days", days),
		zap.Time("expires_at", expiresAt),
		zap.Bool("active", updated.Active))
	return updated, nil
}

// ResetUsage sets the usage counter back to zero
func (s *Service) ResetUsage(ctx context.Context, token string) (*models.Key, error) {
	return s.store.UpdateKey(ctx, token, storage.KeyUpdate{ResetUsage: true, Now: s.now()})
}

func (s *Service) Delete(ctx context.Context, token string) error {
	key, err := s.store.GetKey(ctx, token)
	if err != nil {
		return err
	}
	if err := s.store.DeleteKey(ctx, token); err != nil {
		return err
	}
	s.logger.Info("API key deleted", zap.String("key", models.MaskToken(token)))
	s.notifier.Notify(ctx, notify.KeyDeleted(key, s.now()))
	return nil
}

// SweepExpired deactivates up to limit keys past their expiry
func (s *Service) SweepExpired(ctx context.Context, limit int) (int, error) {
	n, err := s.store.SweepExpired(ctx, s.now(), limit)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.Info("Expired keys deactivated", zap.Int("count", n))
	}
	return n, nil
}

// Stats counts keys by state and plan
func (s *Service) Stats(ctx context.Context) (*Stats, error) {
	all, err := s.store.ListKeys(ctx, storage.KeyFilter{})
	if err != nil {
		return nil, err
	}
	now := s.now()
	today := now.UTC().Truncate(24 * time.Hour)
	stats := &Stats{ByPlan: make(map[models.Plan]int)}
	for _, k := range all {
		stats.Total++
		if !k.CreatedAt.Before(today) {
			stats.IssuedToday++
		}
		stats.ByPlan[k.Plan]++
		stats.TotalUsage += k.Usage
		switch {
		case k.IsExpired(now):
			stats.Expired++
		case k.Active:
			stats.Active++
		}
		if k.ExpiresAt == nil {
			stats.Permanent++
		}
	}
	return stats, nil
}
