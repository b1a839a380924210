package entitlement

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/antigravity/keygate/internal/apierr"
	"github.com/antigravity/keygate/internal/models"
	"github.com/antigravity/keygate/internal/storage"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	defaultNegativeTTL = 30 * time.Second
	negativeCacheMax   = 10000

	// Unlimited is the remaining-quota hint of tiers without an enforced ceiling
	Unlimited = -1
)

// Options carries the request features that are entitlement-relevant besides the capability
type Options struct {
	Language       string
	Tone           string
	IncludeContext bool
}

// Decision is the outcome of a successful authorization
type Decision struct {
	Key  *models.Key
	Tier Tier
	// Remaining is the number of requests left in the current rate window, or Unlimited
	Remaining int
}

// Engine authorizes requests against the key store and the tier table
type Engine struct {
	keys     storage.KeyStore
	tiers    *Table
	limits   *limiterSet
	negative *negativeCache
	logger   *zap.Logger
	now      func() time.Time
}

// Option configures an Engine
type Option func(*Engine)

// WithClock replaces time.Now, for tests
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithNegativeTTL sets how long an unknown token is remembered. Zero disables the cache.
func WithNegativeTTL(ttl time.Duration) Option {
	return func(e *Engine) { e.negative = newNegativeCache(ttl, negativeCacheMax) }
}

// NewEngine creates an entitlement engine
func NewEngine(keys storage.KeyStore, tiers *Table, logger *zap.Logger, opts ...Option) *Engine {
	e := &Engine{
		keys:     keys,
		tiers:    tiers,
		limits:   newLimiterSet(),
		negative: newNegativeCache(defaultNegativeTTL, negativeCacheMax),
		logger:   logger,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Tiers returns the tier table used by the engine
func (e *Engine) Tiers() *Table {
	return e.tiers
}

// Authorize checks the key for capability and consumes one unit of usage on success
func (e *Engine) Authorize(ctx context.Context, token string, capability models.Capability) (Decision, error) {
	grant, err := e.Begin(ctx, token, capability, Options{})
	if err != nil {
		return Decision{}, err
	}
	if err := grant.Commit(ctx); err != nil {
		return Decision{}, err
	}
	return grant.Decision(), nil
}

// Begin runs every check without mutating usage. The returned grant must be either committed
// once the request was served or released when it was abandoned.
func (e *Engine) Begin(ctx context.Context, token string, capability models.Capability, opts Options) (*Grant, error) {
	now := e.now()
	key, tier, err := e.lookup(ctx, token, now)
	if err != nil {
		return nil, err
	}

	if err := checkFeatures(tier, capability, opts); err != nil {
		return nil, err
	}

	grant := &Grant{engine: e, key: key, tier: tier, remaining: Unlimited}
	if tier.EnforcesRate() {
		reservation, wait := e.limits.reserve(key.Token, tier.RatePerMinute, now)
		if reservation == nil {
			retryAfter := int(math.Ceil(wait.Seconds()))
			return nil, apierr.ErrRateLimited.WithDetails(map[string]interface{}{
				"plan":                key.Plan,
				"limit_per_minute":    tier.RatePerMinute,
				"retry_after_seconds": retryAfter,
			})
		}
		grant.reservation = reservation
		grant.reservedAt = now
		grant.remaining = e.limits.remaining(key.Token, tier.RatePerMinute, now)
	}
	return grant, nil
}

// Validate reports the key's standing without consuming usage or rate budget. An expired key is
// still flipped to inactive.
func (e *Engine) Validate(ctx context.Context, token string) (Decision, error) {
	now := e.now()
	key, tier, err := e.lookup(ctx, token, now)
	if err != nil {
		return Decision{}, err
	}
	remaining := Unlimited
	if tier.EnforcesRate() {
		remaining = e.limits.remaining(key.Token, tier.RatePerMinute, now)
	}
	return Decision{Key: key, Tier: tier, Remaining: remaining}, nil
}

// lookup resolves the key and runs the standing checks: existence, activity, expiry, plan
func (e *Engine) lookup(ctx context.Context, token string, now time.Time) (*models.Key, Tier, error) {
	if token == "" {
		return nil, Tier{}, apierr.ErrMissingAPIKey
	}
	if e.negative.contains(token, now) {
		return nil, Tier{}, apierr.ErrKeyNotFound
	}

	key, err := e.keys.GetKey(ctx, token)
	if errors.Is(err, apierr.ErrKeyNotFound) {
		e.negative.add(token, now)
		return nil, Tier{}, apierr.ErrKeyNotFound
	}
	if err != nil {
		return nil, Tier{}, err
	}

	if !key.Active {
		return nil, Tier{}, apierr.ErrKeyInactive
	}
	if key.IsExpired(now) {
		e.expire(ctx, key.Token, now)
		return nil, Tier{}, apierr.ErrKeyExpired
	}

	tier, ok := e.tiers.Get(key.Plan)
	if !ok {
		return nil, Tier{}, apierr.Newf(apierr.CapabilityNotInPlan, "plan %q is not offered", key.Plan)
	}
	return key, tier, nil
}

// expire durably deactivates an expired key. Failure is logged; the denial stands either way.
func (e *Engine) expire(ctx context.Context, token string, now time.Time) {
	if _, err := e.keys.DeactivateExpired(ctx, token, now); err != nil {
		e.logger.Warn("Failed to deactivate expired key",
			zap.String("key", models.MaskToken(token)),
			zap.Error(err))
		return
	}
	e.logger.Info("Key expired and deactivated", zap.String("key", models.MaskToken(token)))
}

func checkFeatures(tier Tier, capability models.Capability, opts Options) error {
	deny := func(feature, value string) error {
		return apierr.ErrCapabilityNotInPlan.WithDetails(map[string]interface{}{
			"plan":    tier.Name,
			feature:   value,
			"upgrade": "see /v1/plans",
		})
	}
	if capability != "" && !tier.Allows(capability) {
		return deny("capability", string(capability))
	}
	if !tier.AllowsLanguage(opts.Language) {
		return deny("language", opts.Language)
	}
	if !tier.AllowsTone(opts.Tone) {
		return deny("tone", opts.Tone)
	}
	if opts.IncludeContext && !tier.Context {
		return deny("feature", "context")
	}
	return nil
}

// Prune drops idle rate buckets and expired negative cache entries
func (e *Engine) Prune(idle time.Duration) (limiters, negatives int) {
	now := e.now()
	return e.limits.prune(idle, now), e.negative.prune(now)
}

// Forget clears a token from the negative cache, used right after issuance
func (e *Engine) Forget(token string) {
	e.negative.forget(token)
}

// TrackedLimiters returns the number of live rate buckets
func (e *Engine) TrackedLimiters() int {
	return e.limits.size()
}

// Grant is a pending authorization. Exactly one of Commit or Release takes effect.
type Grant struct {
	engine      *Engine
	key         *models.Key
	tier        Tier
	remaining   int
	reservation *rate.Reservation
	reservedAt  time.Time

	once sync.Once
}

// Decision returns the current view of the grant
func (g *Grant) Decision() Decision {
	return Decision{Key: g.key.Clone(), Tier: g.tier, Remaining: g.remaining}
}

// Commit consumes one unit of usage with a conditional atomic increment. When the key changed
// state since Begin, the current denial reason is returned and the rate token is given back.
func (g *Grant) Commit(ctx context.Context) error {
	err := errors.New("grant already settled")
	g.once.Do(func() {
		now := g.engine.now()
		var key *models.Key
		key, err = g.engine.keys.IncrementUsage(ctx, g.key.Token, now)
		if err != nil {
			g.cancelReservation()
			if errors.Is(err, apierr.ErrKeyExpired) {
				g.engine.expire(ctx, g.key.Token, now)
			}
			return
		}
		g.key = key
	})
	return err
}

// Release abandons the grant without consuming usage
func (g *Grant) Release() {
	g.once.Do(g.cancelReservation)
}

func (g *Grant) cancelReservation() {
	if g.reservation != nil {
		// 在预约时刻取消，令牌才会归还
		g.reservation.CancelAt(g.reservedAt)
	}
}
