// Package gift creates and redeems gift codes.
package gift

import (
	"context"
	"crypto/rand"
	"errors"
	"math/big"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/antigravity/keygate/internal/apierr"
	"github.com/antigravity/keygate/internal/entitlement"
	"github.com/antigravity/keygate/internal/keys"
	"github.com/antigravity/keygate/internal/models"
	"github.com/antigravity/keygate/internal/notify"
	"github.com/antigravity/keygate/internal/storage"
)

const (
	// 去掉易混淆的字符 0/O 1/I
	codeAlphabet     = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	generateAttempts = 5
	defaultMaxUses   = 1
)

var customCodePattern = regexp.MustCompile(`^[A-Z0-9][A-Z0-9-]{3,63}$`)

// CreateRequest describes a gift code. An empty Code generates GIFT-XXXX-XXXX.
type CreateRequest struct {
	Code    string
	Plan    models.Plan
	MaxUses int
	// ValidDays bounds how long the code itself can be redeemed; zero never expires
	ValidDays int
	// KeyExpiryDays overrides the tier default expiry of minted keys; zero mints permanent keys
	KeyExpiryDays *int
	Note          string
	CreatedBy     string
}

// Service manages gift codes
type Service struct {
	store    storage.GiftStore
	tiers    *entitlement.Table
	cache    keys.TokenCache
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

func NewService(store storage.GiftStore, tiers *entitlement.Table, cache keys.TokenCache, notifier notify.Notifier, logger *zap.Logger, opts ...Option) *Service {
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

// NormalizeCode upper-cases and trims user input
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// GenerateCode returns a random GIFT-XXXX-XXXX code
func GenerateCode() (string, error) {
	max := big.NewInt(int64(len(codeAlphabet)))
	var b strings.Builder
	b.WriteString("GIFT")
	for group := 0; group < 2; group++ {
		b.WriteByte('-')
		for i := 0; i < 4; i++ {
			n, err := rand.Int(rand.Reader, max)
			if err != nil {
				return "", err
			}
			b.WriteByte(codeAlphabet[n.Int64()])
		}
	}
	return b.String(), nil
}

// Create stores a new active gift code
func (s *Service) Create(ctx context.Context, req CreateRequest) (*models.GiftCode, error) {
	plan := models.ParsePlan(string(req.Plan))
	if !s.tiers.Has(plan) {
		return nil, apierr.Newf(apierr.InvalidRequest, "unknown plan %q", req.Plan)
	}
	maxUses := req.MaxUses
	if maxUses == 0 {
		maxUses = defaultMaxUses
	}
	if maxUses < 0 {
		return nil, apierr.New(apierr.InvalidRequest, "max uses must be positive")
	}
	if req.ValidDays < 0 || (req.KeyExpiryDays != nil && *req.KeyExpiryDays < 0) {
		return nil, apierr.New(apierr.InvalidRequest, "days must not be negative")
	}

	now := s.now()
	gc := &models.GiftCode{
		Plan:       plan,
		MaxUses:    maxUses,
		RedeemedBy: []string{},
		Active:     true,
		ExpiresAt:  models.ExpiryAfter(now, req.ValidDays),
		Note:       req.Note,
		CreatedBy:  req.CreatedBy,
		CreatedAt:  now,
	}
	if req.KeyExpiryDays != nil {
		days := *req.KeyExpiryDays
		gc.KeyExpiryDays = &days
	}

	if custom := NormalizeCode(req.Code); custom != "" {
		if !customCodePattern.MatchString(custom) {
			return nil, apierr.New(apierr.InvalidRequest, "code must be 4-64 characters of A-Z, 0-9 and dashes")
		}
		gc.Code = custom
		if err := s.store.CreateGiftCode(ctx, gc); err != nil {
			return nil, err
		}
	} else if err := s.createGenerated(ctx, gc); err != nil {
		return nil, err
	}

	s.logger.Info("Gift code created",
		zap.String("code", gc.Code),
		zap.String("plan", string(plan)),
		zap.Int("max_uses", maxUses))
	s.notifier.Notify(ctx, notify.GiftCreated(gc))
	return gc, nil
}

func (s *Service) createGenerated(ctx context.Context, gc *models.GiftCode) error {
	var err error
	for i := 0; i < generateAttempts; i++ {
		if gc.Code, err = GenerateCode(); err != nil {
			return err
		}
		err = s.store.CreateGiftCode(ctx, gc)
		if !errors.Is(err, apierr.ErrCodeExists) {
			return err
		}
	}
	return err
}

// Redeem mints a key for principal. Validation happens inside the store's atomic step and reports
// the first failing reason: not found, inactive, expired, exhausted, already redeemed, duplicate key.
func (s *Service) Redeem(ctx context.Context, code, principal string) (*models.Key, *models.GiftCode, error) {
	code = NormalizeCode(code)
	principal = strings.TrimSpace(principal)
	if code == "" {
		return nil, nil, apierr.ErrCodeNotFound
	}
	if principal == "" {
		return nil, nil, apierr.New(apierr.InvalidRequest, "principal is required")
	}

	now := s.now()
	key, gc, err := s.store.Redeem(ctx, storage.RedeemRequest{
		Code:      code,
		Principal: principal,
		Now:       now,
		Mint: func(gc *models.GiftCode) (*models.Key, error) {
			return s.mint(gc, principal, now)
		},
	})
	if err != nil {
		s.logger.Info("Gift code redemption denied",
			zap.String("code", code),
			zap.String("principal", principal),
			zap.String("reason", string(apierr.CodeOf(err))))
		return nil, nil, err
	}
	if s.cache != nil {
		s.cache.Forget(key.Token)
	}

	s.logger.Info("Gift code redeemed",
		zap.String("code", code),
		zap.String("principal", principal),
		zap.String("key", models.MaskToken(key.Token)),
		zap.Int("remaining", gc.Remaining()))
	s.notifier.Notify(ctx, notify.GiftRedeemed(gc, key))
	return key, gc, nil
}

func (s *Service) mint(gc *models.GiftCode, principal string, now time.Time) (*models.Key, error) {
	tier, ok := s.tiers.Get(gc.Plan)
	if !ok {
		return nil, apierr.Newf(apierr.InvalidRequest, "plan %q is no longer offered", gc.Plan)
	}
	token, err := keys.NewToken()
	if err != nil {
		return nil, err
	}
	return &models.Key{
		Token:     token,
		Principal: principal,
		Plan:      gc.Plan,
		Active:    true,
		ExpiresAt: gc.KeyExpiry(now, tier.DefaultExpiryDays),
		GiftCode:  gc.Code,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

func (s *Service) Get(ctx context.Context, code string) (*models.GiftCode, error) {
	return s.store.GetGiftCode(ctx, NormalizeCode(code))
}

func (s *Service) List(ctx context.Context) ([]*models.GiftCode, error) {
	return s.store.ListGiftCodes(ctx)
}

func (s *Service) SetActive(ctx context.Context, code string, active bool) (*models.GiftCode, error) {
	gc, err := s.store.SetGiftCodeActive(ctx, NormalizeCode(code), active)
	if err != nil {
		return nil, err
	}
	s.logger.Info("Gift code updated", zap.String("code", gc.Code), zap.Bool("active", active))
	return gc, nil
}

// Delete removes the code. Keys minted from it are kept.
func (s *Service) Delete(ctx context.Context, code string) error {
	code = NormalizeCode(code)
	if err := s.store.DeleteGiftCode(ctx, code); err != nil {
		return err
	}
	s.logger.Info("Gift code deleted", zap.String("code", code))
	return nil
}
