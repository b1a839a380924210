package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/antigravity/keygate/internal/apierr"
	"github.com/antigravity/keygate/internal/models"
)

// MemoryStore keeps keys and gift codes in process memory. A single mutex serializes every
// mutation, which gives the same atomicity the database drivers get from conditional updates.
type MemoryStore struct {
	mu     sync.Mutex
	keys   map[string]*models.Key
	active map[string]string // principal/plan -> token of the active key
	codes  map[string]*models.GiftCode
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		keys:   make(map[string]*models.Key),
		active: make(map[string]string),
		codes:  make(map[string]*models.GiftCode),
	}
}

var _ Store = (*MemoryStore)(nil)

func slotKey(principal string, plan models.Plan) string {
	return principal + "\x00" + string(plan)
}

// claimSlot checks the one-active-per-plan rule for key. An active holder that is already past
// its expiry is deactivated so the slot frees up. Caller holds s.mu.
func (s *MemoryStore) claimSlot(key *models.Key, now time.Time) error {
	slot := slotKey(key.Principal, key.Plan)
	holderToken, ok := s.active[slot]
	if !ok || holderToken == key.Token {
		return nil
	}
	holder, ok := s.keys[holderToken]
	if !ok || !holder.Active {
		delete(s.active, slot)
		return nil
	}
	if holder.IsExpired(now) {
		holder.Active = false
		holder.UpdatedAt = now
		delete(s.active, slot)
		return nil
	}
	return apierr.ErrDuplicateActiveKey
}

func (s *MemoryStore) insertKey(key *models.Key) {
	s.keys[key.Token] = key.Clone()
	if key.Active {
		s.active[slotKey(key.Principal, key.Plan)] = key.Token
	}
}

func (s *MemoryStore) CreateKey(ctx context.Context, key *models.Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.keys[key.Token]; exists {
		return apierr.New(apierr.InvalidRequest, "token already exists")
	}
	if key.Active {
		if err := s.claimSlot(key, key.CreatedAt); err != nil {
			return err
		}
	}
	s.insertKey(key)
	return nil
}

func (s *MemoryStore) GetKey(ctx context.Context, token string) (*models.Key, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key, ok := s.keys[token]
	if !ok {
		return nil, apierr.ErrKeyNotFound
	}
	return key.Clone(), nil
}

func (s *MemoryStore) IncrementUsage(ctx context.Context, token string, now time.Time) (*models.Key, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key, ok := s.keys[token]
	switch {
	case !ok:
		return nil, apierr.ErrKeyNotFound
	case !key.Active:
		return nil, apierr.ErrKeyInactive
	case key.IsExpired(now):
		return nil, apierr.ErrKeyExpired
	}
	key.Usage++
	key.UpdatedAt = now
	return key.Clone(), nil
}

func (s *MemoryStore) DeactivateExpired(ctx context.Context, token string, now time.Time) (*models.Key, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key, ok := s.keys[token]
	if !ok {
		return nil, apierr.ErrKeyNotFound
	}
	if key.Active && key.IsExpired(now) {
		key.Active = false
		key.UpdatedAt = now
		s.releaseSlot(key)
	}
	return key.Clone(), nil
}

func (s *MemoryStore) releaseSlot(key *models.Key) {
	slot := slotKey(key.Principal, key.Plan)
	if s.active[slot] == key.Token {
		delete(s.active, slot)
	}
}

func (s *MemoryStore) UpdateKey(ctx context.Context, token string, update KeyUpdate) (*models.Key, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key, ok := s.keys[token]
	if !ok {
		return nil, apierr.ErrKeyNotFound
	}

	if update.Active != nil && *update.Active && !key.Active {
		if err := s.claimSlot(key, update.Now); err != nil {
			return nil, err
		}
	}

	// 在副本上修改，校验失败时不影响原记录
	next := key.Clone()
	applyKeyUpdate(next, update)
	s.keys[token] = next
	if next.Active {
		s.active[slotKey(next.Principal, next.Plan)] = next.Token
	} else {
		s.releaseSlot(next)
	}
	return next.Clone(), nil
}

func applyKeyUpdate(key *models.Key, update KeyUpdate) {
	if update.Active != nil {
		key.Active = *update.Active
	}
	if update.ClearExpiry {
		key.ExpiresAt = nil
	} else if update.ExpiresAt != nil {
		t := *update.ExpiresAt
		key.ExpiresAt = &t
	}
	if update.ResetUsage {
		key.Usage = 0
	}
	key.UpdatedAt = update.Now
}

func (s *MemoryStore) DeleteKey(ctx context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key, ok := s.keys[token]
	if !ok {
		return apierr.ErrKeyNotFound
	}
	s.releaseSlot(key)
	delete(s.keys, token)
	return nil
}

func (s *MemoryStore) ListKeys(ctx context.Context, filter KeyFilter) ([]*models.Key, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := make([]*models.Key, 0, len(s.keys))
	for _, key := range s.keys {
		if filter.match(key) {
			result = append(result, key.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

func (s *MemoryStore) SweepExpired(ctx context.Context, now time.Time, limit int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for _, key := range s.keys {
		if limit > 0 && count >= limit {
			break
		}
		if key.Active && key.IsExpired(now) {
			key.Active = false
			key.UpdatedAt = now
			s.releaseSlot(key)
			count++
		}
	}
	return count, nil
}

func (s *MemoryStore) CreateGiftCode(ctx context.Context, code *models.GiftCode) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.codes[code.Code]; exists {
		return apierr.ErrCodeExists
	}
	s.codes[code.Code] = code.Clone()
	return nil
}

func (s *MemoryStore) GetGiftCode(ctx context.Context, code string) (*models.GiftCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	gc, ok := s.codes[code]
	if !ok {
		return nil, apierr.ErrCodeNotFound
	}
	return gc.Clone(), nil
}

func (s *MemoryStore) ListGiftCodes(ctx context.Context) ([]*models.GiftCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := make([]*models.GiftCode, 0, len(s.codes))
	for _, gc := range s.codes {
		result = append(result, gc.Clone())
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return result, nil
}

func (s *MemoryStore) SetGiftCodeActive(ctx context.Context, code string, active bool) (*models.GiftCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	gc, ok := s.codes[code]
	if !ok {
		return nil, apierr.ErrCodeNotFound
	}
	gc.Active = active
	return gc.Clone(), nil
}

func (s *MemoryStore) DeleteGiftCode(ctx context.Context, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.codes[code]; !ok {
		return apierr.ErrCodeNotFound
	}
	delete(s.codes, code)
	return nil
}

func (s *MemoryStore) Redeem(ctx context.Context, req RedeemRequest) (*models.Key, *models.GiftCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	gc, ok := s.codes[req.Code]
	if !ok {
		return nil, nil, apierr.ErrCodeNotFound
	}
	if err := gc.CheckRedeemable(req.Principal, req.Now); err != nil {
		return nil, nil, err
	}

	key, err := req.Mint(gc.Clone())
	if err != nil {
		return nil, nil, err
	}
	if _, exists := s.keys[key.Token]; exists {
		return nil, nil, apierr.New(apierr.InvalidRequest, "token already exists")
	}
	if err := s.claimSlot(key, req.Now); err != nil {
		return nil, nil, err
	}

	gc.RecordRedemption(req.Principal)
	s.insertKey(key)
	return key.Clone(), gc.Clone(), nil
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}
