package gift

import (
	"context"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/antigravity/keygate/internal/apierr"
	"github.com/antigravity/keygate/internal/entitlement"
	"github.com/antigravity/keygate/internal/models"
	"github.com/antigravity/keygate/internal/notify"
	"github.com/antigravity/keygate/internal/storage"
)

type mockNotifier struct {
	mock.Mock
}

func (m *mockNotifier) Notify(ctx context.Context, event notify.Event) {
	m.Called(ctx, event)
}

func eventOfType(t notify.EventType) interface{} {
	return mock.MatchedBy(func(e notify.Event) bool { return e.Type == t })
}

type fixture struct {
	mu       sync.Mutex
	now      time.Time
	store    *storage.MemoryStore
	notifier *mockNotifier
	svc      *Service
}

func (f *fixture) clock() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fixture) advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		now:      time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC),
		store:    storage.NewMemoryStore(),
		notifier: &mockNotifier{},
	}
	f.notifier.On("Notify", mock.Anything, mock.Anything).Return()
	f.svc = NewService(f.store, entitlement.DefaultTable(), nil, f.notifier, zap.NewNop(), WithClock(f.clock))
	return f
}

func intPtr(v int) *int { return &v }

func TestGenerateCode(t *testing.T) {
	pattern := regexp.MustCompile(`^GIFT-[A-HJ-NP-Z2-9]{4}-[A-HJ-NP-Z2-9]{4}$`)
	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		code, err := GenerateCode()
		require.NoError(t, err)
		assert.Regexp(t, pattern, code)
		seen[code] = true
	}
	assert.Greater(t, len(seen), 45)
}

func TestCreate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	gc, err := f.svc.Create(ctx, CreateRequest{Plan: models.PlanPro, MaxUses: 5, ValidDays: 10, CreatedBy: "admin"})
	require.NoError(t, err)
	assert.Regexp(t, `^GIFT-`, gc.Code)
	assert.True(t, gc.Active)
	assert.Equal(t, 5, gc.Remaining())
	assert.Equal(t, f.now.AddDate(0, 0, 10), *gc.ExpiresAt)
	f.notifier.AssertCalled(t, "Notify", mock.Anything, eventOfType(notify.EventGiftCreated))

	custom, err := f.svc.Create(ctx, CreateRequest{Code: " gift-test-0001 ", Plan: models.PlanBasic})
	require.NoError(t, err)
	assert.Equal(t, "GIFT-TEST-0001", custom.Code)
	assert.Equal(t, 1, custom.MaxUses)
	assert.Nil(t, custom.ExpiresAt)

	_, err = f.svc.Create(ctx, CreateRequest{Code: "GIFT-TEST-0001", Plan: models.PlanBasic})
	assert.ErrorIs(t, err, apierr.ErrCodeExists)

	tests := []CreateRequest{
		{Plan: "gold"},
		{Plan: models.PlanFree, MaxUses: -1},
		{Plan: models.PlanFree, ValidDays: -1},
		{Plan: models.PlanFree, KeyExpiryDays: intPtr(-1)},
		{Plan: models.PlanFree, Code: "no spaces allowed"},
		{Plan: models.PlanFree, Code: "AB"},
	}
	for _, req := range tests {
		_, err := f.svc.Create(ctx, req)
		assert.Equal(t, apierr.InvalidRequest, apierr.CodeOf(err), "%+v", req)
	}

	list, err := f.svc.List(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 2)
}

func TestRedeem_BasicScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Create(ctx, CreateRequest{Code: "GIFT-TEST-0001", Plan: models.PlanBasic, MaxUses: 2, KeyExpiryDays: intPtr(30)})
	require.NoError(t, err)

	key, gc, err := f.svc.Redeem(ctx, "gift-test-0001", "alice")
	require.NoError(t, err)
	assert.Equal(t, models.PlanBasic, key.Plan)
	assert.Equal(t, "GIFT-TEST-0001", key.GiftCode)
	assert.True(t, key.Active)
	assert.Equal(t, f.now.AddDate(0, 0, 30), *key.ExpiresAt)
	assert.Equal(t, 1, gc.Remaining())
	f.notifier.AssertCalled(t, "Notify", mock.Anything, eventOfType(notify.EventGiftRedeemed))

	_, _, err = f.svc.Redeem(ctx, "GIFT-TEST-0001", "alice")
	assert.ErrorIs(t, err, apierr.ErrAlreadyRedeemed)

	_, gc, err = f.svc.Redeem(ctx, "GIFT-TEST-0001", "bob")
	require.NoError(t, err)
	assert.Equal(t, 0, gc.Remaining())

	_, _, err = f.svc.Redeem(ctx, "GIFT-TEST-0001", "carol")
	assert.ErrorIs(t, err, apierr.ErrCodeExhausted)

	stored, err := f.svc.Get(ctx, "GIFT-TEST-0001")
	require.NoError(t, err)
	assert.Equal(t, 2, stored.Redemptions)
	assert.ElementsMatch(t, []string{"alice", "bob"}, stored.RedeemedBy)
}

func TestRedeem_ExpiryPolicy(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Create(ctx, CreateRequest{Code: "TIER-DEFAULT", Plan: models.PlanFree})
	require.NoError(t, err)
	_, err = f.svc.Create(ctx, CreateRequest{Code: "FOREVER", Plan: models.PlanPro, KeyExpiryDays: intPtr(0)})
	require.NoError(t, err)

	key, _, err := f.svc.Redeem(ctx, "TIER-DEFAULT", "alice")
	require.NoError(t, err)
	assert.Equal(t, f.now.AddDate(0, 0, 7), *key.ExpiresAt)

	key, _, err = f.svc.Redeem(ctx, "FOREVER", "alice")
	require.NoError(t, err)
	assert.Nil(t, key.ExpiresAt)
}

func TestRedeem_Denials(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, _, err := f.svc.Redeem(ctx, "NOPE-NOPE", "alice")
	assert.ErrorIs(t, err, apierr.ErrCodeNotFound)
	_, _, err = f.svc.Redeem(ctx, "", "alice")
	assert.ErrorIs(t, err, apierr.ErrCodeNotFound)

	_, err = f.svc.Create(ctx, CreateRequest{Code: "PAUSED", Plan: models.PlanBasic})
	require.NoError(t, err)
	_, err = f.svc.SetActive(ctx, "paused", false)
	require.NoError(t, err)
	_, _, err = f.svc.Redeem(ctx, "PAUSED", "alice")
	assert.ErrorIs(t, err, apierr.ErrCodeInactive)

	_, err = f.svc.Create(ctx, CreateRequest{Code: "SHORT", Plan: models.PlanBasic, ValidDays: 1})
	require.NoError(t, err)
	f.advance(25 * time.Hour)
	_, _, err = f.svc.Redeem(ctx, "SHORT", "alice")
	assert.ErrorIs(t, err, apierr.ErrCodeExpired)

	_, _, err = f.svc.Redeem(ctx, "PAUSED", "  ")
	assert.Equal(t, apierr.InvalidRequest, apierr.CodeOf(err))
}

func TestRedeem_DuplicateActiveKeyKeepsUse(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Create(ctx, CreateRequest{Code: "PRO-ONE", Plan: models.PlanPro, MaxUses: 3})
	require.NoError(t, err)
	_, err = f.svc.Create(ctx, CreateRequest{Code: "PRO-TWO", Plan: models.PlanPro, MaxUses: 3})
	require.NoError(t, err)

	_, _, err = f.svc.Redeem(ctx, "PRO-ONE", "alice")
	require.NoError(t, err)
	_, _, err = f.svc.Redeem(ctx, "PRO-TWO", "alice")
	assert.ErrorIs(t, err, apierr.ErrDuplicateActiveKey)

	two, err := f.svc.Get(ctx, "PRO-TWO")
	require.NoError(t, err)
	assert.Equal(t, 0, two.Redemptions)
	assert.Empty(t, two.RedeemedBy)
}

func TestRedeem_ConcurrentSingleUse(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Create(ctx, CreateRequest{Code: "ONLY-ONCE", Plan: models.PlanBasic, MaxUses: 1})
	require.NoError(t, err)

	const n = 16
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _, errs[i] = f.svc.Redeem(ctx, "ONLY-ONCE", "user-"+string(rune('a'+i)))
		}(i)
	}
	wg.Wait()

	successes := 0
	for _, err := range errs {
		if err == nil {
			successes++
			continue
		}
		assert.ErrorIs(t, err, apierr.ErrCodeExhausted)
	}
	assert.Equal(t, 1, successes)

	keys, err := f.store.ListKeys(ctx, storage.KeyFilter{})
	require.NoError(t, err)
	assert.Len(t, keys, 1)
}

func TestDelete_KeepsMintedKeys(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Create(ctx, CreateRequest{Code: "TEMP-CODE", Plan: models.PlanBasic})
	require.NoError(t, err)
	key, _, err := f.svc.Redeem(ctx, "TEMP-CODE", "alice")
	require.NoError(t, err)

	require.NoError(t, f.svc.Delete(ctx, "temp-code"))
	assert.ErrorIs(t, f.svc.Delete(ctx, "TEMP-CODE"), apierr.ErrCodeNotFound)

	_, err = f.store.GetKey(ctx, key.Token)
	assert.NoError(t, err)
}
