package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/rivertype"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/antigravity/keygate/internal/models"
)

type mockSender struct {
	mock.Mock
}

func (m *mockSender) Send(ctx context.Context, event Event) error {
	args := m.Called(ctx, event)
	return args.Error(0)
}

func sampleKey() *models.Key {
	expires := time.Date(2026, 2, 14, 10, 0, 0, 0, time.UTC)
	return &models.Key{
		Token:     "sk-abcdefghijklmnopqrstuvwxyz",
		Principal: "alice",
		Plan:      models.PlanBasic,
		Active:    true,
		ExpiresAt: &expires,
		CreatedAt: time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC),
	}
}

func TestKeyIssued_MasksToken(t *testing.T) {
	event := KeyIssued(sampleKey())

	assert.Equal(t, EventKeyIssued, event.Type)
	assert.NotEmpty(t, event.ID)
	text := event.Markdown()
	assert.NotContains(t, text, "sk-abcdefghijklmnopqrstuvwxyz")
	assert.Contains(t, text, "sk-abcdefg...vwxyz")
	assert.Contains(t, text, "Expires: `2026-02-14 10:00 UTC`")
}

func TestGiftRedeemed_RemainingUses(t *testing.T) {
	code := &models.GiftCode{Code: "GIFT-TEST-0001", Plan: models.PlanBasic, MaxUses: 2, Redemptions: 1}
	event := GiftRedeemed(code, sampleKey())
	assert.Contains(t, event.Markdown(), "Remaining uses: `1`")
}

func TestDispatcher_DeliversInOrder(t *testing.T) {
	sender := &mockSender{}
	var mu sync.Mutex
	var got []EventType
	sender.On("Send", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		mu.Lock()
		got = append(got, args.Get(1).(Event).Type)
		mu.Unlock()
	}).Return(nil)

	d := NewDispatcher(sender, 8, zap.NewNop())
	d.Notify(context.Background(), KeyIssued(sampleKey()))
	d.Notify(context.Background(), BackendsUnavailable(models.CapabilityChat, []string{"gemini: timeout"}, time.Now()))
	d.Close()

	assert.Equal(t, []EventType{EventKeyIssued, EventBackendsUnavailable}, got)
	sender.AssertNumberOfCalls(t, "Send", 2)

	// 关闭后的事件被忽略
	d.Notify(context.Background(), KeyIssued(sampleKey()))
	sender.AssertNumberOfCalls(t, "Send", 2)
}

func TestDispatcher_SenderFailureIsSwallowed(t *testing.T) {
	sender := &mockSender{}
	sender.On("Send", mock.Anything, mock.Anything).Return(errors.New("telegram down"))

	d := NewDispatcher(sender, 1, zap.NewNop())
	d.Notify(context.Background(), KeyIssued(sampleKey()))
	d.Close()
	sender.AssertExpectations(t)
}

func TestDispatcher_DropsWhenFull(t *testing.T) {
	sender := &mockSender{}
	release := make(chan struct{})
	sender.On("Send", mock.Anything, mock.Anything).Run(func(mock.Arguments) { <-release }).Return(nil)

	d := NewDispatcher(sender, 1, zap.NewNop())
	for i := 0; i < 10; i++ {
		d.Notify(context.Background(), KeyIssued(sampleKey()))
	}
	close(release)
	d.Close()

	// 一个正在发送，一个在队列中，其余丢弃
	calls := len(sender.Calls)
	assert.GreaterOrEqual(t, calls, 1)
	assert.LessOrEqual(t, calls, 2)
}

func TestTelegramSender(t *testing.T) {
	var mu sync.Mutex
	var chatID, text, parseMode string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case strings.HasSuffix(r.URL.Path, "/getMe"):
			_, _ = w.Write([]byte(`{"ok":true,"result":{"id":1,"is_bot":true,"first_name":"keygate","username":"keygate_bot"}}`))
		case strings.HasSuffix(r.URL.Path, "/sendMessage"):
			mu.Lock()
			chatID, text, parseMode = r.FormValue("chat_id"), r.FormValue("text"), r.FormValue("parse_mode")
			mu.Unlock()
			_, _ = w.Write([]byte(`{"ok":true,"result":{"message_id":7,"date":0,"chat":{"id":-100,"type":"channel"}}}`))
		default:
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"ok":false,"error_code":404,"description":"Not Found"}`))
		}
	}))
	defer srv.Close()

	bot, err := tgbotapi.NewBotAPIWithAPIEndpoint("test-token", srv.URL+"/bot%s/%s")
	require.NoError(t, err)

	sender := NewTelegramSenderWithBot(bot, -100)
	require.NoError(t, sender.Send(context.Background(), KeyIssued(sampleKey())))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "-100", chatID)
	assert.Equal(t, tgbotapi.ModeMarkdown, parseMode)
	assert.Contains(t, text, "Principal: `alice`")
}

func TestNotifyWorker(t *testing.T) {
	sender := &mockSender{}
	event := KeyIssued(sampleKey())
	sender.On("Send", mock.Anything, event).Return(nil).Once()
	sender.On("Send", mock.Anything, mock.Anything).Return(errors.New("boom"))

	w := NewNotifyWorker(sender)
	job := &river.Job[NotifyArgs]{JobRow: &rivertype.JobRow{Attempt: 1}, Args: NotifyArgs{Event: event}}
	assert.NoError(t, w.Work(context.Background(), job))
	assert.Error(t, w.Work(context.Background(), job))
}

func TestNotifyArgs_SurvivesJSON(t *testing.T) {
	args := NotifyArgs{Event: GiftCreated(&models.GiftCode{Code: "GIFT-AAAA-BBBB", Plan: models.PlanPro, MaxUses: 3, CreatedAt: time.Now().UTC()})}
	data, err := json.Marshal(args)
	require.NoError(t, err)

	var decoded NotifyArgs
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "notify_event", decoded.Kind())
	assert.Equal(t, args.Event.Markdown(), decoded.Event.Markdown())
}
