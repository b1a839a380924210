// Package notify delivers operator notifications about keys, gift codes and backend health.
package notify

import (
	"context"
	"fmt"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/google/uuid"

	"github.com/antigravity/keygate/internal/models"
)

// EventType identifies a notification
type EventType string

const (
	EventKeyIssued           EventType = "key_issued"
	EventGiftCreated         EventType = "gift_created"
	EventGiftRedeemed        EventType = "gift_redeemed"
	EventBackendsUnavailable EventType = "backends_unavailable"
	EventKeyDeleted          EventType = "key_deleted"
	EventDailyReport         EventType = "daily_report"
)

// Field is one labelled line of a notification
type Field struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Event is a notification ready for delivery. It is JSON-serializable so it can travel through a job queue.
type Event struct {
	ID     string    `json:"id"`
	Type   EventType `json:"type"`
	Title  string    `json:"title"`
	Fields []Field   `json:"fields"`
	At     time.Time `json:"at"`
}

// Notifier accepts events for delivery. Implementations never block the caller on delivery.
type Notifier interface {
	Notify(ctx context.Context, event Event)
}

// Nop discards every event
type Nop struct{}

func (Nop) Notify(context.Context, Event) {}

func newEvent(t EventType, title string, at time.Time, fields ...Field) Event {
	return Event{
		ID:     uuid.NewString(),
		Type:   t,
		Title:  title,
		Fields: fields,
		At:     at,
	}
}

func formatExpiry(expiresAt *time.Time) string {
	if expiresAt == nil {
		return "never"
	}
	return expiresAt.UTC().Format("2006-01-02 15:04 MST")
}

// KeyIssued describes a newly issued key. The token is masked.
func KeyIssued(key *models.Key) Event {
	return newEvent(EventKeyIssued, "🔑 API key issued", key.CreatedAt,
		Field{"Principal", key.Principal},
		Field{"Plan", string(key.Plan)},
		Field{"Key", models.MaskToken(key.Token)},
		Field{"Expires", formatExpiry(key.ExpiresAt)},
	)
}

// GiftCreated describes a new gift code
func GiftCreated(code *models.GiftCode) Event {
	return newEvent(EventGiftCreated, "🎁 Gift code created", code.CreatedAt,
		Field{"Code", code.Code},
		Field{"Plan", string(code.Plan)},
		Field{"Max uses", fmt.Sprintf("%d", code.MaxUses)},
		Field{"Expires", formatExpiry(code.ExpiresAt)},
	)
}

// GiftRedeemed describes a successful redemption
func GiftRedeemed(code *models.GiftCode, key *models.Key) Event {
	return newEvent(EventGiftRedeemed, "✅ Gift code redeemed", key.CreatedAt,
		Field{"Code", code.Code},
		Field{"Principal", key.Principal},
		Field{"Plan", string(key.Plan)},
		Field{"Remaining uses", fmt.Sprintf("%d", code.Remaining())},
	)
}

// BackendsUnavailable reports a dispatch that exhausted every candidate
func BackendsUnavailable(capability models.Capability, failures []string, at time.Time) Event {
	return newEvent(EventBackendsUnavailable, "🚨 All backends unavailable", at,
		Field{"Capability", string(capability)},
		Field{"Attempts", strings.Join(failures, "; ")},
	)
}

// KeyDeleted describes a key removed by an operator
func KeyDeleted(key *models.Key, at time.Time) Event {
	return newEvent(EventKeyDeleted, "❌ API key deleted", at,
		Field{"Principal", key.Principal},
		Field{"Plan", string(key.Plan)},
		Field{"Key", models.MaskToken(key.Token)},
		Field{"Usage", fmt.Sprintf("%d", key.Usage)},
	)
}

// DailySummary is the content of the daily report
type DailySummary struct {
	TotalKeys     int
	ActiveKeys    int
	ExpiredKeys   int
	NewKeys       int
	TotalRequests int64
	Uptime        time.Duration
}

// DailyReport summarizes the key population once a day
func DailyReport(s DailySummary, at time.Time) Event {
	return newEvent(EventDailyReport, "📈 Daily report", at,
		Field{"Date", at.UTC().Format("2006-01-02")},
		Field{"Uptime", s.Uptime.Round(time.Minute).String()},
		Field{"New keys", fmt.Sprintf("%d", s.NewKeys)},
		Field{"Keys", fmt.Sprintf("%d total, %d active, %d expired", s.TotalKeys, s.ActiveKeys, s.ExpiredKeys)},
		Field{"Requests", fmt.Sprintf("%d", s.TotalRequests)},
	)
}

// Markdown renders the event for a Telegram message in legacy Markdown mode
func (e Event) Markdown() string {
	var b strings.Builder
	b.WriteString("*")
	b.WriteString(tgbotapi.EscapeText(tgbotapi.ModeMarkdown, e.Title))
	b.WriteString("*\n")
	for _, f := range e.Fields {
		fmt.Fprintf(&b, "%s: `%s`\n", f.Name, strings.ReplaceAll(f.Value, "`", "'"))
	}
	return b.String()
}
