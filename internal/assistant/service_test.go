package assistant

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/antigravity/keygate/internal/apierr"
	"github.com/antigravity/keygate/internal/config"
	"github.com/antigravity/keygate/internal/models"
	"github.com/antigravity/keygate/internal/notify"
	"github.com/antigravity/keygate/internal/router"
	"github.com/antigravity/keygate/internal/storage"
)

type call struct {
	capability models.Capability
	req        router.Request
	hints      router.Hints
}

// fakeRouter records every request and answers with reply, or fails with err
type fakeRouter struct {
	mu     sync.Mutex
	calls  []call
	reply  string
	chunks []string
	err    error
}

func (f *fakeRouter) Dispatch(ctx context.Context, capability models.Capability, req router.Request, hints router.Hints) (*router.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, call{capability, req, hints})
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return &router.Result{Text: f.reply, Backend: router.Gemini, Model: "test"}, nil
}

func (f *fakeRouter) Stream(ctx context.Context, req router.Request, hints router.Hints, emit router.EmitFunc) (*router.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, call{models.CapabilityStream, req, hints})
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	for _, c := range f.chunks {
		if err := emit(c); err != nil {
			return nil, err
		}
	}
	return &router.Result{Text: strings.Join(f.chunks, ""), Backend: router.Groq}, nil
}

func (f *fakeRouter) last() call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[len(f.calls)-1]
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []notify.Event
}

func (n *recordingNotifier) Notify(_ context.Context, e notify.Event) {
	n.mu.Lock()
	n.events = append(n.events, e)
	n.mu.Unlock()
}

type fixture struct {
	router   *fakeRouter
	contexts *storage.MemoryContextStore
	notifier *recordingNotifier
	svc      *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := &config.Config{}
	cfg.Storage.ContextMaxTurns = 20
	cfg.Storage.ContextWindow = 6
	cfg.Defaults.Temperature = 0.7
	cfg.Defaults.MaxTokens = 4096

	f := &fixture{
		router:   &fakeRouter{reply: "answer"},
		contexts: storage.NewMemoryContextStore(),
		notifier: &recordingNotifier{},
	}
	f.svc = NewService(f.router, f.contexts, f.notifier, cfg, zap.NewNop())
	f.svc.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	return f
}

func TestChat_BuildsPrompt(t *testing.T) {
	f := newFixture(t)
	temp := 0.2
	res, err := f.svc.Chat(context.Background(), ChatInput{
		Principal:   "alice",
		Question:    "  Where is Kyoto?  ",
		Language:    "Japanese",
		Tone:        "educational",
		MaxTokens:   256,
		Temperature: &temp,
	})
	require.NoError(t, err)
	assert.Equal(t, "answer", res.Text)

	c := f.router.last()
	assert.Equal(t, models.CapabilityChat, c.capability)
	assert.True(t, strings.HasPrefix(c.req.System, tonePrompts["educational"]))
	assert.Contains(t, c.req.System, "Respond in 日本語 language.")
	assert.Equal(t, []router.Message{{Role: router.RoleUser, Content: "Where is Kyoto?"}}, c.req.Messages)
	assert.Equal(t, 256, c.req.MaxTokens)
	assert.Equal(t, 0.2, c.req.Temperature)

	// 未开启上下文时不记录
	turns, _ := f.contexts.Turns(context.Background(), "alice")
	assert.Empty(t, turns)
}

func TestChat_Defaults(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Chat(context.Background(), ChatInput{Question: "hi", Tone: "pirate"})
	require.NoError(t, err)

	c := f.router.last()
	assert.Equal(t, tonePrompts["default"], c.req.System)
	assert.Equal(t, 4096, c.req.MaxTokens)
	assert.Equal(t, 0.7, c.req.Temperature)
	assert.False(t, c.hints.PreferFast)
}

func TestChat_Rejects(t *testing.T) {
	f := newFixture(t)
	hot := 2.5
	tests := []ChatInput{
		{Question: "   "},
		{Question: "hi", Temperature: &hot},
		{Question: "hi", MaxTokens: -1},
	}
	for _, in := range tests {
		_, err := f.svc.Chat(context.Background(), in)
		assert.Equal(t, apierr.InvalidRequest, apierr.CodeOf(err))
	}
	assert.Empty(t, f.router.calls)
}

func TestChat_ContextWindow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i := 0; i < 25; i++ {
		f.router.reply = fmt.Sprintf("a%d", i)
		_, err := f.svc.Chat(ctx, ChatInput{Principal: "bob", Question: fmt.Sprintf("q%d", i), IncludeContext: true})
		require.NoError(t, err)
	}

	turns, err := f.contexts.Turns(ctx, "bob")
	require.NoError(t, err)
	require.Len(t, turns, 20)
	assert.Equal(t, "q5", turns[0].User)

	// 最后一次请求带着之前 6 轮对话
	msgs := f.router.last().req.Messages
	require.Len(t, msgs, 13)
	assert.Equal(t, router.Message{Role: router.RoleUser, Content: "q18"}, msgs[0])
	assert.Equal(t, router.Message{Role: router.RoleAssistant, Content: "a23"}, msgs[11])
	assert.Equal(t, "q24", msgs[12].Content)

	// 其他用户看不到
	_, err = f.svc.Chat(ctx, ChatInput{Principal: "carol", Question: "hello", IncludeContext: true})
	require.NoError(t, err)
	assert.Len(t, f.router.last().req.Messages, 1)
}

func TestChat_CodeQuestionPrefersFast(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Chat(context.Background(), ChatInput{Question: "Write a Python function to sort a list"})
	require.NoError(t, err)
	assert.True(t, f.router.last().hints.PreferFast)

	_, err = f.svc.Chat(context.Background(), ChatInput{Question: "latest python release?", Hints: router.Hints{PreferSearch: true}})
	require.NoError(t, err)
	assert.False(t, f.router.last().hints.PreferFast)
}

func TestChat_AllBackendsUnavailableNotifies(t *testing.T) {
	f := newFixture(t)
	f.router.err = apierr.New(apierr.AllBackendsUnavailable, "all backends unavailable").WithDetails([]router.AttemptFailure{
		{Backend: router.Perplexity, Code: apierr.AttemptTimeout},
		{Backend: router.Gemini, Code: apierr.AttemptTransportError},
	})

	_, err := f.svc.Chat(context.Background(), ChatInput{Question: "hi", Principal: "dave", IncludeContext: true})
	require.ErrorIs(t, err, apierr.ErrAllBackendsUnavailable)

	require.Len(t, f.notifier.events, 1)
	e := f.notifier.events[0]
	assert.Equal(t, notify.EventBackendsUnavailable, e.Type)
	assert.Contains(t, e.Markdown(), "perplexity: ATTEMPT_TIMEOUT")

	turns, _ := f.contexts.Turns(context.Background(), "dave")
	assert.Empty(t, turns)

	// 其他错误不通知
	f.router.err = context.Canceled
	_, err = f.svc.Chat(context.Background(), ChatInput{Question: "hi"})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Len(t, f.notifier.events, 1)
}

func TestStream_RelaysAndRemembers(t *testing.T) {
	f := newFixture(t)
	f.router.chunks = []string{"Hel", "lo"}

	var got []string
	res, err := f.svc.Stream(context.Background(), ChatInput{Principal: "erin", Question: "hi", IncludeContext: true}, func(chunk string) error {
		got = append(got, chunk)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "Hello", res.Text)
	assert.Equal(t, []string{"Hel", "lo"}, got)

	turns, _ := f.contexts.Turns(context.Background(), "erin")
	require.Len(t, turns, 1)
	assert.Equal(t, "Hello", turns[0].Assistant)
}

func TestAnalyze_ParsesJSONReply(t *testing.T) {
	f := newFixture(t)
	f.router.reply = "Sure!\n```json\n{\"sentiment\":\"Positive\",\"score\":1.7,\"topics\":[\"go\",\" \",\"testing\",\"a\",\"b\",\"c\",\"d\",\"e\",\"f\",\"g\"],\"tone\":\"Upbeat\"}\n```"

	a, res, err := f.svc.Analyze(context.Background(), "I love writing Go tests", router.Hints{})
	require.NoError(t, err)
	assert.Equal(t, router.Gemini, res.Backend)
	assert.Equal(t, SentimentPositive, a.Sentiment)
	assert.Equal(t, 1.0, a.Score)
	assert.Equal(t, []string{"go", "testing", "a", "b", "c", "d", "e", "f"}, a.Topics)
	assert.Equal(t, "upbeat", a.Tone)

	c := f.router.last()
	assert.Equal(t, models.CapabilityAnalyze, c.capability)
	assert.Equal(t, 0.3, c.req.Temperature)
}

func TestAnalyze_LexicalFallback(t *testing.T) {
	f := newFixture(t)
	f.router.reply = "The text is quite negative overall."

	a, _, err := f.svc.Analyze(context.Background(), "The update is terrible, the app is slow and the checkout is broken. Checkout fails again!", router.Hints{})
	require.NoError(t, err)
	assert.Equal(t, SentimentNegative, a.Sentiment)
	assert.Equal(t, -1.0, a.Score)
	require.NotEmpty(t, a.Topics)
	assert.Equal(t, "checkout", a.Topics[0])
	assert.LessOrEqual(t, len(a.Topics), maxTopics)

	_, _, err = f.svc.Analyze(context.Background(), " ", router.Hints{})
	assert.Equal(t, apierr.InvalidRequest, apierr.CodeOf(err))
}

func TestLexicalAnalysis(t *testing.T) {
	tests := []struct {
		text      string
		sentiment string
		tone      string
	}{
		{"Great product, I love it!! Amazing!", SentimentPositive, "enthusiastic"},
		{"The service was good but the delivery was slow", SentimentMixed, "neutral"},
		{"What time does the store open?", SentimentNeutral, "inquisitive"},
		{"However, the committee regarding this matter has decided.", SentimentNeutral, "formal"},
	}
	for _, tt := range tests {
		a := lexicalAnalysis(tt.text)
		assert.Equal(t, tt.sentiment, a.Sentiment, tt.text)
		assert.Equal(t, tt.tone, a.Tone, tt.text)
		assert.GreaterOrEqual(t, a.Score, -1.0)
		assert.LessOrEqual(t, a.Score, 1.0)
	}
}

func TestSummarize(t *testing.T) {
	f := newFixture(t)
	content := strings.Repeat("a", 300)
	f.router.reply = "  " + strings.Repeat("b", 100) + "\n"

	s, _, err := f.svc.Summarize(context.Background(), content, "", router.Hints{})
	require.NoError(t, err)
	assert.Equal(t, StyleConcise, s.Style)
	assert.Equal(t, 300, s.OriginalLength)
	assert.Equal(t, 100, s.SummaryLength)
	assert.Equal(t, 0.33, s.CompressionRatio)

	c := f.router.last()
	assert.Equal(t, models.CapabilitySummarize, c.capability)
	assert.True(t, strings.HasPrefix(c.req.Messages[0].Content, summaryPrompts[StyleConcise]))

	s, _, err = f.svc.Summarize(context.Background(), content, "Bullet", router.Hints{})
	require.NoError(t, err)
	assert.Equal(t, StyleBullet, s.Style)

	_, _, err = f.svc.Summarize(context.Background(), content, "haiku", router.Hints{})
	assert.Equal(t, apierr.InvalidRequest, apierr.CodeOf(err))
	_, _, err = f.svc.Summarize(context.Background(), "", "", router.Hints{})
	assert.Equal(t, apierr.InvalidRequest, apierr.CodeOf(err))
}

func TestCode_Modes(t *testing.T) {
	f := newFixture(t)

	ans, _, err := f.svc.Code(context.Background(), "print(1/0)", "", "", router.Hints{})
	require.NoError(t, err)
	assert.Equal(t, CodeModeDebug, ans.Type)
	assert.Equal(t, "python", ans.Language)
	c := f.router.last()
	assert.Equal(t, models.CapabilityCode, c.capability)
	assert.True(t, c.hints.PreferFast)
	assert.Contains(t, c.req.Messages[0].Content, "```python\nprint(1/0)\n```")

	ans, _, err = f.svc.Code(context.Background(), "", "reverse a string", "go", router.Hints{Preferred: router.Gemini})
	require.NoError(t, err)
	assert.Equal(t, CodeModeGenerate, ans.Type)
	assert.Equal(t, "go", ans.Language)
	assert.Equal(t, router.Gemini, f.router.last().hints.Preferred)

	_, _, err = f.svc.Code(context.Background(), "", "", "go", router.Hints{})
	assert.Equal(t, apierr.InvalidRequest, apierr.CodeOf(err))
}
