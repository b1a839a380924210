package router

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/antigravity/keygate/internal/apierr"
	"github.com/antigravity/keygate/internal/models"
)

type mockClient struct {
	mock.Mock
	name Backend
	tags []Tag
}

func newMockClient(name Backend, tags ...Tag) *mockClient {
	return &mockClient{name: name, tags: tags}
}

func (m *mockClient) Name() Backend { return m.name }
func (m *mockClient) Tags() []Tag   { return m.tags }

func (m *mockClient) Supports(capability models.Capability) bool {
	return textCapabilities[capability]
}

func (m *mockClient) Complete(ctx context.Context, req Request) (*Result, error) {
	args := m.Called(ctx, req)
	res, _ := args.Get(0).(*Result)
	return res, args.Error(1)
}

func (m *mockClient) Stream(ctx context.Context, req Request, emit EmitFunc) (*Result, error) {
	args := m.Called(ctx, req, emit)
	res, _ := args.Get(0).(*Result)
	return res, args.Error(1)
}

var testRequest = Request{Messages: []Message{{Role: RoleUser, Content: "hello"}}, MaxTokens: 100, Temperature: 0.7}

func newTestRouter(clients []Client, order []Backend, opts ...Option) *Router {
	return New(clients, order, zap.NewNop(), opts...)
}

func names(clients []Client) []Backend {
	out := make([]Backend, 0, len(clients))
	for _, c := range clients {
		out = append(out, c.Name())
	}
	return out
}

func TestDispatch_FailsOverToThirdBackend(t *testing.T) {
	p := newMockClient(Perplexity, TagSearch, TagStreaming)
	g := newMockClient(Gemini, TagStreaming)
	q := newMockClient(Groq, TagFast, TagStreaming)

	p.On("Complete", mock.Anything, testRequest).Return(nil, apierr.New(apierr.AttemptTransportError, "HTTP 500")).Once()
	g.On("Complete", mock.Anything, testRequest).Return(&Result{Text: "   "}, nil).Once()
	q.On("Complete", mock.Anything, testRequest).Return(&Result{Text: "hi there", Model: "llama", TotalTokens: 12}, nil).Once()

	var mu sync.Mutex
	observed := map[Backend]bool{}
	r := newTestRouter([]Client{p, g, q}, []Backend{Perplexity, Gemini, Groq},
		WithObserver(func(b Backend, res *Result, err error) {
			mu.Lock()
			observed[b] = err == nil
			mu.Unlock()
		}))

	res, err := r.Dispatch(context.Background(), models.CapabilityChat, testRequest, Hints{})
	require.NoError(t, err)
	assert.Equal(t, Groq, res.Backend)
	assert.Equal(t, "hi there", res.Text)
	assert.Equal(t, 12, res.TotalTokens)
	assert.Equal(t, map[Backend]bool{Perplexity: false, Gemini: false, Groq: true}, observed)

	p.AssertExpectations(t)
	g.AssertExpectations(t)
	q.AssertExpectations(t)
}

func TestDispatch_AllBackendsUnavailable(t *testing.T) {
	p := newMockClient(Perplexity, TagSearch)
	g := newMockClient(Gemini)
	q := newMockClient(Groq, TagFast)
	p.On("Complete", mock.Anything, mock.Anything).Return(nil, errors.New("connection refused")).Once()
	g.On("Complete", mock.Anything, mock.Anything).Return(nil, apierr.New(apierr.AttemptBadResponse, "malformed response")).Once()
	q.On("Complete", mock.Anything, mock.Anything).Return(nil, apierr.New(apierr.AttemptTransportError, "HTTP 503")).Once()

	r := newTestRouter([]Client{p, g, q}, []Backend{Perplexity, Gemini, Groq})
	_, err := r.Dispatch(context.Background(), models.CapabilityChat, testRequest, Hints{})
	require.ErrorIs(t, err, apierr.ErrAllBackendsUnavailable)

	failures := Failures(err)
	require.Len(t, failures, 3)
	assert.Equal(t, AttemptFailure{Backend: Perplexity, Code: apierr.AttemptTransportError, Message: "backend request failed: connection refused"}, failures[0])
	assert.Equal(t, apierr.AttemptBadResponse, failures[1].Code)
	assert.Equal(t, Groq, failures[2].Backend)

	// 每个后端只尝试一次
	p.AssertNumberOfCalls(t, "Complete", 1)
	q.AssertNumberOfCalls(t, "Complete", 1)
}

func TestDispatch_AttemptTimeout(t *testing.T) {
	slow := newMockClient(Gemini)
	slow.On("Complete", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		<-args.Get(0).(context.Context).Done()
	}).Return(nil, context.DeadlineExceeded)
	fast := newMockClient(Groq, TagFast)
	fast.On("Complete", mock.Anything, mock.Anything).Return(&Result{Text: "ok"}, nil)

	r := newTestRouter([]Client{slow, fast}, []Backend{Gemini, Groq}, WithAttemptTimeout(20*time.Millisecond))
	res, err := r.Dispatch(context.Background(), models.CapabilityChat, testRequest, Hints{})
	require.NoError(t, err)
	assert.Equal(t, Groq, res.Backend)

	fast.ExpectedCalls = nil
	fast.On("Complete", mock.Anything, mock.Anything).Return(nil, errors.New("down"))
	_, err = r.Dispatch(context.Background(), models.CapabilityChat, testRequest, Hints{})
	failures := Failures(err)
	require.Len(t, failures, 2)
	assert.Equal(t, apierr.AttemptTimeout, failures[0].Code)
}

func TestDispatch_CallerCancellation(t *testing.T) {
	g := newMockClient(Gemini)
	r := newTestRouter([]Client{g}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := r.Dispatch(ctx, models.CapabilityChat, testRequest, Hints{})
	assert.ErrorIs(t, err, context.Canceled)
	g.AssertNotCalled(t, "Complete", mock.Anything, mock.Anything)

	// 请求进行中被取消时不再尝试后续后端
	ctx, cancel = context.WithCancel(context.Background())
	q := newMockClient(Groq)
	g.On("Complete", mock.Anything, mock.Anything).Run(func(mock.Arguments) { cancel() }).Return(nil, context.Canceled)
	r = newTestRouter([]Client{g, q}, nil)
	_, err = r.Dispatch(ctx, models.CapabilityChat, testRequest, Hints{})
	assert.ErrorIs(t, err, context.Canceled)
	q.AssertNotCalled(t, "Complete", mock.Anything, mock.Anything)
}

func TestCandidates_Ordering(t *testing.T) {
	p := newMockClient(Perplexity, TagSearch, TagStreaming)
	g := newMockClient(Gemini, TagStreaming)
	q := newMockClient(Groq, TagFast, TagStreaming)
	r := newTestRouter([]Client{p, g, q}, []Backend{Gemini, Groq, Perplexity})

	assert.Equal(t, []Backend{Gemini, Groq, Perplexity}, names(r.candidates(models.CapabilityChat, Hints{}, false)))
	assert.Equal(t, []Backend{Perplexity, Gemini, Groq}, names(r.candidates(models.CapabilityChat, Hints{PreferSearch: true}, false)))
	assert.Equal(t, []Backend{Groq, Gemini, Perplexity}, names(r.candidates(models.CapabilityCode, Hints{PreferFast: true}, false)))
	assert.Equal(t, []Backend{Groq, Perplexity, Gemini}, names(r.candidates(models.CapabilityChat, Hints{PreferSearch: true, Preferred: Groq}, false)))
	assert.Empty(t, r.candidates(models.CapabilityImage, Hints{}, false))

	require.NoError(t, r.SetEnabled(Groq, false))
	assert.Equal(t, []Backend{Gemini, Perplexity}, names(r.candidates(models.CapabilityChat, Hints{Preferred: Groq}, false)))

	require.NoError(t, r.SetPrimary(Perplexity))
	assert.Equal(t, []Backend{Perplexity, Gemini}, names(r.candidates(models.CapabilityChat, Hints{}, false)))

	status := r.Status()
	require.Len(t, status, 3)
	assert.Equal(t, Perplexity, status[0].Name)
	assert.True(t, status[0].Primary)
	assert.False(t, status[2].Enabled)
	assert.True(t, r.Available())

	assert.Error(t, r.SetEnabled("openai", true))
	assert.Error(t, r.SetPrimary("openai"))
}

func TestDispatch_NoCandidates(t *testing.T) {
	g := newMockClient(Gemini)
	r := newTestRouter([]Client{g}, nil)

	_, err := r.Dispatch(context.Background(), models.CapabilityVideo, testRequest, Hints{})
	require.ErrorIs(t, err, apierr.ErrAllBackendsUnavailable)
	assert.Empty(t, Failures(err))

	require.NoError(t, r.SetEnabled(Gemini, false))
	assert.False(t, r.Available())
}

func TestStream_FailoverBeforeFirstChunk(t *testing.T) {
	p := newMockClient(Perplexity, TagSearch, TagStreaming)
	g := newMockClient(Gemini)
	q := newMockClient(Groq, TagFast, TagStreaming)

	p.On("Stream", mock.Anything, mock.Anything, mock.Anything).Return(nil, apierr.New(apierr.AttemptTransportError, "HTTP 502"))
	q.On("Stream", mock.Anything, mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		emit := args.Get(2).(EmitFunc)
		_ = emit("Hel")
		_ = emit("lo")
	}).Return(&Result{Text: "Hello"}, nil)

	r := newTestRouter([]Client{p, g, q}, nil)
	var chunks []string
	res, err := r.Stream(context.Background(), testRequest, Hints{}, func(chunk string) error {
		chunks = append(chunks, chunk)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, Groq, res.Backend)
	assert.Equal(t, []string{"Hel", "lo"}, chunks)
	g.AssertNotCalled(t, "Stream", mock.Anything, mock.Anything, mock.Anything)
}

func TestStream_NoFailoverAfterOutput(t *testing.T) {
	p := newMockClient(Perplexity, TagStreaming)
	q := newMockClient(Groq, TagStreaming)
	p.On("Stream", mock.Anything, mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		_ = args.Get(2).(EmitFunc)("partial")
	}).Return(nil, apierr.New(apierr.AttemptTransportError, "stream interrupted"))

	r := newTestRouter([]Client{p, q}, nil)
	_, err := r.Stream(context.Background(), testRequest, Hints{}, func(string) error { return nil })
	assert.ErrorIs(t, err, apierr.ErrAttemptTransport)
	q.AssertNotCalled(t, "Stream", mock.Anything, mock.Anything, mock.Anything)
}

func TestParseBackend(t *testing.T) {
	b, err := ParseBackend(" Gemini ")
	require.NoError(t, err)
	assert.Equal(t, Gemini, b)

	_, err = ParseBackend("openai")
	assert.Error(t, err)
}

// spanRecorder keeps the names and backend attributes of started spans
type spanRecorder struct {
	noop.Tracer
	mu       sync.Mutex
	spans    []string
	backends []string
}

func (t *spanRecorder) Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	t.mu.Lock()
	t.spans = append(t.spans, name)
	for _, kv := range trace.NewSpanStartConfig(opts...).Attributes() {
		if kv.Key == attribute.Key("backend") {
			t.backends = append(t.backends, kv.Value.AsString())
		}
	}
	t.mu.Unlock()
	return t.Tracer.Start(ctx, name, opts...)
}

func TestDispatch_TracesEveryAttempt(t *testing.T) {
	p := newMockClient(Perplexity, TagSearch)
	q := newMockClient(Groq, TagFast)
	p.On("Complete", mock.Anything, testRequest).Return(nil, apierr.New(apierr.AttemptTransportError, "HTTP 502")).Once()
	q.On("Complete", mock.Anything, testRequest).Return(&Result{Text: "ok"}, nil).Once()

	tracer := &spanRecorder{}
	r := newTestRouter([]Client{p, q}, []Backend{Perplexity, Groq}, WithTracer(tracer))

	_, err := r.Dispatch(context.Background(), models.CapabilityChat, testRequest, Hints{})
	require.NoError(t, err)
	assert.Equal(t, []string{"router.attempt", "router.attempt"}, tracer.spans)
	assert.Equal(t, []string{"perplexity", "groq"}, tracer.backends)
}

func TestStream_UsesStreamTimeout(t *testing.T) {
	g := newMockClient(Gemini, TagStreaming)
	g.On("Stream", mock.Anything, testRequest, mock.Anything).
		Run(func(args mock.Arguments) {
			<-args.Get(0).(context.Context).Done()
		}).
		Return(nil, context.DeadlineExceeded).Once()

	r := newTestRouter([]Client{g}, []Backend{Gemini},
		WithAttemptTimeout(time.Hour),
		WithStreamTimeout(20*time.Millisecond))

	start := time.Now()
	_, err := r.Stream(context.Background(), testRequest, Hints{}, func(string) error { return nil })
	require.Error(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, apierr.AllBackendsUnavailable, apierr.CodeOf(err))

	failures := Failures(err)
	require.Len(t, failures, 1)
	assert.Equal(t, apierr.AttemptTimeout, failures[0].Code)
}
