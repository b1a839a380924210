package router

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/antigravity/keygate/internal/apierr"
	"github.com/antigravity/keygate/internal/models"
)

const (
	defaultAttemptTimeout = 30 * time.Second
	defaultStreamTimeout  = 2 * time.Minute
)

// AttemptFailure records why one candidate did not produce a result
type AttemptFailure struct {
	Backend Backend     `json:"backend"`
	Code    apierr.Code `json:"code"`
	Message string      `json:"message"`
}

func (f AttemptFailure) String() string {
	return fmt.Sprintf("%s: %s", f.Backend, f.Code)
}

// AttemptObserver is called after every attempt, for usage accounting
type AttemptObserver func(backend Backend, result *Result, err error)

// BackendStatus is a snapshot of one backend for the admin view
type BackendStatus struct {
	Name     Backend `json:"name"`
	Enabled  bool    `json:"enabled"`
	Primary  bool    `json:"primary"`
	Position int     `json:"position"`
	Tags     []Tag   `json:"tags"`
}

type entry struct {
	client  Client
	enabled atomic.Bool
}

// Router runs a request against an ordered list of backends, one at a time, until one succeeds
type Router struct {
	mu      sync.RWMutex
	order   []Backend
	entries map[Backend]*entry

	attemptTimeout time.Duration
	streamTimeout  time.Duration
	tracer         trace.Tracer
	observer       AttemptObserver
	logger         *zap.Logger
}

// Option configures a Router
type Option func(*Router)

// WithAttemptTimeout bounds each non-streaming attempt
func WithAttemptTimeout(d time.Duration) Option {
	return func(r *Router) {
		if d > 0 {
			r.attemptTimeout = d
		}
	}
}

// WithStreamTimeout bounds each streaming attempt
func WithStreamTimeout(d time.Duration) Option {
	return func(r *Router) {
		if d > 0 {
			r.streamTimeout = d
		}
	}
}

func WithTracer(tracer trace.Tracer) Option {
	return func(r *Router) { r.tracer = tracer }
}

func WithObserver(observer AttemptObserver) Option {
	return func(r *Router) { r.observer = observer }
}

// New creates a router. order lists backend names by priority; clients missing from order are
// appended in registration order.
func New(clients []Client, order []Backend, logger *zap.Logger, opts ...Option) *Router {
	r := &Router{
		entries:        make(map[Backend]*entry, len(clients)),
		attemptTimeout: defaultAttemptTimeout,
		streamTimeout:  defaultStreamTimeout,
		tracer:         otel.Tracer("keygate/router"),
		logger:         logger,
	}
	for _, c := range clients {
		e := &entry{client: c}
		e.enabled.Store(true)
		r.entries[c.Name()] = e
	}
	seen := make(map[Backend]bool)
	for _, name := range order {
		if _, ok := r.entries[name]; ok && !seen[name] {
			r.order = append(r.order, name)
			seen[name] = true
		}
	}
	for _, c := range clients {
		if !seen[c.Name()] {
			r.order = append(r.order, c.Name())
			seen[c.Name()] = true
		}
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// candidates returns the attempt order for a request
func (r *Router) candidates(capability models.Capability, hints Hints, streaming bool) []Client {
	r.mu.RLock()
	order := append([]Backend(nil), r.order...)
	r.mu.RUnlock()

	var list []Client
	for _, name := range order {
		e := r.entries[name]
		if !e.enabled.Load() || !e.client.Supports(capability) {
			continue
		}
		if streaming && !hasTag(e.client.Tags(), TagStreaming) {
			continue
		}
		list = append(list, e.client)
	}

	if hints.PreferSearch {
		list = partition(list, TagSearch)
	}
	if hints.PreferFast {
		list = partition(list, TagFast)
	}
	if hints.Preferred != "" {
		for i, c := range list {
			if c.Name() == hints.Preferred {
				list = append([]Client{c}, append(list[:i:i], list[i+1:]...)...)
				break
			}
		}
	}
	return list
}

// partition moves clients with tag to the front, keeping relative order on both sides
func partition(list []Client, tag Tag) []Client {
	out := make([]Client, 0, len(list))
	var rest []Client
	for _, c := range list {
		if hasTag(c.Tags(), tag) {
			out = append(out, c)
		} else {
			rest = append(rest, c)
		}
	}
	return append(out, rest...)
}

// Dispatch runs req on the candidates in order and returns the first success
func (r *Router) Dispatch(ctx context.Context, capability models.Capability, req Request, hints Hints) (*Result, error) {
	candidates := r.candidates(capability, hints, false)
	var failures []AttemptFailure

	for _, c := range candidates {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		res, err := r.attempt(ctx, c, capability, r.attemptTimeout, func(actx context.Context) (*Result, error) {
			return c.Complete(actx, req)
		})
		if err == nil {
			if len(failures) > 0 {
				r.logger.Info("Request served by fallback backend",
					zap.String("backend", string(c.Name())),
					zap.Int("failed_attempts", len(failures)))
			}
			return res, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		failures = append(failures, failureOf(c.Name(), err))
	}
	return nil, exhausted(capability, failures)
}

// Stream relays chunks from the first streaming candidate that produces output. Failover happens
// only while nothing has been emitted yet.
func (r *Router) Stream(ctx context.Context, req Request, hints Hints, emit EmitFunc) (*Result, error) {
	candidates := r.candidates(models.CapabilityStream, hints, true)
	var failures []AttemptFailure

	for _, c := range candidates {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		emitted := false
		relay := func(chunk string) error {
			if chunk == "" {
				return nil
			}
			emitted = true
			return emit(chunk)
		}
		res, err := r.attempt(ctx, c, models.CapabilityStream, r.streamTimeout, func(actx context.Context) (*Result, error) {
			return c.Stream(actx, req, relay)
		})
		if err == nil {
			return res, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if emitted {
			// 已经输出过内容，不能再切换
			return nil, err
		}
		failures = append(failures, failureOf(c.Name(), err))
	}
	return nil, exhausted(models.CapabilityStream, failures)
}

func (r *Router) attempt(ctx context.Context, c Client, capability models.Capability, timeout time.Duration, call func(context.Context) (*Result, error)) (*Result, error) {
	name := c.Name()
	spanCtx, span := r.tracer.Start(ctx, "router.attempt", trace.WithAttributes(
		attribute.String("backend", string(name)),
		attribute.String("capability", string(capability)),
	))
	defer span.End()

	actx, cancel := context.WithTimeout(spanCtx, timeout)
	defer cancel()

	start := time.Now()
	res, err := call(actx)
	latency := time.Since(start)

	if err == nil && (res == nil || strings.TrimSpace(res.Text) == "") {
		err = apierr.New(apierr.AttemptBadResponse, "empty response")
	}
	if err != nil {
		if ctx.Err() == nil {
			err = classify(actx, err)
		}
		span.RecordError(err)
		span.SetStatus(otelcodes.Error, err.Error())
		span.SetAttributes(attribute.String("outcome", string(apierr.CodeOf(err))))
		r.logger.Warn("Backend attempt failed",
			zap.String("backend", string(name)),
			zap.String("capability", string(capability)),
			zap.Duration("latency", latency),
			zap.Error(err))
		r.observe(name, nil, err)
		return nil, err
	}

	res.Backend = name
	res.Latency = latency
	span.SetAttributes(
		attribute.String("outcome", "ok"),
		attribute.Int("tokens.total", res.TotalTokens),
	)
	r.observe(name, res, nil)
	return res, nil
}

func (r *Router) observe(name Backend, res *Result, err error) {
	if r.observer != nil {
		r.observer(name, res, err)
	}
}

// classify maps a client error onto one of the attempt failure codes
func classify(actx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(actx.Err(), context.DeadlineExceeded) {
		return apierr.Wrap(apierr.AttemptTimeout, err, "attempt timed out")
	}
	switch apierr.CodeOf(err) {
	case apierr.AttemptTimeout, apierr.AttemptTransportError, apierr.AttemptBadResponse:
		return err
	}
	return apierr.Wrap(apierr.AttemptTransportError, err, "backend request failed")
}

func failureOf(name Backend, err error) AttemptFailure {
	f := AttemptFailure{Backend: name, Code: apierr.CodeOf(err), Message: err.Error()}
	if classified, ok := apierr.As(err); ok {
		f.Message = classified.Message
		if classified.Err != nil {
			f.Message += ": " + classified.Err.Error()
		}
	}
	return f
}

func exhausted(capability models.Capability, failures []AttemptFailure) error {
	if failures == nil {
		failures = []AttemptFailure{}
	}
	msg := "all backends unavailable"
	if len(failures) == 0 {
		msg = fmt.Sprintf("no backend available for %s", capability)
	}
	return apierr.New(apierr.AllBackendsUnavailable, msg).WithDetails(failures)
}

// Failures extracts the attempt failures of an ALL_BACKENDS_UNAVAILABLE error
func Failures(err error) []AttemptFailure {
	classified, ok := apierr.As(err)
	if !ok {
		return nil
	}
	failures, _ := classified.Details.([]AttemptFailure)
	return failures
}

// SetEnabled toggles a backend at runtime
func (r *Router) SetEnabled(name Backend, enabled bool) error {
	e, ok := r.entries[name]
	if !ok {
		return apierr.Newf(apierr.NotFound, "backend %q is not configured", name)
	}
	e.enabled.Store(enabled)
	r.logger.Info("Backend toggled", zap.String("backend", string(name)), zap.Bool("enabled", enabled))
	return nil
}

// SetPrimary moves a backend to the front of the default order
func (r *Router) SetPrimary(name Backend) error {
	if _, ok := r.entries[name]; !ok {
		return apierr.Newf(apierr.NotFound, "backend %q is not configured", name)
	}
	r.mu.Lock()
	order := []Backend{name}
	for _, b := range r.order {
		if b != name {
			order = append(order, b)
		}
	}
	r.order = order
	r.mu.Unlock()

	r.logger.Info("Primary backend switched", zap.String("backend", string(name)))
	return nil
}

// Status returns every configured backend in the current order
func (r *Router) Status() []BackendStatus {
	r.mu.RLock()
	order := append([]Backend(nil), r.order...)
	r.mu.RUnlock()

	out := make([]BackendStatus, 0, len(order))
	for i, name := range order {
		e := r.entries[name]
		out = append(out, BackendStatus{
			Name:     name,
			Enabled:  e.enabled.Load(),
			Primary:  i == 0,
			Position: i + 1,
			Tags:     e.client.Tags(),
		})
	}
	return out
}

// Available reports whether at least one backend is enabled
func (r *Router) Available() bool {
	for _, e := range r.entries {
		if e.enabled.Load() {
			return true
		}
	}
	return false
}
