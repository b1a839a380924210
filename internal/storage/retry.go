package storage

import (
	"context"
	"errors"
	"time"

	"github.com/antigravity/keygate/internal/apierr"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	maxRetries     = 3
	requestTimeout = 3 * time.Second
	initialBackoff = 100 * time.Millisecond
)

// retrier runs a remote call with a per-attempt timeout, a trace span per attempt and
// exponential backoff between retryable failures.
type retrier struct {
	tracer   trace.Tracer
	attempts int
	timeout  time.Duration
	backoff  time.Duration
}

func newRetrier(tracer trace.Tracer) retrier {
	return retrier{
		tracer:   tracer,
		attempts: maxRetries,
		timeout:  requestTimeout,
		backoff:  initialBackoff,
	}
}

// single returns a retrier that makes exactly one attempt. Writes use it: a commit whose response
// timed out may already have been applied, and RunTransaction retries Aborted on its own.
func (r retrier) single() retrier {
	r.attempts = 1
	return r
}

func (r retrier) do(ctx context.Context, spanName string, fn func(context.Context) error) error {
	var err error
	backoff := r.backoff
	for attempt := 0; attempt < r.attempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, r.timeout)
		spanCtx, span := r.tracer.Start(attemptCtx, spanName)
		err = fn(spanCtx)
		if err != nil {
			span.RecordError(err)
		}
		span.End()
		cancel()
		if err == nil || isNonRetryableError(err) || attempt == r.attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return apierr.Storage(ctx.Err())
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return apierr.Storage(err)
}

// isNonRetryableError reports failures that another attempt cannot fix: domain decisions and
// permanent gRPC statuses.
func isNonRetryableError(err error) bool {
	if classified, ok := apierr.As(err); ok {
		return classified.Code != apierr.StorageUnavailable
	}
	if errors.Is(err, context.Canceled) {
		return true
	}
	switch status.Code(err) {
	case codes.NotFound, codes.InvalidArgument, codes.FailedPrecondition, codes.PermissionDenied,
		codes.AlreadyExists, codes.Unauthenticated:
		return true
	default:
		return false
	}
}
