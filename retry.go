package chatflow

import (
	"context"
	"errors"
	"iter"
	"log/slog"
	"math/rand"
	"time"
)

// retryTransport wraps a Transport and automatically retries transient HTTP
// errors (status 429 Too Many Requests and 503 Service Unavailable) with
// exponential backoff.
//
// Only opening the stream is retried. Once Stream returned a sequence, its
// errors pass through unchanged so no chunk is ever delivered twice.
type retryTransport struct {
	inner       Transport
	maxAttempts int
	baseDelay   time.Duration
	timeout     time.Duration // overall timeout across all attempts; 0 = no limit
	logger      *slog.Logger
}

// RetryOption configures WithRetry.
type RetryOption func(*retryTransport)

// RetryMaxAttempts sets the maximum number of attempts (default: 3).
func RetryMaxAttempts(n int) RetryOption {
	return func(r *retryTransport) { r.maxAttempts = n }
}

// RetryBaseDelay sets the initial backoff delay before the second attempt (default: 1s).
// Each subsequent delay doubles: baseDelay, 2×baseDelay, 4×baseDelay, …
func RetryBaseDelay(d time.Duration) RetryOption {
	return func(r *retryTransport) { r.baseDelay = d }
}

// RetryTimeout bounds the retry sequence: once it elapses no further attempt
// is made and the last error is returned. The zero value (default) disables
// the timeout.
func RetryTimeout(d time.Duration) RetryOption {
	return func(r *retryTransport) { r.timeout = d }
}

// RetryLogger sets the structured logger for retry events. Retries log at
// WARN, exhaustion at ERROR.
func RetryLogger(l *slog.Logger) RetryOption {
	return func(r *retryTransport) { r.logger = l }
}

// WithRetry wraps t with automatic retry on transient HTTP errors (429, 503).
// When the error carries a Retry-After duration the delay is at least that
// long.
//
//	t = chatflow.WithRetry(openaicompat.New(key, model, url))
//	t = chatflow.WithRetry(openaicompat.New(key, model, url), chatflow.RetryMaxAttempts(5))
func WithRetry(t Transport, opts ...RetryOption) Transport {
	r := &retryTransport{
		inner:       t,
		maxAttempts: 3,
		baseDelay:   time.Second,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = nopLogger
	}
	return r
}

// Stream implements Transport with retry.
func (r *retryTransport) Stream(ctx context.Context, body RequestBody) (iter.Seq2[Chunk, error], error) {
	openCtx, cancel := r.withTimeout(ctx)
	defer cancel()

	var last error
	for i := 0; i < r.maxAttempts; i++ {
		// the stream outlives the retry timeout, so it runs on ctx
		seq, err := r.inner.Stream(ctx, body)
		if err == nil || !isTransient(err) {
			return seq, err
		}
		last = err
		r.logger.Warn("retrying transient error",
			"status", statusOf(err),
			"attempt", i+1,
			"max_attempts", r.maxAttempts)
		if i < r.maxAttempts-1 {
			timer := time.NewTimer(retryDelay(r.baseDelay, i, err))
			select {
			case <-openCtx.Done():
				timer.Stop()
				if err := AbortCause(ctx); err != nil {
					return nil, err
				}
				return nil, last
			case <-timer.C:
			}
		}
	}
	r.logger.Error("all retry attempts exhausted",
		"attempts", r.maxAttempts,
		"error", last)
	return nil, last
}

// withTimeout returns a child context with a deadline if r.timeout is set.
// If timeout is zero or ctx already has an earlier deadline, returns ctx unchanged.
func (r *retryTransport) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.timeout <= 0 {
		return ctx, func() {}
	}
	deadline := time.Now().Add(r.timeout)
	if existing, ok := ctx.Deadline(); ok && existing.Before(deadline) {
		return ctx, func() {}
	}
	return context.WithDeadline(ctx, deadline)
}

// isTransient reports whether err is a retryable HTTP error (429 or 503).
func isTransient(err error) bool {
	var e *ErrHTTP
	return errors.As(err, &e) && (e.Status == 429 || e.Status == 503)
}

// statusOf extracts the HTTP status code from an ErrHTTP, or 0.
func statusOf(err error) int {
	var e *ErrHTTP
	if errors.As(err, &e) {
		return e.Status
	}
	return 0
}

// retryDelay is max(exponential backoff, Retry-After).
func retryDelay(base time.Duration, i int, err error) time.Duration {
	backoff := retryBackoff(base, i)
	var e *ErrHTTP
	if errors.As(err, &e) && e.RetryAfter > backoff {
		return e.RetryAfter
	}
	return backoff
}

// retryBackoff returns the delay for retry i (0-indexed).
// Exponential: base * 2^i, plus up to 50% random jitter.
func retryBackoff(base time.Duration, i int) time.Duration {
	exp := base * (1 << i)
	jitter := time.Duration(rand.Int63n(int64(exp)/2 + 1))
	return exp + jitter
}

var _ Transport = (*retryTransport)(nil)
