package chatflow

import (
	"context"
	"iter"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// rateLimitTransport wraps a Transport with proactive rate limiting.
// Opening a stream blocks until the rate budget allows it.
type rateLimitTransport struct {
	inner Transport

	// RPM budget, refilled evenly over the minute.
	rpm     int
	limiter *rate.Limiter

	// TPM state: sliding window of (timestamp, tokenCount) pairs.
	mu        sync.Mutex
	tpm       int
	tpmWindow []tpmEntry
}

type tpmEntry struct {
	at     time.Time
	tokens int
}

// RateLimitOption configures WithRateLimit.
type RateLimitOption func(*rateLimitTransport)

// RPM sets the maximum requests per minute.
func RPM(n int) RateLimitOption {
	return func(r *rateLimitTransport) { r.rpm = n }
}

// TPM sets the maximum tokens per minute (prompt + completion). Token counts
// are taken from the usage chunk of each stream. This is a soft limit: the
// stream that exceeds the budget completes, but later requests block until
// the window slides.
func TPM(n int) RateLimitOption {
	return func(r *rateLimitTransport) { r.tpm = n }
}

// WithRateLimit wraps t with proactive rate limiting. Compose with WithRetry:
//
//	t = chatflow.WithRateLimit(openaicompat.New(key, model, url), chatflow.RPM(60))
//	t = chatflow.WithRateLimit(chatflow.WithRetry(t), chatflow.RPM(60), chatflow.TPM(100000))
func WithRateLimit(t Transport, opts ...RateLimitOption) Transport {
	r := &rateLimitTransport{inner: t}
	for _, opt := range opts {
		opt(r)
	}
	if r.rpm > 0 {
		r.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(r.rpm)), r.rpm)
	}
	return r
}

func (r *rateLimitTransport) Stream(ctx context.Context, body RequestBody) (iter.Seq2[Chunk, error], error) {
	if err := r.waitForBudget(ctx); err != nil {
		return nil, err
	}
	seq, err := r.inner.Stream(ctx, body)
	if err != nil || r.tpm <= 0 {
		return seq, err
	}
	return func(yield func(Chunk, error) bool) {
		for c, err := range seq {
			if err == nil && c.Usage != nil {
				r.recordUsage(*c.Usage)
			}
			if !yield(c, err) {
				return
			}
		}
	}, nil
}

// waitForBudget blocks until both RPM and TPM budgets allow a request.
func (r *rateLimitTransport) waitForBudget(ctx context.Context) error {
	if r.limiter != nil {
		if err := r.limiter.Wait(ctx); err != nil {
			if abort := AbortCause(ctx); abort != nil {
				return abort
			}
			return err
		}
	}
	if r.tpm <= 0 {
		return nil
	}

	for {
		r.mu.Lock()
		now := time.Now()
		r.tpmWindow = pruneTpm(r.tpmWindow, now.Add(-time.Minute))
		var total int
		for _, e := range r.tpmWindow {
			total += e.tokens
		}
		if total < r.tpm {
			r.mu.Unlock()
			return nil
		}
		// wait until the oldest entry leaves the window
		wait := r.tpmWindow[0].at.Add(time.Minute).Sub(now)
		if wait <= 0 {
			wait = 10 * time.Millisecond
		}
		r.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			if err := AbortCause(ctx); err != nil {
				return err
			}
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// recordUsage adds token counts to the TPM sliding window.
func (r *rateLimitTransport) recordUsage(u Usage) {
	total := u.TotalTokens
	if total <= 0 {
		total = u.PromptTokens + u.CompletionTokens
	}
	if total <= 0 {
		return
	}
	r.mu.Lock()
	r.tpmWindow = append(r.tpmWindow, tpmEntry{at: time.Now(), tokens: total})
	r.mu.Unlock()
}

// pruneTpm removes entries older than cutoff from a sorted tpmEntry slice.
func pruneTpm(s []tpmEntry, cutoff time.Time) []tpmEntry {
	i := 0
	for i < len(s) && s[i].at.Before(cutoff) {
		i++
	}
	return s[i:]
}

// compile-time check
var _ Transport = (*rateLimitTransport)(nil)
