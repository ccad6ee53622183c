package chatflow

import (
	"context"
	"errors"
	"iter"
	"testing"
	"time"
)

// stubTransport returns pre-configured results in order.
type stubTransport struct {
	calls   int
	results []stubResult
}

type stubResult struct {
	chunks []Chunk
	err    error
}

func (s *stubTransport) Stream(_ context.Context, _ RequestBody) (iter.Seq2[Chunk, error], error) {
	i := s.calls
	s.calls++
	var r stubResult
	if i < len(s.results) {
		r = s.results[i]
	}
	if r.err != nil {
		return nil, r.err
	}
	return func(yield func(Chunk, error) bool) {
		for _, c := range r.chunks {
			if !yield(c, nil) {
				return
			}
		}
	}, nil
}

func TestWithRetry_SucceedsFirstAttempt(t *testing.T) {
	stub := &stubTransport{results: []stubResult{{chunks: []Chunk{{ID: "a"}}}}}
	tr := WithRetry(stub, RetryBaseDelay(0))

	seq, err := tr.Stream(context.Background(), RequestBody{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var n int
	for range seq {
		n++
	}
	if n != 1 {
		t.Errorf("got %d chunks, want 1", n)
	}
	if stub.calls != 1 {
		t.Errorf("got %d calls, want 1", stub.calls)
	}
}

func TestWithRetry_RetriesTransient(t *testing.T) {
	for _, status := range []int{429, 503} {
		stub := &stubTransport{results: []stubResult{
			{err: &ErrHTTP{Status: status, Body: "busy"}},
			{chunks: []Chunk{{ID: "a"}}},
		}}
		tr := WithRetry(stub, RetryBaseDelay(0))
		if _, err := tr.Stream(context.Background(), RequestBody{}); err != nil {
			t.Fatalf("status %d: unexpected error: %v", status, err)
		}
		if stub.calls != 2 {
			t.Errorf("status %d: got %d calls, want 2", status, stub.calls)
		}
	}
}

func TestWithRetry_NoRetryOnPermanent(t *testing.T) {
	stub := &stubTransport{results: []stubResult{
		{err: &ErrHTTP{Status: 400, Body: "bad request"}},
		{chunks: []Chunk{{ID: "a"}}},
	}}
	tr := WithRetry(stub, RetryBaseDelay(0))
	_, err := tr.Stream(context.Background(), RequestBody{})
	var he *ErrHTTP
	if !errors.As(err, &he) || he.Status != 400 {
		t.Fatalf("err = %v, want http 400", err)
	}
	if stub.calls != 1 {
		t.Errorf("got %d calls, want 1", stub.calls)
	}
}

func TestWithRetry_ExhaustsAttempts(t *testing.T) {
	stub := &stubTransport{results: []stubResult{
		{err: &ErrHTTP{Status: 503}},
		{err: &ErrHTTP{Status: 503}},
		{err: &ErrHTTP{Status: 503}},
		{chunks: []Chunk{{ID: "late"}}},
	}}
	tr := WithRetry(stub, RetryBaseDelay(0), RetryMaxAttempts(3))
	if _, err := tr.Stream(context.Background(), RequestBody{}); err == nil {
		t.Fatal("expected error")
	}
	if stub.calls != 3 {
		t.Errorf("got %d calls, want 3", stub.calls)
	}
}

func TestWithRetry_CancelDuringBackoff(t *testing.T) {
	stub := &stubTransport{results: []stubResult{
		{err: &ErrHTTP{Status: 429}},
		{chunks: []Chunk{{ID: "a"}}},
	}}
	tr := WithRetry(stub, RetryBaseDelay(time.Hour))
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	_, err := tr.Stream(ctx, RequestBody{})
	if !IsAborted(err) {
		t.Fatalf("err = %v, want abort", err)
	}
}

func TestWithRetry_TimeoutReturnsLastError(t *testing.T) {
	stub := &stubTransport{results: []stubResult{
		{err: &ErrHTTP{Status: 503, Body: "down"}},
		{chunks: []Chunk{{ID: "a"}}},
	}}
	tr := WithRetry(stub, RetryBaseDelay(time.Hour), RetryTimeout(10*time.Millisecond))
	_, err := tr.Stream(context.Background(), RequestBody{})
	var he *ErrHTTP
	if !errors.As(err, &he) || he.Status != 503 {
		t.Fatalf("err = %v, want http 503", err)
	}
}

func TestRetryDelay_RespectsRetryAfter(t *testing.T) {
	err := &ErrHTTP{Status: 429, RetryAfter: 5 * time.Second}
	if d := retryDelay(time.Millisecond, 0, err); d != 5*time.Second {
		t.Errorf("delay = %v, want 5s", d)
	}
	if d := retryDelay(time.Second, 0, &ErrHTTP{Status: 429}); d < time.Second || d > 1500*time.Millisecond {
		t.Errorf("delay = %v, want within [1s, 1.5s]", d)
	}
}
