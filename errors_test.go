package chatflow

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestErrLLMError(t *testing.T) {
	tests := []struct {
		transport string
		message   string
		want      string
	}{
		{"openai", "marshal request: bad", "openai: marshal request: bad"},
		{"groq", "create request: bad url", "groq: create request: bad url"},
	}
	for _, tt := range tests {
		e := &ErrLLM{Transport: tt.transport, Message: tt.message}
		if got := e.Error(); got != tt.want {
			t.Errorf("ErrLLM{%q, %q}.Error() = %q, want %q", tt.transport, tt.message, got, tt.want)
		}
	}
}

func TestErrHTTPError(t *testing.T) {
	tests := []struct {
		status int
		body   string
		want   string
	}{
		{429, "too many requests", "http 429: too many requests"},
		{500, "internal server error", "http 500: internal server error"},
		{0, "", "http 0: "},
	}
	for _, tt := range tests {
		e := &ErrHTTP{Status: tt.status, Body: tt.body}
		if got := e.Error(); got != tt.want {
			t.Errorf("ErrHTTP{%d, %q}.Error() = %q, want %q", tt.status, tt.body, got, tt.want)
		}
	}
}

func TestParseRetryAfter(t *testing.T) {
	tests := []struct {
		in   string
		want time.Duration
	}{
		{"", 0},
		{"3", 3 * time.Second},
		{" 10 ", 10 * time.Second},
		{"0", 0},
		{"-5", 0},
		{"soon", 0},
		{"Wed, 21 Oct 2015 07:28:00 GMT", 0}, // in the past
	}
	for _, tt := range tests {
		if got := ParseRetryAfter(tt.in); got != tt.want {
			t.Errorf("ParseRetryAfter(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}

	future := time.Now().Add(time.Hour).UTC().Format(time.RFC1123)
	if got := ParseRetryAfter(future); got <= 0 || got > time.Hour {
		t.Errorf("ParseRetryAfter(future) = %v", got)
	}
}

func TestJoinTurnErrors(t *testing.T) {
	primary := errors.New("stream broke")
	c1 := errors.New("cleanup 1")
	c2 := errors.New("cleanup 2")

	if err := joinTurnErrors(nil); err != nil {
		t.Errorf("joinTurnErrors(nil) = %v", err)
	}
	if err := joinTurnErrors([]error{primary}); err != primary {
		t.Errorf("single error wrapped: %v", err)
	}

	err := joinTurnErrors([]error{primary, c1, c2})
	var te *TurnError
	if !errors.As(err, &te) {
		t.Fatalf("expected *TurnError, got %T", err)
	}
	if te.Errors[0] != primary {
		t.Error("primary error must come first")
	}
	for _, e := range []error{primary, c1, c2} {
		if !errors.Is(err, e) {
			t.Errorf("errors.Is(%v) = false", e)
		}
	}
	if !strings.HasPrefix(err.Error(), "errors occurred during turn lifecycle") {
		t.Errorf("message = %q", err.Error())
	}
}

func TestAbortCause(t *testing.T) {
	if err := AbortCause(context.Background()); err != nil {
		t.Errorf("live context: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := AbortCause(ctx)
	if !errors.Is(err, ErrAborted) || !errors.Is(err, context.Canceled) {
		t.Errorf("cancelled context: %v", err)
	}
	if !IsAborted(err) {
		t.Error("IsAborted = false")
	}

	cause := errors.New("user left")
	ctx, cancelCause := context.WithCancelCause(context.Background())
	cancelCause(cause)
	err = AbortCause(ctx)
	if !errors.Is(err, cause) || !IsAborted(err) {
		t.Errorf("cause not preserved: %v", err)
	}

	ctx, cancelT := context.WithTimeout(context.Background(), -time.Second)
	defer cancelT()
	err = AbortCause(ctx)
	if IsAborted(err) || !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("deadline classified as abort: %v", err)
	}
}

func TestAbortable(t *testing.T) {
	v, err := Abortable(context.Background(), func(context.Context) (int, error) { return 7, nil })
	if err != nil || v != 7 {
		t.Fatalf("got (%d, %v)", v, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	block := make(chan struct{})
	defer close(block)
	go func() {
		<-started
		cancel()
	}()
	_, err = Abortable(ctx, func(context.Context) (int, error) {
		close(started)
		<-block // settles only after the test
		return 0, nil
	})
	if !IsAborted(err) {
		t.Errorf("err = %v, want abort", err)
	}

	// already cancelled: fn never runs
	ran := false
	err = Wait(ctx, func(context.Context) error {
		ran = true
		return nil
	})
	if !IsAborted(err) || ran {
		t.Errorf("err = %v, ran = %v", err, ran)
	}
}
