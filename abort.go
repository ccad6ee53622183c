package chatflow

import (
	"context"
	"errors"
	"fmt"
)

// ErrAborted reports that an operation was cut short by cancellation.
// Errors built by AbortCause match both ErrAborted and context.Canceled.
var ErrAborted = errors.New("chatflow: aborted")

type abortError struct {
	cause error
}

func (e *abortError) Error() string {
	if e.cause == nil || errors.Is(e.cause, context.Canceled) {
		return ErrAborted.Error()
	}
	return fmt.Sprintf("%s: %v", ErrAborted, e.cause)
}

func (e *abortError) Is(target error) bool {
	return target == ErrAborted || target == context.Canceled
}

func (e *abortError) Unwrap() error { return e.cause }

// AbortCause returns an abort error for a cancelled ctx, or nil while ctx is
// live. The cancellation cause, when one was given, is preserved. An expired
// deadline is returned as is.
func AbortCause(ctx context.Context) error {
	switch ctx.Err() {
	case nil:
		return nil
	case context.DeadlineExceeded:
		return context.Cause(ctx)
	}
	return &abortError{cause: context.Cause(ctx)}
}

// IsAborted reports whether err stems from cancellation.
// Deadline expiry is a failure, not an abort.
func IsAborted(err error) bool {
	return errors.Is(err, ErrAborted) || errors.Is(err, context.Canceled)
}

// Abortable runs fn on its own goroutine and returns whichever settles first:
// fn's result or ctx's cancellation. fn receives ctx and should stop early
// once it is done; its late result is discarded. The watcher never outlives
// the call.
func Abortable[T any](ctx context.Context, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	if err := AbortCause(ctx); err != nil {
		return zero, err
	}

	type result struct {
		v   T
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := fn(ctx)
		done <- result{v, err}
	}()

	select {
	case r := <-done:
		return r.v, r.err
	case <-ctx.Done():
		return zero, AbortCause(ctx)
	}
}

// Wait is Abortable for operations without a result.
func Wait(ctx context.Context, fn func(context.Context) error) error {
	_, err := Abortable(ctx, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}
