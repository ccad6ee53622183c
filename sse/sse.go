// Package sse decodes server-sent event streams of JSON payloads.
//
// Only "data: " lines carry payloads; blank lines separate events and every
// other line is ignored. A "[DONE]" payload ends the stream. Payloads that do
// not decode are logged and skipped.
//
// Two forms are provided. Events is a lazy sequence that ends with an abort
// error when ctx is cancelled. Process pushes payloads to a callback and
// reports cancellation as StatusAborted instead of an error.
package sse

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"iter"
	"log/slog"

	"github.com/nevindra/chatflow"
)

// Done is the payload that ends a stream.
const Done = "[DONE]"

var dataPrefix = []byte("data: ")

// Status is the outcome of Process.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusAborted   Status = "aborted"
)

// Option configures the decoder.
type Option func(*config)

type config struct {
	logger *slog.Logger
}

// WithLogger sets the logger used for skipped payloads.
func WithLogger(l *slog.Logger) Option {
	return func(c *config) { c.logger = l }
}

func newConfig(opts []Option) config {
	var c config
	for _, opt := range opts {
		opt(&c)
	}
	if c.logger == nil {
		c.logger = slog.New(slog.DiscardHandler)
	}
	return c
}

// Events decodes body lazily. The sequence yields one value per decodable
// payload and stops at "[DONE]" or end of input. Once ctx is cancelled the
// body is closed, which unblocks any pending read, and the sequence yields a
// final error matching chatflow.ErrAborted and context.Canceled.
//
// body is closed on every exit path, including when the consumer stops early.
func Events[T any](ctx context.Context, body io.ReadCloser, opts ...Option) iter.Seq2[T, error] {
	cfg := newConfig(opts)
	return func(yield func(T, error) bool) {
		var zero T
		err := decode(ctx, body, cfg.logger, func(v T) bool {
			return yield(v, nil)
		})
		if err != nil {
			yield(zero, err)
		}
	}
}

// Process decodes body and calls onData for every payload. Cancellation is
// not an error: it returns StatusAborted. Other read failures are returned.
func Process[T any](ctx context.Context, body io.ReadCloser, onData func(T), opts ...Option) (Status, error) {
	cfg := newConfig(opts)
	err := decode(ctx, body, cfg.logger, func(v T) bool {
		if onData != nil {
			onData(v)
		}
		return true
	})
	switch {
	case err == nil:
		return StatusCompleted, nil
	case chatflow.IsAborted(err):
		return StatusAborted, nil
	}
	return "", err
}

// decode drives the line reader. emit returning false stops decoding
// without error.
func decode[T any](ctx context.Context, body io.ReadCloser, logger *slog.Logger, emit func(T) bool) error {
	stop := context.AfterFunc(ctx, func() { body.Close() })
	defer func() {
		stop()
		body.Close()
	}()

	r := bufio.NewReader(body)
	for {
		if err := chatflow.AbortCause(ctx); err != nil {
			return err
		}

		line, readErr := r.ReadBytes('\n')
		if readErr != nil && ctx.Err() != nil {
			return chatflow.AbortCause(ctx)
		}

		if payload, ok := parseLine(line); ok {
			if string(payload) == Done {
				return nil
			}
			var v T
			if err := json.Unmarshal(payload, &v); err != nil {
				logger.Warn("skipping malformed sse payload", "data", string(payload), "error", err)
			} else if !emit(v) {
				return nil
			}
		}

		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				return chatflow.AbortCause(ctx)
			}
			return readErr
		}
	}
}

// parseLine returns the payload of a data line.
func parseLine(line []byte) ([]byte, bool) {
	line = bytes.TrimRight(line, "\r\n")
	if len(bytes.TrimSpace(line)) == 0 {
		return nil, false
	}
	if !bytes.HasPrefix(line, dataPrefix) {
		return nil, false
	}
	return line[len(dataPrefix):], true
}
