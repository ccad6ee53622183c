package chatflow

import (
	"context"
	"iter"
)

// Transport sends a request body to the model backend and returns the
// response as a lazy sequence of stream chunks. The sequence must stop with
// an abort error (see IsAborted) once ctx is cancelled, and release the
// underlying connection on every exit path.
type Transport interface {
	Stream(ctx context.Context, body RequestBody) (iter.Seq2[Chunk, error], error)
}

// TransportFunc adapts a function to Transport.
type TransportFunc func(ctx context.Context, body RequestBody) (iter.Seq2[Chunk, error], error)

func (f TransportFunc) Stream(ctx context.Context, body RequestBody) (iter.Seq2[Chunk, error], error) {
	return f(ctx, body)
}
