package openaicompat

import (
	"context"
	"io"
	"iter"
	"log/slog"

	"github.com/nevindra/chatflow"
	"github.com/nevindra/chatflow/sse"
)

// StreamSSE decodes an OpenAI-style SSE body into chunks.
//
// SSE format expected:
//
//	data: {"id":"...","choices":[...]}\n
//	data: [DONE]\n
//
// Usage-only chunks (empty choices) are passed through; the session keeps
// their usage in the message metadata. body is closed when the sequence ends.
func StreamSSE(ctx context.Context, body io.ReadCloser, logger *slog.Logger) iter.Seq2[chatflow.Chunk, error] {
	return sse.Events[chatflow.Chunk](ctx, body, sse.WithLogger(logger))
}
