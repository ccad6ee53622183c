// Package chatflowtest provides a scripted Transport and chunk builders for
// tests of sessions and plugins.
package chatflowtest

import (
	"context"
	"iter"
	"sync"

	"github.com/nevindra/chatflow"
)

// Transport replays one script per request, in order. Requests beyond the
// last script stream nothing.
type Transport struct {
	mu      sync.Mutex
	scripts []Script
	bodies  []chatflow.RequestBody
}

// Script is the stream returned for one request.
type Script struct {
	Chunks []chatflow.Chunk
	// Err fails the request before any chunk.
	Err error
	// StreamErr is yielded after the chunks.
	StreamErr error
	// Hang keeps the stream open after the chunks until ctx is cancelled.
	Hang bool
	// Started, when set, is closed once the chunks were delivered.
	Started chan struct{}
}

// NewTransport returns a Transport replaying scripts.
func NewTransport(scripts ...Script) *Transport {
	return &Transport{scripts: scripts}
}

// Stream implements chatflow.Transport.
func (t *Transport) Stream(ctx context.Context, body chatflow.RequestBody) (iter.Seq2[chatflow.Chunk, error], error) {
	t.mu.Lock()
	i := len(t.bodies)
	t.bodies = append(t.bodies, body)
	var s Script
	if i < len(t.scripts) {
		s = t.scripts[i]
	}
	t.mu.Unlock()

	if s.Err != nil {
		return nil, s.Err
	}
	return func(yield func(chatflow.Chunk, error) bool) {
		for _, c := range s.Chunks {
			if err := chatflow.AbortCause(ctx); err != nil {
				yield(chatflow.Chunk{}, err)
				return
			}
			if !yield(c, nil) {
				return
			}
		}
		if s.Started != nil {
			close(s.Started)
		}
		if s.Hang {
			<-ctx.Done()
			yield(chatflow.Chunk{}, chatflow.AbortCause(ctx))
			return
		}
		if s.StreamErr != nil {
			yield(chatflow.Chunk{}, s.StreamErr)
		}
	}, nil
}

// Requests returns the bodies received so far.
func (t *Transport) Requests() []chatflow.RequestBody {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]chatflow.RequestBody, len(t.bodies))
	copy(out, t.bodies)
	return out
}

// Calls returns the number of requests received.
func (t *Transport) Calls() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.bodies)
}

// --- chunk builders ---

// Role returns a chunk opening an assistant message.
func Role() chatflow.Chunk {
	return delta(chatflow.Delta{Role: chatflow.RoleAssistant})
}

// Text returns a content chunk.
func Text(s string) chatflow.Chunk {
	return delta(chatflow.Delta{Content: s})
}

// Call returns a chunk carrying a tool call fragment.
func Call(index int, id, name, args string) chatflow.Chunk {
	tc := chatflow.ToolCall{Index: index, ID: id, Function: chatflow.FunctionCall{Name: name, Arguments: args}}
	if id != "" {
		tc.Type = "function"
	}
	return delta(chatflow.Delta{ToolCalls: []chatflow.ToolCall{tc}})
}

// Finish returns a terminal chunk with the given finish reason.
func Finish(reason string) chatflow.Chunk {
	c := delta(chatflow.Delta{})
	c.Choices[0].FinishReason = &reason
	return c
}

// Reply returns the chunks of a plain text answer finished with "stop".
func Reply(text string) []chatflow.Chunk {
	return []chatflow.Chunk{Role(), Text(text), Finish(chatflow.FinishStop)}
}

func delta(d chatflow.Delta) chatflow.Chunk {
	return chatflow.Chunk{
		ID:      "chatcmpl-test",
		Object:  "chat.completion.chunk",
		Created: 1700000000,
		Model:   "test-model",
		Choices: []chatflow.Choice{{Index: 0, Delta: d}},
	}
}
