// Package length continues responses cut off by the output token limit.
package length

import (
	"context"

	"github.com/nevindra/chatflow"
)

// DefaultContent is the user message asking the model to go on.
const DefaultContent = "Please continue with your previous answer."

// Plugin appends a continuation request whenever a response finishes with
// reason "length".
type Plugin struct {
	content  string
	priority int
}

// Option configures the plugin.
type Option func(*Plugin)

// WithContent sets the continuation message (default DefaultContent).
func WithContent(s string) Option {
	return func(p *Plugin) { p.content = s }
}

// WithPriority sets the merge priority of the continuation message.
func WithPriority(n int) Option {
	return func(p *Plugin) { p.priority = n }
}

func New(opts ...Option) *Plugin {
	p := &Plugin{content: DefaultContent}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Plugin) Name() string { return "length" }

func (p *Plugin) OnAfterRequest(_ context.Context, ac *chatflow.AfterRequestContext) error {
	if ac.LastChoice.Finish() != chatflow.FinishLength {
		return nil
	}
	m := chatflow.UserMessage(p.content)
	m.Metadata = &chatflow.Metadata{ID: chatflow.NewID()}
	chatflow.Touch(&m)
	ac.AppendAndRequest([]*chatflow.Message{&m}, chatflow.Priority(p.priority))
	return nil
}

var _ chatflow.AfterRequester = (*Plugin)(nil)
