package chatflow

import (
	"context"
	"log/slog"
	"slices"
)

// DefaultRequestFields are the message fields sent to the model.
var DefaultRequestFields = []string{"role", "content", "tool_calls", "tool_call_id"}

// Option configures a Session.
type Option func(*sessionConfig)

type sessionConfig struct {
	plugins       []Plugin
	initial       []Message
	requestFields []string
	maxRequests   int
	onUpdate      func(Snapshot)
	tracer        Tracer
	logger        *slog.Logger
}

// WithPlugins registers plugins in order. Registration order is fixed for the
// lifetime of the Session and breaks every ordering tie.
func WithPlugins(plugins ...Plugin) Option {
	return func(c *sessionConfig) { c.plugins = append(c.plugins, plugins...) }
}

// WithInitialMessages seeds the conversation.
func WithInitialMessages(msgs ...Message) Option {
	return func(c *sessionConfig) { c.initial = append(c.initial, msgs...) }
}

// WithRequestFields sets which message fields go into outgoing requests.
// Default: DefaultRequestFields.
func WithRequestFields(fields ...string) Option {
	return func(c *sessionConfig) { c.requestFields = slices.Clone(fields) }
}

// WithMaxRequests bounds the number of requests one turn may issue,
// follow-ups included. A turn that needs more fails with ErrRequestLimit.
// Zero (the default) leaves the chain to the plugins.
func WithMaxRequests(n int) Option {
	return func(c *sessionConfig) { c.maxRequests = n }
}

// WithOnUpdate registers a function called with a fresh snapshot after every
// change to the conversation. It may be called from several goroutines at
// once while tools run, and must not block.
func WithOnUpdate(fn func(Snapshot)) Option {
	return func(c *sessionConfig) { c.onUpdate = fn }
}

// WithTracer sets the tracer for turn and request spans.
func WithTracer(t Tracer) Option {
	return func(c *sessionConfig) { c.tracer = t }
}

// WithLogger sets the structured logger. Default: discard.
func WithLogger(l *slog.Logger) Option {
	return func(c *sessionConfig) { c.logger = l }
}

func buildConfig(opts []Option) sessionConfig {
	var c sessionConfig
	for _, opt := range opts {
		opt(&c)
	}
	if c.logger == nil {
		c.logger = nopLogger
	}
	if len(c.requestFields) == 0 {
		c.requestFields = DefaultRequestFields
	}
	if c.maxRequests < 0 {
		c.logger.Warn("WithMaxRequests below zero, treating as unlimited", "max_requests", c.maxRequests)
		c.maxRequests = 0
	}
	return c
}

// nopLogger is a logger that discards all output. Used when WithLogger is not set.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler            { return d }
