package toolcall

import (
	"context"
	"log/slog"

	"github.com/nevindra/chatflow"
)

// Default tool message contents used when a call produced nothing.
const (
	DefaultCancelledContent = "Tool call cancelled."
	DefaultFailedContent    = "Tool call failed."
)

// ExcludeMode controls what happens to tool exchanges in later turns.
type ExcludeMode int

const (
	// ExcludeNone keeps every exchange in outgoing requests.
	ExcludeNone ExcludeMode = iota
	// ExcludeFilter keeps exchanges in the conversation but leaves them out
	// of requests made in later turns.
	ExcludeFilter
	// ExcludeRemove deletes exchanges from the conversation when the next
	// turn starts.
	ExcludeRemove
)

// CallFunc executes one tool call.
type CallFunc func(ctx context.Context, call chatflow.ToolCall) (Result, error)

// ListFunc returns the tool schemas advertised with every request.
type ListFunc func(ctx context.Context) ([]chatflow.Tool, error)

// BeforeFunc receives every pending call of a response before any runs.
// An error fails the turn.
type BeforeFunc func(ctx context.Context, calls []chatflow.ToolCall) error

// Option configures the plugin.
type Option func(*config)

type config struct {
	list        ListFunc
	before      BeforeFunc
	cancelled   string
	failed      string
	autoRepair  bool
	exclude     ExcludeMode
	eager       bool
	repairArgs  bool
	maxParallel int
	tracer      chatflow.Tracer
	logger      *slog.Logger
}

// WithListTools injects tool schemas into every request.
func WithListTools(fn ListFunc) Option {
	return func(c *config) { c.list = fn }
}

// WithBeforeCallTools sets a hook run before the calls of a response start.
func WithBeforeCallTools(fn BeforeFunc) Option {
	return func(c *config) { c.before = fn }
}

// WithCancelledContent sets the content of tool messages for cancelled calls
// (default DefaultCancelledContent).
func WithCancelledContent(s string) Option {
	return func(c *config) { c.cancelled = s }
}

// WithFailedContent sets the content of tool messages for failed calls
// (default DefaultFailedContent).
func WithFailedContent(s string) Option {
	return func(c *config) { c.failed = s }
}

// WithAutoRepair toggles the turn-start repair that answers tool calls left
// without a result (default true).
func WithAutoRepair(on bool) Option {
	return func(c *config) { c.autoRepair = on }
}

// WithExclude sets the exclusion policy for finished tool exchanges
// (default ExcludeNone).
func WithExclude(mode ExcludeMode) Option {
	return func(c *config) { c.exclude = mode }
}

// WithEagerAppend toggles appending tool messages before their calls finish
// (default true). When off, results are appended together once every call
// settled.
func WithEagerAppend(on bool) Option {
	return func(c *config) { c.eager = on }
}

// WithArgumentRepair toggles repairing malformed JSON arguments before the
// call (default true).
func WithArgumentRepair(on bool) Option {
	return func(c *config) { c.repairArgs = on }
}

// WithMaxParallel bounds the number of calls running at once. Zero means no
// bound.
func WithMaxParallel(n int) Option {
	return func(c *config) { c.maxParallel = n }
}

// WithTracer traces every tool call.
func WithTracer(t chatflow.Tracer) Option {
	return func(c *config) { c.tracer = t }
}

// WithLogger sets the logger for tool failures.
func WithLogger(l *slog.Logger) Option {
	return func(c *config) { c.logger = l }
}
