package chatflow

import "context"

// Plugin is a named bundle of optional lifecycle hooks. A plugin takes part
// in a phase only when it implements that phase's interface: TurnStarter,
// BeforeRequester, ChunkObserver, MessageAppender, AfterRequester, TurnEnder.
//
// Plugins are registered once, as an ordered list, when the Session is
// built. Registration order is the tie-break for every ordering decision.
type Plugin interface {
	Name() string
}

// CleanupFunc is returned by OnTurnStart and runs when the turn is over,
// whatever its outcome.
type CleanupFunc func(ctx context.Context, hc *HookContext) error

// TurnStarter runs serially, in registration order, before the first request
// of a turn. An error aborts the turn; cleanups returned by the hooks that
// already ran still run, last registered first.
type TurnStarter interface {
	OnTurnStart(ctx context.Context, hc *HookContext) (CleanupFunc, error)
}

// BeforeRequester runs serially before every request and may edit the
// outgoing body (add tools, rewrite messages).
type BeforeRequester interface {
	OnBeforeRequest(ctx context.Context, rc *BeforeRequestContext) error
}

// ChunkObserver runs serially once per received stream event. It is meant
// for side effects only.
type ChunkObserver interface {
	OnChunk(ctx context.Context, cc *ChunkContext)
}

// MessageAppender runs serially for every message about to enter the
// conversation, except messages passed to Send. Calling PreventDefault hands
// placement over to the plugin.
type MessageAppender interface {
	OnMessageAppend(ctx context.Context, ac *AppendContext)
}

// AfterRequester runs after each completed stream, concurrently across
// plugins. Effects must go through AfterRequestContext.Append; the shared
// conversation must not be edited directly from this hook.
type AfterRequester interface {
	OnAfterRequest(ctx context.Context, ac *AfterRequestContext) error
}

// TurnEnder runs serially after the turn's requests finished, succeeded or
// aborted. An error stops the remaining OnTurnEnd hooks but not the cleanups.
type TurnEnder interface {
	OnTurnEnd(ctx context.Context, hc *HookContext) error
}

// HookContext is the state every hook sees.
type HookContext struct {
	Conversation  *Conversation
	Plugins       []Plugin
	RequestFields []string
}

// SetState forwards to the conversation.
func (hc *HookContext) SetState(state RequestState, processing string) {
	hc.Conversation.SetState(state, processing)
}

// Sanitize reduces messages to the configured request fields.
func (hc *HookContext) Sanitize(msgs []*Message) []Message {
	out := make([]Message, len(msgs))
	for i, m := range msgs {
		out[i] = m.Pick(hc.RequestFields)
	}
	return out
}

// BeforeRequestContext carries the outgoing request body.
type BeforeRequestContext struct {
	*HookContext
	Body *RequestBody
}

// SetRequestMessages replaces the outgoing messages, keeping only the
// configured request fields.
func (rc *BeforeRequestContext) SetRequestMessages(msgs []*Message) {
	rc.Body.Messages = rc.Sanitize(msgs)
}

// ChunkContext carries one stream event and the message being streamed.
type ChunkContext struct {
	*HookContext
	Chunk   *Chunk
	Message *Message
}

// AppendContext carries a message about to be appended.
type AppendContext struct {
	*HookContext
	Message   *Message
	prevented bool
}

// PreventDefault stops the default append to the end of the conversation.
// The message is still recorded in the current turn.
func (ac *AppendContext) PreventDefault() { ac.prevented = true }

// Prevented reports whether a plugin called PreventDefault.
func (ac *AppendContext) Prevented() bool { return ac.prevented }

// AfterRequestContext carries the streamed response and the append API.
type AfterRequestContext struct {
	*HookContext
	Message    *Message
	LastChoice *Choice

	index     int
	collector *batchCollector
}

// Append queues msgs for the conversation. By default the batch is held
// until every plugin's OnAfterRequest returned, then merged by priority
// (descending) and registration order. Safe for concurrent use.
func (ac *AfterRequestContext) Append(msgs []*Message, opts ...AppendOption) {
	var o appendOptions
	for _, opt := range opts {
		opt(&o)
	}
	ac.collector.add(ac.index, msgs, o)
}

// AppendAndRequest is Append with a follow-up request.
func (ac *AfterRequestContext) AppendAndRequest(msgs []*Message, opts ...AppendOption) {
	ac.Append(msgs, append(opts, FollowUp())...)
}

// AppendOption configures an Append call.
type AppendOption func(*appendOptions)

type appendOptions struct {
	request   bool
	priority  int
	immediate bool
}

// FollowUp asks for exactly one more request once all appends are merged.
func FollowUp() AppendOption {
	return func(o *appendOptions) { o.request = true }
}

// Priority orders deferred batches; higher goes first. Default 0.
func Priority(p int) AppendOption {
	return func(o *appendOptions) { o.priority = p }
}

// Immediate appends right away instead of waiting for the merge. Used for
// placeholders that observers should see while work is still running.
func Immediate() AppendOption {
	return func(o *appendOptions) { o.immediate = true }
}

// --- inline plugins ---

// Funcs builds a plugin from plain functions. Nil fields are skipped.
type Funcs struct {
	PluginName    string
	TurnStart     func(ctx context.Context, hc *HookContext) (CleanupFunc, error)
	BeforeRequest func(ctx context.Context, rc *BeforeRequestContext) error
	Chunk         func(ctx context.Context, cc *ChunkContext)
	MessageAppend func(ctx context.Context, ac *AppendContext)
	AfterRequest  func(ctx context.Context, ac *AfterRequestContext) error
	TurnEnd       func(ctx context.Context, hc *HookContext) error
}

func (f *Funcs) Name() string { return f.PluginName }

func (f *Funcs) OnTurnStart(ctx context.Context, hc *HookContext) (CleanupFunc, error) {
	if f.TurnStart == nil {
		return nil, nil
	}
	return f.TurnStart(ctx, hc)
}

func (f *Funcs) OnBeforeRequest(ctx context.Context, rc *BeforeRequestContext) error {
	if f.BeforeRequest == nil {
		return nil
	}
	return f.BeforeRequest(ctx, rc)
}

func (f *Funcs) OnChunk(ctx context.Context, cc *ChunkContext) {
	if f.Chunk != nil {
		f.Chunk(ctx, cc)
	}
}

func (f *Funcs) OnMessageAppend(ctx context.Context, ac *AppendContext) {
	if f.MessageAppend != nil {
		f.MessageAppend(ctx, ac)
	}
}

func (f *Funcs) OnAfterRequest(ctx context.Context, ac *AfterRequestContext) error {
	if f.AfterRequest == nil {
		return nil
	}
	return f.AfterRequest(ctx, ac)
}

func (f *Funcs) OnTurnEnd(ctx context.Context, hc *HookContext) error {
	if f.TurnEnd == nil {
		return nil
	}
	return f.TurnEnd(ctx, hc)
}

// compile-time checks
var (
	_ TurnStarter     = (*Funcs)(nil)
	_ BeforeRequester = (*Funcs)(nil)
	_ ChunkObserver   = (*Funcs)(nil)
	_ MessageAppender = (*Funcs)(nil)
	_ AfterRequester  = (*Funcs)(nil)
	_ TurnEnder       = (*Funcs)(nil)
)
