package chatflow

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"

	"golang.org/x/text/unicode/norm"
)

// Session orchestrates streaming turns against a Transport and runs the
// registered plugins at every lifecycle point.
//
// A turn runs OnTurnStart hooks, then requests until no plugin asks for a
// follow-up, then OnTurnEnd hooks, then the turn-start cleanups. Only one
// turn runs at a time.
type Session struct {
	conv          *Conversation
	transport     Transport
	pipe          pipeline
	requestFields []string
	maxRequests   int
	tracer        Tracer
	logger        *slog.Logger

	// appendMu serializes the append pipeline; immediate appends arrive from
	// plugin goroutines.
	appendMu sync.Mutex

	mu     sync.Mutex
	cancel context.CancelCauseFunc
}

// New creates a Session streaming from t.
func New(t Transport, opts ...Option) *Session {
	cfg := buildConfig(opts)
	conv := NewConversation(cfg.initial)
	conv.onUpdate = cfg.onUpdate
	return &Session{
		conv:          conv,
		transport:     t,
		pipe:          pipeline{plugins: cfg.plugins, logger: cfg.logger},
		requestFields: cfg.requestFields,
		maxRequests:   cfg.maxRequests,
		tracer:        cfg.tracer,
		logger:        cfg.logger,
	}
}

// Conversation returns the live conversation state.
func (s *Session) Conversation() *Conversation { return s.conv }

// Messages returns a deep copy of the message list.
func (s *Session) Messages() []Message { return s.conv.Snapshot().Messages }

// CurrentTurn returns a deep copy of the messages of the running turn.
func (s *Session) CurrentTurn() []Message { return s.conv.Snapshot().CurrentTurn }

// State returns the request state.
func (s *Session) State() RequestState {
	st, _ := s.conv.State()
	return st
}

// ProcessingState returns the processing sub-state, empty unless a turn is
// running.
func (s *Session) ProcessingState() string {
	_, p := s.conv.State()
	return p
}

// SetState overrides the request state.
func (s *Session) SetState(state RequestState, processing string) {
	s.conv.SetState(state, processing)
}

// SendMessage sends text as a user message. The text is trimmed and
// normalized to NFC. Empty text is rejected with ErrEmptyMessage.
func (s *Session) SendMessage(ctx context.Context, text string) error {
	text = norm.NFC.String(strings.TrimSpace(text))
	if text == "" {
		s.logger.Warn("send rejected", "reason", "empty message")
		return ErrEmptyMessage
	}
	return s.Send(ctx, UserMessage(text))
}

// Send appends msgs to the conversation and runs a turn, blocking until the
// turn is over. It returns ErrTurnInProgress while another turn runs.
//
// An aborted turn returns nil and leaves the state at StateAborted, unless
// an OnTurnEnd hook or a cleanup fails afterwards. Any other failure sets
// StateError and is returned; when turn-start cleanups fail as
// well, the result is a *TurnError with the primary failure first.
func (s *Session) Send(ctx context.Context, msgs ...Message) error {
	if len(msgs) == 0 {
		s.logger.Warn("send rejected", "reason", "empty message")
		return ErrEmptyMessage
	}

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	s.mu.Lock()
	if !s.conv.begin() {
		s.mu.Unlock()
		s.logger.Warn("send rejected", "reason", "turn in progress")
		return ErrTurnInProgress
	}
	s.cancel = cancel
	s.mu.Unlock()
	s.conv.notify()

	for i := range msgs {
		m := msgs[i].Clone()
		Touch(&m)
		if m.Metadata.ID == "" {
			m.Metadata.ID = NewID()
		}
		s.conv.record(&m, true)
	}

	err := s.runTurn(ctx)

	s.mu.Lock()
	s.cancel = nil
	s.mu.Unlock()
	return err
}

// Abort cancels the running turn. It never blocks and is a no-op when no
// turn is running.
func (s *Session) Abort() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel(nil)
	}
}

func (s *Session) hookContext() *HookContext {
	return &HookContext{
		Conversation:  s.conv,
		Plugins:       s.pipe.plugins,
		RequestFields: s.requestFields,
	}
}

func (s *Session) runTurn(ctx context.Context) error {
	ctx, span := startSpan(ctx, s.tracer, "chatflow.turn", IntAttr("plugins", len(s.pipe.plugins)))
	defer span.End()

	hc := s.hookContext()
	// turn end and cleanups must be able to finish after an abort
	detached := context.WithoutCancel(ctx)

	cleanups, err := s.pipe.turnStart(ctx, hc)
	switch {
	case err == nil:
		err = s.execute(ctx, hc)
		s.drainAppends()
		switch {
		case err == nil:
			s.conv.SetState(StateCompleted, "")
		case s.aborted(ctx, err):
			s.conv.SetState(StateAborted, "")
			err = nil
		}
		// only the requests can end as an abort; a turn end failure is
		// reported even when the turn was aborted
		if err == nil {
			err = s.pipe.turnEnd(detached, hc)
		}
	case s.aborted(ctx, err):
		s.conv.SetState(StateAborted, "")
		err = nil
	}

	var errs []error
	if err != nil {
		s.conv.SetState(StateError, "")
		s.logger.Error("turn failed", "error", err)
		span.Error(err)
		errs = append(errs, err)
	}
	errs = append(errs, s.pipe.cleanup(detached, hc, cleanups)...)
	s.conv.finish()

	st, _ := s.conv.State()
	span.SetAttr(StringAttr("state", string(st)))
	return joinTurnErrors(errs)
}

// aborted reports whether err ends the turn as an abort rather than a failure.
func (s *Session) aborted(ctx context.Context, err error) bool {
	return IsAborted(err) || errors.Is(ctx.Err(), context.Canceled)
}

// execute issues requests until no plugin asks for another one.
func (s *Session) execute(ctx context.Context, hc *HookContext) error {
	for n := 1; ; n++ {
		if s.maxRequests > 0 && n > s.maxRequests {
			return ErrRequestLimit
		}
		again, err := s.request(ctx, hc, n)
		if err != nil || !again {
			return err
		}
		s.logger.Debug("follow-up request", "request", n+1)
	}
}

// request runs one request/stream cycle and its after-request hooks. It
// reports whether a follow-up request was asked for.
func (s *Session) request(ctx context.Context, hc *HookContext, n int) (bool, error) {
	ctx, span := startSpan(ctx, s.tracer, "chatflow.request", IntAttr("request", n))
	defer span.End()

	s.conv.SetState(StateProcessing, ProcessingRequesting)
	body := RequestBody{Messages: hc.Sanitize(s.conv.Messages())}
	if err := s.pipe.beforeRequest(ctx, &BeforeRequestContext{HookContext: hc, Body: &body}); err != nil {
		return false, err
	}
	if err := AbortCause(ctx); err != nil {
		return false, err
	}

	seq, err := s.transport.Stream(ctx, body)
	if err != nil {
		return false, err
	}

	var (
		msg    *Message
		last   *Choice
		chunks int
	)
	for chunk, err := range seq {
		if err != nil {
			return false, err
		}
		chunks++
		first := msg == nil
		if first {
			msg = &Message{Metadata: &Metadata{}}
			s.conv.SetState(StateProcessing, ProcessingStreaming)
		}

		choice := chunk.Choice(0)
		if choice != nil {
			c := *choice
			last = &c
		}
		s.conv.Update(msg, func(m *Message) {
			applyChunkMetadata(m, &chunk)
			if choice != nil {
				m.MergeDelta(choice.Delta)
			}
		})

		s.pipe.chunk(ctx, &ChunkContext{HookContext: hc, Chunk: &chunk, Message: msg})
		if first {
			s.appendMessages(ctx, hc, []*Message{msg})
		}
	}
	span.SetAttr(IntAttr("chunks", chunks), StringAttr("finish_reason", last.Finish()))

	if err := AbortCause(ctx); err != nil {
		return false, err
	}
	if msg == nil {
		s.logger.Warn("stream ended without chunks")
		return false, nil
	}
	if msg.Role == "" {
		s.conv.Update(msg, func(m *Message) { m.Role = RoleAssistant })
	}

	msgs, again, err := s.pipe.afterRequest(ctx, hc, msg, last, func(m []*Message) {
		s.appendImmediate(ctx, hc, m)
	})
	if err != nil {
		return false, err
	}
	s.appendMessages(ctx, hc, msgs)
	return again, nil
}

// appendMessages runs the append pipeline for each message and records it in
// the current turn, and in the list unless a plugin took over placement.
func (s *Session) appendMessages(ctx context.Context, hc *HookContext, msgs []*Message) {
	s.appendMu.Lock()
	defer s.appendMu.Unlock()
	s.appendLocked(ctx, hc, msgs)
}

func (s *Session) appendLocked(ctx context.Context, hc *HookContext, msgs []*Message) {
	for _, m := range msgs {
		prevented := s.pipe.messageAppend(ctx, hc, m)
		s.conv.record(m, !prevented)
	}
}

// appendImmediate appends on behalf of an after-request hook. An aborted
// turn stops waiting for its hooks, so appends that arrive once its context
// is cancelled are dropped.
func (s *Session) appendImmediate(ctx context.Context, hc *HookContext, msgs []*Message) {
	s.appendMu.Lock()
	defer s.appendMu.Unlock()
	if err := AbortCause(ctx); err != nil {
		s.logger.Debug("append after abort dropped", "messages", len(msgs))
		return
	}
	s.appendLocked(ctx, hc, msgs)
}

// drainAppends waits out an immediate append already in flight. Any later
// one sees the cancelled turn context.
func (s *Session) drainAppends() {
	s.appendMu.Lock()
	defer s.appendMu.Unlock()
}

// applyChunkMetadata copies chunk-level fields into the message metadata.
func applyChunkMetadata(m *Message, c *Chunk) {
	if m.Metadata == nil {
		m.Metadata = &Metadata{}
	}
	md := m.Metadata
	if c.Created != 0 {
		md.CreatedAt = c.Created
	}
	md.UpdatedAt = NowUnix()
	if c.ID != "" {
		md.ID = c.ID
	}
	if c.Model != "" {
		md.Model = c.Model
	}
	set := func(k string, v any) {
		if md.Extra == nil {
			md.Extra = make(map[string]any)
		}
		md.Extra[k] = v
	}
	if c.Object != "" {
		set("object", c.Object)
	}
	if c.SystemFingerprint != nil {
		set("system_fingerprint", *c.SystemFingerprint)
	}
	if c.Usage != nil {
		set("usage", *c.Usage)
	}
}
