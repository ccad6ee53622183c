// Package toolcall executes the tool calls a model asks for and feeds the
// results back into the conversation.
//
// When a response finishes with reason "tool_calls", every call runs on its
// own goroutine. Each call gets a tool message as soon as it starts (status
// "running"), its result streams into that message, and the message ends as
// success, failed or cancelled. Once every call settled, one follow-up
// request carries the results to the model.
package toolcall

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"

	"github.com/kaptinlin/jsonrepair"
	"golang.org/x/sync/errgroup"

	"github.com/nevindra/chatflow"
)

// Plugin is the tool invocation plugin.
type Plugin struct {
	call CallFunc
	cfg  config
}

// New returns a tool plugin executing calls with call.
func New(call CallFunc, opts ...Option) *Plugin {
	cfg := config{
		cancelled:  DefaultCancelledContent,
		failed:     DefaultFailedContent,
		autoRepair: true,
		eager:      true,
		repairArgs: true,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = slog.New(slog.DiscardHandler)
	}
	return &Plugin{call: call, cfg: cfg}
}

func (p *Plugin) Name() string { return "tool" }

// OnTurnStart answers tool calls left open by an earlier turn and applies the
// exclusion policy to the exchanges of earlier turns.
func (p *Plugin) OnTurnStart(_ context.Context, hc *chatflow.HookContext) (chatflow.CleanupFunc, error) {
	if p.cfg.autoRepair {
		if n := p.repair(hc.Conversation); n > 0 {
			p.cfg.logger.Info("answered open tool calls", "count", n)
		}
	}
	switch p.cfg.exclude {
	case ExcludeRemove:
		hc.Conversation.RemoveFunc(func(m *chatflow.Message) bool {
			return m.Exclusion != chatflow.ExclusionNone
		})
	case ExcludeFilter:
		hc.Conversation.Each(func(m *chatflow.Message) {
			if m.Exclusion == chatflow.ExcludedNextTurn {
				m.Exclusion = chatflow.Excluded
			}
		})
	}
	return nil, nil
}

// repair inserts a cancelled tool message for every tool call that has no
// later tool message answering it. The inserted messages follow the
// exchange they complete, in tool call order. It returns the number of
// inserted messages.
func (p *Plugin) repair(conv *chatflow.Conversation) int {
	type insertion struct {
		after *chatflow.Message
		msgs  []*chatflow.Message
	}
	var (
		inserts []insertion
		total   int
	)
	msgs := conv.Messages()
	for i, m := range msgs {
		if m.Role != chatflow.RoleAssistant || len(m.ToolCalls) == 0 {
			continue
		}
		answered := make(map[string]bool)
		for _, later := range msgs[i+1:] {
			if later.Role == chatflow.RoleTool {
				answered[later.ToolCallID] = true
			}
		}

		var missing []*chatflow.Message
		for _, id := range m.ToolCallIDs() {
			if answered[id] {
				continue
			}
			tm := newToolMessage(id, m.Exclusion)
			tm.Content = p.cfg.cancelled
			tm.Status = chatflow.ToolCancelled
			missing = append(missing, tm)
		}
		if len(missing) == 0 {
			continue
		}

		anchor := m
		for _, next := range msgs[i+1:] {
			if next.Role != chatflow.RoleTool {
				break
			}
			anchor = next
		}
		inserts = append(inserts, insertion{after: anchor, msgs: missing})
		total += len(missing)
	}
	for _, ins := range inserts {
		conv.InsertAfter(ins.after, ins.msgs...)
	}
	return total
}

// OnBeforeRequest advertises the tool schemas and, under ExcludeFilter,
// leaves excluded messages out of the request.
func (p *Plugin) OnBeforeRequest(ctx context.Context, rc *chatflow.BeforeRequestContext) error {
	if p.cfg.list != nil {
		tools, err := p.cfg.list(ctx)
		if err != nil {
			return fmt.Errorf("list tools: %w", err)
		}
		rc.Body.Tools = append(rc.Body.Tools, tools...)
	}
	if p.cfg.exclude == ExcludeFilter {
		msgs := slices.DeleteFunc(rc.Conversation.Messages(), func(m *chatflow.Message) bool {
			return m.Exclusion == chatflow.Excluded
		})
		rc.SetRequestMessages(msgs)
	}
	return nil
}

// OnAfterRequest runs the tool calls of a response finished with reason
// "tool_calls".
func (p *Plugin) OnAfterRequest(ctx context.Context, ac *chatflow.AfterRequestContext) error {
	if ac.LastChoice.Finish() != chatflow.FinishToolCalls || len(ac.Message.ToolCalls) == 0 {
		return nil
	}
	calls := slices.Clone(ac.Message.ToolCalls)

	mark := chatflow.ExclusionNone
	if p.cfg.exclude != ExcludeNone {
		mark = chatflow.ExcludedNextTurn
		ac.Conversation.Update(ac.Message, func(m *chatflow.Message) { m.Exclusion = mark })
	}

	ac.SetState(chatflow.StateProcessing, chatflow.ProcessingCallingTools)
	if p.cfg.before != nil {
		if err := p.cfg.before(ctx, calls); err != nil {
			return fmt.Errorf("before call tools: %w", err)
		}
	}
	// an aborted turn starts no tools; the next turn answers the calls
	if err := chatflow.AbortCause(ctx); err != nil {
		return err
	}

	toolMsgs := make([]*chatflow.Message, len(calls))
	for i, c := range calls {
		tm := newToolMessage(c.ID, mark)
		tm.Status = chatflow.ToolRunning
		tm.Metadata.Extra = map[string]any{"tool": c.Function.Name}
		toolMsgs[i] = tm
	}
	if p.cfg.eager {
		ac.Append(toolMsgs, chatflow.Immediate())
	}

	var g errgroup.Group
	if p.cfg.maxParallel > 0 {
		g.SetLimit(p.cfg.maxParallel)
	}
	for i := range calls {
		g.Go(func() error {
			p.run(ctx, ac.Conversation, calls[i], toolMsgs[i])
			return nil
		})
	}
	g.Wait()

	if p.cfg.eager {
		ac.Append(nil, chatflow.FollowUp())
	} else {
		ac.Append(toolMsgs, chatflow.FollowUp())
	}
	return nil
}

// run executes one call and settles its tool message.
func (p *Plugin) run(ctx context.Context, conv *chatflow.Conversation, call chatflow.ToolCall, msg *chatflow.Message) {
	var span chatflow.Span
	if p.cfg.tracer != nil {
		ctx, span = p.cfg.tracer.Start(ctx, "chatflow.tool",
			chatflow.StringAttr("tool.name", call.Function.Name),
			chatflow.StringAttr("tool.call_id", call.ID))
		defer span.End()
	}

	err := chatflow.AbortCause(ctx)
	if err == nil {
		err = p.invoke(ctx, call, func(frag any) error {
			var mergeErr error
			conv.Update(msg, func(m *chatflow.Message) {
				mergeErr = mergeFragment(m, frag)
				chatflow.Touch(m)
			})
			return mergeErr
		})
	}

	// any outcome seen after cancellation is attributed to the cancellation
	status := chatflow.ToolSuccess
	fallback := ""
	switch {
	case ctx.Err() != nil:
		status, fallback = chatflow.ToolCancelled, p.cfg.cancelled
	case err != nil:
		status, fallback = chatflow.ToolFailed, p.cfg.failed
	}
	if err != nil {
		p.cfg.logger.Warn("tool call failed",
			"tool", call.Function.Name,
			"call_id", call.ID,
			"status", status,
			"error", err)
		if span != nil {
			span.Error(err)
		}
	}
	if span != nil {
		span.SetAttr(chatflow.StringAttr("tool.status", string(status)))
	}

	conv.Update(msg, func(m *chatflow.Message) {
		m.Status = status
		if status != chatflow.ToolSuccess && m.Content == "" {
			m.Content = fallback
		}
		chatflow.Touch(m)
	})
}

// invoke calls the tool and feeds every fragment to emit. Panics become
// errors.
func (p *Plugin) invoke(ctx context.Context, call chatflow.ToolCall, emit func(any) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tool %q panic: %v", call.Function.Name, r)
		}
	}()
	if p.cfg.repairArgs {
		call.Function.Arguments = repairArguments(call.Function.Arguments)
	}
	res, err := p.call(ctx, call)
	if err != nil {
		return err
	}
	for frag, err := range res.Fragments() {
		if err != nil {
			return err
		}
		if err := emit(frag); err != nil {
			return err
		}
	}
	return nil
}

// repairArguments returns args unchanged when valid, "{}" when empty, and the
// repaired text when jsonrepair can fix it.
func repairArguments(args string) string {
	if args == "" {
		return "{}"
	}
	if json.Valid([]byte(args)) {
		return args
	}
	fixed, err := jsonrepair.JSONRepair(args)
	if err != nil {
		return args
	}
	return fixed
}

func newToolMessage(callID string, exclusion chatflow.ExclusionState) *chatflow.Message {
	m := &chatflow.Message{
		Role:       chatflow.RoleTool,
		ToolCallID: callID,
		Exclusion:  exclusion,
		Metadata:   &chatflow.Metadata{ID: chatflow.NewID()},
	}
	chatflow.Touch(m)
	return m
}

// compile-time checks
var (
	_ chatflow.TurnStarter     = (*Plugin)(nil)
	_ chatflow.BeforeRequester = (*Plugin)(nil)
	_ chatflow.AfterRequester  = (*Plugin)(nil)
)
