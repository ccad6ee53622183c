package chatflow

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"golang.org/x/sync/errgroup"
)

// pipeline runs the registered plugins at each lifecycle phase. Plugins are
// type-asserted per phase, so a plugin only takes part in the phases whose
// interface it implements.
type pipeline struct {
	plugins []Plugin
	logger  *slog.Logger
}

// turnStart runs every TurnStarter in order and returns the collected
// cleanups, last registered first. On error the cleanups gathered so far are
// still returned so the caller can run them.
func (p *pipeline) turnStart(ctx context.Context, hc *HookContext) ([]CleanupFunc, error) {
	var cleanups []CleanupFunc
	for _, pl := range p.plugins {
		ts, ok := pl.(TurnStarter)
		if !ok {
			continue
		}
		cleanup, err := ts.OnTurnStart(ctx, hc)
		if cleanup != nil {
			cleanups = slices.Insert(cleanups, 0, cleanup)
		}
		if err != nil {
			return cleanups, fmt.Errorf("%s: turn start: %w", pl.Name(), err)
		}
	}
	return cleanups, nil
}

// cleanup runs every cleanup even when some fail and returns the failures in
// run order. A panicking cleanup is reported as an error.
func (p *pipeline) cleanup(ctx context.Context, hc *HookContext, cleanups []CleanupFunc) []error {
	var errs []error
	for _, fn := range cleanups {
		if err := safeCleanup(ctx, hc, fn); err != nil {
			p.logger.Warn("turn cleanup failed", "error", err)
			errs = append(errs, err)
		}
	}
	return errs
}

func safeCleanup(ctx context.Context, hc *HookContext, fn CleanupFunc) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("cleanup panic: %v", r)
		}
	}()
	return fn(ctx, hc)
}

func (p *pipeline) turnEnd(ctx context.Context, hc *HookContext) error {
	for _, pl := range p.plugins {
		if te, ok := pl.(TurnEnder); ok {
			if err := te.OnTurnEnd(ctx, hc); err != nil {
				return fmt.Errorf("%s: turn end: %w", pl.Name(), err)
			}
		}
	}
	return nil
}

func (p *pipeline) beforeRequest(ctx context.Context, rc *BeforeRequestContext) error {
	for _, pl := range p.plugins {
		if br, ok := pl.(BeforeRequester); ok {
			if err := br.OnBeforeRequest(ctx, rc); err != nil {
				return fmt.Errorf("%s: before request: %w", pl.Name(), err)
			}
		}
	}
	return nil
}

func (p *pipeline) chunk(ctx context.Context, cc *ChunkContext) {
	for _, pl := range p.plugins {
		if co, ok := pl.(ChunkObserver); ok {
			co.OnChunk(ctx, cc)
		}
	}
}

// messageAppend runs every MessageAppender for msg and reports whether any
// of them took over placement.
func (p *pipeline) messageAppend(ctx context.Context, hc *HookContext, msg *Message) bool {
	ac := &AppendContext{HookContext: hc, Message: msg}
	for _, pl := range p.plugins {
		if ma, ok := pl.(MessageAppender); ok {
			ma.OnMessageAppend(ctx, ac)
		}
	}
	return ac.prevented
}

// afterRequest runs every AfterRequester concurrently and merges the
// deferred batches. immediate receives the batches appended with Immediate;
// it is called from plugin goroutines and must serialize itself.
//
// The wait is abortable: on cancellation the abort error is returned at once
// and batches are discarded.
func (p *pipeline) afterRequest(ctx context.Context, hc *HookContext, msg *Message, last *Choice, immediate func([]*Message)) ([]*Message, bool, error) {
	col := &batchCollector{immediate: immediate}

	var hooks []func() error
	for i, pl := range p.plugins {
		ar, ok := pl.(AfterRequester)
		if !ok {
			continue
		}
		ac := &AfterRequestContext{
			HookContext: hc,
			Message:     msg,
			LastChoice:  last,
			index:       i,
			collector:   col,
		}
		hooks = append(hooks, func() error {
			if err := safeAfterRequest(ctx, ar, ac); err != nil {
				return fmt.Errorf("%s: after request: %w", pl.Name(), err)
			}
			return nil
		})
	}
	if len(hooks) == 0 {
		return nil, false, nil
	}

	err := Wait(ctx, func(context.Context) error {
		var g errgroup.Group
		for _, h := range hooks {
			g.Go(h)
		}
		return g.Wait()
	})
	if err != nil {
		return nil, false, err
	}
	msgs, request := col.merge()
	return msgs, request, nil
}

func safeAfterRequest(ctx context.Context, ar AfterRequester, ac *AfterRequestContext) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return ar.OnAfterRequest(ctx, ac)
}

// batch is one deferred Append call.
type batch struct {
	msgs     []*Message
	priority int
	plugin   int
	seq      int
}

// batchCollector gathers the appends of one after-request cycle.
type batchCollector struct {
	mu        sync.Mutex
	batches   []batch
	request   bool
	immediate func([]*Message)
}

func (c *batchCollector) add(plugin int, msgs []*Message, o appendOptions) {
	if o.immediate && len(msgs) > 0 && c.immediate != nil {
		c.immediate(msgs)
		msgs = nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if o.request {
		c.request = true
	}
	if len(msgs) == 0 {
		return
	}
	c.batches = append(c.batches, batch{
		msgs:     msgs,
		priority: o.priority,
		plugin:   plugin,
		seq:      len(c.batches),
	})
}

// merge orders batches by priority (descending), then plugin registration
// order, then call order, and flattens them.
func (c *batchCollector) merge() ([]*Message, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	slices.SortFunc(c.batches, func(a, b batch) int {
		return cmp.Or(
			cmp.Compare(b.priority, a.priority),
			cmp.Compare(a.plugin, b.plugin),
			cmp.Compare(a.seq, b.seq),
		)
	})
	var out []*Message
	for _, b := range c.batches {
		out = append(out, b.msgs...)
	}
	return out, c.request
}
