package observer

import (
	"context"
	"time"

	"github.com/nevindra/chatflow"

	"go.opentelemetry.io/otel/attribute"
	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/metric"
)

// Plugin records turn, chunk and token metrics from the session hook
// pipeline. Register it first so its turn cleanup runs last.
type Plugin struct {
	inst *Instruments
}

// NewPlugin returns a session plugin recording into inst.
func NewPlugin(inst *Instruments) *Plugin {
	return &Plugin{inst: inst}
}

func (p *Plugin) Name() string { return "observer" }

// OnTurnStart starts the turn clock. The returned cleanup records the turn
// with the state it ended in.
func (p *Plugin) OnTurnStart(context.Context, *chatflow.HookContext) (chatflow.CleanupFunc, error) {
	start := time.Now()
	return func(ctx context.Context, hc *chatflow.HookContext) error {
		p.recordTurn(ctx, hc, start)
		return nil
	}, nil
}

func (p *Plugin) recordTurn(ctx context.Context, hc *chatflow.HookContext, start time.Time) {
	state, _ := hc.Conversation.State()
	durationMs := float64(time.Since(start).Milliseconds())
	turn := hc.Conversation.CurrentTurn()

	p.inst.Turns.Add(ctx, 1, metric.WithAttributes(
		AttrTurnState.String(string(state)),
	))
	p.inst.TurnDuration.Record(ctx, durationMs, metric.WithAttributes(
		AttrTurnState.String(string(state)),
	))

	// Structured log
	var rec otellog.Record
	rec.SetSeverity(otellog.SeverityInfo)
	rec.SetBody(otellog.StringValue("turn completed"))
	rec.AddAttributes(
		otellog.String("turn.state", string(state)),
		otellog.Int("turn.messages", len(turn)),
		otellog.Int("turn.plugins", len(hc.Plugins)),
		otellog.Float64("duration_ms", durationMs),
	)
	p.inst.Logger.Emit(ctx, rec)
}

// OnChunk counts chunks and records token usage and cost when a chunk
// carries usage, normally the last one of a stream.
func (p *Plugin) OnChunk(ctx context.Context, cc *chatflow.ChunkContext) {
	c := cc.Chunk
	p.inst.StreamChunks.Add(ctx, 1, metric.WithAttributes(AttrLLMModel.String(c.Model)))
	if c.Usage == nil {
		return
	}

	in, out := c.Usage.PromptTokens, c.Usage.CompletionTokens
	p.inst.TokenUsage.Add(ctx, int64(in), metric.WithAttributes(
		AttrLLMModel.String(c.Model),
		attribute.String("direction", "input"),
	))
	p.inst.TokenUsage.Add(ctx, int64(out), metric.WithAttributes(
		AttrLLMModel.String(c.Model),
		attribute.String("direction", "output"),
	))
	p.inst.CostTotal.Add(ctx, p.inst.Cost.Calculate(c.Model, *c.Usage), metric.WithAttributes(
		AttrLLMModel.String(c.Model),
	))
}

// compile-time checks
var (
	_ chatflow.TurnStarter   = (*Plugin)(nil)
	_ chatflow.ChunkObserver = (*Plugin)(nil)
)
