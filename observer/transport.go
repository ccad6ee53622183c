package observer

import (
	"context"
	"iter"
	"time"

	"github.com/nevindra/chatflow"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// ObservedTransport wraps a chatflow.Transport with OTEL instrumentation.
// The span covers the whole stream, from the request until the consumer
// stops reading.
type ObservedTransport struct {
	inner    chatflow.Transport
	inst     *Instruments
	model    string
	provider string
}

// WrapTransport returns an instrumented transport that emits traces, metrics, and logs.
func WrapTransport(inner chatflow.Transport, provider, model string, inst *Instruments) *ObservedTransport {
	return &ObservedTransport{inner: inner, inst: inst, model: model, provider: provider}
}

func (o *ObservedTransport) Stream(ctx context.Context, body chatflow.RequestBody) (iter.Seq2[chatflow.Chunk, error], error) {
	ctx, span := o.inst.Tracer.Start(ctx, "llm.stream", trace.WithAttributes(
		AttrLLMModel.String(o.model),
		AttrLLMProvider.String(o.provider),
		AttrMessageCount.Int(len(body.Messages)),
		AttrToolCount.Int(len(body.Tools)),
	))
	start := time.Now()

	seq, err := o.inner.Stream(ctx, body)
	if err != nil {
		o.finish(ctx, span, start, 0, "", err)
		return nil, err
	}

	return func(yield func(chatflow.Chunk, error) bool) {
		var (
			chunks    int
			finish    string
			streamErr error
		)
		defer func() { o.finish(ctx, span, start, chunks, finish, streamErr) }()

		for chunk, err := range seq {
			if err != nil {
				streamErr = err
				yield(chunk, err)
				return
			}
			chunks++
			if c := chunk.Choice(0); c != nil && c.Finish() != "" {
				finish = c.Finish()
			}
			if !yield(chunk, nil) {
				return
			}
		}
	}, nil
}

func (o *ObservedTransport) finish(ctx context.Context, span trace.Span, start time.Time, chunks int, finish string, err error) {
	defer span.End()

	durationMs := float64(time.Since(start).Milliseconds())
	status := "ok"
	switch {
	case chatflow.IsAborted(err):
		status = "aborted"
	case err != nil:
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	span.SetAttributes(
		AttrStreamChunks.Int(chunks),
		AttrFinishReason.String(finish),
	)

	o.inst.LLMRequests.Add(ctx, 1, metric.WithAttributes(
		AttrLLMModel.String(o.model),
		AttrLLMProvider.String(o.provider),
		attribute.String("status", status),
	))
	o.inst.LLMDuration.Record(ctx, durationMs, metric.WithAttributes(
		AttrLLMModel.String(o.model),
		AttrLLMProvider.String(o.provider),
	))

	// Structured log
	var rec otellog.Record
	rec.SetSeverity(otellog.SeverityInfo)
	rec.SetBody(otellog.StringValue("llm stream completed"))
	rec.AddAttributes(
		otellog.String("llm.model", o.model),
		otellog.String("llm.provider", o.provider),
		otellog.Int("llm.stream_chunks", chunks),
		otellog.String("llm.finish_reason", finish),
		otellog.Float64("llm.duration_ms", durationMs),
		otellog.String("status", status),
	)
	o.inst.Logger.Emit(ctx, rec)
}

// compile-time check
var _ chatflow.Transport = (*ObservedTransport)(nil)
