package observer

import (
	"context"
	"time"

	"github.com/nevindra/chatflow"
	"github.com/nevindra/chatflow/plugins/toolcall"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// WrapCall returns an instrumented tool call function. For streamed results
// the span stays open until the fragments are drained.
func WrapCall(inner toolcall.CallFunc, inst *Instruments) toolcall.CallFunc {
	return func(ctx context.Context, call chatflow.ToolCall) (toolcall.Result, error) {
		ctx, span := inst.Tracer.Start(ctx, "tool.execute", trace.WithAttributes(
			AttrToolName.String(call.Function.Name),
		))
		start := time.Now()

		res, err := inner(ctx, call)
		if err != nil {
			recordTool(ctx, inst, span, call.Function.Name, start, 0, err)
			return res, err
		}

		seq := res.Fragments()
		return toolcall.Stream(func(yield func(any, error) bool) {
			var (
				n       int
				callErr error
			)
			defer func() { recordTool(ctx, inst, span, call.Function.Name, start, n, callErr) }()
			for frag, err := range seq {
				if err != nil {
					callErr = err
					yield(nil, err)
					return
				}
				n++
				if !yield(frag, nil) {
					return
				}
			}
		}), nil
	}
}

func recordTool(ctx context.Context, inst *Instruments, span trace.Span, name string, start time.Time, fragments int, err error) {
	defer span.End()

	durationMs := float64(time.Since(start).Milliseconds())
	status := "ok"
	switch {
	case err != nil && ctx.Err() != nil:
		status = "cancelled"
		span.SetStatus(codes.Error, "cancelled")
	case err != nil:
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	span.SetAttributes(
		AttrToolStatus.String(status),
		AttrToolFragments.Int(fragments),
	)

	inst.ToolExecutions.Add(ctx, 1, metric.WithAttributes(
		AttrToolName.String(name),
		attribute.String("status", status),
	))
	inst.ToolDuration.Record(ctx, durationMs, metric.WithAttributes(
		AttrToolName.String(name),
	))

	// Structured log
	var rec otellog.Record
	rec.SetSeverity(otellog.SeverityInfo)
	rec.SetBody(otellog.StringValue("tool executed"))
	rec.AddAttributes(
		otellog.String("tool.name", name),
		otellog.String("tool.status", status),
		otellog.Int("tool.fragments", fragments),
		otellog.Float64("tool.duration_ms", durationMs),
	)
	inst.Logger.Emit(ctx, rec)
}
