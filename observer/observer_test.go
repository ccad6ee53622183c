package observer

import (
	"context"
	"errors"
	"testing"

	"github.com/nevindra/chatflow"
	"github.com/nevindra/chatflow/chatflowtest"
	"github.com/nevindra/chatflow/plugins/toolcall"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/log/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// ---------------------------------------------------------------------------
// Test harness
// ---------------------------------------------------------------------------

type harness struct {
	inst   *Instruments
	reader *sdkmetric.ManualReader
	spans  *tracetest.SpanRecorder
	tp     *sdktrace.TracerProvider
}

// newHarness builds instruments over in-memory metric and span recorders.
func newHarness(t *testing.T) *harness {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	spans := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spans))
	inst, err := NewInstruments(tp, mp, noop.NewLoggerProvider(), nil)
	if err != nil {
		t.Fatalf("NewInstruments: %v", err)
	}
	return &harness{inst: inst, reader: reader, spans: spans, tp: tp}
}

// sum returns the total of an int64 counter, optionally restricted to data
// points carrying attr.
func (h *harness) sum(t *testing.T, name string, attr ...attribute.KeyValue) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := h.reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			data, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("%s is %T, want int64 sum", name, m.Data)
			}
			for _, dp := range data.DataPoints {
				if matches(dp.Attributes, attr) {
					total += dp.Value
				}
			}
		}
	}
	return total
}

func matches(set attribute.Set, want []attribute.KeyValue) bool {
	for _, kv := range want {
		v, ok := set.Value(kv.Key)
		if !ok || v != kv.Value {
			return false
		}
	}
	return true
}

func (h *harness) span(t *testing.T, name string) sdktrace.ReadOnlySpan {
	t.Helper()
	for _, s := range h.spans.Ended() {
		if s.Name() == name {
			return s
		}
	}
	t.Fatalf("no ended span %q", name)
	return nil
}

func usageChunk(in, out int) chatflow.Chunk {
	c := chatflowtest.Finish(chatflow.FinishStop)
	c.Usage = &chatflow.Usage{PromptTokens: in, CompletionTokens: out, TotalTokens: in + out}
	return c
}

// ---------------------------------------------------------------------------
// Tracer
// ---------------------------------------------------------------------------

func TestTracerSpans(t *testing.T) {
	h := newHarness(t)
	tr := &otelTracer{inner: h.tp.Tracer(scopeName)}

	_, span := tr.Start(context.Background(), "chatflow.turn", chatflow.IntAttr("plugins", 2))
	span.SetAttr(chatflow.StringAttr("state", "completed"), chatflow.BoolAttr("retried", true))
	span.Event("chunk", chatflow.IntAttr("n", 1))
	span.Error(errors.New("boom"))
	span.End()

	got := h.span(t, "chatflow.turn")
	attrs := attribute.NewSet(got.Attributes()...)
	if v, _ := attrs.Value("plugins"); v.AsInt64() != 2 {
		t.Errorf("plugins = %v", v)
	}
	if v, _ := attrs.Value("state"); v.AsString() != "completed" {
		t.Errorf("state = %v", v)
	}
	if v, _ := attrs.Value("retried"); !v.AsBool() {
		t.Errorf("retried = %v", v)
	}
	if got.Status().Code != codes.Error || got.Status().Description != "boom" {
		t.Errorf("status = %+v", got.Status())
	}
	if len(got.Events()) < 1 || got.Events()[0].Name != "chunk" {
		t.Errorf("events = %+v", got.Events())
	}
}

func TestToOTELAttr(t *testing.T) {
	tests := []struct {
		in   chatflow.SpanAttr
		want attribute.KeyValue
	}{
		{chatflow.SpanAttr{Key: "s", Value: "x"}, attribute.String("s", "x")},
		{chatflow.SpanAttr{Key: "i", Value: 3}, attribute.Int("i", 3)},
		{chatflow.SpanAttr{Key: "i64", Value: int64(4)}, attribute.Int64("i64", 4)},
		{chatflow.SpanAttr{Key: "f", Value: 1.5}, attribute.Float64("f", 1.5)},
		{chatflow.SpanAttr{Key: "b", Value: true}, attribute.Bool("b", true)},
		{chatflow.SpanAttr{Key: "other", Value: []int{1}}, attribute.String("other", "[1]")},
	}
	for _, tt := range tests {
		if got := toOTELAttr(tt.in); got != tt.want {
			t.Errorf("toOTELAttr(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

// ---------------------------------------------------------------------------
// Session plugin
// ---------------------------------------------------------------------------

func TestPluginRecordsTurnAndTokens(t *testing.T) {
	h := newHarness(t)
	tr := chatflowtest.NewTransport(chatflowtest.Script{Chunks: []chatflow.Chunk{
		chatflowtest.Role(),
		chatflowtest.Text("hi"),
		usageChunk(12, 3),
	}})
	s := chatflow.New(tr, chatflow.WithPlugins(NewPlugin(h.inst)))

	if err := s.SendMessage(context.Background(), "hello"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got := h.sum(t, "chatflow.turns", AttrTurnState.String("completed")); got != 1 {
		t.Errorf("completed turns = %d, want 1", got)
	}
	if got := h.sum(t, "llm.stream.chunks"); got != 3 {
		t.Errorf("chunks = %d, want 3", got)
	}
	if got := h.sum(t, "llm.token.usage", attribute.String("direction", "input")); got != 12 {
		t.Errorf("input tokens = %d, want 12", got)
	}
	if got := h.sum(t, "llm.token.usage", attribute.String("direction", "output")); got != 3 {
		t.Errorf("output tokens = %d, want 3", got)
	}
}

func TestPluginRecordsFailedTurn(t *testing.T) {
	h := newHarness(t)
	tr := chatflowtest.NewTransport(chatflowtest.Script{Err: &chatflow.ErrHTTP{Status: 502}})
	s := chatflow.New(tr, chatflow.WithPlugins(NewPlugin(h.inst)))

	if err := s.SendMessage(context.Background(), "hello"); err == nil {
		t.Fatal("expected error")
	}
	if got := h.sum(t, "chatflow.turns", AttrTurnState.String("error")); got != 1 {
		t.Errorf("error turns = %d, want 1", got)
	}
}

// ---------------------------------------------------------------------------
// ObservedTransport
// ---------------------------------------------------------------------------

func TestObservedTransportPassesChunks(t *testing.T) {
	h := newHarness(t)
	inner := chatflowtest.NewTransport(chatflowtest.Script{Chunks: chatflowtest.Reply("ok")})
	ot := WrapTransport(inner, "test", "test-model", h.inst)

	seq, err := ot.Stream(context.Background(), chatflow.RequestBody{
		Messages: []chatflow.Message{chatflow.UserMessage("hi")},
	})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	var n int
	for _, err := range seq {
		if err != nil {
			t.Fatalf("stream error: %v", err)
		}
		n++
	}
	if n != 3 {
		t.Errorf("got %d chunks, want 3", n)
	}
	if inner.Calls() != 1 {
		t.Errorf("inner calls = %d", inner.Calls())
	}

	span := h.span(t, "llm.stream")
	attrs := attribute.NewSet(span.Attributes()...)
	if v, _ := attrs.Value(AttrStreamChunks); v.AsInt64() != 3 {
		t.Errorf("span chunks = %v", v)
	}
	if v, _ := attrs.Value(AttrFinishReason); v.AsString() != chatflow.FinishStop {
		t.Errorf("finish reason = %v", v)
	}
	if got := h.sum(t, "llm.requests", attribute.String("status", "ok")); got != 1 {
		t.Errorf("ok requests = %d, want 1", got)
	}
}

func TestObservedTransportOpenError(t *testing.T) {
	h := newHarness(t)
	wantErr := &chatflow.ErrHTTP{Status: 401, Body: "bad key"}
	inner := chatflowtest.NewTransport(chatflowtest.Script{Err: wantErr})
	ot := WrapTransport(inner, "test", "m", h.inst)

	_, err := ot.Stream(context.Background(), chatflow.RequestBody{})
	if !errors.Is(err, wantErr) {
		t.Fatalf("err = %v, want %v", err, wantErr)
	}
	if got := h.span(t, "llm.stream").Status().Code; got != codes.Error {
		t.Errorf("span status = %v, want error", got)
	}
	if got := h.sum(t, "llm.requests", attribute.String("status", "error")); got != 1 {
		t.Errorf("error requests = %d, want 1", got)
	}
}

func TestObservedTransportInSession(t *testing.T) {
	h := newHarness(t)
	inner := chatflowtest.NewTransport(chatflowtest.Script{
		Chunks:    []chatflow.Chunk{chatflowtest.Role(), chatflowtest.Text("par")},
		StreamErr: errors.New("reset"),
	})
	s := chatflow.New(WrapTransport(inner, "test", "m", h.inst))

	if err := s.SendMessage(context.Background(), "hi"); err == nil {
		t.Fatal("expected stream error")
	}
	if got := h.sum(t, "llm.requests", attribute.String("status", "error")); got != 1 {
		t.Errorf("error requests = %d, want 1", got)
	}
}

// ---------------------------------------------------------------------------
// WrapCall
// ---------------------------------------------------------------------------

func drain(t *testing.T, res toolcall.Result) ([]any, error) {
	t.Helper()
	var out []any
	for frag, err := range res.Fragments() {
		if err != nil {
			return out, err
		}
		out = append(out, frag)
	}
	return out, nil
}

func TestWrapCallSingle(t *testing.T) {
	h := newHarness(t)
	call := WrapCall(func(context.Context, chatflow.ToolCall) (toolcall.Result, error) {
		return toolcall.Single("result data"), nil
	}, h.inst)

	res, err := call(context.Background(), chatflow.ToolCall{Function: chatflow.FunctionCall{Name: "search"}})
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	frags, err := drain(t, res)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if len(frags) != 1 || frags[0] != "result data" {
		t.Errorf("fragments = %v", frags)
	}
	if got := h.sum(t, "tool.executions", AttrToolName.String("search"), attribute.String("status", "ok")); got != 1 {
		t.Errorf("ok executions = %d, want 1", got)
	}
}

func TestWrapCallError(t *testing.T) {
	h := newHarness(t)
	wantErr := errors.New("tool broken")
	call := WrapCall(func(context.Context, chatflow.ToolCall) (toolcall.Result, error) {
		return toolcall.Result{}, wantErr
	}, h.inst)

	_, err := call(context.Background(), chatflow.ToolCall{Function: chatflow.FunctionCall{Name: "search"}})
	if !errors.Is(err, wantErr) {
		t.Errorf("err = %v, want %v", err, wantErr)
	}
	if got := h.sum(t, "tool.executions", attribute.String("status", "error")); got != 1 {
		t.Errorf("error executions = %d, want 1", got)
	}
}

func TestWrapCallStreamError(t *testing.T) {
	h := newHarness(t)
	wantErr := errors.New("pipe broke")
	call := WrapCall(func(context.Context, chatflow.ToolCall) (toolcall.Result, error) {
		return toolcall.Stream(func(yield func(any, error) bool) {
			if yield("a", nil) {
				yield(nil, wantErr)
			}
		}), nil
	}, h.inst)

	res, err := call(context.Background(), chatflow.ToolCall{Function: chatflow.FunctionCall{Name: "tail"}})
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	frags, err := drain(t, res)
	if !errors.Is(err, wantErr) || len(frags) != 1 {
		t.Errorf("frags = %v, err = %v", frags, err)
	}
	span := h.span(t, "tool.execute")
	attrs := attribute.NewSet(span.Attributes()...)
	if v, _ := attrs.Value(AttrToolFragments); v.AsInt64() != 1 {
		t.Errorf("fragments attr = %v", v)
	}
	if v, _ := attrs.Value(AttrToolStatus); v.AsString() != "error" {
		t.Errorf("status attr = %v", v)
	}
}

func TestWrapCallWithPlugin(t *testing.T) {
	h := newHarness(t)
	tr := chatflowtest.NewTransport(
		chatflowtest.Script{Chunks: []chatflow.Chunk{
			chatflowtest.Role(),
			chatflowtest.Call(0, "call_1", "clock", `{}`),
			chatflowtest.Finish(chatflow.FinishToolCalls),
		}},
		chatflowtest.Script{Chunks: chatflowtest.Reply("It is noon.")},
	)
	call := WrapCall(func(context.Context, chatflow.ToolCall) (toolcall.Result, error) {
		return toolcall.Single("12:00"), nil
	}, h.inst)
	s := chatflow.New(tr, chatflow.WithPlugins(NewPlugin(h.inst), toolcall.New(call)))

	if err := s.SendMessage(context.Background(), "time?"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := s.Messages()[2].Content; got != "12:00" {
		t.Errorf("tool content = %q", got)
	}
	if got := h.sum(t, "tool.executions", AttrToolName.String("clock")); got != 1 {
		t.Errorf("clock executions = %d, want 1", got)
	}
}
