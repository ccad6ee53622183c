package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
)

// serve runs a server with an in-memory reader/writer over input and returns
// everything it wrote.
func serve(t *testing.T, input string, tools ...ToolHandler) string {
	t.Helper()
	var out bytes.Buffer
	srv := NewServer("test-server", "1.0.0", WithIO(strings.NewReader(input+"\n"), &out))
	for _, h := range tools {
		srv.AddTool(h)
	}
	if err := srv.Serve(context.Background()); err != nil {
		t.Fatalf("Serve: %v", err)
	}
	return out.String()
}

// sendAndReceive writes a JSON-RPC message to a server and returns the response.
func sendAndReceive(t *testing.T, msg string, tools ...ToolHandler) response {
	t.Helper()
	raw := serve(t, msg, tools...)
	var resp response
	if err := json.Unmarshal([]byte(raw), &resp); err != nil {
		t.Fatalf("unmarshal response: %v (raw: %s)", err, raw)
	}
	return resp
}

func decodeResult(t *testing.T, resp response, out any) {
	t.Helper()
	raw, _ := json.Marshal(resp.Result)
	if err := json.Unmarshal(raw, out); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
}

func echoTool() ToolHandler {
	return ToolHandler{
		Definition: ToolDefinition{Name: "echo", Description: "Echo input"},
		Execute: func(_ context.Context, args json.RawMessage) ToolCallResult {
			var params struct {
				Text string `json:"text"`
			}
			json.Unmarshal(args, &params)
			return TextResult("echo: " + params.Text)
		},
	}
}

const initializeMsg = `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-03-26","capabilities":{},"clientInfo":{"name":"test","version":"1.0"}}}`

func TestInitializeHandshake(t *testing.T) {
	resp := sendAndReceive(t, initializeMsg, echoTool())
	if resp.Error != nil {
		t.Fatalf("unexpected error: %v", resp.Error)
	}

	var result initializeResult
	decodeResult(t, resp, &result)

	if result.ProtocolVersion != protocolVersion {
		t.Errorf("protocolVersion = %q, want %q", result.ProtocolVersion, protocolVersion)
	}
	if result.ServerInfo.Name != "test-server" {
		t.Errorf("serverInfo.name = %q, want %q", result.ServerInfo.Name, "test-server")
	}
	if result.Capabilities.Tools == nil {
		t.Error("expected tools capability to be set")
	}
}

func TestInitializeNoTools(t *testing.T) {
	var result initializeResult
	decodeResult(t, sendAndReceive(t, initializeMsg), &result)

	if result.Capabilities.Tools != nil {
		t.Error("expected tools capability to be nil when no tools registered")
	}
}

func TestPing(t *testing.T) {
	resp := sendAndReceive(t, `{"jsonrpc":"2.0","id":42,"method":"ping"}`)

	if resp.Error != nil {
		t.Fatalf("unexpected error: %v", resp.Error)
	}
	if string(resp.ID) != "42" {
		t.Errorf("id = %s, want 42", resp.ID)
	}
}

func TestToolsList(t *testing.T) {
	search := ToolHandler{
		Definition: ToolDefinition{
			Name:        "search_docs",
			Description: "Search documentation",
			InputSchema: map[string]any{
				"type":       "object",
				"properties": map[string]any{"query": map[string]any{"type": "string"}},
				"required":   []string{"query"},
			},
		},
		Execute: func(_ context.Context, _ json.RawMessage) ToolCallResult { return TextResult("ok") },
	}

	var result toolsListResult
	decodeResult(t, sendAndReceive(t, `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`, search, echoTool()), &result)

	if len(result.Tools) != 2 {
		t.Fatalf("got %d tools, want 2", len(result.Tools))
	}
	if result.Tools[0].Name != "search_docs" || result.Tools[1].Name != "echo" {
		t.Errorf("tools = %q, %q; want registration order", result.Tools[0].Name, result.Tools[1].Name)
	}
	if result.NextCursor != "" {
		t.Errorf("nextCursor = %q, want empty", result.NextCursor)
	}
}

func TestToolsCall(t *testing.T) {
	resp := sendAndReceive(t,
		`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"echo","arguments":{"text":"hello"}}}`,
		echoTool())

	var result ToolCallResult
	decodeResult(t, resp, &result)

	if result.IsError {
		t.Error("expected isError=false")
	}
	if got := result.Text(); got != "echo: hello" {
		t.Errorf("text = %q, want %q", got, "echo: hello")
	}
}

func TestToolsCallUnknown(t *testing.T) {
	resp := sendAndReceive(t,
		`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"nonexistent","arguments":{}}}`)

	var result ToolCallResult
	decodeResult(t, resp, &result)

	if !result.IsError {
		t.Error("expected isError=true for unknown tool")
	}
}

func TestToolsCallInvalidParams(t *testing.T) {
	resp := sendAndReceive(t, `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":"nope"}`)

	if resp.Error == nil {
		t.Fatal("expected invalid params error")
	}
	if resp.Error.Code != errCodeInvalidParams {
		t.Errorf("error code = %d, want %d", resp.Error.Code, errCodeInvalidParams)
	}
}

func TestToolsCallPanic(t *testing.T) {
	boom := ToolHandler{
		Definition: ToolDefinition{Name: "boom"},
		Execute:    func(context.Context, json.RawMessage) ToolCallResult { panic("kaboom") },
	}

	resp := sendAndReceive(t,
		`{"jsonrpc":"2.0","id":7,"method":"tools/call","params":{"name":"boom","arguments":{}}}`, boom)

	if resp.Error == nil {
		t.Fatal("expected internal error")
	}
	if resp.Error.Code != errCodeInternal {
		t.Errorf("error code = %d, want %d", resp.Error.Code, errCodeInternal)
	}
	if !strings.Contains(resp.Error.Message, "kaboom") {
		t.Errorf("message = %q, want panic value", resp.Error.Message)
	}
}

func TestUnknownMethod(t *testing.T) {
	resp := sendAndReceive(t, `{"jsonrpc":"2.0","id":1,"method":"unknown/method"}`)

	if resp.Error == nil {
		t.Fatal("expected error for unknown method")
	}
	if resp.Error.Code != errCodeMethodNotFound {
		t.Errorf("error code = %d, want %d", resp.Error.Code, errCodeMethodNotFound)
	}
}

func TestNotificationNoResponse(t *testing.T) {
	for _, msg := range []string{
		`{"jsonrpc":"2.0","method":"notifications/initialized"}`,
		`{"jsonrpc":"2.0","method":"notifications/cancelled","params":{"requestId":"1"}}`,
		`{"jsonrpc":"2.0","method":"notifications/unknown"}`,
	} {
		if out := serve(t, msg); out != "" {
			t.Errorf("expected no output for %s, got: %s", msg, out)
		}
	}
}

func TestBatchRequest(t *testing.T) {
	out := serve(t, `[{"jsonrpc":"2.0","id":1,"method":"ping"},{"jsonrpc":"2.0","method":"notifications/initialized"},{"jsonrpc":"2.0","id":2,"method":"ping"}]`)

	// One line per request; the notification gets none.
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d response lines, want 2", len(lines))
	}

	for i, line := range lines {
		var resp response
		if err := json.Unmarshal([]byte(line), &resp); err != nil {
			t.Fatalf("line %d: unmarshal: %v", i, err)
		}
		if resp.Error != nil {
			t.Errorf("line %d: unexpected error: %v", i, resp.Error)
		}
	}
}

func TestParseError(t *testing.T) {
	resp := sendAndReceive(t, "not-json")

	if resp.Error == nil {
		t.Fatal("expected parse error")
	}
	if resp.Error.Code != errCodeParse {
		t.Errorf("error code = %d, want %d", resp.Error.Code, errCodeParse)
	}
}

func TestServeStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var out bytes.Buffer
	srv := NewServer("test-server", "1.0.0", WithIO(strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"ping"}`+"\n"), &out))
	if err := srv.Serve(ctx); err != context.Canceled {
		t.Fatalf("Serve = %v, want context.Canceled", err)
	}
	if out.Len() != 0 {
		t.Errorf("expected no output after cancel, got: %s", out.String())
	}
}
