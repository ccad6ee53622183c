package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os/exec"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/nevindra/chatflow"
	"github.com/nevindra/chatflow/plugins/toolcall"
)

// ErrClosed is returned by calls on a client whose connection ended.
var ErrClosed = errors.New("mcp: connection closed")

// ToolError is a tool result the server flagged with isError.
type ToolError struct {
	Tool    string
	Message string
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("mcp: tool %q failed: %s", e.Tool, e.Message)
}

// conn moves JSON-RPC messages between a Client and a server.
type conn interface {
	call(ctx context.Context, req request) (incoming, error)
	notify(ctx context.Context, req request) error
	close() error
}

// ClientOption configures a Client.
type ClientOption func(*clientConfig)

type clientConfig struct {
	info       Implementation
	logger     *slog.Logger
	httpClient *http.Client
	headers    map[string]string
	stderr     io.Writer
}

// WithClientInfo sets the name and version sent in initialize.
func WithClientInfo(name, version string) ClientOption {
	return func(c *clientConfig) { c.info = Implementation{Name: name, Version: version} }
}

// WithClientLogger sets the client logger.
func WithClientLogger(l *slog.Logger) ClientOption {
	return func(c *clientConfig) { c.logger = l }
}

// WithHTTPClient sets the HTTP client of an HTTP connection.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *clientConfig) { c.httpClient = hc }
}

// WithHeader adds a header to every HTTP request.
func WithHeader(key, value string) ClientOption {
	return func(c *clientConfig) {
		if c.headers == nil {
			c.headers = make(map[string]string)
		}
		c.headers[key] = value
	}
}

// WithStderr forwards the stderr of a server started with StartProcess.
func WithStderr(w io.Writer) ClientOption {
	return func(c *clientConfig) { c.stderr = w }
}

func newClientConfig(opts []ClientOption) clientConfig {
	c := clientConfig{info: Implementation{Name: "chatflow", Version: "0.1.0"}}
	for _, opt := range opts {
		opt(&c)
	}
	if c.logger == nil {
		c.logger = slog.New(slog.DiscardHandler)
	}
	if c.httpClient == nil {
		c.httpClient = http.DefaultClient
	}
	return c
}

// Client consumes the tools of an MCP server. Call Initialize first.
// Methods are safe for concurrent use.
type Client struct {
	conn   conn
	info   Implementation
	logger *slog.Logger
	nextID atomic.Int64

	mu     sync.Mutex
	server Implementation
	tools  []chatflow.Tool
}

// NewClient returns a client speaking newline-delimited JSON-RPC over r and
// w, such as the pipes of a subprocess.
func NewClient(r io.Reader, w io.Writer, opts ...ClientOption) *Client {
	cfg := newClientConfig(opts)
	c := &Client{info: cfg.info, logger: cfg.logger}
	c.conn = newStdioConn(r, w, nil, cfg.logger, c.handleNotification)
	return c
}

// NewHTTPClient returns a client for a streamable HTTP endpoint, usually
// ending in /mcp.
func NewHTTPClient(url string, opts ...ClientOption) *Client {
	cfg := newClientConfig(opts)
	return &Client{
		conn:   &httpConn{url: url, client: cfg.httpClient, headers: cfg.headers, logger: cfg.logger},
		info:   cfg.info,
		logger: cfg.logger,
	}
}

// StartProcess starts an MCP server subprocess and connects to its stdio.
// The process is killed when ctx is cancelled; Close ends it gracefully by
// closing its stdin.
func StartProcess(ctx context.Context, command string, args []string, opts ...ClientOption) (*Client, error) {
	cfg := newClientConfig(opts)
	cmd := exec.CommandContext(ctx, command, args...)
	cmd.Stderr = cfg.stderr
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("mcp: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("mcp: stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("mcp: start %s: %w", command, err)
	}
	cfg.logger.Info("mcp server started", "command", command, "pid", cmd.Process.Pid)

	closer := func() error {
		_ = stdin.Close()
		return cmd.Wait()
	}
	c := &Client{info: cfg.info, logger: cfg.logger}
	c.conn = newStdioConn(stdout, stdin, closer, cfg.logger, c.handleNotification)
	return c, nil
}

// Initialize performs the MCP handshake and returns the server identity.
func (c *Client) Initialize(ctx context.Context) (Implementation, error) {
	var res initializeResult
	err := c.call(ctx, "initialize", initializeParams{
		ProtocolVersion: protocolVersion,
		Capabilities:    map[string]any{},
		ClientInfo:      c.info,
	}, &res)
	if err != nil {
		return Implementation{}, err
	}
	if res.ProtocolVersion != protocolVersion {
		c.logger.Warn("mcp protocol version differs", "server", res.ProtocolVersion, "client", protocolVersion)
	}
	if err := c.conn.notify(ctx, request{JSONRPC: "2.0", Method: "notifications/initialized"}); err != nil {
		return Implementation{}, fmt.Errorf("mcp: initialized notification: %w", err)
	}

	c.mu.Lock()
	c.server = res.ServerInfo
	c.mu.Unlock()
	return res.ServerInfo, nil
}

// ServerInfo returns the identity reported by Initialize.
func (c *Client) ServerInfo() Implementation {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.server
}

// ListTools returns every tool of the server, following pagination.
func (c *Client) ListTools(ctx context.Context) ([]ToolDefinition, error) {
	var (
		all    []ToolDefinition
		cursor string
	)
	for {
		var res toolsListResult
		if err := c.call(ctx, "tools/list", toolsListParams{Cursor: cursor}, &res); err != nil {
			return nil, err
		}
		all = append(all, res.Tools...)
		if res.NextCursor == "" || res.NextCursor == cursor {
			return all, nil
		}
		cursor = res.NextCursor
	}
}

// CallTool invokes a tool. A result flagged isError is returned without an
// error; only protocol and transport failures are errors.
func (c *Client) CallTool(ctx context.Context, name string, args json.RawMessage) (ToolCallResult, error) {
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	var res ToolCallResult
	err := c.call(ctx, "tools/call", toolCallParams{Name: name, Arguments: args}, &res)
	return res, err
}

// Tools returns the server tools in request shape. The list is cached until
// the server reports a change; it fits toolcall.WithListTools.
func (c *Client) Tools(ctx context.Context) ([]chatflow.Tool, error) {
	c.mu.Lock()
	cached := c.tools
	c.mu.Unlock()
	if cached != nil {
		return cached, nil
	}

	defs, err := c.ListTools(ctx)
	if err != nil {
		return nil, err
	}
	tools := make([]chatflow.Tool, len(defs))
	for i, d := range defs {
		schema := json.RawMessage(`{"type":"object"}`)
		if d.InputSchema != nil {
			if schema, err = json.Marshal(d.InputSchema); err != nil {
				return nil, fmt.Errorf("mcp: encode schema of %q: %w", d.Name, err)
			}
		}
		tools[i] = chatflow.FunctionTool(d.Name, d.Description, schema)
	}

	c.mu.Lock()
	c.tools = tools
	c.mu.Unlock()
	return tools, nil
}

// Call runs a model tool call on the server; it fits toolcall.New. The text
// of a result flagged isError becomes the tool message content and the call
// is reported as failed.
func (c *Client) Call(ctx context.Context, call chatflow.ToolCall) (toolcall.Result, error) {
	name := call.Function.Name
	res, err := c.CallTool(ctx, name, json.RawMessage(call.Function.Arguments))
	if err != nil {
		return toolcall.Result{}, err
	}
	text := res.Text()
	if !res.IsError {
		return toolcall.Single(text), nil
	}
	return toolcall.Stream(func(yield func(any, error) bool) {
		if text != "" && !yield(text, nil) {
			return
		}
		yield(nil, &ToolError{Tool: name, Message: text})
	}), nil
}

// Close ends the connection and, for a subprocess, waits for it to exit.
func (c *Client) Close() error {
	return c.conn.close()
}

func (c *Client) call(ctx context.Context, method string, params, out any) error {
	raw, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("mcp: encode %s params: %w", method, err)
	}
	id := strconv.FormatInt(c.nextID.Add(1), 10)
	resp, err := c.conn.call(ctx, request{
		JSONRPC: "2.0",
		ID:      json.RawMessage(id),
		Method:  method,
		Params:  raw,
	})
	if err != nil {
		return fmt.Errorf("mcp: %s: %w", method, err)
	}
	if resp.Error != nil {
		return resp.Error
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(resp.Result, out); err != nil {
		return fmt.Errorf("mcp: decode %s result: %w", method, err)
	}
	return nil
}

func (c *Client) handleNotification(method string) {
	switch method {
	case "notifications/tools/list_changed":
		c.mu.Lock()
		c.tools = nil
		c.mu.Unlock()
		c.logger.Debug("mcp tool list changed")
	default:
		c.logger.Debug("mcp notification ignored", "method", method)
	}
}

// compile-time checks
var (
	_ toolcall.CallFunc = (*Client)(nil).Call
	_ toolcall.ListFunc = (*Client)(nil).Tools
)
