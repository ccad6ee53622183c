// Package tools holds the local tool registry. A Registry serves the tool
// plugin directly: Registry.List fits toolcall.WithListTools and Registry.Call
// fits toolcall.New. Remote sources such as an MCP client are added next to
// local tools and dispatched by name.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/nevindra/chatflow"
	"github.com/nevindra/chatflow/plugins/toolcall"
)

// ErrUnknownTool is returned when no local tool or remote source serves a name.
var ErrUnknownTool = errors.New("unknown tool")

// Tool defines a capability with one or more tool functions.
type Tool interface {
	Definitions() []chatflow.Tool
	Execute(ctx context.Context, name string, args json.RawMessage) (toolcall.Result, error)
}

// Error is a failure whose message is shown to the model as the tool output.
type Error struct {
	Message string
}

func (e *Error) Error() string { return e.Message }

// Fail returns a result that writes msg into the tool message and then fails
// the call with an *Error.
func Fail(msg string) toolcall.Result {
	return toolcall.Stream(func(yield func(any, error) bool) {
		if !yield(msg, nil) {
			return
		}
		yield(nil, &Error{Message: msg})
	})
}

// Failf is Fail with formatting.
func Failf(format string, args ...any) toolcall.Result {
	return Fail(fmt.Sprintf(format, args...))
}

// Func adapts a single function to Tool.
func Func(name, description string, params json.RawMessage, fn func(ctx context.Context, args json.RawMessage) (toolcall.Result, error)) Tool {
	return funcTool{def: chatflow.FunctionTool(name, description, params), fn: fn}
}

type funcTool struct {
	def chatflow.Tool
	fn  func(ctx context.Context, args json.RawMessage) (toolcall.Result, error)
}

func (f funcTool) Definitions() []chatflow.Tool { return []chatflow.Tool{f.def} }

func (f funcTool) Execute(ctx context.Context, _ string, args json.RawMessage) (toolcall.Result, error) {
	return f.fn(ctx, args)
}

type remote struct {
	list toolcall.ListFunc
	call toolcall.CallFunc
}

// Registry holds all registered tools and dispatches execution. Local tools
// shadow remote tools of the same name; among local tools the first added
// wins.
type Registry struct {
	mu      sync.RWMutex
	tools   []Tool
	remotes []remote
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Add registers local tools.
func (r *Registry) Add(tools ...Tool) {
	r.mu.Lock()
	r.tools = append(r.tools, tools...)
	r.mu.Unlock()
}

// AddRemote registers a tool source whose list is fetched per request, such
// as mcp.Client.Tools and mcp.Client.Call.
func (r *Registry) AddRemote(list toolcall.ListFunc, call toolcall.CallFunc) {
	r.mu.Lock()
	r.remotes = append(r.remotes, remote{list: list, call: call})
	r.mu.Unlock()
}

// Definitions returns the definitions of all local tools.
func (r *Registry) Definitions() []chatflow.Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var defs []chatflow.Tool
	for _, t := range r.tools {
		defs = append(defs, t.Definitions()...)
	}
	return defs
}

// List returns local and remote definitions, skipping remote names already
// taken. A failing remote fails the listing.
func (r *Registry) List(ctx context.Context) ([]chatflow.Tool, error) {
	defs := r.Definitions()
	seen := make(map[string]bool, len(defs))
	for _, d := range defs {
		seen[d.Function.Name] = true
	}

	r.mu.RLock()
	remotes := r.remotes
	r.mu.RUnlock()
	for _, src := range remotes {
		tools, err := src.list(ctx)
		if err != nil {
			return nil, fmt.Errorf("list remote tools: %w", err)
		}
		for _, t := range tools {
			if seen[t.Function.Name] {
				continue
			}
			seen[t.Function.Name] = true
			defs = append(defs, t)
		}
	}
	return defs, nil
}

// Call dispatches a model tool call by function name.
func (r *Registry) Call(ctx context.Context, call chatflow.ToolCall) (toolcall.Result, error) {
	name := call.Function.Name
	if t := r.local(name); t != nil {
		return t.Execute(ctx, name, json.RawMessage(call.Function.Arguments))
	}

	r.mu.RLock()
	remotes := r.remotes
	r.mu.RUnlock()
	for _, src := range remotes {
		tools, err := src.list(ctx)
		if err != nil {
			return toolcall.Result{}, fmt.Errorf("list remote tools: %w", err)
		}
		for _, t := range tools {
			if t.Function.Name == name {
				return src.call(ctx, call)
			}
		}
	}
	return toolcall.Result{}, fmt.Errorf("%w: %s", ErrUnknownTool, name)
}

// Run executes a tool and collects its output as text. Object fragments are
// rendered as JSON. On failure the collected text is returned with the error.
func (r *Registry) Run(ctx context.Context, name string, args json.RawMessage) (string, error) {
	res, err := r.Call(ctx, chatflow.ToolCall{Function: chatflow.FunctionCall{Name: name, Arguments: string(args)}})
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	for frag, err := range res.Fragments() {
		if err != nil {
			return sb.String(), err
		}
		switch v := frag.(type) {
		case nil:
		case string:
			sb.WriteString(v)
		default:
			data, err := json.Marshal(v)
			if err != nil {
				return sb.String(), fmt.Errorf("encode tool output: %w", err)
			}
			sb.Write(data)
		}
	}
	return sb.String(), nil
}

func (r *Registry) local(name string) Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, t := range r.tools {
		for _, d := range t.Definitions() {
			if d.Function.Name == name {
				return t
			}
		}
	}
	return nil
}

// compile-time checks
var (
	_ toolcall.CallFunc = (*Registry)(nil).Call
	_ toolcall.ListFunc = (*Registry)(nil).List
)
