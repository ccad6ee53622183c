package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/nevindra/chatflow"
	"github.com/nevindra/chatflow/internal/config"
	"github.com/nevindra/chatflow/mcp"
	"github.com/nevindra/chatflow/observer"
	"github.com/nevindra/chatflow/plugins/length"
	"github.com/nevindra/chatflow/plugins/toolcall"
	"github.com/nevindra/chatflow/provider/openaicompat"
	"github.com/nevindra/chatflow/tools"
	"github.com/nevindra/chatflow/tools/fetch"
	"github.com/nevindra/chatflow/tools/file"
	"github.com/nevindra/chatflow/tools/shell"
)

// app is the wired stack shared by the commands.
type app struct {
	cfg       config.Config
	logger    *slog.Logger
	transport chatflow.Transport
	registry  *tools.Registry
	tracer    chatflow.Tracer
	inst      *observer.Instruments
	closers   []func(context.Context) error
}

// newApp builds the transport chain, the tool registry and, when enabled,
// the observer. MCP servers are started and initialized here.
func newApp(ctx context.Context, cfg config.Config, stderr io.Writer) (*app, error) {
	a := &app{
		cfg:      cfg,
		logger:   newLogger(cfg.Log, stderr),
		registry: tools.NewRegistry(),
	}

	if cfg.Observer.Enabled {
		inst, shutdown, err := observer.Init(ctx, pricing(cfg.Observer.Pricing))
		if err != nil {
			return nil, fmt.Errorf("init observer: %w", err)
		}
		a.inst = inst
		a.tracer = observer.NewTracer()
		a.closers = append(a.closers, shutdown)
	}

	a.transport = a.buildTransport()
	a.addLocalTools()

	for _, srv := range cfg.MCP {
		if err := a.connectMCP(ctx, srv); err != nil {
			a.Close(context.WithoutCancel(ctx))
			return nil, err
		}
	}
	return a, nil
}

func (a *app) buildTransport() chatflow.Transport {
	llm := a.cfg.LLM

	var params []openaicompat.Option
	if llm.Temperature != nil {
		params = append(params, openaicompat.WithTemperature(*llm.Temperature))
	}
	if llm.MaxTokens > 0 {
		params = append(params, openaicompat.WithMaxTokens(llm.MaxTokens))
	}

	var t chatflow.Transport = openaicompat.New(llm.APIKey, llm.Model, llm.BaseURL,
		openaicompat.WithName(llm.Name),
		openaicompat.WithLogger(a.logger),
		openaicompat.WithOptions(params...),
	)
	if llm.RetryAttempts > 1 {
		t = chatflow.WithRetry(t,
			chatflow.RetryMaxAttempts(llm.RetryAttempts),
			chatflow.RetryBaseDelay(llm.RetryDelay),
			chatflow.RetryTimeout(llm.RetryTimeout),
			chatflow.RetryLogger(a.logger),
		)
	}
	if llm.RPM > 0 || llm.TPM > 0 {
		t = chatflow.WithRateLimit(t, chatflow.RPM(llm.RPM), chatflow.TPM(llm.TPM))
	}
	if a.inst != nil {
		t = observer.WrapTransport(t, llm.Name, llm.Model, a.inst)
	}
	return t
}

func (a *app) addLocalTools() {
	tc := a.cfg.Tools
	if tc.Fetch {
		a.registry.Add(fetch.New(fetch.WithLogger(a.logger)))
	}
	if tc.File {
		a.registry.Add(file.New(tc.Workspace))
	}
	if tc.Shell {
		a.registry.Add(shell.New(tc.Workspace, tc.ShellTimeout))
	}
}

func (a *app) connectMCP(ctx context.Context, srv config.MCPServer) error {
	opts := []mcp.ClientOption{mcp.WithClientLogger(a.logger.With("mcp", srv.Name))}
	for k, v := range srv.Headers {
		opts = append(opts, mcp.WithHeader(k, v))
	}

	var (
		c   *mcp.Client
		err error
	)
	if srv.URL != "" {
		c = mcp.NewHTTPClient(srv.URL, opts...)
	} else {
		c, err = mcp.StartProcess(context.WithoutCancel(ctx), srv.Command, srv.Args, opts...)
		if err != nil {
			return fmt.Errorf("mcp %s: %w", srv.Name, err)
		}
	}
	a.closers = append(a.closers, func(context.Context) error { return c.Close() })

	info, err := c.Initialize(ctx)
	if err != nil {
		return fmt.Errorf("mcp %s: %w", srv.Name, err)
	}
	a.logger.Info("mcp server connected", "name", srv.Name, "server", info.Name, "version", info.Version)
	a.registry.AddRemote(c.Tools, c.Call)
	return nil
}

// plugins returns a fresh plugin set for one session.
func (a *app) plugins() ([]chatflow.Plugin, error) {
	mode, err := excludeMode(a.cfg.Session.Exclude)
	if err != nil {
		return nil, err
	}

	call := toolcall.CallFunc(a.registry.Call)
	if a.inst != nil {
		call = observer.WrapCall(call, a.inst)
	}
	opts := []toolcall.Option{
		toolcall.WithListTools(a.registry.List),
		toolcall.WithExclude(mode),
		toolcall.WithAutoRepair(a.cfg.Session.AutoRepair),
		toolcall.WithLogger(a.logger),
	}
	if a.cfg.Session.MaxParallel > 0 {
		opts = append(opts, toolcall.WithMaxParallel(a.cfg.Session.MaxParallel))
	}
	if a.tracer != nil {
		opts = append(opts, toolcall.WithTracer(a.tracer))
	}

	var plugins []chatflow.Plugin
	if a.inst != nil {
		plugins = append(plugins, observer.NewPlugin(a.inst))
	}
	return append(plugins, toolcall.New(call, opts...), length.New()), nil
}

// newSession starts a conversation seeded with the configured system prompt.
func (a *app) newSession(extra ...chatflow.Option) (*chatflow.Session, error) {
	plugins, err := a.plugins()
	if err != nil {
		return nil, err
	}
	opts := []chatflow.Option{
		chatflow.WithPlugins(plugins...),
		chatflow.WithMaxRequests(a.cfg.Session.MaxRequests),
		chatflow.WithLogger(a.logger),
	}
	if a.tracer != nil {
		opts = append(opts, chatflow.WithTracer(a.tracer))
	}
	if p := a.cfg.Session.SystemPrompt; p != "" {
		opts = append(opts, chatflow.WithInitialMessages(chatflow.SystemMessage(p)))
	}
	return chatflow.New(a.transport, append(opts, extra...)...), nil
}

// Close releases MCP clients and flushes the observer, newest first.
func (a *app) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func excludeMode(s string) (toolcall.ExcludeMode, error) {
	switch s {
	case "", "none":
		return toolcall.ExcludeNone, nil
	case "filter":
		return toolcall.ExcludeFilter, nil
	case "remove":
		return toolcall.ExcludeRemove, nil
	}
	return 0, fmt.Errorf("unknown exclude mode %q", s)
}

func pricing(in map[string]config.ObserverPricing) map[string]observer.ModelPricing {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]observer.ModelPricing, len(in))
	for model, p := range in {
		out[model] = observer.ModelPricing{InputPerMillion: p.Input, OutputPerMillion: p.Output, CachedInputPerMillion: p.Cached}
	}
	return out
}

func newLogger(cfg config.LogConfig, w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelWarn
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
