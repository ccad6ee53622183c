package main

import (
	"context"
	"encoding/json"

	"github.com/spf13/cobra"

	"github.com/nevindra/chatflow/mcp"
	"github.com/nevindra/chatflow/tools"
)

func newMCPCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Model Context Protocol commands",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Serve the configured tools over MCP stdio",
		Long: `Serve every configured tool, including those of upstream MCP servers,
to an MCP client over newline-delimited JSON-RPC on stdin/stdout. Logs go
to stderr.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			a, err := newApp(ctx, cfg, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close(context.WithoutCancel(ctx))

			srv := mcp.NewServer("chatflow", version,
				mcp.WithIO(cmd.InOrStdin(), cmd.OutOrStdout()),
				mcp.WithServerLogger(a.logger),
			)
			if err := registerTools(ctx, srv, a.registry); err != nil {
				return err
			}
			return srv.Serve(ctx)
		},
	})
	return cmd
}

// registerTools exposes every tool of reg on srv. Tool failures are
// reported as error results carrying the collected output.
func registerTools(ctx context.Context, srv *mcp.Server, reg *tools.Registry) error {
	defs, err := reg.List(ctx)
	if err != nil {
		return err
	}
	for _, d := range defs {
		name := d.Function.Name
		schema := d.Function.Parameters
		if len(schema) == 0 {
			schema = json.RawMessage(`{"type":"object"}`)
		}
		srv.AddTool(mcp.ToolHandler{
			Definition: mcp.ToolDefinition{
				Name:        name,
				Description: d.Function.Description,
				InputSchema: schema,
			},
			Execute: func(ctx context.Context, args json.RawMessage) mcp.ToolCallResult {
				out, err := reg.Run(ctx, name, args)
				if err != nil {
					if out == "" {
						out = err.Error()
					}
					return mcp.ErrorResult(out)
				}
				return mcp.TextResult(out)
			},
		})
	}
	return nil
}
