package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/nevindra/chatflow/internal/config"
)

// rootOptions holds the global flags.
type rootOptions struct {
	configPath string
	verbose    bool
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "chatflow",
		Short: "Streaming chat client with tool calling",
		Long: `chatflow - chat with an OpenAI-compatible model from the terminal.

The model can call local tools (http_fetch, file_*, shell_exec) and the
tools of any configured MCP server. Replies stream as they arrive; press
Ctrl-C during a reply to abort the turn.

Configuration is read from chatflow.toml (or --config), then from
CHATFLOW_* environment variables.

Examples:
  # Start an interactive session
  chatflow chat

  # One-shot question against a local model
  CHATFLOW_LLM_BASE_URL=http://localhost:11434/v1 CHATFLOW_LLM_MODEL=llama3 chatflow ask "hello"

  # Serve the local tools to another MCP client
  chatflow mcp serve`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", os.Getenv("CHATFLOW_CONFIG"), "config file (default "+config.DefaultPath+")")
	cmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "verbose output")

	cmd.AddCommand(
		newChatCmd(opts),
		newAskCmd(opts),
		newToolsCmd(opts),
		newMCPCmd(opts),
		newVersionCmd(opts),
	)
	return cmd
}

// load reads the configuration named by the global flags.
func (o *rootOptions) load() (config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return cfg, err
	}
	if o.verbose {
		cfg.Log.Level = "debug"
	}
	return cfg, nil
}
