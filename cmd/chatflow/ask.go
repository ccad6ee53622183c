package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nevindra/chatflow"
)

func newAskCmd(opts *rootOptions) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "ask [question]",
		Short: "Send one message and print the answer",
		Long: `Send one message, let the model call tools until it answers, and print
the final reply. With no arguments the question is read from stdin.

Examples:
  chatflow ask "What is in README.md?"
  git diff | chatflow ask --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			question := strings.Join(args, " ")
			if question == "" {
				data, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return fmt.Errorf("read question: %w", err)
				}
				question = string(data)
			}

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
			return runAsk(ctx, a, question, asJSON, cmd.OutOrStdout())
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the whole conversation as JSON")
	return cmd
}

func runAsk(ctx context.Context, a *app, question string, asJSON bool, out io.Writer) error {
	s, err := a.newSession()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()
	if err := s.SendMessage(ctx, question); err != nil {
		return err
	}
	if s.State() == chatflow.StateAborted {
		return chatflow.ErrAborted
	}

	msgs := s.Messages()
	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(msgs)
	}
	answer, ok := lastAnswer(msgs)
	if !ok {
		return errors.New("model returned no answer")
	}
	fmt.Fprintln(out, answer)
	return nil
}

// lastAnswer returns the content of the last non-empty assistant message.
func lastAnswer(msgs []chatflow.Message) (string, bool) {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == chatflow.RoleAssistant && msgs[i].Content != "" {
			return msgs[i].Content, true
		}
	}
	return "", false
}
