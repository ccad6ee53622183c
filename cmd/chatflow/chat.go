package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nevindra/chatflow"
)

func newChatCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive chat session",
		Long: `Start an interactive chat session.

Type a message and press Enter. Ctrl-C while a reply streams aborts the
turn and keeps the conversation. Commands:
  /reset   start a new conversation
  /exit    quit (also /quit or end of input)`,
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
			return runChat(ctx, a, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
}

// runChat reads lines from in and sends each as a turn until end of input.
func runChat(ctx context.Context, a *app, in io.Reader, out io.Writer) error {
	p := newPrinter(out)
	s, err := a.newSession(chatflow.WithOnUpdate(p.update))
	if err != nil {
		return err
	}

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for {
		fmt.Fprint(out, "> ")
		if !scanner.Scan() {
			fmt.Fprintln(out)
			return scanner.Err()
		}

		line := strings.TrimSpace(scanner.Text())
		switch line {
		case "":
			continue
		case "/exit", "/quit":
			return nil
		case "/reset":
			if s, err = a.newSession(chatflow.WithOnUpdate(p.update)); err != nil {
				return err
			}
			fmt.Fprintln(out, "(new conversation)")
			continue
		}

		turnCtx, stop := signal.NotifyContext(ctx, os.Interrupt)
		err := s.SendMessage(turnCtx, line)
		stop()
		fmt.Fprintln(out)

		switch {
		case err != nil:
			fmt.Fprintf(out, "error: %v\n", err)
		case s.State() == chatflow.StateAborted:
			fmt.Fprintln(out, "(aborted)")
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}
