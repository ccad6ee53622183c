// Package shell provides the shell_exec tool. Output is streamed line by line
// into the tool message while the command runs.
package shell

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/nevindra/chatflow"
	"github.com/nevindra/chatflow/plugins/toolcall"
	"github.com/nevindra/chatflow/tools"
)

// Name is the tool function name.
const Name = "shell_exec"

const (
	maxTimeout = 300 // seconds
	maxOutput  = 4000
)

var blocked = []string{"rm -rf /", "sudo ", "mkfs", "> /dev/", "dd if="}

// Tool executes shell commands in a workspace directory.
type Tool struct {
	workspacePath  string
	defaultTimeout int // seconds
}

// New creates a shell tool. Commands run in workspacePath with the given
// default timeout in seconds (30 when not positive).
func New(workspacePath string, defaultTimeout int) *Tool {
	if defaultTimeout <= 0 {
		defaultTimeout = 30
	}
	return &Tool{workspacePath: workspacePath, defaultTimeout: defaultTimeout}
}

func (t *Tool) Definitions() []chatflow.Tool {
	return []chatflow.Tool{chatflow.FunctionTool(Name,
		"Execute a shell command in the workspace directory. Returns stdout + stderr. Use for running scripts, checking files, or system tasks.",
		json.RawMessage(`{"type":"object","properties":{"command":{"type":"string","description":"Shell command to execute"},"timeout":{"type":"integer","description":"Timeout in seconds (default 30)"}},"required":["command"]}`),
	)}
}

func (t *Tool) Execute(ctx context.Context, _ string, args json.RawMessage) (toolcall.Result, error) {
	var params struct {
		Command string `json:"command"`
		Timeout int    `json:"timeout"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return tools.Fail("invalid args: " + err.Error()), nil
	}
	if params.Command == "" {
		return tools.Fail("command is required"), nil
	}

	lower := strings.ToLower(params.Command)
	for _, b := range blocked {
		if strings.Contains(lower, b) {
			return tools.Fail("command blocked for safety: " + b), nil
		}
	}

	timeout := t.defaultTimeout
	if params.Timeout > 0 {
		timeout = params.Timeout
	}
	timeout = min(timeout, maxTimeout)

	return toolcall.Stream(func(yield func(any, error) bool) {
		t.run(ctx, params.Command, time.Duration(timeout)*time.Second, yield)
	}), nil
}

// run starts the command and yields its combined output one line at a time.
func (t *Tool) run(ctx context.Context, command string, timeout time.Duration, yield func(any, error) bool) {
	cmdCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	r, w, err := os.Pipe()
	if err != nil {
		yield(nil, fmt.Errorf("pipe: %w", err))
		return
	}
	defer r.Close()

	cmd := exec.CommandContext(cmdCtx, "sh", "-c", command)
	cmd.Dir = t.workspacePath
	cmd.Stdout = w
	cmd.Stderr = w
	err = cmd.Start()
	w.Close()
	if err != nil {
		yield(nil, &tools.Error{Message: "start: " + err.Error()})
		return
	}
	// children may keep the pipe open after the shell is killed
	stop := context.AfterFunc(cmdCtx, func() { r.Close() })
	defer stop()

	var (
		written   int
		truncated bool
		wrote     bool
	)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64<<10), 1<<20)
	for scanner.Scan() {
		if truncated {
			continue
		}
		line := scanner.Text() + "\n"
		if written+len(line) > maxOutput {
			truncated = true
			line = "... (truncated)\n"
		}
		written += len(line)
		wrote = true
		if !yield(line, nil) {
			cancel()
			cmd.Wait()
			return
		}
	}
	waitErr := cmd.Wait()

	switch {
	case ctx.Err() != nil:
		yield(nil, chatflow.AbortCause(ctx))
	case errors.Is(cmdCtx.Err(), context.DeadlineExceeded):
		msg := fmt.Sprintf("command timed out after %s", timeout)
		if yield(msg, nil) {
			yield(nil, &tools.Error{Message: msg})
		}
	case waitErr != nil:
		if !wrote && !yield(waitErr.Error(), nil) {
			return
		}
		yield(nil, &tools.Error{Message: "exit: " + waitErr.Error()})
	case !wrote:
		yield("(no output)", nil)
	}
}
