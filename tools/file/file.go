// Package file provides workspace file tools: read, write, list, delete and
// stat, all restricted to one directory.
package file

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/nevindra/chatflow"
	"github.com/nevindra/chatflow/plugins/toolcall"
	"github.com/nevindra/chatflow/tools"
)

// Tool function names.
const (
	ReadName   = "file_read"
	WriteName  = "file_write"
	ListName   = "file_list"
	DeleteName = "file_delete"
	StatName   = "file_stat"
)

const maxRead = 8000

// Tool provides file read/write within a sandboxed workspace.
type Tool struct {
	workspacePath string
}

// New creates a file tool restricted to workspacePath.
func New(workspacePath string) *Tool {
	return &Tool{workspacePath: filepath.Clean(workspacePath)}
}

func (t *Tool) Definitions() []chatflow.Tool {
	return []chatflow.Tool{
		chatflow.FunctionTool(ReadName,
			"Read a file from the workspace. Returns the file content (truncated to 8000 chars if large).",
			json.RawMessage(`{"type":"object","properties":{"path":{"type":"string","description":"File path relative to workspace"}},"required":["path"]}`)),
		chatflow.FunctionTool(WriteName,
			"Write content to a file in the workspace. Creates parent directories if needed.",
			json.RawMessage(`{"type":"object","properties":{"path":{"type":"string","description":"File path relative to workspace"},"content":{"type":"string","description":"Content to write"}},"required":["path","content"]}`)),
		chatflow.FunctionTool(ListName,
			"List a workspace directory, one entry per line as type<TAB>name.",
			json.RawMessage(`{"type":"object","properties":{"path":{"type":"string","description":"Directory relative to workspace (default: root)"}}}`)),
		chatflow.FunctionTool(DeleteName,
			"Delete a file or an empty directory from the workspace.",
			json.RawMessage(`{"type":"object","properties":{"path":{"type":"string","description":"Path relative to workspace"}},"required":["path"]}`)),
		chatflow.FunctionTool(StatName,
			"Describe a workspace path: name, type, size and modification time.",
			json.RawMessage(`{"type":"object","properties":{"path":{"type":"string","description":"Path relative to workspace"}},"required":["path"]}`)),
	}
}

func (t *Tool) Execute(_ context.Context, name string, args json.RawMessage) (toolcall.Result, error) {
	var params struct {
		Path    string `json:"path"`
		Content string `json:"content"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return tools.Fail("invalid args: " + err.Error()), nil
	}

	if name == ListName && params.Path == "" {
		params.Path = "."
	}
	resolved, err := t.resolvePath(params.Path)
	if err != nil {
		return tools.Fail(err.Error()), nil
	}

	switch name {
	case ReadName:
		return t.read(resolved), nil
	case WriteName:
		return t.write(resolved, params.Content), nil
	case ListName:
		return t.list(resolved), nil
	case DeleteName:
		return t.remove(resolved), nil
	case StatName:
		return t.stat(resolved), nil
	}
	return tools.Fail("unknown file tool: " + name), nil
}

func (t *Tool) resolvePath(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("path is required")
	}
	if filepath.IsAbs(path) {
		return "", fmt.Errorf("absolute paths not allowed: %s", path)
	}
	if strings.Contains(path, "..") {
		return "", fmt.Errorf("path traversal not allowed: %s", path)
	}
	resolved := filepath.Join(t.workspacePath, path)
	if resolved != t.workspacePath && !strings.HasPrefix(resolved, t.workspacePath+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes workspace: %s", path)
	}
	return resolved, nil
}

func (t *Tool) read(path string) toolcall.Result {
	data, err := os.ReadFile(path)
	if err != nil {
		return tools.Fail("read error: " + err.Error())
	}
	content := string(data)
	if len(content) > maxRead {
		content = content[:maxRead] + "\n... (truncated)"
	}
	return toolcall.Single(content)
}

func (t *Tool) write(path, content string) toolcall.Result {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return tools.Fail("mkdir error: " + err.Error())
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return tools.Fail("write error: " + err.Error())
	}
	return toolcall.Single(fmt.Sprintf("Written %d bytes to %s", len(content), filepath.Base(path)))
}

// list streams one line per directory entry.
func (t *Tool) list(path string) toolcall.Result {
	entries, err := os.ReadDir(path)
	if err != nil {
		return tools.Fail("list error: " + err.Error())
	}
	return toolcall.Stream(func(yield func(any, error) bool) {
		for _, e := range entries {
			kind := "file"
			if e.IsDir() {
				kind = "dir"
			}
			if !yield(kind+"\t"+e.Name()+"\n", nil) {
				return
			}
		}
	})
}

func (t *Tool) remove(path string) toolcall.Result {
	if path == t.workspacePath {
		return tools.Fail("cannot delete the workspace root")
	}
	if err := os.Remove(path); err != nil {
		return tools.Fail("delete error: " + err.Error())
	}
	return toolcall.Single("Deleted " + filepath.Base(path))
}

func (t *Tool) stat(path string) toolcall.Result {
	info, err := os.Stat(path)
	if err != nil {
		return tools.Fail("stat error: " + err.Error())
	}
	kind := "file"
	if info.IsDir() {
		kind = "directory"
	}
	return toolcall.Single(map[string]any{
		"name":     info.Name(),
		"type":     kind,
		"size":     info.Size(),
		"modified": info.ModTime().UTC().Format(time.RFC3339),
	})
}
