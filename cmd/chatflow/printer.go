package main

import (
	"fmt"
	"io"
	"sync"

	"github.com/nevindra/chatflow"
)

// printer streams a turn to the terminal from session snapshots. Assistant
// content is printed as it grows and each tool call is reported once it
// settles. Snapshots may arrive concurrently and out of order.
type printer struct {
	mu      sync.Mutex
	w       io.Writer
	written map[int]int
	settled map[int]bool
}

func newPrinter(w io.Writer) *printer {
	return &printer{w: w, written: make(map[int]int), settled: make(map[int]bool)}
}

// update is a chatflow.WithOnUpdate callback.
func (p *printer) update(s chatflow.Snapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(s.CurrentTurn) == 0 {
		clear(p.written)
		clear(p.settled)
		return
	}
	for i, m := range s.CurrentTurn {
		switch m.Role {
		case chatflow.RoleAssistant:
			if n := p.written[i]; len(m.Content) > n {
				fmt.Fprint(p.w, m.Content[n:])
				p.written[i] = len(m.Content)
			}
		case chatflow.RoleTool:
			if p.settled[i] || m.Status == "" || m.Status == chatflow.ToolRunning {
				continue
			}
			p.settled[i] = true
			fmt.Fprintf(p.w, "\n[tool %s: %s]\n", toolName(m), m.Status)
		}
	}
}

func toolName(m chatflow.Message) string {
	if m.Metadata != nil {
		if name, ok := m.Metadata.Extra["tool"].(string); ok {
			return name
		}
	}
	return m.ToolCallID
}
