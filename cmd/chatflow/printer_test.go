package main

import (
	"bytes"
	"testing"

	"github.com/nevindra/chatflow"
)

func snapshot(msgs ...chatflow.Message) chatflow.Snapshot {
	return chatflow.Snapshot{CurrentTurn: msgs, State: chatflow.StateProcessing}
}

func toolMsg(status chatflow.ToolStatus) chatflow.Message {
	return chatflow.Message{
		Role:       chatflow.RoleTool,
		ToolCallID: "call_1",
		Status:     status,
		Metadata:   &chatflow.Metadata{Extra: map[string]any{"tool": "file_read"}},
	}
}

func TestPrinter(t *testing.T) {
	var buf bytes.Buffer
	p := newPrinter(&buf)
	user := chatflow.UserMessage("hi")

	p.update(snapshot(user))
	p.update(snapshot(user, chatflow.AssistantMessage("Hel")))
	p.update(snapshot(user, chatflow.AssistantMessage("Hello")))
	p.update(snapshot(user, chatflow.AssistantMessage("Hel"))) // stale snapshot
	p.update(snapshot(user, chatflow.AssistantMessage("Hello"), toolMsg(chatflow.ToolRunning)))
	p.update(snapshot(user, chatflow.AssistantMessage("Hello"), toolMsg(chatflow.ToolSuccess)))
	p.update(snapshot(user, chatflow.AssistantMessage("Hello"), toolMsg(chatflow.ToolSuccess)))
	p.update(snapshot(user, chatflow.AssistantMessage("Hello"), toolMsg(chatflow.ToolSuccess), chatflow.AssistantMessage("Done")))

	want := "Hello\n[tool file_read: success]\nDone"
	if buf.String() != want {
		t.Errorf("output = %q, want %q", buf.String(), want)
	}

	// An empty turn resets the positions for the next turn.
	buf.Reset()
	p.update(chatflow.Snapshot{})
	p.update(snapshot(user, chatflow.AssistantMessage("Again")))
	if buf.String() != "Again" {
		t.Errorf("after reset output = %q", buf.String())
	}
}

func TestPrinterToolNameFallback(t *testing.T) {
	var buf bytes.Buffer
	p := newPrinter(&buf)
	p.update(snapshot(chatflow.Message{Role: chatflow.RoleTool, ToolCallID: "call_9", Status: chatflow.ToolFailed}))
	if buf.String() != "\n[tool call_9: failed]\n" {
		t.Errorf("output = %q", buf.String())
	}
}
