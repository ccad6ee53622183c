package chatflow

import (
	"slices"
	"sync"
)

// Conversation is the observable state of a Session: the message list, the
// messages created during the current turn, and the request state.
//
// Messages are held by pointer. Methods are safe for concurrent use; hooks
// that change a message other readers can see should do it through Update.
type Conversation struct {
	mu          sync.Mutex
	messages    []*Message
	currentTurn []*Message
	state       RequestState
	processing  string

	onUpdate func(Snapshot)
}

// Snapshot is a deep copy of a Conversation taken under its lock.
type Snapshot struct {
	Messages        []Message
	CurrentTurn     []Message
	State           RequestState
	ProcessingState string
}

// NewConversation returns an idle conversation holding initial.
func NewConversation(initial []Message) *Conversation {
	c := &Conversation{state: StateIdle}
	for i := range initial {
		m := initial[i].Clone()
		c.messages = append(c.messages, &m)
	}
	return c
}

// Messages returns the current list. The slice is a copy; the messages are
// shared.
func (c *Conversation) Messages() []*Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.messages)
}

// CurrentTurn returns the messages created during the running turn.
func (c *Conversation) CurrentTurn() []*Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.currentTurn)
}

// Len returns the number of messages.
func (c *Conversation) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.messages)
}

// Index returns the position of m, or -1.
func (c *Conversation) Index(m *Message) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Index(c.messages, m)
}

// Append adds msgs to the end of the list without running any hooks.
func (c *Conversation) Append(msgs ...*Message) {
	c.mu.Lock()
	c.messages = append(c.messages, msgs...)
	c.mu.Unlock()
	c.notify()
}

// Insert adds msgs at position i, clamped to the list bounds.
func (c *Conversation) Insert(i int, msgs ...*Message) {
	c.mu.Lock()
	i = max(0, min(i, len(c.messages)))
	c.messages = slices.Insert(c.messages, i, msgs...)
	c.mu.Unlock()
	c.notify()
}

// InsertAfter adds msgs right after anchor, or at the end when anchor is
// not in the list.
func (c *Conversation) InsertAfter(anchor *Message, msgs ...*Message) {
	c.mu.Lock()
	i := slices.Index(c.messages, anchor)
	if i < 0 {
		i = len(c.messages) - 1
	}
	c.messages = slices.Insert(c.messages, i+1, msgs...)
	c.mu.Unlock()
	c.notify()
}

// RemoveFunc removes every message for which del returns true and reports
// how many were removed.
func (c *Conversation) RemoveFunc(del func(*Message) bool) int {
	c.mu.Lock()
	before := len(c.messages)
	c.messages = slices.DeleteFunc(c.messages, del)
	n := before - len(c.messages)
	c.mu.Unlock()
	if n > 0 {
		c.notify()
	}
	return n
}

// Update runs fn on m while holding the lock. fn must not call back into the
// conversation.
func (c *Conversation) Update(m *Message, fn func(*Message)) {
	c.mu.Lock()
	fn(m)
	c.mu.Unlock()
	c.notify()
}

// Each runs fn on every message under the lock, in order. fn must not call
// back into the conversation.
func (c *Conversation) Each(fn func(*Message)) {
	c.mu.Lock()
	for _, m := range c.messages {
		fn(m)
	}
	c.mu.Unlock()
	c.notify()
}

// State returns the request state and the processing sub-state.
func (c *Conversation) State() (RequestState, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state, c.processing
}

// SetState changes the request state. processing only applies while the
// state is StateProcessing and defaults to "requesting" there.
func (c *Conversation) SetState(state RequestState, processing string) {
	c.mu.Lock()
	c.setStateLocked(state, processing)
	c.mu.Unlock()
	c.notify()
}

func (c *Conversation) setStateLocked(state RequestState, processing string) {
	c.state = state
	switch {
	case state != StateProcessing:
		c.processing = ""
	case processing == "":
		c.processing = ProcessingRequesting
	default:
		c.processing = processing
	}
}

// Snapshot returns a deep copy of the conversation.
func (c *Conversation) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Conversation) snapshotLocked() Snapshot {
	s := Snapshot{
		Messages:        make([]Message, len(c.messages)),
		CurrentTurn:     make([]Message, len(c.currentTurn)),
		State:           c.state,
		ProcessingState: c.processing,
	}
	for i, m := range c.messages {
		s.Messages[i] = m.Clone()
	}
	for i, m := range c.currentTurn {
		s.CurrentTurn[i] = m.Clone()
	}
	return s
}

// begin atomically checks that no turn is running and switches to
// processing. It reports false when a turn is already in progress. The
// caller notifies.
func (c *Conversation) begin() bool {
	c.mu.Lock()
	if c.state == StateProcessing {
		c.mu.Unlock()
		return false
	}
	c.currentTurn = nil
	c.setStateLocked(StateProcessing, ProcessingRequesting)
	c.mu.Unlock()
	return true
}

// finish clears the current turn.
func (c *Conversation) finish() {
	c.mu.Lock()
	c.currentTurn = nil
	c.mu.Unlock()
	c.notify()
}

// record adds msg to the current turn and, when list is true, to the end of
// the message list.
func (c *Conversation) record(msg *Message, list bool) {
	c.mu.Lock()
	if list {
		c.messages = append(c.messages, msg)
	}
	c.currentTurn = append(c.currentTurn, msg)
	c.mu.Unlock()
	c.notify()
}

func (c *Conversation) notify() {
	if c.onUpdate == nil {
		return
	}
	c.onUpdate(c.Snapshot())
}
