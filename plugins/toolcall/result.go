package toolcall

import (
	"encoding/json"
	"errors"
	"fmt"
	"iter"

	"github.com/nevindra/chatflow"
)

// Result is what a tool returns: one value, or a sequence of fragments.
// Build it with Single or Stream.
//
// Values and fragments are either text (string) or structured data
// (map[string]any, json.RawMessage, []byte or any JSON-marshalable value).
// Text fragments are appended to the tool message content; structured
// fragments are merged into the content parsed as a JSON object.
type Result struct {
	value  any
	seq    iter.Seq2[any, error]
	stream bool
}

// Single returns a result holding one value.
func Single(v any) Result { return Result{value: v} }

// Stream returns a result producing fragments lazily. The sequence should
// stop once the call's context is cancelled.
func Stream(seq iter.Seq2[any, error]) Result { return Result{seq: seq, stream: true} }

// IsStream reports whether r was built with Stream.
func (r Result) IsStream() bool { return r.stream }

// Fragments returns r as a sequence, whatever its form.
func (r Result) Fragments() iter.Seq2[any, error] {
	if r.stream {
		if r.seq == nil {
			return func(func(any, error) bool) {}
		}
		return r.seq
	}
	return func(yield func(any, error) bool) {
		if r.value != nil {
			yield(r.value, nil)
		}
	}
}

var errNotObject = errors.New("tool content is not a JSON object")

// mergeFragment folds one fragment into the tool message content.
func mergeFragment(m *chatflow.Message, frag any) error {
	switch v := frag.(type) {
	case nil:
		return nil
	case string:
		m.Content += v
		return nil
	case map[string]any:
		return mergeObject(m, v)
	case json.RawMessage:
		return mergeJSON(m, v)
	case []byte:
		return mergeJSON(m, v)
	}
	data, err := json.Marshal(frag)
	if err != nil {
		return fmt.Errorf("encode tool fragment: %w", err)
	}
	return mergeJSON(m, data)
}

// mergeJSON merges an object fragment, and appends any other JSON value as
// text.
func mergeJSON(m *chatflow.Message, data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		m.Content += string(data)
		return nil
	}
	if obj, ok := v.(map[string]any); ok {
		return mergeObject(m, obj)
	}
	if s, ok := v.(string); ok {
		m.Content += s
		return nil
	}
	m.Content += string(data)
	return nil
}

func mergeObject(m *chatflow.Message, frag map[string]any) error {
	var acc map[string]any
	if m.Content != "" {
		if err := json.Unmarshal([]byte(m.Content), &acc); err != nil || acc == nil {
			return errNotObject
		}
	}
	acc = chatflow.Merge(acc, frag)
	data, err := json.Marshal(acc)
	if err != nil {
		return fmt.Errorf("encode tool content: %w", err)
	}
	m.Content = string(data)
	return nil
}
