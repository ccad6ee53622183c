package chatflow

import (
	"encoding/json"
	"math"
	"reflect"
	"testing"
)

// obj decodes a JSON object literal the way the wire decoder would.
func obj(t *testing.T, s string) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		t.Fatalf("bad fixture %s: %v", s, err)
	}
	return m
}

func TestMerge(t *testing.T) {
	tests := []struct {
		name   string
		target string
		source string
		want   string
	}{
		{"concatenates strings", `{"content":"Hello"}`, `{"content":" World"}`, `{"content":"Hello World"}`},
		{"merges nested objects",
			`{"user":{"name":"John","age":30},"content":"Hello"}`,
			`{"user":{"city":"New York"},"content":" World"}`,
			`{"user":{"name":"John","age":30,"city":"New York"},"content":"Hello World"}`},
		{"takes missing keys", `{}`, `{"newKey":"newValue"}`, `{"newKey":"newValue"}`},
		{"null target takes source", `{"data":null}`, `{"data":"new value"}`, `{"data":"new value"}`},
		{"empty string target takes source", `{"data":""}`, `{"data":5}`, `{"data":5}`},
		{"zero target takes source", `{"data":0}`, `{"data":[1]}`, `{"data":[1]}`},
		{"mismatched types overwrite", `{"data":"Hello"}`, `{"data":42}`, `{"data":42}`},
		{"numbers overwrite", `{"n":1}`, `{"n":2}`, `{"n":2}`},
		{"plain arrays concatenate", `{"data":[1,2]}`, `{"data":[3]}`, `{"data":[1,2,3]}`},
		{"mixed arrays concatenate",
			`{"data":[1,2,3]}`,
			`{"data":[{"index":0,"delta":{"content":"Hello"}}]}`,
			`{"data":[1,2,3,{"index":0,"delta":{"content":"Hello"}}]}`},
		{"non-numeric index concatenates",
			`{"data":[{"index":0,"value":"first"},"regular string",{"index":"a","value":"third"}]}`,
			`{"data":[{"index":1,"value":"second"},{"index":null,"value":"fourth"}]}`,
			`{"data":[{"index":0,"value":"first"},"regular string",{"index":"a","value":"third"},{"index":1,"value":"second"},{"index":null,"value":"fourth"}]}`},
		{"fractional index concatenates",
			`{"data":[{"index":0.5}]}`,
			`{"data":[{"index":1}]}`,
			`{"data":[{"index":0.5},{"index":1}]}`},
		{"indexed arrays merge with gaps",
			`{"choices":[{"index":0,"delta":{"content":"Hello"}},{"index":2,"delta":{"content":"World"}}]}`,
			`{"choices":[{"index":0,"delta":{"content":" "}},{"index":1,"delta":{"content":"Beautiful "}},{"index":5,"delta":{"content":"!"}}]}`,
			`{"choices":[{"index":0,"delta":{"content":"Hello "}},{"index":1,"delta":{"content":"Beautiful "}},{"index":2,"delta":{"content":"World"}},null,null,{"index":5,"delta":{"content":"!"}}]}`},
		{"nested indexed merge keeps untouched fields",
			`{"choices":[{"index":0,"delta":{"content":"Hello","role":"assistant"},"finish_reason":null}]}`,
			`{"choices":[{"index":0,"delta":{"content":" World","tool_calls":[{"name":"test"}]}},{"index":1,"delta":{"content":"New choice"},"finish_reason":"stop"}]}`,
			`{"choices":[{"index":0,"delta":{"content":"Hello World","role":"assistant","tool_calls":[{"name":"test"}]},"finish_reason":null},{"index":1,"delta":{"content":"New choice"},"finish_reason":"stop"}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Merge(obj(t, tt.target), obj(t, tt.source))
			if want := obj(t, tt.want); !reflect.DeepEqual(got, want) {
				gj, _ := json.Marshal(got)
				t.Errorf("got %s, want %s", gj, tt.want)
			}
		})
	}
}

func TestMerge_NaNTargetTakesSource(t *testing.T) {
	got := Merge(map[string]any{"data": math.NaN()}, map[string]any{"data": "new value"})
	if got["data"] != "new value" {
		t.Errorf("got %v", got["data"])
	}
}

func TestMerge_NilTarget(t *testing.T) {
	got := Merge(nil, map[string]any{"a": "b"})
	if got["a"] != "b" {
		t.Errorf("got %v", got)
	}
}

func TestMerge_EmptySourceIsIdentity(t *testing.T) {
	target := obj(t, `{"role":"assistant","content":"hi","tool_calls":[{"index":0,"id":"x"}]}`)
	before := obj(t, `{"role":"assistant","content":"hi","tool_calls":[{"index":0,"id":"x"}]}`)
	got := Merge(target, map[string]any{})
	if !reflect.DeepEqual(got, before) {
		t.Errorf("empty merge changed accumulator: %v", got)
	}
}

func TestMerge_ChainedInArrivalOrder(t *testing.T) {
	fragments := []string{
		`{"content":"a","tool_calls":[{"index":1,"function":{"arguments":"{"}}]}`,
		`{"content":"b","tool_calls":[{"index":0,"id":"c0"}]}`,
		`{"content":"c","tool_calls":[{"index":1,"function":{"arguments":"}"}}]}`,
	}
	// left fold
	var left map[string]any
	for _, f := range fragments {
		left = Merge(left, obj(t, f))
	}
	// merge the tail first, then fold it into the head
	tail := Merge(obj(t, fragments[1]), obj(t, fragments[2]))
	right := Merge(obj(t, fragments[0]), tail)

	if !reflect.DeepEqual(left, right) {
		l, _ := json.Marshal(left)
		r, _ := json.Marshal(right)
		t.Errorf("not associative:\n left  %s\n right %s", l, r)
	}
	if left["content"] != "abc" {
		t.Errorf("content = %v", left["content"])
	}

	// order matters for strings
	swapped := Merge(obj(t, fragments[1]), obj(t, fragments[0]))
	if swapped["content"] == "ab" {
		t.Error("merge should not be commutative")
	}
}

func TestMerge_IndexedNeverDropsOrFabricates(t *testing.T) {
	target := obj(t, `{"xs":[{"index":0,"v":"a"},{"index":3,"v":"d"}]}`)
	source := obj(t, `{"xs":[{"index":1,"v":"b"}]}`)
	xs := Merge(target, source)["xs"].([]any)
	if len(xs) != 4 {
		t.Fatalf("len = %d, want 4", len(xs))
	}
	for i, want := range []any{"a", "b", nil, "d"} {
		if want == nil {
			if xs[i] != nil {
				t.Errorf("xs[%d] = %v, want nil gap", i, xs[i])
			}
			continue
		}
		if xs[i].(map[string]any)["v"] != want {
			t.Errorf("xs[%d] = %v, want %v", i, xs[i], want)
		}
	}
}

func TestMessageMergeDelta(t *testing.T) {
	m := Message{}
	m.MergeDelta(Delta{Role: "assistant"})
	for _, c := range []string{"根据", "查询", "结果"} {
		m.MergeDelta(Delta{Content: c})
	}
	m.MergeDelta(Delta{ToolCalls: []ToolCall{{Index: 1, ID: "call_b", Type: "function", Function: FunctionCall{Name: "b"}}}})
	m.MergeDelta(Delta{ToolCalls: []ToolCall{{Index: 0, ID: "call_a", Type: "function", Function: FunctionCall{Name: "get-current-date"}}}})
	m.MergeDelta(Delta{ToolCalls: []ToolCall{{Index: 0, Function: FunctionCall{Arguments: "{"}}}})
	m.MergeDelta(Delta{ToolCalls: []ToolCall{{Index: 0, Function: FunctionCall{Arguments: "}"}}}})
	m.MergeDelta(Delta{Extra: map[string]any{"reasoning_content": "think"}})
	m.MergeDelta(Delta{Extra: map[string]any{"reasoning_content": "ing"}})

	if m.Role != "assistant" || m.Content != "根据查询结果" {
		t.Errorf("got role %q content %q", m.Role, m.Content)
	}
	want := []ToolCall{
		{Index: 0, ID: "call_a", Type: "function", Function: FunctionCall{Name: "get-current-date", Arguments: "{}"}},
		{Index: 1, ID: "call_b", Type: "function", Function: FunctionCall{Name: "b"}},
	}
	if !reflect.DeepEqual(m.ToolCalls, want) {
		t.Errorf("tool calls = %+v", m.ToolCalls)
	}
	if m.Extra["reasoning_content"] != "thinking" {
		t.Errorf("extra = %v", m.Extra)
	}
}

func TestMessageMergeDelta_SameIndexInOneDelta(t *testing.T) {
	var m Message
	m.MergeDelta(Delta{ToolCalls: []ToolCall{
		{Index: 3, ID: "call_x", Function: FunctionCall{Name: "lookup", Arguments: `{"q":`}},
		{Index: 3, Function: FunctionCall{Arguments: `"go"}`}},
	}})
	want := []ToolCall{{Index: 3, ID: "call_x", Function: FunctionCall{Name: "lookup", Arguments: `{"q":"go"}`}}}
	if !reflect.DeepEqual(m.ToolCalls, want) {
		t.Errorf("tool calls = %+v", m.ToolCalls)
	}
}

func TestMessageMergeDelta_DoesNotAliasDelta(t *testing.T) {
	d := Delta{Extra: map[string]any{"meta": map[string]any{"k": "v"}}}
	var m Message
	m.MergeDelta(d)
	m.MergeDelta(Delta{Extra: map[string]any{"meta": map[string]any{"k": "w"}}})
	if d.Extra["meta"].(map[string]any)["k"] != "v" {
		t.Error("delta was mutated by a later merge")
	}
}
