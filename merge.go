package chatflow

import (
	"encoding/json"
	"math"
	"slices"
)

// Merge folds an incremental fragment into an accumulator and returns the
// accumulator. It works on generic JSON values as produced by encoding/json:
//
//   - a property missing (or falsy) in target takes the source value
//   - two strings concatenate, target first
//   - two arrays whose elements are all objects carrying a non-negative
//     integer "index" merge by index; positions no element claims stay nil
//   - any other pair of arrays concatenates
//   - two objects merge recursively
//   - anything else is overwritten by the source value
//
// target is mutated in place. A nil target is allocated.
func Merge(target, source map[string]any) map[string]any {
	if target == nil {
		target = make(map[string]any, len(source))
	}
	for k, sv := range source {
		target[k] = mergeValue(target[k], sv)
	}
	return target
}

func mergeValue(tv, sv any) any {
	if falsy(tv) {
		return sv
	}
	switch t := tv.(type) {
	case string:
		if s, ok := sv.(string); ok {
			return t + s
		}
	case []any:
		if s, ok := sv.([]any); ok {
			if allIndexed(t) && allIndexed(s) {
				return mergeIndexed(t, s)
			}
			out := make([]any, 0, len(t)+len(s))
			out = append(out, t...)
			return append(out, s...)
		}
	case map[string]any:
		if s, ok := sv.(map[string]any); ok {
			return Merge(t, s)
		}
	}
	return sv
}

// mergeIndexed merges two index-keyed arrays into a dense array sized to
// the largest index plus one.
func mergeIndexed(target, source []any) []any {
	byIndex := make(map[int]map[string]any, len(target)+len(source))
	size := 0
	for _, item := range target {
		obj := item.(map[string]any)
		idx, _ := indexOf(obj)
		byIndex[idx] = obj
		size = max(size, idx+1)
	}
	for _, item := range source {
		obj := item.(map[string]any)
		idx, _ := indexOf(obj)
		if existing, ok := byIndex[idx]; ok {
			byIndex[idx] = Merge(existing, obj)
		} else {
			byIndex[idx] = obj
		}
		size = max(size, idx+1)
	}
	out := make([]any, size)
	for idx, obj := range byIndex {
		out[idx] = obj
	}
	return out
}

func allIndexed(items []any) bool {
	for _, item := range items {
		obj, ok := item.(map[string]any)
		if !ok {
			return false
		}
		if _, ok := indexOf(obj); !ok {
			return false
		}
	}
	return true
}

// indexOf reads a non-negative integral "index" field.
func indexOf(obj map[string]any) (int, bool) {
	var f float64
	switch v := obj["index"].(type) {
	case float64:
		f = v
	case int:
		f = float64(v)
	case int64:
		f = float64(v)
	case json.Number:
		n, err := v.Float64()
		if err != nil {
			return 0, false
		}
		f = n
	default:
		return 0, false
	}
	if f < 0 || f != math.Trunc(f) || f > math.MaxInt32 {
		return 0, false
	}
	return int(f), true
}

// falsy mirrors the loose truthiness the wire format was designed around.
// Empty arrays and objects are not falsy.
func falsy(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return t == ""
	case bool:
		return !t
	case float64:
		return t == 0 || math.IsNaN(t)
	case int:
		return t == 0
	case int64:
		return t == 0
	case json.Number:
		return t == "" || t == "0"
	}
	return false
}

// MergeDelta applies a streamed delta to m using the same rules as Merge:
// string fields concatenate, tool calls merge by Index and extra fields go
// through Merge. Tool calls are kept sorted by Index without gaps: unlike
// Merge on generic arrays, unclaimed indices take no slot. Entries sharing
// an Index merge even within a single delta.
func (m *Message) MergeDelta(d Delta) {
	m.Role += d.Role
	m.Content += d.Content
	if len(d.ToolCalls) > 0 {
		m.ToolCalls = mergeToolCalls(m.ToolCalls, d.ToolCalls)
	}
	if len(d.Extra) > 0 {
		m.Extra = Merge(m.Extra, cloneMap(d.Extra))
	}
}

func mergeToolCalls(target, source []ToolCall) []ToolCall {
	for _, s := range source {
		i := slices.IndexFunc(target, func(t ToolCall) bool { return t.Index == s.Index })
		if i < 0 {
			target = append(target, s)
			continue
		}
		t := &target[i]
		t.ID += s.ID
		t.Type += s.Type
		t.Function.Name += s.Function.Name
		t.Function.Arguments += s.Function.Arguments
		t.Function.Result += s.Function.Result
	}
	slices.SortStableFunc(target, func(a, b ToolCall) int { return a.Index - b.Index })
	return target
}
