package chatflow

import (
	"encoding/json"
	"maps"
	"slices"
)

// Conventional message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Finish reasons observed on the terminal stream chunk.
const (
	FinishStop      = "stop"
	FinishLength    = "length"
	FinishToolCalls = "tool_calls"
)

// RequestState is the coarse lifecycle state of a Session.
type RequestState string

const (
	StateIdle       RequestState = "idle"
	StateProcessing RequestState = "processing"
	StateCompleted  RequestState = "completed"
	StateAborted    RequestState = "aborted"
	StateError      RequestState = "error"
)

// Conventional processing states. Plugins may set any other string.
const (
	ProcessingRequesting   = "requesting"
	ProcessingStreaming    = "streaming"
	ProcessingCallingTools = "calling-tools"
)

// ExclusionState marks messages that must be left out of outgoing requests
// while staying visible in the conversation history.
type ExclusionState string

const (
	ExclusionNone ExclusionState = ""
	// ExcludedNextTurn is still sent during the current turn and becomes
	// Excluded (or is removed) when the next turn starts.
	ExcludedNextTurn ExclusionState = "excluded-next-turn"
	Excluded         ExclusionState = "excluded"
)

// ToolStatus tracks the execution state carried by a tool-result message.
type ToolStatus string

const (
	ToolRunning   ToolStatus = "running"
	ToolSuccess   ToolStatus = "success"
	ToolFailed    ToolStatus = "failed"
	ToolCancelled ToolStatus = "cancelled"
)

// --- conversation records ---

// Metadata is bookkeeping attached to a message. It is never sent to the
// model unless "metadata" is listed in the request fields.
type Metadata struct {
	CreatedAt int64          `json:"createdAt,omitempty"`
	UpdatedAt int64          `json:"updatedAt,omitempty"`
	ID        string         `json:"id,omitempty"`
	Model     string         `json:"model,omitempty"`
	Extra     map[string]any `json:"-"`
}

// Message is a single conversation entry. Unknown wire fields are kept in
// Extra and flattened back when the message is marshalled.
type Message struct {
	Role       string         `json:"role"`
	Content    string         `json:"content"`
	Metadata   *Metadata      `json:"metadata,omitempty"`
	ToolCalls  []ToolCall     `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	Status     ToolStatus     `json:"status,omitempty"`
	Exclusion  ExclusionState `json:"exclusion,omitempty"`
	Extra      map[string]any `json:"-"`
}

// ToolCall is a model-requested function invocation. ID is its identity;
// Index positions it inside one assistant response for delta merging.
type ToolCall struct {
	Index    int          `json:"index"`
	ID       string       `json:"id,omitempty"`
	Type     string       `json:"type,omitempty"`
	Function FunctionCall `json:"function"`
}

// FunctionCall holds the function name and its JSON-encoded arguments.
type FunctionCall struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments"`
	Result    string `json:"result,omitempty"`
}

// Tool is a function schema advertised to the model.
type Tool struct {
	Type     string             `json:"type"`
	Function FunctionDefinition `json:"function"`
}

// FunctionDefinition describes a callable function. Parameters is a JSON Schema.
type FunctionDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// FunctionTool builds a Tool of type "function".
func FunctionTool(name, description string, parameters json.RawMessage) Tool {
	return Tool{Type: "function", Function: FunctionDefinition{Name: name, Description: description, Parameters: parameters}}
}

// RequestBody is the payload handed to the Transport. Plugins mutate it in
// OnBeforeRequest; Extra is flattened into the wire body.
type RequestBody struct {
	Messages []Message      `json:"messages"`
	Tools    []Tool         `json:"tools,omitempty"`
	Extra    map[string]any `json:"-"`
}

// --- stream records ---

// Chunk is one server-sent event of a streaming chat completion.
type Chunk struct {
	ID                string   `json:"id"`
	Object            string   `json:"object,omitempty"`
	Created           int64    `json:"created,omitempty"`
	Model             string   `json:"model,omitempty"`
	SystemFingerprint *string  `json:"system_fingerprint,omitempty"`
	Choices           []Choice `json:"choices"`
	Usage             *Usage   `json:"usage,omitempty"`
}

// Choice is a per-chunk choice. FinishReason is nil while in progress.
type Choice struct {
	Index        int     `json:"index"`
	Delta        Delta   `json:"delta"`
	FinishReason *string `json:"finish_reason"`
}

// Finish returns the finish reason or "" while the choice is in progress.
func (c *Choice) Finish() string {
	if c == nil || c.FinishReason == nil {
		return ""
	}
	return *c.FinishReason
}

// Delta is an incremental message fragment.
type Delta struct {
	Role      string         `json:"role,omitempty"`
	Content   string         `json:"content,omitempty"`
	ToolCalls []ToolCall     `json:"tool_calls,omitempty"`
	Extra     map[string]any `json:"-"`
}

// Usage reports token accounting for a completion.
type Usage struct {
	PromptTokens        int                  `json:"prompt_tokens"`
	CompletionTokens    int                  `json:"completion_tokens"`
	TotalTokens         int                  `json:"total_tokens"`
	PromptTokensDetails *PromptTokensDetails `json:"prompt_tokens_details,omitempty"`
}

type PromptTokensDetails struct {
	CachedTokens int `json:"cached_tokens"`
}

// Choice returns the choice with the given index, or nil.
func (c *Chunk) Choice(index int) *Choice {
	for i := range c.Choices {
		if c.Choices[i].Index == index {
			return &c.Choices[i]
		}
	}
	return nil
}

// --- constructors ---

func UserMessage(text string) Message {
	return Message{Role: RoleUser, Content: text}
}

func SystemMessage(text string) Message {
	return Message{Role: RoleSystem, Content: text}
}

func AssistantMessage(text string) Message {
	return Message{Role: RoleAssistant, Content: text}
}

func ToolResultMessage(callID, content string) Message {
	return Message{Role: RoleTool, Content: content, ToolCallID: callID}
}

// Clone returns a deep copy of m.
func (m *Message) Clone() Message {
	out := *m
	if m.Metadata != nil {
		md := *m.Metadata
		md.Extra = cloneMap(m.Metadata.Extra)
		out.Metadata = &md
	}
	out.ToolCalls = slices.Clone(m.ToolCalls)
	out.Extra = cloneMap(m.Extra)
	return out
}

// Pick returns a copy of m holding only the listed fields. Field names are
// the JSON keys, so extra fields can be picked as well.
func (m *Message) Pick(fields []string) Message {
	var out Message
	for _, f := range fields {
		switch f {
		case "role":
			out.Role = m.Role
		case "content":
			out.Content = m.Content
		case "metadata":
			if m.Metadata != nil {
				md := *m.Metadata
				out.Metadata = &md
			}
		case "tool_calls":
			out.ToolCalls = slices.Clone(m.ToolCalls)
		case "tool_call_id":
			out.ToolCallID = m.ToolCallID
		case "status":
			out.Status = m.Status
		case "exclusion":
			out.Exclusion = m.Exclusion
		default:
			if v, ok := m.Extra[f]; ok {
				if out.Extra == nil {
					out.Extra = make(map[string]any)
				}
				out.Extra[f] = v
			}
		}
	}
	return out
}

// ToolCallIDs returns the ids of m's tool calls in order, skipping empty ids.
func (m *Message) ToolCallIDs() []string {
	ids := make([]string, 0, len(m.ToolCalls))
	for _, tc := range m.ToolCalls {
		if tc.ID != "" {
			ids = append(ids, tc.ID)
		}
	}
	return ids
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}

// --- JSON flattening of Extra fields ---

var (
	messageKeys  = []string{"role", "content", "metadata", "tool_calls", "tool_call_id", "status", "exclusion"}
	metadataKeys = []string{"createdAt", "updatedAt", "id", "model"}
	deltaKeys    = []string{"role", "content", "tool_calls"}
	bodyKeys     = []string{"messages", "tools"}
)

// marshalFlat marshals v (a struct alias) and merges extra keys into the
// resulting object. Typed fields win over extra keys with the same name.
func marshalFlat(v any, extra map[string]any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil || len(extra) == 0 {
		return data, err
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil, err
	}
	for _, k := range slices.Sorted(maps.Keys(extra)) {
		if _, ok := obj[k]; ok {
			continue
		}
		raw, err := json.Marshal(extra[k])
		if err != nil {
			return nil, err
		}
		obj[k] = raw
	}
	return json.Marshal(obj)
}

// unmarshalFlat decodes data into v and returns the keys not in known.
func unmarshalFlat(data []byte, v any, known []string) (map[string]any, error) {
	if err := json.Unmarshal(data, v); err != nil {
		return nil, err
	}
	var obj map[string]any
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil, err
	}
	for _, k := range known {
		delete(obj, k)
	}
	if len(obj) == 0 {
		return nil, nil
	}
	return obj, nil
}

func (m Message) MarshalJSON() ([]byte, error) {
	type alias Message
	return marshalFlat(alias(m), m.Extra)
}

func (m *Message) UnmarshalJSON(data []byte) error {
	type alias Message
	var a alias
	extra, err := unmarshalFlat(data, &a, messageKeys)
	if err != nil {
		return err
	}
	*m = Message(a)
	m.Extra = extra
	return nil
}

func (md Metadata) MarshalJSON() ([]byte, error) {
	type alias Metadata
	return marshalFlat(alias(md), md.Extra)
}

func (md *Metadata) UnmarshalJSON(data []byte) error {
	type alias Metadata
	var a alias
	extra, err := unmarshalFlat(data, &a, metadataKeys)
	if err != nil {
		return err
	}
	*md = Metadata(a)
	md.Extra = extra
	return nil
}

func (d Delta) MarshalJSON() ([]byte, error) {
	type alias Delta
	return marshalFlat(alias(d), d.Extra)
}

func (d *Delta) UnmarshalJSON(data []byte) error {
	type alias Delta
	var a alias
	extra, err := unmarshalFlat(data, &a, deltaKeys)
	if err != nil {
		return err
	}
	*d = Delta(a)
	d.Extra = extra
	return nil
}

func (b RequestBody) MarshalJSON() ([]byte, error) {
	type alias RequestBody
	return marshalFlat(alias(b), b.Extra)
}

func (b *RequestBody) UnmarshalJSON(data []byte) error {
	type alias RequestBody
	var a alias
	extra, err := unmarshalFlat(data, &a, bodyKeys)
	if err != nil {
		return err
	}
	*b = RequestBody(a)
	b.Extra = extra
	return nil
}
