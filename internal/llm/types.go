package llm

import (
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/nugget/tadpole/internal/value"
)

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message represents a chat message for the LLM.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"` // For tool responses
	ToolName   string     `json:"tool_name,omitempty"`    // For tool responses

	// Diagnostic marks a system message recording a failure. Diagnostics
	// are part of the transcript but never sent to a backend.
	Diagnostic bool `json:"diagnostic,omitempty"`
}

// ToolFunction is the function part of a tool call.
type ToolFunction struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// ToolCall represents a tool call from the model.
type ToolCall struct {
	ID       string       `json:"id,omitempty"` // Provider-assigned ID (required by Anthropic for tool_result correlation)
	Function ToolFunction `json:"function"`
}

// NewToolCall builds a call with a fresh id.
func NewToolCall(name string, args map[string]any) ToolCall {
	return ToolCall{ID: newCallID(), Function: ToolFunction{Name: name, Arguments: args}}
}

// Args returns the call arguments as tagged values.
func (tc ToolCall) Args() value.Args {
	return value.ArgsFromMap(tc.Function.Arguments)
}

// EnsureCallIDs assigns an id to every call the backend left unnamed so
// each result can be correlated with its request.
func EnsureCallIDs(calls []ToolCall) {
	for i := range calls {
		if calls[i].ID == "" {
			calls[i].ID = newCallID()
		}
	}
}

func newCallID() string {
	return "call_" + ulid.Make().String()
}

// ChatResponse is the unified response from any LLM provider.
// All fields use proper Go types; wire format conversion happens
// at provider boundaries (ollama.go, anthropic.go).
type ChatResponse struct {
	Model     string
	CreatedAt time.Time
	Message   Message
	Done      bool

	// Token usage (provider-neutral)
	InputTokens  int
	OutputTokens int

	// Timing (populated when available)
	TotalDuration time.Duration
	LoadDuration  time.Duration
	EvalDuration  time.Duration
}

// outbound returns the messages a backend should see: diagnostics are
// dropped.
func outbound(messages []Message) []Message {
	out := make([]Message, 0, len(messages))
	for _, m := range messages {
		if m.Diagnostic {
			continue
		}
		out = append(out, m)
	}
	return out
}
