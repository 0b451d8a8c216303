// Package llm provides provider-agnostic access to chat-completion
// backends. Each provider translates its wire format into the neutral
// types here; nothing outside this package sees provider payloads.
package llm

import "log/slog"

// LevelTrace is below Debug, used for wire-level payload logging.
const LevelTrace = slog.Level(-8)

// Message represents one conversational turn.
type Message struct {
	Role       string     `json:"role"` // system, user, assistant, tool
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`   // assistant only
	ToolCallID string     `json:"tool_call_id,omitempty"` // tool only, correlates to a ToolCall.ID
}

// ToolCall is a tool invocation requested by the model, normalized from
// whatever encoding the provider used. ID correlates the request with
// its tool result within one assistant turn; providers that omit ids
// get synthesized ones so correlation always holds.
type ToolCall struct {
	ID        string         `json:"id,omitempty"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`

	// RawArguments preserves the provider's argument text when it did
	// not decode as a JSON object. Arguments is nil in that case; the
	// call is kept so it can be answered with a failure result and the
	// model gets a chance to correct itself.
	RawArguments string `json:"-"`
}

// Malformed reports whether the provider delivered arguments that
// could not be decoded. Malformed calls are never dispatched.
func (tc ToolCall) Malformed() bool {
	return tc.RawArguments != ""
}

// ChatResponse is the unified response from any provider. All fields
// use proper Go types; wire format conversion happens at provider
// boundaries (ollama.go, openai.go).
type ChatResponse struct {
	Model   string
	Message Message
	Done    bool

	// Token usage (provider-neutral)
	InputTokens  int
	OutputTokens int
}

// StreamCallback receives incremental text tokens during a streaming
// completion. Tool calls are not streamed; they arrive on the final
// ChatResponse.
type StreamCallback func(token string)
