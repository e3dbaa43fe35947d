package agent

import (
	"context"
	"encoding/json"

	"github.com/cyph3rasi/kyber/pkg/models"
)

// Finish reasons reported by ChatProvider implementations.
const (
	// FinishStop: the model produced a final text answer.
	FinishStop = "stop"

	// FinishToolCalls: the model wants tools executed before continuing.
	FinishToolCalls = "tool_calls"

	// FinishLength: the model hit its output token limit.
	FinishLength = "length"

	// FinishError: the provider adapter failed and put a human-readable
	// message in Content. Adapters classify their own failures; transport
	// errors never reach the agent loop as Go errors.
	FinishError = "error"
)

// ToolCall is one function invocation requested by the model.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// Usage is the provider-reported token accounting for one call.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// LLMResponse is the provider-neutral result of one chat call. Content is
// always a single string; adapters collapse block-structured provider output.
type LLMResponse struct {
	Content      string     `json:"content,omitempty"`
	ToolCalls    []ToolCall `json:"tool_calls,omitempty"`
	FinishReason string     `json:"finish_reason"`
	Usage        *Usage     `json:"usage,omitempty"`
}

// ChatProvider abstracts an LLM backend. Implementations translate messages
// and tool schemas to the provider's wire form and back without mutating the
// input slice, retry transient transport failures internally, and surface
// unrecoverable failures as FinishError responses rather than errors.
//
// Message conventions: system and plain user/assistant rows map directly. An
// assistant row with ToolCallID set is a tool-call request whose Content holds
// the JSON arguments; a tool row carries the result for the matching
// ToolCallID.
type ChatProvider interface {
	// Name identifies the backend ("anthropic", "openai").
	Name() string

	Chat(ctx context.Context, messages []models.Message, tools []ToolDefinition) (*LLMResponse, error)
}

// PromptBuilder produces the system prompt for a turn.
type PromptBuilder interface {
	Build(ctx context.Context) (string, error)
}
