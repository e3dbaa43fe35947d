package models

import "time"

// Message is a single transcript entry within a session.
type Message struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`

	// ToolCallID links a tool result back to the assistant call that
	// requested it. Only set for role "tool" and for assistant tool-call
	// entries.
	ToolCallID string `json:"tool_call_id,omitempty"`

	// ToolName is the tool invoked, for tool-call and tool-result entries.
	ToolName string `json:"tool_name,omitempty"`
}

// Session is a durable conversation history keyed by "channel:chat_id".
//
// Sessions are append-only from the agent's point of view: messages are never
// reordered, and an assistant tool-call entry is always followed by the tool
// results for every emitted call before the next assistant turn.
type Session struct {
	Key       string         `json:"key"`
	Messages  []Message      `json:"messages"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// NewSession creates an empty session for the given key.
func NewSession(key string) *Session {
	now := time.Now()
	return &Session{
		Key:       key,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Append adds a message to the transcript and bumps UpdatedAt.
func (s *Session) Append(msg Message) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	s.Messages = append(s.Messages, msg)
	s.UpdatedAt = msg.Timestamp
}

// HistoryEntry is a {role, content} pair as consumed by the LLM context.
type HistoryEntry struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// GetHistory returns the most recent maxMessages user and assistant entries.
// Tool and system rows are carried in the store for persistence but excluded
// here; the agent recomposes tool context explicitly within a turn.
func (s *Session) GetHistory(maxMessages int) []HistoryEntry {
	filtered := make([]HistoryEntry, 0, len(s.Messages))
	for _, msg := range s.Messages {
		if msg.Role != RoleUser && msg.Role != RoleAssistant {
			continue
		}
		// Assistant tool-call rows carry raw arguments, not prose.
		if msg.Content == "" || msg.ToolCallID != "" {
			continue
		}
		filtered = append(filtered, HistoryEntry{Role: msg.Role, Content: msg.Content})
	}
	if maxMessages > 0 && len(filtered) > maxMessages {
		filtered = filtered[len(filtered)-maxMessages:]
	}
	return filtered
}

// Clone returns a deep copy of the session. The agent runs its tool loop on a
// private clone so interleaved turns do not pollute the shared history.
func (s *Session) Clone() *Session {
	clone := *s
	clone.Messages = append([]Message(nil), s.Messages...)
	if s.Metadata != nil {
		clone.Metadata = make(map[string]any, len(s.Metadata))
		for k, v := range s.Metadata {
			clone.Metadata[k] = v
		}
	}
	return &clone
}
