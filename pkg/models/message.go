// Package models defines the wire types shared between channels, the agent,
// and the control plane.
package models

import (
	"time"
)

// Role indicates the message author type within a session transcript.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// Status stream sentinels. A channel receiving StatusStart opens an ephemeral
// status message for the given status key; StatusEnd closes it. Lines in
// between replace the status message body.
const (
	StatusStart = "__KYBER_STATUS_START__"
	StatusEnd   = "__KYBER_STATUS_END__"
)

// InboundMessage is a message received from a chat platform. It is immutable
// once published to the bus.
type InboundMessage struct {
	// Channel is the adapter name that produced the message (telegram,
	// discord, whatsapp, dashboard).
	Channel string `json:"channel"`

	// SenderID identifies the platform user who sent the message.
	SenderID string `json:"sender_id"`

	// ChatID identifies the conversation on the platform.
	ChatID string `json:"chat_id"`

	// Content is the text body.
	Content string `json:"content"`

	// Media holds local file paths for downloaded attachments, in the order
	// they appeared in the platform message.
	Media []string `json:"media,omitempty"`

	// Timestamp is when the platform delivered the message.
	Timestamp time.Time `json:"timestamp"`

	// Metadata carries adapter-specific context (message ids, reply targets).
	Metadata map[string]any `json:"metadata,omitempty"`
}

// SessionKey returns the durable conversation key for this message,
// "channel:chat_id".
func (m *InboundMessage) SessionKey() string {
	return m.Channel + ":" + m.ChatID
}

// OutboundMessage is a message to be delivered to a chat platform.
type OutboundMessage struct {
	// Channel names the adapter that should deliver the message.
	Channel string `json:"channel"`

	// ChatID identifies the target conversation.
	ChatID string `json:"chat_id"`

	// Content is the text body.
	Content string `json:"content"`

	// IsBackground marks background task completions. Channels skip the
	// typing indicator for background messages and may prefix them with the
	// task's completion reference.
	IsBackground bool `json:"is_background,omitempty"`

	// Metadata carries adapter-specific delivery hints.
	Metadata map[string]any `json:"metadata,omitempty"`
}

// StatusUpdate is one line of a turn's status stream. Lines for a single turn
// share a StatusKey and are bracketed by the StatusStart and StatusEnd
// sentinels.
type StatusUpdate struct {
	Channel string `json:"channel"`
	ChatID  string `json:"chat_id"`

	// StatusKey identifies the in-flight request the line belongs to.
	StatusKey string `json:"status_key"`

	// Line is a sentinel, the turn's intro line, or a tool progress line.
	Line string `json:"line"`
}
