// Package tasks tracks background work created by agent turns: lifecycle,
// user-visible reference tokens, duplicate detection, and the append-only
// history log that survives restarts.
package tasks

import "time"

// Status represents the current state of a task.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// IsTerminal returns true for completed, failed, and cancelled.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Reference token prefixes. A task carries a running reference (⚡) from
// creation; on terminal transition it gains a completion reference (✅ on
// success, ❌ on failure or cancellation). Both resolve to the same task.
const (
	RefPrefixRunning   = "⚡"
	RefPrefixCompleted = "✅"
	RefPrefixFailed    = "❌"
)

// maxActionsCompleted bounds the per-task action trail.
const maxActionsCompleted = 50

// maxResultLogChars caps the result field written to the history log.
const maxResultLogChars = 200_000

// Task is a unit of background work. The registry is the only mutator; every
// accessor returns a copy.
type Task struct {
	// ID is 8 lowercase hex chars, unique within the registry.
	ID string `json:"id"`

	// Reference is the user-visible running token, "⚡" + ID.
	Reference string `json:"reference"`

	// CompletionReference is assigned on terminal transition: "✅" + ID or
	// "❌" + ID.
	CompletionReference string `json:"completion_reference,omitempty"`

	// Description is the full task text, typically the originating user
	// message.
	Description string `json:"description"`

	// Label is a short display name, typically the first 80 chars of the
	// description.
	Label string `json:"label"`

	Status Status `json:"status"`

	// OriginChannel and OriginChatID address where completion messages go.
	OriginChannel string `json:"origin_channel"`
	OriginChatID  string `json:"origin_chat_id"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// Iteration is the tool-loop step counter.
	Iteration int `json:"iteration"`

	// MaxIterations caps the loop; nil means unlimited (wall-clock bounded).
	MaxIterations *int `json:"max_iterations,omitempty"`

	// CurrentAction is the human-readable line describing what the task is
	// doing right now.
	CurrentAction string `json:"current_action,omitempty"`

	// ActionsCompleted is the bounded ordered trail of finished actions.
	ActionsCompleted []string `json:"actions_completed,omitempty"`

	Result string `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

// IsActive returns true while the task is queued or running.
func (t *Task) IsActive() bool {
	return !t.Status.IsTerminal()
}

func (t *Task) clone() *Task {
	clone := *t
	if t.StartedAt != nil {
		started := *t.StartedAt
		clone.StartedAt = &started
	}
	if t.CompletedAt != nil {
		completed := *t.CompletedAt
		clone.CompletedAt = &completed
	}
	if t.MaxIterations != nil {
		max := *t.MaxIterations
		clone.MaxIterations = &max
	}
	clone.ActionsCompleted = append([]string(nil), t.ActionsCompleted...)
	return &clone
}
