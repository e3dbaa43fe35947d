package tasks

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// ErrTaskNotFound is returned when no task matches an id or reference.
var ErrTaskNotFound = errors.New("task not found")

// historyHydrateLimit is how many trailing history records are loaded into
// memory on startup so GetHistory and GetByRef work across restarts.
const historyHydrateLimit = 200

// Registry owns all Task records. It is the only mutator: accessors return
// copies, and terminal states are sticky — once a task is cancelled, later
// MarkCompleted/MarkFailed calls are no-ops.
type Registry struct {
	logger      *slog.Logger
	historyPath string

	mu      sync.Mutex
	tasks   map[string]*Task
	byRef   map[string]string // reference (with or without prefix) → task id
	history []*Task           // terminal tasks, oldest first, bounded
}

// NewRegistry creates a registry persisting terminal transitions to
// <data_dir>/tasks/history.jsonl, hydrating recent history from it.
func NewRegistry(dataDir string, logger *slog.Logger) (*Registry, error) {
	dir := filepath.Join(dataDir, "tasks")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create tasks dir: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		logger:      logger.With("component", "tasks"),
		historyPath: filepath.Join(dir, "history.jsonl"),
		tasks:       make(map[string]*Task),
		byRef:       make(map[string]string),
	}
	r.hydrate()
	return r, nil
}

// Create registers a new queued task and returns a copy of it.
func (r *Registry) Create(description, label, originChannel, originChatID string) *Task {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := r.newID()
	task := &Task{
		ID:            id,
		Reference:     RefPrefixRunning + id,
		Description:   description,
		Label:         label,
		Status:        StatusQueued,
		OriginChannel: originChannel,
		OriginChatID:  originChatID,
		CreatedAt:     time.Now(),
	}
	r.tasks[id] = task
	r.byRef[id] = id
	r.byRef[task.Reference] = id
	return task.clone()
}

// newID generates an 8-hex id unique within this registry. Caller holds r.mu.
func (r *Registry) newID() string {
	for {
		id := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
		if _, taken := r.byRef[id]; !taken {
			return id
		}
	}
}

// Get returns a copy of the task with the given id.
func (r *Registry) Get(id string) (*Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	task, ok := r.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	return task.clone(), nil
}

// GetByRef resolves a reference token with or without its prefix emoji.
// "⚡abc12345", "✅abc12345", "❌abc12345", and bare "abc12345" all resolve to
// the same task.
func (r *Registry) GetByRef(ref string) (*Task, error) {
	bare := strings.TrimSpace(ref)
	for _, prefix := range []string{RefPrefixRunning, RefPrefixCompleted, RefPrefixFailed} {
		bare = strings.TrimPrefix(bare, prefix)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byRef[bare]
	if !ok {
		return nil, ErrTaskNotFound
	}
	task, ok := r.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	return task.clone(), nil
}

// MarkStarted transitions a queued task to running.
func (r *Registry) MarkStarted(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	task, ok := r.tasks[id]
	if !ok || task.Status.IsTerminal() {
		return
	}
	now := time.Now()
	task.Status = StatusRunning
	task.StartedAt = &now
}

// UpdateProgress records the loop iteration and the current action line.
func (r *Registry) UpdateProgress(id string, iteration int, currentAction string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	task, ok := r.tasks[id]
	if !ok || task.Status.IsTerminal() {
		return
	}
	task.Iteration = iteration
	task.CurrentAction = currentAction
}

// RecordAction appends a completed action to the task's bounded trail.
func (r *Registry) RecordAction(id, action string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	task, ok := r.tasks[id]
	if !ok || task.Status.IsTerminal() {
		return
	}
	task.ActionsCompleted = append(task.ActionsCompleted, action)
	if len(task.ActionsCompleted) > maxActionsCompleted {
		task.ActionsCompleted = task.ActionsCompleted[len(task.ActionsCompleted)-maxActionsCompleted:]
	}
}

// MarkCompleted transitions the task to completed. No-op if the task already
// reached a terminal state (cancellation wins every race).
func (r *Registry) MarkCompleted(id, result string) {
	r.finalize(id, StatusCompleted, result, "")
}

// MarkFailed transitions the task to failed. No-op on terminal tasks.
func (r *Registry) MarkFailed(id, errMsg string) {
	r.finalize(id, StatusFailed, "", errMsg)
}

// MarkCancelled transitions the task to cancelled. Cancellation is sticky:
// subsequent MarkCompleted/MarkFailed calls are ignored.
func (r *Registry) MarkCancelled(id string) {
	r.finalize(id, StatusCancelled, "", "cancelled")
}

func (r *Registry) finalize(id string, status Status, result, errMsg string) {
	r.mu.Lock()
	task, ok := r.tasks[id]
	if !ok || task.Status.IsTerminal() {
		r.mu.Unlock()
		return
	}

	now := time.Now()
	task.Status = status
	task.CompletedAt = &now
	task.CurrentAction = ""
	task.Result = result
	task.Error = errMsg
	if status == StatusCompleted {
		task.CompletionReference = RefPrefixCompleted + task.ID
	} else {
		task.CompletionReference = RefPrefixFailed + task.ID
	}
	r.byRef[task.CompletionReference] = task.ID

	r.history = append(r.history, task)
	if len(r.history) > historyHydrateLimit {
		evicted := r.history[0]
		r.history = r.history[1:]
		if evicted.ID != task.ID {
			r.evictLocked(evicted)
		}
	}
	record := task.clone()
	r.mu.Unlock()

	r.appendHistory(record)
}

// evictLocked drops an old terminal task from the lookup maps. Caller holds
// r.mu.
func (r *Registry) evictLocked(task *Task) {
	delete(r.tasks, task.ID)
	delete(r.byRef, task.ID)
	delete(r.byRef, task.Reference)
	if task.CompletionReference != "" {
		delete(r.byRef, task.CompletionReference)
	}
}

// GetActiveTasks returns copies of all queued and running tasks, oldest
// first.
func (r *Registry) GetActiveTasks() []*Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Task
	for _, task := range r.tasks {
		if task.IsActive() {
			out = append(out, task.clone())
		}
	}
	sortByCreation(out)
	return out
}

// GetHistory returns up to limit terminal tasks, most recent last.
func (r *Registry) GetHistory(limit int) []*Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	history := r.history
	if limit > 0 && len(history) > limit {
		history = history[len(history)-limit:]
	}
	out := make([]*Task, 0, len(history))
	for _, task := range history {
		out = append(out, task.clone())
	}
	return out
}

// FindActiveDuplicate returns an active task from the same origin whose label
// and description are close enough to count as the same request, or nil.
func (r *Registry) FindActiveDuplicate(label, description, originChannel, originChatID string) *Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, task := range r.tasks {
		if !task.IsActive() {
			continue
		}
		if task.OriginChannel != originChannel || task.OriginChatID != originChatID {
			continue
		}
		if similarity(task.Label, label) >= labelSimilarityThreshold &&
			descriptionsMatch(task.Description, description) {
			return task.clone()
		}
	}
	return nil
}

func sortByCreation(tasks []*Task) {
	for i := 1; i < len(tasks); i++ {
		for j := i; j > 0 && tasks[j].CreatedAt.Before(tasks[j-1].CreatedAt); j-- {
			tasks[j], tasks[j-1] = tasks[j-1], tasks[j]
		}
	}
}

// appendHistory writes one terminal record to the append-only log. Wall-clock
// ISO timestamps go to disk; in-memory times keep their monotonic reading for
// duration math.
func (r *Registry) appendHistory(task *Task) {
	if len(task.Result) > maxResultLogChars {
		cut := maxResultLogChars
		for cut > 0 && !utf8.RuneStart(task.Result[cut]) {
			cut--
		}
		task.Result = task.Result[:cut]
	}

	f, err := os.OpenFile(r.historyPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		r.logger.Error("failed to open task history log", "error", err)
		return
	}
	defer f.Close()

	if err := json.NewEncoder(f).Encode(task); err != nil {
		r.logger.Error("failed to append task history", "task_id", task.ID, "error", err)
	}
}

// hydrate loads the tail of the history log so lookups work across restarts.
func (r *Registry) hydrate() {
	f, err := os.Open(r.historyPath)
	if err != nil {
		if !os.IsNotExist(err) {
			r.logger.Warn("failed to open task history log", "error", err)
		}
		return
	}
	defer f.Close()

	var records []*Task
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var task Task
		if err := json.Unmarshal([]byte(line), &task); err != nil {
			r.logger.Warn("skipping malformed history record", "error", err)
			continue
		}
		records = append(records, &task)
	}
	if err := scanner.Err(); err != nil {
		r.logger.Warn("failed to scan task history log", "error", err)
	}

	if len(records) > historyHydrateLimit {
		records = records[len(records)-historyHydrateLimit:]
	}
	for _, task := range records {
		r.tasks[task.ID] = task
		r.byRef[task.ID] = task.ID
		r.byRef[task.Reference] = task.ID
		if task.CompletionReference != "" {
			r.byRef[task.CompletionReference] = task.ID
		}
	}
	r.history = records
}
