// Package agent implements the tool-calling loop at the heart of Kyber: it
// turns inbound chat messages into LLM conversations, executes the tool calls
// the model requests, tracks the work as tasks, and streams progress back to
// the originating channel.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/cyph3rasi/kyber/internal/bus"
	"github.com/cyph3rasi/kyber/internal/config"
	"github.com/cyph3rasi/kyber/internal/observability"
	"github.com/cyph3rasi/kyber/internal/sessions"
	"github.com/cyph3rasi/kyber/internal/tasks"
	"github.com/cyph3rasi/kyber/pkg/models"
)

const (
	// maxLabelChars is how much of the user message becomes the task label.
	maxLabelChars = 80

	// maxIntroChars bounds the "Working on:" status line.
	maxIntroChars = 120

	// maxArgPreviewChars bounds the argument preview in per-tool status lines.
	maxArgPreviewChars = 80
)

const timeoutAnswer = "I ran out of time before finishing. The work done so far has been recorded."

// Options wires a Core to the rest of the system.
type Options struct {
	Provider ChatProvider
	Tools    *ToolRegistry
	Sessions *sessions.Manager
	Tasks    *tasks.Registry
	Bus      *bus.MessageBus
	Prompt   PromptBuilder
	Logger   *slog.Logger
	ErrorLog *observability.ErrorLog

	// Workspace is the agent's working directory, exposed to tools.
	Workspace string

	// HistoryMessages is how many user/assistant rows feed the LLM context.
	HistoryMessages int

	// MaxIterations caps tool-loop steps per turn; 0 means wall clock only.
	MaxIterations int

	Budgets config.Budgets

	// Registerer receives turn metrics when non-nil.
	Registerer prometheus.Registerer
}

// Core runs agent turns. One Core serves all channels; each inbound message
// gets its own goroutine so chats progress in parallel, with per-session locks
// serializing only the history read-append-save sections.
type Core struct {
	provider ChatProvider
	tools    *ToolRegistry
	sessions *sessions.Manager
	tasks    *tasks.Registry
	bus      *bus.MessageBus
	prompt   PromptBuilder
	logger   *slog.Logger
	errorLog *observability.ErrorLog

	workspace       string
	historyMessages int
	maxIterations   int
	budgets         config.Budgets

	sessionLocks *sessions.KeyedLocker
	fileLocks    *sessions.KeyedLocker

	mu      sync.Mutex
	runners map[string]context.CancelFunc

	turns *prometheus.CounterVec
}

// New creates an agent core.
func New(opts Options) *Core {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	budgets := opts.Budgets
	if budgets.Turn <= 0 {
		budgets.Turn = 600 * time.Second
	}
	if budgets.LLMCall <= 0 {
		budgets.LLMCall = 600 * time.Second
	}
	historyMessages := opts.HistoryMessages
	if historyMessages <= 0 {
		historyMessages = 40
	}

	c := &Core{
		provider:        opts.Provider,
		tools:           opts.Tools,
		sessions:        opts.Sessions,
		tasks:           opts.Tasks,
		bus:             opts.Bus,
		prompt:          opts.Prompt,
		logger:          logger.With("component", "agent"),
		errorLog:        opts.ErrorLog,
		workspace:       opts.Workspace,
		historyMessages: historyMessages,
		maxIterations:   opts.MaxIterations,
		budgets:         budgets,
		sessionLocks:    sessions.NewKeyedLocker(),
		fileLocks:       sessions.NewKeyedLocker(),
		runners:         make(map[string]context.CancelFunc),
		turns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kyber", Subsystem: "agent", Name: "turns_total",
			Help: "Agent turns by outcome.",
		}, []string{"outcome"}),
	}
	if opts.Registerer != nil {
		opts.Registerer.MustRegister(c.turns)
	}
	return c
}

// Workspace returns the agent's working directory.
func (c *Core) Workspace() string {
	return c.workspace
}

// FileLock acquires the mutex for the resolved absolute path and returns its
// release func.
func (c *Core) FileLock(path string) func() {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	return c.fileLocks.Lock(abs)
}

// CurrentTask returns the task a tool call runs under.
func (c *Core) CurrentTask(taskID string) (*tasks.Task, error) {
	return c.tasks.Get(taskID)
}

// DropSession deletes a session's history and its lock entry.
func (c *Core) DropSession(sessionKey string) error {
	err := c.sessions.Delete(sessionKey)
	c.sessionLocks.Drop(sessionKey)
	return err
}

// HandleInbound runs one full turn for an inbound message and publishes the
// answer back to the originating channel. Intended to be spawned per message.
func (c *Core) HandleInbound(ctx context.Context, msg models.InboundMessage) {
	content := strings.TrimSpace(msg.Content)
	if content == "" {
		return
	}

	// A repeat of an in-flight request gets a pointer to the running task
	// instead of a second copy of the work.
	if dup := c.tasks.FindActiveDuplicate(labelFor(content), content, msg.Channel, msg.ChatID); dup != nil {
		c.logger.Info("suppressing duplicate request", "channel", msg.Channel, "chat_id", msg.ChatID, "task_id", dup.ID)
		c.bus.PublishOutbound(models.OutboundMessage{
			Channel: msg.Channel,
			ChatID:  msg.ChatID,
			Content: fmt.Sprintf("Already working on that (%s).", dup.Reference),
		})
		return
	}

	answer, err := c.runTurn(ctx, turnInput{
		content:    content,
		sessionKey: msg.SessionKey(),
		channel:    msg.Channel,
		chatID:     msg.ChatID,
	})
	if err != nil {
		c.logger.Error("turn failed", "channel", msg.Channel, "chat_id", msg.ChatID, "error", err)
		c.recordError("turn failed for " + msg.SessionKey() + ": " + err.Error())
		answer = "Something went wrong while handling that. Please try again."
	}
	if answer == "" {
		return
	}
	c.bus.PublishOutbound(models.OutboundMessage{
		Channel: msg.Channel,
		ChatID:  msg.ChatID,
		Content: answer,
	})
}

// ProcessDirect runs a turn synchronously and returns the assistant's answer.
// When trackedTaskID is set, the caller owns that task's terminal transition
// and the agent only reports progress into it.
func (c *Core) ProcessDirect(ctx context.Context, content, sessionKey, channel, chatID, trackedTaskID string) (string, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return "", errors.New("empty message")
	}
	return c.runTurn(ctx, turnInput{
		content:       content,
		sessionKey:    sessionKey,
		channel:       channel,
		chatID:        chatID,
		trackedTaskID: trackedTaskID,
	})
}

// CancelTask cancels the running turn that owns the task. Returns false when
// no runner handle exists (the turn already finished or never started).
func (c *Core) CancelTask(taskID string) bool {
	c.mu.Lock()
	cancel, ok := c.runners[taskID]
	c.mu.Unlock()
	if !ok {
		return false
	}
	cancel()
	c.tasks.MarkCancelled(taskID)
	return true
}

type turnInput struct {
	content       string
	sessionKey    string
	channel       string
	chatID        string
	trackedTaskID string
}

// turnState carries the per-turn bookkeeping the loop threads through its
// helpers.
type turnState struct {
	in        turnInput
	task      *tasks.Task
	tracked   bool
	statusKey string
	streaming bool
}

// runTurn executes the tool-calling loop for one user message.
func (c *Core) runTurn(parent context.Context, in turnInput) (string, error) {
	ctx, cancel := context.WithTimeout(parent, c.budgets.Turn)
	defer cancel()

	// Append the user message under the session lock, then loop on a private
	// clone so interleaved turns in the same chat don't pollute the shared
	// history.
	release := c.sessionLocks.Lock(in.sessionKey)
	session := c.sessions.GetOrCreate(in.sessionKey)
	session.Append(models.Message{Role: models.RoleUser, Content: in.content})
	c.sessions.Save(session)
	scratch := session.Clone()
	release()

	st := &turnState{
		in:        in,
		statusKey: uuid.NewString()[:8],
	}
	if in.trackedTaskID != "" {
		st.tracked = true
		if task, err := c.tasks.Get(in.trackedTaskID); err == nil {
			st.task = task
		}
	}
	defer func() {
		if st.streaming {
			c.emitStatus(st, models.StatusEnd)
		}
		c.unregisterRunner(st)
	}()

	msgs := c.initialMessages(ctx, scratch)

	iteration := 0
	for {
		iteration++
		if c.maxIterations > 0 && iteration > c.maxIterations {
			return c.finishTimeout(st, fmt.Sprintf("stopped after %d iterations", c.maxIterations)), nil
		}
		if err := ctx.Err(); err != nil {
			return c.finishInterrupted(st, err), nil
		}

		resp := c.callProvider(ctx, msgs)
		if resp.FinishReason == FinishError {
			if err := ctx.Err(); err != nil {
				return c.finishInterrupted(st, err), nil
			}
			return c.finishFailed(st, resp.Content), nil
		}

		if len(resp.ToolCalls) == 0 {
			answer := resp.Content
			c.finalizeSuccess(st, answer)
			c.appendAssistant(in.sessionKey, answer)
			c.turns.WithLabelValues("ok").Inc()
			return answer, nil
		}

		c.ensureTask(st, cancel)
		if !st.streaming {
			st.streaming = true
			c.emitStatus(st, models.StatusStart)
			c.emitStatus(st, "Working on: "+truncate(in.content, maxIntroChars))
		}

		for _, tc := range resp.ToolCalls {
			msgs = append(msgs, models.Message{
				Role:       models.RoleAssistant,
				Content:    string(tc.Arguments),
				ToolCallID: tc.ID,
				ToolName:   tc.Name,
			})
			c.reportProgress(st, iteration, tc.Name)

			start := time.Now()
			result := c.executeToolCall(ctx, st, tc)
			elapsed := time.Since(start)

			c.emitStatus(st, fmt.Sprintf("%s %s (%.1fs)", tc.Name, argPreview(tc.Arguments), elapsed.Seconds()))
			msgs = append(msgs, models.Message{
				Role:       models.RoleTool,
				Content:    result,
				ToolCallID: tc.ID,
				ToolName:   tc.Name,
			})
			c.recordAction(st, fmt.Sprintf("%s (%.1fs)", tc.Name, elapsed.Seconds()))

			if err := ctx.Err(); err != nil {
				return c.finishInterrupted(st, err), nil
			}
		}
	}
}

// initialMessages builds the system prompt plus the recent history window.
// The just-appended user message is the window's last entry.
func (c *Core) initialMessages(ctx context.Context, scratch *models.Session) []models.Message {
	system := ""
	if c.prompt != nil {
		built, err := c.prompt.Build(ctx)
		if err != nil {
			c.logger.Warn("system prompt build failed, using fallback", "error", err)
		} else {
			system = built
		}
	}
	if system == "" {
		system = "You are Kyber, a personal assistant."
	}

	history := scratch.GetHistory(c.historyMessages)
	msgs := make([]models.Message, 0, len(history)+1)
	msgs = append(msgs, models.Message{Role: models.RoleSystem, Content: system})
	for _, entry := range history {
		msgs = append(msgs, models.Message{Role: entry.Role, Content: entry.Content})
	}
	return msgs
}

// callProvider makes one LLM call under its own budget. Provider adapters
// classify their own failures; an unexpected Go error is normalized to a
// FinishError response here so the loop has a single failure shape.
func (c *Core) callProvider(ctx context.Context, msgs []models.Message) *LLMResponse {
	llmCtx, cancel := context.WithTimeout(ctx, c.budgets.LLMCall)
	defer cancel()

	resp, err := c.provider.Chat(llmCtx, msgs, c.tools.GetDefinitions(nil, nil, false))
	if err != nil {
		c.logger.Error("provider call failed", "provider", c.provider.Name(), "error", err)
		return &LLMResponse{
			Content:      "The language model is unavailable right now.",
			FinishReason: FinishError,
		}
	}
	return resp
}

// ensureTask creates the implicit task on the first tool call of a turn and
// registers the turn's cancel func under it.
func (c *Core) ensureTask(st *turnState, cancel context.CancelFunc) {
	if st.task != nil || st.tracked {
		return
	}
	task := c.tasks.Create(st.in.content, labelFor(st.in.content), st.in.channel, st.in.chatID)
	c.tasks.MarkStarted(task.ID)
	st.task = task
	c.logger.Info("task started", "task_id", task.ID, "ref", task.Reference, "label", task.Label)

	c.mu.Lock()
	c.runners[task.ID] = cancel
	c.mu.Unlock()
}

func (c *Core) unregisterRunner(st *turnState) {
	if st.task == nil || st.tracked {
		return
	}
	c.mu.Lock()
	delete(c.runners, st.task.ID)
	c.mu.Unlock()
}

func (c *Core) executeToolCall(ctx context.Context, st *turnState, tc ToolCall) string {
	var params map[string]any
	if len(tc.Arguments) > 0 {
		if err := json.Unmarshal(tc.Arguments, &params); err != nil {
			return errorResult(fmt.Sprintf("arguments for '%s' are not a JSON object: %v", tc.Name, err))
		}
	}
	taskID := ""
	if st.task != nil {
		taskID = st.task.ID
	}
	return c.tools.Execute(ctx, tc.Name, params, ToolContext{
		SessionKey: st.in.sessionKey,
		TaskID:     taskID,
		Agent:      c,
	})
}

func (c *Core) reportProgress(st *turnState, iteration int, action string) {
	if st.task == nil {
		return
	}
	c.tasks.UpdateProgress(st.task.ID, iteration, action)
}

func (c *Core) recordAction(st *turnState, action string) {
	if st.task == nil {
		return
	}
	c.tasks.RecordAction(st.task.ID, action)
}

// finalizeSuccess marks the turn's task completed. Tracked tasks belong to
// the caller and are left alone.
func (c *Core) finalizeSuccess(st *turnState, result string) {
	if st.task == nil || st.tracked {
		return
	}
	c.tasks.MarkCompleted(st.task.ID, result)
}

func (c *Core) finishFailed(st *turnState, message string) string {
	if st.task != nil && !st.tracked {
		c.tasks.MarkFailed(st.task.ID, message)
	}
	c.turns.WithLabelValues("error").Inc()
	c.appendAssistant(st.in.sessionKey, message)
	return message
}

func (c *Core) finishTimeout(st *turnState, reason string) string {
	if st.task != nil && !st.tracked {
		c.tasks.MarkFailed(st.task.ID, reason)
	}
	c.turns.WithLabelValues("timeout").Inc()
	c.appendAssistant(st.in.sessionKey, timeoutAnswer)
	return timeoutAnswer
}

// finishInterrupted handles the turn context ending mid-loop: a deadline is a
// timeout with a user-visible answer, a cancellation ends the turn silently
// (the cancel path already told the user).
func (c *Core) finishInterrupted(st *turnState, err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return c.finishTimeout(st, "wall clock budget exceeded")
	}
	if st.task != nil && !st.tracked {
		c.tasks.MarkCancelled(st.task.ID)
	}
	c.turns.WithLabelValues("cancelled").Inc()
	return ""
}

// appendAssistant appends the final answer to the shared session under the
// per-session lock. Empty answers are not recorded.
func (c *Core) appendAssistant(sessionKey, answer string) {
	if answer == "" {
		return
	}
	release := c.sessionLocks.Lock(sessionKey)
	defer release()
	session := c.sessions.GetOrCreate(sessionKey)
	session.Append(models.Message{Role: models.RoleAssistant, Content: answer})
	c.sessions.Save(session)
}

func (c *Core) emitStatus(st *turnState, line string) {
	c.bus.PublishStatus(models.StatusUpdate{
		Channel:   st.in.channel,
		ChatID:    st.in.chatID,
		StatusKey: st.statusKey,
		Line:      line,
	})
}

func (c *Core) recordError(msg string) {
	if c.errorLog != nil {
		c.errorLog.Record("agent", msg)
	}
}

func labelFor(content string) string {
	return truncate(content, maxLabelChars)
}

// truncate shortens s to at most max runes, appending an ellipsis when it
// cuts.
func truncate(s string, max int) string {
	s = strings.Join(strings.Fields(s), " ")
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max-1]) + "…"
}

func argPreview(raw json.RawMessage) string {
	preview := strings.Join(strings.Fields(string(raw)), " ")
	if preview == "" || preview == "null" {
		return "{}"
	}
	return truncate(preview, maxArgPreviewChars)
}
