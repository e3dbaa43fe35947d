// Package gateway exposes the HTTP control plane: task inspection and
// cancellation, the error log, synchronous dashboard chat, and Prometheus
// metrics. Every endpoint requires the bearer token generated at first run.
package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cyph3rasi/kyber/internal/agent"
	"github.com/cyph3rasi/kyber/internal/bus"
	"github.com/cyph3rasi/kyber/internal/observability"
	"github.com/cyph3rasi/kyber/internal/sessions"
	"github.com/cyph3rasi/kyber/internal/tasks"
	"github.com/cyph3rasi/kyber/pkg/models"
)

// dashboardChannel is the channel name for messages injected via the API.
const dashboardChannel = "dashboard"

// maxSessionIDChars caps normalized dashboard session ids.
const maxSessionIDChars = 64

// Options wires a Server to the rest of the system.
type Options struct {
	Addr      string
	AuthToken string

	Agent    *agent.Core
	Tasks    *tasks.Registry
	Bus      *bus.MessageBus
	ErrorLog *observability.ErrorLog
	Logger   *slog.Logger

	// ChatTimeout bounds a synchronous /chat/turn. Defaults to 180 s.
	ChatTimeout time.Duration

	// Gatherer serves /metrics when non-nil.
	Gatherer prometheus.Gatherer
}

// Server is the HTTP control plane.
type Server struct {
	addr      string
	authToken string

	agent    *agent.Core
	tasks    *tasks.Registry
	bus      *bus.MessageBus
	errorLog *observability.ErrorLog
	logger   *slog.Logger

	chatTimeout time.Duration

	// chatLocks serializes synchronous dashboard turns per session.
	chatLocks *sessions.KeyedLocker

	httpServer *http.Server
}

// New creates the gateway server. Start must be called to begin serving.
func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	chatTimeout := opts.ChatTimeout
	if chatTimeout <= 0 {
		chatTimeout = 180 * time.Second
	}

	s := &Server{
		addr:        opts.Addr,
		authToken:   opts.AuthToken,
		agent:       opts.Agent,
		tasks:       opts.Tasks,
		bus:         opts.Bus,
		errorLog:    opts.ErrorLog,
		logger:      logger.With("component", "gateway"),
		chatTimeout: chatTimeout,
		chatLocks:   sessions.NewKeyedLocker(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /tasks", s.handleTasks)
	mux.HandleFunc("POST /tasks/{ref}/cancel", s.handleCancel)
	mux.HandleFunc("POST /tasks/{ref}/redeliver", s.handleRedeliver)
	mux.HandleFunc("GET /errors", s.handleErrors)
	mux.HandleFunc("POST /errors/clear", s.handleErrorsClear)
	mux.HandleFunc("POST /agent/turn", s.handleAgentTurn)
	mux.HandleFunc("POST /chat/turn", s.handleChatTurn)
	mux.HandleFunc("POST /chat/reset", s.handleChatReset)
	if opts.Gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))
	}

	s.httpServer = &http.Server{
		Addr:              opts.Addr,
		Handler:           s.requireAuth(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Start begins serving in a background goroutine.
func (s *Server) Start() {
	go func() {
		s.logger.Info("gateway listening", "addr", s.addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("gateway serve failed", "error", err)
		}
	}()
}

// Stop gracefully shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handler returns the authenticated handler, for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// requireAuth rejects requests without the bearer token before any handler
// runs. Comparison is constant time.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(s.authToken)) != 1 {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// taskView is the redacted wire form of a task.
type taskView struct {
	ID                  string     `json:"id"`
	Reference           string     `json:"reference"`
	CompletionReference string     `json:"completion_reference,omitempty"`
	Description         string     `json:"description"`
	Label               string     `json:"label"`
	Status              string     `json:"status"`
	OriginChannel       string     `json:"origin_channel"`
	OriginChatID        string     `json:"origin_chat_id"`
	CreatedAt           time.Time  `json:"created_at"`
	StartedAt           *time.Time `json:"started_at,omitempty"`
	CompletedAt         *time.Time `json:"completed_at,omitempty"`
	Iteration           int        `json:"iteration"`
	CurrentAction       string     `json:"current_action,omitempty"`
	ActionsCompleted    []string   `json:"actions_completed,omitempty"`
	Result              string     `json:"result,omitempty"`
	Error               string     `json:"error,omitempty"`
}

func viewOf(task *tasks.Task) taskView {
	actions := make([]string, 0, len(task.ActionsCompleted))
	for _, action := range task.ActionsCompleted {
		actions = append(actions, observability.Redact(action))
	}
	return taskView{
		ID:                  task.ID,
		Reference:           task.Reference,
		CompletionReference: task.CompletionReference,
		Description:         observability.Redact(task.Description),
		Label:               observability.Redact(task.Label),
		Status:              string(task.Status),
		OriginChannel:       task.OriginChannel,
		OriginChatID:        task.OriginChatID,
		CreatedAt:           task.CreatedAt,
		StartedAt:           task.StartedAt,
		CompletedAt:         task.CompletedAt,
		Iteration:           task.Iteration,
		CurrentAction:       observability.Redact(task.CurrentAction),
		ActionsCompleted:    actions,
		Result:              observability.Redact(task.Result),
		Error:               observability.Redact(task.Error),
	}
}

// hiddenFromHistory filters system-internal work out of the dashboard view.
func hiddenFromHistory(task *tasks.Task) bool {
	if task.OriginChannel == "internal" || task.OriginChannel == "system" {
		return true
	}
	return strings.Contains(strings.ToLower(task.Label), "heartbeat")
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	active := make([]taskView, 0)
	for _, task := range s.tasks.GetActiveTasks() {
		active = append(active, viewOf(task))
	}

	history := make([]taskView, 0)
	for _, task := range s.tasks.GetHistory(0) {
		if !task.Status.IsTerminal() || hiddenFromHistory(task) {
			continue
		}
		history = append(history, viewOf(task))
	}

	writeJSON(w, http.StatusOK, map[string]any{"active": active, "history": history})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	task, err := s.tasks.GetByRef(r.PathValue("ref"))
	if err != nil {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	if !task.IsActive() {
		writeError(w, http.StatusConflict, "task is not active")
		return
	}

	if !s.agent.CancelTask(task.ID) {
		// No runner handle, but the record still says active: force the
		// terminal state so the dashboard converges.
		s.tasks.MarkCancelled(task.ID)
	}
	s.logger.Info("task cancelled from dashboard", "task_id", task.ID, "ref", task.Reference)

	s.bus.PublishOutbound(models.OutboundMessage{
		Channel: task.OriginChannel,
		ChatID:  task.OriginChatID,
		Content: fmt.Sprintf("Task cancelled from dashboard: %s (%s)", task.Label, task.Reference),
	})
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "status": "cancelled"})
}

func (s *Server) handleRedeliver(w http.ResponseWriter, r *http.Request) {
	task, err := s.tasks.GetByRef(r.PathValue("ref"))
	if err != nil {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}

	content := task.Result
	if content == "" {
		content = task.Error
	}
	if content == "" {
		writeError(w, http.StatusConflict, "task has no result to redeliver")
		return
	}

	s.bus.PublishOutbound(models.OutboundMessage{
		Channel:      task.OriginChannel,
		ChatID:       task.OriginChatID,
		Content:      content,
		IsBackground: true,
	})
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleErrors(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = parsed
	}
	writeJSON(w, http.StatusOK, map[string]any{"errors": s.errorLog.Recent(limit)})
}

func (s *Server) handleErrorsClear(w http.ResponseWriter, r *http.Request) {
	s.errorLog.Clear()
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

type agentTurnRequest struct {
	Message string `json:"message"`
	ChatID  string `json:"chat_id"`
}

// handleAgentTurn injects a fire-and-forget inbound message from the
// dashboard; the answer is delivered through the outbound path like any chat
// message.
func (s *Server) handleAgentTurn(w http.ResponseWriter, r *http.Request) {
	var req agentTurnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Message) == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}
	chatID := strings.TrimSpace(req.ChatID)
	if chatID == "" {
		chatID = dashboardChannel
	}

	s.bus.PublishInbound(models.InboundMessage{
		Channel:   dashboardChannel,
		SenderID:  dashboardChannel,
		ChatID:    chatID,
		Content:   req.Message,
		Timestamp: time.Now(),
	})
	writeJSON(w, http.StatusAccepted, map[string]any{"ok": true})
}

type chatTurnRequest struct {
	Message   string `json:"message"`
	SessionID string `json:"session_id"`
}

// handleChatTurn runs a synchronous agent turn for the dashboard chat pane.
// Turns for one session serialize; the whole call is bounded by the chat
// timeout.
func (s *Server) handleChatTurn(w http.ResponseWriter, r *http.Request) {
	var req chatTurnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Message) == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}

	sessionID := NormalizeSessionID(req.SessionID)
	sessionKey := dashboardChannel + ":" + sessionID

	release := s.chatLocks.Lock(sessionKey)
	defer release()

	ctx, cancel := context.WithTimeout(r.Context(), s.chatTimeout)
	defer cancel()

	answer, err := s.agent.ProcessDirect(ctx, req.Message, sessionKey, dashboardChannel, sessionID, "")
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			writeError(w, http.StatusGatewayTimeout, "chat turn timed out")
			return
		}
		s.logger.Error("chat turn failed", "session_id", sessionID, "error", err)
		writeError(w, http.StatusInternalServerError, "chat turn failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"ok":         true,
		"session_id": sessionID,
		"response":   answer,
	})
}

type chatResetRequest struct {
	SessionID string `json:"session_id"`
}

func (s *Server) handleChatReset(w http.ResponseWriter, r *http.Request) {
	var req chatResetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	sessionID := NormalizeSessionID(req.SessionID)
	sessionKey := dashboardChannel + ":" + sessionID

	release := s.chatLocks.Lock(sessionKey)
	err := s.agent.DropSession(sessionKey)
	release()
	s.chatLocks.Drop(sessionKey)

	if err != nil {
		s.logger.Error("chat reset failed", "session_id", sessionID, "error", err)
		writeError(w, http.StatusInternalServerError, "reset failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "session_id": sessionID})
}

// NormalizeSessionID maps arbitrary input to a safe dashboard session id:
// characters outside [A-Za-z0-9_.:-] become "-", separators are trimmed, the
// result is capped at 64 characters, and empty input becomes "default".
func NormalizeSessionID(raw string) string {
	var b strings.Builder
	for _, r := range raw {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '_', r == '.', r == ':', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	id := strings.Trim(b.String(), "-._:")
	if len(id) > maxSessionIDChars {
		id = id[:maxSessionIDChars]
		id = strings.Trim(id, "-._:")
	}
	if id == "" {
		return "default"
	}
	return id
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}
