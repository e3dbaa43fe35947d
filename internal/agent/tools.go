package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/cyph3rasi/kyber/internal/tasks"
)

const (
	// toolTimeoutFloor is the minimum per-call budget; a configured tool call
	// budget below it is raised to it.
	toolTimeoutFloor = 600 * time.Second

	// maxToolResultChars bounds what a tool can feed back into the
	// conversation.
	maxToolResultChars = 100_000

	truncationMarker = "\n... [truncated]"
)

// toolNamePattern constrains tool names to what every provider's function
// naming rules accept.
var toolNamePattern = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// Facade is the read-only view of the agent core handed to tool handlers. It
// exposes just enough to coordinate: the workspace root, per-file locks, and
// task lookup.
type Facade interface {
	// Workspace returns the agent's working directory.
	Workspace() string

	// FileLock acquires a mutex keyed by the resolved absolute path and
	// returns its release func. File-editing tools use it to serialize edits
	// to the same file across concurrent tool calls.
	FileLock(path string) (release func())

	// CurrentTask returns the task a tool call is running under, if any.
	CurrentTask(taskID string) (*tasks.Task, error)
}

// ToolContext carries per-call state into a tool handler.
type ToolContext struct {
	// SessionKey identifies the conversation the call belongs to.
	SessionKey string

	// TaskID is the active task's id; empty when the turn has no task yet.
	TaskID string

	// Agent is the read-only core facade.
	Agent Facade
}

// Tool is one callable capability exposed to the LLM.
//
// Execute returns a string because tool results re-enter the LLM conversation
// verbatim. Returning an error is equivalent to returning a JSON error string;
// the registry converts it.
type Tool interface {
	// Name is the identifier the LLM calls, matching [a-z_][a-z0-9_]*.
	Name() string

	// Description tells the LLM when to use the tool.
	Description() string

	// Parameters is the JSON schema for the tool's arguments.
	Parameters() map[string]any

	// Toolset groups related tools for definition filtering ("files",
	// "shell", ...).
	Toolset() string

	// IsAvailable reports whether the tool can run in this environment.
	// Unavailable tools are hidden from the LLM unless explicitly requested.
	IsAvailable() bool

	Execute(ctx context.Context, params map[string]any, tctx ToolContext) (string, error)
}

// ToolDefinition is the function-call schema shape providers consume.
type ToolDefinition struct {
	Type     string             `json:"type"`
	Function FunctionDefinition `json:"function"`
}

// FunctionDefinition describes one callable function to the LLM.
type FunctionDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

type registeredTool struct {
	tool   Tool
	schema *jsonschema.Schema
}

// ToolRegistry holds named tools and runs them with schema validation and a
// per-call timeout. Execution never raises toward the loop: validation
// failures, handler errors, and timeouts all come back as JSON error strings
// the LLM can read and react to.
type ToolRegistry struct {
	logger  *slog.Logger
	timeout time.Duration

	mu    sync.RWMutex
	tools map[string]*registeredTool
	order []string
}

// NewToolRegistry creates a registry. timeout below the 600 s floor is raised
// to it.
func NewToolRegistry(timeout time.Duration, logger *slog.Logger) *ToolRegistry {
	if timeout < toolTimeoutFloor {
		timeout = toolTimeoutFloor
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ToolRegistry{
		logger:  logger.With("component", "tools"),
		timeout: timeout,
		tools:   make(map[string]*registeredTool),
	}
}

// Register indexes a tool by name, compiling its parameter schema. A second
// registration under the same name is rejected.
func (r *ToolRegistry) Register(tool Tool) error {
	name := tool.Name()
	if !toolNamePattern.MatchString(name) {
		return fmt.Errorf("invalid tool name %q", name)
	}

	raw, err := json.Marshal(tool.Parameters())
	if err != nil {
		return fmt.Errorf("marshal schema for tool %s: %w", name, err)
	}
	schema, err := jsonschema.CompileString(name+".json", string(raw))
	if err != nil {
		return fmt.Errorf("compile schema for tool %s: %w", name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("tool %s already registered", name)
	}
	r.tools[name] = &registeredTool{tool: tool, schema: schema}
	r.order = append(r.order, name)
	return nil
}

// Names returns registered tool names in registration order.
func (r *ToolRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// GetDefinitions returns the function schemas the LLM provider consumes, in
// registration order. Nil toolsets and toolNames mean no filtering; otherwise
// a tool is included when its toolset or its name is listed. Unavailable
// tools are skipped unless includeUnavailable is set.
func (r *ToolRegistry) GetDefinitions(toolsets, toolNames []string, includeUnavailable bool) []ToolDefinition {
	setFilter := toSet(toolsets)
	nameFilter := toSet(toolNames)

	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make([]ToolDefinition, 0, len(r.order))
	for _, name := range r.order {
		rt := r.tools[name]
		if setFilter != nil || nameFilter != nil {
			if !setFilter[rt.tool.Toolset()] && !nameFilter[name] {
				continue
			}
		}
		if !includeUnavailable && !rt.tool.IsAvailable() {
			continue
		}
		defs = append(defs, ToolDefinition{
			Type: "function",
			Function: FunctionDefinition{
				Name:        name,
				Description: rt.tool.Description(),
				Parameters:  rt.tool.Parameters(),
			},
		})
	}
	return defs
}

// Execute validates params against the tool's schema and runs the handler
// under the per-call timeout. The returned string is always safe to feed back
// to the LLM.
func (r *ToolRegistry) Execute(ctx context.Context, name string, params map[string]any, tctx ToolContext) string {
	r.mu.RLock()
	rt, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return errorResult(fmt.Sprintf("unknown tool '%s'", name))
	}

	if err := rt.schema.Validate(normalizeParams(params)); err != nil {
		return errorResult(fmt.Sprintf("invalid parameters for '%s': %v", name, err))
	}

	callCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	type outcome struct {
		result string
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- outcome{err: fmt.Errorf("panic: %v", rec)}
			}
		}()
		result, err := rt.tool.Execute(callCtx, params, tctx)
		done <- outcome{result: result, err: err}
	}()

	select {
	case <-callCtx.Done():
		if ctx.Err() != nil {
			// Caller cancellation, not the tool's own budget.
			return errorResult(fmt.Sprintf("Tool '%s' cancelled", name))
		}
		r.logger.Warn("tool call timed out", "tool", name, "timeout", r.timeout)
		return errorResult(fmt.Sprintf("Tool '%s' timed out after %ds", name, int(r.timeout.Seconds())))
	case out := <-done:
		if out.err != nil {
			r.logger.Warn("tool call failed", "tool", name, "error", out.err)
			return errorResult(out.err.Error())
		}
		return truncateResult(out.result)
	}
}

// normalizeParams round-trips params through JSON so validation sees the same
// value shapes (float64 numbers, []any arrays) a decoded request would have.
func normalizeParams(params map[string]any) any {
	if params == nil {
		return map[string]any{}
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return params
	}
	var normalized any
	if err := json.Unmarshal(raw, &normalized); err != nil {
		return params
	}
	return normalized
}

func errorResult(msg string) string {
	raw, err := json.Marshal(map[string]string{"error": msg})
	if err != nil {
		return `{"error":"internal error"}`
	}
	return string(raw)
}

func truncateResult(s string) string {
	if len(s) <= maxToolResultChars {
		return s
	}
	// Back the cut up to a rune boundary so a multi-byte sequence is never
	// split.
	cut := maxToolResultChars
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + truncationMarker
}

func toSet(items []string) map[string]bool {
	if len(items) == 0 {
		return nil
	}
	set := make(map[string]bool, len(items))
	for _, item := range items {
		set[item] = true
	}
	return set
}
