package agent

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cyph3rasi/kyber/internal/bus"
	"github.com/cyph3rasi/kyber/internal/config"
	"github.com/cyph3rasi/kyber/internal/sessions"
	"github.com/cyph3rasi/kyber/internal/tasks"
	"github.com/cyph3rasi/kyber/pkg/models"
)

// scriptedProvider returns canned responses in order, repeating the last one.
type scriptedProvider struct {
	mu        sync.Mutex
	responses []*LLMResponse
	calls     [][]models.Message
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) Chat(ctx context.Context, messages []models.Message, tools []ToolDefinition) (*LLMResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, append([]models.Message(nil), messages...))
	idx := len(p.calls) - 1
	if idx >= len(p.responses) {
		idx = len(p.responses) - 1
	}
	return p.responses[idx], nil
}

func textResponse(content string) *LLMResponse {
	return &LLMResponse{Content: content, FinishReason: FinishStop}
}

func toolCallResponse(id, name, args string) *LLMResponse {
	return &LLMResponse{
		FinishReason: FinishToolCalls,
		ToolCalls:    []ToolCall{{ID: id, Name: name, Arguments: json.RawMessage(args)}},
	}
}

type coreFixture struct {
	core     *Core
	bus      *bus.MessageBus
	tasks    *tasks.Registry
	sessions *sessions.Manager
	provider *scriptedProvider
}

func newCoreFixture(t *testing.T, responses ...*LLMResponse) *coreFixture {
	t.Helper()
	dataDir := t.TempDir()

	sessionManager, err := sessions.NewManager(dataDir, nil)
	if err != nil {
		t.Fatalf("sessions.NewManager: %v", err)
	}
	taskRegistry, err := tasks.NewRegistry(dataDir, nil)
	if err != nil {
		t.Fatalf("tasks.NewRegistry: %v", err)
	}
	messageBus := bus.New(nil)
	provider := &scriptedProvider{responses: responses}

	toolRegistry := NewToolRegistry(0, nil)
	if err := toolRegistry.Register(newEchoTool()); err != nil {
		t.Fatalf("Register: %v", err)
	}

	core := New(Options{
		Provider:      provider,
		Tools:         toolRegistry,
		Sessions:      sessionManager,
		Tasks:         taskRegistry,
		Bus:           messageBus,
		Workspace:     t.TempDir(),
		MaxIterations: 10,
		Budgets:       config.Budgets{Turn: 30 * time.Second, LLMCall: 10 * time.Second},
	})

	return &coreFixture{
		core:     core,
		bus:      messageBus,
		tasks:    taskRegistry,
		sessions: sessionManager,
		provider: provider,
	}
}

func (f *coreFixture) nextOutbound(t *testing.T) models.OutboundMessage {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	msg, err := f.bus.ConsumeOutbound(ctx)
	if err != nil {
		t.Fatalf("no outbound message: %v", err)
	}
	return msg
}

func inbound(content string) models.InboundMessage {
	return models.InboundMessage{
		Channel:  "telegram",
		SenderID: "u1",
		ChatID:   "c1",
		Content:  content,
	}
}

func TestPlainAnswerTurn(t *testing.T) {
	f := newCoreFixture(t, textResponse("It is sunny today."))

	f.core.HandleInbound(context.Background(), inbound("What's the weather?"))

	out := f.nextOutbound(t)
	if out.Channel != "telegram" || out.ChatID != "c1" {
		t.Errorf("outbound addressed to %s:%s", out.Channel, out.ChatID)
	}
	if out.Content != "It is sunny today." {
		t.Errorf("answer %q", out.Content)
	}

	// A turn without tool calls must not create a task.
	if active := f.tasks.GetActiveTasks(); len(active) != 0 {
		t.Errorf("unexpected active tasks: %v", active)
	}
	if history := f.tasks.GetHistory(10); len(history) != 0 {
		t.Errorf("unexpected task history: %v", history)
	}

	// Transcript has the user message and the final answer.
	session := f.sessions.GetOrCreate("telegram:c1")
	if len(session.Messages) != 2 {
		t.Fatalf("transcript has %d messages, want 2", len(session.Messages))
	}
	if session.Messages[1].Role != models.RoleAssistant {
		t.Errorf("second message role %q", session.Messages[1].Role)
	}
}

func TestToolLoopCreatesAndCompletesTask(t *testing.T) {
	f := newCoreFixture(t,
		toolCallResponse("tc1", "echo", `{"text":"ping"}`),
		textResponse("The echo said ping."),
	)

	f.core.HandleInbound(context.Background(), inbound("please echo ping"))

	out := f.nextOutbound(t)
	if out.Content != "The echo said ping." {
		t.Errorf("answer %q", out.Content)
	}

	history := f.tasks.GetHistory(10)
	if len(history) != 1 {
		t.Fatalf("task history has %d entries, want 1", len(history))
	}
	task := history[0]
	if task.Status != tasks.StatusCompleted {
		t.Errorf("task status %q", task.Status)
	}
	if task.Result != "The echo said ping." {
		t.Errorf("task result %q", task.Result)
	}
	if len(task.ActionsCompleted) != 1 || !strings.HasPrefix(task.ActionsCompleted[0], "echo (") {
		t.Errorf("actions %v", task.ActionsCompleted)
	}

	// The second provider call must carry the tool result back.
	f.provider.mu.Lock()
	defer f.provider.mu.Unlock()
	if len(f.provider.calls) != 2 {
		t.Fatalf("provider called %d times, want 2", len(f.provider.calls))
	}
	second := f.provider.calls[1]
	last := second[len(second)-1]
	if last.Role != models.RoleTool || last.Content != "echo: ping" {
		t.Errorf("last message to provider = %+v", last)
	}
}

func TestToolLoopEmitsStatusStream(t *testing.T) {
	f := newCoreFixture(t,
		toolCallResponse("tc1", "echo", `{"text":"hi"}`),
		textResponse("done"),
	)

	var mu sync.Mutex
	var lines []string
	f.bus.SubscribeStatus("telegram", func(ctx context.Context, u models.StatusUpdate) {
		mu.Lock()
		lines = append(lines, u.Line)
		mu.Unlock()
	})
	dispatchCtx, cancelDispatch := context.WithCancel(context.Background())
	defer cancelDispatch()
	go f.bus.DispatchStatus(dispatchCtx)

	f.core.HandleInbound(context.Background(), inbound("echo hi"))
	f.nextOutbound(t)

	deadline := time.Now().Add(time.Second)
	for {
		mu.Lock()
		n := len(lines)
		mu.Unlock()
		if n >= 4 || time.Now().After(deadline) {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(lines) < 4 {
		t.Fatalf("got %d status lines, want at least 4: %v", len(lines), lines)
	}
	if lines[0] != models.StatusStart {
		t.Errorf("first line %q, want start sentinel", lines[0])
	}
	if !strings.HasPrefix(lines[1], "Working on: ") {
		t.Errorf("intro line %q", lines[1])
	}
	if !strings.HasPrefix(lines[2], "echo ") {
		t.Errorf("tool line %q", lines[2])
	}
	if lines[len(lines)-1] != models.StatusEnd {
		t.Errorf("last line %q, want end sentinel", lines[len(lines)-1])
	}
}

func TestDuplicateRequestSuppressed(t *testing.T) {
	f := newCoreFixture(t, textResponse("unused"))

	desc := "reindex all my notes and summarize them"
	f.tasks.Create(desc, desc, "telegram", "c1")

	f.core.HandleInbound(context.Background(), inbound(desc))

	out := f.nextOutbound(t)
	if !strings.HasPrefix(out.Content, "Already working on that (") {
		t.Errorf("got %q, want duplicate notice", out.Content)
	}
	// The provider must not have been called at all.
	f.provider.mu.Lock()
	defer f.provider.mu.Unlock()
	if len(f.provider.calls) != 0 {
		t.Errorf("provider called %d times for a duplicate", len(f.provider.calls))
	}
}

func TestProviderErrorAnswer(t *testing.T) {
	f := newCoreFixture(t, &LLMResponse{
		Content:      "The language model is unavailable right now.",
		FinishReason: FinishError,
	})

	f.core.HandleInbound(context.Background(), inbound("hello"))

	out := f.nextOutbound(t)
	if out.Content != "The language model is unavailable right now." {
		t.Errorf("got %q", out.Content)
	}
}

func TestMaxIterationsStopsLoop(t *testing.T) {
	// The provider asks for a tool on every call, so only the iteration cap
	// ends the turn.
	f := newCoreFixture(t, toolCallResponse("tc", "echo", `{"text":"again"}`))

	f.core.HandleInbound(context.Background(), inbound("loop forever"))

	out := f.nextOutbound(t)
	if out.Content != timeoutAnswer {
		t.Errorf("got %q, want the timeout answer", out.Content)
	}

	history := f.tasks.GetHistory(10)
	if len(history) != 1 || history[0].Status != tasks.StatusFailed {
		t.Fatalf("task history %+v, want one failed task", history)
	}
}

func TestEmptyMessageIgnored(t *testing.T) {
	f := newCoreFixture(t, textResponse("unused"))
	f.core.HandleInbound(context.Background(), inbound("   "))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := f.bus.ConsumeOutbound(ctx); err == nil {
		t.Error("blank message produced an outbound reply")
	}
}

func TestProcessDirectRejectsEmpty(t *testing.T) {
	f := newCoreFixture(t, textResponse("unused"))
	if _, err := f.core.ProcessDirect(context.Background(), "", "dashboard:d", "dashboard", "d", ""); err == nil {
		t.Error("empty content accepted")
	}
}

func TestCancelTaskWithoutRunner(t *testing.T) {
	f := newCoreFixture(t, textResponse("unused"))
	if f.core.CancelTask("deadbeef") {
		t.Error("cancel of unknown task reported success")
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("short", 10); got != "short" {
		t.Errorf("got %q", got)
	}
	got := truncate("one  two\nthree", 100)
	if got != "one two three" {
		t.Errorf("whitespace collapse: got %q", got)
	}
	got = truncate(strings.Repeat("x", 50), 10)
	if len([]rune(got)) != 10 || !strings.HasSuffix(got, "…") {
		t.Errorf("truncation: got %q", got)
	}
}

func TestArgPreview(t *testing.T) {
	if got := argPreview(nil); got != "{}" {
		t.Errorf("nil args: %q", got)
	}
	if got := argPreview(json.RawMessage("null")); got != "{}" {
		t.Errorf("null args: %q", got)
	}
	if got := argPreview(json.RawMessage(`{"a": 1}`)); got != `{"a": 1}` {
		t.Errorf("small args: %q", got)
	}
}
