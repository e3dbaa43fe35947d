package tasks

import (
	"regexp"
	"strings"
	"testing"
	"unicode/utf8"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := NewRegistry(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	return r
}

func TestCreateAssignsReference(t *testing.T) {
	r := newTestRegistry(t)
	task := r.Create("summarize my inbox", "summarize my inbox", "telegram", "123")

	if !regexp.MustCompile(`^[0-9a-f]{8}$`).MatchString(task.ID) {
		t.Errorf("id %q is not 8 hex chars", task.ID)
	}
	if task.Reference != RefPrefixRunning+task.ID {
		t.Errorf("reference %q, want %q", task.Reference, RefPrefixRunning+task.ID)
	}
	if task.Status != StatusQueued {
		t.Errorf("status %q, want queued", task.Status)
	}
}

func TestGetByRefAcceptsAllForms(t *testing.T) {
	r := newTestRegistry(t)
	task := r.Create("do a thing", "do a thing", "telegram", "1")
	r.MarkStarted(task.ID)
	r.MarkCompleted(task.ID, "done")

	for _, ref := range []string{
		task.ID,
		RefPrefixRunning + task.ID,
		RefPrefixCompleted + task.ID,
		"  " + task.ID + " ",
	} {
		got, err := r.GetByRef(ref)
		if err != nil {
			t.Errorf("GetByRef(%q): %v", ref, err)
			continue
		}
		if got.ID != task.ID {
			t.Errorf("GetByRef(%q) = %s, want %s", ref, got.ID, task.ID)
		}
	}

	if _, err := r.GetByRef("ffffffff"); err != ErrTaskNotFound {
		t.Errorf("unknown ref: got %v, want ErrTaskNotFound", err)
	}
}

func TestCompletionReferencePrefixes(t *testing.T) {
	r := newTestRegistry(t)

	ok := r.Create("a", "a", "c", "1")
	r.MarkCompleted(ok.ID, "fine")
	got, _ := r.Get(ok.ID)
	if got.CompletionReference != RefPrefixCompleted+ok.ID {
		t.Errorf("completed ref %q, want ✅ prefix", got.CompletionReference)
	}

	bad := r.Create("b", "b", "c", "1")
	r.MarkFailed(bad.ID, "boom")
	got, _ = r.Get(bad.ID)
	if got.CompletionReference != RefPrefixFailed+bad.ID {
		t.Errorf("failed ref %q, want ❌ prefix", got.CompletionReference)
	}

	cancelled := r.Create("c", "c", "c", "1")
	r.MarkCancelled(cancelled.ID)
	got, _ = r.Get(cancelled.ID)
	if got.CompletionReference != RefPrefixFailed+cancelled.ID {
		t.Errorf("cancelled ref %q, want ❌ prefix", got.CompletionReference)
	}
}

func TestTerminalStateIsSticky(t *testing.T) {
	r := newTestRegistry(t)
	task := r.Create("long job", "long job", "discord", "5")
	r.MarkStarted(task.ID)
	r.MarkCancelled(task.ID)

	// Completion racing in after cancellation must not win.
	r.MarkCompleted(task.ID, "too late")
	r.MarkFailed(task.ID, "also too late")

	got, err := r.Get(task.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != StatusCancelled {
		t.Errorf("status %q, want cancelled", got.Status)
	}
	if got.Result != "" {
		t.Errorf("result %q, want empty", got.Result)
	}
}

func TestProgressIgnoredAfterTerminal(t *testing.T) {
	r := newTestRegistry(t)
	task := r.Create("x", "x", "c", "1")
	r.MarkCompleted(task.ID, "done")

	r.UpdateProgress(task.ID, 7, "should not land")
	r.RecordAction(task.ID, "neither should this")

	got, _ := r.Get(task.ID)
	if got.Iteration != 0 || got.CurrentAction != "" || len(got.ActionsCompleted) != 0 {
		t.Errorf("terminal task mutated: %+v", got)
	}
}

func TestActiveTasksSortedByCreation(t *testing.T) {
	r := newTestRegistry(t)
	first := r.Create("first", "first", "c", "1")
	second := r.Create("second", "second", "c", "1")
	done := r.Create("third", "third", "c", "1")
	r.MarkCompleted(done.ID, "ok")

	active := r.GetActiveTasks()
	if len(active) != 2 {
		t.Fatalf("got %d active, want 2", len(active))
	}
	if active[0].ID != first.ID || active[1].ID != second.ID {
		t.Errorf("order = [%s %s], want [%s %s]", active[0].ID, active[1].ID, first.ID, second.ID)
	}
}

func TestFindActiveDuplicate(t *testing.T) {
	r := newTestRegistry(t)
	desc := "summarize the quarterly report and email it to me"
	r.Create(desc, desc, "telegram", "42")

	if dup := r.FindActiveDuplicate(desc, desc, "telegram", "42"); dup == nil {
		t.Error("identical request not detected as duplicate")
	}
	if dup := r.FindActiveDuplicate(desc, desc, "telegram", "99"); dup != nil {
		t.Error("request from a different chat flagged as duplicate")
	}
	other := "water the plants"
	if dup := r.FindActiveDuplicate(other, other, "telegram", "42"); dup != nil {
		t.Error("unrelated request flagged as duplicate")
	}
}

func TestDuplicateIgnoresTerminalTasks(t *testing.T) {
	r := newTestRegistry(t)
	desc := "rebuild the search index"
	task := r.Create(desc, desc, "discord", "7")
	r.MarkCompleted(task.ID, "done")

	if dup := r.FindActiveDuplicate(desc, desc, "discord", "7"); dup != nil {
		t.Error("completed task still counted as duplicate")
	}
}

func TestHistorySurvivesRestart(t *testing.T) {
	dataDir := t.TempDir()
	r, err := NewRegistry(dataDir, nil)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	task := r.Create("persistent job", "persistent job", "whatsapp", "jid")
	r.MarkStarted(task.ID)
	r.MarkCompleted(task.ID, "all done")

	r2, err := NewRegistry(dataDir, nil)
	if err != nil {
		t.Fatalf("NewRegistry (reload): %v", err)
	}
	got, err := r2.GetByRef(RefPrefixCompleted + task.ID)
	if err != nil {
		t.Fatalf("GetByRef after restart: %v", err)
	}
	if got.Result != "all done" || got.Status != StatusCompleted {
		t.Errorf("hydrated task = %+v", got)
	}

	history := r2.GetHistory(10)
	if len(history) != 1 || history[0].ID != task.ID {
		t.Errorf("history = %+v, want the one terminal task", history)
	}
}

func TestHistoryResultTruncatesOnRuneBoundary(t *testing.T) {
	dataDir := t.TempDir()
	r, err := NewRegistry(dataDir, nil)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	task := r.Create("big result", "big result", "telegram", "1")
	r.MarkStarted(task.ID)
	// The leading byte puts every two-byte rune at an odd offset, so a cut at
	// the even byte cap would land mid-rune.
	r.MarkCompleted(task.ID, "a"+strings.Repeat("é", maxResultLogChars/2))

	r2, err := NewRegistry(dataDir, nil)
	if err != nil {
		t.Fatalf("NewRegistry (reload): %v", err)
	}
	got, err := r2.GetByRef(RefPrefixCompleted + task.ID)
	if err != nil {
		t.Fatalf("GetByRef after restart: %v", err)
	}
	if len(got.Result) > maxResultLogChars {
		t.Errorf("logged result length %d over cap", len(got.Result))
	}
	if !utf8.ValidString(got.Result) || strings.Contains(got.Result, "�") {
		t.Error("logged result was cut inside a multi-byte sequence")
	}
}

func TestSimilarity(t *testing.T) {
	if got := similarity("Summarize my inbox", "summarize   my inbox"); got != 1 {
		t.Errorf("case/whitespace variants: got %v, want 1", got)
	}
	if got := similarity("abc", "xyz"); got != 0 {
		t.Errorf("disjoint strings: got %v, want 0", got)
	}
	if got := similarity("", ""); got != 1 {
		t.Errorf("empty strings: got %v, want 1", got)
	}
}

func TestDescriptionsMatchContainment(t *testing.T) {
	long := "please check the weather in berlin tomorrow morning and tell me if i need an umbrella"
	short := "check the weather in berlin tomorrow"
	if !descriptionsMatch(long, short) {
		t.Error("containment of a long description should match")
	}
	if descriptionsMatch("short one", "another") {
		t.Error("dissimilar short descriptions should not match")
	}
}
