package tools

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/cyph3rasi/kyber/internal/agent"
	"github.com/cyph3rasi/kyber/internal/tasks"
)

// fakeFacade satisfies the agent facade with a bare workspace dir.
type fakeFacade struct {
	workspace string
}

func (f *fakeFacade) Workspace() string           { return f.workspace }
func (f *fakeFacade) FileLock(path string) func() { return func() {} }
func (f *fakeFacade) CurrentTask(taskID string) (*tasks.Task, error) {
	return nil, tasks.ErrTaskNotFound
}

func testContext(t *testing.T) agent.ToolContext {
	t.Helper()
	return agent.ToolContext{
		SessionKey: "test:1",
		Agent:      &fakeFacade{workspace: t.TempDir()},
	}
}

func TestResolvePathRejectsEscapes(t *testing.T) {
	workspace := "/srv/kyber/workspace"
	bad := []string{"", "  ", "/etc/passwd", "../outside", "a/../../outside", "skills/../../x"}
	for _, path := range bad {
		if _, err := resolvePath(workspace, path); err == nil {
			t.Errorf("path %q accepted", path)
		}
	}

	good := map[string]string{
		"notes.md":        "/srv/kyber/workspace/notes.md",
		"a/b/c.txt":       "/srv/kyber/workspace/a/b/c.txt",
		"./x":             "/srv/kyber/workspace/x",
		"a/../notes.md":   "/srv/kyber/workspace/notes.md",
		".":               "/srv/kyber/workspace",
	}
	for path, want := range good {
		got, err := resolvePath(workspace, path)
		if err != nil {
			t.Errorf("path %q rejected: %v", path, err)
			continue
		}
		if got != want {
			t.Errorf("resolvePath(%q) = %q, want %q", path, got, want)
		}
	}
}

func TestWriteThenReadFile(t *testing.T) {
	tctx := testContext(t)

	result, err := WriteFile{}.Execute(context.Background(), map[string]any{
		"path":    "notes/today.md",
		"content": "water the plants",
	}, tctx)
	if err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if !strings.Contains(result, "notes/today.md") {
		t.Errorf("result %q", result)
	}

	got, err := ReadFile{}.Execute(context.Background(), map[string]any{
		"path": "notes/today.md",
	}, tctx)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if got != "water the plants" {
		t.Errorf("content %q", got)
	}
}

func TestReadMissingFile(t *testing.T) {
	tctx := testContext(t)
	if _, err := (ReadFile{}).Execute(context.Background(), map[string]any{"path": "nope.md"}, tctx); err == nil {
		t.Error("missing file read succeeded")
	}
}

func TestWriteOutsideWorkspaceRejected(t *testing.T) {
	tctx := testContext(t)
	_, err := WriteFile{}.Execute(context.Background(), map[string]any{
		"path":    "../escape.txt",
		"content": "x",
	}, tctx)
	if err == nil {
		t.Fatal("escape accepted")
	}
	if _, statErr := os.Stat(filepath.Join(tctx.Agent.Workspace(), "..", "escape.txt")); statErr == nil {
		t.Error("file written outside the workspace")
	}
}

func TestListDir(t *testing.T) {
	tctx := testContext(t)
	workspace := tctx.Agent.Workspace()
	if err := os.MkdirAll(filepath.Join(workspace, "sub"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(workspace, "b.txt"), nil, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(workspace, "a.txt"), nil, 0o644); err != nil {
		t.Fatal(err)
	}

	got, err := ListDir{}.Execute(context.Background(), map[string]any{"path": "."}, tctx)
	if err != nil {
		t.Fatalf("ListDir: %v", err)
	}
	if got != "a.txt\nb.txt\nsub/" {
		t.Errorf("listing %q", got)
	}

	empty, err := ListDir{}.Execute(context.Background(), map[string]any{"path": "sub"}, tctx)
	if err != nil {
		t.Fatal(err)
	}
	if empty != "(empty)" {
		t.Errorf("empty dir listing %q", empty)
	}
}

func TestExecRunsInWorkspace(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	tctx := testContext(t)

	got, err := Exec{}.Execute(context.Background(), map[string]any{"command": "pwd"}, tctx)
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	// The workspace may be behind a symlink (macOS tmp dirs), so resolve both.
	wantResolved, _ := filepath.EvalSymlinks(tctx.Agent.Workspace())
	gotResolved, _ := filepath.EvalSymlinks(got)
	if gotResolved != wantResolved {
		t.Errorf("pwd = %q, want workspace %q", got, tctx.Agent.Workspace())
	}
}

func TestExecReturnsFailureOutput(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	tctx := testContext(t)

	got, err := Exec{}.Execute(context.Background(), map[string]any{
		"command": "echo oops >&2; exit 3",
	}, tctx)
	if err != nil {
		t.Fatalf("failed command should return output, not error: %v", err)
	}
	if !strings.Contains(got, "oops") || !strings.Contains(got, "exit") {
		t.Errorf("output %q", got)
	}
}

func TestExecEmptyCommandRejected(t *testing.T) {
	tctx := testContext(t)
	if _, err := (Exec{}).Execute(context.Background(), map[string]any{"command": "  "}, tctx); err == nil {
		t.Error("blank command accepted")
	}
}
