// Package tools implements the built-in tools the supervisor registers at
// startup: workspace file access and command execution.
//
// All paths are resolved inside the agent workspace; a tool call can never
// escape it. Write access goes through the agent's per-file locks so
// concurrent tool calls editing the same file serialize.
package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/cyph3rasi/kyber/internal/agent"
)

// resolvePath maps a tool-supplied relative path into the workspace,
// rejecting escapes.
func resolvePath(workspace, path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("path is required")
	}
	if filepath.IsAbs(path) {
		return "", fmt.Errorf("path must be relative to the workspace")
	}
	resolved := filepath.Join(workspace, filepath.Clean(path))
	base := filepath.Clean(workspace)
	if resolved != base && !strings.HasPrefix(resolved, base+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes the workspace")
	}
	return resolved, nil
}

func stringParam(params map[string]any, key string) string {
	if v, ok := params[key].(string); ok {
		return v
	}
	return ""
}

// ReadFile returns a file's content from the workspace.
type ReadFile struct{}

func (ReadFile) Name() string        { return "read_file" }
func (ReadFile) Toolset() string     { return "files" }
func (ReadFile) IsAvailable() bool   { return true }
func (ReadFile) Description() string {
	return "Read a text file from the workspace. Path is relative to the workspace root."
}

func (ReadFile) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{
				"type":        "string",
				"description": "Workspace-relative file path",
			},
		},
		"required": []any{"path"},
	}
}

func (ReadFile) Execute(ctx context.Context, params map[string]any, tctx agent.ToolContext) (string, error) {
	path, err := resolvePath(tctx.Agent.Workspace(), stringParam(params, "path"))
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", stringParam(params, "path"), err)
	}
	return string(data), nil
}

// WriteFile writes content to a workspace file, creating parent directories.
type WriteFile struct{}

func (WriteFile) Name() string        { return "write_file" }
func (WriteFile) Toolset() string     { return "files" }
func (WriteFile) IsAvailable() bool   { return true }
func (WriteFile) Description() string {
	return "Write a text file in the workspace, replacing any existing content. Parent directories are created."
}

func (WriteFile) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{
				"type":        "string",
				"description": "Workspace-relative file path",
			},
			"content": map[string]any{
				"type":        "string",
				"description": "Full file content to write",
			},
		},
		"required": []any{"path", "content"},
	}
}

func (WriteFile) Execute(ctx context.Context, params map[string]any, tctx agent.ToolContext) (string, error) {
	path, err := resolvePath(tctx.Agent.Workspace(), stringParam(params, "path"))
	if err != nil {
		return "", err
	}
	content, ok := params["content"].(string)
	if !ok {
		return "", fmt.Errorf("content is required")
	}

	release := tctx.Agent.FileLock(path)
	defer release()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create parent dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return "", fmt.Errorf("write %s: %w", stringParam(params, "path"), err)
	}
	return fmt.Sprintf("Wrote %d bytes to %s", len(content), stringParam(params, "path")), nil
}

// ListDir lists a workspace directory.
type ListDir struct{}

func (ListDir) Name() string        { return "list_dir" }
func (ListDir) Toolset() string     { return "files" }
func (ListDir) IsAvailable() bool   { return true }
func (ListDir) Description() string {
	return "List the entries of a workspace directory. Use \".\" for the workspace root."
}

func (ListDir) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{
				"type":        "string",
				"description": "Workspace-relative directory path",
			},
		},
		"required": []any{"path"},
	}
}

func (ListDir) Execute(ctx context.Context, params map[string]any, tctx agent.ToolContext) (string, error) {
	path, err := resolvePath(tctx.Agent.Workspace(), stringParam(params, "path"))
	if err != nil {
		return "", err
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return "", fmt.Errorf("list %s: %w", stringParam(params, "path"), err)
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	sort.Strings(names)
	if len(names) == 0 {
		return "(empty)", nil
	}
	return strings.Join(names, "\n"), nil
}
