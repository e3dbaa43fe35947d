package tools

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/cyph3rasi/kyber/internal/agent"
)

// Exec runs a shell command with the workspace as working directory. The
// command inherits the tool call's context, so cancellation and the per-call
// timeout kill the process.
type Exec struct{}

func (Exec) Name() string      { return "exec" }
func (Exec) Toolset() string   { return "shell" }
func (Exec) IsAvailable() bool {
	_, err := exec.LookPath("sh")
	return err == nil
}

func (Exec) Description() string {
	return "Run a shell command in the workspace and return its combined output."
}

func (Exec) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"command": map[string]any{
				"type":        "string",
				"description": "Shell command to run",
			},
		},
		"required": []any{"command"},
	}
}

func (Exec) Execute(ctx context.Context, params map[string]any, tctx agent.ToolContext) (string, error) {
	command := strings.TrimSpace(stringParam(params, "command"))
	if command == "" {
		return "", fmt.Errorf("command is required")
	}

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = tctx.Agent.Workspace()

	output, err := cmd.CombinedOutput()
	text := strings.TrimRight(string(output), "\n")
	if err != nil {
		if ctx.Err() != nil {
			return "", fmt.Errorf("command interrupted: %w", ctx.Err())
		}
		if text == "" {
			return "", fmt.Errorf("command failed: %w", err)
		}
		// Failed commands still return their output so the model can react.
		return fmt.Sprintf("%s\n(exit: %v)", text, err), nil
	}
	if text == "" {
		return "(no output)", nil
	}
	return text, nil
}
