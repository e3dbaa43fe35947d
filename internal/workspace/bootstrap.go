// Package workspace manages the agent's working directory: seeding the
// bootstrap files on first run and assembling the system prompt from them.
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// BootstrapFile is one file seeded into a fresh workspace.
type BootstrapFile struct {
	Name    string
	Content string
}

// BootstrapResult captures which files were created or already present.
type BootstrapResult struct {
	Created []string
	Skipped []string
}

// bootstrapOrder is the order bootstrap files appear in the system prompt.
var bootstrapOrder = []string{"AGENTS.md", "SOUL.md", "USER.md", "TOOLS.md", "IDENTITY.md"}

// DefaultBootstrapFiles returns the files a fresh workspace is seeded with.
func DefaultBootstrapFiles() []BootstrapFile {
	return []BootstrapFile{
		{
			Name: "AGENTS.md",
			Content: "# AGENTS.md - Workspace Instructions\n\n" +
				"This workspace is the assistant's working directory.\n\n" +
				"## Safety\n" +
				"- Do not exfiltrate secrets or private data.\n" +
				"- Avoid destructive actions unless explicitly requested.\n\n" +
				"## Workflow\n" +
				"- Be concise in chat; put longer output in files.\n" +
				"- Ask clarifying questions when requirements are unclear.\n" +
				"- Keep durable notes in memory/YYYY-MM-DD.md.\n",
		},
		{
			Name: "SOUL.md",
			Content: "# SOUL.md - Persona & Boundaries\n\n" +
				"- Tone: concise, direct, and friendly.\n" +
				"- Ask clarifying questions when needed.\n" +
				"- Never send partial replies to external messaging surfaces.\n",
		},
		{
			Name: "USER.md",
			Content: "# USER.md - User Profile\n\n" +
				"- Name:\n" +
				"- Preferred address:\n" +
				"- Timezone (optional):\n" +
				"- Notes:\n",
		},
		{
			Name: "TOOLS.md",
			Content: "# TOOLS.md - User Tool Notes (editable)\n\n" +
				"Add notes about local tools, conventions, or shortcuts here.\n",
		},
		{
			Name: "IDENTITY.md",
			Content: "# IDENTITY.md - Agent Identity\n\n" +
				"- Name: Kyber\n" +
				"- Vibe:\n" +
				"- Emoji:\n",
		},
		{
			Name: "MEMORY.md",
			Content: "# MEMORY.md - Long-Term Memory\n\n" +
				"Capture durable facts, preferences, and decisions here.\n",
		},
	}
}

// Bootstrap creates the workspace directory tree and seeds missing bootstrap
// files. Existing files are never overwritten.
func Bootstrap(root string) (BootstrapResult, error) {
	result := BootstrapResult{}
	base := strings.TrimSpace(root)
	if base == "" {
		base = "."
	}

	for _, dir := range []string{base, filepath.Join(base, "skills"), filepath.Join(base, "memory")} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return result, fmt.Errorf("create workspace dir: %w", err)
		}
	}

	for _, file := range DefaultBootstrapFiles() {
		path := filepath.Join(base, file.Name)
		if _, err := os.Stat(path); err == nil {
			result.Skipped = append(result.Skipped, path)
			continue
		} else if !os.IsNotExist(err) {
			return result, fmt.Errorf("stat %s: %w", path, err)
		}
		if err := os.WriteFile(path, []byte(file.Content), 0o644); err != nil {
			return result, fmt.Errorf("write %s: %w", path, err)
		}
		result.Created = append(result.Created, path)
	}

	return result, nil
}
