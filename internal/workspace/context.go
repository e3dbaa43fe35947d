package workspace

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cyph3rasi/kyber/internal/skills"
)

const sectionSeparator = "\n\n---\n\n"

// TaskStatusFunc reports the currently running tasks, one line each. The
// builder injects an active-tasks block only when it returns lines.
type TaskStatusFunc func() []string

// ContextBuilder assembles the system prompt from the workspace: identity,
// bootstrap files, memory, and the skills catalog.
type ContextBuilder struct {
	root       string
	taskStatus TaskStatusFunc
}

// NewContextBuilder creates a builder rooted at the workspace directory.
// taskStatus may be nil.
func NewContextBuilder(root string, taskStatus TaskStatusFunc) *ContextBuilder {
	return &ContextBuilder{root: root, taskStatus: taskStatus}
}

// Build produces the system prompt: identity block, each existing bootstrap
// file in order, the memory block, always-on skill content, the skills
// catalog, and the active-tasks block, joined by "---" separators. Skills are
// re-read on every call so edits take effect on the next turn.
func (b *ContextBuilder) Build(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	sections := []string{b.identityBlock()}

	for _, name := range bootstrapOrder {
		content, err := b.readFile(name)
		if err != nil || strings.TrimSpace(content) == "" {
			continue
		}
		sections = append(sections, strings.TrimSpace(content))
	}

	if memory := b.memoryBlock(); memory != "" {
		sections = append(sections, memory)
	}

	loaded, err := skills.Load(b.root)
	if err != nil {
		return "", fmt.Errorf("load skills: %w", err)
	}
	if always := alwaysSkillsBlock(loaded); always != "" {
		sections = append(sections, always)
	}
	if catalog := skillsCatalog(loaded); catalog != "" {
		sections = append(sections, catalog)
	}

	if b.taskStatus != nil {
		if lines := b.taskStatus(); len(lines) > 0 {
			sections = append(sections, "## Active Tasks\n"+strings.Join(lines, "\n"))
		}
	}

	return strings.Join(sections, sectionSeparator), nil
}

func (b *ContextBuilder) identityBlock() string {
	now := time.Now().Format("Monday, 2006-01-02 15:04 MST")
	return fmt.Sprintf(
		"You are Kyber, a personal assistant reachable over chat.\n"+
			"Current time: %s\n"+
			"Workspace: %s\n"+
			"You can use tools to read and write files in the workspace and run commands.",
		now, b.root)
}

// memoryBlock combines long-term memory with today's day note, when present.
func (b *ContextBuilder) memoryBlock() string {
	var parts []string
	if content, err := b.readFile("MEMORY.md"); err == nil && strings.TrimSpace(content) != "" {
		parts = append(parts, strings.TrimSpace(content))
	}

	dayNote := filepath.Join("memory", time.Now().Format("2006-01-02")+".md")
	if content, err := b.readFile(dayNote); err == nil && strings.TrimSpace(content) != "" {
		parts = append(parts, "## Today's Notes\n"+strings.TrimSpace(content))
	}

	return strings.Join(parts, "\n\n")
}

func (b *ContextBuilder) readFile(name string) (string, error) {
	data, err := os.ReadFile(filepath.Join(b.root, name))
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// alwaysSkillsBlock concatenates the full content of skills marked always.
func alwaysSkillsBlock(loaded []*skills.Skill) string {
	var parts []string
	for _, skill := range loaded {
		if !skill.Always() || skill.Content == "" {
			continue
		}
		parts = append(parts, fmt.Sprintf("## Skill: %s\n%s", skill.Name, skill.Content))
	}
	return strings.Join(parts, "\n\n")
}

// skillsCatalog renders the XML-style skill summary the model uses to decide
// what is worth reading in full.
func skillsCatalog(loaded []*skills.Skill) string {
	if len(loaded) == 0 {
		return ""
	}

	var sb strings.Builder
	sb.WriteString("<skills>\n")
	for _, skill := range loaded {
		sb.WriteString(fmt.Sprintf("  <skill name=%q available=\"%t\">\n", skill.Name, skill.Available()))
		sb.WriteString("    <description>" + skill.Description + "</description>\n")
		if !skill.Available() {
			if hint := skill.InstallHint(); hint != "" {
				sb.WriteString("    <install>" + hint + "</install>\n")
			}
		}
		sb.WriteString("  </skill>\n")
	}
	sb.WriteString("</skills>")
	return sb.String()
}
