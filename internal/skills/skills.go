// Package skills loads markdown skill definitions from the workspace and
// gates them on their declared requirements.
//
// A skill lives at <workspace>/skills/<name>/SKILL.md: YAML frontmatter
// (name, description, gating metadata) followed by a markdown body that is
// injected into the system prompt when the skill is active.
package skills

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	// Filename is the expected skill definition filename.
	Filename = "SKILL.md"

	frontmatterDelimiter = "---"
)

// Requires defines a skill's gating requirements.
type Requires struct {
	// Bins requires all listed binaries to resolve on PATH.
	Bins []string `yaml:"bins"`

	// Env requires all listed environment variables to be set.
	Env []string `yaml:"env"`
}

// Metadata carries gating and installation hints.
type Metadata struct {
	// Always injects the skill's full content into every system prompt,
	// bypassing gating.
	Always bool `yaml:"always"`

	// Requires defines when the skill is available.
	Requires *Requires `yaml:"requires"`

	// Install is a human-readable hint shown for unavailable skills.
	Install string `yaml:"install"`
}

// Skill is one parsed SKILL.md.
type Skill struct {
	Name        string    `yaml:"name"`
	Description string    `yaml:"description"`
	Metadata    *Metadata `yaml:"metadata"`

	// Content is the markdown body.
	Content string `yaml:"-"`

	// Path is the skill's directory.
	Path string `yaml:"-"`
}

// Always reports whether the skill's content is injected unconditionally.
func (s *Skill) Always() bool {
	return s.Metadata != nil && s.Metadata.Always
}

// InstallHint returns the install hint, if any.
func (s *Skill) InstallHint() string {
	if s.Metadata == nil {
		return ""
	}
	return s.Metadata.Install
}

// Available reports whether every required binary resolves on PATH and every
// required environment variable is set. Always-skills are always available.
func (s *Skill) Available() bool {
	if s.Always() {
		return true
	}
	if s.Metadata == nil || s.Metadata.Requires == nil {
		return true
	}
	for _, bin := range s.Metadata.Requires.Bins {
		if _, err := exec.LookPath(bin); err != nil {
			return false
		}
	}
	for _, key := range s.Metadata.Requires.Env {
		if os.Getenv(key) == "" {
			return false
		}
	}
	return true
}

// ParseFile parses one SKILL.md file.
func ParseFile(path string) (*Skill, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read skill: %w", err)
	}
	return Parse(data, filepath.Dir(path))
}

// Parse parses SKILL.md content. dir becomes the skill's Path.
func Parse(data []byte, dir string) (*Skill, error) {
	frontmatter, body, err := splitFrontmatter(data)
	if err != nil {
		return nil, err
	}

	var skill Skill
	if err := yaml.Unmarshal(frontmatter, &skill); err != nil {
		return nil, fmt.Errorf("parse frontmatter: %w", err)
	}
	if skill.Name == "" {
		return nil, fmt.Errorf("skill name is required")
	}
	if skill.Description == "" {
		return nil, fmt.Errorf("skill description is required")
	}

	skill.Content = strings.TrimSpace(string(body))
	skill.Path = dir
	return &skill, nil
}

// Load scans <root>/skills/*/SKILL.md and returns the parsed skills sorted by
// name. Malformed skills are skipped, not fatal.
func Load(root string) ([]*Skill, error) {
	dir := filepath.Join(root, "skills")
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read skills dir: %w", err)
	}

	var out []*Skill
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		skill, err := ParseFile(filepath.Join(dir, entry.Name(), Filename))
		if err != nil {
			// Missing or malformed SKILL.md disables that one skill.
			continue
		}
		out = append(out, skill)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// splitFrontmatter separates the YAML frontmatter from the markdown body.
func splitFrontmatter(data []byte) ([]byte, []byte, error) {
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	if !scanner.Scan() {
		return nil, nil, fmt.Errorf("empty skill file")
	}
	if strings.TrimSpace(scanner.Text()) != frontmatterDelimiter {
		return nil, nil, fmt.Errorf("missing opening frontmatter delimiter")
	}

	var frontmatter []string
	closed := false
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == frontmatterDelimiter {
			closed = true
			break
		}
		frontmatter = append(frontmatter, line)
	}
	if !closed {
		return nil, nil, fmt.Errorf("missing closing frontmatter delimiter")
	}

	var body []string
	for scanner.Scan() {
		body = append(body, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, fmt.Errorf("scan skill file: %w", err)
	}

	return []byte(strings.Join(frontmatter, "\n")), []byte(strings.Join(body, "\n")), nil
}
