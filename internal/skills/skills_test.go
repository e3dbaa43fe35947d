package skills

import (
	"os"
	"path/filepath"
	"testing"
)

const validSkill = `---
name: weather
description: Fetch weather forecasts
---

Use the forecast API to answer weather questions.
`

func writeSkill(t *testing.T, root, name, content string) {
	t.Helper()
	dir := filepath.Join(root, "skills", name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, Filename), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestParseValidSkill(t *testing.T) {
	skill, err := Parse([]byte(validSkill), "/tmp/weather")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if skill.Name != "weather" {
		t.Errorf("name %q", skill.Name)
	}
	if skill.Description != "Fetch weather forecasts" {
		t.Errorf("description %q", skill.Description)
	}
	if skill.Content != "Use the forecast API to answer weather questions." {
		t.Errorf("content %q", skill.Content)
	}
	if !skill.Available() {
		t.Error("skill with no requirements should be available")
	}
	if skill.Always() {
		t.Error("skill without always flag reported as always")
	}
}

func TestParseRejectsMissingFields(t *testing.T) {
	cases := map[string]string{
		"no delimiters": "name: x\ndescription: y\n",
		"unclosed":      "---\nname: x\ndescription: y\n",
		"no name":       "---\ndescription: y\n---\nbody\n",
		"no desc":       "---\nname: x\n---\nbody\n",
		"empty":         "",
	}
	for label, content := range cases {
		if _, err := Parse([]byte(content), ""); err == nil {
			t.Errorf("%s: parse succeeded, want error", label)
		}
	}
}

func TestAlwaysSkillBypassesGating(t *testing.T) {
	content := `---
name: core
description: Always-on guidance
metadata:
  always: true
  requires:
    bins: [definitely-not-a-real-binary-xyz]
---

Body.
`
	skill, err := Parse([]byte(content), "")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !skill.Always() {
		t.Error("always flag not parsed")
	}
	if !skill.Available() {
		t.Error("always skill must be available despite unmet requirements")
	}
}

func TestRequiresGating(t *testing.T) {
	content := `---
name: gated
description: Needs a binary and an env var
metadata:
  requires:
    bins: [definitely-not-a-real-binary-xyz]
  install: "install the xyz tool"
---

Body.
`
	skill, err := Parse([]byte(content), "")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if skill.Available() {
		t.Error("skill with a missing binary reported available")
	}
	if skill.InstallHint() != "install the xyz tool" {
		t.Errorf("install hint %q", skill.InstallHint())
	}
}

func TestEnvGating(t *testing.T) {
	content := `---
name: env-gated
description: Needs an env var
metadata:
  requires:
    env: [KYBER_TEST_SKILL_ENV]
---

Body.
`
	skill, err := Parse([]byte(content), "")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if skill.Available() {
		t.Error("available with env var unset")
	}
	t.Setenv("KYBER_TEST_SKILL_ENV", "1")
	if !skill.Available() {
		t.Error("unavailable with env var set")
	}
}

func TestLoadSkipsMalformedAndSorts(t *testing.T) {
	root := t.TempDir()
	writeSkill(t, root, "zeta", "---\nname: zeta\ndescription: z\n---\nZ.\n")
	writeSkill(t, root, "alpha", "---\nname: alpha\ndescription: a\n---\nA.\n")
	writeSkill(t, root, "broken", "not frontmatter at all")
	// A directory without SKILL.md is ignored too.
	if err := os.MkdirAll(filepath.Join(root, "skills", "empty"), 0o755); err != nil {
		t.Fatal(err)
	}

	loaded, err := Load(root)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(loaded) != 2 {
		t.Fatalf("loaded %d skills, want 2", len(loaded))
	}
	if loaded[0].Name != "alpha" || loaded[1].Name != "zeta" {
		t.Errorf("order [%s %s]", loaded[0].Name, loaded[1].Name)
	}
}

func TestLoadMissingDirIsEmpty(t *testing.T) {
	loaded, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(loaded) != 0 {
		t.Errorf("loaded %d skills from missing dir", len(loaded))
	}
}
