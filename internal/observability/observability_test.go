package observability

import (
	"bytes"
	"strings"
	"testing"
)

func TestRedactKeyValueAssignments(t *testing.T) {
	cases := []struct{ in, want string }{
		{"api_key=sk-abc123 rest", "api_key=*** rest"},
		{"token: xyzzy-plugh", "token=***"},
		{"password = hunter2", "password=***"},
		{"no secrets here", "no secrets here"},
	}
	for _, tc := range cases {
		if got := Redact(tc.in); got != tc.want {
			t.Errorf("Redact(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestRedactBareProviderTokens(t *testing.T) {
	in := "call failed for sk-ant12345678901234567890 at 3pm"
	got := Redact(in)
	if strings.Contains(got, "sk-ant12345678901234567890") {
		t.Errorf("token survived: %q", got)
	}
	if !strings.Contains(got, "***") {
		t.Errorf("no mask present: %q", got)
	}
}

func TestErrorLogRingEviction(t *testing.T) {
	l := NewErrorLog(3)
	for _, msg := range []string{"one", "two", "three", "four"} {
		l.Record("test", msg)
	}

	recent := l.Recent(0)
	if len(recent) != 3 {
		t.Fatalf("retained %d records, want 3", len(recent))
	}
	if recent[0].Message != "two" || recent[2].Message != "four" {
		t.Errorf("records %v", recent)
	}

	limited := l.Recent(1)
	if len(limited) != 1 || limited[0].Message != "four" {
		t.Errorf("Recent(1) = %v", limited)
	}

	l.Clear()
	if len(l.Recent(0)) != 0 {
		t.Error("records remain after Clear")
	}
}

func TestErrorLogRedactsMessages(t *testing.T) {
	l := NewErrorLog(5)
	l.Record("dispatcher", "send failed: token=supersecret")
	recent := l.Recent(0)
	if strings.Contains(recent[0].Message, "supersecret") {
		t.Errorf("secret retained: %q", recent[0].Message)
	}
}

func TestLoggerRedactsAttrValues(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "info", Format: "json", Output: &buf})

	logger.Info("provider call", "detail", "api_key=sk-live123 failed")

	out := buf.String()
	if strings.Contains(out, "sk-live123") {
		t.Errorf("secret leaked into log output: %s", out)
	}
}

func TestLoggerLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "warn", Format: "text", Output: &buf})

	logger.Info("should be filtered")
	logger.Warn("should appear")

	out := buf.String()
	if strings.Contains(out, "should be filtered") {
		t.Error("info record passed a warn-level logger")
	}
	if !strings.Contains(out, "should appear") {
		t.Error("warn record missing")
	}
}
