package slog

import (
	"strings"
	"testing"
)

func TestLoggerLevels(t *testing.T) {
	l := NewLogger("test")
	l.LogToBuffer()

	l.Debugf("hidden %d", 1)
	l.Infof("shown %d", 2)
	out := l.Buffered()
	if strings.Contains(out, "hidden") {
		t.Errorf("Debug entry logged at info level: %q", out)
	}
	if !strings.Contains(out, "INFO") || !strings.Contains(out, "shown 2") {
		t.Errorf("Expected info entry, got %q", out)
	}

	l.WithDebug()
	l.Debugf("now visible")
	if !strings.Contains(l.Buffered(), "DEBU - test - now visible") {
		t.Errorf("Expected labelled debug entry, got %q", l.Buffered())
	}
}

func TestSetLevel(t *testing.T) {
	l := NewLogger("test")
	for _, lvl := range []string{"debug", "INFO", "Warn", "error", "off"} {
		if err := l.SetLevel(lvl); err != nil {
			t.Errorf("SetLevel(%q) returned %v", lvl, err)
		}
	}
	if err := l.SetLevel("verbose"); err == nil {
		t.Error("Expected error for unknown level")
	}
}

func TestNamedAndFields(t *testing.T) {
	l := NewLogger("conn")
	l.LogToBuffer()
	child := l.Named("auth").With(F("id", "abc"))
	child.InfoWith("banner", F("lines", 2))

	out := l.Buffered()
	for _, want := range []string{"conn.auth", "banner", `"id": "abc"`, `"lines": 2`} {
		if !strings.Contains(out, want) {
			t.Errorf("Expected %q in %q", want, out)
		}
	}
}

func TestFatalDoesNotExit(t *testing.T) {
	l := NewLogger("test")
	l.LogToBuffer()
	l.Fatalf("always displayed: %s", "boom")
	if !strings.Contains(l.Buffered(), "FATA") {
		t.Errorf("Expected fatal tag in %q", l.Buffered())
	}
}

func TestLevelChangeReachesChildren(t *testing.T) {
	l := NewLogger("root")
	child := l.Named("child")
	l.LogToBuffer()
	l.WithError()
	child.Warnf("dropped")
	if strings.Contains(l.Buffered(), "dropped") {
		t.Errorf("Child ignored parent level: %q", l.Buffered())
	}
}
