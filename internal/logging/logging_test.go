package logging

import "testing"

func TestNewLoggerLevels(t *testing.T) {
	for _, level := range []string{"debug", "info", "WARN", "error"} {
		if _, err := NewLogger(level); err != nil {
			t.Fatalf("NewLogger(%q): %v", level, err)
		}
		if _, err := NewConsole(level); err != nil {
			t.Fatalf("NewConsole(%q): %v", level, err)
		}
	}
}

func TestNewLoggerRejectsUnknownLevel(t *testing.T) {
	if _, err := NewLogger("loud"); err == nil {
		t.Fatal("expected error for unknown level")
	}
}
