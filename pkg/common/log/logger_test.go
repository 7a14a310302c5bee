package log

import (
	"bytes"
	"strings"
	"testing"
)

func TestLoggerLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewStandardLogger(WithOutput(&buf), WithLevel(LevelWarn))

	logger.Debug("debug message")
	logger.Info("info message")
	logger.Warn("warn message")
	logger.Error("error message")

	out := buf.String()
	if strings.Contains(out, "debug message") {
		t.Error("Debug message should have been filtered")
	}
	if strings.Contains(out, "info message") {
		t.Error("Info message should have been filtered")
	}
	if !strings.Contains(out, "warn message") {
		t.Error("Warn message missing from output")
	}
	if !strings.Contains(out, "error message") {
		t.Error("Error message missing from output")
	}
}

func TestLoggerFormatting(t *testing.T) {
	var buf bytes.Buffer
	logger := NewStandardLogger(WithOutput(&buf), WithLevel(LevelDebug))

	logger.Info("count is %d", 42)

	if !strings.Contains(buf.String(), "count is 42") {
		t.Errorf("Expected formatted message, got %q", buf.String())
	}
	if !strings.Contains(buf.String(), "[INFO]") {
		t.Errorf("Expected level tag, got %q", buf.String())
	}
}

func TestLoggerWithFields(t *testing.T) {
	var buf bytes.Buffer
	base := NewStandardLogger(WithOutput(&buf), WithLevel(LevelDebug))

	logger := base.WithField("table", "users").WithField("segment", 3)
	logger.Info("flush complete")

	out := buf.String()
	if !strings.Contains(out, "table=users") {
		t.Errorf("Expected table field in output, got %q", out)
	}
	if !strings.Contains(out, "segment=3") {
		t.Errorf("Expected segment field in output, got %q", out)
	}

	// Fields must not leak back into the parent logger.
	buf.Reset()
	base.Info("plain")
	if strings.Contains(buf.String(), "table=users") {
		t.Error("Parent logger should not carry child fields")
	}
}

func TestLoggerSetLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := NewStandardLogger(WithOutput(&buf))

	if logger.GetLevel() != LevelInfo {
		t.Errorf("Expected default level INFO, got %v", logger.GetLevel())
	}

	logger.SetLevel(LevelError)
	logger.Warn("should be dropped")
	if buf.Len() != 0 {
		t.Errorf("Expected no output, got %q", buf.String())
	}
}
