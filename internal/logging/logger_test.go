package logging

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestConsoleHandlerRendersComponentPrefix(t *testing.T) {
	var buf bytes.Buffer
	levelVar := new(slog.LevelVar)
	logger := slog.New(newConsoleHandler(&buf, levelVar))

	logger.With(String(FieldComponent, "pipeline")).Info("item started",
		String(FieldItem, "src/Main.java"),
		Int(FieldAttempt, 2),
	)

	line := buf.String()
	if !strings.Contains(line, "INFO pipeline: item started") {
		t.Fatalf("unexpected line: %q", line)
	}
	if !strings.Contains(line, "item=src/Main.java") || !strings.Contains(line, "attempt=2") {
		t.Fatalf("missing attrs in line: %q", line)
	}
}

func TestConsoleHandlerQuotesValuesWithSpaces(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(newConsoleHandler(&buf, new(slog.LevelVar)))

	logger.Warn("state file corrupted", String(FieldReason, "unexpected end of JSON input"))

	if !strings.Contains(buf.String(), `reason="unexpected end of JSON input"`) {
		t.Fatalf("expected quoted reason, got %q", buf.String())
	}
}

func TestNewRejectsUnknownFormat(t *testing.T) {
	if _, err := New(Options{Format: "xml"}); err == nil {
		t.Fatal("expected error for unsupported format")
	}
}

func TestParseLevelDefaults(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"info":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"unknown": slog.LevelInfo,
	}
	for input, expected := range cases {
		if got := parseLevel(input); got != expected {
			t.Fatalf("parseLevel(%q) = %v, expected %v", input, got, expected)
		}
	}
}
