package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/charmbracelet/log"
)

func TestNewWritesJSONWithRunIDAndComponent(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger, err := New(
		WithOutput(&buf),
		WithFormat(FormatJSON),
		WithRunID("run-123"),
	)
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	defer logger.Close()

	logger.Component("webhook").Info("received event", "event", "push")

	var record map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &record); err != nil {
		t.Fatalf("decode log record %q: %v", buf.String(), err)
	}
	if record["msg"] != "received event" {
		t.Fatalf("msg = %v, want %q", record["msg"], "received event")
	}
	if record["run_id"] != "run-123" {
		t.Fatalf("run_id = %v, want run-123", record["run_id"])
	}
	if record["component"] != "webhook" {
		t.Fatalf("component = %v, want webhook", record["component"])
	}
	if record["event"] != "push" {
		t.Fatalf("event = %v, want push", record["event"])
	}
	if _, ok := record["time"]; !ok {
		t.Fatalf("record missing time: %v", record)
	}
}

func TestNewRespectsLevel(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger, err := New(WithOutput(&buf), WithLevel("warn"), WithFormat(FormatLogfmt))
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}

	logger.Logger.Info("hidden")
	logger.Logger.Warn("shown")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("info record emitted at warn level: %q", out)
	}
	if !strings.Contains(out, "msg=shown") {
		t.Fatalf("warn record missing: %q", out)
	}
}

func TestNewTeesToFile(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	path := filepath.Join(t.TempDir(), "logs", "spacehook.log")
	logger, err := New(WithOutput(&buf), WithFile(path), WithFormat(FormatLogfmt))
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	if logger.Path() != path {
		t.Fatalf("path = %q, want %q", logger.Path(), path)
	}

	logger.Logger.Info("sequence finished")
	if err := logger.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(data), "sequence finished") {
		t.Fatalf("file missing record: %q", data)
	}
	if !strings.Contains(buf.String(), "sequence finished") {
		t.Fatalf("primary sink missing record: %q", buf.String())
	}
}

func TestNewRejectsInvalidSettings(t *testing.T) {
	t.Parallel()

	if _, err := New(WithLevel("chatty")); err == nil {
		t.Fatal("expected error for unknown level")
	}
	if _, err := New(WithFormat("xml")); err == nil {
		t.Fatal("expected error for unknown format")
	}
}

func TestParseLevelAndFormat(t *testing.T) {
	t.Parallel()

	levels := map[string]log.Level{
		"":      log.InfoLevel,
		"debug": log.DebugLevel,
		"INFO":  log.InfoLevel,
		"warn":  log.WarnLevel,
		"error": log.ErrorLevel,
	}
	for input, want := range levels {
		got, err := ParseLevel(input)
		if err != nil {
			t.Fatalf("ParseLevel(%q): %v", input, err)
		}
		if got != want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", input, got, want)
		}
	}

	formats := map[string]log.Formatter{
		"":       log.TextFormatter,
		"text":   log.TextFormatter,
		"json":   log.JSONFormatter,
		"logfmt": log.LogfmtFormatter,
	}
	for input, want := range formats {
		got, err := ParseFormat(input)
		if err != nil {
			t.Fatalf("ParseFormat(%q): %v", input, err)
		}
		if got != want {
			t.Fatalf("ParseFormat(%q) = %v, want %v", input, got, want)
		}
	}
}

func TestNilRuntimeLoggerIsSafe(t *testing.T) {
	t.Parallel()

	var logger *RuntimeLogger
	if err := logger.Close(); err != nil {
		t.Fatalf("close nil logger: %v", err)
	}
	if logger.Path() != "" {
		t.Fatalf("nil logger path = %q", logger.Path())
	}
	if logger.Component("app") == nil {
		t.Fatal("nil logger component returned nil")
	}
}
