package telemetry_test

import (
	"bufio"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/feldspar/overseer/internal/telemetry"
)

func readLogLines(t *testing.T, homeDir string) []map[string]any {
	t.Helper()
	f, err := os.Open(filepath.Join(homeDir, "logs", "system.jsonl"))
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	defer f.Close()

	var out []map[string]any
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var entry map[string]any
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			t.Fatalf("bad log line %q: %v", scanner.Text(), err)
		}
		out = append(out, entry)
	}
	return out
}

func TestNewLogger_WritesJSONToFile(t *testing.T) {
	home := t.TempDir()
	logger, _, closer, err := telemetry.NewLogger(home, "info", true)
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}

	logger.Info("task submitted", "task_id", "abc123")
	logger.Debug("suppressed at info level")
	_ = closer.Close()

	lines := readLogLines(t, home)
	if len(lines) != 1 {
		t.Fatalf("log lines = %d, want 1", len(lines))
	}
	entry := lines[0]
	if entry["msg"] != "task submitted" || entry["task_id"] != "abc123" {
		t.Fatalf("entry = %v", entry)
	}
	if entry["component"] != "overseer" {
		t.Fatalf("component = %v", entry["component"])
	}
	if _, ok := entry["timestamp"]; !ok {
		t.Fatal("time key not renamed to timestamp")
	}
	if _, ok := entry["time"]; ok {
		t.Fatal("original time key still present")
	}
}

func TestNewLogger_RedactsSensitiveKeys(t *testing.T) {
	home := t.TempDir()
	logger, _, closer, err := telemetry.NewLogger(home, "info", true)
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}

	logger.Info("auth configured", "api_key", "sk-very-secret", "owner", "alice")
	_ = closer.Close()

	lines := readLogLines(t, home)
	if len(lines) != 1 {
		t.Fatalf("log lines = %d", len(lines))
	}
	if lines[0]["api_key"] != "[REDACTED]" {
		t.Fatalf("api_key = %v, want redacted", lines[0]["api_key"])
	}
	if lines[0]["owner"] != "alice" {
		t.Fatalf("owner = %v, want untouched", lines[0]["owner"])
	}
}

func TestNewLogger_LevelChangesAtRuntime(t *testing.T) {
	home := t.TempDir()
	logger, lvl, closer, err := telemetry.NewLogger(home, "info", true)
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}

	logger.Debug("dropped while at info")
	lvl.Set(slog.LevelDebug)
	logger.Debug("kept after level change")
	_ = closer.Close()

	lines := readLogLines(t, home)
	if len(lines) != 1 {
		t.Fatalf("log lines = %d, want 1", len(lines))
	}
	if lines[0]["msg"] != "kept after level change" {
		t.Fatalf("entry = %v", lines[0])
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"bogus":   slog.LevelInfo,
		"":        slog.LevelInfo,
	}
	for in, want := range cases {
		if got := telemetry.ParseLevel(in); got != want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
