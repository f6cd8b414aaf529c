package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestFileLoggerWritesEntries(t *testing.T) {
	dir := t.TempDir()

	log, err := newFileLogger(dir, "orchestrator", INFO, false)
	if err != nil {
		t.Fatalf("newFileLogger failed: %v", err)
	}
	log.Info("run queued", map[string]interface{}{"run": "run-1"})
	if err := log.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "orchestrator.log"))
	if err != nil {
		t.Fatalf("reading log file failed: %v", err)
	}
	if !strings.Contains(string(data), "run queued") {
		t.Errorf("log file missing entry: %q", string(data))
	}
	if !strings.Contains(string(data), "run-1") {
		t.Errorf("log file missing field: %q", string(data))
	}
}

func TestFileLoggerAppendsAcrossReopens(t *testing.T) {
	dir := t.TempDir()

	for _, msg := range []string{"first start", "second start"} {
		log, err := newFileLogger(dir, "orchestrator", INFO, false)
		if err != nil {
			t.Fatalf("newFileLogger failed: %v", err)
		}
		log.Info(msg, nil)
		log.Close()
	}

	data, err := os.ReadFile(filepath.Join(dir, "orchestrator.log"))
	if err != nil {
		t.Fatalf("reading log file failed: %v", err)
	}
	if !strings.Contains(string(data), "first start") || !strings.Contains(string(data), "second start") {
		t.Errorf("expected entries from both processes, got %q", string(data))
	}
}

func TestLoggerLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	log := NewLogger(WARN, false)
	log.SetOutput(&buf)

	log.Debug("noise", nil)
	log.Info("also noise", nil)
	log.Warn("kept", nil)

	out := buf.String()
	if strings.Contains(out, "noise") {
		t.Errorf("entries below the level must be dropped, got %q", out)
	}
	if !strings.Contains(out, "kept") {
		t.Errorf("expected warn entry, got %q", out)
	}
}

func TestLoggerJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	log := NewLogger(INFO, true)
	log.SetOutput(&buf)

	log.Info("run completed", map[string]interface{}{"status": "succeeded"})

	var entry LogEntry
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("output is not valid JSON: %v (%q)", err, buf.String())
	}
	if entry.Message != "run completed" || entry.Level != "INFO" {
		t.Errorf("unexpected entry: %+v", entry)
	}
	if entry.Fields["status"] != "succeeded" {
		t.Errorf("field not carried: %+v", entry.Fields)
	}
}
