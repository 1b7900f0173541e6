package logger

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewWritesToFile(t *testing.T) {
	file := filepath.Join(t.TempDir(), "wmsync.log")

	log, err := New("info", file)
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}
	log.Debug("hidden")
	log.Info("visible")
	_ = log.Sync()

	data, err := os.ReadFile(file)
	if err != nil {
		t.Fatalf("Failed to read log file: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 1 {
		t.Fatalf("Expected 1 log line, got %d: %q", len(lines), data)
	}

	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("Expected JSON log line: %v", err)
	}
	if entry["msg"] != "visible" {
		t.Errorf("Expected msg visible, got %v", entry["msg"])
	}
	if entry["level"] != "info" {
		t.Errorf("Expected level info, got %v", entry["level"])
	}
	if _, ok := entry["time"]; !ok {
		t.Error("Expected time key in log line")
	}
}

func TestNewInvalidLevel(t *testing.T) {
	if _, err := New("loud", ""); err == nil {
		t.Error("Expected error for invalid level")
	}
}
