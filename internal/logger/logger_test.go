package logger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewWritesToLogFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shellmcpd.log")
	log, err := New("debug", path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	log.Info("hello from test", "key", "value")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !strings.Contains(string(data), "hello from test") || !strings.Contains(string(data), "key=value") {
		t.Fatalf("expected log file to contain the logged message, got %q", data)
	}
}

func TestNewRejectsUnwritableLogFile(t *testing.T) {
	dir := t.TempDir()
	if _, err := New("info", filepath.Join(dir, "missing-subdir", "shellmcpd.log")); err == nil {
		t.Fatalf("expected error opening log file in nonexistent directory")
	}
}

func TestNewDefaultsToInfoLevel(t *testing.T) {
	if _, err := New("not-a-real-level", ""); err != nil {
		t.Fatalf("New: %v", err)
	}
}
