package logger

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestParseLevelAndVerbosity(t *testing.T) {
	if ParseLevel("WARN") != slog.LevelWarn {
		t.Fatalf("expected warn level")
	}
	if ParseLevel("bogus") != slog.LevelInfo {
		t.Fatalf("unknown levels should mean info")
	}
	if got := LevelForVerbosity("warn", 1); got != "info" {
		t.Fatalf("one -v above warn should give info, got %s", got)
	}
	if got := LevelForVerbosity("info", 1); got != "debug" {
		t.Fatalf("one -v at info should give debug, got %s", got)
	}
	if got := LevelForVerbosity("error", 0); got != "error" {
		t.Fatalf("no -v keeps the base level, got %s", got)
	}
}

func TestInitWritesRotatingFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "logs", "mediad.log")
	if err := Init(Config{Level: "info", Format: "json", File: FileConfig{Path: path}}); err != nil {
		t.Fatalf("init: %v", err)
	}
	t.Cleanup(func() {
		_ = Init(Config{Disabled: true})
	})

	Named("test").Info("hello", slog.String("who", "mediad"))
	if err := Sync(); err != nil {
		t.Fatalf("sync: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if !strings.Contains(string(data), `"component":"test"`) {
		t.Fatalf("expected component attribute, got %s", data)
	}
}

func TestRotatingWriterRotates(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rot.log")
	w, err := newRotatingWriter(FileConfig{Path: path, MaxSizeMB: 1, MaxBackups: 2, MaxAgeDays: 1})
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}
	w.maxSize = 16
	defer w.Close()

	for i := 0; i < 3; i++ {
		if _, err := w.Write([]byte("0123456789\n")); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	if _, err := os.Stat(path + ".1"); err != nil {
		t.Fatalf("expected a rotated backup: %v", err)
	}
	if _, err := os.Stat(path + ".3"); err == nil {
		t.Fatalf("backups beyond the limit must not exist")
	}
}

func TestRotatingWriterPrunesOldBackups(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "old.log")
	w, err := newRotatingWriter(FileConfig{Path: path, MaxBackups: 3, MaxAgeDays: 1})
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}
	w.maxSize = 8
	w.now = func() time.Time { return time.Now().Add(48 * time.Hour) }
	defer w.Close()

	for i := 0; i < 2; i++ {
		if _, err := w.Write([]byte("abcdefg\n")); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	if _, err := os.Stat(path + ".1"); err == nil {
		t.Fatalf("backup older than max age should be pruned")
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("current log file missing: %v", err)
	}
}
