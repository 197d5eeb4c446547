package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(filepath.Join(dir, "mediad.yaml"))
	if err != nil {
		t.Fatalf("missing file should not fail: %v", err)
	}
	if cfg.Runtime.DataDir != filepath.Join(dir, "data") {
		t.Fatalf("unexpected data dir: %s", cfg.Runtime.DataDir)
	}
	if !strings.HasPrefix(cfg.IPC.Address, "unix:///tmp/mediad-ipc-") {
		t.Fatalf("unexpected ipc address: %s", cfg.IPC.Address)
	}
	if cfg.Plugins.Path != filepath.Join(dir, "data", "plugins") {
		t.Fatalf("unexpected plugin path: %s", cfg.Plugins.Path)
	}
	if cfg.Output.Plugin != "null" || cfg.Journal.Driver != "memory" || cfg.Worker.Count != 2 {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
}

func TestLoadResolvesRelativePaths(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mediad.yaml")
	content := `
runtime:
  data_dir: state
log:
  level: debug
  file:
    path: logs/mediad.log
ipc:
  address: tcp://127.0.0.1:9667
plugins:
  path: plugins
  deny: [pulse]
  settings:
    wavfile:
      path: /tmp/out.wav
output:
  plugin: wavfile
  volume: 40
journal:
  driver: mysql
  dsn: user:pw@tcp(localhost:3306)/mediad
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Runtime.DataDir != filepath.Join(dir, "state") {
		t.Fatalf("unexpected data dir: %s", cfg.Runtime.DataDir)
	}
	if cfg.Log.File.Path != filepath.Join(dir, "logs", "mediad.log") {
		t.Fatalf("unexpected log file: %s", cfg.Log.File.Path)
	}
	if cfg.Plugins.Path != filepath.Join(dir, "plugins") {
		t.Fatalf("unexpected plugin path: %s", cfg.Plugins.Path)
	}
	if cfg.Plugins.Settings["wavfile"]["path"] != "/tmp/out.wav" {
		t.Fatalf("plugin settings not parsed: %+v", cfg.Plugins.Settings)
	}
	if cfg.Output.Volume != 40 || cfg.Journal.Driver != "mysql" {
		t.Fatalf("unexpected values: %+v", cfg)
	}
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	dir := t.TempDir()
	cases := map[string]string{
		"malformed":   "ipc: [",
		"bad address": "ipc:\n  address: http://x\n",
		"bad journal": "journal:\n  driver: mysql\n",
		"bad volume":  "output:\n  volume: 150\n",
	}
	for name, content := range cases {
		path := filepath.Join(dir, strings.ReplaceAll(name, " ", "_")+".yaml")
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
		if _, err := Load(path); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestResolvePathPrecedence(t *testing.T) {
	t.Setenv(EnvPath, "/etc/mediad.yaml")
	if got := ResolvePath("/flag.yaml"); got != "/flag.yaml" {
		t.Fatalf("flag should win, got %s", got)
	}
	if got := ResolvePath(""); got != "/etc/mediad.yaml" {
		t.Fatalf("env should be used, got %s", got)
	}
}
