package main

import (
	"testing"

	"mediad/internal/config"
)

func TestFlagsOverrideConfig(t *testing.T) {
	opts, _ := parseFlags([]string{"-vv", "-o", "wavfile", "-p", "/opt/mediad/plugins", "-n"})
	if opts.verbose != 2 || !opts.noLog {
		t.Fatalf("unexpected options %+v", opts)
	}

	cfg := &config.Config{}
	cfg.Log.Level = "warn"
	cfg.Output.Plugin = "null"
	opts.apply(cfg)

	if cfg.Output.Plugin != "wavfile" {
		t.Fatalf("output flag ignored: %s", cfg.Output.Plugin)
	}
	if cfg.Plugins.Path != "/opt/mediad/plugins" {
		t.Fatalf("plugin dir flag ignored: %s", cfg.Plugins.Path)
	}
	if cfg.Log.Level != "debug" {
		t.Fatalf("expected debug level, got %s", cfg.Log.Level)
	}
}

func TestFlagsKeepConfigDefaults(t *testing.T) {
	opts, _ := parseFlags(nil)
	cfg := &config.Config{}
	cfg.Log.Level = "info"
	cfg.Output.Plugin = "null"
	opts.apply(cfg)
	if cfg.Output.Plugin != "null" || cfg.Log.Level != "info" {
		t.Fatalf("config changed without flags: %+v", cfg)
	}
}
