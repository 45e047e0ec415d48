package main

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func TestLoadConfigFallsBackToDefaultsWhenFileIsAbsent(t *testing.T) {
	cfg, err := loadConfig(filepath.Join(t.TempDir(), "does-not-exist.yml"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !reflect.DeepEqual(cfg, defaultConfig()) {
		t.Fatalf("expected defaults unchanged; got %+v", cfg)
	}
}

func TestLoadConfigOverridesDefaultsFromYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "qemurun.yml")
	if err := os.WriteFile(path, []byte("memory_mb: 2048\nsmp_count: 8\n"), 0o644); err != nil {
		t.Fatalf("writing fixture: %v", err)
	}

	cfg, err := loadConfig(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.MemoryMB != 2048 || cfg.SMPCount != 8 {
		t.Fatalf("expected overridden fields; got %+v", cfg)
	}
	if cfg.OVMFCode != defaultConfig().OVMFCode {
		t.Fatalf("expected untouched fields to keep their default; got %q", cfg.OVMFCode)
	}
}

func TestLoadConfigRejectsMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "qemurun.yml")
	if err := os.WriteFile(path, []byte("memory_mb: [this is not an int"), 0o644); err != nil {
		t.Fatalf("writing fixture: %v", err)
	}

	if _, err := loadConfig(path); err == nil {
		t.Fatal("expected malformed YAML to be rejected")
	}
}
