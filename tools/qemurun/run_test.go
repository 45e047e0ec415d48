package main

import (
	"strings"
	"testing"
)

func TestBuildArgsIncludesOVMFAndESPDrives(t *testing.T) {
	cfg := defaultConfig()
	args := buildArgs(cfg)
	joined := strings.Join(args, " ")

	for _, want := range []string{cfg.OVMFCode, cfg.OVMFVars, cfg.ESPDir, cfg.SerialLog} {
		if !strings.Contains(joined, want) {
			t.Errorf("expected qemu args to reference %q; got %q", want, joined)
		}
	}
}

func TestBuildArgsAppendsExtraArgsAfterTheBaseSet(t *testing.T) {
	cfg := defaultConfig()
	cfg.ExtraQemuArg = []string{"-enable-kvm"}

	args := buildArgs(cfg)
	if args[len(args)-1] != "-enable-kvm" {
		t.Fatalf("expected extra args appended last; got %v", args)
	}
}

func TestBuildArgsUsesConfiguredGDBPort(t *testing.T) {
	cfg := defaultConfig()
	cfg.GDBPort = 4321

	args := buildArgs(cfg)
	joined := strings.Join(args, " ")
	if !strings.Contains(joined, "tcp::4321") {
		t.Fatalf("expected GDB port to appear in the serial line; got %q", joined)
	}
}
