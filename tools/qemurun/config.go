package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is a QEMU launch profile: the handful of knobs a dev-loop script
// needs to vary between runs (how much RAM, how many CPUs, where the OVMF
// firmware and the two images this repo builds live) without hardcoding a
// qemu-system-x86_64 command line, the same config-file-driven-tool shape
// tinyrange-cc's site-config.yml / testrunner spec.go use.
type Config struct {
	MemoryMB     int      `yaml:"memory_mb"`
	SMPCount     int      `yaml:"smp_count"`
	OVMFCode     string   `yaml:"ovmf_code"`
	OVMFVars     string   `yaml:"ovmf_vars"`
	ESPDir       string   `yaml:"esp_dir"`
	SerialLog    string   `yaml:"serial_log"`
	GDBPort      int      `yaml:"gdb_port"`
	ExtraQemuArg []string `yaml:"extra_qemu_args"`
}

// defaultConfig holds the values qemurun uses when invoked with no config
// file at all.
func defaultConfig() Config {
	return Config{
		MemoryMB:  512,
		SMPCount:  4,
		OVMFCode:  "/usr/share/OVMF/OVMF_CODE.fd",
		OVMFVars:  "/usr/share/OVMF/OVMF_VARS.fd",
		ESPDir:    "build/esp",
		SerialLog: "build/serial.log",
		GDBPort:   1234,
	}
}

// loadConfig reads a YAML launch profile from path, falling back to
// defaultConfig() unchanged if path does not exist: qemurun should run with
// no flags at all against a fresh checkout.
func loadConfig(path string) (Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return Config{}, fmt.Errorf("reading %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parsing %s: %w", path, err)
	}

	return cfg, nil
}
