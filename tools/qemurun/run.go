package main

import (
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// killGrace is how long runQemu waits for qemu to exit after SIGTERM
// before escalating to SIGKILL.
const killGrace = 5 * time.Second

func afterKillGrace() <-chan time.Time {
	return time.After(killGrace)
}

// buildArgs turns a Config into a qemu-system-x86_64 command line that
// boots this repo's UEFI bootloader against OVMF, maps the ESP directory
// built by the bootloader/kernel images, and exposes a GDB RSP endpoint on
// cfg.GDBPort via the second serial port for kernel/debug/rsp to talk to.
func buildArgs(cfg Config) []string {
	args := []string{
		"-machine", "q35",
		"-cpu", "qemu64,+x2apic",
		"-m", fmt.Sprintf("%dM", cfg.MemoryMB),
		"-smp", fmt.Sprintf("%d", cfg.SMPCount),
		"-drive", "if=pflash,format=raw,readonly=on,file=" + cfg.OVMFCode,
		"-drive", "if=pflash,format=raw,file=" + cfg.OVMFVars,
		"-drive", "format=raw,file=fat:rw:" + cfg.ESPDir,
		"-serial", "file:" + cfg.SerialLog,
		"-serial", fmt.Sprintf("tcp::%d,server,nowait", cfg.GDBPort),
		"-no-reboot",
		"-display", "none",
	}
	return append(args, cfg.ExtraQemuArg...)
}

// runQemu launches qemu-system-x86_64 in its own process group (so a
// Ctrl-C delivered to qemurun does not race the signal qemurun itself
// forwards) and waits for it to exit, forwarding SIGINT/SIGTERM as a
// SIGTERM to the whole group and escalating to SIGKILL if it does not
// exit promptly. Grounded on the pack's process-group/signal handling for
// external tools (nya3jp-tast-tests's testexec.Cmd.Kill: unix.Kill(-pid,
// signal) against a process group rather than a single PID).
func runQemu(cfg Config) error {
	cmd := exec.Command("qemu-system-x86_64", buildArgs(cfg)...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting qemu: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case err := <-done:
		return err
	case <-sigCh:
		_ = unix.Kill(-cmd.Process.Pid, syscall.SIGTERM)
		select {
		case err := <-done:
			return err
		case <-afterKillGrace():
			_ = unix.Kill(-cmd.Process.Pid, syscall.SIGKILL)
			return <-done
		}
	}
}
