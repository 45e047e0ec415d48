// Package debug wires the #BP/#DB trap handlers in kernel/irq to the GDB
// Remote Serial Protocol stub in kernel/debug/rsp, and the breakpoint
// re-arming rules in kernel/debug/breakpoint that a debugger's
// continue/step decision drives. Grounded on the original implementation's
// debug/mod.rs.
package debug

import (
	"jotunheim/kernel/cpu"
	"jotunheim/kernel/debug/breakpoint"
	"jotunheim/kernel/debug/rsp"
	"jotunheim/kernel/irq"
	"jotunheim/kernel/kfmt"
	"jotunheim/kernel/sync"
)

// Outcome directs the ISR that called into the debugger what to do with
// the trapped task once Serve returns. Defined in kernel/debug/rsp (the
// package that actually produces it) and re-exported here so callers of
// this package never need to import rsp directly.
type Outcome = rsp.Outcome

const (
	Continue   = rsp.Continue
	SingleStep = rsp.SingleStep
	KillTask   = rsp.KillTask
)

const trapFlagBit = 1 << 8

// ClearTF clears RFLAGS.TF, letting the task run freely until the next
// breakpoint or explicit stop.
func ClearTF(frame *irq.Frame) {
	frame.RFlags &^= trapFlagBit
}

// SetTF sets RFLAGS.TF, arranging for exactly one instruction to execute
// before the next #DB.
func SetTF(frame *irq.Frame) {
	frame.RFlags |= trapFlagBit
}

// Enabled gates whether HandleFault hands faults to the debugger and
// whether Setup performs the attach handshake; HandleTrap does not consult
// it. Install sets it, and kernel/kmain calls Install only in debug
// builds; release builds leave it false, so faults terminate the faulting
// task directly.
var Enabled = false

var (
	active sync.Spinlock

	transport Transport = rsp.Com2Transport{}
	memory    rsp.Memory = rsp.SectionMemory{}
)

// Transport is re-exported so callers can swap the debugger's serial
// transport (e.g. in tests) without importing kernel/debug/rsp directly.
type Transport = rsp.Transport

// SetTransport overrides the transport Serve uses. Exists for tests; the
// production transport is COM2 via kernel/serial.
func SetTransport(t Transport) {
	transport = t
}

// HandleTrap is wired to irq.DebugTrapFn for #BP (3) and #DB (1). It
// un-plants a just-hit breakpoint (if any), hands the trap frame to the
// RSP server, and applies the server's decision: re-arm immediately on
// continue, defer re-arming until the next #DB on single-step.
func HandleTrap(vector irq.ExceptionNum, frame *irq.Frame, regs *irq.Regs) {
	active.Acquire()
	defer active.Release()

	var hitAddr uint64
	var hit bool
	if vector == irq.BreakpointVector {
		hitAddr, hit = breakpoint.OnBreakpointEnter(&frame.RIP)
	} else if vector == irq.DebugVector {
		hitAddr, hit = breakpoint.TakeReplant()
		if hit {
			breakpoint.Insert(hitAddr)
		}
	}

	switch serve(frame, regs) {
	case Continue:
		breakpoint.OnResumeContinue(hitAddr, hit && vector == irq.BreakpointVector)
	case SingleStep:
		breakpoint.OnResumeStep(hitAddr, hit && vector == irq.BreakpointVector)
	case KillTask:
		irq.TerminateCurrentTaskFn()
	}
}

// HandleFault is wired to irq.FaultTrapFn for #GP/#PF/#DF. When the
// debugger is enabled it reports the fault to GDB as a stop instead of
// unconditionally killing the task, returning true to tell the caller the
// fault was handled.
func HandleFault(vector irq.ExceptionNum, code uint64, frame *irq.Frame, regs *irq.Regs) bool {
	if !Enabled {
		return false
	}

	active.Acquire()
	defer active.Release()

	switch serve(frame, regs) {
	case Continue:
	case SingleStep:
	case KillTask:
		irq.TerminateCurrentTaskFn()
	}
	return true
}

func serve(frame *irq.Frame, regs *irq.Regs) Outcome {
	return rsp.Serve(transport, memory, frame, regs)
}

// Install wires this package's handlers into kernel/irq. Called once
// during kernel/kmain's debug-build initialization.
func Install() {
	Enabled = true
	irq.DebugTrapFn = HandleTrap
	irq.FaultTrapFn = HandleFault
}

// Setup performs the original implementation's attach handshake: log that
// the kernel is waiting, trap into the debugger via a software breakpoint,
// then log that a debugger has attached and control has returned. Intended
// to be called once early in kmain, after Install, in debug builds only.
func Setup() {
	if !Enabled {
		return
	}
	kfmt.Printf("debug: waiting for a GDB connection on COM2\n")
	breakpointFn()
	kfmt.Printf("debug: resumed\n")
}

var breakpointFn = cpu.TriggerBreakpoint
