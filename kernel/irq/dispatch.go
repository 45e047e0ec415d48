package irq

import (
	"jotunheim/kernel/cpu"
	"jotunheim/kernel/kfmt"
)

// TimerVector and SpuriousVector are the interrupt vectors kernel/apic
// programs the LAPIC timer and spurious-interrupt slot to use; both are
// installed here rather than left to a caller since the EOI discipline
// around them is part of this package's contract.
const (
	TimerVector    = 0x40
	SpuriousVector = 0xff

	// YieldVector is a software interrupt kernel/sched raises (via
	// cpu.TriggerYield) to force a cooperative reschedule from ordinary
	// code. It gives the scheduler a trap frame to rewrite the same way
	// TimerVector's hardware interrupt does, so a context switch is
	// "replace the trap frame IRET will consume" uniformly for both the
	// preemptive and cooperative paths.
	YieldVector = 0x41
)

// TickFn is invoked by the timer ISR with the current trap frame. It is
// wired to the scheduler's Tick by sched.Init during boot; irq cannot
// import kernel/sched directly without creating an import cycle (sched
// calls back into irq's fault handlers to report task state).
var TickFn func(frame *Frame, regs *Regs)

// YieldFn is invoked for YieldVector, wired to the scheduler's cooperative
// reschedule entry point the same way TickFn is wired to its preemptive
// one.
var YieldFn func(frame *Frame, regs *Regs)

// DebugTrapFn is invoked for #BP and #DB. When set (debug builds), control
// passes to the GDB stub; when nil, the trap is ignored and the task
// resumes.
var DebugTrapFn func(vector ExceptionNum, frame *Frame, regs *Regs)

// FaultTrapFn is invoked for #GP, #PF and #DF before the default
// terminate-current-task behavior. When set and it returns true, the fault
// was handled (e.g. the debugger chose to resume, single-step, or kill a
// task) and the default behavior is skipped.
var FaultTrapFn func(vector ExceptionNum, code uint64, frame *Frame, regs *Regs) (handled bool)

// TerminateCurrentTaskFn is called when a fault or #UD cannot be resolved
// by the debugger and the faulting task must be killed. Wired to the
// scheduler's exit_current equivalent.
var TerminateCurrentTaskFn func()

var eoiFn func()

var loggedDefaultVectors [256]bool

// DefaultHandler is installed for every IDT vector that has no specific
// handler. It logs once per vector (to avoid flooding the console under a
// storm of spurious interrupts) and issues an EOI.
func DefaultHandler(vector uint8, frame *Frame, regs *Regs) {
	if !loggedDefaultVectors[vector] {
		loggedDefaultVectors[vector] = true
		kfmt.Printf("irq: unhandled interrupt vector 0x%x\n", vector)
		frame.Print()
	}
	issueEOI()
}

// TimerHandler calls the scheduler's tick handler, then issues an EOI. If
// no tick handler has been wired yet (scheduler not initialized) it just
// issues the EOI.
func TimerHandler(frame *Frame, regs *Regs) {
	if TickFn != nil {
		TickFn(frame, regs)
	}
	issueEOI()
}

// YieldHandler calls the scheduler's cooperative reschedule handler. No EOI
// here: YieldVector is raised by software (INT, not an external interrupt
// line), so the LAPIC never marked it in-service.
func YieldHandler(frame *Frame, regs *Regs) {
	if YieldFn != nil {
		YieldFn(frame, regs)
	}
}

// SpuriousHandler acknowledges the LAPIC's spurious-interrupt vector. No
// EOI is required for the spurious vector on most implementations, but
// issuing one is harmless and keeps the discipline uniform.
func SpuriousHandler(frame *Frame, regs *Regs) {
	issueEOI()
}

// GPFaultHandler handles #GP (13).
func GPFaultHandler(code uint64, frame *Frame, regs *Regs) {
	handleFault(GPFException, code, frame, regs)
}

// PageFaultHandler handles #PF (14).
func PageFaultHandler(code uint64, frame *Frame, regs *Regs) {
	handleFault(PageFaultException, code, frame, regs)
}

// DoubleFaultHandler handles #DF (8). Double faults run on their own IST
// stack and follow the same path as #GP and #PF: FaultTrapFn first, then
// termination of the current task (or a halt when no scheduler is wired).
func DoubleFaultHandler(code uint64, frame *Frame, regs *Regs) {
	handleFault(DoubleFault, code, frame, regs)
}

// InvalidOpcodeHandler handles #UD (6): the faulting task is always
// terminated since there is no instruction-level recovery.
func InvalidOpcodeHandler(frame *Frame, regs *Regs) {
	kfmt.Printf("irq: invalid opcode\n")
	frame.Print()
	terminateCurrentTask()
}

// BreakpointHandler handles #BP (3): software breakpoints (INT3) planted
// by the debugger.
func BreakpointHandler(frame *Frame, regs *Regs) {
	handleDebugTrap(BreakpointVector, frame, regs)
}

// DebugHandler handles #DB (1): single-step and hardware watchpoints.
func DebugHandler(frame *Frame, regs *Regs) {
	handleDebugTrap(DebugVector, frame, regs)
}

// BreakpointVector and DebugVector name the exception numbers handled by
// BreakpointHandler/DebugHandler; ExceptionNum only predefines DoubleFault,
// GPFException and PageFaultException, so the debug-trap vectors are added
// here alongside the handlers that use them.
const (
	DebugVector      ExceptionNum = 1
	BreakpointVector ExceptionNum = 3
)

func handleFault(vector ExceptionNum, code uint64, frame *Frame, regs *Regs) {
	if FaultTrapFn != nil && FaultTrapFn(vector, code, frame, regs) {
		return
	}

	kfmt.Printf("irq: unhandled fault %d, code=%x\n", vector, code)
	frame.Print()
	regs.Print()
	terminateCurrentTask()
}

func handleDebugTrap(vector ExceptionNum, frame *Frame, regs *Regs) {
	if DebugTrapFn != nil {
		DebugTrapFn(vector, frame, regs)
		return
	}

	// No debugger wired (release build): treat as a stray trap and resume.
}

func terminateCurrentTask() {
	if TerminateCurrentTaskFn != nil {
		TerminateCurrentTaskFn()
		return
	}

	for {
		haltFn()
	}
}

func issueEOI() {
	if eoiFn != nil {
		eoiFn()
	}
}

// SetEOIFunc wires the APIC's end-of-interrupt signal into this package.
// Called once during kernel/apic initialization.
func SetEOIFunc(fn func()) {
	eoiFn = fn
}

var haltFn = cpu.Halt
