package irq

import (
	"bytes"
	"jotunheim/kernel/kfmt"
	"testing"
)

func withCapturedOutput(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	kfmt.SetOutputSink(&buf)
	t.Cleanup(func() { kfmt.SetOutputSink(nil) })
	return &buf
}

type haltCalled struct{}

func stubHaltPanics() func() {
	orig := haltFn
	haltFn = func() { panic(haltCalled{}) }
	return func() { haltFn = orig }
}

func expectHalt(t *testing.T, fn func()) {
	t.Helper()
	defer func(restore func()) { restore() }(stubHaltPanics())
	defer func() {
		if r := recover(); r == nil {
			t.Fatal("expected the CPU to be halted")
		} else if _, ok := r.(haltCalled); !ok {
			panic(r)
		}
	}()
	fn()
}

func TestDefaultHandlerLogsOnceThenIssuesEOI(t *testing.T) {
	buf := withCapturedOutput(t)

	eoiCount := 0
	SetEOIFunc(func() { eoiCount++ })
	defer SetEOIFunc(nil)
	defer func() { loggedDefaultVectors[0x20] = false }()

	f := &Frame{}
	DefaultHandler(0x20, f, &Regs{})
	DefaultHandler(0x20, f, &Regs{})

	if eoiCount != 2 {
		t.Fatalf("expected EOI to be issued on every call; got %d", eoiCount)
	}
	if n := bytes.Count(buf.Bytes(), []byte("unhandled interrupt vector")); n != 1 {
		t.Fatalf("expected the unhandled-vector message to be logged exactly once; got %d", n)
	}
}

func TestTimerHandlerCallsTickThenEOI(t *testing.T) {
	defer func() { TickFn = nil }()

	order := []string{}
	TickFn = func(frame *Frame, regs *Regs) { order = append(order, "tick") }
	SetEOIFunc(func() { order = append(order, "eoi") })
	defer SetEOIFunc(nil)

	TimerHandler(&Frame{}, &Regs{})

	if len(order) != 2 || order[0] != "tick" || order[1] != "eoi" {
		t.Fatalf("expected tick then eoi; got %v", order)
	}
}

func TestTimerHandlerStillIssuesEOIWithNoSchedulerWired(t *testing.T) {
	defer func() { TickFn = nil }()
	TickFn = nil

	eoiCalled := false
	SetEOIFunc(func() { eoiCalled = true })
	defer SetEOIFunc(nil)

	TimerHandler(&Frame{}, &Regs{})

	if !eoiCalled {
		t.Fatal("expected EOI even when no tick handler is wired")
	}
}

func TestGPFaultHandlerDefersToDebuggerWhenWired(t *testing.T) {
	defer func() { FaultTrapFn = nil }()

	var gotVector ExceptionNum
	var gotCode uint64
	FaultTrapFn = func(vector ExceptionNum, code uint64, frame *Frame, regs *Regs) bool {
		gotVector = vector
		gotCode = code
		return true
	}

	// terminateCurrentTask must not run since the debugger handled it; make
	// that observable by leaving TerminateCurrentTaskFn nil and haltFn
	// unstubbed but never reached (a stray call would hang this test, not
	// just fail it, so this case intentionally does not call expectHalt).
	GPFaultHandler(0xdead, &Frame{}, &Regs{})

	if gotVector != GPFException || gotCode != 0xdead {
		t.Fatalf("expected fault details to be forwarded to the debugger hook; got vector=%d code=%x", gotVector, gotCode)
	}
}

func TestGPFaultHandlerTerminatesTaskWhenUnhandled(t *testing.T) {
	withCapturedOutput(t)
	defer func() { FaultTrapFn = nil; TerminateCurrentTaskFn = nil }()

	FaultTrapFn = func(vector ExceptionNum, code uint64, frame *Frame, regs *Regs) bool { return false }

	terminated := false
	TerminateCurrentTaskFn = func() { terminated = true }

	GPFaultHandler(0, &Frame{}, &Regs{})

	if !terminated {
		t.Fatal("expected the current task to be terminated when the fault is not handled")
	}
}

func TestInvalidOpcodeHandlerTerminatesTask(t *testing.T) {
	withCapturedOutput(t)
	defer func() { TerminateCurrentTaskFn = nil }()

	terminated := false
	TerminateCurrentTaskFn = func() { terminated = true }

	InvalidOpcodeHandler(&Frame{}, &Regs{})

	if !terminated {
		t.Fatal("expected #UD to terminate the current task")
	}
}

func TestInvalidOpcodeHandlerHaltsWhenNoSchedulerWired(t *testing.T) {
	withCapturedOutput(t)
	defer func() { TerminateCurrentTaskFn = nil }()

	expectHalt(t, func() {
		InvalidOpcodeHandler(&Frame{}, &Regs{})
	})
}

func TestBreakpointHandlerInvokesDebugTrap(t *testing.T) {
	defer func() { DebugTrapFn = nil }()

	var gotVector ExceptionNum
	DebugTrapFn = func(vector ExceptionNum, frame *Frame, regs *Regs) { gotVector = vector }

	BreakpointHandler(&Frame{}, &Regs{})

	if gotVector != BreakpointVector {
		t.Fatalf("expected BreakpointVector; got %d", gotVector)
	}
}

func TestBreakpointHandlerIsANoOpWithoutADebugger(t *testing.T) {
	defer func() { DebugTrapFn = nil }()
	DebugTrapFn = nil

	// must simply return rather than terminating or halting.
	BreakpointHandler(&Frame{}, &Regs{})
}

func TestDoubleFaultHandlerHalts(t *testing.T) {
	withCapturedOutput(t)

	expectHalt(t, func() {
		DoubleFaultHandler(0, &Frame{}, &Regs{})
	})
}
