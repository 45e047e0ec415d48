// Package early wires kernel/kfmt's output sink to a serial line as soon as
// one is programmed, the earliest point in boot a human-readable message
// can reach anything outside the kernel. There is no text-mode console in
// this kernel (out of scope per spec.md's Non-goals), so the serial UART
// is what the teacher's hal.ActiveTerminal-backed early Printf would have
// targeted, and kfmt's own ring buffer already covers the time before that:
// this package only needs to perform the hand-off, not re-implement Printf.
package early

import (
	"io"
	"jotunheim/kernel/kfmt"
)

// InitEarlySink sets w as kfmt's output sink, flushing anything kfmt
// buffered into its ring buffer before w existed. Called once COM1 has been
// programmed, before the rest of device detection runs.
func InitEarlySink(w io.Writer) {
	kfmt.SetOutputSink(w)
}

// Printf is kfmt.Printf, re-exported so early boot code can log through
// one import before the rest of the driver stack is wired up.
func Printf(format string, args ...interface{}) {
	kfmt.Printf(format, args...)
}
