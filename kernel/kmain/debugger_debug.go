//go:build debug

package kmain

import "jotunheim/kernel/debug"

// setupDebugger wires the GDB RSP stub into kernel/irq and performs the
// attach handshake on COM2, per spec.md's debug-build fault-handling table.
func setupDebugger() {
	debug.Install()
	debug.Setup()
}
