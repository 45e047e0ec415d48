// Command kernel is the freestanding kernel image's Go entry point. Building
// a bootable ELF from this package (no host OS underneath it, a custom rt0
// stub that sets up a minimal g0 and stack before calling main) is outside
// this repo's scope, the same way the bootloader's PE entry trampoline is;
// see cmd/bootloader/main.go.
//
// Grounded on gopher-os's stub.go: a thin, intentionally-not-inlined
// trampoline into the real entry point, generalized from Multiboot's
// multibootInfoPtr to this system's BootInfo physical address.
package main

import "jotunheim/kernel/kmain"

// bootInfoPtr is a global rather than a main() literal so the compiler
// cannot conclude Kmain's argument is always zero and inline main() away;
// the rt0 stub overwrites it before calling main.
var bootInfoPtr uintptr

func main() {
	kmain.Kmain(bootInfoPtr)
}
