package efi

// callEfi0 through callEfi6 invoke a firmware function pointer (fn) with
// zero to six arguments and return its result. UEFI protocol functions use
// the Microsoft x64 calling convention (RCX, RDX, R8, R9, then stack, with
// 32 bytes of caller-allocated shadow space) rather than the ABI Go's own
// compiler emits, so every call must cross through one of these thunks.
// Implemented in assembly outside this repo's scope, the same convention
// kernel/cpu uses for CPUID/port-I/O/control-register primitives with no
// Go body.
func callEfi0(fn uintptr) uintptr
func callEfi1(fn, a uintptr) uintptr
func callEfi2(fn, a, b uintptr) uintptr
func callEfi3(fn, a, b, c uintptr) uintptr
func callEfi4(fn, a, b, c, d uintptr) uintptr
func callEfi5(fn, a, b, c, d, e uintptr) uintptr
func callEfi6(fn, a, b, c, d, e, f uintptr) uintptr
