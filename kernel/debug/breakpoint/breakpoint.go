// Package breakpoint maintains the kernel's software breakpoint table:
// addresses where a byte has been patched to 0xCC so execution traps into
// the debugger. Grounded on the original implementation's
// debug/breakpoint.rs, including the deferred-replant handling that keeps a
// just-hit breakpoint unpatched across a single-step so the CPU can
// actually execute past it.
package breakpoint

import (
	"jotunheim/kernel/cpu"
	"jotunheim/kernel/sync"
	"unsafe"
)

// MaxEntries bounds the number of software breakpoints tracked at once,
// matching spec.md's "up to 64 entries" breakpoint table.
const MaxEntries = 64

const wpBit = 1 << 16 // CR0.WP

type entry struct {
	addr  uint64
	orig  byte
	armed bool
	used  bool
}

var (
	lock  sync.Spinlock
	table [MaxEntries]entry

	replantLock sync.Spinlock
	replantAddr uint64
	replantOK   bool

	readByteFn  = readByte
	writeByteFn = writeByte
	readCR0Fn   = cpu.ReadCR0
	writeCR0Fn  = cpu.WriteCR0
)

// withWPDisabled runs f with CR0.WP temporarily cleared, so a supervisor
// write can patch read-only kernel text. If WP is already clear, f runs
// without touching CR0.
func withWPDisabled(f func()) {
	old := readCR0Fn()
	if old&wpBit == 0 {
		f()
		return
	}
	writeCR0Fn(old &^ wpBit)
	f()
	writeCR0Fn(old)
}

func findSlot(addr uint64) (idx int, free int, found bool) {
	free = -1
	for i := range table {
		e := &table[i]
		if e.used && e.addr == addr {
			return i, free, true
		}
		if !e.used && free == -1 {
			free = i
		}
	}
	return -1, free, false
}

// Insert plants a software breakpoint at addr, saving the original byte.
// Re-inserting an address that is already armed is a no-op that reports
// success.
func Insert(addr uint64) bool {
	lock.Acquire()
	defer lock.Release()

	idx, free, found := findSlot(addr)
	if found {
		if table[idx].armed {
			return true
		}
	} else {
		if free == -1 {
			return false
		}
		idx = free
	}

	orig := readByteFn(addr)
	ok := true
	withWPDisabled(func() {
		writeByteFn(addr, 0xCC)
	})
	if readByteFn(addr) != 0xCC {
		ok = false
	}
	if !ok {
		return false
	}

	table[idx] = entry{addr: addr, orig: orig, armed: true, used: true}
	return true
}

// Remove un-patches and forgets the breakpoint at addr, if any.
func Remove(addr uint64) bool {
	lock.Acquire()
	defer lock.Release()

	for i := range table {
		e := &table[i]
		if e.used && e.addr == addr {
			if e.armed {
				orig := e.orig
				withWPDisabled(func() {
					writeByteFn(addr, orig)
				})
			}
			table[i] = entry{}
			return true
		}
	}
	return false
}

// OnBreakpointEnter is called from the #BP ISR as soon as a trap frame
// exists. If rip-1 is an armed planted breakpoint, it restores the
// original byte, rewinds rip, disarms the entry and returns the hit
// address. Otherwise it leaves rip untouched and reports no hit (the trap
// came from somewhere else, e.g. a plain INT3 in target code).
func OnBreakpointEnter(rip *uint64) (hitAddr uint64, ok bool) {
	lock.Acquire()
	defer lock.Release()

	candidate := *rip - 1
	for i := range table {
		e := &table[i]
		if e.used && e.addr == candidate && e.armed {
			orig := e.orig
			withWPDisabled(func() {
				writeByteFn(candidate, orig)
			})
			*rip = candidate
			e.armed = false
			return candidate, true
		}
	}
	return 0, false
}

// OnResumeContinue re-arms the breakpoint that was last hit, if any, since
// the debugger chose to continue execution rather than single-step over
// it.
func OnResumeContinue(hitAddr uint64, hit bool) {
	if hit {
		Insert(hitAddr)
	}
}

// OnResumeStep defers re-arming the just-hit breakpoint until the #DB that
// follows the single step the debugger requested; stepping with the 0xCC
// still in place would immediately retrap on the same instruction instead
// of advancing past it.
func OnResumeStep(hitAddr uint64, hit bool) {
	replantLock.Acquire()
	defer replantLock.Release()

	replantAddr = hitAddr
	replantOK = hit
}

// TakeReplant returns and clears the breakpoint address deferred by
// OnResumeStep, for the #DB handler to re-arm once the step has landed.
func TakeReplant() (addr uint64, ok bool) {
	replantLock.Acquire()
	defer replantLock.Release()

	addr, ok = replantAddr, replantOK
	replantAddr, replantOK = 0, false
	return addr, ok
}

func ptrOf(addr uint64) unsafe.Pointer {
	return unsafe.Pointer(uintptr(addr))
}

func readByte(addr uint64) byte {
	return *(*byte)(ptrOf(addr))
}

func writeByte(addr uint64, val byte) {
	*(*byte)(ptrOf(addr)) = val
}
