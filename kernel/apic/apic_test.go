package apic

import (
	"jotunheim/kernel"
	"testing"
	"unsafe"
)

func resetState() {
	curMode = modeXAPIC
	lapicMMIO = 0
	ioAPICMMIO = 0
}

// fakeMMIO backs a register window with a plain Go byte slice so reads and
// writes through apic's unsafe.Pointer register access land in normal
// heap memory instead of real hardware, the same trick kernel/mem/vmm's
// tests use for page tables.
func fakeMMIO(size int) uintptr {
	buf := make([]byte, size)
	return uintptr(unsafe.Pointer(&buf[0]))
}

func TestEstimateTSCHzAppliesMHzHeuristic(t *testing.T) {
	resetState()
	defer func(orig func(uint32) (uint32, uint32, uint32, uint32)) { cpuidFn = orig }(cpuidFn)

	// leaf 0x15 reports a ratio that works out to ~2859 before the
	// implausibly-low-value heuristic reinterprets it as MHz.
	cpuidFn = func(leaf uint32) (uint32, uint32, uint32, uint32) {
		if leaf == 0x15 {
			return 1, 1, 2859, 0
		}
		return 0, 0, 0, 0
	}

	hz := estimateTSCHz()
	if hz != 2859*1_000_000 {
		t.Fatalf("expected MHz heuristic to scale 2859 to %d; got %d", 2859*1_000_000, hz)
	}
}

func TestEstimateTSCHzFallsBackToLeaf16(t *testing.T) {
	resetState()
	defer func(orig func(uint32) (uint32, uint32, uint32, uint32)) { cpuidFn = orig }(cpuidFn)

	cpuidFn = func(leaf uint32) (uint32, uint32, uint32, uint32) {
		if leaf == 0x16 {
			return 2400, 0, 0, 0
		}
		return 0, 0, 0, 0
	}

	if hz := estimateTSCHz(); hz != 2400*1_000_000 {
		t.Fatalf("expected leaf 0x16 fallback to report 2400MHz; got %d", hz)
	}
}

func TestEstimateTSCHzFallsBackToFixedGuess(t *testing.T) {
	resetState()
	defer func(orig func(uint32) (uint32, uint32, uint32, uint32)) { cpuidFn = orig }(cpuidFn)

	cpuidFn = func(leaf uint32) (uint32, uint32, uint32, uint32) { return 0, 0, 0, 0 }

	if hz := estimateTSCHz(); hz != 3_000_000_000 {
		t.Fatalf("expected fixed 3GHz fallback; got %d", hz)
	}
}

func TestInitChoosesX2APICWhenSupported(t *testing.T) {
	resetState()
	defer func(cpuidOrig func(uint32) (uint32, uint32, uint32, uint32),
		readMSROrig func(uint32) uint64,
		writeMSROrig func(uint32, uint64),
		mapMMIOOrig func(uintptr, uintptr) (uintptr, *kernel.Error),
		outPortOrig func(uint16, uint8)) {
		cpuidFn = cpuidOrig
		readMSRFn = readMSROrig
		writeMSRFn = writeMSROrig
		mapMMIOFn = mapMMIOOrig
		outPortFn = outPortOrig
	}(cpuidFn, readMSRFn, writeMSRFn, mapMMIOFn, outPortFn)

	cpuidFn = func(leaf uint32) (uint32, uint32, uint32, uint32) {
		if leaf == 1 {
			return 0, 0, 1 << 21, 0
		}
		return 0, 0, 0, 0
	}

	var writtenBase uint64
	readMSRFn = func(addr uint32) uint64 { return 0 }
	writeMSRFn = func(addr uint32, val uint64) {
		if addr == msrAPICBase {
			writtenBase = val
		}
	}
	mapMMIOFn = func(phys, size uintptr) (uintptr, *kernel.Error) {
		return fakeMMIO(4096), nil
	}
	outPortFn = func(port uint16, val uint8) {}

	if err := Init(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if curMode != modeX2APIC {
		t.Fatal("expected x2APIC mode to be selected when CPUID reports support")
	}
	if writtenBase&apicX2Enable == 0 {
		t.Fatal("expected IA32_APIC_BASE to have the x2APIC enable bit set")
	}
	if writtenBase&apicGlobalEnable == 0 {
		t.Fatal("expected IA32_APIC_BASE to have the global enable bit set")
	}
}

func TestInitFallsBackToXAPICMMIO(t *testing.T) {
	resetState()
	defer func(cpuidOrig func(uint32) (uint32, uint32, uint32, uint32),
		readMSROrig func(uint32) uint64,
		writeMSROrig func(uint32, uint64),
		mapMMIOOrig func(uintptr, uintptr) (uintptr, *kernel.Error),
		outPortOrig func(uint16, uint8)) {
		cpuidFn = cpuidOrig
		readMSRFn = readMSROrig
		writeMSRFn = writeMSROrig
		mapMMIOFn = mapMMIOOrig
		outPortFn = outPortOrig
	}(cpuidFn, readMSRFn, writeMSRFn, mapMMIOFn, outPortFn)

	cpuidFn = func(leaf uint32) (uint32, uint32, uint32, uint32) { return 0, 0, 0, 0 }
	readMSRFn = func(addr uint32) uint64 { return 0 }
	writeMSRFn = func(addr uint32, val uint64) {}
	mapMMIOFn = func(phys, size uintptr) (uintptr, *kernel.Error) {
		return fakeMMIO(4096), nil
	}
	outPortFn = func(port uint16, val uint8) {}

	if err := Init(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if curMode != modeXAPIC {
		t.Fatal("expected xAPIC MMIO mode when CPUID reports no x2APIC support")
	}
	if lapicMMIO == 0 {
		t.Fatal("expected the LAPIC MMIO window to be mapped")
	}
}

func TestMaskIOAPICMasksEveryRedirectionEntry(t *testing.T) {
	resetState()
	defer func(origRead func(uint32) uint32, origWrite func(uint32, uint32)) {
		ioAPICReadFn = origRead
		ioAPICWriteFn = origWrite
	}(ioAPICReadFn, ioAPICWriteFn)

	// emulate the IOAPIC's register file as a plain map, since the real
	// device exposes registers through a single indirect selector/window
	// pair rather than a flat address space.
	ioAPICMMIO = 1 // non-zero so maskIOAPIC skips mapping a new window
	regs := map[uint32]uint32{ioAPICVersion: 1 << 16} // MaxRedirEntry = 1 -> 2 entries
	ioAPICReadFn = func(reg uint32) uint32 { return regs[reg] }
	ioAPICWriteFn = func(reg uint32, val uint32) { regs[reg] = val }

	if err := maskIOAPIC(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for i := uint32(0); i <= 1; i++ {
		lo := regs[ioRedirBase+i*2]
		if lo&(1<<16) == 0 {
			t.Fatalf("expected redirection entry %d to be masked", i)
		}
	}
}
