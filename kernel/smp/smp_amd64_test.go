package smp

import (
	"jotunheim/device/acpi"
	"jotunheim/kernel"
	"jotunheim/kernel/mem/pmm"
	"jotunheim/kernel/mem/vmm"
	"jotunheim/kernel/simd"
	"testing"
	"unsafe"
)

// fakeBuf allocates a plain Go heap buffer and returns its address, used to
// stand in for physical/virtual memory the real mapping functions would
// otherwise hand back. Oversized relative to what each test actually
// touches, the same margin-of-safety convention device/acpi's tests use.
func fakeBuf(size int) uintptr {
	buf := make([]byte, size)
	return uintptr(unsafe.Pointer(&buf[0]))
}

func resetVars(t *testing.T) {
	t.Helper()

	origMapMMIOBlobFn := mapMMIOBlobFn
	origAllocPageFn := allocPageFn
	origVmapPagesFn := vmapPagesFn
	origActivePDTFn := activePDTFn
	origOutPort8Fn := outPort8Fn
	origHaltFn := haltFn
	origSendInitFn := sendInitFn
	origSendStartupFn := sendStartupFn
	origLapicIDFn := lapicIDFn
	origTablesInitFn := tablesInitFn
	origGateInitFn := gateInitFn
	origSimdEnableFn := simdEnableFn
	origSpinDelayFn := spinDelayFn
	origTrampolineBlobFn := trampolineBlobFn
	origApEntered := ApEntered

	t.Cleanup(func() {
		mapMMIOBlobFn = origMapMMIOBlobFn
		allocPageFn = origAllocPageFn
		vmapPagesFn = origVmapPagesFn
		activePDTFn = origActivePDTFn
		outPort8Fn = origOutPort8Fn
		haltFn = origHaltFn
		sendInitFn = origSendInitFn
		sendStartupFn = origSendStartupFn
		lapicIDFn = origLapicIDFn
		tablesInitFn = origTablesInitFn
		gateInitFn = origGateInitFn
		simdEnableFn = origSimdEnableFn
		spinDelayFn = origSpinDelayFn
		trampolineBlobFn = origTrampolineBlobFn
		ApEntered = origApEntered
	})
}

// harness wires every seam BootAllAPs needs to plain Go heap memory and
// counts IPI issuance, without ever touching a real LAPIC or trampoline
// page.
type harness struct {
	hhdmBuf   uintptr
	bootBuf   uintptr
	initSent  []uint32
	startSent []uint32
}

func newHarness() *harness {
	h := &harness{
		// trampPhys (0x1000) plus the 4KiB trampoline copy must fit
		// inside this window.
		hhdmBuf: fakeBuf(0x3000),
		bootBuf: fakeBuf(256),
	}

	trampolineBlobFn = func() ([]byte, uintptr, uintptr) {
		return make([]byte, 64), 4, 8
	}
	mapMMIOBlobFn = func(pmm.Frame, uintptr, vmm.PageTableEntryFlag) (vmm.Page, *kernel.Error) {
		return 0, nil
	}
	allocPageFn = func() (uintptr, pmm.Frame, *kernel.Error) {
		return h.bootBuf, pmm.FrameFromAddress(0x4000), nil
	}
	vmapPagesFn = func(count uintptr, flags vmm.PageTableEntryFlag) (uintptr, *kernel.Error) {
		return fakeBuf(int(count) * 4096), nil
	}
	activePDTFn = func() uintptr { return 0x1234_5000 }
	outPort8Fn = func(uint16, uint8) {}
	sendInitFn = func(apicID uint32) { h.initSent = append(h.initSent, apicID) }
	sendStartupFn = func(apicID uint32, vector uint8) { h.startSent = append(h.startSent, apicID) }
	lapicIDFn = func() uint32 { return 0 }
	tablesInitFn = func() *kernel.Error { return nil }
	gateInitFn = func() {}
	simdEnableFn = func() simd.Capabilities { return simd.Capabilities{} }
	spinDelayFn = func(uint64) {}
	haltFn = func() {
		// Acknowledge readiness on the first halt so waitReady returns
		// immediately instead of spinning through waitReadyMaxSpins.
		*(*uint32)(unsafe.Pointer(h.bootBuf)) = 1
	}

	return h
}

func TestBootAllAPsSkipsBSPAndDisabledCPUs(t *testing.T) {
	resetVars(t)
	h := newHarness()

	info := &acpi.Info{CPUs: []acpi.CpuEntry{
		{APICID: 0, Enabled: true},  // BSP, must be skipped
		{APICID: 1, Enabled: false}, // disabled, must be skipped
		{APICID: 2, Enabled: true},
		{APICID: 3, Enabled: true},
	}}

	if err := BootAllAPs(info, h.hhdmBuf); err != nil {
		t.Fatalf("BootAllAPs returned error: %v", err)
	}

	if len(h.initSent) != 2 || h.initSent[0] != 2 || h.initSent[1] != 3 {
		t.Fatalf("expected INIT IPIs sent to APIC IDs [2 3]; got %v", h.initSent)
	}
	if len(h.startSent) != 4 {
		t.Fatalf("expected two SIPIs per AP (4 total); got %d", len(h.startSent))
	}
}

func TestBootAllAPsPropagatesStackAllocFailure(t *testing.T) {
	resetVars(t)
	h := newHarness()
	vmapPagesFn = func(uintptr, vmm.PageTableEntryFlag) (uintptr, *kernel.Error) {
		return 0, &kernel.Error{Module: "vmm", Message: "out of virtual address space"}
	}

	info := &acpi.Info{CPUs: []acpi.CpuEntry{{APICID: 1, Enabled: true}}}

	err := BootAllAPs(info, h.hhdmBuf)
	if err != errStackAlloc {
		t.Fatalf("expected errStackAlloc; got %v", err)
	}
}

func TestBootAllAPsPropagatesBootBlockAllocFailure(t *testing.T) {
	resetVars(t)
	h := newHarness()
	allocPageFn = func() (uintptr, pmm.Frame, *kernel.Error) {
		return 0, pmm.InvalidFrame, &kernel.Error{Module: "vmm", Message: "out of physical frames"}
	}

	info := &acpi.Info{CPUs: []acpi.CpuEntry{{APICID: 1, Enabled: true}}}

	err := BootAllAPs(info, h.hhdmBuf)
	if err != errBootBlockAlloc {
		t.Fatalf("expected errBootBlockAlloc; got %v", err)
	}
}

func TestBootAllAPsRejectsOversizedTrampoline(t *testing.T) {
	resetVars(t)
	h := newHarness()
	trampolineBlobFn = func() ([]byte, uintptr, uintptr) {
		return make([]byte, 8192), 4, 8
	}

	info := &acpi.Info{CPUs: []acpi.CpuEntry{{APICID: 1, Enabled: true}}}

	err := BootAllAPs(info, h.hhdmBuf)
	if err != errTrampolineTooLarge {
		t.Fatalf("expected errTrampolineTooLarge; got %v", err)
	}
}

func TestBootAllAPsNoEligibleCPUsSendsNoIPIs(t *testing.T) {
	resetVars(t)
	h := newHarness()

	info := &acpi.Info{CPUs: []acpi.CpuEntry{{APICID: 0, Enabled: true}}}

	if err := BootAllAPs(info, h.hhdmBuf); err != nil {
		t.Fatalf("BootAllAPs returned error: %v", err)
	}
	if len(h.initSent) != 0 || len(h.startSent) != 0 {
		t.Fatalf("expected no IPIs sent when only the BSP is present; got init=%v start=%v", h.initSent, h.startSent)
	}
}

func TestWaitReadyReturnsTrueOnceFlagIsSet(t *testing.T) {
	resetVars(t)
	var flag uint32
	haltFn = func() { flag = 1 }

	if !waitReady(&flag) {
		t.Fatalf("expected waitReady to observe the flag becoming ready")
	}
}

func TestWaitReadyGivesUpAfterMaxSpins(t *testing.T) {
	resetVars(t)
	haltFn = func() {}
	var flag uint32

	if waitReady(&flag) {
		t.Fatalf("expected waitReady to report failure when the flag never becomes ready")
	}
}

func TestFuncPCReturnsNonZeroAddress(t *testing.T) {
	if funcPC(apEntryTrampoline) == 0 {
		t.Fatalf("expected a non-zero entry address for apEntryTrampoline")
	}
}
