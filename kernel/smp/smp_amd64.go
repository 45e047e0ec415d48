// Package smp brings additional logical CPUs (application processors)
// online: it copies a real-mode trampoline into low memory, programs the
// legacy warm-reset vector some firmware still checks, and walks the MADT's
// CPU list issuing the INIT-SIPI-SIPI sequence to every AP, waiting for
// each one to signal readiness before moving to the next. APs are started
// one at a time since they share the single trampoline page.
package smp

import (
	"jotunheim/device/acpi"
	"jotunheim/kernel"
	"jotunheim/kernel/apic"
	"jotunheim/kernel/cpu"
	"jotunheim/kernel/gate"
	"jotunheim/kernel/mem"
	"jotunheim/kernel/mem/pmm"
	"jotunheim/kernel/mem/vmm"
	"jotunheim/kernel/simd"
	"jotunheim/kernel/tables"
	"unsafe"
)

const (
	// trampPhys is the physical address the trampoline blob is copied to.
	// It must be below 1MiB and 4KiB-aligned so its page number fits in
	// the 8-bit SIPI vector field.
	trampPhys uintptr = 0x1000

	// trampScratchLow and trampScratchHigh back the real-mode-adjacent
	// transition the trampoline makes on its way to 64-bit long mode.
	trampScratchLow  uintptr = 0x8000
	trampScratchHigh uintptr = 0x9000

	apStackPages = 128 // 128 * 4KiB = 512KiB

	initDelayMicros    = 10_000
	startupDelayMicros = 200

	waitReadyMaxSpins = 4_000

	// Legacy BIOS warm-reset plumbing some firmware still consults before
	// honoring the SIPI.
	cmosIndexPort    = 0x70
	cmosDataPort     = 0x71
	cmosShutdownCode = 0x0a
	cmosShutdownReg  = 0x0f
	bdaWarmResetSeg  = 0x467
	bdaWarmResetOff  = 0x469
)

// ApBoot is the data block the trampoline reads (by physical address,
// patched into the trampoline code before the IPI is sent) to get a
// just-started AP from 16-bit real mode into the Go entry point below.
// Field order and size must match the trampoline's hand-written asm.
type ApBoot struct {
	ReadyFlag uint32 // set to 1 by apEntryTrampoline once the AP has loaded its own tables
	_pad      uint32
	CR3       uint64
	GDTPtr    uint64
	IDTPtr    uint64
	StackTop  uint64
	Entry64   uint64
	HHDM      uint64
}

var (
	mapMMIOBlobFn    = vmm.IdentityMapRegion
	allocPageFn      = vmm.AllocOnePhysPageHHDM
	vmapPagesFn      = vmm.VmapAllocPages
	activePDTFn      = cpu.ActivePDT
	outPort8Fn       = cpu.WritePort8
	haltFn           = cpu.Halt
	sendInitFn       = apic.SendInit
	sendStartupFn    = apic.SendStartup
	lapicIDFn        = apic.LAPICID
	tablesInitFn     = tables.Init
	gateInitFn       = gate.Init
	simdEnableFn     = simd.Enable
	spinDelayFn      = spinDelayMicros
	trampolineBlobFn = trampolineBlob

	errTrampolineTooLarge = &kernel.Error{Module: "smp", Message: "AP trampoline blob exceeds one page"}
	errStackAlloc         = &kernel.Error{Module: "smp", Message: "failed to allocate an AP stack"}
	errBootBlockAlloc     = &kernel.Error{Module: "smp", Message: "failed to allocate the AP boot block"}
)

// ReservedRanges returns the physical page ranges installTrampoline uses:
// the trampoline page itself and the two real-mode scratch pages its
// transition to long mode touches. kmain reserves these via pmm.Reserve
// before any subsystem capable of calling pmm.AllocFrame runs, so the
// general-purpose allocator can never hand one of them to an unrelated
// subsystem ahead of BootAllAPs.
func ReservedRanges() [][2]uintptr {
	return [][2]uintptr{
		{trampPhys, trampPhys + uintptr(mem.PageSize)},
		{trampScratchLow, trampScratchLow + uintptr(mem.PageSize)},
		{trampScratchHigh, trampScratchHigh + uintptr(mem.PageSize)},
	}
}

// BootAllAPs brings every enabled, non-BSP CPU reported by info online: it
// installs the trampoline once, then for each AP fills a fresh ApBoot
// block, patches the trampoline with its physical address, and runs
// INIT-SIPI-SIPI, waiting for the AP to acknowledge before continuing to
// the next one. hhdmBase is the bootloader's HHDM offset, threaded through
// to each AP so ApEntry can keep using PhysToVirt before vmm.Init runs.
func BootAllAPs(info *acpi.Info, hhdmBase uintptr) *kernel.Error {
	blob, patch32Off, patch64Off, err := installTrampoline(hhdmBase)
	if err != nil {
		return err
	}

	cr3 := activePDTFn()
	entry64 := uint64(funcPC(apEntryTrampoline))
	bspID := lapicIDFn()

	bootVA, bootFrame, err := allocPageFn()
	if err != nil {
		return errBootBlockAlloc
	}
	bootPA := bootFrame.Address()
	boot := (*ApBoot)(unsafe.Pointer(bootVA))

	vector := uint8((trampPhys >> 12) & 0xff)
	tramplVirt := hhdmBase + trampPhys

	for _, c := range info.CPUs {
		if !c.Enabled || c.APICID == bspID {
			continue
		}

		stackVA, err := vmapPagesFn(apStackPages, vmm.FlagPresent|vmm.FlagRW|vmm.FlagNoExecute)
		if err != nil {
			return errStackAlloc
		}
		stackTop := stackVA + uintptr(apStackPages)*uintptr(mem.PageSize) - 0x08

		*boot = ApBoot{
			CR3:      uint64(cr3),
			StackTop: uint64(stackTop),
			Entry64:  entry64,
			HHDM:     uint64(hhdmBase),
		}

		*(*uint32)(unsafe.Pointer(tramplVirt + patch32Off)) = uint32(bootPA)
		*(*uint64)(unsafe.Pointer(tramplVirt + patch64Off)) = uint64(bootPA)

		sendInitFn(c.APICID)
		spinDelayFn(initDelayMicros)
		sendStartupFn(c.APICID, vector)
		spinDelayFn(startupDelayMicros)
		sendStartupFn(c.APICID, vector)

		waitReady(&boot.ReadyFlag)
	}

	_ = blob
	return nil
}

// installTrampoline identity-maps the low pages the trampoline and its
// real-mode transition need, copies the trampoline blob to trampPhys, and
// returns it along with the byte offsets within it where the 32-bit and
// 64-bit physical addresses of each AP's ApBoot block get patched in.
func installTrampoline(hhdmBase uintptr) (blob []byte, patch32Off, patch64Off uintptr, err *kernel.Error) {
	blob, patch32Off, patch64Off = trampolineBlobFn()
	if len(blob) > int(mem.PageSize) {
		return nil, 0, 0, errTrampolineTooLarge
	}

	if _, mapErr := mapMMIOBlobFn(pmm.FrameFromAddress(trampScratchLow), uintptr(mem.PageSize), vmm.FlagPresent|vmm.FlagRW); mapErr != nil {
		return nil, 0, 0, mapErr
	}
	if _, mapErr := mapMMIOBlobFn(pmm.FrameFromAddress(trampScratchHigh), uintptr(mem.PageSize), vmm.FlagPresent|vmm.FlagRW); mapErr != nil {
		return nil, 0, 0, mapErr
	}
	if _, mapErr := mapMMIOBlobFn(pmm.FrameFromAddress(trampPhys), uintptr(mem.PageSize), vmm.FlagPresent|vmm.FlagRW); mapErr != nil {
		return nil, 0, 0, mapErr
	}

	dst := (*[4096]byte)(unsafe.Pointer(hhdmBase + trampPhys))
	copy(dst[:], blob)

	programWarmResetVector(hhdmBase)

	return blob, patch32Off, patch64Off, nil
}

// programWarmResetVector satisfies the firmware that still checks the CMOS
// shutdown status byte and BIOS Data Area warm-reset vector before honoring
// a SIPI, pointing both at the trampoline's real-mode entry segment.
func programWarmResetVector(hhdmBase uintptr) {
	outPort8Fn(cmosIndexPort, cmosShutdownReg)
	outPort8Fn(cmosDataPort, cmosShutdownCode)

	segPtr := (*uint16)(unsafe.Pointer(hhdmBase + bdaWarmResetSeg))
	offPtr := (*uint16)(unsafe.Pointer(hhdmBase + bdaWarmResetOff))
	*segPtr = uint16(trampPhys >> 4)
	*offPtr = 0
}

// waitReady spins on flag until it becomes non-zero or waitReadyMaxSpins
// halts have elapsed, logging nothing: a non-responding AP is not fatal to
// bringing up the rest.
func waitReady(flag *uint32) bool {
	for i := 0; i < waitReadyMaxSpins; i++ {
		if *(*uint32)(unsafe.Pointer(flag)) != 0 {
			return true
		}
		haltFn()
	}
	return false
}

// spinDelayMicros busy-waits for approximately us microseconds. Used only
// during the INIT-SIPI-SIPI sequence, before the TSC has necessarily been
// calibrated on this path, matching the original's placeholder spin delay.
func spinDelayMicros(us uint64) {
	iters := us * 200
	for i := uint64(0); i < iters; i++ {
		cpu.Pause()
	}
}

// apEntryTrampoline is the Go-side entry point the trampoline jumps to once
// the AP has reached 64-bit long mode, with RDI pointing at its ApBoot
// block. It re-runs the same early CPU bring-up every BSP boot performs
// (SIMD enable, GDT/TSS/IDT install) and then hands off to the scheduler.
func apEntryTrampoline(boot *ApBoot) {
	cpu.DisableInterrupts()

	simdEnableFn()
	if err := tablesInitFn(); err != nil {
		for {
			haltFn()
		}
	}
	gateInitFn()

	boot.ReadyFlag = 1

	ApEntered(lapicIDFn())
}

// ApEntered is called once an AP has finished its own bring-up and is
// ready to join the scheduler's run queue. It is a package variable so
// kernel/kmain (or kernel/sched) can wire in the real "start running
// tasks" behavior without this package importing the scheduler.
var ApEntered = func(apicID uint32) {
	for {
		haltFn()
	}
}

// trampolineBlob returns the real-mode-to-long-mode transition code that
// gets copied to trampPhys, along with the byte offsets within it where the
// 32-bit and 64-bit physical address of an ApBoot block must be patched in
// before each AP is started. Implemented in assembly, assembled at build
// time, and linked in as a byte blob; out of scope here per this package's
// boundary with hand-written machine code.
func trampolineBlob() (blob []byte, patch32Off uintptr, patch64Off uintptr)

// funcPC returns the entry address of a Go function value: the first word
// of the closure it points to is the code pointer, the same assumption
// runtime.funcPC relies on. Used to hand the AP trampoline the address of
// apEntryTrampoline without exposing a raw assembly symbol reference
// outside this package.
func funcPC(fn func(*ApBoot)) uintptr {
	return **(**uintptr)(unsafe.Pointer(&fn))
}
