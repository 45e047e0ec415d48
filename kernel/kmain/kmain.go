// Package kmain is the kernel-side entry point the bootloader's trampoline
// (boot.EnterKernel) jumps into. It takes the handoff from there: an
// identity-mapped BootInfo block and an already-live page table (kernel
// window, identity window, HHDM) built by boot/pagetables.go.
//
// Grounded on gopher-os's kernel/kmain.Kmain: a short chain of Init calls
// that panics on the first failure, generalized from Multiboot handoff to
// BootInfo handoff and extended with the subsystems spec.md adds beyond the
// teacher (APIC/timer, ACPI, SMP, scheduler, debugger).
package kmain

import (
	"jotunheim/device/acpi"
	"jotunheim/kernel"
	"jotunheim/kernel/apic"
	"jotunheim/kernel/bootinfo"
	"jotunheim/kernel/cpu"
	"jotunheim/kernel/gate"
	"jotunheim/kernel/goruntime"
	"jotunheim/kernel/irq"
	"jotunheim/kernel/kfmt"
	"jotunheim/kernel/mem/kheap"
	"jotunheim/kernel/mem/pmm"
	"jotunheim/kernel/mem/vmm"
	"jotunheim/kernel/sched"
	"jotunheim/kernel/simd"
	"jotunheim/kernel/smp"
	"jotunheim/kernel/tables"
	"unsafe"
)

// schedTimerHz is the LAPIC timer rate the preemptive scheduler ticks at.
const schedTimerHz = 1000

var errBadBootInfo = &kernel.Error{Module: "kmain", Message: "BootInfo magic mismatch"}

// Kmain is not expected to return. If it does, the CPU is halted.
//
//go:noinline
func Kmain(bootInfoPtr uintptr) {
	bi := (*bootinfo.BootInfo)(unsafe.Pointer(bootInfoPtr))
	if bi.Magic != bootinfo.Magic {
		kfmt.Panic(errBadBootInfo)
	}

	kfmt.Printf("jotunheim: kernel entry, bootinfo at 0x%x\n", bootInfoPtr)

	var err *kernel.Error
	if err = pmm.ReserveBootInfoRanges(bi, bootInfoPtr, unsafe.Sizeof(*bi)); err != nil {
		kfmt.Panic(err)
	}
	pmm.Init(bi)
	pmm.SeedBumpPool(uintptr(bi.EarlyHeapPhysAddr), uintptr(bi.EarlyHeapPhysAddr+bi.EarlyHeapSize))

	// Claim the fixed low-memory pages kernel/apic and kernel/smp will
	// later map (LAPIC/IOAPIC MMIO, the AP trampoline and its real-mode
	// scratch pages) before anything below can call pmm.AllocFrame and
	// hand one of them to an unrelated subsystem.
	if err = reserveDeviceRanges(); err != nil {
		kfmt.Panic(err)
	}

	vmm.Init(uintptr(bi.HHDMBase))
	kheap.Init()

	if err = goruntime.Init(); err != nil {
		kfmt.Panic(err)
	}

	if err = tables.Init(); err != nil {
		kfmt.Panic(err)
	}
	gate.Init()
	installExceptionHandlers()

	simd.Enable()

	acpiInfo, err := acpi.Discover(uintptr(bi.RSDPAddr))
	if err != nil {
		kfmt.Panic(err)
	}

	if err = apic.Init(); err != nil {
		kfmt.Panic(err)
	}
	apic.StartTimerHz(schedTimerHz)

	if err = sched.Init(); err != nil {
		kfmt.Panic(err)
	}

	setupDebugger()

	if err = smp.BootAllAPs(acpiInfo, uintptr(bi.HHDMBase)); err != nil {
		kfmt.Printf("kmain: SMP bring-up failed: %s\n", err.Error())
	}

	kfmt.Printf("jotunheim: init complete, entering idle loop\n")
	cpu.EnableInterrupts()
	for {
		cpu.Halt()
	}
}

// reserveDeviceRanges reserves the fixed physical pages kernel/apic and
// kernel/smp map later (the LAPIC/IOAPIC MMIO windows and the AP trampoline
// with its real-mode scratch pages), ahead of any allocation-capable Init
// call, closing the window where pmm's BootInfo-memory-map walker could
// otherwise hand one of those pages to an unrelated subsystem first.
func reserveDeviceRanges() *kernel.Error {
	for _, r := range apic.ReservedMMIORanges() {
		if err := pmm.Reserve(r[0], r[1], pmm.ResvMMIO); err != nil {
			return err
		}
	}
	for _, r := range smp.ReservedRanges() {
		if err := pmm.Reserve(r[0], r[1], pmm.ResvTrampoline); err != nil {
			return err
		}
	}
	return nil
}

// installExceptionHandlers registers the handlers kernel/irq's dispatch
// table needs a specific vector bound to; every other vector falls through
// to irq.DefaultHandler, which the bodyless assembly dispatch core installs
// on its own.
func installExceptionHandlers() {
	irq.HandleExceptionWithCode(irq.DoubleFault, irq.DoubleFaultHandler)
	irq.HandleExceptionWithCode(irq.GPFException, irq.GPFaultHandler)
	irq.HandleExceptionWithCode(irq.PageFaultException, irq.PageFaultHandler)
	irq.HandleException(irq.InvalidOpcode, irq.InvalidOpcodeHandler)
	irq.HandleException(irq.BreakpointVector, irq.BreakpointHandler)
	irq.HandleException(irq.DebugVector, irq.DebugHandler)
	irq.HandleException(irq.ExceptionNum(irq.TimerVector), irq.TimerHandler)
	irq.HandleException(irq.ExceptionNum(irq.YieldVector), irq.YieldHandler)
	irq.HandleException(irq.ExceptionNum(irq.SpuriousVector), irq.SpuriousHandler)
}
