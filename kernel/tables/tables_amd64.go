// Package tables builds the per-CPU GDT and TSS and wires their IST stack
// slots into kernel/gate's interrupt dispatch machinery. Every logical CPU
// (BSP and each AP) calls Init once, after kernel/mem/vmm is usable, to get
// its own descriptor tables and interrupt-stack-table stacks; IDT
// population itself remains kernel/gate's job (its assembly-generated gate
// stubs and dispatchInterrupt are out of this package's scope).
package tables

import (
	"jotunheim/kernel"
	"jotunheim/kernel/cpu"
	"jotunheim/kernel/gate"
	"jotunheim/kernel/mem"
	"jotunheim/kernel/mem/vmm"
	"unsafe"
)

// Segment selectors used by every GDT this package builds. The layout is
// fixed: null, 64-bit kernel code, kernel data, then a 16-byte TSS
// descriptor occupying two GDT slots.
const (
	KernelCodeSelector uint16 = 1 << 3
	KernelDataSelector uint16 = 2 << 3
	tssSelector        uint16 = 3 << 3
)

// GDT descriptor access/flag bits (64-bit mode subset).
const (
	accessPresent     = 1 << 7
	accessNotSystem   = 1 << 4
	accessExecutable  = 1 << 3
	accessRW          = 1 << 1
	accessTSSAvail    = 0x9 // type field for an available 64-bit TSS
	flagsLongMode     = 1 << 5
	gdtEntryCount     = 5 // null, code, data, tss-low, tss-high
	istStackSize      = 8 * 1024
	istStackAlignment = 16
)

// IST slot indices, matching the TSS.IST[1..7] numbering (1-based; slot 0
// means "don't switch stacks").
const (
	ISTDoubleFault uint8 = 1
	ISTNMI         uint8 = 2
	ISTDebug       uint8 = 3
)

// tss mirrors the x86_64 64-bit Task State Segment layout. The hardware
// places its 64-bit fields at 4-byte offsets, so each one is stored as a
// low/high pair of uint32 to keep Go from inserting padding.
type tss struct {
	reserved0 uint32
	rsp       [6]uint32
	reserved1 [2]uint32
	ist       [14]uint32
	reserved2 [2]uint32
	reserved3 uint16
	ioMapBase uint16
}

// cpuTables holds one CPU's GDT and TSS. It must stay at a fixed address
// for the CPU's lifetime since the GDT's TSS descriptor and CR3-independent
// LTR both reference it by linear address; Init appends every CPU's tables
// to loadedTables so they stay reachable after it returns.
type cpuTables struct {
	gdt [gdtEntryCount]uint64
	tss tss
}

var loadedTables []*cpuTables

var (
	mapStackFn  = vmm.VmapAllocPages
	lgdtFn      = cpu.LGDT
	ltrFn       = cpu.LTR
	gateInitFn  = gate.Init

	errISTAlloc = &kernel.Error{Module: "tables", Message: "failed to allocate an interrupt stack table stack"}
)

// Init builds a fresh GDT/TSS pair for the calling CPU, allocates its IST
// stacks (double-fault, NMI, debug), loads the GDT and task register, and
// initializes kernel/gate's IDT on top of it. It must be called once per
// CPU, in the BSP's boot path and again early in each AP's entry point.
func Init() *kernel.Error {
	t := &cpuTables{}

	t.gdt[0] = 0
	t.gdt[1] = codeSegmentDescriptor()
	t.gdt[2] = dataSegmentDescriptor()

	if err := setupIST(t); err != nil {
		return err
	}

	low, high := tssDescriptor(uintptr(unsafe.Pointer(&t.tss)), uint32(unsafe.Sizeof(t.tss))-1)
	t.gdt[3] = low
	t.gdt[4] = high

	lgdtFn(uintptr(unsafe.Pointer(&t.gdt[0])), KernelCodeSelector, KernelDataSelector)
	ltrFn(tssSelector)
	loadedTables = append(loadedTables, t)

	gateInitFn()
	return nil
}

func setupIST(t *cpuTables) *kernel.Error {
	slots := []uint8{ISTDoubleFault, ISTNMI, ISTDebug}
	for _, slot := range slots {
		top, err := allocISTStack()
		if err != nil {
			return err
		}
		t.tss.ist[2*(slot-1)] = uint32(top)
		t.tss.ist[2*(slot-1)+1] = uint32(uint64(top) >> 32)
	}
	return nil
}

// allocISTStack maps a fresh interrupt stack (no unmapped guard page is
// left below it) and returns the
// 16-byte-aligned address of its top (stacks grow down, so "top" is the
// highest address in the region).
func allocISTStack() (uintptr, *kernel.Error) {
	pageCount := uintptr(istStackSize) >> mem.PageShift
	base, err := mapStackFn(pageCount, vmm.FlagPresent|vmm.FlagRW|vmm.FlagNoExecute)
	if err != nil {
		return 0, errISTAlloc
	}

	top := base + istStackSize
	top &^= istStackAlignment - 1
	return top, nil
}

func codeSegmentDescriptor() uint64 {
	access := uint64(accessPresent | accessNotSystem | accessExecutable | accessRW)
	flags := uint64(flagsLongMode)
	return access<<40 | flags<<52
}

func dataSegmentDescriptor() uint64 {
	access := uint64(accessPresent | accessNotSystem | accessRW)
	return access << 40
}

// tssDescriptor builds the two 8-byte GDT entries that together form a
// 64-bit TSS descriptor (the upper 32 bits of the base address do not fit
// in the legacy 8-byte descriptor shape).
func tssDescriptor(base uintptr, limit uint32) (low, high uint64) {
	b := uint64(base)

	low = uint64(limit&0xffff) |
		(b&0xffffff)<<16 |
		uint64(accessPresent|accessTSSAvail)<<40 |
		(uint64(limit>>16)&0xf)<<48 |
		((b >> 24) & 0xff) << 56

	high = (b >> 32) & 0xffffffff
	return low, high
}
