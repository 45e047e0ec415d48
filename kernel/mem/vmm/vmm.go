// Package vmm implements the kernel's virtual memory manager: the x86_64
// four-level page table walker, the early virtual-address-space reservation
// allocator used while bootstrapping the Go runtime, and the fixed MMIO/VMAP
// windows the rest of the kernel maps device registers and on-demand pages
// into.
//
// Page table pages are never mapped through a self-referential PML4 slot;
// instead every physical frame that backs a table is reached through the
// high-half direct map (HHDM) the bootloader establishes, mirroring how the
// pre-distillation implementation's mapper walks tables via an HHDM offset
// rather than recursive self-mapping.
package vmm

import (
	"jotunheim/kernel"
	"jotunheim/kernel/cpu"
	"jotunheim/kernel/mem"
	"jotunheim/kernel/mem/pmm"
	"unsafe"
)

// Page describes a virtual memory page index (virtAddr >> PageShift).
type Page uintptr

// Address returns the virtual address for the start of this page.
func (p Page) Address() uintptr {
	return uintptr(p) << mem.PageShift
}

// PageTableEntryFlag describes the attribute bits of a page table entry.
type PageTableEntryFlag uint64

// Supported page table entry flags.
const (
	FlagPresent     PageTableEntryFlag = 1 << 0
	FlagRW          PageTableEntryFlag = 1 << 1
	FlagUser        PageTableEntryFlag = 1 << 2
	FlagWriteThru   PageTableEntryFlag = 1 << 3
	FlagCacheDis    PageTableEntryFlag = 1 << 4
	FlagHugePage    PageTableEntryFlag = 1 << 7
	FlagGlobal      PageTableEntryFlag = 1 << 8
	FlagCopyOnWrite PageTableEntryFlag = 1 << 9
	FlagNoExecute   PageTableEntryFlag = 1 << 63
)

const (
	entriesPerTable = 512
	addrMask        = uint64(0x000f_ffff_ffff_f000)
)

var (
	errNoFreeFrames = &kernel.Error{Module: "vmm", Message: "no free physical frames available"}
	errNotMapped    = &kernel.Error{Module: "vmm", Message: "virtual address is not mapped"}

	activePDTFn  = cpu.ActivePDT
	switchPDTFn  = cpu.SwitchPDT
	flushTLBFn   = cpu.FlushTLBEntry
	frameAllocFn = pmm.AllocFrame

	// hhdmBase is the virtual offset at which all physical memory is
	// mapped 1:1. It is populated from BootInfo during Init and is the
	// only mechanism used to dereference table-backing physical frames.
	hhdmBase uintptr

	// ReservedZeroedFrame is a sentinel physical frame backing
	// copy-on-write mappings of the Go runtime's shared zero page. The
	// page fault handler in kernel/irq does not treat faults against
	// pages mapped to this frame specially: a write to one is handled
	// like any other #PF, and no real frame is allocated for it.
	ReservedZeroedFrame = pmm.Frame(0)
)

// Init records the HHDM base the bootloader established so that the vmm
// package can translate table-backing physical frames into addressable
// virtual pointers.
func Init(hhdmBaseAddr uintptr) {
	hhdmBase = hhdmBaseAddr
}

// PhysToVirt returns the HHDM virtual address for a physical address.
func PhysToVirt(physAddr uintptr) uintptr {
	return hhdmBase + physAddr
}

// PageFromAddress returns the Page that contains the given virtual address.
func PageFromAddress(virtAddr uintptr) Page {
	return Page(virtAddr >> mem.PageShift)
}

// PageOffset returns the offset of virtAddr within its containing page.
func PageOffset(virtAddr uintptr) uintptr {
	return virtAddr & uintptr(mem.PageSize-1)
}

func tableEntries(physAddr uintptr) *[entriesPerTable]uint64 {
	return (*[entriesPerTable]uint64)(unsafe.Pointer(PhysToVirt(physAddr)))
}

// ensureTable returns the physical address of the next-level table pointed
// to by entries[index], allocating and zeroing a fresh frame for it if the
// entry is not present yet.
func ensureTable(entries *[entriesPerTable]uint64, index uint64, flags PageTableEntryFlag) (uintptr, *kernel.Error) {
	entry := entries[index]
	if entry&uint64(FlagPresent) != 0 {
		return uintptr(entry & addrMask), nil
	}

	frame, err := frameAllocFn()
	if err != nil {
		return 0, err
	}

	tablePhys := frame.Address()
	tableVA := PhysToVirt(tablePhys)
	// zero the freshly allocated table so every entry starts non-present
	table := (*[entriesPerTable]uint64)(unsafe.Pointer(tableVA))
	for i := range table {
		table[i] = 0
	}

	entries[index] = uint64(tablePhys) | uint64(FlagPresent|FlagRW) | uint64(flags&FlagUser)
	return tablePhys, nil
}

func pml4Index(va uintptr) uint64 { return uint64(va>>39) & 0x1ff }
func pdptIndex(va uintptr) uint64 { return uint64(va>>30) & 0x1ff }
func pdIndex(va uintptr) uint64   { return uint64(va>>21) & 0x1ff }
func ptIndex(va uintptr) uint64   { return uint64(va>>12) & 0x1ff }

// Map establishes a 4KiB mapping from the given page to the given physical
// frame with the requested flags, allocating any intermediate page tables
// that do not already exist.
func Map(page Page, frame pmm.Frame, flags PageTableEntryFlag) *kernel.Error {
	va := page.Address()

	pml4Phys := activePDTFn()
	pml4 := tableEntries(pml4Phys)

	pdptPhys, err := ensureTable(pml4, pml4Index(va), flags)
	if err != nil {
		return err
	}
	pdpt := tableEntries(pdptPhys)

	pdPhys, err := ensureTable(pdpt, pdptIndex(va), flags)
	if err != nil {
		return err
	}
	pd := tableEntries(pdPhys)

	ptPhys, err := ensureTable(pd, pdIndex(va), flags)
	if err != nil {
		return err
	}
	pt := tableEntries(ptPhys)

	pt[ptIndex(va)] = uint64(frame.Address()) | uint64(flags) | uint64(FlagPresent)
	flushTLBFn(va)
	return nil
}

// Unmap clears the page table entry for the given page, if present.
func Unmap(page Page) *kernel.Error {
	va := page.Address()

	pml4 := tableEntries(activePDTFn())
	if pml4[pml4Index(va)]&uint64(FlagPresent) == 0 {
		return nil
	}

	pdpt := tableEntries(uintptr(pml4[pml4Index(va)] & addrMask))
	if pdpt[pdptIndex(va)]&uint64(FlagPresent) == 0 {
		return nil
	}

	pd := tableEntries(uintptr(pdpt[pdptIndex(va)] & addrMask))
	if pd[pdIndex(va)]&uint64(FlagPresent) == 0 {
		return nil
	}

	pt := tableEntries(uintptr(pd[pdIndex(va)] & addrMask))
	pt[ptIndex(va)] = 0
	flushTLBFn(va)
	return nil
}

// IdentityMapRegion maps size bytes starting at the physical address of
// frame to the same virtual address (identity mapping) and returns the Page
// for the start of the region. Used for mapping ACPI tables and other
// firmware structures that are referenced by physical address.
func IdentityMapRegion(frame pmm.Frame, size uintptr, flags PageTableEntryFlag) (Page, *kernel.Error) {
	startPage := Page(frame.Address() >> mem.PageShift)
	pageCount := (size + uintptr(mem.PageSize) - 1) >> mem.PageShift
	if pageCount == 0 {
		pageCount = 1
	}

	for i := uintptr(0); i < pageCount; i++ {
		if err := Map(startPage+Page(i), frame+pmm.Frame(i), flags); err != nil {
			return 0, err
		}
	}

	return startPage, nil
}

// MapMMIO maps size bytes of MMIO space at the given physical address into
// the kernel's MMIO window and returns the resulting virtual address.
// Caching is disabled for the mapping.
func MapMMIO(physAddr uintptr, size uintptr) (uintptr, *kernel.Error) {
	regionSize := mem.Size((size + uintptr(mem.PageSize) - 1) &^ uintptr(mem.PageSize-1))
	virtStart, err := EarlyReserveRegion(regionSize)
	if err != nil {
		return 0, err
	}

	pageCount := uintptr(regionSize) >> mem.PageShift
	frame := pmm.FrameFromAddress(physAddr &^ uintptr(mem.PageSize-1))
	flags := FlagPresent | FlagRW | FlagNoExecute | FlagCacheDis

	for i := uintptr(0); i < pageCount; i++ {
		if err := Map(PageFromAddress(virtStart)+Page(i), frame+pmm.Frame(i), flags); err != nil {
			return 0, err
		}
	}

	return virtStart + (physAddr & uintptr(mem.PageSize-1)), nil
}

var (
	// tempMappingAddr marks the top of the kernel's reservable address
	// space; EarlyReserveRegion bump-allocates downward from here.
	tempMappingAddr = uintptr(0xffff_ffff_8000_0000)

	earlyReserveLastUsed   = tempMappingAddr
	errEarlyReserveNoSpace = &kernel.Error{Module: "vmm", Message: "remaining virtual address space not large enough to satisfy reservation request"}
)

// EarlyReserveRegion reserves a page-aligned contiguous virtual memory
// region with the requested size and returns its virtual address, without
// mapping any physical frames to it. Callers map pages into the reservation
// themselves (this is how the Go allocator's sysReserve/sysMap split works).
func EarlyReserveRegion(size mem.Size) (uintptr, *kernel.Error) {
	size = (size + (mem.PageSize - 1)) &^ (mem.PageSize - 1)

	if uintptr(size) > earlyReserveLastUsed {
		return 0, errEarlyReserveNoSpace
	}

	earlyReserveLastUsed -= uintptr(size)
	return earlyReserveLastUsed, nil
}

// VmapAllocPages reserves count pages of virtual address space and maps
// them to freshly allocated physical frames, returning the start address.
// This is the general-purpose "give me N mapped kernel pages" helper used
// by kheap growth and per-CPU/per-thread stack allocation.
func VmapAllocPages(count uintptr, flags PageTableEntryFlag) (uintptr, *kernel.Error) {
	virtStart, err := EarlyReserveRegion(mem.Size(count) * mem.PageSize)
	if err != nil {
		return 0, err
	}

	for i := uintptr(0); i < count; i++ {
		frame, err := frameAllocFn()
		if err != nil {
			return 0, err
		}
		if err := Map(PageFromAddress(virtStart)+Page(i), frame, flags|FlagPresent); err != nil {
			return 0, err
		}
	}

	return virtStart, nil
}

// AllocOnePhysPageHHDM allocates a single physical frame and returns it
// addressable through the HHDM, without establishing any additional
// mapping. Used for short-lived scratch buffers (e.g. AP trampoline data)
// that only need to be visible to the kernel itself.
func AllocOnePhysPageHHDM() (uintptr, pmm.Frame, *kernel.Error) {
	frame, err := frameAllocFn()
	if err != nil {
		return 0, pmm.InvalidFrame, err
	}

	return PhysToVirt(frame.Address()), frame, nil
}
