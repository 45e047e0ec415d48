package boot

import (
	"jotunheim/kernel"
	"unsafe"
)

// Page table entry flag bits, the subset the bootloader's mappings need.
const (
	ptePresent = uint64(1) << 0
	pteRW      = uint64(1) << 1
	pteHuge    = uint64(1) << 7
	pteNX      = uint64(1) << 63
	addrMask   = uint64(0x000f_ffff_ffff_f000)

	entriesPerTable = 512

	page4K = uint64(1) << 12
	page2M = uint64(1) << 21
	page1G = uint64(1) << 30

	// HHDMBase is the virtual address the high-half direct map of all
	// physical memory starts at, matching jotunboot's HHDM_BASE and the
	// address kernel/mem/vmm.Init is later told about via BootInfo.
	HHDMBase = uint64(0xffff_8880_0000_0000)
)

// PageAllocator hands back the physical address of a freshly zeroed,
// page-aligned page to back a new page table. Before ExitBootServices,
// UEFI identity-maps all physical memory, so callers can dereference the
// returned address directly without any translation.
type PageAllocator func() (uint64, *kernel.Error)

// PageTables is a one-shot page table builder used only during boot, before
// the kernel-side jotunheim/kernel/mem/vmm package exists to take over
// table management. It walks and grows the same four-level amd64 structure
// vmm.go does, but addresses tables directly by physical address rather
// than through an HHDM, since none exists yet.
type PageTables struct {
	PML4Phys uint64
	alloc    PageAllocator
}

var errPageAlloc = &kernel.Error{Module: "boot", Message: "failed to allocate a page table page"}

// NewPageTables allocates a fresh, zeroed PML4 and returns a builder over
// it.
func NewPageTables(alloc PageAllocator) (*PageTables, *kernel.Error) {
	pml4Phys, err := alloc()
	if err != nil {
		return nil, err
	}
	return &PageTables{PML4Phys: pml4Phys, alloc: alloc}, nil
}

func entriesAt(phys uint64) *[entriesPerTable]uint64 {
	return (*[entriesPerTable]uint64)(unsafe.Pointer(uintptr(phys)))
}

func pml4Index(va uint64) uint64 { return (va >> 39) & 0x1ff }
func pdptIndex(va uint64) uint64 { return (va >> 30) & 0x1ff }
func pdIndex(va uint64) uint64   { return (va >> 21) & 0x1ff }
func ptIndex(va uint64) uint64   { return (va >> 12) & 0x1ff }

// ensureTable returns the physical address of the next-level table pointed
// to by entries[index], allocating and zeroing one if the entry is not
// present yet.
func (pt *PageTables) ensureTable(entries *[entriesPerTable]uint64, index uint64) (uint64, *kernel.Error) {
	if entry := entries[index]; entry&ptePresent != 0 {
		return entry & addrMask, nil
	}

	phys, err := pt.alloc()
	if err != nil {
		return 0, errPageAlloc
	}
	entries[index] = phys | ptePresent | pteRW
	return phys, nil
}

// walkToPD descends PML4 -> PDPT -> PD for virt, allocating any missing
// intermediate tables, and returns the physical address of the PD.
func (pt *PageTables) walkToPD(virt uint64) (uint64, *kernel.Error) {
	pml4 := entriesAt(pt.PML4Phys)
	pdptPhys, err := pt.ensureTable(pml4, pml4Index(virt))
	if err != nil {
		return 0, err
	}
	pdpt := entriesAt(pdptPhys)
	return pt.ensureTable(pdpt, pdptIndex(virt))
}

// Map4K establishes a single 4KiB mapping, allocating any page tables that
// do not already exist along the way.
func (pt *PageTables) Map4K(virt, phys uint64, flags uint64) *kernel.Error {
	pdPhys, err := pt.walkToPD(virt)
	if err != nil {
		return err
	}
	pd := entriesAt(pdPhys)
	ptPhys, err := pt.ensureTable(pd, pdIndex(virt))
	if err != nil {
		return err
	}
	pt2 := entriesAt(ptPhys)
	pt2[ptIndex(virt)] = phys | ptePresent | flags
	return nil
}

// Map2M establishes a single 2MiB huge-page mapping.
func (pt *PageTables) Map2M(virt, phys uint64, flags uint64) *kernel.Error {
	pdPhys, err := pt.walkToPD(virt)
	if err != nil {
		return err
	}
	pd := entriesAt(pdPhys)
	pd[pdIndex(virt)] = phys | ptePresent | pteHuge | flags
	return nil
}

// Map1G establishes a single 1GiB huge-page mapping directly off the PDPT.
func (pt *PageTables) Map1G(virt, phys uint64, flags uint64) *kernel.Error {
	pml4 := entriesAt(pt.PML4Phys)
	pdptPhys, err := pt.ensureTable(pml4, pml4Index(virt))
	if err != nil {
		return err
	}
	pdpt := entriesAt(pdptPhys)
	pdpt[pdptIndex(virt)] = phys | ptePresent | pteHuge | flags
	return nil
}

// MapRegion4K maps a contiguous [virt, virt+size) range to [phys,
// phys+size), one 4KiB page at a time. size is rounded up to a page
// boundary. Used for both the kernel window (delta-offset mapping of the
// loaded segments) and the low identity window.
func (pt *PageTables) MapRegion4K(virt, phys, size uint64, flags uint64) *kernel.Error {
	size = alignUp(size, page4K)
	for off := uint64(0); off < size; off += page4K {
		if err := pt.Map4K(virt+off, phys+off, flags); err != nil {
			return err
		}
	}
	return nil
}

// MapHHDM maps [0, maxPhys) of physical memory into the high-half direct
// map window at HHDMBase, using at each step the largest page size (1GiB,
// then 2MiB, then 4KiB) that fits in the remaining span and to which the
// current physical address is aligned,
// mirroring jotunboot's map_hhdm_huge.
func (pt *PageTables) MapHHDM(maxPhys uint64, flags uint64) *kernel.Error {
	phys := uint64(0)
	for phys < maxPhys {
		remaining := maxPhys - phys
		switch {
		case remaining >= page1G && phys%page1G == 0:
			if err := pt.Map1G(HHDMBase+phys, phys, flags); err != nil {
				return err
			}
			phys += page1G
		case remaining >= page2M && phys%page2M == 0:
			if err := pt.Map2M(HHDMBase+phys, phys, flags); err != nil {
				return err
			}
			phys += page2M
		default:
			if err := pt.Map4K(HHDMBase+phys, phys, flags); err != nil {
				return err
			}
			phys += page4K
		}
	}
	return nil
}

// KernelWindowFlags and IdentityWindowFlags are the permissions the two
// non-HHDM windows are built with: both writable and executable, since the
// kernel image's own segment permissions aren't threaded through this early
// and the kernel remaps itself more precisely once kernel/mem/vmm takes
// over.
const (
	KernelWindowFlags   = pteRW
	IdentityWindowFlags = pteRW
	HHDMFlags           = pteRW | pteNX
)

// BuildKernelPageTables constructs the full boot-time address space:
//   - the kernel window, mapping the loaded image's [MinVAddr, MaxVAddr)
//     span at kernelVirtBase to the physical pages it was staged into,
//   - the identity window, mapping [0, identHi) 1:1 so code running at a
//     low physical address survives the CR3 switch,
//   - the HHDM, mapping all of physical memory [0, maxPhys) at HHDMBase.
//
// This is the Go-side equivalent of jotunboot's build_pagetables_exec.
func BuildKernelPageTables(img *ParsedImage, kernelPhysBase uint64, kernelVirtBase uint64, identHi uint64, maxPhys uint64, alloc PageAllocator) (*PageTables, *kernel.Error) {
	pt, err := NewPageTables(alloc)
	if err != nil {
		return nil, err
	}

	if err := pt.MapRegion4K(kernelVirtBase, kernelPhysBase, img.Span(), KernelWindowFlags); err != nil {
		return nil, err
	}
	if err := pt.MapRegion4K(0, 0, identHi, IdentityWindowFlags); err != nil {
		return nil, err
	}
	if err := pt.MapHHDM(maxPhys, HHDMFlags); err != nil {
		return nil, err
	}

	return pt, nil
}
