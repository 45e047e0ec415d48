// Package bootinfo defines the hand-off ABI shared between the bootloader
// (which runs under UEFI, with access to boot services and firmware tables)
// and the kernel (which runs standalone, after ExitBootServices). Both sides
// import this package; neither imports the other, so the struct layouts
// below are the sole contract between them.
package bootinfo

// MemoryRegionType classifies a range reported in the memory map the
// bootloader hands to the kernel. Values are a stable, kernel-side
// simplification of the much larger set of UEFI memory types.
type MemoryRegionType uint32

// The kernel-side memory region classification.
const (
	MemoryRegionUnknown MemoryRegionType = iota
	MemoryRegionUsable
	MemoryRegionReserved
	MemoryRegionACPIReclaimable
	MemoryRegionACPINVS
	MemoryRegionBootloaderCode
	MemoryRegionKernelCode
	MemoryRegionBadMemory
)

// MemoryRegion describes one contiguous, page-aligned physical memory range.
type MemoryRegion struct {
	PhysStart uint64
	PageCount uint64
	Type      MemoryRegionType
}

// End returns the (exclusive) end physical address of the region.
func (r *MemoryRegion) End() uint64 {
	return r.PhysStart + r.PageCount*4096
}

// PixelFormat enumerates the GOP pixel layouts the bootloader understands.
type PixelFormat uint32

// Supported pixel formats, mirroring the UEFI GOP PixelFormat enum.
const (
	PixelFormatRGB PixelFormat = iota
	PixelFormatBGR
	PixelFormatBitmask
	PixelFormatBltOnly
)

// Framebuffer describes the linear framebuffer handed off by the GOP, if one
// was found. Width/Height/Stride are expressed in pixels; BytesPerPixel is
// always 4 for the formats the bootloader accepts.
type Framebuffer struct {
	PhysAddr      uint64
	Width         uint32
	Height        uint32
	Stride        uint32
	Format        PixelFormat
	BytesPerPixel uint32
}

// Present returns true if a usable framebuffer was located during boot.
func (f *Framebuffer) Present() bool {
	return f.PhysAddr != 0 && f.Format != PixelFormatBltOnly
}

// MaxMemoryRegions bounds the size of the memory map embedded directly in
// BootInfo, avoiding any heap allocation while still being generous enough
// for real UEFI firmware (which typically reports well under 128 entries).
const MaxMemoryRegions = 256

// BootInfo is constructed by the bootloader immediately before the
// trampoline jump and consumed by kernel/kmain as the first thing it touches
// after entry. Every field must be valid without any runtime support (no Go
// heap, no scheduler) since the kernel has not finished bootstrapping at the
// point this struct is read.
type BootInfo struct {
	// Magic lets the kernel sanity-check that it was handed a real
	// BootInfo block and not garbage left over in memory.
	Magic uint64

	// HHDMBase is the virtual address at which all physical memory is
	// mapped 1:1 (the high-half direct map).
	HHDMBase uint64

	// KernelPhysStart/KernelVirtStart/KernelSize describe where the
	// kernel ELF image was loaded.
	KernelPhysStart uint64
	KernelVirtStart uint64
	KernelSize      uint64

	// RSDPAddr is the physical address of the ACPI RSDP, or 0 if UEFI did
	// not advertise one.
	RSDPAddr uint64

	// EarlyHeapPhysAddr/EarlyHeapSize describe the physical range the
	// bootloader set aside for kernel/mem/pmm's early bump-pointer pool,
	// seeded before the BootInfo memory map itself has been walked.
	EarlyHeapPhysAddr uint64
	EarlyHeapSize     uint64

	// Low32PoolPhysAddr/Low32PoolSize describe a physical range entirely
	// below the 4GiB line, reserved for structures that must be reachable
	// with a 32-bit pointer (the AP trampoline's real-mode-adjacent
	// scratch data and the like).
	Low32PoolPhysAddr uint64
	Low32PoolSize     uint64

	FB Framebuffer

	// MemoryMap holds the first MemoryRegionCount entries of the physical
	// memory map snapshot taken just before ExitBootServices, regions of
	// every type included.
	MemoryRegionCount uint32
	MemoryMap         [MaxMemoryRegions]MemoryRegion

	// PML4PhysAddr is the physical address of the root page table the
	// bootloader built and switched to via the trampoline.
	PML4PhysAddr uint64

	// BootCPUID is the local APIC ID of the processor running the
	// bootloader/kernel entry, as read from the CPU that performed the
	// hand-off.
	BootCPUID uint32
}

// Magic is the sentinel value BootInfo.Magic must hold for the kernel to
// trust the block it was handed.
const Magic uint64 = 0x6a6f74756e686569 // "jotunhei"

// Regions returns the populated prefix of the embedded memory map as a
// slice, without copying the backing array.
func (bi *BootInfo) Regions() []MemoryRegion {
	return bi.MemoryMap[:bi.MemoryRegionCount]
}
