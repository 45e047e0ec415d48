package boot

import (
	"jotunheim/boot/efi"
	"jotunheim/kernel"
	"jotunheim/kernel/bootinfo"
	"jotunheim/kernel/cpu"
	"jotunheim/kernel/kfmt"
	"jotunheim/kernel/serial"
	"jotunheim/kernel/simd"
	"unsafe"
)

const kernelPath = "\\JOTUNHEIM\\KERNEL.ELF"

const (
	low32PoolPages = 512 // 2MiB pool below the 4GiB line
	stackPages     = 16
	earlyHeapPages = 0x4000

	ioapicMMIOBase = uint64(0xfec0_0000)
	lapicMMIOBase  = uint64(0xfee0_0000)
)

var (
	errAllocFailed       = &kernel.Error{Module: "boot", Message: "a UEFI boot services page allocation failed"}
	errFSOpenFailed      = &kernel.Error{Module: "boot", Message: "failed to open the boot volume's root directory"}
	errKernelRead        = &kernel.Error{Module: "boot", Message: "failed to read KERNEL.ELF"}
	errMemoryMapFailed   = &kernel.Error{Module: "boot", Message: "failed to snapshot the UEFI memory map"}
	errExitBootServices  = &kernel.Error{Module: "boot", Message: "ExitBootServices was rejected"}
	errMemoryMapOverflow = &kernel.Error{Module: "boot", Message: "UEFI memory map has more entries than BootInfo can hold"}
)

// Run is the bootloader's entire UEFI-side sequence: read and parse the
// kernel image, stage it and the auxiliary regions the kernel needs (a
// stack, an early heap, the BootInfo block, the trampoline page, a
// sub-4GiB pool), build the boot-time page tables, snapshot the UEFI
// memory map, discover the framebuffer and RSDP, hand control away from
// firmware, and jump into the kernel. It never returns.
//
// The sequencing mirrors jotunboot's main(): FS -> ELF -> segment copy ->
// auxiliary allocations -> memory map -> page tables -> BootInfo ->
// ExitBootServices -> trampoline jump.
func Run(imageHandle efi.Handle, st *efi.SystemTable) {
	serial.COM1Port.Init()
	kfmt.SetOutputSink(serial.COM1Port)
	kfmt.Printf("boot: entry\n")

	simd.Enable()

	data, err := readKernelImage(st.BootServices, imageHandle)
	if err != nil {
		die(err)
	}
	kfmt.Printf("boot: kernel image is %d bytes\n", len(data))

	img, err := ParseKernelImage(data)
	if err != nil {
		die(err)
	}
	kfmt.Printf("boot: layout min=0x%x max=0x%x align=0x%x entry=0x%x\n", img.MinVAddr, img.MaxVAddr, img.MaxAlign, img.Entry)

	loadBase, err := stageKernelImage(st.BootServices, img, data)
	if err != nil {
		die(err)
	}
	kfmt.Printf("boot: segments staged at phys 0x%x\n", loadBase)

	low32PoolAddr, err := allocLow32Pool(st.BootServices)
	if err != nil {
		die(err)
	}

	biAddr, err := allocOnePage(st.BootServices, efi.MemoryLoaderData)
	if err != nil {
		die(err)
	}
	trampAddr, err := allocOnePage(st.BootServices, efi.MemoryLoaderCode)
	if err != nil {
		die(err)
	}

	stackTop, err := allocStack(st.BootServices)
	if err != nil {
		die(err)
	}

	earlyHeapAddr, earlyHeapLen, err := allocPages(st.BootServices, earlyHeapPages, efi.MemoryLoaderData)
	if err != nil {
		die(err)
	}
	kfmt.Printf("boot: early heap 0x%x len 0x%x\n", earlyHeapAddr, earlyHeapLen)

	fb := discoverFramebuffer(st.BootServices)
	rsdp := findRSDP(st)

	regions, physMax, mapKey, err := snapshotMemoryMap(st.BootServices)
	if err != nil {
		die(err)
	}
	if len(regions) > bootinfo.MaxMemoryRegions {
		die(errMemoryMapOverflow)
	}

	identHi := computeIdentHi(trampAddr, biAddr, stackTop, loadBase+img.Span(), earlyHeapAddr+earlyHeapLen, fb)
	kfmt.Printf("boot: ident_hi = 0x%x\n", identHi)

	pageAlloc := func() (uint64, *kernel.Error) {
		addr, _, err := allocPages(st.BootServices, 1, efi.MemoryLoaderData)
		return addr, err
	}
	pt, err := BuildKernelPageTables(img, loadBase, img.MinVAddr, identHi, physMax, pageAlloc)
	if err != nil {
		die(err)
	}
	kfmt.Printf("boot: pml4 = 0x%x\n", pt.PML4Phys)

	bi := (*bootinfo.BootInfo)(unsafe.Pointer(uintptr(biAddr)))
	*bi = bootinfo.BootInfo{
		Magic:             bootinfo.Magic,
		HHDMBase:          HHDMBase,
		KernelPhysStart:   loadBase,
		KernelVirtStart:   img.MinVAddr,
		KernelSize:        img.Span(),
		RSDPAddr:          rsdp,
		EarlyHeapPhysAddr: earlyHeapAddr,
		EarlyHeapSize:     earlyHeapLen,
		Low32PoolPhysAddr: low32PoolAddr,
		Low32PoolSize:     uint64(low32PoolPages) * page4K,
		FB:                fb,
		PML4PhysAddr:      pt.PML4Phys,
		BootCPUID:         bootCPUID(),
	}
	bi.MemoryRegionCount = uint32(copy(bi.MemoryMap[:], regions))

	kfmt.Printf("boot: exiting boot services\n")
	if status := st.BootServices.ExitBootServicesFn(imageHandle, mapKey); !status.Good() {
		die(errExitBootServices)
	}

	EnterKernel(&KernelEntryArgs{
		CR3:         pt.PML4Phys,
		StackTop:    stackTop,
		BootInfoPtr: uint64(biAddr),
		Entry:       img.Entry,
	})
}

// die reports a fatal boot error over the still-working COM1 line and
// halts forever. There is no recovery path this early: no heap, no
// scheduler, not even a kernel to hand off to yet.
func die(err *kernel.Error) {
	kfmt.Printf("boot: fatal: %s\n", err.Error())
	for {
		cpu.Halt()
	}
}

func utf16z(s string) []uint16 {
	out := make([]uint16, 0, len(s)+1)
	for _, r := range s {
		out = append(out, uint16(r))
	}
	return append(out, 0)
}

// readKernelImage walks LoadedImageProtocol -> device handle -> simple file
// system -> KERNEL.ELF, reading the whole file into one contiguous buffer.
func readKernelImage(bs *efi.BootServices, image efi.Handle) ([]byte, *kernel.Error) {
	var loadedIface unsafe.Pointer
	loadedGUID := efi.LoadedImageProtocolGUID
	if status := bs.HandleProtocolFn(image, &loadedGUID, &loadedIface); !status.Good() {
		return nil, errFSOpenFailed
	}
	loaded := (*efi.LoadedImageProtocol)(loadedIface)

	var fsIface unsafe.Pointer
	fsGUID := efi.SimpleFileSystemProtocolGUID
	if status := bs.HandleProtocolFn(loaded.DeviceHandle, &fsGUID, &fsIface); !status.Good() {
		return nil, errFSOpenFailed
	}
	fs := (*efi.SimpleFileSystemProtocol)(fsIface)

	root, status := fs.OpenVolumeFn()
	if !status.Good() {
		return nil, errFSOpenFailed
	}
	defer root.CloseFn()

	path := utf16z(kernelPath)
	file, status := root.OpenFn(&path[0], efi.FileModeRead, efi.FileAttrNormal)
	if !status.Good() {
		return nil, errKernelRead
	}
	defer file.CloseFn()

	const chunkSize = 1 << 20
	buf := make([]byte, chunkSize)
	var out []byte
	for {
		n := uintptr(chunkSize)
		if status := file.ReadFn(&n, unsafe.Pointer(&buf[0])); !status.Good() {
			return nil, errKernelRead
		}
		if n == 0 {
			break
		}
		out = append(out, buf[:n]...)
		if n < chunkSize {
			break
		}
	}
	return out, nil
}

// stageKernelImage allocates a contiguous physical run large enough to hold
// the image's [MinVAddr, MaxVAddr) span at its required alignment, zeroes
// it, and copies each PT_LOAD segment's file contents into place (zeroing
// the bss tail beyond FileSize within MemSize).
func stageKernelImage(bs *efi.BootServices, img *ParsedImage, data []byte) (uint64, *kernel.Error) {
	span := img.Span()
	reserve := span + img.MaxAlign + page4K
	pageCount := uintptr((reserve + page4K - 1) / page4K)

	var memAddr uint64
	if status := bs.AllocatePagesFn(efi.AllocateAnyPages, efi.MemoryLoaderData, pageCount, &memAddr); !status.Good() {
		return 0, errAllocFailed
	}

	loadBase := alignUp(memAddr, img.MaxAlign)
	dst := unsafe.Slice((*byte)(unsafe.Pointer(uintptr(loadBase))), span)
	for i := range dst {
		dst[i] = 0
	}

	for _, seg := range img.Segments {
		rel := seg.VAddr - img.MinVAddr
		if seg.FileSize > 0 {
			copy(dst[rel:rel+seg.FileSize], data[seg.FileOffset:seg.FileOffset+seg.FileSize])
		}
	}

	return loadBase, nil
}

func allocPages(bs *efi.BootServices, count uintptr, memType efi.MemoryType) (addr uint64, size uint64, err *kernel.Error) {
	if status := bs.AllocatePagesFn(efi.AllocateAnyPages, memType, count, &addr); !status.Good() {
		return 0, 0, errAllocFailed
	}
	return addr, uint64(count) * page4K, nil
}

func allocOnePage(bs *efi.BootServices, memType efi.MemoryType) (uint64, *kernel.Error) {
	addr, _, err := allocPages(bs, 1, memType)
	return addr, err
}

// allocStack allocates stackPages of loader data and returns the top of the
// resulting region, 16-byte aligned with an extra 8 bytes taken off so a
// System V call sees a correctly misaligned RSP on entry.
func allocStack(bs *efi.BootServices) (uint64, *kernel.Error) {
	base, length, err := allocPages(bs, stackPages, efi.MemoryLoaderData)
	if err != nil {
		return 0, err
	}
	top := (base + length) &^ 0xf
	return top - 8, nil
}

// allocLow32Pool reserves a pool of pages below the 4GiB line for
// structures the kernel's earliest bring-up code needs to reach with a
// 32-bit pointer (legacy DMA descriptors and the like).
func allocLow32Pool(bs *efi.BootServices) (uint64, *kernel.Error) {
	addr := uint64(0xffff_ffff)
	if status := bs.AllocatePagesFn(efi.AllocateMaxAddress, efi.MemoryLoaderData, low32PoolPages, &addr); !status.Good() {
		return 0, errAllocFailed
	}
	return addr, nil
}

// discoverFramebuffer locates the Graphics Output Protocol, if firmware
// exposes one, and reports its current mode. A missing or unusable GOP is
// not fatal: the kernel falls back to serial-only output.
func discoverFramebuffer(bs *efi.BootServices) bootinfo.Framebuffer {
	var iface unsafe.Pointer
	guid := efi.GraphicsOutputProtocolGUID
	if status := bs.LocateProtocolFn(&guid, &iface); !status.Good() {
		return bootinfo.Framebuffer{}
	}
	gop := (*efi.GraphicsOutputProtocol)(iface)
	if gop.Mode == nil || gop.Mode.Info == nil {
		return bootinfo.Framebuffer{}
	}

	info := gop.Mode.Info
	format := bootinfo.PixelFormatBltOnly
	switch info.PixelFormat {
	case efi.PixelRedGreenBlueReserved8BitPerColor:
		format = bootinfo.PixelFormatRGB
	case efi.PixelBlueGreenRedReserved8BitPerColor:
		format = bootinfo.PixelFormatBGR
	case efi.PixelBitMask:
		format = bootinfo.PixelFormatBitmask
	}

	return bootinfo.Framebuffer{
		PhysAddr:      gop.Mode.FrameBufferBase,
		Width:         info.HorizontalResolution,
		Height:        info.VerticalResolution,
		Stride:        info.PixelsPerScanLine,
		Format:        format,
		BytesPerPixel: 4,
	}
}

// findRSDP scans the UEFI configuration table for the ACPI 2.0 GUID,
// falling back to the ACPI 1.0 GUID, and returns the RSDP's physical
// address, or 0 if ACPI isn't advertised at all.
func findRSDP(st *efi.SystemTable) uint64 {
	var rsdp1 uint64
	for _, e := range st.ConfigEntries() {
		if e.VendorGUID.Equal(efi.ACPI20TableGUID) {
			return uint64(e.VendorTable)
		}
		if e.VendorGUID.Equal(efi.ACPI10TableGUID) {
			rsdp1 = uint64(e.VendorTable)
		}
	}
	return rsdp1
}

// snapshotMemoryMap copies the current UEFI memory map into kernel-facing
// MemoryRegion entries, returning the highest physical address any entry
// reaches and the map key ExitBootServices must be called with.
func snapshotMemoryMap(bs *efi.BootServices) ([]bootinfo.MemoryRegion, uint64, uintptr, *kernel.Error) {
	var mapSize, mapKey, descSize uintptr
	var descVer uint32

	// First call with no buffer to learn the required size; the
	// EFI_BUFFER_TOO_SMALL status is expected and ignored.
	bs.GetMemoryMapFn(&mapSize, nil, &mapKey, &descSize, &descVer)
	if mapSize == 0 || descSize == 0 {
		return nil, 0, 0, errMemoryMapFailed
	}

	// Pad for any growth between the sizing call and the real one.
	mapSize += 4 * descSize
	buf := make([]byte, mapSize)

	if status := bs.GetMemoryMapFn(&mapSize, unsafe.Pointer(&buf[0]), &mapKey, &descSize, &descVer); !status.Good() {
		return nil, 0, 0, errMemoryMapFailed
	}

	count := mapSize / descSize
	regions := make([]bootinfo.MemoryRegion, 0, count)
	var maxPhys uint64
	for i := uintptr(0); i < count; i++ {
		desc := (*efi.MemoryDescriptor)(unsafe.Pointer(&buf[i*descSize]))
		if end := desc.PhysicalStart + desc.NumberOfPages*page4K; end > maxPhys {
			maxPhys = end
		}
		regions = append(regions, bootinfo.MemoryRegion{
			PhysStart: desc.PhysicalStart,
			PageCount: desc.NumberOfPages,
			Type:      uefiTypeToKernel(desc.Type),
		})
	}

	return regions, maxPhys, mapKey, nil
}

// uefiTypeToKernel narrows UEFI's memory type enum down to the handful of
// classifications the kernel-side allocator cares about.
func uefiTypeToKernel(t efi.MemoryType) bootinfo.MemoryRegionType {
	switch t {
	case efi.MemoryConventionalMemory, efi.MemoryLoaderCode, efi.MemoryLoaderData,
		efi.MemoryBootServicesCode, efi.MemoryBootServicesData:
		return bootinfo.MemoryRegionUsable
	case efi.MemoryACPIReclaimMemory:
		return bootinfo.MemoryRegionACPIReclaimable
	case efi.MemoryACPIMemoryNVS:
		return bootinfo.MemoryRegionACPINVS
	case efi.MemoryUnusableMemory:
		return bootinfo.MemoryRegionBadMemory
	default:
		return bootinfo.MemoryRegionReserved
	}
}

// computeIdentHi picks the identity-mapped window's ceiling: high enough to
// cover every structure the kernel will touch before kernel/mem/vmm takes
// over (the trampoline, BootInfo, stack, staged image, early heap, and
// framebuffer), floored at 1GiB and extended to cover the local/IO APIC
// MMIO windows, matching jotunboot's ident_hi computation.
func computeIdentHi(trampAddr, biAddr, stackTop, imageEnd, earlyHeapEnd uint64, fb bootinfo.Framebuffer) uint64 {
	identHi := trampAddr + page4K
	candidates := []uint64{biAddr + page4K, stackTop, imageEnd, earlyHeapEnd}
	if fb.Present() {
		candidates = append(candidates, fb.PhysAddr+uint64(fb.Stride)*uint64(fb.Height)*uint64(fb.BytesPerPixel))
	}
	for _, v := range candidates {
		if v > identHi {
			identHi = v
		}
	}

	if identHi < page1G {
		identHi = page1G
	}
	if v := ioapicMMIOBase + page4K; v > identHi {
		identHi = v
	}
	if v := lapicMMIOBase + page4K; v > identHi {
		identHi = v
	}

	return identHi
}

// bootCPUID reads the initial APIC ID (CPUID.1:EBX[31:24]) of the
// processor running the bootloader, which becomes the boot CPU's identity
// for kernel/smp's later AP enumeration.
var bootCPUID = func() uint32 {
	_, ebx, _, _ := cpu.ID(1)
	return ebx >> 24
}
