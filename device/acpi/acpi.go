// Package acpi validates the ACPI RSDP the bootloader handed off in
// BootInfo, walks the RSDT/XSDT to find the MADT, and parses it into the
// CPU and I/O APIC inventory the rest of the kernel needs for SMP bring-up
// and interrupt routing. Full ACPI table enumeration (FADT/DSDT/AML) is
// out of scope; this driver only ever looks for the MADT.
package acpi

import (
	"jotunheim/device"
	"jotunheim/device/acpi/table"
	"jotunheim/kernel"
	"jotunheim/kernel/kfmt"
	"jotunheim/kernel/mem/pmm"
	"jotunheim/kernel/mem/vmm"
	"unsafe"
)

const (
	acpiRev1     uint8 = 0
	acpiRev2Plus uint8 = 2

	madtSignature = "APIC"

	defaultLAPICMMIOAddr uintptr = 0xfee0_0000
)

var (
	errMissingRSDP           = &kernel.Error{Module: "acpi", Message: "RSDP signature or checksum invalid"}
	errTableChecksumMismatch = &kernel.Error{Module: "acpi", Message: "ACPI table checksum mismatch"}
	errMADTNotFound          = &kernel.Error{Module: "acpi", Message: "MADT not present in RSDT/XSDT"}

	rsdpSignature = [8]byte{'R', 'S', 'D', ' ', 'P', 'T', 'R', ' '}
)

// mapPhysFn identity-maps size bytes of physical memory starting at
// physAddr and returns the virtual address at which physAddr itself is now
// addressable. It exists as a seam so tests can back ACPI table reads with
// plain Go heap memory instead of real identity-mapped physical frames.
var mapPhysFn = func(physAddr uintptr, size uintptr) (uintptr, *kernel.Error) {
	page, err := vmm.IdentityMapRegion(pmm.FrameFromAddress(physAddr), size, vmm.FlagPresent)
	if err != nil {
		return 0, err
	}
	return page.Address() + vmm.PageOffset(physAddr), nil
}

// CpuEntry describes one logical processor discovered in the MADT.
type CpuEntry struct {
	APICID   uint32
	Enabled  bool
	IsX2APIC bool
}

// IoApic describes one I/O APIC discovered in the MADT.
type IoApic struct {
	ID       uint8
	MMIOBase uint32
	GSIBase  uint32
}

// Info is the result of a successful MADT discovery pass.
type Info struct {
	CPUs      []CpuEntry
	IOAPICs   []IoApic
	LAPICAddr uintptr
}

// Discover validates the RSDP at rsdpPhysAddr, walks the RSDT or XSDT it
// points to looking for the MADT, and parses the MADT's CPU and I/O APIC
// entries.
func Discover(rsdpPhysAddr uintptr) (*Info, *kernel.Error) {
	sdtAddr, useXSDT, err := validateRSDP(rsdpPhysAddr)
	if err != nil {
		return nil, err
	}

	madtHeader, err := findMADT(sdtAddr, useXSDT)
	if err != nil {
		return nil, err
	}

	return parseMADT(madtHeader), nil
}

// validateRSDP maps the (possibly extended) RSDP at the given physical
// address, checks its signature and checksum, and returns the physical
// address of the table to walk next (XSDT when the system is ACPI 2.0+
// and reports one, RSDT otherwise) along with which pointer width to use.
func validateRSDP(rsdpPhysAddr uintptr) (sdtAddr uintptr, useXSDT bool, err *kernel.Error) {
	addr, mapErr := mapPhysFn(rsdpPhysAddr, unsafe.Sizeof(table.ExtRSDPDescriptor{}))
	if mapErr != nil {
		return 0, false, mapErr
	}

	rsdp := (*table.RSDPDescriptor)(unsafe.Pointer(addr))

	for i, b := range rsdpSignature {
		if rsdp.Signature[i] != b {
			return 0, false, errMissingRSDP
		}
	}

	if rsdp.Revision == acpiRev1 {
		if !validChecksum(addr, uint32(unsafe.Sizeof(*rsdp))) {
			return 0, false, errMissingRSDP
		}
		return uintptr(rsdp.RSDTAddr), false, nil
	}

	rsdp2 := (*table.ExtRSDPDescriptor)(unsafe.Pointer(addr))
	if !validChecksum(addr, rsdp2.Length) {
		return 0, false, errMissingRSDP
	}

	if rsdp2.XSDTAddr == 0 {
		return uintptr(rsdp2.RSDTAddr), false, nil
	}
	return uintptr(rsdp2.XSDTAddr), true, nil
}

// findMADT maps the RSDT/XSDT at sdtAddr, walks its pointer array, and
// returns the header of the first table whose signature is "APIC".
func findMADT(sdtAddr uintptr, useXSDT bool) (*table.SDTHeader, *kernel.Error) {
	header, sizeofHeader, err := mapACPITable(sdtAddr)
	if err != nil {
		return nil, err
	}

	payloadLen := header.Length - uint32(sizeofHeader)
	base := uintptr(unsafe.Pointer(header)) + sizeofHeader

	var entryCount int
	var entrySize uintptr
	if useXSDT {
		entrySize = 8
		entryCount = int(payloadLen >> 3)
	} else {
		entrySize = 4
		entryCount = int(payloadLen >> 2)
	}

	for i := 0; i < entryCount; i++ {
		var entryAddr uintptr
		ptr := base + uintptr(i)*entrySize
		if useXSDT {
			entryAddr = uintptr(*(*uint64)(unsafe.Pointer(ptr)))
		} else {
			entryAddr = uintptr(*(*uint32)(unsafe.Pointer(ptr)))
		}

		entryHeader, _, err := mapACPITable(entryAddr)
		if err != nil {
			if err == errTableChecksumMismatch {
				continue
			}
			return nil, err
		}

		if string(entryHeader.Signature[:]) == madtSignature {
			return entryHeader, nil
		}
	}

	return nil, errMADTNotFound
}

// mapACPITable identity-maps the header for the ACPI table starting at
// tableAddr, expands the mapping to cover the full table once the length
// field is known, and verifies the checksum.
func mapACPITable(tableAddr uintptr) (header *table.SDTHeader, sizeofHeader uintptr, err *kernel.Error) {
	sizeofHeader = unsafe.Sizeof(table.SDTHeader{})

	headerAddr, mapErr := mapPhysFn(tableAddr, sizeofHeader)
	if mapErr != nil {
		return nil, sizeofHeader, mapErr
	}
	header = (*table.SDTHeader)(unsafe.Pointer(headerAddr))

	if _, mapErr = mapPhysFn(tableAddr, uintptr(header.Length)); mapErr != nil {
		return nil, sizeofHeader, mapErr
	}

	if !validChecksum(headerAddr, header.Length) {
		return header, sizeofHeader, errTableChecksumMismatch
	}

	return header, sizeofHeader, nil
}

// parseMADT walks the MADT's variable-length entry stream, emitting a
// CpuEntry for every local/x2 APIC entry and an IoApic for every I/O APIC
// entry, and tracking the effective LAPIC MMIO address (overridden by a
// type-5 entry when present).
func parseMADT(header *table.SDTHeader) *Info {
	madt := (*table.MADT)(unsafe.Pointer(header))
	info := &Info{LAPICAddr: uintptr(madt.LocalControllerAddress)}
	if info.LAPICAddr == 0 {
		info.LAPICAddr = defaultLAPICMMIOAddr
	}

	start := uintptr(unsafe.Pointer(madt)) + unsafe.Sizeof(table.MADT{})
	end := uintptr(unsafe.Pointer(madt)) + uintptr(madt.Length)

	for ptr := start; ptr+2 <= end; {
		entry := (*table.MADTEntry)(unsafe.Pointer(ptr))
		if entry.Length == 0 {
			break
		}

		// Every field below is read at its exact packed ACPI wire offset
		// from ptr rather than through a cast struct: Go inserts natural
		// alignment padding around the uint8 pairs and uint64 fields these
		// entries mix in, which does not match the packed wire layout.
		switch entry.Type {
		case table.MADTEntryTypeLocalAPIC:
			apicID := *(*uint8)(unsafe.Pointer(ptr + 3))
			flags := *(*uint32)(unsafe.Pointer(ptr + 4))
			info.CPUs = append(info.CPUs, CpuEntry{
				APICID:  uint32(apicID),
				Enabled: flags&1 != 0,
			})

		case table.MADTEntryTypeIOAPIC:
			ioAPICID := *(*uint8)(unsafe.Pointer(ptr + 2))
			address := *(*uint32)(unsafe.Pointer(ptr + 4))
			gsiBase := *(*uint32)(unsafe.Pointer(ptr + 8))
			info.IOAPICs = append(info.IOAPICs, IoApic{
				ID:       ioAPICID,
				MMIOBase: address,
				GSIBase:  gsiBase,
			})

		case table.MADTEntryTypeLocalAPICAddrOverride:
			info.LAPICAddr = uintptr(*(*uint64)(unsafe.Pointer(ptr + 4)))

		case table.MADTEntryTypeLocalX2APIC:
			x2APICID := *(*uint32)(unsafe.Pointer(ptr + 4))
			flags := *(*uint32)(unsafe.Pointer(ptr + 8))
			info.CPUs = append(info.CPUs, CpuEntry{
				APICID:   x2APICID,
				Enabled:  flags&1 != 0,
				IsX2APIC: true,
			})
		}

		ptr += uintptr(entry.Length)
	}

	return info
}

// validChecksum reports whether the bytes in [tablePtr, tablePtr+tableLength)
// sum to zero modulo 256, as required for every ACPI table.
func validChecksum(tablePtr uintptr, tableLength uint32) bool {
	var sum uint8
	for i := uint32(0); i < tableLength; i++ {
		sum += *(*uint8)(unsafe.Pointer(tablePtr + uintptr(i)))
	}
	return sum == 0
}

// driver adapts Discover to the device.Driver interface so it participates
// in the same detection pass as other firmware-backed devices.
type driver struct {
	rsdpPhysAddr uintptr
	result       *Info
}

func (d *driver) DriverName() string                      { return "ACPI" }
func (d *driver) DriverVersion() (uint16, uint16, uint16) { return 0, 1, 0 }

func (d *driver) DriverInit() *kernel.Error {
	info, err := Discover(d.rsdpPhysAddr)
	if err != nil {
		return err
	}
	d.result = info

	kfmt.Printf("acpi: %d CPU(s), %d I/O APIC(s), LAPIC at 0x%x\n", len(info.CPUs), len(info.IOAPICs), info.LAPICAddr)
	return nil
}

// RSDPAddr is set by kernel/kmain from BootInfo before device detection
// runs, since the Driver registry's Probe functions take no arguments.
var RSDPAddr uintptr

func probeForACPI() device.Driver {
	if RSDPAddr == 0 {
		return nil
	}
	return &driver{rsdpPhysAddr: RSDPAddr}
}

func init() {
	device.RegisterDriver(&device.DriverInfo{
		Order: device.DetectOrderBeforeACPI,
		Probe: probeForACPI,
	})
}
