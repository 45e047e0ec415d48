// Package efi defines the subset of the UEFI ABI the bootloader needs —
// EFI_SYSTEM_TABLE, EFI_BOOT_SERVICES, the simple file system, graphics
// output and configuration table protocols — as plain Go structs read
// through unsafe.Pointer over firmware memory, exactly the way
// device/acpi/table expresses ACPI structures: no encoding/binary, no
// reflection, just a struct layout matching the spec. Go has no blessed
// UEFI runtime, so this package and callfn.go are the entire binding.
package efi

import "unsafe"

// Status is the UEFI return code convention: 0 is success, and the
// high bit set marks an error.
type Status uintptr

// Good reports whether s represents EFI_SUCCESS.
func (s Status) Good() bool { return s == 0 }

// Handle identifies a firmware object (a protocol instance, an image).
type Handle uintptr

// GUID is a 128-bit globally unique identifier, laid out the way UEFI
// serializes one: a little-endian uint32, two little-endian uint16s, and
// eight raw bytes.
type GUID struct {
	Data1 uint32
	Data2 uint16
	Data3 uint16
	Data4 [8]byte
}

// Equal compares two GUIDs field-by-field.
func (g GUID) Equal(other GUID) bool {
	return g.Data1 == other.Data1 && g.Data2 == other.Data2 && g.Data3 == other.Data3 && g.Data4 == other.Data4
}

// The configuration-table GUIDs the bootloader looks for.
var (
	ACPI10TableGUID = GUID{0xeb9d2d30, 0x2d88, 0x11d3, [8]byte{0x9a, 0x16, 0x00, 0x90, 0x27, 0x3f, 0xc1, 0x4d}}
	ACPI20TableGUID = GUID{0x8868e871, 0xe4f1, 0x11d3, [8]byte{0xbc, 0x22, 0x00, 0x80, 0xc7, 0x3c, 0x88, 0x81}}
)

// The protocol GUIDs the bootloader locates handles for.
var (
	SimpleFileSystemProtocolGUID = GUID{0x964e5b22, 0x6459, 0x11d2, [8]byte{0x8e, 0x39, 0x00, 0xa0, 0xc9, 0x69, 0x72, 0x3b}}
	LoadedImageProtocolGUID      = GUID{0x5b1b31a1, 0x9562, 0x11d2, [8]byte{0x8e, 0x3f, 0x00, 0xa0, 0xc9, 0x69, 0x72, 0x3b}}
	GraphicsOutputProtocolGUID   = GUID{0x9042a9de, 0x23dc, 0x4a38, [8]byte{0x96, 0xfb, 0x7a, 0xde, 0xd0, 0x80, 0x51, 0x6a}}
	FileInfoGUID                 = GUID{0x09576e92, 0x6d3f, 0x11d2, [8]byte{0x8e, 0x39, 0x00, 0xa0, 0xc9, 0x69, 0x72, 0x3b}}
)

// TableHeader is EFI_TABLE_HEADER, common to every UEFI table.
type TableHeader struct {
	Signature    uint64
	Revision     uint32
	HeaderSize   uint32
	CRC32        uint32
	_            uint32
}

// ConfigurationTable is one entry of SystemTable.ConfigurationTable: a GUID
// naming the table's kind and a physical/identity-mapped pointer to it.
// The RSDP is found by scanning these for ACPI20TableGUID/ACPI10TableGUID.
type ConfigurationTable struct {
	VendorGUID  GUID
	VendorTable uintptr
}

// SystemTable is EFI_SYSTEM_TABLE, narrowed to the fields the bootloader
// actually reads: the boot services table (needed until ExitBootServices)
// and the configuration table array (needed for the RSDP scan).
type SystemTable struct {
	Hdr                   TableHeader
	FirmwareVendor        uintptr
	FirmwareRevision      uint32
	_                     uint32
	ConsoleInHandle       Handle
	ConIn                 uintptr
	ConsoleOutHandle      Handle
	ConOut                uintptr
	StandardErrorHandle   Handle
	StdErr                uintptr
	RuntimeServices       uintptr
	BootServices          *BootServices
	NumberOfTableEntries  uintptr
	ConfigurationTable    *ConfigurationTable
}

// ConfigEntries returns the populated configuration table as a slice,
// without copying.
func (st *SystemTable) ConfigEntries() []ConfigurationTable {
	if st.ConfigurationTable == nil || st.NumberOfTableEntries == 0 {
		return nil
	}
	return unsafe.Slice(st.ConfigurationTable, st.NumberOfTableEntries)
}

// AllocateType selects how AllocatePages interprets the memory argument.
type AllocateType uint32

// The allocation strategies the loader uses.
const (
	AllocateAnyPages AllocateType = iota
	AllocateMaxAddress
	AllocateAddress
)

// MemoryType classifies a range returned by GetMemoryMap, or requested
// from AllocatePages. Values match the UEFI spec's EFI_MEMORY_TYPE enum.
type MemoryType uint32

// The memory types the bootloader cares about, matching the UEFI spec's
// numbering (the rest of the enum is irrelevant to this port).
const (
	MemoryReservedMemoryType MemoryType = iota
	MemoryLoaderCode
	MemoryLoaderData
	MemoryBootServicesCode
	MemoryBootServicesData
	MemoryRuntimeServicesCode
	MemoryRuntimeServicesData
	MemoryConventionalMemory
	MemoryUnusableMemory
	MemoryACPIReclaimMemory
	MemoryACPIMemoryNVS
	MemoryMemoryMappedIO
	MemoryMemoryMappedIOPortSpace
	MemoryPalCode
	MemoryPersistentMemory
)

// MemoryDescriptor is one entry of the memory map GetMemoryMap fills in.
// DescriptorSize, not sizeof(MemoryDescriptor), is the true stride between
// entries (the spec reserves room for future growth), so callers must
// never index this type as a plain Go array/slice element type.
type MemoryDescriptor struct {
	Type          MemoryType
	_             uint32
	PhysicalStart uint64
	VirtualStart  uint64
	NumberOfPages uint64
	Attribute     uint64
}

// BootServices is EFI_BOOT_SERVICES, narrowed to the function pointers the
// loader actually calls. Every field is a raw firmware function pointer
// invoked through callEfiN in callfn.go, since these use the Microsoft x64
// calling convention rather than Go's.
type BootServices struct {
	Hdr TableHeader

	_ [2]uintptr // RaiseTPL, RestoreTPL

	AllocatePages uintptr
	FreePages     uintptr
	GetMemoryMap  uintptr
	AllocatePool  uintptr
	FreePool      uintptr

	_ [7]uintptr // *Event, *TPL, WaitForEvent, SignalEvent, CloseEvent, CheckEvent, (InstallProtocolInterface)

	_ uintptr // ReinstallProtocolInterface
	_ uintptr // UninstallProtocolInterface
	HandleProtocol uintptr
	_              uintptr // Reserved
	_              uintptr // RegisterProtocolNotify
	_              uintptr // LocateHandle
	_              uintptr // LocateDevicePath
	_              uintptr // InstallConfigurationTable

	_ [4]uintptr // Image loading/starting/exiting/unloading

	ExitBootServices uintptr

	_ uintptr // GetNextMonotonicCount
	_ uintptr // Stall
	_ uintptr // SetWatchdogTimer

	_ [3]uintptr // Connect/DisconnectController, OpenProtocol family placeholder

	OpenProtocol  uintptr
	CloseProtocol uintptr

	_ [3]uintptr // OpenProtocolInformation, ProtocolsPerHandle, LocateHandleBuffer

	LocateProtocol uintptr
}

// SimpleFileSystemProtocol is EFI_SIMPLE_FILE_SYSTEM_PROTOCOL: OpenVolume
// hands back the root directory as a FileProtocol.
type SimpleFileSystemProtocol struct {
	Revision   uint64
	OpenVolume uintptr
}

// LoadedImageProtocol is EFI_LOADED_IMAGE_PROTOCOL, narrowed to the one
// field the loader needs: DeviceHandle, which it hands back into
// HandleProtocol to find the simple file system serving the volume the
// bootloader itself was launched from.
type LoadedImageProtocol struct {
	Revision        uint32
	_               uint32
	ParentHandle    Handle
	SystemTable     *SystemTable
	DeviceHandle    Handle
	FilePath        uintptr
	_               uintptr
	LoadOptionsSize uint32
	_               uint32
	LoadOptions     uintptr
	ImageBase       uintptr
	ImageSize       uint64
	ImageCodeType   MemoryType
	ImageDataType   MemoryType
	Unload          uintptr
}

// FileProtocol is EFI_FILE_PROTOCOL, narrowed to Open/Read/Close (the
// loader never writes or deletes files).
type FileProtocol struct {
	Revision uint64
	Open     uintptr
	Close    uintptr
	Delete   uintptr
	Read     uintptr
	Write    uintptr
}

// PixelFormat is EFI_GRAPHICS_PIXEL_FORMAT.
type PixelFormat uint32

// The pixel formats GOP can report.
const (
	PixelRedGreenBlueReserved8BitPerColor PixelFormat = iota
	PixelBlueGreenRedReserved8BitPerColor
	PixelBitMask
	PixelBltOnly
)

// GraphicsOutputModeInformation is EFI_GRAPHICS_OUTPUT_MODE_INFORMATION.
type GraphicsOutputModeInformation struct {
	Version              uint32
	HorizontalResolution  uint32
	VerticalResolution    uint32
	PixelFormat           PixelFormat
	PixelBitmaskR         uint32
	PixelBitmaskG         uint32
	PixelBitmaskB         uint32
	PixelBitmaskReserved  uint32
	PixelsPerScanLine     uint32
}

// GraphicsOutputProtocolMode is EFI_GRAPHICS_OUTPUT_PROTOCOL_MODE.
type GraphicsOutputProtocolMode struct {
	MaxMode               uint32
	Mode                  uint32
	Info                  *GraphicsOutputModeInformation
	SizeOfInfo            uintptr
	FrameBufferBase       uint64
	FrameBufferSize       uintptr
}

// GraphicsOutputProtocol is EFI_GRAPHICS_OUTPUT_PROTOCOL, narrowed to the
// Mode pointer the loader reads the framebuffer descriptor from (QueryMode/
// SetMode/Blt are never called: the loader only records what firmware
// already configured).
type GraphicsOutputProtocol struct {
	QueryMode uintptr
	SetMode   uintptr
	Blt       uintptr
	Mode      *GraphicsOutputProtocolMode
}
