package efi

import "unsafe"

// AllocatePagesFn calls EFI_BOOT_SERVICES.AllocatePages, requesting count
// contiguous pages of the given type. memAddr is both an input (the
// requested address for AllocateAddress/AllocateMaxAddress) and an output
// (the address actually allocated).
func (bs *BootServices) AllocatePagesFn(allocType AllocateType, memType MemoryType, count uintptr, memAddr *uint64) Status {
	return Status(callEfi4(bs.AllocatePages, uintptr(allocType), uintptr(memType), count, uintptr(unsafe.Pointer(memAddr))))
}

// FreePagesFn calls EFI_BOOT_SERVICES.FreePages.
func (bs *BootServices) FreePagesFn(memAddr uint64, count uintptr) Status {
	return Status(callEfi2(bs.FreePages, uintptr(memAddr), count))
}

// GetMemoryMapFn calls EFI_BOOT_SERVICES.GetMemoryMap. mapSize is both an
// input (the capacity of buf) and output (the size actually written, or
// the required size on EFI_BUFFER_TOO_SMALL); descriptorSize reports the
// true per-entry stride, which the loader must use instead of
// sizeof(MemoryDescriptor) when iterating buf.
func (bs *BootServices) GetMemoryMapFn(mapSize *uintptr, buf unsafe.Pointer, mapKey, descriptorSize *uintptr, descriptorVersion *uint32) Status {
	return Status(callEfi5(bs.GetMemoryMap,
		uintptr(unsafe.Pointer(mapSize)),
		uintptr(buf),
		uintptr(unsafe.Pointer(mapKey)),
		uintptr(unsafe.Pointer(descriptorSize)),
		uintptr(unsafe.Pointer(descriptorVersion))))
}

// ExitBootServicesFn calls EFI_BOOT_SERVICES.ExitBootServices, handing
// back control of all memory firmware owned. mapKey must match the key
// returned by the GetMemoryMapFn call immediately preceding this one, or
// firmware rejects the request.
func (bs *BootServices) ExitBootServicesFn(image Handle, mapKey uintptr) Status {
	return Status(callEfi2(bs.ExitBootServices, uintptr(image), mapKey))
}

// LocateProtocolFn calls EFI_BOOT_SERVICES.LocateProtocol, finding the
// first handle in the system that implements the protocol named by guid.
func (bs *BootServices) LocateProtocolFn(guid *GUID, iface *unsafe.Pointer) Status {
	return Status(callEfi3(bs.LocateProtocol, uintptr(unsafe.Pointer(guid)), 0, uintptr(unsafe.Pointer(iface))))
}

// HandleProtocolFn calls EFI_BOOT_SERVICES.HandleProtocol, querying a
// specific handle for a protocol interface.
func (bs *BootServices) HandleProtocolFn(handle Handle, guid *GUID, iface *unsafe.Pointer) Status {
	return Status(callEfi3(bs.HandleProtocol, uintptr(handle), uintptr(unsafe.Pointer(guid)), uintptr(unsafe.Pointer(iface))))
}

// OpenVolumeFn calls EFI_SIMPLE_FILE_SYSTEM_PROTOCOL.OpenVolume, returning
// the filesystem's root directory as a FileProtocol.
func (fs *SimpleFileSystemProtocol) OpenVolumeFn() (*FileProtocol, Status) {
	var root *FileProtocol
	st := Status(callEfi2(fs.OpenVolume, uintptr(unsafe.Pointer(fs)), uintptr(unsafe.Pointer(&root))))
	return root, st
}

// OpenFn calls EFI_FILE_PROTOCOL.Open on a directory, opening name (a
// NUL-terminated UCS-2 path) relative to it for reading.
func (f *FileProtocol) OpenFn(name *uint16, mode, attr uint64) (*FileProtocol, Status) {
	var out *FileProtocol
	st := Status(callEfi5(f.Open, uintptr(unsafe.Pointer(f)), uintptr(unsafe.Pointer(&out)), uintptr(unsafe.Pointer(name)), uintptr(mode), uintptr(attr)))
	return out, st
}

// ReadFn calls EFI_FILE_PROTOCOL.Read. size is both an input (the capacity
// of buf) and output (the number of bytes actually read).
func (f *FileProtocol) ReadFn(size *uintptr, buf unsafe.Pointer) Status {
	return Status(callEfi3(f.Read, uintptr(unsafe.Pointer(f)), uintptr(unsafe.Pointer(size)), uintptr(buf)))
}

// CloseFn calls EFI_FILE_PROTOCOL.Close.
func (f *FileProtocol) CloseFn() Status {
	return Status(callEfi1(f.Close, uintptr(unsafe.Pointer(f))))
}

// The UEFI open-mode/attribute bits the loader needs: read-only access to
// an existing file.
const (
	FileModeRead   = uint64(1) << 0
	FileAttrNormal = uint64(1) << 0
)
