// Command bootloader is the UEFI application entry point: BOOTX64.EFI's
// image entry point calls into EfiMain with the image handle and system
// table firmware hands every UEFI application, exactly the shape
// jotunboot's own `#[entry] fn main(...)` takes.
//
// Building a freestanding PE32+ image from this package (GOOS=windows
// GOARCH=amd64, no runtime startup beyond what firmware already sets up)
// is outside this repo's scope, the same way assembling the kernel ELF's
// rt0 stub is; see boot/efi/callfn.go and boot/trampoline.go for the other
// boundaries drawn the same way.
package main

import (
	"jotunheim/boot"
	"jotunheim/boot/efi"
)

// imageHandleHolder and systemTableHolder exist only so the linker cannot
// conclude EfiMain is unreachable and strip boot.Run's call graph; the real
// firmware entry trampoline supplies the actual arguments.
var (
	imageHandleHolder efi.Handle
	systemTableHolder *efi.SystemTable
)

// EfiMain is the exported UEFI image entry point. It never returns:
// boot.Run halts the CPU on any fatal error and otherwise jumps into the
// loaded kernel via boot.EnterKernel.
func EfiMain(imageHandle efi.Handle, st *efi.SystemTable) efi.Status {
	boot.Run(imageHandle, st)
	return efi.Status(0)
}

func main() {
	EfiMain(imageHandleHolder, systemTableHolder)
}
