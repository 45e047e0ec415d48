package boot

import (
	"bytes"
	"debug/elf"
	"jotunheim/kernel"
	"jotunheim/kernel/mem"
)

// Segment is one PT_LOAD program header from the kernel image, narrowed to
// the fields the staging step (see pagetables.go/loader.go) needs to copy
// it into place.
type Segment struct {
	FileOffset uint64
	VAddr      uint64
	FileSize   uint64
	MemSize    uint64
}

// ParsedImage is the result of scanning the kernel ELF's loadable segments:
// the overall virtual address span they occupy, the largest alignment any
// of them demands, and the entry point to jump to after staging.
type ParsedImage struct {
	Segments []Segment
	MinVAddr uint64
	MaxVAddr uint64
	MaxAlign uint64
	Entry    uint64
}

// Span reports the number of bytes between MinVAddr and MaxVAddr, the size
// of the contiguous physical allocation the staging step needs.
func (p *ParsedImage) Span() uint64 {
	return p.MaxVAddr - p.MinVAddr
}

var (
	errBadELF         = &kernel.Error{Module: "boot", Message: "kernel image is not a 64-bit little-endian x86_64 ELF"}
	errNoLoadSegments = &kernel.Error{Module: "boot", Message: "kernel image has no PT_LOAD segments"}
	errBadEntry       = &kernel.Error{Module: "boot", Message: "kernel entry point falls outside its loaded segments"}
)

// ParseKernelImage scans data (the full contents of KERNEL.ELF, as read
// from the EFI Simple File System) for PT_LOAD segments, matching
// spec.md §4.A steps 2-3. Uses the standard library's debug/elf — the same
// choice the pack's own UEFI/Linux boot-protocol loader
// (tinyrange-cc's internal/linux/boot/amd64) makes for parsing a kernel
// image before staging it — rather than hand-rolling ELF header parsing.
func ParseKernelImage(data []byte) (*ParsedImage, *kernel.Error) {
	f, err := elf.NewFile(bytes.NewReader(data))
	if err != nil {
		return nil, errBadELF
	}
	defer f.Close()

	if f.Class != elf.ELFCLASS64 || f.Data != elf.ELFDATA2LSB || f.Machine != elf.EM_X86_64 {
		return nil, errBadELF
	}

	pageSize := uint64(mem.PageSize)
	img := &ParsedImage{MinVAddr: ^uint64(0), MaxAlign: pageSize}

	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD || prog.Memsz == 0 {
			continue
		}

		img.Segments = append(img.Segments, Segment{
			FileOffset: prog.Off,
			VAddr:      prog.Vaddr,
			FileSize:   prog.Filesz,
			MemSize:    prog.Memsz,
		})

		if prog.Vaddr < img.MinVAddr {
			img.MinVAddr = prog.Vaddr
		}
		if end := alignUp(prog.Vaddr+prog.Memsz, pageSize); end > img.MaxVAddr {
			img.MaxVAddr = end
		}
		if align := prog.Align; align > img.MaxAlign {
			img.MaxAlign = align
		}
	}

	if len(img.Segments) == 0 {
		return nil, errNoLoadSegments
	}
	if f.Entry < img.MinVAddr || f.Entry >= img.MaxVAddr {
		return nil, errBadEntry
	}

	img.Entry = f.Entry
	return img, nil
}

func alignUp(x, a uint64) uint64 {
	return (x + a - 1) &^ (a - 1)
}
