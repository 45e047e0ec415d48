package boot

import (
	"bytes"
	"encoding/binary"
	"testing"
)

// buildTestELF assembles a minimal, valid ELF64/LE/x86_64 executable with a
// single PT_LOAD segment, entirely by hand (no assembler, no debug/elf
// writer exists in the standard library), so ParseKernelImage has a real
// image to scan without any test fixture files.
func buildTestELF(t *testing.T, vaddr uint64, fileBytes, memSize uint64, entry uint64) []byte {
	t.Helper()

	const ehdrSize = 64
	const phdrSize = 56
	phoff := uint64(ehdrSize)
	dataOff := phoff + phdrSize

	buf := &bytes.Buffer{}

	ident := [16]byte{0x7f, 'E', 'L', 'F', 2 /* ELFCLASS64 */, 1 /* ELFDATA2LSB */, 1, 0}
	buf.Write(ident[:])
	binary.Write(buf, binary.LittleEndian, uint16(2))  // e_type = ET_EXEC
	binary.Write(buf, binary.LittleEndian, uint16(62)) // e_machine = EM_X86_64
	binary.Write(buf, binary.LittleEndian, uint32(1))  // e_version
	binary.Write(buf, binary.LittleEndian, entry)      // e_entry
	binary.Write(buf, binary.LittleEndian, phoff)      // e_phoff
	binary.Write(buf, binary.LittleEndian, uint64(0))  // e_shoff
	binary.Write(buf, binary.LittleEndian, uint32(0))  // e_flags
	binary.Write(buf, binary.LittleEndian, uint16(ehdrSize))
	binary.Write(buf, binary.LittleEndian, uint16(phdrSize))
	binary.Write(buf, binary.LittleEndian, uint16(1)) // e_phnum
	binary.Write(buf, binary.LittleEndian, uint16(0)) // e_shentsize
	binary.Write(buf, binary.LittleEndian, uint16(0)) // e_shnum
	binary.Write(buf, binary.LittleEndian, uint16(0)) // e_shstrndx

	binary.Write(buf, binary.LittleEndian, uint32(1))      // p_type = PT_LOAD
	binary.Write(buf, binary.LittleEndian, uint32(5))      // p_flags = R+X
	binary.Write(buf, binary.LittleEndian, dataOff)        // p_offset
	binary.Write(buf, binary.LittleEndian, vaddr)          // p_vaddr
	binary.Write(buf, binary.LittleEndian, vaddr)          // p_paddr
	binary.Write(buf, binary.LittleEndian, fileBytes)      // p_filesz
	binary.Write(buf, binary.LittleEndian, memSize)        // p_memsz
	binary.Write(buf, binary.LittleEndian, uint64(0x1000)) // p_align

	payload := make([]byte, fileBytes)
	for i := range payload {
		payload[i] = byte(i)
	}
	buf.Write(payload)

	return buf.Bytes()
}

func TestParseKernelImageReadsASingleSegment(t *testing.T) {
	data := buildTestELF(t, 0x100000, 0x40, 0x2000, 0x100004)

	img, err := ParseKernelImage(data)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(img.Segments) != 1 {
		t.Fatalf("expected one PT_LOAD segment; got %d", len(img.Segments))
	}
	if img.MinVAddr != 0x100000 {
		t.Fatalf("expected MinVAddr 0x100000; got 0x%x", img.MinVAddr)
	}
	if img.MaxVAddr != alignUp(0x100000+0x2000, 0x1000) {
		t.Fatalf("expected MaxVAddr aligned past the segment; got 0x%x", img.MaxVAddr)
	}
	if img.Entry != 0x100004 {
		t.Fatalf("expected entry 0x100004; got 0x%x", img.Entry)
	}
	if img.Segments[0].FileSize != 0x40 || img.Segments[0].MemSize != 0x2000 {
		t.Fatalf("unexpected segment sizes: %+v", img.Segments[0])
	}
}

func TestParseKernelImageRejectsWrongMachine(t *testing.T) {
	data := buildTestELF(t, 0x100000, 0x10, 0x10, 0x100000)
	data[18] = 3 // e_machine low byte -> EM_386, not EM_X86_64

	if _, err := ParseKernelImage(data); err == nil {
		t.Fatal("expected a non-x86_64 ELF to be rejected")
	}
}

func TestParseKernelImageRejectsEntryOutsideSegments(t *testing.T) {
	data := buildTestELF(t, 0x100000, 0x10, 0x1000, 0xdeadbeef)

	if _, err := ParseKernelImage(data); err == nil {
		t.Fatal("expected an out-of-range entry point to be rejected")
	}
}

func TestParseKernelImageRejectsTruncatedData(t *testing.T) {
	if _, err := ParseKernelImage([]byte{0x7f, 'E', 'L', 'F'}); err == nil {
		t.Fatal("expected a truncated image to fail to parse")
	}
}

func TestAlignUp(t *testing.T) {
	if alignUp(0x1001, 0x1000) != 0x2000 {
		t.Fatalf("alignUp rounded incorrectly")
	}
	if alignUp(0x1000, 0x1000) != 0x1000 {
		t.Fatalf("alignUp should leave an already-aligned value unchanged")
	}
}
