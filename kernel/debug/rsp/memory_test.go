package rsp

import (
	"jotunheim/kernel/mem/kheap"
	"testing"
)

func installSections(t *testing.T) {
	t.Helper()
	origText, origRodata, origData, origBSS := textBounds, rodataBounds, dataBounds, bssBounds
	t.Cleanup(func() {
		textBounds, rodataBounds, dataBounds, bssBounds = origText, origRodata, origData, origBSS
	})

	textBounds = func() (uintptr, uintptr) { return 0x1000, 0x2000 }
	rodataBounds = func() (uintptr, uintptr) { return 0x2000, 0x3000 }
	dataBounds = func() (uintptr, uintptr) { return 0x3000, 0x4000 }
	bssBounds = func() (uintptr, uintptr) { return 0x4000, 0x5000 }
}

func TestSectionMemoryAllowsReadsAcrossEverySection(t *testing.T) {
	installSections(t)
	m := SectionMemory{}

	for _, addr := range []uintptr{0x1000, 0x2500, 0x3500, 0x4500} {
		if !m.CanRead(addr, 0x10) {
			t.Fatalf("expected 0x%x to be readable", addr)
		}
	}
}

func TestSectionMemoryDeniesWritesToTextAndRodata(t *testing.T) {
	installSections(t)
	m := SectionMemory{}

	if m.CanWrite(0x1000, 0x10) {
		t.Fatalf("expected .text to be non-writable")
	}
	if m.CanWrite(0x2000, 0x10) {
		t.Fatalf("expected .rodata to be non-writable")
	}
}

func TestSectionMemoryAllowsWritesToDataAndBSS(t *testing.T) {
	installSections(t)
	m := SectionMemory{}

	if !m.CanWrite(0x3000, 0x10) {
		t.Fatalf("expected .data to be writable")
	}
	if !m.CanWrite(0x4000, 0x10) {
		t.Fatalf("expected .bss to be writable")
	}
}

func TestSectionMemoryDeniesOutOfRangeAccess(t *testing.T) {
	installSections(t)
	m := SectionMemory{}

	if m.CanRead(0x9000, 0x10) {
		t.Fatalf("expected an address outside every known section to be denied")
	}
}

func TestSectionMemoryDeniesAccessToAnEmptyHeapWindow(t *testing.T) {
	installSections(t)
	kheap.Init()
	m := SectionMemory{}

	start, _ := kheap.Bounds()
	if m.CanRead(start, 0x10) {
		t.Fatalf("expected a not-yet-grown heap window to deny access")
	}
}

func TestInRangeRejectsOverflowingLength(t *testing.T) {
	if inRange(0x1000, ^uintptr(0), 0x1000, 0x2000) {
		t.Fatalf("expected an overflowing length to be rejected rather than wrap and pass")
	}
}
