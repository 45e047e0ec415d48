package pmm

import (
	"jotunheim/kernel/bootinfo"
	"jotunheim/kernel/mem"
	"testing"
)

func resetAllocatorState() {
	ResetReservations()
	bumpNext, bumpEnd = 0, 0
	regionCnt, walkRegion, walkNext = 0, 0, 0
}

func TestReserveAndIsReserved(t *testing.T) {
	resetAllocatorState()
	defer resetAllocatorState()

	if err := Reserve(0x1000, 0x2000, ResvKernelImage); err != nil {
		t.Fatalf("Reserve returned error: %v", err)
	}

	if !IsReserved(0x1800, 0x1900) {
		t.Fatal("expected range fully inside a reservation to be reported reserved")
	}

	if !IsReserved(0x0500, 0x1500) {
		t.Fatal("expected range overlapping the start of a reservation to be reported reserved")
	}

	if IsReserved(0x2000, 0x3000) {
		t.Fatal("expected range starting exactly at a reservation's end to be free")
	}
}

func TestReservationTableFull(t *testing.T) {
	resetAllocatorState()
	defer resetAllocatorState()

	for i := 0; i < maxReservations; i++ {
		start := uintptr(i * 0x1000)
		if err := Reserve(start, start+0x1000, ResvFirmware); err != nil {
			t.Fatalf("unexpected error reserving slot %d: %v", i, err)
		}
	}

	if err := Reserve(0xf0000000, 0xf0001000, ResvFirmware); err != errReservationTableFull {
		t.Fatalf("expected errReservationTableFull; got %v", err)
	}
}

func TestAllocFrameFromBumpPool(t *testing.T) {
	resetAllocatorState()
	defer resetAllocatorState()

	SeedBumpPool(0x100000, 0x100000+3*uintptr(mem.PageSize))

	var got []Frame
	for i := 0; i < 3; i++ {
		f, err := AllocFrame()
		if err != nil {
			t.Fatalf("AllocFrame failed on iteration %d: %v", i, err)
		}
		got = append(got, f)
	}

	for i := 1; i < len(got); i++ {
		if got[i].Address() != got[i-1].Address()+uintptr(mem.PageSize) {
			t.Fatalf("expected bump allocations to be sequential; got %x then %x", got[i-1].Address(), got[i].Address())
		}
	}
}

func TestAllocFrameFallsBackToMemoryMap(t *testing.T) {
	resetAllocatorState()
	defer resetAllocatorState()

	bi := &bootinfo.BootInfo{MemoryRegionCount: 1}
	bi.MemoryMap[0] = bootinfo.MemoryRegion{
		PhysStart: 0x200000,
		PageCount: 4,
		Type:      bootinfo.MemoryRegionUsable,
	}
	Init(bi)

	// reserve the first frame of the region so the allocator must skip it
	if err := Reserve(0x200000, 0x200000+uintptr(mem.PageSize), ResvKernelImage); err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}

	f, err := AllocFrame()
	if err != nil {
		t.Fatalf("AllocFrame failed: %v", err)
	}

	if f.Address() != 0x200000+uintptr(mem.PageSize) {
		t.Fatalf("expected allocator to skip the reserved first frame; got 0x%x", f.Address())
	}
}

func TestAllocFrameOutOfMemory(t *testing.T) {
	resetAllocatorState()
	defer resetAllocatorState()

	bi := &bootinfo.BootInfo{}
	Init(bi)

	if _, err := AllocFrame(); err != errOutOfMemory {
		t.Fatalf("expected errOutOfMemory; got %v", err)
	}
}
