package rsp

import "jotunheim/kernel/mem/kheap"

// Memory is the access-control policy the RSP command loop consults before
// honoring a memory read or write request, matching the original
// implementation's Memory trait.
type Memory interface {
	CanRead(addr, length uintptr) bool
	CanWrite(addr, length uintptr) bool
}

func inRange(addr, length, start, end uintptr) bool {
	if addr < start {
		return false
	}
	sum := addr + length
	return sum >= addr && sum <= end // overflow-safe: sum < addr means it wrapped
}

func inAnyRange(addr, length uintptr, ranges [][2]uintptr) bool {
	for _, r := range ranges {
		if inRange(addr, length, r[0], r[1]) {
			return true
		}
	}
	return false
}

// SectionMemory allows reads from .text/.rodata/.data/.bss plus the kernel
// heap window, and writes to .data/.bss plus the heap window — never
// .text/.rodata, since software breakpoints are the only sanctioned way to
// patch kernel code. Grounded on the original implementation's
// debug/rsp/memory.rs SectionMemory, generalized from its fixed
// KHEAP_START/KHEAP_SIZE pair to kheap's actual (dynamically growing)
// window via kheap.Bounds.
type SectionMemory struct{}

func (SectionMemory) CanRead(addr, length uintptr) bool {
	textStart, textEnd := textBounds()
	rodataStart, rodataEnd := rodataBounds()
	dataStart, dataEnd := dataBounds()
	bssStart, bssEnd := bssBounds()
	heapStart, heapEnd := kheap.Bounds()

	return inAnyRange(addr, length, [][2]uintptr{
		{textStart, textEnd},
		{rodataStart, rodataEnd},
		{dataStart, dataEnd},
		{bssStart, bssEnd},
		{heapStart, heapEnd},
	})
}

func (SectionMemory) CanWrite(addr, length uintptr) bool {
	dataStart, dataEnd := dataBounds()
	bssStart, bssEnd := bssBounds()
	heapStart, heapEnd := kheap.Bounds()

	return inAnyRange(addr, length, [][2]uintptr{
		{dataStart, dataEnd},
		{bssStart, bssEnd},
		{heapStart, heapEnd},
	})
}
