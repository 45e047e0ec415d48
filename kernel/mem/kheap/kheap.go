// Package kheap implements the kernel's general-purpose heap: a first-fit
// free-list allocator over a fixed virtual address window that grows by
// mapping additional pages through kernel/mem/vmm on demand.
//
// This is deliberately hand-rolled rather than wrapping a third-party
// allocator, matching kernel/goruntime's own hand-rolled sysAlloc: no
// allocator can be imported before one exists, and once a heap exists the
// Go runtime's own allocator (bootstrapped by kernel/goruntime) takes over
// for all ordinary Go code. This package exists to back that bootstrap
// itself and any other pre-runtime allocation needs.
package kheap

import (
	"jotunheim/kernel"
	"jotunheim/kernel/mem"
	"jotunheim/kernel/mem/vmm"
	"jotunheim/kernel/sync"
	"unsafe"
)

// KheapStart is the fixed virtual address the kernel heap window begins
// at, matching the pre-distillation implementation's allocator/heap.rs.
const KheapStart = uintptr(0xffff_8880_0000_0000)

// growthIncrement is the number of bytes mapped into the heap window each
// time the free list cannot satisfy a request.
const growthIncrement = mem.Size(1 * mem.Mb)

type blockHeader struct {
	size uintptr // usable bytes following this header
	free bool
	next *blockHeader
}

const headerSize = unsafe.Sizeof(blockHeader{})

var (
	lock       sync.Spinlock
	head       *blockHeader
	windowUsed uintptr

	mapFn = vmm.VmapAllocPages

	errOutOfHeap = &kernel.Error{Module: "kheap", Message: "unable to grow kernel heap: virtual address space exhausted or out of physical frames"}
)

// Init prepares the heap allocator. The heap window is grown lazily on the
// first allocation rather than eagerly reserved, so there is nothing to map
// here; Init exists to reset allocator state for tests and restarts.
func Init() {
	lock.Acquire()
	defer lock.Release()

	head = nil
	windowUsed = 0
}

// Alloc returns a pointer to a newly allocated block of at least size
// bytes, or an error if the heap could not be grown to satisfy the
// request.
func Alloc(size uintptr) (unsafe.Pointer, *kernel.Error) {
	if size == 0 {
		size = 1
	}
	// round up to a pointer-aligned size so headers that follow a block
	// stay naturally aligned too.
	size = (size + (uintptr(1)<<mem.PointerShift - 1)) &^ (uintptr(1)<<mem.PointerShift - 1)

	lock.Acquire()
	defer lock.Release()

	if blk := findFreeBlock(size); blk != nil {
		blk.free = false
		splitIfWorthwhile(blk, size)
		return unsafe.Pointer(blockData(blk)), nil
	}

	if err := grow(size); err != nil {
		return nil, err
	}

	blk := findFreeBlock(size)
	if blk == nil {
		return nil, errOutOfHeap
	}
	blk.free = false
	splitIfWorthwhile(blk, size)
	return unsafe.Pointer(blockData(blk)), nil
}

// Bounds reports the current heap window as [start, end). Used by
// kernel/debug/rsp's memory-access policy to decide whether an address GDB
// asks to read or write falls inside the heap.
func Bounds() (start, end uintptr) {
	lock.Acquire()
	defer lock.Release()

	return KheapStart, KheapStart + windowUsed
}

// Free returns a block previously returned by Alloc to the free list.
// Adjacent free blocks are coalesced to limit fragmentation.
func Free(ptr unsafe.Pointer) {
	lock.Acquire()
	defer lock.Release()

	blk := (*blockHeader)(unsafe.Pointer(uintptr(ptr) - headerSize))
	blk.free = true
	coalesce()
}

func findFreeBlock(size uintptr) *blockHeader {
	for blk := head; blk != nil; blk = blk.next {
		if blk.free && blk.size >= size {
			return blk
		}
	}
	return nil
}

// splitIfWorthwhile carves off the unused tail of blk into its own free
// block when enough room remains to make a standalone block worthwhile.
func splitIfWorthwhile(blk *blockHeader, size uintptr) {
	const minSplitRemainder = 32

	if blk.size < size+headerSize+minSplitRemainder {
		return
	}

	remainder := blk.size - size - headerSize
	newBlk := (*blockHeader)(unsafe.Pointer(uintptr(blockData(blk)) + size))
	newBlk.size = remainder
	newBlk.free = true
	newBlk.next = blk.next

	blk.size = size
	blk.next = newBlk
}

func coalesce() {
	for blk := head; blk != nil && blk.next != nil; {
		if blk.free && blk.next.free && blockData(blk)+blk.size == uintptr(unsafe.Pointer(blk.next)) {
			blk.size += headerSize + blk.next.size
			blk.next = blk.next.next
			continue
		}
		blk = blk.next
	}
}

func blockData(blk *blockHeader) uintptr {
	return uintptr(unsafe.Pointer(blk)) + headerSize
}

// grow maps at least enough additional pages to satisfy a request of size
// bytes (rounded up to growthIncrement) and appends the new space as a
// single free block at the tail of the list.
func grow(size uintptr) *kernel.Error {
	need := mem.Size(size) + mem.Size(headerSize)
	if need < growthIncrement {
		need = growthIncrement
	}
	need = (need + mem.PageSize - 1) &^ (mem.PageSize - 1)

	pageCount := uintptr(need) >> mem.PageShift
	regionStart, err := mapFn(pageCount, vmm.FlagPresent|vmm.FlagRW|vmm.FlagNoExecute)
	if err != nil {
		return errOutOfHeap
	}

	newBlk := (*blockHeader)(unsafe.Pointer(regionStart))
	newBlk.size = uintptr(need) - headerSize
	newBlk.free = true
	newBlk.next = nil

	if head == nil {
		head = newBlk
	} else {
		tail := head
		for tail.next != nil {
			tail = tail.next
		}
		tail.next = newBlk
	}

	windowUsed += uintptr(need)
	return nil
}
