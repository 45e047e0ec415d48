package pmm

import (
	"jotunheim/kernel"
	"jotunheim/kernel/mem"
	"sync/atomic"
)

var (
	bumpNext uint64
	bumpEnd  uint64

	errEarlyPoolExhausted = &kernel.Error{Module: "pmm", Message: "early bump pool exhausted"}
)

// SeedBumpPool seeds the tiny early frame pool used before the full
// BootInfo memory map has been registered via Init. It exists so the very
// first few frame allocations performed while still parsing BootInfo (the
// reservation table, the kernel heap's first pages) have somewhere to come
// from without depending on initialization order.
func SeedBumpPool(startPhys, endPhys uintptr) {
	atomic.StoreUint64(&bumpNext, uint64(startPhys))
	atomic.StoreUint64(&bumpEnd, uint64(endPhys))
}

// allocBumpFrame attempts to satisfy an allocation from the early bump
// pool using a lock-free compare-and-swap; the pool is only ever touched
// by the boot CPU before SMP bring-up so contention is not a concern.
func allocBumpFrame() (Frame, *kernel.Error) {
	for {
		cur := atomic.LoadUint64(&bumpNext)
		end := atomic.LoadUint64(&bumpEnd)
		if cur == 0 || cur+uint64(mem.PageSize) > end {
			return InvalidFrame, errEarlyPoolExhausted
		}

		if atomic.CompareAndSwapUint64(&bumpNext, cur, cur+uint64(mem.PageSize)) {
			return FrameFromAddress(uintptr(cur)), nil
		}
	}
}
