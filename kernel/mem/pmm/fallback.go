package pmm

import (
	"jotunheim/kernel"
	"jotunheim/kernel/bootinfo"
	"jotunheim/kernel/mem"
	"jotunheim/kernel/sync"
)

const maxRegions = bootinfo.MaxMemoryRegions

var (
	fbLock     sync.Spinlock
	regions    [maxRegions]bootinfo.MemoryRegion
	regionCnt  int
	walkRegion int
	walkNext   uintptr

	errOutOfMemory = &kernel.Error{Module: "pmm", Message: "out of physical memory"}
)

// Init records the usable memory regions from the BootInfo memory map,
// used by AllocFrame once the early bump pool (see bump.go) is exhausted.
// It must be called once, after the reservation table has been populated
// via ReserveBootInfoRanges.
func Init(bi *bootinfo.BootInfo) {
	fbLock.Acquire()
	defer fbLock.Release()

	regionCnt = 0
	for _, r := range bi.Regions() {
		if r.Type != bootinfo.MemoryRegionUsable {
			continue
		}
		if regionCnt == maxRegions {
			break
		}
		regions[regionCnt] = r
		regionCnt++
	}

	walkRegion = 0
	if regionCnt > 0 {
		walkNext = uintptr(regions[0].PhysStart)
	}
}

// AllocFrame returns the next available physical frame. It first drains
// the tiny early bump pool (bump.go), then falls back to walking the
// BootInfo-derived memory map forward, skipping any range marked reserved
// via Reserve.
func AllocFrame() (Frame, *kernel.Error) {
	if f, err := allocBumpFrame(); err == nil {
		return f, nil
	}

	fbLock.Acquire()
	defer fbLock.Release()

	for walkRegion < regionCnt {
		region := regions[walkRegion]
		regionEnd := uintptr(region.End())

		for walkNext+uintptr(mem.PageSize) <= regionEnd {
			frameStart := walkNext
			walkNext += uintptr(mem.PageSize)

			if IsReserved(frameStart, frameStart+uintptr(mem.PageSize)) {
				continue
			}

			return FrameFromAddress(frameStart), nil
		}

		walkRegion++
		if walkRegion < regionCnt {
			walkNext = uintptr(regions[walkRegion].PhysStart)
		}
	}

	return InvalidFrame, errOutOfMemory
}

// AllocFrameLow32 behaves like AllocFrame but only ever returns a frame
// located entirely below the 4GiB boundary, reserving it immediately.
// Used for the handful of allocations that must be addressable by
// real-mode-adjacent structures (the AP trampoline and its boot data
// block).
func AllocFrameLow32() (Frame, *kernel.Error) {
	fbLock.Acquire()
	defer fbLock.Release()

	for i := 0; i < regionCnt; i++ {
		region := regions[i]
		if region.End() > 0x1_0000_0000 {
			continue
		}

		for addr := uintptr(region.PhysStart); addr+uintptr(mem.PageSize) <= uintptr(region.End()); addr += uintptr(mem.PageSize) {
			if IsReserved(addr, addr+uintptr(mem.PageSize)) {
				continue
			}

			if err := Reserve(addr, addr+uintptr(mem.PageSize), ResvFirmware); err != nil {
				return InvalidFrame, err
			}

			return FrameFromAddress(addr), nil
		}
	}

	return InvalidFrame, errOutOfMemory
}
