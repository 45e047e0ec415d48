// Package simd discovers and enables the CPU's floating-point/vector save
// mechanism (XSAVE family when available, legacy FXSAVE otherwise) and
// sizes the per-thread save area the scheduler allocates for each task.
package simd

import "jotunheim/kernel/cpu"

// XCR0 feature bits.
const (
	xcr0X87 = uint64(1) << 0
	xcr0SSE = uint64(1) << 1
	xcr0YMM = uint64(1) << 2
)

// CR0 bits touched when enabling the FPU.
const (
	cr0EM = uint64(1) << 2
	cr0MP = uint64(1) << 1
	cr0NE = uint64(1) << 5
)

// CR4 bits touched when enabling SSE/XSAVE.
const (
	cr4OSFXSR     = uint64(1) << 9
	cr4OSXMMEXCPT = uint64(1) << 10
	cr4OSXSAVE    = uint64(1) << 18
)

// legacyFXSaveAreaSize is the fixed size of the FXSAVE/FXRSTOR legacy save
// image, used when XSAVE is unavailable.
const legacyFXSaveAreaSize = 512

// saveAreaAlignment is the alignment XSAVE/FXSAVE require for their save
// image.
const saveAreaAlignment = 64

// Capabilities records what the current CPU supports and the save area
// size needed for the features the kernel has chosen to enable.
type Capabilities struct {
	XSAVESupported bool
	AVXSupported   bool
	XSaveOptSupported bool
	XCR0           uint64
	SaveAreaSize   uint32
}

// SaveFunc and RestoreFunc describe the save/restore shim selected during
// Enable, used by the scheduler on every context switch.
type SaveFunc func(saveArea *byte)
type RestoreFunc func(saveArea *byte)

var (
	cpuidFn      = cpu.ID
	cpuidCountFn = cpu.IDCount
	readCR0Fn    = cpu.ReadCR0
	writeCR0Fn   = cpu.WriteCR0
	readCR4Fn    = cpu.ReadCR4
	writeCR4Fn   = cpu.WriteCR4
	xgetbvFn     = cpu.XGETBV
	xsetbvFn     = cpu.XSETBV

	caps Capabilities

	// Save/Restore are populated by Enable and are the functions the
	// scheduler's context switch path calls to preserve SIMD state across
	// tasks.
	Save    SaveFunc
	Restore RestoreFunc
)

// Probe reads CPUID leaves 1 and 0xD (subleaves 0 and 1) to determine
// XSAVE/AVX/XSAVEOPT support and the save area size (EBX of subleaf 0)
// required for the components currently enabled in XCR0, without enabling
// anything.
func Probe() Capabilities {
	_, _, ecx1, edx1 := cpuidFn(1)
	osxsave := ecx1&(1<<27) != 0
	avx := ecx1&(1<<28) != 0
	sse2 := edx1&(1<<26) != 0

	_, ebxD0, _, _ := cpuidCountFn(0xd, 0)
	eaxD1, _, _, _ := cpuidCountFn(0xd, 1)
	xsaveOpt := eaxD1&1 != 0

	return Capabilities{
		XSAVESupported:    osxsave && sse2,
		AVXSupported:      avx,
		XSaveOptSupported: xsaveOpt,
		SaveAreaSize:      ebxD0,
	}
}

// Enable turns on the FPU/SSE bits in CR0/CR4, sets XCR0 for the features
// this CPU supports (x87+SSE always, +YMM if AVX is present) when OSXSAVE
// is available, and selects the Save/Restore shim (XSAVEOPT > XSAVE >
// FXSAVE). It must run identically on the BSP and every AP.
func Enable() Capabilities {
	cr0 := readCR0Fn()
	cr0 &^= cr0EM
	cr0 |= cr0MP | cr0NE
	writeCR0Fn(cr0)

	cr4 := readCR4Fn()
	cr4 |= cr4OSFXSR | cr4OSXMMEXCPT
	writeCR4Fn(cr4)

	probed := Probe()

	if !probed.XSAVESupported {
		caps = Capabilities{SaveAreaSize: legacyFXSaveAreaSize}
		Save = fxsaveShim
		Restore = fxrstorShim
		return caps
	}

	cr4 = readCR4Fn()
	cr4 |= cr4OSXSAVE
	writeCR4Fn(cr4)

	xcr0 := xcr0X87 | xcr0SSE
	if probed.AVXSupported {
		xcr0 |= xcr0YMM
	}
	xsetbvFn(0, xcr0)

	// re-query subleaf 0 now that XCR0 is set: the reported size is
	// defined in terms of the currently enabled components.
	_, ebxD0, _, _ := cpuidCountFn(0xd, 0)

	caps = Capabilities{
		XSAVESupported:    true,
		AVXSupported:      probed.AVXSupported,
		XSaveOptSupported: probed.XSaveOptSupported,
		XCR0:              xcr0,
		SaveAreaSize:      roundUp(ebxD0, saveAreaAlignment),
	}
	if probed.XSaveOptSupported {
		Save = xsaveoptShim
	} else {
		Save = xsaveShim
	}
	Restore = xrstorShim
	return caps
}

// Current returns the capabilities recorded by the most recent call to
// Enable on this CPU.
func Current() Capabilities {
	return caps
}

func roundUp(v uint32, align uint32) uint32 {
	return (v + align - 1) &^ (align - 1)
}

func xsaveShim(saveArea *byte)    { xsaveAll(saveArea) }
func xsaveoptShim(saveArea *byte) { xsaveOptAll(saveArea) }
func xrstorShim(saveArea *byte)   { xrstorAll(saveArea) }
func fxsaveShim(saveArea *byte)   { fxsave(saveArea) }
func fxrstorShim(saveArea *byte)  { fxrstor(saveArea) }

// xsaveAll and xrstorAll save/restore every component enabled in XCR0
// using the XSAVE/XRSTOR instruction form (the EDX:EAX mask of all 1s
// selects every XCR0-enabled component).
func xsaveAll(saveArea *byte)

// xsaveOptAll is the XSAVEOPT variant of xsaveAll, used instead when the
// CPU advertises support (it skips writing components that are already
// known to be unmodified since the last restore).
func xsaveOptAll(saveArea *byte)

// xrstorAll is the XSAVE/XSAVEOPT counterpart to xsaveAll.
func xrstorAll(saveArea *byte)

// fxsave/fxrstor back the legacy path used when XSAVE is unavailable.
func fxsave(saveArea *byte)
func fxrstor(saveArea *byte)
