package simd

import "testing"

func withMockedCPUID(t *testing.T, idFn func(uint32) (uint32, uint32, uint32, uint32), idCountFn func(uint32, uint32) (uint32, uint32, uint32, uint32)) {
	t.Helper()
	origID, origIDCount := cpuidFn, cpuidCountFn
	cpuidFn = idFn
	cpuidCountFn = idCountFn
	t.Cleanup(func() {
		cpuidFn = origID
		cpuidCountFn = origIDCount
	})
}

func TestProbeDetectsXSAVEAndAVXSupport(t *testing.T) {
	withMockedCPUID(t,
		func(leaf uint32) (uint32, uint32, uint32, uint32) {
			if leaf == 1 {
				return 0, 0, 1<<27 | 1<<28, 1 << 26
			}
			return 0, 0, 0, 0
		},
		func(leaf, subleaf uint32) (uint32, uint32, uint32, uint32) {
			if leaf == 0xd && subleaf == 0 {
				return 0, 832, 0, 0
			}
			if leaf == 0xd && subleaf == 1 {
				return 1, 0, 0, 0
			}
			return 0, 0, 0, 0
		},
	)

	caps := Probe()
	if !caps.XSAVESupported {
		t.Error("expected XSAVE to be reported supported")
	}
	if !caps.AVXSupported {
		t.Error("expected AVX to be reported supported")
	}
	if !caps.XSaveOptSupported {
		t.Error("expected XSAVEOPT to be reported supported")
	}
	if caps.SaveAreaSize != 832 {
		t.Errorf("expected save area size 832; got %d", caps.SaveAreaSize)
	}
}

func TestProbeReportsNoXSAVEWithoutOSXSAVE(t *testing.T) {
	withMockedCPUID(t,
		func(leaf uint32) (uint32, uint32, uint32, uint32) {
			if leaf == 1 {
				return 0, 0, 0, 1 << 26
			}
			return 0, 0, 0, 0
		},
		func(leaf, subleaf uint32) (uint32, uint32, uint32, uint32) { return 0, 0, 0, 0 },
	)

	if caps := Probe(); caps.XSAVESupported {
		t.Fatal("expected XSAVE to be reported unsupported when OSXSAVE is clear")
	}
}

func TestEnableSelectsFXSAVEShimWhenXSAVEUnsupported(t *testing.T) {
	withMockedCPUID(t,
		func(leaf uint32) (uint32, uint32, uint32, uint32) { return 0, 0, 0, 0 },
		func(leaf, subleaf uint32) (uint32, uint32, uint32, uint32) { return 0, 0, 0, 0 },
	)
	defer func(origR0 func() uint64, origW0 func(uint64), origR4 func() uint64, origW4 func(uint64), origSetbv func(uint32, uint64)) {
		readCR0Fn, writeCR0Fn, readCR4Fn, writeCR4Fn, xsetbvFn = origR0, origW0, origR4, origW4, origSetbv
	}(readCR0Fn, writeCR0Fn, readCR4Fn, writeCR4Fn, xsetbvFn)

	readCR0Fn = func() uint64 { return cr0EM }
	writeCR0Fn = func(uint64) {}
	readCR4Fn = func() uint64 { return 0 }
	writeCR4Fn = func(uint64) {}
	setbvCalled := false
	xsetbvFn = func(uint32, uint64) { setbvCalled = true }

	caps := Enable()

	if caps.XSAVESupported {
		t.Fatal("expected XSAVE to be disabled when the CPU does not support it")
	}
	if caps.SaveAreaSize != legacyFXSaveAreaSize {
		t.Errorf("expected legacy save area size %d; got %d", legacyFXSaveAreaSize, caps.SaveAreaSize)
	}
	if setbvCalled {
		t.Fatal("did not expect XSETBV to be called when falling back to FXSAVE")
	}
}

func TestEnableSetsXCR0ToX87SSEAndYMMWhenAVXSupported(t *testing.T) {
	withMockedCPUID(t,
		func(leaf uint32) (uint32, uint32, uint32, uint32) {
			if leaf == 1 {
				return 0, 0, 1<<27 | 1<<28, 1 << 26
			}
			return 0, 0, 0, 0
		},
		func(leaf, subleaf uint32) (uint32, uint32, uint32, uint32) {
			if leaf == 0xd {
				return 0, 832, 0, 0
			}
			return 0, 0, 0, 0
		},
	)
	defer func(origR0 func() uint64, origW0 func(uint64), origR4 func() uint64, origW4 func(uint64), origSetbv func(uint32, uint64)) {
		readCR0Fn, writeCR0Fn, readCR4Fn, writeCR4Fn, xsetbvFn = origR0, origW0, origR4, origW4, origSetbv
	}(readCR0Fn, writeCR0Fn, readCR4Fn, writeCR4Fn, xsetbvFn)

	readCR0Fn = func() uint64 { return cr0EM }
	writeCR0Fn = func(uint64) {}
	readCR4Fn = func() uint64 { return 0 }
	writeCR4Fn = func(uint64) {}

	var gotXCR0 uint64
	xsetbvFn = func(idx uint32, val uint64) { gotXCR0 = val }

	caps := Enable()

	wantXCR0 := xcr0X87 | xcr0SSE | xcr0YMM
	if gotXCR0 != wantXCR0 {
		t.Errorf("expected XCR0 0x%x; got 0x%x", wantXCR0, gotXCR0)
	}
	if caps.XCR0 != wantXCR0 {
		t.Errorf("expected reported XCR0 0x%x; got 0x%x", wantXCR0, caps.XCR0)
	}
	if caps.SaveAreaSize != roundUp(832, saveAreaAlignment) {
		t.Errorf("expected rounded save area size %d; got %d", roundUp(832, saveAreaAlignment), caps.SaveAreaSize)
	}
}

func TestEnableClearsEMAndSetsMPNEInCR0(t *testing.T) {
	withMockedCPUID(t,
		func(leaf uint32) (uint32, uint32, uint32, uint32) { return 0, 0, 0, 0 },
		func(leaf, subleaf uint32) (uint32, uint32, uint32, uint32) { return 0, 0, 0, 0 },
	)
	defer func(origR0 func() uint64, origW0 func(uint64), origR4 func() uint64, origW4 func(uint64)) {
		readCR0Fn, writeCR0Fn, readCR4Fn, writeCR4Fn = origR0, origW0, origR4, origW4
	}(readCR0Fn, writeCR0Fn, readCR4Fn, writeCR4Fn)

	readCR0Fn = func() uint64 { return cr0EM }
	var gotCR0 uint64
	writeCR0Fn = func(v uint64) { gotCR0 = v }
	readCR4Fn = func() uint64 { return 0 }
	writeCR4Fn = func(uint64) {}

	Enable()

	if gotCR0&cr0EM != 0 {
		t.Error("expected CR0.EM to be cleared")
	}
	if gotCR0&cr0MP == 0 || gotCR0&cr0NE == 0 {
		t.Error("expected CR0.MP and CR0.NE to be set")
	}
}

func TestRoundUpAlignsToBoundary(t *testing.T) {
	if got := roundUp(832, 64); got != 832 {
		t.Errorf("expected already-aligned value to pass through; got %d", got)
	}
	if got := roundUp(833, 64); got != 896 {
		t.Errorf("expected 833 to round up to 896; got %d", got)
	}
}
