package kfmt

import "testing"

func resetFaultRing() {
	faultRing = [maxFaultCPUs][faultRingSlots]faultSlot{}
	faultNext = [maxFaultCPUs]uint32{}
}

func TestRecordFaultRoundTrips(t *testing.T) {
	resetFaultRing()

	RecordFault(0, 0x0e, 0x4, 0xffff8000_00001000, 0xdead_beef)

	var out [1]FaultRecord
	n := ReadFaults(out[:])
	if n != 1 {
		t.Fatalf("expected 1 fault record; got %d", n)
	}
	if out[0].CPU != 0 || out[0].Vector != 0x0e || out[0].Code != 0x4 {
		t.Fatalf("unexpected record contents: %+v", out[0])
	}
}

func TestReadFaultsStopsAtDestinationCapacity(t *testing.T) {
	resetFaultRing()

	for i := 0; i < faultRingSlots; i++ {
		RecordFault(1, 0x0d, uint64(i), 0, 0)
	}

	var out [3]FaultRecord
	n := ReadFaults(out[:])
	if n != len(out) {
		t.Fatalf("expected ReadFaults to fill the destination slice (%d); got %d", len(out), n)
	}
}

func TestRecordFaultWrapsAfterRingFills(t *testing.T) {
	resetFaultRing()

	for i := 0; i < faultRingSlots+1; i++ {
		RecordFault(2, 0x0e, uint64(i), 0, 0)
	}

	out := make([]FaultRecord, faultRingSlots*2)
	n := ReadFaults(out)
	if n != faultRingSlots {
		t.Fatalf("expected the ring to cap at %d entries after wrapping; got %d", faultRingSlots, n)
	}

	for _, rec := range out[:n] {
		if rec.Code == 0 {
			t.Fatalf("expected the oldest record (code 0) to have been overwritten")
		}
	}
}

func TestRecordFaultIgnoresOutOfRangeCPU(t *testing.T) {
	resetFaultRing()

	RecordFault(maxFaultCPUs, 0x0e, 1, 0, 0)

	var out [1]FaultRecord
	if n := ReadFaults(out[:]); n != 0 {
		t.Fatalf("expected an out-of-range CPU ID to be silently dropped; got %d records", n)
	}
}
