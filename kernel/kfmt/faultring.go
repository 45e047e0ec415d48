package kfmt

import "sync/atomic"

// maxFaultCPUs bounds the number of per-CPU fault rings this kernel
// allocates statically; it must be at least as large as the SMP CPU count
// kernel/smp can bring online.
const maxFaultCPUs = 64

// faultRingSlots is the number of fault records retained per CPU before
// the oldest is overwritten.
const faultRingSlots = 16

// FaultRecord is a single logged exception: enough state for the debugger
// or a post-mortem dump to identify where and why a CPU faulted, without
// needing to go back through the original trap frame.
type FaultRecord struct {
	CPU    uint32
	Vector uint8
	Code   uint64
	RIP    uint64
	CR2    uint64
}

type faultSlot struct {
	seq uint64
	rec FaultRecord
}

// faultRing is a single-producer-per-CPU, many-consumer ring: each CPU only
// ever writes its own row, so writes need no cross-CPU synchronization
// beyond the sequence counter readers use to detect a torn read. This is
// the teacher's single-writer ringBuffer restructured for concurrent
// writers from different CPUs instead of one.
var faultRing [maxFaultCPUs][faultRingSlots]faultSlot
var faultNext [maxFaultCPUs]uint32

// RecordFault appends a fault record to cpuID's ring, overwriting its
// oldest entry once the ring has wrapped. Called only from that CPU's own
// fault handler, so no lock is needed against other writers.
func RecordFault(cpuID uint32, vector uint8, code, rip, cr2 uint64) {
	if cpuID >= maxFaultCPUs {
		return
	}

	idx := faultNext[cpuID] % faultRingSlots
	faultNext[cpuID]++
	slot := &faultRing[cpuID][idx]

	seq := atomic.LoadUint64(&slot.seq)
	atomic.StoreUint64(&slot.seq, seq|1)

	slot.rec = FaultRecord{CPU: cpuID, Vector: vector, Code: code, RIP: rip, CR2: cr2}

	atomic.StoreUint64(&slot.seq, seq+2)
}

// ReadFaults copies every currently valid fault record across all CPU
// rings into dst, returning the number written. A slot caught mid-write by
// RecordFault (an odd sequence number, or one that changes between the two
// reads below) is skipped rather than returned torn.
func ReadFaults(dst []FaultRecord) int {
	n := 0
	for cpu := range faultRing {
		for i := range faultRing[cpu] {
			slot := &faultRing[cpu][i]

			seq1 := atomic.LoadUint64(&slot.seq)
			if seq1&1 != 0 {
				continue
			}
			if seq1 == 0 {
				continue // never written
			}

			rec := slot.rec

			seq2 := atomic.LoadUint64(&slot.seq)
			if seq1 != seq2 {
				continue
			}

			if n >= len(dst) {
				return n
			}
			dst[n] = rec
			n++
		}
	}
	return n
}
