// Package sync provides the kernel's spinlock synchronization primitive.
package sync

import "sync/atomic"

var (
	// yieldFn is wired to sched.Yield by kernel/sched's Init. sync cannot
	// import sched directly: sched's own Spinlock use would create an
	// import cycle.
	yieldFn func()
)

// SetYieldFunc wires this package's spin-contention yield hook to the
// scheduler's cooperative yield. Called once during kernel/sched
// initialization.
func SetYieldFunc(fn func()) {
	yieldFn = fn
}

// Spinlock implements a lock where each task trying to acquire it busy-waits
// till the lock becomes available.
type Spinlock struct {
	state uint32
}

// Acquire blocks until the lock can be acquired by the currently active task.
// Any attempt to re-acquire a lock already held by the current task will cause
// a deadlock.
func (l *Spinlock) Acquire() {
	archAcquireSpinlock(&l.state, 1)
}

// TryToAcquire attempts to acquire the lock and returns true if the lock could
// be acquired or false otherwise.
func (l *Spinlock) TryToAcquire() bool {
	return atomic.SwapUint32(&l.state, 1) == 0
}

// Release relinquishes a held lock allowing other tasks to acquire it. Calling
// Release while the lock is free has no effect.
func (l *Spinlock) Release() {
	atomic.StoreUint32(&l.state, 0)
}

// archAcquireSpinlock is an arch-specific implementation for acquiring the lock.
func archAcquireSpinlock(state *uint32, attemptsBeforeYielding uint32)
