// Package sync provides synchronization primitives for serializing access to
// the kernel's process-wide singletons.
package sync

import "sync/atomic"

// spinsBeforeYielding defines the number of failed acquisition attempts after
// which the lock starts invoking yieldFn (when set).
const spinsBeforeYielding = 64

var (
	// TODO: point this at the task executor once tasks are allowed to block.
	yieldFn func()
)

// Spinlock implements a lock where each task trying to acquire it busy-waits
// till the lock becomes available.
type Spinlock struct {
	state uint32
}

// Acquire blocks until the lock can be acquired by the currently active task.
// Any attempt to re-acquire a lock already held by the current task will cause
// a deadlock.
func (l *Spinlock) Acquire() {
	var spins uint32
	for atomic.SwapUint32(&l.state, 1) != 0 {
		spins++
		if spins >= spinsBeforeYielding && yieldFn != nil {
			spins = 0
			yieldFn()
		}
	}
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
