// Package ksync provides the kernel's lowest-level synchronization primitives: ticket
// spinlocks and their interrupt-flag save/restore variants. Everything above the page
// allocator is built on these.
//
// The machine is single-CPU, so a lock is only ever contended when a goroutine modeling an
// interrupt path races the goroutine modeling the current thread. The ticket discipline is
// kept anyway: the data structures are meant to survive an SMP port unchanged.
package ksync

import (
	"runtime"
	"sync/atomic"
)

// SpinLock is a ticket lock. Acquisition order is FIFO by ticket number. The zero value is
// an unlocked lock.
//
// Acquire and release act as memory barriers: atomic.Add and atomic.Load on the owner word
// provide the acquire/release ordering the rest of the kernel relies on.
type SpinLock struct {
	next  atomic.Uint32
	owner atomic.Uint32
}

// Lock takes a ticket and spins until it is served.
func (l *SpinLock) Lock() {
	ticket := l.next.Add(1) - 1

	for l.owner.Load() != ticket {
		// Let the holder's goroutine run; a hardware CPU would execute PAUSE here.
		runtime.Gosched()
	}
}

// TryLock acquires the lock iff no one holds or awaits it.
func (l *SpinLock) TryLock() bool {
	cur := l.owner.Load()
	return l.next.CompareAndSwap(cur, cur+1)
}

// Unlock serves the next ticket.
func (l *SpinLock) Unlock() {
	l.owner.Add(1)
}

// Held reports whether some caller currently holds the lock. It is a diagnostic, not a
// synchronization primitive.
func (l *SpinLock) Held() bool {
	return l.next.Load() != l.owner.Load()
}

// IRQState is the saved interrupt flag returned by LockIRQSave.
type IRQState bool

// The interrupt-flag controls are installed by the architecture glue at boot. The defaults
// make bare locks usable in unit tests with no machine behind them.
var (
	// IRQDisable disables interrupt delivery on the local CPU and returns the prior state.
	IRQDisable = func() IRQState { return false }

	// IRQRestore restores a state returned by IRQDisable.
	IRQRestore = func(IRQState) {}
)

// IRQLock pairs a ticket lock with interrupt-flag save/restore. It is the only lock kind
// that may be taken from interrupt context.
type IRQLock struct {
	SpinLock
}

// LockIRQSave disables interrupts, then acquires the lock. The returned state must be
// passed to UnlockIRQRestore.
func (l *IRQLock) LockIRQSave() IRQState {
	state := IRQDisable()
	l.Lock()

	return state
}

// UnlockIRQRestore releases the lock, then restores the interrupt flag.
func (l *IRQLock) UnlockIRQRestore(state IRQState) {
	l.Unlock()
	IRQRestore(state)
}
