package waitq

import (
	"sync/atomic"
)

// Mutex is a blocking mutual-exclusion lock that owns the value it
// protects. Lock returns a guard, and the guard is the only handle to the
// value, so the data cannot be reached without holding the lock.
//
// Properties:
//   - FIFO fairness: contended acquisitions are granted in arrival order.
//   - Hand-off release: the releaser passes ownership directly to the
//     oldest waiter, which never re-races newly arriving goroutines.
//   - Waiters park in the runtime after a brief spin; a blocked Lock burns
//     no CPU and allocates nothing in steady state.
//
// The uncontended paths are a single CAS each. The zero value is an
// unlocked Mutex around the zero value of T.
//
// A Mutex must not be copied after first use.
type Mutex[T any] struct {
	_ noCopy

	// state layout: bit 0 locked, bit 1 queue bit, remaining bits count
	// blocked waiters. The locked bit is set while some goroutine owns the
	// mutex, including on a waiter's behalf during hand-off. The waiter
	// count is nonzero whenever waiters is non-empty, so a CAS from 0
	// cannot cut ahead of the queue.
	state   atomic.Uint32
	waiters waitQueue

	data T
}

const (
	muLockedBit   = 1 << 0
	muQueueBit    = 1 << 1
	muWaiterShift = 2
	muWaiterUnit  = 1 << muWaiterShift
)

// NewMutex returns a Mutex protecting value.
func NewMutex[T any](value T) *Mutex[T] {
	return &Mutex[T]{data: value}
}

// Lock acquires the mutex, blocking while another goroutine holds it, and
// returns the guard that grants access to the protected value. Release it
// with MutexGuard.Unlock.
func (m *Mutex[T]) Lock() MutexGuard[T] {
	m.lock()
	return MutexGuard[T]{m: m}
}

// TryLock attempts to acquire the mutex without blocking. It fails if the
// mutex is held or if waiters are queued, so it can never cut ahead of
// goroutines already blocked in Lock.
func (m *Mutex[T]) TryLock() (MutexGuard[T], bool) {
	if m.state.CompareAndSwap(0, muLockedBit) {
		return MutexGuard[T]{m: m}, true
	}
	return MutexGuard[T]{}, false
}

func (m *Mutex[T]) lock() {
	if !m.state.CompareAndSwap(0, muLockedBit) {
		m.lockSlow()
	}
}

func (m *Mutex[T]) lockSlow() {
	var spins int
	for {
		s := m.state.Load()
		if s&muQueueBit != 0 {
			// Queue bit holders run O(1) list surgery; wait it out.
			delay(&spins)
			continue
		}
		if s&muLockedBit == 0 {
			// Free. Hand-off keeps the locked bit set while waiters exist,
			// so a clear bit means nobody is queued ahead of us.
			if m.state.CompareAndSwap(s, s|muLockedBit) {
				return
			}
			continue
		}
		if s>>muWaiterShift == 0 && trySpin(&spins) {
			// Held but nobody queued yet: the holder may be about to
			// release, and parking costs far more than a few spins.
			continue
		}
		s = bitLock32(&m.state, muQueueBit)
		if s&muLockedBit == 0 {
			// Released while we took the queue bit; claim it under the bit.
			bitUnlock32(&m.state, muQueueBit, s|muLockedBit)
			return
		}
		n := getNode()
		m.waiters.pushBack(n)
		bitUnlock32(&m.state, muQueueBit, s+muWaiterUnit)
		n.park()
		putNode(n)
		// The releaser kept the locked bit set on our behalf.
		return
	}
}

func (m *Mutex[T]) unlock() {
	// Fast path: no waiters, queue bit clear.
	if m.state.CompareAndSwap(muLockedBit, 0) {
		return
	}
	m.unlockSlow()
}

func (m *Mutex[T]) unlockSlow() {
	var spins int
	for {
		s := m.state.Load()
		if s&muLockedBit == 0 {
			panic("waitq: unlock of unlocked Mutex")
		}
		if s&muQueueBit != 0 {
			delay(&spins)
			continue
		}
		if s>>muWaiterShift == 0 {
			if m.state.CompareAndSwap(s, s&^muLockedBit) {
				return
			}
			continue
		}
		s = bitLock32(&m.state, muQueueBit)
		n := m.waiters.popFront()
		if n == nil {
			panic("waitq: inconsistent Mutex state")
		}
		// Hand-off: the locked bit stays set on n's behalf, so its owner
		// returns from Lock already holding the mutex.
		bitUnlock32(&m.state, muQueueBit, s-muWaiterUnit)
		n.grant()
		n.sema.Handoff()
		return
	}
}

// MutexGuard is the witness that its holder owns a Mutex. It is created by
// Lock or TryLock and invalidated by Unlock; using a released guard
// panics.
//
// A guard may be handed to another goroutine, but it must be released
// exactly once.
type MutexGuard[T any] struct {
	m *Mutex[T]
}

// Value returns the protected value. The pointer is valid only until
// Unlock.
func (g *MutexGuard[T]) Value() *T {
	if g.m == nil {
		panic("waitq: Value on released MutexGuard")
	}
	return &g.m.data
}

// Unlock releases the mutex. If waiters are queued, ownership passes
// directly to the oldest one. Unlocking twice panics.
func (g *MutexGuard[T]) Unlock() {
	m := g.m
	if m == nil {
		panic("waitq: Unlock of released MutexGuard")
	}
	g.m = nil
	m.unlock()
}

// condRelease and condAcquire let Condvar suspend and resume the guard's
// lock around a wait without invalidating the guard itself.

func (g *MutexGuard[T]) condRelease() {
	if g.m == nil {
		panic("waitq: Wait on released MutexGuard")
	}
	g.m.unlock()
}

func (g *MutexGuard[T]) condAcquire() {
	g.m.lock()
}
