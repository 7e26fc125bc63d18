package waitq

import (
	"sync/atomic"
)

// RWLock is a blocking reader-writer lock that owns the value it protects.
// Read and Write return guards, and a guard is the only handle to the
// value.
//
// Properties:
//   - Writer-preferred: once a writer is waiting, new readers queue behind
//     it, so a continuous stream of readers cannot starve writers.
//   - Batched reader wake: a releasing writer wakes every queued reader at
//     once, since readers do not conflict with each other.
//   - Hand-off to writers: a writer receives the lock directly from the
//     releaser, in FIFO order among writers.
//   - Waiters park in the runtime; blocking burns no CPU and allocates
//     nothing in steady state.
//
// The zero value is an unlocked RWLock around the zero value of T.
// An RWLock must not be copied after first use.
type RWLock[T any] struct {
	_ noCopy

	// state layout: bit 0 writer active, bit 1 writer waiting, bit 2
	// readers waiting, bit 3 queue bit, remaining bits count active
	// readers. The waiting bits mirror queue emptiness, so the fast paths
	// can refuse to barge without touching the queues.
	state atomic.Uint64

	readers waitQueue
	writers waitQueue

	data T
}

const (
	rwWriterBit     = 1 << 0
	rwWriterWaitBit = 1 << 1
	rwReaderWaitBit = 1 << 2
	rwQueueBit      = 1 << 3
	rwReaderShift   = 4
	rwReaderUnit    = 1 << rwReaderShift
)

// NewRWLock returns an RWLock protecting value.
func NewRWLock[T any](value T) *RWLock[T] {
	return &RWLock[T]{data: value}
}

// Read acquires the lock shared, blocking while a writer holds it or is
// waiting for it. Any number of readers hold the lock at once.
func (l *RWLock[T]) Read() ReadGuard[T] {
	l.readLock()
	return ReadGuard[T]{l: l}
}

// TryRead attempts a shared acquisition without blocking. It fails if a
// writer holds the lock or is waiting for it.
func (l *RWLock[T]) TryRead() (ReadGuard[T], bool) {
	for {
		s := l.state.Load()
		if s&(rwWriterBit|rwWriterWaitBit|rwQueueBit) != 0 {
			return ReadGuard[T]{}, false
		}
		if l.state.CompareAndSwap(s, s+rwReaderUnit) {
			return ReadGuard[T]{l: l}, true
		}
	}
}

// Write acquires the lock exclusively, blocking while any reader or
// writer holds it.
func (l *RWLock[T]) Write() WriteGuard[T] {
	l.writeLock()
	return WriteGuard[T]{l: l}
}

// TryWrite attempts an exclusive acquisition without blocking.
func (l *RWLock[T]) TryWrite() (WriteGuard[T], bool) {
	if l.state.CompareAndSwap(0, rwWriterBit) {
		return WriteGuard[T]{l: l}, true
	}
	return WriteGuard[T]{}, false
}

func (l *RWLock[T]) readLock() {
	s := l.state.Load()
	if s&(rwWriterBit|rwWriterWaitBit|rwQueueBit) == 0 &&
		l.state.CompareAndSwap(s, s+rwReaderUnit) {
		return
	}
	l.readSlow()
}

func (l *RWLock[T]) readSlow() {
	var spins int
	for {
		s := l.state.Load()
		if s&rwQueueBit != 0 {
			delay(&spins)
			continue
		}
		if s&(rwWriterBit|rwWriterWaitBit) == 0 {
			if l.state.CompareAndSwap(s, s+rwReaderUnit) {
				return
			}
			continue
		}
		s = bitLock64(&l.state, rwQueueBit)
		if s&(rwWriterBit|rwWriterWaitBit) == 0 {
			// The writer left while we took the queue bit.
			bitUnlock64(&l.state, rwQueueBit, s+rwReaderUnit)
			return
		}
		n := getNode()
		l.readers.pushBack(n)
		bitUnlock64(&l.state, rwQueueBit, s|rwReaderWaitBit)
		n.park()
		putNode(n)
		// The releasing writer counted us into the reader count already.
		return
	}
}

func (l *RWLock[T]) writeLock() {
	if !l.state.CompareAndSwap(0, rwWriterBit) {
		l.writeSlow()
	}
}

func (l *RWLock[T]) writeSlow() {
	var spins int
	for {
		s := l.state.Load()
		if s&rwQueueBit != 0 {
			delay(&spins)
			continue
		}
		if s == 0 {
			if l.state.CompareAndSwap(0, rwWriterBit) {
				return
			}
			continue
		}
		s = bitLock64(&l.state, rwQueueBit)
		if s&(rwWriterBit|rwWriterWaitBit) == 0 && s>>rwReaderShift == 0 {
			// Every reader left while we took the queue bit, and no writer
			// is ahead of us.
			bitUnlock64(&l.state, rwQueueBit, s|rwWriterBit)
			return
		}
		n := getNode()
		l.writers.pushBack(n)
		bitUnlock64(&l.state, rwQueueBit, s|rwWriterWaitBit)
		n.park()
		putNode(n)
		// The releaser set the writer bit on our behalf.
		return
	}
}

func (l *RWLock[T]) readUnlock() {
	var spins int
	for {
		s := l.state.Load()
		if s>>rwReaderShift == 0 {
			panic("waitq: read unlock of unheld RWLock")
		}
		if s&rwQueueBit != 0 {
			delay(&spins)
			continue
		}
		if s>>rwReaderShift > 1 || s&rwWriterWaitBit == 0 {
			if l.state.CompareAndSwap(s, s-rwReaderUnit) {
				return
			}
			continue
		}
		// Last reader out with a writer queued: hand the lock over.
		s = bitLock64(&l.state, rwQueueBit)
		n := l.writers.popFront()
		if n == nil {
			panic("waitq: inconsistent RWLock state")
		}
		ns := (s - rwReaderUnit) | rwWriterBit
		if l.writers.empty() {
			ns &^= rwWriterWaitBit
		}
		bitUnlock64(&l.state, rwQueueBit, ns)
		n.grant()
		n.sema.Handoff()
		return
	}
}

func (l *RWLock[T]) writeUnlock() {
	// Fast path: nobody waiting.
	if l.state.CompareAndSwap(rwWriterBit, 0) {
		return
	}
	var spins int
	for {
		s := l.state.Load()
		if s&rwWriterBit == 0 {
			panic("waitq: write unlock of unheld RWLock")
		}
		if s&rwQueueBit != 0 {
			delay(&spins)
			continue
		}
		if s == rwWriterBit {
			if l.state.CompareAndSwap(s, 0) {
				return
			}
			continue
		}
		s = bitLock64(&l.state, rwQueueBit)
		if n := l.writers.popFront(); n != nil {
			// Writer-to-writer hand-off keeps queued readers shut out
			// until the last writer leaves.
			ns := s
			if l.writers.empty() {
				ns &^= rwWriterWaitBit
			}
			bitUnlock64(&l.state, rwQueueBit, ns)
			n.grant()
			n.sema.Handoff()
			return
		}
		// No writer queued: admit the whole reader cohort at once.
		batch, cnt := l.readers.popAll()
		ns := (s &^ (rwWriterBit | rwReaderWaitBit)) + rwReaderUnit*uint64(cnt)
		bitUnlock64(&l.state, rwQueueBit, ns)
		for n := batch; n != nil; {
			next := n.next
			n.next = nil
			n.grant()
			n.sema.Release()
			n = next
		}
		return
	}
}

// ReadGuard is the witness that its holder shares an RWLock with other
// readers. It is invalidated by Unlock.
type ReadGuard[T any] struct {
	l *RWLock[T]
}

// Value returns the protected value. The value must be treated as
// read-only: other readers observe it concurrently.
func (g *ReadGuard[T]) Value() *T {
	if g.l == nil {
		panic("waitq: Value on released ReadGuard")
	}
	return &g.l.data
}

// Unlock releases the shared hold. The last reader out hands the lock to
// the oldest waiting writer, if any. Unlocking twice panics.
func (g *ReadGuard[T]) Unlock() {
	l := g.l
	if l == nil {
		panic("waitq: Unlock of released ReadGuard")
	}
	g.l = nil
	l.readUnlock()
}

// WriteGuard is the witness that its holder owns an RWLock exclusively.
// It is invalidated by Unlock.
type WriteGuard[T any] struct {
	l *RWLock[T]
}

// Value returns the protected value. The pointer is valid only until
// Unlock.
func (g *WriteGuard[T]) Value() *T {
	if g.l == nil {
		panic("waitq: Value on released WriteGuard")
	}
	return &g.l.data
}

// Unlock releases the exclusive hold, handing the lock to the next writer
// or waking every queued reader. Unlocking twice panics.
func (g *WriteGuard[T]) Unlock() {
	l := g.l
	if l == nil {
		panic("waitq: Unlock of released WriteGuard")
	}
	g.l = nil
	l.writeUnlock()
}

// condRelease and condAcquire let Condvar suspend and resume the guard's
// lock around a wait. Only exclusive guards qualify: a reader that
// re-checked its predicate alongside other woken readers could observe a
// state none of them is allowed to change.

func (g *WriteGuard[T]) condRelease() {
	if g.l == nil {
		panic("waitq: Wait on released WriteGuard")
	}
	g.l.writeUnlock()
}

func (g *WriteGuard[T]) condAcquire() {
	g.l.writeLock()
}
