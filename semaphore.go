package waitq

import (
	"sync/atomic"
)

// Semaphore is a counting semaphore that guarantees FIFO order.
//
// Throughput-oriented semaphores (like golang.org/x/sync/semaphore)
// generally allow barging, where new arrivals steal permits from parked
// waiters; under a steady stream of small requests a large one can starve.
// Semaphore instead assigns permits strictly in arrival order: Release
// debits the oldest waiter's request on its behalf before waking it, and
// Acquire never overtakes a non-empty queue.
//
// The zero value starts with no permits; Release adds them. A Semaphore
// must not be copied after first use. Size: 40 bytes.
type Semaphore struct {
	_ noCopy

	// state carries only the queue bit; permits and q are guarded by it.
	state   atomic.Uint32
	permits int64
	q       waitQueue
}

const semQueueBit = 1 << 0

// NewSemaphore creates a Semaphore with a given number of initial permits.
func NewSemaphore(permits int64) *Semaphore {
	return &Semaphore{permits: permits}
}

// Acquire takes n permits, blocking until they are available and every
// earlier waiter has been served. Acquiring n <= 0 returns immediately.
func (s *Semaphore) Acquire(n int64) {
	if n <= 0 {
		return
	}
	st := bitLock32(&s.state, semQueueBit)
	if s.q.empty() && s.permits >= n {
		s.permits -= n
		bitUnlock32(&s.state, semQueueBit, st)
		return
	}
	w := getNode()
	w.n = n
	s.q.pushBack(w)
	bitUnlock32(&s.state, semQueueBit, st)
	w.park()
	putNode(w)
	// Release debited our request before waking us.
}

// TryAcquire takes n permits only if they are immediately available and no
// waiter is queued ahead, and reports whether it took them.
func (s *Semaphore) TryAcquire(n int64) bool {
	if n <= 0 {
		return true
	}
	st := bitLock32(&s.state, semQueueBit)
	ok := s.q.empty() && s.permits >= n
	if ok {
		s.permits -= n
	}
	bitUnlock32(&s.state, semQueueBit, st)
	return ok
}

// Release returns n permits and wakes every leading waiter whose request
// is now covered. Waiters are served strictly front to back: a large
// request at the head holds back smaller ones behind it until it can be
// satisfied.
func (s *Semaphore) Release(n int64) {
	if n <= 0 {
		return
	}
	st := bitLock32(&s.state, semQueueBit)
	s.permits += n
	var head, tail *waitNode
	for {
		w := s.q.front()
		if w == nil || s.permits < w.n {
			break
		}
		s.q.popFront()
		s.permits -= w.n
		if tail == nil {
			head = w
		} else {
			tail.next = w
		}
		tail = w
	}
	bitUnlock32(&s.state, semQueueBit, st)
	// Wake outside the critical section, oldest first.
	for w := head; w != nil; {
		next := w.next
		w.next = nil
		w.grant()
		w.sema.Release()
		w = next
	}
}
