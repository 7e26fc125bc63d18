package waitq

import (
	"sync/atomic"
	"time"
	"unsafe"
)

// Guard is the contract Condvar needs from a lock guard: give the lock up
// after the waiter is queued and take it back before the wait returns. It
// is satisfied by *MutexGuard and *WriteGuard. Read guards do not qualify;
// see WriteGuard.condRelease.
type Guard interface {
	condRelease()
	condAcquire()
}

// Condvar is a condition variable for waiting until shared state, guarded
// by a Mutex or RWLock, satisfies a predicate.
//
// Unlike sync.Cond, a Condvar is not bound to one lock at construction:
// the guard is passed per call, so one Condvar can serve related
// conditions behind different locks, as long as concurrent waiters use
// the same lock to guard the same condition.
//
// A waiter is queued before its lock is released, so a notification from
// any goroutine that acquires that same lock afterwards cannot slip
// between the release and the park. Waits can also be bounded with
// WaitTimeout; notifications are never lost to a concurrent timeout,
// exactly one side claims the waiter.
//
// Wake-ups are FIFO. As with every condition variable, a woken waiter
// must re-check its predicate; WaitWhile does the loop for callers.
//
// The zero value is ready to use. A Condvar must not be copied after
// first use. Size: 40 bytes.
type Condvar struct {
	_       noCopy
	checker copyChecker
	state   atomic.Uint32
	q       waitQueue
}

const (
	cvQueueBit    = 1 << 0
	cvWaiterShift = 1
	cvWaiterUnit  = 1 << cvWaiterShift
)

// Wait atomically queues the calling goroutine, releases the guard's lock,
// and parks until NotifyOne or NotifyAll wakes it, then re-acquires the
// lock before returning. The guard must be held on entry and remains valid
// throughout; its Unlock must not be called while Wait runs.
//
// Because the condition may already have changed again by the time the
// lock is re-acquired, callers wait in a predicate loop:
//
//	g := mu.Lock()
//	for !ready(g.Value()) {
//	    cv.Wait(&g)
//	}
func (c *Condvar) Wait(g Guard) {
	c.checker.check()
	n := getNode()
	c.enqueue(n)
	g.condRelease()
	n.park()
	putNode(n)
	g.condAcquire()
}

// WaitWhile waits as long as cond keeps returning true. cond is evaluated
// with the guard's lock held, first before any wait, so a condition that
// already fails returns immediately.
func (c *Condvar) WaitWhile(g Guard, cond func() bool) {
	for cond() {
		c.Wait(g)
	}
}

// WaitTimeout is Wait bounded by a duration. It reports whether the waiter
// was notified: false means the timeout elapsed first. The lock is
// re-acquired before returning either way, and the predicate still needs
// re-checking, a notification may have been consumed by the condition
// changing again.
func (c *Condvar) WaitTimeout(g Guard, d time.Duration) bool {
	c.checker.check()
	n := getNode()
	tk := n.ticket.Load()
	c.enqueue(n)
	t := time.AfterFunc(d, func() { c.cancel(n, tk) })
	g.condRelease()
	notified := n.park()
	t.Stop()
	putNode(n)
	g.condAcquire()
	return notified
}

// WaitTimeoutWhile waits while cond returns true, giving the whole loop at
// most d to finish. It reports whether the condition turned false before
// the deadline.
func (c *Condvar) WaitTimeoutWhile(g Guard, d time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(d)
	for cond() {
		remain := time.Until(deadline)
		if remain <= 0 {
			return false
		}
		c.WaitTimeout(g, remain)
	}
	return true
}

// NotifyOne wakes the oldest waiter, if any. Calling it while holding the
// lock the waiters used guarantees the wake-up is not lost; calling it
// unlocked is allowed but can race a waiter that has not queued yet.
func (c *Condvar) NotifyOne() {
	c.checker.check()
	if c.state.Load()>>cvWaiterShift == 0 {
		return
	}
	s := bitLock32(&c.state, cvQueueBit)
	n := c.q.popFront()
	ns := s
	if n != nil {
		ns -= cvWaiterUnit
	}
	bitUnlock32(&c.state, cvQueueBit, ns)
	if n != nil {
		n.grant()
		n.sema.Release()
	}
}

// NotifyAll wakes every current waiter.
func (c *Condvar) NotifyAll() {
	c.checker.check()
	if c.state.Load()>>cvWaiterShift == 0 {
		return
	}
	s := bitLock32(&c.state, cvQueueBit)
	batch, cnt := c.q.popAll()
	bitUnlock32(&c.state, cvQueueBit, s-uint32(cnt)*cvWaiterUnit)
	for n := batch; n != nil; {
		next := n.next
		n.next = nil
		n.grant()
		n.sema.Release()
		n = next
	}
}

func (c *Condvar) enqueue(n *waitNode) {
	s := bitLock32(&c.state, cvQueueBit)
	c.q.pushBack(n)
	bitUnlock32(&c.state, cvQueueBit, s+cvWaiterUnit)
}

// cancel runs on the timer goroutine when a WaitTimeout expires.
func (c *Condvar) cancel(n *waitNode, ticket uint32) {
	s := bitLock32(&c.state, cvQueueBit)
	// The ticket pins the node's identity: a changed ticket means the wait
	// resolved and the node was recycled. A matching ticket means its
	// owner is still parked here, so linked cannot change under us.
	if n.ticket.Load() != ticket || !n.linked {
		bitUnlock32(&c.state, cvQueueBit, s)
		return
	}
	c.q.remove(n)
	bitUnlock32(&c.state, cvQueueBit, s-cvWaiterUnit)
	// granted stays 0: the owner wakes empty-handed.
	n.sema.Release()
}

// copyChecker holds a back pointer to itself to detect object copying.
type copyChecker uintptr

func (c *copyChecker) check() {
	// Fast path: initialized and matching. Otherwise initialize with a
	// CAS; if that loses, compare again to tell a lost race from a copy.
	if uintptr(*c) != uintptr(unsafe.Pointer(c)) &&
		!atomic.CompareAndSwapUintptr((*uintptr)(c), 0, uintptr(unsafe.Pointer(c))) &&
		uintptr(*c) != uintptr(unsafe.Pointer(c)) {
		panic("waitq: Condvar is copied")
	}
}
