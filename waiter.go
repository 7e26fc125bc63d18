package waitq

import (
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/llxisdsh/waitq/internal/opt"
)

// A waitNode is one blocked call's slot in a waitQueue. The waiting
// goroutine parks on sema; the waking side unlinks the node, sets granted,
// and releases sema, in that order, so the queue never touches a node after
// its owner has been told to resume.
//
// Nodes live on the heap and are recycled through nodePool: goroutine
// stacks move, so a stack-resident node must never be linked into a queue
// that another goroutine walks. A node is linked into at most one queue at
// a time. The linked flag is mutated only while holding the owning
// primitive's queue bit, and getNode/putNode panic on a node that is still
// linked, which turns lifetime violations into immediate faults instead of
// memory corruption.
//
// Each node is padded out to a cache line: recycled nodes from different
// waiters would otherwise share lines and turn every wake-up into false
// sharing between unrelated queues.
type waitNode struct {
	next *waitNode
	prev *waitNode

	// n is the permit count this waiter is blocked for (Semaphore only).
	n int64

	// linked is true from pushBack until popFront/popAll/remove.
	// Guarded by the owning primitive's queue bit.
	linked bool

	// granted reports why the owner woke: 1 means the resource was handed
	// over, 0 means the wait was cancelled. Written before the sema release
	// that publishes it.
	granted atomic.Uint32

	// ticket increments every time the node is recycled. A canceller holding
	// a node reference from an earlier wait re-checks the ticket under the
	// queue bit, so a stale timer can never unlink the node's next life.
	ticket atomic.Uint32

	sema opt.Sema

	_ [(opt.CacheLineSize_ - unsafe.Sizeof(struct {
		next, prev unsafe.Pointer
		n          int64
		linked     bool
		granted    uint32
		ticket     uint32
		sema       uint32
	}{})%opt.CacheLineSize_) % opt.CacheLineSize_]byte
}

// park blocks until a waking or cancelling side releases the node's sema,
// and reports whether the wait was granted rather than cancelled. The
// underlying semaphore counts, so a release that happens before park still
// wakes it.
func (n *waitNode) park() bool {
	n.sema.Acquire()
	return n.granted.Load() != 0
}

// grant marks n as woken with the resource. Call after unlinking, before
// the sema release that publishes it.
//
//go:nosplit
func (n *waitNode) grant() {
	n.granted.Store(1)
}

// nodePool recycles waitNodes so blocking allocates nothing in steady
// state.
var nodePool = sync.Pool{New: func() any { return new(waitNode) }}

func getNode() *waitNode {
	n := nodePool.Get().(*waitNode)
	if n.linked || n.next != nil || n.prev != nil {
		panic("waitq: pooled node still linked")
	}
	n.n = 0
	n.granted.Store(0)
	return n
}

// putNode recycles n after its wait has fully resolved. The ticket bump
// invalidates any cancellation callback that still holds a reference from
// the node's previous life.
func putNode(n *waitNode) {
	if n.linked {
		panic("waitq: recycling a linked node")
	}
	n.ticket.Add(1)
	nodePool.Put(n)
}

// A waitQueue is an intrusive FIFO of waitNodes embedded in a primitive's
// control block. It has no lock of its own: the owner mutates it only
// while holding the queue bit in its state word. The queue stores nothing
// but the nodes themselves, so enqueueing allocates nothing beyond the
// node.
type waitQueue struct {
	head  *waitNode
	tail  *waitNode
	count int
}

//go:nosplit
func (q *waitQueue) empty() bool {
	return q.head == nil
}

//go:nosplit
func (q *waitQueue) front() *waitNode {
	return q.head
}

// pushBack links n at the tail. n must not be linked anywhere.
func (q *waitQueue) pushBack(n *waitNode) {
	if n.linked {
		panic("waitq: node already linked")
	}
	n.linked = true
	n.prev = q.tail
	n.next = nil
	if q.tail == nil {
		q.head = n
	} else {
		q.tail.next = n
	}
	q.tail = n
	q.count++
}

// popFront unlinks and returns the oldest node, or nil.
func (q *waitQueue) popFront() *waitNode {
	n := q.head
	if n == nil {
		return nil
	}
	q.head = n.next
	if q.head == nil {
		q.tail = nil
	} else {
		q.head.prev = nil
	}
	n.next = nil
	n.prev = nil
	n.linked = false
	q.count--
	return n
}

// popAll detaches the whole chain and returns its head and length. Every
// node is marked unlinked before the queue lets go of it; the caller walks
// the chain through next, clearing each link before waking its owner.
func (q *waitQueue) popAll() (*waitNode, int) {
	n := q.head
	cnt := q.count
	q.head = nil
	q.tail = nil
	q.count = 0
	for c := n; c != nil; c = c.next {
		c.prev = nil
		c.linked = false
	}
	return n, cnt
}

// remove unlinks n if it is still queued, reporting whether it did. A
// false return means a waking side already took the node, and the caller
// must leave it alone.
func (q *waitQueue) remove(n *waitNode) bool {
	if !n.linked {
		return false
	}
	if n.prev == nil {
		q.head = n.next
	} else {
		n.prev.next = n.next
	}
	if n.next == nil {
		q.tail = n.prev
	} else {
		n.next.prev = n.prev
	}
	n.next = nil
	n.prev = nil
	n.linked = false
	q.count--
	return true
}
