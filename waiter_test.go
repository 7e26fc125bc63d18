package waitq

import (
	"testing"
	"unsafe"

	"github.com/llxisdsh/waitq/internal/opt"
)

func TestWaitNodePadding(t *testing.T) {
	var n waitNode
	if size := unsafe.Sizeof(n); size%opt.CacheLineSize_ != 0 {
		t.Errorf("waitNode size = %d, not a multiple of the cache line (%d)",
			size, opt.CacheLineSize_)
	}
}

func TestWaitQueueFIFO(t *testing.T) {
	var q waitQueue
	nodes := make([]*waitNode, 8)
	for i := range nodes {
		nodes[i] = &waitNode{}
		q.pushBack(nodes[i])
	}
	if q.count != len(nodes) {
		t.Fatalf("count = %d, want %d", q.count, len(nodes))
	}
	for i := range nodes {
		n := q.popFront()
		if n != nodes[i] {
			t.Fatalf("pop %d returned a node out of order", i)
		}
		if n.linked || n.next != nil || n.prev != nil {
			t.Fatalf("popped node still linked")
		}
	}
	if !q.empty() || q.count != 0 {
		t.Fatalf("queue not empty after draining")
	}
	if q.popFront() != nil {
		t.Fatalf("popFront on empty queue returned a node")
	}
}

func TestWaitQueueRemove(t *testing.T) {
	// Head, middle and tail removal must all keep the chain intact.
	for pos := range 3 {
		var q waitQueue
		nodes := make([]*waitNode, 3)
		for i := range nodes {
			nodes[i] = &waitNode{}
			q.pushBack(nodes[i])
		}
		if !q.remove(nodes[pos]) {
			t.Fatalf("remove(%d) = false", pos)
		}
		if q.remove(nodes[pos]) {
			t.Fatalf("second remove(%d) = true", pos)
		}
		if q.count != 2 {
			t.Fatalf("count = %d after remove(%d), want 2", q.count, pos)
		}
		for i := range nodes {
			if i == pos {
				continue
			}
			if n := q.popFront(); n != nodes[i] {
				t.Fatalf("after remove(%d): pop returned a node out of order", pos)
			}
		}
		if !q.empty() {
			t.Fatalf("queue not empty after remove(%d) and drain", pos)
		}
	}
}

func TestWaitQueuePopAll(t *testing.T) {
	var q waitQueue
	nodes := make([]*waitNode, 5)
	for i := range nodes {
		nodes[i] = &waitNode{}
		q.pushBack(nodes[i])
	}
	head, cnt := q.popAll()
	if cnt != len(nodes) {
		t.Fatalf("popAll count = %d, want %d", cnt, len(nodes))
	}
	if !q.empty() || q.count != 0 {
		t.Fatalf("queue not reset after popAll")
	}
	i := 0
	for n := head; n != nil; n = n.next {
		if n != nodes[i] {
			t.Fatalf("chain out of order at %d", i)
		}
		if n.linked {
			t.Fatalf("chained node still marked linked")
		}
		i++
	}
	if i != len(nodes) {
		t.Fatalf("chain length = %d, want %d", i, len(nodes))
	}
}

func TestDoubleLinkPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic on double pushBack")
		}
	}()
	var q waitQueue
	n := &waitNode{}
	q.pushBack(n)
	q.pushBack(n)
}

func TestRecycleLinkedNodePanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic on recycling a linked node")
		}
	}()
	var q waitQueue
	n := &waitNode{}
	q.pushBack(n)
	putNode(n)
}

func TestNodeParkGrant(t *testing.T) {
	n := getNode()
	done := make(chan bool, 1)
	go func() { done <- n.park() }()
	n.grant()
	n.sema.Release()
	if granted := <-done; !granted {
		t.Fatalf("park reported cancelled, want granted")
	}
	putNode(n)
}

func TestNodeParkCancelled(t *testing.T) {
	n := getNode()
	done := make(chan bool, 1)
	go func() { done <- n.park() }()
	// Release without grant: the park resolves as cancelled.
	n.sema.Release()
	if granted := <-done; granted {
		t.Fatalf("park reported granted, want cancelled")
	}
	putNode(n)
}

func TestRecycleBumpsTicket(t *testing.T) {
	n := getNode()
	tk := n.ticket.Load()
	putNode(n)
	m := getNode()
	if m == n && m.ticket.Load() == tk {
		t.Fatalf("recycled node kept its ticket")
	}
	putNode(m)
}
