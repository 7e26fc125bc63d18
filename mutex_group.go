package waitq

import (
	"github.com/llxisdsh/pb"
)

// MutexGroup allows exclusive locking on arbitrary keys (string, int,
// struct, etc.). It dynamically manages a lock per key in use.
//
// Features:
//   - Infinite Keys: No need to pre-allocate locks.
//   - Auto-Cleanup: A key's lock is removed from memory when it is
//     released and no one else holds or waits for it.
//   - FIFO per key: each key's lock is a Mutex and inherits its fairness.
//
// Usage:
//
//	var group MutexGroup[string]
//	group.Lock("user-123")
//	// Critical section for user-123
//	group.Unlock("user-123")
//
// Implementation Note:
// It uses reference counting to safely delete entries; the count covers
// holders and waiters alike.
type MutexGroup[K comparable] struct {
	_ noCopy
	m pb.MapOf[K, *mutexGroupEntry]
}

type mutexGroupEntry struct {
	mu  Mutex[struct{}]
	ref int32
}

// Lock acquires the lock for k, blocking while another goroutine holds it.
func (g *MutexGroup[K]) Lock(k K) {
	var e *mutexGroupEntry
	g.m.ProcessEntry(
		k,
		func(l *pb.EntryOf[K, *mutexGroupEntry]) (*pb.EntryOf[K, *mutexGroupEntry], *mutexGroupEntry, bool) {
			if l != nil {
				e = l.Value
				e.ref++
				return l, e, true
			}
			e = &mutexGroupEntry{ref: 1}
			return &pb.EntryOf[K, *mutexGroupEntry]{Value: e}, e, false
		},
	)
	e.mu.lock()
}

// Unlock releases the lock for k, handing it to the oldest waiter if one
// is queued, and deletes the entry once nobody references it. Unlocking a
// key that was never locked is a no-op.
func (g *MutexGroup[K]) Unlock(k K) {
	e, ok := g.m.Load(k)
	if !ok {
		return
	}
	e.mu.unlock()

	g.m.ProcessEntry(
		k,
		func(l *pb.EntryOf[K, *mutexGroupEntry]) (*pb.EntryOf[K, *mutexGroupEntry], *mutexGroupEntry, bool) {
			if l == nil {
				return nil, nil, false
			}
			l.Value.ref--
			if l.Value.ref <= 0 {
				return nil, nil, true
			}
			return l, nil, false
		},
	)
}
