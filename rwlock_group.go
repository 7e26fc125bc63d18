package waitq

import (
	"github.com/llxisdsh/pb"
)

// RWLockGroup allows shared Reader-Writer locking on arbitrary keys.
// It matches the interface of MutexGroup but supports RLock/RUnlock.
//
// Features:
//   - RLock/RUnlock for shared read access.
//   - Lock/Unlock for exclusive write access.
//   - Infinite Keys & Auto-Cleanup.
//   - Writer-preferred per key: each key's lock is an RWLock, so a stream
//     of readers cannot starve a writer on the same key.
//
// Usage:
//
//	var group RWLockGroup[string]
//
//	// Readers
//	group.RLock("config")
//	read(config)
//	group.RUnlock("config")
//
//	// Writer
//	group.Lock("config")
//	write(config)
//	group.Unlock("config")
type RWLockGroup[K comparable] struct {
	_ noCopy
	m pb.MapOf[K, *rwLockGroupEntry]
}

type rwLockGroupEntry struct {
	mu  RWLock[struct{}]
	ref int32
}

func (g *RWLockGroup[K]) acquireEntry(k K) *rwLockGroupEntry {
	var e *rwLockGroupEntry
	g.m.ProcessEntry(
		k,
		func(l *pb.EntryOf[K, *rwLockGroupEntry]) (*pb.EntryOf[K, *rwLockGroupEntry], *rwLockGroupEntry, bool) {
			if l != nil {
				e = l.Value
				e.ref++
				return l, e, true
			}
			e = &rwLockGroupEntry{ref: 1}
			return &pb.EntryOf[K, *rwLockGroupEntry]{Value: e}, e, false
		},
	)
	return e
}

func (g *RWLockGroup[K]) releaseEntry(k K) {
	g.m.ProcessEntry(
		k,
		func(l *pb.EntryOf[K, *rwLockGroupEntry]) (*pb.EntryOf[K, *rwLockGroupEntry], *rwLockGroupEntry, bool) {
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

// Lock acquires the write lock for k.
func (g *RWLockGroup[K]) Lock(k K) {
	g.acquireEntry(k).mu.writeLock()
}

// Unlock releases the write lock for k. Unlocking a key that was never
// locked is a no-op.
func (g *RWLockGroup[K]) Unlock(k K) {
	e, ok := g.m.Load(k)
	if !ok {
		return
	}
	e.mu.writeUnlock()
	g.releaseEntry(k)
}

// RLock acquires a read lock for k.
func (g *RWLockGroup[K]) RLock(k K) {
	g.acquireEntry(k).mu.readLock()
}

// RUnlock releases a read lock for k.
func (g *RWLockGroup[K]) RUnlock(k K) {
	e, ok := g.m.Load(k)
	if !ok {
		return
	}
	e.mu.readUnlock()
	g.releaseEntry(k)
}
