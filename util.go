package waitq

import (
	"sync/atomic"
	"time"
	_ "unsafe" // for linkname
)

// noCopy may be added to structs which must not be copied
// after the first use.
//
// See https://golang.org/issues/8005#issuecomment-190753527
// for details.
//
// Note that it must not be embedded, due to the Lock and Unlock methods.
type noCopy struct{}

// Lock is a no-op used by -copylocks checker from `go vet`.
func (*noCopy) Lock()   {}
func (*noCopy) Unlock() {}

func trySpin(spins *int) bool {
	if runtime_canSpin(*spins) {
		*spins++
		runtime_doSpin()
		return true
	}
	return false
}

func delay(spins *int) {
	if trySpin(spins) {
		return
	}
	*spins = 0
	// time.Sleep with non-zero duration (≈Millisecond level) works
	// effectively as backoff under high concurrency.
	// The 500µs duration is derived from Facebook/folly's implementation:
	// https://github.com/facebook/folly/blob/main/folly/synchronization/detail/Sleeper.h
	time.Sleep(500 * time.Microsecond)
	//runtime.Gosched()
}

// nolint:all
//
//go:linkname runtime_canSpin sync.runtime_canSpin
//goland:noinspection ALL
func runtime_canSpin(i int) bool

// nolint:all
//
//go:linkname runtime_doSpin sync.runtime_doSpin
//goland:noinspection ALL
func runtime_doSpin()

// bitLock32 acquires the lock bit identified by mask inside a state word.
// It assumes the bit is held if (state & mask) != 0 and spins until it can
// be set, then returns the word value with the bit set. While the bit is
// held, every other mutation of the word CASes against a snapshot with the
// bit clear and therefore fails, so fields guarded by the bit may be
// accessed freely.
func bitLock32(w *atomic.Uint32, mask uint32) uint32 {
	cur := w.Load()
	if cur&mask == 0 && w.CompareAndSwap(cur, cur|mask) {
		return cur | mask
	}
	return bitLockSlow32(w, mask)
}

func bitLockSlow32(w *atomic.Uint32, mask uint32) uint32 {
	var spins int
	for {
		cur := w.Load()
		if cur&mask != 0 {
			delay(&spins)
			continue
		}
		if w.CompareAndSwap(cur, cur|mask) {
			return cur | mask
		}
	}
}

// bitUnlock32 releases the lock bit and publishes val in the same atomic
// store, effectively clearing the lock bit while storing new data in the
// other bits.
//
//go:nosplit
func bitUnlock32(w *atomic.Uint32, mask uint32, val uint32) {
	w.Store(val &^ mask)
}

// bitLock64 is bitLock32 for 64-bit state words.
func bitLock64(w *atomic.Uint64, mask uint64) uint64 {
	cur := w.Load()
	if cur&mask == 0 && w.CompareAndSwap(cur, cur|mask) {
		return cur | mask
	}
	return bitLockSlow64(w, mask)
}

func bitLockSlow64(w *atomic.Uint64, mask uint64) uint64 {
	var spins int
	for {
		cur := w.Load()
		if cur&mask != 0 {
			delay(&spins)
			continue
		}
		if w.CompareAndSwap(cur, cur|mask) {
			return cur | mask
		}
	}
}

// bitUnlock64 releases the lock bit and publishes val in the same atomic
// store.
//
//go:nosplit
func bitUnlock64(w *atomic.Uint64, mask uint64, val uint64) {
	w.Store(val &^ mask)
}
