package waitq

// barrierGen is the state a Barrier guards: arrivals in the current cycle,
// and the cycle number that keeps late risers from crossing into the next
// round.
type barrierGen struct {
	arrived int
	gen     uint64
}

// Barrier blocks a fixed-size party of goroutines until all of them have
// arrived, then releases the whole party at once and resets itself for the
// next cycle.
//
// Exactly one caller per cycle observes true from Wait, the last one to
// arrive, which is convenient for once-per-round work such as swapping
// buffers between phases.
//
// Built entirely from Mutex and Condvar.
type Barrier struct {
	_    noCopy
	n    int
	lock Mutex[barrierGen]
	cond Condvar
}

// NewBarrier creates a Barrier for a party of n goroutines.
// Panics if n <= 0.
func NewBarrier(n int) *Barrier {
	if n <= 0 {
		panic("waitq: barrier party must be positive")
	}
	return &Barrier{n: n}
}

// Wait blocks until n goroutines have called Wait, releases them all, and
// reports whether the caller was the last to arrive. The barrier is
// immediately reusable: arrivals for the next cycle queue up without
// mixing into the finishing one.
func (b *Barrier) Wait() bool {
	g := b.lock.Lock()
	st := g.Value()
	gen := st.gen
	st.arrived++
	if st.arrived < b.n {
		for gen == st.gen {
			b.cond.Wait(&g)
		}
		g.Unlock()
		return false
	}
	st.arrived = 0
	st.gen++
	b.cond.NotifyAll()
	g.Unlock()
	return true
}
