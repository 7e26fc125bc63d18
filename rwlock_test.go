package waitq

import (
	"errors"
	"runtime"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"
)

func TestRWLock_Basic(t *testing.T) {
	var rw RWLock[int]
	wg := rw.Write()
	*wg.Value() = 1
	wg.Unlock()

	rg := rw.Read()
	if *rg.Value() != 1 {
		t.Fatalf("value = %d, want 1", *rg.Value())
	}
	rg.Unlock()
}

func TestRWLock_New(t *testing.T) {
	l := NewRWLock(map[string]int{"a": 1})
	rg := l.Read()
	if (*rg.Value())["a"] != 1 {
		t.Fatalf("initial value lost")
	}
	rg.Unlock()
}

func TestRWLock_ReadersAndWriters(t *testing.T) {
	var rw RWLock[int]
	var readers int32
	var writers int32

	const loops = 1000
	readerN := runtime.GOMAXPROCS(0)
	writerN := 2

	var eg errgroup.Group
	for range readerN {
		eg.Go(func() error {
			for range loops {
				g := rw.Read()
				if atomic.AddInt32(&readers, 1) <= 0 {
					return errors.New("invalid reader count")
				}
				if atomic.LoadInt32(&writers) != 0 {
					return errors.New("reader observed active writer")
				}
				atomic.AddInt32(&readers, -1)
				g.Unlock()
			}
			return nil
		})
	}
	for range writerN {
		eg.Go(func() error {
			for range loops {
				g := rw.Write()
				if atomic.AddInt32(&writers, 1) != 1 {
					return errors.New("multiple writers active")
				}
				if atomic.LoadInt32(&readers) != 0 {
					return errors.New("writer observed active readers")
				}
				atomic.AddInt32(&writers, -1)
				g.Unlock()
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		t.Fatal(err)
	}
}

func TestRWLock_WriterBlocksReaders(t *testing.T) {
	var l RWLock[int]
	wg := l.Write()

	done := make(chan struct{})
	go func() {
		rg := l.Read()
		rg.Unlock()
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("Read acquired while a writer holds the lock")
	case <-time.After(50 * time.Millisecond):
	}

	wg.Unlock()
	select {
	case <-done:
	case <-time.After(100 * time.Millisecond):
		t.Fatal("Read not acquired after the writer released")
	}
}

func TestRWLock_WriterPreference(t *testing.T) {
	var l RWLock[int]
	rg := l.Read()

	wdone := make(chan struct{})
	go func() {
		wg := l.Write()
		wg.Unlock()
		close(wdone)
	}()

	// Wait until the writer is queued.
	for l.state.Load()&rwWriterWaitBit == 0 {
		runtime.Gosched()
	}

	if _, ok := l.TryRead(); ok {
		t.Fatal("TryRead succeeded while a writer is waiting")
	}

	rdone := make(chan struct{})
	go func() {
		rg2 := l.Read()
		rg2.Unlock()
		close(rdone)
	}()

	select {
	case <-rdone:
		t.Fatal("new reader overtook a waiting writer")
	case <-time.After(50 * time.Millisecond):
	}

	rg.Unlock()
	select {
	case <-wdone:
	case <-time.After(100 * time.Millisecond):
		t.Fatal("writer not handed the lock by the last reader")
	}
	select {
	case <-rdone:
	case <-time.After(100 * time.Millisecond):
		t.Fatal("queued reader not woken after the writer finished")
	}
}

func TestRWLock_WriterNotStarvedByReaderStream(t *testing.T) {
	var l RWLock[int]

	stop := make(chan struct{})
	var eg errgroup.Group
	for range runtime.GOMAXPROCS(0) {
		eg.Go(func() error {
			for {
				select {
				case <-stop:
					return nil
				default:
				}
				g := l.Read()
				g.Unlock()
			}
		})
	}

	// Let the reader stream saturate the lock before the writer arrives.
	time.Sleep(10 * time.Millisecond)

	wdone := make(chan struct{})
	go func() {
		g := l.Write()
		g.Unlock()
		close(wdone)
	}()

	select {
	case <-wdone:
	case <-time.After(5 * time.Second):
		t.Error("writer starved by a continuous reader stream")
	}
	close(stop)
	if err := eg.Wait(); err != nil {
		t.Fatal(err)
	}
}

func TestRWLock_BatchReaderWake(t *testing.T) {
	var l RWLock[int]
	wg := l.Write()

	const readers = 8
	var active, maxActive atomic.Int32
	var eg errgroup.Group
	for range readers {
		eg.Go(func() error {
			rg := l.Read()
			cur := active.Add(1)
			for {
				m := maxActive.Load()
				if cur <= m || maxActive.CompareAndSwap(m, cur) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			active.Add(-1)
			rg.Unlock()
			return nil
		})
	}

	// Let every reader park behind the writer.
	time.Sleep(50 * time.Millisecond)
	wg.Unlock()
	if err := eg.Wait(); err != nil {
		t.Fatal(err)
	}
	if maxActive.Load() < 2 {
		t.Errorf("woken readers never overlapped (max active = %d)", maxActive.Load())
	}
}

func TestRWLock_WriterFIFO(t *testing.T) {
	var l RWLock[int]
	wg0 := l.Write()

	order := make(chan int, 2)
	go func() {
		g := l.Write()
		order <- 1
		g.Unlock()
	}()
	for l.state.Load()&rwWriterWaitBit == 0 {
		runtime.Gosched()
	}
	go func() {
		g := l.Write()
		order <- 2
		g.Unlock()
	}()
	time.Sleep(50 * time.Millisecond)

	wg0.Unlock()
	if first := <-order; first != 1 {
		t.Fatalf("first wake went to writer %d, want 1", first)
	}
	if second := <-order; second != 2 {
		t.Fatalf("second wake went to writer %d, want 2", second)
	}
}

func TestRWLock_TryLocks(t *testing.T) {
	var l RWLock[int]

	rg, ok := l.TryRead()
	if !ok {
		t.Fatal("TryRead failed on a free lock")
	}
	if _, ok := l.TryWrite(); ok {
		t.Fatal("TryWrite succeeded with an active reader")
	}
	rg2, ok := l.TryRead()
	if !ok {
		t.Fatal("TryRead failed alongside another reader")
	}
	rg.Unlock()
	rg2.Unlock()

	wg, ok := l.TryWrite()
	if !ok {
		t.Fatal("TryWrite failed on a free lock")
	}
	if _, ok := l.TryRead(); ok {
		t.Fatal("TryRead succeeded with an active writer")
	}
	if _, ok := l.TryWrite(); ok {
		t.Fatal("TryWrite succeeded with an active writer")
	}
	wg.Unlock()
}

func TestRWLock_ReadGuardDoubleUnlockPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic on double Unlock")
		}
	}()
	var l RWLock[int]
	g := l.Read()
	g.Unlock()
	g.Unlock()
}

func TestRWLock_WriteGuardDoubleUnlockPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic on double Unlock")
		}
	}()
	var l RWLock[int]
	g := l.Write()
	g.Unlock()
	g.Unlock()
}

func TestRWLock_UncontendedAllocs(t *testing.T) {
	var l RWLock[int]
	allocs := testing.AllocsPerRun(100, func() {
		rg := l.Read()
		rg.Unlock()
		wg := l.Write()
		wg.Unlock()
	})
	if allocs != 0 {
		t.Errorf("allocs per uncontended Read+Write = %v, want 0", allocs)
	}
}
