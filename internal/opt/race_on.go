//go:build race

package opt

import (
	"runtime"
	"unsafe" // also for linkname
)

const Race_ = true

// Sema under the race detector. The runtime semaphore is reached via
// linkname rather than through the instrumented sync package, so the
// detector cannot see the happens-before edge it creates; annotate the
// release/acquire pair explicitly, the same way package sync annotates
// its own semaphores.
type Sema uint32

func (s *Sema) Acquire() {
	runtime_semacquire((*uint32)(s))
	runtime.RaceAcquire(unsafe.Pointer(s))
}

func (s *Sema) Release() {
	runtime.RaceReleaseMerge(unsafe.Pointer(s))
	runtime_semrelease((*uint32)(s), false, 0)
}

// Handoff is Release with the runtime's direct-yield hint.
func (s *Sema) Handoff() {
	runtime.RaceReleaseMerge(unsafe.Pointer(s))
	runtime_semrelease((*uint32)(s), true, 0)
}

//go:linkname runtime_semacquire sync.runtime_Semacquire
func runtime_semacquire(s *uint32)

//go:linkname runtime_semrelease sync.runtime_Semrelease
func runtime_semrelease(s *uint32, handoff bool, skipframes int)
