package taskz

import (
	"sync/atomic"
	"time"

	"github.com/petermattis/goid"
	"github.com/zoobzio/clockz"
)

// Layout describes the size and alignment of a task allocation.
// It is passed to the Allocator capability so that embedders with real
// allocators (kernels, arenas, simulators) can account for every task the
// runtime creates.
type Layout struct {
	Size  uintptr
	Align uintptr
}

// Allocator is the memory capability consumed by the runtime.
//
// Go owns the actual backing memory, so Allocate acts as an admission
// check: returning an error makes the corresponding Spawn fail with no
// partial state. Deallocate is invoked exactly once per successful
// Allocate, when the task's last reference is dropped. Implementations
// can use the pair to enforce quotas or to verify that the runtime never
// leaks a task allocation.
//
// The zero-configuration default admits everything.
type Allocator interface {
	Allocate(layout Layout) error
	Deallocate(layout Layout)
}

// unboundedAllocator admits every allocation and keeps no state.
type unboundedAllocator struct{}

func (unboundedAllocator) Allocate(Layout) error { return nil }

func (unboundedAllocator) Deallocate(Layout) {}

// Parker is the park capability: it blocks the calling worker for at most
// d and may return early spuriously. Workers use it for the bounded spin
// stalls between steal rounds; the final untimed park goes through the
// scheduler's condition variables instead.
type Parker interface {
	ParkTimeout(d time.Duration)
}

// clockParker parks by sleeping on the runtime's clock.
type clockParker struct {
	clock clockz.Clock
}

func (p clockParker) ParkTimeout(d time.Duration) {
	<-p.clock.After(d)
}

// AbortFunc is the process-abort capability. It is invoked when a task's
// reference count overflows, which indicates memory corruption or a
// handle leak severe enough that continuing is unsound. It must not
// return.
type AbortFunc func(msg string)

func defaultAbort(msg string) {
	panic("taskz: " + msg)
}

// CPUIDFunc reports the integer id of the CPU the calling goroutine is
// executing on, or a negative value when the id is unknown. Ids must be
// stable for the life of the CPU and dense in [0, workers).
//
// On a hosted Go runtime there is no portable way to observe the real
// CPU, so the default implementation identifies worker goroutines by
// their goroutine id: RunWorker registers the mapping and every other
// goroutine resolves to -1, which routes its wakeups through the global
// run queue. Freestanding embedders replace this with their hart-id
// accessor.
type CPUIDFunc func() int

// gidRegistry backs the default CPUIDFunc. It maps the goroutine ids of
// active workers to their CPU ids.
type gidRegistry struct {
	gids []atomicInt64Pair
}

type atomicInt64Pair struct {
	gid atomic.Int64
	_   cacheLinePad
}

func newGIDRegistry(workers int) *gidRegistry {
	r := &gidRegistry{gids: make([]atomicInt64Pair, workers)}
	for i := range r.gids {
		r.gids[i].gid.Store(-1)
	}
	return r
}

func (r *gidRegistry) register(cpu int) {
	r.gids[cpu].gid.Store(goid.Get())
}

func (r *gidRegistry) unregister(cpu int) {
	r.gids[cpu].gid.Store(-1)
}

// current resolves the calling goroutine to a CPU id, or -1.
func (r *gidRegistry) current() int {
	g := goid.Get()
	for i := range r.gids {
		if r.gids[i].gid.Load() == g {
			return i
		}
	}
	return -1
}
