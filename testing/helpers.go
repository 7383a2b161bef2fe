// Package testing provides test utilities and helpers for taskz-based
// applications.
//
// This package includes counting allocators, manual wakers and mock
// futures to make testing schedulers and task lifecycles easier and more
// comprehensive.
//
// Example usage:
//
//	func TestMyWorkload(t *testing.T) {
//		alloc := testing.NewCountingAllocator()
//		rt := taskz.NewRuntime(2).WithAllocator(alloc)
//		...
//		rt.Shutdown()
//		testing.AssertBalanced(t, alloc)
//	}
package testing

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/zoobzio/taskz"
)

// CountingAllocator implements taskz.Allocator, tracking every Allocate
// and Deallocate so tests can assert that no task allocation leaks. It
// can also be armed to reject allocations, simulating memory pressure.
type CountingAllocator struct {
	allocs   atomic.Int64
	deallocs atomic.Int64
	bytes    atomic.Int64
	failNext atomic.Bool
	failErr  error
	mu       sync.Mutex
}

// NewCountingAllocator returns an allocator admitting everything.
func NewCountingAllocator() *CountingAllocator {
	return &CountingAllocator{}
}

// FailNext makes the next Allocate call fail with err, after which the
// allocator admits again.
func (a *CountingAllocator) FailNext(err error) {
	a.mu.Lock()
	a.failErr = err
	a.mu.Unlock()
	a.failNext.Store(true)
}

// Allocate implements taskz.Allocator.
func (a *CountingAllocator) Allocate(layout taskz.Layout) error {
	if a.failNext.CompareAndSwap(true, false) {
		a.mu.Lock()
		err := a.failErr
		a.mu.Unlock()
		return err
	}
	a.allocs.Add(1)
	a.bytes.Add(int64(layout.Size))
	return nil
}

// Deallocate implements taskz.Allocator.
func (a *CountingAllocator) Deallocate(layout taskz.Layout) {
	a.deallocs.Add(1)
	a.bytes.Add(-int64(layout.Size))
}

// Allocs returns the number of successful allocations.
func (a *CountingAllocator) Allocs() int64 { return a.allocs.Load() }

// Deallocs returns the number of deallocations.
func (a *CountingAllocator) Deallocs() int64 { return a.deallocs.Load() }

// Live returns allocations minus deallocations.
func (a *CountingAllocator) Live() int64 { return a.allocs.Load() - a.deallocs.Load() }

// AssertBalanced fails the test unless every allocation has been
// released.
func AssertBalanced(t *testing.T, a *CountingAllocator) {
	t.Helper()
	if live := a.Live(); live != 0 {
		t.Errorf("allocator imbalance: %d allocs, %d deallocs (%d live)",
			a.Allocs(), a.Deallocs(), live)
	}
}

// ManualWaker implements taskz.Waker, recording wake calls for
// assertions instead of scheduling anything.
type ManualWaker struct {
	wakes    atomic.Int64
	clones   atomic.Int64
	releases atomic.Int64
}

// NewManualWaker returns a waker that only counts.
func NewManualWaker() *ManualWaker {
	return &ManualWaker{}
}

// Wake implements taskz.Waker.
func (w *ManualWaker) Wake() { w.wakes.Add(1) }

// WakeByRef implements taskz.Waker.
func (w *ManualWaker) WakeByRef() { w.wakes.Add(1) }

// Clone implements taskz.Waker.
func (w *ManualWaker) Clone() taskz.Waker {
	w.clones.Add(1)
	return w
}

// Release implements taskz.Waker.
func (w *ManualWaker) Release() { w.releases.Add(1) }

// Wakes returns how many times the waker fired.
func (w *ManualWaker) Wakes() int64 { return w.wakes.Load() }

// MockFuture is a configurable taskz.Future: it returns pending for a
// set number of polls (waking itself by reference each time, so it stays
// scheduled), then completes with the configured value. It can also be
// armed to panic on a given poll.
type MockFuture[T any] struct {
	value        T
	pendingPolls int
	panicOnPoll  int
	panicMsg     string
	polls        atomic.Int64
}

// NewMockFuture returns a future completing immediately with value.
func NewMockFuture[T any](value T) *MockFuture[T] {
	return &MockFuture[T]{value: value, panicOnPoll: -1}
}

// WithPendingPolls makes the future return pending n times before
// completing.
func (f *MockFuture[T]) WithPendingPolls(n int) *MockFuture[T] {
	f.pendingPolls = n
	return f
}

// WithPanic makes the future panic with msg on its nth poll (1-based).
func (f *MockFuture[T]) WithPanic(poll int, msg string) *MockFuture[T] {
	f.panicOnPoll = poll
	f.panicMsg = msg
	return f
}

// Polls returns how many times the future has been polled.
func (f *MockFuture[T]) Polls() int64 { return f.polls.Load() }

// Poll implements taskz.Future.
func (f *MockFuture[T]) Poll(cx *taskz.PollContext) (T, bool) {
	n := int(f.polls.Add(1))
	if f.panicOnPoll > 0 && n == f.panicOnPoll {
		panic(f.panicMsg)
	}
	if n <= f.pendingPolls {
		cx.Waker().WakeByRef()
		var zero T
		return zero, false
	}
	return f.value, true
}
