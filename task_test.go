package taskz

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

// fakeScheduler drives the task harness directly, standing in for the
// runtime in unit tests.
type fakeScheduler struct {
	scheduled []*header
	yielded   []*header
	// Emulates the owned set: the first release returns true.
	bound     bool
	allocs    atomic.Int64
	deallocs  atomic.Int64
	completedID  ID
	completedErr *JoinError
}

func newFakeScheduler() *fakeScheduler {
	return &fakeScheduler{bound: true}
}

func (f *fakeScheduler) schedule(h *header, yield bool) {
	if yield {
		f.yielded = append(f.yielded, h)
	} else {
		f.scheduled = append(f.scheduled, h)
	}
}

func (f *fakeScheduler) release(*header) bool {
	was := f.bound
	f.bound = false
	return was
}

func (f *fakeScheduler) completed(id ID, err *JoinError) {
	f.completedID = id
	f.completedErr = err
}

func (f *fakeScheduler) allocator() Allocator { return f }

func (f *fakeScheduler) now() time.Time { return time.Unix(0, 0) }

func (f *fakeScheduler) Allocate(Layout) error { f.allocs.Add(1); return nil }
func (f *fakeScheduler) Deallocate(Layout)     { f.deallocs.Add(1) }

// spawnCell builds a cell the way Spawn does, charging the fake
// allocator.
func spawnCell[T any](f *fakeScheduler, fut Future[T]) *header {
	_ = f.Allocate(layoutFor[T]())
	c := newCell[T](f, fut, nil)
	return &c.header
}

func TestTaskPollToCompletion(t *testing.T) {
	f := newFakeScheduler()
	h := spawnCell[int](f, Ready(42))

	// The worker consumes the initial notification.
	h.vtable.poll(h)

	if !h.state.load().isComplete() {
		t.Fatal("task did not complete")
	}
	if f.completedID != h.id() {
		t.Errorf("completion hook saw task %d, want %d", f.completedID, h.id())
	}
	if f.completedErr != nil {
		t.Errorf("unexpected completion error: %v", f.completedErr)
	}

	// The JoinHandle reads the output and drops the final reference.
	jh := newJoinHandle[int](h)
	cx := PollContext{waker: newChanWaker()}
	v, done, err := jh.Poll(&cx)
	if err != nil || !done {
		t.Fatalf("join: done=%t err=%v", done, err)
	}
	if v != 42 {
		t.Errorf("expected 42, got %d", v)
	}

	if got := f.deallocs.Load(); got != 1 {
		t.Errorf("expected exactly one deallocation, got %d", got)
	}
}

func TestTaskPendingThenWake(t *testing.T) {
	f := newFakeScheduler()

	var saved Waker
	polls := 0
	fut := FutureFunc[string](func(cx *PollContext) (string, bool) {
		polls++
		if polls == 1 {
			saved = cx.Waker().Clone()
			return "", false
		}
		return "done", true
	})
	h := spawnCell[string](f, fut)

	h.vtable.poll(h)
	if h.state.load().isComplete() {
		t.Fatal("task completed prematurely")
	}
	if len(f.scheduled) != 0 {
		t.Fatal("pending task must not be rescheduled without a wake")
	}

	// External wake consumes the cloned waker and enqueues a notified
	// token.
	saved.Wake()
	if len(f.scheduled) != 1 {
		t.Fatalf("expected 1 scheduled task, got %d", len(f.scheduled))
	}

	h.vtable.poll(h)
	if !h.state.load().isComplete() {
		t.Fatal("task did not complete after wake")
	}

	jh := newJoinHandle[string](h)
	cx := PollContext{waker: newChanWaker()}
	v, done, err := jh.Poll(&cx)
	if !done || err != nil || v != "done" {
		t.Fatalf("join: %q done=%t err=%v", v, done, err)
	}
	if got := f.deallocs.Load(); got != 1 {
		t.Errorf("expected one deallocation, got %d", got)
	}
}

func TestTaskSelfWakeYields(t *testing.T) {
	f := newFakeScheduler()
	h := spawnCell[struct{}](f, Yield())

	h.vtable.poll(h)
	if len(f.yielded) != 1 {
		t.Fatalf("self-woken task must be resubmitted as a yield, got %d", len(f.yielded))
	}

	h.vtable.poll(h)
	if !h.state.load().isComplete() {
		t.Fatal("yield future did not complete on second poll")
	}

	newJoinHandle[struct{}](h).Detach()
	if got := f.deallocs.Load(); got != 1 {
		t.Errorf("expected one deallocation, got %d", got)
	}
}

func TestTaskPanicBecomesJoinError(t *testing.T) {
	f := newFakeScheduler()
	h := spawnCell[int](f, FutureFunc[int](func(*PollContext) (int, bool) {
		panic("boom")
	}))

	h.vtable.poll(h)
	if !h.state.load().isComplete() {
		t.Fatal("panicked task must still complete")
	}

	jh := newJoinHandle[int](h)
	cx := PollContext{waker: newChanWaker()}
	_, done, err := jh.Poll(&cx)
	if !done {
		t.Fatal("join should resolve")
	}
	var je *JoinError
	if !errors.As(err, &je) {
		t.Fatalf("expected JoinError, got %v", err)
	}
	if !je.IsPanic() {
		t.Error("expected panic flag")
	}
	if je.PanicValue != "boom" {
		t.Errorf("expected panic payload, got %v", je.PanicValue)
	}
	if !errors.Is(err, ErrCancelled) {
		t.Error("panics surface as cancellations to errors.Is")
	}
	if got := f.deallocs.Load(); got != 1 {
		t.Errorf("expected one deallocation, got %d", got)
	}
}

func TestTaskRemoteAbort(t *testing.T) {
	t.Run("Idle Task Is Submitted And Cancelled", func(t *testing.T) {
		f := newFakeScheduler()
		pending := FutureFunc[int](func(cx *PollContext) (int, bool) {
			return 0, false
		})
		h := spawnCell[int](f, pending)

		h.vtable.poll(h) // now idle, parked without a waker

		h.remoteAbort()
		if len(f.scheduled) != 1 {
			t.Fatalf("abort of an idle task must submit it, got %d", len(f.scheduled))
		}

		h.vtable.poll(h) // the cancel poll
		if !h.state.load().isComplete() {
			t.Fatal("aborted task must complete")
		}

		jh := newJoinHandle[int](h)
		cx := PollContext{waker: newChanWaker()}
		_, done, err := jh.Poll(&cx)
		if !done {
			t.Fatal("join should resolve")
		}
		var je *JoinError
		if !errors.As(err, &je) || !je.IsCancelled() {
			t.Fatalf("expected cancelled JoinError, got %v", err)
		}
		if got := f.deallocs.Load(); got != 1 {
			t.Errorf("expected one deallocation, got %d", got)
		}
	})

	t.Run("Abort After Completion Is NoOp", func(t *testing.T) {
		f := newFakeScheduler()
		h := spawnCell[int](f, Ready(1))
		h.vtable.poll(h)

		h.remoteAbort()
		if len(f.scheduled) != 0 {
			t.Error("abort of complete task must not submit")
		}

		jh := newJoinHandle[int](h)
		cx := PollContext{waker: newChanWaker()}
		v, done, err := jh.Poll(&cx)
		if !done || err != nil || v != 1 {
			t.Fatalf("output lost: %d done=%t err=%v", v, done, err)
		}
	})
}

func TestTaskShutdownVtable(t *testing.T) {
	t.Run("Idle Task Cancelled In Place", func(t *testing.T) {
		f := newFakeScheduler()
		h := spawnCell[int](f, FutureFunc[int](func(*PollContext) (int, bool) {
			return 0, false
		}))
		// Simulate the owned set unbinding the task and shutting it
		// down with the recovered reference; the initial notification
		// is still out there.
		f.bound = false
		h.vtable.shutdown(h)
		if !h.state.load().isComplete() {
			t.Fatal("shutdown must complete an idle task")
		}
		// Drop the stale notification token.
		h.dropReference()

		jh := newJoinHandle[int](h)
		cx := PollContext{waker: newChanWaker()}
		_, done, err := jh.Poll(&cx)
		var je *JoinError
		if !done || !errors.As(err, &je) || !je.IsCancelled() {
			t.Fatalf("expected cancelled join, done=%t err=%v", done, err)
		}
		if got := f.deallocs.Load(); got != 1 {
			t.Errorf("expected one deallocation, got %d", got)
		}
	})
}

func TestTaskJoinWakerFiredOnCompletion(t *testing.T) {
	f := newFakeScheduler()

	var saved Waker
	fut := FutureFunc[int](func(cx *PollContext) (int, bool) {
		if saved == nil {
			saved = cx.Waker().Clone()
			return 0, false
		}
		return 7, true
	})
	h := spawnCell[int](f, fut)
	h.vtable.poll(h)

	// Register interest before completion.
	jh := newJoinHandle[int](h)
	join := newChanWaker()
	cx := PollContext{waker: join}
	if _, done, _ := jh.Poll(&cx); done {
		t.Fatal("join resolved before completion")
	}

	saved.Wake()
	h.vtable.poll(h)

	select {
	case <-join.ch:
	default:
		t.Fatal("completion must fire the registered join waker")
	}

	v, done, err := jh.Poll(&cx)
	if !done || err != nil || v != 7 {
		t.Fatalf("join: %d done=%t err=%v", v, done, err)
	}
	if got := f.deallocs.Load(); got != 1 {
		t.Errorf("expected one deallocation, got %d", got)
	}
}

func TestTaskDetachDropsOutput(t *testing.T) {
	f := newFakeScheduler()
	h := spawnCell[int](f, Ready(9))

	jh := newJoinHandle[int](h)
	jh.Detach() // fast path: nothing polled yet

	h.vtable.poll(h)
	if got := f.deallocs.Load(); got != 1 {
		t.Errorf("detached completed task must be released, deallocs=%d", got)
	}
}

func TestTaskDeallocatedExactlyOnce(t *testing.T) {
	f := newFakeScheduler()
	h := spawnCell[int](f, Ready(5))
	h.vtable.poll(h)
	newJoinHandle[int](h).Detach()

	if got := f.deallocs.Load(); got != 1 {
		t.Fatalf("expected exactly one deallocation, got %d", got)
	}

	defer func() {
		if recover() == nil {
			t.Error("double deallocation must panic")
		}
	}()
	h.vtable.dealloc(h)
}
