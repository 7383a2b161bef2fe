package taskz

// Waker resumes a suspended task. A future that returns pending is
// responsible for arranging a later call to one of the wake methods,
// typically by cloning the poll context's waker and handing it to
// whatever event source will eventually fire.
//
// Wakers carry reference-count semantics: Clone produces an owned waker
// that must be consumed by exactly one of Wake or Release. WakeByRef
// borrows and may be called any number of times. The waker handed out by
// PollContext.Waker is borrowed; clone it before storing it anywhere that
// outlives the poll.
type Waker interface {
	// Wake schedules the task and consumes this (owned) waker.
	Wake()
	// WakeByRef schedules the task without consuming the waker.
	WakeByRef()
	// Clone returns a new owned waker for the same task.
	Clone() Waker
	// Release drops an owned waker without waking.
	Release()
}

// PollContext is passed to every Future poll. It carries the waker bound
// to the task being polled.
type PollContext struct {
	waker Waker
}

// Waker returns the borrowed waker for the current task.
func (cx *PollContext) Waker() Waker {
	return cx.waker
}

// taskWaker wakes a spawned task through its type-erased header.
type taskWaker struct {
	h *header
}

func (w taskWaker) Wake() {
	w.h.wakeByVal()
}

func (w taskWaker) WakeByRef() {
	w.h.wakeByRef()
}

func (w taskWaker) Clone() Waker {
	w.h.state.refInc()
	return w
}

func (w taskWaker) Release() {
	w.h.dropReference()
}

// chanWaker adapts a Waker to a signalling channel so code outside the
// runtime can block on task progress. Wake coalesces into a one-slot
// buffer like a condition flag.
type chanWaker struct {
	ch chan struct{}
}

func newChanWaker() *chanWaker {
	return &chanWaker{ch: make(chan struct{}, 1)}
}

func (w *chanWaker) Wake()      { w.WakeByRef() }
func (w *chanWaker) Clone() Waker { return w }
func (w *chanWaker) Release()   {}

func (w *chanWaker) WakeByRef() {
	select {
	case w.ch <- struct{}{}:
	default:
	}
}
