package taskz

// Future is a polled computation producing a T. Poll either completes,
// returning the output and true, or returns false after arranging for a
// wake through the context's waker. Once a future has completed it is
// never polled again.
//
// This is cooperative scheduling: a future that never returns pending
// monopolizes its worker, and a future that returns pending without
// registering a waker is never resumed.
type Future[T any] interface {
	Poll(cx *PollContext) (T, bool)
}

// FutureFunc adapts a plain function to the Future interface, the same
// way processor adapters wrap functions elsewhere in the zoobzio
// ecosystem.
//
// Example:
//
//	handle, _ := taskz.Spawn(rt, taskz.FutureFunc[int](func(_ *taskz.PollContext) (int, bool) {
//	    return 42, true
//	}))
type FutureFunc[T any] func(cx *PollContext) (T, bool)

// Poll implements the Future interface.
func (f FutureFunc[T]) Poll(cx *PollContext) (T, bool) {
	return f(cx)
}

// Ready returns a future that completes immediately with value.
func Ready[T any](value T) Future[T] {
	return FutureFunc[T](func(*PollContext) (T, bool) {
		return value, true
	})
}

// Yield returns a future that completes on its second poll. The first
// poll wakes the task by reference before returning pending, pushing it
// to the back of the scheduling order and giving other runnable tasks a
// turn.
func Yield() Future[struct{}] {
	yielded := false
	return FutureFunc[struct{}](func(cx *PollContext) (struct{}, bool) {
		if yielded {
			return struct{}{}, true
		}
		yielded = true
		cx.Waker().WakeByRef()
		return struct{}{}, false
	})
}
