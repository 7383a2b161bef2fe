package taskz

import "testing"

func TestFutures(t *testing.T) {
	t.Run("Ready Completes Immediately", func(t *testing.T) {
		cx := PollContext{waker: newChanWaker()}
		v, done := Ready("now").Poll(&cx)
		if !done || v != "now" {
			t.Errorf("Ready: %q done=%t", v, done)
		}
	})

	t.Run("FutureFunc Adapts", func(t *testing.T) {
		calls := 0
		f := FutureFunc[int](func(*PollContext) (int, bool) {
			calls++
			return calls, true
		})
		cx := PollContext{waker: newChanWaker()}
		if v, done := f.Poll(&cx); !done || v != 1 {
			t.Errorf("FutureFunc: %d done=%t", v, done)
		}
	})

	t.Run("Yield Wakes Itself Once", func(t *testing.T) {
		w := newChanWaker()
		cx := PollContext{waker: w}
		f := Yield()

		if _, done := f.Poll(&cx); done {
			t.Fatal("yield must be pending on the first poll")
		}
		select {
		case <-w.ch:
		default:
			t.Fatal("yield must wake itself")
		}
		if _, done := f.Poll(&cx); !done {
			t.Fatal("yield must complete on the second poll")
		}
	})
}
