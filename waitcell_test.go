package taskz

import (
	"sync"
	"sync/atomic"
	"testing"
)

// countWaker counts invocations; Clone shares the counter.
type countWaker struct {
	wakes atomic.Int64
}

func (w *countWaker) Wake()        { w.wakes.Add(1) }
func (w *countWaker) WakeByRef()   { w.wakes.Add(1) }
func (w *countWaker) Clone() Waker { return w }
func (w *countWaker) Release()     {}

func TestWaitCell(t *testing.T) {
	t.Run("Wake After Register Fires Waker", func(t *testing.T) {
		var cell WaitCell
		w := &countWaker{}

		if st := cell.RegisterWait(w); st != WaitPending {
			t.Fatalf("expected pending, got %d", st)
		}
		if !cell.Wake() {
			t.Fatal("wake should report an invoked waker")
		}
		if w.wakes.Load() != 1 {
			t.Errorf("waker fired %d times", w.wakes.Load())
		}
	})

	t.Run("Wake Before Register Is Latched", func(t *testing.T) {
		var cell WaitCell
		w := &countWaker{}

		if cell.Wake() {
			t.Fatal("no waker to invoke yet")
		}
		if st := cell.RegisterWait(w); st != WaitReady {
			t.Fatalf("latched wake must short-circuit registration, got %d", st)
		}
		if w.wakes.Load() != 0 {
			t.Error("the waiter consumes the latch without a wake call")
		}
		// The latch is consumed: the next registration parks.
		if st := cell.RegisterWait(w); st != WaitPending {
			t.Errorf("expected pending after consuming the latch, got %d", st)
		}
	})

	t.Run("Wakes Coalesce", func(t *testing.T) {
		var cell WaitCell
		cell.Wake()
		if cell.Wake() {
			t.Error("second wake must coalesce into the latch")
		}
	})

	t.Run("Close Wakes The Waiter", func(t *testing.T) {
		var cell WaitCell
		w := &countWaker{}
		cell.RegisterWait(w)
		cell.Close()
		if w.wakes.Load() != 1 {
			t.Error("close must fire the registered waker")
		}
		if st := cell.RegisterWait(w); st != WaitClosed {
			t.Errorf("registration after close must fail, got %d", st)
		}
		if !cell.IsClosed() {
			t.Error("IsClosed disagrees")
		}
	})

	t.Run("Concurrent Wakers Never Lose A Registered Waiter", func(t *testing.T) {
		var cell WaitCell

		const rounds = 200
		for i := 0; i < rounds; i++ {
			w := &countWaker{}
			var wg sync.WaitGroup
			wg.Add(1)
			go func() {
				defer wg.Done()
				cell.Wake()
			}()
			st := cell.RegisterWait(w)
			wg.Wait()

			// Whatever the interleaving, exactly one of these holds:
			// the registration observed the wake (Ready), or the wake
			// observed the registration and fired the waker (Pending).
			switch st {
			case WaitReady:
				if w.wakes.Load() != 0 {
					t.Fatalf("round %d: wake consumed twice", i)
				}
			case WaitPending:
				if w.wakes.Load() != 1 {
					t.Fatalf("round %d: registered waiter lost the wake", i)
				}
			default:
				t.Fatalf("round %d: unexpected status %d", i, st)
			}
		}
	})
}
