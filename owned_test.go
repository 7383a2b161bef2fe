package taskz

import "testing"

func TestOwnedTasks(t *testing.T) {
	t.Run("Bind And Remove", func(t *testing.T) {
		f := newFakeScheduler()
		var o ownedTasks

		h1 := spawnCell[int](f, Ready(1))
		h2 := spawnCell[int](f, Ready(2))
		h3 := spawnCell[int](f, Ready(3))

		for _, h := range []*header{h1, h2, h3} {
			if !o.bind(h) {
				t.Fatal("bind failed on an open list")
			}
		}
		if o.len() != 3 {
			t.Fatalf("expected 3 bound tasks, got %d", o.len())
		}

		// Middle, head, tail removal.
		if !o.remove(h2) || !o.remove(h3) || !o.remove(h1) {
			t.Fatal("remove failed for a bound task")
		}
		if !o.isEmpty() {
			t.Error("list should be empty")
		}
		if o.remove(h1) {
			t.Error("second remove must report unbound")
		}
	})

	t.Run("Close Rejects New Bindings", func(t *testing.T) {
		f := newFakeScheduler()
		var o ownedTasks
		o.closeAndShutdownAll()

		h := spawnCell[int](f, Ready(1))
		if o.bind(h) {
			t.Error("closed list must reject bindings")
		}
	})

	t.Run("Close Shuts Down Every Bound Task", func(t *testing.T) {
		f := newFakeScheduler()
		// The fake's owned emulation is bypassed here: the real list
		// does the unbinding, so release must report unbound.
		f.bound = false
		var o ownedTasks

		headers := make([]*header, 5)
		for i := range headers {
			headers[i] = spawnCell[int](f, FutureFunc[int](func(*PollContext) (int, bool) {
				return 0, false
			}))
			if !o.bind(headers[i]) {
				t.Fatal("bind failed")
			}
		}

		o.closeAndShutdownAll()

		if !o.isEmpty() {
			t.Fatal("list must end empty")
		}
		for i, h := range headers {
			if !h.state.load().isComplete() {
				t.Errorf("task %d not completed by shutdown", i)
			}
			if !h.state.load().isCancelled() {
				t.Errorf("task %d not cancelled by shutdown", i)
			}
			// Release the untouched notification token and detach the
			// handle; the allocation must then be returned.
			h.dropReference()
			newJoinHandle[int](h).Detach()
		}
		if got := f.deallocs.Load(); got != 5 {
			t.Errorf("expected 5 deallocations, got %d", got)
		}
	})
}
