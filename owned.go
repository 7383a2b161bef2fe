package taskz

import "sync"

// ownedTasks is the intrusive doubly-linked list of every live task the
// runtime owns. Binding a task stores one reference with the list; the
// reference is returned to the caller on removal. Closing the list
// rejects new bindings, which is how shutdown fences out concurrent
// spawns.
type ownedTasks struct {
	mu     sync.Mutex
	head   *header
	count  int
	closed bool
}

// bind pushes the task onto the list, consuming one reference. It
// reports false when the list is already closed, in which case the
// reference is NOT consumed and the caller must shut the task down.
func (o *ownedTasks) bind(h *header) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return false
	}
	tr := h.trailer()
	tr.ownedPrev = nil
	tr.ownedNext = o.head
	if o.head != nil {
		o.head.trailer().ownedPrev = h
	}
	o.head = h
	o.count++
	return true
}

// remove unlinks the task, reporting whether it was bound. On true the
// list's reference now belongs to the caller.
func (o *ownedTasks) remove(h *header) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.removeLocked(h)
}

func (o *ownedTasks) removeLocked(h *header) bool {
	tr := h.trailer()
	if tr.ownedPrev == nil && tr.ownedNext == nil && o.head != h {
		return false
	}
	if tr.ownedPrev != nil {
		tr.ownedPrev.trailer().ownedNext = tr.ownedNext
	} else {
		o.head = tr.ownedNext
	}
	if tr.ownedNext != nil {
		tr.ownedNext.trailer().ownedPrev = tr.ownedPrev
	}
	tr.ownedPrev = nil
	tr.ownedNext = nil
	o.count--
	return true
}

// closeAndShutdownAll closes the list and shuts down every task still
// bound to it. Each task's shutdown either cancels it in place or, if
// the task is mid-poll somewhere, leaves the cancelled bit for the
// polling worker to observe.
func (o *ownedTasks) closeAndShutdownAll() {
	for {
		o.mu.Lock()
		o.closed = true
		h := o.head
		if h == nil {
			o.mu.Unlock()
			return
		}
		o.removeLocked(h)
		o.mu.Unlock()

		// The reference recovered from the list is consumed by the
		// shutdown path. Run it outside the lock: shutting a task down
		// completes it, which re-enters release().
		h.vtable.shutdown(h)
	}
}

func (o *ownedTasks) isEmpty() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.count == 0
}

func (o *ownedTasks) len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.count
}
