package taskz

import (
	"sync/atomic"
	"unsafe"
)

// dequeueStatus describes the outcome of a single tryDequeue attempt on
// the global run queue.
type dequeueStatus uint8

const (
	dequeueOk dequeueStatus = iota
	// The queue held no tasks.
	dequeueEmpty
	// A producer is mid-insert: its node is visible through the tail
	// swap but the next pointer is not stored yet. Busy-spin.
	dequeueBusy
	// The observed head and tail disagree transiently, or another
	// consumer holds the queue. Retry.
	dequeueInconsistent
)

// stubCell is the minimal allocation backing the queue's sentinel node.
// Its vtable only carries the trailer offset; no other entry is ever
// invoked on a stub.
type stubCell struct {
	header  header
	trailer trailer
}

var stubVtable = func() *vtable {
	var s stubCell
	return &vtable{trailerOffset: unsafe.Offsetof(s.trailer)}
}()

func (s *stubCell) init() {
	s.header.vtable = stubVtable
}

// globalQueue is the runtime's unbounded injection queue: an intrusive
// Vyukov-style multi-producer single-consumer FIFO threaded through the
// task trailers, with a stub sentinel separating producers from the
// consumer. Producers are lock-free; consumption is serialized by an
// atomic claim so dequeues can run outside the scheduler mutex.
//
// Each enqueued task carries one notified reference, owned by the queue
// until the task is dequeued again.
type globalQueue struct {
	tail atomic.Pointer[header]
	_    cacheLinePad

	// Consumer-owned; guarded by the consuming flag.
	head      *header
	consuming atomic.Bool

	stub stubCell
	size atomic.Int64
}

func (q *globalQueue) init() {
	q.stub.init()
	q.head = &q.stub.header
	q.tail.Store(&q.stub.header)
}

// enqueue publishes one task. Safe from any goroutine.
func (q *globalQueue) enqueue(h *header) {
	h.trailer().runQueueNext.Store(nil)
	prev := q.tail.Swap(h)
	q.size.Add(1)
	// Publishing next completes the insert; a consumer observing nil
	// here reports Busy/Inconsistent and retries.
	prev.trailer().runQueueNext.Store(h)
}

// enqueueMany publishes an already-ordered batch in a single tail swap,
// so the batch is contiguous in FIFO order and other producers can never
// interleave inside it.
func (q *globalQueue) enqueueMany(batch []*header) {
	if len(batch) == 0 {
		return
	}
	for i := 0; i < len(batch)-1; i++ {
		batch[i].trailer().runQueueNext.Store(batch[i+1])
	}
	last := batch[len(batch)-1]
	last.trailer().runQueueNext.Store(nil)

	prev := q.tail.Swap(last)
	q.size.Add(int64(len(batch)))
	prev.trailer().runQueueNext.Store(batch[0])
}

// tryDequeue attempts to pop the oldest task. The returned status tells
// the caller whether to stop (Empty), busy-spin (Busy) or retry
// (Inconsistent). The dequeued task's notified reference transfers to
// the caller.
func (q *globalQueue) tryDequeue() (*header, dequeueStatus) {
	if !q.consuming.CompareAndSwap(false, true) {
		return nil, dequeueInconsistent
	}
	h, st := q.tryDequeueLocked()
	q.consuming.Store(false)
	return h, st
}

func (q *globalQueue) tryDequeueLocked() (*header, dequeueStatus) {
	head := q.head
	next := head.trailer().runQueueNext.Load()

	if head == &q.stub.header {
		if next == nil {
			if q.tail.Load() == head {
				return nil, dequeueEmpty
			}
			// A producer swapped the tail but has not linked its node.
			return nil, dequeueBusy
		}
		q.head = next
		head = next
		next = head.trailer().runQueueNext.Load()
	}

	if next != nil {
		q.head = next
		q.size.Add(-1)
		return head, dequeueOk
	}

	if q.tail.Load() != head {
		// tail moved past head but the link is not visible yet.
		return nil, dequeueInconsistent
	}

	// head is the last real node: requeue the stub behind it so the
	// consumer end never runs dry of a sentinel.
	q.stub.header.trailer().runQueueNext.Store(nil)
	prev := q.tail.Swap(&q.stub.header)
	prev.trailer().runQueueNext.Store(&q.stub.header)

	next = head.trailer().runQueueNext.Load()
	if next == nil {
		return nil, dequeueBusy
	}
	q.head = next
	q.size.Add(-1)
	return head, dequeueOk
}

// dequeue pops the oldest task, spinning through the transient states.
// Returns nil when the queue is empty.
func (q *globalQueue) dequeue() *header {
	for {
		h, st := q.tryDequeue()
		switch st {
		case dequeueOk:
			return h
		case dequeueEmpty:
			return nil
		case dequeueBusy, dequeueInconsistent:
			// Producers finish their two-step insert in a bounded
			// number of instructions; spin.
		}
	}
}

// dequeueBatch pops up to n tasks, returning the first separately and
// appending the rest to into. Used by workers refilling their local
// queue from the global one.
func (q *globalQueue) dequeueBatch(n int, into func(*header)) *header {
	if n <= 0 {
		return nil
	}
	first := q.dequeue()
	if first == nil {
		return nil
	}
	for i := 1; i < n; i++ {
		h := q.dequeue()
		if h == nil {
			break
		}
		into(h)
	}
	return first
}

func (q *globalQueue) len() int {
	n := q.size.Load()
	if n < 0 {
		return 0
	}
	return int(n)
}

func (q *globalQueue) isEmpty() bool {
	return q.len() == 0
}
