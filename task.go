package taskz

import (
	"sync/atomic"
	"time"
	"unsafe"
)

// scheduler is the contract a task holds against the runtime that owns
// it. It is satisfied by the runtime's shared state and, in tests, by
// hand-rolled fakes that capture scheduled tasks.
type scheduler interface {
	// schedule submits a notified task reference for execution. When
	// yield is set the task was woken by itself during its own poll and
	// should go to the back of the scheduling order.
	schedule(h *header, yield bool)
	// release removes the task from the owned set, reporting whether it
	// was still bound there.
	release(h *header) bool
	// completed observes a task reaching its terminal stage. err is nil
	// for a normal completion.
	completed(id ID, err *JoinError)
	// allocator returns the memory capability tasks charge against.
	allocator() Allocator
	// now reads the runtime clock, used to stamp failure results.
	now() time.Time
}

// header is the hot, type-erased head of every task allocation. All
// other parts of the task are reached from it through the vtable, so a
// *header is the runtime's universal task handle.
type header struct {
	state  state
	vtable *vtable
}

// vtable is the fixed dispatch table giving type-erased access to a
// task. The two offsets are byte offsets from the start of the task
// allocation, letting the queues and the owned list reach the id and the
// trailer without knowing the output type.
type vtable struct {
	// Polls the future.
	poll func(*header)
	// Schedules the task for execution on its runtime.
	schedule func(*header)
	// Releases the allocation.
	dealloc func(*header)
	// Reads the task output if complete, registering the waker
	// otherwise. dst points at a readOutcome of the task's output type.
	tryReadOutput func(h *header, dst unsafe.Pointer, waker Waker)
	// The join handle has been dropped.
	dropJoinHandleSlow func(*header)
	// The runtime is shutting down; cancel and complete in place.
	shutdown func(*header)

	idOffset      uintptr
	trailerOffset uintptr
}

// Stage discriminants for the future/output union.
type stageKind uint8

const (
	stageRunning stageKind = iota
	stageFinished
	stageConsumed
)

// stage is the union holding either the live future, the finished
// result, or nothing. While COMPLETE is unset the RUNNING bit in the
// state word is the lock over this field; after completion access
// follows the join protocol.
type stage[T any] struct {
	kind   stageKind
	future Future[T]
	output T
	err    *JoinError
}

func (s *stage[T]) storeOutput(v T) {
	var zero stage[T]
	*s = zero
	s.kind = stageFinished
	s.output = v
}

func (s *stage[T]) storeErr(err *JoinError) {
	var zero stage[T]
	*s = zero
	s.kind = stageFinished
	s.err = err
}

// consume drops whatever the stage holds so the collector can reclaim
// the future or output.
func (s *stage[T]) consume() {
	var zero stage[T]
	*s = zero
	s.kind = stageConsumed
}

// takeOutput moves the finished result out, leaving the stage consumed.
func (s *stage[T]) takeOutput() (T, *JoinError) {
	if s.kind != stageFinished {
		panic("taskz: join handle polled after completion")
	}
	v, err := s.output, s.err
	s.consume()
	return v, err
}

// taskCore is the typed middle section of a task: the scheduler handle,
// the stage union and the task id.
type taskCore[T any] struct {
	scheduler scheduler
	stage     stage[T]
	taskID    ID
}

// trailer is the cold tail of a task: the join waker slot and the
// intrusive links borrowed by the global run queue and the owned set.
//
// The waker slot is shared between the JoinHandle and the completing
// worker. The JOIN_WAKER bit arbitrates access:
//
//  1. JOIN_WAKER starts at zero.
//  2. JOIN_WAKER == 0 and the task is incomplete: the JoinHandle has
//     exclusive write access.
//  3. JOIN_WAKER == 1 and the task is incomplete: the JoinHandle has
//     shared read access.
//  4. JOIN_WAKER == 1 and the task is complete: the executor has shared
//     read access (to invoke the waker).
//  5. To write the slot the JoinHandle must (i) CAS JOIN_WAKER 1 -> 0
//     while incomplete, (ii) write the slot, (iii) CAS 0 -> 1. Step (i)
//     is omitted on the first write; if step (iii) fails because the
//     task completed meanwhile, the JoinHandle clears the slot instead.
//  6. Only an incomplete task lets the JoinHandle toggle JOIN_WAKER;
//     only a complete task lets the executor clear it.
//  7. JOIN_INTEREST == 0 and the task complete: the executor has
//     exclusive access, needed to drop the waker after a racing
//     JoinHandle drop.
type trailer struct {
	waker Waker

	// Intrusive link for the global run queue. Owned by the queue while
	// the task is enqueued.
	runQueueNext atomic.Pointer[header]

	// Intrusive links for the owned-tasks list, guarded by its mutex.
	ownedNext *header
	ownedPrev *header
}

func (t *trailer) setWaker(w Waker) {
	t.waker = w
}

// clearWaker releases and removes the stored waker, if any.
func (t *trailer) clearWaker() {
	if t.waker != nil {
		t.waker.Release()
		t.waker = nil
	}
}

// wakeJoin invokes the stored join waker by reference.
func (t *trailer) wakeJoin() {
	if t.waker == nil {
		panic("taskz: join waker missing at completion")
	}
	t.waker.WakeByRef()
}

// cell is the full task allocation: header, vtable storage, typed core
// and trailer. The header sits first so a *header is also a pointer to
// the whole cell.
type cell[T any] struct {
	header  header
	vt      vtable
	core    taskCore[T]
	trailer trailer

	// Guards against double release of the allocation.
	deallocated atomic.Bool
}

// layoutFor describes the allocation charged to the Allocator for a task
// with output type T.
func layoutFor[T any]() Layout {
	return Layout{Size: unsafe.Sizeof(cell[T]{}), Align: taskAlign}
}

// newCell builds a task around fut. The state starts with the canonical
// three references: owned set, first notification, JoinHandle.
func newCell[T any](sched scheduler, fut Future[T], abort AbortFunc) *cell[T] {
	c := new(cell[T])
	c.header.state.init(abort)
	c.header.vtable = &c.vt
	c.vt = vtable{
		poll:               cellPoll[T],
		schedule:           cellSchedule[T],
		dealloc:            cellDealloc[T],
		tryReadOutput:      cellTryReadOutput[T],
		dropJoinHandleSlow: cellDropJoinHandleSlow[T],
		shutdown:           cellShutdown[T],
		idOffset:           unsafe.Offsetof(c.core) + unsafe.Offsetof(c.core.taskID),
		trailerOffset:      unsafe.Offsetof(c.trailer),
	}
	c.core.scheduler = sched
	c.core.stage.kind = stageRunning
	c.core.stage.future = fut
	c.core.taskID = nextTaskID()
	return c
}

// cellOf recovers the typed cell from a type-erased header. Valid only
// within the vtable trampolines of the same instantiation.
func cellOf[T any](h *header) *cell[T] {
	return (*cell[T])(unsafe.Pointer(h))
}

func (h *header) trailer() *trailer {
	return (*trailer)(unsafe.Add(unsafe.Pointer(h), h.vtable.trailerOffset))
}

func (h *header) id() ID {
	return *(*ID)(unsafe.Add(unsafe.Pointer(h), h.vtable.idOffset))
}

// dropReference releases one reference, deallocating on the last one.
func (h *header) dropReference() {
	if h.state.refDec() {
		h.vtable.dealloc(h)
	}
}

// wakeByVal consumes an owned reference to wake the task.
func (h *header) wakeByVal() {
	switch h.state.transitionToNotifiedByVal() {
	case notifiedByValSubmit:
		// The transition minted a reference for the new notification;
		// the queue now owns it. Our own reference is retained across
		// the submission so the task cannot be released mid-call, then
		// dropped.
		h.vtable.schedule(h)
		h.dropReference()
	case notifiedByValDealloc:
		h.vtable.dealloc(h)
	case notifiedByValDoNothing:
	}
}

// wakeByRef wakes the task from a borrowed reference.
func (h *header) wakeByRef() {
	switch h.state.transitionToNotifiedByRef() {
	case notifiedByRefSubmit:
		h.vtable.schedule(h)
	case notifiedByRefDoNothing:
	}
}

// remoteAbort requests cancellation from outside the runtime.
func (h *header) remoteAbort() {
	if h.state.transitionToNotifiedAndCancel() {
		// The transition minted a notification reference; submit it so
		// a worker observes the cancel promptly.
		h.vtable.schedule(h)
	}
}

// cellPoll advances the task by one poll. The caller owns a notified
// reference, which every branch below consumes exactly once.
func cellPoll[T any](h *header) {
	c := cellOf[T](h)
	switch h.state.transitionToRunning() {
	case runningSuccess:
		cx := PollContext{waker: taskWaker{h: h}}
		done := c.pollFuture(&cx)
		if done {
			c.complete()
			return
		}
		switch h.state.transitionToIdle() {
		case idleOk:
			// The notification reference was consumed by the state
			// transition.
		case idleOkNotified:
			// A wakeup raced with the poll; submit the notification
			// minted by the transition, then drop our own reference.
			c.core.scheduler.schedule(h, true)
			h.dropReference()
		case idleOkDealloc:
			h.vtable.dealloc(h)
		case idleCancelled:
			c.cancelTask()
			c.complete()
		}
	case runningCancelled:
		c.cancelTask()
		c.complete()
	case runningFailed:
		// Lost the race against another lifecycle holder; the state
		// transition already consumed the reference.
	case runningDealloc:
		h.vtable.dealloc(h)
	}
}

// pollFuture runs one poll of the future under the RUNNING lock,
// converting panics into a cancelled result. It reports whether the
// stage now holds a finished result.
func (c *cell[T]) pollFuture(cx *PollContext) (done bool) {
	defer func() {
		if r := recover(); r != nil {
			c.core.stage.storeErr(newPanicError(c.core.taskID, c.core.scheduler.now(), r))
			done = true
		}
	}()

	if c.core.stage.kind != stageRunning {
		panic("taskz: polled task with no live future")
	}
	out, ready := c.core.stage.future.Poll(cx)
	if !ready {
		return false
	}
	c.core.stage.storeOutput(out)
	return true
}

// cancelTask drops the future and records the cancelled result. Panics
// raised while the future's references are released are folded into the
// stored error.
func (c *cell[T]) cancelTask() {
	err := newCancelledError(c.core.taskID, c.core.scheduler.now())
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = newPanicError(c.core.taskID, c.core.scheduler.now(), r)
			}
		}()
		c.core.stage.consume()
	}()
	c.core.stage.storeErr(err)
}

// complete finishes the task: it flips the lifecycle to COMPLETE, hands
// the output (or drops it when nobody will join), fires the join waker,
// unbinds the task from the owned set and drops the terminal references.
func (c *cell[T]) complete() {
	h := &c.header
	joinErr := c.core.stage.err

	snap := h.state.transitionToComplete()
	if !snap.isJoinInterested() {
		// No JoinHandle will ever read the output; it is ours to drop.
		c.core.stage.consume()
	} else if snap.isJoinWakerSet() {
		c.trailer.wakeJoin()
		h.state.unsetWakerAfterComplete()
	}

	c.core.scheduler.completed(c.core.taskID, joinErr)

	// Drop our notified reference, plus the owned-set reference when we
	// are the ones unbinding it.
	refs := 1
	if c.core.scheduler.release(h) {
		refs++
	}
	if h.state.transitionToTerminal(refs) {
		h.vtable.dealloc(h)
	}
}

func cellSchedule[T any](h *header) {
	cellOf[T](h).core.scheduler.schedule(h, false)
}

// cellDealloc releases the allocation back to the Allocator capability.
// Reaching it twice for one task is a fatal accounting bug.
func cellDealloc[T any](h *header) {
	c := cellOf[T](h)
	if c.deallocated.Swap(true) {
		panic("taskz: task deallocated twice")
	}
	c.core.stage.consume()
	c.trailer.clearWaker()
	c.core.scheduler.allocator().Deallocate(layoutFor[T]())
}

// readOutcome carries the result of a tryReadOutput call back through
// the type-erased boundary.
type readOutcome[T any] struct {
	value T
	err   *JoinError
	ready bool
}

// cellTryReadOutput implements the JoinHandle's poll: if the task has
// completed the output is moved into dst, otherwise waker is registered
// under the join protocol (trailer rules 5 and 6).
func cellTryReadOutput[T any](h *header, dst unsafe.Pointer, waker Waker) {
	out := (*readOutcome[T])(dst)
	if !canReadOutput(h, waker) {
		out.ready = false
		return
	}
	c := cellOf[T](h)
	out.value, out.err = c.core.stage.takeOutput()
	out.ready = true
}

// canReadOutput reports whether the output is ready, registering waker
// for a later wake when it is not.
func canReadOutput(h *header, waker Waker) bool {
	snap := h.state.load()
	if snap.isComplete() {
		return true
	}

	tr := h.trailer()
	if !snap.isJoinWakerSet() {
		// First registration: rule 5 with step (i) omitted.
		tr.setWaker(waker.Clone())
		if _, ok := h.state.setJoinWaker(); !ok {
			// The task completed between the load and the CAS; the
			// slot is ours again, so clear it and read the output.
			tr.clearWaker()
			return true
		}
		return false
	}

	// Rewrite: take back exclusive access, swap the waker, republish.
	if _, ok := h.state.unsetWaker(); !ok {
		return true
	}
	tr.clearWaker()
	tr.setWaker(waker.Clone())
	if _, ok := h.state.setJoinWaker(); !ok {
		tr.clearWaker()
		return true
	}
	return false
}

// cellDropJoinHandleSlow detaches the JoinHandle after polling has
// begun, releasing whatever the transition says is now exclusively ours.
func cellDropJoinHandleSlow[T any](h *header) {
	c := cellOf[T](h)
	out := h.state.transitionToJoinHandleDropped()
	if out.dropOutput {
		c.core.stage.consume()
	}
	if out.dropWaker {
		c.trailer.clearWaker()
	}
	h.dropReference()
}

// cellShutdown terminates the task during runtime shutdown. The caller
// owns one reference (typically the one recovered from a run queue or
// the owned set).
func cellShutdown[T any](h *header) {
	if !h.state.transitionToShutdown() {
		// The task is mid-poll on some worker; it observes the
		// cancelled bit at the next poll boundary.
		h.dropReference()
		return
	}
	// The transition locked RUNNING for us, so the stage is ours.
	c := cellOf[T](h)
	c.cancelTask()
	c.complete()
}
