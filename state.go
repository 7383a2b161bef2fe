package taskz

import (
	"fmt"
	"math"
	"sync/atomic"
)

// Task lifecycle and flag bits. The task stores its entire lifecycle in a
// single atomic word laid out as:
//
//	| 63      6 | 5         | 4          | 3             | 2        | 1        0 |
//	| ref count | cancelled | join waker | join interest | notified | lifecycle  |
//
// The lifecycle field holds RUNNING (bit 0, set while a worker polls the
// task and acting as the lock over the stage union) and COMPLETE (bit 1,
// set exactly once and never cleared, never set together with RUNNING).
const (
	flagRunning  uint64 = 1 << 0
	flagComplete uint64 = 1 << 1

	lifecycleMask = flagRunning | flagComplete

	// A notified token (a run-queue reference) exists for this task.
	flagNotified uint64 = 1 << 2

	// The join handle is still around.
	flagJoinInterest uint64 = 1 << 3

	// Access-control bit for the join waker slot. The protocol is
	// documented on the trailer type.
	flagJoinWaker uint64 = 1 << 4

	// The task has been forcibly cancelled.
	flagCancelled uint64 = 1 << 5

	stateMask    = lifecycleMask | flagNotified | flagJoinInterest | flagJoinWaker | flagCancelled
	refCountMask = ^uint64(stateMask)

	refCountShift = 6
	refOne        = uint64(1) << refCountShift
)

// initialState is the state a task is created with. A task starts with
// three references: one held by the owned-tasks set, one sent to the
// scheduler as the first notification, and one for the JoinHandle. The
// JOIN_INTEREST and NOTIFIED bits reflect the latter two.
const initialState = refOne*3 | flagJoinInterest | flagNotified

// state is the task's packed atomic state word. Every transition is a CAS
// loop that inspects a snapshot, computes the successor word and retries
// on contention.
type state struct {
	val atomic.Uint64

	// Process-abort capability, invoked on reference count overflow.
	abort AbortFunc
}

// snapshot is a single observed value of the state word.
type snapshot uint64

// Outcomes of transitionToRunning.
type transitionToRunning uint8

const (
	// The task was locked for polling.
	runningSuccess transitionToRunning = iota
	// The task was locked for polling but carries the cancelled bit;
	// the caller must cancel it instead of polling.
	runningCancelled
	// The notification lost a race with another lifecycle holder; the
	// notified reference was consumed.
	runningFailed
	// As runningFailed, and the consumed reference was the last one.
	runningDealloc
)

// Outcomes of transitionToIdle.
type transitionToIdle uint8

const (
	idleOk transitionToIdle = iota
	// A wakeup arrived during the poll. A fresh notified reference was
	// minted for the caller to submit.
	idleOkNotified
	// The consumed notification reference was the last one.
	idleOkDealloc
	// The task was cancelled during the poll; the state is unchanged
	// and the caller must cancel the task.
	idleCancelled
)

// Outcomes of transitionToNotifiedByVal.
type transitionToNotifiedByVal uint8

const (
	notifiedByValDoNothing transitionToNotifiedByVal = iota
	notifiedByValSubmit
	notifiedByValDealloc
)

// Outcomes of transitionToNotifiedByRef.
type transitionToNotifiedByRef uint8

const (
	notifiedByRefDoNothing transitionToNotifiedByRef = iota
	notifiedByRefSubmit
)

// joinHandleDropped reports what the JoinHandle must release after a
// transitionToJoinHandleDropped.
type joinHandleDropped struct {
	dropWaker  bool
	dropOutput bool
}

// init places the word in the initial three-reference state. Called once
// before the task is visible to any other goroutine.
func (s *state) init(abort AbortFunc) {
	s.val.Store(initialState)
	s.abort = abort
}

// load establishes acquire ordering on the state word.
func (s *state) load() snapshot {
	return snapshot(s.val.Load())
}

// transitionToRunning attempts to lock the RUNNING bit on behalf of a
// dequeued notification. The notified bit must be set on entry.
func (s *state) transitionToRunning() transitionToRunning {
	var action transitionToRunning
	s.fetchUpdate(func(curr snapshot) (snapshot, bool) {
		if !curr.isNotified() {
			panic(fmt.Sprintf("taskz: transitionToRunning on unnotified task: %v", curr))
		}
		next := curr

		if !next.isIdle() {
			// The task is currently running on another worker or has
			// already completed (e.g. cancelled during shutdown).
			// Consume the notified reference and bail.
			next = next.refDec()
			if next.refCount() == 0 {
				action = runningDealloc
			} else {
				action = runningFailed
			}
		} else {
			next = next.with(flagRunning).without(flagNotified)
			if next.isCancelled() {
				action = runningCancelled
			} else {
				action = runningSuccess
			}
		}
		return next, true
	})
	return action
}

// transitionToIdle moves the task from Running back to Idle after a poll
// returned pending. It fails with idleCancelled, leaving the state
// untouched, if the task was cancelled mid-poll.
func (s *state) transitionToIdle() transitionToIdle {
	var action transitionToIdle
	s.fetchUpdate(func(curr snapshot) (snapshot, bool) {
		if !curr.isRunning() {
			panic(fmt.Sprintf("taskz: transitionToIdle on non-running task: %v", curr))
		}
		if curr.isCancelled() {
			action = idleCancelled
			return curr, false
		}

		next := curr.without(flagRunning)
		if !next.isNotified() {
			// Polling the future consumed the notification's reference.
			next = next.refDec()
			if next.refCount() == 0 {
				action = idleOkDealloc
			} else {
				action = idleOk
			}
		} else {
			// A wakeup arrived during the poll. Mint a reference for
			// the notification the caller is about to submit; the
			// caller's own reference is dropped by the caller.
			next = next.refInc()
			action = idleOkNotified
		}
		return next, true
	})
	return action
}

// transitionToComplete moves the task from Running to Complete with a
// single XOR, toggling RUNNING off and COMPLETE on.
func (s *state) transitionToComplete() snapshot {
	const delta = flagRunning | flagComplete

	prev := snapshot(atomicXor(&s.val, delta))
	if !prev.isRunning() || prev.isComplete() {
		panic(fmt.Sprintf("taskz: transitionToComplete from invalid state: %v", prev))
	}
	return prev ^ snapshot(delta)
}

// transitionToTerminal drops count references at once, reporting whether
// the task must now be deallocated.
func (s *state) transitionToTerminal(count int) bool {
	prev := snapshot(s.val.Add(^(uint64(count)*refOne - 1)))
	prev += snapshot(uint64(count) * refOne) // recover the pre-sub value
	if int(prev.refCount()) < count {
		panic(fmt.Sprintf("taskz: terminal underflow: have %d, dropping %d", prev.refCount(), count))
	}
	return int(prev.refCount()) == count
}

// transitionToNotifiedByVal is the wake path that consumes an owned
// reference (Waker.Wake).
func (s *state) transitionToNotifiedByVal() transitionToNotifiedByVal {
	var action transitionToNotifiedByVal
	s.fetchUpdate(func(curr snapshot) (snapshot, bool) {
		next := curr
		switch {
		case next.isRunning():
			// The worker polling the task observes the notified bit on
			// transitionToIdle and re-submits, so there is nothing to
			// enqueue here.
			next = next.with(flagNotified).refDec()
			if next.refCount() == 0 {
				panic("taskz: running task lost its poll reference")
			}
			action = notifiedByValDoNothing
		case next.isComplete() || next.isNotified():
			next = next.refDec()
			if next.refCount() == 0 {
				action = notifiedByValDealloc
			} else {
				action = notifiedByValDoNothing
			}
		default:
			// Idle and unnotified: mint a reference for the new
			// notification. The caller keeps its own reference until
			// the submission returns.
			next = next.with(flagNotified).refInc()
			action = notifiedByValSubmit
		}
		return next, true
	})
	return action
}

// transitionToNotifiedByRef is the wake path from a borrowed reference
// (Waker.WakeByRef).
func (s *state) transitionToNotifiedByRef() transitionToNotifiedByRef {
	var action transitionToNotifiedByRef
	s.fetchUpdate(func(curr snapshot) (snapshot, bool) {
		next := curr
		switch {
		case next.isComplete() || next.isNotified():
			action = notifiedByRefDoNothing
			return curr, false
		case next.isRunning():
			next = next.with(flagNotified)
			action = notifiedByRefDoNothing
		default:
			next = next.with(flagNotified).refInc()
			action = notifiedByRefSubmit
		}
		return next, true
	})
	return action
}

// transitionToNotifiedAndCancel implements remote cancellation. It
// reports whether the caller must submit the freshly minted notification.
func (s *state) transitionToNotifiedAndCancel() bool {
	var submit bool
	s.fetchUpdate(func(curr snapshot) (snapshot, bool) {
		next := curr
		switch {
		case next.isCancelled() || next.isComplete():
			// Aborting a completed or already-cancelled task is a no-op.
			submit = false
			return curr, false
		case next.isRunning():
			// The polling worker observes the cancelled bit when it
			// stops polling and kills the task. Setting notified here
			// lets a racing WakeByRef return without a CAS.
			next = next.with(flagNotified).with(flagCancelled)
			submit = false
		default:
			next = next.with(flagCancelled)
			if !next.isNotified() {
				next = next.with(flagNotified).refInc()
				submit = true
			} else {
				submit = false
			}
		}
		return next, true
	})
	return submit
}

// transitionToShutdown sets the cancelled bit and, if the task was idle,
// locks RUNNING so the caller may cancel the task in place. It reports
// whether the task was idle.
func (s *state) transitionToShutdown() bool {
	var wasIdle bool
	s.fetchUpdate(func(curr snapshot) (snapshot, bool) {
		next := curr
		wasIdle = next.isIdle()
		if wasIdle {
			next = next.with(flagRunning)
		}
		// If the task was not idle, the worker currently running it
		// observes the cancelled bit once the poll completes.
		next = next.with(flagCancelled)
		return next, true
	})
	return wasIdle
}

// dropJoinHandleFast optimistically detaches the join handle with a
// single CAS. It only succeeds while the task is still in its initial
// state, i.e. before any polling has begun. The handle's reference is
// consumed in the same CAS so the count keeps matching the outstanding
// handles.
func (s *state) dropJoinHandleFast() bool {
	return s.val.CompareAndSwap(initialState, (initialState-refOne)&^flagJoinInterest)
}

// transitionToJoinHandleDropped clears JOIN_INTEREST and, while the task
// is incomplete, JOIN_WAKER as well, returning which of the waker slot
// and the output the JoinHandle must now release.
func (s *state) transitionToJoinHandleDropped() joinHandleDropped {
	var out joinHandleDropped
	s.fetchUpdate(func(curr snapshot) (snapshot, bool) {
		if !curr.isJoinInterested() {
			panic("taskz: join handle dropped twice")
		}
		out = joinHandleDropped{}
		next := curr.without(flagJoinInterest)

		if !next.isComplete() {
			// Clearing JOIN_WAKER hands exclusive waker access back to
			// the JoinHandle (rule 6), which drops the slot below.
			next = next.without(flagJoinWaker)
		} else {
			// The task completed, so the output is the JoinHandle's to
			// release.
			out.dropOutput = true
		}

		if !next.isJoinWakerSet() {
			// Either we just cleared the bit, or completion already
			// cleared it: exclusive access either way.
			out.dropWaker = true
		}
		return next, true
	})
	return out
}

// setJoinWaker publishes the waker slot by setting JOIN_WAKER. It fails,
// returning the observed snapshot, if the task completed concurrently.
func (s *state) setJoinWaker() (snapshot, bool) {
	return s.fetchUpdateChecked(func(curr snapshot) (snapshot, bool) {
		if !curr.isJoinInterested() || curr.isJoinWakerSet() {
			panic(fmt.Sprintf("taskz: setJoinWaker from invalid state: %v", curr))
		}
		if curr.isComplete() {
			return curr, false
		}
		return curr.with(flagJoinWaker), true
	})
}

// unsetWaker takes back exclusive waker-slot access ahead of a rewrite.
// It fails if the task completed, in which case the slot now belongs to
// the completion path.
func (s *state) unsetWaker() (snapshot, bool) {
	return s.fetchUpdateChecked(func(curr snapshot) (snapshot, bool) {
		if !curr.isJoinInterested() {
			panic("taskz: unsetWaker without join interest")
		}
		if curr.isComplete() {
			return curr, false
		}
		if !curr.isJoinWakerSet() {
			panic("taskz: unsetWaker without a published waker")
		}
		return curr.without(flagJoinWaker), true
	})
}

// unsetWakerAfterComplete clears JOIN_WAKER unconditionally once the task
// has completed, handing exclusive slot access back to the JoinHandle.
func (s *state) unsetWakerAfterComplete() snapshot {
	prev := snapshot(s.val.And(^flagJoinWaker))
	if !prev.isComplete() || !prev.isJoinWakerSet() {
		panic(fmt.Sprintf("taskz: unsetWakerAfterComplete from invalid state: %v", prev))
	}
	return prev & snapshot(^flagJoinWaker)
}

// refInc adds one reference. New references are only formed from existing
// ones, and handing a reference to another CPU is itself a
// synchronization event, so no extra ordering is required here.
func (s *state) refInc() {
	prev := s.val.Add(refOne) - refOne
	if prev > math.MaxInt64 {
		s.abortWith("task reference count overflow")
	}
}

// refDec drops one reference, reporting whether the caller must release
// the task.
func (s *state) refDec() bool {
	prev := snapshot(s.val.Add(^uint64(refOne - 1)))
	prev += snapshot(refOne)
	if prev.refCount() < 1 {
		panic("taskz: reference count underflow")
	}
	return prev.refCount() == 1
}

func (s *state) abortWith(msg string) {
	abort := s.abort
	if abort == nil {
		abort = defaultAbort
	}
	abort(msg)
	panic("taskz: abort capability returned")
}

// fetchUpdate runs the classic CAS loop. The callback returns the
// successor snapshot and whether to attempt the swap; returning false
// finishes the loop without modifying the word.
func (s *state) fetchUpdate(f func(snapshot) (snapshot, bool)) {
	s.fetchUpdateChecked(f)
}

func (s *state) fetchUpdateChecked(f func(snapshot) (snapshot, bool)) (snapshot, bool) {
	curr := s.load()
	for {
		next, swap := f(curr)
		if !swap {
			return curr, false
		}
		if s.val.CompareAndSwap(uint64(curr), uint64(next)) {
			return next, true
		}
		curr = s.load()
	}
}

// atomicXor emulates fetch_xor with a CAS loop, returning the previous
// value.
func atomicXor(v *atomic.Uint64, mask uint64) uint64 {
	for {
		old := v.Load()
		if v.CompareAndSwap(old, old^mask) {
			return old
		}
	}
}

func (s snapshot) isIdle() bool      { return uint64(s)&lifecycleMask == 0 }
func (s snapshot) isRunning() bool   { return uint64(s)&flagRunning != 0 }
func (s snapshot) isComplete() bool  { return uint64(s)&flagComplete != 0 }
func (s snapshot) isNotified() bool  { return uint64(s)&flagNotified != 0 }
func (s snapshot) isCancelled() bool { return uint64(s)&flagCancelled != 0 }

func (s snapshot) isJoinInterested() bool { return uint64(s)&flagJoinInterest != 0 }
func (s snapshot) isJoinWakerSet() bool   { return uint64(s)&flagJoinWaker != 0 }

func (s snapshot) refCount() uint64 { return (uint64(s) & refCountMask) >> refCountShift }

func (s snapshot) with(flag uint64) snapshot    { return s | snapshot(flag) }
func (s snapshot) without(flag uint64) snapshot { return s &^ snapshot(flag) }

func (s snapshot) refInc() snapshot { return s + snapshot(refOne) }

func (s snapshot) refDec() snapshot {
	if s.refCount() == 0 {
		panic("taskz: snapshot reference underflow")
	}
	return s - snapshot(refOne)
}

func (s snapshot) String() string {
	return fmt.Sprintf("snapshot{running=%t complete=%t notified=%t cancelled=%t joinInterest=%t joinWaker=%t refs=%d}",
		s.isRunning(), s.isComplete(), s.isNotified(), s.isCancelled(),
		s.isJoinInterested(), s.isJoinWakerSet(), s.refCount())
}
