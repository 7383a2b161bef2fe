// Package taskz provides a work-stealing multi-threaded executor for polled
// tasks in Go.
//
// # Overview
//
// taskz drives polled computations ("tasks") to completion across a fixed set
// of workers, one per CPU. It is the concurrent execution core of a larger
// system: spawning binds each task under a short owned-set lock, every queue handoff is a
// fine-grained atomic protocol, and resource accounting never leaks a task
// allocation under any interleaving of wake, complete, join and cancel.
//
// # Core Concepts
//
// The library is built around a small set of cooperating pieces:
//
//   - Future[T]: a polled computation with Poll(*PollContext) (T, bool)
//   - Waker: resumes a suspended task; cloned and fired by event sources
//   - JoinHandle[T]: awaits a task's output, or aborts it
//   - Runtime: the scheduler owning workers, run queues and every live task
//
// A task yields by returning pending from Poll after registering its waker;
// it is resumed when the waker fires. Scheduling is cooperative: there is no
// preemption, and a task holds its worker until it returns from Poll.
//
// # Scheduling
//
// Each worker owns a bounded local run queue and a LIFO slot for the task
// most recently woken by the one it is polling. Overflow spills half the
// local queue to an unbounded global queue in a single atomic handoff. An
// idle worker steals half of a busy peer's queue; a worker with nothing to
// steal parks until the idle coordinator pairs it with new work. Tasks
// injected from outside the runtime enter the global queue, which every
// worker checks at a fixed poll interval so injected work cannot starve.
//
// # Capabilities
//
// Global effects are injected, not ambient: the allocator, the park
// primitive, the cpu id accessor and the process abort hook are all
// capabilities on the Runtime, so the core runs identically under a hosted
// Go runtime, a simulator, or a freestanding kernel port.
//
// # Usage Example
//
// Spawning a task and awaiting its output:
//
//	rt := taskz.NewRuntime(4)
//	for cpu := 0; cpu < rt.Workers(); cpu++ {
//	    go rt.RunWorker(cpu)
//	}
//	defer rt.Shutdown()
//
//	handle, err := taskz.Spawn(rt, taskz.FutureFunc[int](func(_ *taskz.PollContext) (int, bool) {
//	    return 6 * 7, true
//	}))
//	if err != nil {
//	    return err
//	}
//	answer, err := handle.Join(ctx)
//
// # Observability
//
// Runtimes expose a metricz registry of scheduler counters (polls, parks,
// steals, overflows), emit capitan signals for lifecycle events, trace spawn
// and shutdown through tracez spans, and fire typed hookz events for task
// lifecycle observers. All of it is passive until someone subscribes.
package taskz
