package taskz

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zoobzio/capitan"
	"github.com/zoobzio/clockz"
	"github.com/zoobzio/hookz"
	"github.com/zoobzio/metricz"
	"github.com/zoobzio/tracez"
)

// Metric keys for runtime-level accounting.
var (
	RuntimeTasksSpawnedTotal   = metricz.Key("runtime.tasks.spawned.total")
	RuntimeTasksCompletedTotal = metricz.Key("runtime.tasks.completed.total")
	RuntimeTasksCancelledTotal = metricz.Key("runtime.tasks.cancelled.total")
	RuntimeTasksLive           = metricz.Key("runtime.tasks.live")
	RuntimeGlobalQueueDepth    = metricz.Key("runtime.global-queue.depth")

	// Span keys.
	RuntimeSpawnSpan    = tracez.Key("runtime.spawn")
	RuntimeShutdownSpan = tracez.Key("runtime.shutdown")

	// Span tags.
	RuntimeTagTask    = tracez.Tag("runtime.task")
	RuntimeTagWorkers = tracez.Tag("runtime.workers")

	// Hook event keys.
	TaskEventSpawned   = hookz.Key("task.spawned")
	TaskEventCompleted = hookz.Key("task.completed")
	TaskEventCancelled = hookz.Key("task.cancelled")
)

// TaskEvent is delivered to task lifecycle hooks.
type TaskEvent struct {
	Task      ID
	Err       error
	Cancelled bool
	Timestamp time.Time
}

// Runtime is a work-stealing executor driving polled tasks to completion
// across a fixed set of workers, one per CPU. Construct it with
// NewRuntime, enter the scheduling loop on each CPU with RunWorker, and
// submit work with Spawn.
//
// CRITICAL: Runtime is a STATEFUL component owning every task spawned
// onto it. Create it once and reuse it; configuration setters must be
// called before the first RunWorker or Spawn.
//
// Example:
//
//	rt := taskz.NewRuntime(4)
//	for cpu := 0; cpu < 4; cpu++ {
//	    go rt.RunWorker(cpu)
//	}
//	handle, _ := taskz.Spawn(rt, taskz.Ready("done"))
//	out, _ := handle.Join(ctx)
//	rt.Shutdown()
type Runtime struct {
	shared *shared
}

// shared is the state every worker and every task handle reaches.
type shared struct {
	// Steal handles: remotes[i] is worker i's local queue. The slice is
	// fixed at construction; the core objects migrate between workers
	// but each keeps pointing at its slot here.
	remotes []*localQueue

	// All tasks currently owned by this runtime.
	owned ownedTasks

	// Scheduler mutex: guards synced, and is the lock behind every
	// per-worker condition variable.
	mu     sync.Mutex
	synced syncedState

	// The global (injection) run queue.
	runQueue globalQueue

	// Coordinates idle workers.
	idle idleCoord

	// Per-worker condition variables for parking.
	condvars []*sync.Cond

	// Per-CPU worker contexts, addressed through the cpu id capability.
	tls *gidMappedTLS

	// Signal to workers that they should be shutting down.
	shutdown atomic.Bool
	// Shut the runtime down once no work remains; testing aid.
	shutdownOnIdle bool

	// One flag per worker guarding against two RunWorker calls for the
	// same cpu.
	workerActive []atomic.Bool

	baseCtx context.Context
	clock   clockz.Clock
	parker  Parker
	alloc   Allocator
	abort   AbortFunc
	cpuid   CPUIDFunc
	gids    *gidRegistry

	metrics *metricz.Registry
	tracer  *tracez.Tracer
	hooks   *hookz.Hooks[TaskEvent]
}

// syncedState is everything guarded by the scheduler mutex.
type syncedState struct {
	// When a parked worker is notified it is assigned a core here until
	// it wakes up to take it.
	assignedCores []*core
	// Synchronized half of the idle coordinator.
	idle idleSynced
	// Cores that have observed the shutdown signal.
	shutdownCores []*core
	// Set once the terminal queue drain has run.
	finalized bool
}

// core is the migratable per-worker scheduling state: the local run
// queue, the LIFO slot and the steal RNG. Cores move between workers
// through the idle coordinator; at any instant at most one worker owns a
// given core.
type core struct {
	// Index of this core's slot in shared.remotes.
	index int
	// The worker-local run queue.
	runQueue *localQueue
	// The LIFO slot, polled before the local queue.
	lifoSlot *header
	// True while the owning worker is searching for work to steal.
	isSearching bool
	// Per-core steal RNG; only the owning worker touches it.
	rng fastRand
}

// workerContext is the per-CPU scheduling context. Only the goroutine
// registered as that CPU's worker touches the mutable fields.
type workerContext struct {
	shared *shared
	// Non-nil while the worker holds a core.
	core *core
	// True when the LIFO slot accepts newly woken tasks.
	lifoEnabled bool
	// Tasks woken by the currently polled task via yield; drained by
	// the worker before it searches or parks.
	deferred []*header
}

// gidMappedTLS stores worker contexts in per-CPU storage and resolves
// the calling goroutine to its slot through the runtime's capabilities.
type gidMappedTLS struct {
	local *CPULocal[*workerContext]
}

// NewRuntime builds a runtime with the given number of workers. Workers
// do not run until the embedder enters RunWorker on each CPU.
func NewRuntime(workers int) *Runtime {
	if workers < 1 {
		workers = 1
	}

	metrics := metricz.New()
	metrics.Counter(RuntimeTasksSpawnedTotal)
	metrics.Counter(RuntimeTasksCompletedTotal)
	metrics.Counter(RuntimeTasksCancelledTotal)
	metrics.Gauge(RuntimeTasksLive)
	metrics.Gauge(RuntimeGlobalQueueDepth)
	registerWorkerMetrics(metrics)

	s := &shared{
		remotes:      make([]*localQueue, workers),
		condvars:     make([]*sync.Cond, workers),
		workerActive: make([]atomic.Bool, workers),
		baseCtx:      context.Background(),
		clock:        clockz.RealClock,
		alloc:        unboundedAllocator{},
		abort:        defaultAbort,
		gids:         newGIDRegistry(workers),
		metrics:      metrics,
		tracer:       tracez.New(),
		hooks:        hookz.New[TaskEvent](),
	}
	s.cpuid = s.gids.current
	s.runQueue.init()
	s.idle.init(workers)

	cores := make([]*core, workers)
	for i := range cores {
		s.remotes[i] = &localQueue{}
		cores[i] = &core{index: i, runQueue: s.remotes[i]}
		cores[i].rng.seed(uint64(i)*0x9e3779b97f4a7c15 + 0x2545f4914f6cdd1d)
		s.condvars[i] = sync.NewCond(&s.mu)
	}
	s.synced.assignedCores = make([]*core, workers)
	s.synced.shutdownCores = make([]*core, 0, workers)
	s.synced.idle = s.idle.initSynced(cores)

	s.tls = &gidMappedTLS{local: NewCPULocal[*workerContext](func() int { return s.cpuid() })}

	return &Runtime{shared: s}
}

// WithClock sets a custom clock for testing.
func (rt *Runtime) WithClock(clock clockz.Clock) *Runtime {
	rt.shared.clock = clock
	return rt
}

// WithParker sets the park capability used for timed spin stalls.
func (rt *Runtime) WithParker(p Parker) *Runtime {
	rt.shared.parker = p
	return rt
}

// WithAllocator sets the memory capability charged for every task.
func (rt *Runtime) WithAllocator(a Allocator) *Runtime {
	rt.shared.alloc = a
	return rt
}

// WithAbortHandler sets the process-abort capability invoked on
// reference count overflow.
func (rt *Runtime) WithAbortHandler(abort AbortFunc) *Runtime {
	rt.shared.abort = abort
	return rt
}

// WithCPUID replaces the cpu id capability. Freestanding embedders point
// this at their hart-id register; the default identifies worker
// goroutines by goroutine id.
func (rt *Runtime) WithCPUID(f CPUIDFunc) *Runtime {
	rt.shared.cpuid = f
	return rt
}

// WithShutdownOnIdle makes the runtime shut itself down when a worker
// about to park finds no owned tasks left and an empty global queue.
// Intended for tests and batch runs.
func (rt *Runtime) WithShutdownOnIdle(enabled bool) *Runtime {
	rt.shared.shutdownOnIdle = enabled
	return rt
}

// Workers returns the number of workers the runtime was built with.
func (rt *Runtime) Workers() int {
	return len(rt.shared.remotes)
}

// LiveTasks reports how many tasks the runtime currently owns.
func (rt *Runtime) LiveTasks() int {
	return rt.shared.owned.len()
}

// Metrics returns the metrics registry for this runtime.
func (rt *Runtime) Metrics() *metricz.Registry {
	return rt.shared.metrics
}

// Tracer returns the tracer for this runtime.
func (rt *Runtime) Tracer() *tracez.Tracer {
	return rt.shared.tracer
}

// OnTaskCompleted registers a handler fired asynchronously whenever a
// task reaches its terminal stage, including cancellations.
func (rt *Runtime) OnTaskCompleted(handler func(context.Context, TaskEvent) error) error {
	_, err := rt.shared.hooks.Hook(TaskEventCompleted, handler)
	return err
}

// OnTaskSpawned registers a handler fired asynchronously for every
// successful Spawn.
func (rt *Runtime) OnTaskSpawned(handler func(context.Context, TaskEvent) error) error {
	_, err := rt.shared.hooks.Hook(TaskEventSpawned, handler)
	return err
}

// OnTaskCancelled registers a handler fired asynchronously for tasks
// that terminate cancelled.
func (rt *Runtime) OnTaskCancelled(handler func(context.Context, TaskEvent) error) error {
	_, err := rt.shared.hooks.Hook(TaskEventCancelled, handler)
	return err
}

// Shutdown initiates cooperative termination: every remaining task is
// cancelled and completed in place, and parked workers are woken to
// exit. The terminal drain that empties both run queues runs here only
// when no worker still holds a core; otherwise the last worker to park
// its core on exit runs it. Shutdown does not wait for workers to exit.
func (rt *Runtime) Shutdown() {
	s := rt.shared

	_, span := s.tracer.StartSpan(s.baseCtx, RuntimeShutdownSpan)
	span.SetTag(RuntimeTagWorkers, fmt.Sprintf("%d", len(s.remotes)))
	defer span.Finish()

	s.shutdown.Store(true)

	capitan.Info(s.baseCtx, SignalRuntimeShutdown,
		FieldCount.Field(s.owned.len()),
		FieldTimestamp.Field(float64(s.clock.Now().Unix())),
	)

	// Close the owned set and cancel every task still bound to it.
	s.owned.closeAndShutdownAll()

	s.mu.Lock()
	s.shutdownFinalizeLocked()
	for _, cv := range s.condvars {
		cv.Broadcast()
	}
	s.mu.Unlock()
}

// Close shuts the runtime down and releases its observability
// components.
func (rt *Runtime) Close() error {
	rt.Shutdown()
	rt.shared.tracer.Close()
	rt.shared.hooks.Close()
	return nil
}

// shutdownCore parks a worker's core on the shutdown list and runs the
// terminal drain once every core has arrived.
func (s *shared) shutdownCore(cx *workerContext, c *core) {
	s.owned.closeAndShutdownAll()

	s.mu.Lock()
	defer s.mu.Unlock()
	cx.core = nil
	s.synced.shutdownCores = append(s.synced.shutdownCores, c)
	s.shutdownFinalizeLocked()
}

// shutdownFinalizeLocked drains and drops every queue once all cores are
// accounted for: cores pushed by exiting workers, cores still in the
// idle pool, and cores stranded in assignment slots by workers that
// exited before collecting them.
func (s *shared) shutdownFinalizeLocked() {
	if s.synced.finalized {
		return
	}

	for {
		c := s.idle.tryAcquireAvailableCore(&s.synced.idle)
		if c == nil {
			break
		}
		s.synced.shutdownCores = append(s.synced.shutdownCores, c)
	}
	for i, c := range s.synced.assignedCores {
		if c != nil {
			s.synced.assignedCores[i] = nil
			s.synced.shutdownCores = append(s.synced.shutdownCores, c)
		}
	}

	if len(s.synced.shutdownCores) != len(s.remotes) {
		// Some worker still holds its core; it re-runs this when it
		// parks the core on exit.
		return
	}
	s.synced.finalized = true

	// Every remaining task was already cancelled and completed through
	// the owned set; what is left in the queues is notified references,
	// which are dropped here.
	for _, c := range s.synced.shutdownCores {
		if c.lifoSlot != nil {
			c.lifoSlot.dropReference()
			c.lifoSlot = nil
		}
		for {
			h := c.runQueue.pop()
			if h == nil {
				break
			}
			h.dropReference()
		}
	}
	for {
		h := s.runQueue.dequeue()
		if h == nil {
			break
		}
		h.dropReference()
	}
	s.metrics.Gauge(RuntimeGlobalQueueDepth).Set(0)
}

// Spawn submits a future to the runtime and returns the JoinHandle for
// its output. The task starts running as soon as a worker picks it up;
// spawning never blocks.
//
// Spawning against a runtime that is shutting down fails with
// ErrShutdown. An allocation rejected by the Allocator capability fails
// the spawn with no partial state.
func Spawn[T any](rt *Runtime, fut Future[T]) (*JoinHandle[T], error) {
	s := rt.shared

	if s.shutdown.Load() {
		capitan.Warn(s.baseCtx, SignalTaskRejected,
			FieldError.Field(ErrShutdown.Error()),
			FieldTimestamp.Field(float64(s.clock.Now().Unix())),
		)
		return nil, ErrShutdown
	}

	layout := layoutFor[T]()
	if err := s.alloc.Allocate(layout); err != nil {
		capitan.Warn(s.baseCtx, SignalTaskRejected,
			FieldError.Field(err.Error()),
			FieldTimestamp.Field(float64(s.clock.Now().Unix())),
		)
		return nil, fmt.Errorf("allocating task: %w", err)
	}

	c := newCell[T](s, fut, s.abort)
	h := &c.header
	id := c.core.taskID

	_, span := s.tracer.StartSpan(s.baseCtx, RuntimeSpawnSpan)
	span.SetTag(RuntimeTagTask, fmt.Sprintf("%d", id))
	defer span.Finish()

	if !s.owned.bind(h) {
		// The runtime closed between the check above and the bind.
		// Terminate the task in place; the JoinHandle resolves with a
		// cancelled result. The bind's reference and the notified
		// reference are both consumed here.
		h.vtable.shutdown(h)
		h.dropReference()
		return newJoinHandle[T](h), nil
	}

	s.metrics.Counter(RuntimeTasksSpawnedTotal).Inc()
	s.metrics.Gauge(RuntimeTasksLive).Set(float64(s.owned.len()))

	capitan.Info(s.baseCtx, SignalTaskSpawned,
		FieldTask.Field(int(id)),
		FieldTimestamp.Field(float64(s.clock.Now().Unix())),
	)
	if s.hooks.ListenerCount(TaskEventSpawned) > 0 {
		_ = s.hooks.Emit(s.baseCtx, TaskEventSpawned, TaskEvent{ //nolint:errcheck
			Task:      id,
			Timestamp: s.clock.Now(),
		})
	}

	// Submit the initial notification.
	s.schedule(h, false)
	return newJoinHandle[T](h), nil
}

// currentContext resolves the calling goroutine to its worker context,
// or nil when the caller is not a worker.
func (s *shared) currentContext() *workerContext {
	return s.tls.current()
}

func (t *gidMappedTLS) current() *workerContext {
	p := t.local.Get()
	if p == nil {
		return nil
	}
	return *p
}

// schedule implements the scheduler interface: it routes a notified
// task reference to the right queue.
//
//   - Called on a worker that owns a core: LIFO slot (or local queue).
//   - Called on a worker between polls or without a core: deferred.
//   - Called anywhere else: global queue, waking a parked worker.
func (s *shared) schedule(h *header, yield bool) {
	if cx := s.currentContext(); cx != nil {
		if cx.core != nil && !yield {
			s.scheduleLocal(cx, cx.core, h)
		} else {
			cx.deferred = append(cx.deferred, h)
		}
		return
	}
	s.scheduleRemote(h)
}

func (s *shared) scheduleLocal(cx *workerContext, c *core, h *header) {
	if cx.lifoEnabled {
		prev := c.lifoSlot
		c.lifoSlot = h
		if prev == nil {
			return
		}
		c.runQueue.pushBackOrOverflow(prev, s)
	} else {
		c.runQueue.pushBackOrOverflow(h, s)
	}
	s.notifyParkedLocal()
}

func (s *shared) scheduleRemote(h *header) {
	s.runQueue.enqueue(h)
	s.metrics.Gauge(RuntimeGlobalQueueDepth).Set(float64(s.runQueue.len()))
	s.notifyParkedRemote()
}

// notifyParkedLocal wakes one parked worker unless a searcher is already
// scanning the queues.
func (s *shared) notifyParkedLocal() {
	s.metrics.Counter(SchedulerNotifyLocalTotal).Inc()
	if s.idle.numSearchingNow() > 0 {
		return
	}
	s.notifyParkedRemote()
}

func (s *shared) notifyParkedRemote() {
	s.mu.Lock()
	worker := s.idle.notifyOne(&s.synced.idle, s.synced.assignedCores)
	s.mu.Unlock()
	if worker >= 0 {
		s.condvars[worker].Signal()
		capitan.Info(s.baseCtx, SignalWorkerUnparked,
			FieldWorker.Field(worker),
			FieldTimestamp.Field(float64(s.clock.Now().Unix())),
		)
	}
}

// pushBatch implements the overflowTarget interface for local queue
// overflow: the evicted half-queue moves to the global queue in one
// atomic handoff.
func (s *shared) pushBatch(batch []*header) {
	s.runQueue.enqueueMany(batch)
	s.metrics.Counter(SchedulerOverflowsTotal).Inc()
	s.metrics.Gauge(RuntimeGlobalQueueDepth).Set(float64(s.runQueue.len()))
	capitan.Info(s.baseCtx, SignalQueueOverflow,
		FieldCount.Field(len(batch)),
		FieldTimestamp.Field(float64(s.clock.Now().Unix())),
	)
}

// release implements the scheduler interface: unbind the completed task
// from the owned set.
func (s *shared) release(h *header) bool {
	removed := s.owned.remove(h)
	if removed {
		s.metrics.Gauge(RuntimeTasksLive).Set(float64(s.owned.len()))
	}
	return removed
}

// completed implements the scheduler interface.
func (s *shared) completed(id ID, joinErr *JoinError) {
	s.metrics.Counter(RuntimeTasksCompletedTotal).Inc()

	var err error
	cancelled := false
	if joinErr != nil {
		err = joinErr
		cancelled = joinErr.Cancelled
	}
	if cancelled {
		s.metrics.Counter(RuntimeTasksCancelledTotal).Inc()
		capitan.Info(s.baseCtx, SignalTaskCancelled,
			FieldTask.Field(int(id)),
			FieldTimestamp.Field(float64(s.clock.Now().Unix())),
		)
	} else {
		capitan.Info(s.baseCtx, SignalTaskCompleted,
			FieldTask.Field(int(id)),
			FieldTimestamp.Field(float64(s.clock.Now().Unix())),
		)
	}

	event := TaskEvent{Task: id, Err: err, Cancelled: cancelled, Timestamp: s.clock.Now()}
	if s.hooks.ListenerCount(TaskEventCompleted) > 0 {
		_ = s.hooks.Emit(s.baseCtx, TaskEventCompleted, event) //nolint:errcheck
	}
	if cancelled && s.hooks.ListenerCount(TaskEventCancelled) > 0 {
		_ = s.hooks.Emit(s.baseCtx, TaskEventCancelled, event) //nolint:errcheck
	}
}

// allocator implements the scheduler interface.
func (s *shared) allocator() Allocator {
	return s.alloc
}

// now implements the scheduler interface.
func (s *shared) now() time.Time {
	return s.clock.Now()
}

// getParker returns the park capability, defaulting to a clock-backed
// sleeper.
func (s *shared) getParker() Parker {
	if s.parker == nil {
		return clockParker{clock: s.clock}
	}
	return s.parker
}
