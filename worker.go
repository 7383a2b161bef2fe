package taskz

import (
	"fmt"
	"time"

	"github.com/zoobzio/capitan"
	"github.com/zoobzio/metricz"
)

// Metric keys for the scheduling loop.
var (
	SchedulerPollsTotal          = metricz.Key("scheduler.polls.total")
	SchedulerParksTotal          = metricz.Key("scheduler.parks.total")
	SchedulerStealsTotal         = metricz.Key("scheduler.steals.total")
	SchedulerStolenTasksTotal    = metricz.Key("scheduler.stolen-tasks.total")
	SchedulerGlobalChecksTotal   = metricz.Key("scheduler.global-queue-interval.total")
	SchedulerRemoteRefillsTotal  = metricz.Key("scheduler.remote-refills.total")
	SchedulerSpinStallsTotal     = metricz.Key("scheduler.spin-stalls.total")
	SchedulerNoLocalWorkTotal    = metricz.Key("scheduler.no-local-work.total")
	SchedulerNotifyLocalTotal    = metricz.Key("scheduler.notify-local.total")
	SchedulerOverflowsTotal      = metricz.Key("scheduler.overflows.total")
	SchedulerLifoPollsTotal      = metricz.Key("scheduler.lifo-polls.total")
	SchedulerLifoCappedTotal     = metricz.Key("scheduler.lifo-capped.total")
	SchedulerDeferredDrainsTotal = metricz.Key("scheduler.deferred-drains.total")
)

func registerWorkerMetrics(m *metricz.Registry) {
	m.Counter(SchedulerPollsTotal)
	m.Counter(SchedulerParksTotal)
	m.Counter(SchedulerStealsTotal)
	m.Counter(SchedulerStolenTasksTotal)
	m.Counter(SchedulerGlobalChecksTotal)
	m.Counter(SchedulerRemoteRefillsTotal)
	m.Counter(SchedulerSpinStallsTotal)
	m.Counter(SchedulerNoLocalWorkTotal)
	m.Counter(SchedulerNotifyLocalTotal)
	m.Counter(SchedulerOverflowsTotal)
	m.Counter(SchedulerLifoPollsTotal)
	m.Counter(SchedulerLifoCappedTotal)
	m.Counter(SchedulerDeferredDrainsTotal)
}

// defaultGlobalQueueInterval is how many polls pass between forced
// global-queue checks. 61 is deliberately coprime to the usual batch and
// queue sizes so the check drifts across every queue position over time.
const defaultGlobalQueueInterval = 61

// maxLifoPolls bounds how many times in a row the LIFO slot may win over
// the local queue, so two tasks ping-ponging through the slot cannot
// starve the rest of the queue.
const maxLifoPolls = 3

// stealRounds is the number of steal sweeps a searching worker makes
// before giving up and parking.
const stealRounds = 4

// deferFanout caps how many parked peers are woken when a batch of
// deferred tasks is published, bounding no-op wakes and mutex
// contention.
const deferFanout = 2

// fastRand is a small xorshift generator for steal-target selection.
// Each core carries its own instance, so drawing a number never
// contends.
type fastRand struct {
	one, two uint64
}

func (r *fastRand) seed(seed uint64) {
	r.one = seed | 1
	r.two = seed ^ 0x6c62272e07bb0142
	if r.two == 0 {
		r.two = 0x100000001b3
	}
}

func (r *fastRand) next() uint64 {
	s1, s0 := r.one, r.two
	r.one = s0
	s1 ^= s1 << 17
	r.two = s1 ^ s0 ^ (s1 >> 7) ^ (s0 >> 16)
	return r.two + s0
}

// intn returns a uniform-ish value in [0, n).
func (r *fastRand) intn(n int) int {
	return int(r.next() % uint64(n))
}

// errWorkerShutdown unwinds a worker that observed the shutdown signal
// while it held no core.
var errWorkerShutdown = fmt.Errorf("worker shutdown")

// worker is the per-CPU control loop state. It lives on the RunWorker
// stack and never migrates; the migratable half is the core.
type worker struct {
	shared *shared
	cpu    int

	// True once the shutdown signal has been observed.
	isShutdown bool
	// Polls since the last forced global queue check.
	numSeqLocalPolls uint32
	// How often to check the global queue.
	globalQueueInterval uint32
	// Consecutive polls served from the LIFO slot.
	lifoPolls int
	// Snapshot of the idle map, refreshed per search, used to skip
	// known-idle steal targets.
	snapshot idleSnapshot
	// Scratch list of workers to signal outside the scheduler mutex.
	toNotify []int
}

// RunWorker enters the scheduling loop for the given cpu on the calling
// goroutine. It returns once the runtime shuts down, or immediately with
// an error for an invalid or already-running cpu id.
//
// Embedders call this once per CPU; on a hosted Go runtime that is one
// goroutine per worker.
func (rt *Runtime) RunWorker(cpuID int) error {
	s := rt.shared
	if cpuID < 0 || cpuID >= len(s.remotes) {
		return fmt.Errorf("worker id %d out of range [0, %d)", cpuID, len(s.remotes))
	}
	if !s.workerActive[cpuID].CompareAndSwap(false, true) {
		return fmt.Errorf("worker %d is already running", cpuID)
	}
	defer s.workerActive[cpuID].Store(false)

	s.gids.register(cpuID)
	defer s.gids.unregister(cpuID)

	w := &worker{
		shared:              s,
		cpu:                 cpuID,
		globalQueueInterval: defaultGlobalQueueInterval,
		snapshot:            newIdleSnapshot(&s.idle),
		toNotify:            make([]int, 0, len(s.remotes)),
	}

	cxp := s.tls.local.GetOr(func() *workerContext {
		return &workerContext{shared: s, lifoEnabled: true}
	})
	cx := *cxp

	capitan.Info(s.baseCtx, SignalWorkerStarted,
		FieldWorker.Field(cpuID),
		FieldTimestamp.Field(float64(s.clock.Now().Unix())),
	)

	// Acquire a core, parking until one is assigned.
	var c *core
	var task *header
	s.mu.Lock()
	if c = w.tryAcquireAvailableCoreLocked(cx); c != nil {
		w.resetAcquiredCore(cx, c)
		s.mu.Unlock()
	} else {
		var err error
		task, c, err = w.waitForCoreLocked(cx)
		if err != nil {
			capitan.Info(s.baseCtx, SignalWorkerExited,
				FieldWorker.Field(cpuID),
				FieldTimestamp.Field(float64(s.clock.Now().Unix())),
			)
			return nil
		}
	}

	if task != nil {
		w.runTask(cx, c, task)
	}

	for !w.isShutdown {
		task, c = w.nextTask(cx, c)
		if task == nil {
			// The only reason nextTask comes back empty is shutdown.
			if !w.isShutdown {
				panic("taskz: worker got no task without shutdown")
			}
			break
		}
		w.runTask(cx, c, task)
	}

	if c != nil {
		s.shutdownCore(cx, c)
	}
	w.shutdownClearDefer(cx)

	capitan.Info(s.baseCtx, SignalWorkerExited,
		FieldWorker.Field(cpuID),
		FieldTimestamp.Field(float64(s.clock.Now().Unix())),
	)
	return nil
}

// tryAcquireAvailableCoreLocked takes a free core if one exists.
// Scheduler mutex held.
func (w *worker) tryAcquireAvailableCoreLocked(cx *workerContext) *core {
	return w.shared.idle.tryAcquireAvailableCore(&w.shared.synced.idle)
}

// waitForCoreLocked blocks the worker until a core is assigned to it or
// shutdown is signalled. Called with the scheduler mutex held; returns
// with it released.
func (w *worker) waitForCoreLocked(cx *workerContext) (*header, *core, error) {
	s := w.shared

	// If a notification could not find a worker to pair with a core,
	// pick the work up instead of parking.
	if s.idle.needsSearchingNow() {
		if c := w.tryAcquireAvailableCoreLocked(cx); c != nil {
			s.idle.transitionWorkerToSearching(c)
			w.resetAcquiredCore(cx, c)
			s.mu.Unlock()
			return nil, c, nil
		}
	}

	s.idle.transitionWorkerToParked(&s.synced.idle, w.cpu)

	var c *core
	for {
		if assigned := s.synced.assignedCores[w.cpu]; assigned != nil {
			s.synced.assignedCores[w.cpu] = nil
			c = assigned
			break
		}
		if s.shutdown.Load() {
			s.idle.removeSleeper(&s.synced.idle, w.cpu)
			s.mu.Unlock()
			w.shutdownClearDefer(cx)
			return nil, nil, errWorkerShutdown
		}
		s.condvars[w.cpu].Wait()
	}

	w.resetAcquiredCore(cx, c)
	s.mu.Unlock()

	if w.isShutdown {
		return nil, c, nil
	}

	task := w.nextRemoteTaskAndRefill(cx, c)
	return task, c, nil
}

// resetAcquiredCore puts a freshly acquired core in a known state.
// Scheduler mutex held.
func (w *worker) resetAcquiredCore(cx *workerContext, c *core) {
	w.globalQueueInterval = defaultGlobalQueueInterval
	w.numSeqLocalPolls = 0
	w.lifoPolls = 0

	// Re-enable the LIFO slot in case the core was released by a worker
	// that had it disabled.
	cx.lifoEnabled = true
	cx.core = c

	if !c.runQueue.isEmpty() && !w.shared.shutdown.Load() {
		panic("taskz: acquired a core with a non-empty local queue")
	}

	w.updateGlobalFlags()
}

// nextTask is the heart of the scheduling loop: it finds the next task
// to poll, stealing or parking as needed. It returns nil only after the
// shutdown signal has been observed. The returned core is the one the
// worker now owns, which can change across a park.
func (w *worker) nextTask(cx *workerContext, c *core) (*header, *core) {
	s := w.shared

	w.numSeqLocalPolls++
	// Every globalQueueInterval polls the global queue takes precedence
	// so injected tasks cannot be starved by a busy local queue.
	if w.numSeqLocalPolls%w.globalQueueInterval == 0 {
		s.metrics.Counter(SchedulerGlobalChecksTotal).Inc()
		w.numSeqLocalPolls = 0

		if task := w.nextRemoteTask(); task != nil {
			return task, c
		}
	}

	if task := w.nextLocalTask(c); task != nil {
		return task, c
	}

	if task := w.nextRemoteTaskAndRefill(cx, c); task != nil {
		return task, c
	}

	s.metrics.Counter(SchedulerNoLocalWorkTotal).Inc()

	if len(cx.deferred) > 0 {
		// Tasks the last poll woke through yield: run one, publish the
		// rest with a bounded fan-out to idle peers.
		if task := w.scheduleDeferredWithCore(cx, c); task != nil {
			return task, c
		}
	}

	// No work anywhere nearby. Either some peer has queued tasks we can
	// steal, or the whole system is out of work and we park.
	for !w.isShutdown {
		if task := w.searchForWork(cx, c); task != nil {
			return task, c
		}

		var task *header
		task, c = w.park(cx, c)
		if task != nil {
			return task, c
		}
	}

	return nil, c
}

// nextLocalTask pulls from the LIFO slot first, then the local queue.
// The slot is capped at maxLifoPolls consecutive wins so it cannot
// starve the queue.
func (w *worker) nextLocalTask(c *core) *header {
	if c.lifoSlot != nil {
		if w.lifoPolls >= maxLifoPolls {
			w.shared.metrics.Counter(SchedulerLifoCappedTotal).Inc()
			if task := c.runQueue.pop(); task != nil {
				w.lifoPolls = 0
				return task
			}
			// Queue empty; the slot is all there is.
		}
		task := c.lifoSlot
		c.lifoSlot = nil
		w.lifoPolls++
		w.shared.metrics.Counter(SchedulerLifoPollsTotal).Inc()
		return task
	}
	w.lifoPolls = 0
	return c.runQueue.pop()
}

// nextRemoteTask takes a single task from the global queue.
func (w *worker) nextRemoteTask() *header {
	s := w.shared
	if s.runQueue.isEmpty() {
		return nil
	}
	h := s.runQueue.dequeue()
	s.metrics.Gauge(RuntimeGlobalQueueDepth).Set(float64(s.runQueue.len()))
	return h
}

// nextRemoteTaskAndRefill takes a task from the global queue and tops
// the local queue up with a fair share of what remains: the queue length
// divided over the workers that will be pulling from it.
func (w *worker) nextRemoteTaskAndRefill(cx *workerContext, c *core) *header {
	s := w.shared
	s.metrics.Counter(SchedulerRemoteRefillsTotal).Inc()

	if s.runQueue.isEmpty() {
		return nil
	}

	// Stealers only ever remove from our queue, so remainingSlots can
	// only grow between here and the pushes below.
	maxRefill := min(int(c.runQueue.remainingSlots()), max(c.runQueue.maxCapacity()/2, 1))

	var share int
	if c.isSearching {
		share = s.runQueue.len()/max(s.idle.numSearchingNow(), 1) + 1
	} else {
		share = s.runQueue.len()/(len(s.remotes)+1) + 1
	}
	n := min(share, maxRefill) + 1

	var batch []*header
	first := s.runQueue.dequeueBatch(n, func(h *header) {
		batch = append(batch, h)
	})
	if len(batch) > 0 {
		c.runQueue.pushBackUnchecked(batch)
	}
	s.metrics.Gauge(RuntimeGlobalQueueDepth).Set(float64(s.runQueue.len()))
	return first
}

// scheduleDeferredWithCore pops one deferred task to run and publishes
// the rest: up to deferFanout of them go to the global queue paired with
// worker wakeups, the remainder lands on the local queue.
func (w *worker) scheduleDeferredWithCore(cx *workerContext, c *core) *header {
	s := w.shared
	s.metrics.Counter(SchedulerDeferredDrainsTotal).Inc()

	n := len(cx.deferred)
	if n == 0 {
		return nil
	}
	task := cx.deferred[n-1]
	cx.deferred = cx.deferred[:n-1]

	if len(cx.deferred) > 0 {
		s.mu.Lock()
		fanout := min(len(cx.deferred), s.idle.numIdleCores(&s.synced.idle), deferFanout)
		if fanout > 0 {
			s.runQueue.enqueueMany(cx.deferred[:fanout])
			cx.deferred = cx.deferred[fanout:]
			s.idle.notifyMany(&s.synced.idle, s.synced.assignedCores, &w.toNotify, fanout)
		}
		s.mu.Unlock()

		for _, peer := range w.toNotify {
			s.condvars[peer].Signal()
		}
		w.toNotify = w.toNotify[:0]
	}

	if len(cx.deferred) > 0 {
		for _, h := range cx.deferred {
			c.runQueue.pushBackOrOverflow(h, s)
		}
		cx.deferred = cx.deferred[:0]
		s.notifyParkedLocal()
	}

	return task
}

// searchForWork makes up to stealRounds sweeps over the other workers,
// stealing half a queue from the first busy peer. Between rounds the
// worker spin-parks for a growing duration to avoid a thundering herd of
// stealers hammering the same victim.
func (w *worker) searchForWork(cx *workerContext, c *core) *header {
	s := w.shared

	if c.lifoSlot != nil || !c.runQueue.isEmpty() {
		panic("taskz: searching for work while holding local work")
	}
	if !c.runQueue.canSteal() {
		return nil
	}

	if !c.isSearching {
		s.idle.tryTransitionWorkerToSearching(c)
	}
	if !c.isSearching {
		return nil
	}

	w.snapshot.refresh(&s.idle)
	num := len(s.remotes)
	parker := s.getParker()

	for round := 0; round < stealRounds; round++ {
		start := c.rng.intn(num)
		if task := w.stealOneRound(c, start); task != nil {
			return task
		}

		if task := w.nextRemoteTaskAndRefill(cx, c); task != nil {
			return task
		}

		if round > 0 {
			s.metrics.Counter(SchedulerSpinStallsTotal).Inc()
			parker.ParkTimeout(time.Duration(round) * time.Microsecond)
		}
		w.updateGlobalFlags()
		if w.isShutdown {
			return nil
		}
	}

	return nil
}

// stealOneRound walks every peer once, starting at a random offset,
// skipping ourselves and peers marked idle in the snapshot.
func (w *worker) stealOneRound(c *core, start int) *header {
	s := w.shared
	num := len(s.remotes)

	for i := 0; i < num; i++ {
		victim := (start + i) % num

		// Don't steal from ourselves; we know we have no work.
		if victim == c.index {
			continue
		}
		if w.snapshot.isIdle(victim) {
			continue
		}

		s.metrics.Counter(SchedulerStealsTotal).Inc()
		if task := s.remotes[victim].stealInto(c.runQueue); task != nil {
			stolen := c.runQueue.len() + 1
			s.metrics.Counter(SchedulerStolenTasksTotal).Add(float64(stolen))
			capitan.Info(s.baseCtx, SignalWorkerStole,
				FieldWorker.Field(w.cpu),
				FieldVictim.Field(victim),
				FieldCount.Field(stolen),
				FieldTimestamp.Field(float64(s.clock.Now().Unix())),
			)
			return task
		}
	}

	return nil
}

// park releases the core and blocks until new work is assigned. One
// last global-queue check happens before the scheduler mutex is taken,
// not under it. A task enqueued after that check is still picked up:
// its notification raises needsSearching when it finds no parked worker,
// and that flag is read under the mutex before the worker sleeps.
func (w *worker) park(cx *workerContext, c *core) (*header, *core) {
	s := w.shared

	if c.lifoSlot != nil || !c.runQueue.isEmpty() || w.isShutdown {
		return nil, c
	}

	// Try one last time to get tasks.
	if task := w.nextRemoteTaskAndRefill(cx, c); task != nil {
		return task, c
	}

	// Under shutdownOnIdle the runtime winds itself down once no work
	// remains anywhere: no owned tasks and an empty injection queue.
	// Checking only this worker's queues would race other workers that
	// still hold runnable tasks.
	if s.shutdownOnIdle && s.owned.isEmpty() && s.runQueue.isEmpty() {
		s.shutdown.Store(true)
		s.mu.Lock()
		for _, cv := range s.condvars {
			cv.Broadcast()
		}
		s.mu.Unlock()
	}

	w.updateGlobalFlags()
	if w.isShutdown {
		return nil, c
	}

	s.metrics.Counter(SchedulerParksTotal).Inc()
	capitan.Info(s.baseCtx, SignalWorkerParked,
		FieldWorker.Field(w.cpu),
		FieldTimestamp.Field(float64(s.clock.Now().Unix())),
	)

	s.mu.Lock()
	if c.isSearching {
		c.isSearching = false
		s.idle.transitionWorkerFromSearching()
	}
	cx.core = nil
	s.idle.releaseCore(&s.synced.idle, c)

	task, newCore, err := w.waitForCoreLocked(cx)
	if err != nil {
		// Shutdown arrived while parked; the main loop unwinds.
		w.isShutdown = true
		return nil, nil
	}
	return task, newCore
}

// runTask polls one task. If this worker was the last searcher, a peer
// is notified first so the system keeps at least one searcher while
// work may exist.
func (w *worker) runTask(cx *workerContext, c *core, task *header) {
	s := w.shared

	if c.isSearching {
		c.isSearching = false
		if s.idle.transitionWorkerFromSearching() {
			s.notifyParkedRemote()
		}
	}

	s.metrics.Counter(SchedulerPollsTotal).Inc()
	task.vtable.poll(task)
}

func (w *worker) updateGlobalFlags() {
	if !w.isShutdown {
		w.isShutdown = w.shared.shutdown.Load()
	}
}

// shutdownClearDefer drops any deferred wakeups left at shutdown; the
// tasks were already cancelled through the owned set, so only the
// notified references remain to be released.
func (w *worker) shutdownClearDefer(cx *workerContext) {
	for _, h := range cx.deferred {
		h.dropReference()
	}
	cx.deferred = cx.deferred[:0]
}
