package taskz

import "sync/atomic"

// idleCoord tracks which workers are parked and which are searching for
// work to steal. The idle stack and the core assignments live under the
// scheduler mutex (idleSynced); the counters and the idle bitmap are
// atomics readable without it. Invariants:
//
//   - numSearching never exceeds the worker count.
//   - numIdle plus the number of active workers equals the worker count.
//   - at most one worker transitions from searching to non-searching per
//     notification, so while work exists at least one worker is either
//     active or on its way to becoming active.
type idleCoord struct {
	numSearching atomic.Int32
	_            cacheLinePad
	numIdle      atomic.Int32
	_            cacheLinePad

	// Set when a notification found no parked worker to pair with a
	// core; the next worker about to park picks the work up instead.
	needsSearching atomic.Bool

	// One bit per core, set while the core is idle. Stealers snapshot
	// this to skip peers with provably empty queues.
	idleMap []atomic.Uint64

	numCores int
}

// idleSynced is the mutex-guarded half of the coordinator, embedded in
// the runtime's synced state.
type idleSynced struct {
	// Stack of parked worker ids waiting for a core.
	sleepers []int
	// Cores not currently assigned to any worker.
	availableCores []*core
}

func (i *idleCoord) init(numCores int) {
	i.numCores = numCores
	i.idleMap = make([]atomic.Uint64, (numCores+63)/64)
}

func (i *idleCoord) initSynced(cores []*core) idleSynced {
	s := idleSynced{
		sleepers:       make([]int, 0, i.numCores),
		availableCores: make([]*core, 0, i.numCores),
	}
	for _, c := range cores {
		i.setIdleBit(c.index)
		s.availableCores = append(s.availableCores, c)
	}
	i.numIdle.Store(int32(len(s.availableCores)))
	return s
}

func (i *idleCoord) setIdleBit(index int) {
	i.idleMap[index/64].Or(1 << (uint(index) % 64))
}

func (i *idleCoord) clearIdleBit(index int) {
	i.idleMap[index/64].And(^uint64(1 << (uint(index) % 64)))
}

// tryAcquireAvailableCore pops a free core. Scheduler mutex held.
func (i *idleCoord) tryAcquireAvailableCore(s *idleSynced) *core {
	n := len(s.availableCores)
	if n == 0 {
		return nil
	}
	c := s.availableCores[n-1]
	s.availableCores = s.availableCores[:n-1]
	i.clearIdleBit(c.index)
	i.numIdle.Store(int32(len(s.availableCores)))
	return c
}

// releaseCore returns a core to the free pool. Scheduler mutex held.
func (i *idleCoord) releaseCore(s *idleSynced, c *core) {
	if c.isSearching {
		panic("taskz: releasing a core while searching")
	}
	i.setIdleBit(c.index)
	s.availableCores = append(s.availableCores, c)
	i.numIdle.Store(int32(len(s.availableCores)))
}

// transitionWorkerToParked records the worker on the sleeper stack.
// Scheduler mutex held.
func (i *idleCoord) transitionWorkerToParked(s *idleSynced, worker int) {
	s.sleepers = append(s.sleepers, worker)
}

// removeSleeper drops a worker from the sleeper stack if present, e.g.
// when it gives up parking. Scheduler mutex held.
func (i *idleCoord) removeSleeper(s *idleSynced, worker int) {
	for idx, w := range s.sleepers {
		if w == worker {
			s.sleepers = append(s.sleepers[:idx], s.sleepers[idx+1:]...)
			return
		}
	}
}

// tryTransitionWorkerToSearching flips the worker into the searching
// state unless half the workers are already searching; past that point
// more stealers only add contention.
func (i *idleCoord) tryTransitionWorkerToSearching(c *core) {
	if 2*int(i.numSearching.Load()) >= i.numCores {
		return
	}
	i.transitionWorkerToSearching(c)
}

// transitionWorkerToSearching flips the worker into searching
// unconditionally.
func (i *idleCoord) transitionWorkerToSearching(c *core) {
	i.numSearching.Add(1)
	c.isSearching = true
	i.needsSearching.Store(false)
}

// transitionWorkerFromSearching leaves the searching state, reporting
// whether this worker was the last searcher. The last searcher must
// notify a peer so the system never goes fully passive while work
// exists.
func (i *idleCoord) transitionWorkerFromSearching() bool {
	n := i.numSearching.Add(-1)
	if n < 0 {
		panic("taskz: searching counter underflow")
	}
	return n == 0
}

func (i *idleCoord) needsSearchingNow() bool {
	return i.needsSearching.Load()
}

func (i *idleCoord) numIdleCores(s *idleSynced) int {
	return len(s.availableCores)
}

func (i *idleCoord) numSearchingNow() int {
	return int(i.numSearching.Load())
}

// notifyOne pairs one parked worker with one available core, placing
// the core in the worker's assigned slot. It returns the worker id to
// signal, or -1 when no pairing was possible (in which case
// needsSearching is raised so the next parking worker double checks the
// queues). Scheduler mutex held.
func (i *idleCoord) notifyOne(s *idleSynced, assigned []*core) int {
	if len(s.sleepers) == 0 || len(s.availableCores) == 0 {
		i.needsSearching.Store(true)
		return -1
	}
	worker := s.sleepers[len(s.sleepers)-1]
	s.sleepers = s.sleepers[:len(s.sleepers)-1]

	c := i.tryAcquireAvailableCore(s)
	// Woken workers start out searching so the "at least one searcher"
	// invariant holds from the instant they run.
	i.transitionWorkerToSearching(c)
	assigned[worker] = c
	return worker
}

// notifyMany pairs up to n parked workers with cores, appending the
// worker ids to out for signalling outside the mutex.
func (i *idleCoord) notifyMany(s *idleSynced, assigned []*core, out *[]int, n int) {
	for range n {
		worker := i.notifyOne(s, assigned)
		if worker < 0 {
			return
		}
		*out = append(*out, worker)
	}
}

// idleSnapshot is a point-in-time copy of the idle bitmap used to skip
// known-idle peers while stealing. Refreshed once per search.
type idleSnapshot struct {
	bits []uint64
}

func newIdleSnapshot(i *idleCoord) idleSnapshot {
	return idleSnapshot{bits: make([]uint64, len(i.idleMap))}
}

func (s *idleSnapshot) refresh(i *idleCoord) {
	for idx := range i.idleMap {
		s.bits[idx] = i.idleMap[idx].Load()
	}
}

func (s *idleSnapshot) isIdle(index int) bool {
	return s.bits[index/64]&(1<<(uint(index)%64)) != 0
}
