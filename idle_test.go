package taskz

import "testing"

func newTestIdle(workers int) (*idleCoord, *idleSynced, []*core) {
	coord := &idleCoord{}
	coord.init(workers)
	cores := make([]*core, workers)
	for i := range cores {
		cores[i] = &core{index: i, runQueue: &localQueue{}}
	}
	synced := coord.initSynced(cores)
	return coord, &synced, cores
}

func TestIdleCoord(t *testing.T) {
	t.Run("All Cores Start Idle", func(t *testing.T) {
		coord, synced, _ := newTestIdle(4)
		if got := coord.numIdleCores(synced); got != 4 {
			t.Errorf("expected 4 idle cores, got %d", got)
		}
		if coord.numSearchingNow() != 0 {
			t.Error("nothing should be searching yet")
		}
		snap := newIdleSnapshot(coord)
		snap.refresh(coord)
		for i := 0; i < 4; i++ {
			if !snap.isIdle(i) {
				t.Errorf("core %d should be idle", i)
			}
		}
	})

	t.Run("Acquire Clears Idle Bit", func(t *testing.T) {
		coord, synced, _ := newTestIdle(2)
		c := coord.tryAcquireAvailableCore(synced)
		if c == nil {
			t.Fatal("core available at start")
		}
		snap := newIdleSnapshot(coord)
		snap.refresh(coord)
		if snap.isIdle(c.index) {
			t.Error("acquired core still marked idle")
		}
		if got := coord.numIdleCores(synced); got != 1 {
			t.Errorf("expected 1 idle core, got %d", got)
		}
	})

	t.Run("Release Restores Idle Bit", func(t *testing.T) {
		coord, synced, _ := newTestIdle(2)
		c := coord.tryAcquireAvailableCore(synced)
		coord.releaseCore(synced, c)
		snap := newIdleSnapshot(coord)
		snap.refresh(coord)
		if !snap.isIdle(c.index) {
			t.Error("released core should be idle")
		}
	})

	t.Run("Acquire Exhausts", func(t *testing.T) {
		coord, synced, _ := newTestIdle(1)
		if coord.tryAcquireAvailableCore(synced) == nil {
			t.Fatal("first acquire should succeed")
		}
		if coord.tryAcquireAvailableCore(synced) != nil {
			t.Error("second acquire should fail")
		}
	})

	t.Run("Searching Cap At Half The Workers", func(t *testing.T) {
		coord, synced, _ := newTestIdle(4)
		c1 := coord.tryAcquireAvailableCore(synced)
		c2 := coord.tryAcquireAvailableCore(synced)
		c3 := coord.tryAcquireAvailableCore(synced)

		coord.tryTransitionWorkerToSearching(c1)
		coord.tryTransitionWorkerToSearching(c2)
		coord.tryTransitionWorkerToSearching(c3)

		searching := 0
		for _, c := range []*core{c1, c2, c3} {
			if c.isSearching {
				searching++
			}
		}
		if searching != 2 {
			t.Errorf("expected the cap to hold searching at 2, got %d", searching)
		}
		if coord.numSearchingNow() != 2 {
			t.Errorf("counter disagrees: %d", coord.numSearchingNow())
		}
	})

	t.Run("Last Searcher Reports True", func(t *testing.T) {
		coord, synced, _ := newTestIdle(4)
		c1 := coord.tryAcquireAvailableCore(synced)
		c2 := coord.tryAcquireAvailableCore(synced)
		coord.tryTransitionWorkerToSearching(c1)
		coord.tryTransitionWorkerToSearching(c2)

		if coord.transitionWorkerFromSearching() {
			t.Error("first leaver is not the last searcher")
		}
		if !coord.transitionWorkerFromSearching() {
			t.Error("second leaver is the last searcher")
		}
	})

	t.Run("NotifyOne Pairs Sleeper With Core", func(t *testing.T) {
		coord, synced, _ := newTestIdle(2)
		assigned := make([]*core, 2)

		coord.transitionWorkerToParked(synced, 1)
		worker := coord.notifyOne(synced, assigned)
		if worker != 1 {
			t.Fatalf("expected worker 1 notified, got %d", worker)
		}
		if assigned[1] == nil {
			t.Error("no core assigned to the woken worker")
		}
		if !assigned[1].isSearching {
			t.Error("woken workers start searching")
		}
		if coord.numSearchingNow() != 1 {
			t.Errorf("searching counter: %d", coord.numSearchingNow())
		}
	})

	t.Run("NotifyOne Without Sleepers Raises NeedsSearching", func(t *testing.T) {
		coord, synced, _ := newTestIdle(2)
		assigned := make([]*core, 2)
		if w := coord.notifyOne(synced, assigned); w != -1 {
			t.Fatalf("no sleeper to notify, got %d", w)
		}
		if !coord.needsSearchingNow() {
			t.Error("needsSearching must be raised on a failed pairing")
		}
	})

	t.Run("NotifyMany Caps At Available Pairings", func(t *testing.T) {
		coord, synced, _ := newTestIdle(4)
		assigned := make([]*core, 4)
		coord.transitionWorkerToParked(synced, 0)
		coord.transitionWorkerToParked(synced, 3)

		var woken []int
		coord.notifyMany(synced, assigned, &woken, 3)
		if len(woken) != 2 {
			t.Fatalf("expected 2 woken workers, got %d", len(woken))
		}
	})

	t.Run("RemoveSleeper", func(t *testing.T) {
		coord, synced, _ := newTestIdle(3)
		coord.transitionWorkerToParked(synced, 0)
		coord.transitionWorkerToParked(synced, 1)
		coord.removeSleeper(synced, 0)
		assigned := make([]*core, 3)
		if w := coord.notifyOne(synced, assigned); w != 1 {
			t.Errorf("expected only worker 1 to remain parked, got %d", w)
		}
	})
}
