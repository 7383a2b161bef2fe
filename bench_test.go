package taskz

import (
	"context"
	"sync"
	"testing"
)

func joinBenchCtx() context.Context {
	return context.Background()
}

func BenchmarkStateTransitions(b *testing.B) {
	s := newTestState()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		// One full notify/run/idle cycle; restore the consumed
		// notification reference so the counter never drifts.
		s.fetchUpdate(func(c snapshot) (snapshot, bool) {
			return c.with(flagNotified), true
		})
		s.transitionToRunning()
		if s.transitionToIdle() == idleOk {
			s.refInc()
		}
	}
}

func BenchmarkLocalQueuePushPop(b *testing.B) {
	f := newFakeScheduler()
	q := &localQueue{}
	of := &collectOverflow{}
	h := spawnCell[int](f, Ready(0))

	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		q.pushBackOrOverflow(h, of)
		q.pop()
	}
}

func BenchmarkGlobalQueueEnqueueDequeue(b *testing.B) {
	f := newFakeScheduler()
	q := &globalQueue{}
	q.init()
	h := spawnCell[int](f, Ready(0))

	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		q.enqueue(h)
		q.dequeue()
	}
}

func BenchmarkSpawnAndJoin(b *testing.B) {
	rt := NewRuntime(2)
	var wg sync.WaitGroup
	for cpu := 0; cpu < 2; cpu++ {
		wg.Add(1)
		go func(cpu int) {
			defer wg.Done()
			_ = rt.RunWorker(cpu)
		}(cpu)
	}
	defer func() {
		rt.Shutdown()
		wg.Wait()
	}()

	ctx := joinBenchCtx()
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		h, err := Spawn(rt, Ready(i))
		if err != nil {
			b.Fatalf("spawn: %v", err)
		}
		if _, err := h.Join(ctx); err != nil {
			b.Fatalf("join: %v", err)
		}
	}
}

func BenchmarkCPULocalGet(b *testing.B) {
	local := NewCPULocal[int](func() int { return 3 })
	local.InsertFor(3, 42)

	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		if local.Get() == nil {
			b.Fatal("lost entry")
		}
	}
}
