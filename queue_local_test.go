package taskz

import (
	"sync"
	"testing"
)

// collectOverflow implements overflowTarget, recording every batch.
type collectOverflow struct {
	mu      sync.Mutex
	batches [][]*header
}

func (c *collectOverflow) pushBatch(batch []*header) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := make([]*header, len(batch))
	copy(cp, batch)
	c.batches = append(c.batches, cp)
}

func (c *collectOverflow) total() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, b := range c.batches {
		n += len(b)
	}
	return n
}

func makeHeaders(f *fakeScheduler, n int) []*header {
	hs := make([]*header, n)
	for i := range hs {
		hs[i] = spawnCell[int](f, Ready(i))
	}
	return hs
}

func TestLocalQueue(t *testing.T) {
	t.Run("Push Pop FIFO", func(t *testing.T) {
		f := newFakeScheduler()
		q := &localQueue{}
		of := &collectOverflow{}

		hs := makeHeaders(f, 5)
		for _, h := range hs {
			q.pushBackOrOverflow(h, of)
		}
		if q.len() != 5 {
			t.Fatalf("expected len 5, got %d", q.len())
		}
		for i, want := range hs {
			got := q.pop()
			if got != want {
				t.Fatalf("pop %d out of order", i)
			}
		}
		if q.pop() != nil {
			t.Error("empty queue must pop nil")
		}
		if len(of.batches) != 0 {
			t.Error("no overflow expected")
		}
	})

	t.Run("Overflow Migrates Half Plus One In A Single Batch", func(t *testing.T) {
		f := newFakeScheduler()
		q := &localQueue{}
		of := &collectOverflow{}

		hs := makeHeaders(f, localQueueCapacity+1)
		for _, h := range hs {
			q.pushBackOrOverflow(h, of)
		}

		if len(of.batches) != 1 {
			t.Fatalf("overflow must be one atomic handoff, got %d batches", len(of.batches))
		}
		if got := len(of.batches[0]); got != localQueueCapacity/2+1 {
			t.Errorf("expected %d migrated tasks, got %d", localQueueCapacity/2+1, got)
		}
		if got := q.len(); got > localQueueCapacity/2 {
			t.Errorf("local queue kept %d entries, want at most %d", got, localQueueCapacity/2)
		}

		// Every task is in exactly one place.
		if q.len()+of.total() != len(hs) {
			t.Errorf("tasks lost: local=%d overflow=%d spawned=%d", q.len(), of.total(), len(hs))
		}
	})

	t.Run("Steal Takes Half And Returns One", func(t *testing.T) {
		f := newFakeScheduler()
		src := &localQueue{}
		dst := &localQueue{}
		of := &collectOverflow{}

		hs := makeHeaders(f, 8)
		for _, h := range hs {
			src.pushBackOrOverflow(h, of)
		}

		got := src.stealInto(dst)
		if got == nil {
			t.Fatal("steal failed on a full queue")
		}
		if n := dst.len(); n != 3 {
			t.Errorf("expected 3 published stolen tasks, got %d", n)
		}
		if n := src.len(); n != 4 {
			t.Errorf("expected 4 tasks left at the victim, got %d", n)
		}

		// Together both workers drain all 8 exactly once.
		seen := map[*header]int{}
		seen[got]++
		for {
			h := dst.pop()
			if h == nil {
				break
			}
			seen[h]++
		}
		for {
			h := src.pop()
			if h == nil {
				break
			}
			seen[h]++
		}
		if len(seen) != 8 {
			t.Fatalf("expected all 8 tasks, saw %d", len(seen))
		}
		for h, n := range seen {
			if n != 1 {
				t.Errorf("task %d seen %d times", h.id(), n)
			}
		}
	})

	t.Run("Steal From Single Task Queue", func(t *testing.T) {
		f := newFakeScheduler()
		src := &localQueue{}
		dst := &localQueue{}
		of := &collectOverflow{}

		src.pushBackOrOverflow(spawnCell[int](f, Ready(0)), of)
		if got := src.stealInto(dst); got == nil {
			t.Fatal("a single queued task must be stealable")
		}
		if !src.isEmpty() || !dst.isEmpty() {
			t.Error("expected both queues empty after stealing the only task")
		}
	})

	t.Run("Steal Refused When Destination Half Full", func(t *testing.T) {
		f := newFakeScheduler()
		src := &localQueue{}
		dst := &localQueue{}
		of := &collectOverflow{}

		for _, h := range makeHeaders(f, 4) {
			src.pushBackOrOverflow(h, of)
		}
		for _, h := range makeHeaders(f, localQueueCapacity/2+1) {
			dst.pushBackOrOverflow(h, of)
		}

		if got := src.stealInto(dst); got != nil {
			t.Error("steal must be refused when the destination lacks half-queue room")
		}
	})

	t.Run("Concurrent Stealers And Owner", func(t *testing.T) {
		f := newFakeScheduler()
		src := &localQueue{}
		of := &collectOverflow{}

		const total = 200
		hs := makeHeaders(f, total)
		for _, h := range hs {
			src.pushBackOrOverflow(h, of)
		}

		var mu sync.Mutex
		seen := map[*header]int{}
		record := func(h *header) {
			mu.Lock()
			seen[h]++
			mu.Unlock()
		}

		var wg sync.WaitGroup
		// Two stealers race the owner draining its own queue.
		for s := 0; s < 2; s++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				dst := &localQueue{}
				for i := 0; i < 50; i++ {
					if h := src.stealInto(dst); h != nil {
						record(h)
					}
					for {
						h := dst.pop()
						if h == nil {
							break
						}
						record(h)
					}
				}
			}()
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < total; i++ {
				if h := src.pop(); h != nil {
					record(h)
				}
			}
		}()
		wg.Wait()

		for {
			h := src.pop()
			if h == nil {
				break
			}
			record(h)
		}

		if len(seen) != total {
			t.Fatalf("tasks lost: saw %d of %d", len(seen), total)
		}
		for h, n := range seen {
			if n != 1 {
				t.Errorf("task %d dequeued %d times", h.id(), n)
			}
		}
	})

	t.Run("Capacity Accounting", func(t *testing.T) {
		q := &localQueue{}
		if q.maxCapacity() != localQueueCapacity {
			t.Errorf("capacity mismatch")
		}
		if int(q.remainingSlots()) != localQueueCapacity {
			t.Errorf("fresh queue should be all free")
		}
		if !q.canSteal() {
			t.Error("fresh queue can absorb a steal")
		}
		if !q.isEmpty() {
			t.Error("fresh queue is empty")
		}
	})
}
