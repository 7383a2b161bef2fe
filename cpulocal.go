package taskz

import (
	"math/bits"
	"sync/atomic"
)

// cpuLocalBuckets is the number of lazily allocated buckets in a
// CPULocal. Bucket i holds 2^i entries, so all buckets combined cover
// cpu ids 0 through 2^63-2.
const cpuLocalBuckets = 63

// CPULocal maps a cpu id to a per-CPU value of type T. It replaces
// classical thread-local storage for code that runs before (or without)
// any thread-local runtime: reads are lock-free, and the first access
// from a given cpu allocates its bucket with a single CAS.
//
// Space overhead is bounded: entries live in power-of-two buckets, so at
// most one partially used bucket exists per cpu actually touched.
//
// Example:
//
//	local := taskz.NewCPULocal[*Stats](cpuID)
//	stats := local.GetOr(func() *Stats { return &Stats{} })
type CPULocal[T any] struct {
	cpuID   CPUIDFunc
	buckets [cpuLocalBuckets]atomic.Pointer[[]cpuLocalEntry[T]]
	count   atomic.Int64
}

type cpuLocalEntry[T any] struct {
	present atomic.Bool
	value   T
}

// NewCPULocal builds an empty storage addressed through the given cpu id
// capability.
func NewCPULocal[T any](cpuID CPUIDFunc) *CPULocal[T] {
	return &CPULocal[T]{cpuID: cpuID}
}

// bucketOf decomposes a cpu id into its bucket and the index inside the
// bucket: bucket = floor(log2(id+1)), index = id - (2^bucket - 1).
func bucketOf(id int) (bucket, index int) {
	bucket = bits.Len64(uint64(id)+1) - 1
	index = id - (1<<bucket - 1)
	return bucket, index
}

// Get returns the value for the calling cpu, or nil when none was
// stored yet (or the cpu id is unknown).
func (c *CPULocal[T]) Get() *T {
	id := c.cpuID()
	if id < 0 {
		return nil
	}
	return c.getFor(id)
}

// GetFor returns the value stored for the given cpu, or nil.
func (c *CPULocal[T]) GetFor(id int) *T {
	if id < 0 {
		return nil
	}
	return c.getFor(id)
}

func (c *CPULocal[T]) getFor(id int) *T {
	bucket, index := bucketOf(id)
	bp := c.buckets[bucket].Load()
	if bp == nil {
		return nil
	}
	e := &(*bp)[index]
	if !e.present.Load() {
		return nil
	}
	return &e.value
}

// GetOr returns the calling cpu's value, creating it with create on
// first access. Concurrent first insertions for the same cpu are not
// supported; concurrent insertions for different cpus are.
func (c *CPULocal[T]) GetOr(create func() T) *T {
	id := c.cpuID()
	if id < 0 {
		panic("taskz: CPULocal.GetOr with unknown cpu id")
	}
	if v := c.getFor(id); v != nil {
		return v
	}
	return c.insert(id, create())
}

// InsertFor stores a value for a specific cpu. Unlike GetOr it does not
// require running on that cpu; the caller must hold exclusive access to
// that cpu's slot (e.g. before the cpu comes online).
func (c *CPULocal[T]) InsertFor(id int, value T) *T {
	if id < 0 {
		panic("taskz: CPULocal.InsertFor with negative cpu id")
	}
	return c.insert(id, value)
}

func (c *CPULocal[T]) insert(id int, value T) *T {
	bucket, index := bucketOf(id)
	bp := c.buckets[bucket].Load()

	if bp == nil {
		fresh := make([]cpuLocalEntry[T], 1<<bucket)
		if c.buckets[bucket].CompareAndSwap(nil, &fresh) {
			bp = &fresh
		} else {
			// Another cpu allocated the bucket first; ours is dropped
			// and we use the winner's.
			bp = c.buckets[bucket].Load()
		}
	}

	e := &(*bp)[index]
	if e.present.Load() {
		panic("taskz: CPULocal double insert for one cpu")
	}
	e.value = value
	// The store-release on the present flag publishes the value to
	// lock-free readers.
	e.present.Store(true)
	c.count.Add(1)
	return &e.value
}

// Iter visits each present value exactly once, in cpu id order, until f
// returns false. Values inserted concurrently with the iteration may or
// may not be visited.
func (c *CPULocal[T]) Iter(f func(id int, v *T) bool) {
	base := 0
	for bucket := 0; bucket < cpuLocalBuckets; bucket++ {
		bp := c.buckets[bucket].Load()
		if bp != nil {
			for i := range *bp {
				e := &(*bp)[i]
				if e.present.Load() {
					if !f(base+i, &e.value) {
						return
					}
				}
			}
		}
		base += 1 << bucket
	}
}

// Len reports the number of present entries.
func (c *CPULocal[T]) Len() int {
	return int(c.count.Load())
}

// Clear drops every entry and bucket. The caller must hold exclusive
// access: no concurrent Get, GetOr or Iter.
func (c *CPULocal[T]) Clear() {
	for bucket := range c.buckets {
		c.buckets[bucket].Store(nil)
	}
	c.count.Store(0)
}
