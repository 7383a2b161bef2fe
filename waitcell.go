package taskz

import "sync/atomic"

// WaitStatus is the outcome of a WaitCell registration.
type WaitStatus uint8

const (
	// WaitReady means a wake was already pending (or arrived during
	// registration) and has been consumed; do not sleep.
	WaitReady WaitStatus = iota
	// WaitPending means the waker is registered; a future Wake will
	// invoke it.
	WaitPending
	// WaitClosed means the cell was closed; no wake will ever arrive.
	WaitClosed
)

// WaitCell bit states. WAITING must be zero.
const (
	waitCellRegistering uint64 = 1 << 0
	waitCellWaking      uint64 = 1 << 1
	waitCellWoken       uint64 = 1 << 2
	waitCellClosed      uint64 = 1 << 3
)

// WaitCell is an atomically registered single waker: one waiter parks
// its waker in the cell, and any number of wakers race to fire it. A
// wake that arrives with no waker registered is latched and consumed by
// the next registration, so the waiter never misses a wake that
// happened between its readiness check and its registration.
//
// The cell holds at most one waker; registering replaces the previous
// one. It is the task-world analogue of a one-shot condition flag.
type WaitCell struct {
	state atomic.Uint64
	_     cacheLinePad

	// Guarded by the REGISTERING/WAKING claim bits.
	waker Waker
}

// RegisterWait parks w in the cell. The waker is cloned on
// registration; the cell releases its clone when the waker fires, is
// replaced, or the cell is closed.
func (c *WaitCell) RegisterWait(w Waker) WaitStatus {
	for {
		cur := c.state.Load()
		switch {
		case cur&waitCellClosed != 0:
			return WaitClosed
		case cur&waitCellWoken != 0:
			// Consume the latched wake instead of sleeping.
			if c.state.CompareAndSwap(cur, cur&^waitCellWoken) {
				return WaitReady
			}
			continue
		case cur&(waitCellRegistering|waitCellWaking) != 0:
			// A waker is mid-fire (or a racing registration is in
			// flight); both resolve in a bounded number of steps.
			continue
		}
		if c.state.CompareAndSwap(cur, cur|waitCellRegistering) {
			break
		}
	}

	// The REGISTERING claim gives us the slot.
	if c.waker != nil {
		c.waker.Release()
	}
	c.waker = w.Clone()

	for {
		cur := c.state.Load()
		if cur&(waitCellWaking|waitCellClosed) != 0 {
			// A wake or close arrived while we were writing the slot;
			// consume it ourselves rather than sleeping through it.
			c.waker.Release()
			c.waker = nil
			c.state.And(^(waitCellRegistering | waitCellWaking | waitCellWoken))
			if cur&waitCellClosed != 0 {
				return WaitClosed
			}
			return WaitReady
		}
		if c.state.CompareAndSwap(cur, cur&^waitCellRegistering) {
			return WaitPending
		}
	}
}

// Wake fires the registered waker, or latches the wake for the next
// registration when none is present. It reports whether a waker was
// invoked or the wake was handed to a registration in progress.
func (c *WaitCell) Wake() bool {
	for {
		cur := c.state.Load()
		switch {
		case cur&waitCellClosed != 0:
			return false
		case cur&waitCellWoken != 0:
			// A wake is already pending; coalesce.
			return false
		case cur&waitCellRegistering != 0:
			// Hand the wake to the registering waiter.
			if c.state.CompareAndSwap(cur, cur|waitCellWaking) {
				return true
			}
			continue
		case cur&waitCellWaking != 0:
			// Another wake is mid-fire; coalesce.
			return false
		}
		if c.state.CompareAndSwap(cur, cur|waitCellWaking) {
			w := c.waker
			c.waker = nil
			if w == nil {
				// Nobody waiting: latch the wake.
				c.state.Or(waitCellWoken)
				c.state.And(^waitCellWaking)
				return false
			}
			c.state.And(^waitCellWaking)
			w.Wake()
			return true
		}
	}
}

// Close permanently closes the cell, firing any registered waker so the
// waiter observes the closure.
func (c *WaitCell) Close() {
	for {
		cur := c.state.Load()
		if cur&waitCellClosed != 0 {
			return
		}
		if cur&(waitCellRegistering|waitCellWaking) != 0 {
			// The in-flight claim holder observes the closed bit.
			if c.state.CompareAndSwap(cur, cur|waitCellClosed) {
				return
			}
			continue
		}
		if c.state.CompareAndSwap(cur, cur|waitCellClosed|waitCellWaking) {
			w := c.waker
			c.waker = nil
			c.state.And(^waitCellWaking)
			if w != nil {
				w.Wake()
			}
			return
		}
	}
}

// IsClosed reports whether Close has been called.
func (c *WaitCell) IsClosed() bool {
	return c.state.Load()&waitCellClosed != 0
}
