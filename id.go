package taskz

import "sync/atomic"

// ID uniquely identifies a task for the life of the process. Ids are
// assigned from a process-wide monotonic counter and are never zero, so
// the zero value can stand for "no task".
type ID uint64

var taskIDCounter atomic.Uint64

func nextTaskID() ID {
	for {
		id := taskIDCounter.Add(1)
		if id != 0 {
			return ID(id)
		}
	}
}
