package taskz

import "github.com/zoobzio/capitan"

// Signal constants for runtime events.
// Signals follow the pattern: <component>.<event>.
const (
	// Task signals.
	SignalTaskSpawned   capitan.Signal = "task.spawned"
	SignalTaskCompleted capitan.Signal = "task.completed"
	SignalTaskCancelled capitan.Signal = "task.cancelled"
	SignalTaskRejected  capitan.Signal = "task.rejected"

	// Worker signals.
	SignalWorkerStarted  capitan.Signal = "worker.started"
	SignalWorkerParked   capitan.Signal = "worker.parked"
	SignalWorkerUnparked capitan.Signal = "worker.unparked"
	SignalWorkerStole    capitan.Signal = "worker.stole"
	SignalWorkerExited   capitan.Signal = "worker.exited"

	// Queue signals.
	SignalQueueOverflow capitan.Signal = "queue.overflow"

	// Runtime signals.
	SignalRuntimeShutdown capitan.Signal = "runtime.shutdown"
)

// Common field keys using capitan primitive types.
// All keys use primitive types to avoid custom struct serialization.
var (
	FieldWorker    = capitan.NewIntKey("worker")        // Worker / cpu id
	FieldTask      = capitan.NewIntKey("task")          // Task id
	FieldCount     = capitan.NewIntKey("count")         // Generic count (batch size, stolen tasks)
	FieldVictim    = capitan.NewIntKey("victim")        // Steal source worker id
	FieldError     = capitan.NewStringKey("error")      // Error message
	FieldTimestamp = capitan.NewFloat64Key("timestamp") // Unix timestamp
)
