// Package api
// Author: polyphase
//
// Executor contract for thread-per-core task dispatch with cross-core
// load balancing.

package api

// WorkerID is the logical identifier of one scheduling unit (one per core),
// fixed at runtime start.
type WorkerID int

// InvalidWorker marks a caller that is not running on any worker.
const InvalidWorker WorkerID = -1

// Executor abstracts the thread-per-core scheduler. Each worker runs an
// independent cooperative loop with its own ready queue; cross-worker
// dispatch goes through a shared load-balancing queue.
type Executor interface {
	// SubmitTo schedules task on a specific worker's ready queue.
	// Blocks while the queue is full; fails only when the executor closes.
	SubmitTo(worker WorkerID, task func()) error

	// SubmitAny schedules task on the shared load-balancing queue so any
	// idle worker may claim it. Fast path: when from is itself an eligible
	// worker the task runs in place, skipping the cross-thread queue.
	SubmitAny(from WorkerID, task func()) error

	// NumWorkers returns the fixed number of workers.
	NumWorkers() int
}
