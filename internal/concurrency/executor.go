// File: internal/concurrency/executor.go
// Package concurrency implements the thread-per-core executor.
// Author: polyphase <dev@polyphase.io>
// License: Apache-2.0
//
// Each worker runs an independent cooperative loop over its own ready queue
// and the shared load-balancing queue. Tasks never migrate once enqueued on
// a worker's local queue; load-balanced tasks are claimed by whichever
// worker goes idle first.

package concurrency

import (
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/polyphase/rolebus/api"
)

// TaskFunc is a unit of work to execute.
type TaskFunc func()

const (
	localQueueCap  = 1024
	sharedQueueCap = 4096
	drainBatch     = 32
	maxBackoffNs   = 1_000_000
)

// Executor manages a fixed set of worker goroutines, one per core.
type Executor struct {
	locals []*LockFreeQueue[TaskFunc] // per-worker ready queues
	shared *LockFreeQueue[TaskFunc]   // cross-core load-balancing queue
	log    zerolog.Logger

	closed  atomic.Bool
	done    chan struct{}
	wg      sync.WaitGroup
	pinning bool

	submitted atomic.Int64
	completed atomic.Int64
	inPlace   atomic.Int64
}

// Ensure compile-time interface compliance.
var _ api.Executor = (*Executor)(nil)

// NewExecutor starts numWorkers workers. If numWorkers <= 0, defaults to
// runtime.NumCPU(). With pinning enabled each worker locks its OS thread
// and binds it to one CPU.
func NewExecutor(numWorkers int, pinning bool, log zerolog.Logger) *Executor {
	if numWorkers <= 0 {
		numWorkers = runtime.NumCPU()
	}
	e := &Executor{
		locals:  make([]*LockFreeQueue[TaskFunc], numWorkers),
		shared:  NewLockFreeQueue[TaskFunc](sharedQueueCap),
		log:     log.With().Str("component", "executor").Logger(),
		done:    make(chan struct{}),
		pinning: pinning,
	}
	for i := 0; i < numWorkers; i++ {
		e.locals[i] = NewLockFreeQueue[TaskFunc](localQueueCap)
	}
	for i := 0; i < numWorkers; i++ {
		e.wg.Add(1)
		go e.run(api.WorkerID(i))
	}
	return e
}

// NumWorkers returns the fixed worker count.
func (e *Executor) NumWorkers() int { return len(e.locals) }

// SubmitTo schedules task on a specific worker's ready queue, spinning while
// the queue is full. Awaiting space in a bounded inter-worker queue is one
// of the scheduler's declared suspension points.
func (e *Executor) SubmitTo(worker api.WorkerID, task func()) error {
	if worker < 0 || int(worker) >= len(e.locals) {
		return api.ErrInvalidArgument
	}
	q := e.locals[worker]
	for !q.Enqueue(task) {
		if e.closed.Load() {
			return api.ErrExecutorClosed
		}
		runtime.Gosched()
	}
	if e.closed.Load() {
		return api.ErrExecutorClosed
	}
	e.submitted.Add(1)
	return nil
}

// SubmitAny schedules task so any idle worker may claim it. Fast path: when
// from is itself a worker the task runs in place, skipping the cross-thread
// queue and the buffer reference traffic that comes with it.
func (e *Executor) SubmitAny(from api.WorkerID, task func()) error {
	if e.closed.Load() {
		return api.ErrExecutorClosed
	}
	if from >= 0 && int(from) < len(e.locals) {
		e.inPlace.Add(1)
		e.execute(task)
		return nil
	}
	for !e.shared.Enqueue(task) {
		if e.closed.Load() {
			return api.ErrExecutorClosed
		}
		runtime.Gosched()
	}
	e.submitted.Add(1)
	return nil
}

// Close stops all workers. Queued tasks that were not yet claimed are
// dropped.
func (e *Executor) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(e.done)
	e.wg.Wait()
	e.log.Debug().
		Int64("submitted", e.submitted.Load()).
		Int64("completed", e.completed.Load()).
		Int64("in_place", e.inPlace.Load()).
		Msg("executor closed")
	return nil
}

// Stats returns basic executor counters.
func (e *Executor) Stats() map[string]int64 {
	return map[string]int64{
		"submitted": e.submitted.Load(),
		"completed": e.completed.Load(),
		"in_place":  e.inPlace.Load(),
		"workers":   int64(len(e.locals)),
	}
}

// run is the main loop for one worker.
func (e *Executor) run(id api.WorkerID) {
	defer e.wg.Done()
	if e.pinning {
		PinCurrentThread(int(id))
	}
	local := e.locals[id]
	backoff := int64(1)
	for {
		select {
		case <-e.done:
			return
		default:
		}
		n := 0
		for i := 0; i < drainBatch; i++ {
			task, ok := local.Dequeue()
			if !ok {
				break
			}
			e.execute(task)
			n++
		}
		if task, ok := e.shared.Dequeue(); ok {
			e.execute(task)
			n++
		}
		if n == 0 {
			backoff = e.idle(backoff)
		} else {
			backoff = 1
		}
	}
}

// execute runs the task, recovering from panics so a misbehaving handler
// cannot take its worker down.
func (e *Executor) execute(task TaskFunc) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error().Interface("panic", r).Msg("task panicked")
		}
		e.completed.Add(1)
	}()
	task()
}

// idle applies adaptive backoff between empty polls: yield while work was
// seen recently, sleep progressively longer the longer the queues stay
// empty.
func (e *Executor) idle(backoff int64) int64 {
	if backoff < 1000 {
		runtime.Gosched()
	} else {
		time.Sleep(time.Duration(backoff) * time.Nanosecond)
	}
	next := backoff * 2
	if next > maxBackoffNs {
		next = maxBackoffNs
	}
	return next
}
