// File: pool/pool.go
// Author: polyphase <dev@polyphase.io>
// License: Apache-2.0
//
// Fixed-capacity buffer pool with batch-granularity acquisition and FIFO
// waiter fairness. Exhaustion suspends the acquirer; only shutdown turns a
// pending acquire into an error.

package pool

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/eapache/queue"
	"github.com/rs/zerolog"

	"github.com/polyphase/rolebus/api"
)

// Config fixes the pool geometry at runtime start. None of the values can
// change afterwards.
type Config struct {
	BufferSize int // bytes per buffer
	BatchSize  int // buffers a worker grabs from the central list at once
	Capacity   int // total buffer count, a multiple of BatchSize
	Workers    int // worker-local cache count, matches executor workers
}

// DefaultConfig returns pool geometry suitable for tests and small runs.
func DefaultConfig() Config {
	return Config{
		BufferSize: 4096,
		BatchSize:  8,
		Capacity:   256,
		Workers:    4,
	}
}

const (
	waiterPending int32 = iota
	waiterDelivered
	waiterCanceled
)

// waiter is one suspended acquire.
type waiter struct {
	need   int
	worker api.WorkerID
	state  atomic.Int32
	ch     chan []*Buffer // buffered; delivery never blocks
}

// localCache is the worker-local side of the pool: a stash of free buffers
// refilled in whole batches, plus the waiters parked behind this worker's
// cross-thread representative.
type localCache struct {
	free    []*Buffer
	waiters []*waiter
	rep     *waiter // this worker's entry in the shared queue, if any
}

// Pool is the allocation primitive for every message in the runtime.
type Pool struct {
	cfg Config
	log zerolog.Logger

	mu      sync.Mutex
	central []*Buffer    // central free list
	waiters *queue.Queue // cross-thread FIFO of *waiter, oldest first
	locals  []localCache
	closed  bool
	done    chan struct{}

	acquired atomic.Int64
	released atomic.Int64
}

// Ensure compile-time interface compliance.
var (
	_ api.BufferPool       = (*Pool)(nil)
	_ api.GracefulShutdown = (*Pool)(nil)
)

// New carves a single arena into cfg.Capacity buffers and places them all on
// the central free list. Never allocates beyond the arena afterwards.
func New(cfg Config, log zerolog.Logger) (*Pool, error) {
	if cfg.BufferSize <= 0 || cfg.BatchSize <= 0 || cfg.Capacity <= 0 {
		return nil, api.ErrInvalidArgument
	}
	if cfg.Capacity%cfg.BatchSize != 0 {
		return nil, api.NewError(api.ErrCodeInvalidArgument,
			"pool capacity must be a multiple of batch size").
			WithContext("capacity", cfg.Capacity).
			WithContext("batch_size", cfg.BatchSize)
	}
	if cfg.Workers < 0 {
		cfg.Workers = 0
	}
	p := &Pool{
		cfg:     cfg,
		log:     log.With().Str("component", "pool").Logger(),
		central: make([]*Buffer, 0, cfg.Capacity),
		waiters: queue.New(),
		locals:  make([]localCache, cfg.Workers),
		done:    make(chan struct{}),
	}
	arena := make([]byte, cfg.Capacity*cfg.BufferSize)
	for i := 0; i < cfg.Capacity; i++ {
		p.central = append(p.central, &Buffer{
			pool: p,
			data: arena[i*cfg.BufferSize : (i+1)*cfg.BufferSize],
		})
	}
	p.log.Debug().
		Int("capacity", cfg.Capacity).
		Int("buffer_size", cfg.BufferSize).
		Int("batch_size", cfg.BatchSize).
		Msg("pool created")
	return p, nil
}

// AcquireOne obtains a single buffer, suspending while none are free.
func (p *Pool) AcquireOne(ctx context.Context, worker api.WorkerID) (api.Buffer, error) {
	bufs, err := p.Acquire(ctx, worker, 1)
	if err != nil {
		return nil, err
	}
	return bufs[0], nil
}

// Acquire obtains n buffers, suspending while fewer than n are free.
// Suspended acquires resume in arrival order; cancellation removes the
// registration and shutdown fails it with ErrShutdown.
func (p *Pool) Acquire(ctx context.Context, worker api.WorkerID, n int) ([]api.Buffer, error) {
	if n <= 0 || n > p.cfg.Capacity {
		return nil, api.ErrInvalidArgument
	}

	var got []*Buffer
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, api.ErrShutdown
	}
	lc := p.local(worker)

	// Worker-local stash first: no waiters can be starved by this, buffers
	// in the stash were already granted to the worker in a prior batch grab.
	if lc != nil && len(lc.free) > 0 {
		got = takeFrom(&lc.free, got, n)
	}

	// Central list in whole batches, but only if no one is queued ahead.
	if len(got) < n && p.waiters.Length() == 0 {
		for len(got) < n && len(p.central) > 0 {
			batch := takeFrom(&p.central, nil, p.cfg.BatchSize)
			got = append(got, batch...)
		}
		// Surplus of the last batch goes to the worker stash, or straight
		// back to the central list for workerless callers.
		if len(got) > n {
			surplus := got[n:]
			got = got[:n]
			if lc != nil {
				lc.free = append(lc.free, surplus...)
			} else {
				p.central = append(p.central, surplus...)
			}
		}
	}

	if len(got) == n {
		p.mu.Unlock()
		return p.handOut(got), nil
	}

	// Not enough free: register and suspend.
	w := &waiter{need: n - len(got), worker: worker, ch: make(chan []*Buffer, 1)}
	p.enqueueWaiter(lc, w)
	p.mu.Unlock()

	select {
	case rest := <-w.ch:
		return p.handOut(append(got, rest...)), nil
	case <-ctx.Done():
		if !w.state.CompareAndSwap(waiterPending, waiterCanceled) {
			// Delivery raced the cancellation: take the buffers and put
			// everything back.
			rest := <-w.ch
			p.recycleAll(rest)
		}
		p.recycleAll(got)
		return nil, ctx.Err()
	case <-p.done:
		if !w.state.CompareAndSwap(waiterPending, waiterCanceled) {
			rest := <-w.ch
			p.recycleAll(rest)
		}
		p.recycleAll(got)
		return nil, api.ErrShutdown
	}
}

// enqueueWaiter registers w under p.mu. At most one waiter per worker sits
// in the shared cross-thread queue; the rest park in the worker-local list.
func (p *Pool) enqueueWaiter(lc *localCache, w *waiter) {
	if lc != nil && lc.rep != nil {
		lc.waiters = append(lc.waiters, w)
		return
	}
	if lc != nil {
		lc.rep = w
	}
	p.waiters.Add(w)
}

// recycle returns one zero-refcount buffer to the pool and serves waiters.
// Called from Buffer.Release.
func (p *Pool) recycle(b *Buffer) {
	p.released.Add(1)
	p.mu.Lock()
	p.central = append(p.central, b)
	p.serveWaitersLocked()
	p.mu.Unlock()
}

// recycleAll returns buffers whose references were never handed out.
func (p *Pool) recycleAll(bufs []*Buffer) {
	if len(bufs) == 0 {
		return
	}
	p.mu.Lock()
	p.central = append(p.central, bufs...)
	p.serveWaitersLocked()
	p.mu.Unlock()
}

// serveWaitersLocked satisfies suspended acquires oldest-first, then drains
// the satisfied representative's worker-local list while buffers remain.
func (p *Pool) serveWaitersLocked() {
	for p.waiters.Length() > 0 {
		w := p.waiters.Peek().(*waiter)
		if w.state.Load() == waiterCanceled {
			p.waiters.Remove()
			p.dropRepLocked(w)
			// The canceled representative may have waiters parked behind it;
			// serve them and promote the first unsatisfied one.
			p.drainLocalsLocked(w.worker)
			continue
		}
		if len(p.central) < w.need {
			return
		}
		p.waiters.Remove()
		p.deliverLocked(w)
		p.drainLocalsLocked(w.worker)
	}
}

// deliverLocked hands w.need buffers to w, tolerating a concurrent cancel.
func (p *Pool) deliverLocked(w *waiter) {
	if !w.state.CompareAndSwap(waiterPending, waiterDelivered) {
		p.dropRepLocked(w)
		return
	}
	var bufs []*Buffer
	bufs = takeFrom(&p.central, bufs, w.need)
	p.dropRepLocked(w)
	w.ch <- bufs
}

// drainLocalsLocked serves the given worker's parked waiters in order and
// promotes the first unsatisfied one to cross-thread representative.
func (p *Pool) drainLocalsLocked(worker api.WorkerID) {
	lc := p.local(worker)
	if lc == nil {
		return
	}
	for len(lc.waiters) > 0 {
		w := lc.waiters[0]
		if w.state.Load() == waiterCanceled {
			lc.waiters = lc.waiters[1:]
			continue
		}
		if len(p.central) < w.need {
			break
		}
		lc.waiters = lc.waiters[1:]
		if w.state.CompareAndSwap(waiterPending, waiterDelivered) {
			var bufs []*Buffer
			bufs = takeFrom(&p.central, bufs, w.need)
			w.ch <- bufs
		}
	}
	if len(lc.waiters) > 0 {
		rep := lc.waiters[0]
		lc.waiters = lc.waiters[1:]
		lc.rep = rep
		p.waiters.Add(rep)
	}
}

// dropRepLocked clears the representative slot if w held it.
func (p *Pool) dropRepLocked(w *waiter) {
	if lc := p.local(w.worker); lc != nil && lc.rep == w {
		lc.rep = nil
	}
}

// handOut sets the initial reference on freshly granted buffers.
func (p *Pool) handOut(bufs []*Buffer) []api.Buffer {
	out := make([]api.Buffer, len(bufs))
	for i, b := range bufs {
		b.refs.Store(1)
		out[i] = b
	}
	p.acquired.Add(int64(len(bufs)))
	return out
}

func (p *Pool) local(worker api.WorkerID) *localCache {
	if worker < 0 || int(worker) >= len(p.locals) {
		return nil
	}
	return &p.locals[worker]
}

// Stats reports conservation counters: Free+InFlight == Capacity always.
func (p *Pool) Stats() api.BufferPoolStats {
	p.mu.Lock()
	free := int64(len(p.central))
	for i := range p.locals {
		free += int64(len(p.locals[i].free))
	}
	waiters := int64(p.waiters.Length())
	for i := range p.locals {
		waiters += int64(len(p.locals[i].waiters))
	}
	p.mu.Unlock()
	return api.BufferPoolStats{
		Capacity:   int64(p.cfg.Capacity),
		BufferSize: int64(p.cfg.BufferSize),
		BatchSize:  int64(p.cfg.BatchSize),
		Free:       free,
		InFlight:   int64(p.cfg.Capacity) - free,
		Waiters:    waiters,
		Acquired:   p.acquired.Load(),
		Released:   p.released.Load(),
	}
}

// Shutdown fails all suspended acquires with ErrShutdown and rejects new
// ones. Buffers already in flight may still be released afterwards.
func (p *Pool) Shutdown() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.done)
	for p.waiters.Length() > 0 {
		p.waiters.Remove()
	}
	for i := range p.locals {
		p.locals[i].waiters = nil
		p.locals[i].rep = nil
	}
	p.mu.Unlock()
	p.log.Debug().Msg("pool shut down")
	return nil
}

// takeFrom moves up to n buffers off the tail of *src into dst.
func takeFrom(src *[]*Buffer, dst []*Buffer, n int) []*Buffer {
	s := *src
	take := n
	if take > len(s) {
		take = len(s)
	}
	cut := len(s) - take
	dst = append(dst, s[cut:]...)
	*src = s[:cut]
	return dst
}
