// File: api/buffer.go
// Author: polyphase <dev@polyphase.io>
// License: Apache-2.0
//
// Reference-counted memory buffers for allocation-free message passing.
//
// Buffers are owned by a fixed-capacity pool. A published buffer follows the
// single-writer, multiple-reader discipline: write access belongs to the
// producer before first publish, after which the buffer is immutable and may
// only be shared or released.

package api

import "context"

// Buffer describes a pool-owned, reference-counted memory region.
type Buffer interface {
	// Bytes returns the written portion of the buffer.
	Bytes() []byte

	// Append copies p after the write cursor and advances it.
	// Must only be called by the producer before the buffer is published.
	Append(p []byte) int

	// Len returns the write cursor position.
	Len() int

	// Cap returns the fixed capacity of the underlying region.
	Cap() int

	// Reset rewinds the write cursor. Producer-only, pre-publish.
	Reset()

	// Slice produces an O(1) borrowed view of [from:to). The view holds no
	// reference of its own and must not outlive the buffer it was cut from.
	Slice(from, to int) Buffer

	// Share increments the reference count and returns the same buffer.
	// Used for multicast fan-out: N subscribers read one physical region.
	Share() Buffer

	// Exclusive reports whether the caller holds the only reference, in
	// which case the single-writer discipline permits reusing the region
	// in place (a responder writing its reply over the request).
	Exclusive() bool

	// Release decrements the reference count. At zero the region returns
	// to its pool. After Release the caller must not touch the buffer.
	Release()

	// Copy returns a standalone copy of the written portion.
	Copy() []byte
}

// BufferPool is the allocation primitive for every message in the runtime.
// Exhaustion is backpressure, never an error: Acquire suspends the caller
// until enough buffers are released, in arrival order.
type BufferPool interface {
	// Acquire obtains n buffers, blocking while fewer than n are free.
	// worker identifies the calling scheduling unit so the pool can serve
	// it from a worker-local batch cache. Pass InvalidWorker from plain
	// goroutines. Fails only on ctx cancellation or pool shutdown.
	Acquire(ctx context.Context, worker WorkerID, n int) ([]Buffer, error)

	// AcquireOne is Acquire for the common single-buffer case.
	AcquireOne(ctx context.Context, worker WorkerID) (Buffer, error)

	// Stats exposes conservation counters for observability.
	Stats() BufferPoolStats
}

// BufferPoolStats aggregates pool accounting. Free+InFlight equals Capacity
// at every observation point.
type BufferPoolStats struct {
	Capacity   int64
	BufferSize int64
	BatchSize  int64
	Free       int64
	InFlight   int64
	Waiters    int64
	Acquired   int64 // cumulative
	Released   int64 // cumulative
}
