// File: pool/doc.go
// Author: polyphase <dev@polyphase.io>
// License: Apache-2.0

// Package pool implements the fixed-capacity, batch-oriented buffer pool
// underlying allocation-free message passing.
//
// The pool owns a single arena carved into equal-size buffers at start.
// Workers grab whole batches from the central free list to amortize
// synchronization; exhaustion is backpressure, never an error: acquirers
// suspend and resume in arrival order as buffers are released. At most one
// waiter per worker sits in the shared cross-thread queue; further waiters
// from the same worker park in that worker's local list and are drained
// when the representative's refill arrives.
package pool
