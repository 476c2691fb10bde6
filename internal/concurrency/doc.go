// File: internal/concurrency/doc.go
// Author: polyphase <dev@polyphase.io>
// License: Apache-2.0

// Package concurrency implements the thread-per-core scheduler: per-worker
// ready queues, the shared cross-core load-balancing queue, and optional CPU
// pinning of worker threads.
//
// Only the load-balancing queue is shared between cores; everything a worker
// owns is mutated exclusively by tasks running on that worker.
package concurrency
