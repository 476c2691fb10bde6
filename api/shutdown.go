// File: api/shutdown.go
// Package api defines unified graceful shutdown contract.
// Author: polyphase <dev@polyphase.io>
// License: Apache-2.0

package api

// GracefulShutdown unifies orderly teardown across runtime components.
type GracefulShutdown interface {
	// Shutdown stops all internal services and releases resources.
	// Suspended operations (pool waiters, pending calls) fail with
	// ErrShutdown rather than hanging.
	Shutdown() error
}
