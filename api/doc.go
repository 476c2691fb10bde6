// File: api/doc.go
// Author: polyphase <dev@polyphase.io>
// License: Apache-2.0

// Package api defines the pure contracts of the rolebus runtime: reference-
// counted buffers and pools, the event and logical-header model shared by
// every role, the executor contract for thread-per-core dispatch, and the
// transport adapter boundary.
//
// The package contains no implementations. Concrete components live in
// pool, bus, object, and internal/concurrency; transports live outside the
// core entirely and plug in through the Transport contract.
package api
