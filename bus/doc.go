// File: bus/doc.go
// Author: polyphase <dev@polyphase.io>
// License: Apache-2.0

// Package bus implements the event-routing substrate of the runtime: a
// per-runtime registry that instantiates role objects, wires event
// subscriptions according to a declared routing graph, and multicasts
// published events to every currently subscribed role instance.
//
// Delivery guarantees: per-sender FIFO on a channel; a shared buffer is
// never copied per subscriber, fan-out uses reference sharing. Publishing
// to a channel with zero subscribers is a no-op. A subscriber whose
// delivery queue is full exerts backpressure on the publisher. Stateful
// channels retain the latest value per state key and replay a one-time
// snapshot to late-joining subscribers before live events resume.
package bus
