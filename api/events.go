// File: api/events.go
// Package api defines the event model shared by every role runtime component.
// Author: polyphase <dev@polyphase.io>
// License: Apache-2.0

package api

// InterfaceID identifies a declared interface (a schema of roles, objects,
// channels and state shared among a fixed set of roles).
type InterfaceID uint32

// ObjectID identifies one communication primitive instance declared in an
// interface, e.g. a Request or a MultiStream.
type ObjectID uint32

// ChannelID identifies a declared event route between roles.
type ChannelID uint32

// RoleID identifies a named participant type in an interface (Client, Server).
type RoleID uint32

// EventKind discriminates the runtime-level meaning of an event. Payloads
// stay opaque; the kind only drives routing and the two core primitives.
type EventKind uint8

const (
	KindData EventKind = iota
	KindRequest
	KindResponse
	KindStreamItem
	KindStreamClose
	KindSnapshot
)

func (k EventKind) String() string {
	switch k {
	case KindData:
		return "data"
	case KindRequest:
		return "request"
	case KindResponse:
		return "response"
	case KindStreamItem:
		return "stream-item"
	case KindStreamClose:
		return "stream-close"
	case KindSnapshot:
		return "snapshot"
	default:
		return "unknown"
	}
}

// Event is one typed message traveling a channel from a declared sender role
// to the channel's subscriber set. The runtime treats Buffer contents as an
// opaque byte range; Correlation and Key/Seq are only meaningful to the
// Request and MultiStream primitives respectively.
type Event struct {
	Object  ObjectID
	Channel ChannelID
	Sender  RoleID
	Origin  string // sender instance id
	Target  string // instance id a response answers to; empty for broadcast
	Kind    EventKind

	Correlation uint64 // Request: links a response to its call
	Key         uint64 // MultiStream: sub-stream identifier
	Seq         uint64 // MultiStream: per-key sequence number

	Buffer Buffer // may be nil for payload-less control events
}

// Handler consumes events delivered to one role instance. Handlers run on
// the instance's owning worker; per-sender FIFO order is guaranteed within
// a channel. A returned error is local to the instance and logged, it never
// propagates to the publisher.
type Handler interface {
	HandleEvent(ev Event) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ev Event) error

// HandleEvent implements Handler.
func (f HandlerFunc) HandleEvent(ev Event) error { return f(ev) }
