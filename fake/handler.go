// Package fake
// Author: polyphase <dev@polyphase.io>
//
// Recording event handler for bus and primitive tests.

package fake

import (
	"sync"

	"github.com/polyphase/rolebus/api"
)

// Received is one delivery as the recording handler observed it.
type Received struct {
	Event   api.Event
	Payload []byte
}

// Handler records every event it receives and releases the buffer
// reference, mimicking a well-behaved application handler.
type Handler struct {
	mu       sync.Mutex
	received []Received
}

// Ensure compile-time interface compliance.
var _ api.Handler = (*Handler)(nil)

// NewHandler creates an empty recording handler.
func NewHandler() *Handler {
	return &Handler{}
}

// HandleEvent implements api.Handler.
func (h *Handler) HandleEvent(ev api.Event) error {
	rec := Received{Event: ev}
	if ev.Buffer != nil {
		rec.Payload = ev.Buffer.Copy()
		ev.Buffer.Release()
	}
	h.mu.Lock()
	h.received = append(h.received, rec)
	h.mu.Unlock()
	return nil
}

// Received returns a copy of all recorded deliveries.
func (h *Handler) Received() []Received {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Received, len(h.received))
	copy(out, h.received)
	return out
}

// Count returns the number of recorded deliveries.
func (h *Handler) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.received)
}
