// Package fake
// Author: polyphase <dev@polyphase.io>
//
// Fake implementations for testing and development. Predictable,
// controllable behavior for the transport adapter contract.

package fake

import (
	"context"
	"sync"

	"github.com/polyphase/rolebus/api"
)

// Sent records one outbound message as the fake transport observed it.
type Sent struct {
	Worker  api.WorkerID
	Dst     api.PeerID
	Hdr     api.Header
	Payload []byte
}

// Transport is a fake implementation of api.Transport. It records every
// send; with an inbound callback installed it can also loop messages back
// as if they arrived from the destination peer.
type Transport struct {
	mu       sync.Mutex
	sent     []Sent
	closed   bool
	sendErr  error
	inbound  api.Inbound
	loopback bool
	pool     api.BufferPool
}

// Ensure compile-time interface compliance.
var _ api.Transport = (*Transport)(nil)

// NewTransport creates a fake transport.
func NewTransport() *Transport {
	return &Transport{}
}

// EnableLoopback makes every Send reappear through inbound, addressed from
// the destination peer, with the payload copied into a fresh pool buffer.
func (t *Transport) EnableLoopback(inbound api.Inbound, pool api.BufferPool) {
	t.mu.Lock()
	t.inbound = inbound
	t.pool = pool
	t.loopback = true
	t.mu.Unlock()
}

// SetSendError configures the transport to fail sends.
func (t *Transport) SetSendError(err error) {
	t.mu.Lock()
	t.sendErr = err
	t.mu.Unlock()
}

// Send implements api.Transport. It takes over the buffer reference.
func (t *Transport) Send(ctx context.Context, worker api.WorkerID, dst api.PeerID, hdr api.Header, buf api.Buffer) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		if buf != nil {
			buf.Release()
		}
		return api.ErrTransportClosed
	}
	if t.sendErr != nil {
		err := t.sendErr
		t.mu.Unlock()
		if buf != nil {
			buf.Release()
		}
		return err
	}
	rec := Sent{Worker: worker, Dst: dst, Hdr: hdr}
	if buf != nil {
		rec.Payload = buf.Copy()
	}
	t.sent = append(t.sent, rec)
	inbound, pool, loop := t.inbound, t.pool, t.loopback
	t.mu.Unlock()

	if buf != nil {
		buf.Release()
	}
	if !loop || inbound == nil {
		return nil
	}
	var payload api.Buffer
	if rec.Payload != nil {
		fresh, err := pool.AcquireOne(ctx, api.InvalidWorker)
		if err != nil {
			return err
		}
		fresh.Append(rec.Payload)
		payload = fresh
	}
	return inbound(dst, hdr, payload)
}

// Close implements api.Transport.
func (t *Transport) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	return nil
}

// SentMessages returns a copy of everything sent so far.
func (t *Transport) SentMessages() []Sent {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Sent, len(t.sent))
	copy(out, t.sent)
	return out
}

// Reset clears the recorded messages.
func (t *Transport) Reset() {
	t.mu.Lock()
	t.sent = t.sent[:0]
	t.mu.Unlock()
}
