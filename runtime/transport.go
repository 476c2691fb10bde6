// File: runtime/transport.go
// Author: polyphase <dev@polyphase.io>
// License: Apache-2.0
//
// Transport attachment: maps remote peers to local proxy role instances
// and translates between logical headers and bus events. Protocol
// violations tear down the offending connection's instance, never the
// runtime.

package runtime

import (
	"context"
	"fmt"

	"github.com/polyphase/rolebus/api"
	"github.com/polyphase/rolebus/bus"
)

// BindTransport installs the adapter and returns the receive callback the
// transport must invoke for every decoded inbound message.
func (r *Runtime) BindTransport(t api.Transport) api.Inbound {
	r.mu.Lock()
	r.tr = t
	r.mu.Unlock()
	return r.inbound
}

// AttachPeer binds a connected remote endpoint to its local proxy role
// instance. Inbound traffic from peer is published as that instance.
func (r *Runtime) AttachPeer(peer api.PeerID, inst *bus.Instance) {
	r.mu.Lock()
	r.peers[peer] = inst
	r.mu.Unlock()
	r.log.Debug().Uint64("peer", uint64(peer)).Str("instance", inst.ID()).Msg("peer attached")
}

// DetachPeer tears down the proxy instance of a disconnected peer: its
// correlation entries resolve as canceled, its subscriptions are removed,
// its stream states discarded. Other peers are unaffected.
func (r *Runtime) DetachPeer(peer api.PeerID) {
	r.mu.Lock()
	inst := r.peers[peer]
	delete(r.peers, peer)
	r.mu.Unlock()
	if inst != nil {
		r.bus.Unregister(inst)
		r.log.Debug().Uint64("peer", uint64(peer)).Msg("peer detached")
	}
}

// Send transmits one event toward a remote peer through the bound
// transport, carrying the logical header the core requires. Takes over the
// event's buffer reference.
func (r *Runtime) Send(ctx context.Context, inst *bus.Instance, dst api.PeerID, ev api.Event) error {
	r.mu.Lock()
	tr := r.tr
	r.mu.Unlock()
	if tr == nil {
		if ev.Buffer != nil {
			ev.Buffer.Release()
		}
		return api.ErrTransportClosed
	}
	var length uint32
	if ev.Buffer != nil {
		length = uint32(ev.Buffer.Len())
	}
	hdr := api.Header{
		Iface:       inst.Decl().ID,
		Object:      ev.Object,
		Channel:     ev.Channel,
		Kind:        ev.Kind,
		Length:      length,
		Correlation: ev.Correlation,
		Key:         ev.Key,
		Seq:         ev.Seq,
	}
	return tr.Send(ctx, inst.Worker(), dst, hdr, ev.Buffer)
}

// inbound validates one decoded message against the peer's registered
// interface and publishes it on the bus as the peer's proxy instance.
// A non-nil return means the connection was torn down.
func (r *Runtime) inbound(src api.PeerID, hdr api.Header, payload api.Buffer) error {
	r.mu.Lock()
	inst := r.peers[src]
	r.mu.Unlock()
	if inst == nil {
		if payload != nil {
			payload.Release()
		}
		return fmt.Errorf("runtime: message from unattached peer %d: %w", src, api.ErrProtocol)
	}
	if err := r.validate(inst, hdr, payload); err != nil {
		if payload != nil {
			payload.Release()
		}
		r.log.Warn().
			Err(err).
			Uint64("peer", uint64(src)).
			Uint32("channel", uint32(hdr.Channel)).
			Msg("protocol violation, tearing down connection")
		r.DetachPeer(src)
		return err
	}
	return r.bus.Publish(inst, api.Event{
		Object:      hdr.Object,
		Channel:     hdr.Channel,
		Kind:        hdr.Kind,
		Correlation: hdr.Correlation,
		Key:         hdr.Key,
		Seq:         hdr.Seq,
		Buffer:      payload,
	})
}

// validate checks header consistency with the registered interface.
func (r *Runtime) validate(inst *bus.Instance, hdr api.Header, payload api.Buffer) error {
	decl := inst.Decl()
	if hdr.Iface != decl.ID {
		return fmt.Errorf("runtime: interface id %d does not match registration %d: %w",
			hdr.Iface, decl.ID, api.ErrProtocol)
	}
	var ch *bus.ChannelDecl
	for i := range decl.Channels {
		if decl.Channels[i].ID == hdr.Channel {
			ch = &decl.Channels[i]
			break
		}
	}
	if ch == nil {
		return fmt.Errorf("runtime: channel %d not declared: %w", hdr.Channel, api.ErrProtocol)
	}
	if ch.Object != hdr.Object {
		return fmt.Errorf("runtime: object id %d does not match channel declaration: %w",
			hdr.Object, api.ErrProtocol)
	}
	var plen uint32
	if payload != nil {
		plen = uint32(payload.Len())
	}
	if hdr.Length != plen {
		return fmt.Errorf("runtime: header length %d does not match payload %d: %w",
			hdr.Length, plen, api.ErrProtocol)
	}
	return nil
}
