// File: api/transport.go
// Author: polyphase <dev@polyphase.io>
//
// Transport adapter boundary. The core never implements byte-level IO;
// concrete transports (stream sockets, WebSockets, shared memory) plug in
// behind this contract and hand inbound traffic back through Inbound.

package api

import "context"

// PeerID identifies the remote endpoint of a transport connection.
type PeerID uint64

// Transport supplies byte-level send for the runtime. Implementations own
// framing and byte layout of the logical Header.
type Transport interface {
	// Send transmits buf with its logical header toward dst. worker is the
	// scheduling unit issuing the send, letting the adapter keep per-core
	// connection state. The transport takes over the caller's buffer
	// reference and releases it when the bytes are on the wire.
	Send(ctx context.Context, worker WorkerID, dst PeerID, hdr Header, buf Buffer) error

	// Close tears down all connections. Pending sends fail with
	// ErrTransportClosed.
	Close() error
}

// Inbound is the receive callback a transport invokes for every decoded
// inbound message. The callee takes over the buffer reference. An error
// return means the message was rejected (protocol violation); the adapter
// must tear down the offending connection, and only that connection.
type Inbound func(src PeerID, hdr Header, payload Buffer) error
