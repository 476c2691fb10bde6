// File: api/header.go
// Package api defines the logical message header carried by every transport.
// Author: polyphase <dev@polyphase.io>
// License: Apache-2.0
//
// The header contract is logical: exact byte encoding (endianness, field
// widths on the wire) belongs to the transport binding. The protocol package
// ships this repository's reference binding.

package api

// Header carries the routing and primitive metadata a transport must
// preserve for every message. Correlation is meaningful only for
// KindRequest/KindResponse; Key and Seq only for stream kinds.
type Header struct {
	Iface       InterfaceID
	Object      ObjectID
	Channel     ChannelID
	Kind        EventKind
	Length      uint32
	Correlation uint64
	Key         uint64
	Seq         uint64
}
