// File: protocol/header.go
// Package protocol implements the reference byte binding of the logical
// message header.
// Author: polyphase <dev@polyphase.io>
// License: Apache-2.0
//
// The core only mandates the logical fields (api.Header); this binding
// fixes them on the wire as big-endian fixed-width values so in-tree
// transports and tests share one layout. Alternative transports may pick
// their own versioned encoding.

package protocol

import (
	"encoding/binary"
	"errors"

	"github.com/polyphase/rolebus/api"
)

// HeaderLen is the fixed encoded size of a header.
//
// Layout (big-endian):
//
//	iface     uint32
//	object    uint32
//	channel   uint32
//	kind      uint8
//	reserved  uint8[3]
//	length    uint32
//	corr/key  uint64  (correlation id, or stream key)
//	seq       uint64  (stream sequence; zero for request/response)
const HeaderLen = 36

// MaxPayload protects decoders against absurd length fields; the real bound
// is the pool's buffer size.
const MaxPayload = 1 << 24 // 16 MiB

var (
	errShortHeader = errors.New("protocol: header truncated")
	errBadKind     = errors.New("protocol: unknown event kind")
	errBadLength   = errors.New("protocol: payload length exceeds maximum")
)

// EncodeHeader appends the encoded header to dst and returns the result.
func EncodeHeader(dst []byte, h api.Header) []byte {
	var b [HeaderLen]byte
	binary.BigEndian.PutUint32(b[0:4], uint32(h.Iface))
	binary.BigEndian.PutUint32(b[4:8], uint32(h.Object))
	binary.BigEndian.PutUint32(b[8:12], uint32(h.Channel))
	b[12] = byte(h.Kind)
	binary.BigEndian.PutUint32(b[16:20], h.Length)
	switch h.Kind {
	case api.KindStreamItem, api.KindStreamClose, api.KindSnapshot:
		binary.BigEndian.PutUint64(b[20:28], h.Key)
		binary.BigEndian.PutUint64(b[28:36], h.Seq)
	default:
		binary.BigEndian.PutUint64(b[20:28], h.Correlation)
	}
	return append(dst, b[:]...)
}

// DecodeHeader parses one header off raw. Inconsistent headers are
// protocol violations: the caller must tear down the offending connection,
// and only that connection.
func DecodeHeader(raw []byte) (api.Header, error) {
	if len(raw) < HeaderLen {
		return api.Header{}, errShortHeader
	}
	kind := api.EventKind(raw[12])
	if kind > api.KindSnapshot {
		return api.Header{}, errBadKind
	}
	h := api.Header{
		Iface:   api.InterfaceID(binary.BigEndian.Uint32(raw[0:4])),
		Object:  api.ObjectID(binary.BigEndian.Uint32(raw[4:8])),
		Channel: api.ChannelID(binary.BigEndian.Uint32(raw[8:12])),
		Kind:    kind,
		Length:  binary.BigEndian.Uint32(raw[16:20]),
	}
	if h.Length > MaxPayload {
		return api.Header{}, errBadLength
	}
	switch kind {
	case api.KindStreamItem, api.KindStreamClose, api.KindSnapshot:
		h.Key = binary.BigEndian.Uint64(raw[20:28])
		h.Seq = binary.BigEndian.Uint64(raw[28:36])
	default:
		h.Correlation = binary.BigEndian.Uint64(raw[20:28])
	}
	return h, nil
}

// IsViolation reports whether err marks a malformed or inconsistent header.
func IsViolation(err error) bool {
	return errors.Is(err, errShortHeader) ||
		errors.Is(err, errBadKind) ||
		errors.Is(err, errBadLength)
}
