// File: object/doc.go
// Author: polyphase <dev@polyphase.io>
// License: Apache-2.0

// Package object implements the two canonical communication primitives
// built once atop the event bus and reused by every interface:
//
//   - Request: point-to-point call/response correlation, observable by any
//     other subscriber of the response channel.
//   - MultiStream: many independent ordered sub-streams multiplexed over
//     one channel, keyed and sequence-numbered per key.
//
// Interfaces embedding these primitives compose them by delegation: an
// outer object holds a Requester or a StreamSubscriber as a field and
// forwards to it, never through any inheritance mechanism.
package object
