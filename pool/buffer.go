// File: pool/buffer.go
// Author: polyphase <dev@polyphase.io>
// License: Apache-2.0
//
// Reference-counted arena buffer. Single-writer before publish, multiple-
// reader after; the reference count reaches zero exactly once, exactly when
// the region returns to its pool.

package pool

import (
	"sync/atomic"

	"github.com/polyphase/rolebus/api"
)

// Ensure compile-time interface compliance.
var _ api.Buffer = (*Buffer)(nil)

// Buffer is one pool-owned region of the arena.
type Buffer struct {
	pool *Pool
	data []byte
	n    int
	refs atomic.Int32
}

// Bytes returns the written portion of the buffer.
func (b *Buffer) Bytes() []byte { return b.data[:b.n] }

// Append copies p after the write cursor, truncating at capacity.
func (b *Buffer) Append(p []byte) int {
	c := copy(b.data[b.n:], p)
	b.n += c
	return c
}

// Len returns the write cursor position.
func (b *Buffer) Len() int { return b.n }

// Cap returns the region capacity.
func (b *Buffer) Cap() int { return len(b.data) }

// Reset rewinds the write cursor.
func (b *Buffer) Reset() { b.n = 0 }

// Copy returns a standalone copy of the written portion.
func (b *Buffer) Copy() []byte {
	out := make([]byte, b.n)
	copy(out, b.data[:b.n])
	return out
}

// Share increments the reference count so another reader can hold the same
// physical region. Returns the buffer itself.
func (b *Buffer) Share() api.Buffer {
	if b.refs.Add(1) <= 1 {
		panic("pool: Share on released buffer")
	}
	return b
}

// Release decrements the reference count and returns the region to the pool
// at zero. Underflow is an invariant violation and panics.
func (b *Buffer) Release() {
	switch v := b.refs.Add(-1); {
	case v == 0:
		b.n = 0
		b.pool.recycle(b)
	case v < 0:
		panic("pool: buffer refcount underflow")
	}
}

// Exclusive reports whether the caller holds the only reference.
func (b *Buffer) Exclusive() bool { return b.refs.Load() == 1 }

// Slice produces a borrowed read-only view of [from:to) in O(1). The view
// carries no reference of its own: it must not outlive the parent buffer.
func (b *Buffer) Slice(from, to int) api.Buffer {
	if from < 0 || to > b.n || from > to {
		panic("pool: slice bounds out of range")
	}
	return &view{parent: b, from: from, to: to}
}

// view is a borrowed window into a parent buffer. Share and Release operate
// on the parent's reference count so a view can be handed across an API
// boundary that expects ownable buffers.
type view struct {
	parent *Buffer
	from   int
	to     int
}

var _ api.Buffer = (*view)(nil)

func (v *view) Bytes() []byte { return v.parent.data[v.from:v.to] }
func (v *view) Len() int      { return v.to - v.from }
func (v *view) Cap() int      { return v.to - v.from }

func (v *view) Append([]byte) int { panic("pool: Append on buffer view") }
func (v *view) Reset()            { panic("pool: Reset on buffer view") }

func (v *view) Copy() []byte {
	out := make([]byte, v.to-v.from)
	copy(out, v.parent.data[v.from:v.to])
	return out
}

func (v *view) Share() api.Buffer {
	v.parent.Share()
	return v
}

func (v *view) Release() { v.parent.Release() }

func (v *view) Exclusive() bool { return v.parent.Exclusive() }

func (v *view) Slice(from, to int) api.Buffer {
	if from < 0 || v.from+to > v.to || from > to {
		panic("pool: slice bounds out of range")
	}
	return &view{parent: v.parent, from: v.from + from, to: v.from + to}
}
