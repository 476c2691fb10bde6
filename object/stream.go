// File: object/stream.go
// Author: polyphase <dev@polyphase.io>
// License: Apache-2.0
//
// The MultiStream primitive: many independently ordered sub-streams
// multiplexed over one channel. The producer tags every item (key, seq);
// each subscriber reorders per key, holding a bounded out-of-order buffer
// and releasing contiguous runs the moment a gap closes.

package object

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/polyphase/rolebus/api"
	"github.com/polyphase/rolebus/bus"
)

// DefaultReorderBound caps how many out-of-order items a subscriber holds
// per key before treating the stream as violated.
const DefaultReorderBound = 64

// noClose marks a key whose close sequence is not yet known.
const noClose = ^uint64(0)

// StreamProducer is the sending end of a MultiStream object. Post assigns
// the next sequence number for the key and publishes the item tagged
// (key, seq).
type StreamProducer struct {
	b    *bus.Bus
	inst *bus.Instance
	pool api.BufferPool
	ch   api.ChannelID

	mu     sync.Mutex
	next   map[uint64]uint64
	closed map[uint64]bool
}

// NewStreamProducer wires a producer publishing on ch.
func NewStreamProducer(b *bus.Bus, inst *bus.Instance, pool api.BufferPool, ch api.ChannelID) *StreamProducer {
	return &StreamProducer{
		b:      b,
		inst:   inst,
		pool:   pool,
		ch:     ch,
		next:   make(map[uint64]uint64),
		closed: make(map[uint64]bool),
	}
}

// Post publishes item as the next element of key's sub-stream. A sequence
// number is consumed only once the item reaches the channel; a failed
// acquire or publish leaves no gap behind for subscribers to stall on.
func (p *StreamProducer) Post(ctx context.Context, key uint64, item []byte) error {
	p.mu.Lock()
	if p.closed[key] {
		p.mu.Unlock()
		return api.ErrStreamClosed
	}
	p.mu.Unlock()

	buf, err := p.pool.AcquireOne(ctx, p.inst.Worker())
	if err != nil {
		return err
	}
	buf.Append(item)

	p.mu.Lock()
	if p.closed[key] {
		p.mu.Unlock()
		buf.Release()
		return api.ErrStreamClosed
	}
	seq := p.next[key]
	p.next[key] = seq + 1
	p.mu.Unlock()

	err = p.b.Publish(p.inst, api.Event{
		Channel: p.ch,
		Kind:    api.KindStreamItem,
		Key:     key,
		Seq:     seq,
		Buffer:  buf,
	})
	if err != nil {
		// Return the sequence unless a concurrent Post already moved past it.
		p.mu.Lock()
		if p.next[key] == seq+1 {
			p.next[key] = seq
		}
		p.mu.Unlock()
	}
	return err
}

// CloseKey ends key's sub-stream. Subscribers observe the end after
// draining the contiguous prefix. Posting to a closed key fails with
// ErrStreamClosed.
func (p *StreamProducer) CloseKey(key uint64) error {
	p.mu.Lock()
	if p.closed[key] {
		p.mu.Unlock()
		return api.ErrStreamClosed
	}
	p.closed[key] = true
	seq := p.next[key]
	p.mu.Unlock()

	return p.b.Publish(p.inst, api.Event{
		Channel: p.ch,
		Kind:    api.KindStreamClose,
		Key:     key,
		Seq:     seq,
	})
}

// StreamSubscriber is the receiving end of a MultiStream object. Each key
// yields a lazy ordered sequence of items, finite only if the key is
// explicitly closed. Attachment does not replay history: a late joiner
// starts from the channel's state snapshot.
type StreamSubscriber struct {
	inst  *bus.Instance
	ch    api.ChannelID
	bound int
	log   zerolog.Logger

	mu   sync.Mutex
	keys map[uint64]*KeyStream
	down bool
}

// NewStreamSubscriber wires a subscriber onto inst's stream channel. Must
// be called before inst.Attach. reorderBound <= 0 selects the default.
func NewStreamSubscriber(inst *bus.Instance, ch api.ChannelID, reorderBound int, log zerolog.Logger) (*StreamSubscriber, error) {
	if reorderBound <= 0 {
		reorderBound = DefaultReorderBound
	}
	s := &StreamSubscriber{
		inst:  inst,
		ch:    ch,
		bound: reorderBound,
		log:   log.With().Str("object", "stream-subscriber").Str("instance", inst.ID()).Logger(),
		keys:  make(map[uint64]*KeyStream),
	}
	if err := inst.Bind(ch, api.HandlerFunc(s.onEvent)); err != nil {
		return nil, err
	}
	inst.OnTeardown(s.discardAll)
	return s, nil
}

// Stream returns the ordered receiver for one key, creating its state on
// first use.
func (s *StreamSubscriber) Stream(key uint64) *KeyStream {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ensureLocked(key)
}

func (s *StreamSubscriber) ensureLocked(key uint64) *KeyStream {
	ks, ok := s.keys[key]
	if !ok {
		ks = &KeyStream{
			key:     key,
			held:    make(map[uint64]api.Buffer),
			out:     make(chan api.Buffer, s.bound),
			closeAt: noClose,
		}
		s.keys[key] = ks
	}
	return ks
}

// onEvent routes one channel delivery into its key's reorder state. Runs on
// the instance's worker.
func (s *StreamSubscriber) onEvent(ev api.Event) error {
	s.mu.Lock()
	if s.down {
		s.mu.Unlock()
		releaseBuf(ev.Buffer)
		return nil
	}
	ks := s.ensureLocked(ev.Key)
	s.mu.Unlock()

	switch ev.Kind {
	case api.KindSnapshot:
		// Current-state snapshot for a late joiner: adopt its sequence as
		// the starting point instead of expecting replayed history.
		ks.mu.Lock()
		if ks.next == 0 && len(ks.held) == 0 && !ks.done {
			ks.next = ev.Seq
		}
		ks.mu.Unlock()
		return s.accept(ks, ev)
	case api.KindStreamItem:
		return s.accept(ks, ev)
	case api.KindStreamClose:
		ks.mu.Lock()
		ks.closeAt = ev.Seq
		s.finishLocked(ks)
		ks.mu.Unlock()
		releaseBuf(ev.Buffer)
		return nil
	default:
		releaseBuf(ev.Buffer)
		return nil
	}
}

// accept applies the reordering rules: stale sequences are discarded,
// future ones held, and the contiguous run starting at next-expected is
// released to the application immediately.
func (s *StreamSubscriber) accept(ks *KeyStream, ev api.Event) error {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	if ks.done {
		releaseBuf(ev.Buffer)
		return nil
	}
	switch {
	case ev.Seq < ks.next:
		// Duplicate or stale retransmit.
		releaseBuf(ev.Buffer)
		return nil
	case ev.Seq > ks.next:
		if _, dup := ks.held[ev.Seq]; dup {
			releaseBuf(ev.Buffer)
			return nil
		}
		if len(ks.held) >= s.bound {
			releaseBuf(ev.Buffer)
			s.log.Error().
				Uint64("key", ks.key).
				Uint64("seq", ev.Seq).
				Msg("reorder buffer exhausted, stream violated")
			ks.err = api.ErrProtocol
			s.finishLocked(ks)
			return api.ErrProtocol
		}
		ks.held[ev.Seq] = ev.Buffer
		return nil
	default:
		ks.deliverLocked(ev.Buffer)
		for {
			buf, ok := ks.held[ks.next]
			if !ok {
				break
			}
			delete(ks.held, ks.next)
			ks.deliverLocked(buf)
		}
		s.finishLocked(ks)
		return nil
	}
}

// finishLocked ends the stream once the contiguous prefix reaches the close
// marker, or immediately on error or teardown.
func (s *StreamSubscriber) finishLocked(ks *KeyStream) {
	if ks.done {
		return
	}
	if ks.err == nil && ks.next < ks.closeAt {
		return
	}
	ks.done = true
	for seq, buf := range ks.held {
		releaseBuf(buf)
		delete(ks.held, seq)
	}
	close(ks.out)
}

// discardAll tears down every key's state on instance teardown.
func (s *StreamSubscriber) discardAll() {
	s.mu.Lock()
	keys := s.keys
	s.keys = make(map[uint64]*KeyStream)
	s.down = true
	s.mu.Unlock()
	for _, ks := range keys {
		ks.mu.Lock()
		if !ks.done {
			ks.err = api.ErrRoleClosed
			s.finishLocked(ks)
		}
		ks.mu.Unlock()
	}
	// Items already delivered into out channels remain readable until the
	// application drains them; references travel with the items.
}

// KeyStream is the ordered receiver for one sub-stream key.
type KeyStream struct {
	key     uint64
	mu      sync.Mutex
	next    uint64
	held    map[uint64]api.Buffer
	out     chan api.Buffer
	closeAt uint64
	done    bool
	err     error
}

// deliverLocked hands one in-order item to the application side and
// advances next-expected. Blocks (backpressure) when the application lags
// more than the channel bound.
func (ks *KeyStream) deliverLocked(buf api.Buffer) {
	ks.out <- buf
	ks.next++
}

// Recv returns the next in-order item; the reference belongs to the caller.
// After the key closes Recv returns ErrStreamClosed, or the violation that
// ended the stream.
func (ks *KeyStream) Recv(ctx context.Context) (api.Buffer, error) {
	select {
	case buf, ok := <-ks.out:
		if !ok {
			ks.mu.Lock()
			err := ks.err
			ks.mu.Unlock()
			if err == nil {
				err = api.ErrStreamClosed
			}
			return nil, err
		}
		return buf, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Key returns the sub-stream identifier.
func (ks *KeyStream) Key() uint64 { return ks.key }
