// File: object/request.go
// Author: polyphase <dev@polyphase.io>
// License: Apache-2.0
//
// The Request primitive: call/response correlation between a client role
// and a server role, with responses multicast on their channel so peers can
// observe each other's traffic.

package object

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/polyphase/rolebus/api"
	"github.com/polyphase/rolebus/bus"
)

// Requester is the client end of a Request object. Each Call assigns a
// correlation id unique among this instance's in-flight calls, publishes a
// request event and suspends until the matching response arrives, the
// context is cancelled, or the role instance is torn down.
type Requester struct {
	b    *bus.Bus
	inst *bus.Instance
	pool api.BufferPool
	req  api.ChannelID
	resp api.ChannelID
	log  zerolog.Logger

	mu      sync.Mutex
	nextID  uint64
	pending map[uint64]chan api.Buffer
	down    bool
}

// NewRequester wires a requester onto inst. Must be called before
// inst.Attach so the response handler is bound in time. Teardown of inst
// cancels every pending call.
func NewRequester(b *bus.Bus, inst *bus.Instance, pool api.BufferPool, req, resp api.ChannelID, log zerolog.Logger) (*Requester, error) {
	r := &Requester{
		b:       b,
		inst:    inst,
		pool:    pool,
		req:     req,
		resp:    resp,
		log:     log.With().Str("object", "requester").Str("instance", inst.ID()).Logger(),
		pending: make(map[uint64]chan api.Buffer),
	}
	if err := inst.Bind(resp, api.HandlerFunc(r.onResponse)); err != nil {
		return nil, err
	}
	inst.OnTeardown(r.cancelAll)
	return r, nil
}

// Call issues one request and blocks until its response. The returned
// buffer reference belongs to the caller, who must Release it. Timeouts are
// composed externally through ctx.
func (r *Requester) Call(ctx context.Context, payload []byte) (api.Buffer, error) {
	buf, err := r.pool.AcquireOne(ctx, r.inst.Worker())
	if err != nil {
		return nil, err
	}
	buf.Append(payload)

	id, ch, err := r.register()
	if err != nil {
		buf.Release()
		return nil, err
	}
	ev := api.Event{
		Channel:     r.req,
		Kind:        api.KindRequest,
		Correlation: id,
		Buffer:      buf,
	}
	if err := r.b.Publish(r.inst, ev); err != nil {
		r.remove(id)
		return nil, err
	}
	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, api.ErrRoleClosed
		}
		return resp, nil
	case <-ctx.Done():
		// Removing the entry suppresses delivery of an eventual response;
		// it does not interrupt a handler already running on the server.
		if !r.remove(id) {
			// A response or teardown claimed the entry first. Take the
			// buffered response back so its reference is not stranded.
			if resp, ok := <-ch; ok {
				releaseBuf(resp)
			}
		}
		return nil, ctx.Err()
	}
}

// register records a CorrelationEntry with a fresh id. Ids may be reused
// once an entry is removed; they are never duplicated among entries
// currently outstanding.
func (r *Requester) register() (uint64, chan api.Buffer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.down {
		return 0, nil, api.ErrRoleClosed
	}
	r.nextID++
	id := r.nextID
	ch := make(chan api.Buffer, 1)
	r.pending[id] = ch
	return id, ch, nil
}

// remove drops a CorrelationEntry, reporting whether it was still pending.
// A response arriving afterwards with that id is discarded without error.
func (r *Requester) remove(id uint64) bool {
	r.mu.Lock()
	_, ok := r.pending[id]
	delete(r.pending, id)
	r.mu.Unlock()
	return ok
}

// onResponse resolves the pending call matching the response's correlation
// id. Responses addressed to other instances (peer traffic on a multicast
// response channel) and unmatched ids are discarded, not errors.
func (r *Requester) onResponse(ev api.Event) error {
	if ev.Kind != api.KindResponse || (ev.Target != "" && ev.Target != r.inst.ID()) {
		releaseBuf(ev.Buffer)
		return nil
	}
	r.mu.Lock()
	ch, ok := r.pending[ev.Correlation]
	if ok {
		delete(r.pending, ev.Correlation)
	}
	r.mu.Unlock()
	if !ok {
		releaseBuf(ev.Buffer)
		return nil
	}
	var resp api.Buffer
	if ev.Buffer != nil {
		resp = ev.Buffer
	}
	ch <- resp
	return nil
}

// cancelAll fails every pending call with ErrRoleClosed. Runs on instance
// teardown.
func (r *Requester) cancelAll() {
	r.mu.Lock()
	entries := r.pending
	r.pending = make(map[uint64]chan api.Buffer)
	r.down = true
	r.mu.Unlock()
	for _, ch := range entries {
		close(ch)
	}
	if len(entries) > 0 {
		r.log.Debug().Int("canceled", len(entries)).Msg("pending calls canceled on teardown")
	}
}

// RequestHandler produces the response payload for one request. Both the
// success and the declared error variants of an interface travel inside the
// returned bytes; the primitive never invents error encodings of its own.
// Malformed request payloads are the handler's to fold into its declared
// result type.
type RequestHandler func(req []byte) (resp []byte)

// Responder is the server end of a Request object: it runs the user handler
// once per distinct inbound request and publishes the result as a response
// event toward the originating client.
type Responder struct {
	b    *bus.Bus
	inst *bus.Instance
	pool api.BufferPool
	resp api.ChannelID
	h    RequestHandler
	log  zerolog.Logger
}

// NewResponder wires h onto inst's request channel. Must be called before
// inst.Attach.
func NewResponder(b *bus.Bus, inst *bus.Instance, pool api.BufferPool, req, resp api.ChannelID, h RequestHandler, log zerolog.Logger) (*Responder, error) {
	s := &Responder{
		b:    b,
		inst: inst,
		pool: pool,
		resp: resp,
		h:    h,
		log:  log.With().Str("object", "responder").Str("instance", inst.ID()).Logger(),
	}
	if err := inst.Bind(req, api.HandlerFunc(s.onRequest)); err != nil {
		return nil, err
	}
	return s, nil
}

// onRequest runs the handler and publishes its result. When the request
// buffer is exclusively ours after the handler returns, the response is
// written in place; this keeps a request/response round trip at exactly one
// pool allocation and cannot deadlock even on a tiny pool.
func (s *Responder) onRequest(ev api.Event) error {
	if ev.Kind != api.KindRequest {
		releaseBuf(ev.Buffer)
		return nil
	}
	var req []byte
	if ev.Buffer != nil {
		req = ev.Buffer.Bytes()
	}
	payload, err := s.run(req)
	if err != nil {
		// A panicking handler produces no response; the caller resolves
		// through its context. The instance stays serviceable.
		releaseBuf(ev.Buffer)
		return err
	}

	out := ev.Buffer
	if out == nil || !out.Exclusive() {
		releaseBuf(out)
		fresh, err := s.pool.AcquireOne(context.Background(), s.inst.Worker())
		if err != nil {
			return err
		}
		out = fresh
	} else {
		out.Reset()
	}
	out.Append(payload)

	return s.b.Publish(s.inst, api.Event{
		Channel:     s.resp,
		Kind:        api.KindResponse,
		Correlation: ev.Correlation,
		Target:      ev.Origin,
		Buffer:      out,
	})
}

// run invokes the user handler, converting a panic into an error.
func (s *Responder) run(req []byte) (payload []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().Interface("panic", r).Msg("request handler panicked")
			err = api.NewError(api.ErrCodeInternal, "request handler panicked")
		}
	}()
	return s.h(req), nil
}

func releaseBuf(b api.Buffer) {
	if b != nil {
		b.Release()
	}
}
