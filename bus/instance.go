// File: bus/instance.go
// Author: polyphase <dev@polyphase.io>
// License: Apache-2.0
//
// One running participant of an interface. An instance owns a bounded
// delivery queue drained by tasks on its pinned worker, so all per-instance
// state is mutated by exactly one worker and needs no locking of its own.

package bus

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/polyphase/rolebus/api"
)

const dispatchBatch = 16

// Instance is one attached role instance. Created by Bus.Register, wired by
// Bind, activated by Attach, and torn down by Bus.Unregister.
type Instance struct {
	id     string
	role   api.RoleID
	worker api.WorkerID
	iface  *ifaceState
	bus    *Bus

	handlers map[api.ChannelID]api.Handler

	queue     chan api.Event
	scheduled atomic.Bool
	attached  atomic.Bool
	closed    atomic.Bool
	done      chan struct{}

	mu       sync.Mutex
	teardown []func()
}

func newInstance(b *Bus, ifc *ifaceState, role api.RoleID, worker api.WorkerID, queueSize int) *Instance {
	return &Instance{
		id:       uuid.NewString(),
		role:     role,
		worker:   worker,
		iface:    ifc,
		bus:      b,
		handlers: make(map[api.ChannelID]api.Handler),
		queue:    make(chan api.Event, queueSize),
		done:     make(chan struct{}),
	}
}

// ID returns the unique instance identifier.
func (in *Instance) ID() string { return in.id }

// Role returns the declared role this instance plays.
func (in *Instance) Role() api.RoleID { return in.role }

// Worker returns the scheduling unit this instance is pinned to.
func (in *Instance) Worker() api.WorkerID { return in.worker }

// Decl returns the interface declaration this instance participates in.
func (in *Instance) Decl() *InterfaceDecl { return in.iface.decl }

// QueueCap returns the delivery queue bound this instance was given.
func (in *Instance) QueueCap() int { return cap(in.queue) }

// Bind installs the handler for one subscribed channel. Must be called
// before Attach; events on channels without a handler are discarded.
func (in *Instance) Bind(ch api.ChannelID, h api.Handler) error {
	if in.attached.Load() {
		return api.NewError(api.ErrCodeInvalidArgument, "bind after attach").
			WithContext("instance", in.id).
			WithContext("channel", ch)
	}
	decl := in.iface.decl.channel(ch)
	if decl == nil {
		return api.ErrNoSuchChannel
	}
	if !containsRole(decl.Subscribers, in.role) {
		return api.ErrNotSubscriber
	}
	in.handlers[ch] = h
	return nil
}

// OnTeardown registers a hook run when the instance is unregistered, before
// its pending deliveries are drained. Primitives use it to cancel
// correlation entries and discard stream state.
func (in *Instance) OnTeardown(fn func()) {
	in.mu.Lock()
	in.teardown = append(in.teardown, fn)
	in.mu.Unlock()
}

// Attach activates the instance: it joins the subscriber set of every
// channel its role is declared on, receiving stateful channels' snapshot
// before any live event.
func (in *Instance) Attach() error {
	if in.closed.Load() {
		return api.ErrRoleClosed
	}
	if !in.attached.CompareAndSwap(false, true) {
		return nil
	}
	in.bus.attach(in)
	return nil
}

// enqueue places one delivery on the instance queue, blocking while the
// queue is full. False means the instance (or the bus) is gone and the
// caller keeps the buffer reference.
func (in *Instance) enqueue(ev api.Event) bool {
	if in.closed.Load() {
		return false
	}
	select {
	case in.queue <- ev:
		in.schedule()
		return true
	case <-in.done:
		return false
	case <-in.bus.done:
		return false
	}
}

// schedule arranges a drain task on the owning worker unless one is already
// pending.
func (in *Instance) schedule() {
	if in.scheduled.CompareAndSwap(false, true) {
		if err := in.bus.exec.SubmitTo(in.worker, in.drain); err != nil {
			in.scheduled.Store(false)
		}
	}
}

// drain dispatches queued deliveries on the owning worker in bounded
// batches, rescheduling itself while work remains.
func (in *Instance) drain() {
	for i := 0; i < dispatchBatch; i++ {
		select {
		case ev := <-in.queue:
			in.dispatch(ev)
		default:
			in.scheduled.Store(false)
			// Recheck: an enqueue may have raced the flag clear.
			if len(in.queue) > 0 {
				in.schedule()
			}
			return
		}
	}
	if err := in.bus.exec.SubmitTo(in.worker, in.drain); err != nil {
		in.scheduled.Store(false)
	}
}

// dispatch hands one delivery to its channel handler. The handler takes
// over the delivery's buffer reference; deliveries without a handler, and
// all deliveries after teardown, are released here.
func (in *Instance) dispatch(ev api.Event) {
	if in.closed.Load() {
		releaseEvent(ev)
		return
	}
	h := in.handlers[ev.Channel]
	if h == nil {
		releaseEvent(ev)
		return
	}
	if err := h.HandleEvent(ev); err != nil {
		in.bus.log.Warn().
			Err(err).
			Str("instance", in.id).
			Uint32("channel", uint32(ev.Channel)).
			Str("kind", ev.Kind.String()).
			Msg("handler failed")
	}
}

// shut runs teardown hooks and releases everything still queued.
func (in *Instance) shut() {
	in.mu.Lock()
	hooks := in.teardown
	in.teardown = nil
	in.mu.Unlock()
	for _, fn := range hooks {
		fn()
	}
	in.flush()
}

// flush releases queued deliveries without dispatching them.
func (in *Instance) flush() {
	for {
		select {
		case ev := <-in.queue:
			releaseEvent(ev)
		default:
			return
		}
	}
}

func releaseEvent(ev api.Event) {
	if ev.Buffer != nil {
		ev.Buffer.Release()
	}
}
