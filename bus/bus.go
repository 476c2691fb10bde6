// File: bus/bus.go
// Author: polyphase <dev@polyphase.io>
// License: Apache-2.0
//
// The per-runtime role registry and multicast router.

package bus

import (
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/polyphase/rolebus/api"
)

// DefaultQueueSize bounds a subscriber's delivery queue when neither the
// bus configuration nor the channel declaration says otherwise.
const DefaultQueueSize = 64

// Bus routes events between role instances according to declared
// subscription graphs.
type Bus struct {
	exec      api.Executor
	queueSize int
	log       zerolog.Logger

	mu        sync.RWMutex
	ifaces    map[api.InterfaceID]*ifaceState
	instances map[string]*Instance

	closed atomic.Bool
	done   chan struct{}

	published atomic.Int64
	delivered atomic.Int64
	dropped   atomic.Int64 // no-subscriber publishes
}

type ifaceState struct {
	decl     *InterfaceDecl
	channels map[api.ChannelID]*channelState
}

// channelState is the live side of one declared route: the current
// subscriber set and, for stateful channels, the retained latest value per
// state key.
type channelState struct {
	decl      *ChannelDecl
	mu        sync.Mutex
	subs      []*Instance
	heldState map[uint64]api.Event
}

// Ensure compile-time interface compliance.
var _ api.GracefulShutdown = (*Bus)(nil)

// New creates an empty bus dispatching through exec. queueSize is the
// default subscriber queue bound; zero or negative selects
// DefaultQueueSize. Channel declarations may raise it per channel.
func New(exec api.Executor, queueSize int, log zerolog.Logger) *Bus {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Bus{
		exec:      exec,
		queueSize: queueSize,
		log:       log.With().Str("component", "bus").Logger(),
		ifaces:    make(map[api.InterfaceID]*ifaceState),
		instances: make(map[string]*Instance),
		done:      make(chan struct{}),
	}
}

// RegisterInterface records a declared interface so roles can attach to it.
// Re-registering the same id is an error.
func (b *Bus) RegisterInterface(decl *InterfaceDecl) error {
	if err := decl.Validate(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed.Load() {
		return api.ErrShutdown
	}
	if _, dup := b.ifaces[decl.ID]; dup {
		return api.NewError(api.ErrCodeInvalidArgument, "interface already registered").
			WithContext("interface", decl.Name)
	}
	ifc := &ifaceState{
		decl:     decl,
		channels: make(map[api.ChannelID]*channelState, len(decl.Channels)),
	}
	for i := range decl.Channels {
		ch := &decl.Channels[i]
		cs := &channelState{decl: ch}
		if ch.Stateful {
			cs.heldState = make(map[uint64]api.Event)
		}
		ifc.channels[ch.ID] = cs
	}
	b.ifaces[decl.ID] = ifc
	b.log.Debug().Str("interface", decl.Name).Int("channels", len(decl.Channels)).
		Msg("interface registered")
	return nil
}

// Register creates a role instance on the given interface. The instance is
// inert until Attach: bind handlers first, then attach. A negative worker
// lets the bus pick one round-robin.
func (b *Bus) Register(iface api.InterfaceID, role api.RoleID, worker api.WorkerID) (*Instance, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed.Load() {
		return nil, api.ErrShutdown
	}
	ifc, ok := b.ifaces[iface]
	if !ok {
		return nil, api.NewError(api.ErrCodeInvalidArgument, "unknown interface").
			WithContext("interface", iface)
	}
	if worker < 0 {
		worker = api.WorkerID(len(b.instances) % b.exec.NumWorkers())
	}
	if int(worker) >= b.exec.NumWorkers() {
		return nil, api.ErrInvalidArgument
	}
	in := newInstance(b, ifc, role, worker, b.queueSizeFor(ifc.decl, role))
	b.instances[in.id] = in
	b.log.Debug().
		Str("instance", in.id).
		Uint32("role", uint32(role)).
		Int("worker", int(worker)).
		Msg("role registered")
	return in, nil
}

// queueSizeFor picks the largest declared queue bound among the channels
// the role subscribes to, since one queue serves them all. The bus default
// is the floor.
func (b *Bus) queueSizeFor(decl *InterfaceDecl, role api.RoleID) int {
	size := b.queueSize
	for i := range decl.Channels {
		ch := &decl.Channels[i]
		if ch.QueueSize > size && containsRole(ch.Subscribers, role) {
			size = ch.QueueSize
		}
	}
	return size
}

// attach joins in to the subscriber set of every channel its role is
// declared on. For stateful channels the retained values are enqueued,
// under the channel lock, before the instance becomes visible to
// publishers, so the snapshot always precedes live traffic.
func (b *Bus) attach(in *Instance) {
	for _, cs := range in.iface.channels {
		if !containsRole(cs.decl.Subscribers, in.role) {
			continue
		}
		cs.mu.Lock()
		for _, held := range cs.heldState {
			snap := held
			snap.Kind = api.KindSnapshot
			if held.Buffer != nil {
				snap.Buffer = held.Buffer.Share()
			}
			if !in.enqueue(snap) {
				releaseEvent(snap)
			}
		}
		cs.subs = append(cs.subs, in)
		cs.mu.Unlock()
	}
}

// Publish delivers ev to every instance currently subscribed to its
// channel. The call consumes the caller's buffer reference in every
// outcome, success or not. Per-sender order is preserved; a full subscriber
// queue suspends the publisher. Zero subscribers is a no-op.
func (b *Bus) Publish(sender *Instance, ev api.Event) error {
	if b.closed.Load() {
		releaseEvent(ev)
		return api.ErrShutdown
	}
	if sender == nil || sender.closed.Load() {
		releaseEvent(ev)
		return api.ErrRoleClosed
	}
	cs, ok := sender.iface.channels[ev.Channel]
	if !ok {
		releaseEvent(ev)
		return api.ErrNoSuchChannel
	}
	if !containsRole(cs.decl.Senders, sender.role) {
		releaseEvent(ev)
		return api.ErrNotSender
	}
	ev.Sender = sender.role
	ev.Origin = sender.id
	ev.Object = cs.decl.Object

	cs.mu.Lock()
	if cs.heldState != nil {
		if prev, ok := cs.heldState[ev.Key]; ok {
			releaseEvent(prev)
		}
		held := ev
		if ev.Buffer != nil {
			held.Buffer = ev.Buffer.Share()
		}
		cs.heldState[ev.Key] = held
	}
	subs := make([]*Instance, len(cs.subs))
	copy(subs, cs.subs)
	cs.mu.Unlock()

	b.published.Add(1)
	if len(subs) == 0 {
		releaseEvent(ev)
		b.dropped.Add(1)
		return nil
	}

	// Fan-out: the caller's reference funds the first delivery, every
	// further subscriber reads the same physical buffer through a share.
	for i, sub := range subs {
		evi := ev
		if ev.Buffer != nil && i > 0 {
			evi.Buffer = ev.Buffer.Share()
		}
		if sub.enqueue(evi) {
			b.delivered.Add(1)
		} else {
			releaseEvent(evi)
		}
	}
	return nil
}

// Unregister tears the instance down: subscriptions removed, teardown hooks
// run (cancelling its correlation entries and stream states), pending
// deliveries drained and their buffer references released. Other instances
// are unaffected.
func (b *Bus) Unregister(in *Instance) {
	if in == nil || !in.closed.CompareAndSwap(false, true) {
		return
	}
	close(in.done)

	for _, cs := range in.iface.channels {
		cs.mu.Lock()
		for i, s := range cs.subs {
			if s == in {
				cs.subs = append(cs.subs[:i], cs.subs[i+1:]...)
				break
			}
		}
		cs.mu.Unlock()
	}

	b.mu.Lock()
	delete(b.instances, in.id)
	b.mu.Unlock()

	in.shut()
	b.log.Debug().Str("instance", in.id).Msg("role unregistered")
}

// Stats returns bus counters.
func (b *Bus) Stats() map[string]int64 {
	b.mu.RLock()
	n := int64(len(b.instances))
	b.mu.RUnlock()
	return map[string]int64{
		"instances":     n,
		"published":     b.published.Load(),
		"delivered":     b.delivered.Load(),
		"no_subscriber": b.dropped.Load(),
	}
}

// Shutdown unregisters every instance and releases retained state.
func (b *Bus) Shutdown() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(b.done)

	b.mu.Lock()
	instances := make([]*Instance, 0, len(b.instances))
	for _, in := range b.instances {
		instances = append(instances, in)
	}
	ifaces := make([]*ifaceState, 0, len(b.ifaces))
	for _, ifc := range b.ifaces {
		ifaces = append(ifaces, ifc)
	}
	b.mu.Unlock()

	for _, in := range instances {
		b.Unregister(in)
	}
	for _, ifc := range ifaces {
		for _, cs := range ifc.channels {
			cs.mu.Lock()
			for k, held := range cs.heldState {
				releaseEvent(held)
				delete(cs.heldState, k)
			}
			cs.mu.Unlock()
		}
	}
	b.log.Debug().Msg("bus shut down")
	return nil
}
