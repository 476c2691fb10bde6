// File: bus/decl.go
// Author: polyphase <dev@polyphase.io>
// License: Apache-2.0
//
// Interface and channel declarations: the routing graph generated bindings
// hand to the runtime. The bus validates every publish and subscription
// against these, never against payload contents.

package bus

import (
	"github.com/polyphase/rolebus/api"
)

// ChannelDecl declares one event route between roles: which roles may
// publish, which roles receive, and whether the channel retains state for
// late joiners.
type ChannelDecl struct {
	ID          api.ChannelID
	Object      api.ObjectID
	Senders     []api.RoleID
	Subscribers []api.RoleID

	// Stateful channels retain the latest event per Key; a role instance
	// attaching later receives a one-time snapshot of retained values
	// before any live event.
	Stateful bool

	// QueueSize bounds each subscriber's delivery queue on this channel.
	// Zero means the bus default.
	QueueSize int
}

// InterfaceDecl is a schema declaring the channels shared among a fixed set
// of roles. Generated bindings supply one per interface.
type InterfaceDecl struct {
	ID       api.InterfaceID
	Name     string
	Channels []ChannelDecl
}

// Validate checks internal consistency of the declaration.
func (d *InterfaceDecl) Validate() error {
	if d == nil || len(d.Channels) == 0 {
		return api.ErrInvalidArgument
	}
	seen := make(map[api.ChannelID]bool, len(d.Channels))
	for i := range d.Channels {
		ch := &d.Channels[i]
		if seen[ch.ID] {
			return api.NewError(api.ErrCodeInvalidArgument, "duplicate channel id").
				WithContext("interface", d.Name).
				WithContext("channel", ch.ID)
		}
		seen[ch.ID] = true
		if len(ch.Senders) == 0 || len(ch.Subscribers) == 0 {
			return api.NewError(api.ErrCodeInvalidArgument, "channel without senders or subscribers").
				WithContext("interface", d.Name).
				WithContext("channel", ch.ID)
		}
	}
	return nil
}

func (d *InterfaceDecl) channel(id api.ChannelID) *ChannelDecl {
	for i := range d.Channels {
		if d.Channels[i].ID == id {
			return &d.Channels[i]
		}
	}
	return nil
}

func containsRole(roles []api.RoleID, r api.RoleID) bool {
	for _, x := range roles {
		if x == r {
			return true
		}
	}
	return false
}
