// Copyright 2026 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package muchost

import (
	"context"
	"sync"

	"mellium.im/muchost/cluster"
	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/muc"
	"mellium.im/xmpp/stanza"
)

// Occupant is one joined session of a user in a room: there is exactly one
// occupant per full JID, and a user joined from several devices holds several
// occupants sharing a bare JID and, usually, a nickname.
//
// An occupant either lives on this process (a Sender delivers stanzas to it)
// or is a proxy for a session on another cluster node, in which case role and
// affiliation changes are routed through the cluster bridge.
type Occupant struct {
	room   *Room
	node   string
	sender Sender

	mu          sync.Mutex
	nick        string
	key         string
	addr        jid.JID
	realJID     jid.JID
	role        muc.Role
	affiliation muc.Affiliation
	last        Presence
}

// Nick returns the occupant's nickname with its original casing preserved.
func (o *Occupant) Nick() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.nick
}

func (o *Occupant) nickKey() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.key
}

// Addr returns the occupant's address in the room (room@service/nick).
func (o *Occupant) Addr() jid.JID {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.addr
}

// RealJID returns the full JID of the connection behind this session.
func (o *Occupant) RealJID() jid.JID {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.realJID
}

// Role returns the occupant's current role.
func (o *Occupant) Role() muc.Role {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.role
}

// Affiliation returns the occupant's current affiliation.
func (o *Occupant) Affiliation() muc.Affiliation {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.affiliation
}

// Remote reports whether this occupant is a proxy for a session hosted on
// another cluster node.
func (o *Occupant) Remote() bool {
	return o.node != ""
}

// Node returns the ID of the cluster node hosting the session, or the empty
// string for a local occupant.
func (o *Occupant) Node() string {
	return o.node
}

func (o *Occupant) setNick(nick, key string, addr jid.JID) {
	o.mu.Lock()
	o.nick = nick
	o.key = key
	o.addr = addr
	o.mu.Unlock()
}

func (o *Occupant) setLastPresence(p Presence) {
	o.mu.Lock()
	o.last = p
	o.mu.Unlock()
}

func (o *Occupant) lastPresenceCopy() Presence {
	o.mu.Lock()
	defer o.mu.Unlock()
	p := o.last
	p.User.Status = append([]Status(nil), p.User.Status...)
	return p
}

// send delivers a presence to a local session. Delivery to remote sessions
// is the responsibility of their home node, reached via cluster broadcast.
func (o *Occupant) send(p Presence) error {
	if o.sender == nil {
		return nil
	}
	return o.sender.SendPresence(p)
}

func (o *Occupant) sendMessage(m Message) error {
	if o.sender == nil {
		return nil
	}
	return o.sender.SendMessage(m)
}

// setRoleAffiliation applies a role and affiliation change to the session.
// For a remote occupant the change is applied on its home node through a
// synchronous cluster call; a failed or timed out round trip surfaces as
// ErrNotAllowed (fail closed).
func (o *Occupant) setRoleAffiliation(ctx context.Context, role muc.Role, affiliation muc.Affiliation) error {
	if o.Remote() {
		_, err := o.room.opts.Bridge.Call(ctx, o.node, cluster.Event{
			Type:        cluster.RoleChanged,
			Room:        o.room.addr,
			Occupant:    o.clusterInfo(),
			Target:      o.RealJID(),
			Role:        role,
			Affiliation: affiliation,
		})
		if err != nil {
			return ErrNotAllowed
		}
	}
	o.mu.Lock()
	o.role = role
	o.affiliation = affiliation
	o.last.User.Item.Role = role
	o.last.User.Item.Affiliation = affiliation
	o.mu.Unlock()
	return nil
}

// presenceUpdate builds a presence stanza describing the occupant's current
// state, addressed from its room address.
func (o *Occupant) presenceUpdate(typ stanza.PresenceType, reason string) Presence {
	o.mu.Lock()
	defer o.mu.Unlock()
	return Presence{
		Presence: stanza.Presence{
			From: o.addr,
			Type: typ,
		},
		User: UserX{
			Item: Item{
				Affiliation: o.affiliation,
				Role:        o.role,
				JID:         o.realJID,
				Reason:      reason,
			},
		},
	}
}

func (o *Occupant) clusterInfo() *cluster.OccupantInfo {
	o.mu.Lock()
	defer o.mu.Unlock()
	node := o.node
	if node == "" {
		node = o.room.opts.Node
	}
	return &cluster.OccupantInfo{
		Nick:        o.nick,
		RealJID:     o.realJID,
		Role:        o.role,
		Affiliation: o.affiliation,
		Node:        node,
	}
}
