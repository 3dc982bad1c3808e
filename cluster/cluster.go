// Copyright 2026 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package cluster defines the contract between a room and the transport that
// replicates it across cooperating server nodes.
//
// The package deliberately does not define a wire format: events are plain
// values and opaque payloads, and it is up to the Bridge implementation to
// encode them however its transport requires.
package cluster // import "mellium.im/muchost/cluster"

import (
	"context"
	"time"

	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/muc"
)

// Type identifies the kind of room event being replicated.
type Type string

// A list of replicated room events.
const (
	OccupantAdded   Type = "occupant-added"
	OccupantLeft    Type = "occupant-left"
	AffiliationSet  Type = "affiliation-set"
	MemberAdded     Type = "member-added"
	NicknameChanged Type = "nickname-changed"
	PresenceUpdate  Type = "presence-update"
	MessageSent     Type = "message-sent"
	RoleChanged     Type = "role-changed"
	ConfigChanged   Type = "config-changed"
	RoomDestroyed   Type = "room-destroyed"
)

// OccupantInfo identifies one occupant session in a replicated event.
type OccupantInfo struct {
	Nick        string
	RealJID     jid.JID
	Role        muc.Role
	Affiliation muc.Affiliation
	Node        string
}

// Event is a single replicated room mutation.
// Fields beyond Type, Room, and Node are populated as the event type
// requires.
type Event struct {
	Type Type
	Room jid.JID

	// Node is the ID of the node the event originated on.
	Node string

	Occupant    *OccupantInfo
	Target      jid.JID
	Affiliation muc.Affiliation
	Role        muc.Role
	NewNick     string
	Reason      string

	// Payload carries the presence or message being replicated.
	// It is opaque to this package.
	Payload any

	Snapshot *Snapshot
}

// SnapshotVersion is the version of the Snapshot structure.
// Bridges should refuse to apply snapshots with a version they do not know.
const SnapshotVersion = 1

// Snapshot is a versioned copy of a room's replicated state: configuration,
// affiliation lists, and timestamps.
type Snapshot struct {
	Version int
	Room    jid.JID

	Created    time.Time
	Modified   time.Time
	EmptySince time.Time
	Locked     time.Time

	Subject       string
	Moderated     bool
	MembersOnly   bool
	Public        bool
	Persistent    bool
	Password      string
	MaxOccupants  int
	SemiAnonymous bool

	Owners   []string
	Admins   []string
	Outcasts []string

	// Members maps each member's bare JID to their reserved nickname, which
	// may be empty.
	Members map[string]string
}

// Bridge propagates room events to the other nodes hosting the same room.
//
// Broadcast is fire and forget: the room logs and swallows its errors.
// Call performs a synchronous round trip to a single node and is used only
// when a role or affiliation change must be applied to an occupant session
// living there; it must honor the context deadline.
type Bridge interface {
	Broadcast(ev Event) error
	Call(ctx context.Context, node string, ev Event) (Event, error)
}

// Handler is the receiving side of a bridge: the room registers one per node
// to apply events replicated from elsewhere.
type Handler func(ctx context.Context, ev Event) error

// Nop is a Bridge that does nothing, for rooms hosted on a single node.
type Nop struct{}

// Broadcast satisfies Bridge.
func (Nop) Broadcast(_ Event) error { return nil }

// Call satisfies Bridge.
func (Nop) Call(_ context.Context, _ string, ev Event) (Event, error) {
	return ev, nil
}
