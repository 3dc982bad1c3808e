// Copyright 2026 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package muchost

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"mellium.im/muchost/cluster"
	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/muc"
	"mellium.im/xmpp/stanza"
)

// Options injects the collaborators a room talks to.
// Every field may be left unset; a room with the zero Options is a fully
// functional single-node room that persists and replicates nothing.
type Options struct {
	// Persistence stores affiliation and room mutations durably.
	Persistence Persistence

	// Bridge replicates room events to other nodes hosting the same room.
	Bridge cluster.Bridge

	// History stores and replays conversation history.
	History History

	// Groups resolves group JIDs appearing on affiliation lists.
	Groups GroupProvider

	// Logger receives swallowed downstream failures. Defaults to a no-op
	// logger.
	Logger *zerolog.Logger

	// Node is the cluster ID of this process.
	Node string

	// Sysadmin reports whether an identity is a service administrator.
	// Sysadmins enter every room as owners without appearing on its owner
	// list.
	Sysadmin func(jid.JID) bool

	// OnJoin is called after a join has fully completed, including its
	// post-commit notification steps.
	OnJoin func(*Occupant)

	// OnEmpty is called when the last occupant of a non-persistent room
	// leaves; the hosting service normally destroys the room in response.
	OnEmpty func(*Room)

	// OnDestroy is called after the room has been destroyed.
	OnDestroy func(*Room)
}

// Room is the in-memory representation of a single chat room: its
// configuration, its affiliation lists, and its live occupant sessions.
//
// All methods are safe for concurrent use.
type Room struct {
	addr jid.JID
	opts Options
	log  zerolog.Logger

	// mu guards the room configuration, timestamps, affiliation lists, and
	// every mutation that must keep the occupant indices mutually
	// consistent. Presence delivery to already-known occupants reads the
	// indices lock free.
	mu        sync.RWMutex
	cfg       Config
	subject   string
	created   time.Time
	modified  time.Time
	empty     time.Time
	locked    time.Time
	destroyed bool
	members   memberships
	occupants occupantRegistry
}

// New creates a room hosted at addr, which must be a bare JID.
//
// The room starts locked: its lock time equals its creation time, marking it
// as newly created until the first owner configures or unlocks it.
func New(addr jid.JID, cfg Config, opts Options) *Room {
	if opts.Persistence == nil {
		opts.Persistence = nopPersistence{}
	}
	if opts.Bridge == nil {
		opts.Bridge = cluster.Nop{}
	}
	if opts.History == nil {
		opts.History = nopHistory{}
	}
	log := zerolog.Nop()
	if opts.Logger != nil {
		log = *opts.Logger
	}
	now := time.Now()
	return &Room{
		addr:     addr.Bare(),
		opts:     opts,
		log:      log.With().Str("room", addr.Bare().String()).Logger(),
		cfg:      cfg,
		created:  now,
		modified: now,
		empty:    now,
		locked:   now,
		members:  newMemberships(),
	}
}

// Addr returns the room's bare JID.
func (r *Room) Addr() jid.JID {
	return r.addr
}

// Created returns the room's creation time.
func (r *Room) Created() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.created
}

// EmptySince returns when the room last became empty, or the zero time if it
// is occupied.
func (r *Room) EmptySince() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.empty
}

func (r *Room) config() Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cfg
}

// isNew reports whether the room is still in its newly-created window: locked
// with the lock time still equal to the creation time.
// The caller must hold the room lock.
func (r *Room) isNew() bool {
	return !r.locked.IsZero() && r.locked.Equal(r.created)
}

func (r *Room) sysadmin(addr jid.JID) bool {
	return r.opts.Sysadmin != nil && r.opts.Sysadmin(addr)
}

func (r *Room) occupantAddr(nick string) jid.JID {
	addr, err := r.addr.WithResource(nick)
	if err != nil {
		return r.addr
	}
	return addr
}

// Len returns the number of occupants currently in the room, local and
// remote.
func (r *Room) Len() int {
	return r.occupants.len()
}

// OccupantByFullJID returns the occupant session with the given full JID.
func (r *Room) OccupantByFullJID(addr jid.JID) (*Occupant, error) {
	return r.occupants.byFull(addr)
}

// OccupantsByNick returns the occupant sessions using the given nickname,
// compared case-insensitively. All returned occupants belong to the same
// user.
func (r *Room) OccupantsByNick(nick string) ([]*Occupant, error) {
	key, err := nickKey(nick)
	if err != nil && r.config().StrictNickValidation {
		return nil, ErrNotFound
	}
	occs, err := r.occupants.byNick(key)
	if err != nil {
		return nil, err
	}
	return append([]*Occupant(nil), occs...), nil
}

// OccupantsByBareJID returns every session the given user has in the room.
func (r *Room) OccupantsByBareJID(addr jid.JID) []*Occupant {
	return append([]*Occupant(nil), r.occupants.byBare(addr)...)
}

// Occupants returns every occupant currently in the room.
func (r *Room) Occupants() []*Occupant {
	return r.occupants.all()
}

// replicate broadcasts an event to the other nodes hosting this room.
// Replication is fire and forget; failures are logged, never surfaced.
func (r *Room) replicate(ev cluster.Event) {
	ev.Room = r.addr
	ev.Node = r.opts.Node
	if err := r.opts.Bridge.Broadcast(ev); err != nil {
		r.log.Error().Err(err).Str("event", string(ev.Type)).Msg("cluster broadcast failed")
	}
}

func (r *Room) persistLock() {
	r.mu.RLock()
	locked := r.locked
	r.mu.RUnlock()
	if err := r.opts.Persistence.UpdateLock(r.addr, locked); err != nil {
		r.log.Error().Err(err).Msg("persisting lock failed")
	}
}

func (r *Room) persistEmptyDate() {
	r.mu.RLock()
	empty := r.empty
	r.mu.RUnlock()
	if err := r.opts.Persistence.UpdateEmptyDate(r.addr, empty); err != nil {
		r.log.Error().Err(err).Msg("persisting empty date failed")
	}
}

// Leave removes the occupant session identified by from, which must be a
// full JID, and broadcasts its unavailable presence with the given status
// text as reason.
//
// When the last occupant of a non-persistent room leaves, the OnEmpty hook
// fires so the hosting service can drop the room.
func (r *Room) Leave(ctx context.Context, from jid.JID, status string) error {
	if from.Resourcepart() == "" {
		return ErrMalformedJID
	}
	r.mu.Lock()
	occ, err := r.occupants.byFull(from)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	r.occupants.remove(occ)
	nowEmpty := r.occupants.len() == 0
	if nowEmpty {
		r.empty = time.Now()
	}
	r.modified = time.Now()
	persistent := r.cfg.Persistent
	r.mu.Unlock()

	p := occ.presenceUpdate(stanza.UnavailablePresence, status)
	p.User.Item.Role = muc.RoleNone
	self := p
	self.To = occ.RealJID()
	self.User.Status = append([]Status(nil), p.User.Status...)
	self.User.addStatus(StatusSelf)
	if err := occ.send(self); err != nil {
		r.log.Debug().Err(err).Str("to", occ.RealJID().String()).Msg("departure presence delivery failed")
	}
	r.broadcastLocal(occ, p, false)
	r.replicate(cluster.Event{Type: cluster.OccupantLeft, Occupant: occ.clusterInfo()})
	if nowEmpty {
		r.persistEmptyDate()
		if !persistent && r.opts.OnEmpty != nil {
			r.opts.OnEmpty(r)
		}
	}
	return nil
}

// Destroy removes every occupant, announces the destruction with an optional
// alternate room address, and fires the OnDestroy hook.
// Only an owner or the service sysadmin may destroy a room.
func (r *Room) Destroy(ctx context.Context, actor jid.JID, reason string, alternate jid.JID) error {
	r.mu.Lock()
	if aff, _ := r.resolveAffiliation(ctx, actor.Bare()); aff != muc.AffiliationOwner && !r.sysadmin(actor) {
		r.mu.Unlock()
		return ErrForbidden
	}
	if r.destroyed {
		r.mu.Unlock()
		return nil
	}
	r.destroyed = true
	occs := r.occupants.all()
	for _, occ := range occs {
		r.occupants.remove(occ)
	}
	r.empty = time.Now()
	r.mu.Unlock()

	destroy := &Destroy{JID: alternate, Reason: reason}
	for _, occ := range occs {
		p := occ.presenceUpdate(stanza.UnavailablePresence, "")
		p.User.Item.Role = muc.RoleNone
		p.User.Item.Affiliation = muc.AffiliationNone
		p.User.Destroy = destroy
		p.To = occ.RealJID()
		if err := occ.send(p); err != nil {
			r.log.Debug().Err(err).Str("to", occ.RealJID().String()).Msg("destroy presence delivery failed")
		}
	}
	r.replicate(cluster.Event{Type: cluster.RoomDestroyed, Reason: reason})
	if r.opts.OnDestroy != nil {
		r.opts.OnDestroy(r)
	}
	return nil
}

// Snapshot returns a versioned copy of the room's replicated state for
// transfer to a node that is starting to host this room.
func (r *Room) Snapshot() *cluster.Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	members := make(map[string]string, len(r.members.members))
	for k, v := range r.members.members {
		members[k] = v
	}
	return &cluster.Snapshot{
		Version:       cluster.SnapshotVersion,
		Room:          r.addr,
		Created:       r.created,
		Modified:      r.modified,
		EmptySince:    r.empty,
		Locked:        r.locked,
		Subject:       r.subject,
		Moderated:     r.cfg.Moderated,
		MembersOnly:   r.cfg.MembersOnly,
		Public:        r.cfg.Public,
		Persistent:    r.cfg.Persistent,
		Password:      r.cfg.Password,
		MaxOccupants:  r.cfg.MaxOccupants,
		SemiAnonymous: r.cfg.SemiAnonymous,
		Owners:        keys(r.members.owners),
		Admins:        keys(r.members.admins),
		Outcasts:      keys(r.members.outcasts),
		Members:       members,
	}
}

// ApplySnapshot replaces the room's replicated state with a snapshot
// received from another node.
func (r *Room) ApplySnapshot(s *cluster.Snapshot) error {
	if s.Version != cluster.SnapshotVersion {
		return ErrNotAllowed
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.created = s.Created
	r.modified = s.Modified
	r.empty = s.EmptySince
	r.locked = s.Locked
	r.subject = s.Subject
	r.cfg.Moderated = s.Moderated
	r.cfg.MembersOnly = s.MembersOnly
	r.cfg.Public = s.Public
	r.cfg.Persistent = s.Persistent
	r.cfg.Password = s.Password
	r.cfg.MaxOccupants = s.MaxOccupants
	r.cfg.SemiAnonymous = s.SemiAnonymous
	r.members = newMemberships()
	for _, o := range s.Owners {
		r.members.set(o, muc.AffiliationOwner, "")
	}
	for _, a := range s.Admins {
		r.members.set(a, muc.AffiliationAdmin, "")
	}
	for m, nick := range s.Members {
		r.members.set(m, muc.AffiliationMember, nick)
	}
	for _, o := range s.Outcasts {
		r.members.set(o, muc.AffiliationOutcast, "")
	}
	return nil
}

// ApplyClusterEvent applies an event replicated from another node.
// It is the Handler a hosting service registers with its cluster bridge.
func (r *Room) ApplyClusterEvent(ctx context.Context, ev cluster.Event) error {
	switch ev.Type {
	case cluster.OccupantAdded:
		if ev.Occupant == nil {
			return ErrNotFound
		}
		key, _ := nickKey(ev.Occupant.Nick)
		occ := &Occupant{
			room:        r,
			node:        ev.Occupant.Node,
			nick:        ev.Occupant.Nick,
			key:         key,
			addr:        r.occupantAddr(ev.Occupant.Nick),
			realJID:     ev.Occupant.RealJID,
			role:        ev.Occupant.Role,
			affiliation: ev.Occupant.Affiliation,
		}
		occ.last = occ.presenceUpdate(stanza.AvailablePresence, "")
		// The event carries the joiner's initial presence so show and
		// status text survive the hop between nodes.
		if p, ok := ev.Payload.(*Presence); ok {
			occ.last = *p
		}
		r.mu.Lock()
		r.occupants.add(occ)
		r.empty = time.Time{}
		r.mu.Unlock()
		r.broadcastLocal(occ, occ.lastPresenceCopy(), true)
	case cluster.OccupantLeft:
		if ev.Occupant == nil {
			return ErrNotFound
		}
		r.mu.Lock()
		occ, err := r.occupants.byFull(ev.Occupant.RealJID)
		if err != nil {
			r.mu.Unlock()
			return err
		}
		r.occupants.remove(occ)
		if r.occupants.len() == 0 {
			r.empty = time.Now()
		}
		r.mu.Unlock()
		p := occ.presenceUpdate(stanza.UnavailablePresence, ev.Reason)
		p.User.Item.Role = muc.RoleNone
		// A replicated kick carries its removal presence so that the status
		// code and actor survive the hop to the occupant's home node.
		if kick, ok := ev.Payload.(*Presence); ok {
			p = *kick
		}
		if !occ.Remote() {
			self := p
			self.To = occ.RealJID()
			self.User.Status = append([]Status(nil), p.User.Status...)
			self.User.addStatus(StatusSelf)
			if err := occ.send(self); err != nil {
				r.log.Debug().Err(err).Str("to", occ.RealJID().String()).Msg("removal presence delivery failed")
			}
		}
		r.broadcastLocal(occ, p, false)
	case cluster.AffiliationSet, cluster.MemberAdded:
		r.mu.Lock()
		r.members.set(ev.Target.Bare().String(), ev.Affiliation, ev.NewNick)
		r.mu.Unlock()
		return r.ReconcileAffiliation(ctx, ev.Target)
	case cluster.NicknameChanged:
		if ev.Occupant == nil {
			return ErrNotFound
		}
		r.mu.Lock()
		occ, err := r.occupants.byFull(ev.Occupant.RealJID)
		if err != nil {
			r.mu.Unlock()
			return err
		}
		key, _ := nickKey(ev.NewNick)
		oldNick := occ.Nick()
		r.occupants.remove(occ)
		occ.setNick(ev.NewNick, key, r.occupantAddr(ev.NewNick))
		r.occupants.add(occ)
		r.mu.Unlock()
		unavail := occ.presenceUpdate(stanza.UnavailablePresence, "")
		unavail.From = r.occupantAddr(oldNick)
		unavail.User.Item.Nick = ev.NewNick
		unavail.User.addStatus(StatusNewNick)
		r.broadcastLocal(occ, unavail, false)
		r.broadcastLocal(occ, occ.presenceUpdate(stanza.AvailablePresence, ""), false)
	case cluster.PresenceUpdate:
		p, ok := ev.Payload.(*Presence)
		if !ok || ev.Occupant == nil {
			return ErrNotFound
		}
		occ, err := r.occupants.byFull(ev.Occupant.RealJID)
		if err != nil {
			return err
		}
		occ.setLastPresence(*p)
		r.broadcastLocal(occ, *p, false)
	case cluster.MessageSent:
		msg, ok := ev.Payload.(*Message)
		if !ok {
			return ErrNotFound
		}
		for _, occ := range r.occupants.all() {
			if occ.Remote() {
				continue
			}
			out := *msg
			out.To = occ.RealJID()
			if err := occ.sendMessage(out); err != nil {
				r.log.Debug().Err(err).Str("to", occ.RealJID().String()).Msg("message delivery failed")
			}
		}
	case cluster.RoleChanged:
		if ev.Occupant == nil {
			return ErrNotFound
		}
		occ, err := r.occupants.byFull(ev.Occupant.RealJID)
		if err != nil {
			return err
		}
		if err := occ.setRoleAffiliation(ctx, ev.Role, ev.Affiliation); err != nil {
			return err
		}
		r.broadcastLocal(occ, occ.presenceUpdate(stanza.AvailablePresence, ev.Reason), false)
	case cluster.ConfigChanged:
		if ev.Snapshot == nil {
			return ErrNotFound
		}
		return r.ApplySnapshot(ev.Snapshot)
	case cluster.RoomDestroyed:
		r.mu.Lock()
		r.destroyed = true
		for _, occ := range r.occupants.all() {
			r.occupants.remove(occ)
		}
		r.mu.Unlock()
	default:
		return ErrNotFound
	}
	return nil
}
