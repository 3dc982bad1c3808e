// Copyright 2026 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package muchost

import (
	"context"
	"time"

	"mellium.im/muchost/cluster"
	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/muc"
	"mellium.im/xmpp/stanza"
)

// Config holds the mutable configuration of a room.
//
// The zero value is an open, unmoderated, non-persistent room with no
// occupancy limit that broadcasts the presence of every role and sends the
// initial presence snapshot to new occupants.
type Config struct {
	// Moderated rooms grant new occupants with no affiliation the visitor
	// role instead of participant.
	Moderated bool

	// MembersOnly rooms reject joins from users with no affiliation.
	MembersOnly bool

	// Public rooms are listed by the hosting service's discovery responses.
	Public bool

	// Persistent rooms survive their last occupant leaving.
	Persistent bool

	// Password protects the room. The empty string disables the check.
	Password string

	// MaxOccupants limits how many occupants may be present at once.
	// Zero means no limit. Owners and admins are exempt.
	MaxOccupants int

	// SemiAnonymous rooms hide occupants' real JIDs from non-moderators.
	SemiAnonymous bool

	// ReservedNickOnly restricts joins to users with a reserved nickname
	// matching the one they request.
	ReservedNickOnly bool

	// StrictNickValidation rejects joins whose nickname fails PRECIS
	// preparation instead of indexing a best-effort key.
	StrictNickValidation bool

	// SkipInitialPresence suppresses the snapshot of existing occupants'
	// presence normally sent to a new occupant, for deployments that prefer
	// clients to discover occupants through a separate query.
	SkipInitialPresence bool

	// OccupantsCanChangeSubject permits participants, not just moderators,
	// to change the room subject.
	OccupantsCanChangeSubject bool

	// BroadcastRoles lists the roles whose presence changes are broadcast to
	// the room. Empty means all roles. Presence of an occupant whose role is
	// filtered out is still delivered to the occupant's own sessions, and
	// unavailable presence is always broadcast.
	BroadcastRoles []muc.Role
}

func (c *Config) broadcasts(role muc.Role) bool {
	if len(c.BroadcastRoles) == 0 {
		return true
	}
	for _, r := range c.BroadcastRoles {
		if r == role {
			return true
		}
	}
	return false
}

// ApplyConfig replaces the room configuration.
// Only an owner (or the service sysadmin) may configure a room.
//
// The first configuration of a freshly created room unlocks it. Toggling a
// room to members-only force-kicks every occupant whose affiliation is not at
// least member; the presence updates produced by those kicks are returned.
func (r *Room) ApplyConfig(ctx context.Context, actor jid.JID, cfg Config) ([]Presence, error) {
	r.mu.Lock()
	if aff, _ := r.resolveAffiliation(ctx, actor.Bare()); aff != muc.AffiliationOwner && !r.sysadmin(actor) {
		r.mu.Unlock()
		return nil, ErrForbidden
	}
	wasMembersOnly := r.cfg.MembersOnly
	r.cfg = cfg
	r.modified = time.Now()
	unlocked := false
	if !r.locked.IsZero() && r.locked.Equal(r.created) {
		r.locked = time.Time{}
		unlocked = true
	}

	var kicks []*Occupant
	if cfg.MembersOnly && !wasMembersOnly {
		for _, occ := range r.occupants.all() {
			switch occ.Affiliation() {
			case muc.AffiliationMember, muc.AffiliationAdmin, muc.AffiliationOwner:
			default:
				kicks = append(kicks, occ)
			}
		}
	}
	updates := make([]Presence, 0, len(kicks))
	for _, occ := range kicks {
		updates = append(updates, r.kickLocked(occ, StatusAffiliationChange, actor, "room is now members-only"))
	}
	r.mu.Unlock()

	if unlocked {
		r.persistLock()
	}
	for i, occ := range kicks {
		r.deliverKick(occ, updates[i])
	}
	r.replicate(cluster.Event{Type: cluster.ConfigChanged, Snapshot: r.Snapshot()})
	return updates, nil
}

// Lock locks the room, preventing non-owners from joining.
// Only an owner may lock or unlock a room.
func (r *Room) Lock(ctx context.Context, actor jid.JID) error {
	return r.setLock(ctx, actor, true)
}

// Unlock unlocks the room.
// Unlocking a freshly created room ends its "newly created" window, so the
// next occupant to join no longer receives the room-created status code.
func (r *Room) Unlock(ctx context.Context, actor jid.JID) error {
	return r.setLock(ctx, actor, false)
}

func (r *Room) setLock(ctx context.Context, actor jid.JID, lock bool) error {
	r.mu.Lock()
	if aff, _ := r.resolveAffiliation(ctx, actor.Bare()); aff != muc.AffiliationOwner && !r.sysadmin(actor) {
		r.mu.Unlock()
		return ErrNotAllowed
	}
	if lock {
		r.locked = time.Now()
	} else {
		r.locked = time.Time{}
	}
	r.mu.Unlock()
	r.persistLock()
	return nil
}

// Locked reports whether the room is currently locked.
func (r *Room) Locked() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return !r.locked.IsZero()
}

// Subject returns the current room subject.
func (r *Room) Subject() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.subject
}

// ChangeSubject sets the room subject on behalf of the occupant session
// identified by from and broadcasts it to the room.
// Moderators may always change the subject; participants may only when the
// room configuration allows it.
func (r *Room) ChangeSubject(ctx context.Context, from jid.JID, subject string) error {
	r.mu.Lock()
	occ, err := r.occupants.byFull(from)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	switch occ.Role() {
	case muc.RoleModerator:
	case muc.RoleParticipant:
		if !r.cfg.OccupantsCanChangeSubject {
			r.mu.Unlock()
			return ErrForbidden
		}
	default:
		r.mu.Unlock()
		return ErrForbidden
	}
	r.subject = subject
	r.modified = time.Now()
	nick := occ.Nick()
	r.mu.Unlock()

	if err := r.opts.Persistence.UpdateSubject(r.addr, subject); err != nil {
		r.log.Error().Err(err).Str("room", r.addr.String()).Msg("persisting subject failed")
	}
	r.fanOutMessage(Message{
		Message: stanza.Message{
			From: r.occupantAddr(nick),
			Type: stanza.GroupChatMessage,
		},
		Subject: subject,
	}, false)
	return nil
}
