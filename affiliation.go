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

// AffiliationChange describes one affiliation mutation.
type AffiliationChange struct {
	// Target is the identity whose affiliation changes. If it denotes a
	// group known to the room's GroupProvider, every live occupant belonging
	// to the group is affected.
	Target jid.JID

	// Affiliation is the new affiliation.
	Affiliation muc.Affiliation

	// ReservedNick reserves a nickname for the target. It is only meaningful
	// when granting membership.
	ReservedNick string

	// Reason is attached to the presence updates the change produces.
	Reason string
}

// SetAffiliation applies an affiliation change on behalf of actor and
// returns the presence updates it produced, one per affected live occupant.
//
// Granting an identity the affiliation it already holds is a no-op: no list
// change, no persistence call, no broadcast. An occupant who loses
// eligibility to stay — an outcast, or a user left with no affiliation in a
// members-only room — is force-kicked; the kick presence carries status code
// 301 for outcasts and 321 otherwise.
//
// Authorization: owners may change anything except demote the last remaining
// owner (ErrConflict); admins may manage members and outcasts but not owners
// or other admins; everyone else is rejected with ErrNotAllowed.
func (r *Room) SetAffiliation(ctx context.Context, actor jid.JID, change AffiliationChange) ([]Presence, error) {
	targetBare := change.Target.Bare()
	key := targetBare.String()

	r.mu.Lock()
	actorAff, _ := r.resolveAffiliation(ctx, actor.Bare())
	if r.sysadmin(actor) {
		actorAff = muc.AffiliationOwner
	}
	old := r.members.explicit(key)
	if err := authorizeAffiliationChange(actorAff, old, change.Affiliation, len(r.members.owners)); err != nil {
		r.mu.Unlock()
		return nil, err
	}
	old, changed := r.members.set(key, change.Affiliation, change.ReservedNick)
	if !changed {
		r.mu.Unlock()
		return nil, nil
	}
	r.modified = time.Now()

	affected := r.affectedOccupantsLocked(ctx, targetBare)
	updates, kicked, err := r.applyOccupantChanges(ctx, affected, actor, change.Reason)
	if err != nil {
		// The remote round trip failed; the list change stands but the
		// caller is told the occupant update did not go through.
		r.mu.Unlock()
		return updates, err
	}
	nowEmpty := r.occupants.len() == 0 && len(kicked) > 0
	if nowEmpty {
		r.empty = time.Now()
	}
	r.mu.Unlock()

	r.persistAffiliation(targetBare, change.ReservedNick, change.Affiliation, old)
	for i, occ := range kicked {
		r.deliverKick(occ, updates[i])
	}
	for _, p := range updates[len(kicked):] {
		if occ, err := r.occupants.byFull(p.To); err == nil {
			r.broadcastLocal(occ, p, false)
		}
	}
	evType := cluster.AffiliationSet
	if change.Affiliation == muc.AffiliationMember {
		evType = cluster.MemberAdded
	}
	r.replicate(cluster.Event{
		Type:        evType,
		Target:      targetBare,
		Affiliation: change.Affiliation,
		NewNick:     change.ReservedNick,
		Reason:      change.Reason,
	})
	if nowEmpty {
		r.persistEmptyDate()
	}
	return updates, nil
}

func authorizeAffiliationChange(actor, old, next muc.Affiliation, ownerCount int) error {
	touchesOwner := old == muc.AffiliationOwner || next == muc.AffiliationOwner
	touchesAdmin := old == muc.AffiliationAdmin || next == muc.AffiliationAdmin

	switch actor {
	case muc.AffiliationOwner:
	case muc.AffiliationAdmin:
		if touchesOwner || touchesAdmin {
			return ErrNotAllowed
		}
	default:
		// An unowned room is still being provisioned: the first owner grant
		// bootstraps it.
		if ownerCount == 0 && next == muc.AffiliationOwner {
			return nil
		}
		return ErrNotAllowed
	}
	if old == muc.AffiliationOwner && next != muc.AffiliationOwner && ownerCount <= 1 {
		return ErrConflict
	}
	return nil
}

// affectedOccupantsLocked resolves which live occupants an affiliation
// change to target touches: the target's own sessions, or every occupant
// belonging to the target when it denotes a group.
func (r *Room) affectedOccupantsLocked(ctx context.Context, target jid.JID) []*Occupant {
	if r.opts.Groups != nil {
		if members, err := r.opts.Groups.Members(ctx, target); err == nil {
			var out []*Occupant
			for _, m := range members {
				out = append(out, r.occupants.byBare(m.Bare())...)
			}
			return out
		}
	}
	return r.occupants.byBare(target)
}

// applyOccupantChanges recomputes the role of each affected occupant from
// its post-change affiliation and applies it, kicking occupants that lost
// eligibility. Kicked occupants are first in the returned updates slice,
// matching the returned kicked list.
//
// The caller holds the room write lock; the only blocking work is the
// synchronous cluster round trip for occupants hosted on other nodes.
func (r *Room) applyOccupantChanges(ctx context.Context, affected []*Occupant, actor jid.JID, reason string) (updates []Presence, kicked []*Occupant, err error) {
	type update struct {
		occ  *Occupant
		p    Presence
		kick bool
	}
	var pending []update
	for _, occ := range affected {
		role, affiliation, resolveErr := r.resolveJoin(ctx, occ.RealJID().Bare())
		if resolveErr == ErrForbidden {
			status := StatusAffiliationChange
			if affiliation == muc.AffiliationOutcast {
				status = StatusBanned
			}
			pending = append(pending, update{occ, r.kickLocked(occ, status, actor, reason), true})
			continue
		}
		if resolveErr != nil {
			pending = append(pending, update{occ, r.kickLocked(occ, StatusAffiliationChange, actor, reason), true})
			continue
		}
		if occ.Role() == role && occ.Affiliation() == affiliation {
			continue
		}
		if err := occ.setRoleAffiliation(ctx, role, affiliation); err != nil {
			return updates, kicked, err
		}
		p := occ.presenceUpdate(stanza.AvailablePresence, reason)
		p.To = occ.RealJID()
		pending = append(pending, update{occ, p, false})
	}
	for _, u := range pending {
		if u.kick {
			updates = append(updates, u.p)
			kicked = append(kicked, u.occ)
		}
	}
	for _, u := range pending {
		if !u.kick {
			updates = append(updates, u.p)
		}
	}
	return updates, kicked, nil
}

// kickLocked removes an occupant and builds its removal presence: type
// unavailable, role none, the given status code, addressed to the occupant.
// The caller must hold the room write lock and deliver the presence after
// releasing it.
func (r *Room) kickLocked(occ *Occupant, status int, actor jid.JID, reason string) Presence {
	r.occupants.remove(occ)
	p := occ.presenceUpdate(stanza.UnavailablePresence, reason)
	p.User.Item.Role = muc.RoleNone
	if status == StatusBanned {
		p.User.Item.Affiliation = muc.AffiliationOutcast
	} else {
		p.User.Item.Affiliation = muc.AffiliationNone
	}
	if !actor.Equal(jid.JID{}) && !actor.Equal(r.addr) {
		p.User.Item.Actor = &Actor{JID: actor.Bare()}
	}
	p.User.addStatus(status)
	p.To = occ.RealJID()
	return p
}

// deliverKick sends a removal presence to the kicked occupant and announces
// it to the rest of the room.
func (r *Room) deliverKick(occ *Occupant, p Presence) {
	self := p
	self.User.Status = append([]Status(nil), p.User.Status...)
	self.User.addStatus(StatusSelf)
	if err := occ.send(self); err != nil {
		r.log.Debug().Err(err).Str("to", occ.RealJID().String()).Msg("kick presence delivery failed")
	}
	r.broadcastLocal(occ, p, false)
	r.replicate(cluster.Event{
		Type:     cluster.OccupantLeft,
		Occupant: occ.clusterInfo(),
		Reason:   p.User.Item.Reason,
		Payload:  &p,
	})
}

func (r *Room) persistAffiliation(target jid.JID, nick string, affiliation, old muc.Affiliation) {
	var err error
	if affiliation == muc.AffiliationNone {
		err = r.opts.Persistence.RemoveAffiliation(r.addr, target, old)
	} else {
		err = r.opts.Persistence.SaveAffiliation(r.addr, target, nick, affiliation, old)
	}
	if err != nil {
		r.log.Error().Err(err).Str("target", target.String()).Msg("persisting affiliation failed")
	}
}

// ReconcileAffiliation recomputes the role and eligibility of every live
// session of identity after an external change, for example when the group
// provider reports that a group's membership changed. It is idempotent:
// reconciling an identity whose sessions already match the resolved
// affiliation does nothing.
func (r *Room) ReconcileAffiliation(ctx context.Context, identity jid.JID) error {
	r.mu.Lock()
	affected := r.affectedOccupantsLocked(ctx, identity.Bare())
	updates, kicked, err := r.applyOccupantChanges(ctx, affected, r.addr, "")
	if err != nil {
		r.mu.Unlock()
		return err
	}
	nowEmpty := r.occupants.len() == 0 && len(kicked) > 0
	if nowEmpty {
		r.empty = time.Now()
	}
	r.mu.Unlock()

	for i, occ := range kicked {
		r.deliverKick(occ, updates[i])
	}
	for _, p := range updates[len(kicked):] {
		if occ, err := r.occupants.byFull(p.To); err == nil {
			r.broadcastLocal(occ, p, false)
		}
	}
	if nowEmpty {
		r.persistEmptyDate()
	}
	return nil
}

// SetRole changes the role of the occupant sessions using nick on behalf of
// actor, who must be a moderator. Setting the role to none kicks the
// occupant with status code 307.
//
// A moderator may never change the role of an occupant whose affiliation
// outranks their own (a participant-moderator cannot kick an admin).
func (r *Room) SetRole(ctx context.Context, actor jid.JID, nick string, role muc.Role, reason string) ([]Presence, error) {
	key, err := nickKey(nick)
	if err != nil && r.config().StrictNickValidation {
		return nil, ErrNotFound
	}

	r.mu.Lock()
	actorOcc, err := r.occupants.byFull(actor)
	if err != nil {
		r.mu.Unlock()
		return nil, err
	}
	if actorOcc.Role() != muc.RoleModerator {
		r.mu.Unlock()
		return nil, ErrForbidden
	}
	targets, err := r.occupants.byNick(key)
	if err != nil {
		r.mu.Unlock()
		return nil, err
	}
	for _, occ := range targets {
		if outranks(occ.Affiliation(), actorOcc.Affiliation()) {
			r.mu.Unlock()
			return nil, ErrNotAllowed
		}
	}

	var updates []Presence
	var kicked []*Occupant
	for _, occ := range targets {
		if role == muc.RoleNone {
			p := r.kickLocked(occ, StatusKicked, actor, reason)
			updates = append(updates, p)
			kicked = append(kicked, occ)
			continue
		}
		if occ.Role() == role {
			continue
		}
		if err := occ.setRoleAffiliation(ctx, role, occ.Affiliation()); err != nil {
			r.mu.Unlock()
			return updates, err
		}
		p := occ.presenceUpdate(stanza.AvailablePresence, reason)
		p.To = occ.RealJID()
		updates = append(updates, p)
	}
	nowEmpty := r.occupants.len() == 0 && len(kicked) > 0
	if nowEmpty {
		r.empty = time.Now()
	}
	r.mu.Unlock()

	for i, occ := range kicked {
		r.deliverKick(occ, updates[i])
	}
	for _, p := range updates[len(kicked):] {
		if occ, err := r.occupants.byFull(p.To); err == nil {
			r.broadcastLocal(occ, p, false)
		}
	}
	if nowEmpty {
		r.persistEmptyDate()
	}
	return updates, nil
}

// outranks reports whether affiliation a strictly outranks b in the
// outcast < none < member < admin < owner ordering.
func outranks(a, b muc.Affiliation) bool {
	return affiliationRank(a) > affiliationRank(b)
}

func affiliationRank(a muc.Affiliation) int {
	switch a {
	case muc.AffiliationOwner:
		return 4
	case muc.AffiliationAdmin:
		return 3
	case muc.AffiliationMember:
		return 2
	case muc.AffiliationNone:
		return 1
	default:
		return 0
	}
}
