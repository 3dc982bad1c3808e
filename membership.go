// Copyright 2026 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package muchost

import (
	"context"

	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/muc"
)

// memberships holds the four affiliation lists of a room, keyed by bare JID.
// An identity appears on at most one list at a time; every mutation that adds
// to one list first removes from the other three.
//
// List entries may also be group JIDs: a user who belongs to a listed group
// inherits the affiliation implicitly. The registered set is a derived,
// non-exclusive union of every identity ever granted owner, admin, or member
// affiliation; it is retained after demotion to none unless the identity is
// explicitly deregistered.
//
// The structure is guarded by the owning room's lock.
type memberships struct {
	owners   map[string]struct{}
	admins   map[string]struct{}
	members  map[string]string // bare JID -> reserved nickname, may be empty
	outcasts map[string]struct{}

	registered map[string]struct{}
}

func newMemberships() memberships {
	return memberships{
		owners:     make(map[string]struct{}),
		admins:     make(map[string]struct{}),
		members:    make(map[string]string),
		outcasts:   make(map[string]struct{}),
		registered: make(map[string]struct{}),
	}
}

// explicit resolves the affiliation directly granted to a bare JID, without
// consulting groups. Precedence: owner, admin, outcast, member; an explicit
// outcast entry beats a member entry should both somehow exist.
func (m *memberships) explicit(bare string) muc.Affiliation {
	switch {
	case has(m.owners, bare):
		return muc.AffiliationOwner
	case has(m.admins, bare):
		return muc.AffiliationAdmin
	case has(m.outcasts, bare):
		return muc.AffiliationOutcast
	default:
		if _, ok := m.members[bare]; ok {
			return muc.AffiliationMember
		}
	}
	return muc.AffiliationNone
}

// set grants an affiliation, performing the exclusive-list swap, and returns
// the affiliation previously held. Granting an identity the affiliation it
// already holds is a no-op and reports changed as false.
func (m *memberships) set(bare string, affiliation muc.Affiliation, reservedNick string) (old muc.Affiliation, changed bool) {
	old = m.explicit(bare)
	if old == affiliation {
		if affiliation != muc.AffiliationMember || m.members[bare] == reservedNick {
			return old, false
		}
	}
	delete(m.owners, bare)
	delete(m.admins, bare)
	delete(m.members, bare)
	delete(m.outcasts, bare)
	switch affiliation {
	case muc.AffiliationOwner:
		m.owners[bare] = struct{}{}
		m.registered[bare] = struct{}{}
	case muc.AffiliationAdmin:
		m.admins[bare] = struct{}{}
		m.registered[bare] = struct{}{}
	case muc.AffiliationMember:
		m.members[bare] = reservedNick
		m.registered[bare] = struct{}{}
	case muc.AffiliationOutcast:
		m.outcasts[bare] = struct{}{}
	}
	return old, true
}

// reservedNick returns the nickname reserved by a bare JID, or the empty
// string.
func (m *memberships) reservedNick(bare string) string {
	return m.members[bare]
}

// nickReservedBy returns the bare JID that reserved the given normalized
// nickname key, or the empty string if the nickname is unreserved.
func (m *memberships) nickReservedBy(key string) string {
	for bare, nick := range m.members {
		if nick == "" {
			continue
		}
		if k, err := nickKey(nick); err == nil && k == key {
			return bare
		}
	}
	return ""
}

func has(set map[string]struct{}, key string) bool {
	_, ok := set[key]
	return ok
}

func keys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	return out
}

// inGroups reports whether bare belongs to any group listed in entries.
// Entries equal to bare itself were already handled by the explicit check.
func (r *Room) inGroups(ctx context.Context, entries []string, bare jid.JID) bool {
	if r.opts.Groups == nil {
		return false
	}
	for _, entry := range entries {
		group, err := jid.Parse(entry)
		if err != nil || group.Equal(bare) {
			continue
		}
		members, err := r.opts.Groups.Members(ctx, group)
		if err != nil {
			continue
		}
		for _, m := range members {
			if m.Bare().Equal(bare) {
				return true
			}
		}
	}
	return false
}

// resolveAffiliation resolves the effective affiliation of a bare JID,
// explicit entries first and then group-derived ones.
//
// Note the asymmetry inherited from the join rules: an explicit outcast entry
// always wins, but a group-derived ban is overridden by an explicit
// membership. Callers that need the join-time role as well should use
// resolveJoin.
//
// The caller must hold the room lock.
func (r *Room) resolveAffiliation(ctx context.Context, bare jid.JID) (muc.Affiliation, error) {
	_, aff, err := r.resolveJoin(ctx, bare)
	return aff, err
}

// resolveJoin computes the role and affiliation a user would receive on
// joining, in the precedence order used by the join protocol. An outcast
// resolution is reported as ErrForbidden; a missing affiliation in a
// members-only room as ErrRegistrationRequired.
//
// The caller must hold the room lock.
func (r *Room) resolveJoin(ctx context.Context, bare jid.JID) (muc.Role, muc.Affiliation, error) {
	key := bare.Bare().String()
	switch {
	case has(r.members.owners, key) || r.inGroups(ctx, keys(r.members.owners), bare):
		return muc.RoleModerator, muc.AffiliationOwner, nil
	case r.sysadmin(bare):
		// Sysadmins enter as owners without appearing on the owner list.
		return muc.RoleModerator, muc.AffiliationOwner, nil
	case has(r.members.admins, key) || r.inGroups(ctx, keys(r.members.admins), bare):
		return muc.RoleModerator, muc.AffiliationAdmin, nil
	case has(r.members.outcasts, key):
		return muc.RoleNone, muc.AffiliationOutcast, ErrForbidden
	case r.members.explicit(key) == muc.AffiliationMember || r.inGroups(ctx, mapKeys(r.members.members), bare):
		return muc.RoleParticipant, muc.AffiliationMember, nil
	case r.inGroups(ctx, keys(r.members.outcasts), bare):
		return muc.RoleNone, muc.AffiliationOutcast, ErrForbidden
	}
	if r.cfg.MembersOnly {
		return muc.RoleNone, muc.AffiliationNone, ErrRegistrationRequired
	}
	if r.cfg.Moderated {
		return muc.RoleVisitor, muc.AffiliationNone, nil
	}
	return muc.RoleParticipant, muc.AffiliationNone, nil
}

func mapKeys(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

// AffiliationOf resolves the effective affiliation of an identity, including
// affiliations inherited through group membership.
func (r *Room) AffiliationOf(ctx context.Context, identity jid.JID) muc.Affiliation {
	r.mu.RLock()
	defer r.mu.RUnlock()
	aff, _ := r.resolveAffiliation(ctx, identity.Bare())
	return aff
}

// ReservedNick returns the nickname reserved by an identity, or the empty
// string if it has none.
func (r *Room) ReservedNick(identity jid.JID) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.members.reservedNick(identity.Bare().String())
}

// Registered reports whether an identity has ever been granted owner, admin,
// or member affiliation and has not been explicitly deregistered.
func (r *Room) Registered(identity jid.JID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return has(r.members.registered, identity.Bare().String())
}

// Deregister removes an identity from the derived registered-users set.
// It does not change any affiliation list.
func (r *Room) Deregister(identity jid.JID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.members.registered, identity.Bare().String())
}
