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

// JoinRequest describes one attempt by a connection to enter the room.
type JoinRequest struct {
	// From is the full JID of the joining connection.
	From jid.JID

	// Nick is the nickname the joiner wants inside the room.
	Nick string

	// Password is the room password supplied by the joiner, if any.
	Password string

	// Status and Show are carried into the occupant's initial presence.
	Status string
	Show   string

	// History, if non-nil, requests conversation history after the join.
	// History is never delivered unless explicitly asked for.
	History *HistoryRequest

	// Sender delivers stanzas back to the joining connection.
	Sender Sender
}

// Join runs a join attempt to completion.
//
// A rejection (wrong password, nickname conflict, occupancy limit, and so
// on) leaves no residual state. Once the occupant has been registered the
// join is committed: failures in the remaining notification steps —
// replication, presence fan-out, the locked-room notice, history delivery —
// are logged and swallowed, and the returned occupant is valid.
//
// If the exact same full JID is already joined, the existing session is
// returned unchanged.
func (r *Room) Join(ctx context.Context, req JoinRequest) (*Occupant, error) {
	if req.From.Resourcepart() == "" {
		return nil, ErrMalformedJID
	}
	bare := req.From.Bare()

	key, keyErr := nickKey(req.Nick)

	r.mu.Lock()
	cfg := r.cfg

	// Resolving role and affiliation up front never mutates anything, and
	// the occupancy and lock checks below need to know whether the joiner
	// outranks them. The rejection order still follows the protocol: the
	// occupancy limit is checked before the outcast rejection.
	role, affiliation, resolveErr := r.resolveJoin(ctx, bare)
	privileged := resolveErr == nil &&
		(affiliation == muc.AffiliationOwner || affiliation == muc.AffiliationAdmin)

	if cfg.MaxOccupants > 0 && !privileged && r.occupants.len() >= cfg.MaxOccupants {
		r.mu.Unlock()
		return nil, ErrServiceUnavailable
	}
	if keyErr != nil && cfg.StrictNickValidation {
		r.mu.Unlock()
		return nil, ErrForbidden
	}
	if !r.locked.IsZero() && !(resolveErr == nil && affiliation == muc.AffiliationOwner) {
		r.mu.Unlock()
		return nil, ErrRoomLocked
	}

	// Nickname conflict: a nickname held by a different user rejects the
	// join; held by the same user from another connection, the join becomes
	// an additional session; held by the exact same connection, the join is
	// a no-op returning the existing session.
	if existing, err := r.occupants.byFull(req.From); err == nil {
		if existing.nickKey() != key {
			r.mu.Unlock()
			return nil, ErrNotAcceptable
		}
		r.mu.Unlock()
		return existing, nil
	}
	if holders, err := r.occupants.byNick(key); err == nil {
		for _, holder := range holders {
			if !holder.RealJID().Bare().Equal(bare) {
				r.mu.Unlock()
				return nil, ErrNickTaken
			}
		}
	}

	if cfg.Password != "" && req.Password != cfg.Password && !r.sysadmin(req.From) {
		r.mu.Unlock()
		return nil, ErrUnauthorized
	}

	// Reserved nicknames: using somebody else's reservation is a conflict,
	// and rooms restricted to reserved nicknames require the joiner's own
	// reservation to match.
	if reserver := r.members.nickReservedBy(key); reserver != "" && reserver != bare.String() {
		r.mu.Unlock()
		return nil, ErrConflict
	}
	if cfg.ReservedNickOnly {
		reserved := r.members.reservedNick(bare.String())
		reservedKey := ""
		if reserved != "" {
			reservedKey, _ = nickKey(reserved)
		}
		if reservedKey == "" || reservedKey != key {
			r.mu.Unlock()
			return nil, ErrNotAcceptable
		}
	}

	if resolveErr != nil {
		r.mu.Unlock()
		return nil, resolveErr
	}

	addr, err := r.addr.WithResource(req.Nick)
	if err != nil {
		r.mu.Unlock()
		return nil, ErrForbidden
	}
	occ := &Occupant{
		room:        r,
		sender:      req.Sender,
		nick:        req.Nick,
		key:         key,
		addr:        addr,
		realJID:     req.From,
		role:        role,
		affiliation: affiliation,
	}
	first := r.occupants.len() == 0
	created := first && r.isNew()
	lockedNotice := !r.locked.IsZero() && !r.isNew()
	r.occupants.add(occ)
	r.empty = time.Time{}
	r.modified = time.Now()
	r.mu.Unlock()

	// The join is committed. Everything below is notification: failures are
	// logged and must not unwind the membership change.
	own := occ.presenceUpdate(stanza.AvailablePresence, "")
	own.Show = req.Show
	own.Status = req.Status

	// The stored presence is what later joiners and other nodes replay, so
	// the one-shot creation marker goes only on the broadcast copy below.
	occ.setLastPresence(own)
	initial := own
	initial.User.Status = append([]Status(nil), own.User.Status...)
	r.replicate(cluster.Event{
		Type:     cluster.OccupantAdded,
		Occupant: occ.clusterInfo(),
		Payload:  &initial,
	})

	r.sendInitialPresences(occ)

	if created {
		own.User.addStatus(StatusRoomCreated)
	}
	r.broadcastLocal(occ, own, true)

	if lockedNotice {
		err := occ.sendMessage(Message{
			Message: stanza.Message{
				From: r.addr,
				To:   req.From,
				Type: stanza.GroupChatMessage,
			},
			Body: "This room is locked from entry until configuration is confirmed.",
		})
		if err != nil {
			r.log.Debug().Err(err).Msg("locked-room notice delivery failed")
		}
	}

	if req.History != nil {
		if err := r.opts.History.Send(occ, *req.History); err != nil {
			r.log.Error().Err(err).Str("to", req.From.String()).Msg("history delivery failed")
		}
	}

	r.persistEmptyDate()
	if r.opts.OnJoin != nil {
		r.opts.OnJoin(occ)
	}
	return occ, nil
}
