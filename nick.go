// Copyright 2026 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package muchost

import (
	"context"
	"strings"
	"time"

	"golang.org/x/text/secure/precis"

	"mellium.im/muchost/cluster"
	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/stanza"
)

// nickKey normalizes a nickname for case-insensitive comparison using the
// PRECIS Nickname profile.
// If the nickname cannot be prepared a best-effort lowercase key is returned
// along with the enforcement error so that callers configured for lenient
// validation can still index the name.
func nickKey(nick string) (string, error) {
	key, err := precis.Nickname.CompareKey(nick)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(nick)), err
	}
	return key, nil
}

// ChangeNick changes the nickname of the session identified by from, which
// must be a full JID.
//
// The old nickname is announced as unavailable with status code 303 and the
// new nickname attached, followed by the occupant's presence under the new
// nickname. The change is replicated to other cluster nodes.
func (r *Room) ChangeNick(ctx context.Context, from jid.JID, nick string) error {
	if from.Resourcepart() == "" {
		return ErrMalformedJID
	}
	key, err := nickKey(nick)
	if err != nil && r.config().StrictNickValidation {
		return ErrForbidden
	}

	r.mu.Lock()
	occ, err := r.occupants.byFull(from)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	oldNick := occ.Nick()
	oldKey := occ.nickKey()
	if key == oldKey {
		r.mu.Unlock()
		return nil
	}
	if others, err := r.occupants.byNick(key); err == nil {
		for _, other := range others {
			if !other.RealJID().Bare().Equal(from.Bare()) {
				r.mu.Unlock()
				return ErrNickTaken
			}
		}
	}
	addr, err := r.addr.WithResource(nick)
	if err != nil {
		r.mu.Unlock()
		return ErrForbidden
	}
	r.occupants.remove(occ)
	occ.setNick(nick, key, addr)
	r.occupants.add(occ)
	r.modified = time.Now()
	r.mu.Unlock()

	unavail := occ.presenceUpdate(stanza.UnavailablePresence, "")
	unavail.From = r.occupantAddr(oldNick)
	unavail.User.Item.Nick = nick
	unavail.User.addStatus(StatusNewNick)
	r.broadcastLocal(occ, unavail, false)

	avail := occ.presenceUpdate(stanza.AvailablePresence, "")
	occ.setLastPresence(avail)
	r.broadcastLocal(occ, avail, false)

	r.replicate(cluster.Event{
		Type:     cluster.NicknameChanged,
		Occupant: occ.clusterInfo(),
		NewNick:  nick,
		Reason:   oldNick,
	})
	return nil
}
