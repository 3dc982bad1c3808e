// Copyright 2026 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package muchost

import (
	"context"
	"encoding/xml"
	"strconv"

	"mellium.im/muchost/cluster"
	"mellium.im/xmlstream"
	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/muc"
	"mellium.im/xmpp/stanza"
)

// A list of status codes attached to presence broadcasts.
// The room only attaches these values; it never parses them.
const (
	// StatusNonAnonymous tells the joining occupant that any occupant may see
	// their real JID.
	StatusNonAnonymous = 100

	// StatusSelf marks the copy of a presence delivered to the occupant the
	// presence is about.
	StatusSelf = 110

	// StatusRoomCreated tells the first occupant that the room did not exist
	// before they joined it.
	StatusRoomCreated = 201

	// StatusNewNick accompanies the unavailable presence broadcast for an
	// occupant's old nickname when they change it.
	StatusNewNick = 303

	// StatusBanned marks the removal presence of an occupant who was made an
	// outcast.
	StatusBanned = 301

	// StatusKicked marks the removal presence of an occupant kicked by a
	// moderator.
	StatusKicked = 307

	// StatusAffiliationChange marks the removal presence of an occupant
	// expelled from a members-only room by an affiliation change.
	StatusAffiliationChange = 321

	// StatusMembersOnly identifies a removal caused by a members-only
	// conversion in the wider status vocabulary. Rooms here report those
	// removals with StatusAffiliationChange; the constant is exported for
	// callers that speak to services which use it.
	StatusMembersOnly = 322
)

// Item describes the occupant a presence is about.
type Item struct {
	Affiliation muc.Affiliation `xml:"affiliation,attr"`
	Role        muc.Role        `xml:"role,attr"`
	JID         jid.JID         `xml:"jid,attr,omitempty"`
	Nick        string          `xml:"nick,attr,omitempty"`
	Actor       *Actor          `xml:"actor,omitempty"`
	Reason      string          `xml:"reason,omitempty"`
}

// Actor identifies who caused a role or affiliation change.
type Actor struct {
	JID  jid.JID `xml:"jid,attr,omitempty"`
	Nick string  `xml:"nick,attr,omitempty"`
}

// Status is a numeric marker attached to a presence broadcast.
type Status struct {
	Code int `xml:"code,attr"`
}

// Destroy is attached to the removal presence sent when a room is destroyed.
// JID, if present, is an alternate room occupants should move to.
type Destroy struct {
	JID    jid.JID `xml:"jid,attr,omitempty"`
	Reason string  `xml:"reason,omitempty"`
}

// UserX is the muc#user payload carried by presence sent from a room.
type UserX struct {
	XMLName xml.Name `xml:"http://jabber.org/protocol/muc#user x"`
	Item    Item     `xml:"item"`
	Status  []Status `xml:"status"`
	Destroy *Destroy `xml:"destroy,omitempty"`
}

func (x *UserX) addStatus(code int) {
	for _, s := range x.Status {
		if s.Code == code {
			return
		}
	}
	x.Status = append(x.Status, Status{Code: code})
}

// HasStatus reports whether the payload carries the given status code.
func (x UserX) HasStatus(code int) bool {
	for _, s := range x.Status {
		if s.Code == code {
			return true
		}
	}
	return false
}

func optionalJIDAttr(j jid.JID, name string) []xml.Attr {
	if j.Equal(jid.JID{}) {
		return nil
	}
	return []xml.Attr{{Name: xml.Name{Local: name}, Value: j.String()}}
}

// TokenReader satisfies the xmlstream.Marshaler interface.
func (x UserX) TokenReader() xml.TokenReader {
	itemAttrs := []xml.Attr{
		{Name: xml.Name{Local: "affiliation"}, Value: x.Item.Affiliation.String()},
		{Name: xml.Name{Local: "role"}, Value: x.Item.Role.String()},
	}
	itemAttrs = append(itemAttrs, optionalJIDAttr(x.Item.JID, "jid")...)
	if x.Item.Nick != "" {
		itemAttrs = append(itemAttrs, xml.Attr{Name: xml.Name{Local: "nick"}, Value: x.Item.Nick})
	}
	var inner0 []xml.TokenReader
	if x.Item.Actor != nil {
		inner0 = append(inner0, xmlstream.Wrap(
			nil,
			xml.StartElement{Name: xml.Name{Local: "actor"}, Attr: optionalJIDAttr(x.Item.Actor.JID, "jid")},
		))
	}
	var reason xml.TokenReader
	if x.Item.Reason != "" {
		reason = xmlstream.Wrap(
			xmlstream.Token(xml.CharData(x.Item.Reason)),
			xml.StartElement{Name: xml.Name{Local: "reason"}},
		)
	}
	if reason != nil {
		inner0 = append(inner0, reason)
	}
	var itemInner xml.TokenReader
	if len(inner0) > 0 {
		itemInner = xmlstream.MultiReader(inner0...)
	}
	inner := []xml.TokenReader{xmlstream.Wrap(
		itemInner,
		xml.StartElement{Name: xml.Name{Local: "item"}, Attr: itemAttrs},
	)}
	for _, s := range x.Status {
		inner = append(inner, xmlstream.Wrap(
			nil,
			xml.StartElement{
				Name: xml.Name{Local: "status"},
				Attr: []xml.Attr{{Name: xml.Name{Local: "code"}, Value: strconv.Itoa(s.Code)}},
			},
		))
	}
	if x.Destroy != nil {
		var dreason xml.TokenReader
		if x.Destroy.Reason != "" {
			dreason = xmlstream.Wrap(
				xmlstream.Token(xml.CharData(x.Destroy.Reason)),
				xml.StartElement{Name: xml.Name{Local: "reason"}},
			)
		}
		inner = append(inner, xmlstream.Wrap(
			dreason,
			xml.StartElement{
				Name: xml.Name{Local: "destroy"},
				Attr: optionalJIDAttr(x.Destroy.JID, "jid"),
			},
		))
	}
	return xmlstream.Wrap(
		xmlstream.MultiReader(inner...),
		xml.StartElement{Name: xml.Name{Space: muc.NSUser, Local: "x"}},
	)
}

// WriteXML satisfies the xmlstream.WriterTo interface.
// It is like MarshalXML except it writes tokens to w.
func (x UserX) WriteXML(w xmlstream.TokenWriter) (int, error) {
	return xmlstream.Copy(w, x.TokenReader())
}

// Presence is a presence stanza sent from a room to an occupant, carrying
// the muc#user payload describing who the presence is about.
type Presence struct {
	stanza.Presence
	Show   string `xml:"show,omitempty"`
	Status string `xml:"status,omitempty"`
	User   UserX
}

// TokenReader satisfies the xmlstream.Marshaler interface.
func (p Presence) TokenReader() xml.TokenReader {
	inner := []xml.TokenReader{}
	if p.Show != "" {
		inner = append(inner, xmlstream.Wrap(
			xmlstream.Token(xml.CharData(p.Show)),
			xml.StartElement{Name: xml.Name{Local: "show"}},
		))
	}
	if p.Status != "" {
		inner = append(inner, xmlstream.Wrap(
			xmlstream.Token(xml.CharData(p.Status)),
			xml.StartElement{Name: xml.Name{Local: "status"}},
		))
	}
	inner = append(inner, p.User.TokenReader())
	return p.Wrap(xmlstream.MultiReader(inner...))
}

// broadcast fans a presence out per the room's visibility rules.
//
// If the sender's role is filtered from broadcast and the presence is not
// unavailable, only the sender's own sessions receive it. Otherwise the
// presence is replicated to the cluster (unless localOnly delivery was
// requested via broadcastLocal) and delivered to every local occupant with
// per-recipient adjustments: the sender's real JID is stripped for
// non-moderators in a semi-anonymous room, and the sender's own sessions
// receive the self-presence status code plus, on join, the non-anonymous and
// room-created markers.
//
// The sender must already be present in the occupant registry; callers rely
// on this ordering so that no observer can see the broadcast before the
// occupant exists.
func (r *Room) broadcast(sender *Occupant, p Presence, join bool) {
	r.replicate(cluster.Event{
		Type:     cluster.PresenceUpdate,
		Occupant: sender.clusterInfo(),
		Payload:  &p,
	})
	r.broadcastLocal(sender, p, join)
}

func (r *Room) broadcastLocal(sender *Occupant, p Presence, join bool) {
	cfg := r.config()
	unavailable := p.Type == stanza.UnavailablePresence
	selfOnly := !cfg.broadcasts(p.User.Item.Role) && !unavailable

	senderBare := sender.RealJID().Bare()
	for _, occ := range r.occupants.all() {
		if occ.Remote() {
			continue
		}
		self := occ.RealJID().Bare().Equal(senderBare)
		if selfOnly && !self {
			continue
		}
		out := p
		out.To = occ.RealJID()
		out.User.Status = append([]Status(nil), p.User.Status...)
		if cfg.SemiAnonymous && occ.Role() != muc.RoleModerator && !self {
			out.User.Item.JID = jid.JID{}
		}
		if self {
			out.User.addStatus(StatusSelf)
			if join {
				if !cfg.SemiAnonymous {
					out.User.addStatus(StatusNonAnonymous)
				}
				if p.User.HasStatus(StatusRoomCreated) {
					out.User.addStatus(StatusRoomCreated)
				}
			}
		} else {
			// The room-created marker is only meaningful to the creator.
			out.User.removeStatus(StatusRoomCreated)
		}
		if err := occ.send(out); err != nil {
			r.log.Debug().Err(err).Str("to", occ.RealJID().String()).Msg("presence delivery failed")
		}
	}
}

func (x *UserX) removeStatus(code int) {
	out := x.Status[:0]
	for _, s := range x.Status {
		if s.Code != code {
			out = append(out, s)
		}
	}
	x.Status = out
}

// UpdatePresence broadcasts a presence change (status, show, and so on) for
// the occupant session identified by from, which must be a full JID.
//
// The presence is stamped with the occupant's room address and current role
// and affiliation, recorded as the session's last known presence, and fanned
// out to the cluster and to every local occupant per the room's visibility
// rules. Delivery does not take the room lock.
func (r *Room) UpdatePresence(ctx context.Context, from jid.JID, status string) error {
	if from.Resourcepart() == "" {
		return ErrMalformedJID
	}
	occ, err := r.occupants.byFull(from)
	if err != nil {
		return err
	}
	p := occ.presenceUpdate(stanza.AvailablePresence, "")
	p.Status = status
	occ.setLastPresence(p)
	r.broadcast(occ, p, false)
	return nil
}

// sendInitialPresences sends the last known presence of every existing
// occupant to a newly joined one, honoring the role broadcast filter and the
// room's anonymity level.
func (r *Room) sendInitialPresences(newOcc *Occupant) {
	cfg := r.config()
	if cfg.SkipInitialPresence {
		return
	}
	hideJIDs := cfg.SemiAnonymous && newOcc.Role() != muc.RoleModerator
	for _, occ := range r.occupants.all() {
		if occ == newOcc {
			continue
		}
		p := occ.lastPresenceCopy()
		if !cfg.broadcasts(p.User.Item.Role) {
			continue
		}
		p.To = newOcc.RealJID()
		if hideJIDs {
			p.User.Item.JID = jid.JID{}
		}
		if err := newOcc.send(p); err != nil {
			r.log.Debug().Err(err).Str("to", newOcc.RealJID().String()).Msg("initial presence delivery failed")
		}
	}
}
