// Copyright 2026 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package muchost

import (
	"context"

	"mellium.im/muchost/cluster"
	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/muc"
	"mellium.im/xmpp/stanza"
)

// Message is a groupchat message sent through the room.
type Message struct {
	stanza.Message
	Subject string `xml:"subject,omitempty"`
	Body    string `xml:"body,omitempty"`
}

// BroadcastMessage delivers a groupchat message from the occupant session
// identified by from to every occupant of the room and appends it to the
// room history.
//
// In a moderated room, visitors have no voice and are rejected with
// ErrForbidden.
func (r *Room) BroadcastMessage(ctx context.Context, from jid.JID, body string) error {
	if from.Resourcepart() == "" {
		return ErrMalformedJID
	}
	occ, err := r.occupants.byFull(from)
	if err != nil {
		return err
	}
	switch occ.Role() {
	case muc.RoleModerator, muc.RoleParticipant:
	default:
		return ErrForbidden
	}
	msg := Message{
		Message: stanza.Message{
			From: occ.Addr(),
			Type: stanza.GroupChatMessage,
		},
		Body: body,
	}
	r.fanOutMessage(msg, true)
	return nil
}

// fanOutMessage delivers a message to every local occupant, replicates it,
// and optionally records it in history. Delivery never takes the room lock.
func (r *Room) fanOutMessage(msg Message, history bool) {
	if history {
		r.opts.History.AddMessage(r.addr, msg)
	}
	r.replicate(cluster.Event{Type: cluster.MessageSent, Payload: &msg})
	for _, occ := range r.occupants.all() {
		if occ.Remote() {
			continue
		}
		out := msg
		out.To = occ.RealJID()
		if err := occ.sendMessage(out); err != nil {
			r.log.Debug().Err(err).Str("to", occ.RealJID().String()).Msg("message delivery failed")
		}
	}
}
