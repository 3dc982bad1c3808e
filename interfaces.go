// Copyright 2026 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package muchost

import (
	"context"
	"time"

	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/muc"
)

// Persistence stores room state durably.
//
// Methods are called synchronously after the corresponding in-memory
// mutation. Failures are logged by the room and never roll back the
// in-memory state; the store is allowed to lag.
type Persistence interface {
	// SaveAffiliation records that identity now holds affiliation in room.
	// The reserved nickname is only meaningful for members and may be empty.
	SaveAffiliation(room, identity jid.JID, reservedNick string, affiliation, old muc.Affiliation) error

	// RemoveAffiliation records that identity no longer holds any
	// affiliation in room.
	RemoveAffiliation(room, identity jid.JID, old muc.Affiliation) error

	// UpdateEmptyDate records when the room last became empty.
	// The zero time means the room is occupied.
	UpdateEmptyDate(room jid.JID, emptySince time.Time) error

	// UpdateLock records the room's lock time (zero means unlocked).
	UpdateLock(room jid.JID, locked time.Time) error

	// UpdateSubject records the room subject.
	UpdateSubject(room jid.JID, subject string) error
}

// History stores and replays room conversation history.
// The room only decides whether to invoke it: history is delivered on join
// only when the join request explicitly asked for it.
type History interface {
	AddMessage(room jid.JID, msg Message)
	Send(to *Occupant, req HistoryRequest) error
}

// HistoryRequest describes how much history a joining client asked for.
// Zero-valued fields are unset.
type HistoryRequest struct {
	MaxStanzas int
	MaxChars   int
	Seconds    int
	Since      time.Time
}

// GroupProvider resolves group identities to their member lists.
// Members returns ErrNotFound when the identity does not denote a group.
type GroupProvider interface {
	Members(ctx context.Context, group jid.JID) ([]jid.JID, error)
}

// Sender delivers stanzas to the client connection behind a local occupant
// session. Implementations must be safe for concurrent use.
type Sender interface {
	SendPresence(p Presence) error
	SendMessage(m Message) error
}

type nopPersistence struct{}

func (nopPersistence) SaveAffiliation(_, _ jid.JID, _ string, _, _ muc.Affiliation) error { return nil }
func (nopPersistence) RemoveAffiliation(_, _ jid.JID, _ muc.Affiliation) error            { return nil }
func (nopPersistence) UpdateEmptyDate(_ jid.JID, _ time.Time) error                       { return nil }
func (nopPersistence) UpdateLock(_ jid.JID, _ time.Time) error                            { return nil }
func (nopPersistence) UpdateSubject(_ jid.JID, _ string) error                            { return nil }

type nopHistory struct{}

func (nopHistory) AddMessage(_ jid.JID, _ Message)          {}
func (nopHistory) Send(_ *Occupant, _ HistoryRequest) error { return nil }
