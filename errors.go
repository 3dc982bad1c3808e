// Copyright 2026 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package muchost

import (
	"mellium.im/xmpp/stanza"
)

// Error is the type of all recoverable room errors.
// Each carries the stanza error condition the protocol layer should use when
// reporting the failure to the client.
//
// Two distinct errors may share a condition (for example ErrNickTaken and
// ErrConflict both map to "conflict" on the wire), so callers that care about
// the cause should compare against the exported sentinels with errors.Is
// rather than matching conditions.
type Error struct {
	Type      stanza.ErrorType
	Condition stanza.Condition

	text string
}

// Error satisfies the error interface.
func (e *Error) Error() string {
	return "muchost: " + e.text
}

// StanzaError converts the error into a stanza error suitable for attaching
// to the response stanza.
func (e *Error) StanzaError() stanza.Error {
	return stanza.Error{
		Type:      e.Type,
		Condition: e.Condition,
		Text:      map[string]string{"": e.text},
	}
}

// A list of errors returned by room operations.
// All are expected, recoverable conditions surfaced to the caller; none are
// retried inside this package.
var (
	// ErrUnauthorized is returned when joining a password protected room
	// without the correct password.
	ErrUnauthorized = &Error{stanza.Auth, stanza.NotAuthorized, "wrong or missing room password"}

	// ErrRoomLocked is returned when joining a room that is locked and the
	// joiner is not an owner.
	ErrRoomLocked = &Error{stanza.Cancel, stanza.ItemNotFound, "the room is locked"}

	// ErrNickTaken is returned when the requested nickname is already in use
	// by a different user.
	ErrNickTaken = &Error{stanza.Cancel, stanza.Conflict, "nickname is already in use by another occupant"}

	// ErrForbidden is returned when an outcast attempts to join, when a
	// nickname fails strict validation, or when the actor lacks the
	// affiliation required for an administrative action.
	ErrForbidden = &Error{stanza.Auth, stanza.Forbidden, "forbidden"}

	// ErrRegistrationRequired is returned when a user with no affiliation
	// attempts to join a members-only room.
	ErrRegistrationRequired = &Error{stanza.Auth, stanza.RegistrationRequired, "room membership is required"}

	// ErrConflict is returned when the requested nickname is reserved by a
	// different user, or when a change would remove the last remaining owner.
	ErrConflict = &Error{stanza.Cancel, stanza.Conflict, "conflicting room state"}

	// ErrNotAcceptable is returned when the room restricts logins to reserved
	// nicknames and the requested nickname does not match the reservation.
	ErrNotAcceptable = &Error{stanza.Modify, stanza.NotAcceptable, "a reserved nickname must be used"}

	// ErrServiceUnavailable is returned when the room has reached its
	// configured occupancy limit.
	ErrServiceUnavailable = &Error{stanza.Wait, stanza.ServiceUnavailable, "the room has reached its occupancy limit"}

	// ErrNotAllowed is returned for a disallowed affiliation or role
	// transition, and when applying a change to an occupant on another node
	// fails or times out.
	ErrNotAllowed = &Error{stanza.Cancel, stanza.NotAllowed, "not allowed"}

	// ErrNotFound is returned by lookups that miss and by group providers
	// asked about an identity that is not a group.
	ErrNotFound = &Error{stanza.Cancel, stanza.ItemNotFound, "not found"}

	// ErrMalformedJID is returned when an operation that requires a full JID
	// is given a bare one.
	ErrMalformedJID = &Error{stanza.Modify, stanza.JIDMalformed, "a full JID is required"}
)
