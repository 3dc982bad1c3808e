// Copyright 2026 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package roomdb provides a SQLite backed implementation of the room
// persistence contract.
//
// It stores affiliation lists and per-room metadata (subject, lock time,
// empty date) so that a hosting service can reload persistent rooms after a
// restart. Conversation history is out of scope.
package roomdb // import "mellium.im/muchost/roomdb"

import (
	"database/sql"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/muc"
)

const schema = `
CREATE TABLE IF NOT EXISTS rooms (
	room VARCHAR(1023) PRIMARY KEY,
	subject TEXT NOT NULL DEFAULT '',
	locked_at DATETIME,
	empty_since DATETIME
);

CREATE TABLE IF NOT EXISTS affiliations (
	room VARCHAR(1023) NOT NULL,
	identity VARCHAR(1023) NOT NULL,
	affiliation VARCHAR(16) NOT NULL,
	reserved_nick VARCHAR(1023) NOT NULL DEFAULT '',
	updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY (room, identity)
);
`

// DB implements the muchost.Persistence interface on a SQLite database.
type DB struct {
	db *sql.DB
}

// Open opens (creating if necessary) the database at path.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, err
	}
	return &DB{db: db}, nil
}

// Close closes the underlying database.
func (d *DB) Close() error {
	return d.db.Close()
}

// SaveAffiliation implements muchost.Persistence.
func (d *DB) SaveAffiliation(room, identity jid.JID, reservedNick string, affiliation, _ muc.Affiliation) error {
	_, err := d.db.Exec(`
		INSERT INTO affiliations (room, identity, affiliation, reserved_nick)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (room, identity) DO UPDATE
		SET affiliation = excluded.affiliation,
		    reserved_nick = excluded.reserved_nick,
		    updated_at = CURRENT_TIMESTAMP`,
		room.Bare().String(), identity.Bare().String(), affiliation.String(), reservedNick)
	return err
}

// RemoveAffiliation implements muchost.Persistence.
func (d *DB) RemoveAffiliation(room, identity jid.JID, _ muc.Affiliation) error {
	_, err := d.db.Exec(`DELETE FROM affiliations WHERE room = ? AND identity = ?`,
		room.Bare().String(), identity.Bare().String())
	return err
}

// UpdateEmptyDate implements muchost.Persistence.
func (d *DB) UpdateEmptyDate(room jid.JID, emptySince time.Time) error {
	return d.upsertRoom(room, `empty_since`, nullTime(emptySince))
}

// UpdateLock implements muchost.Persistence.
func (d *DB) UpdateLock(room jid.JID, locked time.Time) error {
	return d.upsertRoom(room, `locked_at`, nullTime(locked))
}

// UpdateSubject implements muchost.Persistence.
func (d *DB) UpdateSubject(room jid.JID, subject string) error {
	return d.upsertRoom(room, `subject`, subject)
}

func (d *DB) upsertRoom(room jid.JID, column string, value any) error {
	// column is always one of the fixed names above, never user input.
	_, err := d.db.Exec(`
		INSERT INTO rooms (room, `+column+`) VALUES (?, ?)
		ON CONFLICT (room) DO UPDATE SET `+column+` = excluded.`+column,
		room.Bare().String(), value)
	return err
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}

// Affiliation is one stored affiliation entry.
type Affiliation struct {
	Identity     jid.JID
	Affiliation  muc.Affiliation
	ReservedNick string
}

// Affiliations loads the stored affiliation list of a room, for rebuilding
// its in-memory state at startup.
func (d *DB) Affiliations(room jid.JID) ([]Affiliation, error) {
	rows, err := d.db.Query(`
		SELECT identity, affiliation, reserved_nick
		FROM affiliations WHERE room = ?`, room.Bare().String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Affiliation
	for rows.Next() {
		var identity, affiliation, nick string
		if err := rows.Scan(&identity, &affiliation, &nick); err != nil {
			return nil, err
		}
		j, err := jid.Parse(identity)
		if err != nil {
			continue
		}
		var aff muc.Affiliation
		switch affiliation {
		case muc.AffiliationOwner.String():
			aff = muc.AffiliationOwner
		case muc.AffiliationAdmin.String():
			aff = muc.AffiliationAdmin
		case muc.AffiliationMember.String():
			aff = muc.AffiliationMember
		case muc.AffiliationOutcast.String():
			aff = muc.AffiliationOutcast
		default:
			aff = muc.AffiliationNone
		}
		out = append(out, Affiliation{Identity: j, Affiliation: aff, ReservedNick: nick})
	}
	return out, rows.Err()
}
