// Copyright 2026 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package muchost implements the server side of a Multi-User Chat room.
//
// Unlike the client-side muc package found in mellium.im/xmpp, muchost keeps
// state: each Room tracks its occupants, its affiliation lists, and its
// configuration, and implements the algorithms that decide who may join, what
// role and affiliation they receive, and to whom presence and messages are
// fanned out.
//
// A Room is safe for concurrent use by any number of goroutines; joins,
// leaves, and affiliation changes may race freely and are serialized by a
// room-scoped lock, while steady-state lookups and presence delivery never
// block behind it.
//
// The room core does not speak to the network itself. Durable storage, the
// cluster transport, and conversation history are injected as collaborators
// at construction time (see Options); the zero value of each collaborator is
// usable and does nothing.
package muchost // import "mellium.im/muchost"
