// Copyright 2026 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package muchost_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"mellium.im/muchost"
	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/muc"
)

var (
	roomJID  = jid.MustParse("bridge@muc.example.net")
	ownerJID = jid.MustParse("alice@example.net/balcony")
)

// recorder is a Sender that captures everything delivered to one connection.
type recorder struct {
	mu        sync.Mutex
	presences []muchost.Presence
	messages  []muchost.Message
}

func (r *recorder) SendPresence(p muchost.Presence) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.presences = append(r.presences, p)
	return nil
}

func (r *recorder) SendMessage(m muchost.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, m)
	return nil
}

func (r *recorder) allPresences() []muchost.Presence {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]muchost.Presence(nil), r.presences...)
}

func (r *recorder) allMessages() []muchost.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]muchost.Message(nil), r.messages...)
}

func (r *recorder) presenceCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.presences)
}

func (r *recorder) lastPresence(t *testing.T) muchost.Presence {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.presences) == 0 {
		t.Fatal("no presence was delivered")
	}
	return r.presences[len(r.presences)-1]
}

func (r *recorder) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.presences = nil
	r.messages = nil
}

// memPersist counts persistence calls.
type memPersist struct {
	mu               sync.Mutex
	saves, removes   int
	emptyDates       int
	locks, subjects  int
	lastAffiliations map[string]muc.Affiliation
}

func (p *memPersist) SaveAffiliation(_, identity jid.JID, _ string, affiliation, _ muc.Affiliation) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.saves++
	if p.lastAffiliations == nil {
		p.lastAffiliations = make(map[string]muc.Affiliation)
	}
	p.lastAffiliations[identity.Bare().String()] = affiliation
	return nil
}

func (p *memPersist) RemoveAffiliation(_, identity jid.JID, _ muc.Affiliation) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.removes++
	delete(p.lastAffiliations, identity.Bare().String())
	return nil
}

func (p *memPersist) UpdateEmptyDate(_ jid.JID, _ time.Time) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.emptyDates++
	return nil
}

func (p *memPersist) UpdateLock(_ jid.JID, _ time.Time) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.locks++
	return nil
}

func (p *memPersist) UpdateSubject(_ jid.JID, _ string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subjects++
	return nil
}

func (p *memPersist) affiliationSaves() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.saves
}

// memHistory records history calls.
type memHistory struct {
	mu       sync.Mutex
	added    []muchost.Message
	requests []muchost.HistoryRequest
}

func (h *memHistory) AddMessage(_ jid.JID, m muchost.Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.added = append(h.added, m)
}

func (h *memHistory) Send(_ *muchost.Occupant, req muchost.HistoryRequest) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.requests = append(h.requests, req)
	return nil
}

func (h *memHistory) addedCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.added)
}

func (h *memHistory) requestCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.requests)
}

// staticGroups is a GroupProvider backed by a fixed map of group JIDs to
// member bare JIDs.
type staticGroups map[string][]string

func (g staticGroups) Members(_ context.Context, group jid.JID) ([]jid.JID, error) {
	members, ok := g[group.Bare().String()]
	if !ok {
		return nil, muchost.ErrNotFound
	}
	out := make([]jid.JID, 0, len(members))
	for _, m := range members {
		out = append(out, jid.MustParse(m))
	}
	return out, nil
}

// newTestRoom builds an unlocked room with alice@example.net granted owner.
func newTestRoom(t *testing.T, cfg muchost.Config, opts muchost.Options) *muchost.Room {
	t.Helper()
	room := muchost.New(roomJID, cfg, opts)
	ctx := context.Background()
	if _, err := room.SetAffiliation(ctx, ownerJID, muchost.AffiliationChange{
		Target:      ownerJID,
		Affiliation: muc.AffiliationOwner,
	}); err != nil {
		t.Fatalf("granting the bootstrap owner: %v", err)
	}
	if err := room.Unlock(ctx, ownerJID); err != nil {
		t.Fatalf("unlocking the room: %v", err)
	}
	return room
}

// join adds an occupant and returns it along with the recorder receiving its
// stanzas.
func join(t *testing.T, room *muchost.Room, from, nick string) (*muchost.Occupant, *recorder) {
	t.Helper()
	rec := &recorder{}
	occ, err := room.Join(context.Background(), muchost.JoinRequest{
		From:   jid.MustParse(from),
		Nick:   nick,
		Sender: rec,
	})
	if err != nil {
		t.Fatalf("joining as %s (%s): %v", nick, from, err)
	}
	return occ, rec
}
