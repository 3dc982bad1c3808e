// Copyright 2026 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package muchost_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"mellium.im/muchost"
	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/muc"
)

func TestJoinRegistersOccupant(t *testing.T) {
	room := newTestRoom(t, muchost.Config{}, muchost.Options{})
	occ, _ := join(t, room, "bob@example.net/tablet", "bob")

	got, err := room.OccupantByFullJID(jid.MustParse("bob@example.net/tablet"))
	if err != nil {
		t.Fatalf("looking up the occupant by full JID: %v", err)
	}
	if got != occ {
		t.Errorf("wrong occupant returned by full JID lookup")
	}
	byNick, err := room.OccupantsByNick("Bob")
	if err != nil {
		t.Fatalf("looking up the occupant by nickname: %v", err)
	}
	found := false
	for _, o := range byNick {
		if o == occ {
			found = true
		}
	}
	if !found {
		t.Errorf("case-insensitive nickname lookup did not include the occupant")
	}
	if occ.Role() != muc.RoleParticipant {
		t.Errorf("wrong role: want=%v, got=%v", muc.RoleParticipant, occ.Role())
	}
	if occ.Affiliation() != muc.AffiliationNone {
		t.Errorf("wrong affiliation: want=%v, got=%v", muc.AffiliationNone, occ.Affiliation())
	}
}

func TestJoinNicknameConflict(t *testing.T) {
	room := newTestRoom(t, muchost.Config{}, muchost.Options{})
	join(t, room, ownerJID.String(), "alice")

	before := room.Len()
	_, err := room.Join(context.Background(), muchost.JoinRequest{
		From: jid.MustParse("bob@example.net/tablet"),
		Nick: "alice",
	})
	if !errors.Is(err, muchost.ErrNickTaken) {
		t.Fatalf("wrong error: want=%v, got=%v", muchost.ErrNickTaken, err)
	}
	if room.Len() != before {
		t.Errorf("failed join changed the registry: want=%d occupants, got=%d", before, room.Len())
	}

	occ, _ := join(t, room, "bob@example.net/tablet", "bob")
	if occ.Role() != muc.RoleParticipant || occ.Affiliation() != muc.AffiliationNone {
		t.Errorf("retry got role=%v affiliation=%v, want participant/none", occ.Role(), occ.Affiliation())
	}
}

func TestJoinSecondDevice(t *testing.T) {
	room := newTestRoom(t, muchost.Config{}, muchost.Options{})
	first, _ := join(t, room, "bob@example.net/tablet", "bob")
	second, _ := join(t, room, "bob@example.net/phone", "bob")

	if first == second {
		t.Fatal("a second device must be a distinct session")
	}
	occs, err := room.OccupantsByNick("bob")
	if err != nil {
		t.Fatalf("nickname lookup: %v", err)
	}
	if len(occs) != 2 {
		t.Errorf("wrong session count for shared nickname: want=2, got=%d", len(occs))
	}
}

func TestJoinSameConnectionIsNoOp(t *testing.T) {
	room := newTestRoom(t, muchost.Config{}, muchost.Options{})
	first, _ := join(t, room, "bob@example.net/tablet", "bob")
	before := room.Len()

	again, err := room.Join(context.Background(), muchost.JoinRequest{
		From: jid.MustParse("bob@example.net/tablet"),
		Nick: "bob",
	})
	if err != nil {
		t.Fatalf("rejoin from the same connection: %v", err)
	}
	if again != first {
		t.Errorf("rejoin did not return the existing session")
	}
	if room.Len() != before {
		t.Errorf("rejoin changed the occupant count: want=%d, got=%d", before, room.Len())
	}
}

func TestJoinMembersOnly(t *testing.T) {
	room := newTestRoom(t, muchost.Config{MembersOnly: true}, muchost.Options{})
	ctx := context.Background()
	carol := jid.MustParse("carol@example.net/cell")

	_, err := room.Join(ctx, muchost.JoinRequest{From: carol, Nick: "carol"})
	if !errors.Is(err, muchost.ErrRegistrationRequired) {
		t.Fatalf("wrong error: want=%v, got=%v", muchost.ErrRegistrationRequired, err)
	}

	_, err = room.SetAffiliation(ctx, ownerJID, muchost.AffiliationChange{
		Target:       carol,
		Affiliation:  muc.AffiliationMember,
		ReservedNick: "carol",
	})
	if err != nil {
		t.Fatalf("granting membership: %v", err)
	}
	occ, _ := join(t, room, carol.String(), "carol")
	if occ.Role() != muc.RoleParticipant {
		t.Errorf("wrong role: want=%v, got=%v", muc.RoleParticipant, occ.Role())
	}
	if occ.Affiliation() != muc.AffiliationMember {
		t.Errorf("wrong affiliation: want=%v, got=%v", muc.AffiliationMember, occ.Affiliation())
	}
}

func TestJoinOccupancyLimit(t *testing.T) {
	room := newTestRoom(t, muchost.Config{MaxOccupants: 2}, muchost.Options{})
	join(t, room, "bob@example.net/tablet", "bob")
	join(t, room, "carol@example.net/cell", "carol")

	_, err := room.Join(context.Background(), muchost.JoinRequest{
		From: jid.MustParse("dan@example.net/desk"),
		Nick: "dan",
	})
	if !errors.Is(err, muchost.ErrServiceUnavailable) {
		t.Fatalf("wrong error: want=%v, got=%v", muchost.ErrServiceUnavailable, err)
	}

	// Owners are exempt from the limit.
	if _, _ = join(t, room, ownerJID.String(), "alice"); room.Len() != 3 {
		t.Errorf("owner join under occupancy limit: want=3 occupants, got=%d", room.Len())
	}
}

func TestJoinLockedRoom(t *testing.T) {
	room := muchost.New(roomJID, muchost.Config{}, muchost.Options{})
	ctx := context.Background()
	if _, err := room.SetAffiliation(ctx, ownerJID, muchost.AffiliationChange{
		Target:      ownerJID,
		Affiliation: muc.AffiliationOwner,
	}); err != nil {
		t.Fatalf("granting owner: %v", err)
	}

	_, err := room.Join(ctx, muchost.JoinRequest{
		From: jid.MustParse("bob@example.net/tablet"),
		Nick: "bob",
	})
	if !errors.Is(err, muchost.ErrRoomLocked) {
		t.Fatalf("wrong error: want=%v, got=%v", muchost.ErrRoomLocked, err)
	}

	// The owner may enter a locked room.
	join(t, room, ownerJID.String(), "alice")
}

func TestJoinPassword(t *testing.T) {
	room := newTestRoom(t, muchost.Config{Password: "sekrit"}, muchost.Options{})
	bob := jid.MustParse("bob@example.net/tablet")
	ctx := context.Background()

	for _, password := range []string{"", "wrong"} {
		_, err := room.Join(ctx, muchost.JoinRequest{From: bob, Nick: "bob", Password: password})
		if !errors.Is(err, muchost.ErrUnauthorized) {
			t.Fatalf("password %q: want=%v, got=%v", password, muchost.ErrUnauthorized, err)
		}
	}
	if _, err := room.Join(ctx, muchost.JoinRequest{From: bob, Nick: "bob", Password: "sekrit"}); err != nil {
		t.Fatalf("joining with the correct password: %v", err)
	}
}

func TestJoinReservedNick(t *testing.T) {
	room := newTestRoom(t, muchost.Config{}, muchost.Options{})
	ctx := context.Background()
	if _, err := room.SetAffiliation(ctx, ownerJID, muchost.AffiliationChange{
		Target:       jid.MustParse("carol@example.net"),
		Affiliation:  muc.AffiliationMember,
		ReservedNick: "carol",
	}); err != nil {
		t.Fatalf("reserving the nickname: %v", err)
	}

	_, err := room.Join(ctx, muchost.JoinRequest{
		From: jid.MustParse("bob@example.net/tablet"),
		Nick: "Carol",
	})
	if !errors.Is(err, muchost.ErrConflict) {
		t.Fatalf("wrong error: want=%v, got=%v", muchost.ErrConflict, err)
	}
}

func TestJoinReservedNickOnly(t *testing.T) {
	room := newTestRoom(t, muchost.Config{ReservedNickOnly: true}, muchost.Options{})
	ctx := context.Background()
	carol := jid.MustParse("carol@example.net/cell")
	if _, err := room.SetAffiliation(ctx, ownerJID, muchost.AffiliationChange{
		Target:       carol,
		Affiliation:  muc.AffiliationMember,
		ReservedNick: "carol",
	}); err != nil {
		t.Fatalf("reserving the nickname: %v", err)
	}

	_, err := room.Join(ctx, muchost.JoinRequest{From: carol, Nick: "karol"})
	if !errors.Is(err, muchost.ErrNotAcceptable) {
		t.Fatalf("wrong error: want=%v, got=%v", muchost.ErrNotAcceptable, err)
	}
	join(t, room, carol.String(), "carol")
}

func TestJoinOutcast(t *testing.T) {
	room := newTestRoom(t, muchost.Config{}, muchost.Options{})
	ctx := context.Background()
	bob := jid.MustParse("bob@example.net/tablet")
	if _, err := room.SetAffiliation(ctx, ownerJID, muchost.AffiliationChange{
		Target:      bob,
		Affiliation: muc.AffiliationOutcast,
	}); err != nil {
		t.Fatalf("banning bob: %v", err)
	}

	_, err := room.Join(ctx, muchost.JoinRequest{From: bob, Nick: "bob"})
	if !errors.Is(err, muchost.ErrForbidden) {
		t.Fatalf("wrong error: want=%v, got=%v", muchost.ErrForbidden, err)
	}
}

func TestJoinModeratedRoomGrantsVisitor(t *testing.T) {
	room := newTestRoom(t, muchost.Config{Moderated: true}, muchost.Options{})
	occ, _ := join(t, room, "bob@example.net/tablet", "bob")
	if occ.Role() != muc.RoleVisitor {
		t.Errorf("wrong role: want=%v, got=%v", muc.RoleVisitor, occ.Role())
	}
}

func TestJoinExplicitMembershipBeatsGroupBan(t *testing.T) {
	groups := staticGroups{
		"banned@groups.example.net": {"bob@example.net"},
	}
	room := newTestRoom(t, muchost.Config{}, muchost.Options{Groups: groups})
	ctx := context.Background()
	bob := jid.MustParse("bob@example.net/tablet")

	if _, err := room.SetAffiliation(ctx, ownerJID, muchost.AffiliationChange{
		Target:      jid.MustParse("banned@groups.example.net"),
		Affiliation: muc.AffiliationOutcast,
	}); err != nil {
		t.Fatalf("banning the group: %v", err)
	}

	// The group ban alone keeps bob out.
	if _, err := room.Join(ctx, muchost.JoinRequest{From: bob, Nick: "bob"}); !errors.Is(err, muchost.ErrForbidden) {
		t.Fatalf("group-derived ban: want=%v, got=%v", muchost.ErrForbidden, err)
	}

	// An explicit membership overrides the group-derived ban.
	if _, err := room.SetAffiliation(ctx, ownerJID, muchost.AffiliationChange{
		Target:      bob,
		Affiliation: muc.AffiliationMember,
	}); err != nil {
		t.Fatalf("granting explicit membership: %v", err)
	}
	occ, _ := join(t, room, bob.String(), "bob")
	if occ.Affiliation() != muc.AffiliationMember {
		t.Errorf("wrong affiliation: want=%v, got=%v", muc.AffiliationMember, occ.Affiliation())
	}
}

func TestJoinConcurrent(t *testing.T) {
	room := newTestRoom(t, muchost.Config{}, muchost.Options{})
	const n = 32
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		go func(i int) {
			_, err := room.Join(context.Background(), muchost.JoinRequest{
				From: jid.MustParse(fmt.Sprintf("user%d@example.net/res", i)),
				Nick: fmt.Sprintf("user%d", i),
			})
			errs <- err
		}(i)
	}
	for i := 0; i < n; i++ {
		if err := <-errs; err != nil {
			t.Fatalf("concurrent join: %v", err)
		}
	}
	if room.Len() != n {
		t.Errorf("wrong occupant count after concurrent joins: want=%d, got=%d", n, room.Len())
	}
}
