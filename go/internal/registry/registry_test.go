package registry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/mcdev12/publicgoods/go/internal/events"
	"github.com/mcdev12/publicgoods/go/internal/models"
	"github.com/mcdev12/publicgoods/go/internal/recorder"
	"github.com/mcdev12/publicgoods/go/internal/room"
)

func newRegistry(t *testing.T) (*Registry, *clockwork.FakeClock, *recorder.Memory) {
	t.Helper()
	clock := clockwork.NewFakeClock()
	mem := recorder.NewMemory()
	reg, err := New(Config{
		Policy:   room.DefaultPolicy(),
		Clock:    clock,
		Recorder: mem,
		Rand:     rand.New(rand.NewSource(7)),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(reg.Reset)
	return reg, clock, mem
}

func join(t *testing.T, reg *Registry, identity string) JoinResult {
	t.Helper()
	res, err := reg.Join(context.Background(), room.JoinRequest{Identity: identity, DisplayName: identity})
	if err != nil {
		t.Fatalf("Join(%s): %v", identity, err)
	}
	return res
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestJoinFillsRoomsInOrder(t *testing.T) {
	reg, _, mem := newRegistry(t)

	seats := map[uuid.UUID]int{}
	for i := 0; i < 8; i++ {
		res := join(t, reg, fmt.Sprintf("p%d", i))
		if res.Reconnected {
			t.Fatalf("player %d reported as reconnected", i)
		}
		seats[res.RoomID]++
	}
	if len(seats) != 2 {
		t.Fatalf("rooms used = %d, want 2", len(seats))
	}
	for id, n := range seats {
		if n != room.GroupSize {
			t.Fatalf("room %s has %d players", id, n)
		}
		rm, err := reg.Lookup(id)
		if err != nil {
			t.Fatalf("Lookup: %v", err)
		}
		if rm.Phase() != models.PhaseConsent {
			t.Fatalf("full room in phase %s", rm.Phase())
		}
		if _, ok := mem.Group(id); !ok {
			t.Fatalf("group %s was not recorded", id)
		}
	}

	stats := reg.Stats()
	if stats.Rooms != 2 || stats.Members != 8 || stats.Connected != 8 || stats.ByPhase[models.PhaseConsent] != 2 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestFindOrCreateRoom(t *testing.T) {
	reg, _, mem := newRegistry(t)
	ctx := context.Background()

	first, err := reg.FindOrCreateRoom(ctx)
	if err != nil {
		t.Fatalf("FindOrCreateRoom: %v", err)
	}
	if first.Phase() != models.PhaseWaiting || first.MemberCount() != 0 {
		t.Fatalf("new room in phase %s with %d members", first.Phase(), first.MemberCount())
	}
	if g, ok := mem.Group(first.ID()); !ok || g.Status != models.GroupStatusWaiting {
		t.Fatalf("group not recorded as waiting: %+v", g)
	}

	again, err := reg.FindOrCreateRoom(ctx)
	if err != nil {
		t.Fatalf("FindOrCreateRoom: %v", err)
	}
	if again.ID() != first.ID() {
		t.Fatal("an open waiting room should be reused")
	}

	for i := 0; i < room.GroupSize; i++ {
		join(t, reg, fmt.Sprintf("p%d", i))
	}
	if first.Phase() != models.PhaseConsent {
		t.Fatalf("filled room in phase %s", first.Phase())
	}

	next, err := reg.FindOrCreateRoom(ctx)
	if err != nil {
		t.Fatalf("FindOrCreateRoom: %v", err)
	}
	if next.ID() == first.ID() || !next.Joinable() {
		t.Fatal("a full room past waiting was returned")
	}
	if n := reg.Stats().Rooms; n != 2 {
		t.Fatalf("rooms = %d, want 2", n)
	}
}

func TestRoomThatLostMemberIsNotRefilled(t *testing.T) {
	reg, clock, _ := newRegistry(t)
	ctx := context.Background()

	var first []JoinResult
	for i := 0; i < 4; i++ {
		first = append(first, join(t, reg, fmt.Sprintf("p%d", i)))
	}
	gone := first[0]
	if err := reg.Dispatch(ctx, gone.RoomID, gone.PlayerID, events.Disconnect{}); err != nil {
		t.Fatalf("Dispatch disconnect: %v", err)
	}
	clock.Advance(room.DefaultPolicy().RemovalTimeout)

	rm, _ := reg.Lookup(gone.RoomID)
	waitFor(t, "removal", func() bool { return rm.MemberCount() == 3 })
	if _, _, ok := reg.ResolveReconnection("p0"); ok {
		t.Fatal("removed player should not resolve to a seat")
	}

	next := join(t, reg, "late")
	if next.RoomID == gone.RoomID {
		t.Fatal("player was seated in a room past the waiting phase")
	}
}

func TestJoinResumesDisconnectedSeat(t *testing.T) {
	reg, _, mem := newRegistry(t)
	ctx := context.Background()

	a := join(t, reg, "alice")
	join(t, reg, "bob")
	if err := reg.Dispatch(ctx, a.RoomID, a.PlayerID, events.Disconnect{}); err != nil {
		t.Fatalf("Dispatch disconnect: %v", err)
	}

	roomID, playerID, ok := reg.ResolveReconnection("alice")
	if !ok || roomID != a.RoomID || playerID != a.PlayerID {
		t.Fatalf("ResolveReconnection = %s %s %v", roomID, playerID, ok)
	}

	var attached uuid.UUID
	res, err := reg.Join(ctx, room.JoinRequest{
		Identity: "alice",
		Attach:   func(_, pid uuid.UUID) { attached = pid },
	})
	if err != nil {
		t.Fatalf("Join: %v", err)
	}
	if !res.Reconnected || res.PlayerID != a.PlayerID || res.RoomID != a.RoomID {
		t.Fatalf("unexpected rejoin result: %+v", res)
	}
	if attached != a.PlayerID {
		t.Fatal("connection was not attached to the resumed seat")
	}
	if len(mem.Actions(a.PlayerID)) == 0 {
		t.Fatal("expected interactions for the resumed player")
	}

	rm, _ := reg.Lookup(a.RoomID)
	if rm.MemberCount() != 2 || rm.ConnectedCount() != 2 {
		t.Fatalf("members=%d connected=%d", rm.MemberCount(), rm.ConnectedCount())
	}
}

func TestConnectedIdentityGetsNewSeat(t *testing.T) {
	reg, _, _ := newRegistry(t)

	a := join(t, reg, "same")
	b := join(t, reg, "same")
	if b.Reconnected || b.PlayerID == a.PlayerID {
		t.Fatalf("second tab should get its own seat: %+v", b)
	}
}

func TestEmptyRoomIsReclaimed(t *testing.T) {
	reg, clock, _ := newRegistry(t)
	ctx := context.Background()

	a := join(t, reg, "solo")
	if err := reg.Dispatch(ctx, a.RoomID, a.PlayerID, events.Disconnect{}); err != nil {
		t.Fatalf("Dispatch disconnect: %v", err)
	}
	clock.Advance(room.DefaultPolicy().RemovalTimeout)

	waitFor(t, "reclaim", func() bool { return reg.Stats().Rooms == 0 })
	if _, err := reg.Lookup(a.RoomID); !errors.Is(err, ErrRoomNotFound) {
		t.Fatalf("Lookup after reclaim: %v", err)
	}
	if err := reg.Dispatch(ctx, a.RoomID, a.PlayerID, events.ReadyToPlay{}); !errors.Is(err, ErrRoomNotFound) {
		t.Fatalf("Dispatch after reclaim: %v", err)
	}
	if reg.Stats().TrackedPlayers != 0 {
		t.Fatal("identity index still holds the reclaimed room")
	}

	b := join(t, reg, "solo")
	if b.Reconnected || b.RoomID == a.RoomID {
		t.Fatalf("expected a fresh room: %+v", b)
	}
}

func TestResetClearsEverything(t *testing.T) {
	reg, _, _ := newRegistry(t)
	for i := 0; i < 5; i++ {
		join(t, reg, fmt.Sprintf("p%d", i))
	}
	reg.Reset()

	stats := reg.Stats()
	if stats.Rooms != 0 || stats.TrackedPlayers != 0 || stats.PendingTimers != 0 {
		t.Fatalf("stats after reset: %+v", stats)
	}
}

func TestNewRejectsInvalidPolicy(t *testing.T) {
	p := room.DefaultPolicy()
	p.Payoff.GroupSize = 3
	if _, err := New(Config{Policy: p}); err == nil {
		t.Fatal("expected an error for a group of three")
	}
}
