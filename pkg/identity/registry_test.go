package identity

import (
	"testing"

	"nimbusd/pkg/models"
)

func TestRegistryPromotesPinnedGuestOnce(t *testing.T) {
	g := NewRegistry(nil)
	var fired int
	var fromGuest, toUser models.Owner
	g.OnPromote(func(guest, user models.Owner) {
		fired++
		fromGuest, toUser = guest, user
	})

	owner := g.Authenticate("203_0_113_9", "alice")
	if owner.Kind != models.OwnerUser || owner.ID != "alice" {
		t.Fatalf("expected user:alice, got %+v", owner)
	}
	if fired != 1 {
		t.Fatalf("expected exactly one promote, got %d", fired)
	}
	if fromGuest.ID != "203_0_113_9" || toUser.ID != "alice" {
		t.Fatalf("unexpected promote args: %+v -> %+v", fromGuest, toUser)
	}

	// every later request carries the same headers; none may re-fire
	for i := 0; i < 3; i++ {
		g.Authenticate("203_0_113_9", "alice")
	}
	if fired != 1 {
		t.Fatalf("promote fired again: %d", fired)
	}
}

func TestRegistryTracksGuestsIndependently(t *testing.T) {
	g := NewRegistry(nil)
	var promoted []string
	g.OnPromote(func(guest, user models.Owner) {
		promoted = append(promoted, guest.ID+">"+user.ID)
	})

	g.Authenticate("10_0_0_1", "alice")
	g.Authenticate("10_0_0_2", "bob")
	g.Authenticate("10_0_0_1", "alice")

	if len(promoted) != 2 {
		t.Fatalf("expected one promote per guest, got %v", promoted)
	}
	if promoted[0] != "10_0_0_1>alice" || promoted[1] != "10_0_0_2>bob" {
		t.Fatalf("unexpected promotions: %v", promoted)
	}
}

func TestRegistryWithoutGuestIsPlainUser(t *testing.T) {
	g := NewRegistry(nil)
	var fired int
	g.OnPromote(func(guest, user models.Owner) { fired++ })

	owner := g.Authenticate("", "alice")
	if owner.Kind != models.OwnerUser || owner.ID != "alice" {
		t.Fatalf("expected user:alice, got %+v", owner)
	}
	if fired != 0 {
		t.Fatalf("promote fired without a guest session")
	}
}

func TestResolverAdoptGuestSkipsLookup(t *testing.T) {
	r := NewResolver(nil)
	owner := r.AdoptGuest("192_0_2_4")
	if owner.Kind != models.OwnerGuest || owner.ID != "192_0_2_4" {
		t.Fatalf("expected guest:192_0_2_4, got %+v", owner)
	}
	// adoption resolves the session; a later adopt keeps the owner
	if again := r.AdoptGuest("192_0_2_5"); again != owner {
		t.Fatalf("adoption overwrote a resolved session: %+v", again)
	}
}
