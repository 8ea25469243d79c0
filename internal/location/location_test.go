package location

import (
	"context"
	"testing"
	"time"

	"github.com/emberchat/ember/internal/auth"
	"github.com/emberchat/ember/internal/store"
)

var (
	alice = auth.Identity{UserID: "alice", DisplayName: "Alice"}
	bob   = auth.Identity{UserID: "bob", DisplayName: "Bob"}
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	st, err := store.OpenLocal(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })
	return NewService(st)
}

func TestPublishAndGet(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	if err := svc.Publish(ctx, alice, 52.37, 4.89); err != nil {
		t.Fatal(err)
	}
	pos, ok, err := svc.Get(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if !ok || pos.Lat != 52.37 || pos.Lng != 4.89 {
		t.Fatalf("pos = %+v ok=%v", pos, ok)
	}

	if _, ok, _ := svc.Get(ctx, "nobody"); ok {
		t.Fatal("unknown user has a position")
	}
}

func TestPublishValidation(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	if err := svc.Publish(ctx, auth.Identity{}, 0, 0); err == nil {
		t.Fatal("anonymous publish accepted")
	}
	if err := svc.Publish(ctx, alice, 91, 0); err == nil {
		t.Fatal("latitude out of range accepted")
	}
	if err := svc.Publish(ctx, alice, 0, -181); err == nil {
		t.Fatal("longitude out of range accepted")
	}
}

func TestGhostModeHidesPosition(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	svc.Publish(ctx, alice, 52.37, 4.89)
	if err := svc.SetGhostMode(ctx, alice, true); err != nil {
		t.Fatal(err)
	}
	if _, ok, err := svc.Get(ctx, "alice"); err != nil || ok {
		t.Fatalf("ghosted position visible (ok=%v err=%v)", ok, err)
	}

	// Turning ghost mode off restores the last known position.
	if err := svc.SetGhostMode(ctx, alice, false); err != nil {
		t.Fatal(err)
	}
	pos, ok, err := svc.Get(ctx, "alice")
	if err != nil || !ok {
		t.Fatalf("position not restored (ok=%v err=%v)", ok, err)
	}
	if pos.Lat != 52.37 {
		t.Fatalf("lat = %f", pos.Lat)
	}
}

func TestGhostModeWithoutPosition(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	if err := svc.SetGhostMode(ctx, alice, true); err != nil {
		t.Fatal(err)
	}
	if _, ok, err := svc.Get(ctx, "alice"); err != nil || ok {
		t.Fatalf("ok=%v err=%v", ok, err)
	}
}

func TestWatchFiltersFriendsAndGhosts(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	sub, cancel := svc.Watch(ctx, []string{"alice"})
	defer cancel()

	svc.Publish(ctx, alice, 52.0, 4.0)
	svc.Publish(ctx, bob, 48.8, 2.3) // not watched

	select {
	case pos := <-sub:
		if pos.UserID != "alice" || pos.Lat != 52.0 {
			t.Fatalf("pos = %+v", pos)
		}
	case <-time.After(time.Second):
		t.Fatal("no position delivered")
	}

	// Ghosting delivers one final Ghost=true update, then silence.
	svc.SetGhostMode(ctx, alice, true)
	select {
	case pos := <-sub:
		if !pos.Ghost {
			t.Fatalf("expected ghost notice, got %+v", pos)
		}
	case <-time.After(time.Second):
		t.Fatal("no ghost notice delivered")
	}

	svc.Publish(ctx, alice, 53.0, 5.0)
	select {
	case pos := <-sub:
		t.Fatalf("ghosted update leaked: %+v", pos)
	case <-time.After(50 * time.Millisecond):
	}
}
