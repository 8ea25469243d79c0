package snap

import (
	"context"
	"testing"
	"time"

	"github.com/emberchat/ember/internal/auth"
	"github.com/emberchat/ember/internal/store"
	"github.com/emberchat/ember/internal/streak"
)

func newTestService(t *testing.T) (*Service, *store.Local) {
	t.Helper()
	st, err := store.OpenLocal(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })
	return NewService(st, streak.NewService(st)), st
}

var alice = auth.Identity{UserID: "alice", DisplayName: "Alice"}

func TestSendAdvancesStreak(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	sn, err := svc.Send(ctx, alice, "bob", "file:///snap1.jpg", "hi", 0)
	if err != nil {
		t.Fatal(err)
	}
	if sn.StreakCount != 1 {
		t.Fatalf("first send streak = %d", sn.StreakCount)
	}
	if sn.Display != DefaultDisplay {
		t.Fatalf("display = %v, want default", sn.Display)
	}

	// A second send the same day keeps the streak where it is.
	sn2, err := svc.Send(ctx, alice, "bob", "file:///snap2.jpg", "", 5*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if sn2.StreakCount != 1 {
		t.Fatalf("same-day resend streak = %d", sn2.StreakCount)
	}

	rec, ok, err := streak.NewService(st).Get(ctx, "alice", "bob")
	if err != nil || !ok {
		t.Fatalf("streak record missing: %v", err)
	}
	if rec.LastSenderID != "alice" {
		t.Fatalf("lastSenderID = %q", rec.LastSenderID)
	}
}

func TestUnviewedInbox(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	first, err := svc.Send(ctx, alice, "bob", "file:///1.jpg", "", 0)
	if err != nil {
		t.Fatal(err)
	}
	second, err := svc.Send(ctx, alice, "bob", "file:///2.jpg", "", 0)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Send(ctx, alice, "carol", "file:///3.jpg", "", 0); err != nil {
		t.Fatal(err)
	}

	inbox, err := svc.Unviewed(ctx, "bob")
	if err != nil {
		t.Fatal(err)
	}
	if len(inbox) != 2 {
		t.Fatalf("bob's inbox has %d snaps, want 2", len(inbox))
	}

	if err := svc.MarkViewed(ctx, first.ID); err != nil {
		t.Fatal(err)
	}
	inbox, err = svc.Unviewed(ctx, "bob")
	if err != nil {
		t.Fatal(err)
	}
	if len(inbox) != 1 || inbox[0].ID != second.ID {
		t.Fatalf("inbox after viewing = %+v", inbox)
	}
}

func TestExpiredSnapsAreDropped(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return base }
	if _, err := svc.Send(ctx, alice, "bob", "file:///old.jpg", "", 0); err != nil {
		t.Fatal(err)
	}

	svc.now = func() time.Time { return base.Add(TTL) }
	inbox, err := svc.Unviewed(ctx, "bob")
	if err != nil {
		t.Fatal(err)
	}
	if len(inbox) != 0 {
		t.Fatalf("expired snap still delivered: %+v", inbox)
	}
}

func TestSendValidation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	if _, err := svc.Send(ctx, auth.Identity{}, "bob", "file:///x.jpg", "", 0); err == nil {
		t.Fatal("send without identity accepted")
	}
	if _, err := svc.Send(ctx, alice, "", "file:///x.jpg", "", 0); err == nil {
		t.Fatal("send without recipient accepted")
	}
	if _, err := svc.Send(ctx, alice, "bob", "", "", 0); err == nil {
		t.Fatal("send without media accepted")
	}
}
