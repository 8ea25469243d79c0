package friends

import (
	"context"
	"errors"
	"testing"

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

func TestRequestLifecycle(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	req, err := svc.SendRequest(ctx, alice, "bob")
	if err != nil {
		t.Fatal(err)
	}

	pending, err := svc.Pending(ctx, "bob")
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 || pending[0].FromID != "alice" {
		t.Fatalf("pending = %+v", pending)
	}

	if err := svc.Accept(ctx, req.ID); err != nil {
		t.Fatal(err)
	}

	// Friendship lands on both rosters.
	for _, pair := range [][2]string{{"alice", "bob"}, {"bob", "alice"}} {
		ok, err := svc.AreFriends(ctx, pair[0], pair[1])
		if err != nil {
			t.Fatal(err)
		}
		if !ok {
			t.Fatalf("%s does not list %s", pair[0], pair[1])
		}
	}

	if pending, _ := svc.Pending(ctx, "bob"); len(pending) != 0 {
		t.Fatal("accepted request still pending")
	}
}

func TestAcceptTwice(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	req, err := svc.SendRequest(ctx, alice, "bob")
	if err != nil {
		t.Fatal(err)
	}
	if err := svc.Accept(ctx, req.ID); err != nil {
		t.Fatal(err)
	}
	if err := svc.Accept(ctx, req.ID); !errors.Is(err, ErrAlreadyResolved) {
		t.Fatalf("second accept: err = %v", err)
	}
	// The double accept must not duplicate roster entries.
	list, err := svc.FriendsOf(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 {
		t.Fatalf("alice's roster = %v", list)
	}
}

func TestDecline(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	req, err := svc.SendRequest(ctx, alice, "bob")
	if err != nil {
		t.Fatal(err)
	}
	if err := svc.Decline(ctx, req.ID); err != nil {
		t.Fatal(err)
	}
	if ok, _ := svc.AreFriends(ctx, "alice", "bob"); ok {
		t.Fatal("declined request created a friendship")
	}
	// Declined means the pair can try again later.
	if _, err := svc.SendRequest(ctx, bob, "alice"); err != nil {
		t.Fatalf("re-request after decline: %v", err)
	}
}

func TestDuplicateRequests(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	if _, err := svc.SendRequest(ctx, alice, "bob"); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.SendRequest(ctx, alice, "bob"); !errors.Is(err, ErrDuplicateRequest) {
		t.Fatalf("same-direction duplicate: err = %v", err)
	}
	// The reverse direction is the same pending pair.
	if _, err := svc.SendRequest(ctx, bob, "alice"); !errors.Is(err, ErrDuplicateRequest) {
		t.Fatalf("reverse duplicate: err = %v", err)
	}
}

func TestRequestValidation(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	if _, err := svc.SendRequest(ctx, auth.Identity{}, "bob"); err == nil {
		t.Fatal("anonymous request accepted")
	}
	if _, err := svc.SendRequest(ctx, alice, "alice"); err == nil {
		t.Fatal("self-request accepted")
	}

	req, _ := svc.SendRequest(ctx, alice, "bob")
	svc.Accept(ctx, req.ID)
	if _, err := svc.SendRequest(ctx, alice, "bob"); err == nil {
		t.Fatal("request to an existing friend accepted")
	}
}
