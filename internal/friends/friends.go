// Package friends manages the roster: friend requests and the per-user
// friends list. A request moves pending -> accepted/declined exactly once;
// accepting writes both sides of the friendship.
package friends

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/emberchat/ember/internal/auth"
	"github.com/emberchat/ember/internal/store"
)

const (
	// RequestsCollection holds one document per friend request.
	RequestsCollection = "friendRequests"
	// UsersCollection holds the per-user roster document.
	UsersCollection = "users"
)

// Request statuses.
const (
	StatusPending  = "pending"
	StatusAccepted = "accepted"
	StatusDeclined = "declined"
)

// ErrAlreadyResolved is returned when accepting or declining a request
// that is no longer pending.
var ErrAlreadyResolved = errors.New("friend request already resolved")

// ErrDuplicateRequest is returned when a pending request between the same
// pair already exists (in either direction).
var ErrDuplicateRequest = errors.New("friend request already pending")

// Request is one friend request.
type Request struct {
	ID        string
	FromID    string
	FromName  string
	ToID      string
	Status    string
	CreatedAt time.Time
}

// Service manages requests and friends lists.
type Service struct {
	st  store.Store
	now func() time.Time
}

// NewService creates a friends service on top of st.
func NewService(st store.Store) *Service {
	return &Service{st: st, now: time.Now}
}

// SendRequest creates a pending request from the signed-in user. Sending
// to an existing friend or duplicating a pending request is rejected.
func (s *Service) SendRequest(ctx context.Context, from auth.Identity, toUserID string) (Request, error) {
	if !from.Valid() {
		return Request{}, fmt.Errorf("friend request: no identity")
	}
	if toUserID == "" || toUserID == from.UserID {
		return Request{}, fmt.Errorf("friend request: bad recipient %q", toUserID)
	}

	already, err := s.AreFriends(ctx, from.UserID, toUserID)
	if err != nil {
		return Request{}, err
	}
	if already {
		return Request{}, fmt.Errorf("friend request: %s and %s are already friends", from.UserID, toUserID)
	}
	if dup, err := s.pendingBetween(ctx, from.UserID, toUserID); err != nil {
		return Request{}, err
	} else if dup {
		return Request{}, ErrDuplicateRequest
	}

	req := Request{
		ID:        uuid.NewString(),
		FromID:    from.UserID,
		FromName:  from.DisplayName,
		ToID:      toUserID,
		Status:    StatusPending,
		CreatedAt: s.now(),
	}
	if err := s.st.Set(ctx, RequestsCollection, req.ID, store.Fields{
		"fromUserId": req.FromID,
		"fromName":   req.FromName,
		"toUserId":   req.ToID,
		"status":     req.Status,
		"createdAt":  req.CreatedAt.UTC().Format(time.RFC3339Nano),
	}); err != nil {
		return Request{}, fmt.Errorf("store friend request: %w", err)
	}
	log.Printf("FRIENDS: request %s -> %s", req.FromID, req.ToID)
	return req, nil
}

// Accept resolves a pending request and writes the friendship on both
// users' roster documents.
func (s *Service) Accept(ctx context.Context, requestID string) error {
	var fromID, toID string
	err := s.st.Txn(ctx, RequestsCollection, requestID, func(doc store.Document) (store.Fields, error) {
		if !doc.Exists {
			return nil, store.ErrNotFound
		}
		if doc.String("status") != StatusPending {
			return nil, ErrAlreadyResolved
		}
		fromID = doc.String("fromUserId")
		toID = doc.String("toUserId")
		return store.Fields{"status": StatusAccepted}, nil
	})
	if err != nil {
		return fmt.Errorf("accept request %s: %w", requestID, err)
	}

	if err := s.addFriend(ctx, fromID, toID); err != nil {
		return err
	}
	if err := s.addFriend(ctx, toID, fromID); err != nil {
		return err
	}
	log.Printf("FRIENDS: %s and %s are now friends", fromID, toID)
	return nil
}

// Decline resolves a pending request without creating a friendship.
func (s *Service) Decline(ctx context.Context, requestID string) error {
	err := s.st.Txn(ctx, RequestsCollection, requestID, func(doc store.Document) (store.Fields, error) {
		if !doc.Exists {
			return nil, store.ErrNotFound
		}
		if doc.String("status") != StatusPending {
			return nil, ErrAlreadyResolved
		}
		return store.Fields{"status": StatusDeclined}, nil
	})
	if err != nil {
		return fmt.Errorf("decline request %s: %w", requestID, err)
	}
	return nil
}

// Pending returns the requests waiting on a user, oldest first.
func (s *Service) Pending(ctx context.Context, userID string) ([]Request, error) {
	docs, err := s.st.Query(ctx, RequestsCollection, "toUserId", userID)
	if err != nil {
		return nil, fmt.Errorf("list requests for %s: %w", userID, err)
	}
	var out []Request
	for _, doc := range docs {
		req, err := decodeRequest(doc)
		if err != nil {
			log.Printf("FRIENDS: skipping undecodable request %s: %v", doc.Key, err)
			continue
		}
		if req.Status != StatusPending {
			continue
		}
		out = append(out, req)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// FriendsOf returns a user's friends list.
func (s *Service) FriendsOf(ctx context.Context, userID string) ([]string, error) {
	doc, err := s.st.Get(ctx, UsersCollection, userID)
	if err == store.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("roster for %s: %w", userID, err)
	}
	return friendList(doc), nil
}

// AreFriends reports whether the pair is on each other's roster.
func (s *Service) AreFriends(ctx context.Context, a, b string) (bool, error) {
	list, err := s.FriendsOf(ctx, a)
	if err != nil {
		return false, err
	}
	for _, id := range list {
		if id == b {
			return true, nil
		}
	}
	return false, nil
}

// addFriend appends friendID to userID's roster document, deduplicated.
func (s *Service) addFriend(ctx context.Context, userID, friendID string) error {
	err := s.st.Txn(ctx, UsersCollection, userID, func(doc store.Document) (store.Fields, error) {
		existing, _ := doc.Fields["friends"].([]any)
		for _, v := range existing {
			if v == friendID {
				return nil, nil
			}
		}
		return store.Fields{"friends": append(existing, friendID)}, nil
	})
	if err != nil {
		return fmt.Errorf("add %s to %s's roster: %w", friendID, userID, err)
	}
	return nil
}

// pendingBetween reports whether a pending request exists between a and b
// in either direction.
func (s *Service) pendingBetween(ctx context.Context, a, b string) (bool, error) {
	for _, pair := range [][2]string{{a, b}, {b, a}} {
		docs, err := s.st.Query(ctx, RequestsCollection, "fromUserId", pair[0])
		if err != nil {
			return false, err
		}
		for _, doc := range docs {
			if doc.String("toUserId") == pair[1] && doc.String("status") == StatusPending {
				return true, nil
			}
		}
	}
	return false, nil
}

func decodeRequest(doc store.Document) (Request, error) {
	created, err := time.Parse(time.RFC3339Nano, doc.String("createdAt"))
	if err != nil {
		return Request{}, fmt.Errorf("bad createdAt: %w", err)
	}
	return Request{
		ID:        doc.Key,
		FromID:    doc.String("fromUserId"),
		FromName:  doc.String("fromName"),
		ToID:      doc.String("toUserId"),
		Status:    doc.String("status"),
		CreatedAt: created,
	}, nil
}

func friendList(doc store.Document) []string {
	raw, _ := doc.Fields["friends"].([]any)
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if id, ok := v.(string); ok {
			out = append(out, id)
		}
	}
	return out
}
