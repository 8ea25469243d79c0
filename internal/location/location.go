// Package location implements live location sharing. Each user owns one
// location document; ghost mode hides it from friends without deleting
// the last known position.
package location

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/emberchat/ember/internal/auth"
	"github.com/emberchat/ember/internal/store"
)

// Collection holds one document per user, keyed by user ID.
const Collection = "locations"

// Position is one user's shared location.
type Position struct {
	UserID    string
	Lat       float64
	Lng       float64
	Ghost     bool
	UpdatedAt time.Time
}

// Service publishes and watches shared locations.
type Service struct {
	st  store.Store
	now func() time.Time
}

// NewService creates a location service on top of st.
func NewService(st store.Store) *Service {
	return &Service{st: st, now: time.Now}
}

// Publish updates the signed-in user's position. Publishing while ghosted
// still records the position; it just stays hidden.
func (s *Service) Publish(ctx context.Context, from auth.Identity, lat, lng float64) error {
	if !from.Valid() {
		return fmt.Errorf("publish location: no identity")
	}
	if lat < -90 || lat > 90 || lng < -180 || lng > 180 {
		return fmt.Errorf("publish location: out of range (%f, %f)", lat, lng)
	}
	err := s.st.Set(ctx, Collection, from.UserID, store.Fields{
		"lat":       lat,
		"lng":       lng,
		"updatedAt": s.now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return fmt.Errorf("publish location: %w", err)
	}
	return nil
}

// SetGhostMode toggles visibility. The flag lives on the same document so
// one subscription carries both position and visibility changes.
func (s *Service) SetGhostMode(ctx context.Context, from auth.Identity, on bool) error {
	if !from.Valid() {
		return fmt.Errorf("ghost mode: no identity")
	}
	if err := s.st.Set(ctx, Collection, from.UserID, store.Fields{"ghostMode": on}); err != nil {
		return fmt.Errorf("ghost mode: %w", err)
	}
	log.Printf("LOCATION [%s]: ghost mode %v", from.UserID, on)
	return nil
}

// Get returns a user's visible position. A ghosted or unknown user
// reports not-found=false.
func (s *Service) Get(ctx context.Context, userID string) (Position, bool, error) {
	doc, err := s.st.Get(ctx, Collection, userID)
	if err == store.ErrNotFound {
		return Position{}, false, nil
	}
	if err != nil {
		return Position{}, false, err
	}
	// Ghosted users are invisible whether or not a position was ever
	// published, so check the flag before decoding.
	if doc.Bool("ghostMode") {
		return Position{}, false, nil
	}
	pos, err := decodePosition(doc)
	if err != nil {
		return Position{}, false, err
	}
	return pos, true, nil
}

// Watch streams position updates from a fixed set of friends. Updates
// from ghosted friends are withheld; a friend turning ghost mode on is
// delivered once as a final Ghost=true position so the map can drop them.
func (s *Service) Watch(ctx context.Context, friendIDs []string) (<-chan Position, func()) {
	watched := make(map[string]bool, len(friendIDs))
	for _, id := range friendIDs {
		watched[id] = true
	}

	sub, cancel := s.st.SubscribeCollection(ctx, Collection)
	out := make(chan Position, 16)

	go func() {
		defer close(out)
		visible := make(map[string]bool)
		for doc := range sub {
			if !doc.Exists || !watched[doc.Key] {
				continue
			}
			pos, err := decodePosition(doc)
			if err != nil {
				log.Printf("LOCATION: skipping undecodable position %s: %v", doc.Key, err)
				continue
			}
			if pos.Ghost {
				if !visible[pos.UserID] {
					continue
				}
				visible[pos.UserID] = false
			} else {
				visible[pos.UserID] = true
			}
			select {
			case out <- pos:
			default:
			}
		}
	}()
	return out, cancel
}

func decodePosition(doc store.Document) (Position, error) {
	pos := Position{
		UserID: doc.Key,
		Ghost:  doc.Bool("ghostMode"),
	}
	var ok bool
	if pos.Lat, ok = doc.Fields["lat"].(float64); !ok {
		return Position{}, fmt.Errorf("missing lat")
	}
	if pos.Lng, ok = doc.Fields["lng"].(float64); !ok {
		return Position{}, fmt.Errorf("missing lng")
	}
	if at := doc.String("updatedAt"); at != "" {
		t, err := time.Parse(time.RFC3339Nano, at)
		if err != nil {
			return Position{}, fmt.Errorf("bad updatedAt: %w", err)
		}
		pos.UpdatedAt = t
	}
	return pos, nil
}
