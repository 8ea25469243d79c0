// Package memory is the saved-snaps archive. Unlike a snap, a memory
// never expires; it stays until its owner deletes it, and only the owner
// can see it.
package memory

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/emberchat/ember/internal/auth"
	"github.com/emberchat/ember/internal/snap"
	"github.com/emberchat/ember/internal/store"
)

// Collection holds one document per saved memory.
const Collection = "memories"

// Media kinds.
const (
	TypePhoto = "photo"
	TypeVideo = "video"
)

// ErrNotOwner is returned when someone else's memory is deleted.
var ErrNotOwner = errors.New("memory belongs to another user")

// Memory is one archived piece of media.
type Memory struct {
	ID         string
	UserID     string
	MediaURL   string
	MediaType  string
	Caption    string
	FromSnapID string // set when the memory was saved off a snap
	SavedAt    time.Time
}

// Service saves and lists memories.
type Service struct {
	st  store.Store
	now func() time.Time
}

// NewService creates a memory service on top of st.
func NewService(st store.Store) *Service {
	return &Service{st: st, now: time.Now}
}

// Save archives a piece of media for the signed-in user.
func (s *Service) Save(ctx context.Context, owner auth.Identity, mediaURL, mediaType, caption string) (Memory, error) {
	return s.save(ctx, owner, mediaURL, mediaType, caption, "")
}

// SaveSnap archives a snap before it disappears. The media and caption
// carry over; the snap's own lifecycle is untouched.
func (s *Service) SaveSnap(ctx context.Context, owner auth.Identity, sn snap.Snap) (Memory, error) {
	return s.save(ctx, owner, sn.MediaURL, TypePhoto, sn.Caption, sn.ID)
}

func (s *Service) save(ctx context.Context, owner auth.Identity, mediaURL, mediaType, caption, snapID string) (Memory, error) {
	if !owner.Valid() {
		return Memory{}, fmt.Errorf("save memory: no owner identity")
	}
	if mediaURL == "" {
		return Memory{}, fmt.Errorf("save memory: media is required")
	}
	if mediaType != TypeVideo {
		mediaType = TypePhoto
	}

	m := Memory{
		ID:         uuid.NewString(),
		UserID:     owner.UserID,
		MediaURL:   mediaURL,
		MediaType:  mediaType,
		Caption:    caption,
		FromSnapID: snapID,
		SavedAt:    s.now(),
	}
	if err := s.st.Set(ctx, Collection, m.ID, encodeMemory(m)); err != nil {
		return Memory{}, fmt.Errorf("store memory: %w", err)
	}
	log.Printf("MEMORY [%s]: saved %s for %s", m.ID, m.MediaType, m.UserID)
	return m, nil
}

// List returns the user's memories, newest first.
func (s *Service) List(ctx context.Context, userID string) ([]Memory, error) {
	docs, err := s.st.Query(ctx, Collection, "userId", userID)
	if err != nil {
		return nil, fmt.Errorf("list memories for %s: %w", userID, err)
	}
	out := make([]Memory, 0, len(docs))
	for _, doc := range docs {
		m, err := decodeMemory(doc)
		if err != nil {
			log.Printf("MEMORY: skipping undecodable memory %s: %v", doc.Key, err)
			continue
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SavedAt.After(out[j].SavedAt) })
	return out, nil
}

// Delete removes one memory forever. Only the owner may delete it.
func (s *Service) Delete(ctx context.Context, ownerID, memoryID string) error {
	doc, err := s.st.Get(ctx, Collection, memoryID)
	if err != nil {
		return err
	}
	if doc.String("userId") != ownerID {
		return ErrNotOwner
	}
	if err := s.st.Delete(ctx, Collection, memoryID); err != nil {
		return fmt.Errorf("delete memory %s: %w", memoryID, err)
	}
	return nil
}

func encodeMemory(m Memory) store.Fields {
	return store.Fields{
		"userId":     m.UserID,
		"mediaUrl":   m.MediaURL,
		"mediaType":  m.MediaType,
		"caption":    m.Caption,
		"fromSnapId": m.FromSnapID,
		"savedAt":    m.SavedAt.UTC().Format(time.RFC3339Nano),
	}
}

func decodeMemory(doc store.Document) (Memory, error) {
	saved, err := time.Parse(time.RFC3339Nano, doc.String("savedAt"))
	if err != nil {
		return Memory{}, fmt.Errorf("bad savedAt: %w", err)
	}
	return Memory{
		ID:         doc.Key,
		UserID:     doc.String("userId"),
		MediaURL:   doc.String("mediaUrl"),
		MediaType:  doc.String("mediaType"),
		Caption:    doc.String("caption"),
		FromSnapID: doc.String("fromSnapId"),
		SavedAt:    saved,
	}, nil
}
