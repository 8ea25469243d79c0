// Package story implements 24-hour stories: media a user posts to all
// their friends, visible until it expires, with a per-story view list.
package story

import (
	"context"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/emberchat/ember/internal/auth"
	"github.com/emberchat/ember/internal/store"
)

// Collection holds one document per posted story.
const Collection = "stories"

// TTL is how long a story stays visible after posting.
const TTL = 24 * time.Hour

// Story is one posted story.
type Story struct {
	ID        string
	UserID    string
	UserName  string
	MediaURL  string
	Caption   string
	CreatedAt time.Time
	ExpiresAt time.Time
	Views     []string // viewer user IDs, in first-view order
}

// Expired reports whether the story is past its window at now.
func (s Story) Expired(now time.Time) bool { return !now.Before(s.ExpiresAt) }

// Service posts and lists stories.
type Service struct {
	st  store.Store
	now func() time.Time
}

// NewService creates a story service on top of st.
func NewService(st store.Store) *Service {
	return &Service{st: st, now: time.Now}
}

// Post publishes a story for the signed-in user.
func (s *Service) Post(ctx context.Context, from auth.Identity, mediaURL, caption string) (Story, error) {
	if !from.Valid() {
		return Story{}, fmt.Errorf("post story: no identity")
	}
	if mediaURL == "" {
		return Story{}, fmt.Errorf("post story: media is required")
	}
	now := s.now()

	st := Story{
		ID:        uuid.NewString(),
		UserID:    from.UserID,
		UserName:  from.DisplayName,
		MediaURL:  mediaURL,
		Caption:   caption,
		CreatedAt: now,
		ExpiresAt: now.Add(TTL),
	}
	if err := s.st.Set(ctx, Collection, st.ID, store.Fields{
		"userId":    st.UserID,
		"userName":  st.UserName,
		"mediaUrl":  st.MediaURL,
		"caption":   st.Caption,
		"createdAt": st.CreatedAt.UTC().Format(time.RFC3339Nano),
		"expiresAt": st.ExpiresAt.UTC().Format(time.RFC3339Nano),
		"views":     []any{},
	}); err != nil {
		return Story{}, fmt.Errorf("store story: %w", err)
	}
	log.Printf("STORY [%s]: posted by %s", st.ID, st.UserID)
	return st, nil
}

// Visible returns a user's unexpired stories, newest first.
func (s *Service) Visible(ctx context.Context, userID string) ([]Story, error) {
	docs, err := s.st.Query(ctx, Collection, "userId", userID)
	if err != nil {
		return nil, fmt.Errorf("list stories for %s: %w", userID, err)
	}
	now := s.now()
	var out []Story
	for _, doc := range docs {
		st, err := decodeStory(doc)
		if err != nil {
			log.Printf("STORY: skipping undecodable story %s: %v", doc.Key, err)
			continue
		}
		if st.Expired(now) {
			continue
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// RecordView adds a viewer to the story's view list once. A repeat view
// by the same user changes nothing.
func (s *Service) RecordView(ctx context.Context, storyID, viewerID string) error {
	err := s.st.Txn(ctx, Collection, storyID, func(doc store.Document) (store.Fields, error) {
		if !doc.Exists {
			return nil, store.ErrNotFound
		}
		views, _ := doc.Fields["views"].([]any)
		for _, v := range views {
			if v == viewerID {
				return nil, nil // already counted
			}
		}
		return store.Fields{"views": append(views, viewerID)}, nil
	})
	if err != nil {
		return fmt.Errorf("record view %s by %s: %w", storyID, viewerID, err)
	}
	return nil
}

func decodeStory(doc store.Document) (Story, error) {
	st := Story{
		ID:       doc.Key,
		UserID:   doc.String("userId"),
		UserName: doc.String("userName"),
		MediaURL: doc.String("mediaUrl"),
		Caption:  doc.String("caption"),
	}
	var err error
	if st.CreatedAt, err = time.Parse(time.RFC3339Nano, doc.String("createdAt")); err != nil {
		return Story{}, fmt.Errorf("bad createdAt: %w", err)
	}
	if st.ExpiresAt, err = time.Parse(time.RFC3339Nano, doc.String("expiresAt")); err != nil {
		return Story{}, fmt.Errorf("bad expiresAt: %w", err)
	}
	if views, ok := doc.Fields["views"].([]any); ok {
		for _, v := range views {
			if id, ok := v.(string); ok {
				st.Views = append(st.Views, id)
			}
		}
	}
	return st, nil
}
