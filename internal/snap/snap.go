// Package snap handles sending and viewing snaps. A snap is a one-shot
// media message: the recipient sees it once, then it is gone; unviewed
// snaps expire on their own after a day.
package snap

import (
	"context"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/emberchat/ember/internal/auth"
	"github.com/emberchat/ember/internal/store"
	"github.com/emberchat/ember/internal/streak"
)

// Collection holds one document per snap, keyed by a random ID.
const Collection = "snaps"

// TTL is how long an unviewed snap stays deliverable.
const TTL = 24 * time.Hour

// DefaultDisplay is the view duration used when the sender picks none.
const DefaultDisplay = 10 * time.Second

// Snap is one sent snap as stored.
type Snap struct {
	ID          string
	SenderID    string
	SenderName  string
	RecipientID string
	MediaURL    string
	Caption     string
	Display     time.Duration
	Viewed      bool
	StreakCount int
	CreatedAt   time.Time
}

// Expired reports whether the snap is past its delivery window at now.
func (s Snap) Expired(now time.Time) bool {
	return now.Sub(s.CreatedAt) >= TTL
}

// Service sends and lists snaps. Sending a snap is the qualifying
// interaction that advances the sender pair's streak.
type Service struct {
	st      store.Store
	streaks *streak.Service
	now     func() time.Time
}

// NewService creates a snap service. streaks may not be nil: every send
// goes through it.
func NewService(st store.Store, streaks *streak.Service) *Service {
	return &Service{st: st, streaks: streaks, now: time.Now}
}

// Send stores a snap from the signed-in user to a friend and advances
// their streak. The returned snap carries the streak count after this send.
func (s *Service) Send(ctx context.Context, from auth.Identity, toUserID, mediaURL, caption string, display time.Duration) (Snap, error) {
	if !from.Valid() {
		return Snap{}, fmt.Errorf("send snap: no sender identity")
	}
	if toUserID == "" || mediaURL == "" {
		return Snap{}, fmt.Errorf("send snap: recipient and media are required")
	}
	if display <= 0 {
		display = DefaultDisplay
	}
	now := s.now()

	rec, err := s.streaks.RecordSend(ctx, from.UserID, toUserID, now)
	if err != nil {
		return Snap{}, fmt.Errorf("advance streak: %w", err)
	}

	sn := Snap{
		ID:          uuid.NewString(),
		SenderID:    from.UserID,
		SenderName:  from.DisplayName,
		RecipientID: toUserID,
		MediaURL:    mediaURL,
		Caption:     caption,
		Display:     display,
		StreakCount: rec.Count,
		CreatedAt:   now,
	}
	if err := s.st.Set(ctx, Collection, sn.ID, encodeSnap(sn)); err != nil {
		return Snap{}, fmt.Errorf("store snap: %w", err)
	}

	log.Printf("SNAP [%s]: %s -> %s (streak %d)", sn.ID, sn.SenderID, sn.RecipientID, sn.StreakCount)
	return sn, nil
}

// MarkViewed flips the viewed flag. Viewing is one-way: a viewed snap
// never becomes unviewed again.
func (s *Service) MarkViewed(ctx context.Context, snapID string) error {
	if err := s.st.Update(ctx, Collection, snapID, store.Fields{"viewed": true}); err != nil {
		return fmt.Errorf("mark snap %s viewed: %w", snapID, err)
	}
	return nil
}

// Unviewed returns the user's deliverable inbox: unviewed, unexpired
// snaps addressed to them, oldest first.
func (s *Service) Unviewed(ctx context.Context, userID string) ([]Snap, error) {
	docs, err := s.st.Query(ctx, Collection, "recipientId", userID)
	if err != nil {
		return nil, fmt.Errorf("list snaps for %s: %w", userID, err)
	}

	now := s.now()
	var out []Snap
	for _, doc := range docs {
		sn, err := decodeSnap(doc)
		if err != nil {
			log.Printf("SNAP: skipping undecodable snap %s: %v", doc.Key, err)
			continue
		}
		if sn.Viewed || sn.Expired(now) {
			continue
		}
		out = append(out, sn)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func encodeSnap(sn Snap) store.Fields {
	return store.Fields{
		"senderId":    sn.SenderID,
		"senderName":  sn.SenderName,
		"recipientId": sn.RecipientID,
		"mediaUrl":    sn.MediaURL,
		"caption":     sn.Caption,
		"displaySec":  int(sn.Display / time.Second),
		"viewed":      sn.Viewed,
		"streakCount": sn.StreakCount,
		"createdAt":   sn.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
}

func decodeSnap(doc store.Document) (Snap, error) {
	sn := Snap{
		ID:          doc.Key,
		SenderID:    doc.String("senderId"),
		SenderName:  doc.String("senderName"),
		RecipientID: doc.String("recipientId"),
		MediaURL:    doc.String("mediaUrl"),
		Caption:     doc.String("caption"),
		Viewed:      doc.Bool("viewed"),
	}
	if sec, ok := doc.Fields["displaySec"].(float64); ok {
		sn.Display = time.Duration(sec) * time.Second
	}
	if n, ok := doc.Fields["streakCount"].(float64); ok {
		sn.StreakCount = int(n)
	}
	created, err := time.Parse(time.RFC3339Nano, doc.String("createdAt"))
	if err != nil {
		return Snap{}, fmt.Errorf("bad createdAt: %w", err)
	}
	sn.CreatedAt = created
	return sn, nil
}
