package streak

import (
	"context"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/emberchat/ember/internal/store"
)

// Collection is the document collection holding one record per user pair.
const Collection = "streaks"

// Service applies send events to streak records in the document store.
//
// Concurrency policy: both participants can send within the same instant,
// each performing a read-modify-write of the shared record. The service
// uses the store's atomic Txn (revision-checked on the remote backend), so
// neither write clobbers the other — this is a deliberate choice over
// last-write-wins.
type Service struct {
	st store.Store
}

// NewService creates a streak service on top of st.
func NewService(st store.Store) *Service {
	return &Service{st: st}
}

// RecordSend applies one qualifying send from senderID to friendID at now
// and returns the resulting record.
func (s *Service) RecordSend(ctx context.Context, senderID, friendID string, now time.Time) (Record, error) {
	key := PairKey(senderID, friendID)
	var out Record

	err := s.st.Txn(ctx, Collection, key, func(doc store.Document) (store.Fields, error) {
		var prev *Record
		if doc.Exists {
			r, err := decodeRecord(doc)
			if err != nil {
				return nil, fmt.Errorf("streak %s: %w", key, err)
			}
			prev = &r
		}

		out = Apply(prev, senderID, now)
		out.Participants = pairOf(senderID, friendID)
		return encodeRecord(out), nil
	})
	if err != nil {
		return Record{}, err
	}

	log.Printf("STREAK: %s count=%d lastBy=%s", key, out.Count, out.LastSenderID)
	return out, nil
}

// Get returns the current streak record for a pair, or false if none exists.
func (s *Service) Get(ctx context.Context, a, b string) (Record, bool, error) {
	doc, err := s.st.Get(ctx, Collection, PairKey(a, b))
	if err == store.ErrNotFound {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, err
	}
	r, err := decodeRecord(doc)
	if err != nil {
		return Record{}, false, err
	}
	return r, true, nil
}

func pairOf(a, b string) [2]string {
	ids := []string{a, b}
	sort.Strings(ids)
	return [2]string{ids[0], ids[1]}
}

func encodeRecord(r Record) store.Fields {
	return store.Fields{
		"users":         []any{r.Participants[0], r.Participants[1]},
		"count":         r.Count,
		"lastSnapAt":    r.LastInteractionAt.UTC().Format(time.RFC3339Nano),
		"lastSnappedBy": r.LastSenderID,
		"startedAt":     r.StartedAt.UTC().Format(time.RFC3339Nano),
	}
}

func decodeRecord(doc store.Document) (Record, error) {
	var r Record

	if users, ok := doc.Fields["users"].([]any); ok && len(users) == 2 {
		r.Participants[0], _ = users[0].(string)
		r.Participants[1], _ = users[1].(string)
	}
	if n, ok := doc.Fields["count"].(float64); ok {
		r.Count = int(n)
	} else if n, ok := doc.Fields["count"].(int); ok {
		r.Count = n
	}
	r.LastSenderID = doc.String("lastSnappedBy")

	var err error
	if r.LastInteractionAt, err = parseTime(doc.String("lastSnapAt")); err != nil {
		return Record{}, fmt.Errorf("bad lastSnapAt: %w", err)
	}
	if r.StartedAt, err = parseTime(doc.String("startedAt")); err != nil {
		return Record{}, fmt.Errorf("bad startedAt: %w", err)
	}
	return r, nil
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}
