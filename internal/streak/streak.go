// Package streak computes the reciprocal snap streak between two users.
// The engine itself is pure — state in, state out — and the Service wraps
// it in an atomic read-modify-write against the document store.
package streak

import (
	"sort"
	"time"
)

// Window boundaries, half-open: an interaction exactly 24h after the last
// one falls in the grace window, exactly 48h after it counts as lapsed.
const (
	sameDayWindow = 24 * time.Hour
	graceWindow   = 48 * time.Hour
)

// Record is the streak state for one unordered user pair.
type Record struct {
	Participants      [2]string `json:"users"`
	Count             int       `json:"count"`
	LastInteractionAt time.Time `json:"lastSnapAt"`
	LastSenderID      string    `json:"lastSnappedBy"`
	StartedAt         time.Time `json:"startedAt"`
}

// PairKey derives the stable streak document key for two users. The key is
// identical regardless of argument order.
func PairKey(a, b string) string {
	ids := []string{a, b}
	sort.Strings(ids)
	return ids[0] + "_" + ids[1]
}

// Apply produces the streak state after a send event. existing is nil on
// the first ever send between the pair.
//
// Policy: within 24h of the last interaction the count carries over
// unchanged (no double-increment on the same day); between 24h and 48h the
// count advances by one only when the new sender differs from the last one
// (reciprocity); at 48h or later the streak lapses and restarts at one.
// Timestamps and sender are always moved to the new event.
func Apply(existing *Record, senderID string, now time.Time) Record {
	if existing == nil {
		return Record{
			Count:             1,
			LastInteractionAt: now,
			LastSenderID:      senderID,
			StartedAt:         now,
		}
	}

	r := *existing
	since := now.Sub(r.LastInteractionAt)

	switch {
	case since < sameDayWindow:
		// Count unchanged.
	case since < graceWindow:
		if r.LastSenderID != senderID {
			r.Count++
		}
	default:
		// Lapsed — restart at one. StartedAt keeps the original creation
		// time; the record tracks the pair, not one unbroken run.
		r.Count = 1
	}

	r.LastInteractionAt = now
	r.LastSenderID = senderID
	return r
}
