// Package group implements named multi-member conversations. A group is
// one document carrying the roster; messages live in their own collection
// addressed by group ID. Membership is mirrored into per-member documents
// so "groups of a user" stays a plain equality query.
package group

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/emberchat/ember/internal/auth"
	"github.com/emberchat/ember/internal/store"
)

const (
	// Collection holds one document per group.
	Collection = "groups"
	// MessagesCollection holds one document per group message.
	MessagesCollection = "groupMessages"
	// MembersCollection mirrors the roster: one document per (group, member).
	MembersCollection = "groupMembers"

	// DefaultEmoji is the group icon used when the creator picks none.
	DefaultEmoji = "👥"
)

var (
	// ErrNotMember is returned when a non-member acts on a group.
	ErrNotMember = errors.New("not a group member")
	// ErrNotAdmin is returned when a roster change needs admin rights.
	ErrNotAdmin = errors.New("not a group admin")
)

// Group is the roster document.
type Group struct {
	ID            string
	Name          string
	Emoji         string
	Members       []string
	Admins        []string
	CreatedBy     string
	CreatedAt     time.Time
	LastMessage   string
	LastSenderID  string
	LastMessageAt time.Time
}

// IsMember reports whether userID is on the roster.
func (g Group) IsMember(userID string) bool { return contains(g.Members, userID) }

// IsAdmin reports whether userID may change the roster.
func (g Group) IsAdmin(userID string) bool { return contains(g.Admins, userID) }

// Message is one message sent into a group.
type Message struct {
	ID         string
	GroupID    string
	SenderID   string
	SenderName string
	Text       string
	CreatedAt  time.Time
}

// Service creates groups and routes messages into them.
type Service struct {
	st  store.Store
	now func() time.Time
}

// NewService creates a group service on top of st.
func NewService(st store.Store) *Service {
	return &Service{st: st, now: time.Now}
}

// Create starts a new group. The creator becomes the first member and the
// only admin; at least one other member is required.
func (s *Service) Create(ctx context.Context, from auth.Identity, name, emoji string, memberIDs []string) (Group, error) {
	if !from.Valid() {
		return Group{}, fmt.Errorf("create group: no creator identity")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return Group{}, fmt.Errorf("create group: name is required")
	}
	if emoji == "" {
		emoji = DefaultEmoji
	}

	members := []string{from.UserID}
	for _, id := range memberIDs {
		if id != "" && !contains(members, id) {
			members = append(members, id)
		}
	}
	if len(members) < 2 {
		return Group{}, fmt.Errorf("create group: at least one other member is required")
	}

	g := Group{
		ID:        uuid.NewString(),
		Name:      name,
		Emoji:     emoji,
		Members:   members,
		Admins:    []string{from.UserID},
		CreatedBy: from.UserID,
		CreatedAt: s.now(),
	}
	if err := s.st.Set(ctx, Collection, g.ID, encodeGroup(g)); err != nil {
		return Group{}, fmt.Errorf("store group: %w", err)
	}
	for _, id := range members {
		s.writeMemberDoc(ctx, g.ID, id)
	}

	log.Printf("GROUP [%s]: %q created by %s with %d members", g.ID, g.Name, g.CreatedBy, len(members))
	return g, nil
}

// AddMember puts a user on the roster. Only admins may do this; adding an
// existing member is a no-op.
func (s *Service) AddMember(ctx context.Context, groupID, byUserID, newUserID string) error {
	if newUserID == "" {
		return fmt.Errorf("add member: empty user ID")
	}
	err := s.st.Txn(ctx, Collection, groupID, func(doc store.Document) (store.Fields, error) {
		if !doc.Exists {
			return nil, store.ErrNotFound
		}
		g := decodeGroup(doc)
		if !g.IsAdmin(byUserID) {
			return nil, ErrNotAdmin
		}
		if g.IsMember(newUserID) {
			return nil, nil
		}
		return store.Fields{"members": toAny(append(g.Members, newUserID))}, nil
	})
	if err != nil {
		return fmt.Errorf("add member to %s: %w", groupID, err)
	}
	s.writeMemberDoc(ctx, groupID, newUserID)
	return nil
}

// Leave takes a user off the roster; their messages stay. The last member
// leaving deletes the group.
func (s *Service) Leave(ctx context.Context, groupID, userID string) error {
	var remaining int
	err := s.st.Txn(ctx, Collection, groupID, func(doc store.Document) (store.Fields, error) {
		if !doc.Exists {
			return nil, store.ErrNotFound
		}
		g := decodeGroup(doc)
		if !g.IsMember(userID) {
			return nil, ErrNotMember
		}
		members := remove(g.Members, userID)
		remaining = len(members)
		return store.Fields{
			"members": toAny(members),
			"admins":  toAny(remove(g.Admins, userID)),
		}, nil
	})
	if err != nil {
		return fmt.Errorf("leave group %s: %w", groupID, err)
	}
	if err := s.st.Delete(ctx, MembersCollection, memberKey(groupID, userID)); err != nil {
		log.Printf("GROUP [%s]: member doc cleanup failed: %v", groupID, err)
	}
	if remaining == 0 {
		if err := s.st.Delete(ctx, Collection, groupID); err != nil {
			log.Printf("GROUP [%s]: empty group cleanup failed: %v", groupID, err)
		}
	}
	return nil
}

// Get returns one group by ID.
func (s *Service) Get(ctx context.Context, groupID string) (Group, error) {
	doc, err := s.st.Get(ctx, Collection, groupID)
	if err != nil {
		return Group{}, err
	}
	return decodeGroup(doc), nil
}

// Of returns every group the user belongs to, most recently active first.
func (s *Service) Of(ctx context.Context, userID string) ([]Group, error) {
	docs, err := s.st.Query(ctx, MembersCollection, "userId", userID)
	if err != nil {
		return nil, fmt.Errorf("list groups of %s: %w", userID, err)
	}
	var out []Group
	for _, doc := range docs {
		g, err := s.Get(ctx, doc.String("groupId"))
		if err != nil {
			// Roster mirror can outlive a deleted group.
			continue
		}
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].LastMessageAt, out[j].LastMessageAt
		if a.IsZero() {
			a = out[i].CreatedAt
		}
		if b.IsZero() {
			b = out[j].CreatedAt
		}
		return a.After(b)
	})
	return out, nil
}

// Send stores one message into a group the sender belongs to and refreshes
// the group's last-message summary.
func (s *Service) Send(ctx context.Context, from auth.Identity, groupID, text string) (Message, error) {
	if !from.Valid() {
		return Message{}, fmt.Errorf("send group message: no sender identity")
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return Message{}, fmt.Errorf("send group message: text is required")
	}

	g, err := s.Get(ctx, groupID)
	if err != nil {
		return Message{}, fmt.Errorf("send to group %s: %w", groupID, err)
	}
	if !g.IsMember(from.UserID) {
		return Message{}, ErrNotMember
	}

	msg := Message{
		ID:         uuid.NewString(),
		GroupID:    groupID,
		SenderID:   from.UserID,
		SenderName: from.DisplayName,
		Text:       text,
		CreatedAt:  s.now(),
	}
	if err := s.st.Set(ctx, MessagesCollection, msg.ID, encodeMessage(msg)); err != nil {
		return Message{}, fmt.Errorf("store group message: %w", err)
	}
	if err := s.st.Update(ctx, Collection, groupID, store.Fields{
		"lastMessage":   msg.Text,
		"lastSenderId":  msg.SenderID,
		"lastMessageAt": msg.CreatedAt.UTC().Format(time.RFC3339Nano),
	}); err != nil {
		// The message landed; a stale summary heals on the next send.
		log.Printf("GROUP [%s]: summary write failed: %v", groupID, err)
	}
	return msg, nil
}

// Messages returns the full history of a group, oldest first.
func (s *Service) Messages(ctx context.Context, groupID string) ([]Message, error) {
	docs, err := s.st.Query(ctx, MessagesCollection, "groupId", groupID)
	if err != nil {
		return nil, fmt.Errorf("list group messages %s: %w", groupID, err)
	}
	out := make([]Message, 0, len(docs))
	for _, doc := range docs {
		msg, err := decodeMessage(doc)
		if err != nil {
			log.Printf("GROUP: skipping undecodable message %s: %v", doc.Key, err)
			continue
		}
		out = append(out, msg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// Watch streams new messages for one group.
func (s *Service) Watch(ctx context.Context, groupID string) (<-chan Message, func()) {
	sub, cancel := s.st.SubscribeCollection(ctx, MessagesCollection)
	out := make(chan Message, 16)

	go func() {
		defer close(out)
		for doc := range sub {
			if !doc.Exists || doc.String("groupId") != groupID {
				continue
			}
			msg, err := decodeMessage(doc)
			if err != nil {
				continue
			}
			select {
			case out <- msg:
			default:
			}
		}
	}()
	return out, cancel
}

func (s *Service) writeMemberDoc(ctx context.Context, groupID, userID string) {
	err := s.st.Set(ctx, MembersCollection, memberKey(groupID, userID), store.Fields{
		"groupId": groupID,
		"userId":  userID,
	})
	if err != nil {
		log.Printf("GROUP [%s]: member doc write failed for %s: %v", groupID, userID, err)
	}
}

func memberKey(groupID, userID string) string { return groupID + "_" + userID }

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

func remove(ids []string, id string) []string {
	out := ids[:0]
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}

func toAny(ids []string) []any {
	out := make([]any, len(ids))
	for i, v := range ids {
		out[i] = v
	}
	return out
}

func fromAny(v any) []string {
	raw, _ := v.([]any)
	out := make([]string, 0, len(raw))
	for _, e := range raw {
		if s, ok := e.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func encodeGroup(g Group) store.Fields {
	return store.Fields{
		"name":      g.Name,
		"emoji":     g.Emoji,
		"members":   toAny(g.Members),
		"admins":    toAny(g.Admins),
		"createdBy": g.CreatedBy,
		"createdAt": g.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
}

func decodeGroup(doc store.Document) Group {
	g := Group{
		ID:           doc.Key,
		Name:         doc.String("name"),
		Emoji:        doc.String("emoji"),
		Members:      fromAny(doc.Fields["members"]),
		Admins:       fromAny(doc.Fields["admins"]),
		CreatedBy:    doc.String("createdBy"),
		LastMessage:  doc.String("lastMessage"),
		LastSenderID: doc.String("lastSenderId"),
	}
	if t, err := time.Parse(time.RFC3339Nano, doc.String("createdAt")); err == nil {
		g.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, doc.String("lastMessageAt")); err == nil {
		g.LastMessageAt = t
	}
	return g
}

func encodeMessage(m Message) store.Fields {
	return store.Fields{
		"groupId":    m.GroupID,
		"senderId":   m.SenderID,
		"senderName": m.SenderName,
		"text":       m.Text,
		"createdAt":  m.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
}

func decodeMessage(doc store.Document) (Message, error) {
	created, err := time.Parse(time.RFC3339Nano, doc.String("createdAt"))
	if err != nil {
		return Message{}, fmt.Errorf("bad createdAt: %w", err)
	}
	return Message{
		ID:         doc.Key,
		GroupID:    doc.String("groupId"),
		SenderID:   doc.String("senderId"),
		SenderName: doc.String("senderName"),
		Text:       doc.String("text"),
		CreatedAt:  created,
	}, nil
}
