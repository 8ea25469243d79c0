// Package chat implements direct messages between two users. Messages are
// individual documents; each pair also keeps one conversation summary
// document so rosters can render "last message" without scanning.
package chat

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/emberchat/ember/internal/auth"
	"github.com/emberchat/ember/internal/store"
)

const (
	// MessagesCollection holds one document per message.
	MessagesCollection = "messages"
	// ConversationsCollection holds one summary document per pair.
	ConversationsCollection = "conversations"

	// historySize bounds the in-memory recent buffer per conversation.
	historySize = 64
)

// Message is one direct message.
type Message struct {
	ID             string
	ConversationID string
	SenderID       string
	Text           string
	Read           bool
	CreatedAt      time.Time
}

// Conversation is the roster summary of a pair's exchange.
type Conversation struct {
	ID            string
	Participants  [2]string
	LastMessage   string
	LastSenderID  string
	LastMessageAt time.Time
}

// ConvKey derives the deterministic conversation key for an unordered
// pair: the two IDs sorted and joined.
func ConvKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + "_" + b
}

// Service sends and reads direct messages.
type Service struct {
	st  store.Store
	now func() time.Time

	mu      sync.Mutex
	history map[string]*ring // conversation ID -> recent messages
}

// NewService creates a chat service on top of st.
func NewService(st store.Store) *Service {
	return &Service{st: st, now: time.Now, history: make(map[string]*ring)}
}

// Send stores one message and refreshes the conversation summary.
func (s *Service) Send(ctx context.Context, from auth.Identity, toUserID, text string) (Message, error) {
	if !from.Valid() {
		return Message{}, fmt.Errorf("send message: no sender identity")
	}
	text = strings.TrimSpace(text)
	if toUserID == "" || text == "" {
		return Message{}, fmt.Errorf("send message: recipient and text are required")
	}

	msg := Message{
		ID:             uuid.NewString(),
		ConversationID: ConvKey(from.UserID, toUserID),
		SenderID:       from.UserID,
		Text:           text,
		CreatedAt:      s.now(),
	}

	if err := s.st.Set(ctx, MessagesCollection, msg.ID, encodeMessage(msg)); err != nil {
		return Message{}, fmt.Errorf("store message: %w", err)
	}
	// Participants land in two scalar fields so membership stays a plain
	// equality query on either one.
	userA, userB := from.UserID, toUserID
	if userB < userA {
		userA, userB = userB, userA
	}
	if err := s.st.Set(ctx, ConversationsCollection, msg.ConversationID, store.Fields{
		"userA":         userA,
		"userB":         userB,
		"lastMessage":   msg.Text,
		"lastSenderId":  msg.SenderID,
		"lastMessageAt": msg.CreatedAt.UTC().Format(time.RFC3339Nano),
	}); err != nil {
		// The message landed; a stale summary heals on the next send.
		log.Printf("CHAT [%s]: summary write failed: %v", msg.ConversationID, err)
	}

	s.remember(msg)
	return msg, nil
}

// Messages returns the full history of a conversation, oldest first.
func (s *Service) Messages(ctx context.Context, convID string) ([]Message, error) {
	docs, err := s.st.Query(ctx, MessagesCollection, "conversationId", convID)
	if err != nil {
		return nil, fmt.Errorf("list messages %s: %w", convID, err)
	}
	out := make([]Message, 0, len(docs))
	for _, doc := range docs {
		msg, err := decodeMessage(doc)
		if err != nil {
			log.Printf("CHAT: skipping undecodable message %s: %v", doc.Key, err)
			continue
		}
		out = append(out, msg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// Recent returns the in-memory tail of a conversation without touching the
// store. Empty until this process has sent or observed messages.
func (s *Service) Recent(convID string) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.history[convID]; ok {
		return r.items()
	}
	return nil
}

// MarkRead flags every message the reader received in a conversation.
func (s *Service) MarkRead(ctx context.Context, convID, readerID string) error {
	msgs, err := s.Messages(ctx, convID)
	if err != nil {
		return err
	}
	for _, m := range msgs {
		if m.Read || m.SenderID == readerID {
			continue
		}
		if err := s.st.Update(ctx, MessagesCollection, m.ID, store.Fields{"read": true}); err != nil {
			return fmt.Errorf("mark message %s read: %w", m.ID, err)
		}
	}
	return nil
}

// Conversations returns the summaries a user participates in, most recent
// first.
func (s *Service) Conversations(ctx context.Context, userID string) ([]Conversation, error) {
	asA, err := s.st.Query(ctx, ConversationsCollection, "userA", userID)
	if err != nil {
		return nil, err
	}
	asB, err := s.st.Query(ctx, ConversationsCollection, "userB", userID)
	if err != nil {
		return nil, err
	}

	var out []Conversation
	for _, doc := range append(asA, asB...) {
		conv, err := decodeConversation(doc)
		if err != nil {
			log.Printf("CHAT: skipping undecodable conversation %s: %v", doc.Key, err)
			continue
		}
		out = append(out, conv)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastMessageAt.After(out[j].LastMessageAt) })
	return out, nil
}

// Watch streams new messages for one conversation. The subscription also
// feeds the in-memory recent buffer.
func (s *Service) Watch(ctx context.Context, convID string) (<-chan Message, func()) {
	sub, cancel := s.st.SubscribeCollection(ctx, MessagesCollection)
	out := make(chan Message, 16)

	go func() {
		defer close(out)
		for doc := range sub {
			if !doc.Exists || doc.String("conversationId") != convID {
				continue
			}
			msg, err := decodeMessage(doc)
			if err != nil {
				continue
			}
			s.remember(msg)
			select {
			case out <- msg:
			default:
			}
		}
	}()
	return out, cancel
}

func (s *Service) remember(msg Message) {
	s.mu.Lock()
	r, ok := s.history[msg.ConversationID]
	if !ok {
		r = newRing(historySize)
		s.history[msg.ConversationID] = r
	}
	r.push(msg)
	s.mu.Unlock()
}

func encodeMessage(m Message) store.Fields {
	return store.Fields{
		"conversationId": m.ConversationID,
		"senderId":       m.SenderID,
		"text":           m.Text,
		"read":           m.Read,
		"createdAt":      m.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
}

func decodeMessage(doc store.Document) (Message, error) {
	created, err := time.Parse(time.RFC3339Nano, doc.String("createdAt"))
	if err != nil {
		return Message{}, fmt.Errorf("bad createdAt: %w", err)
	}
	return Message{
		ID:             doc.Key,
		ConversationID: doc.String("conversationId"),
		SenderID:       doc.String("senderId"),
		Text:           doc.String("text"),
		Read:           doc.Bool("read"),
		CreatedAt:      created,
	}, nil
}

func decodeConversation(doc store.Document) (Conversation, error) {
	conv := Conversation{
		ID:           doc.Key,
		LastMessage:  doc.String("lastMessage"),
		LastSenderID: doc.String("lastSenderId"),
	}
	conv.Participants[0] = doc.String("userA")
	conv.Participants[1] = doc.String("userB")
	at, err := time.Parse(time.RFC3339Nano, doc.String("lastMessageAt"))
	if err != nil {
		return Conversation{}, fmt.Errorf("bad lastMessageAt: %w", err)
	}
	conv.LastMessageAt = at
	return conv, nil
}
