package call

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/emberchat/ember/internal/auth"
	"github.com/emberchat/ember/internal/store"
)

// Manager owns active call sessions for one signed-in user and watches the
// calls collection for incoming ringing documents.
type Manager struct {
	st   store.Store
	tr   Transport
	self auth.Identity

	answerTimeout time.Duration

	mu       sync.RWMutex
	sessions map[string]*Session
	ringing  map[string]bool // call IDs currently presented as incoming

	incomingMu sync.RWMutex
	incoming   []func(*IncomingCall)

	done      chan struct{}
	closeOnce sync.Once
}

// NewManager creates a call manager and starts watching for incoming calls
// immediately.
func NewManager(ctx context.Context, st store.Store, tr Transport, self auth.Identity) *Manager {
	m := &Manager{
		st:            st,
		tr:            tr,
		self:          self,
		answerTimeout: AnswerTimeout,
		sessions:      make(map[string]*Session),
		ringing:       make(map[string]bool),
		done:          make(chan struct{}),
	}
	go m.watchIncoming(ctx)
	return m
}

// SetAnswerTimeout overrides how long outgoing calls ring. Applies to
// calls placed after the change.
func (m *Manager) SetAnswerTimeout(d time.Duration) {
	if d <= 0 {
		d = AnswerTimeout
	}
	m.mu.Lock()
	m.answerTimeout = d
	m.mu.Unlock()
}

// OnIncoming registers a callback fired once per incoming ringing call.
func (m *Manager) OnIncoming(fn func(*IncomingCall)) {
	m.incomingMu.Lock()
	m.incoming = append(m.incoming, fn)
	m.incomingMu.Unlock()
}

// GetSession returns the active session for a call ID, if any.
func (m *Manager) GetSession(id string) (*Session, bool) {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	return s, ok
}

// Initiate places a call to friend. Media is acquired first — a media
// failure surfaces before anything is written to the store. The signaling
// document for the pair is keyed deterministically: if a non-terminal one
// exists the call is rejected with ErrCallInProgress; a terminal leftover
// from an earlier call is overwritten.
func (m *Manager) Initiate(ctx context.Context, friendID, friendName string, video bool) (*Session, error) {
	id := CallID(m.self.UserID, friendID)

	existing, err := m.st.Get(ctx, Collection, id)
	if err != nil && err != store.ErrNotFound {
		return nil, fmt.Errorf("check existing call: %w", err)
	}
	if err == nil {
		if !State(existing.String(fieldStatus)).Terminal() {
			return nil, ErrCallInProgress
		}
		// Stale terminal document — clear it so merge-set cannot resurrect
		// the old answer or candidate arrays.
		if err := m.st.Delete(ctx, Collection, id); err != nil {
			return nil, fmt.Errorf("clear stale call: %w", err)
		}
	}

	pc, media, err := m.tr.NewPeerConn(video)
	if err != nil {
		return nil, err
	}

	s := newSession(m.st, pc, media, id, m.self.UserID, friendID, true, video)
	s.transition(StateCalling, nil)

	offer, err := pc.CreateOffer()
	if err != nil {
		s.fail(StateError, fmt.Errorf("create offer: %w", err))
		return nil, err
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		s.fail(StateError, fmt.Errorf("set local description: %w", err))
		return nil, err
	}

	if err := m.st.Set(ctx, Collection, id, store.Fields{
		fieldCallerID:         m.self.UserID,
		fieldCallerName:       m.self.DisplayName,
		fieldReceiverID:       friendID,
		fieldReceiverName:     friendName,
		fieldIsVideo:          video,
		fieldOffer:            encodeSDP(offer),
		fieldOfferCandidates:  []any{},
		fieldAnswerCandidates: []any{},
		fieldStatus:           string(StateCalling),
		fieldCreatedAt:        time.Now().UTC().Format(time.RFC3339Nano),
	}); err != nil {
		s.teardown(StateError, fmt.Errorf("write call document: %w", err), false)
		return nil, err
	}

	s.start(ctx)
	m.track(s)
	go m.ringTimeout(s)

	log.Printf("CALL [%s]: calling %s (video=%v)", id, friendID, video)
	return s, nil
}

// ringTimeout abandons the call if no answer arrives in time. Local media
// is released unconditionally; the status write is best-effort.
func (m *Manager) ringTimeout(s *Session) {
	m.mu.RLock()
	d := m.answerTimeout
	m.mu.RUnlock()

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-s.Done():
	case <-timer.C:
		if s.State() == StateCalling {
			log.Printf("CALL [%s]: no answer after %s", s.id, d)
			s.End()
		}
	}
}

// accept builds the receiver-side session for a ringing document.
func (m *Manager) accept(ctx context.Context, doc store.Document) (*Session, error) {
	offer, ok := decodeSDP(doc.Fields[fieldOffer])
	if !ok || doc.String(fieldStatus) != string(StateCalling) {
		return nil, fmt.Errorf("call %s: ringing document has no usable offer", doc.Key)
	}

	video := doc.Bool(fieldIsVideo)
	pc, media, err := m.tr.NewPeerConn(video)
	if err != nil {
		// Media failure is an error outcome for the whole call, not just
		// this side — tell the caller instead of letting them ring out.
		// Guarded: if the call already resolved, leave its status alone.
		uerr := m.st.Txn(ctx, Collection, doc.Key, func(cur store.Document) (store.Fields, error) {
			if !cur.Exists || cur.String(fieldStatus) != string(StateCalling) {
				return nil, nil
			}
			return store.Fields{fieldStatus: string(StateError)}, nil
		})
		if uerr != nil {
			log.Printf("CALL [%s]: error status write failed: %v", doc.Key, uerr)
		}
		return nil, err
	}

	s := newSession(m.st, pc, media, doc.Key, m.self.UserID, doc.String(fieldCallerID), false, video)
	s.transition(StateConnecting, nil)
	s.remoteDescSet = true // the offer is applied below, before start

	if err := pc.SetRemoteDescription(offer); err != nil {
		s.fail(StateError, fmt.Errorf("apply offer: %w", err))
		return nil, err
	}
	answer, err := pc.CreateAnswer()
	if err != nil {
		s.fail(StateError, fmt.Errorf("create answer: %w", err))
		return nil, err
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		s.fail(StateError, fmt.Errorf("set local description: %w", err))
		return nil, err
	}

	// Apply the candidates the caller queued while we were ringing.
	if raw, ok := doc.Fields[fieldOfferCandidates].([]any); ok {
		for _, v := range raw {
			if c, ok := decodeCandidate(v); ok {
				if err := pc.AddICECandidate(c); err != nil {
					log.Printf("CALL [%s]: add queued candidate: %v", doc.Key, err)
				}
			}
		}
		s.remoteCandidates = len(raw)
	}

	// The answer is written only after the offer was applied, never the
	// other way around, and only while the document still says calling:
	// the caller may have hung up between our read and this write, and a
	// blind merge would drag a terminal document back to connected.
	if err := m.st.Txn(ctx, Collection, doc.Key, func(cur store.Document) (store.Fields, error) {
		if !cur.Exists {
			return nil, fmt.Errorf("signaling document gone")
		}
		if st := cur.String(fieldStatus); st != string(StateCalling) {
			return nil, fmt.Errorf("no longer ringing (status %s)", st)
		}
		return store.Fields{
			fieldAnswer: encodeSDP(answer),
			fieldStatus: string(StateConnected),
		}, nil
	}); err != nil {
		s.teardown(StateError, fmt.Errorf("write answer: %w", err), false)
		return nil, fmt.Errorf("call %s: %w", doc.Key, err)
	}

	s.start(ctx)
	m.track(s)

	log.Printf("CALL [%s]: accepted from %s", doc.Key, s.remoteID)
	return s, nil
}

func (m *Manager) track(s *Session) {
	m.mu.Lock()
	m.sessions[s.id] = s
	m.mu.Unlock()

	go func() {
		<-s.Done()
		m.mu.Lock()
		delete(m.sessions, s.id)
		delete(m.ringing, s.id)
		m.mu.Unlock()
	}()
}

// watchIncoming watches the calls collection for ringing documents
// addressed to the local user and fires the OnIncoming handlers.
func (m *Manager) watchIncoming(ctx context.Context) {
	sub, cancel := m.st.SubscribeCollection(ctx, Collection)
	defer cancel()

	for {
		select {
		case <-m.done:
			return
		case doc, ok := <-sub:
			if !ok {
				return
			}
			m.handleCallDoc(ctx, doc)
		}
	}
}

func (m *Manager) handleCallDoc(ctx context.Context, doc store.Document) {
	if !doc.Exists || doc.String(fieldReceiverID) != m.self.UserID {
		return
	}
	status := doc.String(fieldStatus)

	m.mu.Lock()
	_, active := m.sessions[doc.Key]
	alreadyRinging := m.ringing[doc.Key]
	if status != string(StateCalling) {
		delete(m.ringing, doc.Key)
	}
	m.mu.Unlock()

	if active || alreadyRinging || status != string(StateCalling) {
		return
	}

	m.mu.Lock()
	m.ringing[doc.Key] = true
	m.mu.Unlock()

	ic := &IncomingCall{
		CallID:     doc.Key,
		CallerID:   doc.String(fieldCallerID),
		CallerName: doc.String(fieldCallerName),
		Video:      doc.Bool(fieldIsVideo),
		Accept: func() (*Session, error) {
			// Re-read: the caller may have hung up while we rang.
			fresh, err := m.st.Get(ctx, Collection, doc.Key)
			if err != nil {
				return nil, fmt.Errorf("call gone: %w", err)
			}
			return m.accept(ctx, fresh)
		},
		Decline: func() error {
			m.mu.Lock()
			delete(m.ringing, doc.Key)
			m.mu.Unlock()
			// No media was acquired; declining is just a status write —
			// but only while the document still rings. A call the caller
			// already abandoned keeps its terminal status.
			return m.st.Txn(ctx, Collection, doc.Key, func(cur store.Document) (store.Fields, error) {
				if !cur.Exists || cur.String(fieldStatus) != string(StateCalling) {
					return nil, nil
				}
				return store.Fields{fieldStatus: string(StateDeclined)}, nil
			})
		},
	}

	m.incomingMu.RLock()
	handlers := make([]func(*IncomingCall), len(m.incoming))
	copy(handlers, m.incoming)
	m.incomingMu.RUnlock()
	for _, fn := range handlers {
		fn(ic)
	}
	log.Printf("CALL [%s]: incoming from %s (video=%v)", ic.CallID, ic.CallerID, ic.Video)
}

// Close shuts down the manager and ends all active sessions.
func (m *Manager) Close() {
	m.closeOnce.Do(func() { close(m.done) })

	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	for _, s := range sessions {
		s.End()
	}
}
