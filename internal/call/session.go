package call

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/emberchat/ember/internal/store"
)

const (
	// AnswerTimeout is how long a caller rings before giving up.
	AnswerTimeout = 30 * time.Second

	// Local candidates are not written one field-write per candidate; they
	// collect in a bounded pending queue flushed on a short interval, or
	// immediately once the queue is full.
	candidateFlushInterval = 250 * time.Millisecond
	candidateBatchSize     = 8
)

// Session is one call attempt, caller or receiver side. It owns the local
// peer connection and media, and exactly one half of the signaling
// document's fields: the caller writes offer/offerCandidates and initiates
// status=calling, the receiver writes answer/answerCandidates and
// status=connected/declined. Either side may write a terminal status.
type Session struct {
	id       string
	selfID   string
	remoteID string
	caller   bool
	video    bool

	st    store.Store
	pc    PeerConn
	media LocalMedia

	candidateField string // the one candidate field this side owns

	mu               sync.Mutex
	state            State
	stateErr         error
	audioOn          bool
	videoOn          bool
	remoteDescSet    bool
	remoteCandidates int // count of remote candidates already applied
	pending          []webrtc.ICECandidateInit

	flushNow  chan struct{}
	done      chan struct{}
	updates   chan State
	cancelSub func()
}

func newSession(st store.Store, pc PeerConn, media LocalMedia, id, selfID, remoteID string, caller, video bool) *Session {
	s := &Session{
		id:       id,
		selfID:   selfID,
		remoteID: remoteID,
		caller:   caller,
		video:    video,
		st:       st,
		pc:       pc,
		media:    media,
		state:    StateIdle,
		audioOn:  true,
		videoOn:  video,
		flushNow: make(chan struct{}, 1),
		done:     make(chan struct{}),
		updates:  make(chan State, 8),
	}
	if caller {
		s.candidateField = fieldOfferCandidates
	} else {
		s.candidateField = fieldAnswerCandidates
	}
	return s
}

// ID returns the signaling document key.
func (s *Session) ID() string { return s.id }

// RemoteID returns the other participant's user ID.
func (s *Session) RemoteID() string { return s.remoteID }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the failure that moved the session to error/failed, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stateErr
}

// Done is closed when the session reaches a terminal state.
func (s *Session) Done() <-chan struct{} { return s.done }

// Updates streams state transitions. The channel is buffered; a slow
// reader misses intermediate states, never the terminal one.
func (s *Session) Updates() <-chan State { return s.updates }

// start wires the peer-connection callbacks, runs the candidate flusher
// and the document watcher. Used by both roles after their setup writes.
func (s *Session) start(ctx context.Context) {
	s.pc.OnICECandidate(func(c *webrtc.ICECandidateInit) {
		if c == nil {
			s.requestFlush() // gathering complete, push out the tail
			return
		}
		s.queueCandidate(*c)
	})
	s.pc.OnTrack(func() {
		s.transition(StateConnected, nil)
	})
	s.pc.OnStateChange(func(st webrtc.PeerConnectionState) {
		switch st {
		case webrtc.PeerConnectionStateFailed:
			s.fail(StateFailed, fmt.Errorf("peer connection failed"))
		case webrtc.PeerConnectionStateClosed:
			// Local close; teardown already ran.
		}
	})

	sub, cancel := s.st.Subscribe(ctx, Collection, s.id)
	s.cancelSub = cancel

	go s.flushLoop()
	go s.watchLoop(sub)
}

// transition moves to next unless the session is already terminal.
// Returns false when the transition was refused.
func (s *Session) transition(next State, err error) bool {
	s.mu.Lock()
	if s.state.Terminal() || s.state == next {
		s.mu.Unlock()
		return false
	}
	s.state = next
	if err != nil {
		s.stateErr = err
	}
	s.mu.Unlock()

	select {
	case s.updates <- next:
	default:
	}
	log.Printf("CALL [%s]: state -> %s", s.id, next)
	return true
}

// ── candidate batching ──

func (s *Session) queueCandidate(c webrtc.ICECandidateInit) {
	s.mu.Lock()
	s.pending = append(s.pending, c)
	full := len(s.pending) >= candidateBatchSize
	s.mu.Unlock()
	if full {
		s.requestFlush()
	}
}

func (s *Session) requestFlush() {
	select {
	case s.flushNow <- struct{}{}:
	default:
	}
}

func (s *Session) flushLoop() {
	ticker := time.NewTicker(candidateFlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
		case <-s.flushNow:
		}
		s.flushCandidates()
	}
}

// flushCandidates appends all pending local candidates to this side's
// candidate field in one write. The field is append-only: existing entries
// are never rewritten, new ones only ever go on the end.
func (s *Session) flushCandidates() {
	s.mu.Lock()
	if len(s.pending) == 0 || s.state.Terminal() {
		s.mu.Unlock()
		return
	}
	batch := s.pending
	s.pending = nil
	s.mu.Unlock()

	encoded := make([]any, len(batch))
	for i, c := range batch {
		encoded[i] = encodeCandidate(c)
	}

	err := s.st.Txn(context.Background(), Collection, s.id, func(doc store.Document) (store.Fields, error) {
		if !doc.Exists {
			return nil, fmt.Errorf("signaling document gone")
		}
		existing, _ := doc.Fields[s.candidateField].([]any)
		return store.Fields{s.candidateField: append(existing, encoded...)}, nil
	})
	if err != nil {
		log.Printf("CALL [%s]: candidate flush failed: %v", s.id, err)
	}
}

// ── document watching ──

func (s *Session) watchLoop(sub <-chan store.Document) {
	for {
		select {
		case <-s.done:
			return
		case doc, ok := <-sub:
			if !ok {
				return
			}
			s.handleSnapshot(doc)
		}
	}
}

// handleSnapshot reacts to one observed state of the signaling document.
func (s *Session) handleSnapshot(doc store.Document) {
	if !doc.Exists {
		return
	}

	status := doc.String(fieldStatus)
	if State(status).Terminal() {
		// The other side (or a previous local write) terminated the call.
		s.teardown(State(status), nil, false)
		return
	}

	if s.caller {
		s.callerApplyAnswer(doc)
	}
	s.applyRemoteCandidates(doc)
}

// callerApplyAnswer applies the receiver's answer exactly once.
func (s *Session) callerApplyAnswer(doc store.Document) {
	s.mu.Lock()
	already := s.remoteDescSet
	s.mu.Unlock()
	if already {
		return
	}

	answer, ok := decodeSDP(doc.Fields[fieldAnswer])
	if !ok {
		return
	}
	// The answer exists, so the offer must have been applied by the
	// receiver; a malformed answer is fatal to the session.
	if err := s.pc.SetRemoteDescription(answer); err != nil {
		s.fail(StateError, fmt.Errorf("apply answer: %w", err))
		return
	}
	s.mu.Lock()
	s.remoteDescSet = true
	s.mu.Unlock()
	s.transition(StateConnecting, nil)
}

// applyRemoteCandidates feeds the other side's candidates beyond the ones
// already applied. Their field is append-only, so the earlier-applied
// prefix is always intact.
func (s *Session) applyRemoteCandidates(doc store.Document) {
	field := fieldAnswerCandidates
	if !s.caller {
		field = fieldOfferCandidates
	}
	raw, _ := doc.Fields[field].([]any)

	s.mu.Lock()
	applied := s.remoteCandidates
	remoteReady := s.remoteDescSet
	s.mu.Unlock()
	if !remoteReady || len(raw) <= applied {
		return
	}

	for _, v := range raw[applied:] {
		c, ok := decodeCandidate(v)
		if !ok {
			log.Printf("CALL [%s]: skipping malformed remote candidate", s.id)
			continue
		}
		if err := s.pc.AddICECandidate(c); err != nil {
			log.Printf("CALL [%s]: add remote candidate: %v", s.id, err)
		}
	}

	s.mu.Lock()
	if len(raw) > s.remoteCandidates {
		s.remoteCandidates = len(raw)
	}
	s.mu.Unlock()
}

// ── toggles ──

// ToggleMute flips local audio. Returns the new muted state (true = muted).
func (s *Session) ToggleMute() bool {
	s.mu.Lock()
	s.audioOn = !s.audioOn
	muted := !s.audioOn
	s.mu.Unlock()
	if s.media != nil {
		s.media.SetAudioEnabled(!muted)
	}
	log.Printf("CALL [%s]: audio muted=%v", s.id, muted)
	return muted
}

// ToggleVideo flips local video. Returns the new disabled state.
func (s *Session) ToggleVideo() bool {
	s.mu.Lock()
	s.videoOn = !s.videoOn
	disabled := !s.videoOn
	s.mu.Unlock()
	if s.media != nil {
		s.media.SetVideoEnabled(!disabled)
	}
	log.Printf("CALL [%s]: video disabled=%v", s.id, disabled)
	return disabled
}

// ── termination ──

// End hangs up. Either side may call it; local media is released
// immediately and a best-effort status write tells the other side.
func (s *Session) End() {
	s.teardown(StateEnded, nil, true)
}

// fail moves the session to an error/failed terminal state.
func (s *Session) fail(final State, err error) {
	log.Printf("CALL [%s]: %v", s.id, err)
	s.teardown(final, err, true)
}

// teardown is the single exit path: idempotent, always releases local
// media and the peer connection, optionally writes the terminal status.
func (s *Session) teardown(final State, cause error, writeStatus bool) {
	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return
	}
	s.state = final
	if cause != nil {
		s.stateErr = cause
	}
	s.mu.Unlock()

	if s.cancelSub != nil {
		s.cancelSub()
	}
	if s.media != nil {
		s.media.Close()
	}
	if s.pc != nil {
		if err := s.pc.Close(); err != nil {
			log.Printf("CALL [%s]: close peer connection: %v", s.id, err)
		}
	}

	if writeStatus {
		// Best-effort: the document may be unreachable; local cleanup
		// already happened and must not depend on this landing. A document
		// that is already terminal keeps whichever terminal status landed
		// first.
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := s.st.Txn(ctx, Collection, s.id, func(doc store.Document) (store.Fields, error) {
			if !doc.Exists || State(doc.String(fieldStatus)).Terminal() {
				return nil, nil
			}
			return store.Fields{fieldStatus: string(final)}, nil
		})
		if err != nil {
			log.Printf("CALL [%s]: terminal status write failed: %v", s.id, err)
		}
		cancel()
	}

	select {
	case s.updates <- final:
	default:
	}
	close(s.done)
	log.Printf("CALL [%s]: terminated (%s)", s.id, final)
}

// ── SDP / candidate codecs ──

func encodeSDP(d webrtc.SessionDescription) map[string]any {
	return map[string]any{"type": d.Type.String(), "sdp": d.SDP}
}

func decodeSDP(v any) (webrtc.SessionDescription, bool) {
	m, ok := v.(map[string]any)
	if !ok {
		return webrtc.SessionDescription{}, false
	}
	typ, _ := m["type"].(string)
	sdp, _ := m["sdp"].(string)
	if typ == "" || sdp == "" {
		return webrtc.SessionDescription{}, false
	}
	return webrtc.SessionDescription{Type: webrtc.NewSDPType(typ), SDP: sdp}, true
}

func encodeCandidate(c webrtc.ICECandidateInit) map[string]any {
	m := map[string]any{"candidate": c.Candidate}
	if c.SDPMid != nil {
		m["sdpMid"] = *c.SDPMid
	}
	if c.SDPMLineIndex != nil {
		m["sdpMLineIndex"] = float64(*c.SDPMLineIndex)
	}
	return m
}

func decodeCandidate(v any) (webrtc.ICECandidateInit, bool) {
	m, ok := v.(map[string]any)
	if !ok {
		return webrtc.ICECandidateInit{}, false
	}
	cand, _ := m["candidate"].(string)
	if cand == "" {
		return webrtc.ICECandidateInit{}, false
	}
	out := webrtc.ICECandidateInit{Candidate: cand}
	if mid, ok := m["sdpMid"].(string); ok {
		out.SDPMid = &mid
	}
	if idx, ok := m["sdpMLineIndex"].(float64); ok {
		u := uint16(idx)
		out.SDPMLineIndex = &u
	}
	return out, true
}
