// Package call drives peer-to-peer call attempts between two users, using
// a shared document in the store as the signaling mailbox (offer/answer/ICE
// exchange) and a local peer connection for the media itself.
package call

import (
	"fmt"
	"sort"

	"github.com/pion/webrtc/v4"
)

// Collection is the document collection holding one signaling document per
// user pair.
const Collection = "calls"

// State is the lifecycle state of a call session.
type State string

const (
	StateIdle       State = "idle"
	StateCalling    State = "calling"
	StateIncoming   State = "incoming"
	StateConnecting State = "connecting"
	StateConnected  State = "connected"
	StateDeclined   State = "declined"
	StateEnded      State = "ended"
	StateError      State = "error"
	StateFailed     State = "failed"
)

// Terminal reports whether no transition can leave this state.
func (s State) Terminal() bool {
	switch s {
	case StateDeclined, StateEnded, StateError, StateFailed:
		return true
	}
	return false
}

// CallID derives the signaling document key for a user pair. The key is
// the same regardless of who calls whom, so at most one non-terminal call
// can exist per pair.
func CallID(a, b string) string {
	ids := []string{a, b}
	sort.Strings(ids)
	return ids[0] + "_call_" + ids[1]
}

// Signaling document field names. Idle, incoming and connecting are local
// phases and never appear in the status field.
const (
	fieldCallerID         = "callerId"
	fieldCallerName       = "callerName"
	fieldReceiverID       = "receiverId"
	fieldReceiverName     = "receiverName"
	fieldIsVideo          = "isVideo"
	fieldOffer            = "offer"
	fieldAnswer           = "answer"
	fieldOfferCandidates  = "offerCandidates"
	fieldAnswerCandidates = "answerCandidates"
	fieldStatus           = "status"
	fieldCreatedAt        = "createdAt"
)

// PeerConn is the peer-connection primitive the session drives. The pion
// implementation lives in transport.go; tests plug in a fake.
type PeerConn interface {
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(webrtc.SessionDescription) error
	SetRemoteDescription(webrtc.SessionDescription) error
	AddICECandidate(webrtc.ICECandidateInit) error

	// OnICECandidate registers the local candidate callback. The callback
	// receives nil when gathering completes.
	OnICECandidate(func(*webrtc.ICECandidateInit))

	// OnTrack fires when the first remote media arrives.
	OnTrack(func())

	// OnStateChange reports transport health; the session maps
	// failed/closed transport states to the failed terminal state.
	OnStateChange(func(webrtc.PeerConnectionState))

	Close() error
}

// LocalMedia is the captured camera/microphone stream attached to a peer
// connection. Toggles are purely local track flips.
type LocalMedia interface {
	SetAudioEnabled(bool)
	SetVideoEnabled(bool)
	// ActiveTracks returns the number of live (unreleased) tracks.
	ActiveTracks() int
	Close()
}

// Transport acquires local media and builds a peer connection with the
// media attached. Acquisition failures carry a MediaErrorKind.
type Transport interface {
	NewPeerConn(video bool) (PeerConn, LocalMedia, error)
}

// MediaErrorKind distinguishes media acquisition failures; each kind has a
// different user-facing remedy, so they are never collapsed.
type MediaErrorKind int

const (
	MediaPermissionDenied MediaErrorKind = iota + 1
	MediaNoDevice
	MediaDeviceBusy
	MediaConstraints
)

func (k MediaErrorKind) String() string {
	switch k {
	case MediaPermissionDenied:
		return "permission denied"
	case MediaNoDevice:
		return "no device"
	case MediaDeviceBusy:
		return "device busy"
	case MediaConstraints:
		return "constraints unsatisfiable"
	}
	return "unknown"
}

// MediaError is a tagged media acquisition failure.
type MediaError struct {
	Kind MediaErrorKind
	Err  error
}

func (e *MediaError) Error() string {
	return fmt.Sprintf("media: %s: %v", e.Kind, e.Err)
}

func (e *MediaError) Unwrap() error { return e.Err }

// ErrCallInProgress is returned by Initiate while a non-terminal session
// document exists for the pair. The deterministic per-pair key makes this
// a hard constraint: the existing call must end first.
var ErrCallInProgress = fmt.Errorf("a call for this pair is already in progress")

// IncomingCall is handed to OnIncoming listeners when a ringing session
// document appears for the local user.
type IncomingCall struct {
	CallID     string
	CallerID   string
	CallerName string
	Video      bool

	Accept  func() (*Session, error)
	Decline func() error
}
