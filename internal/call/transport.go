package call

import (
	"github.com/pion/webrtc/v4"
)

// DefaultICEServers are the public STUN servers used when the config does
// not name any. STUN only — the signaling bridge is the document store and
// no relay is provisioned.
var DefaultICEServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
	"stun:stun2.l.google.com:19302",
}

// PionTransport builds real pion peer connections with local media
// attached. Capture is platform-specific: V4L2/malgo via pion/mediadevices
// on Linux, receive-only elsewhere (see media_linux.go / media_other.go).
type PionTransport struct {
	iceServers []string
}

// NewPionTransport creates a transport using the given STUN/TURN URLs.
func NewPionTransport(iceServers []string) *PionTransport {
	if len(iceServers) == 0 {
		iceServers = DefaultICEServers
	}
	return &PionTransport{iceServers: iceServers}
}

// NewPeerConn acquires local media and returns a connected-up peer
// connection for one call attempt.
func (t *PionTransport) NewPeerConn(video bool) (PeerConn, LocalMedia, error) {
	pc, media, err := initMediaPC(t.iceServers, video)
	if err != nil {
		return nil, nil, err
	}
	return &pionPeer{pc: pc}, media, nil
}

// pionPeer adapts *webrtc.PeerConnection to the PeerConn surface the
// session drives.
type pionPeer struct {
	pc *webrtc.PeerConnection
}

func (p *pionPeer) CreateOffer() (webrtc.SessionDescription, error) {
	return p.pc.CreateOffer(nil)
}

func (p *pionPeer) CreateAnswer() (webrtc.SessionDescription, error) {
	return p.pc.CreateAnswer(nil)
}

func (p *pionPeer) SetLocalDescription(d webrtc.SessionDescription) error {
	return p.pc.SetLocalDescription(d)
}

func (p *pionPeer) SetRemoteDescription(d webrtc.SessionDescription) error {
	return p.pc.SetRemoteDescription(d)
}

func (p *pionPeer) AddICECandidate(c webrtc.ICECandidateInit) error {
	return p.pc.AddICECandidate(c)
}

func (p *pionPeer) OnICECandidate(fn func(*webrtc.ICECandidateInit)) {
	p.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			fn(nil)
			return
		}
		init := c.ToJSON()
		fn(&init)
	})
}

func (p *pionPeer) OnTrack(fn func()) {
	p.pc.OnTrack(func(*webrtc.TrackRemote, *webrtc.RTPReceiver) {
		fn()
	})
}

func (p *pionPeer) OnStateChange(fn func(webrtc.PeerConnectionState)) {
	p.pc.OnConnectionStateChange(fn)
}

func (p *pionPeer) Close() error { return p.pc.Close() }

// iceConfig converts URL strings to the pion configuration.
func iceConfig(urls []string) webrtc.Configuration {
	servers := make([]webrtc.ICEServer, 0, len(urls))
	for _, u := range urls {
		servers = append(servers, webrtc.ICEServer{URLs: []string{u}})
	}
	return webrtc.Configuration{ICEServers: servers}
}

// addRecvOnlyTransceivers ensures CreateOffer/CreateAnswer produce valid
// m-lines with ICE credentials even without local capture.
func addRecvOnlyTransceivers(pc *webrtc.PeerConnection) error {
	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	}); err != nil {
		return err
	}
	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	}); err != nil {
		return err
	}
	return nil
}
