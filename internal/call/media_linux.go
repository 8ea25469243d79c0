//go:build linux

package call

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
)

// initMediaPC builds a peer connection with VP8+Opus codecs and captures
// the local camera/mic via pion/mediadevices (V4L2 + malgo). Audio is
// always requested; video only for video calls.
func initMediaPC(iceServers []string, video bool) (*webrtc.PeerConnection, LocalMedia, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, nil, err
	}
	vpxParams.BitRate = 1_500_000

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, nil, err
	}

	codecSelector := mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	)

	mediaEngine := &webrtc.MediaEngine{}
	codecSelector.Populate(mediaEngine)

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, nil, err
	}

	// Generous ICE timeouts — a brief NAT hiccup must not kill the call;
	// the default 5s disconnectedTimeout is far too short for STUN-only
	// paths that can stall during re-keying.
	se := webrtc.SettingEngine{}
	se.SetICETimeouts(30*time.Second, 120*time.Second, 2*time.Second)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(se),
	)

	pc, err := api.NewPeerConnection(iceConfig(iceServers))
	if err != nil {
		return nil, nil, err
	}

	if len(mediadevices.EnumerateDevices()) == 0 {
		pc.Close()
		return nil, nil, &MediaError{Kind: MediaNoDevice, Err: fmt.Errorf("no media devices found")}
	}

	constraints := mediadevices.MediaStreamConstraints{Codec: codecSelector}
	constraints.Audio = func(_ *mediadevices.MediaTrackConstraints) {}
	if video {
		constraints.Video = func(c *mediadevices.MediaTrackConstraints) {
			// Raw formats only — MJPEG nodes on some cameras produce
			// malformed frames that poison the VP8 encoder.
			c.FrameFormat = prop.FrameFormatOneOf{
				frame.FormatYUYV,
				frame.FormatI420,
				frame.FormatI444,
				frame.FormatRGBA,
			}
			c.Width = prop.IntRanged{Max: 640}
			c.Height = prop.IntRanged{Max: 480}
		}
	}

	stream, err := mediadevices.GetUserMedia(constraints)
	if err != nil {
		pc.Close()
		return nil, nil, classifyMediaError(err)
	}

	tracks := stream.GetTracks()
	for _, track := range tracks {
		if _, err := pc.AddTrack(track); err != nil {
			for _, t := range tracks {
				t.Close()
			}
			pc.Close()
			return nil, nil, fmt.Errorf("add track: %w", err)
		}
	}

	return pc, &capturedMedia{tracks: tracks, audioOn: true, videoOn: video}, nil
}

// classifyMediaError maps a capture failure onto the tagged kinds. The
// driver layer reports plain errors, so classification goes by message.
func classifyMediaError(err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "permission") || strings.Contains(msg, "denied"):
		return &MediaError{Kind: MediaPermissionDenied, Err: err}
	case strings.Contains(msg, "busy") || strings.Contains(msg, "in use"):
		return &MediaError{Kind: MediaDeviceBusy, Err: err}
	case strings.Contains(msg, "not found") || strings.Contains(msg, "no such"):
		return &MediaError{Kind: MediaNoDevice, Err: err}
	default:
		return &MediaError{Kind: MediaConstraints, Err: err}
	}
}

// capturedMedia wraps the mediadevices tracks behind LocalMedia.
type capturedMedia struct {
	mu      sync.Mutex
	tracks  []mediadevices.Track
	audioOn bool
	videoOn bool
	closed  bool
}

// SetAudioEnabled records the toggle. The capture pipeline keeps running;
// the enabled bit gates what the UI treats as live.
func (m *capturedMedia) SetAudioEnabled(on bool) {
	m.mu.Lock()
	m.audioOn = on
	m.mu.Unlock()
}

func (m *capturedMedia) SetVideoEnabled(on bool) {
	m.mu.Lock()
	m.videoOn = on
	m.mu.Unlock()
}

// ActiveTracks returns the number of unreleased capture tracks.
func (m *capturedMedia) ActiveTracks() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0
	}
	return len(m.tracks)
}

// Close releases every capture track. Idempotent.
func (m *capturedMedia) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	tracks := m.tracks
	m.mu.Unlock()

	for _, t := range tracks {
		t.Close()
	}
}
