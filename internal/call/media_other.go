//go:build !linux

package call

import (
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
)

// initMediaPC creates a receive-only peer connection on non-Linux
// platforms. Camera/mic capture via pion/mediadevices needs
// platform-specific drivers (V4L2/malgo on Linux); elsewhere the call can
// still receive remote media.
func initMediaPC(iceServers []string, _ bool) (*webrtc.PeerConnection, LocalMedia, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, nil, err
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, nil, err
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
	)

	pc, err := api.NewPeerConnection(iceConfig(iceServers))
	if err != nil {
		return nil, nil, err
	}

	if err := addRecvOnlyTransceivers(pc); err != nil {
		pc.Close()
		return nil, nil, err
	}

	return pc, noMedia{}, nil
}

// noMedia is the LocalMedia of a receive-only connection.
type noMedia struct{}

func (noMedia) SetAudioEnabled(bool) {}
func (noMedia) SetVideoEnabled(bool) {}
func (noMedia) ActiveTracks() int    { return 0 }
func (noMedia) Close()               {}
