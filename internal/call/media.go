package call

import (
	"context"

	"github.com/pion/webrtc/v4"
)

// MediaCapture acquires the local camera and microphone.
type MediaCapture interface {
	// Acquire returns the local tracks. Implementations should give up when
	// ctx ends; the session releases tracks that still arrive afterwards.
	Acquire(ctx context.Context) (LocalMedia, error)
}

// LocalMedia is the set of captured local tracks.
type LocalMedia interface {
	Tracks() []LocalTrack
	// Stop ends every track and releases the devices.
	Stop() error
}

// LocalTrack is one captured audio or video track.
type LocalTrack interface {
	Kind() webrtc.RTPCodecType
	Enabled() bool
	// SetEnabled pauses or resumes sending without renegotiation.
	SetEnabled(on bool) error
	Stop() error
}

// PeerConnection is the subset of a WebRTC peer connection a Session drives.
type PeerConnection interface {
	AddLocalMedia(m LocalMedia) error
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(webrtc.SessionDescription) error
	SetRemoteDescription(webrtc.SessionDescription) error
	// LocalDescription includes the candidates gathered so far.
	LocalDescription() *webrtc.SessionDescription
	AddICECandidate(webrtc.ICECandidateInit) error
	OnICECandidate(func(webrtc.ICECandidateInit))
	OnConnectionStateChange(func(webrtc.PeerConnectionState))
	Stats() MediaStats
	Close() error
}

// PeerFactory creates a fresh PeerConnection per session.
type PeerFactory interface {
	NewPeerConnection() (PeerConnection, error)
}

// MediaStats are counters reported by a PeerConnection.
type MediaStats struct {
	PacketsReceived uint64 `json:"packets_received"`
	BytesReceived   uint64 `json:"bytes_received"`
	RemoteTracks    int    `json:"remote_tracks"`
	PLISent         uint64 `json:"pli_sent"`
	PLIReceived     uint64 `json:"pli_received"`
	NACKReceived    uint64 `json:"nack_received"`
}

func tracksOfKind(m LocalMedia, kind webrtc.RTPCodecType) []LocalTrack {
	if m == nil {
		return nil
	}
	var out []LocalTrack
	for _, t := range m.Tracks() {
		if t.Kind() == kind {
			out = append(out, t)
		}
	}
	return out
}
