package domain

import (
	"context"
	"time"
)

type MediaKind string

const (
	MediaAudio MediaKind = "audio"
	MediaVideo MediaKind = "video"
)

type TrackState int

const (
	TrackLive TrackState = iota
	TrackEnded
)

// Track is a single media track attached to a stream.
type Track interface {
	ID() string
	Kind() MediaKind
	Enabled() bool
	SetEnabled(enabled bool)
	ReadyState() TrackState
	Stop()
}

// SenderStats summarises the RTCP feedback received for a local track.
type SenderStats struct {
	FractionLost     float64       `json:"fraction_lost"`
	Jitter           uint32        `json:"jitter"`
	RTT              time.Duration `json:"rtt"`
	NACKs            int           `json:"nacks"`
	KeyFrameRequests int           `json:"key_frame_requests"`
	UpdatedAt        time.Time     `json:"updated_at"`
}

// StatsTrack is implemented by local tracks that read sender feedback.
type StatsTrack interface {
	Track
	Stats() SenderStats
}

// LinkState is the state reported by a peer connection or its ICE transport.
type LinkState string

const (
	LinkNew          LinkState = "new"
	LinkConnecting   LinkState = "connecting"
	LinkConnected    LinkState = "connected"
	LinkDisconnected LinkState = "disconnected"
	LinkFailed       LinkState = "failed"
	LinkClosed       LinkState = "closed"
)

type LinkSource int

const (
	SourceConnection LinkSource = iota
	SourceTransport
)

type ConnectionEvent struct {
	State  LinkState
	Source LinkSource
}

// SignalingMessage carries SDP or ICE candidates for one stream.
type SignalingMessage struct {
	Type          string `json:"type"`
	SDP           string `json:"sdp,omitempty"`
	Candidate     string `json:"candidate,omitempty"`
	SDPMid        string `json:"sdp_mid,omitempty"`
	SDPMLineIndex uint16 `json:"sdp_mline_index,omitempty"`
}

const (
	SignalOffer     = "offer"
	SignalAnswer    = "answer"
	SignalCandidate = "candidate"
)

// MediaConnection negotiates and carries media for exactly one stream.
type MediaConnection interface {
	CreateOffer(ctx context.Context) (SignalingMessage, error)
	AddTrack(track Track) error
	ProcessSignalingMessage(ctx context.Context, msg SignalingMessage) error
	OnSignalingMessage(fn func(SignalingMessage))
	OnConnectionStateChange(fn func(ConnectionEvent))
	OnTrack(fn func(Track))
	Close() error
}
