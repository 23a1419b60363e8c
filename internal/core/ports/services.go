package ports

import (
	"context"
	"encoding/json"
	"time"

	"confroom/internal/core/domain"
)

// SignalingGateway is the request/response and event channel to the
// signaling server. Disconnect never triggers the OnDisconnect handlers;
// they only fire when the socket drops on its own.
type SignalingGateway interface {
	Connect(ctx context.Context, req domain.ConnectRequest) (*domain.JoinResponse, error)
	Publish(ctx context.Context, req domain.PublishRequest) (domain.StreamID, error)
	Subscribe(ctx context.Context, req domain.SubscribeRequest) error
	Unpublish(ctx context.Context, id domain.StreamID) error
	Unsubscribe(ctx context.Context, id domain.StreamID) error
	SendSignaling(ctx context.Context, id domain.StreamID, msg domain.SignalingMessage) error
	SendMessage(ctx context.Context, name string, payload interface{}) (json.RawMessage, error)
	EmitEvent(ctx context.Context, name string, payload interface{}) error
	On(event string, handler func(payload json.RawMessage))
	OnDisconnect(handler func(err error))
	Connected() bool
	Disconnect() error
}

type ConnectionOptions struct {
	StreamID   domain.StreamID
	Local      bool
	Kinds      domain.StreamKind
	Audio      bool
	Video      bool
	Data       bool
	MaxVideoBW int
	VideoCodec string
}

type MediaConnectionFactory interface {
	BuildConnection(opts ConnectionOptions) (domain.MediaConnection, error)
}

// TrackSource opens capture tracks for local streams.
type TrackSource interface {
	Open(ctx context.Context, kinds domain.StreamKind, res domain.Resolution) ([]domain.Track, error)
}

// NetworkProber reports whether the signaling service is reachable.
type NetworkProber interface {
	Probe(ctx context.Context) error
}

type EventEmitter interface {
	Emit(event domain.Event)
	AddEventListener(eventType domain.EventType, handler func(domain.Event)) (remove func())
}

type SessionMetrics interface {
	SessionState(state domain.SessionState)
	ReconnectAttempt(scope string)
	StreamFailed(local bool)
	PublishDuration(d time.Duration, ok bool)
	Streams(local, remote, pending int)
}
