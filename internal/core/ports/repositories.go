package ports

import (
	"context"

	"confroom/internal/core/domain"
)

// StreamRegistry is a keyed collection of stream handles. Iteration works
// on a snapshot, so callers may mutate the registry while ranging.
type StreamRegistry interface {
	Add(id domain.StreamID, stream *domain.Stream)
	Get(id domain.StreamID) (*domain.Stream, bool)
	Remove(id domain.StreamID) (*domain.Stream, bool)
	Has(id domain.StreamID) bool
	Size() int
	Snapshot() []*domain.Stream
	ForEach(fn func(id domain.StreamID, stream *domain.Stream))
	Clear() []*domain.Stream
}

// SessionStore persists the reconnect context of a session so that a
// restarted client can resume it.
type SessionStore interface {
	Save(ctx context.Context, info domain.ReconnectInfo) error
	Load(ctx context.Context, roomID domain.RoomID) (*domain.ReconnectInfo, error)
	Delete(ctx context.Context, roomID domain.RoomID) error
}
