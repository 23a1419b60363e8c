package memory

import (
	"sync"

	"confroom/internal/core/domain"
	"confroom/internal/core/ports"
)

type MemoryStreamRegistry struct {
	streams map[domain.StreamID]*domain.Stream
	mu      sync.RWMutex
}

func NewMemoryStreamRegistry() ports.StreamRegistry {
	return &MemoryStreamRegistry{
		streams: make(map[domain.StreamID]*domain.Stream),
	}
}

func (r *MemoryStreamRegistry) Add(id domain.StreamID, stream *domain.Stream) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.streams[id] = stream
}

func (r *MemoryStreamRegistry) Get(id domain.StreamID) (*domain.Stream, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stream, exists := r.streams[id]
	return stream, exists
}

func (r *MemoryStreamRegistry) Remove(id domain.StreamID) (*domain.Stream, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	stream, exists := r.streams[id]
	if exists {
		delete(r.streams, id)
	}
	return stream, exists
}

func (r *MemoryStreamRegistry) Has(id domain.StreamID) bool {
	_, ok := r.Get(id)
	return ok
}

func (r *MemoryStreamRegistry) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.streams)
}

func (r *MemoryStreamRegistry) Snapshot() []*domain.Stream {
	r.mu.RLock()
	defer r.mu.RUnlock()

	streams := make([]*domain.Stream, 0, len(r.streams))
	for _, stream := range r.streams {
		streams = append(streams, stream)
	}
	return streams
}

// ForEach visits a snapshot of the registry; fn may add or remove entries.
func (r *MemoryStreamRegistry) ForEach(fn func(id domain.StreamID, stream *domain.Stream)) {
	r.mu.RLock()
	entries := make(map[domain.StreamID]*domain.Stream, len(r.streams))
	for id, stream := range r.streams {
		entries[id] = stream
	}
	r.mu.RUnlock()

	for id, stream := range entries {
		fn(id, stream)
	}
}

// Clear empties the registry and returns what it held.
func (r *MemoryStreamRegistry) Clear() []*domain.Stream {
	r.mu.Lock()
	defer r.mu.Unlock()

	streams := make([]*domain.Stream, 0, len(r.streams))
	for _, stream := range r.streams {
		streams = append(streams, stream)
	}
	r.streams = make(map[domain.StreamID]*domain.Stream)
	return streams
}
