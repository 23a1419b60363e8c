package memory

import (
	"context"
	"sync"

	"confroom/internal/core/domain"
	"confroom/internal/core/ports"
)

type MemorySessionStore struct {
	sessions map[domain.RoomID]domain.ReconnectInfo
	mu       sync.RWMutex
}

func NewMemorySessionStore() ports.SessionStore {
	return &MemorySessionStore{
		sessions: make(map[domain.RoomID]domain.ReconnectInfo),
	}
}

func (s *MemorySessionStore) Save(ctx context.Context, info domain.ReconnectInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sessions[info.RoomID] = info
	return nil
}

func (s *MemorySessionStore) Load(ctx context.Context, roomID domain.RoomID) (*domain.ReconnectInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	info, exists := s.sessions[roomID]
	if !exists {
		return nil, domain.ErrSessionNotFound
	}
	return &info, nil
}

func (s *MemorySessionStore) Delete(ctx context.Context, roomID domain.RoomID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.sessions, roomID)
	return nil
}
