package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"confroom/internal/core/domain"
	"confroom/internal/core/ports"

	"github.com/redis/go-redis/v9"
)

type RedisSessionStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisSessionStore(client *redis.Client, prefix string, ttl time.Duration) ports.SessionStore {
	if prefix == "" {
		prefix = "confroom:session:"
	}
	return &RedisSessionStore{
		client: client,
		prefix: prefix,
		ttl:    ttl,
	}
}

func (s *RedisSessionStore) sessionKey(roomID domain.RoomID) string {
	return s.prefix + string(roomID)
}

func (s *RedisSessionStore) Save(ctx context.Context, info domain.ReconnectInfo) error {
	data, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	if err := s.client.Set(ctx, s.sessionKey(info.RoomID), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to set session in Redis: %w", err)
	}
	return nil
}

func (s *RedisSessionStore) Load(ctx context.Context, roomID domain.RoomID) (*domain.ReconnectInfo, error) {
	data, err := s.client.Get(ctx, s.sessionKey(roomID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, domain.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session from Redis: %w", err)
	}

	var info domain.ReconnectInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}
	return &info, nil
}

func (s *RedisSessionStore) Delete(ctx context.Context, roomID domain.RoomID) error {
	if err := s.client.Del(ctx, s.sessionKey(roomID)).Err(); err != nil {
		return fmt.Errorf("failed to delete session from Redis: %w", err)
	}
	return nil
}
