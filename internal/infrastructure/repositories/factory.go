package repositories

import (
	"context"
	"time"

	"confroom/internal/core/ports"
	"confroom/internal/infrastructure/repositories/memory"
	redisrepo "confroom/internal/infrastructure/repositories/redis"
	"confroom/pkg/config"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RepositoryFactory creates registries and session stores with fallback support
type RepositoryFactory struct {
	cfg         *config.Config
	useRedis    bool
	redisClient *redis.Client
	logger      *zap.SugaredLogger
}

// NewRepositoryFactory creates a new repository factory
func NewRepositoryFactory(cfg *config.Config, logger *zap.SugaredLogger) (*RepositoryFactory, error) {
	factory := &RepositoryFactory{
		cfg:      cfg,
		useRedis: cfg.Store.Backend == "redis",
		logger:   logger,
	}

	if factory.useRedis {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		client, err := redisrepo.Dial(ctx, redisrepo.ClientOptionsFrom(cfg), logger)
		cancel()
		if err != nil {
			logger.Warnw("failed to connect to Redis, falling back to memory session store",
				"error", err,
			)
			factory.useRedis = false
		} else {
			factory.redisClient = client
			logger.Info("using Redis session store")
		}
	}

	if !factory.useRedis {
		logger.Info("using memory session store")
	}

	return factory, nil
}

// CreateStreamRegistry creates a stream registry. Registries hold live
// handles and always stay in memory.
func (f *RepositoryFactory) CreateStreamRegistry() ports.StreamRegistry {
	return memory.NewMemoryStreamRegistry()
}

// CreateSessionStore creates a session store (Redis or memory with fallback)
func (f *RepositoryFactory) CreateSessionStore() ports.SessionStore {
	if f.useRedis && f.redisClient != nil {
		return redisrepo.NewRedisSessionStore(f.redisClient, f.cfg.Store.KeyPrefix, f.cfg.Store.TTL)
	}
	return memory.NewMemorySessionStore()
}

// Close closes Redis connection if used
func (f *RepositoryFactory) Close() error {
	if f.redisClient != nil {
		return f.redisClient.Close()
	}
	return nil
}

// HealthCheck checks Redis connection health
func (f *RepositoryFactory) HealthCheck(ctx context.Context) error {
	if f.useRedis && f.redisClient != nil {
		return f.redisClient.Ping(ctx).Err()
	}
	return nil
}
