package redis

import (
	"context"
	"fmt"
	"time"

	"confroom/pkg/config"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ClientOptions selects the Redis instance holding resume records.
type ClientOptions struct {
	Address  string
	Password string
	DB       int
	PoolSize int
}

// ClientOptionsFrom reads the store section of cfg.
func ClientOptionsFrom(cfg *config.Config) ClientOptions {
	return ClientOptions{
		Address:  cfg.Store.Address,
		Password: cfg.Store.Password,
		DB:       cfg.Store.DB,
		PoolSize: cfg.Store.PoolSize,
	}
}

// Dial opens a client and pings it once. The client only ever stores a
// single resume record, so the pool stays small and idle connections are
// not kept warm.
func Dial(ctx context.Context, opts ClientOptions, logger *zap.SugaredLogger) (*redis.Client, error) {
	if opts.PoolSize <= 0 {
		opts.PoolSize = 2
	}
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Address,
		Password:     opts.Password,
		DB:           opts.DB,
		PoolSize:     opts.PoolSize,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis %s unreachable: %w", opts.Address, err)
	}

	if logger != nil {
		logger.Debugw("redis session store reachable", "address", opts.Address, "db", opts.DB)
	}
	return client, nil
}
