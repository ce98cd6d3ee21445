package repositories

import (
	"context"

	"relaymesh/internal/core/ports"
	"relaymesh/internal/infrastructure/repositories/memory"
	redisrepo "relaymesh/internal/infrastructure/repositories/redis"
	"relaymesh/pkg/config"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RepositoryFactory builds the gateway's registry and, when configured,
// the Redis connection used to mirror registry events. An unreachable
// Redis degrades to a registry without a mirror.
type RepositoryFactory struct {
	redisClient *redis.Client
	logger      *zap.SugaredLogger
}

func NewRepositoryFactory(ctx context.Context, cfg *config.Config, logger *zap.SugaredLogger) *RepositoryFactory {
	factory := &RepositoryFactory{logger: logger}

	if !cfg.Redis.Enabled {
		logger.Info("redis disabled, registry events are not mirrored")
		return factory
	}

	client, err := redisrepo.NewRedisClient(ctx,
		cfg.Redis.Address,
		cfg.Redis.Password,
		cfg.Redis.DB,
		cfg.Redis.PoolSize,
		logger,
	)
	if err != nil {
		logger.Warnw("redis unavailable, registry events are not mirrored", "error", err)
		return factory
	}
	factory.redisClient = client
	return factory
}

// CreateStreamRegistry returns the in-memory registry shared by all agents.
func (f *RepositoryFactory) CreateStreamRegistry() ports.StreamRegistry {
	return memory.NewMemoryStreamRegistry()
}

// RedisClient returns the connected client, or nil when Redis is not in use.
func (f *RepositoryFactory) RedisClient() *redis.Client {
	return f.redisClient
}

func (f *RepositoryFactory) Close() error {
	return redisrepo.CloseRedisClient(f.redisClient)
}
