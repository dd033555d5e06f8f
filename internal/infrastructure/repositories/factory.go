package repositories

import (
	"context"

	"camwatch/internal/infrastructure/repositories/memory"
	redisrepo "camwatch/internal/infrastructure/repositories/redis"
	"camwatch/pkg/config"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RepositoryFactory wires the session registry and, when Redis is enabled
// and reachable, the Redis session mirror. The registry itself always lives
// in memory because entries hold process-local sinks and handles.
type RepositoryFactory struct {
	useRedis    bool
	redisClient *redis.Client
	registry    *memory.SessionRegistry
	instanceID  string
	cfg         *config.Config
	logger      *zap.SugaredLogger
}

// NewRepositoryFactory falls back to memory-only operation when Redis is
// enabled but unreachable.
func NewRepositoryFactory(cfg *config.Config, instanceID string, logger *zap.SugaredLogger) (*RepositoryFactory, error) {
	factory := &RepositoryFactory{
		useRedis:   cfg.Redis.Enabled,
		registry:   memory.NewSessionRegistry(),
		instanceID: instanceID,
		cfg:        cfg,
		logger:     logger,
	}

	if cfg.Redis.Enabled {
		client, err := redisrepo.NewRedisClient(
			cfg.Redis.Address,
			cfg.Redis.Password,
			cfg.Redis.DB,
			cfg.Redis.PoolSize,
			logger,
		)
		if err != nil {
			logger.Warnw("failed to connect to Redis, running without session mirror",
				"error", err,
			)
			factory.useRedis = false
		} else {
			factory.redisClient = client
			logger.Infow("using Redis session mirror", "instance_id", instanceID)
		}
	}

	if !factory.useRedis {
		logger.Info("using memory session registry only")
	}

	return factory, nil
}

func (f *RepositoryFactory) SessionRegistry() *memory.SessionRegistry {
	return f.registry
}

// RedisClient is nil when Redis is disabled or unreachable.
func (f *RepositoryFactory) RedisClient() *redis.Client {
	if !f.useRedis {
		return nil
	}
	return f.redisClient
}

// CreateSessionMirror returns nil when Redis is not in use.
func (f *RepositoryFactory) CreateSessionMirror() *redisrepo.SessionMirror {
	if !f.useRedis || f.redisClient == nil {
		return nil
	}
	return redisrepo.NewSessionMirror(f.redisClient, f.instanceID, f.cfg.Redis.MirrorTTL)
}

func (f *RepositoryFactory) Close() error {
	if f.redisClient != nil {
		return redisrepo.CloseRedisClient(f.redisClient)
	}
	return nil
}

// HealthCheck pings Redis when it is in use.
func (f *RepositoryFactory) HealthCheck(ctx context.Context) error {
	if f.useRedis && f.redisClient != nil {
		return f.redisClient.Ping(ctx).Err()
	}
	return nil
}
