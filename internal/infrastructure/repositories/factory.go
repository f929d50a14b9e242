package repositories

import (
	"context"
	"time"

	"chanrelay/internal/core/ports"
	"chanrelay/internal/infrastructure/distributed"
	"chanrelay/internal/infrastructure/repositories/memory"
	redisrepo "chanrelay/internal/infrastructure/repositories/redis"
	"chanrelay/pkg/config"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RepositoryFactory picks Redis-backed stores and bus when Redis is enabled and
// reachable, and single-process ones otherwise.
type RepositoryFactory struct {
	useRedis    bool
	redisClient *redis.Client
	keys        redisrepo.Keys
	buffer      int
	ackTimeout  time.Duration
	metrics     ports.Metrics
	logger      *zap.SugaredLogger

	// memory stores are shared so every session in this process sees the same state
	presence  ports.PresenceStore
	signaling ports.SignalingStore
	localBus  *distributed.LocalBus
}

func NewRepositoryFactory(ctx context.Context, cfg *config.Config, metrics ports.Metrics, logger *zap.SugaredLogger) *RepositoryFactory {
	factory := &RepositoryFactory{
		useRedis:   cfg.Redis.Enabled,
		keys:       redisrepo.NewKeys(cfg.Redis.KeyPrefix),
		buffer:     cfg.Relay.DeliveryBuffer,
		ackTimeout: cfg.Relay.SubscribeAckTimeout,
		metrics:    metrics,
		logger:     logger,
	}

	if cfg.Redis.Enabled {
		client, err := redisrepo.NewRedisClient(ctx, redisrepo.Options{
			Address:  cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		}, factory.keys, logger)
		if err != nil {
			logger.Warnw("failed to connect to Redis, falling back to single-process stores",
				"error", err,
			)
			factory.useRedis = false
		} else {
			factory.redisClient = client
			logger.Info("using Redis stores and bus")
		}
	}

	if !factory.useRedis {
		logger.Info("using single-process stores and bus")
		factory.presence = memory.NewPresenceStore()
		factory.signaling = memory.NewSignalingStore()
		factory.localBus = distributed.NewLocalBus(factory.buffer, metrics, logger)
	}

	return factory
}

func (f *RepositoryFactory) UsesRedis() bool {
	return f.useRedis
}

// RedisClient is nil in single-process mode.
func (f *RepositoryFactory) RedisClient() *redis.Client {
	return f.redisClient
}

func (f *RepositoryFactory) CreatePresenceStore() ports.PresenceStore {
	if f.useRedis {
		return redisrepo.NewPresenceStore(f.redisClient, f.keys)
	}
	return f.presence
}

func (f *RepositoryFactory) CreateSignalingStore() ports.SignalingStore {
	if f.useRedis {
		return redisrepo.NewSignalingStore(f.redisClient, f.keys)
	}
	return f.signaling
}

func (f *RepositoryFactory) CreateBus() ports.Bus {
	if f.useRedis {
		bus := distributed.NewRedisBus(f.redisClient, f.keys, f.buffer, f.metrics, f.logger)
		bus.SetAckTimeout(f.ackTimeout)
		return bus
	}
	return f.localBus
}

func (f *RepositoryFactory) Close() error {
	return redisrepo.CloseRedisClient(f.redisClient)
}

// HealthCheck pings Redis when it is in use.
func (f *RepositoryFactory) HealthCheck(ctx context.Context) error {
	if f.useRedis {
		return f.redisClient.Ping(ctx).Err()
	}
	return nil
}
