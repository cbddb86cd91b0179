package config

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/toolink/meter/balance"
	"github.com/toolink/meter/limiter"
	"github.com/toolink/meter/pubsub"
	"github.com/toolink/meter/redlock"
)

const janitorInterval = 2 * time.Minute

// NewRedisClient builds a client for the configured Redis server. go-redis
// connects lazily, so no I/O happens here.
func (c *Config) NewRedisClient() *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         c.RedisAddr(),
		Password:     c.Store.Password,
		DB:           c.Store.DB,
		DialTimeout:  c.Store.DialTimeout,
		ReadTimeout:  c.Store.OpTimeout,
		WriteTimeout: c.Store.OpTimeout,
	})
}

// Closer releases a store's connections.
type Closer func()

// NewStore builds the balance store. client may be nil unless the backend is redis.
func (c *Config) NewStore(client redis.Cmdable) (balance.Store, Closer, error) {
	switch c.Store.Backend {
	case balance.StorageMemory:
		log.Warn().Msg("memory balance store selected, balance is not shared and is lost on exit")
		return balance.NewMemoryStore(), func() {}, nil
	case balance.StorageRedis:
		if client == nil {
			return nil, nil, fmt.Errorf("config: redis backend requires a redis client")
		}
		s := balance.NewRedisStore(
			balance.WithRedisClient(client),
			balance.WithRedisKey(c.Balance.Key),
			balance.WithRedisDialTimeout(c.Store.DialTimeout),
			balance.WithRedisOpTimeout(c.Store.OpTimeout),
		)
		return s, func() { _ = s.Close() }, nil
	case balance.StoragePostgres:
		s := balance.NewPostgresStore(c.Store.DatabaseURL,
			balance.WithPostgresKey(c.Balance.Key),
			balance.WithMigrations(c.Store.Migrate),
		)
		return s, s.Close, nil
	default:
		return nil, nil, fmt.Errorf("config: invalid backend %q", c.Store.Backend)
	}
}

// NewCoordinator builds the charge coordinator over store. client is needed
// only for the locked mode.
func (c *Config) NewCoordinator(store balance.Store, client redis.Cmdable) (*balance.Coordinator, error) {
	table, err := c.Tariff.Table()
	if err != nil {
		return nil, err
	}
	opts := []balance.Option{
		balance.WithTariff(table),
		balance.WithDefaultBalance(c.Balance.Default),
		balance.WithMode(c.Balance.Mode),
	}
	if c.Balance.Mode == balance.ModeLocked {
		if client == nil {
			return nil, fmt.Errorf("config: locked mode requires a redis client")
		}
		opts = append(opts, balance.WithLocker(redlock.New(client, c.Balance.Key+":lock", redlock.WithTTL(c.Balance.LockTTL))))
	}
	return balance.New(store, opts...)
}

// NewLimiter builds the inbound throttle, or nil when no rules are configured.
// A memory store is swept for idle callers until ctx ends.
func (c *Config) NewLimiter(ctx context.Context, client redis.Cmdable) (*limiter.Limiter, error) {
	if len(c.GRPC.Throttle.Rules) == 0 {
		return nil, nil
	}
	store, err := c.GRPC.Throttle.NewStore(client)
	if err != nil {
		return nil, err
	}
	if ms, ok := store.(*limiter.MemoryStore); ok {
		ms.StartJanitor(ctx, janitorInterval)
	}
	return limiter.New(&c.GRPC.Throttle, store), nil
}

// NewPubSub builds the alert transport. client may be nil for the memory backend.
func (c *Config) NewPubSub(client redis.UniversalClient) (pubsub.PubSub, error) {
	switch c.Alerts.Backend {
	case AlertsMemory:
		return pubsub.NewMemoryPubSub(), nil
	case AlertsRedis:
		if client == nil {
			return nil, fmt.Errorf("config: redis alerts require a redis client")
		}
		return pubsub.NewRedisPubSub(client)
	default:
		return nil, fmt.Errorf("config: invalid alerts backend %q", c.Alerts.Backend)
	}
}
