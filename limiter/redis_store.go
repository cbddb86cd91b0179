package limiter

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

//go:embed limiter.lua
var redisLimiterScript string

var redisScript = redis.NewScript(redisLimiterScript)

// KeyPrefix namespaces throttle buckets in Redis.
const KeyPrefix = "throttle:"

// RedisStore implements the Store interface on Redis, shared by every meterd
// instance pointing at the same server.
type RedisStore struct {
	client redis.Cmdable
	now    func() time.Time
}

// NewRedisStore creates a new Redis throttle store.
func NewRedisStore(client redis.Cmdable) *RedisStore {
	return &RedisStore{client: client, now: time.Now}
}

// Allow implements the Store interface for Redis storage using a Lua script for atomicity.
func (s *RedisStore) Allow(ctx context.Context, key string, rate float64, period float64) (bool, error) {
	now := float64(s.now().UnixNano()) / 1e9

	allowed, err := redisScript.Run(ctx, s.client, []string{KeyPrefix + key}, rate, rate/period, now, 1).Int64()
	if err != nil {
		log.Error().Err(err).Str("key", key).Msg("redis lua script execution failed")
		return false, fmt.Errorf("redis command failed for key %s: %w", key, err)
	}

	if allowed != 1 {
		log.Warn().Str("key", key).Bool("allowed", false).Msg("redis throttle limit exceeded")
		return false, nil
	}
	return true, nil
}
