// Package redlock provides a Redis-backed mutex used to serialize balance
// charge sequences across processes.
package redlock

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const (
	// defaultTTL is the lock expiry if not set via WithTTL.
	defaultTTL = 2 * time.Second
	// defaultRetryDelay is the wait between acquisition attempts.
	defaultRetryDelay = 20 * time.Millisecond
	// defaultMaxRetries bounds Lock; 0 means retry until ctx ends.
	defaultMaxRetries = 100
)

var (
	// ErrNotAcquired is returned by TryLock when the lock is held elsewhere.
	ErrNotAcquired = errors.New("redlock: lock not acquired")
	// ErrWaitTimeout is returned when ctx ends before the lock is acquired.
	ErrWaitTimeout = errors.New("redlock: waiting for lock timed out or context cancelled")
	// ErrMaxRetries is returned when Lock gives up after the configured attempts.
	ErrMaxRetries = errors.New("redlock: maximum lock retries exceeded")
	// ErrReleaseFailed is returned when the lock expired or is held by another token.
	ErrReleaseFailed = errors.New("redlock: failed to release lock")
)

// releaseScript deletes the key only when it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Mutex is a distributed mutex on one Redis key. It is safe for concurrent
// use; every successful Lock gets its own token.
type Mutex struct {
	client     redis.Cmdable
	key        string
	ttl        time.Duration
	retryDelay time.Duration
	maxRetries int
}

// Option configures a Mutex.
type Option func(*Mutex)

// WithTTL sets how long a held lock survives without release.
func WithTTL(ttl time.Duration) Option {
	return func(m *Mutex) {
		if ttl > 0 {
			m.ttl = ttl
		}
	}
}

// WithRetryDelay sets the wait between acquisition attempts.
func WithRetryDelay(d time.Duration) Option {
	return func(m *Mutex) {
		if d > 0 {
			m.retryDelay = d
		}
	}
}

// WithMaxRetries sets the attempt budget for Lock. 0 retries until ctx ends.
func WithMaxRetries(n int) Option {
	return func(m *Mutex) {
		if n >= 0 {
			m.maxRetries = n
		}
	}
}

// New creates a Mutex on key.
func New(client redis.Cmdable, key string, opts ...Option) *Mutex {
	m := &Mutex{
		client:     client,
		key:        key,
		ttl:        defaultTTL,
		retryDelay: defaultRetryDelay,
		maxRetries: defaultMaxRetries,
	}
	for _, opt := range opts {
		opt(m)
	}
	log.Debug().Str("key", key).Dur("ttl", m.ttl).Dur("retry_delay", m.retryDelay).Int("max_retries", m.maxRetries).Msg("redis mutex created")
	return m
}

// Key returns the lock key.
func (m *Mutex) Key() string {
	return m.key
}

func (m *Mutex) acquire(ctx context.Context) (string, error) {
	token := uuid.NewString()
	ok, err := m.client.SetNX(ctx, m.key, token, m.ttl).Result()
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return "", ErrWaitTimeout
		}
		log.Error().Err(err).Str("key", m.key).Msg("failed to execute setnx command")
		return "", err
	}
	if !ok {
		return "", ErrNotAcquired
	}
	return token, nil
}

// TryLock makes a single acquisition attempt.
func (m *Mutex) TryLock(ctx context.Context) (func(context.Context) error, error) {
	token, err := m.acquire(ctx)
	if err != nil {
		return nil, err
	}
	log.Debug().Str("key", m.key).Str("token", token).Msg("lock acquired")
	return m.releaser(token), nil
}

// Lock blocks until the lock is acquired, ctx ends or the retry budget is
// spent. The returned function releases the lock.
func (m *Mutex) Lock(ctx context.Context) (func(context.Context) error, error) {
	token, err := m.acquire(ctx)
	if err == nil {
		return m.releaser(token), nil
	}
	if !errors.Is(err, ErrNotAcquired) {
		return nil, err
	}

	ticker := time.NewTicker(m.retryDelay)
	defer ticker.Stop()

	for attempt := 1; ; attempt++ {
		select {
		case <-ctx.Done():
			log.Warn().Err(ctx.Err()).Str("key", m.key).Int("retries_attempted", attempt-1).Msg("context ended while waiting for lock")
			return nil, ErrWaitTimeout
		case <-ticker.C:
		}

		token, err := m.acquire(ctx)
		if err == nil {
			log.Debug().Str("key", m.key).Int("retries_needed", attempt).Msg("lock acquired after waiting")
			return m.releaser(token), nil
		}
		if !errors.Is(err, ErrNotAcquired) {
			return nil, err
		}
		if m.maxRetries > 0 && attempt >= m.maxRetries {
			log.Warn().Str("key", m.key).Int("retries_attempted", attempt).Msg("maximum lock retries exceeded")
			return nil, ErrMaxRetries
		}
	}
}

func (m *Mutex) releaser(token string) func(context.Context) error {
	return func(ctx context.Context) error {
		res, err := releaseScript.Run(ctx, m.client, []string{m.key}, token).Int64()
		if err != nil {
			log.Error().Err(err).Str("key", m.key).Msg("failed to execute release script")
			return err
		}
		if res != 1 {
			log.Warn().Str("key", m.key).Str("token", token).Msg("lock release failed, expired or held by another token")
			return ErrReleaseFailed
		}
		return nil
	}
}
