package limiter

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func prepared(t *testing.T, cfg Config) *Config {
	t.Helper()
	require.NoError(t, cfg.ValidateAndPrepare())
	return &cfg
}

func TestConfig_ValidateAndPrepare(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{name: "defaults to memory", cfg: Config{}},
		{name: "redis", cfg: Config{StorageType: StorageRedis, Rules: []Rule{{Method: "/meter.v1.Meter/Charge", Rate: 1, Period: 1}}}},
		{name: "bad storage", cfg: Config{StorageType: "disk"}, wantErr: true},
		{name: "empty method", cfg: Config{Rules: []Rule{{Rate: 1, Period: 1}}}, wantErr: true},
		{name: "duplicate method", cfg: Config{Rules: []Rule{{Method: "a", Rate: 1, Period: 1}, {Method: "a", Rate: 2, Period: 1}}}, wantErr: true},
		{name: "zero rate", cfg: Config{Rules: []Rule{{Method: "a", Rate: 0, Period: 1}}}, wantErr: true},
		{name: "negative period", cfg: Config{Rules: []Rule{{Method: "a", Rate: 1, Period: -1}}}, wantErr: true},
		{name: "bad regex", cfg: Config{Rules: []Rule{{Method: "([", IsRegex: true, Rate: 1, Period: 1}}}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.ValidateAndPrepare()
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
			assert.NotEmpty(t, tt.cfg.StorageType)
		})
	}
}

func TestConfig_NewStore(t *testing.T) {
	cfg := prepared(t, Config{})
	s, err := cfg.NewStore(nil)
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, s)

	cfg = prepared(t, Config{StorageType: StorageRedis})
	_, err = cfg.NewStore(nil)
	assert.Error(t, err)

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	s, err = cfg.NewStore(client)
	require.NoError(t, err)
	assert.IsType(t, &RedisStore{}, s)
}

func TestMemoryStore_TokenBucket(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	s := NewMemoryStore()
	s.now = clock.now

	for i := 0; i < 3; i++ {
		ok, err := s.Allow(ctx, "k", 3, 1)
		require.NoError(t, err)
		assert.True(t, ok, "call %d", i)
	}
	ok, _ := s.Allow(ctx, "k", 3, 1)
	assert.False(t, ok)

	// other keys have their own bucket
	ok, _ = s.Allow(ctx, "other", 3, 1)
	assert.True(t, ok)

	clock.advance(time.Second)
	ok, _ = s.Allow(ctx, "k", 3, 1)
	assert.True(t, ok)
}

func TestMemoryStore_Cleanup(t *testing.T) {
	clock := newClock()
	s := NewMemoryStore()
	s.now = clock.now

	_, _ = s.Allow(context.Background(), "old", 1, 1)
	clock.advance(defaultIdleTTL + time.Minute)
	_, _ = s.Allow(context.Background(), "fresh", 1, 1)

	assert.Equal(t, 1, s.Cleanup())
	assert.Len(t, s.entries, 1)
}

func TestRedisStore_TokenBucket(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	clock := newClock()
	s := NewRedisStore(client)
	s.now = clock.now

	for i := 0; i < 2; i++ {
		ok, err := s.Allow(ctx, "k", 2, 10)
		require.NoError(t, err)
		assert.True(t, ok, "call %d", i)
	}
	ok, err := s.Allow(ctx, "k", 2, 10)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.True(t, mr.Exists(KeyPrefix+"k"))

	// refill is 0.2 tokens per second
	clock.advance(5 * time.Second)
	ok, err = s.Allow(ctx, "k", 2, 10)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisStore_ErrorOnClosedServer(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })
	mr.Close()

	_, err := NewRedisStore(client).Allow(context.Background(), "k", 1, 1)
	assert.Error(t, err)
}

type errStore struct{}

func (errStore) Allow(context.Context, string, float64, float64) (bool, error) {
	return false, errors.New("down")
}

func TestLimiter_Allow(t *testing.T) {
	ctx := context.Background()
	cfg := prepared(t, Config{Rules: []Rule{
		{Method: "/meter.v1.Meter/Charge", Rate: 1, Period: 60},
		{Method: "^/meter\\.v1\\.Meter/(Reset|Balance)$", IsRegex: true, Rate: 2, Period: 60},
	}})
	l := New(cfg, NewMemoryStore())

	assert.True(t, l.Allow(ctx, "/meter.v1.Meter/Charge", "alice"))
	assert.False(t, l.Allow(ctx, "/meter.v1.Meter/Charge", "alice"))
	assert.True(t, l.Allow(ctx, "/meter.v1.Meter/Charge", "bob"))

	// the regex rule shares one bucket across matching methods
	assert.True(t, l.Allow(ctx, "/meter.v1.Meter/Reset", ""))
	assert.True(t, l.Allow(ctx, "/meter.v1.Meter/Balance", ""))
	assert.False(t, l.Allow(ctx, "/meter.v1.Meter/Reset", ""))

	// unmatched methods are never throttled
	for i := 0; i < 5; i++ {
		assert.True(t, l.Allow(ctx, "/grpc.health.v1.Health/Check", "alice"))
	}
}

func TestLimiter_FailsOpen(t *testing.T) {
	cfg := prepared(t, Config{Rules: []Rule{{Method: "m", Rate: 1, Period: 1}}})
	l := New(cfg, errStore{})
	assert.True(t, l.Allow(context.Background(), "m", "alice"))
}
