package balance

import (
	"context"
	_ "embed" // needed for go:embed
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

//go:embed debit.lua
var debitLua string

var debitScript = redis.NewScript(debitLua)

// Redis defaults
const (
	DefaultRedisAddr        = "localhost:6379"
	DefaultRedisDialTimeout = 5 * time.Second
	DefaultRedisOpTimeout   = 3 * time.Second
)

type redisOptions struct {
	client      redis.Cmdable
	addr        string
	password    string
	db          int
	key         string
	dialTimeout time.Duration
	opTimeout   time.Duration
}

// RedisOption configures a RedisStore.
type RedisOption func(*redisOptions)

// WithRedisClient uses a pre-built client instead of dialing addr. The store
// still pings it on first use but never closes it.
func WithRedisClient(client redis.Cmdable) RedisOption {
	return func(o *redisOptions) { o.client = client }
}

// WithRedisAddr sets the host:port to dial (default localhost:6379).
func WithRedisAddr(addr string) RedisOption {
	return func(o *redisOptions) {
		if addr != "" {
			o.addr = addr
		}
	}
}

// WithRedisPassword sets the AUTH password.
func WithRedisPassword(password string) RedisOption {
	return func(o *redisOptions) { o.password = password }
}

// WithRedisDB selects the logical database.
func WithRedisDB(db int) RedisOption {
	return func(o *redisOptions) { o.db = db }
}

// WithRedisKey sets the balance key (default "account1/balance").
func WithRedisKey(key string) RedisOption {
	return func(o *redisOptions) {
		if key != "" {
			o.key = key
		}
	}
}

// WithRedisDialTimeout bounds connection setup and the initial ping.
func WithRedisDialTimeout(d time.Duration) RedisOption {
	return func(o *redisOptions) {
		if d > 0 {
			o.dialTimeout = d
		} else {
			log.Warn().Dur("invalid_dial_timeout", d).Msg("ignoring non-positive redis dial timeout option")
		}
	}
}

// WithRedisOpTimeout bounds each command when the caller's context has no deadline.
func WithRedisOpTimeout(d time.Duration) RedisOption {
	return func(o *redisOptions) {
		if d > 0 {
			o.opTimeout = d
		} else {
			log.Warn().Dur("invalid_op_timeout", d).Msg("ignoring non-positive redis op timeout option")
		}
	}
}

// RedisStore keeps the balance in a single Redis key.
//
// The connection is established lazily on the first call and reused for the
// lifetime of the store. A failed connect is reported as ErrStoreUnavailable
// and retried by the next call.
type RedisStore struct {
	opts redisOptions

	mu     sync.Mutex
	client redis.Cmdable
	owned  *redis.Client // non-nil when the store dialed the client itself
	ready  bool
}

var (
	_ Store         = (*RedisStore)(nil)
	_ AtomicDebiter = (*RedisStore)(nil)
)

// NewRedisStore creates a Redis-backed store. No connection is made here.
func NewRedisStore(opts ...RedisOption) *RedisStore {
	o := redisOptions{
		addr:        DefaultRedisAddr,
		key:         DefaultKey,
		dialTimeout: DefaultRedisDialTimeout,
		opTimeout:   DefaultRedisOpTimeout,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return &RedisStore{opts: o, client: o.client}
}

// Key returns the balance key.
func (s *RedisStore) Key() string {
	return s.opts.key
}

// conn returns a ready client, connecting on first use.
func (s *RedisStore) conn(ctx context.Context) (redis.Cmdable, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ready {
		return s.client, nil
	}

	if s.client == nil {
		c := redis.NewClient(&redis.Options{
			Addr:         s.opts.addr,
			Password:     s.opts.password,
			DB:           s.opts.db,
			DialTimeout:  s.opts.dialTimeout,
			ReadTimeout:  s.opts.opTimeout,
			WriteTimeout: s.opts.opTimeout,
		})
		s.client = c
		s.owned = c
	}

	pingCtx, cancel := context.WithTimeout(ctx, s.opts.dialTimeout)
	defer cancel()
	if err := s.client.Ping(pingCtx).Err(); err != nil {
		log.Error().Err(err).Str("addr", s.opts.addr).Msg("failed to connect to redis balance store")
		return nil, fmt.Errorf("%w: connect to redis: %w", ErrStoreUnavailable, err)
	}

	s.ready = true
	log.Info().Str("addr", s.opts.addr).Str("key", s.opts.key).Msg("redis balance store ready")
	return s.client, nil
}

func (s *RedisStore) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok || s.opts.opTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.opts.opTimeout)
}

func (s *RedisStore) fail(op string, err error) error {
	log.Error().Err(err).Str("key", s.opts.key).Str("op", op).Msg("redis balance command failed")
	return fmt.Errorf("%w: %s %s: %w", ErrStoreUnavailable, op, s.opts.key, err)
}

// Read implements Store. A missing key reads as 0.
func (s *RedisStore) Read(ctx context.Context) (int64, error) {
	c, err := s.conn(ctx)
	if err != nil {
		return 0, err
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	v, err := c.Get(ctx, s.opts.key).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, s.fail("get", err)
	}
	return v, nil
}

// Write implements Store.
func (s *RedisStore) Write(ctx context.Context, value int64) error {
	c, err := s.conn(ctx)
	if err != nil {
		return err
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	if err := c.Set(ctx, s.opts.key, value, 0).Err(); err != nil {
		return s.fail("set", err)
	}
	log.Debug().Str("key", s.opts.key).Int64("balance", value).Msg("redis balance written")
	return nil
}

// Decrement implements Store using DECRBY.
func (s *RedisStore) Decrement(ctx context.Context, amount int64) (int64, error) {
	if err := checkAmount(amount); err != nil {
		return 0, err
	}
	c, err := s.conn(ctx)
	if err != nil {
		return 0, err
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	v, err := c.DecrBy(ctx, s.opts.key, amount).Result()
	if err != nil {
		return 0, s.fail("decrby", err)
	}
	return v, nil
}

// DebitIfSufficient implements AtomicDebiter with a server-side Lua script.
func (s *RedisStore) DebitIfSufficient(ctx context.Context, amount int64) (int64, bool, error) {
	if err := checkAmount(amount); err != nil {
		return 0, false, err
	}
	c, err := s.conn(ctx)
	if err != nil {
		return 0, false, err
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	res, err := debitScript.Run(ctx, c, []string{s.opts.key}, amount).Slice()
	if err != nil {
		return 0, false, s.fail("debit", err)
	}
	if len(res) != 2 {
		return 0, false, s.fail("debit", fmt.Errorf("unexpected script result length %d", len(res)))
	}
	debited, ok := res[0].(int64)
	raw, isStr := res[1].(string)
	if !ok || !isStr {
		return 0, false, s.fail("debit", fmt.Errorf("unexpected script result %v", res))
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false, s.fail("debit", err)
	}
	return v, debited == 1, nil
}

// Ping checks connectivity, connecting first if needed.
func (s *RedisStore) Ping(ctx context.Context) error {
	c, err := s.conn(ctx)
	if err != nil {
		return err
	}
	if err := c.Ping(ctx).Err(); err != nil {
		return s.fail("ping", err)
	}
	return nil
}

// Close closes the client if the store dialed it.
func (s *RedisStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ready = false
	if s.owned == nil {
		return nil
	}
	err := s.owned.Close()
	s.owned = nil
	s.client = s.opts.client
	return err
}
