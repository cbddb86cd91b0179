package balance

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/rs/zerolog/log"
)

//go:embed migrations/*.sql
var migrations embed.FS

// PostgresStore keeps the balance as one row of the meter_balances table.
//
// Like RedisStore it opens its pool lazily on first use and applies the
// embedded migrations once before serving.
type PostgresStore struct {
	dsn     string
	key     string
	migrate bool

	mu    sync.Mutex
	pool  *pgxpool.Pool
	owned bool
}

var (
	_ Store         = (*PostgresStore)(nil)
	_ AtomicDebiter = (*PostgresStore)(nil)
)

// PostgresOption configures a PostgresStore.
type PostgresOption func(*PostgresStore)

// WithPostgresPool uses an existing pool instead of dialing the DSN. The
// store never closes a pool it did not open.
func WithPostgresPool(pool *pgxpool.Pool) PostgresOption {
	return func(s *PostgresStore) { s.pool = pool }
}

// WithPostgresKey sets the balance row key (default "account1/balance").
func WithPostgresKey(key string) PostgresOption {
	return func(s *PostgresStore) {
		if key != "" {
			s.key = key
		}
	}
}

// WithMigrations toggles applying the embedded schema on first use (default on).
func WithMigrations(enabled bool) PostgresOption {
	return func(s *PostgresStore) { s.migrate = enabled }
}

// NewPostgresStore creates a Postgres-backed store. No connection is made here.
func NewPostgresStore(dsn string, opts ...PostgresOption) *PostgresStore {
	s := &PostgresStore{
		dsn:     strings.TrimSpace(dsn),
		key:     DefaultKey,
		migrate: true,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *PostgresStore) conn(ctx context.Context) (*pgxpool.Pool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pool != nil && !s.migrate {
		return s.pool, nil
	}

	pool := s.pool
	if pool == nil {
		cfg, err := pgxpool.ParseConfig(s.dsn)
		if err != nil {
			return nil, fmt.Errorf("%w: parse postgres dsn: %w", ErrStoreUnavailable, err)
		}
		pool, err = pgxpool.NewWithConfig(ctx, cfg)
		if err != nil {
			log.Error().Err(err).Msg("failed to open postgres pool")
			return nil, fmt.Errorf("%w: open postgres pool: %w", ErrStoreUnavailable, err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			log.Error().Err(err).Msg("failed to connect to postgres balance store")
			return nil, fmt.Errorf("%w: connect to postgres: %w", ErrStoreUnavailable, err)
		}
		s.owned = true
	}

	if s.migrate {
		if err := runMigrations(ctx, pool); err != nil {
			if s.owned {
				pool.Close()
				s.owned = false
			}
			log.Error().Err(err).Msg("failed to apply balance store migrations")
			return nil, fmt.Errorf("%w: migrate: %w", ErrStoreUnavailable, err)
		}
		s.migrate = false
	}

	s.pool = pool
	log.Info().Str("key", s.key).Msg("postgres balance store ready")
	return pool, nil
}

func runMigrations(ctx context.Context, pool *pgxpool.Pool) error {
	db := stdlib.OpenDB(*pool.Config().ConnConfig)
	defer db.Close()

	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	return goose.UpContext(ctx, db, "migrations")
}

func (s *PostgresStore) fail(op string, err error) error {
	log.Error().Err(err).Str("key", s.key).Str("op", op).Msg("postgres balance query failed")
	return fmt.Errorf("%w: %s %s: %w", ErrStoreUnavailable, op, s.key, err)
}

// Read implements Store. A missing row reads as 0.
func (s *PostgresStore) Read(ctx context.Context) (int64, error) {
	pool, err := s.conn(ctx)
	if err != nil {
		return 0, err
	}
	var v int64
	err = pool.QueryRow(ctx, `SELECT value FROM meter_balances WHERE balance_key = $1`, s.key).Scan(&v)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, s.fail("read", err)
	}
	return v, nil
}

// Write implements Store.
func (s *PostgresStore) Write(ctx context.Context, value int64) error {
	pool, err := s.conn(ctx)
	if err != nil {
		return err
	}
	_, err = pool.Exec(ctx, `
INSERT INTO meter_balances (balance_key, value)
VALUES ($1, $2)
ON CONFLICT (balance_key) DO UPDATE SET
  value = EXCLUDED.value,
  updated_at = now()
`, s.key, value)
	if err != nil {
		return s.fail("write", err)
	}
	return nil
}

// Decrement implements Store. A missing row is created from 0.
func (s *PostgresStore) Decrement(ctx context.Context, amount int64) (int64, error) {
	if err := checkAmount(amount); err != nil {
		return 0, err
	}
	pool, err := s.conn(ctx)
	if err != nil {
		return 0, err
	}
	var v int64
	err = pool.QueryRow(ctx, `
INSERT INTO meter_balances (balance_key, value)
VALUES ($1, -$2::bigint)
ON CONFLICT (balance_key) DO UPDATE SET
  value = meter_balances.value - $2::bigint,
  updated_at = now()
RETURNING value
`, s.key, amount).Scan(&v)
	if err != nil {
		return 0, s.fail("decrement", err)
	}
	return v, nil
}

// DebitIfSufficient implements AtomicDebiter with a conditional UPDATE.
func (s *PostgresStore) DebitIfSufficient(ctx context.Context, amount int64) (int64, bool, error) {
	if err := checkAmount(amount); err != nil {
		return 0, false, err
	}
	pool, err := s.conn(ctx)
	if err != nil {
		return 0, false, err
	}

	var v int64
	err = pool.QueryRow(ctx, `
UPDATE meter_balances
SET value = value - $2::bigint, updated_at = now()
WHERE balance_key = $1 AND value >= $2::bigint
RETURNING value
`, s.key, amount).Scan(&v)
	if err == nil {
		return v, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, false, s.fail("debit", err)
	}

	// Nothing updated: either the row is missing or the balance is short.
	current, err := s.Read(ctx)
	if err != nil {
		return 0, false, err
	}
	if amount == 0 && Authorize(current, 0) {
		return current, true, nil
	}
	return current, false, nil
}

// Close closes the pool if the store opened it.
func (s *PostgresStore) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.owned && s.pool != nil {
		s.pool.Close()
		s.pool = nil
		s.owned = false
	}
}
