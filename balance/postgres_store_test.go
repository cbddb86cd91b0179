//go:build integration

package balance

import (
	"context"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPostgresStore(t *testing.T) *PostgresStore {
	t.Helper()
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		dsn = "postgres://localhost:5432/meter_test?sslmode=disable"
	}
	pool, err := pgxpool.New(context.Background(), dsn)
	require.NoError(t, err)
	if err := pool.Ping(context.Background()); err != nil {
		t.Fatalf("postgres not available: %v", err)
	}
	t.Cleanup(pool.Close)

	key := "test/" + t.Name()
	s := NewPostgresStore("", WithPostgresPool(pool), WithPostgresKey(key))
	t.Cleanup(func() {
		pool.Exec(context.Background(), `DELETE FROM meter_balances WHERE balance_key = $1`, key)
	})
	return s
}

func TestPostgresStore_ReadWriteDecrement(t *testing.T) {
	ctx := context.Background()
	s := newTestPostgresStore(t)

	v, err := s.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), v)

	v, err = s.Decrement(ctx, 4)
	require.NoError(t, err)
	assert.Equal(t, int64(-4), v)

	require.NoError(t, s.Write(ctx, 100))
	v, err = s.Decrement(ctx, 20)
	require.NoError(t, err)
	assert.Equal(t, int64(80), v)
}

func TestPostgresStore_DebitIfSufficient(t *testing.T) {
	ctx := context.Background()
	s := newTestPostgresStore(t)

	v, ok, err := s.DebitIfSufficient(ctx, 0)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(0), v)

	require.NoError(t, s.Write(ctx, 30))
	v, ok, err = s.DebitIfSufficient(ctx, 20)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(10), v)

	v, ok, err = s.DebitIfSufficient(ctx, 20)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, int64(10), v)
}

func TestPostgresStore_Coordinator(t *testing.T) {
	ctx := context.Background()
	c := newCoordinator(t, newTestPostgresStore(t))

	_, err := c.Reset(ctx)
	require.NoError(t, err)

	res, err := c.Charge(ctx, NewUsageEvent("voice", 10))
	require.NoError(t, err)
	assert.Equal(t, ChargeResult{RemainingBalance: 80, Charges: 20, IsAuthorized: true}, res)
}

func TestPostgresStore_BadDSNIsUnavailable(t *testing.T) {
	s := NewPostgresStore("postgres://nobody@127.0.0.1:1/none?sslmode=disable&connect_timeout=1")
	_, err := s.Read(context.Background())
	assert.ErrorIs(t, err, ErrStoreUnavailable)
}
