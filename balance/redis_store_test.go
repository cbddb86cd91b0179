package balance

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedisStore(t *testing.T, opts ...RedisOption) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	opts = append([]RedisOption{WithRedisAddr(mr.Addr())}, opts...)
	s := NewRedisStore(opts...)
	t.Cleanup(func() { _ = s.Close() })
	return s, mr
}

func TestRedisStore_AbsentKeyReadsZero(t *testing.T) {
	s, _ := newTestRedisStore(t)

	v, err := s.Read(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(0), v)
}

func TestRedisStore_WriteReadDecrement(t *testing.T) {
	ctx := context.Background()
	s, mr := newTestRedisStore(t)

	require.NoError(t, s.Write(ctx, 100))
	got, err := mr.Get(DefaultKey)
	require.NoError(t, err)
	assert.Equal(t, "100", got)

	v, err := s.Decrement(ctx, 20)
	require.NoError(t, err)
	assert.Equal(t, int64(80), v)

	v, err = s.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(80), v)
}

func TestRedisStore_DecrementAbsentKeyGoesNegative(t *testing.T) {
	s, _ := newTestRedisStore(t, WithRedisKey("acct/test"))

	v, err := s.Decrement(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, int64(-7), v)
	assert.Equal(t, "acct/test", s.Key())
}

func TestRedisStore_DebitIfSufficient(t *testing.T) {
	ctx := context.Background()
	s, mr := newTestRedisStore(t)
	require.NoError(t, mr.Set(DefaultKey, "30"))

	v, ok, err := s.DebitIfSufficient(ctx, 20)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(10), v)

	v, ok, err = s.DebitIfSufficient(ctx, 20)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, int64(10), v)

	got, _ := mr.Get(DefaultKey)
	assert.Equal(t, "10", got)
}

func TestRedisStore_DebitAbsentKey(t *testing.T) {
	ctx := context.Background()
	s, mr := newTestRedisStore(t)

	v, ok, err := s.DebitIfSufficient(ctx, 5)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, int64(0), v)
	assert.False(t, mr.Exists(DefaultKey))
}

func TestRedisStore_NonIntegerValueIsUnavailable(t *testing.T) {
	s, mr := newTestRedisStore(t)
	require.NoError(t, mr.Set(DefaultKey, "lots"))

	_, err := s.Read(context.Background())
	assert.ErrorIs(t, err, ErrStoreUnavailable)
}

func TestRedisStore_UnreachableFailsFast(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	s := NewRedisStore(WithRedisAddr(addr), WithRedisDialTimeout(200*time.Millisecond))
	t.Cleanup(func() { _ = s.Close() })

	start := time.Now()
	_, err := s.Read(context.Background())
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	assert.Less(t, time.Since(start), 5*time.Second)

	assert.ErrorIs(t, s.Write(context.Background(), 1), ErrStoreUnavailable)
	_, err = s.Decrement(context.Background(), 1)
	assert.ErrorIs(t, err, ErrStoreUnavailable)
}

func TestRedisStore_ConnectsAfterEarlierFailure(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	s := NewRedisStore(WithRedisAddr(addr), WithRedisDialTimeout(200*time.Millisecond))
	t.Cleanup(func() { _ = s.Close() })

	require.ErrorIs(t, s.Ping(context.Background()), ErrStoreUnavailable)

	require.NoError(t, mr.StartAddr(addr))
	require.NoError(t, s.Ping(context.Background()))
}

func TestRedisStore_InjectedClient(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	s := NewRedisStore(WithRedisClient(client))
	require.NoError(t, s.Write(context.Background(), 12))
	require.NoError(t, s.Close())

	// the injected client stays usable after the store is closed
	v, err := client.Get(context.Background(), DefaultKey).Int64()
	require.NoError(t, err)
	assert.Equal(t, int64(12), v)
}

func TestRedisStore_CoordinatorRaceAndAtomic(t *testing.T) {
	ctx := context.Background()

	s, mr := newTestRedisStore(t)
	c := newCoordinator(t, s)
	_, err := c.Reset(ctx)
	require.NoError(t, err)

	res, err := c.Charge(ctx, NewUsageEvent("voice", 10))
	require.NoError(t, err)
	assert.Equal(t, ChargeResult{RemainingBalance: 80, Charges: 20, IsAuthorized: true}, res)
	got, _ := mr.Get(DefaultKey)
	assert.Equal(t, "80", got)

	atomicCoord := newCoordinator(t, s, WithMode(ModeAtomic))
	var wg sync.WaitGroup
	var mu sync.Mutex
	admitted := 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, err := atomicCoord.Charge(ctx, NewUsageEvent("data", 5))
			if err == nil && r.IsAuthorized {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	// 80 covers three 25-credit charges.
	assert.Equal(t, 3, admitted)
	got, _ = mr.Get(DefaultKey)
	assert.Equal(t, "5", got)
}

func TestRedisStore_RejectsNegativeAmounts(t *testing.T) {
	ctx := context.Background()
	s, mr := newTestRedisStore(t)
	require.NoError(t, mr.Set(DefaultKey, "100"))

	_, err := s.Decrement(ctx, -50)
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, _, err = s.DebitIfSufficient(ctx, -50)
	assert.ErrorIs(t, err, ErrInvalidInput)

	got, _ := mr.Get(DefaultKey)
	assert.Equal(t, "100", got)
}

func TestRedisStore_DebitIsExactAbove2To53(t *testing.T) {
	ctx := context.Background()
	s, mr := newTestRedisStore(t)

	// 2^53+1 rounds to 2^53 as a double, so a float comparison would admit it.
	require.NoError(t, mr.Set(DefaultKey, "9007199254740992"))
	v, ok, err := s.DebitIfSufficient(ctx, 9007199254740993)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, int64(9007199254740992), v)
	got, _ := mr.Get(DefaultKey)
	assert.Equal(t, "9007199254740992", got)

	require.NoError(t, mr.Set(DefaultKey, "9223372036854775807"))
	v, ok, err = s.DebitIfSufficient(ctx, math.MaxInt64-1)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(1), v)
	got, _ = mr.Get(DefaultKey)
	assert.Equal(t, "1", got)
}

func TestRedisStore_CoordinatorRejectsOverflowingUnits(t *testing.T) {
	ctx := context.Background()

	for _, mode := range []Mode{ModeCheckThenAct, ModeAtomic, ModeLocked} {
		s, mr := newTestRedisStore(t)
		c := newCoordinator(t, s, WithMode(mode), WithLocker(&mutexLocker{}))
		_, err := c.Reset(ctx)
		require.NoError(t, err)

		for _, unit := range []int64{math.MaxInt64, math.MaxInt64/2 + 1, math.MaxInt64 - 499} {
			res, err := c.Charge(ctx, NewUsageEvent("voice", unit))
			assert.ErrorIs(t, err, ErrInvalidInput, "mode %s unit %d", mode, unit)
			assert.Equal(t, ChargeResult{}, res)
		}
		res, err := c.Charge(ctx, NewUsageEvent("data", math.MaxInt64/5+1))
		assert.ErrorIs(t, err, ErrInvalidInput)
		assert.Equal(t, ChargeResult{}, res)

		got, _ := mr.Get(DefaultKey)
		assert.Equal(t, "100", got, "mode %s", mode)
	}
}
