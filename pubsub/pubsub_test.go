package pubsub

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/toolink/meter/balance"
	"github.com/toolink/meter/meta"
)

// collector gathers alerts delivered to a handler.
type collector struct {
	mu     sync.Mutex
	alerts []Alert
}

func (c *collector) handle(_ context.Context, a Alert) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.alerts = append(c.alerts, a)
}

func (c *collector) snapshot() []Alert {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Alert(nil), c.alerts...)
}

func (c *collector) waitFor(t *testing.T, n int) []Alert {
	t.Helper()
	require.Eventually(t, func() bool { return len(c.snapshot()) >= n }, 2*time.Second, 5*time.Millisecond)
	return c.snapshot()
}

func TestMemoryPubSub_FanOut(t *testing.T) {
	ctx := context.Background()
	ps := NewMemoryPubSub()
	t.Cleanup(func() { _ = ps.Close() })

	var a, b collector
	_, err := ps.Subscribe(ctx, "alerts", a.handle)
	require.NoError(t, err)
	idB, err := ps.Subscribe(ctx, "alerts", b.handle, WithConcurrency(2))
	require.NoError(t, err)

	require.NoError(t, ps.Publish(ctx, "alerts", Alert{Kind: KindReset, Balance: 100}))
	require.NoError(t, ps.Publish(ctx, "other", Alert{Kind: KindDenied}))

	assert.Equal(t, KindReset, a.waitFor(t, 1)[0].Kind)
	assert.Equal(t, int64(100), b.waitFor(t, 1)[0].Balance)

	require.NoError(t, ps.Unsubscribe(ctx, idB))
	assert.ErrorIs(t, ps.Unsubscribe(ctx, idB), ErrUnknownSubscription)

	require.NoError(t, ps.Publish(ctx, "alerts", Alert{Kind: KindLowBalance}))
	a.waitFor(t, 2)
	assert.Len(t, b.snapshot(), 1)
}

func TestMemoryPubSub_Validation(t *testing.T) {
	ctx := context.Background()
	ps := NewMemoryPubSub()

	_, err := ps.Subscribe(ctx, "", func(context.Context, Alert) {})
	assert.ErrorIs(t, err, ErrEmptyTopic)
	_, err = ps.Subscribe(ctx, "alerts", nil)
	assert.ErrorIs(t, err, ErrNilHandler)
	assert.ErrorIs(t, ps.Publish(ctx, "", Alert{}), ErrEmptyTopic)

	require.NoError(t, ps.Close())
	require.NoError(t, ps.Close())
	assert.ErrorIs(t, ps.Publish(ctx, "alerts", Alert{}), ErrClosed)
	_, err = ps.Subscribe(ctx, "alerts", func(context.Context, Alert) {})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestMemoryPubSub_FullBufferDrops(t *testing.T) {
	ctx := context.Background()
	ps := NewMemoryPubSub()
	t.Cleanup(func() { _ = ps.Close() })

	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	var got collector
	_, err := ps.Subscribe(ctx, "alerts", func(ctx context.Context, a Alert) {
		select {
		case entered <- struct{}{}:
		default:
		}
		<-release
		got.handle(ctx, a)
	}, WithBufferSize(1), WithDispatchTimeout(10*time.Millisecond))
	require.NoError(t, err)

	require.NoError(t, ps.Publish(ctx, "alerts", Alert{Kind: KindDenied}))
	<-entered
	for i := 1; i < 5; i++ {
		require.NoError(t, ps.Publish(ctx, "alerts", Alert{Kind: KindDenied, Balance: int64(i)}))
	}
	close(release)

	// one alert in the handler plus one buffered
	got.waitFor(t, 2)
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, got.snapshot(), 2)
}

func TestMemoryPubSub_HandlerPanicKeepsSubscription(t *testing.T) {
	ctx := context.Background()
	ps := NewMemoryPubSub()
	t.Cleanup(func() { _ = ps.Close() })

	var got collector
	_, err := ps.Subscribe(ctx, "alerts", func(ctx context.Context, a Alert) {
		if a.Kind == KindDenied {
			panic("boom")
		}
		got.handle(ctx, a)
	})
	require.NoError(t, err)

	require.NoError(t, ps.Publish(ctx, "alerts", Alert{Kind: KindDenied}))
	require.NoError(t, ps.Publish(ctx, "alerts", Alert{Kind: KindReset}))
	assert.Equal(t, KindReset, got.waitFor(t, 1)[0].Kind)
}

func TestRedisPubSub_RoundTrip(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	ps, err := NewRedisPubSub(client)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ps.Close() })

	var got collector
	id, err := ps.Subscribe(ctx, DefaultTopic, got.handle)
	require.NoError(t, err)

	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	require.NoError(t, ps.Publish(ctx, DefaultTopic, Alert{Kind: KindLowBalance, Balance: 5, Threshold: 10, At: at}))
	mr.Publish(DefaultTopic, "not json")

	alerts := got.waitFor(t, 1)
	assert.Equal(t, Alert{Kind: KindLowBalance, Balance: 5, Threshold: 10, At: at}, alerts[0])

	require.NoError(t, ps.Unsubscribe(ctx, id))
	require.NoError(t, ps.Close())
	assert.ErrorIs(t, ps.Publish(ctx, DefaultTopic, Alert{}), ErrClosed)
}

func TestNewRedisPubSub_NilClient(t *testing.T) {
	_, err := NewRedisPubSub(nil)
	assert.Error(t, err)
}

// stubMeter returns scripted results.
type stubMeter struct {
	res balance.ChargeResult
	err error
	bal int64
}

func (s *stubMeter) Charge(context.Context, balance.UsageEvent) (balance.ChargeResult, error) {
	return s.res, s.err
}

func (s *stubMeter) Reset(context.Context) (int64, error) { return s.bal, s.err }

func (s *stubMeter) Balance(context.Context) (int64, error) { return s.bal, s.err }

// recordingPubSub captures published alerts synchronously.
type recordingPubSub struct {
	published []Alert
	err       error
}

func (r *recordingPubSub) Publish(_ context.Context, _ string, a Alert) error {
	r.published = append(r.published, a)
	return r.err
}

func (r *recordingPubSub) Subscribe(context.Context, string, Handler, ...Option) (string, error) {
	return "", nil
}

func (r *recordingPubSub) Unsubscribe(context.Context, string) error { return nil }

func (r *recordingPubSub) Close() error { return nil }

func TestAlerter(t *testing.T) {
	ctx := meta.NewContext(context.Background(), meta.Metadata{RequestID: "req-1", Caller: "billing"})
	at := time.Date(2026, 10, 18, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		res  balance.ChargeResult
		want string
	}{
		{"denied", balance.ChargeResult{RemainingBalance: 5, IsAuthorized: false}, KindDenied},
		{"crosses threshold", balance.ChargeResult{RemainingBalance: 15, Charges: 10, IsAuthorized: true}, KindLowBalance},
		{"already below", balance.ChargeResult{RemainingBalance: 5, Charges: 5, IsAuthorized: true}, ""},
		{"above threshold", balance.ChargeResult{RemainingBalance: 50, Charges: 20, IsAuthorized: true}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ps := &recordingPubSub{}
			a := NewAlerter(&stubMeter{res: tt.res}, ps, "", 20)
			a.now = func() time.Time { return at }

			res, err := a.Charge(ctx, balance.NewUsageEvent("voice", 1))
			require.NoError(t, err)
			assert.Equal(t, tt.res, res)

			if tt.want == "" {
				assert.Empty(t, ps.published)
				return
			}
			require.Len(t, ps.published, 1)
			got := ps.published[0]
			assert.Equal(t, tt.want, got.Kind)
			assert.Equal(t, tt.res.RemainingBalance, got.Balance)
			assert.Equal(t, int64(20), got.Threshold)
			assert.Equal(t, "voice", got.ServiceType)
			assert.Equal(t, "req-1", got.RequestID)
			assert.Equal(t, "billing", got.Caller)
			assert.Equal(t, at, got.At)
		})
	}
}

func TestAlerter_ErrorsAndReset(t *testing.T) {
	ctx := context.Background()
	ps := &recordingPubSub{err: errors.New("redis down")}
	stub := &stubMeter{bal: 100}
	a := NewAlerter(stub, ps, "custom", 10)

	v, err := a.Reset(ctx)
	require.NoError(t, err, "publish failures are not surfaced")
	assert.Equal(t, int64(100), v)
	require.Len(t, ps.published, 1)
	assert.Equal(t, KindReset, ps.published[0].Kind)

	v, err = a.Balance(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(100), v)

	stub.err = balance.ErrStoreUnavailable
	_, err = a.Charge(ctx, balance.NewUsageEvent("data", 1))
	assert.ErrorIs(t, err, balance.ErrStoreUnavailable)
	_, err = a.Reset(ctx)
	assert.ErrorIs(t, err, balance.ErrStoreUnavailable)
	assert.Len(t, ps.published, 1)
}
