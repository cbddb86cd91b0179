package redlb

import (
	"context"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/resolver"
)

func newTestRegistry(t *testing.T, opts ...Option) (*RedisRegistry, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	reg, err := NewRedisRegistry(client, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = reg.Close() })
	return reg, mr
}

func TestRegistry_RegisterDiscoverDeregister(t *testing.T) {
	ctx := context.Background()
	reg, _ := newTestRegistry(t)

	inst := &Instance{Service: "meter.v1.Meter", Address: "10.0.0.1:7070", Metadata: map[string]string{"mode": "atomic"}}
	deregister, err := reg.Register(ctx, inst)
	require.NoError(t, err)
	assert.NotEmpty(t, inst.ID)

	found, err := reg.Discover(ctx, "meter.v1.Meter")
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, inst, found[0])

	require.NoError(t, deregister(ctx))
	found, err = reg.Discover(ctx, "meter.v1.Meter")
	require.NoError(t, err)
	assert.Empty(t, found)
}

func TestRegistry_RegisterValidation(t *testing.T) {
	reg, _ := newTestRegistry(t)
	_, err := reg.Register(context.Background(), &Instance{Service: "svc"})
	assert.Error(t, err)
	_, err = reg.Register(context.Background(), &Instance{Address: "a:1"})
	assert.Error(t, err)

	_, err = NewRedisRegistry(nil)
	assert.Error(t, err)
}

func TestRegistry_ExpiredInstancesArePruned(t *testing.T) {
	ctx := context.Background()
	// heartbeat far beyond the test so only expiry matters
	reg, mr := newTestRegistry(t, WithTTL(time.Hour), WithHeartbeatInterval(50*time.Minute))

	_, err := reg.Register(ctx, &Instance{ID: "a", Service: "svc", Address: "a:1"})
	require.NoError(t, err)

	mr.FastForward(2 * time.Hour)

	found, err := reg.Discover(ctx, "svc")
	require.NoError(t, err)
	assert.Empty(t, found)

	members, err := mr.Members(reg.indexKey("svc"))
	if err == nil {
		assert.Empty(t, members)
	}
}

func TestRegistry_HeartbeatReRegisters(t *testing.T) {
	ctx := context.Background()
	reg, mr := newTestRegistry(t, WithTTL(3*time.Second), WithHeartbeatInterval(20*time.Millisecond))

	_, err := reg.Register(ctx, &Instance{ID: "a", Service: "svc", Address: "a:1"})
	require.NoError(t, err)

	mr.Del(reg.instanceKey("svc", "a"))

	require.Eventually(t, func() bool {
		return mr.Exists(reg.instanceKey("svc", "a"))
	}, 2*time.Second, 10*time.Millisecond)
}

type fakeClientConn struct {
	resolver.ClientConn

	mu     sync.Mutex
	states []resolver.State
	errs   []error
}

func (f *fakeClientConn) UpdateState(s resolver.State) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states = append(f.states, s)
	return nil
}

func (f *fakeClientConn) ReportError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs = append(f.errs, err)
}

func (f *fakeClientConn) lastState() (resolver.State, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.states) == 0 {
		return resolver.State{}, false
	}
	return f.states[len(f.states)-1], true
}

func TestResolver_FollowsRegistry(t *testing.T) {
	ctx := context.Background()
	reg, _ := newTestRegistry(t, WithWatchInterval(20*time.Millisecond))

	_, err := reg.Register(ctx, &Instance{ID: "a", Service: "svc", Address: "a:1", Metadata: map[string]string{"zone": "x"}})
	require.NoError(t, err)

	b := NewBuilder(reg)
	assert.Equal(t, Scheme, b.Scheme())

	cc := &fakeClientConn{}
	r, err := b.Build(resolver.Target{URL: *mustParse(t, "redlb:///svc")}, cc, resolver.BuildOptions{})
	require.NoError(t, err)
	defer r.Close()

	require.Eventually(t, func() bool {
		s, ok := cc.lastState()
		return ok && len(s.Addresses) == 1
	}, time.Second, 10*time.Millisecond)
	s, _ := cc.lastState()
	assert.Equal(t, "a:1", s.Addresses[0].Addr)
	assert.Equal(t, map[string]string{"zone": "x"}, InstanceMetadata(s.Addresses[0]))

	_, err = reg.Register(ctx, &Instance{ID: "b", Service: "svc", Address: "b:1"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		s, ok := cc.lastState()
		return ok && len(s.Addresses) == 2
	}, time.Second, 10*time.Millisecond)
}

func TestResolver_RequiresServiceName(t *testing.T) {
	reg, _ := newTestRegistry(t)
	_, err := NewBuilder(reg).Build(resolver.Target{URL: *mustParse(t, "redlb:///")}, &fakeClientConn{}, resolver.BuildOptions{})
	assert.Error(t, err)
}

func mustParse(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}
