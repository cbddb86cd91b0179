package extension

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *recorder) add(s string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, s)
}

func (r *recorder) ext(name string, loadErr, shutdownErr error) Func {
	return Func{
		ID: name,
		LoadFn: func(context.Context) error {
			r.add("load:" + name)
			return loadErr
		},
		ShutdownFn: func(context.Context) error {
			r.add("shutdown:" + name)
			return shutdownErr
		},
	}
}

func TestManager_LoadAndShutdownOrder(t *testing.T) {
	ctx := context.Background()
	rec := &recorder{}
	m := New()
	require.NoError(t, m.Register(rec.ext("store", nil, nil)))
	require.NoError(t, m.Register(rec.ext("grpc", nil, nil)))
	require.NoError(t, m.Register(rec.ext("queue", nil, nil)))

	require.NoError(t, m.LoadAll(ctx))
	require.NoError(t, m.ShutdownAll(ctx))

	assert.Equal(t, []string{
		"load:store", "load:grpc", "load:queue",
		"shutdown:queue", "shutdown:grpc", "shutdown:store",
	}, rec.calls)

	// nothing left loaded
	require.NoError(t, m.ShutdownAll(ctx))
	assert.Len(t, rec.calls, 6)
}

func TestManager_DuplicateRegister(t *testing.T) {
	m := New()
	require.NoError(t, m.Register(Func{ID: "a"}))
	assert.ErrorIs(t, m.Register(Func{ID: "a"}), ErrExtensionAlreadyRegistered)

	ext, ok := m.Get("a")
	assert.True(t, ok)
	assert.Equal(t, "a", ext.Name())
}

func TestManager_LoadFailureRollsBack(t *testing.T) {
	rec := &recorder{}
	boom := errors.New("boom")
	m := New()
	require.NoError(t, m.Register(rec.ext("a", nil, nil)))
	require.NoError(t, m.Register(rec.ext("b", nil, nil)))
	require.NoError(t, m.Register(rec.ext("c", boom, nil)))
	require.NoError(t, m.Register(rec.ext("d", nil, nil)))

	err := m.LoadAll(context.Background())
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, []string{"load:a", "load:b", "load:c", "shutdown:b", "shutdown:a"}, rec.calls)

	// rolled back extensions are not shut down again
	require.NoError(t, m.ShutdownAll(context.Background()))
	assert.Len(t, rec.calls, 5)
}

func TestManager_ShutdownJoinsErrors(t *testing.T) {
	rec := &recorder{}
	errA, errB := errors.New("a failed"), errors.New("b failed")
	m := New()
	require.NoError(t, m.Register(rec.ext("a", nil, errA)))
	require.NoError(t, m.Register(rec.ext("b", nil, errB)))
	require.NoError(t, m.Register(rec.ext("c", nil, nil)))
	require.NoError(t, m.LoadAll(context.Background()))

	err := m.ShutdownAll(context.Background())
	assert.ErrorIs(t, err, errA)
	assert.ErrorIs(t, err, errB)
	assert.Equal(t, []string{"load:a", "load:b", "load:c", "shutdown:c", "shutdown:b", "shutdown:a"}, rec.calls)
}

func TestManager_SetLoadOrder(t *testing.T) {
	rec := &recorder{}
	m := New()
	require.NoError(t, m.Register(rec.ext("a", nil, nil)))
	require.NoError(t, m.Register(rec.ext("b", nil, nil)))

	assert.ErrorIs(t, m.SetLoadOrder([]string{"a"}), ErrLoadOrderMismatch)
	assert.ErrorIs(t, m.SetLoadOrder([]string{"a", "x"}), ErrLoadOrderMissing)
	assert.ErrorIs(t, m.SetLoadOrder([]string{"a", "a"}), ErrLoadOrderDuplicate)

	require.NoError(t, m.SetLoadOrder([]string{"b", "a"}))
	require.NoError(t, m.LoadAll(context.Background()))
	assert.Equal(t, []string{"load:b", "load:a"}, rec.calls)
}

func TestFunc_NilHooks(t *testing.T) {
	f := Func{ID: "noop"}
	assert.NoError(t, f.Load(context.Background()))
	assert.NoError(t, f.Shutdown(context.Background()))
}
