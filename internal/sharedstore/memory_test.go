package sharedstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_SetGetRoundTrip(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "k", "v", 0))
	v, ok, err := m.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "v", v)
}

func TestMemoryStore_GetMissingKey(t *testing.T) {
	m := NewMemoryStore()
	_, ok, err := m.Get(context.Background(), "missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryStore_SetNXOnlySucceedsOnce(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()

	ok, err := m.SetNX(ctx, "lock", "holder-1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = m.SetNX(ctx, "lock", "holder-2", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "a second SetNX on a held key must fail")
}

func TestMemoryStore_SetNXSucceedsAfterExpiry(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()

	ok, err := m.SetNX(ctx, "lock", "holder-1", time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)

	time.Sleep(5 * time.Millisecond)

	ok, err = m.SetNX(ctx, "lock", "holder-2", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "an expired key must be acquirable again")
}

func TestMemoryStore_IncrDecr(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()

	n, err := m.Incr(ctx, "counter", 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = m.Incr(ctx, "counter", 0)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	n, err = m.Decr(ctx, "counter")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestMemoryStore_Del(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, m.Set(ctx, "k", "v", 0))
	require.NoError(t, m.Del(ctx, "k"))
	_, ok, _ := m.Get(ctx, "k")
	assert.False(t, ok)
}

func TestMemoryStore_PublishSubscribe(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()

	ch, cancel, err := m.Subscribe(ctx, "chan1")
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, m.Publish(ctx, "chan1", "hello"))

	select {
	case msg := <-ch:
		assert.Equal(t, "hello", msg)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for published message")
	}
}

func TestMemoryStore_PingAlwaysHealthy(t *testing.T) {
	m := NewMemoryStore()
	assert.NoError(t, m.Ping(context.Background()))
}
