package ltpcache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AmanVatsSharma/Kite-COnnect-Backend-sub002/internal/sharedstore"
)

func TestCache_PutThenGetWithinTTL(t *testing.T) {
	c := New(10, time.Minute, sharedstore.NewMemoryStore(), time.Minute, nil)
	c.Put(context.Background(), Entry{Token: 1, Exchange: "NSE", LastPrice: 101.5})

	e, ok := c.Get(1)
	require.True(t, ok)
	assert.Equal(t, 101.5, e.LastPrice)
}

func TestCache_GetMissingTokenReturnsFalse(t *testing.T) {
	c := New(10, time.Minute, sharedstore.NewMemoryStore(), time.Minute, nil)
	_, ok := c.Get(999)
	assert.False(t, ok)
}

func TestCache_EntryOlderThanTTLIsAMiss(t *testing.T) {
	c := New(10, time.Millisecond, sharedstore.NewMemoryStore(), time.Minute, nil)
	c.Put(context.Background(), Entry{Token: 1, LastPrice: 100, ObservedAt: time.Now().Add(-time.Hour)})

	_, ok := c.Get(1)
	assert.False(t, ok)
}

func TestCache_EvictsLeastRecentlyUsedAtCapacity(t *testing.T) {
	// No shared tier here: with one, Get(1) would be answered from the
	// shared store after the local eviction.
	c := New(2, time.Minute, nil, time.Minute, nil)
	c.Put(context.Background(), Entry{Token: 1, LastPrice: 1})
	c.Put(context.Background(), Entry{Token: 2, LastPrice: 2})
	c.Put(context.Background(), Entry{Token: 3, LastPrice: 3})

	assert.Equal(t, 2, c.Len())
	_, ok := c.Get(1)
	assert.False(t, ok, "token 1 should have been evicted as least recently used")
	_, ok = c.Get(3)
	assert.True(t, ok)
}

func TestCache_FallsBackToSharedStoreOnLocalMiss(t *testing.T) {
	shared := sharedstore.NewMemoryStore()
	writer := New(10, time.Minute, shared, time.Minute, nil)
	writer.Put(context.Background(), Entry{Token: 5, Exchange: "BSE", LastPrice: 42})

	// A second cache instance sharing the same store but with an empty
	// local tier should still resolve the token via the shared tier.
	reader := New(10, time.Minute, shared, time.Minute, nil)
	e, ok := reader.Get(5)
	require.True(t, ok)
	assert.Equal(t, 42.0, e.LastPrice)
}

func TestCache_GetManyReturnsOnlyHits(t *testing.T) {
	c := New(10, time.Minute, sharedstore.NewMemoryStore(), time.Minute, nil)
	c.Put(context.Background(), Entry{Token: 1, LastPrice: 10})
	c.Put(context.Background(), Entry{Token: 2, LastPrice: 20})

	out := c.GetMany([]int64{1, 2, 3})
	assert.Len(t, out, 2)
	assert.Equal(t, 10.0, out[1].LastPrice)
	assert.Equal(t, 20.0, out[2].LastPrice)
}
