package batcher

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AmanVatsSharma/Kite-COnnect-Backend-sub002/internal/ltpcache"
	"github.com/AmanVatsSharma/Kite-COnnect-Backend-sub002/internal/provider"
	"github.com/AmanVatsSharma/Kite-COnnect-Backend-sub002/internal/sharedstore"
)

// countingAdapter answers GetLTP with a fixed price per token and counts
// how many times it was invoked, so tests can assert on coalescing.
type countingAdapter struct {
	calls int64
}

func (a *countingAdapter) Name() provider.Name { return provider.ProviderF }
func (a *countingAdapter) GetQuote(ctx context.Context, exchange string, tokens []int64) (map[int64]provider.Quote, error) {
	return nil, nil
}
func (a *countingAdapter) GetLTP(ctx context.Context, exchange string, tokens []int64) (map[int64]float64, error) {
	atomic.AddInt64(&a.calls, 1)
	out := make(map[int64]float64, len(tokens))
	for _, t := range tokens {
		out[t] = float64(t) * 10
	}
	return out, nil
}
func (a *countingAdapter) GetLTPByPairs(ctx context.Context, pairs []provider.ExchangeToken) (map[int64]float64, error) {
	return nil, nil
}
func (a *countingAdapter) GetOHLC(ctx context.Context, exchange string, token int64, interval string, from, to string) ([]provider.OHLCBar, error) {
	return nil, nil
}
func (a *countingAdapter) GetHistoricalData(ctx context.Context, exchange string, token int64, interval string, from, to string) ([]provider.OHLCBar, error) {
	return nil, nil
}
func (a *countingAdapter) GetInstruments(ctx context.Context, exchange string) ([]provider.InstrumentRecord, error) {
	return nil, nil
}
func (a *countingAdapter) InitializeTicker(ctx context.Context) (provider.Ticker, error) {
	return nil, nil
}
func (a *countingAdapter) RestartTicker(ctx context.Context, current provider.Ticker) (provider.Ticker, error) {
	return nil, nil
}
func (a *countingAdapter) Ping(ctx context.Context) error { return nil }

func newTestBatcher(t *testing.T, adapter provider.Adapter, window time.Duration) *LTPBatcher {
	t.Helper()
	store := sharedstore.NewMemoryStore()
	cache := ltpcache.New(100, time.Minute, store, time.Minute, nil)
	queue := provider.NewQueueSet(store, zerolog.Nop(), nil, 50*time.Millisecond, time.Millisecond, 2*time.Millisecond, 20)
	resolver := provider.NewResolver(map[provider.Name]provider.Adapter{provider.ProviderF: adapter}, provider.ProviderF)
	return NewLTPBatcher(window, 500, cache, time.Minute, queue, resolver, zerolog.Nop(), nil)
}

func TestLTPBatcher_ServesFromCacheWithoutCallingUpstream(t *testing.T) {
	adapter := &countingAdapter{}
	store := sharedstore.NewMemoryStore()
	cache := ltpcache.New(100, time.Minute, store, time.Minute, nil)
	cache.Put(context.Background(), ltpcache.Entry{Token: 1, Exchange: "NSE", LastPrice: 55})
	queue := provider.NewQueueSet(store, zerolog.Nop(), nil, 50*time.Millisecond, time.Millisecond, 2*time.Millisecond, 20)
	resolver := provider.NewResolver(map[provider.Name]provider.Adapter{provider.ProviderF: adapter}, provider.ProviderF)
	b := NewLTPBatcher(50*time.Millisecond, 500, cache, time.Minute, queue, resolver, zerolog.Nop(), nil)

	out, err := b.GetLTP(context.Background(), "NSE", "", []int64{1})
	require.NoError(t, err)
	assert.Equal(t, 55.0, out[1])
	assert.Equal(t, int64(0), adapter.calls, "a fully cache-served request must not reach upstream")
}

func TestLTPBatcher_CoalescesConcurrentCallsIntoOneUpstreamHit(t *testing.T) {
	adapter := &countingAdapter{}
	b := newTestBatcher(t, adapter, 30*time.Millisecond)

	results := make(chan map[int64]float64, 2)
	go func() {
		out, err := b.GetLTP(context.Background(), "NSE", "", []int64{1, 2})
		require.NoError(t, err)
		results <- out
	}()
	go func() {
		out, err := b.GetLTP(context.Background(), "NSE", "", []int64{2, 3})
		require.NoError(t, err)
		results <- out
	}()

	r1 := <-results
	r2 := <-results

	assert.Equal(t, int64(1), atomic.LoadInt64(&adapter.calls), "overlapping calls within the window must dedupe into one upstream call")
	assert.Equal(t, 10.0, r1[1])
	assert.Equal(t, 20.0, r1[2])
	assert.Equal(t, 20.0, r2[2])
	assert.Equal(t, 30.0, r2[3])
}

func TestLTPBatcher_ContextCancellationUnblocksCaller(t *testing.T) {
	adapter := &countingAdapter{}
	b := newTestBatcher(t, adapter, time.Hour) // window never fires on its own

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := b.GetLTP(ctx, "NSE", "", []int64{1})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
