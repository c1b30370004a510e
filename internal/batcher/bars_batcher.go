package batcher

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/AmanVatsSharma/Kite-COnnect-Backend-sub002/internal/metrics"
	"github.com/AmanVatsSharma/Kite-COnnect-Backend-sub002/internal/provider"
)

type barsKey struct {
	endpoint string
	exchange string
	token    int64
	interval string
	from     string
	to       string
	override string
}

func (k barsKey) queueEndpoint() string {
	if k.endpoint == "history" {
		return provider.EndpointHistory
	}
	return provider.EndpointOHLC
}

type barsResult struct {
	bars []provider.OHLCBar
	err  error
}

// BarsBatcher coalesces identical OHLC/historical-data requests that land
// in the same window — same exchange, token, interval, and range — into a
// single upstream call, fanning the result out to every waiter. Unlike
// LTP/Quote there is no per-token dedup: a range query is either the same
// request as another in-flight one, or it isn't.
type BarsBatcher struct {
	window   time.Duration
	queues   *provider.QueueSet
	resolver *provider.Resolver
	logger   zerolog.Logger
	metrics  *metrics.Registry

	mu      sync.Mutex
	pending map[barsKey][]chan barsResult
	timers  map[barsKey]*time.Timer
}

func NewBarsBatcher(window time.Duration, queues *provider.QueueSet, resolver *provider.Resolver, logger zerolog.Logger, reg *metrics.Registry) *BarsBatcher {
	return &BarsBatcher{
		window: window, queues: queues, resolver: resolver, logger: logger, metrics: reg,
		pending: make(map[barsKey][]chan barsResult),
		timers:  make(map[barsKey]*time.Timer),
	}
}

// GetOHLC coalesces concurrent identical /v1/ohlc requests within window.
func (b *BarsBatcher) GetOHLC(ctx context.Context, exchange string, token int64, interval, from, to, override string) ([]provider.OHLCBar, error) {
	return b.get(ctx, barsKey{endpoint: "ohlc", exchange: exchange, token: token, interval: interval, from: from, to: to, override: override}, "ohlc")
}

// GetHistoricalData coalesces concurrent identical /v1/historical
// requests, going through the same endpoint-keyed queue gate as every
// other REST surface for uniformity.
func (b *BarsBatcher) GetHistoricalData(ctx context.Context, exchange string, token int64, interval, from, to, override string) ([]provider.OHLCBar, error) {
	return b.get(ctx, barsKey{endpoint: "history", exchange: exchange, token: token, interval: interval, from: from, to: to, override: override}, "history")
}

func (b *BarsBatcher) get(ctx context.Context, key barsKey, label string) ([]provider.OHLCBar, error) {
	if b.metrics != nil {
		b.metrics.BatchRequestsTotal.WithLabelValues(label).Inc()
	}

	resultCh := make(chan barsResult, 1)
	b.mu.Lock()
	b.pending[key] = append(b.pending[key], resultCh)
	coalesced := len(b.pending[key])
	if _, scheduled := b.timers[key]; !scheduled {
		b.timers[key] = time.AfterFunc(b.window, func() { b.flush(key, label) })
	}
	b.mu.Unlock()

	if b.metrics != nil && coalesced > 1 {
		b.metrics.BatchedCallsTotal.WithLabelValues(label).Inc()
	}

	select {
	case res := <-resultCh:
		return res.bars, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (b *BarsBatcher) flush(key barsKey, label string) {
	b.mu.Lock()
	waiters := b.pending[key]
	delete(b.pending, key)
	delete(b.timers, key)
	b.mu.Unlock()

	if len(waiters) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	adapter := b.resolver.ResolveForHTTP(key.override)
	queue := b.queues.Get(adapter.Name(), key.queueEndpoint())

	var bars []provider.OHLCBar
	err := queue.Do(ctx, func(ctx context.Context) error {
		var fetchErr error
		if key.endpoint == "history" {
			bars, fetchErr = adapter.GetHistoricalData(ctx, key.exchange, key.token, key.interval, key.from, key.to)
		} else {
			bars, fetchErr = adapter.GetOHLC(ctx, key.exchange, key.token, key.interval, key.from, key.to)
		}
		return fetchErr
	})
	if err != nil {
		b.logger.Warn().Err(err).Str("exchange", key.exchange).Str("token", strconv.FormatInt(key.token, 10)).Msg("upstream bars fetch failed")
	}
	for _, ch := range waiters {
		ch <- barsResult{bars: bars, err: err}
	}
}
