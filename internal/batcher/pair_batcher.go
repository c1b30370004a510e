package batcher

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/AmanVatsSharma/Kite-COnnect-Backend-sub002/internal/apperr"
	"github.com/AmanVatsSharma/Kite-COnnect-Backend-sub002/internal/ltpcache"
	"github.com/AmanVatsSharma/Kite-COnnect-Backend-sub002/internal/metrics"
	"github.com/AmanVatsSharma/Kite-COnnect-Backend-sub002/internal/provider"
)

// allowedPairExchanges are the only venue segments a pair-mode LTP lookup
// may name; anything else is rejected before it ever reaches the batch
// window.
var allowedPairExchanges = map[string]struct{}{
	"NSE_EQ": {}, "NSE_FO": {}, "NSE_CUR": {}, "MCX_FO": {},
}

type pendingPairCall struct {
	pairs  []provider.ExchangeToken
	result chan pairResult
}

type pairResult struct {
	values map[int64]float64
	err    error
}

// PairLTPBatcher is the EXCHANGE-TOKEN pair variant of LTPBatcher: same
// window-coalescing and cache-backfill algorithm, but keyed on
// (exchange, token) pairs that may span exchanges within one call rather
// than a single-exchange token list.
type PairLTPBatcher struct {
	window     time.Duration
	chunkSize  int
	cache      *ltpcache.Cache
	staleAllow time.Duration
	queues     *provider.QueueSet
	resolver   *provider.Resolver
	logger     zerolog.Logger
	metrics    *metrics.Registry

	mu      sync.Mutex
	pending map[string][]pendingPairCall
	timers  map[string]*time.Timer
}

func NewPairLTPBatcher(window time.Duration, chunkSize int, cache *ltpcache.Cache, staleAllow time.Duration, queues *provider.QueueSet, resolver *provider.Resolver, logger zerolog.Logger, reg *metrics.Registry) *PairLTPBatcher {
	return &PairLTPBatcher{
		window: window, chunkSize: chunkSize, cache: cache, staleAllow: staleAllow,
		queues: queues, resolver: resolver, logger: logger, metrics: reg,
		pending: make(map[string][]pendingPairCall),
		timers:  make(map[string]*time.Timer),
	}
}

// GetLTPByPairs validates every pair's exchange, serves what the cache
// already knows, and batches the rest through the shared window. The
// returned map always has one entry per requested token — nil when the
// upstream (and cache) have nothing for it — so callers never need to
// special-case an absent key.
func (b *PairLTPBatcher) GetLTPByPairs(ctx context.Context, pairs []provider.ExchangeToken, override string) (map[int64]*float64, error) {
	if b.metrics != nil {
		b.metrics.BatchRequestsTotal.WithLabelValues("ltp_pairs").Inc()
	}
	for _, p := range pairs {
		if _, ok := allowedPairExchanges[p.Exchange]; !ok {
			return nil, apperr.New(apperr.InvalidExchange, "exchange not allowed for pair lookup: "+p.Exchange)
		}
	}

	out := make(map[int64]*float64, len(pairs))
	for _, p := range pairs {
		out[p.Token] = nil
	}

	var missing []provider.ExchangeToken
	for _, p := range pairs {
		if e, ok := b.cache.GetStaleWithin(p.Token, b.staleAllow); ok {
			v := e.LastPrice
			out[p.Token] = &v
		} else {
			missing = append(missing, p)
		}
	}
	if len(missing) == 0 {
		return out, nil
	}

	call := pendingPairCall{pairs: missing, result: make(chan pairResult, 1)}
	b.mu.Lock()
	b.pending[override] = append(b.pending[override], call)
	if _, scheduled := b.timers[override]; !scheduled {
		b.timers[override] = time.AfterFunc(b.window, func() { b.flush(override) })
	}
	b.mu.Unlock()

	select {
	case res := <-call.result:
		if res.err != nil {
			return out, res.err
		}
		for tok, v := range res.values {
			v := v
			out[tok] = &v
		}
		return out, nil
	case <-ctx.Done():
		return out, ctx.Err()
	}
}

func (b *PairLTPBatcher) flush(override string) {
	b.mu.Lock()
	calls := b.pending[override]
	delete(b.pending, override)
	delete(b.timers, override)
	b.mu.Unlock()

	if len(calls) == 0 {
		return
	}

	deduped := make(map[provider.ExchangeToken]struct{})
	raw := 0
	for _, c := range calls {
		raw += len(c.pairs)
		for _, p := range c.pairs {
			deduped[p] = struct{}{}
		}
	}
	pairs := make([]provider.ExchangeToken, 0, len(deduped))
	for p := range deduped {
		pairs = append(pairs, p)
	}

	if b.metrics != nil {
		b.metrics.BatchedCallsTotal.WithLabelValues("ltp_pairs").Inc()
		if raw > 0 {
			b.metrics.BatchDedupeRatio.WithLabelValues("ltp_pairs").Set(float64(len(pairs)) / float64(raw))
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	values, err := b.chunkedFetch(ctx, override, pairs)
	for _, c := range calls {
		want := make(map[int64]float64, len(c.pairs))
		for _, p := range c.pairs {
			if v, ok := values[p.Token]; ok {
				want[p.Token] = v
			}
		}
		c.result <- pairResult{values: want, err: err}
	}
}

func (b *PairLTPBatcher) chunkedFetch(ctx context.Context, override string, pairs []provider.ExchangeToken) (map[int64]float64, error) {
	out := make(map[int64]float64, len(pairs))
	adapter := b.resolver.ResolveForHTTP(override)
	queue := b.queues.Get(adapter.Name(), provider.EndpointLTP)
	for start := 0; start < len(pairs); start += b.chunkSize {
		end := start + b.chunkSize
		if end > len(pairs) {
			end = len(pairs)
		}
		chunk := pairs[start:end]
		var result map[int64]float64
		err := queue.Do(ctx, func(ctx context.Context) error {
			r, err := adapter.GetLTPByPairs(ctx, chunk)
			if err != nil {
				return err
			}
			result = r
			return nil
		})
		if err != nil {
			b.logger.Warn().Err(err).Int("chunk_size", len(chunk)).Msg("upstream pair-ltp chunk failed")
			continue
		}
		for _, p := range chunk {
			if v, ok := result[p.Token]; ok {
				out[p.Token] = v
				b.cache.Put(ctx, ltpcache.Entry{Token: p.Token, Exchange: p.Exchange, LastPrice: v, ObservedAt: time.Now()})
			}
		}
	}
	return out, nil
}
