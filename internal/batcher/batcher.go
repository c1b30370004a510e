// Package batcher coalesces concurrent LTP/quote lookups that land within
// the same short window into as few upstream calls as possible: it dedupes
// tokens across overlapping callers, chunks the deduped set to the
// provider's maximum batch size, and answers from the LTP cache first so
// only genuinely missing tokens reach the rate-limited upstream queue.
package batcher

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/AmanVatsSharma/Kite-COnnect-Backend-sub002/internal/ltpcache"
	"github.com/AmanVatsSharma/Kite-COnnect-Backend-sub002/internal/metrics"
	"github.com/AmanVatsSharma/Kite-COnnect-Backend-sub002/internal/provider"
)

type pendingCall struct {
	exchange string
	override string
	tokens   []int64
	result   chan callResult
}

type callResult struct {
	values map[int64]float64
	err    error
}

// batchKey groups pending calls that may be coalesced into one upstream
// request: same exchange, same resolved provider override.
func batchKey(exchange, override string) string { return exchange + "|" + override }

// LTPBatcher coalesces GetLTP calls across a fixed time window per
// exchange, backfilling from the LTP cache and only hitting the upstream
// queue for tokens the cache can't answer within the allowed staleness.
// Every upstream chunk runs through the LTP endpoint's provider.Queue, so
// concurrent HTTP and WS-resolved LTP lookups still respect the
// cluster-wide 1/sec gate.
type LTPBatcher struct {
	window     time.Duration
	chunkSize  int
	cache      *ltpcache.Cache
	staleAllow time.Duration
	queues     *provider.QueueSet
	resolver   *provider.Resolver
	logger     zerolog.Logger
	metrics    *metrics.Registry

	mu      sync.Mutex
	pending map[string][]pendingCall
	timers  map[string]*time.Timer
}

func NewLTPBatcher(window time.Duration, chunkSize int, cache *ltpcache.Cache, staleAllow time.Duration, queues *provider.QueueSet, resolver *provider.Resolver, logger zerolog.Logger, reg *metrics.Registry) *LTPBatcher {
	return &LTPBatcher{
		window: window, chunkSize: chunkSize, cache: cache, staleAllow: staleAllow,
		queues: queues, resolver: resolver, logger: logger, metrics: reg,
		pending: make(map[string][]pendingCall),
		timers:  make(map[string]*time.Timer),
	}
}

// GetLTP enqueues tokens for the given exchange into the current (or a
// fresh) batch window and blocks until that window's upstream call (if
// any was needed) has resolved. override selects a non-default provider,
// same as the REST handlers' ?provider= query parameter.
func (b *LTPBatcher) GetLTP(ctx context.Context, exchange, override string, tokens []int64) (map[int64]float64, error) {
	if b.metrics != nil {
		b.metrics.BatchRequestsTotal.WithLabelValues("ltp").Inc()
	}

	// Serve what the cache already knows immediately, only batching the
	// rest through the shared window.
	fromCache := make(map[int64]float64)
	var missing []int64
	for _, tok := range tokens {
		if e, ok := b.cache.GetStaleWithin(tok, b.staleAllow); ok {
			fromCache[tok] = e.LastPrice
		} else {
			missing = append(missing, tok)
		}
	}
	if len(missing) == 0 {
		return fromCache, nil
	}

	call := pendingCall{exchange: exchange, override: override, tokens: missing, result: make(chan callResult, 1)}
	b.enqueue(batchKey(exchange, override), call)

	select {
	case res := <-call.result:
		if res.err != nil {
			return fromCache, res.err
		}
		for k, v := range res.values {
			fromCache[k] = v
		}
		return fromCache, nil
	case <-ctx.Done():
		return fromCache, ctx.Err()
	}
}

func (b *LTPBatcher) enqueue(key string, call pendingCall) {
	b.mu.Lock()
	b.pending[key] = append(b.pending[key], call)
	if _, scheduled := b.timers[key]; !scheduled {
		b.timers[key] = time.AfterFunc(b.window, func() { b.flush(key) })
	}
	b.mu.Unlock()
}

func (b *LTPBatcher) flush(key string) {
	b.mu.Lock()
	calls := b.pending[key]
	delete(b.pending, key)
	delete(b.timers, key)
	b.mu.Unlock()

	if len(calls) == 0 {
		return
	}
	exchange, override := calls[0].exchange, calls[0].override

	deduped := make(map[int64]struct{})
	raw := 0
	for _, c := range calls {
		raw += len(c.tokens)
		for _, t := range c.tokens {
			deduped[t] = struct{}{}
		}
	}
	tokens := make([]int64, 0, len(deduped))
	for t := range deduped {
		tokens = append(tokens, t)
	}

	if b.metrics != nil {
		b.metrics.BatchedCallsTotal.WithLabelValues("ltp").Inc()
		if raw > 0 {
			b.metrics.BatchDedupeRatio.WithLabelValues("ltp").Set(float64(len(tokens)) / float64(raw))
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	values, err := b.chunkedFetch(ctx, exchange, override, tokens)
	for _, c := range calls {
		want := make(map[int64]float64, len(c.tokens))
		for _, t := range c.tokens {
			if v, ok := values[t]; ok {
				want[t] = v
			}
		}
		c.result <- callResult{values: want, err: err}
	}
}

func (b *LTPBatcher) chunkedFetch(ctx context.Context, exchange, override string, tokens []int64) (map[int64]float64, error) {
	out := make(map[int64]float64, len(tokens))
	adapter := b.resolver.ResolveForHTTP(override)
	queue := b.queues.Get(adapter.Name(), provider.EndpointLTP)
	for start := 0; start < len(tokens); start += b.chunkSize {
		end := start + b.chunkSize
		if end > len(tokens) {
			end = len(tokens)
		}
		chunk := tokens[start:end]
		var result map[int64]float64
		err := queue.Do(ctx, func(ctx context.Context) error {
			r, err := adapter.GetLTP(ctx, exchange, chunk)
			if err != nil {
				return err
			}
			result = r
			return nil
		})
		if err != nil {
			b.logger.Warn().Err(err).Str("exchange", exchange).Int("chunk_size", len(chunk)).Msg("upstream ltp chunk failed")
			continue
		}
		for k, v := range result {
			out[k] = v
			b.cache.Put(ctx, ltpcache.Entry{Token: k, Exchange: exchange, LastPrice: v, ObservedAt: time.Now()})
		}
	}
	if len(out) == 0 && len(tokens) > 0 {
		return out, errAllChunksFailed
	}
	return out, nil
}

type batcherErr string

func (e batcherErr) Error() string { return string(e) }

const errAllChunksFailed = batcherErr("all upstream chunks failed")
