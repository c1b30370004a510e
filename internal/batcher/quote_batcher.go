package batcher

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/AmanVatsSharma/Kite-COnnect-Backend-sub002/internal/metrics"
	"github.com/AmanVatsSharma/Kite-COnnect-Backend-sub002/internal/provider"
)

type pendingQuoteCall struct {
	exchange string
	override string
	tokens   []int64
	result   chan quoteResult
}

type quoteResult struct {
	values map[int64]provider.Quote
	err    error
}

// QuoteBatcher mirrors LTPBatcher's coalescing window for full-quote
// lookups. Quotes aren't backed by the LTP cache — every window still
// hits the upstream queue, just once per deduped token set instead of
// once per caller.
type QuoteBatcher struct {
	window    time.Duration
	chunkSize int
	queues    *provider.QueueSet
	resolver  *provider.Resolver
	logger    zerolog.Logger
	metrics   *metrics.Registry

	mu      sync.Mutex
	pending map[string][]pendingQuoteCall
	timers  map[string]*time.Timer
}

func NewQuoteBatcher(window time.Duration, chunkSize int, queues *provider.QueueSet, resolver *provider.Resolver, logger zerolog.Logger, reg *metrics.Registry) *QuoteBatcher {
	return &QuoteBatcher{
		window: window, chunkSize: chunkSize, queues: queues, resolver: resolver, logger: logger, metrics: reg,
		pending: make(map[string][]pendingQuoteCall),
		timers:  make(map[string]*time.Timer),
	}
}

func (b *QuoteBatcher) GetQuote(ctx context.Context, exchange, override string, tokens []int64) (map[int64]provider.Quote, error) {
	if b.metrics != nil {
		b.metrics.BatchRequestsTotal.WithLabelValues("quote").Inc()
	}

	call := pendingQuoteCall{exchange: exchange, override: override, tokens: tokens, result: make(chan quoteResult, 1)}
	key := batchKey(exchange, override)

	b.mu.Lock()
	b.pending[key] = append(b.pending[key], call)
	if _, scheduled := b.timers[key]; !scheduled {
		b.timers[key] = time.AfterFunc(b.window, func() { b.flush(key) })
	}
	b.mu.Unlock()

	select {
	case res := <-call.result:
		return res.values, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (b *QuoteBatcher) flush(key string) {
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
		b.metrics.BatchedCallsTotal.WithLabelValues("quote").Inc()
		if raw > 0 {
			b.metrics.BatchDedupeRatio.WithLabelValues("quote").Set(float64(len(tokens)) / float64(raw))
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	values, err := b.chunkedFetch(ctx, exchange, override, tokens)
	for _, c := range calls {
		want := make(map[int64]provider.Quote, len(c.tokens))
		for _, t := range c.tokens {
			if v, ok := values[t]; ok {
				want[t] = v
			}
		}
		c.result <- quoteResult{values: want, err: err}
	}
}

func (b *QuoteBatcher) chunkedFetch(ctx context.Context, exchange, override string, tokens []int64) (map[int64]provider.Quote, error) {
	out := make(map[int64]provider.Quote, len(tokens))
	adapter := b.resolver.ResolveForHTTP(override)
	queue := b.queues.Get(adapter.Name(), provider.EndpointQuotes)
	for start := 0; start < len(tokens); start += b.chunkSize {
		end := start + b.chunkSize
		if end > len(tokens) {
			end = len(tokens)
		}
		chunk := tokens[start:end]
		var result map[int64]provider.Quote
		err := queue.Do(ctx, func(ctx context.Context) error {
			r, err := adapter.GetQuote(ctx, exchange, chunk)
			if err != nil {
				return err
			}
			result = r
			return nil
		})
		if err != nil {
			b.logger.Warn().Err(err).Str("exchange", exchange).Int("chunk_size", len(chunk)).Msg("upstream quote chunk failed")
			continue
		}
		for k, v := range result {
			out[k] = v
		}
	}
	if len(out) == 0 && len(tokens) > 0 {
		return out, errAllChunksFailed
	}
	return out, nil
}
