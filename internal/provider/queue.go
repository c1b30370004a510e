package provider

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/AmanVatsSharma/Kite-COnnect-Backend-sub002/internal/metrics"
	"github.com/AmanVatsSharma/Kite-COnnect-Backend-sub002/internal/sharedstore"
)

// Queue paces calls to one upstream REST endpoint across every gateway
// instance in the cluster, using a SETNX lock with a TTL in the shared
// store: the lock is left to expire rather than released after the call,
// so at most one call starts per lockTTL. When the shared store is
// unreachable it degrades to a local, in-process throttle so a single
// instance can keep functioning.
type Queue struct {
	store      sharedstore.Store
	logger     zerolog.Logger
	metrics    *metrics.Registry
	lockKey    string
	lockTTL    time.Duration
	jitterMin  time.Duration
	jitterMax  time.Duration
	spinBudget int

	localMu   sync.Mutex
	localNext time.Time
}

// NewQueue builds a Queue. lockKey namespaces the distributed lock so
// multiple provider queues (one per upstream name) don't collide.
func NewQueue(store sharedstore.Store, logger zerolog.Logger, reg *metrics.Registry, lockKey string, lockTTL, jitterMin, jitterMax time.Duration, spinBudget int) *Queue {
	return &Queue{
		store:      store,
		logger:     logger,
		metrics:    reg,
		lockKey:    lockKey,
		lockTTL:    lockTTL,
		jitterMin:  jitterMin,
		jitterMax:  jitterMax,
		spinBudget: spinBudget,
	}
}

// Do runs fn once it holds the cluster-wide slot, spinning with jitter up
// to spinBudget attempts; if the slot is still taken after that, or the
// shared store is unreachable, fn runs under the local throttle instead.
// The batchers use this to gate each endpoint's upstream REST calls to
// roughly one per lockTTL (one per second by default) cluster-wide.
func (q *Queue) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if healthy, ok := q.store.(interface{ Ping(context.Context) error }); ok {
		if err := healthy.Ping(ctx); err != nil {
			return q.doLocal(ctx, fn)
		}
	}

	token := randomToken()
	acquired := false
	for attempt := 0; attempt < q.spinBudget; attempt++ {
		ok, err := q.store.SetNX(ctx, q.lockKey, token, q.lockTTL)
		if err != nil {
			q.logger.Warn().Err(err).Msg("provider lock acquire error, falling back to local throttle")
			return q.doLocal(ctx, fn)
		}
		if ok {
			acquired = true
			break
		}
		if q.metrics != nil {
			q.metrics.ProviderLockWaits.Inc()
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(q.jitter()):
		}
	}
	if !acquired {
		if q.metrics != nil {
			q.metrics.ProviderLockTimeouts.Inc()
		}
		return q.doLocal(ctx, fn)
	}
	// The lock is not deleted: its TTL is what spaces consecutive calls.
	return fn(ctx)
}

func (q *Queue) doLocal(ctx context.Context, fn func(ctx context.Context) error) error {
	q.localMu.Lock()
	now := time.Now()
	if now.Before(q.localNext) {
		wait := q.localNext.Sub(now)
		q.localMu.Unlock()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		q.localMu.Lock()
	}
	q.localNext = time.Now().Add(q.lockTTL)
	q.localMu.Unlock()
	return fn(ctx)
}

func (q *Queue) jitter() time.Duration {
	span := q.jitterMax - q.jitterMin
	if span <= 0 {
		return q.jitterMin
	}
	return q.jitterMin + time.Duration(rand.Int63n(int64(span)))
}

func randomToken() string {
	const letters = "abcdefghijklmnopqrstuvwxyz0123456789"
	b := make([]byte, 16)
	for i := range b {
		b[i] = letters[rand.Intn(len(letters))]
	}
	return string(b)
}

// Endpoint names used to key a Queue within a QueueSet. Kept distinct
// from provider.Mode — these track REST surfaces, not tick granularity.
const (
	EndpointQuotes  = "quotes"
	EndpointLTP     = "ltp"
	EndpointOHLC    = "ohlc"
	EndpointHistory = "history"
)

// QueueSet builds and caches one Queue per {provider, endpoint} pair, so
// an in-flight LTP batch for provider F never blocks a concurrent OHLC
// call for the same provider (or for V), each endpoint getting its own
// independent cluster-wide 1/sec gate.
type QueueSet struct {
	store      sharedstore.Store
	logger     zerolog.Logger
	metrics    *metrics.Registry
	lockTTL    time.Duration
	jitterMin  time.Duration
	jitterMax  time.Duration
	spinBudget int

	mu     sync.Mutex
	queues map[string]*Queue
}

func NewQueueSet(store sharedstore.Store, logger zerolog.Logger, reg *metrics.Registry, lockTTL, jitterMin, jitterMax time.Duration, spinBudget int) *QueueSet {
	return &QueueSet{
		store: store, logger: logger, metrics: reg,
		lockTTL: lockTTL, jitterMin: jitterMin, jitterMax: jitterMax, spinBudget: spinBudget,
		queues: make(map[string]*Queue),
	}
}

// Get returns the Queue for {name, endpoint}, building it on first use.
func (qs *QueueSet) Get(name Name, endpoint string) *Queue {
	key := string(name) + ":" + endpoint
	qs.mu.Lock()
	defer qs.mu.Unlock()
	if q, ok := qs.queues[key]; ok {
		return q
	}
	q := NewQueue(qs.store, qs.logger, qs.metrics, "providerLock:"+key, qs.lockTTL, qs.jitterMin, qs.jitterMax, qs.spinBudget)
	qs.queues[key] = q
	return q
}
