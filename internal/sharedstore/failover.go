package sharedstore

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// FailoverStore wraps a primary Store (Redis) and transparently falls
// back to an in-process MemoryStore when the primary errors, logging a
// warning at most once per minute per operation kind so a flapping Redis
// doesn't flood the logs. This implements the fail-open policy from spec
// §7 ("shared-store ... failures are logged and swallowed") uniformly for
// every caller instead of duplicating the try/fallback dance in each
// component.
type FailoverStore struct {
	primary  Store
	fallback Store
	logger   zerolog.Logger

	warnMu   sync.Mutex
	lastWarn map[string]time.Time
}

// NewFailoverStore builds a FailoverStore over primary, using fallback
// (typically a *MemoryStore) whenever primary errors.
func NewFailoverStore(primary, fallback Store, logger zerolog.Logger) *FailoverStore {
	return &FailoverStore{
		primary:  primary,
		fallback: fallback,
		logger:   logger,
		lastWarn: make(map[string]time.Time),
	}
}

func (f *FailoverStore) warn(op string, err error) {
	f.warnMu.Lock()
	defer f.warnMu.Unlock()
	last, ok := f.lastWarn[op]
	now := time.Now()
	if ok && now.Sub(last) < time.Minute {
		return
	}
	f.lastWarn[op] = now
	f.logger.Warn().Err(err).Str("op", op).Msg("shared store unreachable, using in-memory fallback")
}

func (f *FailoverStore) Get(ctx context.Context, key string) (string, bool, error) {
	v, ok, err := f.primary.Get(ctx, key)
	if err != nil {
		f.warn("get", err)
		return f.fallback.Get(ctx, key)
	}
	return v, ok, nil
}

func (f *FailoverStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := f.primary.Set(ctx, key, value, ttl); err != nil {
		f.warn("set", err)
		return f.fallback.Set(ctx, key, value, ttl)
	}
	return nil
}

func (f *FailoverStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := f.primary.SetNX(ctx, key, value, ttl)
	if err != nil {
		f.warn("setnx", err)
		return f.fallback.SetNX(ctx, key, value, ttl)
	}
	return ok, nil
}

func (f *FailoverStore) Del(ctx context.Context, key string) error {
	if err := f.primary.Del(ctx, key); err != nil {
		f.warn("del", err)
		return f.fallback.Del(ctx, key)
	}
	return nil
}

func (f *FailoverStore) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	n, err := f.primary.Incr(ctx, key, ttl)
	if err != nil {
		f.warn("incr", err)
		return f.fallback.Incr(ctx, key, ttl)
	}
	return n, nil
}

func (f *FailoverStore) Decr(ctx context.Context, key string) (int64, error) {
	n, err := f.primary.Decr(ctx, key)
	if err != nil {
		f.warn("decr", err)
		return f.fallback.Decr(ctx, key)
	}
	return n, nil
}

func (f *FailoverStore) Publish(ctx context.Context, channel string, payload string) error {
	if err := f.primary.Publish(ctx, channel, payload); err != nil {
		f.warn("publish", err)
		return f.fallback.Publish(ctx, channel, payload)
	}
	return nil
}

func (f *FailoverStore) Subscribe(ctx context.Context, channel string) (<-chan string, func(), error) {
	ch, cancel, err := f.primary.Subscribe(ctx, channel)
	if err != nil {
		f.warn("subscribe", err)
		return f.fallback.Subscribe(ctx, channel)
	}
	return ch, cancel, nil
}

// Healthy reports whether the primary store currently answers pings.
// Used by the provider queue to decide between the cluster-wide lock
// path and the in-process throttle fallback.
func (f *FailoverStore) Healthy(ctx context.Context) bool {
	return f.primary.Ping(ctx) == nil
}

func (f *FailoverStore) Ping(ctx context.Context) error {
	return f.primary.Ping(ctx)
}
