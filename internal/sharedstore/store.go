// Package sharedstore wraps the cluster-wide key/value + pub/sub store
// that the provider queue, LTP cache, usage tracker and abuse detector
// rely on. It is backed by Redis in production and falls back to an
// in-process implementation when Redis is unreachable, so that callers
// (the provider queue in particular) can keep making progress under a
// fail-open policy.
package sharedstore

import (
	"context"
	"time"
)

// Store is the minimal surface every component needs from the shared
// store: TTL'd key/value reads and writes, atomic set-if-absent (used for
// the provider queue's distributed lock), atomic counters, and pub/sub
// for last-tick fanout across instances.
type Store interface {
	// Get returns the stored value and true, or ("", false) if absent or expired.
	Get(ctx context.Context, key string) (string, bool, error)
	// Set stores value under key with the given TTL (0 = no expiry).
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// SetNX atomically stores value under key only if absent, returning
	// whether it was set. Used by the provider queue's cluster-wide lock.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// Del removes a key.
	Del(ctx context.Context, key string) error
	// Incr atomically increments key by 1, creating it with the given TTL
	// if absent, and returns the post-increment value.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
	// Decr atomically decrements key by 1 and returns the post-decrement value.
	Decr(ctx context.Context, key string) (int64, error)
	// Publish fans a message out to subscribers of channel (best effort).
	Publish(ctx context.Context, channel string, payload string) error
	// Subscribe returns a channel of payloads published to channel. The
	// returned cancel func must be called to stop the subscription.
	Subscribe(ctx context.Context, channel string) (<-chan string, func(), error)
	// Ping reports whether the store is currently reachable.
	Ping(ctx context.Context) error
}
