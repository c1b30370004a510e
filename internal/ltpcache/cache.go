// Package ltpcache is the two-tier last-traded-price cache: a process-
// local LRU for hot reads, backed by the cluster-wide shared store so a
// freshly-started instance (or one that missed a tick due to a
// reconnect) can still answer with a recent price instead of forcing an
// upstream REST round trip.
package ltpcache

import (
	"container/list"
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/AmanVatsSharma/Kite-COnnect-Backend-sub002/internal/metrics"
	"github.com/AmanVatsSharma/Kite-COnnect-Backend-sub002/internal/sharedstore"
)

// Entry is one cached last-traded-price observation.
type Entry struct {
	Token     int64
	Exchange  string
	LastPrice float64
	Volume    int64
	ObservedAt time.Time
}

type node struct {
	key   int64
	entry Entry
	elem  *list.Element
}

// Cache is an LRU-bounded local tier in front of a shared-store tier.
// Local reads never block on the network; the shared tier is consulted
// only on a local miss or when the caller explicitly needs cross-instance
// freshness (GetStaleWithin beyond the local entry's age).
type Cache struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	entries  map[int64]*node
	order    *list.List

	store   sharedstore.Store
	keyTTL  time.Duration
	metrics *metrics.Registry
}

func New(capacity int, ttl time.Duration, store sharedstore.Store, keyTTL time.Duration, reg *metrics.Registry) *Cache {
	return &Cache{
		capacity: capacity,
		ttl:      ttl,
		entries:  make(map[int64]*node),
		order:    list.New(),
		store:    store,
		keyTTL:   keyTTL,
		metrics:  reg,
	}
}

// Put stores a fresh observation, evicting the least-recently-used entry
// if the local cache is at capacity, and mirrors it to the shared store
// so other instances benefit.
func (c *Cache) Put(ctx context.Context, e Entry) {
	if e.ObservedAt.IsZero() {
		e.ObservedAt = time.Now()
	}
	c.mu.Lock()
	if n, ok := c.entries[e.Token]; ok {
		n.entry = e
		c.order.MoveToFront(n.elem)
	} else {
		n := &node{key: e.Token, entry: e}
		n.elem = c.order.PushFront(n)
		c.entries[e.Token] = n
		if c.order.Len() > c.capacity {
			c.evictOldest()
		}
	}
	if c.metrics != nil {
		c.metrics.CacheSize.Set(float64(len(c.entries)))
	}
	c.mu.Unlock()

	if c.store != nil {
		if payload, err := json.Marshal(e); err == nil {
			_ = c.store.Set(ctx, sharedKey(e.Token), string(payload), c.keyTTL)
		}
	}
}

func (c *Cache) evictOldest() {
	back := c.order.Back()
	if back == nil {
		return
	}
	n := back.Value.(*node)
	delete(c.entries, n.key)
	c.order.Remove(back)
}

// Get returns the cached entry for a token if present locally and not
// older than the cache's configured TTL.
func (c *Cache) Get(token int64) (Entry, bool) {
	return c.GetStaleWithin(token, c.ttl)
}

// GetStaleWithin returns the cached entry if its age is within maxAge,
// checking the local tier first and falling back to the shared store.
func (c *Cache) GetStaleWithin(token int64, maxAge time.Duration) (Entry, bool) {
	c.mu.Lock()
	n, ok := c.entries[token]
	if ok {
		c.order.MoveToFront(n.elem)
	}
	var local Entry
	if ok {
		local = n.entry
	}
	c.mu.Unlock()

	if ok && time.Since(local.ObservedAt) <= maxAge {
		if c.metrics != nil {
			c.metrics.CacheHitsTotal.WithLabelValues("local").Inc()
		}
		return local, true
	}

	if c.store == nil {
		if c.metrics != nil {
			c.metrics.CacheMissesTotal.WithLabelValues("local").Inc()
		}
		return Entry{}, false
	}

	raw, found, err := c.store.Get(context.Background(), sharedKey(token))
	if err != nil || !found {
		if c.metrics != nil {
			c.metrics.CacheMissesTotal.WithLabelValues("shared").Inc()
		}
		return Entry{}, false
	}
	var shared Entry
	if err := json.Unmarshal([]byte(raw), &shared); err != nil {
		return Entry{}, false
	}
	if time.Since(shared.ObservedAt) > maxAge {
		if c.metrics != nil {
			c.metrics.CacheMissesTotal.WithLabelValues("shared").Inc()
		}
		return Entry{}, false
	}
	if c.metrics != nil {
		c.metrics.CacheHitsTotal.WithLabelValues("shared").Inc()
	}
	// Promote to local tier so subsequent reads don't re-hit the shared store.
	c.mu.Lock()
	if nn, ok := c.entries[token]; ok {
		nn.entry = shared
		c.order.MoveToFront(nn.elem)
	} else {
		nn := &node{key: token, entry: shared}
		nn.elem = c.order.PushFront(nn)
		c.entries[token] = nn
		if c.order.Len() > c.capacity {
			c.evictOldest()
		}
	}
	c.mu.Unlock()
	return shared, true
}

// GetMany looks up a batch of tokens using the default TTL.
func (c *Cache) GetMany(tokens []int64) map[int64]Entry {
	return c.GetManyStaleWithin(tokens, c.ttl)
}

// GetManyStaleWithin looks up a batch of tokens, returning only the hits.
func (c *Cache) GetManyStaleWithin(tokens []int64, maxAge time.Duration) map[int64]Entry {
	out := make(map[int64]Entry, len(tokens))
	for _, t := range tokens {
		if e, ok := c.GetStaleWithin(t, maxAge); ok {
			out[t] = e
		}
	}
	return out
}

// Len reports the number of tokens currently held locally.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func sharedKey(token int64) string {
	return "last_tick:" + itoa(token)
}

func itoa(n int64) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
