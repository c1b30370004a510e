// Package blocklist enforces global WS admission denylists — tokens,
// exchanges, api keys, and tenants — read from the shared store so every
// gateway instance in the cluster agrees on who's blocked without a
// round trip to the relational store on every subscribe.
package blocklist

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/AmanVatsSharma/Kite-COnnect-Backend-sub002/internal/sharedstore"
)

const (
	keyTokens    = "ws:block:tokens"
	keyExchanges = "ws:block:exchanges"
	keyAPIKey    = "ws:block:apikey:"
	keyTenant    = "ws:block:tenant:"
)

// Checker reads the shared store's blocklist keys. The shared store has
// no native set type, so tokens/exchanges are stored as a single
// CSV-encoded value under one key (mirroring store.APIKey's
// EntitledExchangesCSV pattern); per-apikey and per-tenant blocks are a
// simple presence check under a namespaced key instead, since those are
// looked up by exact match rather than membership-scanned.
type Checker struct {
	store  sharedstore.Store
	logger zerolog.Logger

	mu        sync.RWMutex
	tokens    map[int64]struct{}
	exchanges map[string]struct{}
}

func New(store sharedstore.Store, logger zerolog.Logger) *Checker {
	return &Checker{store: store, logger: logger}
}

// RefreshLoop polls the shared store on interval and refreshes the local
// token/exchange cache until ctx is canceled. BlockTokens/BlockExchanges
// already refresh the instance that handled the admin write immediately;
// this loop is what propagates that write to every other gateway instance
// in the cluster, which otherwise never sees it.
func (c *Checker) RefreshLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.Refresh(ctx); err != nil {
				c.logger.Warn().Err(err).Msg("periodic blocklist refresh failed, keeping previous cache")
			}
		}
	}
}

// Refresh reloads the CSV token/exchange blocklists from the shared
// store. Call it once at startup and again whenever BlockTokens or
// BlockExchanges is invoked, so hot-path IsTokenBlocked/IsExchangeBlocked
// checks never round-trip the store themselves.
func (c *Checker) Refresh(ctx context.Context) error {
	tokens, err := c.loadTokens(ctx)
	if err != nil {
		return err
	}
	exchanges, err := c.loadExchanges(ctx)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.tokens = tokens
	c.exchanges = exchanges
	c.mu.Unlock()
	return nil
}

func (c *Checker) loadTokens(ctx context.Context) (map[int64]struct{}, error) {
	v, ok, err := c.store.Get(ctx, keyTokens)
	if err != nil {
		return nil, err
	}
	out := make(map[int64]struct{})
	if !ok || v == "" {
		return out, nil
	}
	for _, part := range strings.Split(v, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if tok, err := strconv.ParseInt(part, 10, 64); err == nil {
			out[tok] = struct{}{}
		}
	}
	return out, nil
}

func (c *Checker) loadExchanges(ctx context.Context) (map[string]struct{}, error) {
	v, ok, err := c.store.Get(ctx, keyExchanges)
	if err != nil {
		return nil, err
	}
	out := make(map[string]struct{})
	if !ok || v == "" {
		return out, nil
	}
	for _, part := range strings.Split(v, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out[part] = struct{}{}
		}
	}
	return out, nil
}

// IsTokenBlocked reports whether token is globally blocked. Fails open
// (not blocked) on an empty/unrefreshed cache, matching the rest of the
// admission path's fail-open posture against shared-store unreachability.
func (c *Checker) IsTokenBlocked(token int64) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, blocked := c.tokens[token]
	return blocked
}

// IsExchangeBlocked reports whether an entire exchange segment is blocked.
func (c *Checker) IsExchangeBlocked(exchange string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, blocked := c.exchanges[exchange]
	return blocked
}

// IsAPIKeyBlocked checks the shared store directly — api-key blocks are
// set rarely and read once per connection, so there's no need to cache
// them locally the way tokens/exchanges are.
func (c *Checker) IsAPIKeyBlocked(ctx context.Context, key string) bool {
	_, ok, err := c.store.Get(ctx, keyAPIKey+key)
	if err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("blocklist api-key lookup failed, failing open")
		return false
	}
	return ok
}

// IsTenantBlocked checks whether tenantID is globally blocked.
func (c *Checker) IsTenantBlocked(ctx context.Context, tenantID string) bool {
	if tenantID == "" {
		return false
	}
	_, ok, err := c.store.Get(ctx, keyTenant+tenantID)
	if err != nil {
		c.logger.Warn().Err(err).Str("tenant", tenantID).Msg("blocklist tenant lookup failed, failing open")
		return false
	}
	return ok
}

// BlockTokens replaces the set of globally blocked tokens.
func (c *Checker) BlockTokens(ctx context.Context, tokens []int64) error {
	parts := make([]string, len(tokens))
	for i, t := range tokens {
		parts[i] = strconv.FormatInt(t, 10)
	}
	if err := c.store.Set(ctx, keyTokens, strings.Join(parts, ","), 0); err != nil {
		return err
	}
	return c.Refresh(ctx)
}

// BlockExchanges replaces the set of globally blocked exchange segments.
func (c *Checker) BlockExchanges(ctx context.Context, exchanges []string) error {
	if err := c.store.Set(ctx, keyExchanges, strings.Join(exchanges, ","), 0); err != nil {
		return err
	}
	return c.Refresh(ctx)
}

// BlockAPIKey marks key as globally blocked until UnblockAPIKey clears it.
func (c *Checker) BlockAPIKey(ctx context.Context, key string) error {
	return c.store.Set(ctx, keyAPIKey+key, "1", 0)
}

// UnblockAPIKey clears a previously-set api-key block.
func (c *Checker) UnblockAPIKey(ctx context.Context, key string) error {
	return c.store.Del(ctx, keyAPIKey+key)
}

// BlockTenant marks tenantID as globally blocked.
func (c *Checker) BlockTenant(ctx context.Context, tenantID string) error {
	return c.store.Set(ctx, keyTenant+tenantID, "1", 0)
}

// UnblockTenant clears a previously-set tenant block.
func (c *Checker) UnblockTenant(ctx context.Context, tenantID string) error {
	return c.store.Del(ctx, keyTenant+tenantID)
}
