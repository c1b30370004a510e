// Package apikey tracks per-key usage against the shared store: HTTP
// request counters, live WebSocket connection counts, and per-event rate
// limiting, all fail-open so a shared-store outage degrades to
// unrestricted access rather than denying traffic outright (this mirrors
// the fail-open posture the rest of the gateway takes toward its
// collaborators).
package apikey

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/AmanVatsSharma/Kite-COnnect-Backend-sub002/internal/metrics"
	"github.com/AmanVatsSharma/Kite-COnnect-Backend-sub002/internal/sharedstore"
	"github.com/AmanVatsSharma/Kite-COnnect-Backend-sub002/internal/store"
)

// UsageReport summarizes one key's current standing, used by the admin
// status endpoint.
type UsageReport struct {
	APIKey            string
	HTTPRequestsThisMinute int64
	ActiveWSConnections    int64
	RateLimitPerMinute     int
	ConnectionLimit        int
}

// Tracker validates API keys against the relational store and tracks
// their live usage in the shared store.
type Tracker struct {
	store   store.Store
	shared  sharedstore.Store
	logger  zerolog.Logger
	metrics *metrics.Registry
}

func New(st store.Store, shared sharedstore.Store, logger zerolog.Logger, reg *metrics.Registry) *Tracker {
	return &Tracker{
		store:   st,
		shared:  shared,
		logger:  logger,
		metrics: reg,
	}
}

// ValidateAPIKey looks up the key record and confirms it is active. A
// store error here is NOT fail-open: without a confirmed-active key the
// caller must be rejected, since admission control is a security
// boundary, not a usage metric.
func (t *Tracker) ValidateAPIKey(ctx context.Context, key string) (*store.APIKey, error) {
	rec, err := t.store.GetAPIKey(ctx, key)
	if err != nil {
		return nil, err
	}
	if !rec.IsActive {
		return nil, errInactive
	}
	return rec, nil
}

// IncrementHTTPUsage bumps the per-minute request counter for key and
// returns the post-increment count and whether it exceeds limit. Store
// errors fail open (treated as "not limited").
func (t *Tracker) IncrementHTTPUsage(ctx context.Context, key string, limitPerMinute int) (count int64, limited bool) {
	bucket := fmt.Sprintf("usage:http:%s:%d", key, time.Now().Unix()/60)
	n, err := t.shared.Incr(ctx, bucket, 90*time.Second)
	if err != nil {
		t.logger.Warn().Err(err).Str("api_key", key).Msg("http usage increment failed, failing open")
		return 0, false
	}
	limited = limitPerMinute > 0 && n > int64(limitPerMinute)
	if limited && t.metrics != nil {
		t.metrics.HTTPRateLimitedTotal.Inc()
	}
	return n, limited
}

// TrackWSConnection increments the live-connection counter for key and
// reports whether the new total would exceed limit; callers should call
// UntrackWSConnection on disconnect regardless of the outcome here only
// if the connection was actually admitted.
func (t *Tracker) TrackWSConnection(ctx context.Context, key string, limit int) (count int64, exceeded bool) {
	bucket := fmt.Sprintf("usage:wsconn:%s", key)
	n, err := t.shared.Incr(ctx, bucket, 24*time.Hour)
	if err != nil {
		t.logger.Warn().Err(err).Str("api_key", key).Msg("ws connection tracking failed, failing open")
		return 0, false
	}
	return n, limit > 0 && n > int64(limit)
}

// UntrackWSConnection decrements the live-connection counter for key.
func (t *Tracker) UntrackWSConnection(ctx context.Context, key string) {
	bucket := fmt.Sprintf("usage:wsconn:%s", key)
	if _, err := t.shared.Decr(ctx, bucket); err != nil {
		t.logger.Warn().Err(err).Str("api_key", key).Msg("ws connection untrack failed")
	}
}

// CheckWSRateLimit enforces a cluster-wide rate limit per key per event
// kind, keyed by the current one-second epoch (ws:rate:{key}:{event}:{epoch}),
// so the limit holds across every gateway instance a key's sockets happen
// to land on instead of per-process. A store error fails open (allowed,
// no retry hint) rather than denying traffic on a shared-store outage.
func (t *Tracker) CheckWSRateLimit(ctx context.Context, key, event string, rps float64) (allowed bool, retryAfterMs int64) {
	if rps <= 0 {
		return true, 0
	}
	epoch := time.Now().Unix()
	bucket := fmt.Sprintf("ws:rate:%s:%s:%d", key, event, epoch)
	n, err := t.shared.Incr(ctx, bucket, 2*time.Second)
	if err != nil {
		t.logger.Warn().Err(err).Str("api_key", key).Str("event", event).Msg("ws rate limit check failed, failing open")
		return true, 0
	}
	limit := int64(rps)
	if limit < 1 {
		limit = 1
	}
	if n > limit {
		if t.metrics != nil {
			t.metrics.WSRateLimitedTotal.WithLabelValues(event).Inc()
		}
		return false, 1000 - time.Now().UnixMilli()%1000
	}
	return true, 0
}

// GetUsageReport assembles a usage snapshot for the admin surface.
func (t *Tracker) GetUsageReport(ctx context.Context, key string) (UsageReport, error) {
	rec, err := t.store.GetAPIKey(ctx, key)
	if err != nil {
		return UsageReport{}, err
	}
	httpCount, _, _ := t.shared.Get(ctx, fmt.Sprintf("usage:http:%s:%d", key, time.Now().Unix()/60))
	wsCount, _, _ := t.shared.Get(ctx, fmt.Sprintf("usage:wsconn:%s", key))
	return UsageReport{
		APIKey:                 key,
		HTTPRequestsThisMinute: parseCount(httpCount),
		ActiveWSConnections:    parseCount(wsCount),
		RateLimitPerMinute:     rec.RateLimitPerMinute,
		ConnectionLimit:        rec.ConnectionLimit,
	}, nil
}

func parseCount(s string) int64 {
	var n int64
	for _, r := range s {
		if r < '0' || r > '9' {
			return n
		}
		n = n*10 + int64(r-'0')
	}
	return n
}

type trackerErr string

func (e trackerErr) Error() string { return string(e) }

const errInactive = trackerErr("api key is not active")
