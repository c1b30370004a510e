// Package metrics holds the Prometheus registry and every counter/
// histogram the gateway exports.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry bundles every metric so components can be constructed with a
// single dependency instead of reaching for package-level globals.
type Registry struct {
	// Provider queue
	ProviderRequestsTotal  *prometheus.CounterVec
	ProviderLatencySeconds *prometheus.HistogramVec
	ProviderRequestErrors  *prometheus.CounterVec
	ProviderFallbackActive *prometheus.GaugeVec
	ProviderLockWaits      prometheus.Counter
	ProviderLockTimeouts   prometheus.Counter

	// Request batcher
	BatchedCallsTotal    *prometheus.CounterVec
	BatchDedupeRatio     *prometheus.GaugeVec
	BatchRequestsTotal   *prometheus.CounterVec
	BatchEnrichmentTotal *prometheus.CounterVec

	// LTP cache
	CacheHitsTotal   *prometheus.CounterVec
	CacheMissesTotal *prometheus.CounterVec
	CacheSize        prometheus.Gauge

	// Stream multiplexer
	UpstreamTokensActive prometheus.Gauge
	TicksReceivedTotal   prometheus.Counter
	DrainCyclesTotal     prometheus.Counter

	// WS gateway
	WSConnectionsCurrent  prometheus.Gauge
	WSConnectionsTotal    prometheus.Counter
	WSMessagesInTotal     prometheus.Counter
	WSMessagesOutTotal    prometheus.Counter
	WSBroadcastDropsTotal *prometheus.CounterVec
	WSErrorsTotal         *prometheus.CounterVec

	// Usage / abuse tracking
	HTTPRateLimitedTotal prometheus.Counter
	WSRateLimitedTotal   *prometheus.CounterVec
	AbuseFlagsBlocked    prometheus.Gauge

	// Audit sink
	AuditFlushedTotal prometheus.Counter
	AuditDroppedTotal prometheus.Counter
}

// New registers every metric against the given registerer (typically
// prometheus.NewRegistry() so tests don't collide with the default
// global registry).
func New(reg prometheus.Registerer) *Registry {
	f := promauto.With(reg)

	return &Registry{
		ProviderRequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "provider_requests_total",
			Help: "Upstream provider calls made, by endpoint.",
		}, []string{"endpoint"}),
		ProviderLatencySeconds: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "provider_latency_seconds",
			Help:    "Upstream provider call latency, by endpoint.",
			Buckets: prometheus.DefBuckets,
		}, []string{"endpoint"}),
		ProviderRequestErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "provider_request_errors_total",
			Help: "Upstream provider call failures, by endpoint and error kind.",
		}, []string{"endpoint", "error"}),
		ProviderFallbackActive: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "provider_queue_fallback_active",
			Help: "1 when the provider queue is running on the in-memory fallback throttle for an endpoint.",
		}, []string{"endpoint"}),
		ProviderLockWaits: f.NewCounter(prometheus.CounterOpts{
			Name: "provider_lock_waits_total",
			Help: "Times the provider queue had to wait for the distributed lock to free up.",
		}),
		ProviderLockTimeouts: f.NewCounter(prometheus.CounterOpts{
			Name: "provider_lock_timeouts_total",
			Help: "Times the provider queue exhausted its spin budget waiting for the distributed lock.",
		}),

		BatchedCallsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "batch_upstream_calls_total",
			Help: "Chunked upstream calls issued by the request batcher.",
		}, []string{"endpoint"}),
		BatchDedupeRatio: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "batch_dedupe_ratio",
			Help: "Ratio of deduped tokens to raw requested tokens in the last window.",
		}, []string{"endpoint"}),
		BatchRequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "batch_caller_requests_total",
			Help: "Caller requests coalesced into batch windows.",
		}, []string{"endpoint"}),
		BatchEnrichmentTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "batch_enrichment_calls_total",
			Help: "Additional gated calls made to backfill missing last_price.",
		}, []string{"endpoint"}),

		CacheHitsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ltp_cache_hits_total",
			Help: "LTP cache reads satisfied locally or from the shared store.",
		}, []string{"tier"}),
		CacheMissesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ltp_cache_misses_total",
			Help: "LTP cache reads that found nothing within the allowed staleness.",
		}, []string{"tier"}),
		CacheSize: f.NewGauge(prometheus.GaugeOpts{
			Name: "ltp_cache_size",
			Help: "Current number of tokens held in the local LTP cache.",
		}),

		UpstreamTokensActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "stream_upstream_tokens_active",
			Help: "Tokens currently subscribed at the upstream ticker.",
		}),
		TicksReceivedTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "stream_ticks_received_total",
			Help: "Ticks received from the upstream ticker.",
		}),
		DrainCyclesTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "stream_drain_cycles_total",
			Help: "Subscribe/unsubscribe drain cycles executed.",
		}),

		WSConnectionsCurrent: f.NewGauge(prometheus.GaugeOpts{
			Name: "ws_connections_current",
			Help: "Currently connected WebSocket clients.",
		}),
		WSConnectionsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "ws_connections_total",
			Help: "WebSocket connections accepted since start.",
		}),
		WSMessagesInTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "ws_messages_in_total",
			Help: "Inbound WebSocket events processed.",
		}),
		WSMessagesOutTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "ws_messages_out_total",
			Help: "Outbound WebSocket frames sent.",
		}),
		WSBroadcastDropsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ws_broadcast_drops_total",
			Help: "Broadcast frames dropped due to backpressure, by reason.",
		}, []string{"reason"}),
		WSErrorsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ws_errors_total",
			Help: "Error frames sent to WebSocket clients, by code.",
		}, []string{"code"}),

		HTTPRateLimitedTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "http_rate_limited_total",
			Help: "HTTP requests rejected for exceeding the per-key per-minute limit.",
		}),
		WSRateLimitedTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ws_rate_limited_total",
			Help: "WS events rejected for exceeding the per-key per-event RPS limit.",
		}, []string{"event"}),
		AbuseFlagsBlocked: f.NewGauge(prometheus.GaugeOpts{
			Name: "abuse_flags_blocked",
			Help: "API keys currently blocked for abuse.",
		}),

		AuditFlushedTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "audit_flushed_total",
			Help: "Audit events flushed to the append-only store.",
		}),
		AuditDroppedTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "audit_dropped_total",
			Help: "Audit events dropped because the ring buffer was full.",
		}),
	}
}
