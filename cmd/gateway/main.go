// Command gateway wires every collaborator together and runs the
// market-data gateway: the client REST API, the admin REST API, and the
// WebSocket fan-out server, sharing one provider resolver and one set of
// per-provider upstream multiplexers.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	_ "go.uber.org/automaxprocs"

	"github.com/AmanVatsSharma/Kite-COnnect-Backend-sub002/internal/abuse"
	"github.com/AmanVatsSharma/Kite-COnnect-Backend-sub002/internal/apikey"
	"github.com/AmanVatsSharma/Kite-COnnect-Backend-sub002/internal/audit"
	"github.com/AmanVatsSharma/Kite-COnnect-Backend-sub002/internal/batcher"
	"github.com/AmanVatsSharma/Kite-COnnect-Backend-sub002/internal/blocklist"
	"github.com/AmanVatsSharma/Kite-COnnect-Backend-sub002/internal/config"
	"github.com/AmanVatsSharma/Kite-COnnect-Backend-sub002/internal/gateway"
	"github.com/AmanVatsSharma/Kite-COnnect-Backend-sub002/internal/httpapi"
	"github.com/AmanVatsSharma/Kite-COnnect-Backend-sub002/internal/logging"
	"github.com/AmanVatsSharma/Kite-COnnect-Backend-sub002/internal/ltpcache"
	"github.com/AmanVatsSharma/Kite-COnnect-Backend-sub002/internal/metrics"
	"github.com/AmanVatsSharma/Kite-COnnect-Backend-sub002/internal/provider"
	"github.com/AmanVatsSharma/Kite-COnnect-Backend-sub002/internal/sharedstore"
	"github.com/AmanVatsSharma/Kite-COnnect-Backend-sub002/internal/store"
	"github.com/AmanVatsSharma/Kite-COnnect-Backend-sub002/internal/stream"
)

// abuseCheckerAdapter narrows abuse.Detector's Status-returning method
// down to the plain bool the gateway's WS admission path needs.
type abuseCheckerAdapter struct {
	detector *abuse.Detector
}

func (a abuseCheckerAdapter) GetStatusForAPIKey(ctx context.Context, key string) bool {
	return a.detector.GetStatusForAPIKey(ctx, key).Blocked
}

func main() {
	debug := flag.Bool("debug", false, "enable debug logging (overrides LOG_LEVEL)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	if *debug {
		cfg.LogLevel = "debug"
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	logger.Info().Int("gomaxprocs", runtime.GOMAXPROCS(0)).Msg("starting marketdata gateway")
	cfg.LogFields(logger)

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	shared := buildSharedStore(cfg, logger)
	relStore := buildRelationalStore(cfg, logger)

	adapters := map[provider.Name]provider.Adapter{
		provider.ProviderF: provider.NewFAdapter(provider.FConfig{
			BaseURL: os.Getenv("PROVIDER_F_BASE_URL"), WSURL: os.Getenv("PROVIDER_F_WS_URL"),
			APIKey: os.Getenv("PROVIDER_F_API_KEY"), APIToken: os.Getenv("PROVIDER_F_API_TOKEN"),
			Timeout: cfg.ProviderHTTPTimeout,
		}, logger, m),
		provider.ProviderV: provider.NewVAdapter(provider.VConfig{
			BaseURL: os.Getenv("PROVIDER_V_BASE_URL"), WSURL: os.Getenv("PROVIDER_V_WS_URL"),
			Token: os.Getenv("PROVIDER_V_TOKEN"), ClientID: os.Getenv("PROVIDER_V_CLIENT_ID"),
			Timeout: cfg.ProviderHTTPTimeout,
		}, logger, m),
	}
	resolver := provider.NewResolver(adapters, provider.Name(cfg.DataProvider))

	// Attach the shared store immediately, before anything reads
	// resolver.GetGlobal(), so a provider:global value persisted by a
	// previous process (or a peer instance) wins over this instance's
	// static DATA_PROVIDER config rather than racing against it.
	resolver.WithSharedStore(shared, logger)

	// One Queue per {provider, endpoint} pair, so an in-flight LTP batch
	// for provider F never blocks a concurrent OHLC call for F (or
	// anything for V).
	queues := provider.NewQueueSet(shared, logger, m, cfg.ProviderLockTTL, cfg.ProviderLockJitterMin, cfg.ProviderLockJitterMax, int(cfg.ProviderSpinBudget/cfg.ProviderLockJitterMax)+1)

	muxes := map[provider.Name]*stream.Multiplexer{}
	for name, adapter := range adapters {
		muxes[name] = stream.New(adapter, cfg.DrainInterval, cfg.DrainChunk, logger, m)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cache := ltpcache.New(cfg.LTPCacheCapacity, cfg.LTPCacheTTL, shared, cfg.LastTickTTL, m)
	ltpBatcher := batcher.NewLTPBatcher(cfg.BatchWindow, cfg.BatchChunkSize, cache, cfg.LTPCacheTTL, queues, resolver, logger, m)
	quoteBatcher := batcher.NewQuoteBatcher(cfg.BatchWindow, cfg.BatchChunkSize, queues, resolver, logger, m)
	barsBatcher := batcher.NewBarsBatcher(cfg.BatchWindow, queues, resolver, logger, m)
	pairBatcher := batcher.NewPairLTPBatcher(cfg.BatchWindow, cfg.BatchChunkSize, cache, cfg.LTPCacheTTL, queues, resolver, logger, m)

	wsBlocklist := blocklist.New(shared, logger)
	if err := wsBlocklist.Refresh(context.Background()); err != nil {
		logger.Warn().Err(err).Msg("initial blocklist refresh failed, starting with an empty cache")
	}
	go wsBlocklist.RefreshLoop(ctx, cfg.BlocklistRefreshInterval)

	usage := apikey.New(relStore, shared, logger, m)
	abuseDetector := abuse.New(relStore, abuse.Thresholds{
		WindowMinutes: cfg.AbuseWindowMinutes, UniqueIPThreshold: cfg.AbuseUniqueIPThreshold,
		TotalReqThreshold: cfg.AbuseTotalReqThreshold, BlockScore: cfg.AbuseBlockScoreThreshold,
	}, logger, m)
	auditSink := audit.New(relStore, audit.SampleConfig{
		HTTPSampleRate: cfg.AuditHTTPSampleRate, AlwaysLogErrors: cfg.AuditHTTPAlwaysLogErrors, WSSubSampleRate: cfg.AuditWSSubSampleRate,
	}, cfg.AuditBufferCapacity, cfg.AuditFlushChunk, cfg.AuditFlushInterval, cfg.AuditLogRetentionDays, cfg.AuditRetentionSweep, logger, m)

	gwCfg := gateway.Config{
		MaxConnectionsPerKey: cfg.MaxConnectionsPerKey, MaxSubscriptionsPerSock: cfg.MaxSubscriptionsPerSock,
		HeartbeatInterval: cfg.HeartbeatInterval,
		DefaultSubscribeRPS: cfg.SubscribeRPS, DefaultUnsubscribeRPS: cfg.UnsubscribeRPS, DefaultModeRPS: cfg.ModeRPS,
		ConnIPBurst: 5, ConnIPRatePerSec: 2, ConnGlobalBurst: 200, ConnGlobalRatePerSec: 100,
	}
	gw := gateway.New(gwCfg, muxes[resolver.GetGlobal()], resolver, relStore, usage, abuseCheckerAdapter{abuseDetector}, auditSink, wsBlocklist, quoteBatcher, barsBatcher, logger, m)

	// Reconcile live WS broadcast traffic after an admin-triggered global
	// provider switch: stop streaming the old provider, start the new
	// one, and migrate every connected socket's subscriptions onto it.
	var currentProviderMu sync.Mutex
	currentProvider := resolver.GetGlobal()
	resolver.WithReconcile(func(newName provider.Name) {
		currentProviderMu.Lock()
		oldName := currentProvider
		currentProvider = newName
		currentProviderMu.Unlock()

		if oldMux, ok := muxes[oldName]; ok {
			oldMux.StopStreaming()
		}
		newMux, ok := muxes[newName]
		if !ok {
			return
		}
		if err := newMux.StartStreaming(ctx); err != nil {
			logger.Error().Err(err).Str("provider", string(newName)).Msg("failed to start streaming for new global provider")
			return
		}
		gw.SetMux(newMux)
	})

	for name, mux := range muxes {
		mux.SetStateChangeHandler(func(s stream.State) {
			gw.BroadcastStreamStatus(string(s), mux.ActiveTokenCount())
		})
		if name == currentProvider {
			logger.Info().Str("provider", string(name)).Msg("starting upstream multiplexer")
			if err := mux.StartStreaming(ctx); err != nil {
				logger.Fatal().Err(err).Str("provider", string(name)).Msg("failed to start upstream multiplexer")
			}
		}
	}

	if err := auditSink.Start(); err != nil {
		logger.Fatal().Err(err).Msg("failed to start audit sink")
	}
	if err := abuseDetector.Start(durationToCron(cfg.AbuseScanInterval)); err != nil {
		logger.Fatal().Err(err).Msg("failed to start abuse detector")
	}

	deps := httpapi.Deps{
		Store: relStore, Resolver: resolver, Usage: usage, Abuse: abuseDetector,
		Audit: auditSink, LTP: ltpBatcher, Quote: quoteBatcher, Bars: barsBatcher, Pairs: pairBatcher,
		Blocklist: wsBlocklist, Gateway: gw, Mux: muxes,
		AdminToken: cfg.AdminToken, Logger: logger,
	}

	clientRouter := httpapi.NewClientRouter(deps)
	clientMux := http.NewServeMux()
	clientMux.Handle("/", clientRouter)
	clientMux.Handle("/ws", gw)
	clientMux.Handle("/market-data", gw)
	clientMux.Handle("/health/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	clientServer := &http.Server{Addr: cfg.HTTPAddr, Handler: clientMux}

	adminServer := &http.Server{Addr: cfg.AdminAddr, Handler: httpapi.NewAdminRouter(deps)}

	go func() {
		logger.Info().Str("addr", cfg.HTTPAddr).Msg("client http/ws server listening")
		if err := clientServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("client server failed")
		}
	}()
	go func() {
		logger.Info().Str("addr", cfg.AdminAddr).Msg("admin http server listening")
		if err := adminServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("admin server failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	logger.Info().Msg("shutdown signal received, draining")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	_ = gw.Shutdown(shutdownCtx)
	_ = clientServer.Shutdown(shutdownCtx)
	_ = adminServer.Shutdown(shutdownCtx)
	for _, mux := range muxes {
		mux.StopStreaming()
	}
	abuseDetector.Stop()
	auditSink.Stop()
	cancel()

	logger.Info().Msg("gateway gracefully shut down")
}

// buildSharedStore wraps Redis in a FailoverStore so a Redis outage
// degrades every caller (provider queue, LTP cache, usage tracker) to an
// in-process fallback instead of failing requests outright.
func buildSharedStore(cfg *config.Config, logger zerolog.Logger) *sharedstore.FailoverStore {
	redisStore := sharedstore.NewRedisStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	return sharedstore.NewFailoverStore(redisStore, sharedstore.NewMemoryStore(), logger)
}

// buildRelationalStore opens the Postgres-backed store, exiting the
// process on failure since the gateway cannot serve authenticated traffic
// without it.
func buildRelationalStore(cfg *config.Config, logger zerolog.Logger) store.Store {
	st, err := store.NewGormStore(cfg.PostgresDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open relational store")
	}
	return st
}

func durationToCron(d time.Duration) string {
	return "@every " + d.String()
}
