// Package gateway is the WebSocket front door: it upgrades connections
// with gobwas/ws, authenticates them against an API key, drives each
// client's inbound event loop (subscribe/unsubscribe/set_mode/get_quote/
// get_historical_data/ping), and fans normalized ticks back out with
// backpressure protection.
package gateway

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"

	"github.com/AmanVatsSharma/Kite-COnnect-Backend-sub002/internal/apperr"
	"github.com/AmanVatsSharma/Kite-COnnect-Backend-sub002/internal/logging"
	"github.com/AmanVatsSharma/Kite-COnnect-Backend-sub002/internal/metrics"
	"github.com/AmanVatsSharma/Kite-COnnect-Backend-sub002/internal/provider"
	"github.com/AmanVatsSharma/Kite-COnnect-Backend-sub002/internal/store"
	"github.com/AmanVatsSharma/Kite-COnnect-Backend-sub002/internal/stream"
)

// QuoteFetcher is the slice of batcher.QuoteBatcher the gateway needs to
// answer an inbound get_quote event.
type QuoteFetcher interface {
	GetQuote(ctx context.Context, exchange, override string, tokens []int64) (map[int64]provider.Quote, error)
}

// HistoricalFetcher is the slice of batcher.BarsBatcher the gateway needs
// to answer an inbound get_historical_data event.
type HistoricalFetcher interface {
	GetHistoricalData(ctx context.Context, exchange string, token int64, interval, from, to, override string) ([]provider.OHLCBar, error)
}

// BlocklistChecker is the slice of blocklist.Checker the gateway needs to
// enforce global WS admission denylists.
type BlocklistChecker interface {
	IsTokenBlocked(token int64) bool
	IsExchangeBlocked(exchange string) bool
	IsAPIKeyBlocked(ctx context.Context, key string) bool
	IsTenantBlocked(ctx context.Context, tenantID string) bool
}

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	maxSendFailures = 3
)

// UsageTracker is the slice of apikey.Tracker the gateway needs.
type UsageTracker interface {
	ValidateAPIKey(ctx context.Context, key string) (*store.APIKey, error)
	TrackWSConnection(ctx context.Context, key string, limit int) (int64, bool)
	UntrackWSConnection(ctx context.Context, key string)
	CheckWSRateLimit(ctx context.Context, key, event string, rps float64) (allowed bool, retryAfterMs int64)
}

// AbuseChecker is the slice of abuse.Detector the gateway needs.
type AbuseChecker interface {
	GetStatusForAPIKey(ctx context.Context, key string) (blocked bool)
}

// AuditSink is the slice of audit.Sink the gateway needs.
type AuditSink interface {
	LogWS(ev store.AuditEvent, isError bool)
}

// ExchangeResolver resolves a token to its authoritative exchange when a
// client subscribes without specifying one explicitly.
type ExchangeResolver interface {
	ResolveExchange(ctx context.Context, token int64) (string, bool, error)
}

// Config bundles the per-connection limits the server enforces.
type Config struct {
	MaxConnectionsPerKey    int
	MaxSubscriptionsPerSock int
	HeartbeatInterval       time.Duration
	DefaultSubscribeRPS     float64
	DefaultUnsubscribeRPS   float64
	DefaultModeRPS          float64
	ConnIPBurst             int
	ConnIPRatePerSec        float64
	ConnGlobalBurst         int
	ConnGlobalRatePerSec    float64
}

// Server is the WebSocket gateway.
type Server struct {
	cfg       Config
	muxVal    atomic.Value // holds *stream.Multiplexer
	resolver  *provider.Resolver
	resolveEx ExchangeResolver
	usage     UsageTracker
	abuse     AbuseChecker
	audit     AuditSink
	blocklist BlocklistChecker
	quote     QuoteFetcher
	bars      HistoricalFetcher
	logger    zerolog.Logger
	metrics   *metrics.Registry
	connLimit *connRateLimiter

	mu          sync.RWMutex
	clients     map[string]*Client
	shuttingDown int32
}

func New(cfg Config, mux *stream.Multiplexer, resolver *provider.Resolver, resolveEx ExchangeResolver, usage UsageTracker, abuse AbuseChecker, auditSink AuditSink, blocklist BlocklistChecker, quote QuoteFetcher, bars HistoricalFetcher, logger zerolog.Logger, reg *metrics.Registry) *Server {
	s := &Server{
		cfg: cfg, resolver: resolver, resolveEx: resolveEx,
		usage: usage, abuse: abuse, audit: auditSink, blocklist: blocklist, quote: quote, bars: bars,
		logger: logger, metrics: reg,
		connLimit: newConnRateLimiter(cfg.ConnIPBurst, cfg.ConnIPRatePerSec, cfg.ConnGlobalBurst, cfg.ConnGlobalRatePerSec),
		clients:   make(map[string]*Client),
	}
	s.muxVal.Store(mux)
	return s
}

// activeMux returns the multiplexer new subscriptions currently route
// through.
func (s *Server) activeMux() *stream.Multiplexer {
	return s.muxVal.Load().(*stream.Multiplexer)
}

// SetMux atomically swaps the multiplexer new subscriptions route
// through and migrates every already-connected client's subscriptions
// onto it, so a global provider switch (provider.Resolver's reconcile
// callback) doesn't silently stop delivering ticks to sockets that
// subscribed before the switch.
func (s *Server) SetMux(newMux *stream.Multiplexer) {
	old := s.muxVal.Swap(newMux).(*stream.Multiplexer)
	if old == newMux {
		return
	}
	s.mu.RLock()
	clients := make([]*Client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.RUnlock()
	for _, c := range clients {
		for token, info := range c.allSubs() {
			old.Unsubscribe(token, info.SubID)
			subID := newMux.Subscribe(token, provider.Mode(info.Mode), func(t provider.Tick) {
				c.enqueue(encodeTick(t))
			})
			c.setSub(token, info.Mode, subID)
		}
	}
}

// ServeHTTP upgrades the connection and drives it until disconnect.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ip := clientIP(r)

	if atomic.LoadInt32(&s.shuttingDown) == 1 {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}
	if !s.connLimit.Allow(ip) {
		http.Error(w, "connection rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	apiKey := extractAPIKey(r)
	if apiKey == "" {
		http.Error(w, "missing api key", http.StatusUnauthorized)
		return
	}
	ctx := r.Context()
	rec, err := s.usage.ValidateAPIKey(ctx, apiKey)
	if err != nil {
		http.Error(w, "invalid api key", http.StatusUnauthorized)
		return
	}
	if s.abuse != nil && s.abuse.GetStatusForAPIKey(ctx, apiKey) {
		http.Error(w, "api key blocked for abuse", http.StatusForbidden)
		return
	}
	if s.blocklist != nil {
		if s.blocklist.IsAPIKeyBlocked(ctx, apiKey) {
			http.Error(w, "api key blocked", http.StatusForbidden)
			return
		}
		if s.blocklist.IsTenantBlocked(ctx, rec.TenantID) {
			http.Error(w, "tenant blocked", http.StatusForbidden)
			return
		}
	}

	limit := rec.ConnectionLimit
	if limit == 0 {
		limit = s.cfg.MaxConnectionsPerKey
	}
	count, exceeded := s.usage.TrackWSConnection(ctx, apiKey, limit)
	if exceeded {
		s.usage.UntrackWSConnection(ctx, apiKey)
		http.Error(w, "connection limit exceeded", http.StatusTooManyRequests)
		return
	}
	_ = count

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.usage.UntrackWSConnection(ctx, apiKey)
		s.logger.Debug().Err(err).Str("client_ip", ip).Msg("websocket upgrade failed")
		return
	}

	client := newClient(conn, apiKey, rec.TenantID)
	s.mu.Lock()
	s.clients[client.ID] = client
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.WSConnectionsCurrent.Inc()
		s.metrics.WSConnectionsTotal.Inc()
	}

	client.enqueue(encodeConnected(client.ID))

	go s.writePump(client)
	go s.readPump(client, rec)
}

func (s *Server) readPump(c *Client, rec *store.APIKey) {
	defer logging.RecoverPanic(s.logger, "gateway.readPump", map[string]any{"client_id": c.ID})
	defer s.disconnect(c, rec)

	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))

	for {
		msg, op, err := wsutil.ReadClientData(c.conn)
		if err != nil {
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		if op != ws.OpText {
			continue
		}
		if s.metrics != nil {
			s.metrics.WSMessagesInTotal.Inc()
		}
		s.handleMessage(c, rec, msg)
	}
}

func (s *Server) handleMessage(c *Client, rec *store.APIKey, raw []byte) {
	var env inboundEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		s.sendError(c, apperr.New(apperr.InvalidPayload, "malformed json"))
		return
	}

	subRPS, unsubRPS, modeRPS := rec.WSSubscribeRPS, rec.WSUnsubscribeRPS, rec.WSModeRPS
	if subRPS == 0 {
		subRPS = s.cfg.DefaultSubscribeRPS
	}
	if unsubRPS == 0 {
		unsubRPS = s.cfg.DefaultUnsubscribeRPS
	}
	if modeRPS == 0 {
		modeRPS = s.cfg.DefaultModeRPS
	}

	ctx := context.Background()

	switch env.Type {
	case "ping":
		c.enqueue(encodePong())

	case "subscribe":
		if allowed, retryMs := s.usage.CheckWSRateLimit(ctx, c.APIKey, "subscribe", subRPS); !allowed {
			s.sendError(c, &apperr.Error{Code: apperr.RateLimited, Message: "subscribe rate exceeded", RetryAfterMs: retryMs})
			return
		}
		var req subscribeRequest
		if err := json.Unmarshal(env.Data, &req); err != nil {
			s.sendError(c, apperr.New(apperr.InvalidPayload, "malformed subscribe payload"))
			return
		}
		s.handleSubscribe(c, rec, req)

	case "unsubscribe":
		if allowed, retryMs := s.usage.CheckWSRateLimit(ctx, c.APIKey, "unsubscribe", unsubRPS); !allowed {
			s.sendError(c, &apperr.Error{Code: apperr.RateLimited, Message: "unsubscribe rate exceeded", RetryAfterMs: retryMs})
			return
		}
		var req unsubscribeRequest
		if err := json.Unmarshal(env.Data, &req); err != nil {
			s.sendError(c, apperr.New(apperr.InvalidPayload, "malformed unsubscribe payload"))
			return
		}
		s.handleUnsubscribe(c, req)

	case "set_mode":
		if allowed, retryMs := s.usage.CheckWSRateLimit(ctx, c.APIKey, "set_mode", modeRPS); !allowed {
			s.sendError(c, &apperr.Error{Code: apperr.RateLimited, Message: "mode change rate exceeded", RetryAfterMs: retryMs})
			return
		}
		var req modeRequest
		if err := json.Unmarshal(env.Data, &req); err != nil {
			s.sendError(c, apperr.New(apperr.InvalidPayload, "malformed mode payload"))
			return
		}
		s.handleModeChange(c, req)

	case "get_quote":
		var req getQuoteRequest
		if err := json.Unmarshal(env.Data, &req); err != nil {
			s.sendError(c, apperr.New(apperr.InvalidPayload, "malformed get_quote payload"))
			return
		}
		s.handleGetQuote(c, rec, req)

	case "get_historical_data":
		var req getHistoricalDataRequest
		if err := json.Unmarshal(env.Data, &req); err != nil {
			s.sendError(c, apperr.New(apperr.InvalidPayload, "malformed get_historical_data payload"))
			return
		}
		s.handleGetHistoricalData(c, rec, req)

	default:
		s.sendError(c, apperr.New(apperr.UnknownEvent, "unknown event type: "+env.Type))
	}
}

func (s *Server) handleGetQuote(c *Client, rec *store.APIKey, req getQuoteRequest) {
	if s.quote == nil {
		s.sendError(c, apperr.New(apperr.StreamInactive, "quote lookup unavailable"))
		return
	}
	quotes, err := s.quote.GetQuote(context.Background(), req.Exchange, rec.ProviderOverride, req.Tokens)
	if err != nil {
		s.sendError(c, apperr.New(apperr.ProviderError, err.Error()))
		return
	}
	c.enqueue(encodeQuoteData(quotes, req.LTPOnly))
}

func (s *Server) handleGetHistoricalData(c *Client, rec *store.APIKey, req getHistoricalDataRequest) {
	if s.bars == nil {
		s.sendError(c, apperr.New(apperr.StreamInactive, "historical data lookup unavailable"))
		return
	}
	bars, err := s.bars.GetHistoricalData(context.Background(), req.Exchange, req.Token, req.Interval, req.From, req.To, rec.ProviderOverride)
	if err != nil {
		s.sendError(c, apperr.New(apperr.ProviderError, err.Error()))
		return
	}
	c.enqueue(encodeHistoricalData(req.Token, bars))
}

func (s *Server) handleSubscribe(c *Client, rec *store.APIKey, req subscribeRequest) {
	if req.Mode == "" {
		req.Mode = string(provider.ModeLTP)
	}
	if !validMode(req.Mode) {
		s.sendError(c, apperr.New(apperr.InvalidMode, "invalid mode: "+req.Mode))
		return
	}

	remaining := s.cfg.MaxSubscriptionsPerSock - c.subCount()
	if remaining < 0 {
		remaining = 0
	}
	admitted := req.Tokens
	var overflow int
	if len(req.Tokens) > remaining {
		admitted = req.Tokens[:remaining]
		overflow = len(req.Tokens) - remaining
	}

	entitlements := rec.EntitledExchanges()
	var accepted []int64
	for _, token := range admitted {
		exchange := req.Exchange
		if exchange == "" {
			if resolved, found, err := s.resolveEx.ResolveExchange(context.Background(), token); err == nil && found {
				exchange = resolved
			}
		}
		if s.blocklist != nil && (s.blocklist.IsTokenBlocked(token) || (exchange != "" && s.blocklist.IsExchangeBlocked(exchange))) {
			s.sendError(c, apperr.New(apperr.EntitlementDenied, "token blocked"))
			continue
		}
		if entitlements != nil {
			if _, ok := entitlements[exchange]; !ok {
				s.sendError(c, apperr.New(apperr.EntitlementDenied, "not entitled to exchange: "+exchange))
				continue
			}
		}
		if info, ok := c.dropSub(token); ok {
			s.activeMux().Unsubscribe(token, info.SubID)
		}
		subID := s.activeMux().Subscribe(token, provider.Mode(req.Mode), func(t provider.Tick) {
			c.enqueue(encodeTick(t))
		})
		c.setSub(token, req.Mode, subID)
		accepted = append(accepted, token)
	}
	if len(accepted) > 0 {
		c.enqueue(encodeAck("subscription_confirmed", accepted))
	}
	if overflow > 0 {
		s.sendError(c, &apperr.Error{
			Code:    apperr.ConnectionLimitExceed,
			Message: "subscription request exceeds the socket's remaining capacity",
			Limit:   s.cfg.MaxSubscriptionsPerSock,
		})
	}
	if s.audit != nil {
		s.audit.LogWS(store.AuditEvent{RouteOrEvent: "subscribe", APIKey: c.APIKey, TenantID: c.TenantID}, false)
	}
}

func (s *Server) handleUnsubscribe(c *Client, req unsubscribeRequest) {
	for _, token := range req.Tokens {
		if info, ok := c.dropSub(token); ok {
			s.activeMux().Unsubscribe(token, info.SubID)
		}
	}
	c.enqueue(encodeAck("unsubscription_confirmed", req.Tokens))
	if s.audit != nil {
		s.audit.LogWS(store.AuditEvent{RouteOrEvent: "unsubscribe", APIKey: c.APIKey, TenantID: c.TenantID}, false)
	}
}

func (s *Server) handleModeChange(c *Client, req modeRequest) {
	if !validMode(req.Mode) {
		s.sendError(c, apperr.New(apperr.InvalidMode, "invalid mode: "+req.Mode))
		return
	}
	for _, token := range req.Tokens {
		if info, ok := c.dropSub(token); ok {
			s.activeMux().Unsubscribe(token, info.SubID)
		}
		subID := s.activeMux().Subscribe(token, provider.Mode(req.Mode), func(t provider.Tick) {
			c.enqueue(encodeTick(t))
		})
		c.setSub(token, req.Mode, subID)
	}
	c.enqueue(encodeAck("mode_confirmed", req.Tokens))
}

func (s *Server) sendError(c *Client, e *apperr.Error) {
	c.enqueue(encodeError(e))
	if s.metrics != nil {
		s.metrics.WSErrorsTotal.WithLabelValues(string(e.Code)).Inc()
	}
	if s.audit != nil {
		s.audit.LogWS(store.AuditEvent{RouteOrEvent: string(e.Code), APIKey: c.APIKey, TenantID: c.TenantID}, true)
	}
}

func (s *Server) writePump(c *Client) {
	defer logging.RecoverPanic(s.logger, "gateway.writePump", map[string]any{"client_id": c.ID})

	heartbeat := time.NewTicker(s.cfg.HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsutil.WriteServerMessage(c.conn, ws.OpText, msg); err != nil {
				strikes := c.strike()
				if strikes >= maxSendFailures {
					if s.metrics != nil {
						s.metrics.WSBroadcastDropsTotal.WithLabelValues("slow_client").Inc()
					}
					return
				}
				continue
			}
			if s.metrics != nil {
				s.metrics.WSMessagesOutTotal.Inc()
			}
		case <-heartbeat.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsutil.WriteServerMessage(c.conn, ws.OpPing, nil); err != nil {
				return
			}
		}
	}
}

func (s *Server) disconnect(c *Client, rec *store.APIKey) {
	for token, info := range c.allSubs() {
		s.activeMux().Unsubscribe(token, info.SubID)
	}
	c.close()

	s.mu.Lock()
	delete(s.clients, c.ID)
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.WSConnectionsCurrent.Dec()
	}
	s.usage.UntrackWSConnection(context.Background(), c.APIKey)
}

// Shutdown marks the server as draining and closes every active client
// connection, letting clients reconnect to a healthy instance.
func (s *Server) Shutdown(ctx context.Context) error {
	atomic.StoreInt32(&s.shuttingDown, 1)
	s.mu.RLock()
	clients := make([]*Client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.RUnlock()
	for _, c := range clients {
		c.close()
	}
	s.connLimit.Close()
	return nil
}

// BroadcastStreamStatus fans a stream_status frame out to every connected
// client, for registration against a stream.Multiplexer's
// SetStateChangeHandler so clients learn about upstream connectivity
// changes without polling the admin surface.
func (s *Server) BroadcastStreamStatus(state string, activeTokens int) {
	frame := encodeStreamStatus(state, activeTokens)
	s.mu.RLock()
	clients := make([]*Client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.RUnlock()
	for _, c := range clients {
		c.enqueue(frame)
	}
}

// ConnectionCount reports the number of currently connected clients.
func (s *Server) ConnectionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return fwd
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func extractAPIKey(r *http.Request) string {
	if key := r.Header.Get("X-Api-Key"); key != "" {
		return key
	}
	return r.URL.Query().Get("api_key")
}
