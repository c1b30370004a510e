// Package httpapi is the REST control plane: a client-facing surface for
// one-shot quote/LTP/OHLC lookups and an admin surface for provider
// control, stream status, API-key management, entitlements, and abuse
// review, both built on echo.
package httpapi

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/AmanVatsSharma/Kite-COnnect-Backend-sub002/internal/abuse"
	"github.com/AmanVatsSharma/Kite-COnnect-Backend-sub002/internal/apikey"
	"github.com/AmanVatsSharma/Kite-COnnect-Backend-sub002/internal/apperr"
	"github.com/AmanVatsSharma/Kite-COnnect-Backend-sub002/internal/audit"
	"github.com/AmanVatsSharma/Kite-COnnect-Backend-sub002/internal/batcher"
	"github.com/AmanVatsSharma/Kite-COnnect-Backend-sub002/internal/blocklist"
	"github.com/AmanVatsSharma/Kite-COnnect-Backend-sub002/internal/gateway"
	"github.com/AmanVatsSharma/Kite-COnnect-Backend-sub002/internal/provider"
	"github.com/AmanVatsSharma/Kite-COnnect-Backend-sub002/internal/store"
	"github.com/AmanVatsSharma/Kite-COnnect-Backend-sub002/internal/stream"
)

// Deps bundles every collaborator the HTTP surfaces need.
type Deps struct {
	Store      store.Store
	Resolver   *provider.Resolver
	Usage      *apikey.Tracker
	Abuse      *abuse.Detector
	Audit      *audit.Sink
	LTP        *batcher.LTPBatcher
	Quote      *batcher.QuoteBatcher
	Bars       *batcher.BarsBatcher
	Pairs      *batcher.PairLTPBatcher
	Blocklist  *blocklist.Checker
	Gateway    *gateway.Server
	Mux        map[provider.Name]*stream.Multiplexer
	AdminToken string
	Logger     zerolog.Logger
}

// NewClientRouter builds the client-facing echo instance: quote/ltp/ohlc
// lookups, gated by an API key and the per-minute usage tracker.
func NewClientRouter(d Deps) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.Use(requestLogMiddleware(d))
	e.Use(apiKeyMiddleware(d))

	e.GET("/health", healthHandler)
	e.GET("/v1/quote", quoteHandler(d))
	e.GET("/v1/ltp", ltpHandler(d))
	e.GET("/v1/ltp/pairs", ltpPairsHandler(d))
	e.GET("/v1/ohlc", ohlcHandler(d))
	e.GET("/v1/historical", historicalHandler(d))
	e.GET("/v1/instruments", instrumentsHandler(d))
	return e
}

// NewAdminRouter builds the admin echo instance, gated by a static
// x-admin-token header rather than the per-tenant API key model.
func NewAdminRouter(d Deps) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.Use(adminTokenMiddleware(d.AdminToken))

	e.GET("/health", healthHandler)
	e.GET("/health/detailed", detailedHealthHandler(d))

	e.GET("/admin/provider/global", getGlobalProviderHandler(d))
	e.POST("/admin/provider/global", setGlobalProviderHandler(d))
	e.POST("/admin/provider/stream/start", streamStartHandler(d))
	e.POST("/admin/provider/stream/stop", streamStopHandler(d))
	e.GET("/admin/stream/status", streamStatusHandler(d))

	e.POST("/admin/apikeys", createAPIKeyHandler(d))
	e.POST("/admin/apikeys/limits", updateLimitsHandler(d))
	e.POST("/admin/ws/entitlements", setEntitlementsHandler(d))
	e.GET("/admin/apikeys/:key/usage", usageReportHandler(d))

	e.GET("/admin/abuse/flags", listAbuseFlagsHandler(d))
	e.POST("/admin/abuse/flags/block", blockAbuseKeyHandler(d))
	e.POST("/admin/abuse/flags/unblock", unblockHandler(d))

	e.POST("/admin/ws/blocklist", setBlocklistHandler(d))

	return e
}

func healthHandler(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func writeAppError(c echo.Context, err error) error {
	if ae, ok := err.(*apperr.Error); ok {
		return c.JSON(ae.HTTPStatus(), ae)
	}
	return c.JSON(http.StatusInternalServerError, apperr.New(apperr.ProviderError, err.Error()))
}

// requestLogMiddleware writes a sampled audit event for every completed
// HTTP request.
func requestLogMiddleware(d Deps) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if d.Audit == nil {
				return err
			}
			status := c.Response().Status
			d.Audit.LogHTTP(store.AuditEvent{
				RouteOrEvent: c.Path(),
				Method:       c.Request().Method,
				Status:       status,
				APIKey:       apiKeyFromContext(c),
				IP:           c.RealIP(),
				UserAgent:    c.Request().UserAgent(),
				Origin:       c.Request().Header.Get("Origin"),
				DurationMs:   time.Since(start).Milliseconds(),
			})
			return err
		}
	}
}

const ctxAPIKey = "api_key"

func apiKeyFromContext(c echo.Context) string {
	if v, ok := c.Get(ctxAPIKey).(string); ok {
		return v
	}
	return ""
}

// apiKeyMiddleware validates the caller's API key, enforces its
// per-minute request budget, and rejects abuse-blocked keys, before
// handing the request to its route handler.
func apiKeyMiddleware(d Deps) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if c.Path() == "/health" {
				return next(c)
			}
			key := c.Request().Header.Get("X-Api-Key")
			if key == "" {
				key = c.QueryParam("api_key")
			}
			if key == "" {
				return writeAppError(c, apperr.New(apperr.AuthMissing, "missing api key"))
			}
			ctx := c.Request().Context()
			rec, err := d.Usage.ValidateAPIKey(ctx, key)
			if err != nil {
				return writeAppError(c, apperr.New(apperr.AuthInvalid, "invalid api key"))
			}
			if d.Abuse != nil && d.Abuse.GetStatusForAPIKey(ctx, key).Blocked {
				return writeAppError(c, apperr.New(apperr.KeyBlockedForAbuse, "api key blocked for abuse"))
			}
			_, limited := d.Usage.IncrementHTTPUsage(ctx, key, rec.RateLimitPerMinute)
			if limited {
				e := apperr.New(apperr.RateLimitExceeded, "rate limit exceeded")
				e.Limit = rec.RateLimitPerMinute
				return writeAppError(c, e)
			}
			c.Set(ctxAPIKey, key)
			c.Set("api_key_record", rec)
			return next(c)
		}
	}
}

func adminTokenMiddleware(token string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if c.Request().Header.Get("x-admin-token") != token {
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "invalid admin token"})
			}
			return next(c)
		}
	}
}

// apiKeyRecord pulls the validated record a route handler's middleware
// chain already fetched, avoiding a second store round trip.
func apiKeyRecord(c echo.Context) *store.APIKey {
	if v, ok := c.Get("api_key_record").(*store.APIKey); ok {
		return v
	}
	return nil
}
