package httpapi

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/AmanVatsSharma/Kite-COnnect-Backend-sub002/internal/provider"
	"github.com/AmanVatsSharma/Kite-COnnect-Backend-sub002/internal/store"
	"github.com/AmanVatsSharma/Kite-COnnect-Backend-sub002/internal/stream"
)

func getGlobalProviderHandler(d Deps) echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"provider": string(d.Resolver.GetGlobal())})
	}
}

func setGlobalProviderHandler(d Deps) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req struct {
			Provider string `json:"provider"`
		}
		if err := c.Bind(&req); err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid body"})
		}
		if !d.Resolver.SetGlobal(provider.Name(req.Provider)) {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "unknown provider: " + req.Provider})
		}
		return c.JSON(http.StatusOK, map[string]string{"provider": req.Provider})
	}
}

func streamStartHandler(d Deps) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req struct {
			Provider string `json:"provider"`
		}
		_ = c.Bind(&req)
		mux, ok := resolveMux(d, req.Provider)
		if !ok {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "unknown provider: " + req.Provider})
		}
		if err := mux.StartStreaming(c.Request().Context()); err != nil {
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
		}
		return c.JSON(http.StatusOK, map[string]string{"status": string(mux.State())})
	}
}

func streamStopHandler(d Deps) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req struct {
			Provider string `json:"provider"`
		}
		_ = c.Bind(&req)
		mux, ok := resolveMux(d, req.Provider)
		if !ok {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "unknown provider: " + req.Provider})
		}
		mux.StopStreaming()
		return c.JSON(http.StatusOK, map[string]string{"status": string(mux.State())})
	}
}

// resolveMux picks the multiplexer a stream start/stop request targets,
// defaulting to the current global provider when the body omits one.
func resolveMux(d Deps, name string) (*stream.Multiplexer, bool) {
	if name == "" {
		name = string(d.Resolver.GetGlobal())
	}
	mux, ok := d.Mux[provider.Name(name)]
	return mux, ok
}

func streamStatusHandler(d Deps) echo.HandlerFunc {
	return func(c echo.Context) error {
		status := make(map[string]any)
		for name, mux := range d.Mux {
			s := mux.Status()
			status[string(name)] = map[string]any{
				"active_tokens": s.ActiveTokens,
				"state":         string(s.State),
			}
		}
		status["global_provider"] = string(d.Resolver.GetGlobal())
		return c.JSON(http.StatusOK, status)
	}
}

func createAPIKeyHandler(d Deps) echo.HandlerFunc {
	return func(c echo.Context) error {
		var rec store.APIKey
		if err := c.Bind(&rec); err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid body"})
		}
		rec.IsActive = true
		if err := d.Store.CreateAPIKey(c.Request().Context(), &rec); err != nil {
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
		}
		return c.JSON(http.StatusCreated, rec)
	}
}

func updateLimitsHandler(d Deps) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req struct {
			Key   string                 `json:"key"`
			Patch store.APIKeyLimitPatch `json:"patch"`
		}
		if err := c.Bind(&req); err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid body"})
		}
		if err := d.Store.UpdateAPIKeyLimits(c.Request().Context(), req.Key, req.Patch); err != nil {
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
		}
		return c.JSON(http.StatusOK, map[string]string{"status": "updated"})
	}
}

func setEntitlementsHandler(d Deps) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req struct {
			Key       string   `json:"key"`
			Exchanges []string `json:"exchanges"`
		}
		if err := c.Bind(&req); err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid body"})
		}
		if err := d.Store.SetEntitlements(c.Request().Context(), req.Key, req.Exchanges); err != nil {
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
		}
		return c.JSON(http.StatusOK, map[string]string{"status": "updated"})
	}
}

func usageReportHandler(d Deps) echo.HandlerFunc {
	return func(c echo.Context) error {
		key := c.Param("key")
		report, err := d.Usage.GetUsageReport(c.Request().Context(), key)
		if err != nil {
			return c.JSON(http.StatusNotFound, map[string]string{"error": err.Error()})
		}
		return c.JSON(http.StatusOK, report)
	}
}

func listAbuseFlagsHandler(d Deps) echo.HandlerFunc {
	return func(c echo.Context) error {
		flags, err := d.Abuse.ListFlagged(c.Request().Context())
		if err != nil {
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
		}
		return c.JSON(http.StatusOK, flags)
	}
}

func unblockHandler(d Deps) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req struct {
			Key string `json:"key"`
		}
		if err := c.Bind(&req); err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid body"})
		}
		if err := d.Abuse.Unblock(c.Request().Context(), req.Key); err != nil {
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
		}
		return c.JSON(http.StatusOK, map[string]string{"status": "unblocked"})
	}
}

func blockAbuseKeyHandler(d Deps) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req struct {
			Key    string `json:"key"`
			Reason string `json:"reason"`
		}
		if err := c.Bind(&req); err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid body"})
		}
		if err := d.Abuse.Block(c.Request().Context(), req.Key, req.Reason); err != nil {
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
		}
		return c.JSON(http.StatusOK, map[string]string{"status": "blocked"})
	}
}

// setBlocklistHandler accepts a partial update to any of the four global
// WS denylists; omitted fields leave that list untouched.
func setBlocklistHandler(d Deps) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req struct {
			Tokens        []int64  `json:"tokens"`
			Exchanges     []string `json:"exchanges"`
			BlockAPIKey   string   `json:"block_api_key"`
			UnblockAPIKey string   `json:"unblock_api_key"`
			BlockTenant   string   `json:"block_tenant"`
			UnblockTenant string   `json:"unblock_tenant"`
		}
		if err := c.Bind(&req); err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid body"})
		}
		ctx := c.Request().Context()
		if d.Blocklist == nil {
			return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "blocklist not configured"})
		}
		if req.Tokens != nil {
			if err := d.Blocklist.BlockTokens(ctx, req.Tokens); err != nil {
				return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
			}
		}
		if req.Exchanges != nil {
			if err := d.Blocklist.BlockExchanges(ctx, req.Exchanges); err != nil {
				return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
			}
		}
		if req.BlockAPIKey != "" {
			if err := d.Blocklist.BlockAPIKey(ctx, req.BlockAPIKey); err != nil {
				return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
			}
		}
		if req.UnblockAPIKey != "" {
			if err := d.Blocklist.UnblockAPIKey(ctx, req.UnblockAPIKey); err != nil {
				return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
			}
		}
		if req.BlockTenant != "" {
			if err := d.Blocklist.BlockTenant(ctx, req.BlockTenant); err != nil {
				return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
			}
		}
		if req.UnblockTenant != "" {
			if err := d.Blocklist.UnblockTenant(ctx, req.UnblockTenant); err != nil {
				return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
			}
		}
		return c.JSON(http.StatusOK, map[string]string{"status": "updated"})
	}
}

func detailedHealthHandler(d Deps) echo.HandlerFunc {
	return func(c echo.Context) error {
		health := map[string]any{"status": "ok"}
		if d.Gateway != nil {
			health["ws_connections"] = d.Gateway.ConnectionCount()
		}
		return c.JSON(http.StatusOK, health)
	}
}
