package httpapi

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/AmanVatsSharma/Kite-COnnect-Backend-sub002/internal/apperr"
	"github.com/AmanVatsSharma/Kite-COnnect-Backend-sub002/internal/provider"
)

// resolveOverride reads an explicit ?provider= override, falling back to
// the authenticated key's configured ProviderOverride.
func resolveOverride(c echo.Context) string {
	override := c.QueryParam("provider")
	if override == "" {
		if rec := apiKeyRecord(c); rec != nil {
			override = rec.ProviderOverride
		}
	}
	return override
}

func parseTokens(c echo.Context) ([]int64, error) {
	raw := c.QueryParam("tokens")
	if raw == "" {
		return nil, apperr.New(apperr.InvalidPayload, "missing tokens query parameter")
	}
	parts := strings.Split(raw, ",")
	out := make([]int64, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		tok, err := strconv.ParseInt(p, 10, 64)
		if err != nil {
			return nil, apperr.New(apperr.InvalidPayload, "invalid token: "+p)
		}
		out = append(out, tok)
	}
	return out, nil
}

// quoteHandler, ltpHandler, ohlcHandler and historicalHandler all route
// through their endpoint's coalescing batcher rather than calling the
// adapter directly, so every REST surface shares the same dedupe window
// and the same endpoint-scoped provider.Queue gate.
func quoteHandler(d Deps) echo.HandlerFunc {
	return func(c echo.Context) error {
		exchange := c.QueryParam("exchange")
		if exchange == "" {
			return writeAppError(c, apperr.New(apperr.InvalidExchange, "missing exchange query parameter"))
		}
		tokens, err := parseTokens(c)
		if err != nil {
			return writeAppError(c, err)
		}
		quotes, err := d.Quote.GetQuote(c.Request().Context(), exchange, resolveOverride(c), tokens)
		if err != nil {
			return writeAppError(c, apperr.New(apperr.ProviderError, err.Error()))
		}
		return c.JSON(http.StatusOK, quotes)
	}
}

func ltpHandler(d Deps) echo.HandlerFunc {
	return func(c echo.Context) error {
		exchange := c.QueryParam("exchange")
		if exchange == "" {
			return writeAppError(c, apperr.New(apperr.InvalidExchange, "missing exchange query parameter"))
		}
		tokens, err := parseTokens(c)
		if err != nil {
			return writeAppError(c, err)
		}
		values, err := d.LTP.GetLTP(c.Request().Context(), exchange, resolveOverride(c), tokens)
		if err != nil {
			return writeAppError(c, apperr.New(apperr.ProviderError, err.Error()))
		}
		return c.JSON(http.StatusOK, values)
	}
}

// ltpPairsHandler is the EXCHANGE-TOKEN pair variant: ?pairs=NSE_EQ-408065,NSE_EQ-738561
func ltpPairsHandler(d Deps) echo.HandlerFunc {
	return func(c echo.Context) error {
		raw := c.QueryParam("pairs")
		if raw == "" {
			return writeAppError(c, apperr.New(apperr.InvalidPayload, "missing pairs query parameter"))
		}
		pairs, err := parsePairs(raw)
		if err != nil {
			return writeAppError(c, err)
		}
		values, err := d.Pairs.GetLTPByPairs(c.Request().Context(), pairs, resolveOverride(c))
		if err != nil {
			return writeAppError(c, err)
		}
		return c.JSON(http.StatusOK, values)
	}
}

func parsePairs(raw string) ([]provider.ExchangeToken, error) {
	parts := strings.Split(raw, ",")
	out := make([]provider.ExchangeToken, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		idx := strings.LastIndex(p, "-")
		if idx <= 0 || idx == len(p)-1 {
			return nil, apperr.New(apperr.InvalidPayload, "invalid pair: "+p)
		}
		tok, err := strconv.ParseInt(p[idx+1:], 10, 64)
		if err != nil {
			return nil, apperr.New(apperr.InvalidPayload, "invalid pair token: "+p)
		}
		out = append(out, provider.ExchangeToken{Exchange: p[:idx], Token: tok})
	}
	return out, nil
}

func ohlcHandler(d Deps) echo.HandlerFunc {
	return func(c echo.Context) error {
		exchange := c.QueryParam("exchange")
		tokenStr := c.QueryParam("token")
		token, err := strconv.ParseInt(tokenStr, 10, 64)
		if err != nil {
			return writeAppError(c, apperr.New(apperr.InvalidPayload, "invalid token"))
		}
		bars, err := d.Bars.GetOHLC(c.Request().Context(), exchange, token, c.QueryParam("interval"), c.QueryParam("from"), c.QueryParam("to"), resolveOverride(c))
		if err != nil {
			return writeAppError(c, apperr.New(apperr.ProviderError, err.Error()))
		}
		return c.JSON(http.StatusOK, bars)
	}
}

func historicalHandler(d Deps) echo.HandlerFunc {
	return func(c echo.Context) error {
		exchange := c.QueryParam("exchange")
		token, err := strconv.ParseInt(c.QueryParam("token"), 10, 64)
		if err != nil {
			return writeAppError(c, apperr.New(apperr.InvalidPayload, "invalid token"))
		}
		bars, err := d.Bars.GetHistoricalData(c.Request().Context(), exchange, token, c.QueryParam("interval"), c.QueryParam("from"), c.QueryParam("to"), resolveOverride(c))
		if err != nil {
			return writeAppError(c, apperr.New(apperr.ProviderError, err.Error()))
		}
		return c.JSON(http.StatusOK, bars)
	}
}

func instrumentsHandler(d Deps) echo.HandlerFunc {
	return func(c echo.Context) error {
		exchange := c.QueryParam("exchange")
		if exchange == "" {
			return writeAppError(c, apperr.New(apperr.InvalidExchange, "missing exchange query parameter"))
		}
		rec := apiKeyRecord(c)
		override := c.QueryParam("provider")
		if override == "" && rec != nil {
			override = rec.ProviderOverride
		}
		adapter := d.Resolver.ResolveForHTTP(override)
		records, err := adapter.GetInstruments(c.Request().Context(), exchange)
		if err != nil {
			return writeAppError(c, apperr.New(apperr.ProviderError, err.Error()))
		}
		return c.JSON(http.StatusOK, records)
	}
}
