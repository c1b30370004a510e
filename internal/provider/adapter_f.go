package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/AmanVatsSharma/Kite-COnnect-Backend-sub002/internal/metrics"
)

// FAdapter talks to the "F" broker's REST quote API and JSON-over-WebSocket
// ticker feed.
type FAdapter struct {
	httpCaller
	baseURL  string
	wsURL    string
	apiKey   string
	apiToken string
}

// FConfig holds the credentials and endpoints FAdapter needs.
type FConfig struct {
	BaseURL  string
	WSURL    string
	APIKey   string
	APIToken string
	Timeout  time.Duration
}

func NewFAdapter(cfg FConfig, logger zerolog.Logger, reg *metrics.Registry) *FAdapter {
	return &FAdapter{
		httpCaller: newHTTPCaller(ProviderF, cfg.Timeout, logger, reg),
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		wsURL:      cfg.WSURL,
		apiKey:     cfg.APIKey,
		apiToken:   cfg.APIToken,
	}
}

func (a *FAdapter) Name() Name { return ProviderF }

func (a *FAdapter) authHeader() string {
	return fmt.Sprintf("%s:%s", a.apiKey, a.apiToken)
}

func (a *FAdapter) doGet(ctx context.Context, endpoint string, query url.Values, out any) error {
	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+endpoint+"?"+query.Encode(), nil)
	if err != nil {
		a.observe(endpoint, start, err)
		return err
	}
	req.Header.Set("Authorization", a.authHeader())
	resp, err := a.client.Do(req)
	if err != nil {
		a.observe(endpoint, start, err)
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		err := httpError(resp)
		a.observe(endpoint, start, err)
		return err
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		a.observe(endpoint, start, err)
		return err
	}
	a.observe(endpoint, start, nil)
	return json.Unmarshal(body, out)
}

func (a *FAdapter) GetQuote(ctx context.Context, exchange string, tokens []int64) (map[int64]Quote, error) {
	var raw map[string]struct {
		LastPrice float64 `json:"last_price"`
		Open      float64 `json:"ohlc_open"`
		High      float64 `json:"ohlc_high"`
		Low       float64 `json:"ohlc_low"`
		Close     float64 `json:"ohlc_close"`
		Volume    int64   `json:"volume"`
		OI        int64   `json:"oi"`
	}
	q := url.Values{}
	q.Set("exchange", exchange)
	q.Set("tokens", joinTokens(tokens))
	if err := a.doGet(ctx, "/quote", q, &raw); err != nil {
		return nil, err
	}
	out := make(map[int64]Quote, len(raw))
	for tokStr, v := range raw {
		tok, err := strconv.ParseInt(tokStr, 10, 64)
		if err != nil {
			continue
		}
		out[tok] = Quote{
			Token: tok, Exchange: exchange,
			LastPrice: v.LastPrice, Open: v.Open, High: v.High, Low: v.Low, Close: v.Close,
			Volume: v.Volume, OI: v.OI,
		}
	}
	return out, nil
}

func (a *FAdapter) GetLTP(ctx context.Context, exchange string, tokens []int64) (map[int64]float64, error) {
	var raw map[string]struct {
		LastPrice float64 `json:"last_price"`
	}
	q := url.Values{}
	q.Set("exchange", exchange)
	q.Set("tokens", joinTokens(tokens))
	if err := a.doGet(ctx, "/ltp", q, &raw); err != nil {
		return nil, err
	}
	out := make(map[int64]float64, len(raw))
	for tokStr, v := range raw {
		tok, err := strconv.ParseInt(tokStr, 10, 64)
		if err != nil {
			continue
		}
		out[tok] = v.LastPrice
	}
	return out, nil
}

func (a *FAdapter) GetLTPByPairs(ctx context.Context, pairs []ExchangeToken) (map[int64]float64, error) {
	byExchange := make(map[string][]int64)
	for _, p := range pairs {
		byExchange[p.Exchange] = append(byExchange[p.Exchange], p.Token)
	}
	out := make(map[int64]float64)
	for ex, toks := range byExchange {
		part, err := a.GetLTP(ctx, ex, toks)
		if err != nil {
			return nil, err
		}
		for k, v := range part {
			out[k] = v
		}
	}
	return out, nil
}

func (a *FAdapter) GetOHLC(ctx context.Context, exchange string, token int64, interval string, from, to string) ([]OHLCBar, error) {
	return a.candles(ctx, "/ohlc", exchange, token, interval, from, to)
}

func (a *FAdapter) GetHistoricalData(ctx context.Context, exchange string, token int64, interval string, from, to string) ([]OHLCBar, error) {
	return a.candles(ctx, "/historical", exchange, token, interval, from, to)
}

func (a *FAdapter) candles(ctx context.Context, endpoint, exchange string, token int64, interval string, from, to string) ([]OHLCBar, error) {
	var raw []struct {
		Timestamp string  `json:"timestamp"`
		Open      float64 `json:"open"`
		High      float64 `json:"high"`
		Low       float64 `json:"low"`
		Close     float64 `json:"close"`
		Volume    int64   `json:"volume"`
	}
	q := url.Values{}
	q.Set("exchange", exchange)
	q.Set("token", strconv.FormatInt(token, 10))
	q.Set("interval", interval)
	q.Set("from", from)
	q.Set("to", to)
	if err := a.doGet(ctx, endpoint, q, &raw); err != nil {
		return nil, err
	}
	out := make([]OHLCBar, 0, len(raw))
	for _, v := range raw {
		ts, _ := time.Parse(time.RFC3339, v.Timestamp)
		out = append(out, OHLCBar{Timestamp: ts, Open: v.Open, High: v.High, Low: v.Low, Close: v.Close, Volume: v.Volume})
	}
	return out, nil
}

func (a *FAdapter) GetInstruments(ctx context.Context, exchange string) ([]InstrumentRecord, error) {
	var raw []struct {
		Token  int64   `json:"token"`
		Symbol string  `json:"symbol"`
		Name   string  `json:"name"`
		Expiry string  `json:"expiry"`
		Strike float64 `json:"strike"`
	}
	q := url.Values{}
	q.Set("exchange", exchange)
	if err := a.doGet(ctx, "/instruments", q, &raw); err != nil {
		return nil, err
	}
	out := make([]InstrumentRecord, 0, len(raw))
	for _, v := range raw {
		out = append(out, InstrumentRecord{Token: v.Token, Exchange: exchange, Symbol: v.Symbol, Name: v.Name, Expiry: v.Expiry, Strike: v.Strike})
	}
	return out, nil
}

func (a *FAdapter) InitializeTicker(ctx context.Context) (Ticker, error) {
	t := newWSTicker(a.wsURL, a.authHeader(), decodeFTick)
	return t, nil
}

func (a *FAdapter) RestartTicker(ctx context.Context, current Ticker) (Ticker, error) {
	if current != nil {
		_ = current.Close()
	}
	return a.InitializeTicker(ctx)
}

func (a *FAdapter) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/ping", nil)
	if err != nil {
		return err
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return httpError(resp)
	}
	return nil
}

func joinTokens(tokens []int64) string {
	parts := make([]string, len(tokens))
	for i, t := range tokens {
		parts[i] = strconv.FormatInt(t, 10)
	}
	return strings.Join(parts, ",")
}

// decodeFTick turns one raw F-feed frame into a normalized Tick.
func decodeFTick(raw []byte) (Tick, error) {
	var wire struct {
		Token     int64   `json:"t"`
		Exchange  string  `json:"e"`
		Mode      string  `json:"m"`
		LastPrice float64 `json:"lp"`
		LastQty   int64   `json:"lq"`
		Volume    int64   `json:"v"`
		AvgPrice  float64 `json:"ap"`
		BuyQty    int64   `json:"bq"`
		SellQty   int64   `json:"sq"`
		Open      float64 `json:"o"`
		High      float64 `json:"h"`
		Low       float64 `json:"l"`
		Close     float64 `json:"c"`
		OI        int64   `json:"oi"`
		Timestamp int64   `json:"ts"`
	}
	if err := json.Unmarshal(raw, &wire); err != nil {
		return Tick{}, err
	}
	return Tick{
		Token: wire.Token, Exchange: wire.Exchange, Mode: Mode(wire.Mode),
		LastPrice: wire.LastPrice, LastQty: wire.LastQty, Volume: wire.Volume, AvgPrice: wire.AvgPrice,
		BuyQty: wire.BuyQty, SellQty: wire.SellQty,
		Open: wire.Open, High: wire.High, Low: wire.Low, Close: wire.Close, OI: wire.OI,
		ExchangeTime: time.UnixMilli(wire.Timestamp),
		ReceivedAt:   time.Now(),
	}, nil
}
