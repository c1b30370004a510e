package provider

import (
	"context"
	"encoding/binary"
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

// VAdapter talks to the "V" broker's REST quote API and its binary-framed
// WebSocket ticker feed (one fixed-layout, big-endian binary packet per
// message).
type VAdapter struct {
	httpCaller
	baseURL string
	wsURL   string
	token   string
	clientID string
}

type VConfig struct {
	BaseURL  string
	WSURL    string
	Token    string
	ClientID string
	Timeout  time.Duration
}

func NewVAdapter(cfg VConfig, logger zerolog.Logger, reg *metrics.Registry) *VAdapter {
	return &VAdapter{
		httpCaller: newHTTPCaller(ProviderV, cfg.Timeout, logger, reg),
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		wsURL:      cfg.WSURL,
		token:      cfg.Token,
		clientID:   cfg.ClientID,
	}
}

func (a *VAdapter) Name() Name { return ProviderV }

func (a *VAdapter) doGet(ctx context.Context, endpoint string, query url.Values, out any) error {
	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+endpoint+"?"+query.Encode(), nil)
	if err != nil {
		a.observe(endpoint, start, err)
		return err
	}
	req.Header.Set("X-Client-Id", a.clientID)
	req.Header.Set("X-Access-Token", a.token)
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

func (a *VAdapter) GetQuote(ctx context.Context, exchange string, tokens []int64) (map[int64]Quote, error) {
	var resp struct {
		Data map[string]struct {
			LastPrice float64      `json:"last_price"`
			OHLC      [4]float64   `json:"ohlc"`
			Volume    int64        `json:"volume"`
			OI        int64        `json:"oi"`
			Depth     depthPayload `json:"depth"`
		} `json:"data"`
	}
	q := url.Values{}
	q.Set("exchange", exchange)
	q.Set("i", joinTokens(tokens))
	if err := a.doGet(ctx, "/quote", q, &resp); err != nil {
		return nil, err
	}
	out := make(map[int64]Quote, len(resp.Data))
	for tokStr, v := range resp.Data {
		tok, err := strconv.ParseInt(tokStr, 10, 64)
		if err != nil {
			continue
		}
		out[tok] = Quote{
			Token: tok, Exchange: exchange, LastPrice: v.LastPrice,
			Open: v.OHLC[0], High: v.OHLC[1], Low: v.OHLC[2], Close: v.OHLC[3],
			Volume: v.Volume, OI: v.OI,
			Bids: v.Depth.toLevels(v.Depth.Buy), Asks: v.Depth.toLevels(v.Depth.Sell),
		}
	}
	return out, nil
}

type depthPayload struct {
	Buy  []depthRow `json:"buy"`
	Sell []depthRow `json:"sell"`
}

type depthRow struct {
	Price    float64 `json:"price"`
	Quantity int64   `json:"quantity"`
	Orders   int     `json:"orders"`
}

func (depthPayload) toLevels(rows []depthRow) []DepthLevel {
	out := make([]DepthLevel, len(rows))
	for i, r := range rows {
		out[i] = DepthLevel{Price: r.Price, Quantity: r.Quantity, Orders: r.Orders}
	}
	return out
}

func (a *VAdapter) GetLTP(ctx context.Context, exchange string, tokens []int64) (map[int64]float64, error) {
	var resp struct {
		Data map[string]struct {
			LastPrice float64 `json:"last_price"`
		} `json:"data"`
	}
	q := url.Values{}
	q.Set("exchange", exchange)
	q.Set("i", joinTokens(tokens))
	if err := a.doGet(ctx, "/ltp", q, &resp); err != nil {
		return nil, err
	}
	out := make(map[int64]float64, len(resp.Data))
	for tokStr, v := range resp.Data {
		tok, err := strconv.ParseInt(tokStr, 10, 64)
		if err != nil {
			continue
		}
		out[tok] = v.LastPrice
	}
	return out, nil
}

func (a *VAdapter) GetLTPByPairs(ctx context.Context, pairs []ExchangeToken) (map[int64]float64, error) {
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

func (a *VAdapter) GetOHLC(ctx context.Context, exchange string, token int64, interval string, from, to string) ([]OHLCBar, error) {
	return a.candles(ctx, "/ohlc", exchange, token, interval, from, to)
}

func (a *VAdapter) GetHistoricalData(ctx context.Context, exchange string, token int64, interval string, from, to string) ([]OHLCBar, error) {
	return a.candles(ctx, "/historical", exchange, token, interval, from, to)
}

func (a *VAdapter) candles(ctx context.Context, endpoint, exchange string, token int64, interval string, from, to string) ([]OHLCBar, error) {
	var resp struct {
		Candles [][]any `json:"candles"`
	}
	q := url.Values{}
	q.Set("exchange", exchange)
	q.Set("instrument_token", strconv.FormatInt(token, 10))
	q.Set("interval", interval)
	q.Set("from", from)
	q.Set("to", to)
	if err := a.doGet(ctx, endpoint, q, &resp); err != nil {
		return nil, err
	}
	out := make([]OHLCBar, 0, len(resp.Candles))
	for _, row := range resp.Candles {
		if len(row) < 6 {
			continue
		}
		ts, _ := time.Parse(time.RFC3339, fmt.Sprint(row[0]))
		out = append(out, OHLCBar{
			Timestamp: ts,
			Open:      toFloat(row[1]), High: toFloat(row[2]), Low: toFloat(row[3]), Close: toFloat(row[4]),
			Volume: int64(toFloat(row[5])),
		})
	}
	return out, nil
}

func toFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	default:
		return 0
	}
}

func (a *VAdapter) GetInstruments(ctx context.Context, exchange string) ([]InstrumentRecord, error) {
	var resp struct {
		Data []struct {
			Token  int64   `json:"instrument_token"`
			Symbol string  `json:"tradingsymbol"`
			Name   string  `json:"name"`
			Expiry string  `json:"expiry"`
			Strike float64 `json:"strike"`
		} `json:"data"`
	}
	q := url.Values{}
	q.Set("exchange", exchange)
	if err := a.doGet(ctx, "/instruments", q, &resp); err != nil {
		return nil, err
	}
	out := make([]InstrumentRecord, 0, len(resp.Data))
	for _, v := range resp.Data {
		out = append(out, InstrumentRecord{Token: v.Token, Exchange: exchange, Symbol: v.Symbol, Name: v.Name, Expiry: v.Expiry, Strike: v.Strike})
	}
	return out, nil
}

func (a *VAdapter) InitializeTicker(ctx context.Context) (Ticker, error) {
	authLine := fmt.Sprintf("token %s:%s", a.clientID, a.token)
	t := newWSTicker(a.wsURL, authLine, decodeVTickFrame)
	t.encodeSub = encodeVSubFrame
	return t, nil
}

func (a *VAdapter) RestartTicker(ctx context.Context, current Ticker) (Ticker, error) {
	if current != nil {
		_ = current.Close()
	}
	return a.InitializeTicker(ctx)
}

func (a *VAdapter) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/user/profile", nil)
	if err != nil {
		return err
	}
	req.Header.Set("X-Client-Id", a.clientID)
	req.Header.Set("X-Access-Token", a.token)
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

// decodeVTickFrame parses one binary quote packet from the start of a
// WebSocket message: eleven big-endian 4-byte fields (token, last price,
// last qty, average price, volume, buy qty, sell qty, open, high, low,
// close), the price fields divided by 100. There is no packet count or length prefix; a
// message shorter than 44 bytes is rejected, and any bytes past the first
// 44 are not decoded beyond choosing the mode (full at 184 bytes or more,
// quote otherwise). The ws_ticker read loop calls it once per frame and
// gets one Tick back.
func decodeVTickFrame(raw []byte) (Tick, error) {
	if len(raw) < 44 {
		return Tick{}, fmt.Errorf("short v tick packet: %d bytes", len(raw))
	}
	token := int64(binary.BigEndian.Uint32(raw[0:4]))
	lastPrice := float64(int32(binary.BigEndian.Uint32(raw[4:8]))) / 100.0
	lastQty := int64(binary.BigEndian.Uint32(raw[8:12]))
	avgPrice := float64(int32(binary.BigEndian.Uint32(raw[12:16]))) / 100.0
	volume := int64(binary.BigEndian.Uint32(raw[16:20]))
	buyQty := int64(binary.BigEndian.Uint32(raw[20:24]))
	sellQty := int64(binary.BigEndian.Uint32(raw[24:28]))
	open := float64(int32(binary.BigEndian.Uint32(raw[28:32]))) / 100.0
	high := float64(int32(binary.BigEndian.Uint32(raw[32:36]))) / 100.0
	low := float64(int32(binary.BigEndian.Uint32(raw[36:40]))) / 100.0
	closeP := float64(int32(binary.BigEndian.Uint32(raw[40:44]))) / 100.0

	mode := ModeLTP
	switch {
	case len(raw) >= 184:
		mode = ModeFull
	case len(raw) >= 44:
		mode = ModeQuote
	}

	return Tick{
		Token: token, Mode: mode,
		LastPrice: lastPrice, LastQty: lastQty, AvgPrice: avgPrice, Volume: volume,
		BuyQty: buyQty, SellQty: sellQty,
		Open: open, High: high, Low: low, Close: closeP,
		ExchangeTime: time.Now(),
		ReceivedAt:   time.Now(),
	}, nil
}

// encodeVSubFrame builds V's JSON subscribe/unsubscribe envelope; the
// mode argument is not encoded into the frame.
func encodeVSubFrame(mode Mode, tokens []int64, subscribe bool) ([]byte, error) {
	if !subscribe {
		return json.Marshal(struct {
			A string  `json:"a"`
			V []int64 `json:"v"`
		}{A: "unsubscribe", V: tokens})
	}
	return json.Marshal(struct {
		A string  `json:"a"`
		V []int64 `json:"v"`
	}{A: "subscribe", V: tokens})
}
