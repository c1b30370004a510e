package gateway

import (
	"encoding/json"
	"time"

	"github.com/AmanVatsSharma/Kite-COnnect-Backend-sub002/internal/apperr"
	"github.com/AmanVatsSharma/Kite-COnnect-Backend-sub002/internal/provider"
)

// inboundEnvelope is the outer shape of every client-to-server frame:
// {"type": "...", "data": {...}}.
type inboundEnvelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type subscribeRequest struct {
	Exchange string  `json:"exchange"`
	Tokens   []int64 `json:"tokens"`
	Mode     string  `json:"mode"`
}

type unsubscribeRequest struct {
	Tokens []int64 `json:"tokens"`
}

type modeRequest struct {
	Tokens []int64 `json:"tokens"`
	Mode   string  `json:"mode"`
}

type getQuoteRequest struct {
	Exchange string  `json:"exchange"`
	Tokens   []int64 `json:"tokens"`
	LTPOnly  bool    `json:"ltp_only"`
}

type getHistoricalDataRequest struct {
	Exchange string `json:"exchange"`
	Token    int64  `json:"token"`
	Interval string `json:"interval"`
	From     string `json:"from"`
	To       string `json:"to"`
}

func validMode(m string) bool {
	switch provider.Mode(m) {
	case provider.ModeLTP, provider.ModeQuote, provider.ModeFull:
		return true
	default:
		return false
	}
}

// tickFrame is the outbound wire shape for a single normalized tick.
type tickFrame struct {
	Type      string  `json:"type"`
	Token     int64   `json:"token"`
	Exchange  string  `json:"exchange"`
	Mode      string  `json:"mode"`
	LastPrice float64 `json:"last_price"`
	Volume    int64   `json:"volume,omitempty"`
	AvgPrice  float64 `json:"avg_price,omitempty"`
	BuyQty    int64   `json:"buy_qty,omitempty"`
	SellQty   int64   `json:"sell_qty,omitempty"`
	Open      float64 `json:"open,omitempty"`
	High      float64 `json:"high,omitempty"`
	Low       float64 `json:"low,omitempty"`
	Close     float64 `json:"close,omitempty"`
	OI        int64   `json:"oi,omitempty"`
	Timestamp int64   `json:"ts"`
}

func encodeTick(t provider.Tick) []byte {
	frame := tickFrame{
		Type: "market_data", Token: t.Token, Exchange: t.Exchange, Mode: string(t.Mode),
		LastPrice: t.LastPrice, Volume: t.Volume, AvgPrice: t.AvgPrice,
		BuyQty: t.BuyQty, SellQty: t.SellQty,
		Open: t.Open, High: t.High, Low: t.Low, Close: t.Close, OI: t.OI,
		Timestamp: t.ExchangeTime.UnixMilli(),
	}
	b, _ := json.Marshal(frame)
	return b
}

// encodeConnected is sent once, immediately after a socket is admitted,
// so the client can correlate subsequent frames to its connection.
func encodeConnected(clientID string) []byte {
	b, _ := json.Marshal(map[string]any{
		"type":      "connected",
		"client_id": clientID,
		"ts":        time.Now().UnixMilli(),
	})
	return b
}

// encodeQuoteData answers a get_quote request. ltpOnly filters the result
// set down to entries with a finite positive last_price before encoding,
// matching the REST ltp contract rather than the full-quote one.
func encodeQuoteData(quotes map[int64]provider.Quote, ltpOnly bool) []byte {
	out := make(map[int64]provider.Quote, len(quotes))
	for token, q := range quotes {
		if ltpOnly && q.LastPrice <= 0 {
			continue
		}
		out[token] = q
	}
	b, _ := json.Marshal(map[string]any{
		"type":   "quote_data",
		"quotes": out,
		"ts":     time.Now().UnixMilli(),
	})
	return b
}

// encodeHistoricalData answers a get_historical_data request.
func encodeHistoricalData(token int64, bars []provider.OHLCBar) []byte {
	b, _ := json.Marshal(map[string]any{
		"type":  "historical_data",
		"token": token,
		"bars":  bars,
		"ts":    time.Now().UnixMilli(),
	})
	return b
}

// encodeStreamStatus reports the active provider's streaming state, sent
// whenever the upstream ticker's connectivity changes so clients never
// have to poll the admin surface to learn why ticks stopped.
func encodeStreamStatus(state string, activeTokens int) []byte {
	b, _ := json.Marshal(map[string]any{
		"type":          "stream_status",
		"state":         state,
		"active_tokens": activeTokens,
		"ts":            time.Now().UnixMilli(),
	})
	return b
}

type errorFrame struct {
	Type         string   `json:"type"`
	Code         string   `json:"code"`
	Message      string   `json:"message"`
	Limit        int      `json:"limit,omitempty"`
	RetryAfterMs int64    `json:"retry_after_ms,omitempty"`
	Reasons      []string `json:"reasons,omitempty"`
}

func encodeError(e *apperr.Error) []byte {
	frame := errorFrame{
		Type: "error", Code: string(e.Code), Message: e.Message,
		Limit: e.Limit, RetryAfterMs: e.RetryAfterMs, Reasons: e.Reasons,
	}
	b, _ := json.Marshal(frame)
	return b
}

func encodeAck(kind string, tokens []int64) []byte {
	b, _ := json.Marshal(map[string]any{
		"type":   kind,
		"tokens": tokens,
		"ts":     time.Now().UnixMilli(),
	})
	return b
}

func encodePong() []byte {
	b, _ := json.Marshal(map[string]any{"type": "pong", "ts": time.Now().UnixMilli()})
	return b
}
