// Package provider abstracts over the upstream broker feeds ("F" and "V")
// behind one adapter interface, so the rest of the gateway never needs to
// know which broker is backing a given token.
package provider

import "time"

// Name identifies an upstream provider.
type Name string

const (
	ProviderF Name = "F"
	ProviderV Name = "V"
)

// Mode is the tick granularity a client can request for a subscription.
type Mode string

const (
	ModeLTP   Mode = "ltp"
	ModeQuote Mode = "quote"
	ModeFull  Mode = "full"
)

// Rank orders modes so an upgrade (ltp -> quote -> full) can be detected
// by simple comparison.
func (m Mode) Rank() int {
	switch m {
	case ModeLTP:
		return 0
	case ModeQuote:
		return 1
	case ModeFull:
		return 2
	default:
		return -1
	}
}

// Tick is the normalized representation of one upstream price update,
// regardless of which provider or wire format produced it.
type Tick struct {
	Token        int64
	Exchange     string
	Mode         Mode
	LastPrice    float64
	LastQty      int64
	Volume       int64
	AvgPrice     float64
	BuyQty       int64
	SellQty      int64
	Open         float64
	High         float64
	Low          float64
	Close        float64
	OI           int64
	Bids         []DepthLevel
	Asks         []DepthLevel
	ExchangeTime time.Time
	ReceivedAt   time.Time
}

// DepthLevel is one row of market depth (full mode only).
type DepthLevel struct {
	Price    float64
	Quantity int64
	Orders   int
}

// Quote is a REST snapshot response, covering LTP through full quote.
type Quote struct {
	Token        int64
	Exchange     string
	Symbol       string
	LastPrice    float64
	Open         float64
	High         float64
	Low          float64
	Close        float64
	Volume       int64
	OI           int64
	Bids         []DepthLevel
	Asks         []DepthLevel
	ExchangeTime time.Time
}

// OHLCBar is one historical/intraday candle.
type OHLCBar struct {
	Timestamp time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    int64
}

// InstrumentRecord is one row of a provider's instrument master dump.
type InstrumentRecord struct {
	Token    int64
	Exchange string
	Symbol   string
	Name     string
	Expiry   string
	Strike   float64
}

// TickerState models the upstream ticker connection's lifecycle.
type TickerState string

const (
	TickerIdle         TickerState = "idle"
	TickerStarting     TickerState = "starting"
	TickerConnected    TickerState = "connected"
	TickerDisconnected TickerState = "disconnected"
	TickerClosing      TickerState = "closing"
)
