package provider

import "context"

// Ticker is the live streaming half of an Adapter: a long-lived upstream
// connection the stream multiplexer drives subscribe/unsubscribe calls
// against and reads normalized ticks back out of.
type Ticker interface {
	// Run dials the upstream feed and blocks until ctx is cancelled or the
	// connection is lost. Callers are expected to re-invoke Run (with
	// backoff) on an unexpected return.
	Run(ctx context.Context) error
	// Subscribe adds tokens at the given mode to the live upstream
	// subscription set. Safe to call while Run is in flight.
	Subscribe(ctx context.Context, mode Mode, tokens []int64) error
	// Unsubscribe removes tokens from the live upstream subscription set.
	Unsubscribe(ctx context.Context, tokens []int64) error
	// Ticks returns the channel normalized ticks arrive on.
	Ticks() <-chan Tick
	// State reports the current connection lifecycle state.
	State() TickerState
	// Close tears the ticker down and releases resources.
	Close() error
}

// Adapter is the full surface the gateway needs from an upstream broker:
// REST lookups plus a factory for a live Ticker. Exactly one of ProviderF
// or ProviderV backs any given Adapter instance.
type Adapter interface {
	Name() Name

	GetQuote(ctx context.Context, exchange string, tokens []int64) (map[int64]Quote, error)
	GetLTP(ctx context.Context, exchange string, tokens []int64) (map[int64]float64, error)
	GetLTPByPairs(ctx context.Context, pairs []ExchangeToken) (map[int64]float64, error)
	GetOHLC(ctx context.Context, exchange string, token int64, interval string, from, to string) ([]OHLCBar, error)
	GetHistoricalData(ctx context.Context, exchange string, token int64, interval string, from, to string) ([]OHLCBar, error)
	GetInstruments(ctx context.Context, exchange string) ([]InstrumentRecord, error)

	// InitializeTicker builds a fresh Ticker bound to this adapter's
	// credentials. RestartTicker is a convenience that closes the current
	// one (if any) and builds a new one in its place.
	InitializeTicker(ctx context.Context) (Ticker, error)
	RestartTicker(ctx context.Context, current Ticker) (Ticker, error)

	Ping(ctx context.Context) error
}

// ExchangeToken pairs a token with the exchange it is quoted on, used by
// batched pair-mode LTP lookups that span exchanges in one call.
type ExchangeToken struct {
	Exchange string
	Token    int64
}
