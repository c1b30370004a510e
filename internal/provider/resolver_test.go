package provider

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAdapter struct {
	name Name
}

func (f fakeAdapter) Name() Name { return f.name }
func (f fakeAdapter) GetQuote(ctx context.Context, exchange string, tokens []int64) (map[int64]Quote, error) {
	return nil, nil
}
func (f fakeAdapter) GetLTP(ctx context.Context, exchange string, tokens []int64) (map[int64]float64, error) {
	return nil, nil
}
func (f fakeAdapter) GetLTPByPairs(ctx context.Context, pairs []ExchangeToken) (map[int64]float64, error) {
	return nil, nil
}
func (f fakeAdapter) GetOHLC(ctx context.Context, exchange string, token int64, interval string, from, to string) ([]OHLCBar, error) {
	return nil, nil
}
func (f fakeAdapter) GetHistoricalData(ctx context.Context, exchange string, token int64, interval string, from, to string) ([]OHLCBar, error) {
	return nil, nil
}
func (f fakeAdapter) GetInstruments(ctx context.Context, exchange string) ([]InstrumentRecord, error) {
	return nil, nil
}
func (f fakeAdapter) InitializeTicker(ctx context.Context) (Ticker, error) { return nil, nil }
func (f fakeAdapter) RestartTicker(ctx context.Context, current Ticker) (Ticker, error) {
	return nil, nil
}
func (f fakeAdapter) Ping(ctx context.Context) error { return nil }

func newTestResolver() *Resolver {
	return NewResolver(map[Name]Adapter{
		ProviderF: fakeAdapter{name: ProviderF},
		ProviderV: fakeAdapter{name: ProviderV},
	}, ProviderF)
}

func TestResolver_DefaultsToConfiguredProvider(t *testing.T) {
	r := newTestResolver()
	assert.Equal(t, ProviderF, r.GetGlobal())
	assert.Equal(t, ProviderF, r.ResolveForHTTP("").Name())
}

func TestResolver_SetGlobalRejectsUnknownProvider(t *testing.T) {
	r := newTestResolver()
	ok := r.SetGlobal(Name("X"))
	assert.False(t, ok)
	assert.Equal(t, ProviderF, r.GetGlobal())
}

func TestResolver_SetGlobalSwitchesDefault(t *testing.T) {
	r := newTestResolver()
	require.True(t, r.SetGlobal(ProviderV))
	assert.Equal(t, ProviderV, r.GetGlobal())
	assert.Equal(t, ProviderV, r.ResolveForHTTP("").Name())
}

func TestResolver_ResolveForHTTPHonorsExplicitOverride(t *testing.T) {
	r := newTestResolver()
	assert.Equal(t, ProviderV, r.ResolveForHTTP("V").Name())
	// An unknown override falls back to the global default rather than erroring.
	assert.Equal(t, ProviderF, r.ResolveForHTTP("nonsense").Name())
}

func TestResolver_ResolveForWSMirrorsHTTP(t *testing.T) {
	r := newTestResolver()
	assert.Equal(t, r.ResolveForHTTP("V").Name(), r.ResolveForWS("V").Name())
}

func TestResolver_AdapterLookup(t *testing.T) {
	r := newTestResolver()
	a, ok := r.Adapter(ProviderV)
	require.True(t, ok)
	assert.Equal(t, ProviderV, a.Name())

	_, ok = r.Adapter(Name("X"))
	assert.False(t, ok)
}
