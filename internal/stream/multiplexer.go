// Package stream owns the single upstream ticker connection per provider
// and multiplexes it out to every local WebSocket subscriber: it keeps a
// reference-counted subscription table, batches subscribe/unsubscribe
// calls into a periodic drain cycle instead of firing one upstream call
// per client action, and fans normalized ticks out to subscriber
// callbacks.
package stream

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/AmanVatsSharma/Kite-COnnect-Backend-sub002/internal/logging"
	"github.com/AmanVatsSharma/Kite-COnnect-Backend-sub002/internal/metrics"
	"github.com/AmanVatsSharma/Kite-COnnect-Backend-sub002/internal/provider"
)

// State models the multiplexer's streaming lifecycle: Idle -> Starting ->
// Connected, flipping to Disconnected on an upstream drop (retried
// automatically by runLoop) and to Closing -> Idle on an explicit Stop or
// process shutdown.
type State string

const (
	StateIdle         State = "idle"
	StateStarting     State = "starting"
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
	StateClosing      State = "closing"
)

// TickHandler receives every normalized tick the multiplexer decodes,
// keyed by nothing in particular — subscribers filter by token
// themselves via Subscribers below.
type TickHandler func(tick provider.Tick)

type tokenEntry struct {
	refCount int
	mode     provider.Mode
}

// Multiplexer owns one upstream Ticker and the local subscription table
// that decides which tokens stay subscribed upstream. Upstream
// subscribe/unsubscribe drains are fired directly against the ticker —
// they are a control-plane concern local to this multiplexer, not a
// cluster-wide REST call, so they never go through a provider.Queue.
type Multiplexer struct {
	adapter provider.Adapter
	logger  zerolog.Logger
	metrics *metrics.Registry

	drainInterval time.Duration
	drainChunk    int

	mu      sync.Mutex
	table   map[int64]*tokenEntry
	pendSub map[int64]provider.Mode
	pendUns map[int64]struct{}

	ticker provider.Ticker

	subMu       sync.RWMutex
	subscribers map[int64]map[int]TickHandler
	nextSubID   int

	state   atomic.Value // holds State
	cancel  context.CancelFunc
	lastCtx context.Context

	onStateChange atomic.Value // holds func(State)
}

func New(adapter provider.Adapter, drainInterval time.Duration, drainChunk int, logger zerolog.Logger, reg *metrics.Registry) *Multiplexer {
	m := &Multiplexer{
		adapter:       adapter,
		logger:        logger,
		metrics:       reg,
		drainInterval: drainInterval,
		drainChunk:    drainChunk,
		table:         make(map[int64]*tokenEntry),
		pendSub:       make(map[int64]provider.Mode),
		pendUns:       make(map[int64]struct{}),
		subscribers:   make(map[int64]map[int]TickHandler),
	}
	m.setState(StateIdle)
	return m
}

// State returns the multiplexer's current lifecycle state.
func (m *Multiplexer) State() State {
	return m.state.Load().(State)
}

// SetStateChangeHandler registers fn to be called whenever the
// multiplexer's streaming state transitions, so the gateway can fan a
// stream_status frame out to connected clients without polling.
func (m *Multiplexer) SetStateChangeHandler(fn func(State)) {
	m.onStateChange.Store(fn)
}

func (m *Multiplexer) setState(s State) {
	m.state.Store(s)
	if fn, ok := m.onStateChange.Load().(func(State)); ok && fn != nil {
		fn(s)
	}
}

// Status is the snapshot returned by the admin stream-status endpoint.
type Status struct {
	State        State
	ActiveTokens int
}

func (m *Multiplexer) Status() Status {
	return Status{State: m.State(), ActiveTokens: m.ActiveTokenCount()}
}

// StartStreaming dials the upstream ticker and begins the read and drain
// loops, transitioning Idle/Disconnected -> Starting -> Connected. It is
// idempotent: calling it while already Starting or Connected is a no-op.
// The read/drain loops run in background goroutines; StartStreaming
// itself returns once they have been launched.
func (m *Multiplexer) StartStreaming(ctx context.Context) error {
	switch m.State() {
	case StateStarting, StateConnected:
		return nil
	}
	m.setState(StateStarting)

	runCtx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.cancel = cancel
	m.lastCtx = ctx
	m.mu.Unlock()

	go m.runLoop(runCtx)
	go m.drainLoop(runCtx)
	return nil
}

// StopStreaming disconnects the upstream ticker but preserves the
// subscription table, so a later StartStreaming replays every token that
// was held before the stop. Used for admin-triggered pauses as well as
// ahead of a provider switch.
func (m *Multiplexer) StopStreaming() {
	m.setState(StateClosing)
	m.mu.Lock()
	cancel := m.cancel
	t := m.ticker
	m.ticker = nil
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if t != nil {
		_ = t.Close()
	}
	m.setState(StateIdle)
}

// ReconnectIfStreaming forces a fresh upstream connection and replays the
// current subscription table, for use after an out-of-band event (such as
// a provider credential refresh) that the automatic runLoop retry doesn't
// observe on its own. It is a no-op if the multiplexer isn't currently
// streaming.
func (m *Multiplexer) ReconnectIfStreaming(ctx context.Context) error {
	switch m.State() {
	case StateConnected, StateStarting, StateDisconnected:
	default:
		return nil
	}
	m.mu.Lock()
	last := m.lastCtx
	m.mu.Unlock()
	if last == nil {
		last = ctx
	}
	m.StopStreaming()
	return m.StartStreaming(last)
}

func (m *Multiplexer) runLoop(ctx context.Context) {
	defer logging.RecoverPanic(m.logger, "stream.runLoop", nil)

	backoff := time.Second
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		ticker, err := m.adapter.InitializeTicker(ctx)
		if err != nil {
			m.setState(StateDisconnected)
			m.logger.Error().Err(err).Msg("failed to initialize upstream ticker")
			time.Sleep(backoff)
			backoff = nextBackoff(backoff)
			continue
		}
		m.mu.Lock()
		m.ticker = ticker
		m.mu.Unlock()
		m.setState(StateConnected)
		backoff = time.Second

		go m.consumeTicks(ctx, ticker)

		// Run blocks until the connection drops or ctx is cancelled.
		err = ticker.Run(ctx)
		if ctx.Err() != nil {
			return
		}
		m.setState(StateDisconnected)
		m.logger.Warn().Err(err).Msg("upstream ticker disconnected, reconnecting")
		m.resubscribeAllOnReconnect()
		time.Sleep(backoff)
		backoff = nextBackoff(backoff)
	}
}

func nextBackoff(cur time.Duration) time.Duration {
	next := cur * 2
	if next > 30*time.Second {
		return 30 * time.Second
	}
	return next
}

func (m *Multiplexer) consumeTicks(ctx context.Context, ticker provider.Ticker) {
	for {
		select {
		case <-ctx.Done():
			return
		case tick, ok := <-ticker.Ticks():
			if !ok {
				return
			}
			if m.metrics != nil {
				m.metrics.TicksReceivedTotal.Inc()
			}
			m.dispatch(tick)
		}
	}
}

func (m *Multiplexer) dispatch(tick provider.Tick) {
	m.subMu.RLock()
	handlers := m.subscribers[tick.Token]
	m.subMu.RUnlock()
	for _, h := range handlers {
		h(tick)
	}
}

// resubscribeAllOnReconnect marks every currently-held token as pending
// subscribe again, since a fresh upstream connection starts with an
// empty subscription set.
func (m *Multiplexer) resubscribeAllOnReconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for tok, entry := range m.table {
		m.pendSub[tok] = entry.mode
	}
}

// Subscribe registers handler for tick on token at mode (or upgrades the
// token's mode if a higher one is requested), incrementing its reference
// count. Returns a subscription id used to Unsubscribe.
func (m *Multiplexer) Subscribe(token int64, mode provider.Mode, handler TickHandler) int {
	m.mu.Lock()
	entry, ok := m.table[token]
	if !ok {
		entry = &tokenEntry{mode: mode}
		m.table[token] = entry
		m.pendSub[token] = mode
		delete(m.pendUns, token)
	} else if mode.Rank() > entry.mode.Rank() {
		entry.mode = mode
		m.pendSub[token] = mode
	}
	entry.refCount++
	m.mu.Unlock()

	m.subMu.Lock()
	if m.subscribers[token] == nil {
		m.subscribers[token] = make(map[int]TickHandler)
	}
	m.nextSubID++
	id := m.nextSubID
	m.subscribers[token][id] = handler
	m.subMu.Unlock()

	if m.metrics != nil {
		m.metrics.UpstreamTokensActive.Set(float64(len(m.table)))
	}
	return id
}

// Unsubscribe removes subID's handler for token and decrements the
// token's reference count, queuing an upstream unsubscribe once the
// count reaches zero.
func (m *Multiplexer) Unsubscribe(token int64, subID int) {
	m.subMu.Lock()
	if subs, ok := m.subscribers[token]; ok {
		delete(subs, subID)
		if len(subs) == 0 {
			delete(m.subscribers, token)
		}
	}
	m.subMu.Unlock()

	m.mu.Lock()
	entry, ok := m.table[token]
	if ok {
		entry.refCount--
		if entry.refCount <= 0 {
			delete(m.table, token)
			delete(m.pendSub, token)
			m.pendUns[token] = struct{}{}
		}
	}
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.UpstreamTokensActive.Set(float64(len(m.table)))
	}
}

// drainLoop periodically flushes queued subscribe/unsubscribe changes to
// the upstream ticker in chunks, instead of issuing one call per client
// action.
func (m *Multiplexer) drainLoop(ctx context.Context) {
	defer logging.RecoverPanic(m.logger, "stream.drainLoop", nil)

	ticker := time.NewTicker(m.drainInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.drainOnce(ctx)
		}
	}
}

func (m *Multiplexer) drainOnce(ctx context.Context) {
	m.mu.Lock()
	subs := m.pendSub
	unsubs := m.pendUns
	m.pendSub = make(map[int64]provider.Mode)
	m.pendUns = make(map[int64]struct{})
	activeTicker := m.ticker
	m.mu.Unlock()

	if activeTicker == nil || (len(subs) == 0 && len(unsubs) == 0) {
		return
	}

	byMode := make(map[provider.Mode][]int64)
	for tok, mode := range subs {
		byMode[mode] = append(byMode[mode], tok)
	}
	var unsubTokens []int64
	for tok := range unsubs {
		unsubTokens = append(unsubTokens, tok)
	}

	if m.metrics != nil {
		m.metrics.DrainCyclesTotal.Inc()
	}

	for mode, toks := range byMode {
		for start := 0; start < len(toks); start += m.drainChunk {
			end := start + m.drainChunk
			if end > len(toks) {
				end = len(toks)
			}
			chunk := toks[start:end]
			if err := activeTicker.Subscribe(ctx, mode, chunk); err != nil {
				m.logger.Warn().Err(err).Str("mode", string(mode)).Int("count", len(chunk)).Msg("upstream subscribe drain failed")
			}
		}
	}
	for start := 0; start < len(unsubTokens); start += m.drainChunk {
		end := start + m.drainChunk
		if end > len(unsubTokens) {
			end = len(unsubTokens)
		}
		chunk := unsubTokens[start:end]
		if err := activeTicker.Unsubscribe(ctx, chunk); err != nil {
			m.logger.Warn().Err(err).Int("count", len(chunk)).Msg("upstream unsubscribe drain failed")
		}
	}
}

// ActiveTokenCount reports how many distinct tokens currently hold a
// nonzero reference count, for the admin status endpoint.
func (m *Multiplexer) ActiveTokenCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.table)
}
