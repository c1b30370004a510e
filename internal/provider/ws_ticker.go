package provider

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"sync"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// tickDecoder turns one raw upstream WebSocket frame into a normalized
// Tick. Each provider has its own wire format.
type tickDecoder func(raw []byte) (Tick, error)

// subCommandEncoder builds the provider-specific (un)subscribe wire
// frame. A nil encoder falls back to a generic JSON envelope.
type subCommandEncoder func(mode Mode, tokens []int64, subscribe bool) ([]byte, error)

// wsTicker is a provider-agnostic WebSocket ticker client: it owns the
// raw connection, decodes frames with a provider-specific decoder, and
// exposes a normalized Tick channel. Both upstream adapters build their
// Ticker on top of this.
type wsTicker struct {
	url       string
	authLine  string
	decode    tickDecoder
	encodeSub subCommandEncoder

	mu    sync.Mutex
	conn  net.Conn
	state TickerState

	ticks chan Tick
	done  chan struct{}
}

func newWSTicker(url, authLine string, decode tickDecoder) *wsTicker {
	return &wsTicker{
		url:      url,
		authLine: authLine,
		decode:   decode,
		state:    TickerIdle,
		ticks:    make(chan Tick, 4096),
		done:     make(chan struct{}),
	}
}

func (t *wsTicker) Ticks() <-chan Tick { return t.ticks }

func (t *wsTicker) State() TickerState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *wsTicker) setState(s TickerState) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
}

// Run dials the upstream WebSocket endpoint and reads frames until ctx is
// cancelled, the connection drops, or Close is called. It does not retry
// internally; callers own the reconnect/backoff loop.
func (t *wsTicker) Run(ctx context.Context) error {
	t.setState(TickerStarting)

	header := http.Header{}
	if t.authLine != "" {
		header.Set("Authorization", t.authLine)
	}
	dialer := ws.Dialer{Header: ws.HandshakeHeaderHTTP(header)}
	conn, _, _, err := dialer.Dial(ctx, t.url)
	if err != nil {
		t.setState(TickerDisconnected)
		return err
	}

	t.mu.Lock()
	t.conn = conn
	t.mu.Unlock()
	t.setState(TickerConnected)

	defer func() {
		t.setState(TickerDisconnected)
		_ = conn.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.done:
			return nil
		default:
		}

		msg, op, err := wsutil.ReadServerData(conn)
		if err != nil {
			return err
		}
		if op != ws.OpText && op != ws.OpBinary {
			continue
		}
		tick, err := t.decode(msg)
		if err != nil {
			continue
		}
		select {
		case t.ticks <- tick:
		default:
			// Drop the tick rather than block the read loop; the stream
			// multiplexer's drain cadence tolerates an occasional gap
			// better than a stalled upstream connection.
		}
	}
}

func (t *wsTicker) send(payload []byte) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return errNotConnected
	}
	return wsutil.WriteClientMessage(conn, ws.StateClientSide, ws.OpText, payload)
}

func (t *wsTicker) Subscribe(_ context.Context, mode Mode, tokens []int64) error {
	if t.encodeSub == nil {
		return t.send(mustJSON(genericSubFrame{Action: "subscribe", Mode: string(mode), Tokens: tokens}))
	}
	payload, err := t.encodeSub(mode, tokens, true)
	if err != nil {
		return err
	}
	return t.send(payload)
}

func (t *wsTicker) Unsubscribe(_ context.Context, tokens []int64) error {
	if t.encodeSub == nil {
		return t.send(mustJSON(genericSubFrame{Action: "unsubscribe", Tokens: tokens}))
	}
	payload, err := t.encodeSub("", tokens, false)
	if err != nil {
		return err
	}
	return t.send(payload)
}

func (t *wsTicker) Close() error {
	select {
	case <-t.done:
	default:
		close(t.done)
	}
	t.setState(TickerClosing)
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn != nil {
		return conn.Close()
	}
	return nil
}

type genericSubFrame struct {
	Action string  `json:"a"`
	Mode   string  `json:"m,omitempty"`
	Tokens []int64 `json:"v"`
}

func mustJSON(v any) []byte {
	b, _ := json.Marshal(v)
	return b
}

type tickerErr string

func (e tickerErr) Error() string { return string(e) }

const errNotConnected = tickerErr("ticker not connected")
