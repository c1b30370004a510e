package gateway

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Client is one connected WebSocket subscriber. The send buffer is sized
// to absorb a burst of ticks across a client's subscriptions without
// blocking the broadcast path; a client that still can't keep up trips
// the slow-client detector.
type Client struct {
	ID       string
	APIKey   string
	TenantID string
	conn     net.Conn
	send     chan []byte

	closeOnce sync.Once
	closed    int32

	connectedAt time.Time

	// sendFailures counts consecutive send-would-block events; after
	// maxSendFailures strikes the client is disconnected for being too
	// slow to drain its own buffer.
	sendFailures int32

	mu   sync.Mutex
	subs map[int64]subInfo // token -> current mode + multiplexer sub id
}

type subInfo struct {
	Mode  string
	SubID int
}

const sendBufferSize = 1024

func newClient(conn net.Conn, apiKey, tenantID string) *Client {
	return &Client{
		ID:          uuid.NewString(),
		APIKey:      apiKey,
		TenantID:    tenantID,
		conn:        conn,
		send:        make(chan []byte, sendBufferSize),
		connectedAt: time.Now(),
		subs:        make(map[int64]subInfo),
	}
}

// enqueue attempts a non-blocking send, returning false if the client's
// buffer is full (a slow-client strike); at maxSendFailures consecutive
// strikes the connection is closed.
func (c *Client) enqueue(payload []byte) bool {
	if atomic.LoadInt32(&c.closed) == 1 {
		return false
	}
	select {
	case c.send <- payload:
		atomic.StoreInt32(&c.sendFailures, 0)
		return true
	default:
		if c.strike() >= maxSendFailures {
			_ = c.conn.Close()
		}
		return false
	}
}

func (c *Client) strike() int32 {
	return atomic.AddInt32(&c.sendFailures, 1)
}

func (c *Client) close() {
	c.closeOnce.Do(func() {
		atomic.StoreInt32(&c.closed, 1)
		close(c.send)
		_ = c.conn.Close()
	})
}

func (c *Client) isClosed() bool {
	return atomic.LoadInt32(&c.closed) == 1
}

func (c *Client) setSub(token int64, mode string, subID int) {
	c.mu.Lock()
	c.subs[token] = subInfo{Mode: mode, SubID: subID}
	c.mu.Unlock()
}

func (c *Client) dropSub(token int64) (subInfo, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	info, ok := c.subs[token]
	if ok {
		delete(c.subs, token)
	}
	return info, ok
}

func (c *Client) allSubs() map[int64]subInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[int64]subInfo, len(c.subs))
	for k, v := range c.subs {
		out[k] = v
	}
	return out
}

func (c *Client) subCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subs)
}
