package transport

import (
	"context"
	"log/slog"
	"sync"
)

// Client is a send-side transport. Until Connect succeeds, Send is a silent
// no-op, so encoders may start producing before the peer exists.
type Client struct {
	log       *slog.Logger
	kind      Kind
	addr      string
	dial      DialFunc
	queueSize int

	mu    sync.RWMutex
	queue *SendQueue
}

// NewClient creates a Client that reaches addr through dial. If log is nil,
// slog.Default() is used.
func NewClient(kind Kind, addr string, dial DialFunc, log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		log:  log.With("component", string(kind)+"-client", "addr", addr),
		kind: kind,
		addr: addr,
		dial: dial,
	}
}

// SetQueueSize sets the send queue capacity used by the next Connect.
func (c *Client) SetQueueSize(n int) {
	c.queueSize = n
}

// Connect dials the peer. Dial errors are returned as a *Error. Calling
// Connect on a connected client is a no-op.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.queue != nil {
		return nil
	}

	w, err := c.dial(ctx)
	if err != nil {
		return &Error{Op: "dial", Transport: c.kind, Addr: c.addr, Err: err}
	}
	c.queue = NewSendQueue(w, c.queueSize, c.log)
	c.log.Info("connected")
	return nil
}

// Send queues b for the peer. Before Connect it returns nil without sending
// anything.
func (c *Client) Send(b []byte) error {
	c.mu.RLock()
	q := c.queue
	c.mu.RUnlock()
	if q == nil {
		return nil
	}
	return q.Send(b)
}

// Flush waits until everything sent so far has been written.
func (c *Client) Flush(ctx context.Context) error {
	c.mu.RLock()
	q := c.queue
	c.mu.RUnlock()
	if q == nil {
		return nil
	}
	return q.Flush(ctx)
}

// Stats returns send queue counters, zero before Connect.
func (c *Client) Stats() SendStats {
	c.mu.RLock()
	q := c.queue
	c.mu.RUnlock()
	if q == nil {
		return SendStats{}
	}
	return q.Stats()
}

// Close disconnects. It is idempotent; a closed client may Connect again.
func (c *Client) Close() error {
	c.mu.Lock()
	q := c.queue
	c.queue = nil
	c.mu.Unlock()
	if q == nil {
		return nil
	}
	st := q.Stats()
	err := q.Close()
	c.log.Info("disconnected", "sent", st.Sent, "bytes", st.Bytes)
	return err
}
