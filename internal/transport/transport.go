// Package transport moves bytes between peers. Servers bind synchronously,
// then accept connections (or datagrams) in the background and hand every
// chunk to a stream in an ingest.Registry. Clients dial a peer and push
// outgoing bytes through a single-writer SendQueue.
//
// TCP and UDP live here; SRT, QUIC and WebSocket live in subpackages that
// implement the same Listener and DialFunc shapes.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
)

// Sentinel errors for transport setup and use.
var (
	ErrBind   = errors.New("transport: bind failed")
	ErrClosed = errors.New("transport: closed")
)

// Kind names a transport.
type Kind string

// Supported transports.
const (
	KindTCP  Kind = "tcp"
	KindUDP  Kind = "udp"
	KindSRT  Kind = "srt"
	KindQUIC Kind = "quic"
	KindWS   Kind = "ws"
)

// ParseKind validates a transport name.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(s); k {
	case KindTCP, KindUDP, KindSRT, KindQUIC, KindWS:
		return k, nil
	}
	return "", fmt.Errorf("transport: unknown kind %q", s)
}

// Stream reports whether k carries an ordered byte stream (as opposed to
// datagrams).
func (k Kind) Stream() bool { return k != KindUDP }

// Error records the operation, transport and address of a failure.
type Error struct {
	Op        string
	Transport Kind
	Addr      string
	Err       error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s %s %s: %v", e.Transport, e.Op, e.Addr, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// BindError wraps a listen failure so it matches both ErrBind and the
// underlying cause.
func BindError(kind Kind, addr string, err error) error {
	return &Error{Op: "listen", Transport: kind, Addr: addr, Err: fmt.Errorf("%w: %w", ErrBind, err)}
}

// Listener is a receive-side transport.
type Listener interface {
	// Listen binds the local address. It returns a *Error wrapping ErrBind
	// on failure.
	Listen(ctx context.Context) error
	// Serve accepts and reads until ctx ends or Close is called, then
	// returns nil. Other errors are fatal to the listener.
	Serve(ctx context.Context) error
	// Addr returns the bound address, or nil before Listen.
	Addr() net.Addr
	// Close stops accepting and aborts in-flight reads. It is idempotent.
	Close() error
}

// DialFunc connects to a peer and returns a writer whose every Write is sent
// as one unit (one datagram, one message, or a span of a byte stream).
type DialFunc func(ctx context.Context) (io.WriteCloser, error)
