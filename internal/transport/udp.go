package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/zsiec/nalrelay/internal/ingest"
)

// maxDatagram is the largest UDP payload.
const maxDatagram = 64 << 10

// UDPServer binds one datagram socket and feeds every datagram, from any
// peer, into a single ingest stream. Each datagram is one chunk.
type UDPServer struct {
	log      *slog.Logger
	addr     string
	format   ingest.InputFormat
	registry *ingest.Registry

	mu     sync.Mutex
	conn   net.PacketConn
	closed bool
}

// NewUDPServer creates a UDP server on addr. If log is nil, slog.Default()
// is used.
func NewUDPServer(addr string, format ingest.InputFormat, registry *ingest.Registry, log *slog.Logger) *UDPServer {
	if log == nil {
		log = slog.Default()
	}
	return &UDPServer{
		log:      log.With("component", "udp-server"),
		addr:     addr,
		format:   format,
		registry: registry,
	}
}

// Listen binds the socket.
func (s *UDPServer) Listen(ctx context.Context) error {
	var lc net.ListenConfig
	conn, err := lc.ListenPacket(ctx, "udp", s.addr)
	if err != nil {
		return BindError(KindUDP, s.addr, err)
	}
	s.mu.Lock()
	s.conn = conn
	s.closed = false
	s.mu.Unlock()
	s.log.Info("listening", "addr", conn.LocalAddr().String())
	return nil
}

// Addr returns the bound address.
func (s *UDPServer) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	return s.conn.LocalAddr()
}

// Serve reads datagrams until ctx is cancelled or Close is called.
// Temporary read errors are retried with backoff; any other error stops the
// server and is returned as a *Error.
func (s *UDPServer) Serve(ctx context.Context) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return &Error{Op: "serve", Transport: KindUDP, Addr: s.addr, Err: ErrClosed}
	}

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			s.Close()
		case <-stop:
		}
	}()

	key := "udp/" + conn.LocalAddr().String()
	stream, err := s.registry.Register(key, string(KindUDP), s.format)
	if err != nil {
		return &Error{Op: "serve", Transport: KindUDP, Addr: s.addr, Err: err}
	}
	defer func() {
		stats := stream.IngestStats()
		s.registry.Unregister(key)
		s.log.Info("socket closed", "stream", key,
			"bytes", stats.BytesReceived, "datagrams", stats.ReadCount,
			"dropped", stats.Dropped, "uptime_ms", stats.UptimeMs)
	}()

	var (
		last  string
		retry backoff
	)
	buf := make([]byte, maxDatagram)
	for {
		n, from, err := conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			if !temporary(err) {
				return &Error{Op: "read", Transport: KindUDP, Addr: s.addr, Err: err}
			}
			s.log.Debug("read error, retrying", "error", err)
			if !retry.wait(ctx) {
				return nil
			}
			continue
		}
		retry.reset()
		if from != nil && from.String() != last {
			last = from.String()
			stream.SetRemoteAddr(last)
		}
		if err := stream.Deliver(ctx, buf[:n]); err != nil {
			return nil
		}
	}
}

// Close closes the socket, ending Serve. It is idempotent.
func (s *UDPServer) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.conn == nil {
		s.closed = true
		return nil
	}
	s.closed = true
	return s.conn.Close()
}

// DialUDP returns a DialFunc for a UDP peer. Every Write on the returned
// connection is one datagram.
func DialUDP(addr string) DialFunc {
	return func(ctx context.Context) (io.WriteCloser, error) {
		var d net.Dialer
		conn, err := d.DialContext(ctx, "udp", addr)
		if err != nil {
			return nil, fmt.Errorf("dial udp %s: %w", addr, err)
		}
		return conn, nil
	}
}
