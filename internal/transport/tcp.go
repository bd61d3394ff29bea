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

// TCPServer accepts byte-stream connections and registers each one as an
// ingest stream keyed by its remote address.
type TCPServer struct {
	log      *slog.Logger
	addr     string
	format   ingest.InputFormat
	registry *ingest.Registry

	mu     sync.Mutex
	ln     net.Listener
	conns  map[net.Conn]struct{}
	closed bool
	wg     sync.WaitGroup
}

// NewTCPServer creates a TCP server that listens on addr and registers
// incoming connections with registry. If log is nil, slog.Default() is used.
func NewTCPServer(addr string, format ingest.InputFormat, registry *ingest.Registry, log *slog.Logger) *TCPServer {
	if log == nil {
		log = slog.Default()
	}
	return &TCPServer{
		log:      log.With("component", "tcp-server"),
		addr:     addr,
		format:   format,
		registry: registry,
		conns:    make(map[net.Conn]struct{}),
	}
}

// Listen binds the server address.
func (s *TCPServer) Listen(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.addr)
	if err != nil {
		return BindError(KindTCP, s.addr, err)
	}
	s.mu.Lock()
	s.ln = ln
	s.closed = false
	s.mu.Unlock()
	s.log.Info("listening", "addr", ln.Addr().String())
	return nil
}

// Addr returns the bound address.
func (s *TCPServer) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Serve accepts connections until ctx is cancelled or Close is called.
// Temporary accept errors are retried with backoff; any other error stops
// the server and is returned as a *Error.
func (s *TCPServer) Serve(ctx context.Context) error {
	s.mu.Lock()
	ln := s.ln
	s.mu.Unlock()
	if ln == nil {
		return &Error{Op: "serve", Transport: KindTCP, Addr: s.addr, Err: ErrClosed}
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

	defer s.wg.Wait()
	var retry backoff
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			if !temporary(err) {
				return &Error{Op: "accept", Transport: KindTCP, Addr: s.addr, Err: err}
			}
			s.log.Warn("accept error, retrying", "error", err)
			if !retry.wait(ctx) {
				return nil
			}
			continue
		}
		retry.reset()
		if !s.track(conn) {
			conn.Close()
			return nil
		}
		s.wg.Add(1)
		go s.handleConnection(ctx, conn)
	}
}

// Close stops accepting and aborts every open connection.
func (s *TCPServer) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	for c := range s.conns {
		c.Close()
	}
	if s.ln != nil {
		return s.ln.Close()
	}
	return nil
}

func (s *TCPServer) track(c net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[c] = struct{}{}
	return true
}

func (s *TCPServer) untrack(c net.Conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

func (s *TCPServer) handleConnection(ctx context.Context, conn net.Conn) {
	defer s.wg.Done()
	defer s.untrack(conn)
	defer conn.Close()

	key := "tcp/" + conn.RemoteAddr().String()
	stream, err := s.registry.Register(key, string(KindTCP), s.format)
	if err != nil {
		s.log.Warn("rejecting connection", "remote", conn.RemoteAddr(), "error", err)
		return
	}
	stream.SetRemoteAddr(conn.RemoteAddr().String())
	s.log.Info("connection opened", "stream", key)

	if err := Pump(ctx, conn, stream); err != nil {
		s.log.Debug("read error", "stream", key, "error", err)
	}

	stats := stream.IngestStats()
	s.registry.Unregister(key)
	s.log.Info("connection closed", "stream", key,
		"bytes", stats.BytesReceived, "reads", stats.ReadCount,
		"uptime_ms", stats.UptimeMs)
}

// DialTCP returns a DialFunc for a TCP peer.
func DialTCP(addr string) DialFunc {
	return func(ctx context.Context) (io.WriteCloser, error) {
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, fmt.Errorf("dial tcp %s: %w", addr, err)
		}
		return conn, nil
	}
}
