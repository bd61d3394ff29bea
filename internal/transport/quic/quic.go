// Package quic carries the media byte stream over a QUIC connection. Each
// connection carries one bidirectional stream opened by the sender; the
// server pumps it into the ingest registry exactly like a TCP connection.
package quic

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/zsiec/nalrelay/internal/certs"
	"github.com/zsiec/nalrelay/internal/ingest"
	"github.com/zsiec/nalrelay/internal/transport"
)

// ALPN is the application protocol negotiated on media connections.
const ALPN = "nalrelay"

const (
	closeNoError  quic.ApplicationErrorCode = 0
	closeRejected quic.ApplicationErrorCode = 1
	closeTimeout                            = 2 * time.Second
)

func config() *quic.Config {
	return &quic.Config{
		MaxIdleTimeout:  30 * time.Second,
		KeepAlivePeriod: 10 * time.Second,
	}
}

// Server accepts QUIC connections and registers each one's media stream
// with the ingest registry.
type Server struct {
	log      *slog.Logger
	addr     string
	format   ingest.InputFormat
	registry *ingest.Registry
	cert     *certs.CertInfo

	mu     sync.Mutex
	ln     *quic.Listener
	conns  map[quic.Connection]struct{}
	closed bool
	wg     sync.WaitGroup
}

// NewServer creates a QUIC server presenting cert. If log is nil,
// slog.Default() is used.
func NewServer(addr string, cert *certs.CertInfo, format ingest.InputFormat, registry *ingest.Registry, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		log:      log.With("component", "quic-server"),
		addr:     addr,
		format:   format,
		registry: registry,
		cert:     cert,
		conns:    make(map[quic.Connection]struct{}),
	}
}

// Listen binds the UDP socket.
func (s *Server) Listen(_ context.Context) error {
	ln, err := quic.ListenAddr(s.addr, s.cert.ServerConfig(ALPN), config())
	if err != nil {
		return transport.BindError(transport.KindQUIC, s.addr, err)
	}
	s.mu.Lock()
	s.ln = ln
	s.closed = false
	s.mu.Unlock()
	s.log.Info("listening", "addr", ln.Addr().String(), "cert_hash", s.cert.FingerprintBase64())
	return nil
}

// Addr returns the bound address.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Serve accepts connections until ctx is cancelled or Close is called.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	ln := s.ln
	s.mu.Unlock()
	if ln == nil {
		return &transport.Error{Op: "serve", Transport: transport.KindQUIC, Addr: s.addr, Err: transport.ErrClosed}
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
	for {
		conn, err := ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, quic.ErrServerClosed) {
				return nil
			}
			return &transport.Error{Op: "accept", Transport: transport.KindQUIC, Addr: s.addr, Err: err}
		}
		if !s.track(conn) {
			conn.CloseWithError(closeNoError, "shutting down")
			return nil
		}
		s.wg.Add(1)
		go s.handleConnection(ctx, conn)
	}
}

// Close stops accepting and closes every open connection.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	for c := range s.conns {
		c.CloseWithError(closeNoError, "shutting down")
	}
	if s.ln != nil {
		return s.ln.Close()
	}
	return nil
}

func (s *Server) track(c quic.Connection) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[c] = struct{}{}
	return true
}

func (s *Server) untrack(c quic.Connection) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

func (s *Server) handleConnection(ctx context.Context, conn quic.Connection) {
	defer s.wg.Done()
	defer s.untrack(conn)

	remote := conn.RemoteAddr().String()
	str, err := conn.AcceptStream(ctx)
	if err != nil {
		s.log.Debug("no media stream", "remote", remote, "error", err)
		conn.CloseWithError(closeNoError, "")
		return
	}

	key := "quic/" + remote
	stream, err := s.registry.Register(key, string(transport.KindQUIC), s.format)
	if err != nil {
		s.log.Warn("rejecting connection", "remote", remote, "error", err)
		conn.CloseWithError(closeRejected, "duplicate stream")
		return
	}
	stream.SetRemoteAddr(remote)
	s.log.Info("connection opened", "stream", key)

	if err := transport.Pump(ctx, str, stream); err != nil {
		var appErr *quic.ApplicationError
		if !errors.As(err, &appErr) {
			s.log.Debug("read error", "stream", key, "error", err)
		}
	}
	conn.CloseWithError(closeNoError, "")

	stats := stream.IngestStats()
	s.registry.Unregister(key)
	s.log.Info("connection closed", "stream", key,
		"bytes", stats.BytesReceived, "reads", stats.ReadCount,
		"uptime_ms", stats.UptimeMs)
}

// Dial returns a DialFunc that connects to addr, authenticating the server
// by certificate fingerprint (base64 or hex). An empty fingerprint skips
// verification.
func Dial(addr, fingerprint string) transport.DialFunc {
	return func(ctx context.Context) (io.WriteCloser, error) {
		tlsConf, err := certs.ClientConfig(ALPN, fingerprint)
		if err != nil {
			return nil, err
		}
		return dial(ctx, addr, tlsConf)
	}
}

func dial(ctx context.Context, addr string, tlsConf *tls.Config) (io.WriteCloser, error) {
	conn, err := quic.DialAddr(ctx, addr, tlsConf, config())
	if err != nil {
		return nil, fmt.Errorf("dial quic %s: %w", addr, err)
	}
	str, err := conn.OpenStreamSync(ctx)
	if err != nil {
		conn.CloseWithError(closeNoError, "")
		return nil, fmt.Errorf("open quic stream: %w", err)
	}
	return &clientConn{conn: conn, str: str}, nil
}

// clientConn writes to the media stream. Close half-closes the stream and
// gives the server a moment to drain it before tearing the connection down.
type clientConn struct {
	conn quic.Connection
	str  quic.Stream
}

func (c *clientConn) Write(p []byte) (int, error) {
	return c.str.Write(p)
}

func (c *clientConn) Close() error {
	err := c.str.Close()
	select {
	case <-c.conn.Context().Done():
	case <-time.After(closeTimeout):
	}
	c.conn.CloseWithError(closeNoError, "")
	return err
}
