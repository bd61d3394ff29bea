// Package srt carries the media byte stream over SRT (Secure Reliable
// Transport) in live mode. The Server accepts publish connections in
// listener mode; Dial connects in caller mode.
package srt

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	srtgo "github.com/zsiec/srtgo"

	"github.com/zsiec/nalrelay/internal/ingest"
	"github.com/zsiec/nalrelay/internal/transport"
)

// DefaultLatency is the SRT receiver latency.
const DefaultLatency = 120 * time.Millisecond

// maxPayload is the live-mode message size (7 * 188).
const maxPayload = 1316

// Server accepts SRT publish connections and registers each with the ingest
// registry under its stream key.
type Server struct {
	log      *slog.Logger
	addr     string
	format   ingest.InputFormat
	registry *ingest.Registry
	latency  time.Duration

	mu     sync.Mutex
	ln     *srtgo.Listener
	bound  net.Addr
	conns  map[*srtgo.Conn]struct{}
	closed bool
	wg     sync.WaitGroup
}

// NewServer creates an SRT server on addr. If log is nil, slog.Default() is
// used.
func NewServer(addr string, format ingest.InputFormat, registry *ingest.Registry, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		log:      log.With("component", "srt-server"),
		addr:     addr,
		format:   format,
		registry: registry,
		latency:  DefaultLatency,
		conns:    make(map[*srtgo.Conn]struct{}),
	}
}

// SetLatency overrides the receiver latency. It takes effect on the next
// Listen.
func (s *Server) SetLatency(d time.Duration) {
	if d > 0 {
		s.latency = d
	}
}

// Listen binds the SRT listener. Publishers must present a stream ID.
func (s *Server) Listen(_ context.Context) error {
	cfg := srtgo.DefaultConfig()
	setNanos(&cfg.Latency, s.latency)

	ln, err := srtgo.Listen(s.addr, cfg)
	if err != nil {
		return transport.BindError(transport.KindSRT, s.addr, err)
	}
	ln.SetAcceptRejectFunc(func(req srtgo.ConnRequest) srtgo.RejectReason {
		if req.StreamID == "" {
			return srtgo.RejPeer
		}
		return 0
	})

	bound, _ := net.ResolveUDPAddr("udp", s.addr)
	s.mu.Lock()
	s.ln = ln
	s.bound = bound
	s.closed = false
	s.mu.Unlock()
	s.log.Info("listening", "addr", s.addr, "latency", s.latency)
	return nil
}

// Addr returns the configured listen address once bound.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.bound
}

// Serve accepts publishers until ctx is cancelled or Close is called.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	ln := s.ln
	s.mu.Unlock()
	if ln == nil {
		return &transport.Error{Op: "serve", Transport: transport.KindSRT, Addr: s.addr, Err: transport.ErrClosed}
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
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || s.isClosed() {
				return nil
			}
			s.log.Warn("accept error", "error", err)
			continue
		}
		if !s.track(conn) {
			conn.Close()
			return nil
		}

		key := "srt/" + extractStreamKey(conn.StreamID())
		s.log.Info("publish", "stream", key, "remote", conn.RemoteAddr())

		s.wg.Add(1)
		go s.handleConnection(ctx, conn, key)
	}
}

// Close stops accepting and aborts every publisher.
func (s *Server) Close() error {
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

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Server) track(c *srtgo.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[c] = struct{}{}
	return true
}

func (s *Server) untrack(c *srtgo.Conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

func (s *Server) handleConnection(ctx context.Context, conn *srtgo.Conn, key string) {
	defer s.wg.Done()
	defer s.untrack(conn)
	defer conn.Close()

	stream, err := s.registry.Register(key, string(transport.KindSRT), s.format)
	if err != nil {
		s.log.Warn("rejecting publisher", "stream", key, "error", err)
		return
	}
	stream.SetRemoteAddr(conn.RemoteAddr().String())

	if err := transport.Pump(ctx, conn, stream); err != nil && !s.isClosed() {
		s.log.Debug("read error", "stream", key, "error", err)
	}

	stats := stream.IngestStats()
	s.registry.Unregister(key)
	s.log.Info("connection closed", "stream", key,
		"bytes", stats.BytesReceived, "reads", stats.ReadCount,
		"uptime_ms", stats.UptimeMs)
}

func extractStreamKey(streamID string) string {
	streamID = strings.TrimPrefix(streamID, "/")
	streamID = strings.TrimPrefix(streamID, "live/")
	if streamID == "" {
		return "default"
	}
	return streamID
}

// Dial returns a DialFunc that connects to an SRT listener in caller mode,
// publishing under streamID ("live/default" when empty).
func Dial(addr, streamID string, latency time.Duration) transport.DialFunc {
	return func(ctx context.Context) (io.WriteCloser, error) {
		cfg := srtgo.DefaultConfig()
		if latency <= 0 {
			latency = DefaultLatency
		}
		setNanos(&cfg.Latency, latency)
		if streamID == "" {
			streamID = "live/default"
		}
		cfg.StreamID = streamID

		type dialResult struct {
			conn *srtgo.Conn
			err  error
		}
		ch := make(chan dialResult, 1)
		go func() {
			conn, err := srtgo.Dial(addr, cfg)
			ch <- dialResult{conn, err}
		}()

		select {
		case res := <-ch:
			if res.err != nil {
				return nil, fmt.Errorf("SRT dial %s: %w", addr, res.err)
			}
			return &callerConn{conn: res.conn}, nil
		case <-ctx.Done():
			// Close any connection that completes after we gave up.
			go func() {
				if res := <-ch; res.conn != nil {
					res.conn.Close()
				}
			}()
			return nil, ctx.Err()
		}
	}
}

// setNanos stores d in an srtgo nanosecond field.
func setNanos[T ~int64 | ~uint64 | ~int](dst *T, d time.Duration) {
	*dst = T(d.Nanoseconds())
}

// callerConn splits writes into live-mode sized messages.
type callerConn struct {
	conn *srtgo.Conn
}

func (c *callerConn) Write(p []byte) (int, error) {
	written := 0
	for written < len(p) {
		end := min(written+maxPayload, len(p))
		n, err := c.conn.Write(p[written:end])
		written += n
		if err != nil {
			return written, err
		}
	}
	return written, nil
}

func (c *callerConn) Close() error {
	return c.conn.Close()
}
