// Package ws carries the byte stream over WebSocket binary messages. Each
// message the server reads becomes one ingest chunk; each client Write is
// sent as one message.
package ws

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zsiec/nalrelay/internal/ingest"
	"github.com/zsiec/nalrelay/internal/transport"
)

// DefaultPath is the HTTP path the server upgrades unless told otherwise.
const DefaultPath = "/media"

const closeGrace = time.Second

// Server accepts WebSocket connections on its path and registers each one as an
// ingest stream.
type Server struct {
	log      *slog.Logger
	addr     string
	path     string
	format   ingest.InputFormat
	registry *ingest.Registry
	upgrader websocket.Upgrader

	mu     sync.Mutex
	ln     net.Listener
	http   *http.Server
	conns  map[*websocket.Conn]struct{}
	closed bool
	wg     sync.WaitGroup
}

// NewServer creates a WebSocket server. If log is nil, slog.Default() is used.
func NewServer(addr string, format ingest.InputFormat, registry *ingest.Registry, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		log:      log.With("component", "ws-server"),
		addr:     addr,
		path:     DefaultPath,
		format:   format,
		registry: registry,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  transport.ReadBufferSize,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		conns: make(map[*websocket.Conn]struct{}),
	}
}

// SetPath sets the upgrade path. Call it before Listen.
func (s *Server) SetPath(path string) {
	if path != "" {
		s.path = path
	}
}

// Listen binds the server address.
func (s *Server) Listen(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.addr)
	if err != nil {
		return transport.BindError(transport.KindWS, s.addr, err)
	}
	mux := http.NewServeMux()
	mux.HandleFunc(s.path, s.handleUpgrade)

	s.mu.Lock()
	s.ln = ln
	s.http = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	s.closed = false
	s.mu.Unlock()
	s.log.Info("listening", "addr", ln.Addr().String(), "path", s.path)
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

// Serve runs the HTTP server until ctx is cancelled or Close is called.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	ln, srv := s.ln, s.http
	s.mu.Unlock()
	if ln == nil {
		return &transport.Error{Op: "serve", Transport: transport.KindWS, Addr: s.addr, Err: transport.ErrClosed}
	}
	srv.BaseContext = func(net.Listener) context.Context { return ctx }

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			s.Close()
		case <-stop:
		}
	}()

	err := srv.Serve(ln)
	s.wg.Wait()
	if err != nil && !errors.Is(err, http.ErrServerClosed) && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}

// Close stops the HTTP server and aborts every upgraded connection.
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
	if s.http != nil {
		return s.http.Close()
	}
	return nil
}

func (s *Server) track(c *websocket.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[c] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *Server) untrack(c *websocket.Conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
	s.wg.Done()
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	if !s.track(conn) {
		conn.Close()
		return
	}
	defer s.untrack(conn)
	defer conn.Close()

	key := "ws/" + r.RemoteAddr
	if name := r.URL.Query().Get("stream"); name != "" {
		key = "ws/" + name
	}
	stream, err := s.registry.Register(key, string(transport.KindWS), s.format)
	if err != nil {
		s.log.Warn("rejecting connection", "remote", r.RemoteAddr, "error", err)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "duplicate stream"),
			time.Now().Add(closeGrace))
		return
	}
	stream.SetRemoteAddr(r.RemoteAddr)
	s.log.Info("connection opened", "stream", key)

	if err := s.readLoop(r.Context(), conn, stream); err != nil {
		s.log.Debug("read error", "stream", key, "error", err)
	}

	stats := stream.IngestStats()
	s.registry.Unregister(key)
	s.log.Info("connection closed", "stream", key,
		"bytes", stats.BytesReceived, "reads", stats.ReadCount,
		"uptime_ms", stats.UptimeMs)
}

func (s *Server) readLoop(ctx context.Context, conn *websocket.Conn, stream *ingest.Stream) error {
	for {
		typ, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) ||
				errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			return err
		}
		if typ != websocket.BinaryMessage {
			continue
		}
		if err := stream.Deliver(ctx, data); err != nil {
			return nil
		}
	}
}

// Dial returns a DialFunc for a WebSocket server URL such as
// ws://host:port/media.
func Dial(url string) transport.DialFunc {
	return func(ctx context.Context) (io.WriteCloser, error) {
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
		if err != nil {
			return nil, fmt.Errorf("dial ws %s: %w", url, err)
		}
		return &clientConn{conn: conn}, nil
	}
}

// URL builds the client URL for a server address, upgrade path and optional
// stream name. An empty path means DefaultPath.
func URL(addr, path, stream string) string {
	if path == "" {
		path = DefaultPath
	}
	u := "ws://" + addr + path
	if stream != "" {
		u += "?stream=" + stream
	}
	return u
}

type clientConn struct {
	conn *websocket.Conn
}

func (c *clientConn) Write(p []byte) (int, error) {
	if err := c.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *clientConn) Close() error {
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(closeGrace))
	return c.conn.Close()
}
