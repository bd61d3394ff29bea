// Package ingest manages live receive streams, coupling each transport
// connection (or datagram socket) with a bounded chunk queue, metadata,
// lifecycle signaling, and pipeline dispatch.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/zsiec/nalrelay/internal/media"
)

// ErrDuplicateStream is returned by Register when the key is already live.
var ErrDuplicateStream = errors.New("ingest: stream already registered")

// ErrStreamClosed is returned by Deliver after the stream is unregistered.
var ErrStreamClosed = errors.New("ingest: stream closed")

// InputFormat identifies how the bytes of an ingested stream are framed.
type InputFormat int

// Supported ingest framings.
const (
	FormatAnnexB InputFormat = iota // byte stream, 00 00 00 01 delimited
	FormatLength                    // byte stream, 4-byte length prefixed
	FormatRTP                       // one RTP packet per chunk
)

func (f InputFormat) String() string {
	switch f {
	case FormatAnnexB:
		return "annexb"
	case FormatLength:
		return "length"
	case FormatRTP:
		return "rtp"
	default:
		return "unknown"
	}
}

// IngestStats captures connection-level metrics for an ingest stream.
type IngestStats struct {
	ID            string `json:"id"`
	Key           string `json:"key"`
	Transport     string `json:"transport"`
	BytesReceived int64  `json:"bytesReceived"`
	ReadCount     int64  `json:"readCount"`
	Dropped       int64  `json:"dropped"`
	ConnectedAt   int64  `json:"connectedAt"`
	UptimeMs      int64  `json:"uptimeMs"`
	RemoteAddr    string `json:"remoteAddr"`
}

// Stream represents one live receive connection. The transport goroutine
// that registered it is the only producer; the parse goroutine handed the
// stream through the registry callback is the only consumer.
type Stream struct {
	ID        string
	Key       string
	Transport string
	StartedAt time.Time
	Format    InputFormat

	chunks    chan []byte
	done      chan struct{}
	closeOnce sync.Once

	bytesReceived atomic.Int64
	readCount     atomic.Int64
	dropped       atomic.Int64
	remoteAddr    atomic.Value
}

// Deliver copies chunk onto the stream queue, blocking while the queue is
// full. It returns ctx.Err() if ctx ends first and ErrStreamClosed once the
// stream is unregistered. Empty chunks are ignored.
func (s *Stream) Deliver(ctx context.Context, chunk []byte) error {
	if len(chunk) == 0 {
		return nil
	}
	select {
	case <-s.done:
		return ErrStreamClosed
	default:
	}

	c := make([]byte, len(chunk))
	copy(c, chunk)
	s.RecordRead(len(c))

	select {
	case s.chunks <- c:
		return nil
	case <-s.done:
		s.dropped.Add(1)
		return ErrStreamClosed
	case <-ctx.Done():
		s.dropped.Add(1)
		return ctx.Err()
	}
}

// Chunks returns the receive side of the stream queue.
func (s *Stream) Chunks() <-chan []byte { return s.chunks }

// Done is closed when the stream is unregistered. Chunks delivered before
// that remain readable from Chunks.
func (s *Stream) Done() <-chan struct{} { return s.done }

// RecordRead increments the byte and read counters.
func (s *Stream) RecordRead(n int) {
	s.bytesReceived.Add(int64(n))
	s.readCount.Add(1)
}

// SetRemoteAddr stores the remote address of the ingest connection for
// diagnostics.
func (s *Stream) SetRemoteAddr(addr string) {
	s.remoteAddr.Store(addr)
}

// IngestStats returns a snapshot of ingest connection metrics.
func (s *Stream) IngestStats() IngestStats {
	addr, _ := s.remoteAddr.Load().(string)
	return IngestStats{
		ID:            s.ID,
		Key:           s.Key,
		Transport:     s.Transport,
		BytesReceived: s.bytesReceived.Load(),
		ReadCount:     s.readCount.Load(),
		Dropped:       s.dropped.Load(),
		ConnectedAt:   s.StartedAt.UnixMilli(),
		UptimeMs:      time.Since(s.StartedAt).Milliseconds(),
		RemoteAddr:    addr,
	}
}

func (s *Stream) close() {
	s.closeOnce.Do(func() { close(s.done) })
}

// Registry tracks live ingest streams by key and dispatches new streams to
// the onStream callback for parser setup. It is the rendezvous point between
// the transports and the receive pipeline.
type Registry struct {
	log       *slog.Logger
	queueSize int

	mu      sync.RWMutex
	streams map[string]*Stream

	onStream func(*Stream)
}

// NewRegistry creates a Registry. The onStream callback is invoked
// asynchronously whenever a new stream is registered. If log is nil,
// slog.Default() is used.
func NewRegistry(onStream func(*Stream), log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		log:       log.With("component", "ingest"),
		queueSize: media.ChunkQueueSize,
		streams:   make(map[string]*Stream),
		onStream:  onStream,
	}
}

// SetQueueSize sets the per-stream chunk queue capacity for streams
// registered afterwards. Values <= 0 restore the default.
func (r *Registry) SetQueueSize(n int) {
	if n <= 0 {
		n = media.ChunkQueueSize
	}
	r.mu.Lock()
	r.queueSize = n
	r.mu.Unlock()
}

// Register creates a stream under key. A key that is already live is
// rejected with ErrDuplicateStream. If onStream is set, it is invoked
// asynchronously with the new stream.
func (r *Registry) Register(key, transport string, format InputFormat) (*Stream, error) {
	r.mu.Lock()
	if _, ok := r.streams[key]; ok {
		r.mu.Unlock()
		r.log.Warn("stream already exists, rejecting duplicate", "key", key)
		return nil, fmt.Errorf("%w: %q", ErrDuplicateStream, key)
	}
	stream := &Stream{
		ID:        uuid.NewString(),
		Key:       key,
		Transport: transport,
		StartedAt: time.Now(),
		Format:    format,
		chunks:    make(chan []byte, r.queueSize),
		done:      make(chan struct{}),
	}
	r.streams[key] = stream
	r.mu.Unlock()

	r.log.Info("stream registered", "key", key, "id", stream.ID,
		"transport", transport, "format", format)

	if r.onStream != nil {
		go r.onStream(stream)
	}
	return stream, nil
}

// Unregister removes a stream by key and signals Done.
func (r *Registry) Unregister(key string) {
	r.mu.Lock()
	stream, ok := r.streams[key]
	if ok {
		delete(r.streams, key)
	}
	r.mu.Unlock()

	if ok {
		stream.close()
	}
}

// Get returns the Stream for the given key, or false if not found.
func (r *Registry) Get(key string) (*Stream, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.streams[key]
	return s, ok
}

// List returns all live streams.
func (r *Registry) List() []*Stream {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Stream, 0, len(r.streams))
	for _, s := range r.streams {
		out = append(out, s)
	}
	return out
}

// Len returns the number of live streams.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.streams)
}

// Close unregisters every stream.
func (r *Registry) Close() {
	r.mu.Lock()
	streams := r.streams
	r.streams = make(map[string]*Stream)
	r.mu.Unlock()

	for _, s := range streams {
		s.close()
	}
}
