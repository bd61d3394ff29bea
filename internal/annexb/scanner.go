package annexb

import (
	"errors"
	"log/slog"
	"sync/atomic"

	"github.com/zsiec/nalrelay/internal/media"
)

// DefaultMaxPending bounds the bytes buffered while waiting for the next
// start code. A producer that never sends a start code cannot grow the
// scanner past this.
const DefaultMaxPending = 4 << 20

const startCodeLen = 4

// ErrBufferOverflow is returned by Ingest when the pending, unterminated
// bytes exceed the scanner's bound. The buffered stream and the rest of the
// chunk are discarded.
var ErrBufferOverflow = errors.New("annexb: pending buffer overflow")

// Stats is a point-in-time snapshot of scanner counters.
type Stats struct {
	Units     int64 `json:"units"`
	Bytes     int64 `json:"bytes"`
	Overflows int64 `json:"overflows"`
	Pending   int   `json:"pending"`
}

// Scanner finds 4-byte start codes (00 00 00 01) in a growing byte buffer
// and emits the bytes preceding each one as a NAL unit. Bytes already proven
// not to begin a start code are never rescanned, and a start code split
// across Ingest calls is still found.
//
// The pending region lives in one of two buffers. Draining a unit only
// advances the read offset; when an append needs room, the unscanned tail is
// copied into the spare buffer and the two are swapped.
//
// A Scanner is not safe for concurrent use. Each stream owns one.
type Scanner struct {
	log        *slog.Logger
	sink       media.Sink
	maxPending int

	buf    []byte
	spare  []byte
	start  int // read offset into buf
	cursor int // scan position relative to start

	// resync drops the first unit after an overflow, which would otherwise
	// be the tail of a NAL whose head was discarded.
	resync bool

	units     atomic.Int64
	bytes     atomic.Int64
	overflows atomic.Int64
	pending   atomic.Int64
}

// NewScanner creates a Scanner that delivers complete NAL units to sink.
// If log is nil, slog.Default() is used.
func NewScanner(sink media.Sink, log *slog.Logger) *Scanner {
	if log == nil {
		log = slog.Default()
	}
	return &Scanner{
		log:        log.With("component", "annexb"),
		sink:       sink,
		maxPending: DefaultMaxPending,
	}
}

// SetMaxPending overrides the pending-bytes bound. Values <= 0 restore the
// default.
func (s *Scanner) SetMaxPending(n int) {
	if n <= 0 {
		n = DefaultMaxPending
	}
	s.maxPending = n
}

// Write implements io.Writer so a Scanner can sit behind io.Copy.
func (s *Scanner) Write(p []byte) (int, error) {
	if err := s.Ingest(p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Ingest appends b to the pending buffer and emits every NAL unit that is
// now terminated by a start code. b is consumed in slices of at most the
// pending bound, so a large chunk full of start codes is accepted; only bytes
// still unterminated after a scan count against the bound.
func (s *Scanner) Ingest(b []byte) error {
	for len(b) > 0 {
		n := min(len(b), s.maxPending)
		s.append(b[:n])
		s.scan()
		b = b[n:]

		if pending := len(s.buf) - s.start; pending > s.maxPending {
			s.overflows.Add(1)
			s.log.Warn("discarding stream: no start code within bound",
				"pending", pending, "unread", len(b), "max", s.maxPending)
			s.Reset()
			s.resync = true
			return ErrBufferOverflow
		}
	}
	s.pending.Store(int64(len(s.buf) - s.start))
	return nil
}

// Flush emits any pending bytes as a final NAL unit. Call it when the byte
// stream ends cleanly; the last unit has no trailing start code.
func (s *Scanner) Flush() {
	if data := s.buf[s.start:]; len(data) > 0 {
		s.emit(data)
	}
	s.Reset()
}

// Reset discards all pending bytes.
func (s *Scanner) Reset() {
	s.buf = s.buf[:0]
	s.start = 0
	s.cursor = 0
	s.pending.Store(0)
}

// Stats returns a snapshot of the scanner counters. It is safe to call from
// any goroutine.
func (s *Scanner) Stats() Stats {
	return Stats{
		Units:     s.units.Load(),
		Bytes:     s.bytes.Load(),
		Overflows: s.overflows.Load(),
		Pending:   int(s.pending.Load()),
	}
}

func (s *Scanner) append(b []byte) {
	if s.start > 0 && len(s.buf)+len(b) > cap(s.buf) {
		tail := s.buf[s.start:]
		need := len(tail) + len(b)
		if cap(s.spare) < need {
			s.spare = make([]byte, 0, 2*need)
		}
		s.spare = append(s.spare[:0], tail...)
		s.buf, s.spare = s.spare, s.buf[:0]
		s.start = 0
	}
	s.buf = append(s.buf, b...)
}

func (s *Scanner) scan() {
	data := s.buf[s.start:]
	for s.cursor+startCodeLen <= len(data) {
		i := s.cursor
		if data[i] == 0 && data[i+1] == 0 && data[i+2] == 0 && data[i+3] == 1 {
			if i > 0 {
				s.emit(data[:i])
			} else {
				s.resync = false
			}
			s.start += i + startCodeLen
			s.cursor = 0
			data = s.buf[s.start:]
			continue
		}
		// A start code beginning at i+1, i+2 or i+3 needs data[i+3] == 0.
		if data[i+3] != 0 {
			s.cursor += startCodeLen
		} else {
			s.cursor++
		}
	}

	if s.start == len(s.buf) {
		s.buf = s.buf[:0]
		s.start = 0
	}
}

func (s *Scanner) emit(data []byte) {
	if s.resync {
		s.resync = false
		s.log.Debug("dropped partial unit after overflow", "bytes", len(data))
		return
	}
	nal := make([]byte, len(data))
	copy(nal, data)
	s.units.Add(1)
	s.bytes.Add(int64(len(nal)))
	s.sink.OnNALUnit(nal)
}
