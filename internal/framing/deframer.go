package framing

import (
	"encoding/binary"
	"log/slog"
	"sync/atomic"

	"github.com/zsiec/nalrelay/internal/media"
)

// DefaultMaxFrame bounds a single length-prefixed NAL unit.
const DefaultMaxFrame = 4 << 20

const prefixLen = 4

// DeframerStats is a snapshot of Deframer counters.
type DeframerStats struct {
	Units     int64 `json:"units"`
	Bytes     int64 `json:"bytes"`
	Oversized int64 `json:"oversized"`
	Empty     int64 `json:"empty"`
}

// Deframer incrementally parses a length-prefixed byte stream delivered in
// arbitrary chunks and emits each complete NAL unit to a sink.
//
// A Deframer is not safe for concurrent use.
type Deframer struct {
	log      *slog.Logger
	sink     media.Sink
	maxFrame int

	buf   []byte
	start int

	units     atomic.Int64
	bytes     atomic.Int64
	oversized atomic.Int64
	empty     atomic.Int64
}

// NewDeframer creates a Deframer that delivers NAL units to sink. If log is
// nil, slog.Default() is used.
func NewDeframer(sink media.Sink, log *slog.Logger) *Deframer {
	if log == nil {
		log = slog.Default()
	}
	return &Deframer{
		log:      log.With("component", "deframer"),
		sink:     sink,
		maxFrame: DefaultMaxFrame,
	}
}

// SetMaxFrame overrides the frame size bound. Values <= 0 restore the
// default.
func (d *Deframer) SetMaxFrame(n int) {
	if n <= 0 {
		n = DefaultMaxFrame
	}
	d.maxFrame = n
}

// Write implements io.Writer.
func (d *Deframer) Write(p []byte) (int, error) {
	if err := d.Ingest(p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Ingest appends b and emits every NAL unit that is now complete. A length
// prefix above the bound returns ErrFrameTooLarge and discards all buffered
// bytes; the stream cannot be resynchronized after that, so callers should
// drop the connection.
func (d *Deframer) Ingest(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	if d.start > 0 && len(d.buf)+len(b) > cap(d.buf) {
		n := copy(d.buf, d.buf[d.start:])
		d.buf = d.buf[:n]
		d.start = 0
	}
	d.buf = append(d.buf, b...)

	for {
		data := d.buf[d.start:]
		if len(data) < prefixLen {
			break
		}
		size := int(binary.BigEndian.Uint32(data))
		if size > d.maxFrame {
			d.oversized.Add(1)
			d.log.Warn("discarding stream: frame too large", "size", size, "max", d.maxFrame)
			d.Reset()
			return ErrFrameTooLarge
		}
		if size == 0 {
			d.empty.Add(1)
			d.start += prefixLen
			continue
		}
		if len(data) < prefixLen+size {
			break
		}
		nal := make([]byte, size)
		copy(nal, data[prefixLen:prefixLen+size])
		d.start += prefixLen + size
		d.units.Add(1)
		d.bytes.Add(int64(size))
		d.sink.OnNALUnit(nal)
	}

	if d.start == len(d.buf) {
		d.buf = d.buf[:0]
		d.start = 0
	}
	return nil
}

// Flush discards an incomplete trailing frame. Unlike Annex-B, a
// length-prefixed stream has no implicit final unit.
func (d *Deframer) Flush() {
	if pending := len(d.buf) - d.start; pending > 0 {
		d.log.Debug("dropping incomplete frame at end of stream", "bytes", pending)
	}
	d.Reset()
}

// Reset discards all buffered bytes.
func (d *Deframer) Reset() {
	d.buf = d.buf[:0]
	d.start = 0
}

// Stats returns a snapshot of the deframer counters.
func (d *Deframer) Stats() DeframerStats {
	return DeframerStats{
		Units:     d.units.Load(),
		Bytes:     d.bytes.Load(),
		Oversized: d.oversized.Load(),
		Empty:     d.empty.Load(),
	}
}
