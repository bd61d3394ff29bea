// Package rtph264 carries H.264 over RTP as described by RFC 6184: single
// NAL unit packets, STAP-A aggregates and FU-A fragments.
package rtph264

import (
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/pion/rtp"

	"github.com/zsiec/nalrelay/internal/media"
	"github.com/zsiec/nalrelay/internal/nalu"
)

// Loss describes a discarded FU-A reassembly. Expected is the sequence
// number that would have continued the unit and Got is what arrived.
type Loss struct {
	Expected  uint16
	Got       uint16
	Fragments int
	Reason    string
}

// LossHandler is notified each time a partial NAL unit is discarded, giving
// the consumer a chance to ask the sender for a keyframe.
type LossHandler func(Loss)

// DepacketizerStats is a snapshot of depacketizer counters.
type DepacketizerStats struct {
	Packets    int64 `json:"packets"`
	Units      int64 `json:"units"`
	Rejected   int64 `json:"rejected"`
	Discarded  int64 `json:"discarded"`
	Reassembly int   `json:"reassembly"`
}

// Depacketizer turns RTP datagrams into complete NAL units. It keeps at most
// one FU-A reassembly in flight and never emits a unit with missing
// fragments.
//
// A Depacketizer is owned by one stream and is not safe for concurrent use.
type Depacketizer struct {
	log    *slog.Logger
	sink   media.Sink
	onLoss LossHandler

	// FU-A reassembly, keyed by sequence number.
	fragments map[uint16][]byte
	header    byte
	firstSeq  uint16
	lastSeq   uint16
	active    bool

	packets   atomic.Int64
	units     atomic.Int64
	rejected  atomic.Int64
	discarded atomic.Int64
	inFlight  atomic.Int64
}

// NewDepacketizer creates a Depacketizer delivering NAL units to sink. If
// log is nil, slog.Default() is used.
func NewDepacketizer(sink media.Sink, log *slog.Logger) *Depacketizer {
	if log == nil {
		log = slog.Default()
	}
	return &Depacketizer{
		log:       log.With("component", "rtp-depacketizer"),
		sink:      sink,
		fragments: make(map[uint16][]byte),
	}
}

// SetLossHandler registers fn to be called whenever a partial unit is
// discarded. It must be set before the first Ingest.
func (d *Depacketizer) SetLossHandler(fn LossHandler) {
	d.onLoss = fn
}

// Ingest parses one datagram as an RTP packet and emits the NAL units it
// completes. A returned error describes a dropped packet; the depacketizer
// stays usable.
func (d *Depacketizer) Ingest(datagram []byte) error {
	var pkt rtp.Packet
	if err := pkt.Unmarshal(datagram); err != nil {
		d.rejected.Add(1)
		d.log.Debug("dropping unparseable RTP packet", "bytes", len(datagram), "error", err)
		return fmt.Errorf("rtph264: unmarshal: %w", err)
	}
	return d.IngestPacket(&pkt)
}

// IngestPacket processes an already parsed RTP packet.
func (d *Depacketizer) IngestPacket(pkt *rtp.Packet) error {
	d.packets.Add(1)

	if pkt.Version != 2 {
		d.rejected.Add(1)
		d.log.Debug("dropping packet", "version", pkt.Version, "seq", pkt.SequenceNumber)
		return ErrBadVersion
	}
	payload := pkt.Payload
	if len(payload) == 0 {
		d.rejected.Add(1)
		return ErrEmptyPayload
	}

	t := nalu.Type(payload)
	if d.active && t != nalu.TypeFUA {
		// Fragments of one unit are consecutive; anything else in between
		// means the rest of the unit was lost.
		d.discard(Loss{Expected: d.lastSeq + 1, Got: pkt.SequenceNumber, Reason: "interrupted by non-fragment packet"})
	}

	switch {
	case t >= 1 && t <= nalu.MaxSingleType:
		d.emit(payload)
		return nil
	case t == nalu.TypeSTAPA:
		return d.handleSTAPA(pkt.SequenceNumber, payload)
	case t == nalu.TypeFUA:
		return d.handleFUA(pkt.SequenceNumber, payload)
	default:
		d.rejected.Add(1)
		d.log.Debug("dropping packet", "nal_type", t, "seq", pkt.SequenceNumber)
		return fmt.Errorf("%w: %d", ErrUnsupportedNALType, t)
	}
}

// Flush discards any partial reassembly without emitting it.
func (d *Depacketizer) Flush() {
	d.reset()
}

// Stats returns a snapshot of the depacketizer counters.
func (d *Depacketizer) Stats() DepacketizerStats {
	return DepacketizerStats{
		Packets:    d.packets.Load(),
		Units:      d.units.Load(),
		Rejected:   d.rejected.Load(),
		Discarded:  d.discarded.Load(),
		Reassembly: int(d.inFlight.Load()),
	}
}

// handleSTAPA validates every aggregated length before emitting anything,
// so a truncated packet contributes no units.
func (d *Depacketizer) handleSTAPA(seq uint16, payload []byte) error {
	var units [][]byte
	for off := 1; off < len(payload); {
		if off+2 > len(payload) {
			return d.rejectSTAPA(seq, "truncated length")
		}
		size := int(payload[off])<<8 | int(payload[off+1])
		off += 2
		if size == 0 {
			return d.rejectSTAPA(seq, "zero-length unit")
		}
		if off+size > len(payload) {
			return d.rejectSTAPA(seq, "length overrun")
		}
		units = append(units, payload[off:off+size])
		off += size
	}
	if len(units) == 0 {
		return d.rejectSTAPA(seq, "no units")
	}
	for _, u := range units {
		d.emit(u)
	}
	return nil
}

func (d *Depacketizer) rejectSTAPA(seq uint16, reason string) error {
	d.rejected.Add(1)
	d.log.Debug("dropping STAP-A", "seq", seq, "reason", reason)
	return fmt.Errorf("%w: %s", ErrSTAPAOverrun, reason)
}

func (d *Depacketizer) handleFUA(seq uint16, payload []byte) error {
	if len(payload) < 2 {
		d.rejected.Add(1)
		return ErrShortFUA
	}
	indicator, fuHeader := payload[0], payload[1]
	start := fuHeader&0x80 != 0
	end := fuHeader&0x40 != 0

	if start {
		if d.active {
			d.discard(Loss{Expected: d.lastSeq + 1, Got: seq, Reason: "new start before end"})
		}
		d.header = indicator&0xE0 | fuHeader&0x1F
		d.firstSeq = seq
		d.active = true
		d.store(seq, payload[2:])
	} else {
		if !d.active {
			d.rejected.Add(1)
			d.log.Debug("dropping FU-A continuation without start", "seq", seq)
			return nil
		}
		if seq != d.lastSeq+1 {
			loss := Loss{Expected: d.lastSeq + 1, Got: seq, Reason: "sequence gap"}
			d.discard(loss)
			d.rejected.Add(1)
			return fmt.Errorf("%w: expected seq %d, got %d", ErrFragmentLoss, loss.Expected, loss.Got)
		}
		d.store(seq, payload[2:])
	}

	if end {
		d.emit(d.assemble())
		d.reset()
	}
	return nil
}

func (d *Depacketizer) store(seq uint16, frag []byte) {
	d.fragments[seq] = frag
	d.lastSeq = seq
	d.inFlight.Store(int64(len(d.fragments)))
}

// assemble concatenates fragments from firstSeq to lastSeq. The walk uses
// uint16 arithmetic so a reassembly spanning 65535 -> 0 stays ordered.
func (d *Depacketizer) assemble() []byte {
	size := 1
	for _, f := range d.fragments {
		size += len(f)
	}
	out := make([]byte, 0, size)
	out = append(out, d.header)
	for seq := d.firstSeq; ; seq++ {
		out = append(out, d.fragments[seq]...)
		if seq == d.lastSeq {
			break
		}
	}
	return out
}

func (d *Depacketizer) discard(loss Loss) {
	loss.Fragments = len(d.fragments)
	d.discarded.Add(1)
	d.log.Warn("packet loss, discarding partial NAL unit",
		"expected", loss.Expected, "got", loss.Got, "fragments", loss.Fragments, "reason", loss.Reason)
	d.reset()
	if d.onLoss != nil {
		d.onLoss(loss)
	}
}

func (d *Depacketizer) reset() {
	clear(d.fragments)
	d.active = false
	d.inFlight.Store(0)
}

func (d *Depacketizer) emit(data []byte) {
	nal := make([]byte, len(data))
	copy(nal, data)
	d.units.Add(1)
	d.sink.OnNALUnit(nal)
}
