package rtph264

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/pion/rtp"

	"github.com/zsiec/nalrelay/internal/media"
	"github.com/zsiec/nalrelay/internal/nalu"
)

// Packetizer defaults.
const (
	DefaultMTU         = 1200
	DefaultPayloadType = 96
	ClockRate          = 90000

	headerSize = 12
	fuaHeaders = 2
)

// MinMTU is the smallest packet size that still carries one FU-A payload
// byte.
const MinMTU = headerSize + fuaHeaders + 1

// PacketizerOption configures a Packetizer.
type PacketizerOption func(*Packetizer)

// WithMTU sets the maximum size of a marshaled RTP packet.
func WithMTU(mtu int) PacketizerOption {
	return func(p *Packetizer) { p.mtu = mtu }
}

// WithPayloadType overrides the dynamic payload type.
func WithPayloadType(pt uint8) PacketizerOption {
	return func(p *Packetizer) { p.payloadType = pt }
}

// WithSSRC fixes the synchronization source instead of drawing a random one.
func WithSSRC(ssrc uint32) PacketizerOption {
	return func(p *Packetizer) { p.ssrc = ssrc; p.fixedSSRC = true }
}

// WithInitialSequence fixes the first sequence number.
func WithInitialSequence(seq uint16) PacketizerOption {
	return func(p *Packetizer) { p.seq = seq; p.fixedSeq = true }
}

// Packetizer splits H.264 access units into RTP packets. Units that fit the
// MTU go out as single NAL unit packets; larger ones become FU-A fragments.
// The sequence number advances exactly once per emitted packet.
//
// A Packetizer is not safe for concurrent use.
type Packetizer struct {
	mtu         int
	payloadType uint8
	ssrc        uint32
	seq         uint16
	fixedSSRC   bool
	fixedSeq    bool
}

// NewPacketizer creates a Packetizer. SSRC and initial sequence number are
// random unless fixed by an option.
func NewPacketizer(opts ...PacketizerOption) (*Packetizer, error) {
	p := &Packetizer{
		mtu:         DefaultMTU,
		payloadType: DefaultPayloadType,
	}
	for _, o := range opts {
		o(p)
	}
	if p.mtu < MinMTU {
		return nil, fmt.Errorf("rtph264: MTU %d below minimum %d", p.mtu, MinMTU)
	}

	var seed [6]byte
	if _, err := rand.Read(seed[:]); err != nil {
		return nil, fmt.Errorf("rtph264: generate SSRC: %w", err)
	}
	if !p.fixedSSRC {
		p.ssrc = binary.BigEndian.Uint32(seed[:4])
	}
	if !p.fixedSeq {
		p.seq = binary.BigEndian.Uint16(seed[4:])
	}
	return p, nil
}

// SSRC returns the synchronization source of emitted packets.
func (p *Packetizer) SSRC() uint32 { return p.ssrc }

// NextSequence returns the sequence number the next packet will carry.
func (p *Packetizer) NextSequence() uint16 { return p.seq }

// Packetize converts an access unit to marshaled RTP packets. The NAL units
// come from au.NALUs, or from splitting au.Data as Annex-B when NALUs is
// empty. Every non-empty unit is sent unchanged, access unit delimiters
// included. The last packet carries the marker bit.
func (p *Packetizer) Packetize(au media.AccessUnit) ([][]byte, error) {
	nalus := au.NALUs
	if len(nalus) == 0 {
		if len(au.Data) == 0 {
			return nil, nil
		}
		var err error
		if nalus, err = nalu.SplitAnnexB(au.Data); err != nil {
			return nil, err
		}
	}

	ts := Timestamp(au.PTS, ClockRate)
	var payloads [][]byte
	for _, n := range nalus {
		if len(n) == 0 {
			continue
		}
		payloads = p.appendPayloads(payloads, n)
	}
	if len(payloads) == 0 {
		return nil, nil
	}

	packets := make([][]byte, 0, len(payloads))
	for i, pl := range payloads {
		pkt := rtp.Packet{
			Header: rtp.Header{
				Version:        2,
				Marker:         i == len(payloads)-1,
				PayloadType:    p.payloadType,
				SequenceNumber: p.seq,
				Timestamp:      ts,
				SSRC:           p.ssrc,
			},
			Payload: pl,
		}
		buf, err := pkt.Marshal()
		if err != nil {
			return nil, fmt.Errorf("rtph264: marshal: %w", err)
		}
		p.seq++
		packets = append(packets, buf)
	}
	return packets, nil
}

func (p *Packetizer) appendPayloads(out [][]byte, nal []byte) [][]byte {
	budget := p.mtu - headerSize
	if len(nal) <= budget {
		return append(out, nal)
	}

	indicator := nal[0]&0xE0 | byte(nalu.TypeFUA)
	typ := nal[0] & 0x1F
	data := nal[1:]
	chunk := budget - fuaHeaders
	for off := 0; off < len(data); off += chunk {
		end := min(off+chunk, len(data))
		fuHeader := typ
		if off == 0 {
			fuHeader |= 0x80
		}
		if end == len(data) {
			fuHeader |= 0x40
		}
		pl := make([]byte, 0, fuaHeaders+end-off)
		pl = append(pl, indicator, fuHeader)
		pl = append(pl, data[off:end]...)
		out = append(out, pl)
	}
	return out
}

// Timestamp converts a presentation time to RTP clock ticks, rounded to the
// nearest tick and wrapping at 2^32.
func Timestamp(pts time.Duration, clockRate uint32) uint32 {
	if pts < 0 {
		return 0
	}
	rate := uint64(clockRate)
	sec := uint64(pts / time.Second)
	frac := uint64(pts % time.Second)
	return uint32(sec*rate + (frac*rate+uint64(time.Second)/2)/uint64(time.Second))
}
