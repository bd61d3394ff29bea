package rtpaac

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/pion/rtp"

	"github.com/zsiec/nalrelay/internal/media"
	"github.com/zsiec/nalrelay/internal/rtph264"
)

// Packetizer defaults.
const (
	DefaultMTU         = 1200
	DefaultPayloadType = 97
	DefaultClockRate   = 48000

	headerSize   = 12
	auHeaderSize = 4 // AU-headers-length + one AU header
	maxAUSize    = 1<<13 - 1
)

// ErrFrameTooLarge is returned when an AAC frame does not fit one packet.
var ErrFrameTooLarge = errors.New("rtpaac: frame exceeds packet payload")

// Option configures a Packetizer.
type Option func(*Packetizer)

// WithMTU sets the maximum marshaled packet size.
func WithMTU(mtu int) Option { return func(p *Packetizer) { p.mtu = mtu } }

// WithPayloadType overrides the dynamic payload type.
func WithPayloadType(pt uint8) Option { return func(p *Packetizer) { p.payloadType = pt } }

// WithClockRate sets the RTP clock, which is the AAC sample rate.
func WithClockRate(hz int) Option { return func(p *Packetizer) { p.clockRate = hz } }

// WithSSRC fixes the synchronization source.
func WithSSRC(ssrc uint32) Option {
	return func(p *Packetizer) { p.ssrc = ssrc; p.fixedSSRC = true }
}

// Packetizer emits one RTP packet per AAC frame.
//
// A Packetizer is not safe for concurrent use.
type Packetizer struct {
	mtu         int
	payloadType uint8
	clockRate   int
	ssrc        uint32
	fixedSSRC   bool
	seq         uint16
}

// NewPacketizer creates an AAC Packetizer.
func NewPacketizer(opts ...Option) (*Packetizer, error) {
	p := &Packetizer{
		mtu:         DefaultMTU,
		payloadType: DefaultPayloadType,
		clockRate:   DefaultClockRate,
	}
	for _, o := range opts {
		o(p)
	}
	if p.mtu <= headerSize+auHeaderSize {
		return nil, fmt.Errorf("rtpaac: MTU %d too small", p.mtu)
	}
	if p.clockRate <= 0 {
		return nil, fmt.Errorf("rtpaac: invalid clock rate %d", p.clockRate)
	}

	var seed [6]byte
	if _, err := rand.Read(seed[:]); err != nil {
		return nil, fmt.Errorf("rtpaac: generate SSRC: %w", err)
	}
	if !p.fixedSSRC {
		p.ssrc = binary.BigEndian.Uint32(seed[:4])
	}
	p.seq = binary.BigEndian.Uint16(seed[4:])
	return p, nil
}

// ClockRate returns the RTP clock rate in Hz.
func (p *Packetizer) ClockRate() int { return p.clockRate }

// Packetize converts an audio access unit to RTP packets. au.Data holds
// either raw AAC (one frame) or one or more ADTS frames; ADTS headers are
// stripped. Consecutive frames advance the timestamp by SamplesPerFrame.
func (p *Packetizer) Packetize(au media.AccessUnit) ([][]byte, error) {
	if len(au.Data) == 0 {
		return nil, nil
	}

	var frames [][]byte
	if IsADTS(au.Data) {
		parsed, err := ParseADTS(au.Data)
		if err != nil {
			return nil, err
		}
		for _, f := range parsed {
			frames = append(frames, f.Payload)
		}
	} else {
		frames = [][]byte{au.Data}
	}

	budget := p.mtu - headerSize - auHeaderSize
	ts := rtph264.Timestamp(au.PTS, uint32(p.clockRate))
	packets := make([][]byte, 0, len(frames))
	for i, f := range frames {
		if len(f) > budget || len(f) > maxAUSize {
			return nil, fmt.Errorf("%w: %d bytes, budget %d", ErrFrameTooLarge, len(f), budget)
		}
		pkt := rtp.Packet{
			Header: rtp.Header{
				Version:        2,
				Marker:         true,
				PayloadType:    p.payloadType,
				SequenceNumber: p.seq,
				Timestamp:      ts + uint32(i*SamplesPerFrame),
				SSRC:           p.ssrc,
			},
			Payload: auPayload(f),
		}
		buf, err := pkt.Marshal()
		if err != nil {
			return nil, fmt.Errorf("rtpaac: marshal: %w", err)
		}
		p.seq++
		packets = append(packets, buf)
	}
	return packets, nil
}

// FrameDuration returns the play time of one AAC frame at the clock rate.
func (p *Packetizer) FrameDuration() time.Duration {
	return time.Duration(SamplesPerFrame) * time.Second / time.Duration(p.clockRate)
}

func auPayload(frame []byte) []byte {
	out := make([]byte, auHeaderSize+len(frame))
	out[0] = 0
	out[1] = 16 // AU-headers-length in bits: one 16-bit header
	out[2] = byte(len(frame) >> 5)
	out[3] = byte(len(frame)&0x1F) << 3
	copy(out[auHeaderSize:], frame)
	return out
}
