package rtpaac

import (
	"bytes"
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zsiec/nalrelay/internal/media"
)

// adtsFrame wraps payload in a 7-byte ADTS header (AAC-LC, 48 kHz, stereo).
func adtsFrame(payload []byte) []byte {
	n := 7 + len(payload)
	h := []byte{
		0xFF, 0xF1,
		0x40 | 3<<2,
		2<<6 | byte(n>>11)&0x03,
		byte(n >> 3),
		byte(n&0x07)<<5 | 0x1F,
		0xFC,
	}
	return append(h, payload...)
}

func TestParseADTS(t *testing.T) {
	t.Parallel()

	a := bytes.Repeat([]byte{0x21}, 100)
	b := bytes.Repeat([]byte{0x42}, 300)
	stream := append(adtsFrame(a), adtsFrame(b)...)

	frames, err := ParseADTS(stream)
	require.NoError(t, err)
	require.Len(t, frames, 2)
	assert.Equal(t, a, frames[0].Payload)
	assert.Equal(t, b, frames[1].Payload)
	assert.Equal(t, 48000, frames[0].SampleRate)
	assert.Equal(t, 2, frames[0].Channels)
}

func TestParseADTSSkipsGarbageAndTruncation(t *testing.T) {
	t.Parallel()

	a := []byte{0x01, 0x02, 0x03}
	stream := append([]byte{0x00, 0x12}, adtsFrame(a)...)
	stream = append(stream, adtsFrame(bytes.Repeat([]byte{9}, 50))[:20]...)

	frames, err := ParseADTS(stream)
	require.NoError(t, err)
	require.Len(t, frames, 1)
	assert.Equal(t, a, frames[0].Payload)
}

func TestParseADTSBadSampleRate(t *testing.T) {
	t.Parallel()

	f := adtsFrame([]byte{1, 2, 3})
	f[2] = 0x40 | 15<<2
	_, err := ParseADTS(f)
	assert.ErrorIs(t, err, ErrInvalidADTS)
}

func TestStripADTS(t *testing.T) {
	t.Parallel()

	raw := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	assert.Equal(t, raw, StripADTS(adtsFrame(raw)))
	assert.Equal(t, raw, StripADTS(raw))
}

func TestPacketizeDepacketizeRoundTrip(t *testing.T) {
	t.Parallel()

	p, err := NewPacketizer(WithSSRC(7))
	require.NoError(t, err)

	a := bytes.Repeat([]byte{0x11}, 200)
	b := bytes.Repeat([]byte{0x22}, 371)
	pkts, err := p.Packetize(media.AccessUnit{
		Kind: media.KindAudio,
		PTS:  time.Second,
		Data: append(adtsFrame(a), adtsFrame(b)...),
	})
	require.NoError(t, err)
	require.Len(t, pkts, 2)

	var got [][]byte
	for i, buf := range pkts {
		var pkt rtp.Packet
		require.NoError(t, pkt.Unmarshal(buf))
		assert.True(t, pkt.Marker)
		assert.Equal(t, uint8(DefaultPayloadType), pkt.PayloadType)
		assert.Equal(t, uint32(48000+i*SamplesPerFrame), pkt.Timestamp)
		assert.Equal(t, uint32(7), pkt.SSRC)

		frames, err := Depacketize(&pkt)
		require.NoError(t, err)
		got = append(got, frames...)
	}
	assert.Equal(t, [][]byte{a, b}, got)
}

func TestPacketizeRawFrame(t *testing.T) {
	t.Parallel()

	p, err := NewPacketizer(WithClockRate(44100), WithPayloadType(100))
	require.NoError(t, err)

	raw := []byte{0x01, 0x40, 0x20}
	pkts, err := p.Packetize(media.AccessUnit{Data: raw})
	require.NoError(t, err)
	require.Len(t, pkts, 1)

	var pkt rtp.Packet
	require.NoError(t, pkt.Unmarshal(pkts[0]))
	assert.Equal(t, uint8(100), pkt.PayloadType)
	assert.Equal(t, []byte{0x00, 0x10, 0x00, 0x18, 0x01, 0x40, 0x20}, pkt.Payload)
}

func TestPacketizeRejectsOversizedFrame(t *testing.T) {
	t.Parallel()

	p, err := NewPacketizer(WithMTU(100))
	require.NoError(t, err)
	_, err = p.Packetize(media.AccessUnit{Data: make([]byte, 85)})
	assert.ErrorIs(t, err, ErrFrameTooLarge)

	_, err = NewPacketizer(WithMTU(16))
	assert.Error(t, err)
}

func TestFrameDuration(t *testing.T) {
	t.Parallel()

	p, err := NewPacketizer()
	require.NoError(t, err)
	assert.Equal(t, 21333333*time.Nanosecond, p.FrameDuration())
}

func TestDepacketizeMalformed(t *testing.T) {
	t.Parallel()

	tests := [][]byte{
		{0x00},
		{0x00, 0x00},
		{0x00, 0x0F, 0x00, 0x08},
		{0x00, 0x20, 0x00, 0x08},
		{0x00, 0x10, 0x00, 0x50, 0x01},
	}
	for _, payload := range tests {
		_, err := Depacketize(&rtp.Packet{Payload: payload})
		assert.ErrorIs(t, err, ErrMalformed, "payload %x", payload)
	}
}
