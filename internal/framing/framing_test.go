package framing

import (
	"bytes"
	"encoding/binary"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zsiec/nalrelay/internal/annexb"
)

type collector struct {
	units [][]byte
}

func (c *collector) OnNALUnit(nal []byte) {
	c.units = append(c.units, nal)
}

func TestLengthPrefixedFrame(t *testing.T) {
	t.Parallel()

	sps := []byte{0x67, 0x42, 0xE0}
	pps := []byte{0x68, 0xCE}
	idr := []byte{0x65, 0x88, 0x80, 0x40}

	out, err := LengthPrefixed{}.Frame([][]byte{sps, pps, idr})
	require.NoError(t, err)
	require.Len(t, out, 21)

	assert.Equal(t, uint32(3), binary.BigEndian.Uint32(out[0:4]))
	assert.Equal(t, sps, out[4:7])
	assert.Equal(t, uint32(2), binary.BigEndian.Uint32(out[7:11]))
	assert.Equal(t, pps, out[11:13])
	assert.Equal(t, uint32(4), binary.BigEndian.Uint32(out[13:17]))
	assert.Equal(t, idr, out[17:21])
}

func TestLengthPrefixedStripsStartCodes(t *testing.T) {
	t.Parallel()

	out, err := LengthPrefixed{}.Frame([][]byte{{0x00, 0x00, 0x00, 0x01, 0x65, 0xAA, 0xBB}})
	require.NoError(t, err)
	assert.Equal(t, []byte{0x00, 0x00, 0x00, 0x03, 0x65, 0xAA, 0xBB}, out)
}

func TestFrameEmpty(t *testing.T) {
	t.Parallel()

	out, err := LengthPrefixed{}.Frame(nil)
	require.NoError(t, err)
	assert.Empty(t, out)

	out, err = AnnexB{}.Frame([][]byte{{}})
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestAnnexBFrame(t *testing.T) {
	t.Parallel()

	out, err := AnnexB{}.Frame([][]byte{{0x67, 0x42}, {0x00, 0x00, 0x01, 0x68, 0xCE}})
	require.NoError(t, err)
	assert.Equal(t, []byte{
		0x00, 0x00, 0x00, 0x01, 0x67, 0x42,
		0x00, 0x00, 0x00, 0x01, 0x68, 0xCE,
	}, out)
}

func TestAnnexBFrameFeedsScanner(t *testing.T) {
	t.Parallel()

	units := [][]byte{{0x67, 0x42, 0xE0, 0x1E}, {0x68, 0xCE, 0x38, 0x80}, {0x65, 0x88, 0x84, 0x00}}
	out, err := AnnexB{}.Frame(units)
	require.NoError(t, err)

	c := &collector{}
	s := annexb.NewScanner(c, nil)
	require.NoError(t, s.Ingest(out))
	s.Flush()
	assert.Equal(t, units, c.units)
}

func TestParseFormat(t *testing.T) {
	t.Parallel()

	f, err := ParseFormat("length")
	require.NoError(t, err)
	assert.Equal(t, FormatLength, f)

	_, err = ParseFormat("avcc")
	assert.Error(t, err)

	fr, err := NewFramer(FormatAnnexB)
	require.NoError(t, err)
	assert.IsType(t, AnnexB{}, fr)
}

func TestDeframerChunkSplit(t *testing.T) {
	t.Parallel()

	rng := rand.New(rand.NewSource(3))
	var units [][]byte
	for i := 0; i < 40; i++ {
		u := make([]byte, 1+rng.Intn(500))
		rng.Read(u)
		units = append(units, u)
	}
	stream, err := LengthPrefixed{}.Frame(units)
	require.NoError(t, err)

	c := &collector{}
	d := NewDeframer(c, nil)
	for off := 0; off < len(stream); {
		n := 1 + rng.Intn(37)
		if off+n > len(stream) {
			n = len(stream) - off
		}
		require.NoError(t, d.Ingest(stream[off:off+n]))
		off += n
	}

	assert.Equal(t, units, c.units)
	st := d.Stats()
	assert.Equal(t, int64(len(units)), st.Units)
}

func TestDeframerSkipsEmptyFrames(t *testing.T) {
	t.Parallel()

	c := &collector{}
	d := NewDeframer(c, nil)
	require.NoError(t, d.Ingest([]byte{0, 0, 0, 0, 0, 0, 0, 1, 0x41}))

	require.Len(t, c.units, 1)
	assert.Equal(t, []byte{0x41}, c.units[0])
	assert.Equal(t, int64(1), d.Stats().Empty)
}

func TestDeframerRejectsOversizedFrame(t *testing.T) {
	t.Parallel()

	c := &collector{}
	d := NewDeframer(c, nil)
	d.SetMaxFrame(8)

	err := d.Ingest([]byte{0, 0, 0, 9, 1, 2, 3})
	require.ErrorIs(t, err, ErrFrameTooLarge)
	assert.Empty(t, c.units)
	assert.Equal(t, int64(1), d.Stats().Oversized)

	// Buffer was discarded; a fresh frame parses.
	require.NoError(t, d.Ingest([]byte{0, 0, 0, 2, 0x41, 0x9A}))
	require.Len(t, c.units, 1)
}

func TestDeframerFlushDropsPartial(t *testing.T) {
	t.Parallel()

	c := &collector{}
	d := NewDeframer(c, nil)
	require.NoError(t, d.Ingest([]byte{0, 0, 0, 5, 0x41}))
	d.Flush()
	require.NoError(t, d.Ingest([]byte{0, 0, 0, 1, 0x09}))

	require.Len(t, c.units, 1)
	assert.Equal(t, []byte{0x09}, c.units[0])
}

func TestDeframerAsWriter(t *testing.T) {
	t.Parallel()

	c := &collector{}
	d := NewDeframer(c, nil)
	stream, err := LengthPrefixed{}.Frame([][]byte{{0x67}, {0x68}, {0x65}})
	require.NoError(t, err)

	_, err = bytes.NewReader(stream).WriteTo(d)
	require.NoError(t, err)
	assert.Len(t, c.units, 3)
}
