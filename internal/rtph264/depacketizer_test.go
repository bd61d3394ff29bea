package rtph264

import (
	"bytes"
	"testing"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type collector struct {
	units [][]byte
}

func (c *collector) OnNALUnit(nal []byte) {
	c.units = append(c.units, nal)
}

func packet(t *testing.T, seq uint16, payload []byte) []byte {
	t.Helper()
	pkt := rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    96,
			SequenceNumber: seq,
			Timestamp:      3000,
			SSRC:           0x1234,
		},
		Payload: payload,
	}
	buf, err := pkt.Marshal()
	require.NoError(t, err)
	return buf
}

// fuaFragments splits nal into n FU-A payloads.
func fuaFragments(nal []byte, n int) [][]byte {
	indicator := nal[0]&0xE0 | 28
	typ := nal[0] & 0x1F
	data := nal[1:]
	size := (len(data) + n - 1) / n
	var out [][]byte
	for i := 0; i < n; i++ {
		lo, hi := i*size, min((i+1)*size, len(data))
		h := typ
		if i == 0 {
			h |= 0x80
		}
		if i == n-1 {
			h |= 0x40
		}
		out = append(out, append([]byte{indicator, h}, data[lo:hi]...))
	}
	return out
}

var idr = append([]byte{0x65}, bytes.Repeat([]byte{0x11, 0x22, 0x33}, 40)...)

func TestDepacketizerSingleNAL(t *testing.T) {
	t.Parallel()

	c := &collector{}
	d := NewDepacketizer(c, nil)
	require.NoError(t, d.Ingest(packet(t, 1, []byte{0x67, 0x42, 0xE0})))
	require.NoError(t, d.Ingest(packet(t, 2, []byte{0x41, 0x9A})))

	require.Len(t, c.units, 2)
	assert.Equal(t, []byte{0x67, 0x42, 0xE0}, c.units[0])
	assert.Equal(t, []byte{0x41, 0x9A}, c.units[1])
}

func TestDepacketizerSTAPA(t *testing.T) {
	t.Parallel()

	payload := []byte{
		0x18,
		0x00, 0x03, 0x67, 0x42, 0xE0,
		0x00, 0x02, 0x68, 0xCE,
		0x00, 0x01, 0x06,
	}
	c := &collector{}
	d := NewDepacketizer(c, nil)
	require.NoError(t, d.Ingest(packet(t, 7, payload)))

	require.Len(t, c.units, 3)
	assert.Equal(t, []byte{0x67, 0x42, 0xE0}, c.units[0])
	assert.Equal(t, []byte{0x68, 0xCE}, c.units[1])
	assert.Equal(t, []byte{0x06}, c.units[2])
}

func TestDepacketizerSTAPAOverrunRejectsWholePacket(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		payload []byte
	}{
		{"length overrun", []byte{0x18, 0x00, 0x02, 0x67, 0x42, 0x00, 0x09, 0x68}},
		{"truncated length", []byte{0x18, 0x00, 0x01, 0x67, 0x00}},
		{"zero length", []byte{0x18, 0x00, 0x01, 0x67, 0x00, 0x00}},
		{"no units", []byte{0x18}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := &collector{}
			d := NewDepacketizer(c, nil)
			err := d.Ingest(packet(t, 1, tt.payload))
			require.ErrorIs(t, err, ErrSTAPAOverrun)
			assert.Empty(t, c.units)
			assert.Equal(t, int64(1), d.Stats().Rejected)
		})
	}
}

func TestDepacketizerFUAReassembly(t *testing.T) {
	t.Parallel()

	c := &collector{}
	d := NewDepacketizer(c, nil)
	for i, frag := range fuaFragments(idr, 3) {
		require.NoError(t, d.Ingest(packet(t, uint16(100+i), frag)))
	}

	require.Len(t, c.units, 1)
	assert.Equal(t, idr, c.units[0])
	assert.Equal(t, 0, d.Stats().Reassembly)
}

func TestDepacketizerFUAGapDiscards(t *testing.T) {
	t.Parallel()

	c := &collector{}
	d := NewDepacketizer(c, nil)
	var losses []Loss
	d.SetLossHandler(func(l Loss) { losses = append(losses, l) })

	frags := fuaFragments(idr, 3)
	require.NoError(t, d.Ingest(packet(t, 100, frags[0])))
	require.NoError(t, d.Ingest(packet(t, 101, frags[1])))
	err := d.Ingest(packet(t, 103, frags[2]))
	require.ErrorIs(t, err, ErrFragmentLoss)

	assert.Empty(t, c.units)
	require.Len(t, losses, 1)
	assert.Equal(t, uint16(102), losses[0].Expected)
	assert.Equal(t, uint16(103), losses[0].Got)
	assert.Equal(t, 2, losses[0].Fragments)
	assert.Equal(t, int64(1), d.Stats().Discarded)
}

func TestDepacketizerFUAReorderDiscards(t *testing.T) {
	t.Parallel()

	c := &collector{}
	d := NewDepacketizer(c, nil)
	frags := fuaFragments(idr, 3)
	require.NoError(t, d.Ingest(packet(t, 10, frags[0])))
	require.ErrorIs(t, d.Ingest(packet(t, 12, frags[2])), ErrFragmentLoss)
	require.NoError(t, d.Ingest(packet(t, 11, frags[1])))

	assert.Empty(t, c.units)
}

func TestDepacketizerFUASequenceWrap(t *testing.T) {
	t.Parallel()

	c := &collector{}
	d := NewDepacketizer(c, nil)
	seqs := []uint16{65534, 65535, 0}
	for i, frag := range fuaFragments(idr, 3) {
		require.NoError(t, d.Ingest(packet(t, seqs[i], frag)))
	}

	require.Len(t, c.units, 1)
	assert.Equal(t, idr, c.units[0])
}

func TestDepacketizerFUANewStartBeforeEnd(t *testing.T) {
	t.Parallel()

	c := &collector{}
	d := NewDepacketizer(c, nil)
	var losses []Loss
	d.SetLossHandler(func(l Loss) { losses = append(losses, l) })

	first := fuaFragments(idr, 3)
	require.NoError(t, d.Ingest(packet(t, 1, first[0])))

	next := append([]byte{0x41}, bytes.Repeat([]byte{0x7F}, 30)...)
	for i, frag := range fuaFragments(next, 2) {
		require.NoError(t, d.Ingest(packet(t, uint16(2+i), frag)))
	}

	require.Len(t, c.units, 1)
	assert.Equal(t, next, c.units[0])
	require.Len(t, losses, 1)
	assert.Equal(t, "new start before end", losses[0].Reason)
}

func TestDepacketizerFUAInterruptedByOtherPacket(t *testing.T) {
	t.Parallel()

	c := &collector{}
	d := NewDepacketizer(c, nil)
	var losses []Loss
	d.SetLossHandler(func(l Loss) { losses = append(losses, l) })

	frags := fuaFragments(idr, 3)
	require.NoError(t, d.Ingest(packet(t, 10, frags[0])))
	require.NoError(t, d.Ingest(packet(t, 50, []byte{0x06, 0x05, 0x01})))
	// Sequence-wise this follows the stored fragment, but the unit is broken.
	require.NoError(t, d.Ingest(packet(t, 11, frags[1])))
	require.NoError(t, d.Ingest(packet(t, 12, frags[2])))

	assert.Equal(t, [][]byte{{0x06, 0x05, 0x01}}, c.units)
	require.Len(t, losses, 1)
	assert.Equal(t, uint16(11), losses[0].Expected)
	assert.Equal(t, uint16(50), losses[0].Got)
	assert.Equal(t, "interrupted by non-fragment packet", losses[0].Reason)
	assert.Equal(t, int64(1), d.Stats().Discarded)
}

func TestDepacketizerFUAContinuationWithoutStart(t *testing.T) {
	t.Parallel()

	c := &collector{}
	d := NewDepacketizer(c, nil)
	frags := fuaFragments(idr, 3)
	require.NoError(t, d.Ingest(packet(t, 5, frags[1])))
	require.NoError(t, d.Ingest(packet(t, 6, frags[2])))

	assert.Empty(t, c.units)
	assert.Equal(t, int64(2), d.Stats().Rejected)
}

func TestDepacketizerRejectsMalformed(t *testing.T) {
	t.Parallel()

	c := &collector{}
	d := NewDepacketizer(c, nil)

	err := d.IngestPacket(&rtp.Packet{Header: rtp.Header{Version: 1}, Payload: []byte{0x41}})
	assert.ErrorIs(t, err, ErrBadVersion)

	assert.ErrorIs(t, d.Ingest(packet(t, 1, []byte{0x19, 0x00})), ErrUnsupportedNALType)
	assert.ErrorIs(t, d.Ingest(packet(t, 2, []byte{0x00})), ErrUnsupportedNALType)
	assert.ErrorIs(t, d.Ingest(packet(t, 3, []byte{0x1C})), ErrShortFUA)
	assert.ErrorIs(t, d.Ingest(packet(t, 4, nil)), ErrEmptyPayload)
	assert.Error(t, d.Ingest([]byte{0x80, 0x60}))

	// Still usable afterwards.
	require.NoError(t, d.Ingest(packet(t, 5, []byte{0x41, 0x01})))
	require.Len(t, c.units, 1)
	assert.Equal(t, int64(6), d.Stats().Packets)
}

func TestDepacketizerFlushDropsPartial(t *testing.T) {
	t.Parallel()

	c := &collector{}
	d := NewDepacketizer(c, nil)
	frags := fuaFragments(idr, 2)
	require.NoError(t, d.Ingest(packet(t, 1, frags[0])))
	assert.Equal(t, 1, d.Stats().Reassembly)

	d.Flush()
	require.NoError(t, d.Ingest(packet(t, 2, frags[1])))
	assert.Empty(t, c.units)
}
