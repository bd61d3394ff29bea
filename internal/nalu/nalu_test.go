package nalu

import (
	"testing"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// 1280x720 high profile SPS, level 3.1.
var testSPS = []byte{
	0x67, 0x64, 0x00, 0x1f, 0xac, 0xd9, 0x40, 0x50,
	0x05, 0xbb, 0xff, 0x00, 0x03, 0x00, 0x04, 0x6a,
	0x02, 0x02, 0x02, 0x80, 0x00, 0x01, 0xf4, 0x80,
	0x00, 0x5d, 0xc0, 0x07, 0x8c, 0x18, 0xcb,
}

func TestType(t *testing.T) {
	t.Parallel()

	assert.Equal(t, h264.NALUTypeIDR, Type([]byte{0x65}))
	assert.Equal(t, h264.NALUTypeSPS, Type([]byte{0x67}))
	assert.Equal(t, TypeFUA, Type([]byte{0x7C}))
	assert.Equal(t, TypeSTAPA, Type([]byte{0x18}))
}

func TestClassification(t *testing.T) {
	t.Parallel()

	assert.True(t, IsKeyframe([]byte{0x65, 0x88}))
	assert.False(t, IsKeyframe([]byte{0x41, 0x9A}))
	assert.False(t, IsKeyframe(nil))

	assert.True(t, IsVCL([]byte{0x41}))
	assert.True(t, IsVCL([]byte{0x65}))
	assert.False(t, IsVCL([]byte{0x09}))
}

func TestSplitAnnexB(t *testing.T) {
	t.Parallel()

	data := []byte{
		0x00, 0x00, 0x00, 0x01, 0x67, 0x42,
		0x00, 0x00, 0x01, 0x68, 0xCE,
		0x00, 0x00, 0x00, 0x01, 0x65, 0x88, 0x84,
	}

	units, err := SplitAnnexB(data)
	require.NoError(t, err)
	require.Len(t, units, 3)
	assert.Equal(t, []byte{0x67, 0x42}, units[0])
	assert.Equal(t, []byte{0x68, 0xCE}, units[1])
	assert.Equal(t, []byte{0x65, 0x88, 0x84}, units[2])
}

func TestSplitAnnexBBareNAL(t *testing.T) {
	t.Parallel()

	units, err := SplitAnnexB([]byte{0x41, 0x9A, 0x02})
	require.NoError(t, err)
	require.Len(t, units, 1)
	assert.Equal(t, []byte{0x41, 0x9A, 0x02}, units[0])

	_, err = SplitAnnexB(nil)
	assert.Error(t, err)
}

func TestParseSPS(t *testing.T) {
	t.Parallel()

	info, err := ParseSPS(testSPS)
	require.NoError(t, err)
	assert.Equal(t, 1280, info.Width)
	assert.Equal(t, 720, info.Height)
	assert.Equal(t, "avc1.64001F", info.CodecString())
}

func TestParseSPSRejectsOtherTypes(t *testing.T) {
	t.Parallel()

	_, err := ParseSPS([]byte{0x68, 0xCE, 0x38, 0x80})
	assert.Error(t, err)

	_, err = ParseSPS([]byte{0x67})
	assert.Error(t, err)
}
