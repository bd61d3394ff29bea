// Package nalu provides H.264 NAL unit classification and parameter-set
// inspection shared by the receive and send paths.
package nalu

import (
	"errors"
	"fmt"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
)

// RTP payload NAL types (RFC 6184) that never appear in an elementary stream.
const (
	TypeSTAPA h264.NALUType = 24
	TypeFUA   h264.NALUType = 28
)

// MaxSingleType is the highest NAL type carried unchanged in a single-NAL
// RTP packet.
const MaxSingleType h264.NALUType = 23

var errEmpty = errors.New("nalu: empty NAL unit")

// Type returns the NAL unit type from the low five bits of the header byte.
// Callers must ensure nal is non-empty.
func Type(nal []byte) h264.NALUType {
	return h264.NALUType(nal[0] & 0x1F)
}

// IsKeyframe reports whether nal is an IDR slice.
func IsKeyframe(nal []byte) bool {
	return len(nal) > 0 && Type(nal) == h264.NALUTypeIDR
}

// IsVCL reports whether nal carries coded slice data.
func IsVCL(nal []byte) bool {
	if len(nal) == 0 {
		return false
	}
	t := Type(nal)
	return t >= h264.NALUTypeNonIDR && t <= h264.NALUTypeIDR
}

// SplitAnnexB splits an Annex-B byte stream (3- or 4-byte start codes) into
// canonical NAL units. Input without any start code is returned as a single
// unit, matching encoders that hand over one bare NAL at a time.
func SplitAnnexB(b []byte) ([][]byte, error) {
	if len(b) == 0 {
		return nil, errEmpty
	}
	if !hasStartCode(b) {
		return [][]byte{b}, nil
	}
	var au h264.AnnexB
	if err := au.Unmarshal(b); err != nil {
		return nil, fmt.Errorf("split annex-b: %w", err)
	}
	return au, nil
}

func hasStartCode(b []byte) bool {
	if len(b) >= 4 && b[0] == 0 && b[1] == 0 && b[2] == 0 && b[3] == 1 {
		return true
	}
	return len(b) >= 3 && b[0] == 0 && b[1] == 0 && b[2] == 1
}

// SPSInfo summarizes a sequence parameter set for codec configuration and
// logging.
type SPSInfo struct {
	Width           int
	Height          int
	ProfileIDC      byte
	ConstraintFlags byte
	LevelIDC        byte
}

// CodecString returns the RFC 6381 codec parameter string (e.g. "avc1.42E01E").
func (s SPSInfo) CodecString() string {
	return fmt.Sprintf("avc1.%02X%02X%02X", s.ProfileIDC, s.ConstraintFlags, s.LevelIDC)
}

// ParseSPS parses an SPS NAL unit (header byte included, no start code).
func ParseSPS(nal []byte) (SPSInfo, error) {
	if len(nal) < 4 {
		return SPSInfo{}, fmt.Errorf("parse SPS: %d bytes is too short", len(nal))
	}
	if Type(nal) != h264.NALUTypeSPS {
		return SPSInfo{}, fmt.Errorf("parse SPS: NAL type %d is not an SPS", Type(nal))
	}

	var sps h264.SPS
	if err := sps.Unmarshal(nal); err != nil {
		return SPSInfo{}, fmt.Errorf("parse SPS: %w", err)
	}

	return SPSInfo{
		Width:           sps.Width(),
		Height:          sps.Height(),
		ProfileIDC:      nal[1],
		ConstraintFlags: nal[2],
		LevelIDC:        nal[3],
	}, nil
}
