// Package framing converts NAL units to and from the byte layouts used on
// stream transports: 4-byte big-endian length prefixes and Annex-B start
// codes.
package framing

import (
	"errors"
	"fmt"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
)

// ErrFrameTooLarge is returned when a length prefix announces a frame larger
// than the configured bound.
var ErrFrameTooLarge = errors.New("framing: frame exceeds maximum size")

// Format names a byte-stream framing.
type Format string

// Supported framings.
const (
	FormatAnnexB Format = "annexb"
	FormatLength Format = "length"
)

// ParseFormat validates a framing name.
func ParseFormat(s string) (Format, error) {
	switch Format(s) {
	case FormatAnnexB, FormatLength:
		return Format(s), nil
	}
	return "", fmt.Errorf("framing: unknown format %q", s)
}

// Framer serializes the NAL units of one access unit for a byte stream.
type Framer interface {
	Frame(nalus [][]byte) ([]byte, error)
}

// NewFramer returns the Framer for f.
func NewFramer(f Format) (Framer, error) {
	switch f {
	case FormatAnnexB:
		return AnnexB{}, nil
	case FormatLength:
		return LengthPrefixed{}, nil
	}
	return nil, fmt.Errorf("framing: unknown format %q", f)
}

// LengthPrefixed writes each NAL unit as a 4-byte big-endian length followed
// by the unit bytes, in the order given.
type LengthPrefixed struct{}

// Frame implements Framer. Units that still carry a start code are stripped
// first.
func (LengthPrefixed) Frame(nalus [][]byte) ([]byte, error) {
	au := make(h264.AVCC, 0, len(nalus))
	for _, n := range nalus {
		if raw := StripStartCode(n); len(raw) > 0 {
			au = append(au, raw)
		}
	}
	if len(au) == 0 {
		return nil, nil
	}
	buf, err := au.Marshal()
	if err != nil {
		return nil, fmt.Errorf("length-prefix frame: %w", err)
	}
	return buf, nil
}

// AnnexB writes each NAL unit behind a 4-byte start code (00 00 00 01).
type AnnexB struct{}

// Frame implements Framer.
func (AnnexB) Frame(nalus [][]byte) ([]byte, error) {
	au := make(h264.AnnexB, 0, len(nalus))
	for _, n := range nalus {
		if raw := StripStartCode(n); len(raw) > 0 {
			au = append(au, raw)
		}
	}
	if len(au) == 0 {
		return nil, nil
	}
	buf, err := au.Marshal()
	if err != nil {
		return nil, fmt.Errorf("annex-b frame: %w", err)
	}
	return buf, nil
}

// StripStartCode removes a 3-byte or 4-byte Annex-B start code prefix.
func StripStartCode(nalu []byte) []byte {
	if len(nalu) >= 4 && nalu[0] == 0 && nalu[1] == 0 && nalu[2] == 0 && nalu[3] == 1 {
		return nalu[4:]
	}
	if len(nalu) >= 3 && nalu[0] == 0 && nalu[1] == 0 && nalu[2] == 1 {
		return nalu[3:]
	}
	return nalu
}
