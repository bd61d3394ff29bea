// Package codec gates the external H.264 decoder and encoder behind explicit
// session state. A session starts Uninitialized and becomes Configured once
// its parameters have been validated; media submitted before that is refused
// with ErrNotConfigured.
package codec

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"

	"github.com/zsiec/nalrelay/internal/nalu"
)

// Sentinel errors.
var (
	ErrNotConfigured = errors.New("codec: session not configured")
	ErrInvalidParams = errors.New("codec: invalid parameters")
)

// State is the lifecycle state of a codec session.
type State int

// Session states.
const (
	StateUninitialized State = iota
	StateConfigured
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateConfigured:
		return "configured"
	default:
		return "unknown"
	}
}

// Params carries the parameter sets a decoder is configured with.
type Params struct {
	SPS  []byte
	PPS  []byte
	Info nalu.SPSInfo
}

// NewParams validates an SPS/PPS pair and returns owned copies of both.
func NewParams(sps, pps []byte) (Params, error) {
	info, err := nalu.ParseSPS(sps)
	if err != nil {
		return Params{}, fmt.Errorf("%w: %w", ErrInvalidParams, err)
	}
	if len(pps) < 2 || nalu.Type(pps) != h264.NALUTypePPS {
		return Params{}, fmt.Errorf("%w: PPS missing or malformed", ErrInvalidParams)
	}
	return Params{
		SPS:  bytes.Clone(sps),
		PPS:  bytes.Clone(pps),
		Info: info,
	}, nil
}

// Equal reports whether p and o carry the same parameter sets.
func (p Params) Equal(o Params) bool {
	return bytes.Equal(p.SPS, o.SPS) && bytes.Equal(p.PPS, o.PPS)
}

// Decoder is the external H.264 decoder contract.
type Decoder interface {
	Configure(p Params) error
	Decode(nal []byte) error
}

// EncoderParams describes the pictures an encoder will produce.
type EncoderParams struct {
	Width     int
	Height    int
	FrameRate float64
	Bitrate   int
}

// Validate checks that the parameters describe a usable encode.
func (p EncoderParams) Validate() error {
	switch {
	case p.Width <= 0 || p.Height <= 0:
		return fmt.Errorf("%w: dimensions %dx%d", ErrInvalidParams, p.Width, p.Height)
	case p.Width%2 != 0 || p.Height%2 != 0:
		return fmt.Errorf("%w: dimensions %dx%d must be even", ErrInvalidParams, p.Width, p.Height)
	case p.FrameRate <= 0:
		return fmt.Errorf("%w: frame rate %v", ErrInvalidParams, p.FrameRate)
	case p.Bitrate <= 0:
		return fmt.Errorf("%w: bitrate %d", ErrInvalidParams, p.Bitrate)
	}
	return nil
}

// Encoder is the external H.264 encoder contract. Encoded output reaches the
// send path through a media.AccessUnitSource supplied to the encoder.
type Encoder interface {
	Configure(p EncoderParams) error
	Encode(frame []byte, pts time.Duration) error
}
