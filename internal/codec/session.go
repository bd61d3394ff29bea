package codec

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"

	"github.com/zsiec/nalrelay/internal/nalu"
)

// DecoderStats is a snapshot of decoder session counters.
type DecoderStats struct {
	State        string `json:"state"`
	Configures   int64  `json:"configures"`
	Decoded      int64  `json:"decoded"`
	Unconfigured int64  `json:"unconfigured"`
	Errors       int64  `json:"errors"`
}

// DecoderSession sits between a NAL unit parser and a Decoder. It collects
// SPS and PPS units, configures the decoder once both are known (and again if
// either changes), and refuses to pass media units to an unconfigured decoder.
// It implements media.Sink.
type DecoderSession struct {
	log *slog.Logger
	dec Decoder

	mu     sync.Mutex
	state  State
	sps    []byte
	pps    []byte
	params Params

	configures   atomic.Int64
	decoded      atomic.Int64
	unconfigured atomic.Int64
	errors       atomic.Int64
}

// NewDecoderSession wraps dec. If log is nil, slog.Default() is used.
func NewDecoderSession(dec Decoder, log *slog.Logger) *DecoderSession {
	if log == nil {
		log = slog.Default()
	}
	return &DecoderSession{
		log: log.With("component", "decoder-session"),
		dec: dec,
	}
}

// State returns the current session state.
func (s *DecoderSession) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Params returns the active parameters. It is only meaningful once the
// session is Configured.
func (s *DecoderSession) Params() Params {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.params
}

// Configure validates p and configures the decoder with it.
func (s *DecoderSession) Configure(p Params) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.configureLocked(p)
}

func (s *DecoderSession) configureLocked(p Params) error {
	if s.state == StateConfigured && s.params.Equal(p) {
		return nil
	}
	if err := s.dec.Configure(p); err != nil {
		s.errors.Add(1)
		return fmt.Errorf("configure decoder: %w", err)
	}
	s.params = p
	s.state = StateConfigured
	s.configures.Add(1)
	s.log.Info("decoder configured",
		"width", p.Info.Width, "height", p.Info.Height, "codec", p.Info.CodecString())
	return nil
}

// Decode passes one media NAL unit to the decoder. It returns
// ErrNotConfigured until the session is Configured.
func (s *DecoderSession) Decode(nal []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.decodeLocked(nal)
}

func (s *DecoderSession) decodeLocked(nal []byte) error {
	if s.state != StateConfigured {
		s.unconfigured.Add(1)
		return ErrNotConfigured
	}
	if err := s.dec.Decode(nal); err != nil {
		s.errors.Add(1)
		return fmt.Errorf("decode NAL type %d: %w", nalu.Type(nal), err)
	}
	s.decoded.Add(1)
	return nil
}

// OnNALUnit routes parameter sets into configuration and everything else to
// the decoder. Errors are logged, never returned.
func (s *DecoderSession) OnNALUnit(nal []byte) {
	if len(nal) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	switch nalu.Type(nal) {
	case h264.NALUTypeSPS:
		s.sps = nal
		s.tryConfigureLocked()
	case h264.NALUTypePPS:
		s.pps = nal
		s.tryConfigureLocked()
	default:
		if err := s.decodeLocked(nal); err != nil {
			if errors.Is(err, ErrNotConfigured) {
				s.log.Debug("dropping NAL before configuration", "type", nalu.Type(nal))
				return
			}
			s.log.Warn("decode failed", "error", err)
		}
	}
}

func (s *DecoderSession) tryConfigureLocked() {
	if s.sps == nil || s.pps == nil {
		return
	}
	p, err := NewParams(s.sps, s.pps)
	if err != nil {
		s.errors.Add(1)
		s.log.Warn("ignoring parameter sets", "error", err)
		return
	}
	if err := s.configureLocked(p); err != nil {
		s.log.Warn("decoder configuration failed", "error", err)
	}
}

// Stats returns a snapshot of the session counters.
func (s *DecoderSession) Stats() DecoderStats {
	return DecoderStats{
		State:        s.State().String(),
		Configures:   s.configures.Load(),
		Decoded:      s.decoded.Load(),
		Unconfigured: s.unconfigured.Load(),
		Errors:       s.errors.Load(),
	}
}

// EncoderSession gates an Encoder the same way: Encode fails with
// ErrNotConfigured until Configure has accepted valid parameters.
type EncoderSession struct {
	log *slog.Logger
	enc Encoder

	mu     sync.Mutex
	state  State
	params EncoderParams
}

// NewEncoderSession wraps enc. If log is nil, slog.Default() is used.
func NewEncoderSession(enc Encoder, log *slog.Logger) *EncoderSession {
	if log == nil {
		log = slog.Default()
	}
	return &EncoderSession{
		log: log.With("component", "encoder-session"),
		enc: enc,
	}
}

// State returns the current session state.
func (s *EncoderSession) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Configure validates p and configures the encoder. Reconfiguring with the
// same parameters is a no-op.
func (s *EncoderSession) Configure(p EncoderParams) error {
	if err := p.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateConfigured && s.params == p {
		return nil
	}
	if err := s.enc.Configure(p); err != nil {
		return fmt.Errorf("configure encoder: %w", err)
	}
	s.params = p
	s.state = StateConfigured
	s.log.Info("encoder configured", "width", p.Width, "height", p.Height,
		"fps", p.FrameRate, "bitrate", p.Bitrate)
	return nil
}

// Encode submits one raw frame.
func (s *EncoderSession) Encode(frame []byte, pts time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateConfigured {
		return ErrNotConfigured
	}
	return s.enc.Encode(frame, pts)
}
