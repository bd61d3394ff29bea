package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zsiec/nalrelay/internal/codec"
	"github.com/zsiec/nalrelay/internal/framing"
	"github.com/zsiec/nalrelay/internal/media"
	"github.com/zsiec/nalrelay/internal/nalu"
	"github.com/zsiec/nalrelay/internal/rtpaac"
	"github.com/zsiec/nalrelay/internal/rtph264"
	"github.com/zsiec/nalrelay/internal/transport"
)

// SenderConfig configures a Sender.
type SenderConfig struct {
	Transport transport.Kind
	Addr      string
	// Framing selects the byte framing on stream transports.
	Framing   framing.Format
	QueueSize int

	// RTP settings, used on datagram transports.
	MTU              int
	VideoPayloadType uint8
	AudioPayloadType uint8
	AudioClockRate   int

	Dial DialOptions

	// Encoder, when set, is configured with EncoderParams on Connect and
	// fed raw frames through Sender.Encode. It hands its output back to
	// the sender's OnEncodedAccessUnit.
	Encoder       codec.Encoder
	EncoderParams codec.EncoderParams
}

// SenderStats is a snapshot of sender counters.
type SenderStats struct {
	State       string              `json:"state"`
	AccessUnits int64               `json:"accessUnits"`
	Keyframes   int64               `json:"keyframes"`
	Skipped     int64               `json:"skipped"`
	Dropped     int64               `json:"dropped"`
	Queue       transport.SendStats `json:"queue"`
}

// Sender is the send half of a media channel. Access units offered before
// Connect succeeds are silently discarded; afterwards each one is packetized
// and queued in submission order.
type Sender struct {
	log     *slog.Logger
	cfg     SenderConfig
	client  *transport.Client
	encoder *codec.EncoderSession

	// sendMu serializes producers and owns the packetizers. Stop never
	// takes it, so a producer blocked on a full queue cannot hold Stop up.
	sendMu sync.Mutex
	framer framing.Framer
	video  *rtph264.Packetizer
	audio  *rtpaac.Packetizer

	mu    sync.Mutex
	state State

	accessUnits atomic.Int64
	keyframes   atomic.Int64
	skipped     atomic.Int64
	dropped     atomic.Int64
}

var _ media.AccessUnitSource = (*Sender)(nil)

// NewSender builds a Sender. It fails on an unsupported transport or
// invalid packetizer settings; it does not touch the network.
func NewSender(cfg SenderConfig, log *slog.Logger) (*Sender, error) {
	if log == nil {
		log = slog.Default()
	}
	if cfg.Framing == "" {
		cfg.Framing = framing.FormatAnnexB
	}
	dial, err := NewDialer(cfg.Transport, cfg.Addr, cfg.Dial)
	if err != nil {
		return nil, err
	}
	s := &Sender{
		log:    log.With("component", "sender", "transport", string(cfg.Transport)),
		cfg:    cfg,
		client: transport.NewClient(cfg.Transport, cfg.Addr, dial, log),
	}
	s.client.SetQueueSize(cfg.QueueSize)
	if cfg.Encoder != nil {
		if err := cfg.EncoderParams.Validate(); err != nil {
			return nil, err
		}
		s.encoder = codec.NewEncoderSession(cfg.Encoder, log)
	}

	if cfg.Transport.Stream() {
		if s.framer, err = framing.NewFramer(cfg.Framing); err != nil {
			return nil, err
		}
		return s, nil
	}

	vopts := []rtph264.PacketizerOption{}
	aopts := []rtpaac.Option{}
	if cfg.MTU > 0 {
		vopts = append(vopts, rtph264.WithMTU(cfg.MTU))
		aopts = append(aopts, rtpaac.WithMTU(cfg.MTU))
	}
	if cfg.VideoPayloadType != 0 {
		vopts = append(vopts, rtph264.WithPayloadType(cfg.VideoPayloadType))
	}
	if cfg.AudioPayloadType != 0 {
		aopts = append(aopts, rtpaac.WithPayloadType(cfg.AudioPayloadType))
	}
	if cfg.AudioClockRate != 0 {
		aopts = append(aopts, rtpaac.WithClockRate(cfg.AudioClockRate))
	}
	if s.video, err = rtph264.NewPacketizer(vopts...); err != nil {
		return nil, fmt.Errorf("video packetizer: %w", err)
	}
	if s.audio, err = rtpaac.NewPacketizer(aopts...); err != nil {
		return nil, fmt.Errorf("audio packetizer: %w", err)
	}
	return s, nil
}

// State returns the current sender state.
func (s *Sender) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Connect dials the peer. Dial errors are returned synchronously and leave
// the state unchanged. Connecting an already connected sender is a no-op.
func (s *Sender) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateConnected || s.state == StateSending {
		return nil
	}
	if err := s.client.Connect(ctx); err != nil {
		return err
	}
	if s.encoder != nil {
		if err := s.encoder.Configure(s.cfg.EncoderParams); err != nil {
			s.client.Close()
			return err
		}
	}
	s.state = StateConnected
	return nil
}

// Encode submits one raw frame to the configured Encoder. Before Connect the
// encoder is unconfigured and the frame is skipped.
func (s *Sender) Encode(frame []byte, pts time.Duration) error {
	if s.encoder == nil {
		return ErrNoEncoder
	}
	if err := s.encoder.Encode(frame, pts); err != nil {
		if errors.Is(err, codec.ErrNotConfigured) {
			s.skipped.Add(1)
			return nil
		}
		return fmt.Errorf("encode: %w", err)
	}
	return nil
}

// OnEncodedAccessUnit is the encoder callback. data is an Annex-B access unit
// for video or one AAC frame for audio.
func (s *Sender) OnEncodedAccessUnit(data []byte, pts time.Duration, kind media.Kind) error {
	return s.Send(media.AccessUnit{Kind: kind, PTS: pts, Data: data})
}

// Send packetizes au and queues the result. Before Connect it returns nil
// and sends nothing. Send blocks while the send queue is full; Stop releases
// it.
func (s *Sender) Send(au media.AccessUnit) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if !s.active() {
		s.skipped.Add(1)
		return nil
	}

	if au.Kind != media.KindAudio && len(au.NALUs) == 0 && len(au.Data) > 0 {
		units, err := nalu.SplitAnnexB(au.Data)
		if err != nil {
			return err
		}
		au.NALUs = units
	}
	payloads, err := s.packetize(au)
	if err != nil {
		return err
	}
	for _, p := range payloads {
		if err := s.client.Send(p); err != nil {
			if errors.Is(err, transport.ErrClosed) && !s.active() {
				return nil
			}
			return fmt.Errorf("send %s access unit: %w", au.Kind, err)
		}
	}
	if len(payloads) == 0 {
		return nil
	}
	s.accessUnits.Add(1)
	if au.Kind != media.KindAudio && hasKeyframe(au.NALUs) {
		s.keyframes.Add(1)
	}
	s.mu.Lock()
	if s.state == StateConnected {
		s.state = StateSending
	}
	s.mu.Unlock()
	return nil
}

func (s *Sender) active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateConnected || s.state == StateSending
}

func hasKeyframe(units [][]byte) bool {
	for _, u := range units {
		if nalu.IsKeyframe(u) {
			return true
		}
	}
	return false
}

func (s *Sender) packetize(au media.AccessUnit) ([][]byte, error) {
	if s.framer == nil {
		if au.Kind == media.KindAudio {
			return s.audio.Packetize(au)
		}
		return s.video.Packetize(au)
	}

	if au.Kind == media.KindAudio {
		// Byte-stream framings carry NAL units only.
		s.dropped.Add(1)
		s.log.Debug("dropping audio on byte-stream transport", "bytes", len(au.Data))
		return nil, nil
	}
	kept := au.NALUs[:0:0]
	for _, u := range au.NALUs {
		if len(u) > 0 {
			kept = append(kept, u)
		}
	}
	if len(kept) == 0 {
		return nil, nil
	}
	b, err := s.framer.Frame(kept)
	if err != nil {
		return nil, err
	}
	return [][]byte{b}, nil
}

// Flush blocks until everything queued so far has been written.
func (s *Sender) Flush(ctx context.Context) error {
	return s.client.Flush(ctx)
}

// Stop closes the transport, releasing any producer blocked in Send. It is
// idempotent.
func (s *Sender) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateStopped {
		return nil
	}
	wasConnected := s.state != StateIdle
	s.state = StateStopped
	if !wasConnected {
		return nil
	}
	err := s.client.Close()
	s.log.Info("sender stopped", "access_units", s.accessUnits.Load())
	return err
}

// Stats returns a snapshot of the sender counters.
func (s *Sender) Stats() SenderStats {
	return SenderStats{
		State:       s.State().String(),
		AccessUnits: s.accessUnits.Load(),
		Keyframes:   s.keyframes.Load(),
		Skipped:     s.skipped.Load(),
		Dropped:     s.dropped.Load(),
		Queue:       s.client.Stats(),
	}
}
