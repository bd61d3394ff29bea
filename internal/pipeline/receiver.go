package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"github.com/pion/rtp"
	"github.com/zsiec/ccx"
	"golang.org/x/sync/errgroup"

	"github.com/zsiec/nalrelay/internal/annexb"
	"github.com/zsiec/nalrelay/internal/captions"
	"github.com/zsiec/nalrelay/internal/codec"
	"github.com/zsiec/nalrelay/internal/framing"
	"github.com/zsiec/nalrelay/internal/ingest"
	"github.com/zsiec/nalrelay/internal/media"
	"github.com/zsiec/nalrelay/internal/rtpaac"
	"github.com/zsiec/nalrelay/internal/rtph264"
	"github.com/zsiec/nalrelay/internal/transport"
)

// ReceiverConfig configures a Receiver.
type ReceiverConfig struct {
	Transport transport.Kind
	Addr      string
	// Framing selects the byte framing on stream transports.
	Framing framing.Format

	MaxPending int
	MaxFrame   int
	QueueSize  int

	Listener ListenerOptions

	// Captions, when set, receives closed captions decoded from SEI units.
	// Each stream decodes its own captions; calls are serialized with the
	// sink.
	Captions captions.Handler
	// Decoder, when set, is fed every unit through a codec.DecoderSession.
	Decoder codec.Decoder
	// OnLoss is told whenever an RTP fragment reassembly is abandoned.
	OnLoss rtph264.LossHandler
	// OnAudio receives raw AAC frames from RTP packets whose payload type
	// is AudioPayloadType.
	OnAudio          func(frame []byte)
	AudioPayloadType uint8
}

// ReceiverStats is a snapshot of receiver state and per-stream counters.
type ReceiverStats struct {
	State   string               `json:"state"`
	Streams []ingest.IngestStats `json:"streams"`
	// Decoder is set when a Decoder is configured.
	Decoder *codec.DecoderStats `json:"decoder,omitempty"`
}

// Receiver is the receive half of a media channel. Its state moves Idle to
// Listening on a successful Start, Listening to Streaming on the first NAL
// unit delivered, and to Stopped on Stop or a fatal transport error.
type Receiver struct {
	log  *slog.Logger
	cfg  ReceiverConfig
	sink media.Sink

	newListener func(transport.Kind, string, ingest.InputFormat, *ingest.Registry, ListenerOptions, *slog.Logger) (transport.Listener, error)

	mu       sync.Mutex
	state    State
	err      error
	cancel   context.CancelFunc
	group    *errgroup.Group
	listener transport.Listener
	registry *ingest.Registry
	session  *codec.DecoderSession
	done     chan struct{}
	endRun   func()

	// parsers counts per-stream parse goroutines; accepting gates new ones.
	parsersMu sync.Mutex
	accepting bool
	parsers   sync.WaitGroup

	firstUnit atomic.Bool

	// sinkMu serializes sink calls across streams.
	sinkMu  sync.Mutex
	out     media.Sink
	stopped bool
}

// NewReceiver creates a Receiver delivering NAL units to sink. If log is
// nil, slog.Default() is used.
func NewReceiver(cfg ReceiverConfig, sink media.Sink, log *slog.Logger) *Receiver {
	if log == nil {
		log = slog.Default()
	}
	if cfg.Framing == "" {
		cfg.Framing = framing.FormatAnnexB
	}
	return &Receiver{
		log:         log.With("component", "receiver", "transport", string(cfg.Transport)),
		cfg:         cfg,
		sink:        sink,
		newListener: NewListener,
	}
}

// State returns the current receiver state.
func (r *Receiver) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Err returns the fatal transport error that stopped the receiver, if any.
func (r *Receiver) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Done is closed when the current run ends, by Stop or by a fatal transport
// error. It is nil before the first Start.
func (r *Receiver) Done() <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.done
}

// Addr returns the bound address while the receiver is running.
func (r *Receiver) Addr() net.Addr {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.listener == nil {
		return nil
	}
	return r.listener.Addr()
}

// Stats returns the receiver state with a snapshot of every live stream.
func (r *Receiver) Stats() ReceiverStats {
	r.mu.Lock()
	st := ReceiverStats{State: r.state.String()}
	reg, session := r.registry, r.session
	r.mu.Unlock()

	if reg != nil {
		for _, s := range reg.List() {
			st.Streams = append(st.Streams, s.IngestStats())
		}
	}
	if session != nil {
		ds := session.Stats()
		st.Decoder = &ds
	}
	return st
}

// Start binds the transport and begins accepting streams. Bind failures are
// returned synchronously and leave the receiver in its previous state.
func (r *Receiver) Start(ctx context.Context) error {
	r.mu.Lock()
	state, failed := r.state, r.group != nil
	r.mu.Unlock()
	if state == StateListening || state == StateStreaming {
		return ErrAlreadyRunning
	}
	if failed {
		// A fatal transport error left goroutines to reap.
		r.shutdown()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(runCtx)

	reg := ingest.NewRegistry(func(s *ingest.Stream) { r.spawnParser(gctx, s) }, r.log)
	reg.SetQueueSize(r.cfg.QueueSize)

	format := inputFormat(r.cfg.Transport, r.cfg.Framing)
	ln, err := r.newListener(r.cfg.Transport, r.cfg.Addr, format, reg, r.cfg.Listener, r.log)
	if err != nil {
		cancel()
		return err
	}
	if err := ln.Listen(ctx); err != nil {
		cancel()
		return err
	}

	r.buildSinkChain()
	r.firstUnit.Store(false)
	r.parsersMu.Lock()
	r.accepting = true
	r.parsersMu.Unlock()

	r.state = StateListening
	r.err = nil
	r.cancel = cancel
	r.group = g
	r.listener = ln
	r.registry = reg
	done := make(chan struct{})
	r.done = done
	r.endRun = sync.OnceFunc(func() { close(done) })

	g.Go(func() error {
		if err := ln.Serve(gctx); err != nil {
			r.fail(err)
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		return ln.Close()
	})

	r.log.Info("receiver started", "addr", ln.Addr().String(), "format", format)
	return nil
}

// buildSinkChain assembles parser output: the decoder gate, then the
// external sink. Caption taps are per stream, see streamSink.
func (r *Receiver) buildSinkChain() {
	var sinks multiSink
	r.session = nil
	if r.cfg.Decoder != nil {
		r.session = codec.NewDecoderSession(r.cfg.Decoder, r.log)
		sinks = append(sinks, r.session)
	}
	if r.sink != nil {
		sinks = append(sinks, r.sink)
	}
	r.sinkMu.Lock()
	r.out = sinks
	r.stopped = false
	r.sinkMu.Unlock()
}

// Stop cancels every read, waits for all goroutines and discards partial
// parser state. No sink call happens after Stop returns. Stop is idempotent.
// A fatal error already reported through Err is not returned again.
func (r *Receiver) Stop() error {
	fatal := r.Err()
	err := r.shutdown()
	switch {
	case err == nil,
		fatal != nil && errors.Is(err, fatal),
		errors.Is(err, context.Canceled),
		errors.Is(err, transport.ErrClosed):
		return nil
	}
	return err
}

func (r *Receiver) shutdown() error {
	r.mu.Lock()
	cancel, g, endRun := r.cancel, r.group, r.endRun
	r.cancel, r.group = nil, nil
	r.mu.Unlock()
	if g == nil {
		return nil
	}
	defer endRun()

	r.sinkMu.Lock()
	r.stopped = true
	r.sinkMu.Unlock()

	cancel()
	err := g.Wait()

	r.parsersMu.Lock()
	r.accepting = false
	r.parsersMu.Unlock()
	r.parsers.Wait()

	r.mu.Lock()
	r.registry.Close()
	r.state = StateStopped
	r.listener = nil
	r.mu.Unlock()

	r.log.Info("receiver stopped")
	return err
}

func (r *Receiver) fail(err error) {
	r.log.Error("transport failed", "error", err)
	r.mu.Lock()
	r.err = err
	r.state = StateStopped
	endRun := r.endRun
	r.mu.Unlock()
	endRun()
}

func (r *Receiver) spawnParser(ctx context.Context, s *ingest.Stream) {
	r.parsersMu.Lock()
	defer r.parsersMu.Unlock()
	if !r.accepting {
		return
	}
	r.parsers.Add(1)
	go func() {
		defer r.parsers.Done()
		r.runStream(ctx, s)
	}()
}

// streamParser is the per-stream parser contract shared by the Annex-B
// scanner, the length deframer and the RTP demultiplexer.
type streamParser interface {
	Ingest(b []byte) error
	Flush()
}

// streamSink returns the sink for one stream's parser. Caption decoding
// keeps state across units, so every stream gets its own tap.
func (r *Receiver) streamSink(log *slog.Logger) media.Sink {
	var sink media.Sink = media.SinkFunc(r.deliver)
	if r.cfg.Captions != nil {
		sink = captions.NewTap(sink, r.deliverCaption, log)
	}
	return sink
}

func (r *Receiver) newParser(s *ingest.Stream, log *slog.Logger) streamParser {
	sink := r.streamSink(log)
	switch s.Format {
	case ingest.FormatLength:
		d := framing.NewDeframer(sink, log)
		d.SetMaxFrame(r.cfg.MaxFrame)
		return d
	case ingest.FormatRTP:
		d := rtph264.NewDepacketizer(sink, log)
		if r.cfg.OnLoss != nil {
			d.SetLossHandler(r.cfg.OnLoss)
		}
		return &rtpDemux{r: r, video: d, log: log}
	default:
		sc := annexb.NewScanner(sink, log)
		sc.SetMaxPending(r.cfg.MaxPending)
		return sc
	}
}

// runStream owns one stream's parser for the life of the stream.
func (r *Receiver) runStream(ctx context.Context, s *ingest.Stream) {
	log := r.log.With("stream", s.Key)
	p := r.newParser(s, log)
	log.Debug("parser started", "format", s.Format)

	ingestChunk := func(chunk []byte) {
		if err := p.Ingest(chunk); err != nil {
			log.Debug("chunk rejected", "error", err)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case chunk := <-s.Chunks():
			ingestChunk(chunk)
		case <-s.Done():
		drain:
			for {
				select {
				case chunk := <-s.Chunks():
					ingestChunk(chunk)
				default:
					break drain
				}
			}
			if ctx.Err() == nil {
				p.Flush()
			}
			log.Debug("parser finished")
			return
		}
	}
}

// deliver hands one unit to the sink chain.
func (r *Receiver) deliver(nal []byte) {
	if r.firstUnit.CompareAndSwap(false, true) {
		r.markStreaming()
	}
	r.sinkMu.Lock()
	defer r.sinkMu.Unlock()
	if r.stopped || r.out == nil {
		return
	}
	r.out.OnNALUnit(nal)
}

func (r *Receiver) deliverCaption(frame *ccx.CaptionFrame) {
	r.sinkMu.Lock()
	defer r.sinkMu.Unlock()
	if r.stopped {
		return
	}
	r.cfg.Captions(frame)
}

func (r *Receiver) deliverAudio(frame []byte) {
	r.sinkMu.Lock()
	defer r.sinkMu.Unlock()
	if r.stopped || r.cfg.OnAudio == nil {
		return
	}
	r.cfg.OnAudio(frame)
}

func (r *Receiver) markStreaming() {
	r.mu.Lock()
	if r.state == StateListening {
		r.state = StateStreaming
		r.log.Info("streaming")
	}
	r.mu.Unlock()
}

// rtpDemux routes RTP packets by payload type: audio to the AAC
// depacketizer, everything else to the H.264 depacketizer.
type rtpDemux struct {
	r     *Receiver
	video *rtph264.Depacketizer
	log   *slog.Logger
}

func (d *rtpDemux) Ingest(b []byte) error {
	var pkt rtp.Packet
	if err := pkt.Unmarshal(b); err != nil {
		return fmt.Errorf("unmarshal rtp: %w", err)
	}
	if d.r.cfg.AudioPayloadType != 0 && pkt.PayloadType == d.r.cfg.AudioPayloadType {
		if d.r.cfg.OnAudio == nil {
			return nil
		}
		frames, err := rtpaac.Depacketize(&pkt)
		if err != nil {
			return err
		}
		for _, f := range frames {
			d.r.deliverAudio(f)
		}
		return nil
	}
	return d.video.IngestPacket(&pkt)
}

func (d *rtpDemux) Flush() { d.video.Flush() }

// multiSink fans each unit out to several sinks in order.
type multiSink []media.Sink

func (m multiSink) OnNALUnit(nal []byte) {
	for _, s := range m {
		s.OnNALUnit(nal)
	}
}
