// Package pipeline wires transports, parsers and packetizers into the two
// halves of a media channel. A Receiver binds a transport and turns every
// ingest stream into ordered NAL units for a sink; a Sender packetizes
// encoded access units and queues them for a peer.
package pipeline

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/zsiec/nalrelay/internal/certs"
	"github.com/zsiec/nalrelay/internal/framing"
	"github.com/zsiec/nalrelay/internal/ingest"
	"github.com/zsiec/nalrelay/internal/transport"
	quictransport "github.com/zsiec/nalrelay/internal/transport/quic"
	srttransport "github.com/zsiec/nalrelay/internal/transport/srt"
	wstransport "github.com/zsiec/nalrelay/internal/transport/ws"
)

var (
	// ErrAlreadyRunning is returned by Receiver.Start while the receiver is
	// listening or streaming.
	ErrAlreadyRunning = errors.New("pipeline: already running")
	// ErrNoEncoder is returned by Sender.Encode when no Encoder is set.
	ErrNoEncoder = errors.New("pipeline: no encoder")
)

// State is the lifecycle state of a Receiver or Sender.
type State int

// Receiver states are Idle, Listening, Streaming and Stopped. Sender states
// are Idle, Connected, Sending and Stopped.
const (
	StateIdle State = iota
	StateListening
	StateStreaming
	StateConnected
	StateSending
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateListening:
		return "listening"
	case StateStreaming:
		return "streaming"
	case StateConnected:
		return "connected"
	case StateSending:
		return "sending"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// inputFormat maps a transport and byte framing to the ingest format its
// streams carry. Datagram transports carry RTP.
func inputFormat(kind transport.Kind, f framing.Format) ingest.InputFormat {
	if !kind.Stream() {
		return ingest.FormatRTP
	}
	if f == framing.FormatLength {
		return ingest.FormatLength
	}
	return ingest.FormatAnnexB
}

// ListenerOptions carries the per-transport settings used by NewListener.
type ListenerOptions struct {
	Cert       *certs.CertInfo
	SRTLatency time.Duration
	WSPath     string
}

// NewListener builds the server side of kind bound to addr.
func NewListener(kind transport.Kind, addr string, format ingest.InputFormat, reg *ingest.Registry, opts ListenerOptions, log *slog.Logger) (transport.Listener, error) {
	if log == nil {
		log = slog.Default()
	}
	switch kind {
	case transport.KindTCP:
		return transport.NewTCPServer(addr, format, reg, log), nil
	case transport.KindUDP:
		return transport.NewUDPServer(addr, format, reg, log), nil
	case transport.KindSRT:
		s := srttransport.NewServer(addr, format, reg, log)
		if opts.SRTLatency > 0 {
			s.SetLatency(opts.SRTLatency)
		}
		return s, nil
	case transport.KindQUIC:
		cert := opts.Cert
		if cert == nil {
			var err error
			if cert, err = certs.Generate(certs.DefaultValidity); err != nil {
				return nil, fmt.Errorf("generate certificate: %w", err)
			}
			log.Info("certificate generated",
				"fingerprint", cert.FingerprintBase64(),
				"expires", cert.NotAfter.Format(time.RFC3339))
		}
		return quictransport.NewServer(addr, cert, format, reg, log), nil
	case transport.KindWS:
		s := wstransport.NewServer(addr, format, reg, log)
		s.SetPath(opts.WSPath)
		return s, nil
	default:
		return nil, fmt.Errorf("pipeline: unsupported transport %q", kind)
	}
}

// DialOptions carries the per-transport settings used by NewDialer.
type DialOptions struct {
	SRTStreamID     string
	SRTLatency      time.Duration
	CertFingerprint string
	WSPath          string
	WSStream        string
}

// NewDialer builds the client dial function of kind for addr.
func NewDialer(kind transport.Kind, addr string, opts DialOptions) (transport.DialFunc, error) {
	switch kind {
	case transport.KindTCP:
		return transport.DialTCP(addr), nil
	case transport.KindUDP:
		return transport.DialUDP(addr), nil
	case transport.KindSRT:
		return srttransport.Dial(addr, opts.SRTStreamID, opts.SRTLatency), nil
	case transport.KindQUIC:
		if opts.CertFingerprint == "" {
			return nil, fmt.Errorf("pipeline: quic requires a certificate fingerprint")
		}
		return quictransport.Dial(addr, opts.CertFingerprint), nil
	case transport.KindWS:
		return wstransport.Dial(wstransport.URL(addr, opts.WSPath, opts.WSStream)), nil
	default:
		return nil, fmt.Errorf("pipeline: unsupported transport %q", kind)
	}
}
