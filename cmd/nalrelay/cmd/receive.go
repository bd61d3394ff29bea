package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"github.com/zsiec/ccx"
	"golang.org/x/sync/errgroup"

	"github.com/zsiec/nalrelay/internal/certs"
	"github.com/zsiec/nalrelay/internal/pipeline"
	"github.com/zsiec/nalrelay/internal/rtph264"
	"github.com/zsiec/nalrelay/internal/transport"
)

const statsInterval = 30 * time.Second

var receiveOut string

var receiveCmd = &cobra.Command{
	Use:   "receive",
	Short: "Receive a stream and write it as Annex-B H.264",
	Long: `receive binds the configured transport and writes every NAL unit it
reassembles, prefixed with a 4-byte start code, to stdout or --out.`,
	RunE: runReceive,
}

func init() {
	f := receiveCmd.Flags()
	f.StringVarP(&receiveOut, "out", "o", "-", "output file, - for stdout")
	f.String("listen", "", "listen address (default all interfaces on --port)")
	f.Bool("captions", false, "log CEA-608/708 captions found in SEI units")
	mustBindPFlag("listen_addr", f.Lookup("listen"))
	mustBindPFlag("captions", f.Lookup("captions"))
	rootCmd.AddCommand(receiveCmd)
}

// annexBWriter is the receive sink: start code plus NAL unit per call.
type annexBWriter struct {
	mu  sync.Mutex
	w   *bufio.Writer
	err error
}

func (a *annexBWriter) OnNALUnit(nal []byte) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return
	}
	if _, err := a.w.Write([]byte{0, 0, 0, 1}); err != nil {
		a.err = err
		return
	}
	_, a.err = a.w.Write(nal)
}

func (a *annexBWriter) flush() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return a.err
	}
	return a.w.Flush()
}

func openOutput(path string) (io.WriteCloser, error) {
	if path == "" || path == "-" {
		return nopCloser{os.Stdout}, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("opening output: %w", err)
	}
	return f, nil
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }

func runReceive(cmd *cobra.Command, _ []string) error {
	out, err := openOutput(receiveOut)
	if err != nil {
		return err
	}
	defer out.Close()
	sink := &annexBWriter{w: bufio.NewWriterSize(out, 256<<10)}

	rc := cfg.ReceiverConfig()
	rc.OnLoss = func(l rtph264.Loss) {
		slog.Warn("packet loss, waiting for next keyframe",
			"reason", l.Reason, "expected", l.Expected, "got", l.Got, "fragments", l.Fragments)
	}
	rc.OnAudio = func(frame []byte) {
		slog.Debug("audio frame", "bytes", len(frame))
	}
	if cfg.Captions {
		rc.Captions = func(f *ccx.CaptionFrame) {
			slog.Info("caption", "channel", f.Channel, "text", f.Text)
		}
	}
	if cfg.Kind() == transport.KindQUIC {
		cert, err := certs.Generate(certs.DefaultValidity)
		if err != nil {
			return fmt.Errorf("generating certificate: %w", err)
		}
		slog.Info("certificate generated",
			"fingerprint", cert.FingerprintBase64(),
			"expires", cert.NotAfter.Format(time.RFC3339))
		rc.Listener.Cert = cert
	}

	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	r := pipeline.NewReceiver(rc, sink, slog.Default())
	if err := r.Start(ctx); err != nil {
		return err
	}
	slog.Info("nalrelay receiving", "version", version, "transport", cfg.Transport,
		"addr", r.Addr().String(), "framing", cfg.Framing)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		select {
		case <-ctx.Done():
		case <-r.Done():
		}
		if err := r.Stop(); err != nil {
			return err
		}
		return r.Err()
	})
	g.Go(func() error {
		logStats(ctx, r)
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}
	if err := r.Err(); err != nil {
		return err
	}
	return sink.flush()
}

func logStats(ctx context.Context, r *pipeline.Receiver) {
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := r.Stats()
			for _, st := range stats.Streams {
				slog.Info("stream stats", "stream", st.Key, "remote", st.RemoteAddr,
					"bytes", st.BytesReceived, "reads", st.ReadCount,
					"dropped", st.Dropped, "uptime_ms", st.UptimeMs)
			}
			if d := stats.Decoder; d != nil {
				slog.Info("decoder stats", "state", d.State, "decoded", d.Decoded,
					"unconfigured", d.Unconfigured, "errors", d.Errors)
			}
		}
	}
}
