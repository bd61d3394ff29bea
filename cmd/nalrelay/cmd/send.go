package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/zsiec/nalrelay/internal/annexb"
	"github.com/zsiec/nalrelay/internal/media"
	"github.com/zsiec/nalrelay/internal/nalu"
	"github.com/zsiec/nalrelay/internal/pipeline"
)

var (
	sendIn  string
	sendFPS float64
)

var sendCmd = &cobra.Command{
	Use:   "send",
	Short: "Send an Annex-B H.264 elementary stream",
	Long: `send reads an Annex-B H.264 stream from stdin or --in, groups its NAL
units into access units and sends them over the configured transport as fast
as the transport accepts them.`,
	RunE: runSend,
}

func init() {
	f := sendCmd.Flags()
	f.StringVarP(&sendIn, "in", "i", "-", "input file, - for stdin")
	f.Float64Var(&sendFPS, "fps", 30, "frame rate used to stamp access units")
	f.String("remote", "127.0.0.1", "peer address, host or host:port")
	f.String("fingerprint", "", "receiver certificate SHA-256 fingerprint (quic)")
	f.String("stream-id", "live/default", "SRT stream ID")
	mustBindPFlag("remote_addr", f.Lookup("remote"))
	mustBindPFlag("quic.cert_fingerprint", f.Lookup("fingerprint"))
	mustBindPFlag("srt.stream_id", f.Lookup("stream-id"))
	rootCmd.AddCommand(sendCmd)
}

func openInput(path string) (io.ReadCloser, error) {
	if path == "" || path == "-" {
		return io.NopCloser(os.Stdin), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening input: %w", err)
	}
	return f, nil
}

func runSend(cmd *cobra.Command, _ []string) error {
	if sendFPS <= 0 {
		return fmt.Errorf("--fps must be positive")
	}
	in, err := openInput(sendIn)
	if err != nil {
		return err
	}
	defer in.Close()

	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	s, err := pipeline.NewSender(cfg.SenderConfig(), slog.Default())
	if err != nil {
		return err
	}
	if err := s.Connect(ctx); err != nil {
		return err
	}
	defer s.Stop()
	slog.Info("nalrelay sending", "version", version, "transport", cfg.Transport,
		"remote", cfg.RemoteAddress(), "framing", cfg.Framing)

	frameDur := time.Duration(float64(time.Second) / sendFPS)
	var frames int64
	var sendErr error
	splitter := nalu.NewAccessUnitSplitter(func(au [][]byte) {
		if sendErr != nil {
			return
		}
		pts := time.Duration(frames) * frameDur
		frames++
		sendErr = s.Send(media.AccessUnit{Kind: media.KindVideo, PTS: pts, NALUs: au})
	})
	scanner := annexb.NewScanner(splitter, slog.Default())

	if _, err := io.Copy(scanner, contextReader{ctx, bufio.NewReaderSize(in, 256<<10)}); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("reading input: %w", err)
	}
	if ctx.Err() == nil {
		scanner.Flush()
		splitter.Flush()
	}
	if sendErr != nil {
		return sendErr
	}

	if err := s.Flush(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	st := s.Stats()
	slog.Info("send complete", "access_units", st.AccessUnits, "keyframes", st.Keyframes,
		"packets", st.Queue.Sent, "bytes", st.Queue.Bytes)
	return nil
}

// contextReader stops reading once ctx is done.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
