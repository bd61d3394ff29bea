// Package cmd implements the nalrelay command line.
package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/zsiec/nalrelay/internal/config"
	"github.com/zsiec/nalrelay/internal/media"
)

var (
	cfgFile  string
	envFiles []string

	v   = viper.New()
	cfg *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "nalrelay",
	Short: "Real-time H.264 transport over TCP, UDP/RTP, SRT, QUIC and WebSocket",
	Long: `nalrelay moves H.264 elementary streams between hosts. The receive side
turns a byte stream or RTP datagrams back into ordered NAL units; the send
side packetizes encoded access units for the chosen transport.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		if cmd.Name() == versionCmd.Name() {
			return nil
		}
		if err := config.LoadDotEnv(envFiles...); err != nil {
			return err
		}
		loaded, err := config.Load(v, cfgFile)
		if err != nil {
			return err
		}
		cfg = loaded
		initLogging(cmd.ErrOrStderr())
		return nil
	},
}

// Execute runs the root command.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		return fmt.Errorf("executing root command: %w", err)
	}
	return nil
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file (default ./nalrelay.yaml)")
	pf.StringSliceVar(&envFiles, "env-file", nil, "dotenv files to load (default ./.env)")
	pf.String("transport", "tcp", "transport: tcp, udp, srt, quic, ws")
	pf.Int("port", media.DefaultPort, "media channel port")
	pf.String("framing", "annexb", "byte-stream framing: annexb, length")
	pf.String("log-level", "info", "log level (debug, info, warn, error)")
	pf.String("log-format", "text", "log format (text, json)")

	mustBindPFlag("transport", pf.Lookup("transport"))
	mustBindPFlag("port", pf.Lookup("port"))
	mustBindPFlag("framing", pf.Lookup("framing"))
	mustBindPFlag("log.level", pf.Lookup("log-level"))
	mustBindPFlag("log.format", pf.Lookup("log-format"))
}

// initLogging installs the default slog logger. DEBUG in the environment
// forces debug level.
func initLogging(w io.Writer) {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler = slog.NewTextHandler(w, opts)
	if cfg.Log.Format == "json" {
		h = slog.NewJSONHandler(w, opts)
	}
	slog.SetDefault(slog.New(h))
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		defer signal.Stop(sigCh)
		select {
		case sig := <-sigCh:
			slog.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

// mustBindPFlag binds a viper key to a flag and panics if binding fails.
func mustBindPFlag(key string, flag *pflag.Flag) {
	if err := v.BindPFlag(key, flag); err != nil {
		panic(fmt.Sprintf("failed to bind flag %q to key %q: %v", flag.Name, key, err))
	}
}
