// Package config loads nalrelay settings from defaults, an optional YAML
// file, a .env file and NALRELAY_ environment variables, in increasing order
// of precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/zsiec/nalrelay/internal/annexb"
	"github.com/zsiec/nalrelay/internal/framing"
	"github.com/zsiec/nalrelay/internal/media"
	"github.com/zsiec/nalrelay/internal/pipeline"
	"github.com/zsiec/nalrelay/internal/rtpaac"
	"github.com/zsiec/nalrelay/internal/rtph264"
	"github.com/zsiec/nalrelay/internal/transport"
	srttransport "github.com/zsiec/nalrelay/internal/transport/srt"
	wstransport "github.com/zsiec/nalrelay/internal/transport/ws"
)

// EnvPrefix prefixes every environment variable, e.g. NALRELAY_SRT_LATENCY.
const EnvPrefix = "NALRELAY"

// Config holds all nalrelay settings.
type Config struct {
	Transport   string            `mapstructure:"transport"`
	ListenAddr  string            `mapstructure:"listen_addr"`
	RemoteAddr  string            `mapstructure:"remote_addr"`
	Port        int               `mapstructure:"port"`
	Framing     string            `mapstructure:"framing"`
	MTU         int               `mapstructure:"mtu"`
	MaxPending  int               `mapstructure:"max_pending"`
	QueueSize   int               `mapstructure:"queue_size"`
	Captions    bool              `mapstructure:"captions"`
	PayloadType PayloadTypeConfig `mapstructure:"payload_type"`
	SRT         SRTConfig         `mapstructure:"srt"`
	QUIC        QUICConfig        `mapstructure:"quic"`
	WS          WSConfig          `mapstructure:"ws"`
	Log         LogConfig         `mapstructure:"log"`
}

// PayloadTypeConfig holds RTP payload types per media kind.
type PayloadTypeConfig struct {
	Video int `mapstructure:"video"`
	Audio int `mapstructure:"audio"`
}

// SRTConfig holds SRT settings.
type SRTConfig struct {
	Latency  time.Duration `mapstructure:"latency"`
	StreamID string        `mapstructure:"stream_id"`
}

// QUICConfig holds QUIC settings. The fingerprint pins the receiver's
// self-signed certificate on the send side.
type QUICConfig struct {
	CertFingerprint string `mapstructure:"cert_fingerprint"`
}

// WSConfig holds WebSocket settings.
type WSConfig struct {
	Path   string `mapstructure:"path"`
	Stream string `mapstructure:"stream"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// SetDefaults registers the default value of every key on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("transport", string(transport.KindTCP))
	v.SetDefault("listen_addr", "")
	v.SetDefault("remote_addr", "127.0.0.1")
	v.SetDefault("port", media.DefaultPort)
	v.SetDefault("framing", string(framing.FormatAnnexB))
	v.SetDefault("mtu", rtph264.DefaultMTU)
	v.SetDefault("max_pending", annexb.DefaultMaxPending)
	v.SetDefault("queue_size", media.ChunkQueueSize)
	v.SetDefault("captions", false)

	v.SetDefault("payload_type.video", rtph264.DefaultPayloadType)
	v.SetDefault("payload_type.audio", rtpaac.DefaultPayloadType)

	v.SetDefault("srt.latency", srttransport.DefaultLatency)
	v.SetDefault("srt.stream_id", "live/default")
	v.SetDefault("quic.cert_fingerprint", "")
	v.SetDefault("ws.path", wstransport.DefaultPath)
	v.SetDefault("ws.stream", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// LoadDotEnv loads environment variables from .env files. Variables already
// set in the process environment win. Missing files are ignored; with no
// paths, ./.env is tried.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("loading %s: %w", p, err)
		}
	}
	return nil
}

// Load reads configuration into a Config. If v is nil a fresh viper instance
// is used; passing one lets callers bind command-line flags first. An empty
// configPath searches ./nalrelay.yaml and /etc/nalrelay/nalrelay.yaml, and
// a missing file is not an error.
func Load(v *viper.Viper, configPath string) (*Config, error) {
	if v == nil {
		v = viper.New()
	}
	SetDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("nalrelay")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/nalrelay")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if _, err := transport.ParseKind(c.Transport); err != nil {
		return fmt.Errorf("transport must be one of: tcp, udp, srt, quic, ws")
	}
	if _, err := framing.ParseFormat(c.Framing); err != nil {
		return fmt.Errorf("framing must be one of: annexb, length")
	}

	const maxPort = 65535
	if c.Port < 1 || c.Port > maxPort {
		return fmt.Errorf("port must be between 1 and %d", maxPort)
	}
	if c.MTU < rtph264.MinMTU {
		return fmt.Errorf("mtu must be at least %d", rtph264.MinMTU)
	}
	if c.MaxPending < 1 {
		return fmt.Errorf("max_pending must be at least 1")
	}
	if c.QueueSize < 1 {
		return fmt.Errorf("queue_size must be at least 1")
	}
	for name, pt := range map[string]int{"payload_type.video": c.PayloadType.Video, "payload_type.audio": c.PayloadType.Audio} {
		if pt < 0 || pt > 127 {
			return fmt.Errorf("%s must be between 0 and 127", name)
		}
	}
	if c.PayloadType.Video == c.PayloadType.Audio {
		return fmt.Errorf("payload_type.video and payload_type.audio must differ")
	}
	if c.SRT.Latency < 0 {
		return fmt.Errorf("srt.latency must not be negative")
	}
	if !strings.HasPrefix(c.WS.Path, "/") {
		return fmt.Errorf("ws.path must start with /")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("log.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Log.Format] {
		return fmt.Errorf("log.format must be one of: json, text")
	}
	return nil
}

// Kind returns the configured transport.
func (c *Config) Kind() transport.Kind {
	return transport.Kind(c.Transport)
}

// ListenAddress returns the receive bind address. A listen_addr without a
// port gets the configured port; an empty one binds all interfaces.
func (c *Config) ListenAddress() string {
	return withPort(c.ListenAddr, c.Port)
}

// RemoteAddress returns the send peer address, adding the configured port
// when remote_addr has none.
func (c *Config) RemoteAddress() string {
	return withPort(c.RemoteAddr, c.Port)
}

func withPort(addr string, port int) string {
	if _, _, err := net.SplitHostPort(addr); err == nil {
		return addr
	}
	return net.JoinHostPort(strings.Trim(addr, "[]"), strconv.Itoa(port))
}

// ReceiverConfig maps the settings onto a pipeline receiver.
func (c *Config) ReceiverConfig() pipeline.ReceiverConfig {
	return pipeline.ReceiverConfig{
		Transport:        c.Kind(),
		Addr:             c.ListenAddress(),
		Framing:          framing.Format(c.Framing),
		MaxPending:       c.MaxPending,
		MaxFrame:         c.MaxPending,
		QueueSize:        c.QueueSize,
		AudioPayloadType: uint8(c.PayloadType.Audio),
		Listener: pipeline.ListenerOptions{
			SRTLatency: c.SRT.Latency,
			WSPath:     c.WS.Path,
		},
	}
}

// SenderConfig maps the settings onto a pipeline sender.
func (c *Config) SenderConfig() pipeline.SenderConfig {
	return pipeline.SenderConfig{
		Transport:        c.Kind(),
		Addr:             c.RemoteAddress(),
		Framing:          framing.Format(c.Framing),
		QueueSize:        c.QueueSize,
		MTU:              c.MTU,
		VideoPayloadType: uint8(c.PayloadType.Video),
		AudioPayloadType: uint8(c.PayloadType.Audio),
		Dial: pipeline.DialOptions{
			SRTStreamID:     c.SRT.StreamID,
			SRTLatency:      c.SRT.Latency,
			CertFingerprint: c.QUIC.CertFingerprint,
			WSPath:          c.WS.Path,
			WSStream:        c.WS.Stream,
		},
	}
}
