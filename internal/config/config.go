// Package config loads the trickle binary's YAML configuration.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete configuration for cmd/trickle.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Relay   RelayConfig   `yaml:"relay"`
	Logging LoggingConfig `yaml:"logging"`
}

// ServerConfig configures the segment server started by "trickle serve".
type ServerConfig struct {
	Addr        string   `yaml:"addr"`
	H3Addr      string   `yaml:"h3_addr"`
	SRTAddr     string   `yaml:"srt_addr"`
	Token       string   `yaml:"token"`
	WindowSize  int      `yaml:"window_size"`
	PollTimeout Duration `yaml:"poll_timeout"`
	CertFile    string   `yaml:"cert_file"`
	KeyFile     string   `yaml:"key_file"`
}

// EndpointConfig is one side of a relay.
type EndpointConfig struct {
	URL   string `yaml:"url"`
	Token string `yaml:"token"`
}

// BackoffConfig is the reconnect delay schedule.
type BackoffConfig struct {
	Initial    Duration `yaml:"initial"`
	Max        Duration `yaml:"max"`
	Multiplier float64  `yaml:"multiplier"`
}

// RelayConfig configures the subscribe-process-publish loop run by
// "trickle relay".
type RelayConfig struct {
	Subscribe EndpointConfig `yaml:"subscribe"`
	Publish   EndpointConfig `yaml:"publish"`
	// Transport selects the publish transport: "http", "http3" or "srt".
	Transport string `yaml:"transport"`
	// Insecure skips certificate verification for http3.
	Insecure bool `yaml:"insecure"`
	// MetricsAddr, when set, serves /metrics for the relay.
	MetricsAddr string `yaml:"metrics_addr"`

	ReadAheadDepth        int           `yaml:"read_ahead_depth"`
	SegmentTargetDuration Duration      `yaml:"segment_target_duration"`
	SegmentTargetFrames   int           `yaml:"segment_target_frames"`
	ReconnectMaxAttempts  int           `yaml:"reconnect_max_attempts"`
	ReconnectBackoff      BackoffConfig `yaml:"reconnect_backoff"`
	FetchTimeout          Duration      `yaml:"fetch_timeout"`
	SendTimeout           Duration      `yaml:"send_timeout"`
	DrainTimeout          Duration      `yaml:"drain_timeout"`
}

// LoggingConfig selects the slog handler.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:        ":8080",
			WindowSize:  16,
			PollTimeout: Duration(5 * time.Second),
		},
		Relay: RelayConfig{
			Transport:             "http",
			ReadAheadDepth:        2,
			SegmentTargetDuration: Duration(time.Second),
			ReconnectMaxAttempts:  5,
			ReconnectBackoff: BackoffConfig{
				Initial:    Duration(100 * time.Millisecond),
				Max:        Duration(5 * time.Second),
				Multiplier: 2,
			},
		},
		Logging: LoggingConfig{Level: "info", Format: "text"},
	}
}

// Load reads the file at path over the defaults, applies environment
// overrides and validates the result. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	c.Server.Addr = envOr("TRICKLE_ADDR", c.Server.Addr)
	c.Server.H3Addr = envOr("TRICKLE_H3_ADDR", c.Server.H3Addr)
	c.Server.SRTAddr = envOr("TRICKLE_SRT_ADDR", c.Server.SRTAddr)
	c.Server.Token = envOr("TRICKLE_TOKEN", c.Server.Token)
	c.Relay.Subscribe.URL = envOr("TRICKLE_SUBSCRIBE_URL", c.Relay.Subscribe.URL)
	c.Relay.Publish.URL = envOr("TRICKLE_PUBLISH_URL", c.Relay.Publish.URL)
	c.Relay.MetricsAddr = envOr("TRICKLE_METRICS_ADDR", c.Relay.MetricsAddr)
	c.Logging.Level = envOr("TRICKLE_LOG_LEVEL", c.Logging.Level)
	if v := os.Getenv("TRICKLE_WINDOW_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("TRICKLE_WINDOW_SIZE: %w", err)
		}
		c.Server.WindowSize = n
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// Validate checks every section.
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server config: %w", err)
	}
	if err := c.Relay.Validate(); err != nil {
		return fmt.Errorf("relay config: %w", err)
	}
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}
	return nil
}

// Validate validates server configuration.
func (s *ServerConfig) Validate() error {
	if s.Addr == "" && s.H3Addr == "" {
		return fmt.Errorf("addr or h3_addr is required")
	}
	if s.WindowSize < 1 {
		return fmt.Errorf("window_size must be at least 1, got %d", s.WindowSize)
	}
	if s.PollTimeout < 0 {
		return fmt.Errorf("poll_timeout cannot be negative, got %s", s.PollTimeout)
	}
	if (s.CertFile == "") != (s.KeyFile == "") {
		return fmt.Errorf("cert_file and key_file must be set together")
	}
	return nil
}

// Validate validates relay configuration. Endpoints are only checked when
// set, since "trickle serve" never uses them.
func (r *RelayConfig) Validate() error {
	for name, ep := range map[string]EndpointConfig{"subscribe": r.Subscribe, "publish": r.Publish} {
		if ep.URL == "" {
			continue
		}
		u, err := url.Parse(ep.URL)
		if err != nil {
			return fmt.Errorf("%s.url: %w", name, err)
		}
		if u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("%s.url must be absolute, got %q", name, ep.URL)
		}
	}
	switch r.Transport {
	case "http", "http3", "srt":
	default:
		return fmt.Errorf("transport must be one of [http, http3, srt], got %q", r.Transport)
	}
	if r.ReadAheadDepth < 1 {
		return fmt.Errorf("read_ahead_depth must be at least 1, got %d", r.ReadAheadDepth)
	}
	if r.SegmentTargetDuration <= 0 && r.SegmentTargetFrames <= 0 {
		return fmt.Errorf("segment_target_duration or segment_target_frames must be positive")
	}
	if r.ReconnectMaxAttempts < 0 {
		return fmt.Errorf("reconnect_max_attempts cannot be negative, got %d", r.ReconnectMaxAttempts)
	}
	if b := r.ReconnectBackoff; b.Multiplier != 0 && b.Multiplier < 1 {
		return fmt.Errorf("reconnect_backoff.multiplier must be at least 1, got %g", b.Multiplier)
	}
	return nil
}

// Validate validates logging configuration.
func (l *LoggingConfig) Validate() error {
	if _, err := l.SlogLevel(); err != nil {
		return err
	}
	switch l.Format {
	case "text", "json":
	default:
		return fmt.Errorf("format must be 'json' or 'text', got %q", l.Format)
	}
	return nil
}

// SlogLevel parses Level.
func (l *LoggingConfig) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return 0, fmt.Errorf("level must be one of [debug, info, warn, error], got %q", l.Level)
	}
	return level, nil
}
