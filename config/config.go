// Package config loads the YAML configuration of the pipemux binaries.
//
// Values of the form ${VAR} are expanded from the environment before parsing.
// Durations use time.ParseDuration syntax ("250ms", "30s").
//
//	server:
//	  listen: ":7000"
//	  engine: gnet
//	mux:
//	  idle_timeout: 30s
//	  flush_mode: async
//	logging:
//	  level: debug
//	  format: json
//	metrics:
//	  enabled: true
//	  port: 9090
package config

import (
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/smnsjas/go-pipemux/transport"
)

// Config is the root configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Client  ClientConfig  `yaml:"client"`
	Mux     MuxConfig     `yaml:"mux"`
	Logging LoggingConfig `yaml:"logging"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// ServerConfig holds listener settings of pipemuxd.
type ServerConfig struct {
	Listen       string        `yaml:"listen"`
	Engine       string        `yaml:"engine"` // "stream" or "gnet"
	Multicore    bool          `yaml:"multicore"`
	TickInterval time.Duration `yaml:"tick_interval"`
	WorkerPool   int           `yaml:"worker_pool"` // ants pool size, 0 uses the shared default pool
}

// ClientConfig holds load settings of pipemux-client.
type ClientConfig struct {
	Address   string        `yaml:"address"`
	Pipelines int           `yaml:"pipelines"`
	Chunks    int           `yaml:"chunks"`
	ChunkSize int           `yaml:"chunk_size"`
	Timeout   time.Duration `yaml:"timeout"`
}

// MuxConfig holds multiplexed connection settings shared by both binaries.
type MuxConfig struct {
	MaxFrameSize      int           `yaml:"max_frame_size"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`
	MaxPollInterval   time.Duration `yaml:"max_poll_interval"`
	ConnIdleTimeout   time.Duration `yaml:"conn_idle_timeout"`
	ClosedIDCacheSize int           `yaml:"closed_id_cache_size"`
	FlushMode         string        `yaml:"flush_mode"` // "sync" or "async"
}

// LoggingConfig selects the slog handler.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}

// MetricsConfig holds Prometheus endpoint settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Path    string `yaml:"path"`
}

// TransportFlushMode returns the configured flush mode.
func (m MuxConfig) TransportFlushMode() transport.FlushMode {
	if strings.EqualFold(m.FlushMode, "async") {
		return transport.FlushAsync
	}
	return transport.FlushSync
}

// SlogLevel returns the configured log level.
func (l LoggingConfig) SlogLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return slog.LevelInfo
	}
	return level
}

// NewLogger builds a text or JSON slog logger writing to w.
func (l LoggingConfig) NewLogger(w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: l.SlogLevel()}
	if strings.EqualFold(l.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
