package config

import (
	"time"

	"github.com/smnsjas/go-pipemux/frame"
	"github.com/smnsjas/go-pipemux/watchdog"
)

// Default values for optional configuration fields.
const (
	DefaultListen            = ":7000"
	DefaultEngine            = EngineStream
	DefaultTickInterval      = 100 * time.Millisecond
	DefaultClientAddress     = "127.0.0.1:7000"
	DefaultClientPipelines   = 8
	DefaultClientChunks      = 64
	DefaultClientChunkSize   = 4096
	DefaultClientTimeout     = 30 * time.Second
	DefaultMaxFrameSize      = frame.DefaultMaxFrameSize
	DefaultMaxPollInterval   = watchdog.DefaultMaxPollInterval
	DefaultClosedIDCacheSize = 4096
	DefaultFlushMode         = "sync"
	DefaultLogLevel          = "info"
	DefaultLogFormat         = "text"
	DefaultMetricsPort       = 9090
	DefaultMetricsPath       = "/metrics"
)

// Server engines.
const (
	EngineStream = "stream"
	EngineGnet   = "gnet"
)

func (c *Config) applyDefaults() {
	// Server defaults
	if c.Server.Listen == "" {
		c.Server.Listen = DefaultListen
	}
	if c.Server.Engine == "" {
		c.Server.Engine = DefaultEngine
	}
	if c.Server.TickInterval == 0 {
		c.Server.TickInterval = DefaultTickInterval
	}

	// Client defaults
	if c.Client.Address == "" {
		c.Client.Address = DefaultClientAddress
	}
	if c.Client.Pipelines == 0 {
		c.Client.Pipelines = DefaultClientPipelines
	}
	if c.Client.Chunks == 0 {
		c.Client.Chunks = DefaultClientChunks
	}
	if c.Client.ChunkSize == 0 {
		c.Client.ChunkSize = DefaultClientChunkSize
	}
	if c.Client.Timeout == 0 {
		c.Client.Timeout = DefaultClientTimeout
	}

	// Mux defaults
	if c.Mux.MaxFrameSize == 0 {
		c.Mux.MaxFrameSize = DefaultMaxFrameSize
	}
	if c.Mux.MaxPollInterval == 0 {
		c.Mux.MaxPollInterval = DefaultMaxPollInterval
	}
	if c.Mux.ClosedIDCacheSize == 0 {
		c.Mux.ClosedIDCacheSize = DefaultClosedIDCacheSize
	}
	if c.Mux.FlushMode == "" {
		c.Mux.FlushMode = DefaultFlushMode
	}

	// Logging defaults
	if c.Logging.Level == "" {
		c.Logging.Level = DefaultLogLevel
	}
	if c.Logging.Format == "" {
		c.Logging.Format = DefaultLogFormat
	}

	// Metrics defaults
	if c.Metrics.Port == 0 {
		c.Metrics.Port = DefaultMetricsPort
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = DefaultMetricsPath
	}
}
