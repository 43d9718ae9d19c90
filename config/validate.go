package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/smnsjas/go-pipemux/frame"
	"github.com/smnsjas/go-pipemux/watchdog"
)

// Validate checks that all required fields are set and values are valid.
func (c *Config) Validate() error {
	if c.Server.Listen == "" {
		return errors.New("server.listen is required")
	}
	switch c.Server.Engine {
	case EngineStream, EngineGnet:
	default:
		return fmt.Errorf("server.engine must be %q or %q, got %q", EngineStream, EngineGnet, c.Server.Engine)
	}
	if c.Server.WorkerPool < 0 {
		return errors.New("server.worker_pool must be >= 0")
	}

	if c.Client.Pipelines < 1 {
		return errors.New("client.pipelines must be >= 1")
	}
	if c.Client.Chunks < 1 {
		return errors.New("client.chunks must be >= 1")
	}
	if c.Client.ChunkSize < 1 {
		return errors.New("client.chunk_size must be >= 1")
	}

	if err := c.Mux.validate("mux"); err != nil {
		return err
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Logging.Level)); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}

	if c.Metrics.Enabled && (c.Metrics.Port < 1 || c.Metrics.Port > 65535) {
		return fmt.Errorf("metrics.port must be between 1 and 65535, got %d", c.Metrics.Port)
	}
	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		return fmt.Errorf("metrics.path must start with /, got %q", c.Metrics.Path)
	}

	return nil
}

func (m *MuxConfig) validate(prefix string) error {
	if m.MaxFrameSize <= frame.BodyHeaderSize {
		return fmt.Errorf("%s.max_frame_size must be > %d", prefix, frame.BodyHeaderSize)
	}
	if m.IdleTimeout < 0 {
		return fmt.Errorf("%s.idle_timeout must be >= 0", prefix)
	}
	if m.ConnectionTimeout < 0 {
		return fmt.Errorf("%s.connection_timeout must be >= 0", prefix)
	}
	if m.ConnIdleTimeout < 0 {
		return fmt.Errorf("%s.conn_idle_timeout must be >= 0", prefix)
	}
	if m.MaxPollInterval < watchdog.MinPollInterval {
		return fmt.Errorf("%s.max_poll_interval must be >= %s", prefix, watchdog.MinPollInterval)
	}
	if m.ClosedIDCacheSize < 1 {
		return fmt.Errorf("%s.closed_id_cache_size must be >= 1", prefix)
	}
	switch strings.ToLower(m.FlushMode) {
	case "sync", "async":
	default:
		return fmt.Errorf("%s.flush_mode must be sync or async, got %q", prefix, m.FlushMode)
	}
	return nil
}
