package muxconn

import (
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/smnsjas/go-pipemux/frame"
	"github.com/smnsjas/go-pipemux/metrics"
	"github.com/smnsjas/go-pipemux/pipeline"
	"github.com/smnsjas/go-pipemux/transport"
	"github.com/smnsjas/go-pipemux/watchdog"
)

// DefaultClosedIDCacheSize is the number of recently closed pipeline IDs
// remembered to reject reuse.
const DefaultClosedIDCacheSize = 4096

type options struct {
	logger            *slog.Logger
	defaultHandler    *pipeline.Handler
	idleTimeout       time.Duration
	connectionTimeout time.Duration
	maxFrameSize      int
	maxPollInterval   time.Duration
	closedIDCacheSize int
	metrics           *metrics.Metrics
	clock             clock.Clock
	connIdleTimeout   time.Duration
	flushMode         *transport.FlushMode
}

func defaultOptions() options {
	return options{
		logger:            slog.Default(),
		maxFrameSize:      frame.DefaultMaxFrameSize,
		maxPollInterval:   watchdog.DefaultMaxPollInterval,
		closedIDCacheSize: DefaultClosedIDCacheSize,
		clock:             clock.New(),
	}
}

// Option configures a Connection.
type Option func(*options)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithDefaultHandler sets the handler of pipelines opened by the peer and of
// pipelines created with CreatePipeline.
func WithDefaultHandler(h *pipeline.Handler) Option {
	return func(o *options) {
		o.defaultHandler = h
	}
}

// WithIdleTimeout sets the initial idle timeout of every pipeline.
func WithIdleTimeout(d time.Duration) Option {
	return func(o *options) {
		o.idleTimeout = d
	}
}

// WithConnectionTimeout sets the initial connection timeout of every pipeline.
func WithConnectionTimeout(d time.Duration) Option {
	return func(o *options) {
		o.connectionTimeout = d
	}
}

// WithMaxFrameSize bounds the length field of frames. Larger inbound frames are
// a protocol violation; larger outbound payloads are split.
func WithMaxFrameSize(n int) Option {
	return func(o *options) {
		o.maxFrameSize = n
	}
}

// WithMaxPollInterval sets the longest watchdog poll period.
func WithMaxPollInterval(d time.Duration) Option {
	return func(o *options) {
		o.maxPollInterval = d
	}
}

// WithClosedIDCacheSize sets how many closed pipeline IDs are remembered.
func WithClosedIDCacheSize(n int) Option {
	return func(o *options) {
		o.closedIDCacheSize = n
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// WithClock sets the time source of pipelines and the watchdog.
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		if c != nil {
			o.clock = c
		}
	}
}

// WithConnIdleTimeout closes the whole connection after it received nothing
// for d.
func WithConnIdleTimeout(d time.Duration) Option {
	return func(o *options) {
		o.connIdleTimeout = d
	}
}

// WithFlushMode sets the flush mode of the raw connection.
func WithFlushMode(mode transport.FlushMode) Option {
	return func(o *options) {
		o.flushMode = &mode
	}
}
