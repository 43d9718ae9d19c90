// Package metrics exposes Prometheus collectors for multiplexed connections.
//
// A nil *Metrics is valid and records nothing, so components can call it
// unconditionally.
package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

const metricNamespace = "pipemux"

// Drop reasons.
const (
	ReasonUnknownPipeline = "unknown_pipeline"
	ReasonDuplicateOpen   = "duplicate_open"
	ReasonUnknownCommand  = "unknown_command"
)

// Pipeline origins.
const (
	OriginLocal  = "local"
	OriginRemote = "remote"
)

var (
	framesSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricNamespace,
			Name:      "frames_sent_total",
			Help:      "Frames written, by command",
		},
		[]string{"command"},
	)
	framesReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricNamespace,
			Name:      "frames_received_total",
			Help:      "Frames read, by command",
		},
		[]string{"command"},
	)
	framesDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricNamespace,
			Name:      "frames_dropped_total",
			Help:      "Inbound frames dropped without delivery",
		},
		[]string{"reason"},
	)
	payloadBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricNamespace,
			Name:      "payload_bytes_total",
			Help:      "Data frame payload bytes",
		},
		[]string{"direction"},
	)
	pipelinesOpened = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricNamespace,
			Name:      "pipelines_opened_total",
			Help:      "Pipelines opened",
		},
		[]string{"origin"},
	)
	pipelinesClosed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: metricNamespace,
			Name:      "pipelines_closed_total",
			Help:      "Pipelines closed",
		},
	)
	pipelinesActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: metricNamespace,
			Name:      "pipelines_active",
			Help:      "Pipelines currently open",
		},
	)
)

// Metrics records multiplexer events.
type Metrics struct {
	framesSent      *prometheus.CounterVec
	framesReceived  *prometheus.CounterVec
	framesDropped   *prometheus.CounterVec
	payloadBytes    *prometheus.CounterVec
	pipelinesOpened *prometheus.CounterVec
	pipelinesClosed prometheus.Counter
	pipelinesActive prometheus.Gauge
}

// New registers the collectors with prometheus.DefaultRegisterer.
func New() *Metrics {
	return NewWithRegisterer(prometheus.DefaultRegisterer)
}

// NewWithRegisterer registers the collectors with registerer. Collectors that
// are already registered are reused.
func NewWithRegisterer(registerer prometheus.Registerer) *Metrics {
	for _, c := range [...]prometheus.Collector{
		framesSent,
		framesReceived,
		framesDropped,
		payloadBytes,
		pipelinesOpened,
		pipelinesClosed,
		pipelinesActive,
	} {
		if err := registerer.Register(c); err != nil {
			if ok := errors.As(err, &prometheus.AlreadyRegisteredError{}); !ok {
				panic(err)
			}
		}
	}

	return &Metrics{
		framesSent:      framesSent,
		framesReceived:  framesReceived,
		framesDropped:   framesDropped,
		payloadBytes:    payloadBytes,
		pipelinesOpened: pipelinesOpened,
		pipelinesClosed: pipelinesClosed,
		pipelinesActive: pipelinesActive,
	}
}

// FrameSent records an outbound frame.
func (m *Metrics) FrameSent(command string, payload int) {
	if m == nil {
		return
	}
	m.framesSent.WithLabelValues(command).Inc()
	if payload > 0 {
		m.payloadBytes.WithLabelValues("out").Add(float64(payload))
	}
}

// FrameReceived records an inbound frame.
func (m *Metrics) FrameReceived(command string, payload int) {
	if m == nil {
		return
	}
	m.framesReceived.WithLabelValues(command).Inc()
	if payload > 0 {
		m.payloadBytes.WithLabelValues("in").Add(float64(payload))
	}
}

// FrameDropped records an inbound frame that was not delivered.
func (m *Metrics) FrameDropped(reason string) {
	if m == nil {
		return
	}
	m.framesDropped.WithLabelValues(reason).Inc()
}

// PipelineOpened records a pipeline registration.
func (m *Metrics) PipelineOpened(origin string) {
	if m == nil {
		return
	}
	m.pipelinesOpened.WithLabelValues(origin).Inc()
	m.pipelinesActive.Inc()
}

// PipelineClosed records a pipeline removal.
func (m *Metrics) PipelineClosed() {
	if m == nil {
		return
	}
	m.pipelinesClosed.Inc()
	m.pipelinesActive.Dec()
}
