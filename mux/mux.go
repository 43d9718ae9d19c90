// Package mux encodes pipeline events onto a raw connection and decodes them
// back into per-pipeline callbacks.
//
// The Multiplexer queues the buffers of each frame on the raw connection under
// a single write lock so that frames of different pipelines never interleave
// on the wire. Inbound frames are pulled one at a time with Demultiplex;
// callers serialize Demultiplex themselves.
package mux

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/smnsjas/go-pipemux/frame"
	"github.com/smnsjas/go-pipemux/metrics"
	"github.com/smnsjas/go-pipemux/taskqueue"
	"github.com/smnsjas/go-pipemux/transport"
)

// EventHandler receives decoded pipeline events.
type EventHandler interface {
	OnPipelineOpened(id uuid.UUID)
	OnPipelineClosed(id uuid.UUID)
	OnPipelineData(id uuid.UUID, payload []byte)
}

// Completion is notified once every buffer of a Data write has been written.
// Callbacks may be nil.
type Completion struct {
	// OnWritten receives the number of payload bytes written.
	OnWritten func(n int)
	// OnException receives the write failure.
	OnException func(err error)
	// Mode selects how the callbacks are scheduled.
	Mode taskqueue.Mode
}

// Tracker follows buffers until the transport confirms or fails them.
type Tracker interface {
	Track(bufs []*transport.Buffer, payloadBytes int, c *Completion)
	Untrack(bufs []*transport.Buffer)
}

// Option configures a Multiplexer.
type Option func(*Multiplexer)

// WithTracker sets the completion tracker.
func WithTracker(t Tracker) Option {
	return func(m *Multiplexer) {
		m.tracker = t
	}
}

// WithMaxFrameSize bounds the length field of frames in both directions.
// Outbound payloads larger than the bound are split across Data frames.
func WithMaxFrameSize(n int) Option {
	return func(m *Multiplexer) {
		if n > frame.BodyHeaderSize {
			m.maxFrameSize = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Multiplexer) {
		m.logger = logger
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(metrics *metrics.Metrics) Option {
	return func(m *Multiplexer) {
		m.metrics = metrics
	}
}

// Multiplexer writes and reads pipeline frames on a raw connection.
type Multiplexer struct {
	writeMu sync.Mutex
	conn    transport.Conn

	tracker      Tracker
	maxFrameSize int
	logger       *slog.Logger
	metrics      *metrics.Metrics
}

// New creates a Multiplexer writing to conn.
func New(conn transport.Conn, opts ...Option) *Multiplexer {
	m := &Multiplexer{
		conn:         conn,
		maxFrameSize: frame.DefaultMaxFrameSize,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	return m
}

// MaxFrameSize returns the configured frame bound.
func (m *Multiplexer) MaxFrameSize() int {
	return m.maxFrameSize
}

// OpenPipeline allocates a random pipeline ID and announces it to the peer.
// The ID is usable as soon as OpenPipeline returns.
func (m *Multiplexer) OpenPipeline() (uuid.UUID, error) {
	id := uuid.New()
	if err := m.writeControl(frame.CommandOpened, id); err != nil {
		return uuid.Nil, err
	}
	return id, nil
}

// ClosePipeline announces that id was closed.
func (m *Multiplexer) ClosePipeline(id uuid.UUID) error {
	return m.writeControl(frame.CommandClosed, id)
}

func (m *Multiplexer) writeControl(cmd frame.Command, id uuid.UUID) error {
	header := transport.NewBuffer(frame.EncodeHeader(cmd, id, 0))

	m.writeMu.Lock()
	err := m.conn.Write(header)
	m.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("write %s frame: %w", cmd, err)
	}
	if err := m.conn.Flush(); err != nil {
		return fmt.Errorf("flush %s frame: %w", cmd, err)
	}
	m.metrics.FrameSent(cmd.String(), 0)
	return nil
}

// Multiplex writes payload as Data frames for id and flushes the connection.
// Payload slices are written without copying and must not be modified until
// the write completes. If c is non-nil it is notified when the transport
// confirms or fails every buffer.
func (m *Multiplexer) Multiplex(id uuid.UUID, payload [][]byte, c *Completion) error {
	if err := m.Enqueue(id, payload, c); err != nil {
		return err
	}
	return m.Flush()
}

// Enqueue queues the Data frames for id on the connection without flushing.
// The frames of one call are queued contiguously.
func (m *Multiplexer) Enqueue(id uuid.UUID, payload [][]byte, c *Completion) error {
	bufs, total := m.split(id, payload)
	track := c != nil && m.tracker != nil

	m.writeMu.Lock()
	if track {
		m.tracker.Track(bufs, total, c)
	}
	err := m.conn.Write(bufs...)
	if err != nil && track {
		m.tracker.Untrack(bufs)
	}
	m.writeMu.Unlock()

	if err != nil {
		return fmt.Errorf("write data frame: %w", err)
	}
	m.metrics.FrameSent(frame.CommandData.String(), total)
	return nil
}

// Flush flushes every frame queued on the connection.
func (m *Multiplexer) Flush() error {
	if err := m.conn.Flush(); err != nil {
		return fmt.Errorf("flush: %w", err)
	}
	return nil
}

// split lays payload out as one or more Data frames no larger than the frame
// bound. An empty payload yields a single empty Data frame.
func (m *Multiplexer) split(id uuid.UUID, payload [][]byte) ([]*transport.Buffer, int) {
	maxPayload := m.maxFrameSize - frame.BodyHeaderSize

	total := 0
	for _, p := range payload {
		total += len(p)
	}

	bufs := make([]*transport.Buffer, 0, 2+len(payload))
	if total == 0 {
		return append(bufs, transport.NewBuffer(frame.EncodeHeader(frame.CommandData, id, 0))), 0
	}

	payload = append([][]byte(nil), payload...)
	remaining := total
	for len(payload) > 0 {
		n := min(remaining, maxPayload)
		remaining -= n
		bufs = append(bufs, transport.NewBuffer(frame.EncodeHeader(frame.CommandData, id, n)))

		for n > 0 {
			p := payload[0]
			if len(p) == 0 {
				payload = payload[1:]
				continue
			}
			take := min(len(p), n)
			bufs = append(bufs, transport.NewBuffer(p[:take]))
			n -= take
			if take == len(p) {
				payload = payload[1:]
			} else {
				payload[0] = p[take:]
			}
		}
		for len(payload) > 0 && len(payload[0]) == 0 {
			payload = payload[1:]
		}
	}
	return bufs, total
}

// Demultiplex reads one complete frame from conn and dispatches it to h.
// It returns transport.ErrBufferUnderflow if no complete frame is buffered,
// and an error wrapping frame.ErrProtocolViolation for malformed frames.
// Frames with unknown commands are logged and skipped.
func (m *Multiplexer) Demultiplex(conn transport.Conn, h EventHandler) error {
	body, err := conn.ReadLengthDelimited(m.maxFrameSize)
	if err != nil {
		if errors.Is(err, transport.ErrLengthExceeded) {
			return fmt.Errorf("%w: %w", frame.ErrFrameTooLarge, err)
		}
		return err
	}

	f, err := frame.Decode(body)
	if err != nil {
		return err
	}

	m.metrics.FrameReceived(f.Command.String(), len(f.Payload))

	switch f.Command {
	case frame.CommandOpened:
		h.OnPipelineOpened(f.PipelineID)
	case frame.CommandClosed:
		h.OnPipelineClosed(f.PipelineID)
	case frame.CommandData:
		h.OnPipelineData(f.PipelineID, f.Payload)
	default:
		m.logger.Debug("ignoring frame with unknown command",
			"command", f.Command.String(), "pipeline_id", f.PipelineID)
		m.metrics.FrameDropped(metrics.ReasonUnknownCommand)
	}
	return nil
}
