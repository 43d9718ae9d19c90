// Package muxconn multiplexes pipelines over one raw connection.
//
// A Connection owns the pipeline table of its raw connection. It demultiplexes
// inbound frames into pipeline events, carries pipeline writes out as Data
// frames, and bridges per-buffer write confirmations of the transport into
// per-write completions. Handler callbacks of every pipeline of a Connection
// run on one taskqueue.Queue and never overlap.
//
// # Locking
//
//	lifecycle (RWMutex)  CreatePipeline holds the write side, inbound
//	                     demultiplexing the read side
//	demuxMu              serializes inbound demultiplexing
//	tableMu              guards the pipeline table and orders watchdog
//	                     registration against removal
//
// Pipeline callbacks triggered by inbound frames run after the read side of
// lifecycle is released, so handlers may create pipelines.
package muxconn

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/multierr"
	"golang.org/x/time/rate"

	"github.com/smnsjas/go-pipemux/frame"
	"github.com/smnsjas/go-pipemux/metrics"
	"github.com/smnsjas/go-pipemux/mux"
	"github.com/smnsjas/go-pipemux/pipeline"
	"github.com/smnsjas/go-pipemux/taskqueue"
	"github.com/smnsjas/go-pipemux/transport"
	"github.com/smnsjas/go-pipemux/watchdog"
)

// ErrClosed is returned by operations on a closed connection.
var ErrClosed = errors.New("multiplexed connection closed")

// ErrUnknownPipeline is returned when an ID does not name an open pipeline.
var ErrUnknownPipeline = errors.New("unknown pipeline")

// Connection multiplexes pipelines over a raw connection.
type Connection struct {
	raw      transport.Conn
	mux      *mux.Multiplexer
	queue    *taskqueue.Queue
	watchdog *watchdog.Watchdog
	bridge   *completionBridge
	owner    *owner
	opts     options
	logger   *slog.Logger
	metrics  *metrics.Metrics

	lifecycle sync.RWMutex

	demuxMu sync.Mutex
	actions []func() // guarded by demuxMu

	tableMu   sync.Mutex
	pipelines map[uuid.UUID]*pipeline.Pipeline
	closedIDs *lru.Cache[uuid.UUID, struct{}]

	open    atomic.Bool
	dropLog rate.Sometimes
}

// New wraps raw and starts it. The raw connection must not have been started.
func New(raw transport.Conn, opts ...Option) (*Connection, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if o.maxFrameSize <= frame.BodyHeaderSize {
		return nil, fmt.Errorf("max frame size %d must exceed %d", o.maxFrameSize, frame.BodyHeaderSize)
	}

	closedIDs, err := lru.New[uuid.UUID, struct{}](o.closedIDCacheSize)
	if err != nil {
		return nil, fmt.Errorf("closed id cache: %w", err)
	}

	remote := "unknown"
	if addr := raw.RemoteAddr(); addr != nil {
		remote = addr.String()
	}
	logger := o.logger.With("remote", remote)

	c := &Connection{
		raw:       raw,
		opts:      o,
		logger:    logger,
		metrics:   o.metrics,
		queue:     taskqueue.New(logger),
		pipelines: make(map[uuid.UUID]*pipeline.Pipeline),
		closedIDs: closedIDs,
		dropLog:   rate.Sometimes{First: 3, Interval: 10 * time.Second},
	}
	c.owner = &owner{c: c}
	c.bridge = newCompletionBridge(c.queue, raw.Executor(), logger)
	c.mux = mux.New(raw,
		mux.WithTracker(c.bridge),
		mux.WithMaxFrameSize(o.maxFrameSize),
		mux.WithLogger(logger),
		mux.WithMetrics(o.metrics),
	)
	c.watchdog = watchdog.New(
		watchdog.WithClock(o.clock),
		watchdog.WithMaxPollInterval(o.maxPollInterval),
		watchdog.WithLogger(logger),
	)
	c.open.Store(true)

	if o.flushMode != nil {
		raw.SetFlushMode(*o.flushMode)
	}
	if o.connIdleTimeout > 0 {
		raw.SetIdleTimeout(o.connIdleTimeout)
	}
	raw.SetHandler(&transport.Handler{
		OnData: func(transport.Conn) {
			c.onRawData()
		},
		OnDisconnect: func(transport.Conn) {
			c.logger.Debug("raw connection disconnected")
			c.closeQuietly()
		},
		OnIdleTimeout: func(transport.Conn) {
			c.logger.Debug("raw connection idle, closing")
			c.closeQuietly()
		},
		OnWritten: func(_ transport.Conn, b *transport.Buffer) {
			c.bridge.confirmed(b)
		},
		OnWriteFailed: func(_ transport.Conn, b *transport.Buffer, err error) {
			c.bridge.failed(b, err)
			c.closeQuietly()
		},
	})
	raw.Start()

	logger.Debug("multiplexed connection started", "max_frame_size", o.maxFrameSize)
	return c, nil
}

// CreatePipeline opens a pipeline with the default handler and returns its ID.
func (c *Connection) CreatePipeline() (uuid.UUID, error) {
	return c.CreatePipelineWithHandler(c.opts.defaultHandler)
}

// CreatePipelineWithHandler opens a pipeline with h and returns its ID. The
// peer learns about the pipeline before any data is written to it.
func (c *Connection) CreatePipelineWithHandler(h *pipeline.Handler) (uuid.UUID, error) {
	p, err := c.createPipeline(h)
	if err != nil {
		return uuid.Nil, err
	}
	c.armWatchdog(p)
	p.Connected()
	return p.ID(), nil
}

func (c *Connection) createPipeline(h *pipeline.Handler) (*pipeline.Pipeline, error) {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	if !c.open.Load() {
		return nil, ErrClosed
	}
	id, err := c.mux.OpenPipeline()
	if err != nil {
		return nil, fmt.Errorf("open pipeline: %w", err)
	}

	p := c.newPipeline(id, h)
	c.tableMu.Lock()
	if !c.open.Load() {
		c.tableMu.Unlock()
		return nil, ErrClosed
	}
	c.pipelines[id] = p
	c.tableMu.Unlock()

	c.metrics.PipelineOpened(metrics.OriginLocal)
	c.logger.Debug("pipeline created", "pipeline_id", id)
	return p, nil
}

func (c *Connection) newPipeline(id uuid.UUID, h *pipeline.Handler) *pipeline.Pipeline {
	return pipeline.New(pipeline.Config{
		ID:                id,
		Owner:             c.owner,
		Queue:             c.queue,
		Executor:          c.raw.Executor(),
		Handler:           h,
		Clock:             c.opts.clock,
		Logger:            c.logger,
		IdleTimeout:       c.opts.idleTimeout,
		ConnectionTimeout: c.opts.connectionTimeout,
	})
}

// armWatchdog registers p with the watchdog if p is still in the table.
// remove cancels only after unregistering, so holding tableMu here keeps a
// late registration from outliving the pipeline.
func (c *Connection) armWatchdog(p *pipeline.Pipeline) {
	idle, conn := p.IdleTimeout(), p.ConnectionTimeout()

	c.tableMu.Lock()
	defer c.tableMu.Unlock()
	if c.pipelines[p.ID()] != p {
		return
	}
	c.watchdog.Register(p.ID(), p, idle, conn)
}

// GetPipeline returns the open pipeline id.
func (c *Connection) GetPipeline(id uuid.UUID) (*pipeline.Pipeline, error) {
	c.tableMu.Lock()
	defer c.tableMu.Unlock()

	p, ok := c.pipelines[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPipeline, id)
	}
	return p, nil
}

// GetBlockingPipeline returns the open pipeline id wrapped for blocking reads.
func (c *Connection) GetBlockingPipeline(id uuid.UUID) (*pipeline.Blocking, error) {
	p, err := c.GetPipeline(id)
	if err != nil {
		return nil, err
	}
	return pipeline.NewBlocking(p), nil
}

// ListOpenPipelines returns the IDs of open pipelines in ascending byte order.
func (c *Connection) ListOpenPipelines() []uuid.UUID {
	c.tableMu.Lock()
	ids := make([]uuid.UUID, 0, len(c.pipelines))
	for id := range c.pipelines {
		ids = append(ids, id)
	}
	c.tableMu.Unlock()

	slices.SortFunc(ids, func(a, b uuid.UUID) int {
		return bytes.Compare(a[:], b[:])
	})
	return ids
}

// NumPipelines returns the number of open pipelines.
func (c *Connection) NumPipelines() int {
	c.tableMu.Lock()
	defer c.tableMu.Unlock()
	return len(c.pipelines)
}

// PendingCompletions returns the number of write completions not yet notified.
func (c *Connection) PendingCompletions() int {
	return c.bridge.Pending()
}

// IsOpen reports whether the connection is open.
func (c *Connection) IsOpen() bool {
	return c.open.Load()
}

// RemoteAddr returns the peer address of the raw connection.
func (c *Connection) RemoteAddr() net.Addr {
	return c.raw.RemoteAddr()
}

// Raw returns the underlying raw connection.
func (c *Connection) Raw() transport.Conn {
	return c.raw
}

// Close terminates every pipeline without sending Closed frames and closes the
// raw connection. Callbacks already queued still run. Close is idempotent.
func (c *Connection) Close() error {
	if !c.open.CompareAndSwap(true, false) {
		return nil
	}
	c.watchdog.Stop()

	c.tableMu.Lock()
	ps := make([]*pipeline.Pipeline, 0, len(c.pipelines))
	for id, p := range c.pipelines {
		ps = append(ps, p)
		c.closedIDs.Add(id, struct{}{})
		delete(c.pipelines, id)
	}
	c.tableMu.Unlock()

	for _, p := range ps {
		p.Terminate()
		c.metrics.PipelineClosed()
	}

	var err error
	if flushErr := c.mux.Flush(); flushErr != nil && !errors.Is(flushErr, transport.ErrClosed) {
		err = multierr.Append(err, flushErr)
	}
	if closeErr := c.raw.Close(); closeErr != nil && !errors.Is(closeErr, transport.ErrClosed) {
		err = multierr.Append(err, fmt.Errorf("close raw connection: %w", closeErr))
	}
	c.bridge.failAll(ErrClosed)

	c.logger.Debug("multiplexed connection closed", "pipelines", len(ps))
	return err
}

func (c *Connection) closeQuietly() {
	if err := c.Close(); err != nil {
		c.logger.Debug("close", "error", err)
	}
}

// onRawData demultiplexes every complete frame, then runs the resulting
// pipeline events in frame order.
func (c *Connection) onRawData() {
	c.demuxMu.Lock()
	defer c.demuxMu.Unlock()

	c.lifecycle.RLock()
	var err error
	ev := events{c: c}
	for c.open.Load() {
		if err = c.mux.Demultiplex(c.raw, ev); err != nil {
			break
		}
	}
	actions := c.actions
	c.actions = nil
	c.lifecycle.RUnlock()

	for _, action := range actions {
		action()
	}

	switch {
	case err == nil, errors.Is(err, transport.ErrBufferUnderflow):
	case errors.Is(err, frame.ErrProtocolViolation):
		c.logger.Error("protocol violation, closing connection", "error", err)
		c.closeQuietly()
	default:
		c.logger.Error("demultiplex failed, closing connection", "error", err)
		c.closeQuietly()
	}
}

// events applies decoded frames to the pipeline table. Pipeline callbacks are
// deferred to c.actions.
type events struct {
	c *Connection
}

func (e events) OnPipelineOpened(id uuid.UUID) {
	c := e.c

	c.tableMu.Lock()
	_, exists := c.pipelines[id]
	recentlyClosed := c.closedIDs.Contains(id)
	if exists || recentlyClosed || !c.open.Load() {
		c.tableMu.Unlock()
		c.metrics.FrameDropped(metrics.ReasonDuplicateOpen)
		c.logger.Warn("ignoring Opened for a known pipeline",
			"pipeline_id", id, "open", exists, "recently_closed", recentlyClosed)
		return
	}
	p := c.newPipeline(id, c.opts.defaultHandler)
	c.pipelines[id] = p
	c.tableMu.Unlock()

	c.metrics.PipelineOpened(metrics.OriginRemote)
	c.logger.Debug("pipeline opened by peer", "pipeline_id", id)
	c.armWatchdog(p)
	c.actions = append(c.actions, p.Connected)
}

func (e events) OnPipelineClosed(id uuid.UUID) {
	c := e.c
	p := c.remove(id)
	if p == nil {
		c.logger.Debug("ignoring Closed for an unknown pipeline", "pipeline_id", id)
		return
	}
	c.logger.Debug("pipeline closed by peer", "pipeline_id", id)
	c.actions = append(c.actions, p.Terminate)
}

func (e events) OnPipelineData(id uuid.UUID, payload []byte) {
	c := e.c

	c.tableMu.Lock()
	p := c.pipelines[id]
	recentlyClosed := p == nil && c.closedIDs.Contains(id)
	c.tableMu.Unlock()

	if p == nil {
		c.metrics.FrameDropped(metrics.ReasonUnknownPipeline)
		if recentlyClosed {
			c.logger.Debug("dropping data for closed pipeline", "pipeline_id", id, "bytes", len(payload))
			return
		}
		c.dropLog.Do(func() {
			c.logger.Warn("dropping data for unknown pipeline", "pipeline_id", id, "bytes", len(payload))
		})
		return
	}
	c.actions = append(c.actions, func() { p.Deliver(payload) })
}

// remove unregisters id and remembers it as closed. It returns nil if id was
// not registered.
func (c *Connection) remove(id uuid.UUID) *pipeline.Pipeline {
	c.tableMu.Lock()
	p, ok := c.pipelines[id]
	if ok {
		delete(c.pipelines, id)
		c.closedIDs.Add(id, struct{}{})
	}
	c.tableMu.Unlock()

	if !ok {
		return nil
	}
	c.watchdog.Cancel(id)
	c.metrics.PipelineClosed()
	return p
}

// owner is the back-reference pipelines hold to their connection.
type owner struct {
	c *Connection
}

func (o *owner) Enqueue(id uuid.UUID, payload [][]byte, completion *mux.Completion) error {
	if !o.c.open.Load() {
		return ErrClosed
	}
	return o.c.mux.Enqueue(id, payload, completion)
}

func (o *owner) FlushOutbound() error {
	if !o.c.open.Load() {
		return ErrClosed
	}
	return o.c.mux.Flush()
}

func (o *owner) Release(id uuid.UUID) error {
	c := o.c
	if c.remove(id) == nil {
		return nil
	}
	c.logger.Debug("pipeline closed locally", "pipeline_id", id)
	if !c.open.Load() {
		return nil
	}
	if err := c.mux.ClosePipeline(id); err != nil {
		return fmt.Errorf("announce close of %s: %w", id, err)
	}
	return nil
}

func (o *owner) TimeoutsChanged(p *pipeline.Pipeline) {
	o.c.armWatchdog(p)
}

var _ pipeline.Owner = (*owner)(nil)
