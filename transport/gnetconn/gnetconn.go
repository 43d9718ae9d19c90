// Package gnetconn implements transport.Conn on the gnet event-loop engine.
//
// Inbound traffic is copied off the event loop into a per-connection buffer
// inside OnTraffic, so length-delimited reads may happen on any goroutine.
// Outbound buffers are written with AsyncWritev and confirmed from its
// callback; FlushSync behaves like FlushAsync because gnet owns the socket.
//
// # Usage
//
//	srv := gnetconn.NewServer("127.0.0.1:7000", func(c *gnetconn.Conn) {
//		c.SetHandler(h)
//		c.Start()
//	})
//	go srv.Run()
//
//	cli, _ := gnetconn.NewClient()
//	conn, _ := cli.Dial("127.0.0.1:7000")
package gnetconn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/panjf2000/gnet/v2"
	"github.com/panjf2000/gnet/v2/pkg/pool/goroutine"

	"github.com/smnsjas/go-pipemux/taskqueue"
	"github.com/smnsjas/go-pipemux/transport"
)

// DefaultTickInterval is how often idle connections are checked.
const DefaultTickInterval = 100 * time.Millisecond

// ErrNotBooted is returned by Stop before the engine has started.
var ErrNotBooted = errors.New("gnet engine not booted")

// Option configures a Server or Client.
type Option func(*events)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *events) {
		e.logger = logger
	}
}

// WithExecutor sets the worker pool handed to connections.
func WithExecutor(exec taskqueue.Executor) Option {
	return func(e *events) {
		e.exec = exec
	}
}

// WithMulticore runs one event loop per CPU.
func WithMulticore(on bool) Option {
	return func(e *events) {
		e.multicore = on
	}
}

// WithTickInterval sets the idle check interval.
func WithTickInterval(d time.Duration) Option {
	return func(e *events) {
		if d > 0 {
			e.tick = d
		}
	}
}

// Conn is a gnet connection adapted to transport.Conn.
type Conn struct {
	gcMu sync.RWMutex
	gc   gnet.Conn

	exec    taskqueue.Executor
	logger  *slog.Logger
	handler atomic.Pointer[transport.Handler]

	inMu    sync.Mutex
	inbound transport.InboundBuffer

	outMu     sync.Mutex
	pending   []*transport.Buffer
	flushMode transport.FlushMode

	// flushMu keeps batches handed to AsyncWritev in Write order.
	flushMu sync.Mutex

	idleTimeout atomic.Int64
	lastRead    atomic.Int64

	started        atomic.Bool
	closed         atomic.Bool
	disconnectOnce sync.Once
}

func newConn(e *events) *Conn {
	c := &Conn{
		exec:   e.exec,
		logger: e.logger,
	}
	c.lastRead.Store(time.Now().UnixNano())
	return c
}

func (c *Conn) attach(gc gnet.Conn) {
	c.gcMu.Lock()
	if c.gc == nil {
		c.gc = gc
	}
	c.gcMu.Unlock()
}

func (c *Conn) conn() gnet.Conn {
	c.gcMu.RLock()
	defer c.gcMu.RUnlock()
	return c.gc
}

// Start fires OnConnect and delivers any bytes that arrived before it.
func (c *Conn) Start() {
	if !c.started.CompareAndSwap(false, true) {
		return
	}
	h := c.handler.Load()
	if h != nil && h.OnConnect != nil {
		h.OnConnect(c)
	}
	if c.Available() > 0 && h != nil && h.OnData != nil {
		h.OnData(c)
	}
}

// SetHandler installs h.
func (c *Conn) SetHandler(h *transport.Handler) {
	c.handler.Store(h)
}

// SetIdleTimeout sets the inbound idle timeout.
func (c *Conn) SetIdleTimeout(d time.Duration) {
	c.idleTimeout.Store(int64(d))
}

// Available returns the number of buffered inbound bytes.
func (c *Conn) Available() int {
	c.inMu.Lock()
	defer c.inMu.Unlock()
	return c.inbound.Len()
}

// ReadLengthDelimited consumes one length-prefixed unit.
func (c *Conn) ReadLengthDelimited(maxLen int) ([]byte, error) {
	c.inMu.Lock()
	defer c.inMu.Unlock()
	return c.inbound.ReadLengthDelimited(maxLen)
}

// Write queues bufs for the next Flush.
func (c *Conn) Write(bufs ...*transport.Buffer) error {
	if c.closed.Load() {
		return transport.ErrClosed
	}
	c.outMu.Lock()
	c.pending = append(c.pending, bufs...)
	c.outMu.Unlock()
	return nil
}

// SetFlushMode records mode. Both modes write asynchronously.
func (c *Conn) SetFlushMode(mode transport.FlushMode) {
	c.outMu.Lock()
	c.flushMode = mode
	c.outMu.Unlock()
}

// FlushMode returns the recorded flush mode.
func (c *Conn) FlushMode() transport.FlushMode {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	return c.flushMode
}

// Flush hands queued buffers to the event loop.
func (c *Conn) Flush() error {
	if c.closed.Load() {
		return transport.ErrClosed
	}

	batch, err := c.submit()
	if err != nil {
		c.fail(batch, err)
		return fmt.Errorf("async writev: %w", err)
	}
	return nil
}

// submit takes the pending buffers and queues them on the event loop as one
// step, so a later Flush can never overtake an earlier batch.
func (c *Conn) submit() ([]*transport.Buffer, error) {
	c.flushMu.Lock()
	defer c.flushMu.Unlock()

	c.outMu.Lock()
	batch := c.pending
	c.pending = nil
	c.outMu.Unlock()

	if len(batch) == 0 {
		return nil, nil
	}

	parts := make([][]byte, 0, len(batch))
	for _, b := range batch {
		parts = append(parts, b.B)
	}

	return batch, c.conn().AsyncWritev(parts, func(_ gnet.Conn, err error) error {
		if err != nil {
			c.fail(batch, err)
			return nil
		}
		if h := c.handler.Load(); h != nil && h.OnWritten != nil {
			for _, b := range batch {
				h.OnWritten(c, b)
			}
		}
		return nil
	})
}

func (c *Conn) fail(batch []*transport.Buffer, err error) {
	c.logger.Debug("write failed", "remote", c.RemoteAddr(), "error", err, "buffers", len(batch))
	if h := c.handler.Load(); h != nil && h.OnWriteFailed != nil {
		for _, b := range batch {
			h.OnWriteFailed(c, b, err)
		}
	}
	_ = c.Close()
}

// Executor returns the worker pool.
func (c *Conn) Executor() taskqueue.Executor {
	return c.exec
}

// RemoteAddr returns the peer address.
func (c *Conn) RemoteAddr() net.Addr {
	if gc := c.conn(); gc != nil {
		return gc.RemoteAddr()
	}
	return nil
}

// IsOpen reports whether the connection has not been closed.
func (c *Conn) IsOpen() bool {
	return !c.closed.Load()
}

// Close fails unflushed buffers and asks the event loop to close the socket.
func (c *Conn) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}

	c.outMu.Lock()
	unsent := c.pending
	c.pending = nil
	c.outMu.Unlock()

	if h := c.handler.Load(); h != nil && h.OnWriteFailed != nil {
		for _, b := range unsent {
			h.OnWriteFailed(c, b, transport.ErrClosed)
		}
	}

	if gc := c.conn(); gc != nil {
		return gc.Close()
	}
	return nil
}

func (c *Conn) disconnected() {
	c.closed.Store(true)
	c.disconnectOnce.Do(func() {
		if h := c.handler.Load(); h != nil && h.OnDisconnect != nil {
			h.OnDisconnect(c)
		}
	})
}

// events is the gnet.EventHandler shared by Server and Client.
type events struct {
	gnet.BuiltinEventEngine

	logger    *slog.Logger
	exec      taskqueue.Executor
	multicore bool
	tick      time.Duration

	onAccept func(*Conn)
	onBoot   func(gnet.Engine)

	conns sync.Map // *Conn -> struct{}
}

func newEvents(opts []Option) *events {
	e := &events{tick: DefaultTickInterval}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.exec == nil {
		e.exec = goroutine.Default()
	}
	return e
}

func (e *events) OnBoot(eng gnet.Engine) gnet.Action {
	if e.onBoot != nil {
		e.onBoot(eng)
	}
	return gnet.None
}

func (e *events) OnOpen(gc gnet.Conn) ([]byte, gnet.Action) {
	c, ok := gc.Context().(*Conn)
	if !ok {
		c = newConn(e)
		gc.SetContext(c)
	}
	c.attach(gc)
	e.conns.Store(c, struct{}{})

	if !ok && e.onAccept != nil {
		e.onAccept(c)
	}
	return nil, gnet.None
}

func (e *events) OnClose(gc gnet.Conn, err error) gnet.Action {
	c, ok := gc.Context().(*Conn)
	if !ok {
		return gnet.None
	}
	if err != nil {
		c.logger.Debug("connection closed", "remote", gc.RemoteAddr(), "error", err)
	}
	e.conns.Delete(c)
	c.disconnected()
	return gnet.None
}

func (e *events) OnTraffic(gc gnet.Conn) gnet.Action {
	c, ok := gc.Context().(*Conn)
	if !ok {
		e.logger.Warn("traffic on connection without context")
		return gnet.Close
	}

	buf, err := gc.Next(-1)
	if err != nil {
		c.logger.Debug("read failed", "remote", gc.RemoteAddr(), "error", err)
		return gnet.Close
	}

	c.inMu.Lock()
	c.inbound.Append(buf)
	c.inMu.Unlock()
	c.lastRead.Store(time.Now().UnixNano())

	if !c.started.Load() {
		return gnet.None
	}
	if h := c.handler.Load(); h != nil && h.OnData != nil {
		h.OnData(c)
	}
	return gnet.None
}

func (e *events) OnTick() (time.Duration, gnet.Action) {
	now := time.Now().UnixNano()
	e.conns.Range(func(key, _ any) bool {
		c := key.(*Conn)
		idle := c.idleTimeout.Load()
		if idle <= 0 || !c.started.Load() || now-c.lastRead.Load() < idle {
			return true
		}
		c.lastRead.Store(now)
		if h := c.handler.Load(); h != nil && h.OnIdleTimeout != nil {
			h.OnIdleTimeout(c)
		}
		return true
	})
	return e.tick, gnet.None
}

// Server accepts connections on a gnet engine.
type Server struct {
	ev   *events
	addr string

	mu     sync.Mutex
	engine gnet.Engine
	booted chan struct{}
}

// NewServer creates a server that calls accept for every new connection.
// accept runs on the event loop and must install a handler and call Start.
func NewServer(addr string, accept func(*Conn), opts ...Option) *Server {
	s := &Server{
		ev:     newEvents(opts),
		addr:   addr,
		booted: make(chan struct{}),
	}
	s.ev.onAccept = accept
	s.ev.onBoot = func(eng gnet.Engine) {
		s.mu.Lock()
		s.engine = eng
		s.mu.Unlock()
		close(s.booted)
	}
	return s
}

// Run serves until Stop is called.
func (s *Server) Run() error {
	s.ev.logger.Info("gnet engine starting", "addr", s.addr, "multicore", s.ev.multicore)
	return gnet.Run(s.ev, "tcp://"+s.addr,
		gnet.WithMulticore(s.ev.multicore),
		gnet.WithTicker(true),
		gnet.WithTCPNoDelay(gnet.TCPNoDelay),
	)
}

// Booted is closed once the engine accepts connections.
func (s *Server) Booted() <-chan struct{} {
	return s.booted
}

// Stop shuts the engine down.
func (s *Server) Stop(ctx context.Context) error {
	select {
	case <-s.booted:
	default:
		return ErrNotBooted
	}
	s.mu.Lock()
	eng := s.engine
	s.mu.Unlock()
	return eng.Stop(ctx)
}

// Client dials connections served by its own event loops.
type Client struct {
	ev  *events
	cli *gnet.Client
}

// NewClient creates and starts a client engine.
func NewClient(opts ...Option) (*Client, error) {
	ev := newEvents(opts)
	cli, err := gnet.NewClient(ev,
		gnet.WithMulticore(ev.multicore),
		gnet.WithTicker(true),
		gnet.WithTCPNoDelay(gnet.TCPNoDelay),
	)
	if err != nil {
		return nil, fmt.Errorf("create gnet client: %w", err)
	}
	if err := cli.Start(); err != nil {
		return nil, fmt.Errorf("start gnet client: %w", err)
	}
	return &Client{ev: ev, cli: cli}, nil
}

// Dial connects to addr. Install a handler and call Start on the result.
func (cl *Client) Dial(addr string) (*Conn, error) {
	c := newConn(cl.ev)
	gc, err := cl.cli.DialContext("tcp", addr, c)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	c.attach(gc)
	return c, nil
}

// Close stops the client engine and every connection it dialed.
func (cl *Client) Close() error {
	return cl.cli.Stop()
}

var _ transport.Conn = (*Conn)(nil)
