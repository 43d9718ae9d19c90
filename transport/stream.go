package transport

import (
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"

	"github.com/smnsjas/go-pipemux/taskqueue"
)

const defaultReadSize = 32 * 1024

// StreamOption configures a StreamConn.
type StreamOption func(*StreamConn)

// WithExecutor sets the worker pool returned by Executor.
func WithExecutor(exec taskqueue.Executor) StreamOption {
	return func(c *StreamConn) {
		c.exec = exec
	}
}

// WithStreamLogger sets the logger.
func WithStreamLogger(logger *slog.Logger) StreamOption {
	return func(c *StreamConn) {
		c.logger = logger
	}
}

// WithReadSize sets the size of the socket read buffer.
func WithReadSize(n int) StreamOption {
	return func(c *StreamConn) {
		if n > 0 {
			c.readSize = n
		}
	}
}

// StreamConn implements Conn over a net.Conn with one reader goroutine and
// one writer goroutine.
type StreamConn struct {
	conn     net.Conn
	exec     taskqueue.Executor
	logger   *slog.Logger
	readSize int

	handler atomic.Pointer[Handler]

	inMu    sync.Mutex
	inbound InboundBuffer

	// outMu protects pending, outbox and flushMode.
	outMu     sync.Mutex
	pending   []*Buffer
	outbox    []*Buffer
	flushMode FlushMode

	// writeMu serializes socket writes between Flush and the writer goroutine.
	writeMu sync.Mutex
	wake    chan struct{}

	idleTimeout atomic.Int64

	closed         atomic.Bool
	closeOnce      sync.Once
	disconnectOnce sync.Once
	done           chan struct{}
	startOnce      sync.Once
}

// NewStreamConn wraps conn. Call Start once the handler is installed.
func NewStreamConn(conn net.Conn, opts ...StreamOption) *StreamConn {
	c := &StreamConn{
		conn:     conn,
		exec:     DefaultExecutor,
		readSize: defaultReadSize,
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	c.logger = c.logger.With("remote", conn.RemoteAddr().String())
	return c
}

// Start fires OnConnect and begins reading and writing.
func (c *StreamConn) Start() {
	c.startOnce.Do(func() {
		if h := c.handler.Load(); h != nil && h.OnConnect != nil {
			h.OnConnect(c)
		}
		go c.writeLoop()
		go c.readLoop()
	})
}

// SetHandler installs h.
func (c *StreamConn) SetHandler(h *Handler) {
	c.handler.Store(h)
}

// SetIdleTimeout sets the inbound idle timeout.
func (c *StreamConn) SetIdleTimeout(d time.Duration) {
	c.idleTimeout.Store(int64(d))
	if d <= 0 {
		_ = c.conn.SetReadDeadline(time.Time{})
	}
}

// Available returns the number of buffered inbound bytes.
func (c *StreamConn) Available() int {
	c.inMu.Lock()
	defer c.inMu.Unlock()
	return c.inbound.Len()
}

// ReadLengthDelimited consumes one length-prefixed unit.
func (c *StreamConn) ReadLengthDelimited(maxLen int) ([]byte, error) {
	c.inMu.Lock()
	defer c.inMu.Unlock()
	return c.inbound.ReadLengthDelimited(maxLen)
}

// Write queues bufs for the next Flush.
func (c *StreamConn) Write(bufs ...*Buffer) error {
	if c.closed.Load() {
		return ErrClosed
	}
	c.outMu.Lock()
	c.pending = append(c.pending, bufs...)
	c.outMu.Unlock()
	return nil
}

// SetFlushMode selects synchronous or asynchronous flushing.
func (c *StreamConn) SetFlushMode(mode FlushMode) {
	c.outMu.Lock()
	c.flushMode = mode
	c.outMu.Unlock()
}

// FlushMode returns the current flush mode.
func (c *StreamConn) FlushMode() FlushMode {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	return c.flushMode
}

// Flush writes queued buffers according to the flush mode.
func (c *StreamConn) Flush() error {
	if c.closed.Load() {
		return ErrClosed
	}

	c.outMu.Lock()
	c.outbox = append(c.outbox, c.pending...)
	c.pending = nil
	mode := c.flushMode
	c.outMu.Unlock()

	if mode == FlushAsync {
		select {
		case c.wake <- struct{}{}:
		default:
		}
		return nil
	}
	return c.writeOutbox()
}

// Executor returns the worker pool.
func (c *StreamConn) Executor() taskqueue.Executor {
	return c.exec
}

// RemoteAddr returns the peer address.
func (c *StreamConn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// IsOpen reports whether Close has not been called.
func (c *StreamConn) IsOpen() bool {
	return !c.closed.Load()
}

// Close flushes queued buffers, closes the socket and fails anything that
// could not be written.
func (c *StreamConn) Close() error {
	var err error
	if !c.closed.Load() {
		c.outMu.Lock()
		c.outbox = append(c.outbox, c.pending...)
		c.pending = nil
		c.outMu.Unlock()
		err = multierr.Append(err, c.writeOutbox())
	}
	return multierr.Append(err, c.shutdown(ErrClosed))
}

// shutdown closes the socket without flushing.
func (c *StreamConn) shutdown(cause error) error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.done)
		err = c.conn.Close()

		c.outMu.Lock()
		unsent := append(c.outbox, c.pending...)
		c.outbox = nil
		c.pending = nil
		c.outMu.Unlock()
		c.failBuffers(unsent, cause)
	})
	return err
}

// writeOutbox writes everything in the outbox. Confirmations are delivered
// after writeMu is released so that callbacks may flush again.
func (c *StreamConn) writeOutbox() error {
	c.writeMu.Lock()
	c.outMu.Lock()
	batch := c.outbox
	c.outbox = nil
	c.outMu.Unlock()

	var err error
	if len(batch) > 0 {
		bufs := make(net.Buffers, 0, len(batch))
		for _, b := range batch {
			bufs = append(bufs, b.B)
		}
		_, err = bufs.WriteTo(c.conn)
	}
	c.writeMu.Unlock()

	if len(batch) == 0 {
		return nil
	}
	if err != nil {
		c.logger.Debug("write failed", "error", err, "buffers", len(batch))
		c.failBuffers(batch, err)
		_ = c.shutdown(err)
		return err
	}

	h := c.handler.Load()
	if h != nil && h.OnWritten != nil {
		for _, b := range batch {
			h.OnWritten(c, b)
		}
	}
	return nil
}

func (c *StreamConn) failBuffers(bufs []*Buffer, err error) {
	if len(bufs) == 0 {
		return
	}
	h := c.handler.Load()
	if h == nil || h.OnWriteFailed == nil {
		return
	}
	for _, b := range bufs {
		h.OnWriteFailed(c, b, err)
	}
}

func (c *StreamConn) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case <-c.wake:
			if err := c.writeOutbox(); err != nil {
				return
			}
		}
	}
}

func (c *StreamConn) readLoop() {
	defer c.disconnected()

	buf := make([]byte, c.readSize)
	for {
		if d := time.Duration(c.idleTimeout.Load()); d > 0 {
			_ = c.conn.SetReadDeadline(time.Now().Add(d))
		}

		n, err := c.conn.Read(buf)
		if n > 0 {
			c.inMu.Lock()
			c.inbound.Append(buf[:n])
			c.inMu.Unlock()

			if h := c.handler.Load(); h != nil && h.OnData != nil {
				h.OnData(c)
			}
		}
		if err == nil {
			continue
		}

		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() && !c.closed.Load() {
			if h := c.handler.Load(); h != nil && h.OnIdleTimeout != nil {
				h.OnIdleTimeout(c)
			}
			if !c.closed.Load() {
				continue
			}
			return
		}

		if !errors.Is(err, io.EOF) && !c.closed.Load() {
			c.logger.Debug("read failed", "error", err)
		}
		_ = c.shutdown(ErrClosed)
		return
	}
}

func (c *StreamConn) disconnected() {
	c.disconnectOnce.Do(func() {
		if h := c.handler.Load(); h != nil && h.OnDisconnect != nil {
			h.OnDisconnect(c)
		}
	})
}
