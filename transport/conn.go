// Package transport defines the raw connection contract consumed by the
// multiplexer, and provides a goroutine-per-connection implementation over
// net.Conn.
//
// A Conn is non-blocking from the point of view of its consumer: inbound bytes
// are accumulated by the transport and announced through Handler.OnData, and the
// consumer pulls complete length-delimited units with ReadLengthDelimited.
// Outbound buffers are queued with Write and handed to the socket by Flush,
// either on the calling goroutine (FlushSync) or on a writer goroutine
// (FlushAsync). Every flushed Buffer is confirmed individually through
// Handler.OnWritten or Handler.OnWriteFailed.
package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/panjf2000/ants/v2"

	"github.com/smnsjas/go-pipemux/taskqueue"
)

var (
	// ErrBufferUnderflow is returned when a complete unit is not yet buffered.
	ErrBufferUnderflow = errors.New("buffer underflow")
	// ErrLengthExceeded is returned when a length prefix exceeds the caller's limit.
	ErrLengthExceeded = errors.New("length prefix exceeds limit")
	// ErrClosed is returned by operations on a closed connection.
	ErrClosed = errors.New("connection closed")
)

// FlushMode selects where Flush performs socket writes.
type FlushMode int

const (
	// FlushSync writes on the goroutine calling Flush.
	FlushSync FlushMode = iota
	// FlushAsync hands the buffers to the transport's writer.
	FlushAsync
)

// String returns a string representation of the flush mode.
func (m FlushMode) String() string {
	switch m {
	case FlushSync:
		return "Sync"
	case FlushAsync:
		return "Async"
	default:
		return fmt.Sprintf("Unknown(%d)", m)
	}
}

// Buffer is one outbound byte slice. Its pointer identifies it in write
// confirmations, so the same *Buffer must not be written twice.
type Buffer struct {
	B []byte
}

// NewBuffer wraps b.
func NewBuffer(b []byte) *Buffer {
	return &Buffer{B: b}
}

// Len returns the number of bytes in the buffer.
func (b *Buffer) Len() int {
	return len(b.B)
}

// Handler receives connection events. Nil callbacks are skipped.
type Handler struct {
	OnConnect     func(c Conn)
	OnData        func(c Conn)
	OnDisconnect  func(c Conn)
	OnIdleTimeout func(c Conn)

	// OnWritten confirms that b was handed to the operating system.
	OnWritten func(c Conn, b *Buffer)
	// OnWriteFailed reports that b could not be written. The connection is
	// closed after the failure is reported.
	OnWriteFailed func(c Conn, b *Buffer, err error)
}

// Conn is a non-blocking byte-level connection.
type Conn interface {
	// Available returns the number of buffered inbound bytes.
	Available() int
	// ReadLengthDelimited consumes one unit prefixed by a big-endian uint32
	// length and returns the bytes after the prefix. It returns
	// ErrBufferUnderflow without consuming anything if the unit is incomplete.
	ReadLengthDelimited(maxLen int) ([]byte, error)

	// Write queues buffers for the next Flush.
	Write(bufs ...*Buffer) error
	SetFlushMode(mode FlushMode)
	FlushMode() FlushMode
	// Flush writes every queued buffer.
	Flush() error

	// SetHandler installs h. It must be called before Start.
	SetHandler(h *Handler)
	// Start fires OnConnect and begins delivering events.
	Start()
	// SetIdleTimeout sets how long the connection may receive nothing before
	// OnIdleTimeout fires. Zero disables it.
	SetIdleTimeout(d time.Duration)

	// Executor returns the worker pool associated with the connection.
	Executor() taskqueue.Executor
	RemoteAddr() net.Addr
	IsOpen() bool
	Close() error
}

// DefaultExecutor submits tasks to the ants default pool.
var DefaultExecutor taskqueue.Executor = defaultExecutor{}

type defaultExecutor struct{}

func (defaultExecutor) Submit(task func()) error {
	return ants.Submit(task)
}

// lengthDelimited extracts one length-prefixed unit from buf. It returns the
// unit body and the number of bytes it occupied, or ErrBufferUnderflow.
func lengthDelimited(buf []byte, maxLen int) (body []byte, consumed int, err error) {
	if len(buf) < 4 {
		return nil, 0, ErrBufferUnderflow
	}
	n := binary.BigEndian.Uint32(buf[:4])
	if maxLen > 0 && uint64(n) > uint64(maxLen) {
		return nil, 0, fmt.Errorf("%w: %d > %d", ErrLengthExceeded, n, maxLen)
	}
	total := 4 + int(n)
	if len(buf) < total {
		return nil, 0, ErrBufferUnderflow
	}
	body = make([]byte, n)
	copy(body, buf[4:total])
	return body, total, nil
}

// InboundBuffer accumulates inbound bytes for length-delimited reads.
// It is not safe for concurrent use.
type InboundBuffer struct {
	buf []byte
	off int
}

// Append adds p to the end of the buffer.
func (b *InboundBuffer) Append(p []byte) {
	if b.off > 0 && b.off == len(b.buf) {
		b.buf = b.buf[:0]
		b.off = 0
	} else if b.off > 4096 && b.off > len(b.buf)/2 {
		n := copy(b.buf, b.buf[b.off:])
		b.buf = b.buf[:n]
		b.off = 0
	}
	b.buf = append(b.buf, p...)
}

// Len returns the number of unread bytes.
func (b *InboundBuffer) Len() int {
	return len(b.buf) - b.off
}

// ReadLengthDelimited consumes one length-prefixed unit.
func (b *InboundBuffer) ReadLengthDelimited(maxLen int) ([]byte, error) {
	body, n, err := lengthDelimited(b.buf[b.off:], maxLen)
	if err != nil {
		return nil, err
	}
	b.off += n
	return body, nil
}
