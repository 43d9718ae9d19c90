package pipeline

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/smnsjas/go-pipemux/mux"
	"github.com/smnsjas/go-pipemux/taskqueue"
)

var (
	// ErrBufferUnderflow is returned when a read needs more bytes than are
	// buffered. It is not fatal; the read is retried when more data arrives.
	ErrBufferUnderflow = errors.New("buffer underflow")
	// ErrNoDataYet is returned instead of ErrBufferUnderflow while receiving is
	// suspended.
	ErrNoDataYet = errors.New("no data yet")
	// ErrMaxReadSizeExceeded is returned when a delimiter was not found within
	// the caller's size limit. It closes the pipeline when returned from OnData.
	ErrMaxReadSizeExceeded = errors.New("max read size exceeded")
	// ErrClosed is returned by operations on a closed pipeline.
	ErrClosed = errors.New("pipeline closed")
	// ErrWriteMarkSet is returned by Flush while a write mark is active.
	ErrWriteMarkSet = errors.New("write mark is set")
)

// State represents the current state of a Pipeline.
type State int

const (
	// StateOpen indicates the pipeline accepts reads and writes.
	StateOpen State = iota
	// StateClosed indicates the pipeline has been closed. It is terminal.
	StateClosed
)

// String returns a string representation of the state.
func (s State) String() string {
	switch s {
	case StateOpen:
		return "Open"
	case StateClosed:
		return "Closed"
	default:
		return fmt.Sprintf("Unknown(%d)", s)
	}
}

// Owner is the connection a pipeline is multiplexed over. A pipeline refers to
// its owner only through this interface.
type Owner interface {
	// Enqueue queues payload as Data frames for id without flushing.
	Enqueue(id uuid.UUID, payload [][]byte, c *mux.Completion) error
	// FlushOutbound flushes queued frames.
	FlushOutbound() error
	// Release unregisters id and announces the close to the peer.
	Release(id uuid.UUID) error
	// TimeoutsChanged is called after a timeout setter.
	TimeoutsChanged(p *Pipeline)
}

// Config holds the collaborators of a Pipeline.
type Config struct {
	ID       uuid.UUID
	Owner    Owner
	Queue    *taskqueue.Queue
	Executor taskqueue.Executor
	Handler  *Handler
	Clock    clock.Clock
	Logger   *slog.Logger

	IdleTimeout       time.Duration
	ConnectionTimeout time.Duration
}

// Pipeline is one logical byte stream of a multiplexed connection.
type Pipeline struct {
	mu sync.Mutex

	id     uuid.UUID
	state  State
	owner  Owner
	queue  *taskqueue.Queue
	exec   taskqueue.Executor
	clock  clock.Clock
	logger *slog.Logger

	handler             *Handler
	connectedHandler    *Handler
	disconnectedHandler *Handler
	policy              policy
	connected           bool
	disconnectPending   bool
	released            bool

	// inbound
	readBuf   []byte
	readPos   int
	readMark  int
	parked    []byte
	suspended bool
	version   uint64
	arrived   chan struct{}

	// outbound
	writeBuf           []byte
	writePos           int
	writeMark          int
	autoflush          bool
	pendingCompletions int

	// timeouts
	idleTimeout  time.Duration
	connTimeout  time.Duration
	created      time.Time
	lastActivity time.Time
	idleFired    bool
	connFired    bool

	attachment any
	closedCh   chan struct{}
}

// New creates an open pipeline. The caller registers it with its owner and
// then calls Connected.
func New(cfg Config) *Pipeline {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Queue == nil {
		cfg.Queue = taskqueue.New(cfg.Logger)
	}

	now := cfg.Clock.Now()
	return &Pipeline{
		id:           cfg.ID,
		state:        StateOpen,
		owner:        cfg.Owner,
		queue:        cfg.Queue,
		exec:         cfg.Executor,
		clock:        cfg.Clock,
		logger:       cfg.Logger.With("pipeline_id", cfg.ID.String()),
		handler:      cfg.Handler,
		policy:       resolvePolicy(cfg.Handler),
		readMark:     -1,
		writeMark:    -1,
		autoflush:    true,
		arrived:      make(chan struct{}),
		idleTimeout:  cfg.IdleTimeout,
		connTimeout:  cfg.ConnectionTimeout,
		created:      now,
		lastActivity: now,
		closedCh:     make(chan struct{}),
	}
}

// ID returns the pipeline ID.
func (p *Pipeline) ID() uuid.UUID {
	return p.id
}

// State returns the current state.
func (p *Pipeline) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// IsOpen reports whether the pipeline is open.
func (p *Pipeline) IsOpen() bool {
	return p.State() == StateOpen
}

// Done is closed when the pipeline closes.
func (p *Pipeline) Done() <-chan struct{} {
	return p.closedCh
}

// Handler returns the installed handler.
func (p *Pipeline) Handler() *Handler {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.handler
}

// SetAttachment stores an arbitrary value on the pipeline.
func (p *Pipeline) SetAttachment(v any) {
	p.mu.Lock()
	p.attachment = v
	p.mu.Unlock()
}

// Attachment returns the value stored with SetAttachment.
func (p *Pipeline) Attachment() any {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.attachment
}

// Deliver appends inbound payload and schedules OnData. While receiving is
// suspended the payload is parked instead. Data for a closed pipeline is
// dropped, and data arriving before Connected is buffered until then.
func (p *Pipeline) Deliver(payload []byte) {
	p.mu.Lock()
	if p.state == StateClosed {
		p.mu.Unlock()
		return
	}
	p.lastActivity = p.clock.Now()
	if p.suspended {
		p.parked = append(p.parked, payload...)
		p.mu.Unlock()
		return
	}
	p.readBuf = append(p.readBuf, payload...)
	p.signalLocked()
	connected := p.connected
	p.mu.Unlock()

	if connected {
		p.dispatchData()
	}
}

// signalLocked wakes blocked readers.
func (p *Pipeline) signalLocked() {
	close(p.arrived)
	p.arrived = make(chan struct{})
}

func (p *Pipeline) waitChan() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.arrived
}

// Available returns the number of readable bytes.
func (p *Pipeline) Available() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.availableLocked()
}

func (p *Pipeline) availableLocked() int {
	return len(p.readBuf) - p.readPos
}

// Version returns a counter that increases whenever bytes are consumed.
// Reads under a read mark count only once the mark is removed.
func (p *Pipeline) Version() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.version
}

func (p *Pipeline) underflowLocked() error {
	if p.suspended {
		return ErrNoDataYet
	}
	return ErrBufferUnderflow
}

// consumeLocked advances the read position by n bytes and returns them.
func (p *Pipeline) consumeLocked(n int) []byte {
	out := make([]byte, n)
	copy(out, p.readBuf[p.readPos:p.readPos+n])
	p.readPos += n
	if p.readMark < 0 {
		if n > 0 {
			p.version++
		}
		p.compactLocked()
	}
	return out
}

func (p *Pipeline) compactLocked() {
	keep := p.readPos
	if p.readMark >= 0 {
		keep = p.readMark
	}
	if keep == 0 {
		return
	}
	if keep == len(p.readBuf) {
		p.readBuf = p.readBuf[:0]
	} else if keep < 4096 || keep < len(p.readBuf)/2 {
		return
	} else {
		n := copy(p.readBuf, p.readBuf[keep:])
		p.readBuf = p.readBuf[:n]
	}
	p.readPos -= keep
	if p.readMark >= 0 {
		p.readMark -= keep
	}
}

// ReadBytes consumes exactly n bytes.
func (p *Pipeline) ReadBytes(n int) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if n < 0 {
		return nil, fmt.Errorf("read %d bytes: negative length", n)
	}
	if p.availableLocked() < n {
		return nil, p.underflowLocked()
	}
	return p.consumeLocked(n), nil
}

// ReadAvailable consumes every readable byte.
func (p *Pipeline) ReadAvailable() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.consumeLocked(p.availableLocked())
}

// ReadBytesByDelimiter consumes bytes up to and including delim and returns
// them without delim. If delim does not occur within maxLen bytes it returns
// ErrMaxReadSizeExceeded. A maxLen of zero or less means no limit.
func (p *Pipeline) ReadBytesByDelimiter(delim []byte, maxLen int) ([]byte, error) {
	if len(delim) == 0 {
		return nil, errors.New("empty delimiter")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	unread := p.readBuf[p.readPos:]
	idx := bytes.Index(unread, delim)
	if idx < 0 {
		if maxLen > 0 && len(unread) >= maxLen+len(delim) {
			return nil, fmt.Errorf("%w: no delimiter within %d bytes", ErrMaxReadSizeExceeded, maxLen)
		}
		return nil, p.underflowLocked()
	}
	if maxLen > 0 && idx > maxLen {
		return nil, fmt.Errorf("%w: delimiter at %d, limit %d", ErrMaxReadSizeExceeded, idx, maxLen)
	}

	out := make([]byte, idx)
	copy(out, unread[:idx])
	p.consumeLocked(idx + len(delim))
	return out, nil
}

// ReadString consumes n bytes as a string.
func (p *Pipeline) ReadString(n int) (string, error) {
	b, err := p.ReadBytes(n)
	return string(b), err
}

// ReadStringByDelimiter is ReadBytesByDelimiter for strings.
func (p *Pipeline) ReadStringByDelimiter(delim string, maxLen int) (string, error) {
	b, err := p.ReadBytesByDelimiter([]byte(delim), maxLen)
	return string(b), err
}

// ReadUint8 reads one byte.
func (p *Pipeline) ReadUint8() (uint8, error) {
	b, err := p.ReadBytes(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

// ReadUint16 reads a big-endian uint16.
func (p *Pipeline) ReadUint16() (uint16, error) {
	b, err := p.ReadBytes(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

// ReadUint32 reads a big-endian uint32.
func (p *Pipeline) ReadUint32() (uint32, error) {
	b, err := p.ReadBytes(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

// ReadUint64 reads a big-endian uint64.
func (p *Pipeline) ReadUint64() (uint64, error) {
	b, err := p.ReadBytes(8)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b), nil
}

// ReadInt16 reads a big-endian int16.
func (p *Pipeline) ReadInt16() (int16, error) {
	v, err := p.ReadUint16()
	return int16(v), err // #nosec G115 -- two's complement reinterpretation
}

// ReadInt32 reads a big-endian int32.
func (p *Pipeline) ReadInt32() (int32, error) {
	v, err := p.ReadUint32()
	return int32(v), err // #nosec G115 -- two's complement reinterpretation
}

// ReadInt64 reads a big-endian int64.
func (p *Pipeline) ReadInt64() (int64, error) {
	v, err := p.ReadUint64()
	return int64(v), err // #nosec G115 -- two's complement reinterpretation
}

// ReadFloat64 reads a big-endian IEEE 754 float64.
func (p *Pipeline) ReadFloat64() (float64, error) {
	v, err := p.ReadUint64()
	return math.Float64frombits(v), err
}

// MarkReadPosition saves the read position, replacing any previous mark.
func (p *Pipeline) MarkReadPosition() {
	p.mu.Lock()
	p.readMark = p.readPos
	p.mu.Unlock()
}

// ResetToReadMark rewinds to the read mark. It reports whether a mark was set.
// The mark stays active.
func (p *Pipeline) ResetToReadMark() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.readMark < 0 {
		return false
	}
	p.readPos = p.readMark
	return true
}

// RemoveReadMark commits everything read since the mark.
func (p *Pipeline) RemoveReadMark() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.readMark < 0 {
		return
	}
	if p.readPos > p.readMark {
		p.version++
	}
	p.readMark = -1
	p.compactLocked()
}

// SuspendReceiving parks inbound data until ResumeReceiving.
func (p *Pipeline) SuspendReceiving() {
	p.mu.Lock()
	p.suspended = true
	p.mu.Unlock()
}

// ResumeReceiving makes parked data readable in arrival order and runs one
// OnData pass.
func (p *Pipeline) ResumeReceiving() {
	p.mu.Lock()
	if !p.suspended {
		p.mu.Unlock()
		return
	}
	p.suspended = false
	p.readBuf = append(p.readBuf, p.parked...)
	p.parked = nil
	p.lastActivity = p.clock.Now()
	p.signalLocked()
	connected := p.connected
	p.mu.Unlock()

	if connected {
		p.dispatchData()
	}
}

// IsReceivingSuspended reports whether receiving is suspended.
func (p *Pipeline) IsReceivingSuspended() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.suspended
}

// Write appends b to the write buffer. It implements io.Writer.
func (p *Pipeline) Write(b []byte) (int, error) {
	p.mu.Lock()
	if p.state == StateClosed {
		p.mu.Unlock()
		return 0, ErrClosed
	}

	overlap := min(len(b), len(p.writeBuf)-p.writePos)
	copy(p.writeBuf[p.writePos:], b[:overlap])
	p.writeBuf = append(p.writeBuf, b[overlap:]...)
	p.writePos += len(b)

	flush := p.autoflush && p.writeMark < 0
	p.mu.Unlock()

	if flush {
		if err := p.Flush(); err != nil {
			return len(b), err
		}
	}
	return len(b), nil
}

// WriteString appends s to the write buffer.
func (p *Pipeline) WriteString(s string) (int, error) {
	return p.Write([]byte(s))
}

// WriteUint8 writes one byte.
func (p *Pipeline) WriteUint8(v uint8) error {
	_, err := p.Write([]byte{v})
	return err
}

// WriteUint16 writes a big-endian uint16.
func (p *Pipeline) WriteUint16(v uint16) error {
	_, err := p.Write(binary.BigEndian.AppendUint16(nil, v))
	return err
}

// WriteUint32 writes a big-endian uint32.
func (p *Pipeline) WriteUint32(v uint32) error {
	_, err := p.Write(binary.BigEndian.AppendUint32(nil, v))
	return err
}

// WriteUint64 writes a big-endian uint64.
func (p *Pipeline) WriteUint64(v uint64) error {
	_, err := p.Write(binary.BigEndian.AppendUint64(nil, v))
	return err
}

// WriteInt16 writes a big-endian int16.
func (p *Pipeline) WriteInt16(v int16) error {
	return p.WriteUint16(uint16(v)) // #nosec G115 -- two's complement reinterpretation
}

// WriteInt32 writes a big-endian int32.
func (p *Pipeline) WriteInt32(v int32) error {
	return p.WriteUint32(uint32(v)) // #nosec G115 -- two's complement reinterpretation
}

// WriteInt64 writes a big-endian int64.
func (p *Pipeline) WriteInt64(v int64) error {
	return p.WriteUint64(uint64(v)) // #nosec G115 -- two's complement reinterpretation
}

// WriteFloat64 writes a big-endian IEEE 754 float64.
func (p *Pipeline) WriteFloat64(v float64) error {
	return p.WriteUint64(math.Float64bits(v))
}

// SetAutoflush controls whether every write is flushed immediately.
// Autoflush is on by default and is deferred while a write mark is set.
func (p *Pipeline) SetAutoflush(on bool) {
	p.mu.Lock()
	p.autoflush = on
	p.mu.Unlock()
}

// Autoflush reports whether autoflush is on.
func (p *Pipeline) Autoflush() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.autoflush
}

// MarkWritePosition saves the write position, replacing any previous mark.
func (p *Pipeline) MarkWritePosition() {
	p.mu.Lock()
	p.writeMark = p.writePos
	p.mu.Unlock()
}

// ResetToWriteMark moves the write position back to the mark so that the
// following writes overwrite buffered bytes. It reports whether a mark was set.
func (p *Pipeline) ResetToWriteMark() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.writeMark < 0 {
		return false
	}
	p.writePos = p.writeMark
	return true
}

// RemoveWriteMark drops the mark and moves the write position to the end of
// the buffer. With autoflush on, the buffer is flushed.
func (p *Pipeline) RemoveWriteMark() error {
	p.mu.Lock()
	if p.writeMark < 0 {
		p.mu.Unlock()
		return nil
	}
	p.writeMark = -1
	p.writePos = len(p.writeBuf)
	flush := p.autoflush
	p.mu.Unlock()

	if flush {
		return p.Flush()
	}
	return nil
}

// Flush sends the write buffer as Data frames.
func (p *Pipeline) Flush() error {
	p.mu.Lock()
	if p.state == StateClosed {
		p.mu.Unlock()
		return ErrClosed
	}
	if p.writeMark >= 0 {
		p.mu.Unlock()
		return ErrWriteMarkSet
	}
	err := p.enqueueLocked(nil)
	p.mu.Unlock()
	if err != nil {
		return err
	}
	return p.owner.FlushOutbound()
}

// enqueueLocked hands the write buffer, followed by extra, to the owner.
// Holding mu keeps the frames of concurrent flushes in write order.
func (p *Pipeline) enqueueLocked(extra *writeRequest) error {
	if len(p.writeBuf) > 0 {
		buf := p.writeBuf
		p.writeBuf = nil
		p.writePos = 0
		if err := p.owner.Enqueue(p.id, [][]byte{buf}, nil); err != nil {
			return fmt.Errorf("pipeline %s: %w", p.id, err)
		}
	}
	if extra != nil {
		if err := p.owner.Enqueue(p.id, extra.payload, extra.completion); err != nil {
			return fmt.Errorf("pipeline %s: %w", p.id, err)
		}
	}
	return nil
}

type writeRequest struct {
	payload    [][]byte
	completion *mux.Completion
}

// WriteWithCompletion flushes the write buffer and then writes payload,
// notifying c once the transport confirms or fails it.
func (p *Pipeline) WriteWithCompletion(payload []byte, c *mux.Completion) error {
	if c == nil {
		c = &mux.Completion{}
	}

	p.mu.Lock()
	if p.state == StateClosed {
		p.mu.Unlock()
		return ErrClosed
	}
	if p.writeMark >= 0 {
		p.mu.Unlock()
		return ErrWriteMarkSet
	}

	wrapped := &mux.Completion{
		Mode: c.Mode,
		OnWritten: func(n int) {
			p.completionDone()
			if c.OnWritten != nil {
				c.OnWritten(n)
			}
		},
		OnException: func(err error) {
			p.completionDone()
			if c.OnException != nil {
				c.OnException(err)
			}
		},
	}
	p.pendingCompletions++
	err := p.enqueueLocked(&writeRequest{payload: [][]byte{payload}, completion: wrapped})
	if err != nil {
		p.pendingCompletions--
	}
	p.mu.Unlock()

	if err != nil {
		return err
	}
	return p.owner.FlushOutbound()
}

func (p *Pipeline) completionDone() {
	p.mu.Lock()
	if p.pendingCompletions > 0 {
		p.pendingCompletions--
	}
	p.mu.Unlock()
}

// PendingWriteCompletions returns the number of completions not yet notified.
func (p *Pipeline) PendingWriteCompletions() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pendingCompletions
}

// SetIdleTimeoutMillis sets the idle timeout. Zero disables it. Setting it
// re-arms a timeout that already fired.
func (p *Pipeline) SetIdleTimeoutMillis(ms int64) {
	p.mu.Lock()
	p.idleTimeout = time.Duration(ms) * time.Millisecond
	p.idleFired = false
	p.lastActivity = p.clock.Now()
	p.mu.Unlock()

	if p.owner != nil {
		p.owner.TimeoutsChanged(p)
	}
}

// SetConnectionTimeoutMillis sets the maximum lifetime measured from creation.
// Zero disables it. Setting it re-arms a timeout that already fired.
func (p *Pipeline) SetConnectionTimeoutMillis(ms int64) {
	p.mu.Lock()
	p.connTimeout = time.Duration(ms) * time.Millisecond
	p.connFired = false
	p.mu.Unlock()

	if p.owner != nil {
		p.owner.TimeoutsChanged(p)
	}
}

// IdleTimeout returns the idle timeout.
func (p *Pipeline) IdleTimeout() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.idleTimeout
}

// ConnectionTimeout returns the connection timeout.
func (p *Pipeline) ConnectionTimeout() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connTimeout
}

// CheckTimeouts fires any expired timeout. It is called by the watchdog.
// A suspended pipeline is never idle.
func (p *Pipeline) CheckTimeouts(now time.Time) {
	p.mu.Lock()
	if p.state == StateClosed {
		p.mu.Unlock()
		return
	}

	fireConn := p.connTimeout > 0 && !p.connFired && now.Sub(p.created) >= p.connTimeout
	if fireConn {
		p.connFired = true
	}
	fireIdle := p.idleTimeout > 0 && !p.idleFired && !p.suspended &&
		now.Sub(p.lastActivity) >= p.idleTimeout
	if fireIdle {
		p.idleFired = true
	}
	h := p.handler
	p.mu.Unlock()

	if fireConn {
		p.logger.Debug("connection timeout reached", "timeout", p.ConnectionTimeout())
		p.dispatchTimeout(h, CallbackConnectionTimeout)
	}
	if fireIdle {
		p.logger.Debug("idle timeout reached", "timeout", p.IdleTimeout())
		p.dispatchTimeout(h, CallbackIdleTimeout)
	}
}

// Close flushes pending writes, announces the close to the peer and delivers
// OnDisconnect. Closing a closed pipeline is a no-op.
func (p *Pipeline) Close() error {
	var err error
	if flushErr := p.Flush(); flushErr != nil && !errors.Is(flushErr, ErrClosed) {
		err = multierr.Append(err, flushErr)
	}

	if !p.markClosed(true) {
		return nil
	}
	if p.owner != nil {
		err = multierr.Append(err, p.owner.Release(p.id))
	}
	p.dispatchDisconnect()
	return err
}

// Terminate closes the pipeline without notifying the peer. It is used by the
// owning connection for remote closes and teardown.
func (p *Pipeline) Terminate() {
	if p.markClosed(false) {
		p.dispatchDisconnect()
	}
}

// markClosed transitions to StateClosed and reports whether it did. Data
// buffered before a remote close stays readable; a local close stops
// delivery.
func (p *Pipeline) markClosed(local bool) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state == StateClosed {
		return false
	}
	p.state = StateClosed
	p.released = local
	p.writeBuf = nil
	p.writePos = 0
	p.writeMark = -1
	close(p.closedCh)
	p.signalLocked()
	return true
}
