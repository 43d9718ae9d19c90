// Package frame implements the pipemux wire format.
//
// Every event on a multiplexed connection travels as one length-prefixed frame.
// A frame either opens a pipeline, closes it, or carries payload bytes for it.
//
// # Frame Structure
//
//	┌─────────────────────────────────────────────────────────┐
//	│  Length (4 bytes) - bytes following this field          │
//	├─────────────────────────────────────────────────────────┤
//	│  Version (1 byte)                                       │
//	├─────────────────────────────────────────────────────────┤
//	│  Command (1 byte) - 0=Opened, 1=Closed, 99=Data         │
//	├─────────────────────────────────────────────────────────┤
//	│  PipelineID (16 bytes) - UUID of the addressed pipeline │
//	├─────────────────────────────────────────────────────────┤
//	│  Payload (variable) - Data frames only                  │
//	└─────────────────────────────────────────────────────────┘
//
// # Byte Order (Endianness)
//
// The length field is BIG-ENDIAN (network byte order). The pipeline ID is the
// 16 raw bytes of the UUID in RFC 4122 order.
//
// # Usage
//
//	buf := (&frame.Frame{Command: frame.CommandData, PipelineID: id, Payload: b}).Encode()
//
//	f, err := frame.Decode(body) // body excludes the length prefix
package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/google/uuid"
)

// Version is the protocol version written into every frame.
const Version uint8 = 1

const (
	// LengthSize is the size of the length prefix.
	LengthSize = 4
	// BodyHeaderSize is version + command + pipeline ID.
	BodyHeaderSize = 1 + 1 + 16
	// HeaderSize is the full header size including the length prefix.
	HeaderSize = LengthSize + BodyHeaderSize

	// DefaultMaxFrameSize bounds the length field of inbound frames.
	DefaultMaxFrameSize = 16 << 20
)

// Command identifies the frame type.
type Command uint8

const (
	// CommandOpened announces a new pipeline.
	CommandOpened Command = 0
	// CommandClosed announces that a pipeline was closed.
	CommandClosed Command = 1
	// CommandData carries pipeline payload.
	CommandData Command = 99
)

// String returns a string representation of the command.
func (c Command) String() string {
	switch c {
	case CommandOpened:
		return "Opened"
	case CommandClosed:
		return "Closed"
	case CommandData:
		return "Data"
	default:
		return fmt.Sprintf("Unknown(%d)", c)
	}
}

// Known reports whether c is a command this version understands.
func (c Command) Known() bool {
	return c == CommandOpened || c == CommandClosed || c == CommandData
}

var (
	// ErrProtocolViolation is the root of every fatal wire error.
	ErrProtocolViolation = errors.New("protocol violation")
	// ErrInvalidFrame is returned when a frame is malformed.
	ErrInvalidFrame = fmt.Errorf("%w: invalid frame", ErrProtocolViolation)
	// ErrVersionMismatch is returned when a frame carries an unsupported version.
	ErrVersionMismatch = fmt.Errorf("%w: unsupported frame version", ErrProtocolViolation)
	// ErrFrameTooLarge is returned when the length field exceeds the limit.
	ErrFrameTooLarge = fmt.Errorf("%w: frame too large", ErrProtocolViolation)
)

// Frame is a single decoded wire unit.
type Frame struct {
	Version    uint8
	Command    Command
	PipelineID uuid.UUID
	Payload    []byte
}

// Encode serializes the frame including its length prefix.
// A zero Version is written as the current Version.
func (f *Frame) Encode() []byte {
	buf := make([]byte, HeaderSize+len(f.Payload))
	putHeader(buf, f.version(), f.Command, f.PipelineID, len(f.Payload))
	copy(buf[HeaderSize:], f.Payload)
	return buf
}

func (f *Frame) version() uint8 {
	if f.Version == 0 {
		return Version
	}
	return f.Version
}

// EncodeHeader returns the header for a frame whose payload of payloadLen bytes
// will be written separately.
func EncodeHeader(cmd Command, id uuid.UUID, payloadLen int) []byte {
	buf := make([]byte, HeaderSize)
	putHeader(buf, Version, cmd, id, payloadLen)
	return buf
}

func putHeader(buf []byte, version uint8, cmd Command, id uuid.UUID, payloadLen int) {
	if uint64(payloadLen)+BodyHeaderSize > math.MaxUint32 {
		// Callers bound payload sizes far below 4 GiB.
		panic("frame payload too large")
	}
	// Length (4 bytes, big-endian)
	binary.BigEndian.PutUint32(buf[0:4], uint32(BodyHeaderSize+payloadLen)) // #nosec G115 -- checked above
	buf[4] = version
	buf[5] = byte(cmd)
	copy(buf[6:22], id[:])
}

// Decode parses a frame body, i.e. everything after the length prefix.
// The returned payload aliases body.
func Decode(body []byte) (*Frame, error) {
	if len(body) < BodyHeaderSize {
		return nil, fmt.Errorf("%w: body of %d bytes is shorter than header", ErrInvalidFrame, len(body))
	}

	f := &Frame{
		Version: body[0],
		Command: Command(body[1]),
	}
	if f.Version != Version {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrVersionMismatch, f.Version, Version)
	}
	copy(f.PipelineID[:], body[2:18])

	if len(body) > BodyHeaderSize {
		f.Payload = body[BodyHeaderSize:]
	}
	return f, nil
}

// ReadFrame reads one complete frame from r. It is used by blocking readers
// and tests; multiplexed connections read through their transport instead.
func ReadFrame(r io.Reader, maxSize int) (*Frame, error) {
	var lenBuf [LengthSize]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, fmt.Errorf("read frame length: %w", err)
	}

	n := binary.BigEndian.Uint32(lenBuf[:])
	if maxSize > 0 && uint64(n) > uint64(maxSize) {
		return nil, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, n, maxSize)
	}

	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("read frame body: %w", err)
	}
	return Decode(body)
}
