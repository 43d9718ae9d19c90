package transport

import (
	"encoding/binary"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func lengthPrefixed(body string) []byte {
	out := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(out, uint32(len(body)))
	copy(out[4:], body)
	return out
}

func TestInboundBufferReadLengthDelimited(t *testing.T) {
	tests := []struct {
		name    string
		input   []byte
		maxLen  int
		want    string
		wantErr error
		remain  int
	}{
		{name: "empty", input: nil, wantErr: ErrBufferUnderflow},
		{name: "partial prefix", input: []byte{0, 0}, wantErr: ErrBufferUnderflow, remain: 2},
		{name: "partial body", input: lengthPrefixed("hello")[:6], wantErr: ErrBufferUnderflow, remain: 6},
		{name: "complete", input: lengthPrefixed("hello"), want: "hello"},
		{name: "zero length", input: lengthPrefixed(""), want: ""},
		{name: "trailing bytes", input: append(lengthPrefixed("ab"), 0, 0), want: "ab", remain: 2},
		{name: "too long", input: lengthPrefixed("hello"), maxLen: 4, wantErr: ErrLengthExceeded, remain: 9},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var b InboundBuffer
			b.Append(tt.input)

			got, err := b.ReadLengthDelimited(tt.maxLen)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
			} else {
				require.NoError(t, err)
				assert.Equal(t, tt.want, string(got))
			}
			assert.Equal(t, tt.remain, b.Len())
		})
	}
}

func TestInboundBufferIncremental(t *testing.T) {
	var b InboundBuffer
	stream := append(lengthPrefixed("first"), lengthPrefixed("second")...)

	var got []string
	for _, c := range stream {
		b.Append([]byte{c})
		for {
			body, err := b.ReadLengthDelimited(0)
			if errors.Is(err, ErrBufferUnderflow) {
				break
			}
			require.NoError(t, err)
			got = append(got, string(body))
		}
	}
	assert.Equal(t, []string{"first", "second"}, got)
	assert.Zero(t, b.Len())
}

type recorder struct {
	mu        sync.Mutex
	connected int
	data      chan struct{}
	written   []*Buffer
	failed    []*Buffer
	idle      chan struct{}
	gone      chan struct{}
}

func newRecorder() *recorder {
	return &recorder{
		data: make(chan struct{}, 64),
		idle: make(chan struct{}, 1),
		gone: make(chan struct{}),
	}
}

func (r *recorder) handler() *Handler {
	return &Handler{
		OnConnect: func(Conn) {
			r.mu.Lock()
			r.connected++
			r.mu.Unlock()
		},
		OnData: func(Conn) {
			select {
			case r.data <- struct{}{}:
			default:
			}
		},
		OnDisconnect: func(Conn) { close(r.gone) },
		OnIdleTimeout: func(Conn) {
			select {
			case r.idle <- struct{}{}:
			default:
			}
		},
		OnWritten: func(_ Conn, b *Buffer) {
			r.mu.Lock()
			r.written = append(r.written, b)
			r.mu.Unlock()
		},
		OnWriteFailed: func(_ Conn, b *Buffer, _ error) {
			r.mu.Lock()
			r.failed = append(r.failed, b)
			r.mu.Unlock()
		},
	}
}

func TestStreamConnReceives(t *testing.T) {
	local, peer := net.Pipe()
	defer peer.Close()

	rec := newRecorder()
	c := NewStreamConn(local)
	c.SetHandler(rec.handler())
	c.Start()
	defer c.Close()

	_, err := peer.Write(lengthPrefixed("payload"))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return c.Available() == 11 }, time.Second, 5*time.Millisecond)
	body, err := c.ReadLengthDelimited(0)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(body))

	rec.mu.Lock()
	assert.Equal(t, 1, rec.connected)
	rec.mu.Unlock()
}

func TestStreamConnSyncFlushConfirmsEachBuffer(t *testing.T) {
	local, peer := net.Pipe()
	defer peer.Close()

	rec := newRecorder()
	c := NewStreamConn(local)
	c.SetHandler(rec.handler())
	c.Start()
	defer c.Close()

	b1, b2 := NewBuffer([]byte("abc")), NewBuffer([]byte("defg"))
	require.NoError(t, c.Write(b1, b2))

	got := make(chan []byte, 1)
	go func() {
		buf := make([]byte, 7)
		_, _ = io.ReadFull(peer, buf)
		got <- buf
	}()

	require.NoError(t, c.Flush())
	assert.Equal(t, "abcdefg", string(<-got))

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, []*Buffer{b1, b2}, rec.written)
}

func TestStreamConnAsyncFlush(t *testing.T) {
	local, peer := net.Pipe()
	defer peer.Close()

	rec := newRecorder()
	c := NewStreamConn(local)
	c.SetHandler(rec.handler())
	c.SetFlushMode(FlushAsync)
	c.Start()
	defer c.Close()

	assert.Equal(t, FlushAsync, c.FlushMode())

	b := NewBuffer([]byte("async"))
	require.NoError(t, c.Write(b))
	require.NoError(t, c.Flush())

	buf := make([]byte, 5)
	_, err := io.ReadFull(peer, buf)
	require.NoError(t, err)
	assert.Equal(t, "async", string(buf))

	require.Eventually(t, func() bool {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		return len(rec.written) == 1 && rec.written[0] == b
	}, time.Second, 5*time.Millisecond)
}

func TestStreamConnWriteFailure(t *testing.T) {
	local, peer := net.Pipe()

	rec := newRecorder()
	c := NewStreamConn(local)
	c.SetHandler(rec.handler())

	b1, b2 := NewBuffer([]byte("x")), NewBuffer([]byte("y"))
	require.NoError(t, c.Write(b1, b2))
	require.NoError(t, peer.Close())

	require.Error(t, c.Flush())
	assert.False(t, c.IsOpen())
	assert.ErrorIs(t, c.Write(NewBuffer(nil)), ErrClosed)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, []*Buffer{b1, b2}, rec.failed)
	assert.Empty(t, rec.written)
}

func TestStreamConnDisconnectOnPeerClose(t *testing.T) {
	local, peer := net.Pipe()

	rec := newRecorder()
	c := NewStreamConn(local)
	c.SetHandler(rec.handler())
	c.Start()

	require.NoError(t, peer.Close())

	select {
	case <-rec.gone:
	case <-time.After(2 * time.Second):
		t.Fatal("OnDisconnect not called")
	}
	assert.False(t, c.IsOpen())
	assert.NoError(t, c.Close())
}

func TestStreamConnIdleTimeout(t *testing.T) {
	local, peer := net.Pipe()
	defer peer.Close()

	rec := newRecorder()
	c := NewStreamConn(local)
	c.SetHandler(rec.handler())
	c.SetIdleTimeout(50 * time.Millisecond)
	c.Start()
	defer c.Close()

	select {
	case <-rec.idle:
	case <-time.After(2 * time.Second):
		t.Fatal("OnIdleTimeout not called")
	}
	assert.True(t, c.IsOpen(), "an idle timeout without a close keeps the connection open")
}
