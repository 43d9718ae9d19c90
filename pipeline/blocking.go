package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrReadTimeout is returned by Blocking reads that exceed the read timeout.
var ErrReadTimeout = errors.New("read timeout")

// Blocking wraps a Pipeline with reads that wait for data. It is the only API
// that blocks its caller and must not be used from handler callbacks. The
// pipeline should not have an OnData callback, or the two consumers race.
type Blocking struct {
	*Pipeline

	mu          sync.Mutex
	readTimeout time.Duration
}

// NewBlocking wraps p.
func NewBlocking(p *Pipeline) *Blocking {
	return &Blocking{Pipeline: p}
}

// SetReadTimeout bounds how long each read waits. Zero waits until ctx is done.
func (b *Blocking) SetReadTimeout(d time.Duration) {
	b.mu.Lock()
	b.readTimeout = d
	b.mu.Unlock()
}

// ReadTimeout returns the read timeout.
func (b *Blocking) ReadTimeout() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.readTimeout
}

// ReadBytes waits until n bytes are available and consumes them.
func (b *Blocking) ReadBytes(ctx context.Context, n int) ([]byte, error) {
	return b.await(ctx, func() ([]byte, error) {
		return b.Pipeline.ReadBytes(n)
	})
}

// ReadString waits until n bytes are available and consumes them as a string.
func (b *Blocking) ReadString(ctx context.Context, n int) (string, error) {
	data, err := b.ReadBytes(ctx, n)
	return string(data), err
}

// ReadBytesByDelimiter waits for delim and returns the bytes before it.
func (b *Blocking) ReadBytesByDelimiter(ctx context.Context, delim []byte, maxLen int) ([]byte, error) {
	return b.await(ctx, func() ([]byte, error) {
		return b.Pipeline.ReadBytesByDelimiter(delim, maxLen)
	})
}

// ReadStringByDelimiter waits for delim and returns the string before it.
func (b *Blocking) ReadStringByDelimiter(ctx context.Context, delim string, maxLen int) (string, error) {
	data, err := b.ReadBytesByDelimiter(ctx, []byte(delim), maxLen)
	return string(data), err
}

// await retries read until it succeeds, fails with a non-underflow error, the
// pipeline closes, the read timeout expires, or ctx is done.
func (b *Blocking) await(ctx context.Context, read func() ([]byte, error)) ([]byte, error) {
	var expired <-chan time.Time
	if d := b.ReadTimeout(); d > 0 {
		t := b.clock.Timer(d)
		defer t.Stop()
		expired = t.C
	}

	for {
		arrived := b.waitChan()

		data, err := read()
		if err == nil {
			return data, nil
		}
		if !errors.Is(err, ErrBufferUnderflow) && !errors.Is(err, ErrNoDataYet) {
			return nil, err
		}
		if !b.IsOpen() {
			return nil, ErrClosed
		}

		select {
		case <-arrived:
		case <-b.closedCh:
		case <-expired:
			return nil, ErrReadTimeout
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}
