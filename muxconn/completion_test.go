package muxconn

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/smnsjas/go-pipemux/mux"
	"github.com/smnsjas/go-pipemux/taskqueue"
	"github.com/smnsjas/go-pipemux/transport"
)

type outcome struct {
	written []int
	errs    []error
}

func (o *outcome) completion() *mux.Completion {
	return &mux.Completion{
		Mode:        taskqueue.ModeNonThreaded,
		OnWritten:   func(n int) { o.written = append(o.written, n) },
		OnException: func(err error) { o.errs = append(o.errs, err) },
	}
}

func newTestBridge() *completionBridge {
	return newCompletionBridge(taskqueue.New(nil), nil, nil)
}

func buffers(n int) []*transport.Buffer {
	bufs := make([]*transport.Buffer, n)
	for i := range bufs {
		bufs[i] = transport.NewBuffer([]byte{byte(i)})
	}
	return bufs
}

func TestBridgeWrittenAfterEveryBuffer(t *testing.T) {
	b := newTestBridge()
	bufs := buffers(3)
	var got outcome
	b.Track(bufs, 100, got.completion())
	assert.Equal(t, 1, b.Pending())

	b.confirmed(bufs[1])
	b.confirmed(bufs[0])
	assert.Empty(t, got.written)

	b.confirmed(bufs[2])
	assert.Equal(t, []int{100}, got.written)
	assert.Equal(t, 0, b.Pending())

	b.confirmed(bufs[2])
	assert.Equal(t, []int{100}, got.written, "confirmations are idempotent")
}

func TestBridgeIndependentHolders(t *testing.T) {
	b := newTestBridge()
	first, second := buffers(2), buffers(2)
	var a, c outcome
	b.Track(first, 10, a.completion())
	b.Track(second, 20, c.completion())
	assert.Equal(t, 2, b.Pending())

	for _, buf := range second {
		b.confirmed(buf)
	}
	assert.Empty(t, a.written)
	assert.Equal(t, []int{20}, c.written)
	assert.Equal(t, 1, b.Pending())
}

func TestBridgeFailureNotifiesHoldersOfFailedBuffer(t *testing.T) {
	b := newTestBridge()
	first, second := buffers(2), buffers(2)
	var a, c outcome
	b.Track(first, 10, a.completion())
	b.Track(second, 20, c.completion())

	cause := errors.New("broken pipe")
	b.confirmed(first[0])
	b.failed(first[1], cause)

	assert.Equal(t, []error{cause}, a.errs)
	assert.Empty(t, a.written)
	assert.Empty(t, c.errs)
	assert.Equal(t, 1, b.Pending())

	b.failAll(ErrClosed)
	assert.Equal(t, []error{ErrClosed}, c.errs)
	assert.Len(t, a.errs, 1, "a holder fails once")
	assert.Equal(t, 0, b.Pending())
}

func TestBridgeUntrack(t *testing.T) {
	b := newTestBridge()
	bufs := buffers(2)
	var got outcome
	b.Track(bufs, 5, got.completion())

	b.Untrack(bufs)
	assert.Equal(t, 0, b.Pending())

	b.confirmed(bufs[0])
	b.confirmed(bufs[1])
	b.failAll(ErrClosed)
	assert.Empty(t, got.written)
	assert.Empty(t, got.errs)
}
