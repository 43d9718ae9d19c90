package muxconn

import (
	"log/slog"
	"sync"

	"github.com/smnsjas/go-pipemux/mux"
	"github.com/smnsjas/go-pipemux/taskqueue"
	"github.com/smnsjas/go-pipemux/transport"
)

// holder is one completion waiting on the exact buffers of its write.
type holder struct {
	completion *mux.Completion
	pending    map[*transport.Buffer]struct{}
	total      int
	failed     bool
}

// completionBridge turns per-buffer transport confirmations into per-write
// completion callbacks. It implements mux.Tracker.
type completionBridge struct {
	queue  *taskqueue.Queue
	exec   taskqueue.Executor
	logger *slog.Logger

	mu    sync.Mutex
	byBuf map[*transport.Buffer][]*holder
}

func newCompletionBridge(queue *taskqueue.Queue, exec taskqueue.Executor, logger *slog.Logger) *completionBridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &completionBridge{
		queue:  queue,
		exec:   exec,
		logger: logger,
		byBuf:  make(map[*transport.Buffer][]*holder),
	}
}

// Track associates c with bufs.
func (b *completionBridge) Track(bufs []*transport.Buffer, payloadBytes int, c *mux.Completion) {
	h := &holder{
		completion: c,
		pending:    make(map[*transport.Buffer]struct{}, len(bufs)),
		total:      payloadBytes,
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, buf := range bufs {
		h.pending[buf] = struct{}{}
		b.byBuf[buf] = append(b.byBuf[buf], h)
	}
}

// Untrack forgets every holder waiting on any of bufs without notifying it.
func (b *completionBridge) Untrack(bufs []*transport.Buffer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, buf := range bufs {
		for _, h := range append([]*holder(nil), b.byBuf[buf]...) {
			b.removeLocked(h)
		}
	}
}

func (b *completionBridge) removeLocked(h *holder) {
	for buf := range h.pending {
		hs := b.byBuf[buf]
		for i, other := range hs {
			if other == h {
				hs = append(hs[:i], hs[i+1:]...)
				break
			}
		}
		if len(hs) == 0 {
			delete(b.byBuf, buf)
		} else {
			b.byBuf[buf] = hs
		}
	}
}

// confirmed removes buf from every holder; emptied holders get OnWritten.
func (b *completionBridge) confirmed(buf *transport.Buffer) {
	b.mu.Lock()
	hs := b.byBuf[buf]
	delete(b.byBuf, buf)
	var done []*holder
	for _, h := range hs {
		delete(h.pending, buf)
		if len(h.pending) == 0 && !h.failed {
			done = append(done, h)
		}
	}
	b.mu.Unlock()

	for _, h := range done {
		c := h.completion
		if c.OnWritten == nil {
			continue
		}
		n := h.total
		b.queue.Perform(c.Mode, func() { c.OnWritten(n) }, b.exec)
	}
}

// failed delivers OnException to every holder still waiting on buf.
func (b *completionBridge) failed(buf *transport.Buffer, err error) {
	b.mu.Lock()
	hs := append([]*holder(nil), b.byBuf[buf]...)
	for _, h := range hs {
		h.failed = true
		b.removeLocked(h)
	}
	b.mu.Unlock()

	b.notifyFailed(hs, err)
}

// failAll delivers OnException to every remaining holder.
func (b *completionBridge) failAll(err error) {
	b.mu.Lock()
	seen := make(map[*holder]struct{})
	var hs []*holder
	for _, list := range b.byBuf {
		for _, h := range list {
			if _, ok := seen[h]; ok {
				continue
			}
			seen[h] = struct{}{}
			h.failed = true
			hs = append(hs, h)
		}
	}
	b.byBuf = make(map[*transport.Buffer][]*holder)
	b.mu.Unlock()

	b.notifyFailed(hs, err)
}

func (b *completionBridge) notifyFailed(hs []*holder, err error) {
	if len(hs) > 0 {
		b.logger.Debug("write failed", "completions", len(hs), "error", err)
	}
	for _, h := range hs {
		c := h.completion
		if c.OnException == nil {
			continue
		}
		b.queue.Perform(c.Mode, func() { c.OnException(err) }, b.exec)
	}
}

// Pending returns the number of completions not yet notified.
func (b *completionBridge) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	seen := make(map[*holder]struct{})
	for _, list := range b.byBuf {
		for _, h := range list {
			seen[h] = struct{}{}
		}
	}
	return len(seen)
}

var _ mux.Tracker = (*completionBridge)(nil)
