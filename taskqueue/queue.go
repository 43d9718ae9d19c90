// Package taskqueue implements the serialized task queue used to invoke
// pipeline handlers.
//
// Transports dispatch I/O events from many goroutines at once. A Queue turns
// those concurrent submissions into a single ordered sequence: at most one task
// of a queue runs at any instant, and tasks run in the order they were
// submitted.
//
// # Execution Modes
//
// Tasks are submitted in one of two modes:
//
//   - ModeNonThreaded: the task runs synchronously on the submitting goroutine
//     when the queue is idle. If the queue is busy or has queued work, the task
//     is queued like a multi-threaded task so that ordering is preserved.
//   - ModeMultiThreaded: the task is appended to the FIFO and executed by a
//     drain loop running on the supplied Executor.
//
// # Usage
//
//	q := taskqueue.New(logger)
//	q.PerformMultiThreaded(func() { handleConnect() }, pool)
//	q.PerformNonThreaded(func() { handleData() }, pool)
package taskqueue

import (
	"fmt"
	"log/slog"
	"sync"
)

// Mode selects how a task is executed.
type Mode int

const (
	// ModeUnset means no explicit declaration; it resolves to ModeMultiThreaded.
	ModeUnset Mode = iota
	// ModeMultiThreaded runs the task on the queue's drain loop.
	ModeMultiThreaded
	// ModeNonThreaded runs the task on the caller's goroutine when possible.
	ModeNonThreaded
)

// String returns a string representation of the mode.
func (m Mode) String() string {
	switch m {
	case ModeUnset:
		return "Unset"
	case ModeMultiThreaded:
		return "MultiThreaded"
	case ModeNonThreaded:
		return "NonThreaded"
	default:
		return fmt.Sprintf("Unknown(%d)", m)
	}
}

// Resolve returns m, or fallback if m is ModeUnset.
func (m Mode) Resolve(fallback Mode) Mode {
	if m == ModeUnset {
		return fallback
	}
	return m
}

// Executor runs functions on worker goroutines.
// *ants.Pool satisfies this interface.
type Executor interface {
	Submit(task func()) error
}

// Queue serializes task execution. The zero value is not usable; call New.
type Queue struct {
	// runMu is held while any task of this queue executes, whether it entered
	// through the synchronous fast path or through the drain loop.
	runMu sync.Mutex

	mu       sync.Mutex // protects fifo and draining
	fifo     []func()
	draining bool

	logger *slog.Logger
}

// New creates an empty queue. A nil logger uses slog.Default().
func New(logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{logger: logger}
}

// Perform submits task using the given mode. ModeUnset is treated as
// ModeMultiThreaded.
func (q *Queue) Perform(mode Mode, task func(), pool Executor) {
	if mode.Resolve(ModeMultiThreaded) == ModeNonThreaded {
		q.PerformNonThreaded(task, pool)
		return
	}
	q.PerformMultiThreaded(task, pool)
}

// PerformNonThreaded runs task on the calling goroutine if the queue is idle
// and no multi-threaded tasks are waiting. Otherwise the task is queued for
// multi-threaded execution, which keeps it behind the work already submitted.
func (q *Queue) PerformNonThreaded(task func(), pool Executor) {
	q.mu.Lock()
	if !q.draining && len(q.fifo) == 0 && q.runMu.TryLock() {
		q.mu.Unlock()
		defer q.runMu.Unlock()
		q.run(task)
		return
	}
	q.mu.Unlock()

	q.PerformMultiThreaded(task, pool)
}

// PerformMultiThreaded appends task to the FIFO. If no drain loop is active one
// is submitted to pool; when pool is nil or rejects the submission a dedicated
// goroutine drains the queue instead.
func (q *Queue) PerformMultiThreaded(task func(), pool Executor) {
	q.mu.Lock()
	q.fifo = append(q.fifo, task)
	start := !q.draining
	q.draining = true
	q.mu.Unlock()

	if !start {
		return
	}

	if pool != nil {
		err := pool.Submit(q.drain)
		if err == nil {
			return
		}
		q.logger.Debug("executor rejected drain loop, using dedicated goroutine", "error", err)
	}
	go q.drain()
}

// Len returns the number of tasks waiting in the FIFO.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.fifo)
}

// drain runs queued tasks one at a time until the FIFO is empty.
func (q *Queue) drain() {
	for {
		q.mu.Lock()
		if len(q.fifo) == 0 {
			q.draining = false
			q.mu.Unlock()
			return
		}
		task := q.fifo[0]
		q.fifo[0] = nil
		q.fifo = q.fifo[1:]
		q.mu.Unlock()

		q.runMu.Lock()
		q.run(task)
		q.runMu.Unlock()
	}
}

// run executes a single task, recovering and logging any panic.
func (q *Queue) run(task func()) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("task panicked", "panic", r)
		}
	}()
	task()
}
