// Package watchdog polls pipeline timeout deadlines.
//
// A Watchdog belongs to one connection and keeps one ticker per registered
// pipeline, keyed by pipeline ID. The poll period of a pipeline is
// min(idleTimeout, connectionTimeout)/5, clamped to
// [MinPollInterval, maxPollInterval]. Entries are removed explicitly with
// Cancel when the pipeline closes, or all at once with Stop.
package watchdog

import (
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
)

const (
	// MinPollInterval is the shortest poll period.
	MinPollInterval = 10 * time.Millisecond
	// DefaultMaxPollInterval is the default longest poll period.
	DefaultMaxPollInterval = time.Second
)

// Target is checked on every tick.
type Target interface {
	CheckTimeouts(now time.Time)
}

// Option configures a Watchdog.
type Option func(*Watchdog)

// WithClock sets the time source.
func WithClock(c clock.Clock) Option {
	return func(w *Watchdog) {
		w.clock = c
	}
}

// WithMaxPollInterval sets the longest poll period.
func WithMaxPollInterval(d time.Duration) Option {
	return func(w *Watchdog) {
		if d >= MinPollInterval {
			w.maxPoll = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(w *Watchdog) {
		w.logger = logger
	}
}

type entry struct {
	period time.Duration
	ticker *clock.Ticker
	stopCh chan struct{}
}

func (e *entry) stop() {
	e.ticker.Stop()
	close(e.stopCh)
}

// Watchdog drives timeout checks for the pipelines of one connection.
type Watchdog struct {
	clock   clock.Clock
	maxPoll time.Duration
	logger  *slog.Logger

	mu      sync.Mutex
	entries map[uuid.UUID]*entry
	stopped bool
}

// New creates a Watchdog.
func New(opts ...Option) *Watchdog {
	w := &Watchdog{
		clock:   clock.New(),
		maxPoll: DefaultMaxPollInterval,
		entries: make(map[uuid.UUID]*entry),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.logger == nil {
		w.logger = slog.Default()
	}
	return w
}

// Period returns the poll period for the given timeouts. Zero timeouts are
// disabled; if both are disabled Period returns zero.
func Period(idle, conn, maxPoll time.Duration) time.Duration {
	shortest := idle
	if shortest <= 0 || (conn > 0 && conn < shortest) {
		shortest = conn
	}
	if shortest <= 0 {
		return 0
	}

	p := shortest / 5
	if p < MinPollInterval {
		p = MinPollInterval
	}
	if maxPoll > 0 && p > maxPoll {
		p = maxPoll
	}
	return p
}

// Register starts polling t under id, replacing any previous entry. If both
// timeouts are disabled the entry is only removed.
func (w *Watchdog) Register(id uuid.UUID, t Target, idle, conn time.Duration) {
	period := Period(idle, conn, w.maxPoll)

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.stopped {
		return
	}
	if old, ok := w.entries[id]; ok {
		if old.period == period && period > 0 {
			return
		}
		old.stop()
		delete(w.entries, id)
	}
	if period == 0 {
		return
	}

	e := &entry{
		period: period,
		ticker: w.clock.Ticker(period),
		stopCh: make(chan struct{}),
	}
	w.entries[id] = e
	w.logger.Debug("watchdog registered", "pipeline_id", id, "period", period)

	go w.poll(e, t)
}

func (w *Watchdog) poll(e *entry, t Target) {
	for {
		select {
		case <-e.stopCh:
			return
		case <-e.ticker.C:
			select {
			case <-e.stopCh:
				return
			default:
			}
			t.CheckTimeouts(w.clock.Now())
		}
	}
}

// Cancel stops polling id.
func (w *Watchdog) Cancel(id uuid.UUID) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if e, ok := w.entries[id]; ok {
		e.stop()
		delete(w.entries, id)
	}
}

// Stop cancels every entry. Later registrations are ignored.
func (w *Watchdog) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.stopped {
		return
	}
	w.stopped = true
	for id, e := range w.entries {
		e.stop()
		delete(w.entries, id)
	}
}

// Len returns the number of registered entries.
func (w *Watchdog) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.entries)
}

// Clock returns the time source.
func (w *Watchdog) Clock() clock.Clock {
	return w.clock
}
