package realtime

import (
	"context"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/roach88/possync/internal/cache"
	"github.com/roach88/possync/internal/metrics"
)

// DefaultWindow is the quiet period after the last change before pending
// keys are invalidated.
const DefaultWindow = 400 * time.Millisecond

// Debouncer batches cache invalidations. Every change adds its table's
// keys to a pending set and restarts a single timer; when the timer fires
// every pending key is invalidated once and the set is cleared.
type Debouncer struct {
	invalidator cache.Invalidator
	tableKeys   cache.TableKeys
	window      time.Duration
	logger      *slog.Logger
	metrics     *metrics.Metrics

	mu      sync.Mutex
	pending map[cache.Key]struct{}
	timer   *time.Timer
	gen     uint64 // bumped by every Push
	stopped bool
}

// DebounceOption configures a Debouncer.
type DebounceOption func(*Debouncer)

// WithWindow sets the debounce window.
func WithWindow(d time.Duration) DebounceOption {
	return func(db *Debouncer) { db.window = d }
}

// WithTableKeys replaces the table to cache-key mapping.
func WithTableKeys(tk cache.TableKeys) DebounceOption {
	return func(db *Debouncer) { db.tableKeys = tk }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) DebounceOption {
	return func(db *Debouncer) { db.logger = l }
}

// WithMetrics records invalidation passes.
func WithMetrics(m *metrics.Metrics) DebounceOption {
	return func(db *Debouncer) { db.metrics = m }
}

// NewDebouncer creates a Debouncer that invalidates through inv.
func NewDebouncer(inv cache.Invalidator, opts ...DebounceOption) *Debouncer {
	d := &Debouncer{
		invalidator: inv,
		tableKeys:   cache.DefaultTableKeys(),
		window:      DefaultWindow,
		logger:      slog.Default(),
		pending:     make(map[cache.Key]struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.With("component", "debouncer")
	return d
}

// Push records a change from table. Tables without mapped keys are
// ignored and do not restart the timer.
func (d *Debouncer) Push(table string) {
	keys := d.tableKeys.KeysFor(table)
	if len(keys) == 0 {
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	for _, k := range keys {
		d.pending[k] = struct{}{}
	}
	if d.timer != nil {
		d.timer.Stop()
	}
	d.gen++
	gen := d.gen
	d.timer = time.AfterFunc(d.window, func() { d.fire(gen) })
}

// HandleChange implements Handler.
func (d *Debouncer) HandleChange(_ context.Context, c Change) {
	d.Push(c.Table)
}

// Flush invalidates every pending key now and clears the set. A flush
// with nothing pending does nothing.
func (d *Debouncer) Flush() {
	d.mu.Lock()
	d.flushLocked()
}

// fire is the timer callback. A timer stopped too late to cancel its
// callback finds a newer generation and leaves the burst alone.
func (d *Debouncer) fire(gen uint64) {
	d.mu.Lock()
	if gen != d.gen {
		d.mu.Unlock()
		return
	}
	d.flushLocked()
}

// flushLocked is called with d.mu held and releases it.
func (d *Debouncer) flushLocked() {
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	keys := slices.Sorted(maps.Keys(d.pending))
	clear(d.pending)
	d.mu.Unlock()

	if len(keys) == 0 {
		return
	}
	d.invalidator.Invalidate(keys)
	d.metrics.RecordInvalidation(len(keys))
	d.logger.Debug("caches invalidated", "keys", keys)
}

// Pending returns the keys waiting for the timer, sorted.
func (d *Debouncer) Pending() []cache.Key {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Sorted(maps.Keys(d.pending))
}

// Stop cancels the timer and drops pending keys. Later pushes are
// ignored.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	clear(d.pending)
}
