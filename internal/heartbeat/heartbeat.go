// Package heartbeat reports device liveness and queue depth so the server
// can notice a device that goes silent while holding unsynced work.
//
// Heartbeats are advisory. Every failure inside an emission is logged and
// swallowed.
package heartbeat

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/possync/internal/clock"
	"github.com/roach88/possync/internal/metrics"
	"github.com/roach88/possync/internal/pos"
	"github.com/roach88/possync/internal/remote"
)

// DefaultInterval is the period between heartbeats.
const DefaultInterval = 5 * time.Minute

// DepthSource reports how much unsynced work the device holds.
type DepthSource interface {
	PendingCounts(ctx context.Context) (transactions, mutations int, err error)
}

// Reconciler confirms shadows before each heartbeat.
type Reconciler interface {
	Reconcile(ctx context.Context) (int, error)
}

// Reporter emits heartbeats on a timer. At most one timer runs per
// Reporter.
type Reporter struct {
	remote     remote.TelemetryStore
	depths     DepthSource
	reconciler Reconciler
	installID  string
	appVersion string
	clock      clock.Clock
	logger     *slog.Logger
	metrics    *metrics.Metrics
	interval   time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// Option configures a Reporter.
type Option func(*Reporter)

// WithReconciler runs r before every heartbeat.
func WithReconciler(r Reconciler) Option {
	return func(h *Reporter) { h.reconciler = r }
}

// WithAppVersion sets the version string reported in heartbeats.
func WithAppVersion(v string) Option {
	return func(h *Reporter) { h.appVersion = v }
}

// WithInterval sets the heartbeat period.
func WithInterval(d time.Duration) Option {
	return func(h *Reporter) { h.interval = d }
}

// WithClock sets the clock used to stamp heartbeats.
func WithClock(c clock.Clock) Option {
	return func(h *Reporter) { h.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Reporter) { h.logger = l }
}

// WithMetrics records heartbeat outcomes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(h *Reporter) { h.metrics = m }
}

// New creates a Reporter.
func New(ts remote.TelemetryStore, depths DepthSource, installID string, opts ...Option) *Reporter {
	h := &Reporter{
		remote:    ts,
		depths:    depths,
		installID: installID,
		clock:     clock.System{},
		logger:    slog.Default(),
		interval:  DefaultInterval,
	}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = h.logger.With("component", "heartbeat")
	return h
}

// Start emits a heartbeat for userID right away and then on every
// interval. A running timer is stopped first, so the latest Start wins.
func (h *Reporter) Start(userID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stopLocked()

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	h.done = make(chan struct{})
	go h.loop(ctx, h.done, userID)
}

// Stop cancels the timer and waits for an in-progress emission. Safe to
// call when nothing is running.
func (h *Reporter) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stopLocked()
}

func (h *Reporter) stopLocked() {
	if h.cancel == nil {
		return
	}
	h.cancel()
	<-h.done
	h.cancel, h.done = nil, nil
}

// Running reports whether a timer is active.
func (h *Reporter) Running() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cancel != nil
}

func (h *Reporter) loop(ctx context.Context, done chan struct{}, userID string) {
	defer close(done)

	h.Emit(ctx, userID)

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.Emit(ctx, userID)
		}
	}
}

// Emit runs one heartbeat: reconcile shadows, write the heartbeat, then
// request an anomaly check. Each step runs even if an earlier one failed.
func (h *Reporter) Emit(ctx context.Context, userID string) {
	if h.reconciler != nil {
		if _, err := h.reconciler.Reconcile(ctx); err != nil {
			h.logger.Debug("reconcile before heartbeat failed", "error", err)
		}
	}

	hb := pos.Heartbeat{
		UserID:     userID,
		InstallID:  h.installID,
		AppVersion: h.appVersion,
		At:         h.clock.Now(),
	}
	if h.depths != nil {
		txs, muts, err := h.depths.PendingCounts(ctx)
		if err != nil {
			h.logger.Debug("read queue depth failed", "error", err)
		}
		hb.PendingTransactions, hb.PendingMutations = txs, muts
	}

	if err := h.remote.InsertHeartbeat(ctx, hb); err != nil {
		h.metrics.RecordHeartbeat(metrics.OutcomeError)
		h.logger.Debug("heartbeat not delivered", "error", err)
	} else {
		h.metrics.RecordHeartbeat(metrics.OutcomeOK)
		h.logger.Debug("heartbeat sent",
			"pending_transactions", hb.PendingTransactions,
			"pending_mutations", hb.PendingMutations)
	}

	if err := h.remote.InvokeAnomalyCheck(ctx, userID, h.installID); err != nil {
		h.logger.Debug("anomaly check not triggered", "error", err)
	}
}
