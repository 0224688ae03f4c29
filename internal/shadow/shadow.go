// Package shadow implements the fraud shadow reporter.
//
// A shadow is sent the moment a sale completes, on a background goroutine
// the caller never waits on. If the send fails the shadow is parked in a
// local retry queue that a ticker flushes. Reconciliation confirms shadows
// whose full sale has reached the server, so a shadow arriving before its
// sale is not mistaken for destroyed evidence.
package shadow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/roach88/possync/internal/clock"
	"github.com/roach88/possync/internal/metrics"
	"github.com/roach88/possync/internal/pos"
	"github.com/roach88/possync/internal/queue"
	"github.com/roach88/possync/internal/remote"
	"github.com/roach88/possync/internal/store"
)

// Defaults.
const (
	DefaultFlushInterval  = 10 * time.Second
	DefaultReconcileBatch = 100
)

// Reporter sends, retries and reconciles shadows. The zero value is not
// usable; construct with New.
type Reporter struct {
	remote    remote.ShadowStore
	queue     *queue.Queue[pos.Shadow]
	installID string
	clock     clock.Clock
	logger    *slog.Logger
	metrics   *metrics.Metrics
	interval  time.Duration
	batch     int

	// flushMu serializes flushes from the loop and from callers.
	flushMu sync.Mutex

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	inflight sync.WaitGroup
}

// Option configures a Reporter.
type Option func(*Reporter)

// WithClock sets the clock used to stamp shadows.
func WithClock(c clock.Clock) Option {
	return func(r *Reporter) { r.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Reporter) { r.logger = l }
}

// WithMetrics records shadow outcomes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Reporter) { r.metrics = m }
}

// WithFlushInterval sets the retry loop period.
func WithFlushInterval(d time.Duration) Option {
	return func(r *Reporter) { r.interval = d }
}

// WithReconcileBatch bounds how many shadows one reconcile pass examines.
func WithReconcileBatch(n int) Option {
	return func(r *Reporter) { r.batch = n }
}

// Outcomes of a single shadow send.
const (
	OutcomeSent   = "sent"
	OutcomeQueued = "queued"
	OutcomeLost   = "lost"
)

// New creates a Reporter that sends to rs and parks failed shadows in the
// shadows collection of backend. A nil rs queues every shadow.
func New(rs remote.ShadowStore, backend queue.Backend, installID string, opts ...Option) *Reporter {
	r := &Reporter{
		remote:    rs,
		installID: installID,
		clock:     clock.System{},
		logger:    slog.Default(),
		interval:  DefaultFlushInterval,
		batch:     DefaultReconcileBatch,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "shadow")
	r.queue = queue.New[pos.Shadow](backend, queue.CollectionShadows,
		queue.WithClock(r.clock),
		queue.WithLogger(r.logger),
	)
	return r
}

// SendShadow fires one shadow for a completed sale. It returns
// immediately. The outcome is never reported to the caller: a failed send
// is queued for the retry loop, and a failure to queue is only logged.
func (r *Reporter) SendShadow(saleID, userID string, amount decimal.Decimal, method pos.PaymentMethod) {
	sh := r.shadow(saleID, userID, amount, method)

	r.inflight.Add(1)
	go func() {
		defer r.inflight.Done()
		r.send(context.Background(), sh)
	}()
}

// Report sends one shadow and waits for the outcome: OutcomeSent,
// OutcomeQueued when the send failed and the shadow awaits a retry, or
// OutcomeLost when it could not be queued either.
func (r *Reporter) Report(ctx context.Context, saleID, userID string, amount decimal.Decimal, method pos.PaymentMethod) string {
	return r.send(ctx, r.shadow(saleID, userID, amount, method))
}

func (r *Reporter) shadow(saleID, userID string, amount decimal.Decimal, method pos.PaymentMethod) pos.Shadow {
	return pos.Shadow{
		SaleID:        saleID,
		UserID:        userID,
		Amount:        amount,
		PaymentMethod: method,
		InstallID:     r.installID,
		CreatedAt:     r.clock.Now(),
	}
}

// Wait blocks until every shadow started by SendShadow has been sent or
// queued.
func (r *Reporter) Wait() {
	r.inflight.Wait()
}

func (r *Reporter) send(ctx context.Context, sh pos.Shadow) string {
	err := remote.ErrUnavailable
	if r.remote != nil {
		err = r.remote.InsertShadow(ctx, sh)
	}
	if err == nil || remote.IsDuplicate(err) {
		r.metrics.RecordShadow(metrics.OutcomeSynced)
		r.logger.Debug("shadow sent", "sale_id", sh.SaleID)
		return OutcomeSent
	}

	r.logger.Debug("shadow send failed, queueing", "sale_id", sh.SaleID, "error", err)
	if _, qerr := r.queue.EnqueueAs(ctx, sh.SaleID, sh); qerr != nil && !errors.Is(qerr, store.ErrDuplicateID) {
		r.logger.Warn("shadow lost: queue write failed", "sale_id", sh.SaleID, "error", qerr)
		return OutcomeLost
	}
	r.metrics.RecordShadow(metrics.OutcomeQueued)
	return OutcomeQueued
}

// FlushQueue resends every queued shadow. Sent and already-present shadows
// leave the queue; any other failure keeps the shadow queued and bumps its
// retry count. Only storage errors are returned.
func (r *Reporter) FlushQueue(ctx context.Context) (sent int, err error) {
	if r.remote == nil {
		return 0, nil
	}
	r.flushMu.Lock()
	defer r.flushMu.Unlock()

	pending, err := r.queue.ListPending(ctx)
	if err != nil {
		return 0, fmt.Errorf("flush shadows: %w", err)
	}

	for _, e := range pending {
		if ctx.Err() != nil {
			return sent, ctx.Err()
		}
		serr := r.remote.InsertShadow(ctx, e.Payload)
		if serr != nil && !remote.IsDuplicate(serr) {
			r.logger.Debug("shadow retry failed", "sale_id", e.ID, "retries", e.RetryCount+1, "error", serr)
			if err := r.queue.MarkFailed(ctx, e.ID, serr); err != nil {
				return sent, fmt.Errorf("flush shadows: %w", err)
			}
			continue
		}
		if err := r.queue.Delete(ctx, e.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
			return sent, fmt.Errorf("flush shadows: %w", err)
		}
		sent++
	}

	if sent > 0 {
		r.metrics.RecordShadows(metrics.OutcomeSynced, sent)
		r.logger.Info("flushed queued shadows", "sent", sent, "remaining", len(pending)-sent)
	}
	return sent, nil
}

// QueuedCount returns how many shadows wait for a retry.
func (r *Reporter) QueuedCount(ctx context.Context) (int, error) {
	return r.queue.PendingCount(ctx)
}

// Reconcile confirms up to one batch of unconfirmed shadows whose sale
// exists on the server. It returns how many were confirmed.
func (r *Reporter) Reconcile(ctx context.Context) (int, error) {
	if r.remote == nil {
		return 0, nil
	}
	shadows, err := r.remote.FetchUnconfirmedShadows(ctx, r.batch)
	if err != nil {
		return 0, fmt.Errorf("reconcile shadows: %w", err)
	}
	if len(shadows) == 0 {
		return 0, nil
	}

	ids := make([]string, 0, len(shadows))
	for _, sh := range shadows {
		ids = append(ids, sh.SaleID)
	}
	found, err := r.remote.FetchSalesByID(ctx, ids)
	if err != nil {
		return 0, fmt.Errorf("reconcile shadows: %w", err)
	}
	if len(found) == 0 {
		return 0, nil
	}
	if err := r.remote.ConfirmShadows(ctx, found); err != nil {
		return 0, fmt.Errorf("reconcile shadows: %w", err)
	}

	r.metrics.RecordShadows(metrics.OutcomeConfirmed, len(found))
	r.logger.Debug("reconciled shadows", "examined", len(shadows), "confirmed", len(found))
	return len(found), nil
}

// Start launches the retry loop. Calling Start while the loop runs is a
// no-op.
func (r *Reporter) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.done = make(chan struct{})
	go r.loop(ctx, r.done)
}

// Stop ends the retry loop and waits for in-flight sends. Safe to call
// when the loop is not running.
func (r *Reporter) Stop() {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.cancel, r.done = nil, nil
	r.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	r.inflight.Wait()
}

// Running reports whether the retry loop is active.
func (r *Reporter) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancel != nil
}

func (r *Reporter) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.FlushQueue(ctx); err != nil && ctx.Err() == nil {
				r.logger.Warn("shadow flush failed", "error", err)
			}
		}
	}
}
