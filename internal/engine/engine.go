package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/roach88/possync/internal/cache"
	"github.com/roach88/possync/internal/clock"
	"github.com/roach88/possync/internal/ledger"
	"github.com/roach88/possync/internal/metrics"
	"github.com/roach88/possync/internal/mutation"
	"github.com/roach88/possync/internal/remote"
	"github.com/roach88/possync/internal/store"
)

const (
	// DefaultRetentionDays is how long synced entries are kept for audit.
	DefaultRetentionDays = 30

	// DefaultSettleDelay is how long connectivity must hold before the
	// first sync after coming online.
	DefaultSettleDelay = 2 * time.Second

	// LastResultKey is the settings key holding the last cycle's Result.
	LastResultKey = "engine.last_result"
)

// Engine is the sync orchestrator. It drains the transaction and mutation
// queues into the remote store.
//
// Thread-safety model:
//   - Sync(): safe from any goroutine; at most one cycle runs at a time
//   - Notify() and its helpers: safe from any goroutine
//   - Run(): must be called from exactly one goroutine
type Engine struct {
	store       *store.Store
	ledger      *ledger.Ledger
	mutations   *mutation.Queue
	remote      remote.Store
	invalidator cache.Invalidator
	tableKeys   cache.TableKeys
	clock       clock.Clock
	logger      *slog.Logger
	metrics     *metrics.Metrics

	retentionDays int
	settleDelay   time.Duration

	syncing atomic.Bool
	online  atomic.Bool
	signals *signalQueue
}

// Option configures an Engine.
type Option func(*Engine)

// WithInvalidator receives the cache keys affected by each cycle.
func WithInvalidator(inv cache.Invalidator) Option {
	return func(e *Engine) { e.invalidator = inv }
}

// WithTableKeys replaces the table to cache-key mapping.
func WithTableKeys(tk cache.TableKeys) Option {
	return func(e *Engine) { e.tableKeys = tk }
}

// WithClock sets the clock used to stamp results.
func WithClock(c clock.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithMetrics records cycle and entry outcomes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithRetentionDays sets how long synced entries are kept.
func WithRetentionDays(days int) Option {
	return func(e *Engine) { e.retentionDays = days }
}

// WithSettleDelay sets the delay between coming online and syncing.
func WithSettleDelay(d time.Duration) Option {
	return func(e *Engine) { e.settleDelay = d }
}

// WithOnline sets the initial connectivity state. The default is online.
func WithOnline(online bool) Option {
	return func(e *Engine) { e.online.Store(online) }
}

// New creates an Engine over the local store s and the remote store rs.
func New(s *store.Store, l *ledger.Ledger, mq *mutation.Queue, rs remote.Store, opts ...Option) *Engine {
	e := &Engine{
		store:         s,
		ledger:        l,
		mutations:     mq,
		remote:        rs,
		tableKeys:     cache.DefaultTableKeys(),
		clock:         clock.System{},
		logger:        slog.Default(),
		retentionDays: DefaultRetentionDays,
		settleDelay:   DefaultSettleDelay,
		signals:       newSignalQueue(),
	}
	e.online.Store(true)

	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With("component", "engine")
	return e
}

// Sync runs one cycle and returns its result. If a cycle is already
// running it returns ErrBusy without doing anything. Per-entry failures
// are reported in the Result, never as an error.
func (e *Engine) Sync(ctx context.Context) (Result, error) {
	if !e.syncing.CompareAndSwap(false, true) {
		return Result{}, ErrBusy
	}
	defer e.syncing.Store(false)

	res := e.cycle(ctx)
	if err := e.saveResult(ctx, res); err != nil {
		e.logger.Warn("persist last result failed", "error", err)
	}
	return res, nil
}

// Syncing reports whether a cycle is running.
func (e *Engine) Syncing() bool {
	return e.syncing.Load()
}

// Online reports the connectivity state last seen by the Run loop.
func (e *Engine) Online() bool {
	return e.online.Load()
}

// Notify delivers a signal to the Run loop. Returns false after Stop.
func (e *Engine) Notify(s Signal) bool {
	return e.signals.Enqueue(s)
}

// SetOnline reports a connectivity change.
func (e *Engine) SetOnline(online bool) bool {
	if online {
		return e.Notify(SignalOnline)
	}
	return e.Notify(SignalOffline)
}

// Foreground reports that the app returned to the foreground.
func (e *Engine) Foreground() bool {
	return e.Notify(SignalForeground)
}

// TriggerSync requests a sync regardless of connectivity.
func (e *Engine) TriggerSync() bool {
	return e.Notify(SignalManual)
}

// Run consumes signals until ctx is cancelled or Stop is called.
//
// Coming online arms a settle timer; the sync starts when it fires.
// Going offline first cancels it. Foreground syncs only while online.
// Cycles run on the Run goroutine, so signals arriving during a cycle
// wait for it to finish.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info("engine starting", "online", e.online.Load())

	var settle *time.Timer
	var settleC <-chan time.Time
	stopSettle := func() {
		if settle != nil {
			settle.Stop()
			settle, settleC = nil, nil
		}
	}
	defer stopSettle()

	for {
		if sig, ok := e.signals.TryDequeue(); ok {
			e.logger.Debug("signal received", "signal", sig)
			switch sig {
			case SignalOnline:
				if e.online.Swap(true) && settle == nil {
					continue
				}
				stopSettle()
				settle = time.NewTimer(e.settleDelay)
				settleC = settle.C
			case SignalOffline:
				e.online.Store(false)
				stopSettle()
			case SignalForeground:
				if e.online.Load() {
					e.trigger(ctx, sig)
				}
			case SignalManual:
				e.trigger(ctx, sig)
			}
			continue
		}

		select {
		case <-ctx.Done():
			e.logger.Info("engine stopping: context cancelled")
			e.signals.Close()
			return ctx.Err()

		case <-settleC:
			settle, settleC = nil, nil
			e.trigger(ctx, SignalOnline)

		case <-e.signals.Wait():
			if e.signals.Closed() && e.signals.Len() == 0 {
				e.logger.Info("engine stopping: stopped")
				return nil
			}
		}
	}
}

// Stop makes Run return once queued signals are handled.
func (e *Engine) Stop() {
	e.signals.Close()
}

func (e *Engine) trigger(ctx context.Context, sig Signal) {
	res, err := e.Sync(ctx)
	if errors.Is(err, ErrBusy) {
		e.logger.Debug("sync skipped: cycle in progress", "trigger", sig)
		return
	}
	e.logger.Info("sync finished",
		"trigger", sig,
		"synced", res.Synced(),
		"failed", res.Failed(),
		"corrupted", len(res.Corrupted),
	)
}

// PendingCounts returns the number of unsynced transactions and
// mutations.
func (e *Engine) PendingCounts(ctx context.Context) (transactions, mutations int, err error) {
	transactions, err = e.ledger.PendingCount(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("pending counts: %w", err)
	}
	mutations, err = e.mutations.PendingCount(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("pending counts: %w", err)
	}
	return transactions, mutations, nil
}

// Status returns the engine's current state and the last persisted
// result.
func (e *Engine) Status(ctx context.Context) (Status, error) {
	txs, muts, err := e.PendingCounts(ctx)
	if err != nil {
		return Status{}, err
	}
	last, err := e.LastResult(ctx)
	if err != nil {
		return Status{}, err
	}
	return Status{
		Syncing:             e.Syncing(),
		Online:              e.Online(),
		PendingTransactions: txs,
		PendingMutations:    muts,
		LastResult:          last,
	}, nil
}

// LastResult returns the result of the most recent cycle, including one
// from a previous process. Returns nil when no cycle has run.
func (e *Engine) LastResult(ctx context.Context) (*Result, error) {
	raw, err := e.store.Setting(ctx, LastResultKey)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("last result: %w", err)
	}
	var res Result
	if err := json.Unmarshal([]byte(raw), &res); err != nil {
		return nil, fmt.Errorf("last result: %w", err)
	}
	return &res, nil
}

func (e *Engine) saveResult(ctx context.Context, res Result) error {
	data, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	return e.store.PutSetting(ctx, LastResultKey, string(data))
}
