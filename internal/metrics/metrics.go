// Package metrics holds the Prometheus instruments of the sync engine.
//
// Every Record method is safe on a nil *Metrics, so components can take
// metrics as an optional dependency.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Queue label values.
const (
	QueueTransactions = "transactions"
	QueueMutations    = "mutations"
	QueueShadows      = "shadows"
)

// Outcome label values.
const (
	OutcomeSynced    = "synced"
	OutcomeDuplicate = "duplicate"
	OutcomeFailed    = "failed"
	OutcomeDiscarded = "discarded"
	OutcomeQueued    = "queued"
	OutcomeConfirmed = "confirmed"
	OutcomeOK        = "ok"
	OutcomeError     = "error"
	OutcomeSkipped   = "skipped"
)

// Metrics is the set of engine instruments.
type Metrics struct {
	syncCycles      *prometheus.CounterVec
	syncDuration    prometheus.Histogram
	entries         *prometheus.CounterVec
	corrupted       prometheus.Counter
	pending         *prometheus.GaugeVec
	shadows         *prometheus.CounterVec
	heartbeats      *prometheus.CounterVec
	invalidations   prometheus.Counter
	invalidatedKeys prometheus.Counter
	purged          *prometheus.CounterVec
}

// New creates the instruments and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		syncCycles: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "possync_sync_cycles_total",
				Help: "Sync cycles by outcome",
			},
			[]string{"outcome"},
		),
		syncDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "possync_sync_cycle_duration_seconds",
				Help:    "Duration of completed sync cycles",
				Buckets: prometheus.DefBuckets,
			},
		),
		entries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "possync_queue_entries_total",
				Help: "Replayed queue entries by queue and outcome",
			},
			[]string{"queue", "outcome"},
		),
		corrupted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "possync_ledger_corrupted_total",
				Help: "Transaction entries reported corrupted by integrity checks",
			},
		),
		pending: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "possync_queue_pending",
				Help: "Unsynced entries per queue",
			},
			[]string{"queue"},
		),
		shadows: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "possync_shadows_total",
				Help: "Fraud shadows by outcome",
			},
			[]string{"outcome"},
		),
		heartbeats: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "possync_heartbeats_total",
				Help: "Heartbeat emissions by outcome",
			},
			[]string{"outcome"},
		),
		invalidations: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "possync_cache_invalidation_passes_total",
				Help: "Debounced cache invalidation passes",
			},
		),
		invalidatedKeys: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "possync_cache_invalidated_keys_total",
				Help: "Cache keys invalidated across all passes",
			},
		),
		purged: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "possync_queue_purged_total",
				Help: "Synced entries removed by retention purges",
			},
			[]string{"queue"},
		),
	}

	reg.MustRegister(
		m.syncCycles,
		m.syncDuration,
		m.entries,
		m.corrupted,
		m.pending,
		m.shadows,
		m.heartbeats,
		m.invalidations,
		m.invalidatedKeys,
		m.purged,
	)
	return m
}

// RecordCycle counts a sync cycle. Skipped cycles carry no duration.
func (m *Metrics) RecordCycle(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.syncCycles.WithLabelValues(outcome).Inc()
	if outcome != OutcomeSkipped {
		m.syncDuration.Observe(d.Seconds())
	}
}

// RecordEntry counts one replayed entry.
func (m *Metrics) RecordEntry(queue, outcome string) {
	if m == nil {
		return
	}
	m.entries.WithLabelValues(queue, outcome).Inc()
}

// RecordCorrupted adds n corrupted transaction entries.
func (m *Metrics) RecordCorrupted(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.corrupted.Add(float64(n))
}

// SetPending sets the pending depth of a queue.
func (m *Metrics) SetPending(queue string, n int) {
	if m == nil {
		return
	}
	m.pending.WithLabelValues(queue).Set(float64(n))
}

// RecordShadow counts a shadow outcome.
func (m *Metrics) RecordShadow(outcome string) {
	if m == nil {
		return
	}
	m.shadows.WithLabelValues(outcome).Inc()
}

// RecordShadows adds n to a shadow outcome.
func (m *Metrics) RecordShadows(outcome string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.shadows.WithLabelValues(outcome).Add(float64(n))
}

// RecordHeartbeat counts a heartbeat emission.
func (m *Metrics) RecordHeartbeat(outcome string) {
	if m == nil {
		return
	}
	m.heartbeats.WithLabelValues(outcome).Inc()
}

// RecordInvalidation counts one invalidation pass over keys cache keys.
func (m *Metrics) RecordInvalidation(keys int) {
	if m == nil {
		return
	}
	m.invalidations.Inc()
	m.invalidatedKeys.Add(float64(keys))
}

// RecordPurged adds n purged entries for a queue.
func (m *Metrics) RecordPurged(queue string, n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.purged.WithLabelValues(queue).Add(float64(n))
}
