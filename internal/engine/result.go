package engine

import (
	"time"
)

// Result summarizes one sync cycle. It is the only view of the queues the
// rest of the application gets from the engine.
type Result struct {
	TransactionsSynced int `json:"transactions_synced"`
	TransactionsFailed int `json:"transactions_failed"`

	MutationsSynced int `json:"mutations_synced"`
	// MutationsDiscarded counts mutations dropped because the server copy
	// was newer. They are marked synced but not counted in MutationsSynced.
	MutationsDiscarded int `json:"mutations_discarded"`
	MutationsFailed    int `json:"mutations_failed"`

	// Errors holds one rendered SyncError per failed step.
	Errors []string `json:"errors,omitempty"`

	// Corrupted lists transaction ids whose chain link did not verify.
	Corrupted []string `json:"corrupted,omitempty"`
	// Truncated is set when the newest transactions were removed.
	Truncated bool `json:"truncated,omitempty"`

	// Purged counts entries removed by the retention sweep.
	Purged int64 `json:"purged"`

	At       time.Time     `json:"at"`
	Duration time.Duration `json:"duration_ns"`
}

// Synced returns the number of entries settled remotely, including
// discarded mutations.
func (r Result) Synced() int {
	return r.TransactionsSynced + r.MutationsSynced + r.MutationsDiscarded
}

// Failed returns the number of entries left pending by this cycle.
func (r Result) Failed() int {
	return r.TransactionsFailed + r.MutationsFailed
}

// OK reports whether the cycle finished without any error.
func (r Result) OK() bool {
	return len(r.Errors) == 0
}

// Status is a point-in-time view of the engine.
type Status struct {
	Syncing             bool    `json:"syncing"`
	Online              bool    `json:"online"`
	PendingTransactions int     `json:"pending_transactions"`
	PendingMutations    int     `json:"pending_mutations"`
	LastResult          *Result `json:"last_result,omitempty"`
}
