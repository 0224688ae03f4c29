// Package ledger is the tamper-evident transaction queue: completed sales
// queued offline, each chained to its predecessor by content hash.
//
// A chain link is broken when an entry's stored hash no longer matches its
// payload, or its prev hash no longer matches the entry before it. Deleting
// B from A -> B -> C therefore flags C. Verification only reports; it never
// deletes or quarantines, so a tampered-but-present sale still syncs.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/roach88/possync/internal/canon"
	"github.com/roach88/possync/internal/pos"
	"github.com/roach88/possync/internal/queue"
	"github.com/roach88/possync/internal/store"
)

// Settings keys for the chain boundaries.
const (
	// AnchorKey holds the hash of the last entry removed by Purge. The
	// first remaining entry must chain to it.
	AnchorKey = "ledger.anchor"
	// HeadKey holds the hash of the most recently enqueued entry.
	HeadKey = "ledger.head"
)

// Record is the persisted payload of one transaction entry.
type Record struct {
	Sale     pos.Sale `json:"sale"`
	Hash     string   `json:"hash"`
	PrevHash string   `json:"prev_hash"`
}

// Entry is a queued transaction.
type Entry = queue.Entry[Record]

// Report is the outcome of an integrity walk.
type Report struct {
	// Corrupted lists entry ids whose link does not match, in chain order.
	Corrupted []string
	// Truncated is set when the newest entries were removed: the last
	// remaining entry is not the recorded head.
	Truncated bool
}

// Ledger is the hash-chained transaction queue.
type Ledger struct {
	store  *store.Store
	q      *queue.Queue[Record]
	logger *slog.Logger
}

// New creates a ledger over s.
func New(s *store.Store, opts ...queue.Option) *Ledger {
	q := queue.New[Record](s, queue.CollectionTransactions, opts...)
	return &Ledger{store: s, q: q, logger: q.Logger()}
}

// HashSale returns the content hash of a sale.
func HashSale(sale pos.Sale) (string, error) {
	return canon.Hash(canon.DomainSale, sale)
}

// Enqueue validates sale, chains it to the most recently enqueued entry
// (synced or not) and appends it. The sale id is the entry id, so enqueuing
// the same sale twice yields store.ErrDuplicateID.
func (l *Ledger) Enqueue(ctx context.Context, sale pos.Sale) (Entry, error) {
	if err := sale.Validate(); err != nil {
		return Entry{}, fmt.Errorf("enqueue sale: %w", err)
	}
	hash, err := HashSale(sale)
	if err != nil {
		return Entry{}, fmt.Errorf("enqueue sale %s: %w", sale.ID, err)
	}

	var entry Entry
	err = l.store.WithTx(ctx, func(tx *store.Tx) error {
		q := l.q.Bind(tx)
		prev, err := q.Last(ctx)
		var prevHash string
		switch {
		case err == nil:
			prevHash = prev.Payload.Hash
		case errors.Is(err, store.ErrNotFound):
			prevHash, err = optionalSetting(ctx, tx, AnchorKey)
			if err != nil {
				return err
			}
		default:
			return err
		}

		entry, err = q.EnqueueAs(ctx, sale.ID, Record{Sale: sale, Hash: hash, PrevHash: prevHash})
		if err != nil {
			return err
		}
		return tx.PutSetting(ctx, HeadKey, hash)
	})
	if err != nil {
		return Entry{}, fmt.Errorf("enqueue sale %s: %w", sale.ID, err)
	}
	l.logger.Info("sale queued", "sale_id", sale.ID, "hash", hash[:12])
	return entry, nil
}

// VerifyIntegrity walks the chain in creation order and returns the ids of
// entries whose link does not match.
func (l *Ledger) VerifyIntegrity(ctx context.Context) ([]string, error) {
	report, err := l.Verify(ctx)
	if err != nil {
		return nil, err
	}
	return report.Corrupted, nil
}

// Verify walks the chain and also checks the tail against the recorded
// head.
func (l *Ledger) Verify(ctx context.Context) (Report, error) {
	entries, err := l.q.List(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("verify: %w", err)
	}
	anchor, err := optionalSetting(ctx, l.store, AnchorKey)
	if err != nil {
		return Report{}, fmt.Errorf("verify: %w", err)
	}
	head, err := optionalSetting(ctx, l.store, HeadKey)
	if err != nil {
		return Report{}, fmt.Errorf("verify: %w", err)
	}

	var report Report
	prev := anchor
	for _, e := range entries {
		recomputed, err := HashSale(e.Payload.Sale)
		if err != nil || recomputed != e.Payload.Hash || e.Payload.PrevHash != prev {
			report.Corrupted = append(report.Corrupted, e.ID)
		}
		// Continue from the stored hash so one altered payload flags only
		// its own entry.
		prev = e.Payload.Hash
	}
	report.Truncated = prev != head

	if len(report.Corrupted) > 0 || report.Truncated {
		l.logger.Warn("transaction chain broken",
			"corrupted", len(report.Corrupted),
			"truncated", report.Truncated,
		)
	}
	return report, nil
}

// ListPending returns unsynced transactions in creation order.
func (l *Ledger) ListPending(ctx context.Context) ([]Entry, error) {
	return l.q.ListPending(ctx)
}

// List returns every transaction in creation order.
func (l *Ledger) List(ctx context.Context) ([]Entry, error) {
	return l.q.List(ctx)
}

// PendingCount returns the number of unsynced transactions.
func (l *Ledger) PendingCount(ctx context.Context) (int, error) {
	return l.q.PendingCount(ctx)
}

// MarkSynced flags a transaction synced.
func (l *Ledger) MarkSynced(ctx context.Context, id string) error {
	return l.q.MarkSynced(ctx, id)
}

// MarkFailed records a failed upload attempt.
func (l *Ledger) MarkFailed(ctx context.Context, id string, cause error) error {
	return l.q.MarkFailed(ctx, id, cause)
}

// PurgeOlderThan removes synced transactions older than days, but only
// from the front of the chain: the first entry that is unsynced or still
// inside the window stops the purge, so the remaining chain stays
// contiguous. The hash of the last removed entry becomes the new anchor.
func (l *Ledger) PurgeOlderThan(ctx context.Context, days int) (int64, error) {
	cutoff := l.q.Now().AddDate(0, 0, -days)

	var removed int64
	err := l.store.WithTx(ctx, func(tx *store.Tx) error {
		q := l.q.Bind(tx)
		entries, err := q.List(ctx)
		if err != nil {
			return err
		}
		var anchor string
		for _, e := range entries {
			if !e.Synced || !e.SyncedAt.Before(cutoff) {
				break
			}
			if err := q.Delete(ctx, e.ID); err != nil {
				return err
			}
			anchor = e.Payload.Hash
			removed++
		}
		if removed == 0 {
			return nil
		}
		return tx.PutSetting(ctx, AnchorKey, anchor)
	})
	if err != nil {
		return 0, fmt.Errorf("purge transactions: %w", err)
	}
	if removed > 0 {
		l.logger.Info("purged synced transactions", "count", removed, "older_than_days", days)
	}
	return removed, nil
}

type settingReader interface {
	Setting(ctx context.Context, key string) (string, error)
}

func optionalSetting(ctx context.Context, s settingReader, key string) (string, error) {
	v, err := s.Setting(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return "", nil
	}
	return v, err
}
