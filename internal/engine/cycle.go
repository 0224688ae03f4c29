package engine

import (
	"context"
	"maps"
	"slices"

	"github.com/roach88/possync/internal/metrics"
	"github.com/roach88/possync/internal/mutation"
	"github.com/roach88/possync/internal/pos"
	"github.com/roach88/possync/internal/remote"
)

// cycle runs one full sync pass. Every step runs even if an earlier one
// failed; failures are collected into the result.
func (e *Engine) cycle(ctx context.Context) Result {
	start := e.clock.Now()
	var res Result
	touched := make(map[string]bool)

	e.verify(ctx, &res)
	e.syncTransactions(ctx, &res, touched)
	e.syncMutations(ctx, &res, touched)
	e.invalidate(touched)
	e.purge(ctx, &res)
	e.recordPending(ctx)

	res.At = e.clock.Now()
	res.Duration = res.At.Sub(start)

	outcome := metrics.OutcomeOK
	if !res.OK() {
		outcome = metrics.OutcomeError
	}
	e.metrics.RecordCycle(outcome, res.Duration)
	return res
}

func (e *Engine) verify(ctx context.Context, res *Result) {
	report, err := e.ledger.Verify(ctx)
	if err != nil {
		e.fail(res, storageError(metrics.QueueTransactions, "", "verify", err))
		return
	}
	res.Corrupted = report.Corrupted
	res.Truncated = report.Truncated
	e.metrics.RecordCorrupted(len(report.Corrupted))
	for _, id := range report.Corrupted {
		e.logger.Warn("transaction chain link broken", "entry", id, "code", ErrCodeIntegrity)
	}
}

// syncTransactions replays pending sales in creation order. A failed entry
// is recorded and the next one is attempted.
func (e *Engine) syncTransactions(ctx context.Context, res *Result, touched map[string]bool) {
	pending, err := e.ledger.ListPending(ctx)
	if err != nil {
		e.fail(res, storageError(metrics.QueueTransactions, "", "list pending", err))
		return
	}

	for _, entry := range pending {
		if ctx.Err() != nil {
			e.fail(res, newSyncError(metrics.QueueTransactions, "", "sync transactions", ctx.Err()))
			return
		}

		sale := entry.Payload.Sale
		duplicate, err := e.applySale(ctx, sale)
		if err != nil {
			res.TransactionsFailed++
			e.metrics.RecordEntry(metrics.QueueTransactions, metrics.OutcomeFailed)
			e.fail(res, newSyncError(metrics.QueueTransactions, entry.ID, "upload sale", err))
			if err := e.ledger.MarkFailed(ctx, entry.ID, err); err != nil {
				e.fail(res, storageError(metrics.QueueTransactions, entry.ID, "mark failed", err))
			}
			continue
		}

		if err := e.ledger.MarkSynced(ctx, entry.ID); err != nil {
			res.TransactionsFailed++
			e.fail(res, storageError(metrics.QueueTransactions, entry.ID, "mark synced", err))
			continue
		}

		res.TransactionsSynced++
		outcome := metrics.OutcomeSynced
		if duplicate {
			outcome = metrics.OutcomeDuplicate
		}
		e.metrics.RecordEntry(metrics.QueueTransactions, outcome)
		for _, table := range saleTables(sale) {
			touched[table] = true
		}
		e.logger.Debug("transaction synced", "entry", entry.ID, "already_applied", duplicate)
	}
}

// applySale performs the remote write sequence for one sale. A duplicate
// header means an earlier attempt already inserted it. Every later step
// is still re-sent: the visit increment is keyed by the sale id and the
// child rows by deterministic ids, so the remote applies each exactly
// once however far an earlier attempt got.
func (e *Engine) applySale(ctx context.Context, sale pos.Sale) (duplicate bool, err error) {
	if err := e.remote.InsertSale(ctx, sale.Header()); err != nil {
		if !remote.IsDuplicate(err) {
			return false, err
		}
		duplicate = true
	}

	if sale.CustomerID != "" {
		if err := e.remote.IncrementField(ctx, pos.TableCustomers, sale.CustomerID, pos.FieldVisitCount, 1, sale.ID); err != nil {
			return false, err
		}
	}
	if err := e.remote.InsertSaleItems(ctx, sale.ItemRows()); err != nil {
		return false, err
	}
	if err := e.remote.InsertSaleSubscriptions(ctx, sale.SubscriptionRows()); err != nil {
		return false, err
	}
	if err := e.remote.InsertCustomerSubscriptions(ctx, sale.CustomerSubscriptionRows()); err != nil {
		return false, err
	}
	return duplicate, nil
}

func saleTables(sale pos.Sale) []string {
	tables := []string{pos.TableSales, pos.TableSaleItems}
	if sale.CustomerID != "" {
		tables = append(tables, pos.TableCustomers)
	}
	if len(sale.Subscriptions) > 0 {
		tables = append(tables, pos.TableSaleSubscriptions, pos.TableCustomerSubscriptions)
	}
	return tables
}

// syncMutations replays pending mutations, resolving conflicts against
// the remote record's last-modified time.
func (e *Engine) syncMutations(ctx context.Context, res *Result, touched map[string]bool) {
	pending, err := e.mutations.ListPending(ctx)
	if err != nil {
		e.fail(res, storageError(metrics.QueueMutations, "", "list pending", err))
		return
	}

	for _, listed := range pending {
		if ctx.Err() != nil {
			e.fail(res, newSyncError(metrics.QueueMutations, "", "sync mutations", ctx.Err()))
			return
		}
		e.syncMutation(ctx, res, touched, listed.ID)
	}
}

// syncMutation replays one entry. The entry is claimed for the duration,
// so edits made meanwhile queue behind it instead of rewriting what is
// being sent.
func (e *Engine) syncMutation(ctx context.Context, res *Result, touched map[string]bool, id string) {
	entry, ok, err := e.mutations.Claim(ctx, id)
	if err != nil {
		res.MutationsFailed++
		e.fail(res, storageError(metrics.QueueMutations, id, "claim", err))
		return
	}
	if !ok {
		// Collapsed away since the listing.
		return
	}
	defer e.mutations.Release(id)

	m := entry.Payload
	resolution, err := e.applyMutation(ctx, entry)
	if err != nil {
		res.MutationsFailed++
		e.metrics.RecordEntry(metrics.QueueMutations, metrics.OutcomeFailed)
		e.fail(res, newSyncError(metrics.QueueMutations, id, string(m.Operation)+" "+string(m.Entity), err))
		if err := e.mutations.MarkFailed(ctx, id, err); err != nil {
			e.fail(res, storageError(metrics.QueueMutations, id, "mark failed", err))
		}
		return
	}

	if err := e.mutations.MarkSynced(ctx, id, resolution); err != nil {
		res.MutationsFailed++
		e.fail(res, storageError(metrics.QueueMutations, id, "mark synced", err))
		return
	}

	touched[m.Entity.Table()] = true
	if resolution == mutation.ResolutionServer {
		res.MutationsDiscarded++
		e.metrics.RecordEntry(metrics.QueueMutations, metrics.OutcomeDiscarded)
		e.logger.Info("mutation discarded: server copy is newer",
			"entry", id,
			"entity", m.Entity,
			"entity_id", m.EntityID,
			"code", ErrCodeConflict,
		)
		return
	}
	res.MutationsSynced++
	e.metrics.RecordEntry(metrics.QueueMutations, metrics.OutcomeSynced)
	e.logger.Debug("mutation synced", "entry", id, "entity", m.Entity, "operation", m.Operation)
}

// applyMutation replays one mutation and reports how it was settled.
//
// add inserts; an existing row means an earlier attempt landed. update
// and delete first check the remote last-modified time and are dropped
// when the server copy is newer than the queued change. A missing row
// applies normally: the update is sent and settles resolved-local even
// when the remote has nothing to change, and a delete of a missing row is
// already applied.
func (e *Engine) applyMutation(ctx context.Context, entry mutation.Entry) (mutation.Resolution, error) {
	m := entry.Payload
	table := m.Entity.Table()

	if m.Operation == mutation.OpAdd {
		if err := e.remote.InsertEntity(ctx, table, m.EntityID, m.Payload); err != nil && !remote.IsDuplicate(err) {
			return "", err
		}
		return mutation.ResolutionLocal, nil
	}

	modified, exists, err := e.remote.LastModified(ctx, table, m.EntityID)
	if err != nil {
		return "", err
	}
	if resolution := mutation.Resolve(entry.CreatedAt, modified, exists); resolution == mutation.ResolutionServer {
		return resolution, nil
	}

	switch m.Operation {
	case mutation.OpUpdate:
		if err := e.remote.UpdateEntity(ctx, table, m.EntityID, m.Payload); err != nil && !remote.IsNotFound(err) {
			return "", err
		}
	case mutation.OpDelete:
		if err := e.remote.DeleteEntity(ctx, table, m.EntityID); err != nil && !remote.IsNotFound(err) {
			return "", err
		}
	}
	return mutation.ResolutionLocal, nil
}

func (e *Engine) invalidate(touched map[string]bool) {
	if len(touched) == 0 || e.invalidator == nil {
		return
	}
	keys := e.tableKeys.KeysFor(slices.Sorted(maps.Keys(touched))...)
	if len(keys) == 0 {
		return
	}
	e.invalidator.Invalidate(keys)
	e.metrics.RecordInvalidation(len(keys))
	e.logger.Debug("caches invalidated", "keys", keys)
}

func (e *Engine) purge(ctx context.Context, res *Result) {
	n, err := e.ledger.PurgeOlderThan(ctx, e.retentionDays)
	if err != nil {
		e.fail(res, storageError(metrics.QueueTransactions, "", "purge", err))
	}
	e.metrics.RecordPurged(metrics.QueueTransactions, n)
	res.Purged += n

	n, err = e.mutations.PurgeOlderThan(ctx, e.retentionDays)
	if err != nil {
		e.fail(res, storageError(metrics.QueueMutations, "", "purge", err))
	}
	e.metrics.RecordPurged(metrics.QueueMutations, n)
	res.Purged += n
}

func (e *Engine) recordPending(ctx context.Context) {
	if e.metrics == nil {
		return
	}
	txs, muts, err := e.PendingCounts(ctx)
	if err != nil {
		e.logger.Debug("read queue depth failed", "error", err)
		return
	}
	e.metrics.SetPending(metrics.QueueTransactions, txs)
	e.metrics.SetPending(metrics.QueueMutations, muts)
}

func (e *Engine) fail(res *Result, err *SyncError) {
	res.Errors = append(res.Errors, err.Error())
	e.logger.Warn("sync step failed",
		"code", err.Code,
		"queue", err.Queue,
		"entry", err.EntryID,
		"op", err.Op,
		"error", err.Err,
	)
}
