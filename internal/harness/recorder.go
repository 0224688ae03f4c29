package harness

import (
	"context"
	"errors"
	"time"

	"github.com/roach88/possync/internal/pos"
	"github.com/roach88/possync/internal/remote"
	"github.com/roach88/possync/internal/remote/memstore"
)

// Remote call outcomes recorded in the trace.
const (
	OutcomeOK          = "ok"
	OutcomeDuplicate   = "duplicate"
	OutcomeNotFound    = "not_found"
	OutcomeUnavailable = "unavailable"
	OutcomeError       = "error"
)

// recorder is the in-memory remote with every engine-facing call written
// to the trace as a remote event.
type recorder struct {
	*memstore.Store
	result *Result
}

var _ remote.Store = (*recorder)(nil)

func (r *recorder) record(op, key string, err error) error {
	args := map[string]any{}
	if key != "" {
		args["key"] = key
	}
	r.result.addEvent(TraceEvent{
		Type:    EventRemote,
		Action:  "remote." + op,
		Args:    args,
		Outcome: outcome(err),
	})
	return err
}

func outcome(err error) string {
	switch {
	case err == nil:
		return OutcomeOK
	case remote.IsDuplicate(err):
		return OutcomeDuplicate
	case remote.IsNotFound(err):
		return OutcomeNotFound
	case errors.Is(err, remote.ErrUnavailable):
		return OutcomeUnavailable
	default:
		return OutcomeError
	}
}

func (r *recorder) InsertSale(ctx context.Context, row pos.SaleRow) error {
	return r.record(memstore.OpInsertSale, row.ID, r.Store.InsertSale(ctx, row))
}

func (r *recorder) IncrementField(ctx context.Context, table, id, field string, by int64, key string) error {
	return r.record(memstore.OpIncrementField, id, r.Store.IncrementField(ctx, table, id, field, by, key))
}

func (r *recorder) InsertSaleItems(ctx context.Context, rows []pos.SaleItemRow) error {
	var key string
	if len(rows) > 0 {
		key = rows[0].SaleID
	}
	return r.record(memstore.OpInsertSaleItems, key, r.Store.InsertSaleItems(ctx, rows))
}

func (r *recorder) InsertSaleSubscriptions(ctx context.Context, rows []pos.SaleSubscriptionRow) error {
	var key string
	if len(rows) > 0 {
		key = rows[0].SaleID
	}
	return r.record(memstore.OpInsertSaleSubscriptions, key, r.Store.InsertSaleSubscriptions(ctx, rows))
}

func (r *recorder) InsertCustomerSubscriptions(ctx context.Context, rows []pos.CustomerSubscriptionRow) error {
	var key string
	if len(rows) > 0 {
		key = rows[0].SaleID
	}
	return r.record(memstore.OpInsertCustomerSubscriptions, key, r.Store.InsertCustomerSubscriptions(ctx, rows))
}

func (r *recorder) LastModified(ctx context.Context, table, id string) (time.Time, bool, error) {
	modified, exists, err := r.Store.LastModified(ctx, table, id)
	r.record(memstore.OpLastModified, table+"/"+id, err)
	return modified, exists, err
}

func (r *recorder) InsertEntity(ctx context.Context, table, id string, fields map[string]any) error {
	return r.record(memstore.OpInsertEntity, table+"/"+id, r.Store.InsertEntity(ctx, table, id, fields))
}

func (r *recorder) UpdateEntity(ctx context.Context, table, id string, fields map[string]any) error {
	return r.record(memstore.OpUpdateEntity, table+"/"+id, r.Store.UpdateEntity(ctx, table, id, fields))
}

func (r *recorder) DeleteEntity(ctx context.Context, table, id string) error {
	return r.record(memstore.OpDeleteEntity, table+"/"+id, r.Store.DeleteEntity(ctx, table, id))
}
