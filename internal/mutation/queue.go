// Package mutation implements the generic mutation queue: offline
// add/update/delete operations against secondary entities, collapsed per
// (entity, entity id) by an explicit reducer before they are persisted.
package mutation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/roach88/possync/internal/queue"
	"github.com/roach88/possync/internal/store"
)

// Entry is a queued mutation.
type Entry = queue.Entry[Mutation]

// Queue is the durable mutation queue.
//
// An entry claimed for replay is frozen until released: EnqueueMutation
// neither merges into it nor removes it, and appends a new entry instead.
type Queue struct {
	store  *store.Store
	q      *queue.Queue[Mutation]
	logger *slog.Logger

	// mu serializes EnqueueMutation against Claim.
	mu      sync.Mutex
	claimed map[string]bool
}

// New creates a mutation queue over s.
func New(s *store.Store, opts ...queue.Option) *Queue {
	q := queue.New[Mutation](s, queue.CollectionMutations, opts...)
	return &Queue{store: s, q: q, logger: q.Logger(), claimed: make(map[string]bool)}
}

// Claim freezes a pending entry for replay and returns its current
// contents. ok is false when the entry is gone or already synced. Every
// successful Claim must be paired with Release.
func (mq *Queue) Claim(ctx context.Context, id string) (e Entry, ok bool, err error) {
	mq.mu.Lock()
	defer mq.mu.Unlock()

	e, err = mq.q.Get(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("claim %s: %w", id, err)
	}
	if e.Synced {
		return e, false, nil
	}
	mq.claimed[id] = true
	return e, true, nil
}

// Release unfreezes a claimed entry.
func (mq *Queue) Release(id string) {
	mq.mu.Lock()
	defer mq.mu.Unlock()
	delete(mq.claimed, id)
}

// EnqueueMutation applies the collapsing rules and persists the outcome
// atomically. It returns the entry now carrying the mutation, which may be
// a reused earlier entry, or nil when the mutation annihilated pending work.
func (mq *Queue) EnqueueMutation(ctx context.Context, entity Entity, op Operation, entityID string, payload map[string]any) (*Entry, error) {
	next := Mutation{
		Entity:     entity,
		Operation:  op,
		EntityID:   entityID,
		Payload:    payload,
		Resolution: ResolutionNone,
	}
	if err := next.Validate(); err != nil {
		return nil, err
	}

	mq.mu.Lock()
	defer mq.mu.Unlock()

	var result *Entry
	err := mq.store.WithTx(ctx, func(tx *store.Tx) error {
		q := mq.q.Bind(tx)
		pending, err := pendingFor(ctx, q, entity, entityID)
		if err != nil {
			return err
		}
		open, inFlight := mq.splitClaimed(pending)
		if err := checkInFlight(open, inFlight, next); err != nil {
			return err
		}
		plan, err := Reduce(open, next)
		if err != nil {
			return err
		}

		for _, id := range plan.Remove {
			if err := q.Delete(ctx, id); err != nil {
				return err
			}
		}
		switch {
		case plan.Merge != nil:
			if err := q.Update(ctx, plan.Merge.ID, plan.Merge.Mutation); err != nil {
				return err
			}
			e, err := q.Get(ctx, plan.Merge.ID)
			if err != nil {
				return err
			}
			result = &e
		case plan.Append != nil:
			e, err := q.Enqueue(ctx, *plan.Append)
			if err != nil {
				return err
			}
			result = &e
		case plan.Existing != "":
			e, err := q.Get(ctx, plan.Existing)
			if err != nil {
				return err
			}
			result = &e
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("enqueue %s %s/%s: %w", op, entity, entityID, err)
	}

	if result == nil {
		mq.logger.Info("mutation annihilated pending add", "entity", entity, "entity_id", entityID)
	} else {
		mq.logger.Debug("mutation queued", "entity", entity, "entity_id", entityID, "operation", result.Payload.Operation, "entry", result.ID)
	}
	return result, nil
}

// PendingIDsFor returns the sorted ids of entity records with an
// outstanding mutation.
func (mq *Queue) PendingIDsFor(ctx context.Context, entity Entity) ([]string, error) {
	pending, err := mq.q.ListPending(ctx)
	if err != nil {
		return nil, fmt.Errorf("pending ids for %s: %w", entity, err)
	}
	seen := make(map[string]bool)
	var ids []string
	for _, e := range pending {
		if e.Payload.Entity != entity || seen[e.Payload.EntityID] {
			continue
		}
		seen[e.Payload.EntityID] = true
		ids = append(ids, e.Payload.EntityID)
	}
	slices.Sort(ids)
	return ids, nil
}

// OperationFor reports which operation is pending for an entity record.
// An add takes precedence so a record re-created after a delete reads as
// new. ok is false when nothing is pending.
func (mq *Queue) OperationFor(ctx context.Context, entity Entity, entityID string) (op Operation, ok bool, err error) {
	pending, err := pendingFor(ctx, mq.q, entity, entityID)
	if err != nil {
		return "", false, fmt.Errorf("operation for %s/%s: %w", entity, entityID, err)
	}
	for _, want := range []Operation{OpAdd, OpDelete, OpUpdate} {
		for _, e := range pending {
			if e.Payload.Operation == want {
				return want, true, nil
			}
		}
	}
	return "", false, nil
}

// ListPending returns unsynced mutations in creation order.
func (mq *Queue) ListPending(ctx context.Context) ([]Entry, error) {
	return mq.q.ListPending(ctx)
}

// List returns every mutation in creation order.
func (mq *Queue) List(ctx context.Context) ([]Entry, error) {
	return mq.q.List(ctx)
}

// PendingCount returns the number of unsynced mutations.
func (mq *Queue) PendingCount(ctx context.Context) (int, error) {
	return mq.q.PendingCount(ctx)
}

// MarkSynced records the resolution and flags the entry synced.
func (mq *Queue) MarkSynced(ctx context.Context, id string, resolution Resolution) error {
	return mq.store.WithTx(ctx, func(tx *store.Tx) error {
		q := mq.q.Bind(tx)
		e, err := q.Get(ctx, id)
		if err != nil {
			return err
		}
		if e.Synced {
			return nil
		}
		m := e.Payload
		m.Resolution = resolution
		if err := q.Update(ctx, id, m); err != nil {
			return err
		}
		return q.MarkSynced(ctx, id)
	})
}

// MarkFailed records a failed replay attempt.
func (mq *Queue) MarkFailed(ctx context.Context, id string, cause error) error {
	return mq.q.MarkFailed(ctx, id, cause)
}

// PurgeOlderThan removes synced mutations older than days.
func (mq *Queue) PurgeOlderThan(ctx context.Context, days int) (int64, error) {
	return mq.q.PurgeOlderThan(ctx, days)
}

// splitClaimed separates entries that may be rewritten from those frozen
// by an in-progress replay. Caller holds mu.
func (mq *Queue) splitClaimed(pending []Entry) (open, inFlight []Entry) {
	for _, e := range pending {
		if mq.claimed[e.ID] {
			inFlight = append(inFlight, e)
		} else {
			open = append(open, e)
		}
	}
	return open, inFlight
}

// checkInFlight keeps the delete rule across a replay: while a delete is
// being sent, an update is refused unless the record was re-added since.
func checkInFlight(open, inFlight []Entry, next Mutation) error {
	if next.Operation != OpUpdate {
		return nil
	}
	for _, e := range open {
		if e.Payload.Operation == OpAdd {
			return nil
		}
	}
	for _, e := range inFlight {
		if e.Payload.Operation == OpDelete {
			return ErrDeleted
		}
	}
	return nil
}

func pendingFor(ctx context.Context, q *queue.Queue[Mutation], entity Entity, entityID string) ([]Entry, error) {
	all, err := q.ListPending(ctx)
	if err != nil {
		return nil, err
	}
	var out []Entry
	for _, e := range all {
		if e.Payload.Entity == entity && e.Payload.EntityID == entityID {
			out = append(out, e)
		}
	}
	return out, nil
}
