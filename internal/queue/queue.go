// Package queue implements the durable local queue: an append-only,
// persisted, ordered collection of typed entries with replay bookkeeping.
//
// Queue is generic over its payload type. Payloads are stored as JSON, so T
// must round-trip through encoding/json.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/possync/internal/clock"
	"github.com/roach88/possync/internal/ident"
	"github.com/roach88/possync/internal/store"
)

// Collection names used by the built-in queues.
const (
	CollectionTransactions = "transactions"
	CollectionMutations    = "mutations"
	CollectionShadows      = "shadows"
)

// Backend is the persistence a queue runs over. Both *store.Store and
// *store.Tx implement it.
type Backend interface {
	Append(ctx context.Context, r store.Record) (store.Record, error)
	Get(ctx context.Context, collection, id string) (store.Record, error)
	List(ctx context.Context, collection string) ([]store.Record, error)
	ListPending(ctx context.Context, collection string) ([]store.Record, error)
	Last(ctx context.Context, collection string) (store.Record, error)
	CountPending(ctx context.Context, collection string) (int, error)
	Delete(ctx context.Context, collection, id string) error
	ReplacePayload(ctx context.Context, collection, id string, payload []byte) error
	MarkSynced(ctx context.Context, collection, id string, at time.Time) error
	MarkFailed(ctx context.Context, collection, id, message string) error
	PurgeSyncedBefore(ctx context.Context, collection string, cutoff time.Time) (int64, error)
}

// Entry is one queued item with its replay bookkeeping.
type Entry[T any] struct {
	ID         string
	Seq        int64
	Payload    T
	CreatedAt  time.Time
	Synced     bool
	SyncedAt   time.Time
	RetryCount int
	LastError  string
}

// Queue is a durable FIFO of T.
type Queue[T any] struct {
	backend    Backend
	collection string
	clock      clock.Clock
	ids        ident.Generator
	logger     *slog.Logger
}

// Option configures a Queue.
type Option func(*options)

type options struct {
	clock  clock.Clock
	ids    ident.Generator
	logger *slog.Logger
}

// WithClock sets the clock used to stamp CreatedAt and SyncedAt.
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithIDGenerator sets the generator for entry ids.
func WithIDGenerator(g ident.Generator) Option {
	return func(o *options) { o.ids = g }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// New creates a queue over the named collection.
func New[T any](backend Backend, collection string, opts ...Option) *Queue[T] {
	o := options{
		clock:  clock.System{},
		ids:    ident.UUIDv7Generator{},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return &Queue[T]{
		backend:    backend,
		collection: collection,
		clock:      o.clock,
		ids:        o.ids,
		logger:     o.logger.With("queue", collection),
	}
}

// Bind returns a copy of q that runs over backend, typically a *store.Tx.
func (q *Queue[T]) Bind(backend Backend) *Queue[T] {
	c := *q
	c.backend = backend
	return &c
}

// Collection returns the collection name.
func (q *Queue[T]) Collection() string {
	return q.collection
}

// Logger returns the queue's logger.
func (q *Queue[T]) Logger() *slog.Logger {
	return q.logger
}

// Now returns the queue clock's current time.
func (q *Queue[T]) Now() time.Time {
	return q.clock.Now()
}

// Enqueue appends payload under a freshly generated id.
func (q *Queue[T]) Enqueue(ctx context.Context, payload T) (Entry[T], error) {
	return q.EnqueueAs(ctx, q.ids.Generate(), payload)
}

// EnqueueAs appends payload under the given id. Storage failures are
// returned to the caller and never retried here.
func (q *Queue[T]) EnqueueAs(ctx context.Context, id string, payload T) (Entry[T], error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Entry[T]{}, fmt.Errorf("enqueue %s: encode: %w", id, err)
	}
	rec, err := q.backend.Append(ctx, store.Record{
		Collection: q.collection,
		ID:         id,
		Payload:    data,
		CreatedAt:  q.clock.Now(),
	})
	if err != nil {
		return Entry[T]{}, fmt.Errorf("enqueue: %w", err)
	}
	q.logger.Debug("enqueued", "id", id, "seq", rec.Seq)
	return Entry[T]{ID: rec.ID, Seq: rec.Seq, Payload: payload, CreatedAt: rec.CreatedAt}, nil
}

// Get returns one entry.
func (q *Queue[T]) Get(ctx context.Context, id string) (Entry[T], error) {
	rec, err := q.backend.Get(ctx, q.collection, id)
	if err != nil {
		return Entry[T]{}, err
	}
	return decode[T](rec)
}

// List returns every entry in creation order.
func (q *Queue[T]) List(ctx context.Context) ([]Entry[T], error) {
	recs, err := q.backend.List(ctx, q.collection)
	if err != nil {
		return nil, err
	}
	return decodeAll[T](recs)
}

// ListPending returns unsynced entries in creation order. Consumers with
// cross-entry side effects rely on this order.
func (q *Queue[T]) ListPending(ctx context.Context) ([]Entry[T], error) {
	recs, err := q.backend.ListPending(ctx, q.collection)
	if err != nil {
		return nil, err
	}
	return decodeAll[T](recs)
}

// Last returns the most recently enqueued entry, synced or not. Returns
// store.ErrNotFound when the queue is empty.
func (q *Queue[T]) Last(ctx context.Context) (Entry[T], error) {
	rec, err := q.backend.Last(ctx, q.collection)
	if err != nil {
		return Entry[T]{}, err
	}
	return decode[T](rec)
}

// PendingCount returns the number of unsynced entries.
func (q *Queue[T]) PendingCount(ctx context.Context) (int, error) {
	return q.backend.CountPending(ctx, q.collection)
}

// Update replaces the payload of an existing entry, keeping its id,
// position and creation time.
func (q *Queue[T]) Update(ctx context.Context, id string, payload T) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("update %s: encode: %w", id, err)
	}
	return q.backend.ReplacePayload(ctx, q.collection, id, data)
}

// Delete removes an entry.
func (q *Queue[T]) Delete(ctx context.Context, id string) error {
	return q.backend.Delete(ctx, q.collection, id)
}

// MarkSynced flags an entry synced. Idempotent.
func (q *Queue[T]) MarkSynced(ctx context.Context, id string) error {
	return q.backend.MarkSynced(ctx, q.collection, id, q.clock.Now())
}

// MarkFailed records a failed replay attempt and its error message.
func (q *Queue[T]) MarkFailed(ctx context.Context, id string, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return q.backend.MarkFailed(ctx, q.collection, id, msg)
}

// PurgeOlderThan removes synced entries whose synced-at predates now minus
// days. Unsynced entries are kept regardless of age. Returns the count
// removed.
func (q *Queue[T]) PurgeOlderThan(ctx context.Context, days int) (int64, error) {
	cutoff := q.clock.Now().AddDate(0, 0, -days)
	n, err := q.backend.PurgeSyncedBefore(ctx, q.collection, cutoff)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		q.logger.Info("purged synced entries", "count", n, "older_than_days", days)
	}
	return n, nil
}

func decode[T any](rec store.Record) (Entry[T], error) {
	var payload T
	if err := json.Unmarshal(rec.Payload, &payload); err != nil {
		return Entry[T]{}, fmt.Errorf("decode %s/%s: %w", rec.Collection, rec.ID, err)
	}
	return Entry[T]{
		ID:         rec.ID,
		Seq:        rec.Seq,
		Payload:    payload,
		CreatedAt:  rec.CreatedAt,
		Synced:     rec.Synced,
		SyncedAt:   rec.SyncedAt,
		RetryCount: rec.RetryCount,
		LastError:  rec.LastError,
	}, nil
}

func decodeAll[T any](recs []store.Record) ([]Entry[T], error) {
	entries := make([]Entry[T], 0, len(recs))
	for _, rec := range recs {
		e, err := decode[T](rec)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, nil
}
