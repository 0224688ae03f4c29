// Package remote defines the backend data store the sync engine replays
// into, and the error taxonomy shared by its adapters.
//
// Adapters:
//   - memstore: in-process store with fault injection, for tests and demos
//   - httpstore: REST client for a PostgREST-style gateway
//   - pgstore: direct PostgreSQL access through pgxpool
//
// Every write must be idempotent from the engine's point of view. Header
// inserts (sales, shadows, entities) report an existing key as ErrDuplicate;
// child-row inserts ignore existing keys.
package remote

import (
	"context"
	"errors"
	"time"

	"github.com/roach88/possync/internal/pos"
)

// Errors shared by all adapters.
var (
	// ErrDuplicate means the key already exists. Callers treat it as
	// "already applied", never as a failure.
	ErrDuplicate = errors.New("remote: duplicate key")
	// ErrNotFound means the addressed record does not exist.
	ErrNotFound = errors.New("remote: not found")
	// ErrUnavailable means the backend could not be reached.
	ErrUnavailable = errors.New("remote: unavailable")
)

// IsDuplicate reports whether err is an already-exists response.
func IsDuplicate(err error) bool {
	return errors.Is(err, ErrDuplicate)
}

// IsNotFound reports whether err is a missing-record response.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// SalesStore receives replayed sale transactions.
type SalesStore interface {
	InsertSale(ctx context.Context, row pos.SaleRow) error
	// IncrementField adds by to a numeric field once per key. A repeated
	// key is a no-op, so a replayed sale never counts twice.
	IncrementField(ctx context.Context, table, id, field string, by int64, key string) error
	InsertSaleItems(ctx context.Context, rows []pos.SaleItemRow) error
	InsertSaleSubscriptions(ctx context.Context, rows []pos.SaleSubscriptionRow) error
	InsertCustomerSubscriptions(ctx context.Context, rows []pos.CustomerSubscriptionRow) error
}

// EntityStore receives replayed secondary-entity mutations.
type EntityStore interface {
	// LastModified returns when the record was last changed. exists is
	// false when the record is missing.
	LastModified(ctx context.Context, table, id string) (modified time.Time, exists bool, err error)
	InsertEntity(ctx context.Context, table, id string, fields map[string]any) error
	UpdateEntity(ctx context.Context, table, id string, fields map[string]any) error
	DeleteEntity(ctx context.Context, table, id string) error
}

// ShadowStore receives fraud shadows and answers reconciliation reads.
type ShadowStore interface {
	InsertShadow(ctx context.Context, s pos.Shadow) error
	FetchUnconfirmedShadows(ctx context.Context, limit int) ([]pos.Shadow, error)
	// FetchSalesByID returns the subset of ids that exist as sales.
	FetchSalesByID(ctx context.Context, ids []string) ([]string, error)
	ConfirmShadows(ctx context.Context, saleIDs []string) error
}

// TelemetryStore receives heartbeats.
type TelemetryStore interface {
	InsertHeartbeat(ctx context.Context, hb pos.Heartbeat) error
	InvokeAnomalyCheck(ctx context.Context, userID, installID string) error
}

// Store is the full backend surface.
type Store interface {
	SalesStore
	EntityStore
	ShadowStore
	TelemetryStore
}

// UpdatedAtField is the column every entity table uses for its
// last-modified time.
const UpdatedAtField = "updated_at"
