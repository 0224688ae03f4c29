// Package memstore provides an in-memory remote.Store with fault
// injection. It stands in for the backend in tests, harness scenarios and
// offline demos.
package memstore

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/roach88/possync/internal/clock"
	"github.com/roach88/possync/internal/pos"
	"github.com/roach88/possync/internal/remote"
)

// Operation names accepted by Fail and counted by Calls.
const (
	OpInsertSale                  = "insert_sale"
	OpIncrementField              = "increment_field"
	OpInsertSaleItems             = "insert_sale_items"
	OpInsertSaleSubscriptions     = "insert_sale_subscriptions"
	OpInsertCustomerSubscriptions = "insert_customer_subscriptions"
	OpLastModified                = "last_modified"
	OpInsertEntity                = "insert_entity"
	OpUpdateEntity                = "update_entity"
	OpDeleteEntity                = "delete_entity"
	OpInsertShadow                = "insert_shadow"
	OpFetchUnconfirmedShadows     = "fetch_unconfirmed_shadows"
	OpFetchSalesByID              = "fetch_sales_by_id"
	OpConfirmShadows              = "confirm_shadows"
	OpInsertHeartbeat             = "insert_heartbeat"
	OpInvokeAnomalyCheck          = "invoke_anomaly_check"
)

type entity struct {
	fields   map[string]any
	modified time.Time
}

type fault struct {
	op  string
	key string
	err error
}

// Store is a thread-safe in-memory backend.
type Store struct {
	mu    sync.Mutex
	clock clock.Clock

	sales     map[string]pos.SaleRow
	saleOrder []string
	items     map[string]pos.SaleItemRow
	subs      map[string]pos.SaleSubscriptionRow
	csubs     map[string]pos.CustomerSubscriptionRow
	counters  map[string]int64
	applied   map[string]bool
	entities  map[string]map[string]entity
	shadows   map[string]pos.Shadow
	shadowSeq []string

	heartbeats []pos.Heartbeat
	anomalies  []string

	offline bool
	faults  []fault
	calls   map[string]int
}

// Option configures a Store.
type Option func(*Store)

// WithClock sets the clock used to stamp entity modification times.
func WithClock(c clock.Clock) Option {
	return func(s *Store) { s.clock = c }
}

// New creates an empty store.
func New(opts ...Option) *Store {
	s := &Store{
		clock:    clock.System{},
		sales:    make(map[string]pos.SaleRow),
		items:    make(map[string]pos.SaleItemRow),
		subs:     make(map[string]pos.SaleSubscriptionRow),
		csubs:    make(map[string]pos.CustomerSubscriptionRow),
		counters: make(map[string]int64),
		applied:  make(map[string]bool),
		entities: make(map[string]map[string]entity),
		shadows:  make(map[string]pos.Shadow),
		calls:    make(map[string]int),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetOffline makes every call fail with remote.ErrUnavailable while true.
func (s *Store) SetOffline(offline bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offline = offline
}

// Fail makes op fail with err whenever it touches key, until
// ClearFailures. An empty key matches every call of op. For batch inserts
// the key is the sale id.
func (s *Store) Fail(op, key string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults = append(s.faults, fault{op: op, key: key, err: err})
}

// ClearFailures removes every injected fault and brings the store online.
func (s *Store) ClearFailures() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults = nil
	s.offline = false
}

// Calls returns how many times op was invoked, including failed calls.
func (s *Store) Calls(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

// enter records the call and returns any injected failure. Caller holds mu.
func (s *Store) enter(op, key string) error {
	s.calls[op]++
	if s.offline {
		return fmt.Errorf("%s: %w", op, remote.ErrUnavailable)
	}
	for _, f := range s.faults {
		if f.op == op && (f.key == "" || f.key == key) {
			return fmt.Errorf("%s %s: %w", op, key, f.err)
		}
	}
	return nil
}

// InsertSale stores a sale header. An existing id is remote.ErrDuplicate.
func (s *Store) InsertSale(_ context.Context, row pos.SaleRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(OpInsertSale, row.ID); err != nil {
		return err
	}
	if _, ok := s.sales[row.ID]; ok {
		return fmt.Errorf("insert sale %s: %w", row.ID, remote.ErrDuplicate)
	}
	s.sales[row.ID] = row
	s.saleOrder = append(s.saleOrder, row.ID)
	return nil
}

// IncrementField adds by to a numeric counter unless key was already
// applied to it.
func (s *Store) IncrementField(_ context.Context, table, id, field string, by int64, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(OpIncrementField, id); err != nil {
		return err
	}
	ck := counterKey(table, id, field)
	if s.applied[ck+"#"+key] {
		return nil
	}
	s.applied[ck+"#"+key] = true
	s.counters[ck] += by
	return nil
}

// InsertSaleItems stores line items, ignoring ids already present.
func (s *Store) InsertSaleItems(_ context.Context, rows []pos.SaleItemRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(OpInsertSaleItems, firstSaleID(rows, func(r pos.SaleItemRow) string { return r.SaleID })); err != nil {
		return err
	}
	for _, r := range rows {
		if _, ok := s.items[r.ID]; !ok {
			s.items[r.ID] = r
		}
	}
	return nil
}

// InsertSaleSubscriptions stores sold plans, ignoring ids already present.
func (s *Store) InsertSaleSubscriptions(_ context.Context, rows []pos.SaleSubscriptionRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(OpInsertSaleSubscriptions, firstSaleID(rows, func(r pos.SaleSubscriptionRow) string { return r.SaleID })); err != nil {
		return err
	}
	for _, r := range rows {
		if _, ok := s.subs[r.ID]; !ok {
			s.subs[r.ID] = r
		}
	}
	return nil
}

// InsertCustomerSubscriptions stores derived subscriptions, ignoring ids
// already present.
func (s *Store) InsertCustomerSubscriptions(_ context.Context, rows []pos.CustomerSubscriptionRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(OpInsertCustomerSubscriptions, firstSaleID(rows, func(r pos.CustomerSubscriptionRow) string { return r.SaleID })); err != nil {
		return err
	}
	for _, r := range rows {
		if _, ok := s.csubs[r.ID]; !ok {
			s.csubs[r.ID] = r
		}
	}
	return nil
}

// LastModified reports when an entity was last written.
func (s *Store) LastModified(_ context.Context, table, id string) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(OpLastModified, id); err != nil {
		return time.Time{}, false, err
	}
	e, ok := s.entities[table][id]
	if !ok {
		return time.Time{}, false, nil
	}
	return e.modified, true, nil
}

// InsertEntity creates an entity. An existing id is remote.ErrDuplicate.
func (s *Store) InsertEntity(_ context.Context, table, id string, fields map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(OpInsertEntity, id); err != nil {
		return err
	}
	if _, ok := s.entities[table][id]; ok {
		return fmt.Errorf("insert %s/%s: %w", table, id, remote.ErrDuplicate)
	}
	s.putEntity(table, id, maps.Clone(fields), s.clock.Now())
	return nil
}

// UpdateEntity patches an entity's fields.
func (s *Store) UpdateEntity(_ context.Context, table, id string, fields map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(OpUpdateEntity, id); err != nil {
		return err
	}
	e, ok := s.entities[table][id]
	if !ok {
		return fmt.Errorf("update %s/%s: %w", table, id, remote.ErrNotFound)
	}
	merged := maps.Clone(e.fields)
	if merged == nil {
		merged = make(map[string]any)
	}
	maps.Copy(merged, fields)
	s.putEntity(table, id, merged, s.clock.Now())
	return nil
}

// DeleteEntity removes an entity.
func (s *Store) DeleteEntity(_ context.Context, table, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(OpDeleteEntity, id); err != nil {
		return err
	}
	if _, ok := s.entities[table][id]; !ok {
		return fmt.Errorf("delete %s/%s: %w", table, id, remote.ErrNotFound)
	}
	delete(s.entities[table], id)
	return nil
}

// InsertShadow stores a shadow. An existing sale id is remote.ErrDuplicate.
func (s *Store) InsertShadow(_ context.Context, sh pos.Shadow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(OpInsertShadow, sh.SaleID); err != nil {
		return err
	}
	if _, ok := s.shadows[sh.SaleID]; ok {
		return fmt.Errorf("insert shadow %s: %w", sh.SaleID, remote.ErrDuplicate)
	}
	s.shadows[sh.SaleID] = sh
	s.shadowSeq = append(s.shadowSeq, sh.SaleID)
	return nil
}

// FetchUnconfirmedShadows returns up to limit unconfirmed shadows in
// insertion order.
func (s *Store) FetchUnconfirmedShadows(_ context.Context, limit int) ([]pos.Shadow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(OpFetchUnconfirmedShadows, ""); err != nil {
		return nil, err
	}
	var out []pos.Shadow
	for _, id := range s.shadowSeq {
		if len(out) >= limit {
			break
		}
		if sh := s.shadows[id]; !sh.Confirmed {
			out = append(out, sh)
		}
	}
	return out, nil
}

// FetchSalesByID returns the ids that exist as sales.
func (s *Store) FetchSalesByID(_ context.Context, ids []string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(OpFetchSalesByID, ""); err != nil {
		return nil, err
	}
	var out []string
	for _, id := range ids {
		if _, ok := s.sales[id]; ok {
			out = append(out, id)
		}
	}
	return out, nil
}

// ConfirmShadows marks shadows confirmed.
func (s *Store) ConfirmShadows(_ context.Context, saleIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(OpConfirmShadows, ""); err != nil {
		return err
	}
	for _, id := range saleIDs {
		if sh, ok := s.shadows[id]; ok {
			sh.Confirmed = true
			s.shadows[id] = sh
		}
	}
	return nil
}

// InsertHeartbeat appends a heartbeat.
func (s *Store) InsertHeartbeat(_ context.Context, hb pos.Heartbeat) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(OpInsertHeartbeat, hb.InstallID); err != nil {
		return err
	}
	s.heartbeats = append(s.heartbeats, hb)
	return nil
}

// InvokeAnomalyCheck records that a check was requested.
func (s *Store) InvokeAnomalyCheck(_ context.Context, userID, installID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(OpInvokeAnomalyCheck, installID); err != nil {
		return err
	}
	s.anomalies = append(s.anomalies, userID+"/"+installID)
	return nil
}

// SeedEntity writes an entity directly, bypassing faults, as if another
// device had saved it at modified.
func (s *Store) SeedEntity(table, id string, fields map[string]any, modified time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.putEntity(table, id, maps.Clone(fields), modified)
}

// Entity returns an entity's fields and modification time.
func (s *Store) Entity(table, id string) (map[string]any, time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entities[table][id]
	if !ok {
		return nil, time.Time{}, false
	}
	return maps.Clone(e.fields), e.modified, true
}

// Sales returns sale headers in insertion order.
func (s *Store) Sales() []pos.SaleRow {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]pos.SaleRow, 0, len(s.saleOrder))
	for _, id := range s.saleOrder {
		out = append(out, s.sales[id])
	}
	return out
}

// SaleItems returns the line items of a sale ordered by id.
func (s *Store) SaleItems(saleID string) []pos.SaleItemRow {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []pos.SaleItemRow
	for _, r := range s.items {
		if r.SaleID == saleID {
			out = append(out, r)
		}
	}
	slices.SortFunc(out, func(a, b pos.SaleItemRow) int { return compare(a.ID, b.ID) })
	return out
}

// CustomerSubscriptions returns the derived subscriptions of a customer
// ordered by id.
func (s *Store) CustomerSubscriptions(customerID string) []pos.CustomerSubscriptionRow {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []pos.CustomerSubscriptionRow
	for _, r := range s.csubs {
		if r.CustomerID == customerID {
			out = append(out, r)
		}
	}
	slices.SortFunc(out, func(a, b pos.CustomerSubscriptionRow) int { return compare(a.ID, b.ID) })
	return out
}

// Counter returns a counter value.
func (s *Store) Counter(table, id, field string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counters[counterKey(table, id, field)]
}

// Shadows returns shadows in insertion order.
func (s *Store) Shadows() []pos.Shadow {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]pos.Shadow, 0, len(s.shadowSeq))
	for _, id := range s.shadowSeq {
		out = append(out, s.shadows[id])
	}
	return out
}

// Heartbeats returns heartbeats in arrival order.
func (s *Store) Heartbeats() []pos.Heartbeat {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.heartbeats)
}

// AnomalyChecks returns the user/install pairs checks were requested for.
func (s *Store) AnomalyChecks() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.anomalies)
}

// putEntity writes an entity. Caller holds mu.
func (s *Store) putEntity(table, id string, fields map[string]any, modified time.Time) {
	if s.entities[table] == nil {
		s.entities[table] = make(map[string]entity)
	}
	s.entities[table][id] = entity{fields: fields, modified: modified}
}

func counterKey(table, id, field string) string {
	return table + "/" + id + "/" + field
}

func firstSaleID[T any](rows []T, saleID func(T) string) string {
	if len(rows) == 0 {
		return ""
	}
	return saleID(rows[0])
}

func compare(a, b string) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

var _ remote.Store = (*Store)(nil)
