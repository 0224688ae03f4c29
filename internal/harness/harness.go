package harness

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/roach88/possync/internal/cache"
	"github.com/roach88/possync/internal/engine"
	"github.com/roach88/possync/internal/ident"
	"github.com/roach88/possync/internal/ledger"
	"github.com/roach88/possync/internal/mutation"
	"github.com/roach88/possync/internal/pos"
	"github.com/roach88/possync/internal/queue"
	"github.com/roach88/possync/internal/remote"
	"github.com/roach88/possync/internal/remote/memstore"
	"github.com/roach88/possync/internal/store"
	"github.com/roach88/possync/internal/testutil"
)

// DefaultUser is the cashier sales are attributed to when a step names
// none.
const DefaultUser = "cashier-1"

// Harness runs one scenario against a fresh local store and an in-memory
// remote sharing a fake clock.
type Harness struct {
	store     *store.Store
	ledger    *ledger.Ledger
	mutations *mutation.Queue
	remote    *recorder
	engine    *engine.Engine
	cache     *cache.Registry
	clock     *testutil.FakeClock
	result    *Result
}

// Run executes a scenario and returns its result. Step failures and
// assertion failures are reported in the result; the error is reserved for
// harness setup problems.
func Run(scenario *Scenario) (*Result, error) {
	start, err := scenario.startTime()
	if err != nil {
		return nil, fmt.Errorf("invalid start: %w", err)
	}

	st, err := store.Open(":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}
	defer st.Close()

	clk := testutil.NewFakeClock(start)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	result := NewResult()

	h := &Harness{
		store: st,
		ledger: ledger.New(st,
			queue.WithClock(clk),
			queue.WithLogger(logger)),
		mutations: mutation.New(st,
			queue.WithClock(clk),
			queue.WithIDGenerator(ident.NewSequenceGenerator("mut")),
			queue.WithLogger(logger)),
		remote: &recorder{Store: memstore.New(memstore.WithClock(clk)), result: result},
		cache:  cache.NewRegistry(),
		clock:  clk,
		result: result,
	}
	h.engine = engine.New(st, h.ledger, h.mutations, h.remote,
		engine.WithClock(clk),
		engine.WithLogger(logger),
		engine.WithInvalidator(h.cache))

	ctx := context.Background()
	for i, step := range scenario.Steps {
		h.runStep(ctx, i, step)
	}

	for _, msg := range EvaluateAssertions(result, scenario.Assertions, &AssertionContext{
		Ctx:       ctx,
		Remote:    h.remote.Store,
		Ledger:    h.ledger,
		Mutations: h.mutations,
	}) {
		result.AddError(msg)
	}
	return result, nil
}

// runStep executes one step, traces it and checks its expectation. A step
// that errors yields {"error": message}; that is a failure unless the
// step expects an error containing the given text.
func (h *Harness) runStep(ctx context.Context, i int, step Step) {
	out, err := h.do(ctx, step)
	if err != nil {
		out = map[string]any{"error": err.Error()}
	}
	h.result.addEvent(TraceEvent{
		Type:   EventStep,
		Action: step.Do,
		Args:   step.Args,
		Result: out,
	})

	if err != nil {
		want, expected := step.Expect["error"].(string)
		if !expected || !strings.Contains(err.Error(), want) {
			h.result.AddError(fmt.Sprintf("steps[%d] %s: %v", i, step.Do, err))
		}
		return
	}
	if diff := matchSubset(out, step.Expect); diff != "" {
		h.result.AddError(fmt.Sprintf("steps[%d] %s: %s", i, step.Do, diff))
	}
}

func (h *Harness) do(ctx context.Context, step Step) (map[string]any, error) {
	a := args(step.Args)
	switch step.Do {
	case StepSale:
		return h.sale(ctx, a)
	case StepMutate:
		return h.mutate(ctx, a)
	case StepOffline:
		h.remote.SetOffline(true)
		return nil, nil
	case StepOnline:
		h.remote.SetOffline(false)
		return nil, nil
	case StepFailRemote:
		return nil, h.failRemote(a)
	case StepClearFailures:
		h.remote.ClearFailures()
		return nil, nil
	case StepSync:
		return h.sync(ctx)
	case StepVerify:
		report, err := h.ledger.Verify(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"corrupted": nonNil(report.Corrupted),
			"truncated": report.Truncated,
		}, nil
	case StepPurge:
		return h.purge(ctx, a)
	case StepTamperDelete:
		id, err := a.str("id")
		if err != nil {
			return nil, err
		}
		return nil, h.store.Delete(ctx, queue.CollectionTransactions, id)
	case StepTamperPayload:
		return nil, h.tamperPayload(ctx, a)
	case StepRemoteEdit:
		return nil, h.remoteEdit(a)
	case StepAdvance:
		by, err := a.duration("by")
		if err != nil {
			return nil, err
		}
		return map[string]any{"now": h.clock.Advance(by).UTC().Format(time.RFC3339)}, nil
	default:
		return nil, fmt.Errorf("unknown action %q", step.Do)
	}
}

func (h *Harness) sale(ctx context.Context, a args) (map[string]any, error) {
	id, err := a.str("id")
	if err != nil {
		return nil, err
	}
	user := a.optStr("user", DefaultUser)

	sale := testutil.Sale(id, user, h.clock.Now())
	if customer := a.optStr("customer", ""); customer != "" {
		sale = testutil.CustomerSale(id, user, customer, h.clock.Now())
	}
	entry, err := h.ledger.Enqueue(ctx, sale)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"entry": entry.ID,
		"total": sale.Total.StringFixed(2),
		"hash":  entry.Payload.Hash[:12],
	}, nil
}

func (h *Harness) mutate(ctx context.Context, a args) (map[string]any, error) {
	entityName, err := a.str("entity")
	if err != nil {
		return nil, err
	}
	entity, err := mutation.ParseEntity(entityName)
	if err != nil {
		return nil, err
	}
	opName, err := a.str("op")
	if err != nil {
		return nil, err
	}
	op, err := mutation.ParseOperation(opName)
	if err != nil {
		return nil, err
	}
	id, err := a.str("id")
	if err != nil {
		return nil, err
	}
	payload, err := a.optMap("payload")
	if err != nil {
		return nil, err
	}

	entry, err := h.mutations.EnqueueMutation(ctx, entity, op, id, payload)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return map[string]any{"cancelled": true}, nil
	}
	return map[string]any{
		"entry":     entry.ID,
		"operation": string(entry.Payload.Operation),
		"cancelled": false,
	}, nil
}

// failRemote injects a fault. error is one of unavailable (default),
// duplicate, not_found or any other text for a generic failure.
func (h *Harness) failRemote(a args) error {
	op, err := a.str("op")
	if err != nil {
		return err
	}
	var cause error
	switch msg := a.optStr("error", OutcomeUnavailable); msg {
	case OutcomeUnavailable:
		cause = remote.ErrUnavailable
	case OutcomeDuplicate:
		cause = remote.ErrDuplicate
	case OutcomeNotFound:
		cause = remote.ErrNotFound
	default:
		cause = errors.New(msg)
	}
	h.remote.Fail(op, a.optStr("key", ""), cause)
	return nil
}

func (h *Harness) sync(ctx context.Context) (map[string]any, error) {
	before := h.cache.Generations()
	res, err := h.engine.Sync(ctx)
	if err != nil {
		return nil, err
	}

	var invalidated []string
	for key, gen := range h.cache.Generations() {
		if gen != before[key] {
			invalidated = append(invalidated, string(key))
		}
	}
	slices.Sort(invalidated)

	return map[string]any{
		"transactions_synced": res.TransactionsSynced,
		"transactions_failed": res.TransactionsFailed,
		"mutations_synced":    res.MutationsSynced,
		"mutations_discarded": res.MutationsDiscarded,
		"mutations_failed":    res.MutationsFailed,
		"corrupted":           nonNil(res.Corrupted),
		"truncated":           res.Truncated,
		"purged":              res.Purged,
		"errors":              nonNil(res.Errors),
		"invalidated":         nonNil(invalidated),
	}, nil
}

func (h *Harness) purge(ctx context.Context, a args) (map[string]any, error) {
	days, err := a.integer("days")
	if err != nil {
		return nil, err
	}
	tx, err := h.ledger.PurgeOlderThan(ctx, days)
	if err != nil {
		return nil, err
	}
	mu, err := h.mutations.PurgeOlderThan(ctx, days)
	if err != nil {
		return nil, err
	}
	return map[string]any{"transactions": tx, "mutations": mu}, nil
}

// tamperPayload rewrites a queued sale's total in place, leaving its
// stored hash untouched.
func (h *Harness) tamperPayload(ctx context.Context, a args) error {
	id, err := a.str("id")
	if err != nil {
		return err
	}
	total, err := a.str("total")
	if err != nil {
		return err
	}
	amount, err := decimal.NewFromString(total)
	if err != nil {
		return fmt.Errorf("total: %w", err)
	}

	rec, err := h.store.Get(ctx, queue.CollectionTransactions, id)
	if err != nil {
		return err
	}
	var payload ledger.Record
	if err := json.Unmarshal(rec.Payload, &payload); err != nil {
		return fmt.Errorf("decode %s: %w", id, err)
	}
	payload.Sale.Total = amount
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s: %w", id, err)
	}
	return h.store.ReplacePayload(ctx, queue.CollectionTransactions, id, data)
}

// remoteEdit writes a record on the remote as another device would, at
// now plus after.
func (h *Harness) remoteEdit(a args) error {
	table, err := a.str("table")
	if err != nil {
		return err
	}
	id, err := a.str("id")
	if err != nil {
		return err
	}
	fields, err := a.optMap("fields")
	if err != nil {
		return err
	}
	var after time.Duration
	if _, ok := a["after"]; ok {
		if after, err = a.duration("after"); err != nil {
			return err
		}
	}
	if fields == nil {
		fields = map[string]any{}
	}
	h.remote.SeedEntity(table, id, fields, h.clock.Now().Add(after))
	return nil
}

// remoteRows returns the rows of a remote table matching where, as plain
// JSON maps.
func remoteRows(rs *memstore.Store, table string, where map[string]any) ([]map[string]any, error) {
	var rows []any
	switch table {
	case pos.TableSales:
		for _, r := range rs.Sales() {
			rows = append(rows, r)
		}
	case pos.TableSaleItems:
		saleID, _ := where["sale_id"].(string)
		if saleID == "" {
			return nil, fmt.Errorf("%s requires where.sale_id", table)
		}
		for _, r := range rs.SaleItems(saleID) {
			rows = append(rows, r)
		}
	case pos.TableCustomerSubscriptions:
		customerID, _ := where["customer_id"].(string)
		if customerID == "" {
			return nil, fmt.Errorf("%s requires where.customer_id", table)
		}
		for _, r := range rs.CustomerSubscriptions(customerID) {
			rows = append(rows, r)
		}
	case pos.TableShadows:
		for _, r := range rs.Shadows() {
			rows = append(rows, r)
		}
	default:
		return entityRows(rs, table, where)
	}

	var out []map[string]any
	for _, r := range rows {
		m, err := toMap(r)
		if err != nil {
			return nil, err
		}
		if matchSubset(m, where) == "" {
			out = append(out, m)
		}
	}
	return out, nil
}

// entityRows looks up one entity by where.id. Counters on the record are
// folded in, so customers report their visit_count.
func entityRows(rs *memstore.Store, table string, where map[string]any) ([]map[string]any, error) {
	id, _ := where["id"].(string)
	if id == "" {
		return nil, fmt.Errorf("%s requires where.id", table)
	}
	fields, _, ok := rs.Entity(table, id)
	row := maps.Clone(fields)
	if row == nil {
		row = map[string]any{}
	}
	row["id"] = id
	if table == pos.TableCustomers {
		if n := rs.Counter(table, id, pos.FieldVisitCount); n != 0 || ok {
			row[pos.FieldVisitCount] = n
			ok = true
		}
	}
	if !ok {
		return nil, nil
	}
	return []map[string]any{row}, nil
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
