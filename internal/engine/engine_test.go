package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/roach88/possync/internal/cache"
	"github.com/roach88/possync/internal/ledger"
	"github.com/roach88/possync/internal/mutation"
	"github.com/roach88/possync/internal/pos"
	"github.com/roach88/possync/internal/queue"
	"github.com/roach88/possync/internal/remote"
	"github.com/roach88/possync/internal/remote/memstore"
	"github.com/roach88/possync/internal/store"
	"github.com/roach88/possync/internal/testutil"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fixture struct {
	engine    *Engine
	store     *store.Store
	ledger    *ledger.Ledger
	mutations *mutation.Queue
	remote    *memstore.Store
	clock     *testutil.FakeClock
	caches    *cache.Registry
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		store:  testutil.OpenStore(t),
		clock:  testutil.NewFakeClock(time.Time{}),
		caches: cache.NewRegistry(),
	}
	f.remote = memstore.New(memstore.WithClock(f.clock))
	f.ledger = ledger.New(f.store, queue.WithClock(f.clock))
	f.mutations = mutation.New(f.store, queue.WithClock(f.clock))
	f.engine = f.newEngine(f.remote, opts...)
	return f
}

func (f *fixture) newEngine(rs remote.Store, opts ...Option) *Engine {
	base := []Option{WithClock(f.clock), WithInvalidator(f.caches)}
	return New(f.store, f.ledger, f.mutations, rs, append(base, opts...)...)
}

func (f *fixture) enqueueSales(t *testing.T, sales ...pos.Sale) {
	t.Helper()
	for _, s := range sales {
		_, err := f.ledger.Enqueue(context.Background(), s)
		require.NoError(t, err)
	}
}

func (f *fixture) sync(t *testing.T) Result {
	t.Helper()
	res, err := f.engine.Sync(context.Background())
	require.NoError(t, err)
	return res
}

func saleIDs(rows []pos.SaleRow) []string {
	ids := make([]string, len(rows))
	for i, r := range rows {
		ids[i] = r.ID
	}
	return ids
}

func TestEngine_New(t *testing.T) {
	f := newFixture(t)

	assert.True(t, f.engine.Online())
	assert.False(t, f.engine.Syncing())
	assert.Equal(t, DefaultRetentionDays, f.engine.retentionDays)
	assert.Equal(t, DefaultSettleDelay, f.engine.settleDelay)
}

func TestEngine_SyncUploadsSalesInOrder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	at := testutil.DefaultEpoch
	f.enqueueSales(t,
		testutil.CustomerSale("A", "u1", "c1", at),
		testutil.Sale("B", "u1", at.Add(time.Minute)),
		testutil.CustomerSale("C", "u1", "c1", at.Add(2*time.Minute)),
	)

	res := f.sync(t)

	assert.Equal(t, 3, res.TransactionsSynced)
	assert.Zero(t, res.TransactionsFailed)
	assert.Empty(t, res.Errors)
	assert.Equal(t, testutil.DefaultEpoch, res.At)

	assert.Equal(t, []string{"A", "B", "C"}, saleIDs(f.remote.Sales()))
	assert.Equal(t, int64(2), f.remote.Counter(pos.TableCustomers, "c1", pos.FieldVisitCount))
	assert.Len(t, f.remote.SaleItems("A"), 1)
	assert.Len(t, f.remote.CustomerSubscriptions("c1"), 2)

	txs, muts, err := f.engine.PendingCounts(ctx)
	require.NoError(t, err)
	assert.Zero(t, txs)
	assert.Zero(t, muts)
}

func TestEngine_PartialFailureIsolation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	at := testutil.DefaultEpoch
	f.enqueueSales(t,
		testutil.Sale("A", "u1", at),
		testutil.Sale("B", "u1", at),
		testutil.Sale("C", "u1", at),
	)
	f.remote.Fail(memstore.OpInsertSale, "B", errors.New("rejected"))

	res := f.sync(t)

	assert.Equal(t, 2, res.TransactionsSynced)
	assert.Equal(t, 1, res.TransactionsFailed)
	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0], "TRANSIENT")
	assert.Contains(t, res.Errors[0], "B")

	entries, err := f.ledger.List(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.True(t, entries[0].Synced)
	assert.False(t, entries[1].Synced)
	assert.Equal(t, 1, entries[1].RetryCount)
	assert.Contains(t, entries[1].LastError, "rejected")
	assert.True(t, entries[2].Synced)

	f.remote.ClearFailures()
	res = f.sync(t)
	assert.Equal(t, 1, res.TransactionsSynced)
	assert.Equal(t, []string{"A", "C", "B"}, saleIDs(f.remote.Sales()))
}

func TestEngine_OfflineLeavesEverythingPending(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.enqueueSales(t, testutil.Sale("A", "u1", testutil.DefaultEpoch), testutil.Sale("B", "u1", testutil.DefaultEpoch))
	f.remote.SetOffline(true)

	res := f.sync(t)

	assert.Equal(t, 2, res.TransactionsFailed)
	assert.Len(t, res.Errors, 2)
	txs, _, err := f.engine.PendingCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, txs)
	assert.Zero(t, f.caches.Passes(), "nothing synced, nothing invalidated")
}

func TestEngine_IdempotentReplay(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	sale := testutil.CustomerSale("S1", "u1", "c1", testutil.DefaultEpoch)
	f.enqueueSales(t, sale)

	// The header and the visit landed on an earlier attempt but the
	// response was lost.
	require.NoError(t, f.remote.InsertSale(ctx, sale.Header()))
	require.NoError(t, f.remote.IncrementField(ctx, pos.TableCustomers, "c1", pos.FieldVisitCount, 1, "S1"))

	res := f.sync(t)

	assert.Equal(t, 1, res.TransactionsSynced)
	assert.Zero(t, res.TransactionsFailed)
	assert.Empty(t, res.Errors)
	assert.Len(t, f.remote.Sales(), 1)
	assert.Equal(t, int64(1), f.remote.Counter(pos.TableCustomers, "c1", pos.FieldVisitCount))
	assert.Len(t, f.remote.SaleItems("S1"), 1)

	entries, err := f.ledger.List(ctx)
	require.NoError(t, err)
	assert.True(t, entries[0].Synced)
	assert.Zero(t, entries[0].RetryCount)
}

func TestEngine_ChildRowFailureRetriesWithoutDoubleCount(t *testing.T) {
	f := newFixture(t)
	f.enqueueSales(t, testutil.CustomerSale("S1", "u1", "c1", testutil.DefaultEpoch))
	f.remote.Fail(memstore.OpInsertSaleItems, "S1", remote.ErrUnavailable)

	res := f.sync(t)
	assert.Equal(t, 1, res.TransactionsFailed)
	assert.Len(t, f.remote.Sales(), 1)
	assert.Empty(t, f.remote.SaleItems("S1"))

	f.remote.ClearFailures()
	res = f.sync(t)
	assert.Equal(t, 1, res.TransactionsSynced)
	assert.Len(t, f.remote.SaleItems("S1"), 1)
	assert.Equal(t, int64(1), f.remote.Counter(pos.TableCustomers, "c1", pos.FieldVisitCount))
}

func TestEngine_IncrementFailureRetriesOnce(t *testing.T) {
	f := newFixture(t)
	f.enqueueSales(t, testutil.CustomerSale("S1", "u1", "c1", testutil.DefaultEpoch))
	f.remote.Fail(memstore.OpIncrementField, "c1", remote.ErrUnavailable)

	res := f.sync(t)
	assert.Equal(t, 1, res.TransactionsFailed)
	assert.Len(t, f.remote.Sales(), 1, "header landed before the increment failed")
	assert.Zero(t, f.remote.Counter(pos.TableCustomers, "c1", pos.FieldVisitCount))

	f.remote.ClearFailures()
	res = f.sync(t)
	assert.Equal(t, 1, res.TransactionsSynced)
	assert.Empty(t, res.Errors)
	assert.Equal(t, int64(1), f.remote.Counter(pos.TableCustomers, "c1", pos.FieldVisitCount))
	assert.Len(t, f.remote.SaleItems("S1"), 1)
}

func TestEngine_SyncReportsCorruptionAndStillSyncs(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	at := testutil.DefaultEpoch
	f.enqueueSales(t, testutil.Sale("A", "u1", at), testutil.Sale("B", "u1", at), testutil.Sale("C", "u1", at))

	require.NoError(t, f.store.Delete(ctx, queue.CollectionTransactions, "B"))

	res := f.sync(t)

	assert.Equal(t, []string{"C"}, res.Corrupted)
	assert.Equal(t, 2, res.TransactionsSynced)
	assert.Equal(t, []string{"A", "C"}, saleIDs(f.remote.Sales()))
}

func TestEngine_InvalidatesAffectedCaches(t *testing.T) {
	f := newFixture(t)
	f.enqueueSales(t, testutil.Sale("A", "u1", testutil.DefaultEpoch))
	_, err := f.mutations.EnqueueMutation(context.Background(), mutation.EntityPlans, mutation.OpAdd, "p1", map[string]any{"name": "Gold"})
	require.NoError(t, err)

	f.sync(t)

	assert.Equal(t, 1, f.caches.Passes())
	assert.Equal(t, uint64(1), f.caches.Generation(cache.KeySales))
	assert.Equal(t, uint64(1), f.caches.Generation(cache.KeyDashboard))
	assert.Equal(t, uint64(1), f.caches.Generation(cache.KeyPlans))
	assert.Zero(t, f.caches.Generation(cache.KeyCustomers))

	f.sync(t)
	assert.Equal(t, 1, f.caches.Passes(), "an empty cycle invalidates nothing")
}

func TestEngine_PurgesAfterRetention(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.enqueueSales(t, testutil.Sale("A", "u1", testutil.DefaultEpoch))
	_, err := f.mutations.EnqueueMutation(ctx, mutation.EntityServices, mutation.OpAdd, "s1", map[string]any{"name": "Cut"})
	require.NoError(t, err)

	res := f.sync(t)
	assert.Zero(t, res.Purged)

	f.clock.Advance(31 * 24 * time.Hour)
	res = f.sync(t)
	assert.Equal(t, int64(2), res.Purged)

	txs, err := f.ledger.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, txs)
	muts, err := f.mutations.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, muts)
}

func TestEngine_WithRetentionDays(t *testing.T) {
	f := newFixture(t, WithRetentionDays(1))
	f.enqueueSales(t, testutil.Sale("A", "u1", testutil.DefaultEpoch))
	f.sync(t)

	f.clock.Advance(25 * time.Hour)
	res := f.sync(t)
	assert.Equal(t, int64(1), res.Purged)
}

// blockingStore parks the first InsertSale until released.
type blockingStore struct {
	*memstore.Store
	entered chan struct{}
	release chan struct{}
}

func (b *blockingStore) InsertSale(ctx context.Context, row pos.SaleRow) error {
	b.entered <- struct{}{}
	<-b.release
	return b.Store.InsertSale(ctx, row)
}

func TestEngine_SyncWhileBusyIsNoop(t *testing.T) {
	f := newFixture(t)
	bs := &blockingStore{Store: f.remote, entered: make(chan struct{}, 1), release: make(chan struct{})}
	e := f.newEngine(bs)
	f.enqueueSales(t, testutil.Sale("A", "u1", testutil.DefaultEpoch))

	done := make(chan Result)
	go func() {
		res, _ := e.Sync(context.Background())
		done <- res
	}()
	<-bs.entered
	assert.True(t, e.Syncing())

	_, err := e.Sync(context.Background())
	require.ErrorIs(t, err, ErrBusy)

	close(bs.release)
	res := <-done
	assert.Equal(t, 1, res.TransactionsSynced)
	assert.False(t, e.Syncing())
	assert.Equal(t, 1, f.remote.Calls(memstore.OpInsertSale), "the busy call did not upload")
}

func TestEngine_LastResultSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	last, err := f.engine.LastResult(ctx)
	require.NoError(t, err)
	assert.Nil(t, last)

	f.enqueueSales(t, testutil.Sale("A", "u1", testutil.DefaultEpoch))
	f.remote.Fail(memstore.OpInsertSale, "", errors.New("rejected"))
	f.sync(t)

	restarted := f.newEngine(f.remote)
	last, err = restarted.LastResult(ctx)
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, 1, last.TransactionsFailed)
	assert.Len(t, last.Errors, 1)
	assert.Equal(t, testutil.DefaultEpoch, last.At.UTC())
}

func TestEngine_Status(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, WithOnline(false))
	f.enqueueSales(t, testutil.Sale("A", "u1", testutil.DefaultEpoch))
	_, err := f.mutations.EnqueueMutation(ctx, mutation.EntityCustomers, mutation.OpAdd, "c1", nil)
	require.NoError(t, err)

	st, err := f.engine.Status(ctx)
	require.NoError(t, err)
	assert.False(t, st.Online)
	assert.False(t, st.Syncing)
	assert.Equal(t, 1, st.PendingTransactions)
	assert.Equal(t, 1, st.PendingMutations)
	assert.Nil(t, st.LastResult)

	f.sync(t)
	st, err = f.engine.Status(ctx)
	require.NoError(t, err)
	assert.Zero(t, st.PendingTransactions)
	assert.Zero(t, st.PendingMutations)
	require.NotNil(t, st.LastResult)
	assert.Equal(t, 2, st.LastResult.Synced())
}
