package heartbeat

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/roach88/possync/internal/remote/memstore"
	"github.com/roach88/possync/internal/testutil"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fixedDepths struct {
	txs, muts int
	err       error
}

func (d fixedDepths) PendingCounts(context.Context) (int, int, error) {
	return d.txs, d.muts, d.err
}

type countingReconciler struct {
	calls atomic.Int32
	err   error
}

func (r *countingReconciler) Reconcile(context.Context) (int, error) {
	r.calls.Add(1)
	return 0, r.err
}

func TestEmit(t *testing.T) {
	rs := memstore.New()
	rec := &countingReconciler{}
	h := New(rs, fixedDepths{txs: 3, muts: 2}, "install-1",
		WithReconciler(rec),
		WithAppVersion("1.4.0"),
		WithClock(testutil.NewFakeClock(time.Time{})),
	)

	h.Emit(context.Background(), "u1")

	hbs := rs.Heartbeats()
	require.Len(t, hbs, 1)
	assert.Equal(t, "u1", hbs[0].UserID)
	assert.Equal(t, "install-1", hbs[0].InstallID)
	assert.Equal(t, 3, hbs[0].PendingTransactions)
	assert.Equal(t, 2, hbs[0].PendingMutations)
	assert.Equal(t, "1.4.0", hbs[0].AppVersion)
	assert.Equal(t, testutil.DefaultEpoch, hbs[0].At)
	assert.Equal(t, int32(1), rec.calls.Load())
	assert.Equal(t, []string{"u1/install-1"}, rs.AnomalyChecks())
}

func TestEmitSwallowsEveryFailure(t *testing.T) {
	rs := memstore.New()
	rs.SetOffline(true)
	rec := &countingReconciler{err: errors.New("offline")}
	h := New(rs, fixedDepths{err: errors.New("disk")}, "install-1", WithReconciler(rec))

	assert.NotPanics(t, func() { h.Emit(context.Background(), "u1") })
	assert.Equal(t, 1, rs.Calls(memstore.OpInsertHeartbeat))
	assert.Equal(t, 1, rs.Calls(memstore.OpInvokeAnomalyCheck), "anomaly check still attempted")
}

func TestStartEmitsImmediatelyThenPeriodically(t *testing.T) {
	rs := memstore.New()
	h := New(rs, fixedDepths{}, "install-1", WithInterval(20*time.Millisecond))
	t.Cleanup(h.Stop)

	h.Start("u1")
	require.Eventually(t, func() bool { return len(rs.Heartbeats()) >= 1 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return len(rs.Heartbeats()) >= 3 }, 2*time.Second, 5*time.Millisecond)

	h.Stop()
	n := len(rs.Heartbeats())
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, n, len(rs.Heartbeats()), "no heartbeats after Stop")
}

func TestStartTwiceReplacesTimer(t *testing.T) {
	rs := memstore.New()
	h := New(rs, fixedDepths{}, "install-1", WithInterval(time.Hour))
	t.Cleanup(h.Stop)

	h.Start("u1")
	require.Eventually(t, func() bool { return len(rs.Heartbeats()) == 1 }, time.Second, 5*time.Millisecond)
	h.Start("u2")
	require.Eventually(t, func() bool { return len(rs.Heartbeats()) == 2 }, time.Second, 5*time.Millisecond)

	hbs := rs.Heartbeats()
	assert.Equal(t, "u2", hbs[1].UserID)
	assert.True(t, h.Running())
}

func TestStopWhenIdle(t *testing.T) {
	h := New(memstore.New(), nil, "install-1")
	assert.NotPanics(t, h.Stop)
	assert.False(t, h.Running())
}
