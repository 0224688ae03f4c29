package realtime

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/roach88/possync/internal/cache"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// recorder is a cache.Invalidator that keeps every pass.
type recorder struct {
	mu     sync.Mutex
	passes [][]cache.Key
}

func (r *recorder) Invalidate(keys []cache.Key) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.passes = append(r.passes, keys)
}

func (r *recorder) Passes() [][]cache.Key {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]cache.Key(nil), r.passes...)
}

func TestDebouncer_BatchesBurst(t *testing.T) {
	rec := &recorder{}
	d := NewDebouncer(rec, WithWindow(50*time.Millisecond))
	t.Cleanup(d.Stop)

	for _, table := range []string{"sales", "sale_items", "customers", "plans", "offers"} {
		d.Push(table)
		time.Sleep(10 * time.Millisecond)
	}

	require.Eventually(t, func() bool { return len(rec.Passes()) == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(100 * time.Millisecond)

	passes := rec.Passes()
	require.Len(t, passes, 1, "one pass for the whole burst")
	assert.Equal(t, []cache.Key{
		cache.KeyCustomers,
		cache.KeyDashboard,
		cache.KeyOffers,
		cache.KeyPlans,
		cache.KeyReports,
		cache.KeySales,
	}, passes[0])
	assert.Empty(t, d.Pending())
}

func TestDebouncer_SeparateBurstsFlushSeparately(t *testing.T) {
	rec := &recorder{}
	d := NewDebouncer(rec, WithWindow(20*time.Millisecond))
	t.Cleanup(d.Stop)

	d.Push("plans")
	require.Eventually(t, func() bool { return len(rec.Passes()) == 1 }, time.Second, 5*time.Millisecond)
	d.Push("plans")
	require.Eventually(t, func() bool { return len(rec.Passes()) == 2 }, time.Second, 5*time.Millisecond)

	assert.Equal(t, []cache.Key{cache.KeyPlans}, rec.Passes()[1])
}

func TestDebouncer_SupersededTimerDoesNotFlush(t *testing.T) {
	rec := &recorder{}
	d := NewDebouncer(rec, WithWindow(time.Hour))
	t.Cleanup(d.Stop)

	d.Push("plans")
	d.mu.Lock()
	stale := d.gen
	d.mu.Unlock()
	d.Push("offers")

	// The first timer's callback racing past Stop.
	d.fire(stale)
	assert.Empty(t, rec.Passes())
	assert.Equal(t, []cache.Key{cache.KeyOffers, cache.KeyPlans}, d.Pending())

	d.mu.Lock()
	current := d.gen
	d.mu.Unlock()
	d.fire(current)
	require.Len(t, rec.Passes(), 1)
	assert.Empty(t, d.Pending())
}

func TestDebouncer_UnknownTableIgnored(t *testing.T) {
	rec := &recorder{}
	d := NewDebouncer(rec, WithWindow(time.Hour))
	t.Cleanup(d.Stop)

	d.Push("device_heartbeats")
	assert.Empty(t, d.Pending())
	d.Flush()
	assert.Empty(t, rec.Passes())
}

func TestDebouncer_FlushNow(t *testing.T) {
	rec := &recorder{}
	d := NewDebouncer(rec, WithWindow(time.Hour))
	t.Cleanup(d.Stop)

	d.Push("services")
	d.Push("combos")
	assert.Equal(t, []cache.Key{cache.KeyCombos, cache.KeyServices}, d.Pending())

	d.Flush()
	require.Len(t, rec.Passes(), 1)
	assert.Empty(t, d.Pending())
}

func TestDebouncer_StopDropsPending(t *testing.T) {
	rec := &recorder{}
	d := NewDebouncer(rec, WithWindow(20*time.Millisecond))

	d.Push("sales")
	d.Stop()
	d.Push("sales")

	time.Sleep(60 * time.Millisecond)
	assert.Empty(t, rec.Passes())
}

func TestDebouncer_CustomTableKeys(t *testing.T) {
	rec := &recorder{}
	d := NewDebouncer(rec,
		WithWindow(time.Hour),
		WithTableKeys(cache.DefaultTableKeys().Merge(cache.TableKeys{"appointments": {cache.KeyDashboard}})),
	)
	t.Cleanup(d.Stop)

	d.HandleChange(context.Background(), Change{Table: "appointments", Type: EventInsert})
	assert.Equal(t, []cache.Key{cache.KeyDashboard}, d.Pending())
}

func TestAdminWatcher(t *testing.T) {
	sale := func(userID string) Change {
		return Change{Table: "sales", Type: EventInsert, Record: map[string]any{
			"id": "s1", "user_id": userID, "total": "25",
		}}
	}

	tests := []struct {
		name   string
		me     Identity
		change Change
		want   bool
	}{
		{"other user on admin device", Identity{UserID: "admin", Admin: true}, sale("u2"), true},
		{"own sale", Identity{UserID: "admin", Admin: true}, sale("admin"), false},
		{"not admin", Identity{UserID: "u1"}, sale("u2"), false},
		{"update", Identity{UserID: "admin", Admin: true}, Change{Table: "sales", Type: EventUpdate, Record: sale("u2").Record}, false},
		{"other table", Identity{UserID: "admin", Admin: true}, Change{Table: "customers", Type: EventInsert, Record: sale("u2").Record}, false},
		{"missing seller", Identity{UserID: "admin", Admin: true}, Change{Table: "sales", Type: EventInsert}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got []SaleNotice
			w := NewAdminWatcher(
				func() Identity { return tt.me },
				NotifierFunc(func(_ context.Context, n SaleNotice) error {
					got = append(got, n)
					return nil
				}),
				nil,
			)

			w.HandleChange(context.Background(), tt.change)

			if !tt.want {
				assert.Empty(t, got)
				return
			}
			require.Len(t, got, 1)
			assert.Equal(t, SaleNotice{SaleID: "s1", UserID: "u2", Total: "25"}, got[0])
		})
	}
}

func TestAdminWatcher_NotifierErrorSwallowed(t *testing.T) {
	w := NewAdminWatcher(
		func() Identity { return Identity{UserID: "admin", Admin: true} },
		NotifierFunc(func(context.Context, SaleNotice) error { return errors.New("push failed") }),
		nil,
	)
	assert.NotPanics(t, func() {
		w.HandleChange(context.Background(), Change{Table: "sales", Type: EventInsert, Record: map[string]any{"user_id": "u2"}})
	})
}

func TestChange_Validate(t *testing.T) {
	assert.NoError(t, Change{Table: "sales", Type: EventDelete}.Validate())
	assert.Error(t, Change{Type: EventInsert}.Validate())
	assert.Error(t, Change{Table: "sales", Type: "TRUNCATE"}.Validate())
}

func TestConsume(t *testing.T) {
	changes := make(chan Change, 3)
	changes <- Change{Table: "a", Type: EventInsert}
	changes <- Change{Table: "b", Type: EventInsert}
	close(changes)

	var first, second []string
	err := Consume(context.Background(), changes,
		HandlerFunc(func(_ context.Context, c Change) { first = append(first, c.Table) }),
		HandlerFunc(func(_ context.Context, c Change) { second = append(second, c.Table) }),
	)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, first)
	assert.Equal(t, []string{"a", "b"}, second)
}

func TestConsume_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Consume(ctx, make(chan Change))
	assert.ErrorIs(t, err, context.Canceled)
}

// flakyFeed fails its first subscription, then delivers its changes and
// blocks until cancelled.
type flakyFeed struct {
	attempts atomic.Int32
	changes  []Change
}

func (f *flakyFeed) Subscribe(ctx context.Context, out chan<- Change) error {
	if f.attempts.Add(1) == 1 {
		return errors.New("connection refused")
	}
	for _, c := range f.changes {
		select {
		case out <- c:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	<-ctx.Done()
	return ctx.Err()
}

func TestStream_Reconnects(t *testing.T) {
	feed := &flakyFeed{changes: []Change{{Table: "sales", Type: EventInsert}}}
	out := make(chan Change, 1)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- Stream(ctx, feed, out, WithBackoff(time.Millisecond, 5*time.Millisecond)) }()

	select {
	case c := <-out:
		assert.Equal(t, "sales", c.Table)
	case <-time.After(time.Second):
		t.Fatal("no change after reconnect")
	}
	assert.Equal(t, int32(2), feed.attempts.Load())

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestDecodeChange(t *testing.T) {
	c, err := DecodeChange([]byte(`{"table":"sales","type":"INSERT","record":{"id":"s1","user_id":"u2"}}`))
	require.NoError(t, err)
	assert.Equal(t, "sales", c.Table)
	assert.Equal(t, EventInsert, c.Type)
	assert.Equal(t, "u2", c.StringField("user_id"))
	assert.Empty(t, c.StringField("missing"))

	_, err = DecodeChange([]byte(`{"table":"sales"}`))
	assert.Error(t, err)
	_, err = DecodeChange([]byte(`not json`))
	assert.Error(t, err)
}
