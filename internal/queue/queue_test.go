package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/possync/internal/ident"
	"github.com/roach88/possync/internal/store"
	"github.com/roach88/possync/internal/testutil"
)

type note struct {
	Text  string `json:"text"`
	Count int    `json:"count"`
}

func newNoteQueue(t *testing.T) (*Queue[note], *testutil.FakeClock, *store.Store) {
	t.Helper()
	s := testutil.OpenStore(t)
	clk := testutil.NewFakeClock(time.Time{})
	q := New[note](s, "notes",
		WithClock(clk),
		WithIDGenerator(ident.NewSequenceGenerator("n")),
	)
	return q, clk, s
}

func TestEnqueueAndListPending(t *testing.T) {
	ctx := context.Background()
	q, clk, _ := newNoteQueue(t)

	first, err := q.Enqueue(ctx, note{Text: "a", Count: 1})
	require.NoError(t, err)
	clk.Advance(time.Second)
	second, err := q.Enqueue(ctx, note{Text: "b", Count: 2})
	require.NoError(t, err)

	assert.Equal(t, "n-1", first.ID)
	assert.Equal(t, "n-2", second.ID)
	assert.Equal(t, testutil.DefaultEpoch, first.CreatedAt)

	pending, err := q.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, note{Text: "a", Count: 1}, pending[0].Payload)
	assert.Equal(t, note{Text: "b", Count: 2}, pending[1].Payload)
	assert.Equal(t, testutil.DefaultEpoch.Add(time.Second), pending[1].CreatedAt)
}

func TestListPendingPreservesFIFO(t *testing.T) {
	ctx := context.Background()
	q, _, _ := newNoteQueue(t)

	// Ids sort against creation order.
	for _, id := range []string{"z", "y", "x", "w"} {
		_, err := q.EnqueueAs(ctx, id, note{Text: id})
		require.NoError(t, err)
	}

	pending, err := q.ListPending(ctx)
	require.NoError(t, err)
	var got []string
	for _, e := range pending {
		got = append(got, e.ID)
	}
	assert.Equal(t, []string{"z", "y", "x", "w"}, got)
}

func TestMarkSyncedIsIdempotent(t *testing.T) {
	ctx := context.Background()
	q, clk, _ := newNoteQueue(t)

	e, err := q.Enqueue(ctx, note{Text: "a"})
	require.NoError(t, err)

	require.NoError(t, q.MarkSynced(ctx, e.ID))
	syncedAt := clk.Now()
	clk.Advance(time.Hour)
	require.NoError(t, q.MarkSynced(ctx, e.ID))

	got, err := q.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.True(t, got.Synced)
	assert.Equal(t, syncedAt, got.SyncedAt)

	n, err := q.PendingCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestMarkFailedRecordsError(t *testing.T) {
	ctx := context.Background()
	q, _, _ := newNoteQueue(t)

	e, err := q.Enqueue(ctx, note{Text: "a"})
	require.NoError(t, err)

	require.NoError(t, q.MarkFailed(ctx, e.ID, errors.New("timeout")))

	got, err := q.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.False(t, got.Synced)
	assert.Equal(t, 1, got.RetryCount)
	assert.Equal(t, "timeout", got.LastError)
}

func TestPurgeOlderThanKeepsUnsynced(t *testing.T) {
	ctx := context.Background()
	q, clk, _ := newNoteQueue(t)

	oldPending, err := q.Enqueue(ctx, note{Text: "old pending"})
	require.NoError(t, err)
	oldSynced, err := q.Enqueue(ctx, note{Text: "old synced"})
	require.NoError(t, err)
	require.NoError(t, q.MarkSynced(ctx, oldSynced.ID))

	clk.Advance(20 * 24 * time.Hour)
	recent, err := q.Enqueue(ctx, note{Text: "recent synced"})
	require.NoError(t, err)
	require.NoError(t, q.MarkSynced(ctx, recent.ID))

	clk.Advance(15 * 24 * time.Hour)
	n, err := q.PurgeOlderThan(ctx, 30)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	all, err := q.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, oldPending.ID, all[0].ID)
	assert.Equal(t, recent.ID, all[1].ID)
}

func TestUpdateKeepsPosition(t *testing.T) {
	ctx := context.Background()
	q, clk, _ := newNoteQueue(t)

	a, err := q.Enqueue(ctx, note{Text: "a"})
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, note{Text: "b"})
	require.NoError(t, err)

	clk.Advance(time.Minute)
	require.NoError(t, q.Update(ctx, a.ID, note{Text: "a2", Count: 9}))

	all, err := q.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, a.ID, all[0].ID)
	assert.Equal(t, note{Text: "a2", Count: 9}, all[0].Payload)
	assert.Equal(t, a.CreatedAt, all[0].CreatedAt)
}

func TestBindRunsInsideTransaction(t *testing.T) {
	ctx := context.Background()
	q, _, s := newNoteQueue(t)

	boom := errors.New("abort")
	err := s.WithTx(ctx, func(tx *store.Tx) error {
		if _, err := q.Bind(tx).Enqueue(ctx, note{Text: "rolled back"}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	n, err := q.PendingCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestLastAndDuplicate(t *testing.T) {
	ctx := context.Background()
	q, _, _ := newNoteQueue(t)

	_, err := q.Last(ctx)
	require.ErrorIs(t, err, store.ErrNotFound)

	_, err = q.EnqueueAs(ctx, "dup", note{Text: "1"})
	require.NoError(t, err)
	_, err = q.EnqueueAs(ctx, "dup", note{Text: "2"})
	require.ErrorIs(t, err, store.ErrDuplicateID)

	last, err := q.Last(ctx)
	require.NoError(t, err)
	assert.Equal(t, "1", last.Payload.Text)
}
