package pgstore

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/possync/internal/pos"
	"github.com/roach88/possync/internal/remote"
)

func TestClassify(t *testing.T) {
	assert.NoError(t, classify("op", nil))

	dup := classify("insert sale", &pgconn.PgError{Code: "23505"})
	assert.True(t, remote.IsDuplicate(dup))

	fk := classify("insert sale", &pgconn.PgError{Code: "23503", Message: "fk"})
	require.Error(t, fk)
	assert.False(t, remote.IsDuplicate(fk))
	assert.False(t, errors.Is(fk, remote.ErrUnavailable))

	netErr := classify("insert sale", errors.New("dial tcp: connection refused"))
	assert.ErrorIs(t, netErr, remote.ErrUnavailable)

	canceled := classify("insert sale", context.Canceled)
	assert.ErrorIs(t, canceled, context.Canceled)
	assert.False(t, errors.Is(canceled, remote.ErrUnavailable))
}

func TestEntityTable(t *testing.T) {
	got, err := entityTable("customers")
	require.NoError(t, err)
	assert.Equal(t, `"customers"`, got)

	_, err = entityTable("sales; DROP TABLE sales")
	require.ErrorIs(t, err, ErrUnknownTable)
}

func TestNewDoesNotDial(t *testing.T) {
	// Nothing listens on port 1.
	s, err := New(context.Background(), "postgres://possync@127.0.0.1:1/possync?connect_timeout=1")
	require.NoError(t, err, "an unreachable database must not stop the device from starting")
	t.Cleanup(s.Close)

	err = s.InsertSale(context.Background(), pos.SaleRow{ID: "s1"})
	assert.ErrorIs(t, err, remote.ErrUnavailable)
	assert.ErrorIs(t, s.Ping(context.Background()), remote.ErrUnavailable)
}

// openTestStore connects to the database named by POSSYNC_TEST_PG_URL.
func openTestStore(t *testing.T) *Store {
	t.Helper()
	url := os.Getenv("POSSYNC_TEST_PG_URL")
	if url == "" {
		t.Skip("POSSYNC_TEST_PG_URL not set")
	}
	ctx := context.Background()
	s, err := New(ctx, url)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	require.NoError(t, s.Ping(ctx))
	require.NoError(t, s.Migrate(ctx))
	return s
}

func TestSaleReplayAgainstPostgres(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	sale := pos.Sale{
		ID:     uuid.NewString(),
		UserID: "u1",
		Items: []pos.LineItem{{
			ServiceID: "svc", Name: "Cut", Quantity: 1,
			UnitPrice: decimal.RequireFromString("25"), Total: decimal.RequireFromString("25"),
		}},
		Subtotal:      decimal.RequireFromString("25"),
		Total:         decimal.RequireFromString("25"),
		PaymentMethod: pos.PaymentCash,
		CreatedAt:     time.Now().UTC(),
	}

	require.NoError(t, s.InsertSale(ctx, sale.Header()))
	assert.True(t, remote.IsDuplicate(s.InsertSale(ctx, sale.Header())))
	require.NoError(t, s.InsertSaleItems(ctx, sale.ItemRows()))
	require.NoError(t, s.InsertSaleItems(ctx, sale.ItemRows()))

	found, err := s.FetchSalesByID(ctx, []string{sale.ID, uuid.NewString()})
	require.NoError(t, err)
	assert.Equal(t, []string{sale.ID}, found)
}

func TestEntityLifecycleAgainstPostgres(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	id := uuid.NewString()

	_, exists, err := s.LastModified(ctx, "customers", id)
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, s.InsertEntity(ctx, "customers", id, map[string]any{"name": "A"}))
	assert.True(t, remote.IsDuplicate(s.InsertEntity(ctx, "customers", id, nil)))
	require.NoError(t, s.IncrementField(ctx, "customers", id, pos.FieldVisitCount, 1, "S1"))
	require.NoError(t, s.IncrementField(ctx, "customers", id, pos.FieldVisitCount, 1, "S1"))
	require.NoError(t, s.UpdateEntity(ctx, "customers", id, map[string]any{"name": "B"}))

	_, exists, err = s.LastModified(ctx, "customers", id)
	require.NoError(t, err)
	assert.True(t, exists)

	require.NoError(t, s.DeleteEntity(ctx, "customers", id))
	assert.True(t, remote.IsNotFound(s.DeleteEntity(ctx, "customers", id)))
}

func TestShadowsAgainstPostgres(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	id := uuid.NewString()

	sh := pos.Shadow{
		SaleID: id, UserID: "u1", Amount: decimal.RequireFromString("10"),
		PaymentMethod: pos.PaymentCard, InstallID: "i1", CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, s.InsertShadow(ctx, sh))
	assert.True(t, remote.IsDuplicate(s.InsertShadow(ctx, sh)))
	require.NoError(t, s.ConfirmShadows(ctx, []string{id}))
	require.NoError(t, s.InsertHeartbeat(ctx, pos.Heartbeat{UserID: "u1", InstallID: "i1", AppVersion: "test", At: time.Now().UTC()}))
	require.NoError(t, s.InvokeAnomalyCheck(ctx, "u1", "i1"))
}
