package httpstore

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/possync/internal/pos"
	"github.com/roach88/possync/internal/remote"
)

type capturedRequest struct {
	Method string
	Path   string
	Query  map[string]string
	Prefer string
	APIKey string
	Body   string
}

type gateway struct {
	mu       sync.Mutex
	requests []capturedRequest
	status   int
	body     string
}

func (g *gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	raw, _ := io.ReadAll(r.Body)
	query := map[string]string{}
	for k := range r.URL.Query() {
		query[k] = r.URL.Query().Get(k)
	}

	g.mu.Lock()
	g.requests = append(g.requests, capturedRequest{
		Method: r.Method,
		Path:   r.URL.Path,
		Query:  query,
		Prefer: r.Header.Get("Prefer"),
		APIKey: r.Header.Get("apikey"),
		Body:   string(raw),
	})
	status, body := g.status, g.body
	g.mu.Unlock()

	if status == 0 {
		status = http.StatusOK
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, body)
}

func (g *gateway) respond(status int, body string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.status, g.body = status, body
}

func (g *gateway) last(t *testing.T) capturedRequest {
	t.Helper()
	g.mu.Lock()
	defer g.mu.Unlock()
	require.NotEmpty(t, g.requests)
	return g.requests[len(g.requests)-1]
}

func newTestStore(t *testing.T) (*Store, *gateway) {
	t.Helper()
	g := &gateway{}
	srv := httptest.NewServer(g)
	t.Cleanup(srv.Close)

	s, err := New(srv.URL, WithAPIKey("anon-key"))
	require.NoError(t, err)
	return s, g
}

func TestInsertSale(t *testing.T) {
	s, g := newTestStore(t)
	g.respond(http.StatusCreated, "")

	row := pos.SaleRow{ID: "s1", UserID: "u1", Total: decimal.RequireFromString("25.00"), PaymentMethod: pos.PaymentCash}
	require.NoError(t, s.InsertSale(context.Background(), row))

	req := g.last(t)
	assert.Equal(t, http.MethodPost, req.Method)
	assert.Equal(t, "/rest/v1/sales", req.Path)
	assert.Equal(t, "return=minimal", req.Prefer)
	assert.Equal(t, "anon-key", req.APIKey)

	var body map[string]any
	require.NoError(t, json.Unmarshal([]byte(req.Body), &body))
	assert.Equal(t, "s1", body["id"])
	assert.Equal(t, "25", body["total"])
}

func TestUniqueViolationIsDuplicate(t *testing.T) {
	s, g := newTestStore(t)
	g.respond(http.StatusConflict, `{"code":"23505","message":"duplicate key value violates unique constraint"}`)

	err := s.InsertSale(context.Background(), pos.SaleRow{ID: "s1"})
	assert.True(t, remote.IsDuplicate(err))
}

func TestForeignKeyConflictIsNotDuplicate(t *testing.T) {
	s, g := newTestStore(t)
	g.respond(http.StatusConflict, `{"code":"23503","message":"violates foreign key constraint"}`)

	err := s.InsertSale(context.Background(), pos.SaleRow{ID: "s1"})
	require.Error(t, err)
	assert.False(t, remote.IsDuplicate(err))

	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "23503", se.Code)
}

func TestServerErrorIsUnavailable(t *testing.T) {
	s, g := newTestStore(t)
	g.respond(http.StatusServiceUnavailable, "upstream down")

	err := s.InsertHeartbeat(context.Background(), pos.Heartbeat{UserID: "u"})
	require.ErrorIs(t, err, remote.ErrUnavailable)
}

func TestTransportErrorIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	s, err := New(url)
	require.NoError(t, err)
	err = s.InsertShadow(context.Background(), pos.Shadow{SaleID: "s1"})
	require.ErrorIs(t, err, remote.ErrUnavailable)
}

func TestChildRowsIgnoreDuplicates(t *testing.T) {
	s, g := newTestStore(t)
	g.respond(http.StatusCreated, "")

	rows := []pos.SaleItemRow{{ID: "s1:item:0", SaleID: "s1"}}
	require.NoError(t, s.InsertSaleItems(context.Background(), rows))

	req := g.last(t)
	assert.Equal(t, "/rest/v1/sale_items", req.Path)
	assert.Equal(t, "resolution=ignore-duplicates,return=minimal", req.Prefer)
}

func TestEmptyChildRowsSkipRequest(t *testing.T) {
	s, g := newTestStore(t)
	require.NoError(t, s.InsertCustomerSubscriptions(context.Background(), nil))
	assert.Empty(t, g.requests)
}

func TestLastModified(t *testing.T) {
	s, g := newTestStore(t)
	ctx := context.Background()

	g.respond(http.StatusOK, `[{"updated_at":"2026-02-01T10:00:00+00:00"}]`)
	at, exists, err := s.LastModified(ctx, "customers", "c1")
	require.NoError(t, err)
	assert.True(t, exists)
	assert.Equal(t, time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC), at)

	req := g.last(t)
	assert.Equal(t, "/rest/v1/customers", req.Path)
	assert.Equal(t, "eq.c1", req.Query["id"])
	assert.Equal(t, "updated_at", req.Query["select"])

	g.respond(http.StatusOK, `[]`)
	_, exists, err = s.LastModified(ctx, "customers", "c2")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestUpdateMissingRowIsNotFound(t *testing.T) {
	s, g := newTestStore(t)
	g.respond(http.StatusOK, `[]`)

	err := s.UpdateEntity(context.Background(), "services", "x", map[string]any{"name": "n"})
	assert.True(t, remote.IsNotFound(err))

	req := g.last(t)
	assert.Equal(t, http.MethodPatch, req.Method)
	assert.Equal(t, "return=representation", req.Prefer)
}

func TestDeleteExistingRow(t *testing.T) {
	s, g := newTestStore(t)
	g.respond(http.StatusOK, `[{"id":"x"}]`)

	require.NoError(t, s.DeleteEntity(context.Background(), "plans", "x"))
	assert.Equal(t, http.MethodDelete, g.last(t).Method)
}

func TestInsertEntityAddsID(t *testing.T) {
	s, g := newTestStore(t)
	g.respond(http.StatusCreated, "")

	require.NoError(t, s.InsertEntity(context.Background(), "offers", "o1", map[string]any{"name": "n"}))
	var body map[string]any
	require.NoError(t, json.Unmarshal([]byte(g.last(t).Body), &body))
	assert.Equal(t, map[string]any{"id": "o1", "name": "n"}, body)
}

func TestShadowReconciliationQueries(t *testing.T) {
	s, g := newTestStore(t)
	ctx := context.Background()

	g.respond(http.StatusOK, `[{"sale_id":"a","full_sale_confirmed":false}]`)
	shadows, err := s.FetchUnconfirmedShadows(ctx, 100)
	require.NoError(t, err)
	require.Len(t, shadows, 1)
	assert.Equal(t, "a", shadows[0].SaleID)

	req := g.last(t)
	assert.Equal(t, "/rest/v1/sale_shadows", req.Path)
	assert.Equal(t, "eq.false", req.Query["full_sale_confirmed"])
	assert.Equal(t, "created_at.asc", req.Query["order"])
	assert.Equal(t, "100", req.Query["limit"])

	g.respond(http.StatusOK, `[{"id":"a"}]`)
	ids, err := s.FetchSalesByID(ctx, []string{"a", "b"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, ids)
	assert.Equal(t, `in.("a","b")`, g.last(t).Query["id"])

	g.respond(http.StatusNoContent, "")
	require.NoError(t, s.ConfirmShadows(ctx, ids))
	req = g.last(t)
	assert.Equal(t, http.MethodPatch, req.Method)
	assert.Equal(t, `in.("a")`, req.Query["sale_id"])
	assert.JSONEq(t, `{"full_sale_confirmed":true}`, req.Body)
}

func TestRPCCalls(t *testing.T) {
	s, g := newTestStore(t)
	ctx := context.Background()
	g.respond(http.StatusNoContent, "")

	require.NoError(t, s.IncrementField(ctx, pos.TableCustomers, "c1", pos.FieldVisitCount, 1, "S1"))
	req := g.last(t)
	assert.Equal(t, "/rest/v1/rpc/increment_field", req.Path)
	assert.JSONEq(t, `{"p_table":"customers","p_id":"c1","p_field":"visit_count","p_amount":1,"p_key":"S1"}`, req.Body)

	require.NoError(t, s.InvokeAnomalyCheck(ctx, "u1", "i1"))
	req = g.last(t)
	assert.Equal(t, "/rest/v1/rpc/check_device_anomalies", req.Path)
	assert.JSONEq(t, `{"p_user_id":"u1","p_install_id":"i1"}`, req.Body)
}

func TestServerWithBasePath(t *testing.T) {
	g := &gateway{}
	srv := httptest.NewServer(g)
	t.Cleanup(srv.Close)

	s, err := New(srv.URL + "/gateway")
	require.NoError(t, err)
	require.NoError(t, s.InsertHeartbeat(context.Background(), pos.Heartbeat{}))
	assert.Equal(t, "/gateway/rest/v1/device_heartbeats", g.last(t).Path)
}
