// Package httpstore implements remote.Store over a PostgREST-style REST
// gateway.
//
// Header inserts use "Prefer: return=minimal" and map 409 unique
// violations to remote.ErrDuplicate. Child rows use
// "resolution=ignore-duplicates" so a replayed batch is a no-op. PATCH and
// DELETE ask for the affected rows back so an empty result can be
// reported as remote.ErrNotFound. Transport failures and 5xx responses
// wrap remote.ErrUnavailable.
package httpstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/roach88/possync/internal/pos"
	"github.com/roach88/possync/internal/remote"
)

// RPC function names called by the store.
const (
	RPCIncrementField = "increment_field"
	RPCAnomalyCheck   = "check_device_anomalies"
)

// uniqueViolation is the Postgres SQLSTATE PostgREST forwards on a
// duplicate key.
const uniqueViolation = "23505"

// maxErrorBody bounds how much of an error response is kept.
const maxErrorBody = 4 << 10

// StatusError is a non-2xx response that is neither a duplicate nor a
// missing row.
type StatusError struct {
	Op         string
	StatusCode int
	Code       string
	Message    string
}

func (e *StatusError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: status %d (%s): %s", e.Op, e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: status %d: %s", e.Op, e.StatusCode, e.Message)
}

// Unwrap classifies gateway and server errors as unavailable.
func (e *StatusError) Unwrap() error {
	switch {
	case e.StatusCode >= 500, e.StatusCode == http.StatusRequestTimeout, e.StatusCode == http.StatusTooManyRequests:
		return remote.ErrUnavailable
	}
	return nil
}

// Store is a remote.Store backed by a Client.
type Store struct {
	client *Client
}

// New creates a Store for the gateway at server.
func New(server string, opts ...ClientOption) (*Store, error) {
	c, err := NewClient(server, opts...)
	if err != nil {
		return nil, fmt.Errorf("new client: %w", err)
	}
	return &Store{client: c}, nil
}

// InsertSale inserts the sale header.
func (s *Store) InsertSale(ctx context.Context, row pos.SaleRow) error {
	return s.insert(ctx, "insert sale", pos.TableSales, row, preferMinimal)
}

// IncrementField calls the increment_field RPC. The gateway applies each
// p_key at most once per counter.
func (s *Store) IncrementField(ctx context.Context, table, id, field string, by int64, key string) error {
	return s.rpc(ctx, "increment field", RPCIncrementField, map[string]any{
		"p_table":  table,
		"p_id":     id,
		"p_field":  field,
		"p_amount": by,
		"p_key":    key,
	})
}

// InsertSaleItems inserts line items, ignoring existing ids.
func (s *Store) InsertSaleItems(ctx context.Context, rows []pos.SaleItemRow) error {
	if len(rows) == 0 {
		return nil
	}
	return s.insert(ctx, "insert sale items", pos.TableSaleItems, rows, preferIgnoreDuplicates)
}

// InsertSaleSubscriptions inserts sold plans, ignoring existing ids.
func (s *Store) InsertSaleSubscriptions(ctx context.Context, rows []pos.SaleSubscriptionRow) error {
	if len(rows) == 0 {
		return nil
	}
	return s.insert(ctx, "insert sale subscriptions", pos.TableSaleSubscriptions, rows, preferIgnoreDuplicates)
}

// InsertCustomerSubscriptions inserts derived subscriptions, ignoring
// existing ids.
func (s *Store) InsertCustomerSubscriptions(ctx context.Context, rows []pos.CustomerSubscriptionRow) error {
	if len(rows) == 0 {
		return nil
	}
	return s.insert(ctx, "insert customer subscriptions", pos.TableCustomerSubscriptions, rows, preferIgnoreDuplicates)
}

// LastModified reads the updated_at column of one row.
func (s *Store) LastModified(ctx context.Context, table, id string) (time.Time, bool, error) {
	query := url.Values{}
	query.Set("select", remote.UpdatedAtField)
	query.Set("id", "eq."+id)

	var rows []struct {
		UpdatedAt time.Time `json:"updated_at"`
	}
	if err := s.get(ctx, "last modified", table, query, &rows); err != nil {
		return time.Time{}, false, err
	}
	if len(rows) == 0 {
		return time.Time{}, false, nil
	}
	return rows[0].UpdatedAt.UTC(), true, nil
}

// InsertEntity inserts one entity row with the given id.
func (s *Store) InsertEntity(ctx context.Context, table, id string, fields map[string]any) error {
	row := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		row[k] = v
	}
	row["id"] = id
	return s.insert(ctx, "insert "+table, table, row, preferMinimal)
}

// UpdateEntity patches one entity row. The gateway is expected to bump
// updated_at.
func (s *Store) UpdateEntity(ctx context.Context, table, id string, fields map[string]any) error {
	return s.mutateOne(ctx, "update "+table, http.MethodPatch, table, id, fields)
}

// DeleteEntity deletes one entity row.
func (s *Store) DeleteEntity(ctx context.Context, table, id string) error {
	return s.mutateOne(ctx, "delete "+table, http.MethodDelete, table, id, nil)
}

// InsertShadow inserts a shadow row.
func (s *Store) InsertShadow(ctx context.Context, sh pos.Shadow) error {
	return s.insert(ctx, "insert shadow", pos.TableShadows, sh, preferMinimal)
}

// FetchUnconfirmedShadows lists the oldest unconfirmed shadows.
func (s *Store) FetchUnconfirmedShadows(ctx context.Context, limit int) ([]pos.Shadow, error) {
	query := url.Values{}
	query.Set("full_sale_confirmed", "eq.false")
	query.Set("order", "created_at.asc")
	query.Set("limit", strconv.Itoa(limit))

	var out []pos.Shadow
	if err := s.get(ctx, "fetch unconfirmed shadows", pos.TableShadows, query, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// FetchSalesByID returns which of ids exist as sales.
func (s *Store) FetchSalesByID(ctx context.Context, ids []string) ([]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query := url.Values{}
	query.Set("select", "id")
	query.Set("id", inList(ids))

	var rows []struct {
		ID string `json:"id"`
	}
	if err := s.get(ctx, "fetch sales", pos.TableSales, query, &rows); err != nil {
		return nil, err
	}
	out := make([]string, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.ID)
	}
	return out, nil
}

// ConfirmShadows sets full_sale_confirmed on the shadows of saleIDs.
func (s *Store) ConfirmShadows(ctx context.Context, saleIDs []string) error {
	if len(saleIDs) == 0 {
		return nil
	}
	query := url.Values{}
	query.Set("sale_id", inList(saleIDs))

	body, err := json.Marshal(map[string]any{"full_sale_confirmed": true})
	if err != nil {
		return fmt.Errorf("confirm shadows: %w", err)
	}
	req, err := NewTableRequest(s.client.Server, http.MethodPatch, pos.TableShadows, query, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("confirm shadows: %w", err)
	}
	resp, err := s.send(ctx, "confirm shadows", req, prefer(preferMinimal))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return checkResponse("confirm shadows", resp)
}

// InsertHeartbeat appends a heartbeat row.
func (s *Store) InsertHeartbeat(ctx context.Context, hb pos.Heartbeat) error {
	return s.insert(ctx, "insert heartbeat", pos.TableHeartbeats, hb, preferMinimal)
}

// InvokeAnomalyCheck calls the check_device_anomalies RPC.
func (s *Store) InvokeAnomalyCheck(ctx context.Context, userID, installID string) error {
	return s.rpc(ctx, "anomaly check", RPCAnomalyCheck, map[string]any{
		"p_user_id":    userID,
		"p_install_id": installID,
	})
}

func (s *Store) insert(ctx context.Context, op, table string, v any, preferValue string) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	req, err := NewTableRequest(s.client.Server, http.MethodPost, table, nil, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	resp, err := s.send(ctx, op, req, prefer(preferValue))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return checkResponse(op, resp)
}

func (s *Store) rpc(ctx context.Context, op, function string, args map[string]any) error {
	body, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	req, err := NewRPCRequest(s.client.Server, function, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	resp, err := s.send(ctx, op, req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return checkResponse(op, resp)
}

func (s *Store) get(ctx context.Context, op, table string, query url.Values, out any) error {
	req, err := NewTableRequest(s.client.Server, http.MethodGet, table, query, nil)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	resp, err := s.send(ctx, op, req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := checkResponse(op, resp); err != nil {
		return err
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decode: %w", op, err)
	}
	return nil
}

// mutateOne runs a PATCH or DELETE filtered by id and reports
// remote.ErrNotFound when no row matched.
func (s *Store) mutateOne(ctx context.Context, op, method, table, id string, fields map[string]any) error {
	query := url.Values{}
	query.Set("id", "eq."+id)

	var body io.Reader
	if fields != nil {
		buf, err := json.Marshal(fields)
		if err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
		body = bytes.NewReader(buf)
	}
	req, err := NewTableRequest(s.client.Server, method, table, query, body)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	resp, err := s.send(ctx, op, req, prefer(preferRepresentation))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := checkResponse(op, resp); err != nil {
		return err
	}

	var rows []json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&rows); err != nil {
		return fmt.Errorf("%s: decode: %w", op, err)
	}
	if len(rows) == 0 {
		return fmt.Errorf("%s %s: %w", op, id, remote.ErrNotFound)
	}
	return nil
}

func (s *Store) send(ctx context.Context, op string, req *http.Request, editors ...RequestEditorFn) (*http.Response, error) {
	resp, err := s.client.Do(ctx, req, editors...)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("%s: %w", op, ctxErr)
		}
		return nil, fmt.Errorf("%s: %w: %w", op, remote.ErrUnavailable, err)
	}
	return resp, nil
}

// checkResponse maps a gateway response to the remote error taxonomy.
func checkResponse(op string, resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	var body struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &body); err != nil || body.Message == "" {
		body.Message = strings.TrimSpace(string(raw))
	}

	if resp.StatusCode == http.StatusConflict && (body.Code == "" || body.Code == uniqueViolation) {
		return fmt.Errorf("%s: %w", op, remote.ErrDuplicate)
	}
	return &StatusError{Op: op, StatusCode: resp.StatusCode, Code: body.Code, Message: body.Message}
}

// inList renders a PostgREST in.(...) filter with quoted values.
func inList(values []string) string {
	quoted := make([]string, len(values))
	for i, v := range values {
		quoted[i] = strconv.Quote(v)
	}
	return "in.(" + strings.Join(quoted, ",") + ")"
}

var _ remote.Store = (*Store)(nil)
