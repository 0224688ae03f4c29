// Package pgstore implements remote.Store directly against PostgreSQL
// through a pgx connection pool. It is used by back-office deployments
// that sync devices without a REST gateway in between.
package pgstore

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/roach88/possync/internal/pos"
	"github.com/roach88/possync/internal/remote"
)

// uniqueViolation is the SQLSTATE for a duplicate key.
const uniqueViolation = "23505"

// EntityTables are the tables mutations may target. Each stores its
// fields in a JSONB document next to the id and updated_at columns.
var EntityTables = []string{
	"customers",
	"services",
	"plans",
	"offers",
	"combos",
	pos.TableCustomerSubscriptions,
}

// ErrUnknownTable is returned for a table outside EntityTables.
var ErrUnknownTable = errors.New("pgstore: unknown table")

// Store is a remote.Store backed by a pgx pool.
type Store struct {
	pool *pgxpool.Pool
}

// New creates the connection pool. It does not dial: the device may be
// offline, and calls made while the database is unreachable fail with
// remote.ErrUnavailable.
func New(ctx context.Context, connString string) (*Store, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	config.MaxConns = 25
	config.MinConns = 0
	config.MaxConnLifetime = time.Hour
	config.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return classify("ping", s.pool.Ping(pingCtx))
}

// Close releases the pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Migrate creates the backend schema if it does not exist.
func (s *Store) Migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS sales (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			customer_id TEXT,
			subtotal NUMERIC NOT NULL,
			discount NUMERIC NOT NULL,
			total NUMERIC NOT NULL,
			payment_method TEXT NOT NULL,
			created_at TIMESTAMP WITH TIME ZONE NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sales_user_id ON sales(user_id)`,

		`CREATE TABLE IF NOT EXISTS sale_items (
			id TEXT PRIMARY KEY,
			sale_id TEXT NOT NULL REFERENCES sales(id) ON DELETE CASCADE,
			service_id TEXT NOT NULL,
			name TEXT NOT NULL,
			quantity BIGINT NOT NULL,
			unit_price NUMERIC NOT NULL,
			total NUMERIC NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sale_items_sale_id ON sale_items(sale_id)`,

		`CREATE TABLE IF NOT EXISTS sale_subscriptions (
			id TEXT PRIMARY KEY,
			sale_id TEXT NOT NULL REFERENCES sales(id) ON DELETE CASCADE,
			plan_id TEXT NOT NULL,
			name TEXT NOT NULL,
			sessions BIGINT NOT NULL,
			duration_days BIGINT NOT NULL,
			price NUMERIC NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS sale_shadows (
			sale_id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			amount NUMERIC NOT NULL,
			payment_method TEXT NOT NULL,
			install_id TEXT NOT NULL,
			created_at TIMESTAMP WITH TIME ZONE NOT NULL,
			full_sale_confirmed BOOLEAN NOT NULL DEFAULT false
		)`,
		`CREATE TABLE IF NOT EXISTS applied_increments (
			table_name TEXT NOT NULL,
			row_id TEXT NOT NULL,
			field TEXT NOT NULL,
			change_key TEXT NOT NULL,
			PRIMARY KEY (table_name, row_id, field, change_key)
		)`,

		`CREATE INDEX IF NOT EXISTS idx_sale_shadows_unconfirmed ON sale_shadows(created_at) WHERE NOT full_sale_confirmed`,

		`CREATE TABLE IF NOT EXISTS device_heartbeats (
			id BIGSERIAL PRIMARY KEY,
			user_id TEXT NOT NULL,
			install_id TEXT NOT NULL,
			pending_transactions INTEGER NOT NULL,
			pending_mutations INTEGER NOT NULL,
			app_version TEXT NOT NULL,
			at TIMESTAMP WITH TIME ZONE NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_device_heartbeats_install_id ON device_heartbeats(install_id, at)`,

		`CREATE TABLE IF NOT EXISTS device_anomaly_checks (
			id BIGSERIAL PRIMARY KEY,
			user_id TEXT NOT NULL,
			install_id TEXT NOT NULL,
			requested_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
		)`,
		`CREATE OR REPLACE FUNCTION check_device_anomalies(p_user_id TEXT, p_install_id TEXT)
		RETURNS void LANGUAGE sql AS $$
			INSERT INTO device_anomaly_checks (user_id, install_id) VALUES (p_user_id, p_install_id)
		$$`,
	}
	for _, table := range EntityTables {
		migrations = append(migrations, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			data JSONB NOT NULL DEFAULT '{}',
			updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
		)`, pgx.Identifier{table}.Sanitize()))
	}

	for _, migration := range migrations {
		if _, err := s.pool.Exec(ctx, migration); err != nil {
			return fmt.Errorf("failed to run migration: %w", err)
		}
	}
	return nil
}

// InsertSale inserts the sale header.
func (s *Store) InsertSale(ctx context.Context, row pos.SaleRow) error {
	query := `
		INSERT INTO sales (id, user_id, customer_id, subtotal, discount, total, payment_method, created_at)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7, $8)
	`
	_, err := s.pool.Exec(ctx, query,
		row.ID, row.UserID, row.CustomerID, row.Subtotal, row.Discount, row.Total,
		string(row.PaymentMethod), row.CreatedAt)
	return classify("insert sale", err)
}

// IncrementField adds by to a numeric field of an entity document, once
// per key. A missing row is left alone. updated_at is not touched so
// counters never win a conflict against an offline edit.
func (s *Store) IncrementField(ctx context.Context, table, id, field string, by int64, key string) error {
	ident, err := entityTable(table)
	if err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return classify("increment field", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		INSERT INTO applied_increments (table_name, row_id, field, change_key)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT DO NOTHING
	`, table, id, field, key)
	if err != nil {
		return classify("increment field", err)
	}
	if tag.RowsAffected() == 0 {
		return nil
	}

	query := fmt.Sprintf(`
		UPDATE %s
		SET data = jsonb_set(data, ARRAY[$2::text], to_jsonb(COALESCE((data->>$2)::bigint, 0) + $3))
		WHERE id = $1
	`, ident)
	if _, err := tx.Exec(ctx, query, id, field, by); err != nil {
		return classify("increment field", err)
	}
	return classify("increment field", tx.Commit(ctx))
}

// InsertSaleItems inserts line items, ignoring existing ids.
func (s *Store) InsertSaleItems(ctx context.Context, rows []pos.SaleItemRow) error {
	batch := &pgx.Batch{}
	for _, r := range rows {
		batch.Queue(`
			INSERT INTO sale_items (id, sale_id, service_id, name, quantity, unit_price, total)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (id) DO NOTHING
		`, r.ID, r.SaleID, r.ServiceID, r.Name, r.Quantity, r.UnitPrice, r.Total)
	}
	return s.sendBatch(ctx, "insert sale items", batch)
}

// InsertSaleSubscriptions inserts sold plans, ignoring existing ids.
func (s *Store) InsertSaleSubscriptions(ctx context.Context, rows []pos.SaleSubscriptionRow) error {
	batch := &pgx.Batch{}
	for _, r := range rows {
		batch.Queue(`
			INSERT INTO sale_subscriptions (id, sale_id, plan_id, name, sessions, duration_days, price)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (id) DO NOTHING
		`, r.ID, r.SaleID, r.PlanID, r.Name, r.Sessions, r.DurationDays, r.Price)
	}
	return s.sendBatch(ctx, "insert sale subscriptions", batch)
}

// InsertCustomerSubscriptions stores derived subscriptions as
// customer_subscriptions entity documents, ignoring existing ids.
func (s *Store) InsertCustomerSubscriptions(ctx context.Context, rows []pos.CustomerSubscriptionRow) error {
	batch := &pgx.Batch{}
	for _, r := range rows {
		batch.Queue(`
			INSERT INTO customer_subscriptions (id, data)
			VALUES ($1, $2)
			ON CONFLICT (id) DO NOTHING
		`, r.ID, r)
	}
	return s.sendBatch(ctx, "insert customer subscriptions", batch)
}

// LastModified reads updated_at of one entity.
func (s *Store) LastModified(ctx context.Context, table, id string) (time.Time, bool, error) {
	ident, err := entityTable(table)
	if err != nil {
		return time.Time{}, false, err
	}
	var modified time.Time
	err = s.pool.QueryRow(ctx, fmt.Sprintf(`SELECT updated_at FROM %s WHERE id = $1`, ident), id).Scan(&modified)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, classify("last modified", err)
	}
	return modified.UTC(), true, nil
}

// InsertEntity creates an entity document.
func (s *Store) InsertEntity(ctx context.Context, table, id string, fields map[string]any) error {
	ident, err := entityTable(table)
	if err != nil {
		return err
	}
	if fields == nil {
		fields = map[string]any{}
	}
	_, err = s.pool.Exec(ctx, fmt.Sprintf(`INSERT INTO %s (id, data) VALUES ($1, $2)`, ident), id, fields)
	return classify("insert "+table, err)
}

// UpdateEntity merges fields into an entity document and bumps updated_at.
func (s *Store) UpdateEntity(ctx context.Context, table, id string, fields map[string]any) error {
	ident, err := entityTable(table)
	if err != nil {
		return err
	}
	if fields == nil {
		fields = map[string]any{}
	}
	tag, err := s.pool.Exec(ctx, fmt.Sprintf(`UPDATE %s SET data = data || $2::jsonb, updated_at = NOW() WHERE id = $1`, ident), id, fields)
	if err != nil {
		return classify("update "+table, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update %s %s: %w", table, id, remote.ErrNotFound)
	}
	return nil
}

// DeleteEntity removes an entity document.
func (s *Store) DeleteEntity(ctx context.Context, table, id string) error {
	ident, err := entityTable(table)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, ident), id)
	if err != nil {
		return classify("delete "+table, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("delete %s %s: %w", table, id, remote.ErrNotFound)
	}
	return nil
}

// InsertShadow inserts a shadow.
func (s *Store) InsertShadow(ctx context.Context, sh pos.Shadow) error {
	query := `
		INSERT INTO sale_shadows (sale_id, user_id, amount, payment_method, install_id, created_at, full_sale_confirmed)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := s.pool.Exec(ctx, query,
		sh.SaleID, sh.UserID, sh.Amount, string(sh.PaymentMethod), sh.InstallID, sh.CreatedAt, sh.Confirmed)
	return classify("insert shadow", err)
}

// FetchUnconfirmedShadows lists the oldest unconfirmed shadows.
func (s *Store) FetchUnconfirmedShadows(ctx context.Context, limit int) ([]pos.Shadow, error) {
	query := `
		SELECT sale_id, user_id, amount, payment_method, install_id, created_at, full_sale_confirmed
		FROM sale_shadows
		WHERE NOT full_sale_confirmed
		ORDER BY created_at ASC
		LIMIT $1
	`
	rows, err := s.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, classify("fetch unconfirmed shadows", err)
	}
	defer rows.Close()

	var out []pos.Shadow
	for rows.Next() {
		var sh pos.Shadow
		var method string
		if err := rows.Scan(&sh.SaleID, &sh.UserID, &sh.Amount, &method, &sh.InstallID, &sh.CreatedAt, &sh.Confirmed); err != nil {
			return nil, fmt.Errorf("fetch unconfirmed shadows: scan: %w", err)
		}
		sh.PaymentMethod = pos.PaymentMethod(method)
		sh.CreatedAt = sh.CreatedAt.UTC()
		out = append(out, sh)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("fetch unconfirmed shadows", err)
	}
	return out, nil
}

// FetchSalesByID returns which of ids exist as sales.
func (s *Store) FetchSalesByID(ctx context.Context, ids []string) ([]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, `SELECT id FROM sales WHERE id = ANY($1) ORDER BY id`, ids)
	if err != nil {
		return nil, classify("fetch sales", err)
	}
	found, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, classify("fetch sales", err)
	}
	return found, nil
}

// ConfirmShadows marks the shadows of saleIDs confirmed.
func (s *Store) ConfirmShadows(ctx context.Context, saleIDs []string) error {
	if len(saleIDs) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx, `UPDATE sale_shadows SET full_sale_confirmed = true WHERE sale_id = ANY($1)`, saleIDs)
	return classify("confirm shadows", err)
}

// InsertHeartbeat appends a heartbeat.
func (s *Store) InsertHeartbeat(ctx context.Context, hb pos.Heartbeat) error {
	query := `
		INSERT INTO device_heartbeats (user_id, install_id, pending_transactions, pending_mutations, app_version, at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err := s.pool.Exec(ctx, query,
		hb.UserID, hb.InstallID, hb.PendingTransactions, hb.PendingMutations, hb.AppVersion, hb.At)
	return classify("insert heartbeat", err)
}

// InvokeAnomalyCheck calls check_device_anomalies.
func (s *Store) InvokeAnomalyCheck(ctx context.Context, userID, installID string) error {
	_, err := s.pool.Exec(ctx, `SELECT check_device_anomalies($1, $2)`, userID, installID)
	return classify("anomaly check", err)
}

func (s *Store) sendBatch(ctx context.Context, op string, batch *pgx.Batch) error {
	if batch.Len() == 0 {
		return nil
	}
	br := s.pool.SendBatch(ctx, batch)
	for i := 0; i < batch.Len(); i++ {
		if _, err := br.Exec(); err != nil {
			_ = br.Close()
			return classify(op, err)
		}
	}
	return classify(op, br.Close())
}

// entityTable validates table against EntityTables and returns it quoted.
func entityTable(table string) (string, error) {
	if !slices.Contains(EntityTables, table) {
		return "", fmt.Errorf("%w: %q", ErrUnknownTable, table)
	}
	return pgx.Identifier{table}.Sanitize(), nil
}

// classify maps a driver error to the remote error taxonomy. Server-side
// errors other than a unique violation are returned wrapped as they are;
// anything that never reached the server is unavailable.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if pgErr.Code == uniqueViolation {
			return fmt.Errorf("%s: %w", op, remote.ErrDuplicate)
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, remote.ErrUnavailable, err)
}

var _ remote.Store = (*Store)(nil)
