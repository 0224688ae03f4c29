package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"
)

// Record is one persisted queue entry.
type Record struct {
	Collection string
	ID         string
	Seq        int64
	Payload    []byte
	CreatedAt  time.Time
	Synced     bool
	SyncedAt   time.Time
	RetryCount int
	LastError  string
}

// ops implements every store operation over a querier, so Store and Tx
// share one implementation.
type ops struct {
	q querier
}

const selectColumns = `collection, id, seq, payload, created_at, synced, synced_at, retry_count, last_error`

// Append inserts a new entry at the tail of its collection and returns it
// with Seq assigned. An existing id in the same collection yields
// ErrDuplicateID.
func (o ops) Append(ctx context.Context, r Record) (Record, error) {
	row := o.q.QueryRowContext(ctx, `
		INSERT INTO queue_entries (collection, id, seq, payload, created_at)
		VALUES (?, ?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM queue_entries WHERE collection = ?), ?, ?)
		RETURNING seq
	`,
		r.Collection,
		r.ID,
		r.Collection,
		string(r.Payload),
		r.CreatedAt.UnixNano(),
	)
	if err := row.Scan(&r.Seq); err != nil {
		if isUniqueViolation(err) {
			return Record{}, fmt.Errorf("append %s/%s: %w", r.Collection, r.ID, ErrDuplicateID)
		}
		return Record{}, fmt.Errorf("append %s/%s: %w", r.Collection, r.ID, err)
	}
	r.Synced = false
	r.SyncedAt = time.Time{}
	r.RetryCount = 0
	r.LastError = ""
	return r, nil
}

// Get returns one entry.
func (o ops) Get(ctx context.Context, collection, id string) (Record, error) {
	row := o.q.QueryRowContext(ctx, `
		SELECT `+selectColumns+`
		FROM queue_entries
		WHERE collection = ? AND id = ?
	`, collection, id)
	r, err := scanRecord(row)
	if err != nil {
		return Record{}, fmt.Errorf("get %s/%s: %w", collection, id, err)
	}
	return r, nil
}

// List returns every entry of a collection in creation order.
func (o ops) List(ctx context.Context, collection string) ([]Record, error) {
	return o.list(ctx, `
		SELECT `+selectColumns+`
		FROM queue_entries
		WHERE collection = ?
		ORDER BY seq ASC, id COLLATE BINARY ASC
	`, collection)
}

// ListPending returns the unsynced entries of a collection in creation order.
func (o ops) ListPending(ctx context.Context, collection string) ([]Record, error) {
	return o.list(ctx, `
		SELECT `+selectColumns+`
		FROM queue_entries
		WHERE collection = ? AND synced = 0
		ORDER BY seq ASC, id COLLATE BINARY ASC
	`, collection)
}

// Last returns the most recently appended entry, synced or not.
func (o ops) Last(ctx context.Context, collection string) (Record, error) {
	row := o.q.QueryRowContext(ctx, `
		SELECT `+selectColumns+`
		FROM queue_entries
		WHERE collection = ?
		ORDER BY seq DESC
		LIMIT 1
	`, collection)
	r, err := scanRecord(row)
	if err != nil {
		return Record{}, fmt.Errorf("last %s: %w", collection, err)
	}
	return r, nil
}

// CountPending returns the number of unsynced entries in a collection.
func (o ops) CountPending(ctx context.Context, collection string) (int, error) {
	var n int
	err := o.q.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM queue_entries WHERE collection = ? AND synced = 0
	`, collection).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count pending %s: %w", collection, err)
	}
	return n, nil
}

// Delete removes one entry.
func (o ops) Delete(ctx context.Context, collection, id string) error {
	res, err := o.q.ExecContext(ctx, `
		DELETE FROM queue_entries WHERE collection = ? AND id = ?
	`, collection, id)
	if err != nil {
		return fmt.Errorf("delete %s/%s: %w", collection, id, err)
	}
	return requireAffected(res, collection, id)
}

// ReplacePayload overwrites an entry's payload in place, keeping its
// position and bookkeeping.
func (o ops) ReplacePayload(ctx context.Context, collection, id string, payload []byte) error {
	res, err := o.q.ExecContext(ctx, `
		UPDATE queue_entries SET payload = ? WHERE collection = ? AND id = ?
	`, string(payload), collection, id)
	if err != nil {
		return fmt.Errorf("replace payload %s/%s: %w", collection, id, err)
	}
	return requireAffected(res, collection, id)
}

// MarkSynced flags an entry synced. Marking an already-synced entry is a
// no-op and keeps the original synced_at.
func (o ops) MarkSynced(ctx context.Context, collection, id string, at time.Time) error {
	res, err := o.q.ExecContext(ctx, `
		UPDATE queue_entries
		SET synced = 1, synced_at = ?, last_error = ''
		WHERE collection = ? AND id = ? AND synced = 0
	`, at.UnixNano(), collection, id)
	if err != nil {
		return fmt.Errorf("mark synced %s/%s: %w", collection, id, err)
	}
	return o.requireExists(ctx, res, collection, id)
}

// MarkFailed increments the retry count and records the error. Synced
// entries are left untouched.
func (o ops) MarkFailed(ctx context.Context, collection, id, message string) error {
	res, err := o.q.ExecContext(ctx, `
		UPDATE queue_entries
		SET retry_count = retry_count + 1, last_error = ?
		WHERE collection = ? AND id = ? AND synced = 0
	`, message, collection, id)
	if err != nil {
		return fmt.Errorf("mark failed %s/%s: %w", collection, id, err)
	}
	return o.requireExists(ctx, res, collection, id)
}

// PurgeSyncedBefore removes synced entries whose synced_at predates cutoff
// and returns how many were removed. Unsynced entries are never purged.
func (o ops) PurgeSyncedBefore(ctx context.Context, collection string, cutoff time.Time) (int64, error) {
	res, err := o.q.ExecContext(ctx, `
		DELETE FROM queue_entries
		WHERE collection = ? AND synced = 1 AND synced_at < ?
	`, collection, cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("purge %s: %w", collection, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge %s: %w", collection, err)
	}
	return n, nil
}

func (o ops) list(ctx context.Context, query string, args ...any) ([]Record, error) {
	rows, err := o.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("list: %w", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list: %w", err)
	}
	return records, nil
}

// requireExists distinguishes "no row" from "row already in the target
// state" after a conditional UPDATE.
func (o ops) requireExists(ctx context.Context, res sql.Result, collection, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s/%s: %w", collection, id, err)
	}
	if n > 0 {
		return nil
	}
	var one int
	err = o.q.QueryRowContext(ctx, `
		SELECT 1 FROM queue_entries WHERE collection = ? AND id = ?
	`, collection, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s/%s: %w", collection, id, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("%s/%s: %w", collection, id, err)
	}
	return nil
}

func requireAffected(res sql.Result, collection, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s/%s: %w", collection, id, err)
	}
	if n == 0 {
		return fmt.Errorf("%s/%s: %w", collection, id, ErrNotFound)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (Record, error) {
	var (
		r         Record
		payload   string
		createdAt int64
		synced    int
		syncedAt  sql.NullInt64
	)
	err := s.Scan(&r.Collection, &r.ID, &r.Seq, &payload, &createdAt, &synced, &syncedAt, &r.RetryCount, &r.LastError)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, err
	}
	r.Payload = []byte(payload)
	r.CreatedAt = time.Unix(0, createdAt).UTC()
	r.Synced = synced != 0
	if syncedAt.Valid {
		r.SyncedAt = time.Unix(0, syncedAt.Int64).UTC()
	}
	return r, nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey ||
		sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
}
