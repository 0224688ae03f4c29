package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Setting returns the value stored under key, or ErrNotFound.
func (o ops) Setting(ctx context.Context, key string) (string, error) {
	var value string
	err := o.q.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("setting %q: %w", key, ErrNotFound)
		}
		return "", fmt.Errorf("setting %q: %w", key, err)
	}
	return value, nil
}

// PutSetting stores value under key, replacing any previous value.
func (o ops) PutSetting(ctx context.Context, key, value string) error {
	_, err := o.q.ExecContext(ctx, `
		INSERT INTO settings (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("put setting %q: %w", key, err)
	}
	return nil
}

// PutSettingIfAbsent stores value only when key has no value yet, and
// returns the value stored afterwards.
func (o ops) PutSettingIfAbsent(ctx context.Context, key, value string) (string, error) {
	_, err := o.q.ExecContext(ctx, `
		INSERT INTO settings (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO NOTHING
	`, key, value)
	if err != nil {
		return "", fmt.Errorf("put setting %q: %w", key, err)
	}
	return o.Setting(ctx, key)
}
