// Package db is the SQLite deployment ledger.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"time"

	_ "modernc.org/sqlite"
)

// DB wraps a single-connection SQLite handle.
type DB struct {
	sql      *sql.DB
	readOnly bool
}

// ErrReadOnly is returned by writes on a ledger opened with OpenReadOnly.
var ErrReadOnly = errors.New("ledger opened read-only")

// ErrNoSchema is returned by OpenReadOnly when the file was never migrated.
var ErrNoSchema = errors.New("ledger has no schema")

// Open opens (creating if needed) the ledger at path and applies migrations.
func Open(ctx context.Context, path string) (*DB, error) {
	return open(ctx, path, false)
}

// OpenReadOnly opens an existing ledger without migrating it. The daemon
// may keep writing to the same file.
func OpenReadOnly(ctx context.Context, path string) (*DB, error) {
	return open(ctx, path, true)
}

func open(ctx context.Context, path string, readOnly bool) (*DB, error) {
	if path == "" {
		return nil, errors.New("db path is required")
	}

	q := url.Values{}
	q.Add("_pragma", "busy_timeout(5000)")
	q.Add("_pragma", "foreign_keys(1)")
	if readOnly {
		q.Set("mode", "ro")
	}
	s, err := sql.Open("sqlite", fmt.Sprintf("file:%s?%s", path, q.Encode()))
	if err != nil {
		return nil, err
	}
	s.SetMaxOpenConns(1)
	s.SetMaxIdleConns(1)
	s.SetConnMaxLifetime(0)

	d := &DB{sql: s, readOnly: readOnly}
	if err := d.prepare(ctx); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("ledger %s: %w", path, err)
	}
	return d, nil
}

func (d *DB) prepare(ctx context.Context) error {
	pctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := d.sql.PingContext(pctx); err != nil {
		return err
	}
	if d.readOnly {
		var n int
		err := d.sql.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = 'schema_version'").Scan(&n)
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrNoSchema
		}
		return nil
	}
	// WAL lets the history command read while the daemon writes.
	if _, err := d.sql.ExecContext(ctx, "PRAGMA journal_mode = WAL;"); err != nil {
		return err
	}
	return Migrate(ctx, d.sql)
}

func (d *DB) Close() error {
	return d.sql.Close()
}

func (d *DB) writable() error {
	if d.readOnly {
		return ErrReadOnly
	}
	return nil
}
