package db

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"embed"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strconv"
	"strings"
)

//go:embed migrations/*.sql
var embeddedMigrations embed.FS

// migration is one numbered schema step, named NNNN_description.sql.
type migration struct {
	version  int
	name     string
	body     string
	checksum string
}

// Migrate brings the ledger schema up to date with the embedded steps.
func Migrate(ctx context.Context, db *sql.DB) error {
	sub, err := fs.Sub(embeddedMigrations, "migrations")
	if err != nil {
		return err
	}
	_, err = migrate(ctx, db, sub)
	return err
}

// migrate applies every step in fsys newer than the recorded schema and
// returns how many ran. A step whose content changed after it was applied
// stops the migration.
func migrate(ctx context.Context, db *sql.DB, fsys fs.FS) (int, error) {
	steps, err := loadMigrations(fsys)
	if err != nil {
		return 0, err
	}
	if _, err := db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS schema_version (
  version INTEGER PRIMARY KEY,
  name TEXT NOT NULL,
  checksum TEXT NOT NULL,
  applied_at INTEGER NOT NULL
);
`); err != nil {
		return 0, err
	}

	applied := 0
	for _, m := range steps {
		var sum string
		err := db.QueryRowContext(ctx, "SELECT checksum FROM schema_version WHERE version = ?", m.version).Scan(&sum)
		switch {
		case err == nil && sum == m.checksum:
			continue
		case err == nil:
			return applied, fmt.Errorf("migration %s changed after it was applied", m.name)
		case !errors.Is(err, sql.ErrNoRows):
			return applied, err
		}
		if err := m.apply(ctx, db); err != nil {
			return applied, fmt.Errorf("migration %s: %w", m.name, err)
		}
		applied++
	}
	return applied, nil
}

func (m migration) apply(ctx context.Context, db *sql.DB) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, m.body); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO schema_version(version, name, checksum, applied_at) VALUES(?, ?, ?, strftime('%s','now'))",
		m.version, m.name, m.checksum); err != nil {
		return err
	}
	return tx.Commit()
}

// loadMigrations reads *.sql from fsys ordered by version number.
func loadMigrations(fsys fs.FS) ([]migration, error) {
	names, err := fs.Glob(fsys, "*.sql")
	if err != nil {
		return nil, err
	}
	seen := map[int]string{}
	out := make([]migration, 0, len(names))
	for _, name := range names {
		prefix, _, ok := strings.Cut(path.Base(name), "_")
		v, err := strconv.Atoi(prefix)
		if !ok || err != nil || v <= 0 {
			return nil, fmt.Errorf("migration %s: name must start with a positive version and an underscore", name)
		}
		if other, dup := seen[v]; dup {
			return nil, fmt.Errorf("migrations %s and %s share version %d", other, name, v)
		}
		seen[v] = name
		body, err := fs.ReadFile(fsys, name)
		if err != nil {
			return nil, err
		}
		h := sha256.Sum256(body)
		out = append(out, migration{version: v, name: name, body: string(body), checksum: hex.EncodeToString(h[:])})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].version < out[j].version })
	return out, nil
}
