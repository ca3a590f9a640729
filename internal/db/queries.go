package db

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("not found")

// nowUnix returns the current Unix timestamp in seconds.
func nowUnix() int64 { return time.Now().Unix() }

// GetConfig fetches a single config key from the database.
// The boolean indicates whether the key exists.
func (d *DB) GetConfig(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := d.sql.QueryRowContext(ctx, "SELECT value FROM config WHERE key = ?", key).Scan(&v)
	if err == nil {
		return v, true, nil
	}
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	return "", false, err
}

// SetConfig upserts a config key/value pair and updates its timestamp.
func (d *DB) SetConfig(ctx context.Context, key, value string) error {
	if err := d.writable(); err != nil {
		return err
	}
	if key == "" {
		return errors.New("config key is required")
	}
	_, err := d.sql.ExecContext(ctx, `
INSERT INTO config(key, value, updated_at) VALUES(?, ?, ?)
ON CONFLICT(key) DO UPDATE SET value=excluded.value, updated_at=excluded.updated_at
`, key, value, nowUnix())
	return err
}

// InsertDeployment stores a new ledger row. An empty ID is filled with a
// random UUID; the stored row is returned.
func (d *DB) InsertDeployment(ctx context.Context, dep Deployment) (Deployment, error) {
	if err := d.writable(); err != nil {
		return Deployment{}, err
	}
	if dep.FileName == "" {
		return Deployment{}, errors.New("file name is required")
	}
	if dep.ID == "" {
		dep.ID = uuid.NewString()
	}
	if dep.Outcome == "" {
		dep.Outcome = OutcomeStored
	}
	now := nowUnix()
	dep.CreatedAt, dep.UpdatedAt = now, now
	err := retryWrite(ctx, func() error {
		_, err := d.sql.ExecContext(ctx, `
INSERT INTO deployments(id, session_id, username, remote_addr, file_name, size_bytes, artifact_name, outcome, detail, created_at, updated_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`, dep.ID, dep.SessionID, dep.Username, dep.RemoteAddr, dep.FileName, dep.SizeBytes, dep.ArtifactName, string(dep.Outcome), dep.Detail, dep.CreatedAt, dep.UpdatedAt)
		return err
	})
	if err != nil {
		return Deployment{}, err
	}
	return dep, nil
}

// UpdateDeploymentOutcome records what happened after the upload landed.
func (d *DB) UpdateDeploymentOutcome(ctx context.Context, id, artifactName string, outcome Outcome, detail string) error {
	if err := d.writable(); err != nil {
		return err
	}
	var res sql.Result
	err := retryWrite(ctx, func() error {
		var err error
		res, err = d.sql.ExecContext(ctx, `
UPDATE deployments SET artifact_name = ?, outcome = ?, detail = ?, updated_at = ? WHERE id = ?
`, artifactName, string(outcome), detail, nowUnix(), id)
		return err
	})
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetDeployment loads one row by id.
func (d *DB) GetDeployment(ctx context.Context, id string) (*Deployment, bool, error) {
	row := d.sql.QueryRowContext(ctx, `
SELECT id, session_id, username, remote_addr, file_name, size_bytes, artifact_name, outcome, detail, created_at, updated_at
FROM deployments WHERE id = ?
`, id)
	dep, err := scanDeployment(row)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return &dep, true, nil
}

// ListDeployments returns the newest rows first, at most limit of them
// (all rows when limit <= 0).
func (d *DB) ListDeployments(ctx context.Context, limit int) ([]Deployment, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := d.sql.QueryContext(ctx, `
SELECT id, session_id, username, remote_addr, file_name, size_bytes, artifact_name, outcome, detail, created_at, updated_at
FROM deployments ORDER BY created_at DESC, rowid DESC LIMIT ?
`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Deployment
	for rows.Next() {
		dep, err := scanDeployment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, dep)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDeployment(s scanner) (Deployment, error) {
	var dep Deployment
	var outcome string
	err := s.Scan(&dep.ID, &dep.SessionID, &dep.Username, &dep.RemoteAddr, &dep.FileName, &dep.SizeBytes,
		&dep.ArtifactName, &outcome, &dep.Detail, &dep.CreatedAt, &dep.UpdatedAt)
	dep.Outcome = Outcome(outcome)
	return dep, err
}
