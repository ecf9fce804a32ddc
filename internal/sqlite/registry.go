package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"bot-deployer/internal/domain"
)

// Sealer encrypts credentials before they are written.
type Sealer interface {
	Seal(plaintext []byte) (string, error)
	Open(sealed string) ([]byte, error)
}

// Registry implements the deployment registry on a SQLite table keyed by the
// credential fingerprint. The credential itself is stored sealed.
type Registry struct {
	db     *sql.DB
	sealer Sealer
}

// NewRegistry returns a Registry on db, which must have been opened with Open.
func NewRegistry(db *sql.DB, sealer Sealer) (*Registry, error) {
	if db == nil {
		return nil, errors.New("sqlite: db must not be nil")
	}
	if sealer == nil {
		return nil, errors.New("sqlite: sealer must not be nil")
	}
	return &Registry{db: db, sealer: sealer}, nil
}

const selectDeployment = `SELECT credential, deployment_id, image_ref, runtime_handle, host_port, status, created_at, updated_at
FROM deployments`

type scanner interface {
	Scan(dest ...any) error
}

// Get returns the record for credential or domain.ErrNotFound.
func (r *Registry) Get(ctx context.Context, credential string) (domain.DeploymentRecord, error) {
	row := r.db.QueryRowContext(ctx, selectDeployment+` WHERE deployment_id = ?`, domain.Fingerprint(credential))
	return r.scan(row)
}

// Put inserts rec, replacing any record stored under the same credential.
func (r *Registry) Put(ctx context.Context, rec domain.DeploymentRecord) error {
	if strings.TrimSpace(rec.Credential) == "" {
		return errors.New("sqlite: record without credential")
	}
	if rec.RuntimeHandle == "" {
		return errors.New("sqlite: record without runtime handle")
	}
	return r.upsert(ctx, r.db, rec)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (r *Registry) upsert(ctx context.Context, db execer, rec domain.DeploymentRecord) error {
	sealed, err := r.sealer.Seal([]byte(rec.Credential))
	if err != nil {
		return fmt.Errorf("sqlite: seal credential: %w", err)
	}
	_, err = db.ExecContext(ctx,
		`INSERT INTO deployments (deployment_id, credential, image_ref, runtime_handle, host_port, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (deployment_id) DO UPDATE SET
		   credential = excluded.credential,
		   image_ref = excluded.image_ref,
		   runtime_handle = excluded.runtime_handle,
		   host_port = excluded.host_port,
		   status = excluded.status,
		   created_at = excluded.created_at,
		   updated_at = excluded.updated_at`,
		domain.Fingerprint(rec.Credential), sealed, rec.ImageRef, rec.RuntimeHandle,
		rec.HostPort, string(rec.Status), rec.CreatedAt.UnixNano(), rec.UpdatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("sqlite: upsert deployment: %w", err)
	}
	return nil
}

// Update applies fn to the record for credential inside one transaction and
// stores the result if fn returns nil.
func (r *Registry) Update(ctx context.Context, credential string, fn func(*domain.DeploymentRecord) error) (domain.DeploymentRecord, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.DeploymentRecord{}, fmt.Errorf("sqlite: begin: %w", err)
	}
	defer tx.Rollback()

	rec, err := r.scan(tx.QueryRowContext(ctx, selectDeployment+` WHERE deployment_id = ?`, domain.Fingerprint(credential)))
	if err != nil {
		return domain.DeploymentRecord{}, err
	}
	if err := fn(&rec); err != nil {
		return domain.DeploymentRecord{}, err
	}
	rec.Credential = credential
	if err := r.upsert(ctx, tx, rec); err != nil {
		return domain.DeploymentRecord{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.DeploymentRecord{}, fmt.Errorf("sqlite: commit: %w", err)
	}
	return rec, nil
}

// Delete removes and returns the record for credential.
func (r *Registry) Delete(ctx context.Context, credential string) (domain.DeploymentRecord, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.DeploymentRecord{}, fmt.Errorf("sqlite: begin: %w", err)
	}
	defer tx.Rollback()

	id := domain.Fingerprint(credential)
	rec, err := r.scan(tx.QueryRowContext(ctx, selectDeployment+` WHERE deployment_id = ?`, id))
	if err != nil {
		return domain.DeploymentRecord{}, err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM deployments WHERE deployment_id = ?`, id); err != nil {
		return domain.DeploymentRecord{}, fmt.Errorf("sqlite: delete deployment: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.DeploymentRecord{}, fmt.Errorf("sqlite: commit: %w", err)
	}
	return rec, nil
}

// List returns all records ordered by creation time.
func (r *Registry) List(ctx context.Context) ([]domain.DeploymentRecord, error) {
	rows, err := r.db.QueryContext(ctx, selectDeployment+` ORDER BY created_at, deployment_id`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list deployments: %w", err)
	}
	defer rows.Close()

	out := make([]domain.DeploymentRecord, 0)
	for rows.Next() {
		rec, err := r.scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: list deployments: %w", err)
	}
	return out, nil
}

func (r *Registry) scan(s scanner) (domain.DeploymentRecord, error) {
	var (
		rec                  domain.DeploymentRecord
		sealed, status       string
		createdAt, updatedAt int64
	)
	err := s.Scan(&sealed, &rec.DeploymentID, &rec.ImageRef, &rec.RuntimeHandle, &rec.HostPort, &status, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.DeploymentRecord{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.DeploymentRecord{}, fmt.Errorf("sqlite: scan deployment: %w", err)
	}
	credential, err := r.sealer.Open(sealed)
	if err != nil {
		return domain.DeploymentRecord{}, fmt.Errorf("sqlite: open credential of %s: %w", rec.DeploymentID, err)
	}
	rec.Credential = string(credential)
	rec.Status = domain.DeploymentStatus(status)
	rec.CreatedAt = time.Unix(0, createdAt).UTC()
	rec.UpdatedAt = time.Unix(0, updatedAt).UTC()
	return rec, nil
}
