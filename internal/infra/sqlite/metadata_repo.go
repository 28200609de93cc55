/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/kentakayama/uptane-primary/internal/domain"
	"github.com/kentakayama/uptane-primary/internal/domain/model"
	"github.com/kentakayama/uptane-primary/internal/uptane"
)

// MetadataRepository handles Uptane metadata persistence.
type MetadataRepository struct {
	db *sql.DB
}

func NewMetadataRepository(db *sql.DB) *MetadataRepository {
	return &MetadataRepository{db: db}
}

// LoadRoot returns the requested Root version, or the latest one for
// uptane.AnyVersion.
func (r *MetadataRepository) LoadRoot(ctx context.Context, repo uptane.RepositoryType, version uptane.Version) ([]byte, error) {
	var row *sql.Row
	if version == uptane.AnyVersion {
		const q = `
			SELECT meta FROM root_meta
			WHERE repo = ?
			ORDER BY version DESC
			LIMIT 1
		`
		row = r.db.QueryRowContext(ctx, q, repo.String())
	} else {
		const q = `
			SELECT meta FROM root_meta
			WHERE repo = ? AND version = ?
			LIMIT 1
		`
		row = r.db.QueryRowContext(ctx, q, repo.String(), int(version))
	}
	var meta []byte
	if err := row.Scan(&meta); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("scan root metadata: %w", err)
	}
	return meta, nil
}

// LoadNonRoot returns the stored metadata of a non-root role.
func (r *MetadataRepository) LoadNonRoot(ctx context.Context, repo uptane.RepositoryType, role uptane.Role) ([]byte, error) {
	const q = `
		SELECT meta FROM meta
		WHERE repo = ? AND role = ?
		LIMIT 1
	`
	var meta []byte
	if err := r.db.QueryRowContext(ctx, q, repo.String(), role.String()).Scan(&meta); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("scan metadata: %w", err)
	}
	return meta, nil
}

// Apply commits one verification pass atomically.
func (r *MetadataRepository) Apply(ctx context.Context, changes *model.MetadataChanges) error {
	if changes == nil || changes.IsEmpty() {
		return nil
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin metadata transaction: %w", err)
	}
	defer tx.Rollback()

	repo := changes.Repo.String()
	for _, root := range changes.Roots {
		const q = `
			INSERT INTO root_meta (repo, version, meta)
			VALUES (?, ?, ?)
			ON CONFLICT (repo, version) DO UPDATE SET meta = excluded.meta
		`
		if _, err := tx.ExecContext(ctx, q, repo, root.Version, root.Raw); err != nil {
			return fmt.Errorf("insert root metadata: %w", err)
		}
	}
	if changes.ClearNonRoot {
		if _, err := tx.ExecContext(ctx, `DELETE FROM meta WHERE repo = ?`, repo); err != nil {
			return fmt.Errorf("clear metadata: %w", err)
		}
	}
	for _, m := range changes.NonRoot {
		const q = `
			INSERT INTO meta (repo, role, meta, updated_at)
			VALUES (?, ?, ?, CURRENT_TIMESTAMP)
			ON CONFLICT (repo, role) DO UPDATE SET meta = excluded.meta, updated_at = excluded.updated_at
		`
		if _, err := tx.ExecContext(ctx, q, repo, m.Role.String(), m.Raw); err != nil {
			return fmt.Errorf("insert metadata: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit metadata: %w", err)
	}
	return nil
}

// ClearNonRoot drops everything but the Root history of repo.
func (r *MetadataRepository) ClearNonRoot(ctx context.Context, repo uptane.RepositoryType) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM meta WHERE repo = ?`, repo.String()); err != nil {
		return fmt.Errorf("clear metadata: %w", err)
	}
	return nil
}

// ClearMetadata drops all metadata of both repositories.
func (r *MetadataRepository) ClearMetadata(ctx context.Context) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin metadata transaction: %w", err)
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM meta`); err != nil {
		return fmt.Errorf("clear metadata: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM root_meta`); err != nil {
		return fmt.Errorf("clear root metadata: %w", err)
	}
	return tx.Commit()
}
