/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/kentakayama/uptane-primary/internal/domain"
	"github.com/kentakayama/uptane-primary/internal/domain/model"
	"github.com/kentakayama/uptane-primary/internal/uptane"
)

// InstalledVersionRepository handles installed version bookkeeping. Each
// ECU has a history of targets; at most one row is current and at most one
// is pending.
type InstalledVersionRepository struct {
	db *sql.DB
}

func NewInstalledVersionRepository(db *sql.DB) *InstalledVersionRepository {
	return &InstalledVersionRepository{db: db}
}

// SaveInstalledVersion updates the latest history row when it describes
// the same target, or appends a new one.
func (r *InstalledVersionRepository) SaveInstalledVersion(ctx context.Context, ecu uptane.EcuSerial, target uptane.Target, mode model.InstalledVersionMode) error {
	blob, err := json.Marshal(target.Record())
	if err != nil {
		return fmt.Errorf("encode target: %w", err)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin installed version transaction: %w", err)
	}
	defer tx.Rollback()

	switch mode {
	case model.InstalledCurrent:
		if _, err := tx.ExecContext(ctx, `UPDATE installed_versions SET is_current = 0 WHERE ecu_serial = ?`, string(ecu)); err != nil {
			return fmt.Errorf("reset current version: %w", err)
		}
	case model.InstalledPending:
		if _, err := tx.ExecContext(ctx, `UPDATE installed_versions SET is_pending = 0 WHERE ecu_serial = ?`, string(ecu)); err != nil {
			return fmt.Errorf("reset pending version: %w", err)
		}
	}

	const lastQ = `
		SELECT id, sha256, name
		FROM installed_versions
		WHERE ecu_serial = ?
		ORDER BY id DESC
		LIMIT 1
	`
	var (
		lastID   int64
		lastSHA  string
		lastName string
	)
	newEntry := false
	if err := tx.QueryRowContext(ctx, lastQ, string(ecu)).Scan(&lastID, &lastSHA, &lastName); err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("scan installed version: %w", err)
		}
		newEntry = true
	} else {
		newEntry = lastSHA != target.SHA256() || lastName != target.Filename
	}

	isCurrent := mode == model.InstalledCurrent
	isPending := mode == model.InstalledPending
	if newEntry {
		const q = `
			INSERT INTO installed_versions
				(ecu_serial, sha256, name, target, correlation_id, is_current, is_pending, was_installed)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`
		if _, err := tx.ExecContext(ctx, q, string(ecu), target.SHA256(), target.Filename, blob,
			target.CorrelationID, isCurrent, isPending, isCurrent); err != nil {
			return fmt.Errorf("insert installed version: %w", err)
		}
	} else {
		const q = `
			UPDATE installed_versions
			SET correlation_id = ?, is_current = ?, is_pending = ?, was_installed = (was_installed OR ?)
			WHERE id = ?
		`
		if _, err := tx.ExecContext(ctx, q, target.CorrelationID, isCurrent, isPending, isCurrent, lastID); err != nil {
			return fmt.Errorf("update installed version: %w", err)
		}
	}
	return tx.Commit()
}

// LoadInstalledVersions returns the current and pending targets of ecu.
func (r *InstalledVersionRepository) LoadInstalledVersions(ctx context.Context, ecu uptane.EcuSerial) (*model.InstalledVersions, error) {
	const q = `
		SELECT target, correlation_id, is_current, is_pending
		FROM installed_versions
		WHERE ecu_serial = ? AND (is_current = 1 OR is_pending = 1)
		ORDER BY id ASC
	`
	rows, err := r.db.QueryContext(ctx, q, string(ecu))
	if err != nil {
		return nil, fmt.Errorf("query installed versions: %w", err)
	}
	defer rows.Close()

	out := &model.InstalledVersions{}
	for rows.Next() {
		var (
			blob                 []byte
			corrID               string
			isCurrent, isPending bool
		)
		if err := rows.Scan(&blob, &corrID, &isCurrent, &isPending); err != nil {
			return nil, fmt.Errorf("scan installed version: %w", err)
		}
		target, err := decodeTarget(blob, corrID)
		if err != nil {
			return nil, err
		}
		if isCurrent {
			t := target
			out.Current = &t
		}
		if isPending {
			t := target
			out.Pending = &t
		}
	}
	return out, rows.Err()
}

// LoadInstallationLog lists every target that was ever current on ecu,
// oldest first.
func (r *InstalledVersionRepository) LoadInstallationLog(ctx context.Context, ecu uptane.EcuSerial) ([]uptane.Target, error) {
	const q = `
		SELECT target, correlation_id
		FROM installed_versions
		WHERE ecu_serial = ? AND was_installed = 1
		ORDER BY id ASC
	`
	rows, err := r.db.QueryContext(ctx, q, string(ecu))
	if err != nil {
		return nil, fmt.Errorf("query installation log: %w", err)
	}
	defer rows.Close()

	var out []uptane.Target
	for rows.Next() {
		var blob []byte
		var corrID string
		if err := rows.Scan(&blob, &corrID); err != nil {
			return nil, fmt.Errorf("scan installation log: %w", err)
		}
		target, err := decodeTarget(blob, corrID)
		if err != nil {
			return nil, err
		}
		out = append(out, target)
	}
	return out, rows.Err()
}

// LoadPendingEcus lists the ECUs with an install awaiting completion.
func (r *InstalledVersionRepository) LoadPendingEcus(ctx context.Context) ([]model.PendingEcu, error) {
	const q = `
		SELECT ecu_serial, target, correlation_id
		FROM installed_versions
		WHERE is_pending = 1
		ORDER BY id ASC
	`
	rows, err := r.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("query pending versions: %w", err)
	}
	defer rows.Close()

	var out []model.PendingEcu
	for rows.Next() {
		var serial, corrID string
		var blob []byte
		if err := rows.Scan(&serial, &blob, &corrID); err != nil {
			return nil, fmt.Errorf("scan pending version: %w", err)
		}
		target, err := decodeTarget(blob, corrID)
		if err != nil {
			return nil, err
		}
		out = append(out, model.PendingEcu{Serial: uptane.EcuSerial(serial), Target: target})
	}
	return out, rows.Err()
}

func decodeTarget(blob []byte, corrID string) (uptane.Target, error) {
	var rec uptane.TargetRecord
	if err := json.Unmarshal(blob, &rec); err != nil {
		return uptane.Target{}, fmt.Errorf("%w: %v", domain.ErrCorruptRow, err)
	}
	t := rec.Target()
	t.CorrelationID = corrID
	return t, nil
}
