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

// InstallationResultRepository handles installation outcomes that have not
// been reported yet.
type InstallationResultRepository struct {
	db *sql.DB
}

func NewInstallationResultRepository(db *sql.DB) *InstallationResultRepository {
	return &InstallationResultRepository{db: db}
}

// SaveEcuResult records the outcome for ecu, replacing an earlier one.
func (r *InstallationResultRepository) SaveEcuResult(ctx context.Context, ecu uptane.EcuSerial, result uptane.InstallationResult) error {
	repr, err := result.Code.Repr()
	if err != nil {
		return err
	}
	const q = `
		INSERT INTO ecu_installation_results (ecu_serial, success, result_code, description)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (ecu_serial) DO UPDATE SET
			success = excluded.success,
			result_code = excluded.result_code,
			description = excluded.description
	`
	if _, err := r.db.ExecContext(ctx, q, string(ecu), result.Success, repr, result.Description); err != nil {
		return fmt.Errorf("insert ecu installation result: %w", err)
	}
	return nil
}

func (r *InstallationResultRepository) LoadEcuResults(ctx context.Context) ([]model.EcuInstallationResult, error) {
	const q = `
		SELECT ecu_serial, result_code, description
		FROM ecu_installation_results
		ORDER BY ecu_serial ASC
	`
	rows, err := r.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("query ecu installation results: %w", err)
	}
	defer rows.Close()

	var out []model.EcuInstallationResult
	for rows.Next() {
		var serial, repr, desc string
		if err := rows.Scan(&serial, &repr, &desc); err != nil {
			return nil, fmt.Errorf("scan ecu installation result: %w", err)
		}
		out = append(out, model.EcuInstallationResult{
			Serial: uptane.EcuSerial(serial),
			Result: uptane.NewInstallationResult(uptane.ResultCodeFromRepr(repr), desc),
		})
	}
	return out, rows.Err()
}

// SaveDeviceResult records the device level outcome.
func (r *InstallationResultRepository) SaveDeviceResult(ctx context.Context, result *model.DeviceInstallationResult) error {
	repr, err := result.Result.Code.Repr()
	if err != nil {
		return err
	}
	const q = `
		INSERT INTO device_installation_result
			(unique_mark, success, result_code, description, raw_report, correlation_id)
		VALUES (0, ?, ?, ?, ?, ?)
		ON CONFLICT (unique_mark) DO UPDATE SET
			success = excluded.success,
			result_code = excluded.result_code,
			description = excluded.description,
			raw_report = excluded.raw_report,
			correlation_id = excluded.correlation_id
	`
	if _, err := r.db.ExecContext(ctx, q, result.Result.Success, repr, result.Result.Description,
		result.RawReport, result.CorrelationID); err != nil {
		return fmt.Errorf("insert device installation result: %w", err)
	}
	return nil
}

// LoadDeviceResult returns domain.ErrNotFound when no result is pending.
func (r *InstallationResultRepository) LoadDeviceResult(ctx context.Context) (*model.DeviceInstallationResult, error) {
	const q = `
		SELECT result_code, description, raw_report, correlation_id
		FROM device_installation_result
		WHERE unique_mark = 0
	`
	var repr, desc string
	var out model.DeviceInstallationResult
	if err := r.db.QueryRowContext(ctx, q).Scan(&repr, &desc, &out.RawReport, &out.CorrelationID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("scan device installation result: %w", err)
	}
	out.Result = uptane.NewInstallationResult(uptane.ResultCodeFromRepr(repr), desc)
	return &out, nil
}

// SaveRawReport overrides the raw report of a stored device result.
func (r *InstallationResultRepository) SaveRawReport(ctx context.Context, raw string) error {
	res, err := r.db.ExecContext(ctx, `UPDATE device_installation_result SET raw_report = ? WHERE unique_mark = 0`, raw)
	if err != nil {
		return fmt.Errorf("update raw report: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// Clear drops all reported results.
func (r *InstallationResultRepository) Clear(ctx context.Context) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin result transaction: %w", err)
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM ecu_installation_results`); err != nil {
		return fmt.Errorf("clear ecu installation results: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM device_installation_result`); err != nil {
		return fmt.Errorf("clear device installation result: %w", err)
	}
	return tx.Commit()
}
