/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/kentakayama/uptane-primary/internal/domain/model"
	"github.com/kentakayama/uptane-primary/internal/uptane"
)

// EcuRepository handles the ECU inventory.
type EcuRepository struct {
	db *sql.DB
}

func NewEcuRepository(db *sql.DB) *EcuRepository {
	return &EcuRepository{db: db}
}

// StoreEcus replaces the inventory.
func (r *EcuRepository) StoreEcus(ctx context.Context, ecus []model.Ecu) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin ecu transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM ecus`); err != nil {
		return fmt.Errorf("clear ecus: %w", err)
	}
	const q = `
		INSERT INTO ecus (serial, hardware_id, is_primary)
		VALUES (?, ?, ?)
	`
	for _, e := range ecus {
		if _, err := tx.ExecContext(ctx, q, string(e.Serial), string(e.HardwareID), e.IsPrimary); err != nil {
			return fmt.Errorf("insert ecu %s: %w", e.Serial, err)
		}
	}
	return tx.Commit()
}

// LoadEcus returns the inventory, primary first. An empty slice means the
// device has not been set up yet.
func (r *EcuRepository) LoadEcus(ctx context.Context) ([]model.Ecu, error) {
	const q = `
		SELECT serial, hardware_id, is_primary
		FROM ecus
		ORDER BY is_primary DESC, id ASC
	`
	rows, err := r.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("query ecus: %w", err)
	}
	defer rows.Close()

	var out []model.Ecu
	for rows.Next() {
		var serial, hwid string
		var e model.Ecu
		if err := rows.Scan(&serial, &hwid, &e.IsPrimary); err != nil {
			return nil, fmt.Errorf("scan ecu: %w", err)
		}
		e.Serial = uptane.EcuSerial(serial)
		e.HardwareID = uptane.HardwareID(hwid)
		out = append(out, e)
	}
	return out, rows.Err()
}
