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
	"strconv"

	"github.com/kentakayama/uptane-primary/internal/domain"
)

// DeviceInfoRepository handles small key/value device state.
type DeviceInfoRepository struct {
	db *sql.DB
}

func NewDeviceInfoRepository(db *sql.DB) *DeviceInfoRepository {
	return &DeviceInfoRepository{db: db}
}

func (r *DeviceInfoRepository) Get(ctx context.Context, key string) (string, error) {
	var value string
	if err := r.db.QueryRowContext(ctx, `SELECT value FROM device_info WHERE key = ?`, key).Scan(&value); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", domain.ErrNotFound
		}
		return "", fmt.Errorf("scan device info %s: %w", key, err)
	}
	return value, nil
}

func (r *DeviceInfoRepository) Set(ctx context.Context, key, value string) error {
	const q = `
		INSERT INTO device_info (key, value) VALUES (?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value
	`
	if _, err := r.db.ExecContext(ctx, q, key, value); err != nil {
		return fmt.Errorf("insert device info %s: %w", key, err)
	}
	return nil
}

func (r *DeviceInfoRepository) Delete(ctx context.Context, key string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM device_info WHERE key = ?`, key); err != nil {
		return fmt.Errorf("delete device info %s: %w", key, err)
	}
	return nil
}

// Increment adds one to a numeric value, starting from zero, and returns
// the new value.
func (r *DeviceInfoRepository) Increment(ctx context.Context, key string) (int64, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin device info transaction: %w", err)
	}
	defer tx.Rollback()

	var cur int64
	var value string
	err = tx.QueryRowContext(ctx, `SELECT value FROM device_info WHERE key = ?`, key).Scan(&value)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return 0, fmt.Errorf("scan device info %s: %w", key, err)
	default:
		if cur, err = strconv.ParseInt(value, 10, 64); err != nil {
			return 0, fmt.Errorf("%w: %s=%q", domain.ErrCorruptRow, key, value)
		}
	}
	cur++
	const q = `
		INSERT INTO device_info (key, value) VALUES (?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value
	`
	if _, err := tx.ExecContext(ctx, q, key, strconv.FormatInt(cur, 10)); err != nil {
		return 0, fmt.Errorf("insert device info %s: %w", key, err)
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return cur, nil
}
