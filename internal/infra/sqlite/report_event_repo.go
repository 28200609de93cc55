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
)

// ReportEventRepository handles queued report events.
type ReportEventRepository struct {
	db *sql.DB
}

func NewReportEventRepository(db *sql.DB) *ReportEventRepository {
	return &ReportEventRepository{db: db}
}

// Create inserts a new event and returns the inserted id.
func (r *ReportEventRepository) Create(ctx context.Context, ev *model.ReportEvent) (int64, error) {
	const q = `
		INSERT INTO report_events (event_id, event_type, version, device_time, payload)
		VALUES (?, ?, ?, ?, ?)
	`
	res, err := r.db.ExecContext(ctx, q, ev.EventID, ev.Type, ev.Version, ev.DeviceTime, ev.Payload)
	if err != nil {
		return 0, fmt.Errorf("insert report event: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	return id, nil
}

// ListOldest returns up to limit events in insertion order.
func (r *ReportEventRepository) ListOldest(ctx context.Context, limit int) ([]*model.ReportEvent, error) {
	const q = `
		SELECT id, event_id, event_type, version, device_time, payload
		FROM report_events
		ORDER BY id ASC
		LIMIT ?
	`
	rows, err := r.db.QueryContext(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("query report events: %w", err)
	}
	defer rows.Close()

	var out []*model.ReportEvent
	for rows.Next() {
		var ev model.ReportEvent
		if err := rows.Scan(&ev.ID, &ev.EventID, &ev.Type, &ev.Version, &ev.DeviceTime, &ev.Payload); err != nil {
			return nil, fmt.Errorf("scan report event: %w", err)
		}
		out = append(out, &ev)
	}
	return out, rows.Err()
}

// DeleteUpTo removes every event with an id not above id.
func (r *ReportEventRepository) DeleteUpTo(ctx context.Context, id int64) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM report_events WHERE id <= ?`, id); err != nil {
		return fmt.Errorf("delete report events: %w", err)
	}
	return nil
}
