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
	"strings"

	_ "github.com/mattn/go-sqlite3"

	"github.com/kentakayama/uptane-primary/internal/domain/service"
)

// InitDB initializes the SQLite database and creates necessary tables.
func InitDB(ctx context.Context, dbPath string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Verify the connection
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Configure connection pool.
	// Every connection to ":memory:" opens its own empty database.
	if isMemory(dbPath) {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	} else {
		db.SetMaxOpenConns(4)
		db.SetMaxIdleConns(2)
	}

	// Connection-level pragmas to improve concurrency and reliability.
	// NOTE: Some pragmas are persistent per DB file (journal_mode) and return a row.
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set PRAGMA foreign_keys: %w", err)
	}
	if !isMemory(dbPath) {
		if _, err := db.ExecContext(ctx, "PRAGMA journal_mode = WAL;"); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set PRAGMA journal_mode: %w", err)
		}
	}
	// FULL: a stored Root or installed version must survive power loss.
	if _, err := db.ExecContext(ctx, "PRAGMA synchronous = FULL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set PRAGMA synchronous: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout = 5000;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set PRAGMA busy_timeout: %w", err)
	}

	// Create tables and indexes
	if err := createSchema(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return db, nil
}

func isMemory(dbPath string) bool {
	return dbPath == ":memory:" || strings.Contains(dbPath, "mode=memory")
}

// createSchema creates all necessary database tables.
func createSchema(ctx context.Context, db *sql.DB) error {
	schema := `
	-- Trusted Root metadata, one row per repository and version
	CREATE TABLE IF NOT EXISTS root_meta (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		repo TEXT NOT NULL,
		version INTEGER NOT NULL,
		meta BLOB NOT NULL,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		UNIQUE (repo, version)
	);

	-- Latest Timestamp, Snapshot, Targets and delegated metadata
	CREATE TABLE IF NOT EXISTS meta (
		repo TEXT NOT NULL,
		role TEXT NOT NULL,
		meta BLOB NOT NULL,
		updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (repo, role)
	);

	-- ECU inventory
	CREATE TABLE IF NOT EXISTS ecus (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		serial TEXT UNIQUE NOT NULL,
		hardware_id TEXT NOT NULL,
		is_primary INTEGER NOT NULL DEFAULT 0
	);

	-- Installed versions per ECU
	CREATE TABLE IF NOT EXISTS installed_versions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		ecu_serial TEXT NOT NULL,
		sha256 TEXT NOT NULL,
		name TEXT NOT NULL,
		target BLOB NOT NULL,
		correlation_id TEXT NOT NULL DEFAULT '',
		is_current INTEGER NOT NULL DEFAULT 0,
		is_pending INTEGER NOT NULL DEFAULT 0,
		was_installed INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_installed_versions_ecu ON installed_versions(ecu_serial, id);

	-- Per ECU installation results awaiting report
	CREATE TABLE IF NOT EXISTS ecu_installation_results (
		ecu_serial TEXT PRIMARY KEY,
		success INTEGER NOT NULL,
		result_code TEXT NOT NULL,
		description TEXT NOT NULL
	);

	-- Device installation result awaiting report (single row)
	CREATE TABLE IF NOT EXISTS device_installation_result (
		unique_mark INTEGER PRIMARY KEY CHECK (unique_mark = 0),
		success INTEGER NOT NULL,
		result_code TEXT NOT NULL,
		description TEXT NOT NULL,
		raw_report TEXT NOT NULL,
		correlation_id TEXT NOT NULL
	);

	-- Queued report events
	CREATE TABLE IF NOT EXISTS report_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		event_id TEXT NOT NULL,
		event_type TEXT NOT NULL,
		version INTEGER NOT NULL,
		device_time TIMESTAMP NOT NULL,
		payload BLOB NOT NULL
	);

	-- Small device scoped values
	CREATE TABLE IF NOT EXISTS device_info (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	-- Primary ECU signing key (single row)
	CREATE TABLE IF NOT EXISTS primary_keys (
		unique_mark INTEGER PRIMARY KEY CHECK (unique_mark = 0),
		key_type TEXT NOT NULL,
		public_key BLOB NOT NULL,
		private_key BLOB NOT NULL,
		created_at TIMESTAMP NOT NULL
	);
	`

	// Execute schema using transaction
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// NewRepositories wires every repository on top of db.
func NewRepositories(db *sql.DB) service.Repositories {
	return service.Repositories{
		Metadata:   NewMetadataRepository(db),
		Ecus:       NewEcuRepository(db),
		Installed:  NewInstalledVersionRepository(db),
		Results:    NewInstallationResultRepository(db),
		Reports:    NewReportEventRepository(db),
		DeviceInfo: NewDeviceInfoRepository(db),
		Keys:       NewKeyRepository(db),
	}
}

// CloseDB closes the database connection.
func CloseDB(db *sql.DB) error {
	if db == nil {
		return nil
	}
	return db.Close()
}
