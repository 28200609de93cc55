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
)

// KeyRepository handles the primary ECU key pair.
type KeyRepository struct {
	db *sql.DB
}

func NewKeyRepository(db *sql.DB) *KeyRepository {
	return &KeyRepository{db: db}
}

func (r *KeyRepository) SavePrimaryKey(ctx context.Context, key *model.PrimaryKey) error {
	const q = `
		INSERT INTO primary_keys (unique_mark, key_type, public_key, private_key, created_at)
		VALUES (0, ?, ?, ?, ?)
		ON CONFLICT (unique_mark) DO UPDATE SET
			key_type = excluded.key_type,
			public_key = excluded.public_key,
			private_key = excluded.private_key,
			created_at = excluded.created_at
	`
	if _, err := r.db.ExecContext(ctx, q, key.KeyType, key.PublicKey, key.PrivateKey, key.CreatedAt); err != nil {
		return fmt.Errorf("insert primary key: %w", err)
	}
	return nil
}

// LoadPrimaryKey returns domain.ErrNotFound before provisioning.
func (r *KeyRepository) LoadPrimaryKey(ctx context.Context) (*model.PrimaryKey, error) {
	const q = `
		SELECT key_type, public_key, private_key, created_at
		FROM primary_keys
		WHERE unique_mark = 0
	`
	var k model.PrimaryKey
	if err := r.db.QueryRowContext(ctx, q).Scan(&k.KeyType, &k.PublicKey, &k.PrivateKey, &k.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("scan primary key: %w", err)
	}
	return &k, nil
}
