/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package verifier

import (
	"context"
	"errors"

	"github.com/kentakayama/uptane-primary/internal/domain"
	"github.com/kentakayama/uptane-primary/internal/uptane"
)

// StoredFetcher serves metadata from the trusted store. Running an update
// against it re-verifies what was accepted earlier without touching the
// network, which is how downloads and installs recheck their targets.
type StoredFetcher struct {
	store Store
}

func NewStoredFetcher(store Store) *StoredFetcher {
	return &StoredFetcher{store: store}
}

func (f *StoredFetcher) FetchRole(ctx context.Context, repo uptane.RepositoryType, role uptane.Role, version uptane.Version, maxSize int64) ([]byte, error) {
	if ctx.Err() != nil {
		return nil, uptane.NewLocallyAborted(repo.String())
	}
	var (
		raw []byte
		err error
	)
	if role == uptane.RoleRoot {
		raw, err = f.store.LoadRoot(ctx, repo, version)
	} else {
		raw, err = f.store.LoadNonRoot(ctx, repo, role)
	}
	if errors.Is(err, domain.ErrNotFound) {
		return nil, uptane.NewMetadataFetchFailure(repo.String(), role.String())
	}
	if err != nil {
		return nil, err
	}
	if maxSize > 0 && int64(len(raw)) > maxSize {
		return nil, uptane.NewOversizedMetadata(repo.String(), role.String())
	}
	return raw, nil
}
