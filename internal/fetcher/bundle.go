/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package fetcher

import (
	"context"

	"github.com/kentakayama/uptane-primary/internal/uptane"
)

// BundleFetcher serves metadata out of a MetaBundle. The bundle holds the
// latest version of each role only, so a versioned request succeeds only
// when it names that version. A request for a Root older than the bundled
// one fails with a root rotation error.
type BundleFetcher struct {
	bundle uptane.MetaBundle
}

func NewBundleFetcher(bundle uptane.MetaBundle) *BundleFetcher {
	return &BundleFetcher{bundle: bundle}
}

func (f *BundleFetcher) FetchRole(ctx context.Context, repo uptane.RepositoryType, role uptane.Role, version uptane.Version, maxSize int64) ([]byte, error) {
	if ctx.Err() != nil {
		return nil, uptane.NewLocallyAborted(repo.String())
	}
	raw, ok := f.bundle.Get(repo, role)
	if !ok {
		return nil, uptane.NewMetadataFetchFailure(repo.String(), role.String())
	}
	if version != uptane.AnyVersion {
		have := uptane.ExtractVersionUntrusted(raw)
		if role == uptane.RoleRoot && have > int(version) {
			// the chain from the requested Root to the bundled one is missing
			return nil, uptane.NewRootRotationError(repo.String())
		}
		if have != int(version) {
			return nil, uptane.NewMetadataFetchFailure(repo.String(), role.String())
		}
	}
	if maxSize > 0 && int64(len(raw)) > maxSize {
		return nil, uptane.NewOversizedMetadata(repo.String(), role.String())
	}
	return raw, nil
}
