/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package verifier

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/kentakayama/uptane-primary/internal/domain"
	"github.com/kentakayama/uptane-primary/internal/domain/model"
	"github.com/kentakayama/uptane-primary/internal/fetcher"
	"github.com/kentakayama/uptane-primary/internal/uptane"
)

// BundleResult is a fully verified MetaBundle.
type BundleResult struct {
	Director *DirectorUpdate
	Image    *ImageUpdate
	// Targets are the Director targets reconciled with the Image
	// repository.
	Targets []uptane.Target
}

// VerifyBundle verifies both repositories of bundle starting from the
// trusted Root of each repository, without touching persistent state.
func VerifyBundle(ctx context.Context, trusted map[uptane.RepositoryType][]byte, bundle uptane.MetaBundle, opts Options) (*BundleResult, error) {
	store := NewMemoryStore()
	for repo, raw := range trusted {
		root, _, err := uptane.ParseRoot(repo, raw)
		if err != nil {
			return nil, classify(err, stageRoot)
		}
		if candidate, ok := bundle.Get(repo, uptane.RoleRoot); ok && uptane.ExtractVersionUntrusted(candidate) < root.Version {
			return nil, uptane.NewRollbackError(repo.String(), uptane.RoleNameRoot).WithAttack(uptane.AttackRootVersion)
		}
		err = store.Apply(ctx, &model.MetadataChanges{Repo: repo, Roots: []model.RootWrite{{Version: root.Version, Raw: raw}}})
		if err != nil {
			return nil, err
		}
	}

	f := fetcher.NewBundleFetcher(bundle)
	director, err := NewDirectorRepository(store, opts).Update(ctx, f)
	if err != nil {
		return nil, err
	}
	image, err := NewImageRepository(store, opts).Update(ctx, f)
	if err != nil {
		return nil, err
	}
	res := &BundleResult{Director: director, Image: image}
	for _, t := range director.Targets.Targets {
		verified, err := image.VerifyTarget(ctx, t)
		if err != nil {
			return nil, err
		}
		res.Targets = append(res.Targets, verified)
	}
	return res, nil
}

// ExportBundle collects the trusted metadata of both repositories from
// store: the latest Roots, the Director Targets, the Image Timestamp,
// Snapshot and Targets and every stored delegation the Snapshot lists.
func ExportBundle(ctx context.Context, store Store) (uptane.MetaBundle, error) {
	bundle := uptane.MetaBundle{}
	required := map[uptane.RepositoryType][]uptane.Role{
		uptane.RepoDirector: {uptane.RoleTargets},
		uptane.RepoImage:    {uptane.RoleTimestamp, uptane.RoleSnapshot, uptane.RoleTargets},
	}
	for repo, roles := range required {
		raw, err := store.LoadRoot(ctx, repo, uptane.AnyVersion)
		if err != nil {
			return nil, fmt.Errorf("load %s root: %w", repo, err)
		}
		bundle.Put(repo, uptane.RoleRoot, raw)
		for _, role := range roles {
			raw, err := store.LoadNonRoot(ctx, repo, role)
			if err != nil {
				return nil, fmt.Errorf("load %s %s: %w", repo, role, err)
			}
			bundle.Put(repo, role, raw)
		}
	}

	raw, _ := bundle.Get(uptane.RepoImage, uptane.RoleSnapshot)
	m, err := uptane.ParseSignedMetadata(uptane.RepoImage, uptane.RoleSnapshot, raw)
	if err != nil {
		return nil, err
	}
	snapshot, err := uptane.ParseSnapshot(uptane.RepoImage, uptane.RoleSnapshot, m)
	if err != nil {
		return nil, err
	}
	for _, name := range snapshot.RoleNames() {
		if uptane.IsReservedRole(name) {
			continue
		}
		role, err := uptane.NewDelegation(name)
		if err != nil {
			return nil, err
		}
		raw, err := store.LoadNonRoot(ctx, uptane.RepoImage, role)
		if errors.Is(err, domain.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("load delegation %s: %w", role, err)
		}
		bundle.Put(uptane.RepoImage, role, raw)
	}
	return bundle, nil
}

// MemoryStore is an in-memory Store.
type MemoryStore struct {
	mu      sync.Mutex
	roots   map[uptane.RepositoryType]map[int][]byte
	nonRoot map[uptane.RepositoryType]map[uptane.Role][]byte
	applied int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		roots:   map[uptane.RepositoryType]map[int][]byte{},
		nonRoot: map[uptane.RepositoryType]map[uptane.Role][]byte{},
	}
}

func (m *MemoryStore) LoadRoot(ctx context.Context, repo uptane.RepositoryType, version uptane.Version) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	versions := m.roots[repo]
	if len(versions) == 0 {
		return nil, domain.ErrNotFound
	}
	if version == uptane.AnyVersion {
		version = uptane.Version(slices.Max(slices.Collect(maps.Keys(versions))))
	}
	raw, ok := versions[int(version)]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return raw, nil
}

func (m *MemoryStore) LoadNonRoot(ctx context.Context, repo uptane.RepositoryType, role uptane.Role) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	raw, ok := m.nonRoot[repo][role]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return raw, nil
}

func (m *MemoryStore) Apply(ctx context.Context, changes *model.MetadataChanges) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.roots[changes.Repo] == nil {
		m.roots[changes.Repo] = map[int][]byte{}
	}
	for _, r := range changes.Roots {
		m.roots[changes.Repo][r.Version] = r.Raw
	}
	if changes.ClearNonRoot || m.nonRoot[changes.Repo] == nil {
		m.nonRoot[changes.Repo] = map[uptane.Role][]byte{}
	}
	for _, w := range changes.NonRoot {
		m.nonRoot[changes.Repo][w.Role] = w.Raw
	}
	m.applied++
	return nil
}

// Applied counts the committed change sets.
func (m *MemoryStore) Applied() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.applied
}
