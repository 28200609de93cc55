/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package sqlite

import (
	"context"
	"errors"
	"testing"

	"github.com/kentakayama/uptane-primary/internal/domain"
	"github.com/kentakayama/uptane-primary/internal/domain/model"
	"github.com/kentakayama/uptane-primary/internal/uptane"
)

func TestMetadata_ApplyAndLoad(t *testing.T) {
	ctx := context.Background()
	db, err := InitDB(ctx, ":memory:")
	if err != nil {
		t.Fatalf("InitDB error: %v", err)
	}
	defer CloseDB(db)

	repo := NewMetadataRepository(db)

	if _, err := repo.LoadRoot(ctx, uptane.RepoDirector, uptane.AnyVersion); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	err = repo.Apply(ctx, &model.MetadataChanges{
		Repo: uptane.RepoDirector,
		Roots: []model.RootWrite{
			{Version: 1, Raw: []byte("root-1")},
			{Version: 2, Raw: []byte("root-2")},
		},
		NonRoot: []model.NonRootWrite{{Role: uptane.RoleTargets, Raw: []byte("targets")}},
	})
	if err != nil {
		t.Fatalf("Apply error: %v", err)
	}

	latest, err := repo.LoadRoot(ctx, uptane.RepoDirector, uptane.AnyVersion)
	if err != nil {
		t.Fatalf("LoadRoot error: %v", err)
	}
	if string(latest) != "root-2" {
		t.Fatalf("expected root-2, got %s", latest)
	}
	first, err := repo.LoadRoot(ctx, uptane.RepoDirector, 1)
	if err != nil || string(first) != "root-1" {
		t.Fatalf("expected root-1, got %s (%v)", first, err)
	}
	if _, err := repo.LoadRoot(ctx, uptane.RepoImage, uptane.AnyVersion); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("image repository must be independent, got %v", err)
	}

	targets, err := repo.LoadNonRoot(ctx, uptane.RepoDirector, uptane.RoleTargets)
	if err != nil || string(targets) != "targets" {
		t.Fatalf("expected targets, got %s (%v)", targets, err)
	}

	// rotation clears non-root metadata before new writes
	err = repo.Apply(ctx, &model.MetadataChanges{
		Repo:         uptane.RepoDirector,
		Roots:        []model.RootWrite{{Version: 3, Raw: []byte("root-3")}},
		ClearNonRoot: true,
	})
	if err != nil {
		t.Fatalf("Apply error: %v", err)
	}
	if _, err := repo.LoadNonRoot(ctx, uptane.RepoDirector, uptane.RoleTargets); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected targets to be cleared, got %v", err)
	}
}

func TestMetadata_DelegationRoleNames(t *testing.T) {
	ctx := context.Background()
	db, err := InitDB(ctx, ":memory:")
	if err != nil {
		t.Fatalf("InitDB error: %v", err)
	}
	defer CloseDB(db)

	repo := NewMetadataRepository(db)
	role, err := uptane.NewDelegation("Engine-Firmware")
	if err != nil {
		t.Fatalf("NewDelegation error: %v", err)
	}
	err = repo.Apply(ctx, &model.MetadataChanges{
		Repo:    uptane.RepoImage,
		NonRoot: []model.NonRootWrite{{Role: role, Raw: []byte("delegated")}},
	})
	if err != nil {
		t.Fatalf("Apply error: %v", err)
	}
	got, err := repo.LoadNonRoot(ctx, uptane.RepoImage, role)
	if err != nil || string(got) != "delegated" {
		t.Fatalf("expected delegated, got %s (%v)", got, err)
	}

	if err := repo.ClearMetadata(ctx); err != nil {
		t.Fatalf("ClearMetadata error: %v", err)
	}
	if _, err := repo.LoadNonRoot(ctx, uptane.RepoImage, role); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
