/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package verifier

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kentakayama/uptane-primary/internal/domain"
	"github.com/kentakayama/uptane-primary/internal/domain/model"
	"github.com/kentakayama/uptane-primary/internal/fetcher"
	"github.com/kentakayama/uptane-primary/internal/repotest"
	"github.com/kentakayama/uptane-primary/internal/uptane"
)

func TestImage_ReconcileDirectorTargets(t *testing.T) {
	f := newFixture(t)
	f.backend.Image.AddImageCustom("fw.bin", []byte("firmware"), map[string]any{
		"hardwareIds": []string{"hw1"},
		"uri":         "https://cdn.example.com/fw.bin",
		"version":     "1.2",
	})
	f.backend.Image.Publish()
	f.backend.Director.AssignImage("fw.bin", []byte("firmware"), "ecu1", "hw1")
	f.backend.Director.Publish()

	d, err := f.director()
	require.NoError(t, err)
	img, err := f.image()
	require.NoError(t, err)

	got, err := img.VerifyTarget(context.Background(), d.Targets.Targets[0])
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example.com/fw.bin", got.URI)
	assert.Equal(t, "1.2", got.Custom["version"])
	assert.NotContains(t, got.Custom, "uri")
	assert.Contains(t, got.Custom, "ecuIdentifiers")
}

func TestImage_MismatchIsAlwaysAnAttack(t *testing.T) {
	tests := []struct {
		name     string
		director []byte
		image    []byte
		attack   uptane.Attack
	}{
		{name: "hash", director: []byte("firmware-b"), image: []byte("firmware-a"), attack: uptane.AttackImageHash},
		{name: "length", director: []byte("firmware-long"), image: []byte("firmware"), attack: uptane.AttackImageLarge},
		{name: "missing", director: []byte("firmware"), image: nil, attack: uptane.AttackImageHash},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			if tt.image != nil {
				f.backend.Image.AddImage("fw.bin", tt.image, "hw1")
				f.backend.Image.Publish()
			}
			f.backend.Director.AssignImage("fw.bin", tt.director, "ecu1", "hw1")
			f.backend.Director.Publish()

			d, err := f.director()
			require.NoError(t, err)
			img, err := f.image()
			require.NoError(t, err)
			_, err = img.VerifyTarget(context.Background(), d.Targets.Targets[0])
			requireAttack(t, err, uptane.ErrTargetMismatch, tt.attack)
		})
	}
}

func TestImage_SnapshotHashMismatch(t *testing.T) {
	f := newFixture(t)
	f.backend.Image.Publish()
	good := f.backend.Image.Files()
	f.backend.Image.Publish()
	// timestamp of the second publication, snapshot of the first
	f.backend.Image.Put("snapshot.json", good["snapshot.json"])

	_, err := f.image()
	requireAttack(t, err, uptane.ErrMetadataHashMismatch, uptane.AttackTargetsVersion)
}

func TestImage_ReusesStoredMetadata(t *testing.T) {
	f := newFixture(t)
	_, err := f.image()
	require.NoError(t, err)
	applied := f.store.Applied()

	_, err = f.image()
	require.NoError(t, err)
	assert.Equal(t, applied, f.store.Applied(), "nothing new to persist")

	f.backend.Image.Delete("snapshot.json")
	f.backend.Image.Delete("targets.json")
	_, err = f.image()
	assert.NoError(t, err)
}

func TestImage_Delegations(t *testing.T) {
	f := newFixture(t)
	f.backend.Image.AddDelegation("apps", []string{"apps/*"}, true)
	f.backend.Image.AddDelegatedImage("apps", "apps/nested/a.bin", []byte("app"), "hw1")
	f.backend.Image.Publish()

	img, err := f.image()
	require.NoError(t, err)

	got, found, err := img.FindTarget(context.Background(), "apps/nested/a.bin")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []uptane.HardwareID{"hw1"}, got.HardwareIDs)

	_, found, err = img.FindTarget(context.Background(), "other.bin")
	require.NoError(t, err)
	assert.False(t, found)

	stored, err := f.store.LoadNonRoot(context.Background(), uptane.RepoImage, mustDelegation(t, "apps"))
	require.NoError(t, err)
	assert.NotEmpty(t, stored)
}

func TestImage_DelegationOutsidePaths(t *testing.T) {
	f := newFixture(t)
	f.backend.Image.AddDelegation("apps", []string{"apps/*"}, false)
	f.backend.Image.AddDelegatedImage("apps", "apps/a.bin", []byte("app"), "hw1")
	f.backend.Image.AddDelegatedImage("apps", "system/boot.bin", []byte("evil"), "hw1")
	f.backend.Image.Publish()

	img, err := f.image()
	require.NoError(t, err)
	_, _, err = img.FindTarget(context.Background(), "apps/a.bin")
	requireAttack(t, err, uptane.ErrSecurity, uptane.AttackTargetsThreshold)
}

func TestImage_ExpiredDelegationSkipped(t *testing.T) {
	f := newFixture(t)
	f.backend.Image.AddDelegation("apps", []string{"apps/*"}, false)
	f.backend.Image.AddDelegatedImage("apps", "apps/a.bin", []byte("app"), "hw1")
	f.backend.Image.SetExpires("apps", past)
	f.backend.Image.Publish()

	img, err := f.image()
	require.NoError(t, err)
	_, found, err := img.FindTarget(context.Background(), "apps/a.bin")
	require.NoError(t, err)
	assert.False(t, found)

	_, err = f.store.LoadNonRoot(context.Background(), uptane.RepoImage, mustDelegation(t, "apps"))
	assert.ErrorIs(t, err, domain.ErrNotFound, "expired delegations are not persisted")
}

func TestImage_DelegationHashMismatch(t *testing.T) {
	f := newFixture(t)
	f.backend.Image.AddDelegation("apps", []string{"apps/*"}, false)
	f.backend.Image.AddDelegatedImage("apps", "apps/a.bin", []byte("app"), "hw1")
	f.backend.Image.Publish()
	stale := f.backend.Image.File("delegations/apps.json")
	f.backend.Image.AddDelegatedImage("apps", "apps/b.bin", []byte("app2"), "hw1")
	f.backend.Image.Publish()
	f.backend.Image.Put("delegations/apps.json", stale)

	img, err := f.image()
	require.NoError(t, err)
	_, _, err = img.FindTarget(context.Background(), "apps/a.bin")
	requireAttack(t, err, uptane.ErrDelegationHashMismatch, uptane.AttackTargetsVersion)
}

func TestImage_SnapshotRollback(t *testing.T) {
	f := newFixture(t)
	f.backend.Image.Publish()
	old := f.backend.Image.File("snapshot.json")
	f.backend.Image.Publish()
	_, err := f.image()
	require.NoError(t, err)
	applied := f.store.Applied()

	f.backend.Image.PublishTimestamp(old)
	_, err = f.image()
	requireAttack(t, err, uptane.ErrRollback, uptane.AttackTargetsVersion)
	assert.Equal(t, applied, f.store.Applied(), "nothing persisted")
}

func TestImage_DelegationMissingFromSnapshot(t *testing.T) {
	f := newFixture(t)
	f.backend.Image.AddDelegation("apps", []string{"apps/*"}, false)
	f.backend.Image.AddDelegatedImage("apps", "apps/a.bin", []byte("app"), "hw1")
	f.backend.Image.Publish()
	stale := f.backend.Image.File("delegations/apps.json")
	f.backend.Image.AddDelegatedImage("apps", "apps/b.bin", []byte("app2"), "hw1")
	f.backend.Image.UnlistDelegation("apps")
	f.backend.Image.Publish()
	f.backend.Image.Put("delegations/apps.json", stale)

	img, err := f.image()
	require.NoError(t, err)
	_, found, err := img.FindTarget(context.Background(), "apps/a.bin")
	requireAttack(t, err, uptane.ErrDelegationMissing, uptane.AttackTargetsThreshold)
	assert.False(t, found)

	_, err = f.store.LoadNonRoot(context.Background(), uptane.RepoImage, mustDelegation(t, "apps"))
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestImage_FailedLookupPersistsNoDelegation(t *testing.T) {
	f := newFixture(t)
	f.backend.Image.AddDelegation("apps", []string{"apps/*"}, false)
	f.backend.Image.AddDelegatedImage("apps", "apps/a.bin", []byte("app"), "hw1")
	f.backend.Image.AddDelegation("rogue", []string{"apps/*"}, false)
	f.backend.Image.AddDelegatedImage("rogue", "system/boot.bin", []byte("evil"), "hw1")
	f.backend.Image.Publish()

	img, err := f.image()
	require.NoError(t, err)
	applied := f.store.Applied()

	// apps verifies but does not list the file, rogue is rejected
	_, _, err = img.FindTarget(context.Background(), "apps/other.bin")
	requireAttack(t, err, uptane.ErrSecurity, uptane.AttackTargetsThreshold)
	assert.Equal(t, applied, f.store.Applied())
	_, err = f.store.LoadNonRoot(context.Background(), uptane.RepoImage, mustDelegation(t, "apps"))
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, found, err := img.FindTarget(context.Background(), "apps/a.bin")
	require.NoError(t, err)
	assert.True(t, found)
	_, err = f.store.LoadNonRoot(context.Background(), uptane.RepoImage, mustDelegation(t, "apps"))
	assert.NoError(t, err)
}

func mustDelegation(t *testing.T, name string) uptane.Role {
	t.Helper()
	r, err := uptane.NewDelegation(name)
	require.NoError(t, err)
	return r
}

func TestDirector_OfflineUpdate(t *testing.T) {
	dir := t.TempDir()
	director := repotest.NewDirector(t)
	image := repotest.NewImageRepo(t)
	director.AddImage("fw.bin", []byte("firmware"), "hw1")
	director.PublishOffline("update-1")
	image.AddImage("fw.bin", []byte("firmware"), "hw1")
	image.Publish()
	director.WriteDir(dir)
	image.WriteDir(dir)

	inventory := []model.Ecu{
		{Serial: "primary", HardwareID: "hw1", IsPrimary: true},
		{Serial: "secondary", HardwareID: "hw2"},
	}
	store := NewMemoryStore()
	src := fetcher.NewDirFetcher(dir)
	u, err := NewDirectorRepository(store, Options{}).UpdateOffline(context.Background(), src, inventory)
	require.NoError(t, err)
	require.Len(t, u.Targets.Targets, 1)
	if diff := cmp.Diff(map[uptane.EcuSerial]uptane.HardwareID{"primary": "hw1"}, u.Targets.Targets[0].Ecus); diff != "" {
		t.Errorf("ECU assignment mismatch (-want +got):\n%s", diff)
	}

	img, err := NewImageRepository(store, Options{}).Update(context.Background(), src)
	require.NoError(t, err)
	_, err = img.VerifyTarget(context.Background(), u.Targets.Targets[0])
	assert.NoError(t, err)
}

func TestDirector_OfflineVersionMismatch(t *testing.T) {
	dir := t.TempDir()
	director := repotest.NewDirector(t)
	director.AddImage("fw.bin", []byte("firmware"), "hw1")
	director.PublishOffline("update-1")
	first := director.File("update-1.json")
	director.PublishOffline("update-1")
	director.Put("update-1.json", first)
	director.WriteDir(dir)

	_, err := NewDirectorRepository(NewMemoryStore(), Options{}).UpdateOffline(context.Background(), fetcher.NewDirFetcher(dir), nil)
	requireAttack(t, err, uptane.ErrVersionMismatch, uptane.AttackTargetsVersion)
}

func TestDirector_OfflineSnapshotRollback(t *testing.T) {
	director := repotest.NewDirector(t)
	director.AddImage("fw.bin", []byte("firmware"), "hw1")
	director.PublishOffline("update-1")
	oldDir := t.TempDir()
	director.WriteDir(oldDir)
	director.PublishOffline("update-1")
	newDir := t.TempDir()
	director.WriteDir(newDir)

	store := NewMemoryStore()
	repo := NewDirectorRepository(store, Options{})
	_, err := repo.UpdateOffline(context.Background(), fetcher.NewDirFetcher(newDir), nil)
	require.NoError(t, err)
	_, err = repo.UpdateOffline(context.Background(), fetcher.NewDirFetcher(oldDir), nil)
	requireAttack(t, err, uptane.ErrRollback, uptane.AttackTargetsVersion)
}
