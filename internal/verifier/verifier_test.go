/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package verifier

import (
	"bytes"
	"context"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kentakayama/uptane-primary/internal/domain/model"
	"github.com/kentakayama/uptane-primary/internal/fetcher"
	"github.com/kentakayama/uptane-primary/internal/infra/httpclient"
	"github.com/kentakayama/uptane-primary/internal/repotest"
	"github.com/kentakayama/uptane-primary/internal/uptane"
)

const past = "2000-01-01T00:00:00Z"

type fixture struct {
	backend *repotest.Backend
	store   *MemoryStore
	fetcher *fetcher.HTTPFetcher
	opts    Options
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	b := repotest.NewBackend(t)
	return &fixture{
		backend: b,
		store:   NewMemoryStore(),
		fetcher: fetcher.NewHTTPFetcher(httpclient.New(httpclient.Config{}), b.DirectorURL(), b.ImageURL(), nil),
	}
}

func (f *fixture) director() (*DirectorUpdate, error) {
	return NewDirectorRepository(f.store, f.opts).Update(context.Background(), f.fetcher)
}

func (f *fixture) image() (*ImageUpdate, error) {
	return NewImageRepository(f.store, f.opts).Update(context.Background(), f.fetcher)
}

func requireAttack(t *testing.T, err error, kind error, attack uptane.Attack) {
	t.Helper()
	require.Error(t, err)
	assert.ErrorIs(t, err, kind)
	assert.Equal(t, attack, uptane.AttackOf(err), "error: %v", err)
}

func TestDirector_Update(t *testing.T) {
	f := newFixture(t)
	f.backend.Director.CorrelationID = "corr-1"
	f.backend.Offer("fw.bin", []byte("firmware"), "ecu1", "hw1")

	u, err := f.director()
	require.NoError(t, err)
	require.Len(t, u.Targets.Targets, 1)
	target := u.Targets.Targets[0]
	assert.Equal(t, "fw.bin", target.Filename)
	assert.Equal(t, uptane.HardwareID("hw1"), target.Ecus["ecu1"])
	assert.Equal(t, "corr-1", u.CorrelationID())

	raw, err := f.store.LoadNonRoot(context.Background(), uptane.RepoDirector, uptane.RoleTargets)
	require.NoError(t, err)
	assert.Equal(t, 2, uptane.ExtractVersionUntrusted(raw))
	_, err = f.store.LoadRoot(context.Background(), uptane.RepoDirector, 1)
	assert.NoError(t, err)
}

func TestRoot_Rotation(t *testing.T) {
	f := newFixture(t)
	_, err := f.director()
	require.NoError(t, err)

	f.backend.Director.RotateRoot()
	f.backend.Director.RotateRoot()
	u, err := f.director()
	require.NoError(t, err)
	assert.Equal(t, 3, u.Root.Version)

	raw, err := f.store.LoadRoot(context.Background(), uptane.RepoDirector, uptane.AnyVersion)
	require.NoError(t, err)
	assert.Equal(t, 3, uptane.ExtractVersionUntrusted(raw))
}

func TestRoot_IntermediateExpiryTolerated(t *testing.T) {
	f := newFixture(t)
	f.backend.Director.SetExpires(uptane.RoleNameRoot, past)
	f.backend.Director.RotateRoot()
	f.backend.Director.SetExpires(uptane.RoleNameRoot, repotest.DefaultExpires)
	f.backend.Director.RotateRoot()

	u, err := f.director()
	require.NoError(t, err)
	assert.Equal(t, 3, u.Root.Version)
}

func TestRoot_FinalExpiryRejected(t *testing.T) {
	f := newFixture(t)
	f.backend.Director.SetExpires(uptane.RoleNameRoot, past)
	f.backend.Director.RotateRoot()

	_, err := f.director()
	requireAttack(t, err, uptane.ErrExpiredMetadata, uptane.AttackRootExpired)
	assert.Zero(t, f.store.Applied())
}

func TestRoot_RollbackRejected(t *testing.T) {
	for _, claimed := range []int{0, 1} {
		f := newFixture(t)
		_, err := f.director()
		require.NoError(t, err)

		f.backend.Director.PutRootVersion(2, claimed)
		_, err = f.director()
		requireAttack(t, err, uptane.ErrRootRotation, uptane.AttackRootVersion)
	}
}

func TestRoot_CrossSignatureRequired(t *testing.T) {
	f := newFixture(t)
	_, err := f.director()
	require.NoError(t, err)

	// a Root signed only by keys the device does not trust yet
	other := repotest.NewDirector(t)
	f.backend.Director.Put("2.root.json", other.SignWith(uptane.RoleNameRoot, other.RootBody(2), 1))
	_, err = f.director()
	requireAttack(t, err, uptane.ErrUnmetThreshold, uptane.AttackRootThreshold)
}

func TestRoot_Oversized(t *testing.T) {
	f := newFixture(t)
	_, err := f.director()
	require.NoError(t, err)

	f.backend.Director.Put("2.root.json", bytes.Repeat([]byte("a"), int(uptane.MaxRootSize)+1))
	_, err = f.director()
	requireAttack(t, err, uptane.ErrOversizedMetadata, uptane.AttackRootLarge)
}

func TestTargets_ThresholdIsHardFloor(t *testing.T) {
	repo := repotest.NewRepo(t, uptane.RepoDirector, 2)
	repo.AssignImage("fw.bin", []byte("fw"), "ecu1", "hw1")
	repo.Publish()
	srv := httptest.NewServer(repo.Handler())
	defer srv.Close()
	fetch := fetcher.NewHTTPFetcher(httpclient.New(httpclient.Config{}), srv.URL, srv.URL, nil)

	_, err := NewDirectorRepository(NewMemoryStore(), Options{}).Update(context.Background(), fetch)
	require.NoError(t, err)

	repo.Put("targets.json", repo.SignWith(uptane.RoleNameTargets, repo.TargetsBody(2), 1))
	_, err = NewDirectorRepository(NewMemoryStore(), Options{}).Update(context.Background(), fetch)
	requireAttack(t, err, uptane.ErrUnmetThreshold, uptane.AttackTargetsThreshold)

	// the same metadata passes when signature checks are disabled
	_, err = NewDirectorRepository(NewMemoryStore(), Options{Verification: VerifyHashOnly}).Update(context.Background(), fetch)
	assert.NoError(t, err)
}

func TestTargets_Expired(t *testing.T) {
	f := newFixture(t)
	f.backend.Director.SetExpires(uptane.RoleNameTargets, past)
	f.backend.Director.Publish()
	_, err := f.director()
	requireAttack(t, err, uptane.ErrExpiredMetadata, uptane.AttackTargetsExpired)

	f.backend.Image.SetExpires(uptane.RoleNameTimestamp, past)
	f.backend.Image.Publish()
	_, err = f.image()
	requireAttack(t, err, uptane.ErrExpiredMetadata, uptane.AttackTargetsExpired)
}

func TestTargets_Oversized(t *testing.T) {
	f := newFixture(t)
	f.backend.Director.Put("targets.json", bytes.Repeat([]byte(" "), int(uptane.MaxDirectorTargetsSize)+1))
	_, err := f.director()
	requireAttack(t, err, uptane.ErrOversizedMetadata, uptane.AttackTargetsLarge)
}

func TestTargets_Rollback(t *testing.T) {
	f := newFixture(t)
	_, err := f.director()
	require.NoError(t, err)
	_, err = f.image()
	require.NoError(t, err)

	oldDirector := f.backend.Director.Files()
	oldImage := f.backend.Image.Files()
	f.backend.Offer("fw.bin", []byte("firmware"), "ecu1", "hw1")
	_, err = f.director()
	require.NoError(t, err)
	_, err = f.image()
	require.NoError(t, err)

	f.backend.Director.Restore(oldDirector)
	_, err = f.director()
	requireAttack(t, err, uptane.ErrRollback, uptane.AttackTargetsVersion)

	f.backend.Image.Restore(oldImage)
	_, err = f.image()
	requireAttack(t, err, uptane.ErrRollback, uptane.AttackTargetsVersion)
}

func TestDirector_KeepsPreviousTargets(t *testing.T) {
	f := newFixture(t)
	f.backend.Offer("fw.bin", []byte("firmware"), "ecu1", "hw1")
	_, err := f.director()
	require.NoError(t, err)

	f.backend.Director.ClearTargets()
	f.backend.Director.Publish()
	u, err := f.director()
	require.NoError(t, err)
	assert.True(t, u.UsedPrevious)
	require.Len(t, u.Targets.Targets, 1)
	assert.Empty(t, u.Latest.Targets)

	raw, err := f.store.LoadNonRoot(context.Background(), uptane.RepoDirector, uptane.RoleTargets)
	require.NoError(t, err)
	assert.Equal(t, 2, uptane.ExtractVersionUntrusted(raw))
}

func TestDirector_RepeatedEcuRejected(t *testing.T) {
	f := newFixture(t)
	f.backend.Director.AssignImage("a.bin", []byte("a"), "ecu1", "hw1")
	f.backend.Director.AssignImage("b.bin", []byte("b"), "ecu1", "hw1")
	f.backend.Director.Publish()

	_, err := f.director()
	requireAttack(t, err, uptane.ErrInvalidMetadata, uptane.AttackTargetsThreshold)
}

func TestCheckInventory(t *testing.T) {
	target := uptane.Target{Filename: "fw.bin", Ecus: map[uptane.EcuSerial]uptane.HardwareID{"ecu1": "hw1"}}
	ecus := []model.Ecu{{Serial: "ecu1", HardwareID: "hw1", IsPrimary: true}}

	assert.NoError(t, CheckInventory([]uptane.Target{target}, ecus))
	assert.ErrorIs(t, CheckInventory([]uptane.Target{target}, []model.Ecu{{Serial: "ecu2", HardwareID: "hw1"}}), uptane.ErrBadEcuID)
	assert.ErrorIs(t, CheckInventory([]uptane.Target{target}, []model.Ecu{{Serial: "ecu1", HardwareID: "hw2"}}), uptane.ErrBadHardwareID)
}

func TestParseVerificationType(t *testing.T) {
	v, err := ParseVerificationType("")
	require.NoError(t, err)
	assert.Equal(t, VerifyFull, v)
	v, err = ParseVerificationType("hash-only")
	require.NoError(t, err)
	assert.Equal(t, VerifyHashOnly, v)
	_, err = ParseVerificationType("none")
	assert.Error(t, err)
}

func TestStoredFetcher_RechecksTrustedMetadata(t *testing.T) {
	f := newFixture(t)
	f.backend.Offer("fw.bin", []byte("firmware"), "ecu1", "hw1")
	_, err := f.director()
	require.NoError(t, err)
	_, err = f.image()
	require.NoError(t, err)
	applied := f.store.Applied()

	stored := NewStoredFetcher(f.store)
	ctx := context.Background()
	du, err := NewDirectorRepository(f.store, f.opts).Update(ctx, stored)
	require.NoError(t, err)
	require.Len(t, du.Targets.Targets, 1)
	iu, err := NewImageRepository(f.store, f.opts).Update(ctx, stored)
	require.NoError(t, err)
	_, err = iu.VerifyTarget(ctx, du.Targets.Targets[0])
	require.NoError(t, err)
	assert.Equal(t, applied, f.store.Applied())

	_, err = stored.FetchRole(ctx, uptane.RepoDirector, uptane.RoleSnapshot, uptane.AnyVersion, 0)
	assert.ErrorIs(t, err, uptane.ErrMetadataFetchFailure)
}
