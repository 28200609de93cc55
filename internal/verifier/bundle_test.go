/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package verifier

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kentakayama/uptane-primary/internal/repotest"
	"github.com/kentakayama/uptane-primary/internal/uptane"
)

func bundleOf(director, image *repotest.Repo) uptane.MetaBundle {
	b := uptane.MetaBundle{}
	b.Put(uptane.RepoDirector, uptane.RoleRoot, director.File("root.json"))
	b.Put(uptane.RepoDirector, uptane.RoleTargets, director.File("targets.json"))
	for _, role := range []uptane.Role{uptane.RoleRoot, uptane.RoleTimestamp, uptane.RoleSnapshot, uptane.RoleTargets} {
		b.Put(uptane.RepoImage, role, image.File(role.String()+".json"))
	}
	return b
}

func TestVerifyBundle(t *testing.T) {
	director := repotest.NewDirector(t)
	image := repotest.NewImageRepo(t)
	trusted := map[uptane.RepositoryType][]byte{
		uptane.RepoDirector: director.File("1.root.json"),
		uptane.RepoImage:    image.File("1.root.json"),
	}
	image.AddImage("fw.bin", []byte("firmware"), "hw1")
	image.Publish()
	director.AssignImage("fw.bin", []byte("firmware"), "ecu1", "hw1")
	director.Publish()
	director.RotateRoot()

	res, err := VerifyBundle(context.Background(), trusted, bundleOf(director, image), Options{})
	require.NoError(t, err)
	require.Len(t, res.Targets, 1)
	assert.Equal(t, "fw.bin", res.Targets[0].Filename)
	assert.Equal(t, 2, res.Director.Root.Version)
}

func TestVerifyBundle_RootRollback(t *testing.T) {
	director := repotest.NewDirector(t)
	image := repotest.NewImageRepo(t)
	image.Publish()
	director.Publish()
	stale := bundleOf(director, image)
	director.RotateRoot()

	trusted := map[uptane.RepositoryType][]byte{
		uptane.RepoDirector: director.File("2.root.json"),
		uptane.RepoImage:    image.File("1.root.json"),
	}
	_, err := VerifyBundle(context.Background(), trusted, stale, Options{})
	requireAttack(t, err, uptane.ErrRollback, uptane.AttackRootVersion)
}

func TestVerifyBundle_TamperedTargets(t *testing.T) {
	director := repotest.NewDirector(t)
	image := repotest.NewImageRepo(t)
	image.Publish()
	director.Publish()
	trusted := map[uptane.RepositoryType][]byte{
		uptane.RepoDirector: director.File("1.root.json"),
		uptane.RepoImage:    image.File("1.root.json"),
	}
	b := bundleOf(director, image)
	other := repotest.NewDirector(t)
	other.Publish()
	b.Put(uptane.RepoDirector, uptane.RoleTargets, other.File("targets.json"))

	_, err := VerifyBundle(context.Background(), trusted, b, Options{})
	requireAttack(t, err, uptane.ErrUnmetThreshold, uptane.AttackTargetsThreshold)
}

func TestVerifyBundle_NonSequentialRoot(t *testing.T) {
	director := repotest.NewDirector(t)
	image := repotest.NewImageRepo(t)
	image.Publish()
	director.Publish()
	trusted := map[uptane.RepositoryType][]byte{
		uptane.RepoDirector: director.File("1.root.json"),
		uptane.RepoImage:    image.File("1.root.json"),
	}
	director.RotateRoot()
	director.RotateRoot()

	res, err := VerifyBundle(context.Background(), trusted, bundleOf(director, image), Options{})
	requireAttack(t, err, uptane.ErrRootRotation, uptane.AttackRootVersion)
	assert.Nil(t, res)
}

func TestExportBundle(t *testing.T) {
	f := newFixture(t)
	f.backend.Image.AddDelegation("apps", []string{"apps/*"}, false)
	f.backend.Image.AddDelegatedImage("apps", "apps/a.bin", []byte("app"), "hw1")
	f.backend.Image.Publish()
	f.backend.Director.AssignImage("apps/a.bin", []byte("app"), "ecu1", "hw1")
	f.backend.Director.Publish()

	_, err := ExportBundle(context.Background(), f.store)
	assert.Error(t, err, "nothing trusted yet")

	_, err = f.director()
	require.NoError(t, err)
	img, err := f.image()
	require.NoError(t, err)
	_, found, err := img.FindTarget(context.Background(), "apps/a.bin")
	require.NoError(t, err)
	require.True(t, found)

	bundle, err := ExportBundle(context.Background(), f.store)
	require.NoError(t, err)
	assert.Len(t, bundle, 7)
	_, ok := bundle.Get(uptane.RepoImage, mustDelegation(t, "apps"))
	assert.True(t, ok)

	raw, err := bundle.MarshalCBOR()
	require.NoError(t, err)
	var decoded uptane.MetaBundle
	require.NoError(t, decoded.UnmarshalCBOR(raw))

	trusted := map[uptane.RepositoryType][]byte{}
	for _, repo := range []uptane.RepositoryType{uptane.RepoDirector, uptane.RepoImage} {
		trusted[repo], _ = decoded.Get(repo, uptane.RoleRoot)
	}
	res, err := VerifyBundle(context.Background(), trusted, decoded, Options{})
	require.NoError(t, err)
	require.Len(t, res.Targets, 1)
	assert.Equal(t, "apps/a.bin", res.Targets[0].Filename)
}
