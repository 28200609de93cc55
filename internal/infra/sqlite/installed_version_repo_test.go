/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package sqlite

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kentakayama/uptane-primary/internal/domain/model"
	"github.com/kentakayama/uptane-primary/internal/uptane"
)

func testTarget(name, sha string) uptane.Target {
	return uptane.Target{
		Filename:      name,
		Length:        42,
		Hashes:        []uptane.Hash{uptane.NewHash(uptane.HashSHA256, sha)},
		Ecus:          map[uptane.EcuSerial]uptane.HardwareID{"primary": "board"},
		CorrelationID: "corr-" + name,
	}
}

func TestInstalledVersion_PendingThenCurrent(t *testing.T) {
	ctx := context.Background()
	db, err := InitDB(ctx, ":memory:")
	require.NoError(t, err)
	defer CloseDB(db)

	repo := NewInstalledVersionRepository(db)
	v1 := testTarget("fw-1", "aa")
	v2 := testTarget("fw-2", "bb")

	require.NoError(t, repo.SaveInstalledVersion(ctx, "primary", v1, model.InstalledCurrent))
	require.NoError(t, repo.SaveInstalledVersion(ctx, "primary", v2, model.InstalledNone))
	require.NoError(t, repo.SaveInstalledVersion(ctx, "primary", v2, model.InstalledPending))

	got, err := repo.LoadInstalledVersions(ctx, "primary")
	require.NoError(t, err)
	require.NotNil(t, got.Current)
	require.NotNil(t, got.Pending)
	assert.Equal(t, "fw-1", got.Current.Filename)
	assert.Equal(t, "fw-2", got.Pending.Filename)
	assert.Equal(t, "corr-fw-2", got.Pending.CorrelationID)

	pending, err := repo.LoadPendingEcus(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, uptane.EcuSerial("primary"), pending[0].Serial)

	require.NoError(t, repo.SaveInstalledVersion(ctx, "primary", v2, model.InstalledCurrent))
	got, err = repo.LoadInstalledVersions(ctx, "primary")
	require.NoError(t, err)
	require.NotNil(t, got.Current)
	assert.Equal(t, "fw-2", got.Current.Filename)
	assert.Nil(t, got.Pending)

	log, err := repo.LoadInstallationLog(ctx, "primary")
	require.NoError(t, err)
	require.Len(t, log, 2)
	assert.Equal(t, "fw-1", log[0].Filename)
	assert.Equal(t, "fw-2", log[1].Filename)
}

func TestInstalledVersion_FailedFinalizeClearsPending(t *testing.T) {
	ctx := context.Background()
	db, err := InitDB(ctx, ":memory:")
	require.NoError(t, err)
	defer CloseDB(db)

	repo := NewInstalledVersionRepository(db)
	v1 := testTarget("fw-1", "aa")
	v2 := testTarget("fw-2", "bb")
	require.NoError(t, repo.SaveInstalledVersion(ctx, "primary", v1, model.InstalledCurrent))
	require.NoError(t, repo.SaveInstalledVersion(ctx, "primary", v2, model.InstalledPending))
	require.NoError(t, repo.SaveInstalledVersion(ctx, "primary", v2, model.InstalledNone))

	got, err := repo.LoadInstalledVersions(ctx, "primary")
	require.NoError(t, err)
	require.NotNil(t, got.Current)
	assert.Equal(t, "fw-1", got.Current.Filename)
	assert.Nil(t, got.Pending)

	pending, err := repo.LoadPendingEcus(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}
