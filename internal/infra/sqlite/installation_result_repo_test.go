/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kentakayama/uptane-primary/internal/domain"
	"github.com/kentakayama/uptane-primary/internal/domain/model"
	"github.com/kentakayama/uptane-primary/internal/uptane"
)

func TestInstallationResult_SaveLoadClear(t *testing.T) {
	ctx := context.Background()
	db, err := InitDB(ctx, ":memory:")
	require.NoError(t, err)
	defer CloseDB(db)

	repo := NewInstallationResultRepository(db)
	custom := uptane.NewCustomResultCode(uptane.ResultInstallFailed, "FLASH_ERROR")
	require.NoError(t, repo.SaveEcuResult(ctx, "primary", uptane.NewInstallationResult(custom, "flash failed")))

	ecus, err := repo.LoadEcuResults(ctx)
	require.NoError(t, err)
	require.Len(t, ecus, 1)
	assert.True(t, ecus[0].Result.Code.Equal(custom))
	assert.False(t, ecus[0].Result.Success)

	_, err = repo.LoadDeviceResult(ctx)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	dev := &model.DeviceInstallationResult{
		Result:        uptane.NewInstallationResult(uptane.NewResultCode(uptane.ResultOK), "done"),
		RawReport:     "Installation succesful",
		CorrelationID: "corr-1",
	}
	require.NoError(t, repo.SaveDeviceResult(ctx, dev))
	require.NoError(t, repo.SaveRawReport(ctx, "custom raw"))
	got, err := repo.LoadDeviceResult(ctx)
	require.NoError(t, err)
	assert.True(t, got.Result.Success)
	assert.Equal(t, "custom raw", got.RawReport)
	assert.Equal(t, "corr-1", got.CorrelationID)

	require.NoError(t, repo.Clear(ctx))
	_, err = repo.LoadDeviceResult(ctx)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	ecus, err = repo.LoadEcuResults(ctx)
	require.NoError(t, err)
	assert.Empty(t, ecus)
}

func TestReportEvents_Batching(t *testing.T) {
	ctx := context.Background()
	db, err := InitDB(ctx, ":memory:")
	require.NoError(t, err)
	defer CloseDB(db)

	repo := NewReportEventRepository(db)
	var ids []int64
	for i := 0; i < 5; i++ {
		id, err := repo.Create(ctx, &model.ReportEvent{
			EventID:    "ev",
			Type:       "EcuDownloadStarted",
			Version:    0,
			DeviceTime: time.Now().UTC().Truncate(time.Second),
			Payload:    []byte{0xa0},
		})
		require.NoError(t, err)
		ids = append(ids, id)
	}

	batch, err := repo.ListOldest(ctx, 3)
	require.NoError(t, err)
	require.Len(t, batch, 3)
	assert.Equal(t, ids[0], batch[0].ID)

	require.NoError(t, repo.DeleteUpTo(ctx, batch[2].ID))
	rest, err := repo.ListOldest(ctx, 10)
	require.NoError(t, err)
	require.Len(t, rest, 2)
	assert.Equal(t, ids[3], rest[0].ID)
}

func TestDeviceInfo_Increment(t *testing.T) {
	ctx := context.Background()
	db, err := InitDB(ctx, ":memory:")
	require.NoError(t, err)
	defer CloseDB(db)

	repo := NewDeviceInfoRepository(db)
	_, err = repo.Get(ctx, "report_counter")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	n, err := repo.Increment(ctx, "report_counter")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	n, err = repo.Increment(ctx, "report_counter")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	require.NoError(t, repo.Set(ctx, "hwinfo_hash", "abc"))
	v, err := repo.Get(ctx, "hwinfo_hash")
	require.NoError(t, err)
	assert.Equal(t, "abc", v)
	require.NoError(t, repo.Delete(ctx, "hwinfo_hash"))
	_, err = repo.Get(ctx, "hwinfo_hash")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestEcusAndKeys(t *testing.T) {
	ctx := context.Background()
	db, err := InitDB(ctx, ":memory:")
	require.NoError(t, err)
	defer CloseDB(db)

	repos := NewRepositories(db)
	require.NoError(t, repos.Ecus.StoreEcus(ctx, []model.Ecu{
		{Serial: "secondary-1", HardwareID: "mcu"},
		{Serial: "primary", HardwareID: "board", IsPrimary: true},
	}))
	ecus, err := repos.Ecus.LoadEcus(ctx)
	require.NoError(t, err)
	require.Len(t, ecus, 2)
	assert.Equal(t, uptane.EcuSerial("primary"), ecus[0].Serial)
	assert.True(t, ecus[0].IsPrimary)

	_, err = repos.Keys.LoadPrimaryKey(ctx)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	key := &model.PrimaryKey{
		KeyType:    "ED25519",
		PublicKey:  []byte("pub"),
		PrivateKey: []byte("priv"),
		CreatedAt:  time.Now().UTC().Truncate(time.Second),
	}
	require.NoError(t, repos.Keys.SavePrimaryKey(ctx, key))
	got, err := repos.Keys.LoadPrimaryKey(ctx)
	require.NoError(t, err)
	assert.Equal(t, key.PublicKey, got.PublicKey)
	assert.True(t, key.CreatedAt.Equal(got.CreatedAt))
}
