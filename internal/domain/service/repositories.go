/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package service

import (
	"context"

	"github.com/kentakayama/uptane-primary/internal/domain/model"
	"github.com/kentakayama/uptane-primary/internal/uptane"
)

// MetadataRepository defines the interface for Uptane metadata persistence.
// Loads return domain.ErrNotFound when nothing is stored.
type MetadataRepository interface {
	// LoadRoot returns the given Root version, or the latest for
	// uptane.AnyVersion.
	LoadRoot(ctx context.Context, repo uptane.RepositoryType, version uptane.Version) ([]byte, error)
	LoadNonRoot(ctx context.Context, repo uptane.RepositoryType, role uptane.Role) ([]byte, error)
	Apply(ctx context.Context, changes *model.MetadataChanges) error
	ClearNonRoot(ctx context.Context, repo uptane.RepositoryType) error
	ClearMetadata(ctx context.Context) error
}

// EcuRepository defines the interface for the ECU inventory.
type EcuRepository interface {
	StoreEcus(ctx context.Context, ecus []model.Ecu) error
	LoadEcus(ctx context.Context) ([]model.Ecu, error)
}

// InstalledVersionRepository defines the interface for installed version
// bookkeeping.
type InstalledVersionRepository interface {
	SaveInstalledVersion(ctx context.Context, ecu uptane.EcuSerial, target uptane.Target, mode model.InstalledVersionMode) error
	LoadInstalledVersions(ctx context.Context, ecu uptane.EcuSerial) (*model.InstalledVersions, error)
	LoadInstallationLog(ctx context.Context, ecu uptane.EcuSerial) ([]uptane.Target, error)
	LoadPendingEcus(ctx context.Context) ([]model.PendingEcu, error)
}

// InstallationResultRepository defines the interface for per-ECU and
// per-device installation outcomes awaiting report.
type InstallationResultRepository interface {
	SaveEcuResult(ctx context.Context, ecu uptane.EcuSerial, result uptane.InstallationResult) error
	LoadEcuResults(ctx context.Context) ([]model.EcuInstallationResult, error)
	SaveDeviceResult(ctx context.Context, result *model.DeviceInstallationResult) error
	LoadDeviceResult(ctx context.Context) (*model.DeviceInstallationResult, error)
	SaveRawReport(ctx context.Context, raw string) error
	Clear(ctx context.Context) error
}

// ReportEventRepository defines the interface for queued report events.
type ReportEventRepository interface {
	Create(ctx context.Context, ev *model.ReportEvent) (int64, error)
	ListOldest(ctx context.Context, limit int) ([]*model.ReportEvent, error)
	DeleteUpTo(ctx context.Context, id int64) error
}

// DeviceInfoRepository defines the interface for small device scoped
// values: registration state, report counter, device data hashes.
type DeviceInfoRepository interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
	Increment(ctx context.Context, key string) (int64, error)
}

// KeyRepository defines the interface for the primary's signing key.
type KeyRepository interface {
	SavePrimaryKey(ctx context.Context, key *model.PrimaryKey) error
	LoadPrimaryKey(ctx context.Context) (*model.PrimaryKey, error)
}

// Repositories bundles every storage collaborator of the client.
type Repositories struct {
	Metadata   MetadataRepository
	Ecus       EcuRepository
	Installed  InstalledVersionRepository
	Results    InstallationResultRepository
	Reports    ReportEventRepository
	DeviceInfo DeviceInfoRepository
	Keys       KeyRepository
}
