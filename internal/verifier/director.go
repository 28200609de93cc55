/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package verifier

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/kentakayama/uptane-primary/internal/domain/model"
	"github.com/kentakayama/uptane-primary/internal/fetcher"
	"github.com/kentakayama/uptane-primary/internal/uptane"
	"github.com/kentakayama/uptane-primary/internal/util"
)

// OfflineFetcher reads an offline update source.
type OfflineFetcher interface {
	fetcher.Fetcher
	HasNamed(repo uptane.RepositoryType, name string) bool
	FetchNamed(ctx context.Context, repo uptane.RepositoryType, name string, maxSize int64) ([]byte, error)
}

// DirectorRepository verifies the Director's Root and Targets, or its
// offline snapshot and offline updates.
type DirectorRepository struct {
	store Store
	opts  Options
	log   *logrus.Entry
}

// DirectorUpdate is the verified state of the Director after an update.
type DirectorUpdate struct {
	Root *uptane.Root
	// Targets is what the device should act on. It differs from Latest
	// when the server published an empty Targets after a non-empty one.
	Targets      *uptane.Targets
	Latest       *uptane.Targets
	UsedPrevious bool
}

func (u *DirectorUpdate) CorrelationID() string {
	if u == nil || u.Targets == nil {
		return ""
	}
	return u.Targets.CorrelationID
}

func NewDirectorRepository(store Store, opts Options) *DirectorRepository {
	opts = opts.withDefaults()
	return &DirectorRepository{
		store: store,
		opts:  opts,
		log:   opts.Logger.WithFields(logrus.Fields{"component": "verifier", "repo": "director"}),
	}
}

// Update fetches and verifies online Director metadata and persists what
// it trusts.
func (d *DirectorRepository) Update(ctx context.Context, f fetcher.Fetcher) (*DirectorUpdate, error) {
	s := newSession(uptane.RepoDirector, d.store, f, d.opts)
	if err := s.updateRoot(ctx); err != nil {
		return nil, classify(err, stageRoot)
	}
	u, err := d.updateTargets(ctx, s)
	if err != nil {
		return nil, classify(err, stageTargets)
	}
	if err := s.commit(ctx); err != nil {
		return nil, err
	}
	return u, nil
}

func (d *DirectorRepository) updateTargets(ctx context.Context, s *session) (*DirectorUpdate, error) {
	raw, err := s.fetch(ctx, uptane.RoleTargets, uptane.MaxDirectorTargetsSize)
	if err != nil {
		return nil, err
	}
	remoteVersion := uptane.ExtractVersionUntrusted(raw)
	latest, err := d.verifyTargets(s, uptane.RoleTargets, raw)
	if err != nil {
		return nil, err
	}
	return d.adopt(ctx, s, uptane.RoleTargets, raw, latest, remoteVersion, nil)
}

func (d *DirectorRepository) verifyTargets(s *session, role uptane.Role, raw []byte) (*uptane.Targets, error) {
	m, err := s.verifyTopLevel(role, raw)
	if err != nil {
		return nil, err
	}
	return uptane.ParseTargets(uptane.RepoDirector, role, m)
}

// adopt applies the rollback, previous-targets, expiry and sanity rules
// to freshly verified Targets and stages them when they are newer.
// prepare, when set, is applied to the stored previous Targets.
func (d *DirectorRepository) adopt(ctx context.Context, s *session, role uptane.Role, raw []byte, latest *uptane.Targets, remoteVersion int, prepare func(*uptane.Targets)) (*DirectorUpdate, error) {
	storedRaw, err := s.loadStored(ctx, role)
	if err != nil {
		return nil, err
	}
	localVersion := -1
	var previous *uptane.Targets
	if storedRaw != nil {
		localVersion = uptane.ExtractVersionUntrusted(storedRaw)
		if prev, err := d.verifyTargets(s, role, storedRaw); err == nil {
			previous = prev
			if prepare != nil {
				prepare(previous)
			}
		}
	}

	u := &DirectorUpdate{Root: s.root, Targets: latest, Latest: latest}
	if len(latest.Targets) == 0 && previous != nil && len(previous.Targets) > 0 {
		d.log.Info("new targets metadata is empty, keeping the previous targets")
		u.Targets = previous
		u.UsedPrevious = true
	}

	if localVersion > remoteVersion {
		return nil, uptane.NewRollbackError(s.repo.String(), role.String())
	}
	if localVersion < remoteVersion && !u.UsedPrevious {
		s.stage(role, raw)
	}
	if latest.IsExpiredAt(s.now()) {
		return nil, uptane.NewExpiredMetadata(s.repo.String(), role.String())
	}
	if err := targetsSanityCheck(u.Targets); err != nil {
		return nil, err
	}
	return u, nil
}

// targetsSanityCheck rejects Director Targets with delegations or with an
// ECU listed by more than one target.
func targetsSanityCheck(t *uptane.Targets) error {
	if len(t.Delegations) > 0 {
		return uptane.NewInvalidMetadata("director", t.Role.String(), "found unexpected delegation")
	}
	seen := util.NewSet[uptane.EcuSerial]()
	for _, target := range t.Targets {
		for serial := range target.Ecus {
			if !seen.AddNew(serial) {
				return uptane.NewInvalidMetadata("director", t.Role.String(), "ECU "+serial.String()+" appears in more than one target")
			}
		}
	}
	return nil
}

// UpdateOffline verifies the Director metadata of an offline update
// source. Offline targets name hardware IDs only; they are assigned to
// every ECU of the inventory with a matching hardware ID.
func (d *DirectorRepository) UpdateOffline(ctx context.Context, f OfflineFetcher, inventory []model.Ecu) (*DirectorUpdate, error) {
	s := newSession(uptane.RepoDirector, d.store, f, d.opts)
	if err := s.updateRoot(ctx); err != nil {
		return nil, classify(err, stageRoot)
	}
	u, err := d.updateOffline(ctx, s, f, inventory)
	if err != nil {
		return nil, classify(err, stageTargets)
	}
	if err := s.commit(ctx); err != nil {
		return nil, err
	}
	return u, nil
}

func (d *DirectorRepository) updateOffline(ctx context.Context, s *session, f OfflineFetcher, inventory []model.Ecu) (*DirectorUpdate, error) {
	raw, err := s.fetch(ctx, uptane.RoleOfflineSnapshot, uptane.MaxSnapshotSize)
	if err != nil {
		return nil, err
	}
	m, err := s.verifyTopLevel(uptane.RoleOfflineSnapshot, raw)
	if err != nil {
		return nil, err
	}
	snapshot, err := uptane.ParseSnapshot(uptane.RepoDirector, uptane.RoleOfflineSnapshot, m)
	if err != nil {
		return nil, err
	}
	if err := d.checkOfflineSnapshotRollback(ctx, s, snapshot, raw); err != nil {
		return nil, err
	}
	if snapshot.IsExpiredAt(s.now()) {
		return nil, uptane.NewExpiredMetadata(s.repo.String(), uptane.RoleNameOfflineSnapshot)
	}

	name := ""
	for _, candidate := range snapshot.RoleNames() {
		if f.HasNamed(uptane.RepoDirector, candidate) {
			name = candidate
			break
		}
	}
	if name == "" {
		return nil, uptane.NewMetadataFetchFailure(s.repo.String(), uptane.RoleNameOfflineUpdates)
	}
	if err := s.checkAborted(ctx); err != nil {
		return nil, err
	}
	updatesRaw, err := f.FetchNamed(ctx, uptane.RepoDirector, name, uptane.MaxDirectorTargetsSize)
	if err != nil {
		return nil, err
	}
	remoteVersion := uptane.ExtractVersionUntrusted(updatesRaw)
	if remoteVersion != snapshot.Meta[name+".json"].Version {
		return nil, uptane.NewVersionMismatch(s.repo.String(), uptane.RoleNameOfflineUpdates)
	}
	latest, err := d.verifyTargets(s, uptane.RoleOfflineUpdates, updatesRaw)
	if err != nil {
		return nil, err
	}
	assign := func(t *uptane.Targets) { transformOfflineTargets(t, inventory) }
	assign(latest)
	return d.adopt(ctx, s, uptane.RoleOfflineUpdates, updatesRaw, latest, remoteVersion, assign)
}

// checkOfflineSnapshotRollback compares a new offline snapshot with the
// stored one, overall and per listed role, and stages it when newer.
func (d *DirectorRepository) checkOfflineSnapshotRollback(ctx context.Context, s *session, snapshot *uptane.Snapshot, raw []byte) error {
	storedRaw, err := s.loadStored(ctx, uptane.RoleOfflineSnapshot)
	if err != nil {
		return err
	}
	if storedRaw == nil {
		s.stage(uptane.RoleOfflineSnapshot, raw)
		return nil
	}
	sm, err := uptane.ParseSignedMetadata(uptane.RepoDirector, uptane.RoleOfflineSnapshot, storedRaw)
	if err != nil {
		s.stage(uptane.RoleOfflineSnapshot, raw)
		return nil
	}
	stored, err := uptane.ParseSnapshot(uptane.RepoDirector, uptane.RoleOfflineSnapshot, sm)
	if err != nil {
		s.stage(uptane.RoleOfflineSnapshot, raw)
		return nil
	}
	if stored.Version > snapshot.Version {
		return uptane.NewRollbackError(s.repo.String(), uptane.RoleNameOfflineSnapshot)
	}
	for file, old := range stored.Meta {
		if cur, ok := snapshot.Meta[file]; ok && cur.Version < old.Version {
			return uptane.NewRollbackError(s.repo.String(), file)
		}
	}
	if snapshot.Version > stored.Version {
		s.stage(uptane.RoleOfflineSnapshot, raw)
	}
	return nil
}

func transformOfflineTargets(t *uptane.Targets, inventory []model.Ecu) {
	for i := range t.Targets {
		target := &t.Targets[i]
		for _, hwid := range target.HardwareIDs {
			for _, ecu := range inventory {
				if ecu.HardwareID == hwid {
					target.InsertEcu(ecu.Serial, hwid)
				}
			}
		}
	}
}
