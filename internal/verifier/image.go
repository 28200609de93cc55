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
	"slices"

	"github.com/sirupsen/logrus"

	"github.com/kentakayama/uptane-primary/internal/domain/model"
	"github.com/kentakayama/uptane-primary/internal/fetcher"
	"github.com/kentakayama/uptane-primary/internal/uptane"
)

// ImageRepository verifies the Image repository's Root, Timestamp,
// Snapshot and Targets.
type ImageRepository struct {
	store Store
	opts  Options
	log   *logrus.Entry
}

func NewImageRepository(store Store, opts Options) *ImageRepository {
	opts = opts.withDefaults()
	return &ImageRepository{
		store: store,
		opts:  opts,
		log:   opts.Logger.WithFields(logrus.Fields{"component": "verifier", "repo": "image"}),
	}
}

// ImageUpdate is the verified state of the Image repository. Delegated
// Targets are fetched lazily when a target is looked up and persisted only
// once the lookup succeeded. Not safe for concurrent lookups.
type ImageUpdate struct {
	Root      *uptane.Root
	Timestamp *uptane.Timestamp
	Snapshot  *uptane.Snapshot
	Targets   *uptane.Targets

	repo    *ImageRepository
	fetcher fetcher.Fetcher
	staged  []model.NonRootWrite
}

func (r *ImageRepository) Update(ctx context.Context, f fetcher.Fetcher) (*ImageUpdate, error) {
	s := newSession(uptane.RepoImage, r.store, f, r.opts)
	if err := s.updateRoot(ctx); err != nil {
		return nil, classify(err, stageRoot)
	}
	u := &ImageUpdate{Root: s.root, repo: r, fetcher: f}
	if err := r.updateMeta(ctx, s, u); err != nil {
		return nil, classify(err, stageTargets)
	}
	if err := s.commit(ctx); err != nil {
		return nil, err
	}
	return u, nil
}

func (r *ImageRepository) updateMeta(ctx context.Context, s *session, u *ImageUpdate) error {
	var err error
	if u.Timestamp, err = r.updateTimestamp(ctx, s); err != nil {
		return err
	}
	if u.Snapshot, err = r.updateSnapshot(ctx, s, u.Timestamp); err != nil {
		return err
	}
	u.Targets, err = r.updateTargets(ctx, s, u.Snapshot)
	return err
}

func (r *ImageRepository) updateTimestamp(ctx context.Context, s *session) (*uptane.Timestamp, error) {
	raw, err := s.fetch(ctx, uptane.RoleTimestamp, uptane.MaxTimestampSize)
	if err != nil {
		return nil, err
	}
	m, err := s.verifyTopLevel(uptane.RoleTimestamp, raw)
	if err != nil {
		return nil, err
	}
	ts, err := uptane.ParseTimestamp(uptane.RepoImage, m)
	if err != nil {
		return nil, err
	}

	storedRaw, err := s.loadStored(ctx, uptane.RoleTimestamp)
	if err != nil {
		return nil, err
	}
	localVersion := -1
	var storedSigs []uptane.Signature
	if storedRaw != nil {
		localVersion = uptane.ExtractVersionUntrusted(storedRaw)
		if sm, err := uptane.ParseSignedMetadata(uptane.RepoImage, uptane.RoleTimestamp, storedRaw); err == nil {
			storedSigs = sm.Signatures
		}
	}
	if localVersion > ts.Version {
		return nil, uptane.NewRollbackError(s.repo.String(), uptane.RoleNameTimestamp)
	}
	if localVersion < ts.Version || !slices.Equal(storedSigs, m.Signatures) {
		s.stage(uptane.RoleTimestamp, raw)
	}
	if ts.IsExpiredAt(s.now()) {
		return nil, uptane.NewExpiredMetadata(s.repo.String(), uptane.RoleNameTimestamp)
	}
	return ts, nil
}

// verifySnapshot checks raw against the Timestamp's reference: canonical
// hashes first, then signatures and version.
func (r *ImageRepository) verifySnapshot(s *session, raw []byte, ts *uptane.Timestamp) (*uptane.Snapshot, error) {
	if len(ts.Snapshot.Hashes) == 0 {
		return nil, uptane.NewMetadataHashMismatch(s.repo.String(), uptane.RoleNameSnapshot)
	}
	hashes, err := uptane.CanonicalHashes(raw)
	if err != nil {
		return nil, uptane.NewInvalidMetadata(s.repo.String(), uptane.RoleNameSnapshot, err.Error())
	}
	if !uptane.HashesMatch(hashes, ts.Snapshot.Hashes) {
		return nil, uptane.NewMetadataHashMismatch(s.repo.String(), uptane.RoleNameSnapshot)
	}
	m, err := s.verifyTopLevel(uptane.RoleSnapshot, raw)
	if err != nil {
		return nil, err
	}
	snapshot, err := uptane.ParseSnapshot(uptane.RepoImage, uptane.RoleSnapshot, m)
	if err != nil {
		return nil, err
	}
	if snapshot.Version != ts.Snapshot.Version {
		return nil, uptane.NewVersionMismatch(s.repo.String(), uptane.RoleNameSnapshot)
	}
	return snapshot, nil
}

func (r *ImageRepository) updateSnapshot(ctx context.Context, s *session, ts *uptane.Timestamp) (*uptane.Snapshot, error) {
	storedRaw, err := s.loadStored(ctx, uptane.RoleSnapshot)
	if err != nil {
		return nil, err
	}
	var snapshot *uptane.Snapshot
	if storedRaw != nil {
		if snapshot, err = r.verifySnapshot(s, storedRaw, ts); err != nil {
			snapshot = nil
		}
	}
	if snapshot == nil {
		size := ts.Snapshot.Length
		if size <= 0 {
			size = uptane.MaxSnapshotSize
		}
		raw, err := s.fetch(ctx, uptane.RoleSnapshot, size)
		if err != nil {
			return nil, err
		}
		if snapshot, err = r.verifySnapshot(s, raw, ts); err != nil {
			return nil, err
		}
		if storedRaw != nil && uptane.ExtractVersionUntrusted(storedRaw) > snapshot.Version {
			return nil, uptane.NewRollbackError(s.repo.String(), uptane.RoleNameSnapshot)
		}
		s.stage(uptane.RoleSnapshot, raw)
	}
	if snapshot.IsExpiredAt(s.now()) {
		return nil, uptane.NewExpiredMetadata(s.repo.String(), uptane.RoleNameSnapshot)
	}
	return snapshot, nil
}

func (r *ImageRepository) verifyTargets(s *session, raw []byte, snapshot *uptane.Snapshot) (*uptane.Targets, error) {
	if expected := snapshot.RoleHashes(uptane.RoleTargets); len(expected) > 0 {
		hashes, err := uptane.CanonicalHashes(raw)
		if err != nil {
			return nil, uptane.NewInvalidMetadata(s.repo.String(), uptane.RoleNameTargets, err.Error())
		}
		if !uptane.HashesMatch(hashes, expected) {
			return nil, uptane.NewMetadataHashMismatch(s.repo.String(), uptane.RoleNameTargets)
		}
	}
	m, err := s.verifyTopLevel(uptane.RoleTargets, raw)
	if err != nil {
		return nil, err
	}
	targets, err := uptane.ParseTargets(uptane.RepoImage, uptane.RoleTargets, m)
	if err != nil {
		return nil, err
	}
	if targets.Version != snapshot.RoleVersion(uptane.RoleTargets) {
		return nil, uptane.NewVersionMismatch(s.repo.String(), uptane.RoleNameTargets)
	}
	return targets, nil
}

func (r *ImageRepository) updateTargets(ctx context.Context, s *session, snapshot *uptane.Snapshot) (*uptane.Targets, error) {
	storedRaw, err := s.loadStored(ctx, uptane.RoleTargets)
	if err != nil {
		return nil, err
	}
	var targets *uptane.Targets
	if storedRaw != nil {
		if targets, err = r.verifyTargets(s, storedRaw, snapshot); err != nil {
			targets = nil
		}
	}
	if targets == nil {
		size := snapshot.RoleSize(uptane.RoleTargets)
		if size <= 0 {
			size = uptane.MaxImageTargetsSize
		}
		raw, err := s.fetch(ctx, uptane.RoleTargets, size)
		if err != nil {
			return nil, err
		}
		if targets, err = r.verifyTargets(s, raw, snapshot); err != nil {
			return nil, err
		}
		if storedRaw != nil && uptane.ExtractVersionUntrusted(storedRaw) > targets.Version {
			return nil, uptane.NewRollbackError(s.repo.String(), uptane.RoleNameTargets)
		}
		s.stage(uptane.RoleTargets, raw)
	}
	if targets.IsExpiredAt(s.now()) {
		return nil, uptane.NewExpiredMetadata(s.repo.String(), uptane.RoleNameTargets)
	}
	return targets, nil
}

// FindTarget looks filename up in the top level Targets, then depth first
// through the delegations whose paths match it.
func (u *ImageUpdate) FindTarget(ctx context.Context, filename string) (uptane.Target, bool, error) {
	u.staged = nil
	t, ok, err := u.find(ctx, u.Targets, filename, 0)
	if err == nil && len(u.staged) > 0 {
		err = u.repo.store.Apply(ctx, &model.MetadataChanges{Repo: uptane.RepoImage, NonRoot: u.staged})
	}
	u.staged = nil
	if err != nil {
		return uptane.Target{}, false, classify(err, stageTargets)
	}
	return t, ok, nil
}

func (u *ImageUpdate) find(ctx context.Context, parent *uptane.Targets, filename string, depth int) (uptane.Target, bool, error) {
	if t, ok := parent.Find(filename); ok {
		return t, true, nil
	}
	if depth >= uptane.MaxDelegationDepth {
		return uptane.Target{}, false, nil
	}
	for _, d := range parent.Delegations {
		if !uptane.MatchAnyPath(d.Paths, filename) {
			continue
		}
		child, err := u.loadDelegation(ctx, parent, d)
		if errors.Is(err, uptane.ErrExpiredMetadata) {
			u.repo.log.Warnf("skipping expired delegation %s", d.Role)
		} else if err != nil {
			return uptane.Target{}, false, err
		} else {
			t, found, err := u.find(ctx, child, filename, depth+1)
			if err != nil || found {
				return t, found, err
			}
		}
		if d.Terminating {
			break
		}
	}
	return uptane.Target{}, false, nil
}

// loadDelegation returns the verified Targets of a delegated role, from
// storage when it still matches the Snapshot, fetched and staged
// otherwise.
func (u *ImageUpdate) loadDelegation(ctx context.Context, parent *uptane.Targets, d uptane.Delegation) (*uptane.Targets, error) {
	if ctx.Err() != nil {
		return nil, uptane.NewLocallyAborted(uptane.RepoImage.String())
	}
	stored, err := u.repo.store.LoadNonRoot(ctx, uptane.RepoImage, d.Role)
	if err == nil {
		if t, err := u.verifyDelegation(parent, d, stored); err == nil {
			return t, nil
		}
	}

	size := u.Snapshot.RoleSize(d.Role)
	if size <= 0 {
		size = uptane.MaxImageTargetsSize
	}
	raw, err := u.fetcher.FetchRole(ctx, uptane.RepoImage, d.Role, uptane.AnyVersion, size)
	if err != nil {
		return nil, err
	}
	t, err := u.verifyDelegation(parent, d, raw)
	if err != nil {
		return nil, err
	}
	u.staged = append(u.staged, model.NonRootWrite{Role: d.Role, Raw: raw})
	return t, nil
}

// verifyDelegation checks raw against the Snapshot entry of the delegated
// role, which must exist, and against the keys of its parent.
func (u *ImageUpdate) verifyDelegation(parent *uptane.Targets, d uptane.Delegation, raw []byte) (*uptane.Targets, error) {
	want := u.Snapshot.RoleVersion(d.Role)
	if want < 0 {
		return nil, uptane.NewDelegationMissing(d.Role.String())
	}
	if expected := u.Snapshot.RoleHashes(d.Role); len(expected) > 0 {
		hashes, err := uptane.CanonicalHashes(raw)
		if err != nil || !uptane.HashesMatch(hashes, expected) {
			return nil, uptane.NewDelegationHashMismatch(d.Role.String())
		}
	}
	m, err := uptane.ParseSignedMetadata(uptane.RepoImage, d.Role, raw)
	if err != nil {
		return nil, err
	}
	if u.repo.opts.Verification != VerifyHashOnly {
		if err := parent.VerifyDelegation(d.Role, m); err != nil {
			return nil, err
		}
	}
	t, err := uptane.ParseTargets(uptane.RepoImage, d.Role, m)
	if err != nil {
		return nil, err
	}
	if t.Version != want {
		return nil, uptane.NewVersionMismatch(uptane.RepoImage.String(), d.Role.String())
	}
	for _, target := range t.Targets {
		if !uptane.MatchAnyPath(d.Paths, target.Filename) {
			return nil, uptane.NewSecurityError(uptane.RepoImage.String(),
				fmt.Sprintf("delegated role %s lists %s outside its paths", d.Role, target.Filename)).
				WithAttack(uptane.AttackTargetsThreshold)
		}
	}
	if t.IsExpiredAt(u.repo.opts.Now()) {
		return t, uptane.NewExpiredMetadata(uptane.RepoImage.String(), d.Role.String())
	}
	return t, nil
}

// VerifyTarget reconciles a Director target with the Image repository.
func (u *ImageUpdate) VerifyTarget(ctx context.Context, director uptane.Target) (uptane.Target, error) {
	image, found, err := u.FindTarget(ctx, director.Filename)
	if err != nil {
		return uptane.Target{}, err
	}
	if !found {
		return uptane.Target{}, uptane.NewTargetMismatch(director.Filename).WithAttack(uptane.AttackImageHash)
	}
	return ReconcileTarget(director, image)
}

// ReconcileTarget checks that the Director and the Image repository
// describe the same image and merges their custom data, Director first.
func ReconcileTarget(director, image uptane.Target) (uptane.Target, error) {
	if director.Length != image.Length {
		return uptane.Target{}, uptane.NewTargetMismatch(director.Filename).WithAttack(uptane.AttackImageLarge)
	}
	if director.Filename != image.Filename || !uptane.HashesMatch(director.Hashes, image.Hashes) {
		return uptane.Target{}, uptane.NewTargetMismatch(director.Filename).WithAttack(uptane.AttackImageHash)
	}
	merged := director
	merged.Custom = uptane.MergeJSON(director.Custom, image.Custom, "hardwareIds", "targetFormat", "uri")
	if merged.URI == "" {
		merged.URI = image.URI
	}
	if len(merged.HardwareIDs) == 0 {
		merged.HardwareIDs = image.HardwareIDs
	}
	return merged, nil
}
