/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package verifier

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"

	"github.com/kentakayama/uptane-primary/internal/domain"
	"github.com/kentakayama/uptane-primary/internal/domain/model"
	"github.com/kentakayama/uptane-primary/internal/fetcher"
	"github.com/kentakayama/uptane-primary/internal/uptane"
)

// session is one verification pass over a repository. Everything it
// decides to trust is staged in changes and written by commit only after
// the whole pass succeeded.
type session struct {
	repo    uptane.RepositoryType
	store   Store
	fetcher fetcher.Fetcher
	opts    Options
	log     *logrus.Entry

	root    *uptane.Root
	changes model.MetadataChanges
}

func newSession(repo uptane.RepositoryType, store Store, f fetcher.Fetcher, opts Options) *session {
	return &session{
		repo:    repo,
		store:   store,
		fetcher: f,
		opts:    opts,
		log:     opts.Logger.WithFields(logrus.Fields{"component": "verifier", "repo": repo.String()}),
		changes: model.MetadataChanges{Repo: repo},
	}
}

func (s *session) now() uptane.TimeStamp { return s.opts.Now() }

func (s *session) checkAborted(ctx context.Context) error {
	if ctx.Err() != nil {
		return uptane.NewLocallyAborted(s.repo.String())
	}
	return nil
}

func (s *session) fetch(ctx context.Context, role uptane.Role, maxSize int64) ([]byte, error) {
	if err := s.checkAborted(ctx); err != nil {
		return nil, err
	}
	return s.fetcher.FetchRole(ctx, s.repo, role, uptane.AnyVersion, maxSize)
}

// verifySignatures runs check unless signature checks are disabled.
func (s *session) verifySignatures(check func() error) error {
	if s.opts.Verification == VerifyHashOnly {
		return nil
	}
	return check()
}

// loadStored returns the trusted copy of role, staged or persisted, or nil.
// After a root rotation persisted non-root metadata counts as absent.
func (s *session) loadStored(ctx context.Context, role uptane.Role) ([]byte, error) {
	for i := len(s.changes.NonRoot) - 1; i >= 0; i-- {
		if s.changes.NonRoot[i].Role == role {
			return s.changes.NonRoot[i].Raw, nil
		}
	}
	if s.changes.ClearNonRoot {
		return nil, nil
	}
	raw, err := s.store.LoadNonRoot(ctx, s.repo, role)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, nil
	}
	return raw, err
}

func (s *session) stage(role uptane.Role, raw []byte) {
	for i := range s.changes.NonRoot {
		if s.changes.NonRoot[i].Role == role {
			s.changes.NonRoot[i].Raw = raw
			return
		}
	}
	s.changes.NonRoot = append(s.changes.NonRoot, model.NonRootWrite{Role: role, Raw: raw})
}

func (s *session) stageRoot(root *uptane.Root) {
	s.changes.Roots = append(s.changes.Roots, model.RootWrite{Version: root.Version, Raw: root.Raw})
}

// updateRoot establishes the trusted Root: the stored one, or version 1
// fetched and self-verified on first use, then walks forward one version
// at a time while the server has newer ones.
func (s *session) updateRoot(ctx context.Context) error {
	raw, err := s.store.LoadRoot(ctx, s.repo, uptane.AnyVersion)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		raw, err = s.fetcher.FetchRole(ctx, s.repo, uptane.RoleRoot, uptane.Version(1), uptane.MaxRootSize)
		if err != nil {
			return err
		}
		root, m, err := uptane.ParseRoot(s.repo, raw)
		if err != nil {
			return err
		}
		if err := s.verifySignatures(func() error { return root.Verify(uptane.RoleRoot, m) }); err != nil {
			return err
		}
		s.root = root
		s.stageRoot(root)
	case err != nil:
		return err
	default:
		root, _, err := uptane.ParseRoot(s.repo, raw)
		if err != nil {
			return err
		}
		s.root = root
	}

	for range s.opts.MaxRootRotations {
		if err := s.checkAborted(ctx); err != nil {
			return err
		}
		next := uptane.Version(s.root.Version + 1)
		raw, err := s.fetcher.FetchRole(ctx, s.repo, uptane.RoleRoot, next, uptane.MaxRootSize)
		if err != nil {
			if errors.Is(err, uptane.ErrOversizedMetadata) || errors.Is(err, uptane.ErrLocallyAborted) ||
				errors.Is(err, uptane.ErrRootRotation) {
				return err
			}
			break
		}
		candidate, m, err := uptane.ParseRoot(s.repo, raw)
		if err != nil {
			return err
		}
		err = s.verifySignatures(func() error {
			if err := s.root.Verify(uptane.RoleRoot, m); err != nil {
				return err
			}
			return candidate.Verify(uptane.RoleRoot, m)
		})
		if err != nil {
			return err
		}
		if candidate.Version != s.root.Version+1 {
			return uptane.NewRootRotationError(s.repo.String())
		}
		s.log.Infof("rotated root to version %d", candidate.Version)
		s.root = candidate
		s.stageRoot(candidate)
		s.changes.ClearNonRoot = true
	}

	if s.root.IsExpiredAt(s.now()) {
		return uptane.NewExpiredMetadata(s.repo.String(), uptane.RoleNameRoot)
	}
	return nil
}

// verifyTopLevel parses raw as role and checks it against the trusted
// Root.
func (s *session) verifyTopLevel(role uptane.Role, raw []byte) (*uptane.SignedMetadata, error) {
	m, err := uptane.ParseSignedMetadata(s.repo, role, raw)
	if err != nil {
		return nil, err
	}
	if err := s.verifySignatures(func() error { return s.root.Verify(role, m) }); err != nil {
		return nil, err
	}
	return m, nil
}

func (s *session) commit(ctx context.Context) error {
	if s.changes.IsEmpty() {
		return nil
	}
	return s.store.Apply(ctx, &s.changes)
}
