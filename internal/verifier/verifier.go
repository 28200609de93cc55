/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

// Package verifier validates the Uptane trust chain of the Director and
// Image repositories. Every rejection leaving this package is an
// *uptane.Error carrying its attack classification.
package verifier

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/kentakayama/uptane-primary/internal/domain/model"
	"github.com/kentakayama/uptane-primary/internal/uptane"
)

type VerificationType int

const (
	VerifyFull VerificationType = iota
	// VerifyHashOnly skips signature threshold checks. Hashes, lengths,
	// versions and expiry are still enforced.
	VerifyHashOnly
)

func (v VerificationType) String() string {
	if v == VerifyHashOnly {
		return "hash-only"
	}
	return "full"
}

func ParseVerificationType(s string) (VerificationType, error) {
	switch strings.ToLower(s) {
	case "", "full":
		return VerifyFull, nil
	case "hash-only", "hash_only", "tuf":
		return VerifyHashOnly, nil
	default:
		return VerifyFull, fmt.Errorf("unknown verification type %q", s)
	}
}

// Store is the persisted trust state. Loads return domain.ErrNotFound when
// nothing is stored.
type Store interface {
	LoadRoot(ctx context.Context, repo uptane.RepositoryType, version uptane.Version) ([]byte, error)
	LoadNonRoot(ctx context.Context, repo uptane.RepositoryType, role uptane.Role) ([]byte, error)
	Apply(ctx context.Context, changes *model.MetadataChanges) error
}

type Options struct {
	MaxRootRotations int
	Verification     VerificationType
	// Now overrides the clock used for expiry checks.
	Now    func() uptane.TimeStamp
	Logger *logrus.Logger
}

func (o Options) withDefaults() Options {
	if o.MaxRootRotations <= 0 {
		o.MaxRootRotations = uptane.MaxRootRotations
	}
	if o.Now == nil {
		o.Now = uptane.Now
	}
	if o.Logger == nil {
		o.Logger = logrus.StandardLogger()
	}
	return o
}

type stage int

const (
	stageRoot stage = iota
	stageTargets
)

// classify attaches the attack classification for a failure in the given
// stage. Errors already classified, transient failures and errors of
// other origins pass unchanged.
func classify(err error, st stage) error {
	var ue *uptane.Error
	if err == nil || !errors.As(err, &ue) {
		return err
	}
	ue.WithAttack(attackFor(ue.Kind, st))
	return err
}

func attackFor(kind error, st stage) uptane.Attack {
	pick := func(root, targets uptane.Attack) uptane.Attack {
		if st == stageRoot {
			return root
		}
		return targets
	}
	switch kind {
	case uptane.ErrUnmetThreshold, uptane.ErrNonUniqueSignatures, uptane.ErrIllegalThreshold,
		uptane.ErrInvalidMetadata, uptane.ErrBadKeyID, uptane.ErrSecurity, uptane.ErrDelegationMissing:
		return pick(uptane.AttackRootThreshold, uptane.AttackTargetsThreshold)
	case uptane.ErrRootRotation, uptane.ErrRollback, uptane.ErrVersionMismatch,
		uptane.ErrMetadataHashMismatch, uptane.ErrDelegationHashMismatch:
		return pick(uptane.AttackRootVersion, uptane.AttackTargetsVersion)
	case uptane.ErrExpiredMetadata:
		return pick(uptane.AttackRootExpired, uptane.AttackTargetsExpired)
	case uptane.ErrOversizedMetadata:
		return pick(uptane.AttackRootLarge, uptane.AttackTargetsLarge)
	default:
		return uptane.AttackNone
	}
}

// CheckInventory rejects Director targets naming an ECU the device does
// not have, or naming it with another hardware ID.
func CheckInventory(targets []uptane.Target, ecus []model.Ecu) error {
	known := make(map[uptane.EcuSerial]uptane.HardwareID, len(ecus))
	for _, e := range ecus {
		known[e.Serial] = e.HardwareID
	}
	for _, t := range targets {
		for serial, hwid := range t.Ecus {
			have, ok := known[serial]
			if !ok {
				return uptane.NewBadEcuID(t.Filename)
			}
			if have != hwid {
				return uptane.NewBadHardwareID(t.Filename)
			}
		}
	}
	return nil
}
