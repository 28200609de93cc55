/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package uptane

import (
	"errors"
	"fmt"
)

var (
	ErrMetadataFetchFailure   = errors.New("metadata fetch failure")
	ErrSecurity               = errors.New("security exception")
	ErrTargetContentMismatch  = errors.New("target content mismatch")
	ErrTargetHashMismatch     = errors.New("target hash mismatch")
	ErrOversizedTarget        = errors.New("oversized target")
	ErrOversizedMetadata      = errors.New("oversized metadata")
	ErrIllegalThreshold       = errors.New("illegal threshold")
	ErrUnmetThreshold         = errors.New("unmet threshold")
	ErrExpiredMetadata        = errors.New("expired metadata")
	ErrInvalidMetadata        = errors.New("invalid metadata")
	ErrTargetMismatch         = errors.New("target mismatch")
	ErrNonUniqueSignatures    = errors.New("non-unique signatures")
	ErrBadKeyID               = errors.New("bad key id")
	ErrBadEcuID               = errors.New("bad ecu id")
	ErrBadHardwareID          = errors.New("bad hardware id")
	ErrRootRotation           = errors.New("root rotation error")
	ErrVersionMismatch        = errors.New("version mismatch")
	ErrRollback               = errors.New("rollback")
	ErrMetadataHashMismatch   = errors.New("metadata hash mismatch")
	ErrDelegationHashMismatch = errors.New("delegation hash mismatch")
	ErrDelegationMissing      = errors.New("delegation missing")
	ErrInvalidTarget          = errors.New("invalid target")
	ErrLocallyAborted         = errors.New("locally aborted")
)

// Persistence tells whether retrying the same operation later can succeed
// without new metadata on the server.
type Persistence int

const (
	Permanent Persistence = iota
	Temporary
)

// Error is a verification or update failure. Kind is one of the sentinel
// errors above and is matched by errors.Is.
type Error struct {
	Kind        error
	Repo        string
	Msg         string
	Persistence Persistence
	Attack      Attack
}

func (e *Error) Error() string {
	if e.Repo == "" {
		return e.Msg
	}
	return e.Repo + ": " + e.Msg
}

func (e *Error) Unwrap() error { return e.Kind }

// WithAttack sets the classification unless one is already recorded.
func (e *Error) WithAttack(a Attack) *Error {
	if e.Attack == AttackNone {
		e.Attack = a
	}
	return e
}

func newError(kind error, repo, msg string) *Error {
	return &Error{Kind: kind, Repo: repo, Msg: msg}
}

// AttackOf extracts the attack classification carried by err.
func AttackOf(err error) Attack {
	var ue *Error
	if errors.As(err, &ue) {
		return ue.Attack
	}
	return AttackNone
}

// PersistenceOf reports the persistence of an Uptane error. ok is false for
// errors of any other origin.
func PersistenceOf(err error) (p Persistence, ok bool) {
	var ue *Error
	if errors.As(err, &ue) {
		return ue.Persistence, true
	}
	return Temporary, false
}

func NewMetadataFetchFailure(repo, role string) *Error {
	e := newError(ErrMetadataFetchFailure, repo, fmt.Sprintf("Failed to fetch role %s in %s repository.", role, repo))
	e.Persistence = Temporary
	return e
}

func NewSecurityError(repo, msg string) *Error {
	return newError(ErrSecurity, repo, msg)
}

func NewRollbackError(repo, role string) *Error {
	return newError(ErrRollback, repo, fmt.Sprintf("Rollback attempt on role %s.", role))
}

func NewUnmetThreshold(repo, role string) *Error {
	return newError(ErrUnmetThreshold, repo, fmt.Sprintf("The %s metadata had an unmet threshold.", role))
}

func NewIllegalThreshold(repo, msg string) *Error {
	return newError(ErrIllegalThreshold, repo, msg)
}

func NewExpiredMetadata(repo, role string) *Error {
	return newError(ErrExpiredMetadata, repo, fmt.Sprintf("The %s metadata was expired.", role))
}

func NewInvalidMetadata(repo, role, reason string) *Error {
	return newError(ErrInvalidMetadata, repo, fmt.Sprintf("The %s metadata failed to parse: %s", role, reason))
}

func NewOversizedMetadata(repo, role string) *Error {
	return newError(ErrOversizedMetadata, repo, fmt.Sprintf("The %s metadata exceeds the size limit.", role))
}

func NewTargetMismatch(target string) *Error {
	return newError(ErrTargetMismatch, "director", fmt.Sprintf("The target metadata in the Image and Director repos do not match for %s.", target))
}

func NewNonUniqueSignatures(repo, role string) *Error {
	return newError(ErrNonUniqueSignatures, repo, fmt.Sprintf("The role %s had non-unique signatures.", role))
}

func NewBadKeyID(repo string) *Error {
	return newError(ErrBadKeyID, repo, "A key has an incorrect associated key ID")
}

func NewBadEcuID(target string) *Error {
	return newError(ErrBadEcuID, "director", fmt.Sprintf("The target %s had an ECU ID that did not match the client's configured ECU ID.", target))
}

func NewBadHardwareID(target string) *Error {
	return newError(ErrBadHardwareID, "director", fmt.Sprintf("The target %s had a hardware ID that did not match the client's configured hardware ID.", target))
}

func NewRootRotationError(repo string) *Error {
	return newError(ErrRootRotation, repo, "Version in Root metadata does not match its expected value.")
}

func NewVersionMismatch(repo, role string) *Error {
	return newError(ErrVersionMismatch, repo, fmt.Sprintf("The version of role %s does not match the entry in Snapshot metadata.", role))
}

func NewMetadataHashMismatch(repo, role string) *Error {
	return newError(ErrMetadataHashMismatch, repo, fmt.Sprintf("The hash of role %s does not match the entry in its parent metadata.", role))
}

func NewDelegationHashMismatch(name string) *Error {
	return newError(ErrDelegationHashMismatch, "image", fmt.Sprintf("The calculated hash of delegated role %s did not match the hash in the metadata.", name))
}

func NewDelegationMissing(name string) *Error {
	return newError(ErrDelegationMissing, "image", fmt.Sprintf("The delegated role %s is missing.", name))
}

func NewTargetContentMismatch(target string) *Error {
	return newError(ErrTargetContentMismatch, "", fmt.Sprintf("Content downloaded does not match the target %s.", target))
}

func NewTargetHashMismatch(target string) *Error {
	e := newError(ErrTargetHashMismatch, "", fmt.Sprintf("The target %s had a non-matching hash.", target))
	e.Attack = AttackImageHash
	return e
}

func NewOversizedTarget(target string) *Error {
	e := newError(ErrOversizedTarget, "", fmt.Sprintf("The target %s is larger than its declared length.", target))
	e.Attack = AttackImageLarge
	return e
}

func NewInvalidTarget(repo, msg string) *Error {
	return newError(ErrInvalidTarget, repo, msg)
}

func NewLocallyAborted(repo string) *Error {
	e := newError(ErrLocallyAborted, repo, "Update was aborted on the client")
	e.Persistence = Temporary
	return e
}
