/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

// Package pacman installs verified target images on the primary ECU.
package pacman

import (
	"context"
	"io"

	"github.com/kentakayama/uptane-primary/internal/fetcher"
	"github.com/kentakayama/uptane-primary/internal/queue"
	"github.com/kentakayama/uptane-primary/internal/uptane"
)

// TargetStatus describes a downloaded target file.
type TargetStatus int

const (
	TargetGood TargetStatus = iota
	TargetNotFound
	TargetIncomplete
	TargetOversized
	TargetHashMismatch
	TargetInvalid
)

func (s TargetStatus) String() string {
	switch s {
	case TargetGood:
		return "good"
	case TargetNotFound:
		return "not found"
	case TargetIncomplete:
		return "incomplete"
	case TargetOversized:
		return "oversized"
	case TargetHashMismatch:
		return "hash mismatch"
	default:
		return "invalid"
	}
}

// ProgressFunc receives download progress in percent.
type ProgressFunc func(target uptane.Target, description string, progress int)

// Package is one entry of the installed package list.
type Package struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// PackageManager is the installer collaborator of the client.
type PackageManager interface {
	Name() string
	GetInstalledPackages(ctx context.Context) ([]Package, error)
	// GetCurrent returns the target running on the ECU, or an unknown
	// target when none was ever installed.
	GetCurrent(ctx context.Context, serial uptane.EcuSerial) (uptane.Target, error)
	Install(ctx context.Context, target uptane.Target) uptane.InstallationResult
	// FinalizeInstall checks a pending install after a restart. It keeps
	// returning NeedCompletion until the reboot has happened.
	FinalizeInstall(ctx context.Context, target uptane.Target) uptane.InstallationResult
	// CompleteInstall triggers the action a pending install waits for.
	CompleteInstall(ctx context.Context) error
	UpdateNotify()
	FetchTarget(ctx context.Context, target uptane.Target, src fetcher.ImageFetcher, progress ProgressFunc, token *queue.FlowControlToken) error
	VerifyTarget(target uptane.Target) TargetStatus
	OpenTarget(target uptane.Target) (io.ReadCloser, error)
}

// UnknownTarget stands for an ECU whose installed image is not known.
func UnknownTarget() uptane.Target {
	return uptane.Target{Filename: "unknown", Ecus: map[uptane.EcuSerial]uptane.HardwareID{}}
}
