/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

// Package result holds the outcomes of the client's public operations.
package result

import (
	"github.com/kentakayama/uptane-primary/internal/campaign"
	"github.com/kentakayama/uptane-primary/internal/uptane"
)

type UpdateStatus int

const (
	UpdatesAvailable UpdateStatus = iota
	NoUpdatesAvailable
	UpdateError
)

func (s UpdateStatus) String() string {
	switch s {
	case UpdatesAvailable:
		return "Updates available"
	case NoUpdatesAvailable:
		return "No updates available"
	case UpdateError:
		return "Error"
	default:
		return "Unknown"
	}
}

// UpdateCheck is the outcome of checking both repositories for updates.
type UpdateCheck struct {
	Updates   []uptane.Target
	EcusCount int
	Status    UpdateStatus
	Message   string
}

type DownloadStatus int

const (
	DownloadSuccess DownloadStatus = iota
	DownloadPartialSuccess
	NothingToDownload
	DownloadError
)

func (s DownloadStatus) String() string {
	switch s {
	case DownloadSuccess:
		return "Success"
	case DownloadPartialSuccess:
		return "Partial success"
	case NothingToDownload:
		return "Nothing to download"
	case DownloadError:
		return "Error"
	default:
		return "Unknown"
	}
}

type Download struct {
	Updates []uptane.Target
	Status  DownloadStatus
	Message string
}

// EcuReport is the installation outcome of one target on one ECU.
type EcuReport struct {
	Target uptane.Target
	Serial uptane.EcuSerial
	Result uptane.InstallationResult
}

// Install aggregates the per-ECU reports into a device result.
type Install struct {
	Ecus   []EcuReport
	Device uptane.InstallationResult
}

type CampaignCheck struct {
	Campaigns []campaign.Campaign
}

type PauseStatus int

const (
	PauseSuccess PauseStatus = iota
	AlreadyPaused
	AlreadyRunning
	PauseError
)

func (s PauseStatus) String() string {
	switch s {
	case PauseSuccess:
		return "Success"
	case AlreadyPaused:
		return "Already paused"
	case AlreadyRunning:
		return "Already running"
	default:
		return "Error"
	}
}
