/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

// Package events defines the lifecycle events published by the client.
package events

import (
	"strconv"

	"github.com/kentakayama/uptane-primary/internal/result"
	"github.com/kentakayama/uptane-primary/internal/uptane"
)

// Event is one of the types declared in this package.
type Event interface {
	Name() string
	event()
}

type SendDeviceDataComplete struct{}

type PutManifestComplete struct {
	Success bool
}

type UpdateCheckComplete struct {
	Result result.UpdateCheck
}

// DownloadProgressReport carries the percentage of a target received.
type DownloadProgressReport struct {
	Target      uptane.Target
	Description string
	Progress    int
}

type DownloadTargetComplete struct {
	Target  uptane.Target
	Success bool
}

type AllDownloadsComplete struct {
	Result result.Download
}

type InstallStarted struct {
	Serial uptane.EcuSerial
}

type InstallTargetComplete struct {
	Serial  uptane.EcuSerial
	Success bool
}

type AllInstallsComplete struct {
	Result result.Install
}

type CampaignCheckComplete struct {
	Result result.CampaignCheck
}

type CampaignAcceptComplete struct{}

type CampaignDeclineComplete struct{}

type CampaignPostponeComplete struct{}

// Error reports a failure that has no dedicated completion event.
type Error struct {
	Message string
}

func (SendDeviceDataComplete) Name() string   { return "SendDeviceDataComplete" }
func (PutManifestComplete) Name() string      { return "PutManifestComplete" }
func (UpdateCheckComplete) Name() string      { return "UpdateCheckComplete" }
func (DownloadProgressReport) Name() string   { return "DownloadProgressReport" }
func (DownloadTargetComplete) Name() string   { return "DownloadTargetComplete" }
func (AllDownloadsComplete) Name() string     { return "AllDownloadsComplete" }
func (InstallStarted) Name() string           { return "InstallStarted" }
func (InstallTargetComplete) Name() string    { return "InstallTargetComplete" }
func (AllInstallsComplete) Name() string      { return "AllInstallsComplete" }
func (CampaignCheckComplete) Name() string    { return "CampaignCheckComplete" }
func (CampaignAcceptComplete) Name() string   { return "CampaignAcceptComplete" }
func (CampaignDeclineComplete) Name() string  { return "CampaignDeclineComplete" }
func (CampaignPostponeComplete) Name() string { return "CampaignPostponeComplete" }
func (Error) Name() string                    { return "Error" }

func (SendDeviceDataComplete) event()   {}
func (PutManifestComplete) event()      {}
func (UpdateCheckComplete) event()      {}
func (DownloadProgressReport) event()   {}
func (DownloadTargetComplete) event()   {}
func (AllDownloadsComplete) event()     {}
func (InstallStarted) event()           {}
func (InstallTargetComplete) event()    {}
func (AllInstallsComplete) event()      {}
func (CampaignCheckComplete) event()    {}
func (CampaignAcceptComplete) event()   {}
func (CampaignDeclineComplete) event()  {}
func (CampaignPostponeComplete) event() {}
func (Error) event()                    {}

func successText(ok bool) string {
	if ok {
		return "Result - Success"
	}
	return "Result - Error"
}

// Summary is the short human readable outcome logged with an event, empty
// when the event carries none.
func Summary(ev Event) string {
	switch e := ev.(type) {
	case PutManifestComplete:
		return successText(e.Success)
	case UpdateCheckComplete:
		return "Result - " + e.Result.Status.String()
	case DownloadProgressReport:
		return "Progress at " + strconv.Itoa(e.Progress) + "%"
	case DownloadTargetComplete:
		return successText(e.Success)
	case AllDownloadsComplete:
		return "Result - " + e.Result.Status.String()
	case InstallTargetComplete:
		return successText(e.Success)
	case AllInstallsComplete:
		return "Result - " + e.Result.Device.Code.String()
	case Error:
		return e.Message
	default:
		return ""
	}
}
