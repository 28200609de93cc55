/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package agent

type State int

const (
	StateUnprovisioned State = iota
	StateSendingDeviceData
	StateIdle
	StateCheckingForUpdates
	StateDownloading
	StateInstalling
	StateSendingManifest
	StateAwaitReboot
	StateCheckingForUpdatesOffline
	StateFetchingImagesOffline
	StateInstallingOffline
)

var stateNames = [...]string{
	StateUnprovisioned:             "Unprovisioned",
	StateSendingDeviceData:         "SendingDeviceData",
	StateIdle:                      "Idle",
	StateCheckingForUpdates:        "CheckingForUpdates",
	StateDownloading:               "Downloading",
	StateInstalling:                "Installing",
	StateSendingManifest:           "SendingManifest",
	StateAwaitReboot:               "AwaitReboot",
	StateCheckingForUpdatesOffline: "CheckingForUpdatesOffline",
	StateFetchingImagesOffline:     "FetchingImagesOffline",
	StateInstallingOffline:         "InstallingOffline",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "Unknown"
	}
	return stateNames[s]
}

// Terminal reports whether the loop has nothing left to do in this
// process.
func (s State) Terminal() bool {
	return s == StateAwaitReboot
}

// RunMode selects when the update loop returns.
type RunMode int

const (
	// RunOnce performs a single check, download and install pass.
	RunOnce RunMode = iota
	// RunUntilRebootNeeded loops until an install needs a reboot or the
	// agent is shut down.
	RunUntilRebootNeeded
)

func (m RunMode) String() string {
	switch m {
	case RunOnce:
		return "once"
	case RunUntilRebootNeeded:
		return "until-reboot-needed"
	default:
		return "unknown"
	}
}
