/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package model

import "github.com/kentakayama/uptane-primary/internal/uptane"

type InstalledVersionMode int

const (
	InstalledNone InstalledVersionMode = iota
	InstalledCurrent
	InstalledPending
)

func (m InstalledVersionMode) String() string {
	switch m {
	case InstalledCurrent:
		return "current"
	case InstalledPending:
		return "pending"
	default:
		return "none"
	}
}

// InstalledVersions is the installed state of one ECU.
type InstalledVersions struct {
	Current *uptane.Target
	Pending *uptane.Target
}

// PendingEcu names an ECU whose install awaits completion.
type PendingEcu struct {
	Serial uptane.EcuSerial
	Target uptane.Target
}
