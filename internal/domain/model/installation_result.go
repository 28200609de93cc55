/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package model

import "github.com/kentakayama/uptane-primary/internal/uptane"

type EcuInstallationResult struct {
	Serial uptane.EcuSerial
	Result uptane.InstallationResult
}

type DeviceInstallationResult struct {
	Result        uptane.InstallationResult
	RawReport     string
	CorrelationID string
}
