/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package model

import "github.com/kentakayama/uptane-primary/internal/uptane"

// Ecu is one entry of the device's ECU inventory.
type Ecu struct {
	Serial     uptane.EcuSerial
	HardwareID uptane.HardwareID
	IsPrimary  bool
}
