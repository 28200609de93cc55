/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package model

import "time"

// ReportEvent is a queued event for the server's event endpoint. Payload
// holds the CBOR encoded event body.
type ReportEvent struct {
	ID         int64
	EventID    string
	Type       string
	Version    int
	DeviceTime time.Time
	Payload    []byte
}
