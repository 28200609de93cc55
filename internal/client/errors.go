/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package client

import "errors"

var (
	ErrNotProvisioned     = errors.New("device is not provisioned")
	ErrProvisioningFailed = errors.New("provisioning failed")
	ErrPendingUpdates     = errors.New("an installation is pending")
	ErrNoPrimaryKey       = errors.New("primary key is missing")
	ErrManifestRejected   = errors.New("manifest rejected by the server")
)
