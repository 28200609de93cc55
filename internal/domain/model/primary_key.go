/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package model

import "time"

// PrimaryKey is the signing key of the primary ECU.
type PrimaryKey struct {
	KeyType    string
	PublicKey  []byte
	PrivateKey []byte
	CreatedAt  time.Time
}
