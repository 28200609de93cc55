/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package domain

import "errors"

var (
	ErrNotFound   = errors.New("item not found")
	ErrNoPrimary  = errors.New("no primary ECU in inventory")
	ErrCorruptRow = errors.New("stored record is corrupt")
)
