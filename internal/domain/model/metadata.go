/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package model

import "github.com/kentakayama/uptane-primary/internal/uptane"

// RootWrite records a newly trusted Root for one repository.
type RootWrite struct {
	Version int
	Raw     []byte
}

// NonRootWrite records Timestamp, Snapshot, Targets or delegated metadata.
type NonRootWrite struct {
	Role uptane.Role
	Raw  []byte
}

// MetadataChanges is everything one verification pass decided to trust for
// a repository. It is applied in a single transaction: roots first, then
// the optional clearing of non-root metadata, then the non-root writes.
type MetadataChanges struct {
	Repo         uptane.RepositoryType
	Roots        []RootWrite
	ClearNonRoot bool
	NonRoot      []NonRootWrite
}

func (c *MetadataChanges) IsEmpty() bool {
	return len(c.Roots) == 0 && !c.ClearNonRoot && len(c.NonRoot) == 0
}
