/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package uptane

import (
	"fmt"
	"sort"

	"github.com/kentakayama/uptane-primary/internal/util"
)

type BundleKey struct {
	Repo RepositoryType
	Role Role
}

// MetaBundle is a set of raw metadata documents keyed by repository and
// role, exchanged as one unit.
type MetaBundle map[BundleKey][]byte

func (b MetaBundle) Get(repo RepositoryType, role Role) ([]byte, bool) {
	raw, ok := b[BundleKey{Repo: repo, Role: role}]
	return raw, ok
}

func (b MetaBundle) Put(repo RepositoryType, role Role, raw []byte) {
	b[BundleKey{Repo: repo, Role: role}] = raw
}

type bundleEntry struct {
	_    struct{} `cbor:",toarray"`
	Repo string
	Role string
	Body []byte
}

// MarshalCBOR encodes the bundle as a deterministic array of
// [repo, role, body] entries.
func (b MetaBundle) MarshalCBOR() ([]byte, error) {
	entries := make([]bundleEntry, 0, len(b))
	for k, v := range b {
		entries = append(entries, bundleEntry{Repo: k.Repo.String(), Role: k.Role.String(), Body: v})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Repo != entries[j].Repo {
			return entries[i].Repo < entries[j].Repo
		}
		return entries[i].Role < entries[j].Role
	})
	return util.MarshalCBOR(entries)
}

func (b *MetaBundle) UnmarshalCBOR(data []byte) error {
	var entries []bundleEntry
	if err := util.UnmarshalCBOR(data, &entries); err != nil {
		return err
	}
	out := make(MetaBundle, len(entries))
	for _, e := range entries {
		repo, err := ParseRepositoryType(e.Repo)
		if err != nil {
			return err
		}
		role := ParseRole(e.Role)
		if !role.IsValid() {
			if role, err = NewDelegation(e.Role); err != nil {
				return fmt.Errorf("bundle entry %s/%s: %w", e.Repo, e.Role, err)
			}
		}
		out.Put(repo, role, e.Body)
	}
	*b = out
	return nil
}
