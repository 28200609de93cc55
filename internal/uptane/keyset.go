/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package uptane

import (
	"encoding/json"
	"fmt"

	"github.com/kentakayama/uptane-primary/internal/util"
)

const (
	minSignatures = 1
	maxSignatures = 1000
)

type roleKeys struct {
	keyIDs    util.Set[string]
	threshold int
}

// KeySet holds trusted public keys and, per role, the key IDs allowed to
// sign it and how many of them must.
type KeySet struct {
	repo  RepositoryType
	keys  map[string]PublicKey
	roles map[string]roleKeys
}

func NewKeySet(repo RepositoryType) *KeySet {
	return &KeySet{repo: repo, keys: map[string]PublicKey{}, roles: map[string]roleKeys{}}
}

// AddKey registers key under id. The id must be the key's own key ID.
func (ks *KeySet) AddKey(id string, key PublicKey) error {
	if key.KeyID() != id {
		return NewBadKeyID(ks.repo.String())
	}
	ks.keys[id] = key
	return nil
}

// SetRole authorises keyIDs for role with the given threshold.
func (ks *KeySet) SetRole(role Role, keyIDs []string, threshold int) error {
	if threshold < minSignatures {
		return NewIllegalThreshold(ks.repo.String(), "Invalid role threshold")
	}
	if threshold > maxSignatures {
		return NewIllegalThreshold(ks.repo.String(), "Too many signatures")
	}
	ks.roles[role.String()] = roleKeys{keyIDs: util.SetOf(keyIDs...), threshold: threshold}
	return nil
}

func (ks *KeySet) Threshold(role Role) (int, bool) {
	rk, ok := ks.roles[role.String()]
	return rk.threshold, ok
}

// Verify requires threshold distinct valid signatures from authorised
// keys. Signatures by unknown keys and undecodable or invalid signatures
// are skipped; a key ID appearing twice rejects the whole document.
func (ks *KeySet) Verify(role Role, m *SignedMetadata) error {
	repo := ks.repo.String()
	rk, ok := ks.roles[role.String()]
	if !ok {
		return NewUnmetThreshold(repo, role.String())
	}
	if rk.threshold < minSignatures || rk.threshold > maxSignatures {
		return NewIllegalThreshold(repo, "Invalid role threshold")
	}
	if len(m.Signatures) == 0 {
		return NewUnmetThreshold(repo, role.String())
	}

	seen := util.NewSet[string]()
	valid := 0
	for _, sig := range m.Signatures {
		if !seen.AddNew(sig.KeyID) {
			return NewNonUniqueSignatures(repo, role.String())
		}

		if !rk.keyIDs.Has(sig.KeyID) {
			continue
		}
		key, ok := ks.keys[sig.KeyID]
		if !ok {
			continue
		}
		raw, err := decodeSig(sig.Sig)
		if err != nil {
			continue
		}
		if err := key.Verify(sig.Method, m.canonical, raw); err != nil {
			continue
		}
		valid++
	}
	if valid < rk.threshold {
		return NewUnmetThreshold(repo, role.String())
	}
	return nil
}

type roleJSON struct {
	Name        string   `json:"name,omitempty"`
	KeyIDs      []string `json:"keyids"`
	Threshold   int      `json:"threshold"`
	Paths       []string `json:"paths,omitempty"`
	Terminating bool     `json:"terminating,omitempty"`
}

func (ks *KeySet) addKeysJSON(raw map[string]json.RawMessage) error {
	for id, kraw := range raw {
		var key PublicKey
		if err := json.Unmarshal(kraw, &key); err != nil {
			return NewInvalidMetadata(ks.repo.String(), "keys", fmt.Sprintf("key %s: %v", id, err))
		}
		if err := ks.AddKey(id, key); err != nil {
			return err
		}
	}
	return nil
}
