/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package uptane

import (
	"encoding/json"
	"sort"
	"strings"
)

const (
	// MaxRootSize bounds every fetched Root, Timestamp and Director
	// Targets document.
	MaxRootSize            int64 = 64 * 1024
	MaxDirectorTargetsSize int64 = 64 * 1024
	MaxTimestampSize       int64 = 64 * 1024
	MaxSnapshotSize        int64 = 64 * 1024
	MaxImageTargetsSize    int64 = 8 * 1024 * 1024
	MaxRootRotations             = 10
	MaxDelegationDepth           = 5
)

// Root is verified trust anchor metadata for one repository.
type Root struct {
	Repo    RepositoryType
	Version int
	Expires TimeStamp
	Raw     []byte
	keys    *KeySet
}

type rootSignedJSON struct {
	Keys  map[string]json.RawMessage `json:"keys"`
	Roles map[string]roleJSON        `json:"roles"`
}

// ParseRoot decodes Root metadata, its keys and role thresholds. The
// signatures are checked separately with Verify.
func ParseRoot(repo RepositoryType, raw []byte) (*Root, *SignedMetadata, error) {
	m, err := ParseSignedMetadata(repo, RoleRoot, raw)
	if err != nil {
		return nil, nil, err
	}
	var body rootSignedJSON
	if err := json.Unmarshal(m.Signed, &body); err != nil {
		return nil, nil, NewInvalidMetadata(repo.String(), RoleNameRoot, err.Error())
	}
	ks := NewKeySet(repo)
	if err := ks.addKeysJSON(body.Keys); err != nil {
		return nil, nil, err
	}
	for name, r := range body.Roles {
		role := ParseRole(name)
		if !role.IsValid() {
			continue
		}
		if err := ks.SetRole(role, r.KeyIDs, r.Threshold); err != nil {
			return nil, nil, err
		}
	}
	if _, ok := ks.Threshold(RoleRoot); !ok {
		return nil, nil, NewInvalidMetadata(repo.String(), RoleNameRoot, "no root role")
	}
	return &Root{Repo: repo, Version: m.Version, Expires: m.Expires, Raw: raw, keys: ks}, m, nil
}

// Verify checks m against the keys this Root authorises for role.
func (r *Root) Verify(role Role, m *SignedMetadata) error {
	return r.keys.Verify(role, m)
}

func (r *Root) IsExpiredAt(now TimeStamp) bool { return r.Expires.IsExpiredAt(now) }

// MetaFileInfo is a Snapshot or Timestamp entry describing another role.
type MetaFileInfo struct {
	Version int
	Length  int64
	Hashes  []Hash
}

type metaFileJSON struct {
	Version int               `json:"version"`
	Length  int64             `json:"length,omitempty"`
	Hashes  map[string]string `json:"hashes,omitempty"`
}

func (f metaFileJSON) info() MetaFileInfo {
	return MetaFileInfo{Version: f.Version, Length: f.Length, Hashes: hashesFromMap(f.Hashes)}
}

// Timestamp references the current Snapshot.
type Timestamp struct {
	Version  int
	Expires  TimeStamp
	Snapshot MetaFileInfo
	Raw      []byte
}

func ParseTimestamp(repo RepositoryType, m *SignedMetadata) (*Timestamp, error) {
	var body struct {
		Meta map[string]metaFileJSON `json:"meta"`
	}
	if err := json.Unmarshal(m.Signed, &body); err != nil {
		return nil, NewInvalidMetadata(repo.String(), RoleNameTimestamp, err.Error())
	}
	snap, ok := body.Meta[RoleNameSnapshot+".json"]
	if !ok {
		return nil, NewInvalidMetadata(repo.String(), RoleNameTimestamp, "no snapshot reference")
	}
	return &Timestamp{Version: m.Version, Expires: m.Expires, Snapshot: snap.info(), Raw: m.Raw}, nil
}

func (t *Timestamp) IsExpiredAt(now TimeStamp) bool { return t.Expires.IsExpiredAt(now) }

// Snapshot lists the current version of every Targets role.
type Snapshot struct {
	Role    Role
	Version int
	Expires TimeStamp
	Meta    map[string]MetaFileInfo
	Raw     []byte
}

func ParseSnapshot(repo RepositoryType, role Role, m *SignedMetadata) (*Snapshot, error) {
	var body struct {
		Meta map[string]metaFileJSON `json:"meta"`
	}
	if err := json.Unmarshal(m.Signed, &body); err != nil {
		return nil, NewInvalidMetadata(repo.String(), role.String(), err.Error())
	}
	meta := make(map[string]MetaFileInfo, len(body.Meta))
	for name, f := range body.Meta {
		meta[name] = f.info()
	}
	return &Snapshot{Role: role, Version: m.Version, Expires: m.Expires, Meta: meta, Raw: m.Raw}, nil
}

func (s *Snapshot) entry(role Role) (MetaFileInfo, bool) {
	if s == nil {
		return MetaFileInfo{}, false
	}
	info, ok := s.Meta[role.String()+".json"]
	return info, ok
}

// RoleVersion returns the version Snapshot expects for role, or -1.
func (s *Snapshot) RoleVersion(role Role) int {
	info, ok := s.entry(role)
	if !ok {
		return -1
	}
	return info.Version
}

// RoleSize returns the declared length of role, 0 when not declared.
func (s *Snapshot) RoleSize(role Role) int64 {
	info, _ := s.entry(role)
	return info.Length
}

func (s *Snapshot) RoleHashes(role Role) []Hash {
	info, _ := s.entry(role)
	return info.Hashes
}

// RoleNames lists the roles referenced by this Snapshot, sorted.
func (s *Snapshot) RoleNames() []string {
	names := make([]string, 0, len(s.Meta))
	for name := range s.Meta {
		names = append(names, strings.TrimSuffix(name, ".json"))
	}
	sort.Strings(names)
	return names
}

func (s *Snapshot) IsExpiredAt(now TimeStamp) bool { return s.Expires.IsExpiredAt(now) }

// Delegation grants a delegated role authority over target paths.
type Delegation struct {
	Role        Role
	Paths       []string
	Terminating bool
}

// Targets is parsed Targets metadata, top level or delegated.
type Targets struct {
	Repo           RepositoryType
	Role           Role
	Version        int
	Expires        TimeStamp
	Targets        []Target
	Delegations    []Delegation
	CorrelationID  string
	Raw            []byte
	delegationKeys *KeySet
}

type targetsSignedJSON struct {
	Targets     map[string]json.RawMessage `json:"targets"`
	Delegations *struct {
		Keys  map[string]json.RawMessage `json:"keys"`
		Roles []roleJSON                 `json:"roles"`
	} `json:"delegations"`
	Custom *struct {
		CorrelationID string `json:"correlationId"`
	} `json:"custom"`
}

func ParseTargets(repo RepositoryType, role Role, m *SignedMetadata) (*Targets, error) {
	var body targetsSignedJSON
	if err := json.Unmarshal(m.Signed, &body); err != nil {
		return nil, NewInvalidMetadata(repo.String(), role.String(), err.Error())
	}
	t := &Targets{Repo: repo, Role: role, Version: m.Version, Expires: m.Expires, Raw: m.Raw}
	if body.Custom != nil {
		t.CorrelationID = body.Custom.CorrelationID
	}

	names := make([]string, 0, len(body.Targets))
	for name := range body.Targets {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		target, err := ParseTarget(name, body.Targets[name])
		if err != nil {
			return nil, NewInvalidMetadata(repo.String(), role.String(), err.Error())
		}
		target.CorrelationID = t.CorrelationID
		t.Targets = append(t.Targets, target)
	}

	if body.Delegations != nil {
		ks := NewKeySet(repo)
		if err := ks.addKeysJSON(body.Delegations.Keys); err != nil {
			return nil, err
		}
		for _, d := range body.Delegations.Roles {
			drole, err := NewDelegation(d.Name)
			if err != nil {
				return nil, NewInvalidMetadata(repo.String(), role.String(), err.Error())
			}
			if err := ks.SetRole(drole, d.KeyIDs, d.Threshold); err != nil {
				return nil, err
			}
			t.Delegations = append(t.Delegations, Delegation{Role: drole, Paths: d.Paths, Terminating: d.Terminating})
		}
		t.delegationKeys = ks
	}
	return t, nil
}

// VerifyDelegation checks delegated metadata against the keys this
// Targets assigns to the delegated role.
func (t *Targets) VerifyDelegation(role Role, m *SignedMetadata) error {
	if t.delegationKeys == nil {
		return NewDelegationMissing(role.String())
	}
	return t.delegationKeys.Verify(role, m)
}

func (t *Targets) IsExpiredAt(now TimeStamp) bool { return t.Expires.IsExpiredAt(now) }

// Find returns the target with the given filename.
func (t *Targets) Find(filename string) (Target, bool) {
	if t == nil {
		return Target{}, false
	}
	for _, target := range t.Targets {
		if target.Filename == filename {
			return target, true
		}
	}
	return Target{}, false
}
