/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package uptane

import (
	"fmt"
	"strconv"
	"strings"
)

// RepositoryType names one of the two Uptane repositories.
type RepositoryType int

const (
	RepoUnknown RepositoryType = iota
	RepoDirector
	RepoImage
)

func (r RepositoryType) String() string {
	switch r {
	case RepoDirector:
		return "director"
	case RepoImage:
		return "image"
	default:
		return ""
	}
}

// ParseRepositoryType accepts "director", "image" and the legacy "repo".
func ParseRepositoryType(s string) (RepositoryType, error) {
	switch s {
	case "director":
		return RepoDirector, nil
	case "image", "repo":
		return RepoImage, nil
	default:
		return RepoUnknown, fmt.Errorf("incorrect repository type: %q", s)
	}
}

type roleKind int

const (
	roleInvalid roleKind = iota
	roleRoot
	roleSnapshot
	roleTargets
	roleTimestamp
	roleOfflineSnapshot
	roleOfflineUpdates
	roleDelegation
)

const (
	RoleNameRoot            = "root"
	RoleNameSnapshot        = "snapshot"
	RoleNameTargets         = "targets"
	RoleNameTimestamp       = "timestamp"
	RoleNameOfflineSnapshot = "offline-snapshot"
	RoleNameOfflineUpdates  = "offline-updates"
	roleNameInvalid         = "invalidrole"
)

var reservedRoles = map[string]roleKind{
	RoleNameRoot:            roleRoot,
	RoleNameSnapshot:        roleSnapshot,
	RoleNameTargets:         roleTargets,
	RoleNameTimestamp:       roleTimestamp,
	RoleNameOfflineSnapshot: roleOfflineSnapshot,
	RoleNameOfflineUpdates:  roleOfflineUpdates,
}

// Role is a metadata role. Built-in roles compare case-insensitively,
// delegated roles keep the case they were created with.
type Role struct {
	kind roleKind
	name string
}

var (
	RoleRoot            = Role{kind: roleRoot, name: RoleNameRoot}
	RoleSnapshot        = Role{kind: roleSnapshot, name: RoleNameSnapshot}
	RoleTargets         = Role{kind: roleTargets, name: RoleNameTargets}
	RoleTimestamp       = Role{kind: roleTimestamp, name: RoleNameTimestamp}
	RoleOfflineSnapshot = Role{kind: roleOfflineSnapshot, name: RoleNameOfflineSnapshot}
	RoleOfflineUpdates  = Role{kind: roleOfflineUpdates, name: RoleNameOfflineUpdates}
)

// ParseRole maps a role name onto a built-in role. Unknown names yield an
// invalid role.
func ParseRole(name string) Role {
	if kind, ok := reservedRoles[strings.ToLower(name)]; ok {
		return Role{kind: kind, name: strings.ToLower(name)}
	}
	return Role{kind: roleInvalid, name: roleNameInvalid}
}

// NewDelegation creates a delegated role. Names that collide with a
// built-in role are rejected.
func NewDelegation(name string) (Role, error) {
	if IsReservedRole(name) {
		return Role{}, fmt.Errorf("delegated role name %s is reserved", name)
	}
	if name == "" {
		return Role{}, fmt.Errorf("empty delegated role name")
	}
	return Role{kind: roleDelegation, name: name}, nil
}

func IsReservedRole(name string) bool {
	_, ok := reservedRoles[strings.ToLower(name)]
	return ok
}

func (r Role) String() string     { return r.name }
func (r Role) IsDelegation() bool { return r.kind == roleDelegation }
func (r Role) IsValid() bool      { return r.kind != roleInvalid }

// Version is a metadata version number. AnyVersion files metadata without
// a version prefix.
type Version int

const AnyVersion Version = -1

// RoleFileName returns "N.role.json", or "role.json" for AnyVersion.
func (v Version) RoleFileName(role Role) string {
	if v == AnyVersion {
		return role.String() + ".json"
	}
	return strconv.Itoa(int(v)) + "." + role.String() + ".json"
}

func (v Version) String() string {
	if v == AnyVersion {
		return "ANY"
	}
	return strconv.Itoa(int(v))
}
