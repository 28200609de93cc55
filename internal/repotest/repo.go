/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

// Package repotest generates signed Director and Image repositories for
// tests and serves them over HTTP or from a directory.
package repotest

import (
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"maps"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kentakayama/uptane-primary/internal/uptane"
)

const DefaultExpires = "2999-01-01T00:00:00Z"

type delegation struct {
	name        string
	paths       []string
	terminating bool
	signer      *uptane.Signer
	targets     map[string]any
	version     int
	unlisted    bool
}

// Repo is a signed repository under construction. Publish signs the
// current state; the served files change only on Publish, RotateRoot and
// Put.
type Repo struct {
	t    testing.TB
	Type uptane.RepositoryType

	// CorrelationID is written to the custom field of Director Targets.
	CorrelationID string

	mu          sync.Mutex
	threshold   int
	rootVersion int
	rootKeys    []*uptane.Signer
	keys        map[string][]*uptane.Signer
	expires     map[string]string
	versions    map[string]int
	targets     map[string]any
	delegations []*delegation
	images      map[string][]byte
	files       map[string][]byte
}

// NewRepo creates a repository with version 1 of its Root. Every role has
// threshold keys and requires all of them.
func NewRepo(t testing.TB, repo uptane.RepositoryType, threshold int) *Repo {
	t.Helper()
	r := &Repo{
		t:         t,
		Type:      repo,
		threshold: threshold,
		keys:      map[string][]*uptane.Signer{},
		expires:   map[string]string{},
		versions:  map[string]int{},
		targets:   map[string]any{},
		images:    map[string][]byte{},
		files:     map[string][]byte{},
	}
	r.rootKeys = r.newSigners(threshold)
	for _, role := range r.roles() {
		r.keys[role] = r.newSigners(threshold)
	}
	r.rootVersion = 1
	r.publishRoot(r.rootKeys)
	return r
}

func NewDirector(t testing.TB) *Repo  { return NewRepo(t, uptane.RepoDirector, 1) }
func NewImageRepo(t testing.TB) *Repo { return NewRepo(t, uptane.RepoImage, 1) }

func (r *Repo) roles() []string {
	roles := []string{uptane.RoleNameTargets, uptane.RoleNameSnapshot, uptane.RoleNameTimestamp}
	if r.Type == uptane.RepoDirector {
		roles = append(roles, uptane.RoleNameOfflineSnapshot, uptane.RoleNameOfflineUpdates)
	}
	return roles
}

func (r *Repo) newSigners(n int) []*uptane.Signer {
	out := make([]*uptane.Signer, 0, n)
	for range n {
		priv, err := uptane.GenerateED25519()
		require.NoError(r.t, err)
		s, err := uptane.NewSigner(priv)
		require.NoError(r.t, err)
		out = append(out, s)
	}
	return out
}

func keyEntries(signers []*uptane.Signer, keys map[string]any) []string {
	ids := make([]string, 0, len(signers))
	for _, s := range signers {
		keys[s.KeyID()] = s.PublicKey()
		ids = append(ids, s.KeyID())
	}
	return ids
}

func (r *Repo) expiry(role string) string {
	if e, ok := r.expires[role]; ok {
		return e
	}
	return DefaultExpires
}

func (r *Repo) rootBody() map[string]any {
	keys := map[string]any{}
	roles := map[string]any{
		uptane.RoleNameRoot: map[string]any{"keyids": keyEntries(r.rootKeys, keys), "threshold": r.threshold},
	}
	for _, role := range r.roles() {
		roles[role] = map[string]any{"keyids": keyEntries(r.keys[role], keys), "threshold": r.threshold}
	}
	return map[string]any{
		"_type":   "Root",
		"version": r.rootVersion,
		"expires": r.expiry(uptane.RoleNameRoot),
		"keys":    keys,
		"roles":   roles,
	}
}

func (r *Repo) sign(body map[string]any, signers []*uptane.Signer) []byte {
	raw, err := uptane.Sign(body, signers...)
	require.NoError(r.t, err)
	return raw
}

func (r *Repo) publishRoot(signers []*uptane.Signer) {
	raw := r.sign(r.rootBody(), signers)
	r.files[uptane.Version(r.rootVersion).RoleFileName(uptane.RoleRoot)] = raw
	r.files[uptane.AnyVersion.RoleFileName(uptane.RoleRoot)] = raw
}

// RotateRoot publishes the next Root with fresh root keys, signed by both
// the previous and the new keys.
func (r *Repo) RotateRoot() {
	r.mu.Lock()
	defer r.mu.Unlock()
	old := r.rootKeys
	r.rootKeys = r.newSigners(r.threshold)
	r.rootVersion++
	r.publishRoot(append(append([]*uptane.Signer{}, old...), r.rootKeys...))
}

// RotateRoleKeys replaces the keys of role in the next Root.
func (r *Repo) RotateRoleKeys(role string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.keys[role] = r.newSigners(r.threshold)
	r.rootVersion++
	r.publishRoot(r.rootKeys)
}

// PutRootVersion publishes a Root body under file version n, signed by
// the current root keys, without advancing the repository.
func (r *Repo) PutRootVersion(n, claimed int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	body := r.rootBody()
	body["version"] = claimed
	r.files[uptane.Version(n).RoleFileName(uptane.RoleRoot)] = r.sign(body, r.rootKeys)
}

func (r *Repo) RootVersion() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rootVersion
}

func (r *Repo) SetExpires(role, expires string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.expires[role] = expires
}

// AddImage lists content in the Image repository for the given hardware
// IDs and serves it under targets/.
func (r *Repo) AddImage(name string, content []byte, hwids ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.targets[name] = imageEntry(content, hwids, nil)
	r.images[name] = content
}

// AddImageCustom lists content with extra custom data.
func (r *Repo) AddImageCustom(name string, content []byte, custom map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.targets[name] = imageEntry(content, nil, custom)
	r.images[name] = content
}

// AssignImage lists content in the Director's Targets for the ECU.
func (r *Repo) AssignImage(name string, content []byte, serial, hwid string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.targets[name].(map[string]any)
	if !ok {
		entry = map[string]any{
			"length": len(content),
			"hashes": map[string]any{"sha256": sha256Hex(content)},
			"custom": map[string]any{"ecuIdentifiers": map[string]any{}},
		}
	}
	custom := entry["custom"].(map[string]any)
	ids := custom["ecuIdentifiers"].(map[string]any)
	ids[serial] = map[string]any{"hardwareId": hwid}
	r.targets[name] = entry
}

// PutTargetEntry replaces a raw entry of the top level Targets.
func (r *Repo) PutTargetEntry(name string, entry map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.targets[name] = entry
}

func (r *Repo) ClearTargets() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.targets = map[string]any{}
}

// AddDelegation delegates paths of the top level Targets to a new role
// with its own key.
func (r *Repo) AddDelegation(name string, paths []string, terminating bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.delegations = append(r.delegations, &delegation{
		name:        name,
		paths:       paths,
		terminating: terminating,
		signer:      r.newSigners(1)[0],
		targets:     map[string]any{},
	})
}

// AddDelegatedImage lists content in a delegated role.
func (r *Repo) AddDelegatedImage(role, name string, content []byte, hwids ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, d := range r.delegations {
		if d.name == role {
			d.targets[name] = imageEntry(content, hwids, nil)
			r.images[name] = content
			return
		}
	}
	r.t.Fatalf("no delegation %s", role)
}

// UnlistDelegation leaves role out of the Snapshots published from now on.
func (r *Repo) UnlistDelegation(role string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, d := range r.delegations {
		if d.name == role {
			d.unlisted = true
			return
		}
	}
	r.t.Fatalf("no delegation %s", role)
}

func imageEntry(content []byte, hwids []string, custom map[string]any) map[string]any {
	sum512 := sha512.Sum512(content)
	if custom == nil {
		custom = map[string]any{}
	}
	if len(hwids) > 0 {
		custom["hardwareIds"] = hwids
	}
	return map[string]any{
		"length": len(content),
		"hashes": map[string]any{"sha256": sha256Hex(content), "sha512": hex.EncodeToString(sum512[:])},
		"custom": custom,
	}
}

func sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func metaHashes(t testing.TB, raw []byte) map[string]any {
	hs, err := uptane.CanonicalHashes(raw)
	require.NoError(t, err)
	out := map[string]any{}
	for _, h := range hs {
		out[string(h.Type)] = h.Value
	}
	return out
}

func (r *Repo) targetsBody(role string, version int) map[string]any {
	body := map[string]any{
		"_type":   "Targets",
		"version": version,
		"expires": r.expiry(role),
		"targets": maps.Clone(r.targets),
	}
	if r.CorrelationID != "" {
		body["custom"] = map[string]any{"correlationId": r.CorrelationID}
	}
	if len(r.delegations) > 0 {
		keys := map[string]any{}
		roles := []any{}
		for _, d := range r.delegations {
			roles = append(roles, map[string]any{
				"name":        d.name,
				"keyids":      keyEntries([]*uptane.Signer{d.signer}, keys),
				"threshold":   1,
				"paths":       d.paths,
				"terminating": d.terminating,
			})
		}
		body["delegations"] = map[string]any{"keys": keys, "roles": roles}
	}
	return body
}

// Publish signs Targets (and for the Image repository delegations,
// Snapshot and Timestamp) with bumped versions.
func (r *Repo) Publish() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.versions[uptane.RoleNameTargets]++
	targets := r.sign(r.targetsBody(uptane.RoleNameTargets, r.versions[uptane.RoleNameTargets]), r.keys[uptane.RoleNameTargets])
	r.files["targets.json"] = targets
	if r.Type == uptane.RepoDirector {
		return
	}

	meta := map[string]any{
		"targets.json": map[string]any{
			"version": r.versions[uptane.RoleNameTargets],
			"length":  len(targets),
			"hashes":  metaHashes(r.t, targets),
		},
	}
	for _, d := range r.delegations {
		d.version++
		raw := r.sign(map[string]any{
			"_type":   "Targets",
			"version": d.version,
			"expires": r.expiry(d.name),
			"targets": maps.Clone(d.targets),
		}, []*uptane.Signer{d.signer})
		r.files["delegations/"+d.name+".json"] = raw
		if !d.unlisted {
			meta[d.name+".json"] = map[string]any{"version": d.version, "length": len(raw), "hashes": metaHashes(r.t, raw)}
		}
	}

	r.versions[uptane.RoleNameSnapshot]++
	snapshot := r.sign(map[string]any{
		"_type":   "Snapshot",
		"version": r.versions[uptane.RoleNameSnapshot],
		"expires": r.expiry(uptane.RoleNameSnapshot),
		"meta":    meta,
	}, r.keys[uptane.RoleNameSnapshot])
	r.files["snapshot.json"] = snapshot

	r.versions[uptane.RoleNameTimestamp]++
	r.files["timestamp.json"] = r.sign(map[string]any{
		"_type":   "Timestamp",
		"version": r.versions[uptane.RoleNameTimestamp],
		"expires": r.expiry(uptane.RoleNameTimestamp),
		"meta": map[string]any{"snapshot.json": map[string]any{
			"version": r.versions[uptane.RoleNameSnapshot],
			"length":  len(snapshot),
			"hashes":  metaHashes(r.t, snapshot),
		}},
	}, r.keys[uptane.RoleNameTimestamp])
}

// PublishTimestamp serves snapshot with a new Timestamp pointing at it.
func (r *Repo) PublishTimestamp(snapshot []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.files["snapshot.json"] = snapshot
	r.versions[uptane.RoleNameTimestamp]++
	r.files["timestamp.json"] = r.sign(map[string]any{
		"_type":   "Timestamp",
		"version": r.versions[uptane.RoleNameTimestamp],
		"expires": r.expiry(uptane.RoleNameTimestamp),
		"meta": map[string]any{"snapshot.json": map[string]any{
			"version": uptane.ExtractVersionUntrusted(snapshot),
			"length":  len(snapshot),
			"hashes":  metaHashes(r.t, snapshot),
		}},
	}, r.keys[uptane.RoleNameTimestamp])
}

// PublishOffline signs the current targets as an offline-updates document
// called name, referenced by a new offline snapshot.
func (r *Repo) PublishOffline(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.versions[uptane.RoleNameOfflineUpdates]++
	version := r.versions[uptane.RoleNameOfflineUpdates]
	body := r.targetsBody(uptane.RoleNameOfflineUpdates, version)
	r.files[name+".json"] = r.sign(body, r.keys[uptane.RoleNameOfflineUpdates])

	r.versions[uptane.RoleNameOfflineSnapshot]++
	r.files["offline-snapshot.json"] = r.sign(map[string]any{
		"_type":   "Snapshot",
		"version": r.versions[uptane.RoleNameOfflineSnapshot],
		"expires": r.expiry(uptane.RoleNameOfflineSnapshot),
		"meta":    map[string]any{name + ".json": map[string]any{"version": version}},
	}, r.keys[uptane.RoleNameOfflineSnapshot])
}

// SignWith signs body as role using only the first n keys of the role.
func (r *Repo) SignWith(role string, body map[string]any, n int) []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	signers := r.keys[role]
	if role == uptane.RoleNameRoot {
		signers = r.rootKeys
	}
	return r.sign(body, signers[:n])
}

// RootBody returns the unsigned current Root relabelled as version.
func (r *Repo) RootBody(version int) map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	body := r.rootBody()
	body["version"] = version
	return body
}

// TargetsBody returns the unsigned top level Targets at the given version.
func (r *Repo) TargetsBody(version int) map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.targetsBody(uptane.RoleNameTargets, version)
}

func (r *Repo) Put(name string, raw []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.files[name] = raw
}

func (r *Repo) File(name string) []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.files[name]
}

func (r *Repo) Delete(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.files, name)
}

// Files returns a copy of the served files, for restoring older state.
func (r *Repo) Files() map[string][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return maps.Clone(r.files)
}

func (r *Repo) Restore(files map[string][]byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.files = maps.Clone(files)
}

func (r *Repo) Image(name string) []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.images[name]
}

// Handler serves metadata by file name and images under targets/.
func (r *Repo) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		name := strings.TrimPrefix(req.URL.Path, "/")
		r.mu.Lock()
		var body []byte
		var ok bool
		if image, found := strings.CutPrefix(name, "targets/"); found {
			body, ok = r.images[image]
		} else {
			body, ok = r.files[name]
		}
		r.mu.Unlock()
		if !ok {
			http.NotFound(w, req)
			return
		}
		w.Write(body)
	})
}

// WriteDir lays the repository out as an offline update source under
// root: metadata files below metadata/director or metadata/image-repo and
// images below images/.
func (r *Repo) WriteDir(root string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub := "image-repo"
	if r.Type == uptane.RepoDirector {
		sub = "director"
	}
	for name, raw := range r.files {
		path := filepath.Join(root, "metadata", sub, filepath.FromSlash(name))
		require.NoError(r.t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(r.t, os.WriteFile(path, raw, 0o644))
	}
	for name, content := range r.images {
		path := filepath.Join(root, "images", name)
		require.NoError(r.t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(r.t, os.WriteFile(path, content, 0o644))
	}
}
