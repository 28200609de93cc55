/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package uptane

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSigner(t *testing.T) *Signer {
	t.Helper()
	priv, err := GenerateED25519()
	require.NoError(t, err)
	s, err := NewSigner(priv)
	require.NoError(t, err)
	return s
}

func rootBody(version int, expires string, threshold int, signers ...*Signer) map[string]any {
	keys := map[string]any{}
	ids := []string{}
	for _, s := range signers {
		keys[s.KeyID()] = s.PublicKey()
		ids = append(ids, s.KeyID())
	}
	roles := map[string]any{}
	for _, r := range []string{"root", "targets", "snapshot", "timestamp"} {
		roles[r] = map[string]any{"keyids": ids, "threshold": threshold}
	}
	return map[string]any{
		"_type":   "Root",
		"version": version,
		"expires": expires,
		"keys":    keys,
		"roles":   roles,
	}
}

func TestKeySet_ThresholdIsHardFloor(t *testing.T) {
	s1, s2, s3 := newTestSigner(t), newTestSigner(t), newTestSigner(t)
	outsider := newTestSigner(t)
	body := rootBody(1, "2999-01-01T00:00:00Z", 2, s1, s2, s3)

	raw, err := Sign(body, s1, s2)
	require.NoError(t, err)
	root, m, err := ParseRoot(RepoDirector, raw)
	require.NoError(t, err)
	assert.NoError(t, root.Verify(RoleRoot, m))

	// threshold - 1 authorised signatures, padded with an unauthorised one
	raw, err = Sign(body, s1, outsider)
	require.NoError(t, err)
	_, m, err = ParseRoot(RepoDirector, raw)
	require.NoError(t, err)
	assert.ErrorIs(t, root.Verify(RoleRoot, m), ErrUnmetThreshold)

	// extra invalid and unauthorised signatures do not hurt
	raw, err = Sign(body, outsider, s2, s3)
	require.NoError(t, err)
	_, m, err = ParseRoot(RepoDirector, raw)
	require.NoError(t, err)
	m.Signatures = append(m.Signatures, Signature{KeyID: "deadbeef", Method: MethodED25519, Sig: "AAAA"})
	assert.NoError(t, root.Verify(RoleRoot, m))
}

func TestKeySet_DuplicateSignatures(t *testing.T) {
	s1 := newTestSigner(t)
	body := rootBody(1, "2999-01-01T00:00:00Z", 1, s1)
	raw, err := Sign(body, s1)
	require.NoError(t, err)
	root, m, err := ParseRoot(RepoImage, raw)
	require.NoError(t, err)

	m.Signatures = append(m.Signatures, m.Signatures[0])
	assert.ErrorIs(t, root.Verify(RoleRoot, m), ErrNonUniqueSignatures)
}

func TestKeySet_TamperedSignedPart(t *testing.T) {
	s1 := newTestSigner(t)
	raw, err := Sign(rootBody(1, "2999-01-01T00:00:00Z", 1, s1), s1)
	require.NoError(t, err)
	root, _, err := ParseRoot(RepoImage, raw)
	require.NoError(t, err)

	var env map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(raw, &env))
	tampered, err := json.Marshal(map[string]any{
		"signed":     rootBody(2, "2999-01-01T00:00:00Z", 1, s1),
		"signatures": env["signatures"],
	})
	require.NoError(t, err)
	_, m, err := ParseRoot(RepoImage, tampered)
	require.NoError(t, err)
	assert.ErrorIs(t, root.Verify(RoleRoot, m), ErrUnmetThreshold)
}

func TestParseRoot_Rejects(t *testing.T) {
	s1 := newTestSigner(t)

	body := rootBody(1, "2999-01-01T00:00:00Z", 0, s1)
	raw, err := Sign(body, s1)
	require.NoError(t, err)
	_, _, err = ParseRoot(RepoDirector, raw)
	assert.ErrorIs(t, err, ErrIllegalThreshold)

	body = rootBody(1, "2999-01-01T00:00:00Z", 1, s1)
	body["keys"] = map[string]any{"0123": s1.PublicKey()}
	raw, err = Sign(body, s1)
	require.NoError(t, err)
	_, _, err = ParseRoot(RepoDirector, raw)
	assert.ErrorIs(t, err, ErrBadKeyID)

	body = rootBody(1, "2999-01-01T00:00:00Z", 1, s1)
	body["_type"] = "Targets"
	raw, err = Sign(body, s1)
	require.NoError(t, err)
	_, _, err = ParseRoot(RepoDirector, raw)
	assert.ErrorIs(t, err, ErrInvalidMetadata)

	body = rootBody(1, "2999-01-01", 1, s1)
	raw, err = Sign(body, s1)
	require.NoError(t, err)
	_, _, err = ParseRoot(RepoDirector, raw)
	assert.ErrorIs(t, err, ErrInvalidMetadata)

	_, _, err = ParseRoot(RepoDirector, []byte("{not json"))
	assert.ErrorIs(t, err, ErrInvalidMetadata)
}

func TestExtractVersionUntrusted(t *testing.T) {
	assert.Equal(t, 7, ExtractVersionUntrusted([]byte(`{"signed":{"version":7}}`)))
	assert.Equal(t, -1, ExtractVersionUntrusted([]byte(`{"signed":{}}`)))
	assert.Equal(t, -1, ExtractVersionUntrusted([]byte(`garbage`)))
}
