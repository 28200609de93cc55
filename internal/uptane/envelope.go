/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package uptane

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/gowebpki/jcs"
)

type Signature struct {
	KeyID  string `json:"keyid"`
	Method string `json:"method"`
	Sig    string `json:"sig"`
}

func encodeSig(b []byte) string { return base64.StdEncoding.EncodeToString(b) }

func decodeSig(s string) ([]byte, error) { return base64.StdEncoding.DecodeString(s) }

// SignedMetadata is a parsed {"signed": ..., "signatures": [...]}
// envelope together with the canonical bytes of its signed part.
type SignedMetadata struct {
	Raw        []byte
	Signed     json.RawMessage
	Signatures []Signature
	Type       string
	Version    int
	Expires    TimeStamp
	canonical  []byte
}

type envelopeJSON struct {
	Signed     json.RawMessage `json:"signed"`
	Signatures []Signature     `json:"signatures"`
}

type commonSignedJSON struct {
	Type    string `json:"_type"`
	Version *int   `json:"version"`
	Expires string `json:"expires"`
}

// expectedType maps a role onto the _type its metadata must carry.
func expectedType(role Role) string {
	switch role.kind {
	case roleRoot:
		return "Root"
	case roleSnapshot, roleOfflineSnapshot:
		return "Snapshot"
	case roleTimestamp:
		return "Timestamp"
	default:
		return "Targets"
	}
}

// ParseSignedMetadata decodes the envelope and checks the fields common to
// every role. It does not verify signatures.
func ParseSignedMetadata(repo RepositoryType, role Role, raw []byte) (*SignedMetadata, error) {
	var env envelopeJSON
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&env); err != nil {
		return nil, NewInvalidMetadata(repo.String(), role.String(), err.Error())
	}
	if len(env.Signed) == 0 || bytes.Equal(env.Signed, []byte("null")) {
		return nil, NewInvalidMetadata(repo.String(), role.String(), "missing signed part")
	}
	var common commonSignedJSON
	if err := json.Unmarshal(env.Signed, &common); err != nil {
		return nil, NewInvalidMetadata(repo.String(), role.String(), err.Error())
	}
	if !strings.EqualFold(common.Type, expectedType(role)) {
		return nil, NewInvalidMetadata(repo.String(), role.String(),
			fmt.Sprintf("unexpected _type %q", common.Type))
	}
	if common.Version == nil {
		return nil, NewInvalidMetadata(repo.String(), role.String(), "missing version")
	}
	expires, err := ParseTimeStamp(common.Expires)
	if err != nil {
		return nil, NewInvalidMetadata(repo.String(), role.String(), err.Error())
	}
	canonical, err := jcs.Transform(env.Signed)
	if err != nil {
		return nil, NewInvalidMetadata(repo.String(), role.String(), err.Error())
	}
	return &SignedMetadata{
		Raw:        raw,
		Signed:     env.Signed,
		Signatures: env.Signatures,
		Type:       common.Type,
		Version:    *common.Version,
		Expires:    expires,
		canonical:  canonical,
	}, nil
}

// Canonical returns the canonical JSON of the signed part.
func (m *SignedMetadata) Canonical() []byte { return m.canonical }

// ExtractVersionUntrusted reads signed.version without any verification.
// It returns -1 when the document does not carry one.
func ExtractVersionUntrusted(raw []byte) int {
	var doc struct {
		Signed struct {
			Version *int `json:"version"`
		} `json:"signed"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil || doc.Signed.Version == nil {
		return -1
	}
	return *doc.Signed.Version
}

// Sign wraps signed into an envelope with one signature per signer, over
// the canonical JSON of signed.
func Sign(signed any, signers ...*Signer) ([]byte, error) {
	body, err := json.Marshal(signed)
	if err != nil {
		return nil, err
	}
	canonical, err := jcs.Transform(body)
	if err != nil {
		return nil, err
	}
	sigs := make([]Signature, 0, len(signers))
	for _, s := range signers {
		sig, err := s.Sign(canonical)
		if err != nil {
			return nil, err
		}
		sigs = append(sigs, sig)
	}
	return json.Marshal(envelopeJSON{Signed: canonical, Signatures: sigs})
}

// CanonicalHashes digests the canonical form of a whole metadata document,
// the way Snapshot and Timestamp reference other roles.
func CanonicalHashes(raw []byte) ([]Hash, error) {
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return nil, err
	}
	h256, _ := ComputeHash(HashSHA256, canonical)
	h512, _ := ComputeHash(HashSHA512, canonical)
	return []Hash{h256, h512}, nil
}
