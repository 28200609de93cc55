/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package uptane

import (
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"hash"
	"sort"
	"strings"
)

type HashType string

const (
	HashSHA256 HashType = "sha256"
	HashSHA512 HashType = "sha512"
)

// Hash is an algorithm tagged digest, hex encoded in lower case.
type Hash struct {
	Type  HashType
	Value string
}

func NewHash(t HashType, value string) Hash {
	return Hash{Type: HashType(strings.ToLower(string(t))), Value: strings.ToLower(value)}
}

func (h Hash) IsSupported() bool {
	return h.Type == HashSHA256 || h.Type == HashSHA512
}

func (h Hash) Equal(o Hash) bool {
	return h.Type == o.Type && strings.EqualFold(h.Value, o.Value)
}

func (h Hash) String() string { return string(h.Type) + ":" + h.Value }

func newHasher(t HashType) hash.Hash {
	switch t {
	case HashSHA256:
		return sha256.New()
	case HashSHA512:
		return sha512.New()
	default:
		return nil
	}
}

// ComputeHash digests data with the given algorithm. ok is false for
// unsupported algorithms.
func ComputeHash(t HashType, data []byte) (Hash, bool) {
	h := newHasher(t)
	if h == nil {
		return Hash{}, false
	}
	h.Write(data)
	return Hash{Type: t, Value: hex.EncodeToString(h.Sum(nil))}, true
}

// MultiHasher feeds every supported algorithm at once, for streamed
// downloads.
type MultiHasher struct {
	hashers map[HashType]hash.Hash
}

func NewMultiHasher() *MultiHasher {
	return &MultiHasher{hashers: map[HashType]hash.Hash{
		HashSHA256: sha256.New(),
		HashSHA512: sha512.New(),
	}}
}

func (m *MultiHasher) Write(p []byte) (int, error) {
	for _, h := range m.hashers {
		h.Write(p)
	}
	return len(p), nil
}

func (m *MultiHasher) Sum(t HashType) (Hash, bool) {
	h, ok := m.hashers[t]
	if !ok {
		return Hash{}, false
	}
	return Hash{Type: t, Value: hex.EncodeToString(h.Sum(nil))}, true
}

// HashesMatch is true when at least one supported algorithm is present in
// both lists and every algorithm present in both agrees.
func HashesMatch(a, b []Hash) bool {
	matched := false
	for _, x := range a {
		if !x.IsSupported() {
			continue
		}
		for _, y := range b {
			if x.Type != y.Type {
				continue
			}
			if !x.Equal(y) {
				return false
			}
			matched = true
		}
	}
	return matched
}

func hashesFromMap(m map[string]string) []Hash {
	out := make([]Hash, 0, len(m))
	for alg, value := range m {
		out = append(out, NewHash(HashType(alg), value))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	return out
}

func hashesToMap(hs []Hash) map[string]string {
	out := make(map[string]string, len(hs))
	for _, h := range hs {
		out[string(h.Type)] = h.Value
	}
	return out
}

// FindHash returns the digest of the given type, if listed.
func FindHash(hs []Hash, t HashType) (Hash, bool) {
	for _, h := range hs {
		if h.Type == t {
			return h, true
		}
	}
	return Hash{}, false
}
