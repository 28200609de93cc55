/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package uptane

import (
	"crypto"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"

	"github.com/gowebpki/jcs"
	"github.com/veraison/go-cose"
)

type KeyType string

const (
	KeyTypeED25519 KeyType = "ED25519"
	KeyTypeRSA     KeyType = "RSA"
)

const (
	MethodED25519         = "ed25519"
	MethodRSASSAPSSSHA256 = "rsassa-pss-sha256"
)

var (
	ErrUnsupportedKeyType = errors.New("unsupported key type")
	ErrSignatureMethod    = errors.New("signature method does not match key type")
)

// PublicKey is an Uptane public key: ED25519 keys carry the raw key in
// hex, RSA keys a PEM encoded SubjectPublicKeyInfo.
type PublicKey struct {
	Type  KeyType
	Value string
	key   crypto.PublicKey
}

func ParsePublicKey(t KeyType, value string) (PublicKey, error) {
	pk := PublicKey{Type: KeyType(strings.ToUpper(string(t))), Value: value}
	switch pk.Type {
	case KeyTypeED25519:
		raw, err := hex.DecodeString(strings.TrimSpace(value))
		if err != nil || len(raw) != ed25519.PublicKeySize {
			return PublicKey{}, fmt.Errorf("malformed ED25519 key")
		}
		pk.key = ed25519.PublicKey(raw)
	case KeyTypeRSA:
		block, _ := pem.Decode([]byte(value))
		if block == nil {
			return PublicKey{}, fmt.Errorf("malformed RSA key: no PEM block")
		}
		parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return PublicKey{}, fmt.Errorf("malformed RSA key: %w", err)
		}
		rk, ok := parsed.(*rsa.PublicKey)
		if !ok {
			return PublicKey{}, fmt.Errorf("malformed RSA key: not an RSA key")
		}
		pk.key = rk
	default:
		return PublicKey{}, fmt.Errorf("%w: %s", ErrUnsupportedKeyType, t)
	}
	return pk, nil
}

// PublicKeyFromCrypto wraps an ed25519 or RSA public key.
func PublicKeyFromCrypto(k crypto.PublicKey) (PublicKey, error) {
	switch key := k.(type) {
	case ed25519.PublicKey:
		return PublicKey{Type: KeyTypeED25519, Value: hex.EncodeToString(key), key: key}, nil
	case *rsa.PublicKey:
		der, err := x509.MarshalPKIXPublicKey(key)
		if err != nil {
			return PublicKey{}, err
		}
		value := string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}))
		return PublicKey{Type: KeyTypeRSA, Value: value, key: key}, nil
	default:
		return PublicKey{}, fmt.Errorf("%w: %T", ErrUnsupportedKeyType, k)
	}
}

// KeyID is the lower case hex SHA-256 of the canonical JSON string of the
// key value, trailing newlines removed.
func (k PublicKey) KeyID() string {
	quoted, err := json.Marshal(strings.TrimRight(k.Value, "\n"))
	if err != nil {
		return ""
	}
	canonical, err := jcs.Transform(quoted)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])
}

func (k PublicKey) method() string {
	if k.Type == KeyTypeRSA {
		return MethodRSASSAPSSSHA256
	}
	return MethodED25519
}

func (k PublicKey) algorithm() cose.Algorithm {
	if k.Type == KeyTypeRSA {
		return cose.AlgorithmPS256
	}
	return cose.AlgorithmEdDSA
}

// Verify checks sig over msg.
func (k PublicKey) Verify(method string, msg, sig []byte) error {
	if k.key == nil {
		return fmt.Errorf("%w: empty key", ErrUnsupportedKeyType)
	}
	if !strings.EqualFold(method, k.method()) {
		return fmt.Errorf("%w: %s for %s", ErrSignatureMethod, method, k.Type)
	}
	verifier, err := cose.NewVerifier(k.algorithm(), k.key)
	if err != nil {
		return err
	}
	return verifier.Verify(msg, sig)
}

type keyJSON struct {
	KeyType string `json:"keytype"`
	KeyVal  struct {
		Public string `json:"public"`
	} `json:"keyval"`
}

func (k PublicKey) MarshalJSON() ([]byte, error) {
	var kj keyJSON
	kj.KeyType = string(k.Type)
	kj.KeyVal.Public = k.Value
	return json.Marshal(kj)
}

func (k *PublicKey) UnmarshalJSON(b []byte) error {
	var kj keyJSON
	if err := json.Unmarshal(b, &kj); err != nil {
		return err
	}
	parsed, err := ParsePublicKey(KeyType(kj.KeyType), kj.KeyVal.Public)
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// Signer produces Uptane signatures with a private key.
type Signer struct {
	pub    PublicKey
	signer cose.Signer
}

// NewSigner accepts an ed25519.PrivateKey or *rsa.PrivateKey.
func NewSigner(priv crypto.Signer) (*Signer, error) {
	pub, err := PublicKeyFromCrypto(priv.Public())
	if err != nil {
		return nil, err
	}
	s, err := cose.NewSigner(pub.algorithm(), priv)
	if err != nil {
		return nil, err
	}
	return &Signer{pub: pub, signer: s}, nil
}

func (s *Signer) PublicKey() PublicKey { return s.pub }
func (s *Signer) KeyID() string        { return s.pub.KeyID() }

// Sign signs the canonical form of msg.
func (s *Signer) Sign(msg []byte) (Signature, error) {
	sig, err := s.signer.Sign(rand.Reader, msg)
	if err != nil {
		return Signature{}, err
	}
	return Signature{KeyID: s.KeyID(), Method: s.pub.method(), Sig: encodeSig(sig)}, nil
}

// GenerateED25519 creates a fresh key pair for a primary ECU.
func GenerateED25519() (ed25519.PrivateKey, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	return priv, err
}
