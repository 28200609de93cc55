/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package client

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	cose "github.com/veraison/go-cose"

	"github.com/kentakayama/uptane-primary/internal/domain"
	"github.com/kentakayama/uptane-primary/internal/domain/model"
	"github.com/kentakayama/uptane-primary/internal/domain/service"
	"github.com/kentakayama/uptane-primary/internal/uptane"
)

// loadOrCreateSigner returns the primary ECU signer, generating and
// persisting a fresh ed25519 key on first use. The private key is stored
// as a CBOR encoded COSE_Key.
func loadOrCreateSigner(ctx context.Context, keys service.KeyRepository) (*uptane.Signer, error) {
	stored, err := keys.LoadPrimaryKey(ctx)
	if err == nil {
		return signerFromStored(stored)
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}

	priv, err := uptane.GenerateED25519()
	if err != nil {
		return nil, fmt.Errorf("generate primary key: %w", err)
	}
	pub := priv.Public().(ed25519.PublicKey)
	key, err := cose.NewKeyOKP(cose.AlgorithmEdDSA, pub, priv.Seed())
	if err != nil {
		return nil, err
	}
	encoded, err := cbor.Marshal(key)
	if err != nil {
		return nil, err
	}
	record := &model.PrimaryKey{
		KeyType:    string(uptane.KeyTypeED25519),
		PublicKey:  pub,
		PrivateKey: encoded,
		CreatedAt:  time.Now().UTC().Truncate(time.Second),
	}
	if err := keys.SavePrimaryKey(ctx, record); err != nil {
		return nil, err
	}
	return uptane.NewSigner(priv)
}

func signerFromStored(stored *model.PrimaryKey) (*uptane.Signer, error) {
	var key cose.Key
	if err := cbor.Unmarshal(stored.PrivateKey, &key); err != nil {
		return nil, fmt.Errorf("decode primary key: %w", err)
	}
	priv, err := key.PrivateKey()
	if err != nil {
		return nil, fmt.Errorf("decode primary key: %w", err)
	}
	edPriv, ok := priv.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("%w: %s", uptane.ErrUnsupportedKeyType, stored.KeyType)
	}
	return uptane.NewSigner(edPriv)
}
