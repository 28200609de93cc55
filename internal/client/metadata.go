/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package client

import (
	"context"
	"errors"
	"fmt"

	"github.com/kentakayama/uptane-primary/internal/domain"
	"github.com/kentakayama/uptane-primary/internal/uptane"
	"github.com/kentakayama/uptane-primary/internal/util"
	"github.com/kentakayama/uptane-primary/internal/verifier"
)

// ExportMetadata encodes the trusted metadata of both repositories as a
// CBOR MetaBundle for secondaries. The bundle is verified before it is
// handed out.
func (c *Client) ExportMetadata(ctx context.Context) ([]byte, error) {
	bundle, err := verifier.ExportBundle(ctx, c.repos.Metadata)
	if err != nil {
		return nil, err
	}
	trusted, err := c.trustedRoots(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := verifier.VerifyBundle(ctx, trusted, bundle, c.opts); err != nil {
		return nil, fmt.Errorf("stored metadata does not verify: %w", err)
	}
	return util.MarshalCBOR(bundle)
}

// VerifyMetadata checks a CBOR MetaBundle against the trusted Roots and
// returns its reconciled targets. Stored state is left untouched.
func (c *Client) VerifyMetadata(ctx context.Context, raw []byte) ([]uptane.Target, error) {
	var bundle uptane.MetaBundle
	if err := util.UnmarshalCBOR(raw, &bundle); err != nil {
		return nil, fmt.Errorf("decode metadata bundle: %w", err)
	}
	trusted, err := c.trustedRoots(ctx)
	if err != nil {
		return nil, err
	}
	res, err := verifier.VerifyBundle(ctx, trusted, bundle, c.opts)
	if err != nil {
		c.logger.Warnf("metadata bundle rejected: %v", err)
		return nil, err
	}
	return res.Targets, nil
}

// trustedRoots loads the latest stored Root of each repository. A
// repository without one is left out.
func (c *Client) trustedRoots(ctx context.Context) (map[uptane.RepositoryType][]byte, error) {
	trusted := map[uptane.RepositoryType][]byte{}
	for _, repo := range []uptane.RepositoryType{uptane.RepoDirector, uptane.RepoImage} {
		raw, err := c.repos.Metadata.LoadRoot(ctx, repo, uptane.AnyVersion)
		if errors.Is(err, domain.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		trusted[repo] = raw
	}
	return trusted, nil
}
