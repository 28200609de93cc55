/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package fetcher

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/kentakayama/uptane-primary/internal/infra/httpclient"
	"github.com/kentakayama/uptane-primary/internal/uptane"
)

const delegationsPath = "delegations"

// Fetcher retrieves raw signed metadata. Failures are *uptane.Error values:
// MetadataFetchFailure when the role is unavailable, OversizedMetadata when
// it exceeds maxSize and LocallyAborted when ctx is done.
type Fetcher interface {
	FetchRole(ctx context.Context, repo uptane.RepositoryType, role uptane.Role, version uptane.Version, maxSize int64) ([]byte, error)
}

// HTTPFetcher fetches metadata from the Director and Image repository
// servers.
type HTTPFetcher struct {
	client      *httpclient.Client
	directorURL string
	imageURL    string
	logger      *logrus.Entry
}

func NewHTTPFetcher(client *httpclient.Client, directorURL, imageURL string, logger *logrus.Logger) *HTTPFetcher {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &HTTPFetcher{
		client:      client,
		directorURL: strings.TrimRight(directorURL, "/"),
		imageURL:    strings.TrimRight(imageURL, "/"),
		logger:      logger.WithField("component", "fetcher"),
	}
}

func (f *HTTPFetcher) baseURL(repo uptane.RepositoryType) string {
	if repo == uptane.RepoDirector {
		return f.directorURL
	}
	return f.imageURL
}

func (f *HTTPFetcher) FetchRole(ctx context.Context, repo uptane.RepositoryType, role uptane.Role, version uptane.Version, maxSize int64) ([]byte, error) {
	url := f.baseURL(repo) + "/"
	if role.IsDelegation() {
		url += delegationsPath + "/"
	}
	url += version.RoleFileName(role)

	resp, err := f.client.Get(ctx, url, maxSize)
	if ctx.Err() != nil {
		return nil, uptane.NewLocallyAborted(repo.String())
	}
	if errors.Is(err, httpclient.ErrResponseTooLarge) {
		return nil, uptane.NewOversizedMetadata(repo.String(), role.String())
	}
	if err != nil {
		f.logger.Debugf("fetch %s: %v", url, err)
		return nil, uptane.NewMetadataFetchFailure(repo.String(), role.String())
	}
	if !resp.IsOK() {
		if resp.StatusCode != http.StatusNotFound {
			f.logger.Warnf("fetch %s: %s", url, resp.Status)
		}
		return nil, uptane.NewMetadataFetchFailure(repo.String(), role.String())
	}
	return resp.Body, nil
}
