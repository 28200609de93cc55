/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package client

import (
	"context"

	"github.com/kentakayama/uptane-primary/internal/events"
	"github.com/kentakayama/uptane-primary/internal/fetcher"
	"github.com/kentakayama/uptane-primary/internal/result"
	"github.com/kentakayama/uptane-primary/internal/uptane"
	"github.com/kentakayama/uptane-primary/internal/verifier"
)

// CheckUpdatesOffline verifies the metadata of an offline update source
// laid out as metadata/director, metadata/image-repo and images/.
func (c *Client) CheckUpdatesOffline(ctx context.Context, sourceDir string) result.UpdateCheck {
	res, _ := c.checkOffline(ctx, fetcher.NewDirFetcher(sourceDir))
	c.publish(events.UpdateCheckComplete{Result: res})
	return res
}

func (c *Client) checkOffline(ctx context.Context, f *fetcher.DirFetcher) (result.UpdateCheck, string) {
	pending, err := c.HasPendingUpdates(ctx)
	if err != nil {
		return result.UpdateCheck{Status: result.UpdateError, Message: err.Error()}, ""
	}
	if pending {
		return result.UpdateCheck{Status: result.UpdateError, Message: "There are pending updates, no new updates are checked"}, ""
	}
	ecus, err := c.inventory(ctx)
	if err != nil {
		return result.UpdateCheck{Status: result.UpdateError, Message: err.Error()}, ""
	}
	du, err := c.director.UpdateOffline(ctx, f, ecus)
	if err != nil {
		return c.metadataFailure(ctx, "", err), ""
	}
	res := c.resolveTargets(ctx, du, func(ctx context.Context) (*verifier.ImageUpdate, error) {
		return c.image.Update(ctx, f)
	})
	return res, du.CorrelationID()
}

// FetchImagesOffline copies the images of targets out of the source.
func (c *Client) FetchImagesOffline(ctx context.Context, sourceDir string, targets []uptane.Target) result.Download {
	res := c.download(ctx, targets, fetcher.NewDirFetcher(sourceDir), false)
	c.publish(events.AllDownloadsComplete{Result: res})
	return res
}

// InstallOffline installs targets after verifying the source metadata
// once more.
func (c *Client) InstallOffline(ctx context.Context, sourceDir string, targets []uptane.Target) result.Install {
	f := fetcher.NewDirFetcher(sourceDir)
	res := c.install(ctx, targets, func(ctx context.Context) (result.UpdateCheck, string) {
		return c.checkOffline(ctx, f)
	})
	c.publish(events.AllInstallsComplete{Result: res})
	return res
}
