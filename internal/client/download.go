/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package client

import (
	"context"
	"errors"
	"time"

	"github.com/kentakayama/uptane-primary/internal/events"
	"github.com/kentakayama/uptane-primary/internal/fetcher"
	"github.com/kentakayama/uptane-primary/internal/result"
	"github.com/kentakayama/uptane-primary/internal/uptane"
)

const downloadAttempts = 3

// Download fetches the images of targets after checking that the stored
// metadata still asks for them.
func (c *Client) Download(ctx context.Context, targets []uptane.Target) result.Download {
	res := c.download(ctx, targets, c.fetcher, true)
	c.publish(events.AllDownloadsComplete{Result: res})
	return res
}

func (c *Client) download(ctx context.Context, targets []uptane.Target, src fetcher.ImageFetcher, online bool) result.Download {
	var correlationID string
	if online {
		check, cid := c.recheck(ctx)
		correlationID = cid
		switch check.Status {
		case result.NoUpdatesAvailable:
			return result.Download{Status: result.NothingToDownload, Message: "Nothing to download."}
		case result.UpdateError:
			c.storeInstallationFailure(ctx, correlationID,
				uptane.NewInstallationResult(uptane.NewResultCode(uptane.ResultInternalError), "Error rechecking stored metadata."))
			return result.Download{Status: result.DownloadError, Message: "Error rechecking stored metadata."}
		}
	} else if len(targets) > 0 {
		correlationID = targets[0].CorrelationID
	}
	if len(targets) == 0 {
		return result.Download{Status: result.NothingToDownload, Message: "Nothing to download."}
	}

	var downloaded []uptane.Target
	for _, t := range targets {
		if online {
			for _, serial := range t.SortedEcus() {
				c.report(ctx, EventEcuDownloadStarted, ecuPayload(serial, correlationID))
			}
		}
		err := c.downloadImage(ctx, t, src)
		ok := err == nil
		if ok {
			downloaded = append(downloaded, t)
		} else {
			c.recordAttack(err)
			c.logger.Errorf("download of %s failed: %v", t.Filename, err)
		}
		if online {
			for _, serial := range t.SortedEcus() {
				c.report(ctx, EventEcuDownloadCompleted, ecuResultPayload(serial, correlationID, ok))
			}
		}
		c.publish(events.DownloadTargetComplete{Target: t, Success: ok})
	}

	res := result.Download{Updates: downloaded}
	switch {
	case len(downloaded) == len(targets):
		res.Status = result.DownloadSuccess
		res.Message = "Target files downloaded."
	case len(downloaded) == 0:
		res.Status = result.DownloadError
		res.Message = "Target download failed."
	default:
		res.Status = result.DownloadPartialSuccess
		res.Message = "Some target files could not be downloaded."
	}
	if res.Status != result.DownloadSuccess {
		c.storeInstallationFailure(ctx, correlationID,
			uptane.NewInstallationResult(uptane.NewResultCode(uptane.ResultDownloadFailed), "Target download failed."))
	}
	return res
}

// downloadImage tries a few times with a doubling pause, giving up early
// when the operation is aborted.
func (c *Client) downloadImage(ctx context.Context, target uptane.Target, src fetcher.ImageFetcher) error {
	progress := func(t uptane.Target, description string, percent int) {
		c.publish(events.DownloadProgressReport{Target: t, Description: description, Progress: percent})
	}
	delay := c.cfg.DownloadRetryDelay
	var err error
	for attempt := 1; attempt <= downloadAttempts; attempt++ {
		err = c.pm.FetchTarget(ctx, target, src, progress, c.token)
		if err == nil {
			return nil
		}
		if errors.Is(err, uptane.ErrLocallyAborted) || ctx.Err() != nil {
			return err
		}
		if attempt == downloadAttempts {
			break
		}
		c.logger.Debugf("download of %s failed (attempt %d), retrying in %s: %v", target.Filename, attempt, delay, err)
		select {
		case <-ctx.Done():
			return uptane.NewLocallyAborted("image")
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}
