/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package client

import (
	"context"
	"errors"

	"github.com/kentakayama/uptane-primary/internal/domain/model"
	"github.com/kentakayama/uptane-primary/internal/events"
	"github.com/kentakayama/uptane-primary/internal/fetcher"
	"github.com/kentakayama/uptane-primary/internal/result"
	"github.com/kentakayama/uptane-primary/internal/uptane"
	"github.com/kentakayama/uptane-primary/internal/verifier"
)

// CheckUpdates refreshes the Uptane metadata and returns the verified
// targets the device does not run yet. The error is only set when the
// device is not provisioned; every other failure is in the result.
func (c *Client) CheckUpdates(ctx context.Context) (result.UpdateCheck, error) {
	if err := c.requireProvisioned(ctx); err != nil {
		res := result.UpdateCheck{Status: result.UpdateError, Message: "Device is not provisioned."}
		c.publish(events.UpdateCheckComplete{Result: res})
		return res, err
	}
	c.reportNetworkInfo(ctx)

	pending, err := c.HasPendingUpdates(ctx)
	if err != nil {
		res := result.UpdateCheck{Status: result.UpdateError, Message: err.Error()}
		c.publish(events.UpdateCheckComplete{Result: res})
		return res, nil
	}
	if pending {
		res := result.UpdateCheck{Status: result.UpdateError, Message: "There are pending updates, no new updates are checked"}
		c.logger.Info(res.Message)
		c.publish(events.UpdateCheckComplete{Result: res})
		return res, nil
	}

	if err := c.putManifestSimple(ctx, nil); err != nil {
		c.logger.Debugf("manifest before update check: %v", err)
	}
	res := c.checkUpdates(ctx, c.fetcher)
	if res.Status == result.UpdatesAvailable && c.UpdatesDisabled() {
		c.logger.Info("updates are disabled, ignoring the available updates")
		res = result.UpdateCheck{Status: result.NoUpdatesAvailable, Message: "Updates are disabled."}
	}
	c.publish(events.UpdateCheckComplete{Result: res})
	return res, nil
}

// checkUpdates verifies the Director, then the Image repository for the
// targets that are new for this device.
func (c *Client) checkUpdates(ctx context.Context, f fetcher.Fetcher) result.UpdateCheck {
	du, err := c.director.Update(ctx, f)
	if err != nil {
		return c.metadataFailure(ctx, "", err)
	}
	return c.resolveTargets(ctx, du, func(ctx context.Context) (*verifier.ImageUpdate, error) {
		return c.image.Update(ctx, f)
	})
}

func (c *Client) resolveTargets(ctx context.Context, du *verifier.DirectorUpdate, imageUpdate func(context.Context) (*verifier.ImageUpdate, error)) result.UpdateCheck {
	correlationID := du.CorrelationID()
	targets, ecusCount, err := c.newTargets(ctx, du.Targets.Targets)
	if err != nil {
		return c.metadataFailure(ctx, correlationID, err)
	}
	if len(targets) == 0 {
		c.logger.Debug("no new updates found in Uptane metadata")
		return result.UpdateCheck{Status: result.NoUpdatesAvailable, Message: "No new updates found in Uptane metadata."}
	}

	iu, err := imageUpdate(ctx)
	if err != nil {
		return c.metadataFailure(ctx, correlationID, err)
	}
	verified := make([]uptane.Target, 0, len(targets))
	for _, t := range targets {
		v, err := iu.VerifyTarget(ctx, t)
		if errors.Is(err, uptane.ErrTargetMismatch) {
			c.recordAttack(err)
			c.logger.Errorf("target %s differs between the repositories: %v", t.Filename, err)
			c.storeInstallationFailure(ctx, correlationID,
				uptane.NewInstallationResult(uptane.NewResultCode(uptane.ResultVerificationFailed), "Metadata verification failed."))
			return result.UpdateCheck{Status: result.UpdateError, Message: "Target mismatch."}
		}
		if err != nil {
			return c.metadataFailure(ctx, correlationID, err)
		}
		v.CorrelationID = correlationID
		verified = append(verified, v)
	}
	return result.UpdateCheck{
		Updates:   verified,
		EcusCount: ecusCount,
		Status:    result.UpdatesAvailable,
		Message:   "Updates available",
	}
}

// newTargets filters the Director targets down to those differing from
// what their ECUs run. It rejects targets for unknown ECUs and targets
// reusing an installed file name with other content.
func (c *Client) newTargets(ctx context.Context, targets []uptane.Target) ([]uptane.Target, int, error) {
	ecus, err := c.inventory(ctx)
	if err != nil {
		return nil, 0, err
	}
	if err := verifier.CheckInventory(targets, ecus); err != nil {
		return nil, 0, err
	}

	var out []uptane.Target
	ecusCount := 0
	for _, t := range targets {
		isNew := false
		for _, serial := range t.SortedEcus() {
			v, err := c.installedVersions(ctx, serial)
			if err != nil {
				return nil, 0, err
			}
			switch {
			case v.Current == nil:
				isNew = true
				ecusCount++
			case v.Current.MatchTarget(t):
			case v.Current.Filename == t.Filename:
				c.logger.Errorf("director assigned %s to %s with other content than installed", t.Filename, serial)
				return nil, 0, uptane.NewTargetContentMismatch(t.Filename)
			default:
				isNew = true
				ecusCount++
			}
		}
		if isNew {
			out = append(out, t)
		}
	}
	return out, ecusCount, nil
}

// metadataFailure turns a failed update into a check result. Permanent
// failures are recorded as a failed installation for the manifest.
func (c *Client) metadataFailure(ctx context.Context, correlationID string, err error) result.UpdateCheck {
	c.recordAttack(err)
	if errors.Is(err, uptane.ErrLocallyAborted) {
		return result.UpdateCheck{Status: result.UpdateError, Message: "Update check aborted."}
	}
	c.logger.Errorf("metadata update failed: %v", err)
	if p, ok := uptane.PersistenceOf(err); ok && p == uptane.Permanent {
		c.storeInstallationFailure(ctx, correlationID,
			uptane.NewInstallationResult(uptane.NewResultCode(uptane.ResultVerificationFailed), "Could not update metadata"))
	}
	return result.UpdateCheck{Status: result.UpdateError, Message: "Could not update metadata."}
}

// storeInstallationFailure records a device level failure for the next
// manifest and forgets the Director targets so they are fetched again.
func (c *Client) storeInstallationFailure(ctx context.Context, correlationID string, res uptane.InstallationResult) {
	if correlationID == "" {
		c.logger.Warn("no correlation ID, the installation failure is not reported")
		return
	}
	dr := &model.DeviceInstallationResult{Result: res, CorrelationID: correlationID}
	if err := c.repos.Results.SaveDeviceResult(ctx, dr); err != nil {
		c.logger.Warnf("store installation failure: %v", err)
	}
	if err := c.repos.Metadata.ClearNonRoot(ctx, uptane.RepoDirector); err != nil {
		c.logger.Warnf("drop director targets: %v", err)
	}
}

// recheck verifies the stored metadata again and returns the targets the
// device still has to act on.
func (c *Client) recheck(ctx context.Context) (result.UpdateCheck, string) {
	stored := verifier.NewStoredFetcher(c.repos.Metadata)
	du, err := c.director.Update(ctx, stored)
	if err != nil {
		c.recordAttack(err)
		c.logger.Errorf("stored director metadata is invalid: %v", err)
		return result.UpdateCheck{Status: result.UpdateError, Message: "Could not verify stored metadata."}, ""
	}
	res := c.resolveTargets(ctx, du, func(ctx context.Context) (*verifier.ImageUpdate, error) {
		return c.image.Update(ctx, stored)
	})
	return res, du.CorrelationID()
}
