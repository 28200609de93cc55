/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package client

import (
	"context"
	"strings"

	"github.com/kentakayama/uptane-primary/internal/domain/model"
	"github.com/kentakayama/uptane-primary/internal/events"
	"github.com/kentakayama/uptane-primary/internal/pacman"
	"github.com/kentakayama/uptane-primary/internal/result"
	"github.com/kentakayama/uptane-primary/internal/uptane"
)

// Install installs the downloaded targets addressed to the primary ECU.
// The stored metadata must still ask for them.
func (c *Client) Install(ctx context.Context, targets []uptane.Target) result.Install {
	res := c.install(ctx, targets, c.recheck)
	c.publish(events.AllInstallsComplete{Result: res})
	return res
}

// install checks the metadata once more through recheck, then installs.
func (c *Client) install(ctx context.Context, targets []uptane.Target, recheck func(context.Context) (result.UpdateCheck, string)) result.Install {
	var res result.Install
	check, correlationID := recheck(ctx)
	if check.Status != result.UpdatesAvailable {
		code := uptane.ResultInternalError
		if check.Status == result.NoUpdatesAvailable {
			code = uptane.ResultAlreadyProcessed
		}
		res.Device = uptane.NewInstallationResult(uptane.NewResultCode(code), "")
		c.storeDeviceResult(ctx, res.Device, "Stored Uptane metadata is invalid", correlationID)
		return res
	}
	for _, t := range targets {
		if st := c.pm.VerifyTarget(t); st != pacman.TargetGood {
			c.logger.Errorf("downloaded target %s is %s", t.Filename, st)
			res.Device = uptane.NewInstallationResult(uptane.NewResultCode(uptane.ResultInternalError), "")
			c.storeDeviceResult(ctx, res.Device, "Downloaded target is invalid", correlationID)
			return res
		}
	}

	ecus, err := c.inventory(ctx)
	if err != nil {
		res.Device = uptane.NewInstallationResult(uptane.NewResultCode(uptane.ResultInternalError), err.Error())
		c.storeDeviceResult(ctx, res.Device, "Unable to load the ECU inventory", correlationID)
		return res
	}
	primary := ecus[0].Serial

	var update *uptane.Target
	for i := range targets {
		if targets[i].IsForEcu(primary) {
			update = &targets[i]
			break
		}
	}
	if update == nil {
		c.logger.Info("no update to install on the primary")
	} else {
		target := *update
		target.CorrelationID = correlationID
		res.Ecus = append(res.Ecus, c.installOnPrimary(ctx, primary, target))
	}

	var raw string
	res.Device, raw = c.computeDeviceResult(ctx)
	c.storeDeviceResult(ctx, res.Device, raw, correlationID)
	return res
}

func (c *Client) installOnPrimary(ctx context.Context, primary uptane.EcuSerial, target uptane.Target) result.EcuReport {
	correlationID := target.CorrelationID
	c.report(ctx, EventEcuInstallationStarted, ecuPayload(primary, correlationID))
	c.publish(events.InstallStarted{Serial: primary})

	current, err := c.installedVersions(ctx, primary)
	if err == nil && current.Current != nil && current.Current.MatchTarget(target) {
		res := uptane.NewInstallationResult(uptane.NewResultCode(uptane.ResultAlreadyProcessed), "Package already installed")
		c.report(ctx, EventEcuInstallationCompleted, ecuResultPayload(primary, correlationID, false))
		c.publish(events.InstallTargetComplete{Serial: primary, Success: false})
		return result.EcuReport{Target: target, Serial: primary, Result: res}
	}

	c.pm.UpdateNotify()
	res := c.installAndRecord(ctx, primary, target)
	switch {
	case res.NeedCompletion:
		c.report(ctx, EventEcuInstallationApplied, ecuPayload(primary, correlationID))
		c.publish(events.InstallTargetComplete{Serial: primary, Success: true})
	case res.IsSuccess():
		c.report(ctx, EventEcuInstallationCompleted, ecuResultPayload(primary, correlationID, true))
		c.publish(events.InstallTargetComplete{Serial: primary, Success: true})
	default:
		c.report(ctx, EventEcuInstallationCompleted, ecuResultPayload(primary, correlationID, false))
		c.publish(events.InstallTargetComplete{Serial: primary, Success: false})
	}
	return result.EcuReport{Target: target, Serial: primary, Result: res}
}

// installAndRecord keeps the installed version bookkeeping around the
// package manager install. The version is saved before the install so an
// interrupted install can still be recognised after a restart.
func (c *Client) installAndRecord(ctx context.Context, serial uptane.EcuSerial, target uptane.Target) uptane.InstallationResult {
	if err := c.repos.Installed.SaveInstalledVersion(ctx, serial, target, model.InstalledNone); err != nil {
		c.logger.Warnf("save installed version: %v", err)
	}
	res := c.pm.Install(ctx, target)
	mode := model.InstalledNone
	switch {
	case res.NeedCompletion:
		mode = model.InstalledPending
	case res.IsSuccess():
		mode = model.InstalledCurrent
	}
	if mode != model.InstalledNone {
		if err := c.repos.Installed.SaveInstalledVersion(ctx, serial, target, mode); err != nil {
			c.logger.Warnf("save installed version: %v", err)
		}
	}
	if err := c.repos.Results.SaveEcuResult(ctx, serial, res); err != nil {
		c.logger.Warnf("save installation result: %v", err)
	}
	return res
}

// computeDeviceResult aggregates the stored ECU results. A pending ECU
// makes the device pending; failures are listed as hwid:CODE pairs.
func (c *Client) computeDeviceResult(ctx context.Context) (uptane.InstallationResult, string) {
	results, err := c.repos.Results.LoadEcuResults(ctx)
	if err != nil || len(results) == 0 {
		return uptane.NewInstallationResult(uptane.NewResultCode(uptane.ResultInternalError), "Unable to get installation results from ECUs"),
			"Failed to receive installation result from any ECU"
	}
	var failures []string
	for _, r := range results {
		if r.Result.NeedCompletion {
			return r.Result, "ECU needs completion of the installation"
		}
		if !r.Result.IsSuccess() {
			failures = append(failures, c.hardwareID(ctx, r.Serial).String()+":"+r.Result.Code.String())
		}
	}
	if len(failures) > 0 {
		code := uptane.NewCustomResultCode(uptane.ResultInstallFailed, strings.Join(failures, "|"))
		return uptane.NewInstallationResult(code, "Installation failed on one or more ECUs"), "Installation failed on one or more ECUs"
	}
	return uptane.NewInstallationResult(uptane.NewResultCode(uptane.ResultOK), "Device has been successfully installed"), "Installation successful"
}

func (c *Client) storeDeviceResult(ctx context.Context, res uptane.InstallationResult, raw, correlationID string) {
	dr := &model.DeviceInstallationResult{Result: res, RawReport: raw, CorrelationID: correlationID}
	if err := c.repos.Results.SaveDeviceResult(ctx, dr); err != nil {
		c.logger.Warnf("store device installation result: %v", err)
	}
}

// FinalizeAfterReboot completes a pending primary install once the device
// has restarted. It reports whether an install is still pending.
func (c *Client) FinalizeAfterReboot(ctx context.Context) bool {
	ecus, err := c.inventory(ctx)
	if err != nil {
		return false
	}
	primary := ecus[0].Serial
	versions, err := c.installedVersions(ctx, primary)
	if err != nil || versions.Pending == nil {
		return false
	}
	target := *versions.Pending
	res := c.pm.FinalizeInstall(ctx, target)
	if res.NeedCompletion {
		c.logger.Infof("installation of %s is still pending: %s", target.Filename, res.Description)
		return true
	}
	c.logger.Infof("device has been rebooted after an update, finalizing %s", target.Filename)

	if err := c.repos.Results.SaveEcuResult(ctx, primary, res); err != nil {
		c.logger.Warnf("save installation result: %v", err)
	}
	mode := model.InstalledNone
	if res.IsSuccess() {
		mode = model.InstalledCurrent
	}
	if err := c.repos.Installed.SaveInstalledVersion(ctx, primary, target, mode); err != nil {
		c.logger.Warnf("save installed version: %v", err)
	}
	c.report(ctx, EventEcuInstallationCompleted, ecuResultPayload(primary, target.CorrelationID, res.IsSuccess()))
	if err := c.repos.Metadata.ClearNonRoot(ctx, uptane.RepoDirector); err != nil {
		c.logger.Warnf("drop director targets: %v", err)
	}

	dev, raw := c.computeDeviceResult(ctx)
	c.storeDeviceResult(ctx, dev, raw, target.CorrelationID)
	if err := c.putManifestSimple(ctx, nil); err != nil {
		c.logger.Warnf("send manifest after finalizing: %v", err)
	}
	return false
}
