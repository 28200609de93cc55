/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package agent

import (
	"context"
	"errors"
	"time"

	"github.com/kentakayama/uptane-primary/internal/client"
	"github.com/kentakayama/uptane-primary/internal/lock"
	"github.com/kentakayama/uptane-primary/internal/queue"
	"github.com/kentakayama/uptane-primary/internal/result"
)

// cycle holds the in-flight operations of one run of the update loop.
type cycle struct {
	mode          RunMode
	nextPoll      time.Time
	nextOffline   time.Time
	nextProvision time.Time
	err           error

	provision      *queue.Future[bool]
	deviceData     *queue.Future[struct{}]
	check          *queue.Future[result.UpdateCheck]
	download       *queue.Future[result.Download]
	install        *queue.Future[result.Install]
	manifest       *queue.Future[struct{}]
	offlineCheck   *queue.Future[result.UpdateCheck]
	offlineFetch   *queue.Future[result.Download]
	offlineInstall *queue.Future[result.Install]

	source *offlineSource
}

func isProvisioningError(err error) bool {
	return errors.Is(err, client.ErrNotProvisioned) || errors.Is(err, client.ErrProvisioningFailed)
}

func (a *Agent) begin(mode RunMode) (chan struct{}, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stopped {
		return nil, ErrStopped
	}
	if a.running {
		a.logger.Warnf("update loop already runs in mode %s, ignoring the request for mode %s", a.mode, mode)
		return nil, ErrAlreadyRunning
	}
	a.running = true
	a.mode = mode
	a.loopDone = make(chan struct{})
	return a.loopDone, nil
}

func (a *Agent) end(done chan struct{}) {
	a.mu.Lock()
	a.running = false
	a.mu.Unlock()
	close(done)
}

func (a *Agent) newCycle(mode RunMode) *cycle {
	c := &cycle{mode: mode}
	if !a.cfg.EnableOfflineUpdates || a.cfg.OfflineSource == "" {
		return c
	}
	initial := sourceUnknown
	if mode == RunOnce {
		initial = sourceDoesNotExist
	}
	c.source = newOfflineSource(a.cfg.OfflineSource, initial, a.logger)
	if err := c.source.Watch(); err != nil {
		a.logger.Debugf("offline source %s is polled only: %v", a.cfg.OfflineSource, err)
	}
	return c
}

func (c *cycle) close() {
	if c.source != nil {
		c.source.Close()
	}
}

// deadline is the next time the loop has to look for work.
func (a *Agent) deadline(c *cycle) time.Time {
	d := c.nextPoll
	switch {
	case a.State() == StateUnprovisioned:
		d = c.nextProvision
	case !a.cfg.EnableOnlineUpdates && c.source == nil:
		return time.Now().Add(a.cfg.PollingInterval)
	}
	if c.source != nil && (!a.cfg.EnableOnlineUpdates || c.nextOffline.Before(d)) {
		d = c.nextOffline
	}
	return d
}

func (a *Agent) stopping(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	case <-a.stop:
		return true
	default:
		return false
	}
}

// await waits for done until the next scheduled poll, and at least one
// offline poll interval, and reports whether done fired.
func (a *Agent) await(ctx context.Context, c *cycle, done <-chan struct{}) bool {
	wait := time.Until(a.deadline(c))
	if wait < a.cfg.OfflinePollInterval {
		wait = a.cfg.OfflinePollInterval
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-done:
		return true
	case <-ctx.Done():
	case <-a.stop:
	case <-timer.C:
	}
	return false
}

// sleep waits until the next scheduled poll or activity on the offline
// source.
func (a *Agent) sleep(ctx context.Context, c *cycle) {
	wait := time.Until(a.deadline(c))
	if wait <= 0 {
		return
	}
	var changed <-chan struct{}
	if c.source != nil {
		changed = c.source.Changed()
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-a.stop:
	case <-timer.C:
	case <-changed:
		c.nextOffline = time.Now()
	}
}

// Run drives the update loop in the given mode and returns the state it
// ended in. Only one loop runs at a time.
func (a *Agent) Run(ctx context.Context, mode RunMode) (State, error) {
	done, err := a.begin(mode)
	if err != nil {
		return a.State(), err
	}
	defer a.end(done)

	c := a.newCycle(mode)
	defer c.close()

	if a.finalize(ctx) {
		a.setState(StateAwaitReboot)
		return StateAwaitReboot, nil
	}
	if a.State().Terminal() {
		a.setState(StateUnprovisioned)
	}

	for {
		if a.stopping(ctx) {
			return a.State(), nil
		}
		if err := a.limiter.Wait(ctx); err != nil {
			return a.State(), nil
		}
		next, finished := a.step(ctx, c)
		a.setState(next)
		if finished {
			return next, c.err
		}
	}
}

// finalize completes an install that waited for a reboot and reports
// whether the device still has to reboot. A shutdown stops the wait.
func (a *Agent) finalize(ctx context.Context) bool {
	f := queue.Enqueue(a.queue, func(ctx context.Context) (bool, error) {
		return a.client.FinalizeAfterReboot(ctx), nil
	})
	select {
	case <-f.Done():
	case <-ctx.Done():
		return false
	case <-a.stop:
		return false
	}
	pending, err := f.Result()
	if err != nil || !pending {
		return false
	}
	return a.client.IsInstallCompletionRequired(ctx)
}

// RunForever runs the update loop until an install needs a reboot or the
// agent is shut down, then completes the pending install if required.
func (a *Agent) RunForever(ctx context.Context) error {
	state, err := a.Run(ctx, RunUntilRebootNeeded)
	if err != nil {
		return err
	}
	if state == StateAwaitReboot && a.client.IsInstallCompletionRequired(ctx) {
		a.logger.Info("completing the pending installation")
		return a.client.CompleteInstall(context.WithoutCancel(ctx))
	}
	return nil
}

// step runs one transition of the update loop. It reports whether the
// loop is finished.
func (a *Agent) step(ctx context.Context, c *cycle) (State, bool) {
	switch s := a.State(); s {
	case StateUnprovisioned:
		return a.stepUnprovisioned(ctx, c)
	case StateSendingDeviceData:
		return a.stepSendingDeviceData(ctx, c)
	case StateIdle:
		return a.stepIdle(ctx, c)
	case StateCheckingForUpdates:
		return a.stepChecking(ctx, c)
	case StateDownloading:
		return a.stepDownloading(ctx, c)
	case StateInstalling:
		return a.stepInstalling(ctx, c)
	case StateSendingManifest:
		return a.stepSendingManifest(ctx, c)
	case StateAwaitReboot:
		return StateAwaitReboot, true
	case StateCheckingForUpdatesOffline:
		return a.stepCheckingOffline(ctx, c)
	case StateFetchingImagesOffline:
		return a.stepFetchingOffline(ctx, c)
	case StateInstallingOffline:
		return a.stepInstallingOffline(ctx, c)
	default:
		a.logger.Errorf("update loop reached unknown state %d, resetting to Idle", int(s))
		return StateIdle, false
	}
}

func (a *Agent) stepUnprovisioned(ctx context.Context, c *cycle) (State, bool) {
	if c.provision == nil {
		if time.Now().Before(c.nextProvision) {
			a.sleep(ctx, c)
			return StateUnprovisioned, false
		}
		c.provision = a.AttemptProvision()
	}
	if !a.await(ctx, c, c.provision.Done()) {
		return StateUnprovisioned, false
	}
	ok, err := c.provision.Result()
	c.provision = nil
	if err == nil && ok {
		if !a.cfg.EnableOnlineUpdates {
			return StateIdle, false
		}
		c.deviceData = a.SendDeviceData(nil)
		return StateSendingDeviceData, false
	}
	if !a.cfg.EnableOnlineUpdates {
		a.logger.Info("device is not provisioned, continuing with offline updates only")
		return StateIdle, false
	}
	c.nextProvision = time.Now().Add(a.cfg.PollingInterval)
	a.logger.Debugf("device is not provisioned yet, retrying at %s", c.nextProvision.Format(time.RFC3339))
	if c.mode == RunOnce {
		c.err = client.ErrNotProvisioned
		return StateUnprovisioned, true
	}
	return StateUnprovisioned, false
}

func (a *Agent) stepSendingDeviceData(ctx context.Context, c *cycle) (State, bool) {
	if !a.await(ctx, c, c.deviceData.Done()) {
		return StateSendingDeviceData, false
	}
	if _, err := c.deviceData.Result(); err != nil {
		a.logger.Warnf("send device data: %v", err)
	}
	c.deviceData = nil
	return StateIdle, false
}

func (a *Agent) stepIdle(ctx context.Context, c *cycle) (State, bool) {
	a.lock.UpdateComplete()
	now := time.Now()
	if a.cfg.EnableOnlineUpdates && !now.Before(c.nextPoll) {
		c.nextPoll = now.Add(a.cfg.PollingInterval)
		c.check = a.CheckUpdates()
		return StateCheckingForUpdates, false
	}
	if c.source != nil && !now.Before(c.nextOffline) {
		c.nextOffline = now.Add(a.cfg.OfflinePollInterval)
		if c.source.Available() {
			a.logger.Infof("offline update source %s appeared", c.source.path)
			c.offlineCheck = a.CheckUpdatesOffline(c.source.path)
			return StateCheckingForUpdatesOffline, false
		}
	}
	if c.mode == RunOnce {
		return StateIdle, true
	}
	a.sleep(ctx, c)
	return StateIdle, false
}

func (a *Agent) sendManifest(c *cycle) (State, bool) {
	c.manifest = a.SendManifest(nil)
	return StateSendingManifest, false
}

func (a *Agent) stepChecking(ctx context.Context, c *cycle) (State, bool) {
	if !a.await(ctx, c, c.check.Done()) {
		return StateCheckingForUpdates, false
	}
	res, err := c.check.Result()
	c.check = nil
	if isProvisioningError(err) {
		if c.mode == RunOnce {
			c.err = client.ErrNotProvisioned
			return StateUnprovisioned, true
		}
		c.nextProvision = c.nextPoll
		return StateUnprovisioned, false
	}
	if err != nil {
		a.logger.Warnf("update check did not complete: %v", err)
		return StateIdle, false
	}
	if len(res.Updates) == 0 || a.client.UpdatesDisabled() {
		if res.Status == result.UpdateError {
			return a.sendManifest(c)
		}
		return StateIdle, false
	}
	if a.lock.ShouldUpdate() == lock.NoUpdate {
		a.logger.Info("update lock is held, the update is retried at the next poll")
		return StateIdle, false
	}
	c.download = a.Download(res.Updates)
	return StateDownloading, false
}

func (a *Agent) stepDownloading(ctx context.Context, c *cycle) (State, bool) {
	if !a.await(ctx, c, c.download.Done()) {
		return StateDownloading, false
	}
	res, err := c.download.Result()
	c.download = nil
	if err != nil {
		a.logger.Warnf("download did not complete: %v", err)
		return a.sendManifest(c)
	}
	if res.Status != result.DownloadSuccess || len(res.Updates) == 0 {
		if res.Status != result.NothingToDownload {
			return a.sendManifest(c)
		}
		return StateIdle, false
	}
	c.install = a.Install(res.Updates)
	return StateInstalling, false
}

func (a *Agent) stepInstalling(ctx context.Context, c *cycle) (State, bool) {
	if !a.await(ctx, c, c.install.Done()) {
		return StateInstalling, false
	}
	if _, err := c.install.Result(); err != nil {
		a.logger.Warnf("install did not complete: %v", err)
	}
	c.install = nil
	if a.client.IsInstallCompletionRequired(ctx) {
		a.logger.Info("the update is applied after a reboot")
		return StateAwaitReboot, true
	}
	pending, err := a.client.HasPendingUpdates(ctx)
	if err == nil && !pending {
		return a.sendManifest(c)
	}
	return StateIdle, false
}

func (a *Agent) stepSendingManifest(ctx context.Context, c *cycle) (State, bool) {
	if !a.await(ctx, c, c.manifest.Done()) {
		return StateSendingManifest, false
	}
	_, err := c.manifest.Result()
	c.manifest = nil
	if isProvisioningError(err) {
		c.nextProvision = c.nextPoll
		return StateUnprovisioned, false
	}
	if err != nil && !errors.Is(err, client.ErrPendingUpdates) {
		a.logger.Warnf("send manifest: %v", err)
	}
	return StateIdle, false
}

func (a *Agent) stepCheckingOffline(ctx context.Context, c *cycle) (State, bool) {
	if !a.await(ctx, c, c.offlineCheck.Done()) {
		return StateCheckingForUpdatesOffline, false
	}
	res, err := c.offlineCheck.Result()
	c.offlineCheck = nil
	if err != nil {
		a.logger.Warnf("offline update check did not complete: %v", err)
		return StateIdle, false
	}
	if len(res.Updates) == 0 || a.client.UpdatesDisabled() {
		a.logger.Infof("offline update source: %s", res.Message)
		return StateIdle, false
	}
	if a.lock.ShouldUpdate() == lock.NoUpdate {
		a.logger.Info("update lock is held, skipping the offline update")
		return StateIdle, false
	}
	c.offlineFetch = a.FetchImagesOffline(c.source.path, res.Updates)
	return StateFetchingImagesOffline, false
}

func (a *Agent) stepFetchingOffline(ctx context.Context, c *cycle) (State, bool) {
	if !a.await(ctx, c, c.offlineFetch.Done()) {
		return StateFetchingImagesOffline, false
	}
	res, err := c.offlineFetch.Result()
	c.offlineFetch = nil
	if err != nil {
		a.logger.Warnf("offline image fetch did not complete: %v", err)
		return StateIdle, false
	}
	if res.Status != result.DownloadSuccess || len(res.Updates) == 0 {
		a.logger.Warnf("offline image fetch: %s", res.Status)
		return StateIdle, false
	}
	c.offlineInstall = a.InstallOffline(c.source.path, res.Updates)
	return StateInstallingOffline, false
}

func (a *Agent) stepInstallingOffline(ctx context.Context, c *cycle) (State, bool) {
	if !a.await(ctx, c, c.offlineInstall.Done()) {
		return StateInstallingOffline, false
	}
	if _, err := c.offlineInstall.Result(); err != nil {
		a.logger.Warnf("offline install did not complete: %v", err)
	}
	c.offlineInstall = nil
	if a.client.IsInstallCompletionRequired(ctx) {
		a.logger.Info("the offline update is applied after a reboot")
		return StateAwaitReboot, true
	}
	return StateIdle, false
}

// UptaneCycle performs one check, download and install pass, waiting for
// each operation. It returns false when the process has to exit for a
// pending install to be applied.
func (a *Agent) UptaneCycle(ctx context.Context) (bool, error) {
	check, err := a.CheckUpdates().Get(ctx)
	if err != nil {
		return true, err
	}
	if len(check.Updates) == 0 || a.client.UpdatesDisabled() {
		if check.Status == result.UpdateError {
			_, err = a.SendManifest(nil).Get(ctx)
		}
		return true, err
	}
	if a.lock.ShouldUpdate() == lock.NoUpdate {
		a.logger.Info("update lock is held, skipping the update")
		return true, nil
	}
	defer a.lock.UpdateComplete()

	dl, err := a.Download(check.Updates).Get(ctx)
	if err != nil {
		return true, err
	}
	if dl.Status != result.DownloadSuccess || len(dl.Updates) == 0 {
		if dl.Status != result.NothingToDownload {
			_, err = a.SendManifest(nil).Get(ctx)
		}
		return true, err
	}
	if _, err := a.Install(dl.Updates).Get(ctx); err != nil {
		return true, err
	}
	if a.client.IsInstallCompletionRequired(ctx) {
		a.logger.Info("exiting so that the pending update can be applied after a reboot")
		return false, nil
	}
	if pending, err := a.client.HasPendingUpdates(ctx); err == nil && !pending {
		_, err = a.SendManifest(nil).Get(ctx)
		return true, err
	}
	return true, nil
}
