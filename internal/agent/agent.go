/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

// Package agent drives the update cycle of the primary. Every operation is
// enqueued on a single command queue and returned as a future; the update
// loop waits on those futures with deadlines bounded by the next poll.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/kentakayama/uptane-primary/internal/campaign"
	"github.com/kentakayama/uptane-primary/internal/client"
	"github.com/kentakayama/uptane-primary/internal/lock"
	"github.com/kentakayama/uptane-primary/internal/queue"
	"github.com/kentakayama/uptane-primary/internal/result"
	"github.com/kentakayama/uptane-primary/internal/uptane"
)

var (
	ErrAlreadyRunning = errors.New("update loop is already running")
	ErrStopped        = errors.New("agent is shut down")
)

const (
	defaultPollingInterval = 5 * time.Minute
	defaultOfflinePoll     = time.Second
	defaultLoopRate        = 10
)

type Config struct {
	PollingInterval      time.Duration
	EnableOnlineUpdates  bool
	EnableOfflineUpdates bool
	// OfflineSource is the directory an offline update appears in.
	OfflineSource string
	// OfflinePollInterval defaults to one second.
	OfflinePollInterval time.Duration
	// LoopRate caps the iterations of the update loop per second.
	LoopRate float64
	// CustomHwInfo replaces the collected hardware information.
	CustomHwInfo json.RawMessage
	Logger       *logrus.Logger
}

// Agent serialises client operations and runs the update loop.
type Agent struct {
	cfg     Config
	client  *client.Client
	queue   *queue.CommandQueue
	lock    *lock.UpdateLockFile
	limiter *rate.Limiter
	logger  *logrus.Entry

	mu       sync.Mutex
	state    State
	mode     RunMode
	running  bool
	stopped  bool
	stop     chan struct{}
	loopDone chan struct{}
	hwInfo   json.RawMessage
}

// New builds an Agent over c. q must be the queue whose token c observes.
// lk may be nil.
func New(cfg Config, c *client.Client, q *queue.CommandQueue, lk *lock.UpdateLockFile) *Agent {
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	if cfg.PollingInterval <= 0 {
		cfg.PollingInterval = defaultPollingInterval
	}
	if cfg.OfflinePollInterval <= 0 {
		cfg.OfflinePollInterval = defaultOfflinePoll
	}
	if cfg.LoopRate <= 0 {
		cfg.LoopRate = defaultLoopRate
	}
	if lk == nil {
		lk = lock.New("", cfg.Logger)
	}
	a := &Agent{
		cfg:     cfg,
		client:  c,
		queue:   q,
		lock:    lk,
		limiter: rate.NewLimiter(rate.Limit(cfg.LoopRate), int(cfg.LoopRate)+1),
		logger:  cfg.Logger.WithField("component", "agent"),
		state:   StateUnprovisioned,
		stop:    make(chan struct{}),
		hwInfo:  cfg.CustomHwInfo,
	}
	c.Reports().Start()
	return a
}

func (a *Agent) Client() *client.Client { return a.client }

// State is the current state of the update loop.
func (a *Agent) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

func (a *Agent) setState(s State) {
	a.mu.Lock()
	prev := a.state
	a.state = s
	a.mu.Unlock()
	if prev != s {
		a.logger.Debugf("state %s -> %s", prev, s)
	}
}

// SetCustomHwInfo replaces the hardware information reported by the
// update loop.
func (a *Agent) SetCustomHwInfo(info json.RawMessage) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.hwInfo = info
}

func (a *Agent) customHwInfo() json.RawMessage {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.hwInfo
}

// AttemptProvision enqueues a provisioning attempt.
func (a *Agent) AttemptProvision() *queue.Future[bool] {
	return queue.Enqueue(a.queue, func(ctx context.Context) (bool, error) {
		return a.client.AttemptProvision(ctx), nil
	})
}

// CheckUpdates enqueues an update check. The future fails when the
// device is not provisioned.
func (a *Agent) CheckUpdates() *queue.Future[result.UpdateCheck] {
	return queue.Enqueue(a.queue, a.client.CheckUpdates)
}

func (a *Agent) Download(targets []uptane.Target) *queue.Future[result.Download] {
	return queue.Enqueue(a.queue, func(ctx context.Context) (result.Download, error) {
		return a.client.Download(ctx, targets), nil
	})
}

func (a *Agent) Install(targets []uptane.Target) *queue.Future[result.Install] {
	return queue.Enqueue(a.queue, func(ctx context.Context) (result.Install, error) {
		return a.client.Install(ctx, targets), nil
	})
}

// SendManifest enqueues a manifest upload carrying custom, which may be nil.
func (a *Agent) SendManifest(custom any) *queue.Future[struct{}] {
	return queue.Enqueue(a.queue, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, a.client.SendManifest(ctx, custom)
	})
}

// SendDeviceData enqueues the device data report. A nil customHwInfo uses
// the one configured on the agent.
func (a *Agent) SendDeviceData(customHwInfo json.RawMessage) *queue.Future[struct{}] {
	if customHwInfo == nil {
		customHwInfo = a.customHwInfo()
	}
	return queue.Enqueue(a.queue, func(ctx context.Context) (struct{}, error) {
		a.client.SendDeviceData(ctx, customHwInfo)
		return struct{}{}, nil
	})
}

func (a *Agent) CampaignCheck() *queue.Future[result.CampaignCheck] {
	return queue.Enqueue(a.queue, a.client.CampaignCheck)
}

func (a *Agent) CampaignControl(campaignID string, cmd campaign.Cmd) *queue.Future[struct{}] {
	return queue.Enqueue(a.queue, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, a.client.CampaignControl(ctx, campaignID, cmd)
	})
}

func (a *Agent) CheckUpdatesOffline(sourceDir string) *queue.Future[result.UpdateCheck] {
	return queue.Enqueue(a.queue, func(ctx context.Context) (result.UpdateCheck, error) {
		return a.client.CheckUpdatesOffline(ctx, sourceDir), nil
	})
}

func (a *Agent) FetchImagesOffline(sourceDir string, targets []uptane.Target) *queue.Future[result.Download] {
	return queue.Enqueue(a.queue, func(ctx context.Context) (result.Download, error) {
		return a.client.FetchImagesOffline(ctx, sourceDir, targets), nil
	})
}

func (a *Agent) InstallOffline(sourceDir string, targets []uptane.Target) *queue.Future[result.Install] {
	return queue.Enqueue(a.queue, func(ctx context.Context) (result.Install, error) {
		return a.client.InstallOffline(ctx, sourceDir, targets), nil
	})
}

// Pause holds the command queue after the running task and reports the
// pause to the server.
func (a *Agent) Pause(ctx context.Context) result.PauseStatus {
	if !a.queue.Pause() {
		return result.AlreadyPaused
	}
	a.client.ReportPause(ctx, true)
	return result.PauseSuccess
}

func (a *Agent) Resume(ctx context.Context) result.PauseStatus {
	if !a.queue.Resume() {
		return result.AlreadyRunning
	}
	a.client.ReportPause(ctx, false)
	return result.PauseSuccess
}

// ExportMetadata bundles the trusted metadata for secondaries.
func (a *Agent) ExportMetadata(ctx context.Context) ([]byte, error) {
	return a.client.ExportMetadata(ctx)
}

// VerifyMetadata verifies a metadata bundle against the trusted Roots.
func (a *Agent) VerifyMetadata(ctx context.Context, bundle []byte) ([]uptane.Target, error) {
	return a.client.VerifyMetadata(ctx, bundle)
}

// Abort drops the queued operations and cancels the running one.
func (a *Agent) Abort() {
	a.queue.Abort()
}

// Shutdown stops the update loop, drains the command queue and stops the
// report sender. It is safe to call more than once.
func (a *Agent) Shutdown() {
	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		return
	}
	a.stopped = true
	close(a.stop)
	loopDone := a.loopDone
	a.mu.Unlock()

	if loopDone != nil {
		<-loopDone
	}
	a.queue.Shutdown()
	a.lock.UpdateComplete()
	reports := a.client.Reports()
	reports.Close()
	reports.Wait()
}
