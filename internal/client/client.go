/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

// Package client implements the operations of an Uptane primary: update
// checks, image downloads, installs and manifest reports. Every method is
// synchronous; callers serialise them through a command queue.
package client

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kentakayama/uptane-primary/internal/domain"
	"github.com/kentakayama/uptane-primary/internal/domain/model"
	"github.com/kentakayama/uptane-primary/internal/domain/service"
	"github.com/kentakayama/uptane-primary/internal/events"
	"github.com/kentakayama/uptane-primary/internal/fetcher"
	"github.com/kentakayama/uptane-primary/internal/infra/httpclient"
	"github.com/kentakayama/uptane-primary/internal/pacman"
	"github.com/kentakayama/uptane-primary/internal/queue"
	"github.com/kentakayama/uptane-primary/internal/uptane"
	"github.com/kentakayama/uptane-primary/internal/verifier"
)

type Config struct {
	// Server is the device gateway receiving events, device data and
	// serving campaigns.
	Server      string
	DirectorURL string
	ImageURL    string

	PrimarySerial     string
	PrimaryHardwareID string

	// ForceInstallCompletion reboots as soon as an install needs it.
	ForceInstallCompletion bool
	Verification           verifier.VerificationType
	MaxRootRotations       int

	ReportNetworkInfo bool
	ReportConfig      bool
	// ConfigDump is reported to the server as the effective configuration.
	ConfigDump      []byte
	ReportFlushEach time.Duration

	// DownloadRetryDelay is the first back-off between download attempts.
	DownloadRetryDelay time.Duration

	Now    func() uptane.TimeStamp
	Logger *logrus.Logger
}

// Deps are the collaborators of a Client.
type Deps struct {
	Repos          service.Repositories
	HTTP           *httpclient.Client
	PackageManager pacman.PackageManager
	Events         *events.Channel
	// Token is observed between download chunks. Optional.
	Token *queue.FlowControlToken
}

type Client struct {
	cfg    Config
	repos  service.Repositories
	hc     *httpclient.Client
	pm     pacman.PackageManager
	events *events.Channel
	token  *queue.FlowControlToken
	logger *logrus.Entry

	fetcher     *fetcher.HTTPFetcher
	opts        verifier.Options
	director    *verifier.DirectorRepository
	image       *verifier.ImageRepository
	provisioner *Provisioner
	reports     *ReportQueue

	mu              sync.Mutex
	attack          uptane.Attack
	connectionLost  bool
	updatesDisabled bool
}

func New(cfg Config, deps Deps) (*Client, error) {
	if deps.HTTP == nil || deps.PackageManager == nil {
		return nil, errors.New("http client and package manager are required")
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	if cfg.Now == nil {
		cfg.Now = uptane.Now
	}
	if cfg.DownloadRetryDelay <= 0 {
		cfg.DownloadRetryDelay = 500 * time.Millisecond
	}
	if deps.Events == nil {
		deps.Events = events.NewChannel(cfg.Logger)
	}
	cfg.Server = strings.TrimRight(cfg.Server, "/")
	cfg.DirectorURL = strings.TrimRight(cfg.DirectorURL, "/")

	opts := verifier.Options{
		MaxRootRotations: cfg.MaxRootRotations,
		Verification:     cfg.Verification,
		Now:              cfg.Now,
		Logger:           cfg.Logger,
	}
	c := &Client{
		cfg:         cfg,
		repos:       deps.Repos,
		hc:          deps.HTTP,
		pm:          deps.PackageManager,
		events:      deps.Events,
		token:       deps.Token,
		logger:      cfg.Logger.WithField("component", "client"),
		fetcher:     fetcher.NewHTTPFetcher(deps.HTTP, cfg.DirectorURL, cfg.ImageURL, cfg.Logger),
		opts:        opts,
		director:    verifier.NewDirectorRepository(deps.Repos.Metadata, opts),
		image:       verifier.NewImageRepository(deps.Repos.Metadata, opts),
		provisioner: newProvisioner(cfg, deps.Repos, deps.HTTP, cfg.Logger),
		reports:     NewReportQueue(cfg.Server, deps.HTTP, deps.Repos.Reports, cfg.ReportFlushEach, cfg.Logger),
	}
	if cfg.Verification == verifier.VerifyHashOnly {
		c.logger.Warn("signature verification is disabled, only hashes are checked")
	}
	return c, nil
}

func (c *Client) Events() *events.Channel { return c.events }

func (c *Client) Provisioner() *Provisioner { return c.provisioner }

func (c *Client) Reports() *ReportQueue { return c.reports }

func (c *Client) PackageManager() pacman.PackageManager { return c.pm }

// AttemptProvision reports whether the device is provisioned, trying the
// missing steps when it is not.
func (c *Client) AttemptProvision(ctx context.Context) bool {
	return c.provisioner.Attempt(ctx)
}

func (c *Client) requireProvisioned(ctx context.Context) error {
	if c.provisioner.Attempt(ctx) {
		return nil
	}
	if err := c.provisioner.LastError(); err != nil {
		return fmt.Errorf("%w: %w", ErrNotProvisioned, err)
	}
	return ErrNotProvisioned
}

// SetUpdatesDisabled keeps checks running but reports no new updates,
// used while another process holds the update lock.
func (c *Client) SetUpdatesDisabled(disabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.updatesDisabled = disabled
}

func (c *Client) UpdatesDisabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.updatesDisabled
}

func (c *Client) recordAttack(err error) {
	if a := uptane.AttackOf(err); a != uptane.AttackNone {
		c.mu.Lock()
		c.attack = a
		c.mu.Unlock()
		c.logger.Errorf("attack detected: %s: %v", a, err)
	}
}

func (c *Client) currentAttack() uptane.Attack {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attack
}

func (c *Client) publish(ev events.Event) {
	c.events.Publish(ev)
}

func (c *Client) report(ctx context.Context, eventType string, payload ReportPayload) {
	if err := c.reports.Enqueue(ctx, eventType, payload); err != nil {
		c.logger.Warnf("queue %s report: %v", eventType, err)
	}
}

// inventory returns the stored ECUs, primary first.
func (c *Client) inventory(ctx context.Context) ([]model.Ecu, error) {
	ecus, err := c.repos.Ecus.LoadEcus(ctx)
	if err != nil {
		return nil, err
	}
	if len(ecus) == 0 || !ecus[0].IsPrimary {
		return nil, domain.ErrNoPrimary
	}
	return ecus, nil
}

func (c *Client) hardwareID(ctx context.Context, serial uptane.EcuSerial) uptane.HardwareID {
	ecus, err := c.repos.Ecus.LoadEcus(ctx)
	if err != nil {
		return ""
	}
	for _, e := range ecus {
		if e.Serial == serial {
			return e.HardwareID
		}
	}
	return ""
}

func (c *Client) installedVersions(ctx context.Context, serial uptane.EcuSerial) (*model.InstalledVersions, error) {
	v, err := c.repos.Installed.LoadInstalledVersions(ctx, serial)
	if errors.Is(err, domain.ErrNotFound) {
		return &model.InstalledVersions{}, nil
	}
	return v, err
}

// HasPendingUpdates reports whether an install waits for completion.
func (c *Client) HasPendingUpdates(ctx context.Context) (bool, error) {
	pending, err := c.repos.Installed.LoadPendingEcus(ctx)
	if err != nil {
		return false, err
	}
	return len(pending) > 0, nil
}

// IsInstallCompletionRequired reports whether the primary has a pending
// install and the configuration asks to complete it right away.
func (c *Client) IsInstallCompletionRequired(ctx context.Context) bool {
	if !c.cfg.ForceInstallCompletion {
		return false
	}
	ecus, err := c.inventory(ctx)
	if err != nil {
		return false
	}
	v, err := c.installedVersions(ctx, ecus[0].Serial)
	return err == nil && v.Pending != nil
}

// CompleteInstall performs the action a pending install waits for,
// typically a reboot.
func (c *Client) CompleteInstall(ctx context.Context) error {
	return c.pm.CompleteInstall(ctx)
}

// ReportPause tells the server that the device paused or resumed, with
// the correlation ID of the current update.
func (c *Client) ReportPause(ctx context.Context, paused bool) {
	correlationID := ""
	if du, err := c.director.Update(ctx, verifier.NewStoredFetcher(c.repos.Metadata)); err == nil {
		correlationID = du.CorrelationID()
	}
	eventType := EventDeviceResumed
	if paused {
		eventType = EventDevicePaused
	}
	c.report(ctx, eventType, ReportPayload{CorrelationID: correlationID})
}
