/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kentakayama/uptane-primary/internal/agent"
	"github.com/kentakayama/uptane-primary/internal/campaign"
	"github.com/kentakayama/uptane-primary/internal/client"
	"github.com/kentakayama/uptane-primary/internal/config"
	"github.com/kentakayama/uptane-primary/internal/events"
	"github.com/kentakayama/uptane-primary/internal/infra/httpclient"
	"github.com/kentakayama/uptane-primary/internal/infra/sqlite"
	"github.com/kentakayama/uptane-primary/internal/lock"
	"github.com/kentakayama/uptane-primary/internal/pacman"
	"github.com/kentakayama/uptane-primary/internal/queue"
	"github.com/kentakayama/uptane-primary/internal/result"
	"github.com/kentakayama/uptane-primary/internal/server"
	"github.com/kentakayama/uptane-primary/internal/uptane"
)

const (
	apiShutdownTimeout = 5 * time.Second
	finalFlushTimeout  = 10 * time.Second
)

type app struct {
	cfg    *config.Config
	logger *logrus.Logger
	db     *sql.DB
	agent  *agent.Agent
	api    *server.Server
	apiErr chan error
}

func newApp(ctx context.Context, cfg *config.Config, hwInfo json.RawMessage) (*app, error) {
	logger := cfg.Logger.NewLogger()

	if err := os.MkdirAll(cfg.Storage.Path, 0o700); err != nil {
		return nil, fmt.Errorf("create storage directory: %w", err)
	}
	db, err := sqlite.InitDB(ctx, cfg.Storage.DBPath())
	if err != nil {
		return nil, err
	}
	repos := sqlite.NewRepositories(db)

	hc := httpclient.New(httpclient.Config{
		Timeout:     cfg.Network.Timeout(),
		InsecureTLS: cfg.Network.InsecureTLS,
		Proxy:       cfg.Network.Proxy,
		Logger:      logger,
	})
	pm, err := pacman.NewFilePackageManager(pacman.Config{
		ImagesDir:     cfg.Storage.Resolve(cfg.PackageManager.ImagesPath),
		InstallDir:    cfg.Storage.Resolve(cfg.PackageManager.InstallPath),
		NeedReboot:    cfg.PackageManager.NeedReboot,
		BootIDFile:    cfg.PackageManager.BootIDFile,
		RebootCommand: cfg.PackageManager.RebootCommand,
		Logger:        logger,
	}, repos.Installed)
	if err != nil {
		sqlite.CloseDB(db)
		return nil, err
	}

	dump, err := cfg.Dump()
	if err != nil {
		sqlite.CloseDB(db)
		return nil, fmt.Errorf("render configuration: %w", err)
	}

	q := queue.New(logger)
	c, err := client.New(client.Config{
		Server:                 cfg.Provision.Server,
		DirectorURL:            cfg.Uptane.DirectorServer,
		ImageURL:               cfg.Uptane.RepoServer,
		PrimarySerial:          cfg.Provision.PrimaryEcuSerial,
		PrimaryHardwareID:      cfg.Provision.PrimaryEcuHardwareID,
		ForceInstallCompletion: cfg.Uptane.ForceInstallCompletion,
		Verification:           cfg.Uptane.Verification(),
		MaxRootRotations:       cfg.Uptane.RootRotations(),
		ReportNetworkInfo:      cfg.Telemetry.ReportNetwork,
		ReportConfig:           cfg.Telemetry.ReportConfig,
		ConfigDump:             dump,
		Logger:                 logger,
	}, client.Deps{
		Repos:          repos,
		HTTP:           hc,
		PackageManager: pm,
		Token:          q.Token(),
	})
	if err != nil {
		q.Shutdown()
		sqlite.CloseDB(db)
		return nil, err
	}
	c.Events().Connect(events.LogHandler(logger))

	ag := agent.New(agent.Config{
		PollingInterval:      cfg.Uptane.PollingInterval(),
		EnableOnlineUpdates:  cfg.Uptane.EnableOnlineUpdates,
		EnableOfflineUpdates: cfg.Uptane.EnableOfflineUpdates,
		OfflineSource:        cfg.Uptane.OfflineUpdatesSource,
		CustomHwInfo:         hwInfo,
		Logger:               logger,
	}, c, q, lock.New(cfg.Uptane.UpdateLockFile, logger))

	return &app{cfg: cfg, logger: logger, db: db, agent: ag}, nil
}

// startAPI serves the device API in the background.
func (a *app) startAPI() {
	if !a.cfg.API.Enabled {
		return
	}
	a.api = server.New(server.Config{Addr: a.cfg.API.Addr, Logger: a.logger}, a.agent)
	a.apiErr = make(chan error, 1)
	go func() { a.apiErr <- a.api.ListenAndServe() }()
}

func (a *app) close() {
	if a.api != nil {
		ctx, cancel := context.WithTimeout(context.Background(), apiShutdownTimeout)
		if err := a.api.Shutdown(ctx); err != nil {
			a.logger.Warnf("device API shutdown: %v", err)
		}
		cancel()
		if err := <-a.apiErr; err != nil {
			a.logger.Warnf("device API stopped: %v", err)
		}
	}
	a.agent.Shutdown()
	a.agent.Client().Events().Close()

	ctx, cancel := context.WithTimeout(context.Background(), finalFlushTimeout)
	a.agent.Client().Reports().Flush(ctx)
	cancel()
	if err := sqlite.CloseDB(a.db); err != nil {
		a.logger.Warnf("close database: %v", err)
	}
}

// run executes one run mode. SIGINT, SIGTERM and SIGHUP abort the running
// operation and shut the agent down.
func run(parent context.Context, cfg *config.Config, mode, campaignID string, hwInfo json.RawMessage) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer stop()

	a, err := newApp(ctx, cfg, hwInfo)
	if err != nil {
		return err
	}
	defer a.close()

	stopAbort := context.AfterFunc(ctx, a.agent.Abort)
	defer stopAbort()

	a.logger.Infof("uptane-primary starting, run mode %s", mode)
	return a.runMode(ctx, mode, campaignID)
}

func (a *app) runMode(ctx context.Context, mode, campaignID string) error {
	ag := a.agent
	switch mode {
	case modeFull:
		a.startAPI()
		return ag.RunForever(ctx)
	case modeOnce:
		state, err := ag.Run(ctx, agent.RunOnce)
		if err != nil {
			return err
		}
		a.logger.Infof("update cycle finished in state %s", state)
		return nil
	case modeCheck:
		_, err := a.check(ctx)
		return err
	case modeDownload:
		check, err := a.check(ctx)
		if err != nil || check.Status != result.UpdatesAvailable {
			return err
		}
		_, err = a.download(ctx, check.Updates)
		return err
	case modeInstall:
		check, err := a.check(ctx)
		if err != nil || check.Status != result.UpdatesAvailable {
			return err
		}
		updates, err := a.download(ctx, check.Updates)
		if err != nil {
			return err
		}
		res, err := ag.Install(updates).Get(ctx)
		if err != nil {
			return err
		}
		a.logger.Infof("installation finished: %s", res.Device.Code)
		if res.Device.NeedCompletion {
			a.logger.Info("reboot the device to complete the installation")
			return nil
		}
		if !res.Device.Success {
			return fmt.Errorf("installation failed: %s", res.Device.Description)
		}
		return nil
	case modeManifest:
		_, err := ag.SendManifest(nil).Get(ctx)
		return err
	case modeCampaignCheck:
		res, err := ag.CampaignCheck().Get(ctx)
		if err != nil {
			return err
		}
		for _, c := range res.Campaigns {
			a.logger.Infof("campaign %s %q, size %d, auto accept %v", c.ID, c.Name, c.Size, c.AutoAccept)
		}
		a.logger.Infof("%d campaign(s) available", len(res.Campaigns))
		return nil
	case modeCampaignAccept, modeCampaignDecline, modeCampaignPostpone:
		cmd, err := campaign.ParseCmd(mode)
		if err != nil {
			return err
		}
		_, err = ag.CampaignControl(campaignID, cmd).Get(ctx)
		return err
	default:
		return fmt.Errorf("unknown run mode %q", mode)
	}
}

// check sends the device data and checks for updates.
func (a *app) check(ctx context.Context) (result.UpdateCheck, error) {
	if _, err := a.agent.SendDeviceData(nil).Get(ctx); err != nil {
		return result.UpdateCheck{}, err
	}
	res, err := a.agent.CheckUpdates().Get(ctx)
	if err != nil {
		return res, fmt.Errorf("update check: %w", err)
	}
	a.logger.Infof("update check: %s, %d update(s)", res.Status, len(res.Updates))
	if res.Status == result.UpdateError {
		return res, fmt.Errorf("update check failed: %s", res.Message)
	}
	return res, nil
}

// download fetches the images of updates and returns the downloaded ones.
func (a *app) download(ctx context.Context, updates []uptane.Target) ([]uptane.Target, error) {
	res, err := a.agent.Download(updates).Get(ctx)
	if err != nil {
		return nil, err
	}
	a.logger.Infof("download finished: %s", res.Status)
	switch res.Status {
	case result.DownloadError:
		return nil, fmt.Errorf("download failed: %s", res.Message)
	case result.NothingToDownload:
		return updates, nil
	default:
		return res.Updates, nil
	}
}
