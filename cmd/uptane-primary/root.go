/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kentakayama/uptane-primary/internal/config"
)

// Run modes accepted as the positional argument.
const (
	modeFull             = "full"
	modeOnce             = "once"
	modeCheck            = "check"
	modeDownload         = "download"
	modeInstall          = "install"
	modeManifest         = "manifest"
	modeCampaignCheck    = "campaign_check"
	modeCampaignAccept   = "campaign_accept"
	modeCampaignDecline  = "campaign_decline"
	modeCampaignPostpone = "campaign_postpone"
)

var runModes = []string{
	modeFull, modeOnce, modeCheck, modeDownload, modeInstall, modeManifest,
	modeCampaignCheck, modeCampaignAccept, modeCampaignDecline, modeCampaignPostpone,
}

type options struct {
	configPaths       []string
	logLevel          string
	server            string
	repoServer        string
	directorServer    string
	primarySerial     string
	primaryHardwareID string
	campaignID        string
	hwInfoFile        string
	apiAddr           string
	disableAPI        bool
	proxy             string
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:   "uptane-primary [run-mode]",
		Short: "Uptane primary update agent",
		Long: `uptane-primary keeps the device in sync with an Uptane Director and
Image repository: it verifies metadata, downloads and installs images and
reports the result to the server.

Run modes: ` + strings.Join(runModes, ", ") + ` (default ` + modeFull + `).`,
		Args:          cobra.MaximumNArgs(1),
		ValidArgs:     runModes,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			mode := modeFull
			if len(args) == 1 {
				mode = args[0]
			}
			if err := opts.validate(mode); err != nil {
				return err
			}
			cfg, err := opts.buildConfig()
			if err != nil {
				return err
			}
			hwInfo, err := opts.readHwInfo()
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg, mode, opts.campaignID, hwInfo)
		},
	}

	f := cmd.Flags()
	f.StringSliceVarP(&opts.configPaths, "config", "c", nil, "configuration file or directory (repeatable)")
	f.StringVar(&opts.logLevel, "loglevel", "", "log level: trace, debug, info, warning, error, fatal")
	f.StringVar(&opts.server, "tls-server", "", "URL of the device gateway")
	f.StringVar(&opts.repoServer, "repo-server", "", "URL of the Image repository")
	f.StringVar(&opts.directorServer, "director-server", "", "URL of the Director repository")
	f.StringVar(&opts.primarySerial, "primary-ecu-serial", "", "serial number of the primary ECU")
	f.StringVar(&opts.primaryHardwareID, "primary-ecu-hardware-id", "", "hardware ID of the primary ECU")
	f.StringVar(&opts.campaignID, "campaign-id", "", "campaign for campaign_accept, campaign_decline and campaign_postpone")
	f.StringVar(&opts.hwInfoFile, "hwinfo-file", "", "JSON file replacing the collected hardware information")
	f.StringVar(&opts.apiAddr, "api-addr", "", "listen address of the device API")
	f.BoolVar(&opts.disableAPI, "disable-api", false, "do not serve the device API")
	f.StringVar(&opts.proxy, "proxy", "", "URL of an HTTP proxy")
	return cmd
}

func (o *options) validate(mode string) error {
	known := false
	for _, m := range runModes {
		if m == mode {
			known = true
			break
		}
	}
	if !known {
		return fmt.Errorf("unknown run mode %q, expected one of %s", mode, strings.Join(runModes, ", "))
	}
	switch mode {
	case modeCampaignAccept, modeCampaignDecline, modeCampaignPostpone:
		if o.campaignID == "" {
			return fmt.Errorf("run mode %s requires --campaign-id", mode)
		}
	}
	return nil
}

// buildConfig layers the defaults, the configuration files and the flags.
func (o *options) buildConfig() (*config.Config, error) {
	return config.NewBuilder().
		WithDefaults().
		WithPaths(o.configPaths...).
		With(o.apply).
		Build()
}

func (o *options) apply(c *config.Config) {
	if o.logLevel != "" {
		c.Logger.Level = o.logLevel
	}
	if o.server != "" {
		c.Provision.Server = o.server
	}
	if o.repoServer != "" {
		c.Uptane.RepoServer = o.repoServer
	}
	if o.directorServer != "" {
		c.Uptane.DirectorServer = o.directorServer
	}
	if o.primarySerial != "" {
		c.Provision.PrimaryEcuSerial = o.primarySerial
	}
	if o.primaryHardwareID != "" {
		c.Provision.PrimaryEcuHardwareID = o.primaryHardwareID
	}
	if o.apiAddr != "" {
		c.API.Addr = o.apiAddr
	}
	if o.disableAPI {
		c.API.Enabled = false
	}
	if o.proxy != "" {
		c.Network.Proxy = o.proxy
	}
}

func (o *options) readHwInfo() (json.RawMessage, error) {
	if o.hwInfoFile == "" {
		return nil, nil
	}
	data, err := os.ReadFile(o.hwInfoFile)
	if err != nil {
		return nil, fmt.Errorf("read hardware info: %w", err)
	}
	if !json.Valid(data) {
		return nil, fmt.Errorf("hardware info %s is not valid JSON", o.hwInfoFile)
	}
	return json.RawMessage(data), nil
}
