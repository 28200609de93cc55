/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package client

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"runtime"

	"github.com/gowebpki/jcs"

	"github.com/kentakayama/uptane-primary/internal/domain"
	"github.com/kentakayama/uptane-primary/internal/events"
	"github.com/kentakayama/uptane-primary/internal/pacman"
)

const (
	keyHwInfoHash    = "hwinfo_hash"
	keyPackagesHash  = "installed_packages_hash"
	keyNetworkHash   = "network_hash"
	keyConfigHash    = "config_hash"
	pathSystemInfo   = "/system_info"
	pathInstalled    = "/core/installed"
	pathNetworkInfo  = "/system_info/network"
	pathConfigReport = "/system_info/config"
)

type hardwareInfo struct {
	ID      string `json:"id"`
	Class   string `json:"class"`
	Product string `json:"product"`
	CPUs    int    `json:"cpus"`
}

type networkInfo struct {
	LocalIPv4 string `json:"local_ipv4"`
	MAC       string `json:"mac"`
	Hostname  string `json:"hostname"`
}

// SendDeviceData reports hardware, installed packages, network and
// configuration to the server. Each part is only sent when it changed
// since its last successful upload. customHwInfo replaces the collected
// hardware information when set.
func (c *Client) SendDeviceData(ctx context.Context, customHwInfo json.RawMessage) {
	c.reportHwInfo(ctx, customHwInfo)
	c.reportInstalledPackages(ctx)
	c.reportNetworkInfo(ctx)
	c.reportConfig(ctx)
	c.publish(events.SendDeviceDataComplete{})
}

func (c *Client) reportHwInfo(ctx context.Context, custom json.RawMessage) {
	var body []byte
	if len(custom) > 0 {
		if !json.Valid(custom) {
			c.logger.Warn("custom hardware info is not valid JSON, not reporting it")
			return
		}
		body = custom
	} else {
		host, err := os.Hostname()
		if err != nil {
			c.logger.Warnf("unable to collect hardware info: %v", err)
			return
		}
		body, err = json.Marshal(hardwareInfo{
			ID:      host,
			Class:   "computer",
			Product: runtime.GOOS + "/" + runtime.GOARCH,
			CPUs:    runtime.NumCPU(),
		})
		if err != nil {
			return
		}
	}
	c.putIfChanged(ctx, keyHwInfoHash, pathSystemInfo, "application/json", body, true)
}

func (c *Client) reportInstalledPackages(ctx context.Context) {
	pkgs, err := c.pm.GetInstalledPackages(ctx)
	if err != nil {
		c.logger.Warnf("list installed packages: %v", err)
		return
	}
	if pkgs == nil {
		pkgs = []pacman.Package{}
	}
	body, err := json.Marshal(pkgs)
	if err != nil {
		return
	}
	c.putIfChanged(ctx, keyPackagesHash, pathInstalled, "application/json", body, true)
}

func (c *Client) reportNetworkInfo(ctx context.Context) {
	if !c.cfg.ReportNetworkInfo {
		return
	}
	info, err := collectNetworkInfo()
	if err != nil {
		c.logger.Warnf("collect network info: %v", err)
		return
	}
	body, err := json.Marshal(info)
	if err != nil {
		return
	}
	c.putIfChanged(ctx, keyNetworkHash, pathNetworkInfo, "application/json", body, true)
}

func (c *Client) reportConfig(ctx context.Context) {
	if !c.cfg.ReportConfig || len(c.cfg.ConfigDump) == 0 {
		return
	}
	c.putIfChanged(ctx, keyConfigHash, pathConfigReport, "application/yaml", c.cfg.ConfigDump, false)
}

// putIfChanged uploads body unless its digest equals the one stored under
// key. JSON bodies are digested in canonical form.
func (c *Client) putIfChanged(ctx context.Context, key, path, contentType string, body []byte, canonical bool) {
	if c.cfg.Server == "" {
		c.logger.Debugf("no server configured, not reporting %s", path)
		return
	}
	digestInput := body
	if canonical {
		if b, err := jcs.Transform(body); err == nil {
			digestInput = b
		}
	}
	sum := sha256.Sum256(digestInput)
	digest := hex.EncodeToString(sum[:])

	stored, err := c.repos.DeviceInfo.Get(ctx, key)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		c.logger.Warnf("load %s: %v", key, err)
	}
	if stored == digest {
		c.logger.Debugf("%s unchanged, not reporting it", path)
		return
	}
	resp, err := c.hc.Put(ctx, c.cfg.Server+path, contentType, body)
	if err != nil {
		c.logger.Debugf("report %s: %v", path, err)
		return
	}
	if !resp.IsOK() {
		c.logger.Warnf("unable to report %s: %s", path, resp.Status)
		return
	}
	if err := c.repos.DeviceInfo.Set(ctx, key, digest); err != nil {
		c.logger.Warnf("store %s: %v", key, err)
	}
}

// collectNetworkInfo describes the first interface that is up and has an
// IPv4 address.
func collectNetworkInfo() (networkInfo, error) {
	host, _ := os.Hostname()
	ifaces, err := net.Interfaces()
	if err != nil {
		return networkInfo{}, err
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipnet, ok := a.(*net.IPNet)
			if !ok || ipnet.IP.To4() == nil {
				continue
			}
			return networkInfo{
				LocalIPv4: ipnet.IP.String(),
				MAC:       iface.HardwareAddr.String(),
				Hostname:  host,
			}, nil
		}
	}
	return networkInfo{}, fmt.Errorf("no network interface with an IPv4 address")
}
