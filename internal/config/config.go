/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

// Package config holds the settings of the primary. Each section is a
// small value struct validated on its own; Builder layers the embedded
// defaults, configuration files and overrides into one Config.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kentakayama/uptane-primary/internal/uptane"
	"github.com/kentakayama/uptane-primary/internal/verifier"
)

type UptaneConfig struct {
	PollingSec             int    `yaml:"polling_sec"`
	DirectorServer         string `yaml:"director_server"`
	RepoServer             string `yaml:"repo_server"`
	EnableOnlineUpdates    bool   `yaml:"enable_online_updates"`
	EnableOfflineUpdates   bool   `yaml:"enable_offline_updates"`
	OfflineUpdatesSource   string `yaml:"offline_updates_source"`
	ForceInstallCompletion bool   `yaml:"force_install_completion"`
	VerificationType       string `yaml:"verification_type"`
	UpdateLockFile         string `yaml:"update_lock_file"`
	MaxRootRotations       int    `yaml:"max_root_rotations"`
}

func (c UptaneConfig) Validate() error {
	if c.PollingSec <= 0 {
		return fmt.Errorf("uptane.polling_sec must be positive, got %d", c.PollingSec)
	}
	if c.EnableOnlineUpdates {
		if err := validateURL("uptane.director_server", c.DirectorServer); err != nil {
			return err
		}
		if err := validateURL("uptane.repo_server", c.RepoServer); err != nil {
			return err
		}
	}
	if c.EnableOfflineUpdates && c.OfflineUpdatesSource == "" {
		return errors.New("uptane.offline_updates_source is required when offline updates are enabled")
	}
	if _, err := verifier.ParseVerificationType(c.VerificationType); err != nil {
		return fmt.Errorf("uptane.verification_type: %w", err)
	}
	if c.MaxRootRotations < 0 {
		return fmt.Errorf("uptane.max_root_rotations must not be negative, got %d", c.MaxRootRotations)
	}
	return nil
}

func (c UptaneConfig) PollingInterval() time.Duration {
	return time.Duration(c.PollingSec) * time.Second
}

// RootRotations is the bound on Root versions walked in one update, zero
// meaning the library default.
func (c UptaneConfig) RootRotations() int {
	if c.MaxRootRotations == 0 {
		return uptane.MaxRootRotations
	}
	return c.MaxRootRotations
}

func (c UptaneConfig) Verification() verifier.VerificationType {
	v, _ := verifier.ParseVerificationType(c.VerificationType)
	return v
}

type ProvisionConfig struct {
	// Server is the device gateway; the Director and Image repository
	// default to its /director and /repo paths.
	Server               string `yaml:"server"`
	PrimaryEcuSerial     string `yaml:"primary_ecu_serial"`
	PrimaryEcuHardwareID string `yaml:"primary_ecu_hardware_id"`
}

func (c ProvisionConfig) Validate() error {
	if c.Server == "" {
		return nil
	}
	return validateURL("provision.server", c.Server)
}

type StorageConfig struct {
	Path      string `yaml:"path"`
	SqldbPath string `yaml:"sqldb_path"`
}

func (c StorageConfig) Validate() error {
	if c.Path == "" {
		return errors.New("storage.path is required")
	}
	if c.SqldbPath == "" {
		return errors.New("storage.sqldb_path is required")
	}
	return nil
}

// Resolve returns p, relative paths taken below the storage directory.
func (c StorageConfig) Resolve(p string) string {
	if p == "" || filepath.IsAbs(p) || p == ":memory:" {
		return p
	}
	return filepath.Join(c.Path, p)
}

func (c StorageConfig) DBPath() string {
	return c.Resolve(c.SqldbPath)
}

type PackageManagerConfig struct {
	Type          string   `yaml:"type"`
	ImagesPath    string   `yaml:"images_path"`
	InstallPath   string   `yaml:"install_path"`
	NeedReboot    bool     `yaml:"need_reboot"`
	BootIDFile    string   `yaml:"boot_id_file"`
	RebootCommand []string `yaml:"reboot_command"`
}

func (c PackageManagerConfig) Validate() error {
	if c.Type != "file" {
		return fmt.Errorf("pacman.type %q is not supported", c.Type)
	}
	if c.ImagesPath == "" || c.InstallPath == "" {
		return errors.New("pacman.images_path and pacman.install_path are required")
	}
	return nil
}

type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func (c LoggerConfig) Validate() error {
	if _, err := logrus.ParseLevel(c.Level); err != nil {
		return fmt.Errorf("logger.level: %w", err)
	}
	switch c.Format {
	case "", "text", "json":
		return nil
	default:
		return fmt.Errorf("logger.format must be text or json, got %q", c.Format)
	}
}

// NewLogger returns a logger writing at the configured level and format.
func (c LoggerConfig) NewLogger() *logrus.Logger {
	l := logrus.New()
	c.Apply(l)
	return l
}

// Apply sets the level and format of l.
func (c LoggerConfig) Apply(l *logrus.Logger) {
	if lvl, err := logrus.ParseLevel(c.Level); err == nil {
		l.SetLevel(lvl)
	}
	if c.Format == "json" {
		l.SetFormatter(&logrus.JSONFormatter{})
	} else {
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
}

type TelemetryConfig struct {
	ReportNetwork bool `yaml:"report_network"`
	ReportConfig  bool `yaml:"report_config"`
}

type NetworkConfig struct {
	TimeoutSec  int    `yaml:"timeout_sec"`
	InsecureTLS bool   `yaml:"insecure_tls"`
	Proxy       string `yaml:"proxy"`
}

func (c NetworkConfig) Validate() error {
	if c.TimeoutSec < 0 {
		return fmt.Errorf("network.timeout_sec must not be negative, got %d", c.TimeoutSec)
	}
	if c.Proxy != "" {
		return validateURL("network.proxy", c.Proxy)
	}
	return nil
}

func (c NetworkConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSec) * time.Second
}

type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

func (c APIConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.Addr == "" {
		return errors.New("api.addr is required when the device API is enabled")
	}
	return nil
}

// Config is the complete configuration of the primary.
type Config struct {
	Uptane         UptaneConfig         `yaml:"uptane"`
	Provision      ProvisionConfig      `yaml:"provision"`
	Storage        StorageConfig        `yaml:"storage"`
	PackageManager PackageManagerConfig `yaml:"pacman"`
	Logger         LoggerConfig         `yaml:"logger"`
	Telemetry      TelemetryConfig      `yaml:"telemetry"`
	Network        NetworkConfig        `yaml:"network"`
	API            APIConfig            `yaml:"api"`
}

// Validate checks every section and reports all failures.
func (c *Config) Validate() error {
	return errors.Join(
		c.Uptane.Validate(),
		c.Provision.Validate(),
		c.Storage.Validate(),
		c.PackageManager.Validate(),
		c.Logger.Validate(),
		c.Network.Validate(),
		c.API.Validate(),
	)
}

// resolve fills the repository servers from the gateway server.
func (c *Config) resolve() {
	server := strings.TrimRight(c.Provision.Server, "/")
	if server == "" {
		return
	}
	if c.Uptane.DirectorServer == "" {
		c.Uptane.DirectorServer = server + "/director"
	}
	if c.Uptane.RepoServer == "" {
		c.Uptane.RepoServer = server + "/repo"
	}
}

func validateURL(field, raw string) error {
	if raw == "" {
		return fmt.Errorf("%s is required", field)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%s must be an http or https URL, got %q", field, raw)
	}
	return nil
}
