/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/kentakayama/uptane-primary/internal/uptane"
	"github.com/kentakayama/uptane-primary/internal/verifier"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "primary.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestBuilder_DefaultsNeedServer(t *testing.T) {
	_, err := NewBuilder().WithDefaults().Build()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "uptane.director_server is required")
}

func TestBuilder_FileOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
provision:
  server: https://gateway.example.com/
uptane:
  polling_sec: 10
  verification_type: hash-only
storage:
  path: /tmp/sota
`)
	cfg, err := NewBuilder().WithDefaults().WithFile(path).Build()
	require.NoError(t, err)

	assert.Equal(t, 10*time.Second, cfg.Uptane.PollingInterval())
	assert.Equal(t, "https://gateway.example.com/director", cfg.Uptane.DirectorServer)
	assert.Equal(t, "https://gateway.example.com/repo", cfg.Uptane.RepoServer)
	assert.Equal(t, verifier.VerifyHashOnly, cfg.Uptane.Verification())
	assert.True(t, cfg.Uptane.EnableOnlineUpdates, "untouched keys keep their default")
	assert.Equal(t, uptane.MaxRootRotations, cfg.Uptane.RootRotations())
	assert.Equal(t, "/tmp/sota/sql.db", cfg.Storage.DBPath())
	assert.Equal(t, "/tmp/sota/images", cfg.Storage.Resolve(cfg.PackageManager.ImagesPath))
	assert.Equal(t, "127.0.0.1:8850", cfg.API.Addr)
}

func TestBuilder_OverrideWins(t *testing.T) {
	path := writeConfig(t, "provision:\n  server: http://gw\n")
	cfg, err := NewBuilder().WithDefaults().WithFile(path).With(func(c *Config) {
		c.Uptane.DirectorServer = "http://director.local"
		c.Logger.Level = "debug"
	}).Build()
	require.NoError(t, err)
	assert.Equal(t, "http://director.local", cfg.Uptane.DirectorServer)
	assert.Equal(t, "http://gw/repo", cfg.Uptane.RepoServer)
	assert.Equal(t, logrus.DebugLevel, cfg.Logger.NewLogger().GetLevel())
}

func TestBuilder_Errors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"unknown key", "uptane:\n  polling: 3\n", "field polling not found"},
		{"bad polling", "provision:\n  server: http://gw\nuptane:\n  polling_sec: 0\n", "polling_sec must be positive"},
		{"bad verification", "provision:\n  server: http://gw\nuptane:\n  verification_type: none\n", "unknown verification type"},
		{"offline without source", "uptane:\n  enable_online_updates: false\n  enable_offline_updates: true\n  offline_updates_source: \"\"\n", "offline_updates_source is required"},
		{"bad log level", "provision:\n  server: http://gw\nlogger:\n  level: loud\n", "logger.level"},
		{"bad scheme", "provision:\n  server: ftp://gw\n", "must be an http or https URL"},
		{"unsupported pacman", "provision:\n  server: http://gw\npacman:\n  type: ostree\n", "not supported"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewBuilder().WithDefaults().WithYAML(tt.name, []byte(tt.yaml)).Build()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestBuilder_MissingFile(t *testing.T) {
	_, err := NewBuilder().WithDefaults().WithFile(filepath.Join(t.TempDir(), "missing.yaml")).Build()
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestBuilder_OfflineOnly(t *testing.T) {
	cfg, err := NewBuilder().WithDefaults().With(func(c *Config) {
		c.Uptane.EnableOnlineUpdates = false
		c.Uptane.EnableOfflineUpdates = true
	}).Build()
	require.NoError(t, err)
	assert.Equal(t, "/media/update", cfg.Uptane.OfflineUpdatesSource)
}

func TestConfig_Dump(t *testing.T) {
	cfg, err := NewBuilder().WithDefaults().WithYAML("test", []byte("provision:\n  server: http://gw\n")).Build()
	require.NoError(t, err)

	raw, err := cfg.Dump()
	require.NoError(t, err)
	var back Config
	require.NoError(t, yaml.Unmarshal(raw, &back))
	assert.Equal(t, *cfg, back)
}

func TestLoggerConfig_JSONFormat(t *testing.T) {
	l := LoggerConfig{Level: "warning", Format: "json"}.NewLogger()
	assert.Equal(t, logrus.WarnLevel, l.GetLevel())
	assert.IsType(t, &logrus.JSONFormatter{}, l.Formatter)
}

func TestBuilder_WithPaths(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "10-server.yaml"), []byte("provision:\n  server: http://gw\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "20-polling.yml"), []byte("uptane:\n  polling_sec: 30\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644))
	override := writeConfig(t, "uptane:\n  polling_sec: 7\n")

	cfg, err := NewBuilder().WithDefaults().WithPaths(dir, override).Build()
	require.NoError(t, err)
	assert.Equal(t, "http://gw/director", cfg.Uptane.DirectorServer)
	assert.Equal(t, 7*time.Second, cfg.Uptane.PollingInterval())

	cfg, err = NewBuilder().WithDefaults().WithPaths(dir).Build()
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, cfg.Uptane.PollingInterval())
}

func TestUptaneConfig_RootRotations(t *testing.T) {
	assert.Equal(t, uptane.MaxRootRotations, UptaneConfig{}.RootRotations())
	assert.Equal(t, 3, UptaneConfig{MaxRootRotations: 3}.RootRotations())

	path := writeConfig(t, "provision:\n  server: http://gw\nuptane:\n  max_root_rotations: 25\n")
	cfg, err := NewBuilder().WithDefaults().WithFile(path).Build()
	require.NoError(t, err)
	assert.Equal(t, 25, cfg.Uptane.RootRotations())
}
