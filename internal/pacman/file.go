/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package pacman

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/kentakayama/uptane-primary/internal/domain"
	"github.com/kentakayama/uptane-primary/internal/domain/service"
	"github.com/kentakayama/uptane-primary/internal/fetcher"
	"github.com/kentakayama/uptane-primary/internal/queue"
	"github.com/kentakayama/uptane-primary/internal/uptane"
)

const partSuffix = ".part"

type Config struct {
	// ImagesDir keeps downloaded images, named by their SHA-256.
	ImagesDir string
	// InstallDir receives installed images under their target name.
	InstallDir string
	// NeedReboot makes installs pending until the next boot.
	NeedReboot bool
	// RebootSentinel marks an install waiting for a reboot.
	RebootSentinel string
	BootIDFile     string
	RebootCommand  []string
	Logger         *logrus.Logger
}

// FilePackageManager installs targets by copying them into a directory.
type FilePackageManager struct {
	cfg       Config
	installed service.InstalledVersionRepository
	flag      *rebootFlag
	logger    *logrus.Entry
}

func NewFilePackageManager(cfg Config, installed service.InstalledVersionRepository) (*FilePackageManager, error) {
	if cfg.ImagesDir == "" || cfg.InstallDir == "" {
		return nil, errors.New("images and install directories are required")
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	if cfg.RebootSentinel == "" {
		cfg.RebootSentinel = filepath.Join(cfg.ImagesDir, "need_reboot")
	}
	if cfg.BootIDFile == "" {
		cfg.BootIDFile = DefaultBootIDFile
	}
	for _, dir := range []string{cfg.ImagesDir, cfg.InstallDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}
	logger := cfg.Logger.WithField("component", "pacman")
	return &FilePackageManager{
		cfg:       cfg,
		installed: installed,
		flag: &rebootFlag{
			sentinel:   cfg.RebootSentinel,
			bootIDFile: cfg.BootIDFile,
			command:    cfg.RebootCommand,
			logger:     logger,
		},
		logger: logger,
	}, nil
}

func (m *FilePackageManager) Name() string { return "file" }

func (m *FilePackageManager) imagePath(target uptane.Target) string {
	name := target.SHA256()
	if name == "" {
		name = filepath.Base(target.Filename)
	}
	return filepath.Join(m.cfg.ImagesDir, name)
}

func (m *FilePackageManager) installPath(target uptane.Target) string {
	return filepath.Join(m.cfg.InstallDir, filepath.Base(target.Filename))
}

// GetInstalledPackages lists the files of the install directory.
func (m *FilePackageManager) GetInstalledPackages(ctx context.Context) ([]Package, error) {
	entries, err := os.ReadDir(m.cfg.InstallDir)
	if err != nil {
		return nil, fmt.Errorf("list installed packages: %w", err)
	}
	var out []Package
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(m.cfg.InstallDir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("read installed package: %w", err)
		}
		h, _ := uptane.ComputeHash(uptane.HashSHA256, raw)
		out = append(out, Package{Name: e.Name(), Version: h.Value})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *FilePackageManager) GetCurrent(ctx context.Context, serial uptane.EcuSerial) (uptane.Target, error) {
	versions, err := m.installed.LoadInstalledVersions(ctx, serial)
	if errors.Is(err, domain.ErrNotFound) {
		return UnknownTarget(), nil
	}
	if err != nil {
		return uptane.Target{}, err
	}
	if versions == nil || versions.Current == nil {
		return UnknownTarget(), nil
	}
	return *versions.Current, nil
}

func (m *FilePackageManager) Install(ctx context.Context, target uptane.Target) uptane.InstallationResult {
	if st := m.VerifyTarget(target); st != TargetGood {
		return uptane.NewInstallationResult(uptane.NewResultCode(uptane.ResultInstallFailed),
			fmt.Sprintf("Target %s is %s", target.Filename, st))
	}
	if err := copyFile(m.imagePath(target), m.installPath(target)); err != nil {
		m.logger.Errorf("install %s: %v", target.Filename, err)
		return uptane.NewInstallationResult(uptane.NewResultCode(uptane.ResultInstallFailed), err.Error())
	}
	if m.cfg.NeedReboot {
		if err := m.flag.set(); err != nil {
			return uptane.NewInstallationResult(uptane.NewResultCode(uptane.ResultInstallFailed), err.Error())
		}
		return uptane.NewInstallationResult(uptane.NewResultCode(uptane.ResultNeedCompletion), "Application successful, need reboot")
	}
	return uptane.NewInstallationResult(uptane.NewResultCode(uptane.ResultOK), "Installing package was successful")
}

func (m *FilePackageManager) FinalizeInstall(ctx context.Context, target uptane.Target) uptane.InstallationResult {
	if m.cfg.NeedReboot && !m.flag.detected() {
		return uptane.NewInstallationResult(uptane.NewResultCode(uptane.ResultNeedCompletion),
			"Reboot is required for the pending update application")
	}
	defer func() {
		if err := m.flag.clear(); err != nil {
			m.logger.Warn(err)
		}
	}()

	raw, err := os.ReadFile(m.installPath(target))
	if err != nil {
		return uptane.NewInstallationResult(uptane.NewResultCode(uptane.ResultInstallFailed),
			"Installed image is missing: "+target.Filename)
	}
	if !matches(target, raw) {
		return uptane.NewInstallationResult(uptane.NewResultCode(uptane.ResultInstallFailed),
			"Installed image does not match the pending target")
	}
	return uptane.NewInstallationResult(uptane.NewResultCode(uptane.ResultOK), "Installing package was successful")
}

// CompleteInstall reboots the device when an install is pending.
func (m *FilePackageManager) CompleteInstall(ctx context.Context) error {
	if !m.flag.isSet() {
		return nil
	}
	return m.flag.reboot(ctx)
}

func (m *FilePackageManager) UpdateNotify() {
	m.logger.Debug("update about to be installed")
}

// FetchTarget downloads target into the images directory and checks it
// against the metadata. An image already present and valid is kept.
func (m *FilePackageManager) FetchTarget(ctx context.Context, target uptane.Target, src fetcher.ImageFetcher, progress ProgressFunc, token *queue.FlowControlToken) error {
	if m.VerifyTarget(target) == TargetGood {
		m.logger.Debugf("%s already downloaded", target.Filename)
		if progress != nil {
			progress(target, "Downloaded", 100)
		}
		return nil
	}

	final := m.imagePath(target)
	part := final + partSuffix
	file, err := os.Create(part)
	if err != nil {
		return fmt.Errorf("create %s: %w", part, err)
	}
	hasher := uptane.NewMultiHasher()
	lastPercent := -1
	onChunk := func(written int64) bool {
		if progress != nil && target.Length > 0 {
			percent := int(written * 100 / target.Length)
			if percent != lastPercent {
				lastPercent = percent
				progress(target, "Downloading", percent)
			}
		}
		return token == nil || token.CanContinue(true)
	}
	err = src.FetchImage(ctx, target, io.MultiWriter(file, hasher), onChunk)
	if cerr := file.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(part)
		return err
	}

	if !hashesMatch(target, hasher) {
		os.Remove(part)
		return uptane.NewTargetHashMismatch(target.Filename)
	}
	if st, err := os.Stat(part); err != nil || st.Size() != target.Length {
		os.Remove(part)
		return uptane.NewTargetHashMismatch(target.Filename)
	}
	if err := os.Rename(part, final); err != nil {
		return fmt.Errorf("store %s: %w", target.Filename, err)
	}
	return nil
}

func (m *FilePackageManager) VerifyTarget(target uptane.Target) TargetStatus {
	if !target.IsValid() {
		return TargetInvalid
	}
	st, err := os.Stat(m.imagePath(target))
	if err != nil {
		return TargetNotFound
	}
	switch {
	case st.Size() < target.Length:
		return TargetIncomplete
	case st.Size() > target.Length:
		return TargetOversized
	}
	raw, err := os.ReadFile(m.imagePath(target))
	if err != nil {
		return TargetNotFound
	}
	if !matches(target, raw) {
		return TargetHashMismatch
	}
	return TargetGood
}

func (m *FilePackageManager) OpenTarget(target uptane.Target) (io.ReadCloser, error) {
	if st := m.VerifyTarget(target); st != TargetGood {
		return nil, fmt.Errorf("target %s is %s", target.Filename, st)
	}
	return os.Open(m.imagePath(target))
}

func hashesMatch(target uptane.Target, hasher *uptane.MultiHasher) bool {
	var computed []uptane.Hash
	for _, h := range target.Hashes {
		if c, ok := hasher.Sum(h.Type); ok {
			computed = append(computed, c)
		}
	}
	return uptane.HashesMatch(target.Hashes, computed)
}

func matches(target uptane.Target, raw []byte) bool {
	if int64(len(raw)) != target.Length {
		return false
	}
	hasher := uptane.NewMultiHasher()
	hasher.Write(raw)
	return hashesMatch(target, hasher)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp := dst + partSuffix
	out, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dst)
}
