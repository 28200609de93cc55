/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package pacman

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/sirupsen/logrus"
)

const DefaultBootIDFile = "/proc/sys/kernel/random/boot_id"

// rebootFlag records that an install waits for a reboot. The sentinel
// holds the boot ID seen when it was set; a different boot ID later means
// the device has rebooted since.
type rebootFlag struct {
	sentinel   string
	bootIDFile string
	command    []string
	logger     *logrus.Entry
}

func (r *rebootFlag) bootID() []byte {
	raw, err := os.ReadFile(r.bootIDFile)
	if err != nil {
		r.logger.Debugf("read boot id: %v", err)
		return nil
	}
	return bytes.TrimSpace(raw)
}

func (r *rebootFlag) set() error {
	if err := os.MkdirAll(filepath.Dir(r.sentinel), 0o755); err != nil {
		return fmt.Errorf("create sentinel directory: %w", err)
	}
	if err := os.WriteFile(r.sentinel, r.bootID(), 0o644); err != nil {
		return fmt.Errorf("write reboot sentinel: %w", err)
	}
	return nil
}

func (r *rebootFlag) isSet() bool {
	_, err := os.Stat(r.sentinel)
	return err == nil
}

// detected reports whether the device booted again since set.
func (r *rebootFlag) detected() bool {
	stored, err := os.ReadFile(r.sentinel)
	if err != nil {
		return false
	}
	current := r.bootID()
	if current == nil {
		return false
	}
	return !bytes.Equal(bytes.TrimSpace(stored), current)
}

func (r *rebootFlag) clear() error {
	if err := os.Remove(r.sentinel); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove reboot sentinel: %w", err)
	}
	return nil
}

func (r *rebootFlag) reboot(ctx context.Context) error {
	if len(r.command) == 0 {
		r.logger.Warn("no reboot command configured, reboot the device to complete the install")
		return nil
	}
	r.logger.Infof("rebooting with %v", r.command)
	out, err := exec.CommandContext(ctx, r.command[0], r.command[1:]...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("reboot command: %w: %s", err, bytes.TrimSpace(out))
	}
	return nil
}
