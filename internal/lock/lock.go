/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

// Package lock gates installs behind an advisory file lock shared with
// other processes on the device.
package lock

import (
	"errors"
	"os"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

type Decision int

const (
	GoAhead Decision = iota
	NoUpdate
)

func (d Decision) String() string {
	if d == NoUpdate {
		return "NoUpdate"
	}
	return "GoAhead"
}

// UpdateLockFile holds an exclusive flock on a path while an update is in
// flight. The file is opened lazily because it may appear after start.
type UpdateLockFile struct {
	mu     sync.Mutex
	path   string
	file   *os.File
	flock  func(fd int, how int) error
	logger *logrus.Entry
}

func New(path string, logger *logrus.Logger) *UpdateLockFile {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &UpdateLockFile{path: path, flock: unix.Flock, logger: logger.WithField("component", "lock")}
}

// ShouldUpdate acquires the lock once per cycle. A lock file that cannot
// be opened lets the update go ahead; a lock held elsewhere or a failing
// flock does not.
func (l *UpdateLockFile) ShouldUpdate() Decision {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.path == "" || l.file != nil {
		return GoAhead
	}
	f, err := os.OpenFile(l.path, os.O_RDWR|os.O_CREATE, 0o666)
	if err != nil {
		l.logger.Warnf("cannot open update lock file %s, proceeding: %v", l.path, err)
		return GoAhead
	}
	if err := l.flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			l.logger.Infof("update lock %s is held by another process, skipping update", l.path)
		} else {
			l.logger.Warnf("cannot lock %s, skipping update: %v", l.path, err)
		}
		return NoUpdate
	}
	l.file = f
	return GoAhead
}

// UpdateComplete releases the lock.
func (l *UpdateLockFile) UpdateComplete() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return
	}
	if err := l.flock(int(l.file.Fd()), unix.LOCK_UN); err != nil {
		l.logger.Warnf("unlock %s: %v", l.path, err)
	}
	l.file.Close()
	l.file = nil
}
