/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package agent

import (
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

type sourceState int

const (
	sourceUnknown sourceState = iota
	sourceDoesNotExist
	sourceExistsNoContent
	sourceExists
)

const offlineMetadataDir = "metadata"

// offlineSource tracks the presence of an offline update directory. An
// update is announced only when the directory goes from absent to present
// with its metadata, so a source left in place is processed once.
type offlineSource struct {
	path    string
	last    sourceState
	watcher *fsnotify.Watcher
	changed chan struct{}
	logger  *logrus.Entry
}

func newOfflineSource(path string, initial sourceState, logger *logrus.Entry) *offlineSource {
	return &offlineSource{
		path:    path,
		last:    initial,
		changed: make(chan struct{}, 1),
		logger:  logger,
	}
}

func (s *offlineSource) probe() sourceState {
	if _, err := os.Stat(s.path); err != nil {
		return sourceDoesNotExist
	}
	if fi, err := os.Stat(filepath.Join(s.path, offlineMetadataDir)); err == nil && fi.IsDir() {
		return sourceExists
	}
	return sourceExistsNoContent
}

// Available reports whether the source appeared since the last call.
func (s *offlineSource) Available() bool {
	prev := s.last
	s.last = s.probe()
	return prev == sourceDoesNotExist && s.last == sourceExists
}

// Watch wakes the update loop early when the source or its parent
// directory changes. Polling still decides whether an update appeared.
func (s *offlineSource) Watch() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(filepath.Dir(s.path)); err != nil {
		w.Close()
		return err
	}
	if fi, err := os.Stat(s.path); err == nil && fi.IsDir() {
		_ = w.Add(s.path)
	}
	s.watcher = w
	go s.run(w)
	return nil
}

func (s *offlineSource) run(w *fsnotify.Watcher) {
	for {
		select {
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if ev.Name != s.path && filepath.Dir(ev.Name) != s.path {
				continue
			}
			if ev.Name == s.path && ev.Has(fsnotify.Create) {
				if err := w.Add(s.path); err != nil {
					s.logger.Debugf("watch %s: %v", s.path, err)
				}
			}
			s.logger.Debugf("offline source event: %s", ev)
			select {
			case s.changed <- struct{}{}:
			default:
			}
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			s.logger.Warnf("offline source watcher: %v", err)
		}
	}
}

// Changed fires after filesystem activity on the source.
func (s *offlineSource) Changed() <-chan struct{} {
	return s.changed
}

func (s *offlineSource) Close() {
	if s.watcher != nil {
		s.watcher.Close()
		s.watcher = nil
	}
}
