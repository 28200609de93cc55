/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

// Package server exposes the local device API: applications on the
// device hand over hardware information and control the update agent.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kentakayama/uptane-primary/internal/queue"
	"github.com/kentakayama/uptane-primary/internal/result"
	"github.com/kentakayama/uptane-primary/internal/uptane"
)

const DefaultAddr = "127.0.0.1:8850"

// Controller is the part of the update agent driven through the API.
type Controller interface {
	SetCustomHwInfo(info json.RawMessage)
	SendDeviceData(customHwInfo json.RawMessage) *queue.Future[struct{}]
	CheckUpdates() *queue.Future[result.UpdateCheck]
	Pause(ctx context.Context) result.PauseStatus
	Resume(ctx context.Context) result.PauseStatus
	Abort()
	ExportMetadata(ctx context.Context) ([]byte, error)
	VerifyMetadata(ctx context.Context, bundle []byte) ([]uptane.Target, error)
}

type Config struct {
	Addr   string
	Logger *logrus.Logger
}

// Server wires the HTTP listener and request handling stack.
type Server struct {
	cfg     Config
	handler *handler
	http    *http.Server
	logger  *logrus.Entry
}

// New constructs a Server serving ctl.
func New(cfg Config, ctl Controller) *Server {
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}
	logger := cfg.Logger.WithField("component", "api")
	h := newHandler(ctl, logger)
	return &Server{
		cfg:     cfg,
		handler: h,
		http: &http.Server{
			Addr:              cfg.Addr,
			Handler:           h,
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: logger,
	}
}

// ListenAndServe starts the HTTP server and blocks until it stops.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.http.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	s.logger.Infof("device API listening on %s", ln.Addr())
	err := s.http.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully takes down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
