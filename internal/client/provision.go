/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/kentakayama/uptane-primary/internal/domain"
	"github.com/kentakayama/uptane-primary/internal/domain/model"
	"github.com/kentakayama/uptane-primary/internal/domain/service"
	"github.com/kentakayama/uptane-primary/internal/infra/httpclient"
	"github.com/kentakayama/uptane-primary/internal/uptane"
)

const keyEcusRegistered = "ecus_registered"

type ProvisionState int

const (
	ProvisionUnknown ProvisionState = iota
	ProvisionOk
	ProvisionTemporaryError
	ProvisionPermanentError
)

func (s ProvisionState) String() string {
	switch s {
	case ProvisionOk:
		return "Ok"
	case ProvisionTemporaryError:
		return "TemporaryError"
	case ProvisionPermanentError:
		return "PermanentError"
	default:
		return "Unknown"
	}
}

// Provisioner brings the device to a state where it may talk to the
// Director: a primary key, an ECU inventory and a registration.
type Provisioner struct {
	mu       sync.Mutex
	state    ProvisionState
	lastErr  error
	signer   *uptane.Signer
	primary  model.Ecu
	serial   string
	hwid     string
	director string

	repos  service.Repositories
	hc     *httpclient.Client
	logger *logrus.Entry
}

func newProvisioner(cfg Config, repos service.Repositories, hc *httpclient.Client, logger *logrus.Logger) *Provisioner {
	return &Provisioner{
		serial:   cfg.PrimarySerial,
		hwid:     cfg.PrimaryHardwareID,
		director: strings.TrimRight(cfg.DirectorURL, "/"),
		repos:    repos,
		hc:       hc,
		logger:   logger.WithField("component", "provisioner"),
	}
}

func (p *Provisioner) State() ProvisionState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// LastError is the failure of the latest unsuccessful attempt.
func (p *Provisioner) LastError() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastErr
}

// Attempt runs the missing provisioning steps and reports whether the
// device is provisioned. A permanent failure is not retried.
func (p *Provisioner) Attempt(ctx context.Context) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch p.state {
	case ProvisionOk:
		return true
	case ProvisionPermanentError:
		return false
	}

	err := p.attempt(ctx)
	switch {
	case err == nil:
		p.state = ProvisionOk
		p.lastErr = nil
		p.logger.Infof("device provisioned, primary ECU %s (%s)", p.primary.Serial, p.primary.HardwareID)
		return true
	case errors.Is(err, ErrProvisioningFailed):
		p.state = ProvisionPermanentError
		p.logger.Errorf("provisioning failed: %v", err)
	default:
		p.state = ProvisionTemporaryError
		p.logger.Debugf("provisioning will be retried: %v", err)
	}
	p.lastErr = err
	return false
}

func (p *Provisioner) attempt(ctx context.Context) error {
	if p.signer == nil {
		signer, err := loadOrCreateSigner(ctx, p.repos.Keys)
		if err != nil {
			return err
		}
		p.signer = signer
	}
	if err := p.initEcus(ctx); err != nil {
		return err
	}
	return p.register(ctx)
}

func (p *Provisioner) initEcus(ctx context.Context) error {
	ecus, err := p.repos.Ecus.LoadEcus(ctx)
	if err != nil {
		return err
	}
	for _, e := range ecus {
		if e.IsPrimary {
			p.primary = e
			return nil
		}
	}

	serial := p.serial
	if serial == "" {
		serial = p.signer.KeyID()
		if serial == "" {
			serial = uuid.NewString()
		}
	}
	hwid := p.hwid
	if hwid == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			return fmt.Errorf("%w: no hardware ID configured and no hostname", ErrProvisioningFailed)
		}
		hwid = host
	}
	p.primary = model.Ecu{Serial: uptane.EcuSerial(serial), HardwareID: uptane.HardwareID(hwid), IsPrimary: true}
	return p.repos.Ecus.StoreEcus(ctx, []model.Ecu{p.primary})
}

type ecuRegistration struct {
	HardwareIdentifier uptane.HardwareID `json:"hardware_identifier"`
	EcuSerial          uptane.EcuSerial  `json:"ecu_serial"`
	ClientKey          uptane.PublicKey  `json:"clientKey"`
}

type registrationRequest struct {
	PrimaryEcuSerial uptane.EcuSerial  `json:"primary_ecu_serial"`
	Ecus             []ecuRegistration `json:"ecus"`
}

// register announces the inventory to the Director once. A conflict
// means the ECUs are registered already.
func (p *Provisioner) register(ctx context.Context) error {
	if v, err := p.repos.DeviceInfo.Get(ctx, keyEcusRegistered); err == nil && v == "1" {
		return nil
	} else if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return err
	}
	if p.director == "" {
		return fmt.Errorf("%w: no director server configured", ErrProvisioningFailed)
	}

	req := registrationRequest{
		PrimaryEcuSerial: p.primary.Serial,
		Ecus: []ecuRegistration{{
			HardwareIdentifier: p.primary.HardwareID,
			EcuSerial:          p.primary.Serial,
			ClientKey:          p.signer.PublicKey(),
		}},
	}
	resp, err := p.hc.PostJSON(ctx, p.director+"/ecus", req)
	if err != nil {
		return fmt.Errorf("register ECUs: %w", err)
	}
	switch {
	case resp.IsOK():
	case resp.StatusCode == http.StatusConflict:
		p.logger.Info("ECUs are already registered")
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return fmt.Errorf("%w: ECU registration rejected: %s", ErrProvisioningFailed, resp.Status)
	default:
		return fmt.Errorf("register ECUs: %s", resp.Status)
	}
	return p.repos.DeviceInfo.Set(ctx, keyEcusRegistered, "1")
}

// Signer is the primary ECU key, nil before the first attempt.
func (p *Provisioner) Signer() *uptane.Signer {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.signer
}

func (p *Provisioner) Primary() model.Ecu {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.primary
}
