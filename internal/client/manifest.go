/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/kentakayama/uptane-primary/internal/domain"
	"github.com/kentakayama/uptane-primary/internal/events"
	"github.com/kentakayama/uptane-primary/internal/uptane"
)

const (
	keyLastManifestTime    = "last_manifest_time"
	keyReportCounterPrefix = "report_counter:"
)

// AssembleManifest builds the signed device manifest: one signed version
// report per ECU plus the pending installation report, if any.
func (c *Client) AssembleManifest(ctx context.Context, custom any) ([]byte, error) {
	signer := c.provisioner.Signer()
	if signer == nil {
		return nil, ErrNoPrimaryKey
	}
	ecus, err := c.inventory(ctx)
	if err != nil {
		return nil, err
	}

	now := c.cfg.Now()
	var previous uptane.TimeStamp
	if s, err := c.repos.DeviceInfo.Get(ctx, keyLastManifestTime); err == nil {
		previous, _ = uptane.ParseTimeStamp(s)
	}
	attack := c.currentAttack()

	m := uptane.Manifest{
		PrimaryEcuSerial:    ecus[0].Serial,
		EcuVersionManifests: make(map[uptane.EcuSerial]json.RawMessage, len(ecus)),
		Custom:              custom,
	}
	for _, ecu := range ecus {
		installed, err := c.pm.GetCurrent(ctx, ecu.Serial)
		if err != nil {
			return nil, fmt.Errorf("current version of %s: %w", ecu.Serial, err)
		}
		em := uptane.NewEcuManifest(ecu.Serial, installed, attack, now, previous)
		if em.ReportCounter, err = c.repos.DeviceInfo.Increment(ctx, keyReportCounterPrefix+ecu.Serial.String()); err != nil {
			return nil, err
		}
		signed, err := uptane.Sign(em, signer)
		if err != nil {
			return nil, fmt.Errorf("sign version manifest of %s: %w", ecu.Serial, err)
		}
		m.EcuVersionManifests[ecu.Serial] = signed
	}

	report, err := c.installationReport(ctx)
	if err != nil {
		return nil, err
	}
	m.InstallationReport = report

	if err := c.repos.DeviceInfo.Set(ctx, keyLastManifestTime, now.String()); err != nil {
		c.logger.Warnf("store manifest time: %v", err)
	}
	return uptane.Sign(m, signer)
}

func (c *Client) installationReport(ctx context.Context) (*uptane.InstallationReport, error) {
	dev, err := c.repos.Results.LoadDeviceResult(ctx)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	ecuResults, err := c.repos.Results.LoadEcuResults(ctx)
	if err != nil {
		return nil, err
	}
	items := make([]uptane.EcuReportItem, 0, len(ecuResults))
	for _, r := range ecuResults {
		items = append(items, uptane.EcuReportItem{Ecu: r.Serial, Result: r.Result})
	}
	return &uptane.InstallationReport{
		ContentType: uptane.InstallationReportContentType,
		Report: uptane.DeviceReport{
			Result:        dev.Result,
			RawReport:     dev.RawReport,
			CorrelationID: dev.CorrelationID,
			Items:         items,
		},
	}, nil
}

// SendManifest uploads the manifest and publishes the outcome.
func (c *Client) SendManifest(ctx context.Context, custom any) error {
	err := c.putManifestSimple(ctx, custom)
	c.publish(events.PutManifestComplete{Success: err == nil})
	return err
}

// putManifestSimple sends the manifest unless an install is pending. The
// reported results are cleared once the Director accepted them.
func (c *Client) putManifestSimple(ctx context.Context, custom any) error {
	pending, err := c.HasPendingUpdates(ctx)
	if err != nil {
		return err
	}
	if pending {
		c.logger.Info("an update is pending, the manifest is sent once the installation is complete")
		return ErrPendingUpdates
	}
	if err := c.requireProvisioned(ctx); err != nil {
		return err
	}

	body, err := c.AssembleManifest(ctx, custom)
	if err != nil {
		return fmt.Errorf("assemble manifest: %w", err)
	}
	resp, err := c.hc.Put(ctx, c.cfg.DirectorURL+"/manifest", "application/json", body)
	if err != nil {
		c.setConnectionLost(true)
		return fmt.Errorf("put manifest: %w", err)
	}
	if !resp.IsOK() {
		return fmt.Errorf("%w: %s", ErrManifestRejected, resp.Status)
	}

	if c.setConnectionLost(false) {
		c.logger.Info("Connectivity is restored.")
	}
	if err := c.repos.Results.Clear(ctx); err != nil {
		c.logger.Warnf("clear reported installation results: %v", err)
	}
	c.mu.Lock()
	c.attack = uptane.AttackNone
	c.mu.Unlock()
	return nil
}

// setConnectionLost stores lost and returns the previous value.
func (c *Client) setConnectionLost(lost bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	was := c.connectionLost
	c.connectionLost = lost
	return was
}
