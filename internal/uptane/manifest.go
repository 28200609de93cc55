/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package uptane

import (
	"encoding/json"
)

const InstallationReportContentType = "application/vnd.com.here.otac.installationReport.v1"

// EpochTimeStamp is reported while no time server is in use.
const EpochTimeStamp = "1970-01-01T00:00:00Z"

type FileInfo struct {
	Hashes map[string]string `json:"hashes"`
	Length int64             `json:"length"`
}

type InstalledImage struct {
	FileInfo FileInfo `json:"fileinfo"`
	Filepath string   `json:"filepath"`
}

// EcuManifest is the signed part of one ECU's version report.
type EcuManifest struct {
	AttacksDetected        string         `json:"attacks_detected"`
	EcuSerial              EcuSerial      `json:"ecu_serial"`
	InstalledImage         InstalledImage `json:"installed_image"`
	PreviousTimeserverTime string         `json:"previous_timeserver_time"`
	TimeserverTime         string         `json:"timeserver_time"`
	ReportCounter          int64          `json:"report_counter"`
	Custom                 map[string]any `json:"custom,omitempty"`
}

// NewEcuManifest reports installed as the image running on serial.
func NewEcuManifest(serial EcuSerial, installed Target, attack Attack, now, previous TimeStamp) EcuManifest {
	prev := previous.String()
	if !previous.IsValid() {
		prev = EpochTimeStamp
	}
	cur := now.String()
	if !now.IsValid() {
		cur = EpochTimeStamp
	}
	hashes := installed.HashesMap()
	if hashes == nil {
		hashes = map[string]string{}
	}
	return EcuManifest{
		AttacksDetected: attack.String(),
		EcuSerial:       serial,
		InstalledImage: InstalledImage{
			FileInfo: FileInfo{Hashes: hashes, Length: installed.Length},
			Filepath: installed.Filename,
		},
		PreviousTimeserverTime: prev,
		TimeserverTime:         cur,
	}
}

type EcuReportItem struct {
	Ecu    EcuSerial          `json:"ecu"`
	Result InstallationResult `json:"result"`
}

type DeviceReport struct {
	Result        InstallationResult `json:"result"`
	RawReport     string             `json:"raw_report"`
	CorrelationID string             `json:"correlation_id"`
	Items         []EcuReportItem    `json:"items"`
}

type InstallationReport struct {
	ContentType string       `json:"content_type"`
	Report      DeviceReport `json:"report"`
}

// Manifest is the signed part of the device manifest sent to the
// Director.
type Manifest struct {
	PrimaryEcuSerial    EcuSerial                     `json:"primary_ecu_serial"`
	EcuVersionManifests map[EcuSerial]json.RawMessage `json:"ecu_version_manifests"`
	InstallationReport  *InstallationReport           `json:"installation_report,omitempty"`
	Custom              any                           `json:"custom,omitempty"`
}
