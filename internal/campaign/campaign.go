/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package campaign

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/kentakayama/uptane-primary/internal/infra/httpclient"
)

const (
	metaDescription             = "DESCRIPTION"
	metaEstInstallationDuration = "ESTIMATED_INSTALLATION_DURATION"
	metaEstPreparationDuration  = "ESTIMATED_PREPARATION_DURATION"

	campaignsPath  = "/campaigner/campaigns"
	campaignsLimit = 1 << 20
)

var ErrMalformed = errors.New("malformed campaign list")

// Cmd is an operator decision on a campaign.
type Cmd int

const (
	CmdAccept Cmd = iota
	CmdDecline
	CmdPostpone
)

func (c Cmd) String() string {
	switch c {
	case CmdAccept:
		return "campaign_accept"
	case CmdDecline:
		return "campaign_decline"
	case CmdPostpone:
		return "campaign_postpone"
	default:
		return "unknown"
	}
}

// ParseCmd accepts the run mode names campaign_accept, campaign_decline
// and campaign_postpone.
func ParseCmd(s string) (Cmd, error) {
	switch s {
	case "campaign_accept":
		return CmdAccept, nil
	case "campaign_decline":
		return CmdDecline, nil
	case "campaign_postpone":
		return CmdPostpone, nil
	default:
		return 0, fmt.Errorf("unknown campaign command %q", s)
	}
}

// Campaign is an update campaign offered to the device.
type Campaign struct {
	ID                      string
	Name                    string
	Size                    int64
	AutoAccept              bool
	Description             string
	EstInstallationDuration int
	EstPreparationDuration  int
}

type campaignJSON struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Size       *int64 `json:"size"`
	AutoAccept bool   `json:"autoAccept"`
	Metadata   []struct {
		Type  string `json:"type"`
		Value string `json:"value"`
	} `json:"metadata"`
}

// Parse decodes the campaigner's {"campaigns": [...]} document. Entries
// without an id or name are skipped.
func Parse(raw []byte) ([]Campaign, error) {
	var doc struct {
		Campaigns []campaignJSON `json:"campaigns"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	out := make([]Campaign, 0, len(doc.Campaigns))
	for _, c := range doc.Campaigns {
		if c.ID == "" || c.Name == "" {
			continue
		}
		campaign := Campaign{ID: c.ID, Name: c.Name, AutoAccept: c.AutoAccept}
		if c.Size != nil {
			campaign.Size = *c.Size
		}
		for _, m := range c.Metadata {
			switch strings.ToUpper(m.Type) {
			case metaDescription:
				campaign.Description = m.Value
			case metaEstInstallationDuration:
				campaign.EstInstallationDuration, _ = strconv.Atoi(m.Value)
			case metaEstPreparationDuration:
				campaign.EstPreparationDuration, _ = strconv.Atoi(m.Value)
			}
		}
		out = append(out, campaign)
	}
	return out, nil
}

// Fetch lists the campaigns available on the device gateway.
func Fetch(ctx context.Context, client *httpclient.Client, server string) ([]Campaign, error) {
	resp, err := client.Get(ctx, strings.TrimRight(server, "/")+campaignsPath, campaignsLimit)
	if err != nil {
		return nil, fmt.Errorf("fetch campaigns: %w", err)
	}
	if !resp.IsOK() {
		return nil, fmt.Errorf("fetch campaigns: %s", resp.Status)
	}
	return Parse(resp.Body)
}
