/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package client

import (
	"context"
	"fmt"

	"github.com/kentakayama/uptane-primary/internal/campaign"
	"github.com/kentakayama/uptane-primary/internal/events"
	"github.com/kentakayama/uptane-primary/internal/result"
)

// CampaignCheck lists the campaigns the server offers to this device.
func (c *Client) CampaignCheck(ctx context.Context) (result.CampaignCheck, error) {
	if c.cfg.Server == "" {
		return result.CampaignCheck{}, fmt.Errorf("no server configured")
	}
	campaigns, err := campaign.Fetch(ctx, c.hc, c.cfg.Server)
	if err != nil {
		c.logger.Errorf("campaign check failed: %v", err)
		c.publish(events.CampaignCheckComplete{Result: result.CampaignCheck{}})
		return result.CampaignCheck{}, err
	}
	for _, cmp := range campaigns {
		c.logger.Infof("campaign %s (%s): %s", cmp.ID, cmp.Name, cmp.Description)
	}
	res := result.CampaignCheck{Campaigns: campaigns}
	c.publish(events.CampaignCheckComplete{Result: res})
	return res, nil
}

// CampaignControl reports an operator decision on a campaign.
func (c *Client) CampaignControl(ctx context.Context, campaignID string, cmd campaign.Cmd) error {
	if campaignID == "" {
		return fmt.Errorf("campaign ID is required for %s", cmd)
	}
	payload := ReportPayload{CampaignID: campaignID}
	switch cmd {
	case campaign.CmdAccept:
		c.report(ctx, EventCampaignAccepted, payload)
		c.publish(events.CampaignAcceptComplete{})
	case campaign.CmdDecline:
		c.report(ctx, EventCampaignDeclined, payload)
		c.publish(events.CampaignDeclineComplete{})
	case campaign.CmdPostpone:
		c.report(ctx, EventCampaignPostponed, payload)
		c.publish(events.CampaignPostponeComplete{})
	default:
		return fmt.Errorf("unknown campaign command %d", int(cmd))
	}
	return nil
}
