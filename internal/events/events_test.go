/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package events

import (
	"bytes"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kentakayama/uptane-primary/internal/result"
	"github.com/kentakayama/uptane-primary/internal/uptane"
)

func TestChannel_SubscribeAndConnect(t *testing.T) {
	c := NewChannel(nil)

	var seen []string
	disconnect := c.Connect(func(ev Event) { seen = append(seen, ev.Name()) })
	ch, unsubscribe := c.Subscribe(4)

	c.Publish(SendDeviceDataComplete{})
	c.Publish(PutManifestComplete{Success: true})
	disconnect()
	c.Publish(UpdateCheckComplete{Result: result.UpdateCheck{Status: result.NoUpdatesAvailable}})

	assert.Equal(t, []string{"SendDeviceDataComplete", "PutManifestComplete"}, seen)
	require.Len(t, ch, 3)
	assert.Equal(t, SendDeviceDataComplete{}, <-ch)
	assert.Equal(t, PutManifestComplete{Success: true}, <-ch)
	ev := <-ch
	check, ok := ev.(UpdateCheckComplete)
	require.True(t, ok)
	assert.Equal(t, result.NoUpdatesAvailable, check.Result.Status)

	unsubscribe()
	_, open := <-ch
	assert.False(t, open)
}

func TestChannel_FullSubscriberDrops(t *testing.T) {
	c := NewChannel(nil)
	ch, _ := c.Subscribe(1)
	c.Publish(InstallStarted{Serial: "primary"})
	c.Publish(InstallStarted{Serial: "again"})
	assert.Len(t, ch, 1)
	assert.Equal(t, InstallStarted{Serial: "primary"}, <-ch)

	c.Close()
	_, open := <-ch
	assert.False(t, open)
	c.Publish(InstallStarted{Serial: "late"})
}

func TestSummary(t *testing.T) {
	tests := []struct {
		ev   Event
		want string
	}{
		{PutManifestComplete{Success: false}, "Result - Error"},
		{UpdateCheckComplete{Result: result.UpdateCheck{Status: result.UpdatesAvailable}}, "Result - Updates available"},
		{DownloadProgressReport{Progress: 42}, "Progress at 42%"},
		{AllDownloadsComplete{Result: result.Download{Status: result.NothingToDownload}}, "Result - Nothing to download"},
		{AllInstallsComplete{Result: result.Install{Device: uptane.NewInstallationResult(uptane.NewResultCode(uptane.ResultNeedCompletion), "")}}, "Result - NEED_COMPLETION"},
		{CampaignAcceptComplete{}, ""},
	}
	for _, tc := range tests {
		t.Run(tc.ev.Name(), func(t *testing.T) {
			assert.Equal(t, tc.want, Summary(tc.ev))
		})
	}
}

func TestLogHandler(t *testing.T) {
	var buf bytes.Buffer
	logger := logrus.New()
	logger.SetOutput(&buf)
	logger.SetLevel(logrus.InfoLevel)

	h := LogHandler(logger)
	h(DownloadTargetComplete{Success: true})
	h(DownloadProgressReport{Progress: 10})

	assert.Contains(t, buf.String(), "Event: DownloadTargetComplete, Result - Success")
	assert.NotContains(t, buf.String(), "Progress at")
}
