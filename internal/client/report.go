/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package client

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/kentakayama/uptane-primary/internal/domain/model"
	"github.com/kentakayama/uptane-primary/internal/domain/service"
	"github.com/kentakayama/uptane-primary/internal/infra/httpclient"
	"github.com/kentakayama/uptane-primary/internal/uptane"
	"github.com/kentakayama/uptane-primary/internal/util"
)

// Report event types sent to the server's event endpoint.
const (
	EventEcuDownloadStarted       = "EcuDownloadStarted"
	EventEcuDownloadCompleted     = "EcuDownloadCompleted"
	EventEcuInstallationStarted   = "EcuInstallationStarted"
	EventEcuInstallationApplied   = "EcuInstallationApplied"
	EventEcuInstallationCompleted = "EcuInstallationCompleted"
	EventDevicePaused             = "DevicePaused"
	EventDeviceResumed            = "DeviceResumed"
	EventCampaignAccepted         = "campaign_accepted"
	EventCampaignDeclined         = "campaign_declined"
	EventCampaignPostponed        = "campaign_postponed"
)

const (
	maxEventsPerRequest = 100
	defaultFlushPeriod  = 10 * time.Second
	eventTimeLayout     = "2006-01-02T15:04:05Z"
)

// ReportPayload is the "event" member of a report. It is persisted as
// CBOR until delivered.
type ReportPayload struct {
	Ecu           string `cbor:"ecu,omitempty" json:"ecu,omitempty"`
	CorrelationID string `cbor:"correlationId,omitempty" json:"correlationId,omitempty"`
	Success       *bool  `cbor:"success,omitempty" json:"success,omitempty"`
	CampaignID    string `cbor:"campaignId,omitempty" json:"campaignId,omitempty"`
}

type reportEventType struct {
	ID      string `json:"id"`
	Version int    `json:"version"`
}

type reportJSON struct {
	ID         string          `json:"id"`
	DeviceTime string          `json:"deviceTime"`
	EventType  reportEventType `json:"eventType"`
	Event      ReportPayload   `json:"event"`
}

func ecuPayload(serial uptane.EcuSerial, correlationID string) ReportPayload {
	return ReportPayload{Ecu: serial.String(), CorrelationID: correlationID}
}

func ecuResultPayload(serial uptane.EcuSerial, correlationID string, success bool) ReportPayload {
	p := ecuPayload(serial, correlationID)
	p.Success = &success
	return p
}

// ReportQueue persists report events and delivers them in batches from a
// background goroutine.
type ReportQueue struct {
	url    string
	hc     *httpclient.Client
	repo   service.ReportEventRepository
	period time.Duration
	logger *logrus.Entry

	mu    sync.Mutex
	limit int

	wake chan struct{}
	stop chan struct{}
	done chan struct{}
	once sync.Once
}

// NewReportQueue delivers to server + "/events". An empty server drops
// every event at the next flush.
func NewReportQueue(server string, hc *httpclient.Client, repo service.ReportEventRepository, period time.Duration, logger *logrus.Logger) *ReportQueue {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if period <= 0 {
		period = defaultFlushPeriod
	}
	url := ""
	if server != "" {
		url = strings.TrimRight(server, "/") + "/events"
	}
	return &ReportQueue{
		url:    url,
		hc:     hc,
		repo:   repo,
		period: period,
		limit:  maxEventsPerRequest,
		logger: logger.WithField("component", "report-queue"),
		wake:   make(chan struct{}, 1),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Enqueue stores an event and wakes the sender.
func (q *ReportQueue) Enqueue(ctx context.Context, eventType string, payload ReportPayload) error {
	raw, err := util.MarshalCBOR(payload)
	if err != nil {
		return err
	}
	ev := &model.ReportEvent{
		EventID:    uuid.NewString(),
		Type:       eventType,
		Version:    0,
		DeviceTime: time.Now().UTC().Truncate(time.Second),
		Payload:    raw,
	}
	if _, err := q.repo.Create(ctx, ev); err != nil {
		return err
	}
	select {
	case q.wake <- struct{}{}:
	default:
	}
	return nil
}

// Start runs the sender until Close.
func (q *ReportQueue) Start() {
	go q.run()
}

func (q *ReportQueue) run() {
	defer close(q.done)
	ticker := time.NewTicker(q.period)
	defer ticker.Stop()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-q.stop
		cancel()
	}()
	for {
		select {
		case <-q.stop:
			return
		case <-ticker.C:
		case <-q.wake:
		}
		q.Flush(ctx)
	}
}

// Close stops the sender after the current flush.
func (q *ReportQueue) Close() {
	q.once.Do(func() {
		close(q.stop)
	})
}

// Wait blocks until a started sender returned.
func (q *ReportQueue) Wait() {
	<-q.done
}

// Flush sends one batch of the oldest events.
func (q *ReportQueue) Flush(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()

	events, err := q.repo.ListOldest(ctx, q.limit)
	if err != nil {
		q.logger.Warnf("load report events: %v", err)
		return
	}
	if len(events) == 0 {
		return
	}
	maxID := events[len(events)-1].ID
	if q.url == "" {
		q.deleteUpTo(ctx, maxID)
		return
	}

	batch := make([]reportJSON, 0, len(events))
	for _, ev := range events {
		var payload ReportPayload
		if err := util.UnmarshalCBOR(ev.Payload, &payload); err != nil {
			q.logger.Warnf("dropping undecodable report event %s: %v", ev.EventID, err)
		}
		if q.logger.Logger.IsLevelEnabled(logrus.TraceLevel) {
			if pretty, err := util.RenderCBORPretty(ev.Payload); err == nil {
				q.logger.Tracef("report event %s (%s): %s", ev.EventID, ev.Type, pretty)
			}
		}
		batch = append(batch, reportJSON{
			ID:         ev.EventID,
			DeviceTime: ev.DeviceTime.UTC().Format(eventTimeLayout),
			EventType:  reportEventType{ID: ev.Type, Version: ev.Version},
			Event:      payload,
		})
	}

	resp, err := q.hc.PostJSON(ctx, q.url, batch)
	if err != nil {
		q.logger.Debugf("send report events: %v", err)
		return
	}
	remove := resp.IsOK()
	switch {
	case resp.StatusCode == http.StatusNotFound:
		q.logger.Debug("server does not support event reports, clearing the report queue")
		remove = true
	case resp.StatusCode == http.StatusRequestEntityTooLarge:
		if len(events) > 1 {
			q.limit = max(len(events)/2, 1)
			q.logger.Infof("report batch too large, reducing it to %d events", q.limit)
		} else {
			q.logger.Errorf("report event %s is too large, dropping it", events[0].EventID)
			remove = true
		}
	case !resp.IsOK():
		q.logger.Warnf("unable to send report events: %s", resp.Status)
	}
	if remove {
		q.deleteUpTo(ctx, maxID)
	}
}

func (q *ReportQueue) deleteUpTo(ctx context.Context, id int64) {
	if err := q.repo.DeleteUpTo(ctx, id); err != nil {
		q.logger.Warnf("delete report events: %v", err)
		return
	}
	q.limit = maxEventsPerRequest
}
