/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package server

import (
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"strconv"

	"github.com/sirupsen/logrus"

	"github.com/kentakayama/uptane-primary/internal/result"
	"github.com/kentakayama/uptane-primary/internal/uptane"
)

const (
	maxRequestBodyBytes = 1 << 20
	maxBundleBytes      = 16 << 20
	cborContentType     = "application/cbor"
)

type handler struct {
	ctl    Controller
	logger *logrus.Entry
}

type responseSpec struct {
	status      int
	body        []byte
	contentType string
}

type pauseResponse struct {
	Status string `json:"status"`
}

type verifiedTarget struct {
	Filename string `json:"filename"`
	Length   int64  `json:"length"`
}

type verifyResponse struct {
	Targets []verifiedTarget `json:"targets"`
}

type verifyFailure struct {
	Error  string `json:"error"`
	Attack string `json:"attack,omitempty"`
}

func newHandler(ctl Controller, logger *logrus.Entry) *handler {
	return &handler{
		ctl:    ctl,
		logger: logger,
	}
}

func (h *handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/metadata" {
		if r.Method != http.MethodGet {
			http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
			return
		}
		h.exportMetadata(w, r)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}

	switch r.URL.Path {
	case "/device-data":
		h.deviceData(w, r)
	case "/control/pause":
		h.pause(w, r, true)
	case "/control/resume":
		h.pause(w, r, false)
	case "/control/abort":
		h.ctl.Abort()
		h.logger.Info("abort requested through the device API")
		h.writeResponse(w, responseSpec{status: http.StatusNoContent})
	case "/control/check":
		h.ctl.CheckUpdates()
		h.writeResponse(w, responseSpec{status: http.StatusAccepted})
	case "/metadata/verify":
		h.verifyMetadata(w, r)
	default:
		http.NotFound(w, r)
	}
}

func (h *handler) deviceData(w http.ResponseWriter, r *http.Request) {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || mediaType != "application/json" {
		h.logger.Warnf("content type mismatch: expected application/json, actual %v", r.Header.Get("Content-Type"))
		http.Error(w, "This endpoint only accepts Content-Type: application/json", http.StatusUnsupportedMediaType)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBodyBytes))
	if err != nil {
		h.logger.Warnf("failed reading request body: %v", err)
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}
	if !json.Valid(body) {
		http.Error(w, "request body is not valid JSON", http.StatusBadRequest)
		return
	}

	info := json.RawMessage(body)
	h.ctl.SetCustomHwInfo(info)
	h.ctl.SendDeviceData(info)
	h.logger.Debug("device data received, report queued")
	h.writeResponse(w, responseSpec{status: http.StatusAccepted})
}

func (h *handler) exportMetadata(w http.ResponseWriter, r *http.Request) {
	body, err := h.ctl.ExportMetadata(r.Context())
	if err != nil {
		h.logger.Warnf("metadata export failed: %v", err)
		http.Error(w, "trusted metadata unavailable", http.StatusServiceUnavailable)
		return
	}
	h.writeResponse(w, responseSpec{status: http.StatusOK, body: body, contentType: cborContentType})
}

func (h *handler) verifyMetadata(w http.ResponseWriter, r *http.Request) {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || mediaType != cborContentType {
		http.Error(w, "This endpoint only accepts Content-Type: application/cbor", http.StatusUnsupportedMediaType)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBundleBytes))
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	targets, err := h.ctl.VerifyMetadata(r.Context(), body)
	if err != nil {
		status := http.StatusBadRequest
		var ue *uptane.Error
		if errors.As(err, &ue) {
			status = http.StatusUnprocessableEntity
		}
		h.writeJSON(w, status, verifyFailure{Error: err.Error(), Attack: uptane.AttackOf(err).String()})
		return
	}
	res := verifyResponse{Targets: []verifiedTarget{}}
	for _, t := range targets {
		res.Targets = append(res.Targets, verifiedTarget{Filename: t.Filename, Length: t.Length})
	}
	h.writeJSON(w, http.StatusOK, res)
}

func (h *handler) writeJSON(w http.ResponseWriter, status int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		h.writeResponse(w, responseSpec{status: http.StatusInternalServerError})
		return
	}
	h.writeResponse(w, responseSpec{status: status, body: body, contentType: "application/json"})
}

func (h *handler) pause(w http.ResponseWriter, r *http.Request, pause bool) {
	var s result.PauseStatus
	if pause {
		s = h.ctl.Pause(r.Context())
	} else {
		s = h.ctl.Resume(r.Context())
	}
	body, err := json.Marshal(pauseResponse{Status: s.String()})
	if err != nil {
		h.writeResponse(w, responseSpec{status: http.StatusInternalServerError})
		return
	}
	status := http.StatusOK
	if s != result.PauseSuccess {
		status = http.StatusConflict
	}
	h.writeResponse(w, responseSpec{status: status, body: body, contentType: "application/json"})
}

func (h *handler) writeResponse(w http.ResponseWriter, spec responseSpec) {
	if len(spec.body) > 0 {
		for k, v := range defaultHeaders {
			w.Header().Set(k, v)
		}
		w.Header().Set("Content-Type", spec.contentType)
		w.Header().Set("Content-Length", strconv.Itoa(len(spec.body)))
		w.WriteHeader(spec.status)
		if _, err := w.Write(spec.body); err != nil {
			h.logger.Warnf("failed writing response body: %v", err)
		}
		return
	}

	w.WriteHeader(spec.status)
}

var defaultHeaders = map[string]string{
	"Cache-Control":           "no-store",
	"X-Content-Type-Options":  "nosniff",
	"Content-Security-Policy": "default-src 'none'",
	"Referrer-Policy":         "no-referrer",
}
