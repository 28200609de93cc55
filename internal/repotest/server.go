/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package repotest

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/kentakayama/uptane-primary/internal/uptane"
)

// Backend is a fake update server: Director under /director, Image
// repository under /repo and the device gateway endpoints at the root.
type Backend struct {
	Director *Repo
	Image    *Repo
	Server   *httptest.Server

	mu         sync.Mutex
	manifests  [][]byte
	events     []map[string]any
	ecus       [][]byte
	systemInfo map[string][]byte
	campaigns  []byte
	eventCode  int
}

func NewBackend(t testing.TB) *Backend {
	t.Helper()
	b := &Backend{
		Director:   NewDirector(t),
		Image:      NewImageRepo(t),
		systemInfo: map[string][]byte{},
		campaigns:  []byte(`{"campaigns":[]}`),
	}
	b.Director.Publish()
	b.Image.Publish()

	mux := http.NewServeMux()
	mux.Handle("GET /director/", http.StripPrefix("/director", b.Director.Handler()))
	mux.Handle("GET /repo/", http.StripPrefix("/repo", b.Image.Handler()))
	mux.HandleFunc("POST /director/ecus", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		b.mu.Lock()
		defer b.mu.Unlock()
		if len(b.ecus) > 0 {
			w.WriteHeader(http.StatusConflict)
			return
		}
		b.ecus = append(b.ecus, body)
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("PUT /director/manifest", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		b.mu.Lock()
		b.manifests = append(b.manifests, body)
		b.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("POST /events", func(w http.ResponseWriter, r *http.Request) {
		var batch []map[string]any
		json.NewDecoder(r.Body).Decode(&batch)
		b.mu.Lock()
		defer b.mu.Unlock()
		if b.eventCode != 0 {
			w.WriteHeader(b.eventCode)
			return
		}
		b.events = append(b.events, batch...)
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("GET /campaigner/campaigns", func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		defer b.mu.Unlock()
		w.Write(b.campaigns)
	})
	for _, p := range []string{"/system_info", "/core/installed", "/system_info/network", "/system_info/config"} {
		mux.HandleFunc("PUT "+p, func(w http.ResponseWriter, r *http.Request) {
			body, _ := io.ReadAll(r.Body)
			b.mu.Lock()
			b.systemInfo[p] = body
			b.mu.Unlock()
			w.WriteHeader(http.StatusOK)
		})
	}
	b.Server = httptest.NewServer(mux)
	t.Cleanup(b.Server.Close)
	return b
}

func (b *Backend) URL() string         { return b.Server.URL }
func (b *Backend) DirectorURL() string { return b.Server.URL + "/director" }
func (b *Backend) ImageURL() string    { return b.Server.URL + "/repo" }

// Offer publishes content in both repositories for the given ECU.
func (b *Backend) Offer(name string, content []byte, serial, hwid string) {
	b.Image.AddImage(name, content, hwid)
	b.Image.Publish()
	b.Director.ClearTargets()
	b.Director.AssignImage(name, content, serial, hwid)
	b.Director.Publish()
}

func (b *Backend) Manifests() [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([][]byte(nil), b.manifests...)
}

// LastManifest decodes the signed part of the latest manifest.
func (b *Backend) LastManifest(t testing.TB) *uptane.Manifest {
	t.Helper()
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.manifests) == 0 {
		t.Fatalf("no manifest received")
	}
	var env struct {
		Signed uptane.Manifest `json:"signed"`
	}
	if err := json.Unmarshal(b.manifests[len(b.manifests)-1], &env); err != nil {
		t.Fatalf("decode manifest: %v", err)
	}
	return &env.Signed
}

func (b *Backend) Events() []map[string]any {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]map[string]any(nil), b.events...)
}

// EventTypes lists the received event types in order.
func (b *Backend) EventTypes() []string {
	var out []string
	for _, ev := range b.Events() {
		if et, ok := ev["eventType"].(map[string]any); ok {
			id, _ := et["id"].(string)
			out = append(out, id)
		}
	}
	return out
}

// SetEventStatus makes the events endpoint answer with code; 0 restores
// normal operation.
func (b *Backend) SetEventStatus(code int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.eventCode = code
}

func (b *Backend) Registrations() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.ecus)
}

func (b *Backend) SystemInfo(path string) []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.systemInfo[path]
}

func (b *Backend) SetCampaigns(raw []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.campaigns = raw
}
