/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package campaign

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kentakayama/uptane-primary/internal/infra/httpclient"
)

const campaignsDoc = `{"campaigns":[
  {"id":"c1","name":"spring","size":1024,"autoAccept":true,
   "metadata":[{"type":"DESCRIPTION","value":"new firmware"},
               {"type":"ESTIMATED_INSTALLATION_DURATION","value":"60"},
               {"type":"ESTIMATED_PREPARATION_DURATION","value":"x"}]},
  {"id":"","name":"nameless"},
  {"id":"c2","name":"autumn"}
]}`

func TestParse(t *testing.T) {
	got, err := Parse([]byte(campaignsDoc))
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, Campaign{
		ID:                      "c1",
		Name:                    "spring",
		Size:                    1024,
		AutoAccept:              true,
		Description:             "new firmware",
		EstInstallationDuration: 60,
	}, got[0])
	assert.Equal(t, Campaign{ID: "c2", Name: "autumn"}, got[1])

	_, err = Parse([]byte(`[`))
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != campaignsPath {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte(campaignsDoc))
	}))
	defer srv.Close()

	client := httpclient.New(httpclient.Config{})
	got, err := Fetch(context.Background(), client, srv.URL+"/")
	require.NoError(t, err)
	assert.Len(t, got, 2)

	_, err = Fetch(context.Background(), client, srv.URL+"/nowhere")
	assert.Error(t, err)
}

func TestParseCmd(t *testing.T) {
	for _, c := range []Cmd{CmdAccept, CmdDecline, CmdPostpone} {
		parsed, err := ParseCmd(c.String())
		require.NoError(t, err)
		assert.Equal(t, c, parsed)
	}
	_, err := ParseCmd("campaign_check")
	assert.Error(t, err)
}
