package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/mossy-p/webrtc-calls/config"
	"github.com/mossy-p/webrtc-calls/internal/api"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLoginServer(t *testing.T, logins *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/auth/login":
			logins.Add(1)
			var body struct {
				Username string `json:"username"`
				Password string `json:"password"`
			}
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "alice", body.Username)
			assert.Equal(t, "secret", body.Password)
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"token":"issued","user_id":"alice"}`))
		case "/api/calls":
			assert.Equal(t, "Bearer issued", r.Header.Get("Authorization"))
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"calls":[]}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testClient(url string) *api.Client {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return api.NewClient(url, "", logrus.NewEntry(logger))
}

func TestRelayToken_LogsInWithPassword(t *testing.T) {
	var logins atomic.Int32
	srv := newLoginServer(t, &logins)
	client := testClient(srv.URL)

	cfg := &config.Device{Identity: "alice", Relay: config.DeviceRelay{APIURL: srv.URL, Password: "secret"}}
	token, err := relayToken(context.Background(), cfg, client)
	require.NoError(t, err)
	assert.Equal(t, "issued", token)
	assert.Equal(t, int32(1), logins.Load())

	_, err = client.History(context.Background())
	require.NoError(t, err)
}

func TestRelayToken_ConfiguredTokenWins(t *testing.T) {
	var logins atomic.Int32
	srv := newLoginServer(t, &logins)

	cfg := &config.Device{Identity: "alice", Relay: config.DeviceRelay{APIURL: srv.URL, Token: "static", Password: "secret"}}
	token, err := relayToken(context.Background(), cfg, testClient(srv.URL))
	require.NoError(t, err)
	assert.Equal(t, "static", token)
	assert.Zero(t, logins.Load())
}

func TestRelayToken_PasswordNeedsAPI(t *testing.T) {
	cfg := &config.Device{Identity: "alice", Relay: config.DeviceRelay{Password: "secret"}}
	_, err := relayToken(context.Background(), cfg, nil)
	assert.Error(t, err)

	token, err := relayToken(context.Background(), &config.Device{Identity: "alice"}, nil)
	require.NoError(t, err)
	assert.Empty(t, token)
}
