package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/doublegate/FlowForge-sub002/pkg/config"
	"github.com/doublegate/FlowForge-sub002/pkg/logging"
	"github.com/doublegate/FlowForge-sub002/pkg/session"
	"github.com/doublegate/FlowForge-sub002/pkg/transport"
)

func newTestApp(t *testing.T) *App {
	t.Helper()
	cfg := &config.Config{
		Server: config.ServerConfig{
			Address: ":0",
			Auth:    config.AuthConfig{JWTSecret: "test-secret"},
		},
		Transport: config.TransportConfig{ReadTimeout: time.Minute},
		Heartbeat: config.HeartbeatConfig{Interval: time.Minute, TimeoutMultiple: 2},
		Store:     config.StoreConfig{Driver: "memory"},
	}
	app, err := NewApp(logging.Discard(), context.Background(), cfg)
	require.NoError(t, err)
	return app
}

func TestHealthEndpoint(t *testing.T) {
	app := newTestApp(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	app.http.Handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
}

func TestPresenceEndpointUnknownRoom(t *testing.T) {
	app := newTestApp(t)

	req := httptest.NewRequest(http.MethodGet, "/rooms/wf-missing/presence", nil)
	rec := httptest.NewRecorder()
	app.http.Handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPresenceEndpointReturnsSnapshot(t *testing.T) {
	app := newTestApp(t)

	var wg sync.WaitGroup
	tc := transport.NewConnection(context.Background(), &wg, nil, transport.ConnectionConfig{}, nil, nil, logging.Discard())
	conn, err := app.registry.Register(tc, "127.0.0.1", "u1", "User One")
	require.NoError(t, err)
	_, err = app.registry.Join(conn.ID, "wf-1")
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/rooms/wf-1/presence", nil)
	rec := httptest.NewRecorder()
	app.http.Handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var snap session.RoomSnapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, "wf-1", snap.RoomID)
	require.Len(t, snap.Members, 1)
	assert.Equal(t, "User One", snap.Members[0].DisplayName)
}

func TestWebsocketEndpointRequiresAuth(t *testing.T) {
	app := newTestApp(t)

	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	rec := httptest.NewRecorder()
	app.http.Handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
