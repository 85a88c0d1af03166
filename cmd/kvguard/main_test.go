package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/unkn0wn-root/kvguard/client"
	"github.com/unkn0wn-root/kvguard/config"
	"github.com/unkn0wn-root/kvguard/monitor"
)

func newTestClient(t *testing.T) (*client.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	cfg := config.Default()
	cfg.Redis.URL = "redis://" + mr.Addr()
	cfg.Monitor.Interval = 0

	c, err := client.New(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close(context.Background()) })
	return c, mr
}

func TestHealthHandler(t *testing.T) {
	c, _ := newTestClient(t)

	w := httptest.NewRecorder()
	healthHandler(c)(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	var hs monitor.HealthStatus
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &hs))
	assert.True(t, hs.Connected)
}

func TestStatsHandler(t *testing.T) {
	c, _ := newTestClient(t)
	require.True(t, c.Cache.Set(context.Background(), "k", "v"))

	w := httptest.NewRecorder()
	statsHandler(c)(w, httptest.NewRequest(http.MethodGet, "/stats", nil))

	require.Equal(t, http.StatusOK, w.Code)
	var got statsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, "ready", got.Connection)
	assert.Equal(t, "closed", got.Breaker)
	assert.Equal(t, int64(1), got.Cache.Keys)
}

func TestNewLogger(t *testing.T) {
	for _, format := range []string{"zap", "logrus", "slog"} {
		l, flush, err := newLogger(format)
		require.NoError(t, err, format)
		assert.NotNil(t, l)
		flush()
	}
	_, _, err := newLogger("stdout")
	assert.Error(t, err)
}
