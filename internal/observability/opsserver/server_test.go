package opsserver

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "pomobot/pkg/logx"
)

func startServer(t *testing.T, cfg Config) *Server {
	t.Helper()
	cfg.Enabled = true
	cfg.Addr = "127.0.0.1:0"
	s := New(cfg, func() any { return map[string]int{"active_timers": 3} }, logx.Nop())
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = s.Stop(ctx)
	})
	return s
}

func get(t *testing.T, url string, header map[string]string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	require.NoError(t, err)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestHealthAndStatus(t *testing.T) {
	s := startServer(t, Config{})
	base := "http://" + s.Addr()

	assert.Equal(t, http.StatusOK, get(t, base+"/healthz", nil).StatusCode)

	resp := get(t, base+"/status", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body map[string]int
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, 3, body["active_timers"])

	assert.Equal(t, http.StatusNotFound, get(t, base+"/debug/pprof/", nil).StatusCode)
}

func TestTokenGuardsStatusButNotHealth(t *testing.T) {
	s := startServer(t, Config{Token: "s3cret", Pprof: true})
	base := "http://" + s.Addr()

	assert.Equal(t, http.StatusOK, get(t, base+"/healthz", nil).StatusCode)
	assert.Equal(t, http.StatusUnauthorized, get(t, base+"/status", nil).StatusCode)
	assert.Equal(t, http.StatusOK, get(t, base+"/status?token=s3cret", nil).StatusCode)
	assert.Equal(t, http.StatusOK, get(t, base+"/status", map[string]string{"Authorization": "Bearer s3cret"}).StatusCode)
	assert.Equal(t, http.StatusUnauthorized, get(t, base+"/debug/pprof/", nil).StatusCode)
	assert.Equal(t, http.StatusOK, get(t, base+"/debug/pprof/?token=s3cret", nil).StatusCode)
}

func TestRefusesPublicBindWithoutToken(t *testing.T) {
	s := New(Config{Enabled: true, Addr: "0.0.0.0:0"}, nil, logx.Nop())
	require.Error(t, s.Start(context.Background()))
}

func TestDisabledIsNoop(t *testing.T) {
	s := New(Config{}, nil, logx.Nop())
	require.NoError(t, s.Start(context.Background()))
	assert.Empty(t, s.Addr())
	require.NoError(t, s.Stop(context.Background()))
}
