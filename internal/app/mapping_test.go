package app

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pomobot/internal/config"
	"pomobot/internal/storage"
)

func TestMapStorageDefaults(t *testing.T) {
	sc, err := mapStorageConfig(config.Defaults())
	require.NoError(t, err)
	assert.Equal(t, storage.DefaultDriver, sc.Driver)
	assert.Equal(t, "./data", sc.Path)

	cfg := config.Defaults()
	cfg.Storage = &config.StorageConfig{Driver: "SQLite", BusyTimeout: "2s"}
	sc, err = mapStorageConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, "sqlite", sc.Driver)
	assert.Equal(t, "./data/pomobot.db", sc.Path)
	assert.Equal(t, 2*time.Second, sc.BusyTimeout)
}

func TestMapTimerConfig(t *testing.T) {
	cfg := config.Defaults()
	off := false
	cfg.Timer = config.TimerConfig{Work: "50m", Rest: "10m", Repeat: &off}

	tc, err := mapTimerConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, 50*time.Minute, tc.Work)
	assert.Equal(t, 10*time.Minute, tc.Rest)
	assert.False(t, tc.Repeat)

	cfg.Timer.Work = "10s"
	_, err = mapTimerConfig(cfg)
	assert.Error(t, err)
}

func TestMapNotifierConfig(t *testing.T) {
	nc, err := mapNotifierConfig(config.Defaults())
	require.NoError(t, err)
	assert.Equal(t, 3, nc.RetryMax)
	assert.Empty(t, nc.MotivationImageURL)

	cfg := config.Defaults()
	cfg.Notifier = &config.NotifierConfig{RetryBase: "250ms", MotivationImageURL: "https://example.com/go.jpg"}
	nc, err = mapNotifierConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, 250*time.Millisecond, nc.RetryBase)
	assert.Equal(t, "https://example.com/go.jpg", nc.MotivationImageURL)
}

func TestMapTaskEngineAndRouter(t *testing.T) {
	cfg := config.Defaults()
	ec, err := mapTaskEngineConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, ec.DefaultTimeout)

	cfg.Commands = &config.CommandsConfig{Workers: 8, Timeout: "5s"}
	rc, err := mapRouterConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, 8, rc.Workers)
	assert.Equal(t, 5*time.Second, rc.Timeout)
}

func TestLogLevelOverride(t *testing.T) {
	cfg := config.Defaults()
	cfg.Logging.Level = "warn"
	assert.Equal(t, "warn", mapLoggingConfig(cfg, "").Level)
	assert.Equal(t, "debug", mapLoggingConfig(cfg, " debug ").Level)
}

func TestMapOpsConfig(t *testing.T) {
	assert.False(t, mapOpsConfig(config.Defaults()).Enabled)

	cfg := config.Defaults()
	cfg.Ops = &config.OpsConfig{Enabled: true, Addr: " 127.0.0.1:7070 ", Token: "t", Pprof: true}
	oc := mapOpsConfig(cfg)
	assert.True(t, oc.Enabled)
	assert.Equal(t, "127.0.0.1:7070", oc.Addr)
	assert.Equal(t, "t", oc.Token)
	assert.True(t, oc.Pprof)
}

func TestMapMaintenanceConfig(t *testing.T) {
	plan, err := mapMaintenanceConfig(config.Defaults())
	require.NoError(t, err)
	assert.Equal(t, "@daily", plan.Schedule)
	assert.Equal(t, time.Minute, plan.Timeout)

	cfg := config.Defaults()
	cfg.Maintenance = &config.MaintenanceConfig{Schedule: "0 4 * * *", Timezone: "UTC", Timeout: "30s"}
	plan, err = mapMaintenanceConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, "0 4 * * *", plan.Schedule)
	assert.Equal(t, "UTC", plan.Scheduler.Timezone)
	assert.Equal(t, 30*time.Second, plan.Timeout)

	cfg.Maintenance.Schedule = "OFF"
	plan, err = mapMaintenanceConfig(cfg)
	require.NoError(t, err)
	assert.Empty(t, plan.Schedule)
}
