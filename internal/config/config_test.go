package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func envMap(kv map[string]string) func(string) string {
	return func(k string) string { return kv[k] }
}

func newTestManager(path string, env map[string]string) *ConfigManager {
	m := NewConfigManager(path)
	m.getenv = envMap(env)
	return m
}

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
}

func TestEnvOnlyDefaults(t *testing.T) {
	m := newTestManager("", map[string]string{EnvToken: "123:abc"})

	cfg, err := m.Load()
	require.NoError(t, err)

	work, rest, repeat, err := cfg.TimerSettings()
	require.NoError(t, err)
	assert.Equal(t, 25*time.Minute, work)
	assert.Equal(t, 5*time.Minute, rest)
	assert.True(t, repeat)
	assert.Nil(t, cfg.Storage)
	assert.Same(t, cfg, m.Get())
}

func TestEnvDurationsInMinutes(t *testing.T) {
	m := newTestManager("", map[string]string{
		EnvToken:        "t",
		EnvWorkDuration: "50",
		EnvRestDuration: "10m",
		EnvRepeat:       "false",
	})

	cfg, err := m.Load()
	require.NoError(t, err)
	work, rest, repeat, err := cfg.TimerSettings()
	require.NoError(t, err)
	assert.Equal(t, 50*time.Minute, work)
	assert.Equal(t, 10*time.Minute, rest)
	assert.False(t, repeat)
}

func TestEnvRejectsBadMinutes(t *testing.T) {
	for _, v := range []string{"0", "-3", "soon"} {
		m := newTestManager("", map[string]string{EnvToken: "t", EnvWorkDuration: v})
		_, err := m.Load()
		assert.Error(t, err, v)
	}
}

func TestMissingToken(t *testing.T) {
	_, err := newTestManager("", nil).Load()
	require.ErrorIs(t, err, ErrNoToken)
}

func TestYAMLFileWithEnvOverlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, `
telegram:
  token: from-file
timer:
  work: 45m
  rest: 15m
  repeat: false
storage:
  driver: sqlite
  path: ./pomo.db
notifier:
  rate_per_sec: 10
`)
	m := newTestManager(path, map[string]string{EnvRestDuration: "7", EnvLogLevel: "debug"})

	cfg, err := m.Load()
	require.NoError(t, err)
	assert.Equal(t, "from-file", cfg.Telegram.Token)
	work, rest, repeat, err := cfg.TimerSettings()
	require.NoError(t, err)
	assert.Equal(t, 45*time.Minute, work)
	assert.Equal(t, 7*time.Minute, rest)
	assert.False(t, repeat)
	assert.Equal(t, "sqlite", cfg.Storage.Driver)
	assert.Equal(t, 10, cfg.Notifier.RatePerSec)
	assert.Equal(t, "debug", cfg.Logging.Level)
	// Untouched defaults survive a partial file.
	assert.Equal(t, "10s", cfg.Telegram.PollTimeout)
}

func TestUnknownFieldRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	writeFile(t, path, `{"telegram":{"token":"x"},"timer":{"work":"25m","snooze":"1m"}}`)

	_, err := newTestManager(path, nil).Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "snooze")
}

func TestTrailingDataRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	writeFile(t, path, `{"telegram":{"token":"x"}}{"x":1}`)

	_, err := newTestManager(path, nil).Load()
	require.Error(t, err)
}

func TestDBURLSelectsSQLite(t *testing.T) {
	m := newTestManager("", map[string]string{EnvToken: "t", EnvDBURL: "jdbc:sqlite:/var/lib/pomo.db?mode=rwc"})

	cfg, err := m.Load()
	require.NoError(t, err)
	require.NotNil(t, cfg.Storage)
	assert.Equal(t, "sqlite", cfg.Storage.Driver)
	assert.Equal(t, "/var/lib/pomo.db", cfg.Storage.Path)
}

func TestDBURLAcceptsSQLiteForms(t *testing.T) {
	for in, want := range map[string]string{
		"jdbc:sqlite:pomo.db":       "pomo.db",
		"sqlite:///srv/pomo.db":     "/srv/pomo.db",
		"sqlite:pomo.db":            "pomo.db",
		"file:pomo.db?cache=shared": "pomo.db",
		"./data/pomo.db":            "./data/pomo.db",
		`C:\pomobot\pomo.db`:        `C:\pomobot\pomo.db`,
	} {
		got, err := sqlitePathFromURL(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
}

func TestDBURLRejectsOtherDatabases(t *testing.T) {
	for _, u := range []string{
		"jdbc:postgresql://db:5432/pomodoro",
		"jdbc:mysql://db/pomodoro",
		"postgres://user@db/pomodoro",
		"mysql:pomodoro",
		"jdbc:sqlite:",
	} {
		m := newTestManager("", map[string]string{EnvToken: "t", EnvDBURL: u})
		_, err := m.Load()
		require.Error(t, err, u)
		assert.Contains(t, err.Error(), EnvDBURL, u)
	}
}

func TestParseMinutes(t *testing.T) {
	d, err := ParseMinutes("timer.work", "", 25*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 25*time.Minute, d)

	d, err = ParseMinutes("timer.work", "1h", 25*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, time.Hour, d)

	for _, bad := range []string{"30s", "90s", "-5m", "soon"} {
		_, err := ParseMinutes("timer.work", bad, 25*time.Minute)
		assert.Error(t, err, bad)
	}
}

func TestStorageDriverEnvWinsOverDBURL(t *testing.T) {
	m := newTestManager("", map[string]string{EnvToken: "t", EnvDBURL: "pomo.db", EnvStorageDriver: "file", EnvStoragePath: "./data"})

	cfg, err := m.Load()
	require.NoError(t, err)
	assert.Equal(t, "file", cfg.Storage.Driver)
	assert.Equal(t, "./data", cfg.Storage.Path)
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		c := Defaults()
		c.Telegram.Token = "t"
		return c
	}
	require.NoError(t, Validate(base()))

	cases := map[string]func(c *Config){
		"sub-minute work":    func(c *Config) { c.Timer.Work = "30s" },
		"fractional rest":    func(c *Config) { c.Timer.Rest = "90s" },
		"bad duration":       func(c *Config) { c.Timer.Work = "forever" },
		"unknown driver":     func(c *Config) { c.Storage = &StorageConfig{Driver: "mongo"} },
		"bad level":          func(c *Config) { c.Logging.Level = "loud" },
		"file without path":  func(c *Config) { c.Logging.File.Enabled = true },
		"negative workers":   func(c *Config) { c.TaskEngine = &TaskEngineConfig{Workers: -1} },
		"bad notifier base":  func(c *Config) { c.Notifier = &NotifierConfig{RetryBase: "soon"} },
		"bad maintenance":    func(c *Config) { c.Maintenance = &MaintenanceConfig{Schedule: "whenever"} },
		"bad maintenance tz": func(c *Config) { c.Maintenance = &MaintenanceConfig{Timezone: "Mars/Olympus"} },
		"ops addr no port":   func(c *Config) { c.Ops = &OpsConfig{Enabled: true, Addr: "localhost"} },
	}
	for name, mutate := range cases {
		c := base()
		mutate(c)
		assert.Error(t, Validate(c), name)
	}
}

func TestLoadEnvFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	writeFile(t, path, "POMOBOT_TEST_ENV_KEY=from-dotenv\n")
	t.Cleanup(func() { _ = os.Unsetenv("POMOBOT_TEST_ENV_KEY") })

	require.NoError(t, LoadEnvFile(path))
	assert.Equal(t, "from-dotenv", os.Getenv("POMOBOT_TEST_ENV_KEY"))

	require.NoError(t, LoadEnvFile(filepath.Join(dir, "missing.env")))
	require.NoError(t, LoadEnvFile(""))
}

func TestSummarizeConfigChange(t *testing.T) {
	oldCfg := Defaults()
	oldCfg.Telegram.Token = "secret-a"
	newCfg := Defaults()
	newCfg.Telegram.Token = "secret-a"
	newCfg.Timer.Work = "50m"
	newCfg.Storage = &StorageConfig{Driver: "sqlite", Path: "x.db"}

	sections, attrs := SummarizeConfigChange(oldCfg, newCfg)
	assert.Equal(t, []string{"storage", "timer"}, sections)
	assert.NotEmpty(t, attrs)
	assert.Equal(t, []string{"storage"}, RestartRequired(sections))

	sections, _ = SummarizeConfigChange(oldCfg, oldCfg)
	assert.Empty(t, sections)

	withOps := Defaults()
	withOps.Telegram.Token = "secret-a"
	withOps.Ops = &OpsConfig{Enabled: true}
	sections, _ = SummarizeConfigChange(oldCfg, withOps)
	assert.Equal(t, []string{"ops"}, RestartRequired(sections))
}

func TestWatchPublishesValidChanges(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	writeFile(t, path, `{"telegram":{"token":"t"},"timer":{"work":"25m"}}`)
	m := newTestManager(path, nil)
	_, err := m.Load()
	require.NoError(t, err)

	sub := m.Subscribe(4)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Watch(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	// Give the watcher time to register the directory.
	time.Sleep(100 * time.Millisecond)

	// An invalid edit is rejected and never published.
	writeFile(t, path, `{"telegram":{"token":"t"},"timer":{"work":"10s"}}`)
	time.Sleep(2 * reloadDebounce)
	writeFile(t, path, `{"telegram":{"token":"t"},"timer":{"work":"40m"}}`)

	select {
	case cfg := <-sub:
		assert.Equal(t, "40m", cfg.Timer.Work)
	case <-time.After(3 * time.Second):
		t.Fatal("config change not published")
	}
	assert.Equal(t, "40m", m.Get().Timer.Work)
}
