package app

import (
	"strings"
	"time"

	"pomobot/internal/config"
	"pomobot/internal/notifier"
	"pomobot/internal/observability/opsserver"
	"pomobot/internal/storage"
	"pomobot/internal/task/engine"
	"pomobot/internal/task/scheduler"
	"pomobot/internal/timer"
	"pomobot/internal/transport/telegram/router"
	logx "pomobot/pkg/logx"
)

func mapLoggingConfig(cfg *config.Config, levelOverride string) logx.Config {
	level := cfg.Logging.Level
	if v := strings.TrimSpace(levelOverride); v != "" {
		level = v
	}
	return logx.Config{
		Level:   level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapTimerConfig(cfg *config.Config) (timer.Config, error) {
	work, rest, repeat, err := cfg.TimerSettings()
	if err != nil {
		return timer.Config{}, err
	}
	return timer.Config{Work: work, Rest: rest, Repeat: repeat}, nil
}

// mapStorageConfig falls back to the file backend under ./data when the
// section is omitted.
func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := storage.Config{Driver: storage.DefaultDriver, Path: "./data"}
	if cfg.Storage == nil {
		return sc, nil
	}
	if d := strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)); d != "" {
		sc.Driver = d
	}
	if p := strings.TrimSpace(cfg.Storage.Path); p != "" {
		sc.Path = p
	} else if sc.Driver == "sqlite" || sc.Driver == "sqlite3" {
		sc.Path = "./data/pomobot.db"
	}
	busy, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return storage.Config{}, err
	}
	sc.BusyTimeout = busy
	return sc, nil
}

func mapTaskEngineConfig(cfg *config.Config) (engine.Config, error) {
	te := config.TaskEngineConfig{}
	if cfg.TaskEngine != nil {
		te = *cfg.TaskEngine
	}
	timeout, err := config.ParseDurationOrDefault("task_engine.default_timeout", te.DefaultTimeout, 30*time.Second)
	if err != nil {
		return engine.Config{}, err
	}
	return engine.Config{
		Workers:        te.Workers,
		QueueSize:      te.QueueSize,
		DefaultTimeout: timeout,
		HistorySize:    te.HistorySize,
		RetryMax:       te.RetryMax,
	}, nil
}

func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	n := config.NotifierConfig{}
	if cfg.Notifier != nil {
		n = *cfg.Notifier
	}
	base, err := config.ParseDurationField("notifier.retry_base", n.RetryBase)
	if err != nil {
		return notifier.Config{}, err
	}
	maxDelay, err := config.ParseDurationField("notifier.retry_max_delay", n.RetryMaxDelay)
	if err != nil {
		return notifier.Config{}, err
	}
	sendTimeout, err := config.ParseDurationField("notifier.send_timeout", n.SendTimeout)
	if err != nil {
		return notifier.Config{}, err
	}
	retryMax := n.RetryMax
	if retryMax == 0 {
		retryMax = 3
	}
	return notifier.Config{
		Workers:            n.Workers,
		QueueSize:          n.QueueSize,
		RatePerSec:         n.RatePerSec,
		RetryMax:           retryMax,
		RetryBase:          base,
		RetryMaxDelay:      maxDelay,
		SendTimeout:        sendTimeout,
		MotivationImageURL: n.MotivationImageURL,
	}, nil
}

func mapRouterConfig(cfg *config.Config) (router.Config, error) {
	c := config.CommandsConfig{}
	if cfg.Commands != nil {
		c = *cfg.Commands
	}
	timeout, err := config.ParseDurationField("commands.timeout", c.Timeout)
	if err != nil {
		return router.Config{}, err
	}
	return router.Config{Workers: c.Workers, QueueSize: c.QueueSize, Timeout: timeout}, nil
}

func mapOpsConfig(cfg *config.Config) opsserver.Config {
	if cfg.Ops == nil {
		return opsserver.Config{}
	}
	o := cfg.Ops
	return opsserver.Config{
		Enabled:       o.Enabled,
		Addr:          strings.TrimSpace(o.Addr),
		Token:         o.Token,
		AllowInsecure: o.AllowInsecure,
		Pprof:         o.Pprof,
	}
}

const defaultMaintenanceSchedule = "@daily"

// maintenancePlan is the resolved maintenance section. An empty Schedule
// means maintenance is disabled.
type maintenancePlan struct {
	Schedule  string
	Timeout   time.Duration
	Scheduler scheduler.Config
}

func mapMaintenanceConfig(cfg *config.Config) (maintenancePlan, error) {
	m := config.MaintenanceConfig{}
	if cfg.Maintenance != nil {
		m = *cfg.Maintenance
	}
	timeout, err := config.ParseDurationOrDefault("maintenance.timeout", m.Timeout, time.Minute)
	if err != nil {
		return maintenancePlan{}, err
	}
	plan := maintenancePlan{
		Schedule:  strings.TrimSpace(m.Schedule),
		Timeout:   timeout,
		Scheduler: scheduler.Config{Timezone: strings.TrimSpace(m.Timezone)},
	}
	switch {
	case plan.Schedule == "":
		plan.Schedule = defaultMaintenanceSchedule
	case strings.EqualFold(plan.Schedule, config.MaintenanceOff):
		plan.Schedule = ""
	}
	return plan, nil
}
