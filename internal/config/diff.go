package config

import (
	"hash/fnv"
	"reflect"
	"sort"
	"strings"

	logx "pomobot/pkg/logx"
)

func hashBytes(b []byte) uint64 {
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}

// SummarizeConfigChange returns the changed sections and safe structured
// attrs for logging. Tokens never appear in the attrs.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	if strings.TrimSpace(oldCfg.Telegram.PollTimeout) != strings.TrimSpace(newCfg.Telegram.PollTimeout) ||
		oldCfg.Telegram.Token != newCfg.Telegram.Token {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.String("telegram.poll_timeout", strings.TrimSpace(newCfg.Telegram.PollTimeout)),
			logx.Bool("telegram.token_changed", oldCfg.Telegram.Token != newCfg.Telegram.Token),
		)
	}

	if !reflect.DeepEqual(timerView(oldCfg.Timer), timerView(newCfg.Timer)) {
		changed = append(changed, "timer")
		v := timerView(newCfg.Timer)
		attrs = append(attrs,
			logx.String("timer.work", v.work),
			logx.String("timer.rest", v.rest),
			logx.Bool("timer.repeat", v.repeat),
		)
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if !reflect.DeepEqual(derefStorage(oldCfg.Storage), derefStorage(newCfg.Storage)) {
		n := derefStorage(newCfg.Storage)
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(n.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(n.Path) != ""),
		)
	}

	if !reflect.DeepEqual(derefCommands(oldCfg.Commands), derefCommands(newCfg.Commands)) {
		changed = append(changed, "commands")
	}

	if !reflect.DeepEqual(derefTaskEngine(oldCfg.TaskEngine), derefTaskEngine(newCfg.TaskEngine)) {
		n := derefTaskEngine(newCfg.TaskEngine)
		changed = append(changed, "task_engine")
		attrs = append(attrs,
			logx.Int("task_engine.workers", n.Workers),
			logx.Int("task_engine.queue_size", n.QueueSize),
			logx.Int("task_engine.retry_max", n.RetryMax),
		)
	}

	if !reflect.DeepEqual(derefNotifier(oldCfg.Notifier), derefNotifier(newCfg.Notifier)) {
		n := derefNotifier(newCfg.Notifier)
		changed = append(changed, "notifier")
		attrs = append(attrs,
			logx.Int("notifier.workers", n.Workers),
			logx.Int("notifier.rate_per_sec", n.RatePerSec),
			logx.Int("notifier.retry_max", n.RetryMax),
			logx.Bool("notifier.motivation_image", strings.TrimSpace(n.MotivationImageURL) != ""),
		)
	}

	if !reflect.DeepEqual(derefMaintenance(oldCfg.Maintenance), derefMaintenance(newCfg.Maintenance)) {
		n := derefMaintenance(newCfg.Maintenance)
		changed = append(changed, "maintenance")
		attrs = append(attrs,
			logx.String("maintenance.schedule", strings.TrimSpace(n.Schedule)),
			logx.String("maintenance.timezone", strings.TrimSpace(n.Timezone)),
		)
	}

	oOps, nOps := derefOps(oldCfg.Ops), derefOps(newCfg.Ops)
	if oOps.Enabled != nOps.Enabled || oOps.Addr != nOps.Addr || oOps.Pprof != nOps.Pprof ||
		oOps.AllowInsecure != nOps.AllowInsecure || oOps.Token != nOps.Token {
		changed = append(changed, "ops")
		attrs = append(attrs,
			logx.Bool("ops.enabled", nOps.Enabled),
			logx.String("ops.addr", nOps.Addr),
			logx.Bool("ops.token_set", nOps.Token != ""),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

// RestartRequired lists changed sections that only take effect on restart.
func RestartRequired(sections []string) []string {
	var out []string
	for _, s := range sections {
		switch s {
		case "telegram", "storage", "commands", "task_engine", "ops":
			out = append(out, s)
		}
	}
	return out
}

type timerSummary struct {
	work, rest string
	repeat     bool
}

func timerView(t TimerConfig) timerSummary {
	return timerSummary{
		work:   strings.TrimSpace(t.Work),
		rest:   strings.TrimSpace(t.Rest),
		repeat: t.Repeat == nil || *t.Repeat,
	}
}

func derefStorage(s *StorageConfig) StorageConfig {
	if s == nil {
		return StorageConfig{}
	}
	return *s
}

func derefCommands(c *CommandsConfig) CommandsConfig {
	if c == nil {
		return CommandsConfig{}
	}
	return *c
}

func derefTaskEngine(te *TaskEngineConfig) TaskEngineConfig {
	if te == nil {
		return TaskEngineConfig{}
	}
	return *te
}

func derefNotifier(n *NotifierConfig) NotifierConfig {
	if n == nil {
		return NotifierConfig{}
	}
	return *n
}

func derefOps(o *OpsConfig) OpsConfig {
	if o == nil {
		return OpsConfig{}
	}
	return *o
}

func derefMaintenance(m *MaintenanceConfig) MaintenanceConfig {
	if m == nil {
		return MaintenanceConfig{}
	}
	return *m
}
