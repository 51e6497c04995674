package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"pomobot/internal/storage"
	"pomobot/internal/task/scheduler"
	logx "pomobot/pkg/logx"
)

// MaintenanceOff disables scheduled storage maintenance.
const MaintenanceOff = "off"

var ErrNoToken = errors.New("telegram token is not set (telegram.token or " + EnvToken + ")")

// TimerSettings resolves the cycle shape with defaults applied.
func (c *Config) TimerSettings() (work, rest time.Duration, repeat bool, err error) {
	work, err = ParseMinutes("timer.work", c.Timer.Work, 25*time.Minute)
	if err != nil {
		return 0, 0, false, err
	}
	rest, err = ParseMinutes("timer.rest", c.Timer.Rest, 5*time.Minute)
	if err != nil {
		return 0, 0, false, err
	}
	repeat = c.Timer.Repeat == nil || *c.Timer.Repeat
	return work, rest, repeat, nil
}

// Validate reports the first problem that would stop the bot from starting.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		return ErrNoToken
	}
	if _, err := ParseDurationField("telegram.poll_timeout", cfg.Telegram.PollTimeout); err != nil {
		return err
	}
	if _, _, _, err := cfg.TimerSettings(); err != nil {
		return err
	}
	if lvl := strings.TrimSpace(cfg.Logging.Level); lvl != "" && !logx.ValidLevel(lvl) {
		return fmt.Errorf("logging.level: unknown level %q", lvl)
	}
	if cfg.Logging.File.Enabled && strings.TrimSpace(cfg.Logging.File.Path) == "" {
		return errors.New("logging.file.path is required when logging.file.enabled is true")
	}
	if s := cfg.Storage; s != nil {
		if !storage.KnownDriver(s.Driver) {
			return fmt.Errorf("storage.driver: unknown driver %q", s.Driver)
		}
		if _, err := ParseDurationField("storage.busy_timeout", s.BusyTimeout); err != nil {
			return err
		}
	}
	if c := cfg.Commands; c != nil {
		if c.Workers < 0 || c.QueueSize < 0 {
			return errors.New("commands.workers and commands.queue_size must be >= 0")
		}
		if _, err := ParseDurationField("commands.timeout", c.Timeout); err != nil {
			return err
		}
	}
	if te := cfg.TaskEngine; te != nil {
		if te.Workers < 0 {
			return fmt.Errorf("task_engine.workers must be >= 0")
		}
		if te.QueueSize < 0 {
			return fmt.Errorf("task_engine.queue_size must be >= 0")
		}
		if te.HistorySize < 0 {
			return fmt.Errorf("task_engine.history_size must be >= 0")
		}
		if te.RetryMax < 0 {
			return fmt.Errorf("task_engine.retry_max must be >= 0")
		}
		if _, err := ParseDurationField("task_engine.default_timeout", te.DefaultTimeout); err != nil {
			return err
		}
	}
	if n := cfg.Notifier; n != nil {
		if n.Workers < 0 || n.QueueSize < 0 || n.RatePerSec < 0 || n.RetryMax < 0 {
			return errors.New("notifier: workers, queue_size, rate_per_sec and retry_max must be >= 0")
		}
		for path, raw := range map[string]string{
			"notifier.retry_base":      n.RetryBase,
			"notifier.retry_max_delay": n.RetryMaxDelay,
			"notifier.send_timeout":    n.SendTimeout,
		} {
			if _, err := ParseDurationField(path, raw); err != nil {
				return err
			}
		}
	}
	if m := cfg.Maintenance; m != nil {
		if sched := strings.TrimSpace(m.Schedule); sched != "" && !strings.EqualFold(sched, MaintenanceOff) {
			if err := scheduler.ValidateSpec(sched); err != nil {
				return fmt.Errorf("maintenance.schedule: %w", err)
			}
		}
		if tz := strings.TrimSpace(m.Timezone); tz != "" {
			if _, err := time.LoadLocation(tz); err != nil {
				return fmt.Errorf("maintenance.timezone: %w", err)
			}
		}
		if _, err := ParseDurationField("maintenance.timeout", m.Timeout); err != nil {
			return err
		}
	}
	if o := cfg.Ops; o != nil && o.Enabled {
		if _, _, err := net.SplitHostPort(strings.TrimSpace(o.Addr)); o.Addr != "" && err != nil {
			return fmt.Errorf("ops.addr: %w", err)
		}
	}
	return nil
}
