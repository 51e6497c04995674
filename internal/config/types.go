package config

type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Timer    TimerConfig    `json:"timer"`
	Logging  LoggingConfig  `json:"logging"`

	Storage *StorageConfig `json:"storage,omitempty"`

	// Commands controls the command dispatcher worker pool.
	Commands *CommandsConfig `json:"commands,omitempty"`

	// TaskEngine runs timer deadline actions.
	TaskEngine *TaskEngineConfig `json:"task_engine,omitempty"`

	Notifier *NotifierConfig `json:"notifier,omitempty"`

	// Maintenance schedules periodic storage housekeeping.
	Maintenance *MaintenanceConfig `json:"maintenance,omitempty"`

	// Ops enables the operator HTTP endpoints (/healthz, /status, pprof).
	Ops *OpsConfig `json:"ops,omitempty"`
}

type TelegramConfig struct {
	Token string `json:"token"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout,omitempty"`
}

// TimerConfig sets the cycle shape.
//
// Work and Rest are Go duration strings ("25m"). Both must be whole minutes of
// at least one minute. Repeat is a pointer so that an omitted key keeps the
// default (true).
type TimerConfig struct {
	Work   string `json:"work,omitempty"`
	Rest   string `json:"rest,omitempty"`
	Repeat *bool  `json:"repeat,omitempty"`
}

// StorageConfig selects the session store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/pomobot.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

type CommandsConfig struct {
	Workers   int    `json:"workers,omitempty"`
	QueueSize int    `json:"queue_size,omitempty"`
	Timeout   string `json:"timeout,omitempty"`
}

// TaskEngineConfig controls the executor for deadline actions.
//
// Defaults (when fields are omitted/zero):
//   - workers: 4
//   - queue_size: 256
//   - default_timeout: "30s"
//   - history_size: 200
//   - retry_max: 0 (deadline actions are not retried)
type TaskEngineConfig struct {
	Workers        int    `json:"workers,omitempty"`
	QueueSize      int    `json:"queue_size,omitempty"`
	DefaultTimeout string `json:"default_timeout,omitempty"`
	HistorySize    int    `json:"history_size,omitempty"`
	RetryMax       int    `json:"retry_max,omitempty"`
}

// NotifierConfig controls the async delivery pipeline.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type NotifierConfig struct {
	Workers       int    `json:"workers,omitempty"`
	QueueSize     int    `json:"queue_size,omitempty"`
	RatePerSec    int    `json:"rate_per_sec,omitempty"`
	RetryMax      int    `json:"retry_max,omitempty"`
	RetryBase     string `json:"retry_base,omitempty"`
	RetryMaxDelay string `json:"retry_max_delay,omitempty"`
	SendTimeout   string `json:"send_timeout,omitempty"`

	// MotivationImageURL is sent with the back-to-work message. Empty sends text only.
	MotivationImageURL string `json:"motivation_image_url,omitempty"`
}

// MaintenanceConfig schedules storage housekeeping.
//
// Schedule is a cron spec ("0 4 * * *") or descriptor ("@daily", "@every 12h").
// Empty means "@daily"; "off" disables it.
type MaintenanceConfig struct {
	Schedule string `json:"schedule,omitempty"`
	Timezone string `json:"timezone,omitempty"` // IANA TZ; empty means Local
	Timeout  string `json:"timeout,omitempty"`
}

// OpsConfig controls the operator HTTP server.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:6060").
//   - A non-loopback address needs a token or an explicit allow_insecure.
type OpsConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default: "127.0.0.1:6060"
	Token         string `json:"token,omitempty"` // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// Defaults returns the configuration used when no file is given.
func Defaults() *Config {
	repeat := true
	return &Config{
		Telegram: TelegramConfig{PollTimeout: "10s"},
		Timer:    TimerConfig{Work: "25m", Rest: "5m", Repeat: &repeat},
		Logging:  LoggingConfig{Level: "info", Console: true},
	}
}
