package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Environment keys read on every Parse. Set values win over the config file.
const (
	EnvToken         = "BOT_API_TOKEN"
	EnvWorkDuration  = "WORK_DURATION"
	EnvRestDuration  = "REST_DURATION"
	EnvRepeat        = "POMO_REPEAT"
	EnvStorageDriver = "STORAGE_DRIVER"
	EnvStoragePath   = "STORAGE_PATH"
	EnvDBURL         = "DB_URL"
	EnvLogLevel      = "LOG_LEVEL"
	EnvMotivationURL = "MOTIVATION_IMAGE_URL"
)

// LoadEnvFile loads KEY=VALUE pairs from path into the process environment.
// Variables already set are kept. A missing file is not an error.
func LoadEnvFile(path string) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overlays environment values onto cfg.
func ApplyEnv(cfg *Config, getenv func(string) string) error {
	if getenv == nil {
		getenv = os.Getenv
	}
	get := func(k string) string { return strings.TrimSpace(getenv(k)) }

	if v := get(EnvToken); v != "" {
		cfg.Telegram.Token = v
	}
	if v := get(EnvWorkDuration); v != "" {
		d, err := minutesOrDuration(EnvWorkDuration, v)
		if err != nil {
			return err
		}
		cfg.Timer.Work = d
	}
	if v := get(EnvRestDuration); v != "" {
		d, err := minutesOrDuration(EnvRestDuration, v)
		if err != nil {
			return err
		}
		cfg.Timer.Rest = d
	}
	if v := get(EnvRepeat); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%s: invalid bool %q", EnvRepeat, v)
		}
		cfg.Timer.Repeat = &b
	}

	driver, path := get(EnvStorageDriver), get(EnvStoragePath)
	if dbURL := get(EnvDBURL); dbURL != "" {
		if driver == "" {
			driver = "sqlite"
		}
		p, err := sqlitePathFromURL(dbURL)
		if err != nil {
			return err
		}
		if path == "" {
			path = p
		}
	}
	if driver != "" || path != "" {
		if cfg.Storage == nil {
			cfg.Storage = &StorageConfig{}
		}
		if driver != "" {
			cfg.Storage.Driver = driver
		}
		if path != "" {
			cfg.Storage.Path = path
		}
	}

	if v := get(EnvLogLevel); v != "" {
		cfg.Logging.Level = v
	}
	if v := get(EnvMotivationURL); v != "" {
		if cfg.Notifier == nil {
			cfg.Notifier = &NotifierConfig{}
		}
		cfg.Notifier.MotivationImageURL = v
	}
	return nil
}

// sqlitePathFromURL accepts the sqlite forms DB_URL may carry
// ("jdbc:sqlite:", "sqlite://", "sqlite:", "file:" or a bare path) and
// rejects URLs for any other database.
func sqlitePathFromURL(u string) (string, error) {
	raw := strings.TrimSpace(u)
	rest, matched := raw, false
	for _, p := range []string{"jdbc:sqlite:", "sqlite://", "sqlite:", "file:"} {
		if strings.HasPrefix(strings.ToLower(raw), p) {
			rest, matched = raw[len(p):], true
			break
		}
	}
	if !matched {
		if scheme, ok := urlScheme(raw); ok {
			return "", fmt.Errorf("%s: %q is not a sqlite URL (scheme %q); only sqlite is supported", EnvDBURL, raw, scheme)
		}
	}
	if i := strings.IndexByte(rest, '?'); i >= 0 {
		rest = rest[:i]
	}
	if strings.TrimSpace(rest) == "" {
		return "", fmt.Errorf("%s: %q has no database path", EnvDBURL, raw)
	}
	return rest, nil
}

// urlScheme reports a leading "scheme:" of two or more characters, so that
// Windows drive letters ("C:\\db") still read as paths.
func urlScheme(s string) (string, bool) {
	i := strings.IndexByte(s, ':')
	if i < 2 {
		return "", false
	}
	for j, r := range s[:i] {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case j > 0 && (r >= '0' && r <= '9' || r == '+' || r == '-' || r == '.'):
		default:
			return "", false
		}
	}
	return strings.ToLower(s[:i]), true
}
