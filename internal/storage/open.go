package storage

import (
	"fmt"
	"strings"

	logx "pomobot/pkg/logx"
)

const DefaultDriver = "file"

// Open initializes the configured store. An empty driver selects the file backend.
func Open(cfg Config, log logx.Logger) (SessionStore, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" {
		driver = DefaultDriver
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "storage"), logx.String("driver", driver))

	switch driver {
	case "file", "csv":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownDriver, driver)
	}
}

// KnownDriver reports whether Open accepts d.
func KnownDriver(d string) bool {
	switch strings.ToLower(strings.TrimSpace(d)) {
	case "", "file", "csv", "sqlite", "sqlite3":
		return true
	}
	return false
}
