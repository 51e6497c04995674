package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ParseDurationField parses an optional Go duration string at path.
// Empty means zero; negative values are rejected.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

// ParseDurationOrDefault is ParseDurationField with def for empty or zero.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}

// ParseMinutes parses a timer length: whole minutes, at least one, with def
// for empty. Timers have minute resolution, so "90s" is an error rather than
// being rounded.
func ParseMinutes(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationOrDefault(path, raw, def)
	if err != nil {
		return 0, err
	}
	if d < time.Minute {
		return 0, fmt.Errorf("%s: must be at least 1m, got %s", path, d)
	}
	if d%time.Minute != 0 {
		return 0, fmt.Errorf("%s: must be whole minutes, got %s", path, d)
	}
	return d, nil
}

// minutesOrDuration normalizes an env value: a bare integer counts minutes
// ("25" becomes "25m"), anything else must be a Go duration.
func minutesOrDuration(key, v string) (string, error) {
	if n, err := strconv.Atoi(v); err == nil {
		if n <= 0 {
			return "", fmt.Errorf("%s: must be a positive number of minutes, got %d", key, n)
		}
		return strconv.Itoa(n) + "m", nil
	}
	if _, err := ParseDurationField(key, v); err != nil {
		return "", err
	}
	return v, nil
}
