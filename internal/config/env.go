package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

func lookup(key string) (string, bool) {
	raw, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return "", false
	}
	return strings.TrimSpace(raw), true
}

func envString(key string, target *string) {
	if v, ok := lookup(key); ok {
		*target = v
	}
}

func envInt(key string, target *int) {
	if v, ok := lookup(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			*target = n
		}
	}
}

func envInt64(key string, target *int64) {
	if v, ok := lookup(key); ok {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*target = n
		}
	}
}

func envBool(key string, target *bool) {
	if v, ok := lookup(key); ok {
		*target = ParseBoolString(v, *target)
	}
}

// envDuration accepts Go durations ("30s") or bare milliseconds.
func envDuration(key string, target *time.Duration) {
	v, ok := lookup(key)
	if !ok {
		return
	}
	if d, err := time.ParseDuration(v); err == nil {
		*target = d
		return
	}
	if ms, err := strconv.Atoi(v); err == nil {
		*target = time.Duration(ms) * time.Millisecond
	}
}

func envList(key string, target *[]string) {
	v, ok := lookup(key)
	if !ok {
		return
	}
	out := make([]string, 0)
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	*target = out
}

func ParseBoolString(raw string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}
