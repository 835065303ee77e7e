// Package config loads the SQEW_* environment configuration, optionally
// layered over a YAML defaults file named by SQEW_CONFIG.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// EnvConfig holds all environment-driven settings. Nothing here is
// hot-updatable; the process restarts to pick up changes.
type EnvConfig struct {
	// Network / storage
	Bind   string
	DBPath string

	// Auth. Empty disables authentication.
	APIToken string

	// Adapter limits
	MaxBodyBytes          int64
	LongPollMaxWait       time.Duration
	RateLimitRPS          float64
	RateLimitBurst        int
	OverloadBusyThreshold float64

	// Background work
	ReapInterval    time.Duration
	CompactSchedule string

	// Stress-test knobs, read by the stress harness only.
	StressProducers   int
	StressConsumers   int
	StressConcurrency int
	StressTotal       int
	StressBatch       int
	StressVisMS       int
}

// env resolves a key from the process environment, falling back to the
// YAML defaults file when set.
type env struct {
	file map[string]string
}

func (e env) lookup(key string) (string, bool) {
	if v, ok := os.LookupEnv(key); ok {
		return v, true
	}
	v, ok := e.file[key]
	return v, ok
}

// Load reads and validates the configuration. All validation failures
// are collected and reported together.
func Load() (*EnvConfig, error) {
	e := env{}
	var errs []string

	if path := os.Getenv("SQEW_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read SQEW_CONFIG file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &e.file); err != nil {
			return nil, fmt.Errorf("parse SQEW_CONFIG file %s: %w", path, err)
		}
	}

	cfg := &EnvConfig{}
	cfg.Bind = strings.TrimSpace(e.str("SQEW_BIND", "127.0.0.1:7733"))
	cfg.DBPath = e.str("SQEW_DB_PATH", "sqew.db")
	cfg.APIToken = e.str("SQEW_API_TOKEN", "")

	cfg.MaxBodyBytes = int64(e.integer("SQEW_MAX_BODY_BYTES", 512<<10, &errs))
	cfg.LongPollMaxWait = e.duration("SQEW_LONG_POLL_MAX_WAIT", 20*time.Second, &errs)
	cfg.RateLimitRPS = e.float("SQEW_RATE_LIMIT_RPS", 0, &errs)
	cfg.RateLimitBurst = e.integer("SQEW_RATE_LIMIT_BURST", 100, &errs)
	cfg.OverloadBusyThreshold = e.float("SQEW_OVERLOAD_BUSY_THRESHOLD", 10, &errs)

	cfg.ReapInterval = e.duration("SQEW_REAP_INTERVAL", time.Second, &errs)
	cfg.CompactSchedule = e.str("SQEW_COMPACT_SCHEDULE", "0 4 * * *")

	cfg.StressProducers = e.integer("SQEW_STRESS_PRODUCERS", 0, &errs)
	cfg.StressConsumers = e.integer("SQEW_STRESS_CONSUMERS", 0, &errs)
	cfg.StressConcurrency = e.integer("SQEW_STRESS_CONCURRENCY", 32, &errs)
	cfg.StressTotal = e.integer("SQEW_STRESS_TOTAL", 1000, &errs)
	cfg.StressBatch = e.integer("SQEW_STRESS_BATCH", 16, &errs)
	cfg.StressVisMS = e.integer("SQEW_STRESS_VIS_MS", 5000, &errs)

	if cfg.Bind == "" {
		errs = append(errs, "SQEW_BIND must not be empty")
	}
	if cfg.DBPath == "" {
		errs = append(errs, "SQEW_DB_PATH must not be empty")
	}
	if cfg.MaxBodyBytes <= 0 {
		errs = append(errs, "SQEW_MAX_BODY_BYTES must be positive")
	}
	if cfg.LongPollMaxWait <= 0 {
		errs = append(errs, "SQEW_LONG_POLL_MAX_WAIT must be positive")
	}
	if cfg.RateLimitRPS < 0 {
		errs = append(errs, "SQEW_RATE_LIMIT_RPS must not be negative")
	}
	if cfg.RateLimitBurst <= 0 {
		errs = append(errs, "SQEW_RATE_LIMIT_BURST must be positive")
	}
	if cfg.OverloadBusyThreshold < 0 {
		errs = append(errs, "SQEW_OVERLOAD_BUSY_THRESHOLD must not be negative")
	}
	if cfg.ReapInterval <= 0 {
		errs = append(errs, "SQEW_REAP_INTERVAL must be positive")
	}
	if _, err := cron.ParseStandard(cfg.CompactSchedule); err != nil {
		errs = append(errs, fmt.Sprintf("SQEW_COMPACT_SCHEDULE: invalid cron expression %q: %v", cfg.CompactSchedule, err))
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("config validation failed:\n  %s", strings.Join(errs, "\n  "))
	}
	return cfg, nil
}

// --- helpers ---

func (e env) str(key, defaultVal string) string {
	if v, ok := e.lookup(key); ok {
		return v
	}
	return defaultVal
}

func (e env) integer(key string, defaultVal int, errs *[]string) int {
	v, ok := e.lookup(key)
	if !ok || v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid integer %q", key, v))
		return defaultVal
	}
	return n
}

func (e env) float(key string, defaultVal float64, errs *[]string) float64 {
	v, ok := e.lookup(key)
	if !ok || v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid number %q", key, v))
		return defaultVal
	}
	return f
}

func (e env) duration(key string, defaultVal time.Duration, errs *[]string) time.Duration {
	v, ok := e.lookup(key)
	if !ok || v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid duration %q", key, v))
		return defaultVal
	}
	return d
}
