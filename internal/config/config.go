// Package config loads and validates application configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"
)

// Config holds all application configuration.
type Config struct {
	// Database settings. An empty URL selects in-memory stores and ledger.
	DatabaseURL  string
	DBMaxConns   int
	DBMigrateOff bool // Skip migrations at startup.

	// Worker pool settings.
	WorkerPoolSize  int
	WorkerQueueSize int
	TaskTimeout     time.Duration // Hard ceiling for one collection task.

	// Orchestrator settings.
	TaskStallTimeout time.Duration // A started task without an update for this long is reaped. At least TaskTimeout.
	ReapInterval     time.Duration

	// Health monitor settings.
	HealthInterval     time.Duration
	HealthCheckTimeout time.Duration
	HealthConcurrency  int
	HealthDispatchRate float64 // Checks dispatched per second.

	// Event bus settings.
	EventRetention        time.Duration
	EventMaxPerRun        int
	EventSubscriberBuffer int

	// OTEL settings.
	OTELEndpoint string
	OTELInsecure bool
	ServiceName  string

	// Operational settings.
	LogLevel          string
	ShutdownTimeout   time.Duration
	ReservationMaxAge time.Duration // Finalized reservations older than this are pruned.
}

// Load reads configuration from environment variables with sensible defaults.
// Every malformed variable is reported, not just the first.
func Load() (Config, error) {
	var errs []error
	num := func(key string, def int) int {
		v, err := envInt(key, def)
		errs = append(errs, err)
		return v
	}
	dur := func(key string, def time.Duration) time.Duration {
		v, err := envDuration(key, def)
		errs = append(errs, err)
		return v
	}
	flt := func(key string, def float64) float64 {
		v, err := envFloat(key, def)
		errs = append(errs, err)
		return v
	}
	flag := func(key string, def bool) bool {
		v, err := envBool(key, def)
		errs = append(errs, err)
		return v
	}

	cfg := Config{
		DatabaseURL:           envStr("ATSUME_DATABASE_URL", ""),
		DBMaxConns:            num("ATSUME_DB_MAX_CONNS", 10),
		DBMigrateOff:          flag("ATSUME_DB_SKIP_MIGRATIONS", false),
		WorkerPoolSize:        num("ATSUME_WORKER_POOL_SIZE", 8),
		WorkerQueueSize:       num("ATSUME_WORKER_QUEUE_SIZE", 256),
		TaskTimeout:           dur("ATSUME_TASK_TIMEOUT", 15*time.Minute),
		TaskStallTimeout:      dur("ATSUME_TASK_STALL_TIMEOUT", 20*time.Minute),
		ReapInterval:          dur("ATSUME_REAP_INTERVAL", 30*time.Second),
		HealthInterval:        dur("ATSUME_HEALTH_INTERVAL", 15*time.Minute),
		HealthCheckTimeout:    dur("ATSUME_HEALTH_CHECK_TIMEOUT", 30*time.Second),
		HealthConcurrency:     num("ATSUME_HEALTH_CONCURRENCY", 4),
		HealthDispatchRate:    flt("ATSUME_HEALTH_DISPATCH_RATE", 5),
		EventRetention:        dur("ATSUME_EVENT_RETENTION", time.Hour),
		EventMaxPerRun:        num("ATSUME_EVENT_MAX_PER_RUN", 1000),
		EventSubscriberBuffer: num("ATSUME_EVENT_SUBSCRIBER_BUFFER", 64),
		OTELEndpoint:          envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		OTELInsecure:          flag("ATSUME_OTEL_INSECURE", false),
		ServiceName:           envStr("OTEL_SERVICE_NAME", "atsume"),
		LogLevel:              envStr("ATSUME_LOG_LEVEL", "info"),
		ShutdownTimeout:       dur("ATSUME_SHUTDOWN_TIMEOUT", 30*time.Second),
		ReservationMaxAge:     dur("ATSUME_RESERVATION_MAX_AGE", 30*24*time.Hour),
	}

	if err := errors.Join(errs...); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that values are in range.
func (c Config) Validate() error {
	var errs []error
	positive := func(name string, ok bool) {
		if !ok {
			errs = append(errs, fmt.Errorf("config: %s must be positive", name))
		}
	}
	positive("ATSUME_WORKER_POOL_SIZE", c.WorkerPoolSize > 0)
	positive("ATSUME_DB_MAX_CONNS", c.DBMaxConns > 0)
	positive("ATSUME_TASK_STALL_TIMEOUT", c.TaskStallTimeout > 0)
	positive("ATSUME_REAP_INTERVAL", c.ReapInterval > 0)
	positive("ATSUME_HEALTH_INTERVAL", c.HealthInterval > 0)
	positive("ATSUME_HEALTH_CHECK_TIMEOUT", c.HealthCheckTimeout > 0)
	positive("ATSUME_HEALTH_CONCURRENCY", c.HealthConcurrency > 0)
	positive("ATSUME_HEALTH_DISPATCH_RATE", c.HealthDispatchRate > 0)
	positive("ATSUME_EVENT_RETENTION", c.EventRetention > 0)
	positive("ATSUME_EVENT_MAX_PER_RUN", c.EventMaxPerRun > 0)
	positive("ATSUME_EVENT_SUBSCRIBER_BUFFER", c.EventSubscriberBuffer > 0)
	positive("ATSUME_SHUTDOWN_TIMEOUT", c.ShutdownTimeout > 0)
	if c.WorkerQueueSize < 0 {
		errs = append(errs, fmt.Errorf("config: ATSUME_WORKER_QUEUE_SIZE must not be negative"))
	}
	if c.TaskTimeout < 0 {
		errs = append(errs, fmt.Errorf("config: ATSUME_TASK_TIMEOUT must not be negative"))
	}
	if c.TaskTimeout > 0 && c.TaskStallTimeout < c.TaskTimeout {
		errs = append(errs, fmt.Errorf("config: ATSUME_TASK_STALL_TIMEOUT (%s) must not be below ATSUME_TASK_TIMEOUT (%s)",
			c.TaskStallTimeout, c.TaskTimeout))
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("config: ATSUME_LOG_LEVEL=%q is not one of debug, info, warn, error", c.LogLevel))
	}
	return errors.Join(errs...)
}

// SlogLevel maps LogLevel to a slog level. Validate has already rejected
// anything else.
func (c Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid integer", key, v)
	}
	return n, nil
}

func envFloat(key string, defaultVal float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid number", key, v)
	}
	return f, nil
}

func envBool(key string, defaultVal bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid boolean", key, v)
	}
	return b, nil
}

func envDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid duration", key, v)
	}
	return d, nil
}
