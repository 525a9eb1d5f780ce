package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds typed configuration for the queued service.
type Config struct {
	LogLevel     string
	HTTPPort     int
	MetricsAddr  string
	OTelEndpoint string

	DBDriver        string
	SQLitePath      string
	SQLiteBusyWait  time.Duration
	PostgresDSN     string
	PostgresLockTTL time.Duration

	WorkerEnabled bool
	EngineCommand []string
	BatchSize     int
	PollInterval  time.Duration
	ExecTimeout   time.Duration

	CleanupSchedule string
	CleanupMaxAge   time.Duration
	StuckMaxAge     time.Duration
	JanitorBackoff  time.Duration
}

// Load reads all values from the given viper instance.
func Load(v *viper.Viper) Config {
	return Config{
		LogLevel:     v.GetString("log_level"),
		HTTPPort:     v.GetInt("http_port"),
		MetricsAddr:  v.GetString("metrics_addr"),
		OTelEndpoint: v.GetString("otel_endpoint"),

		DBDriver:        v.GetString("db_driver"),
		SQLitePath:      v.GetString("sqlite_path"),
		SQLiteBusyWait:  v.GetDuration("sqlite_busy_timeout"),
		PostgresDSN:     v.GetString("postgres_dsn"),
		PostgresLockTTL: v.GetDuration("postgres_lock_timeout"),

		WorkerEnabled: v.GetBool("worker_enabled"),
		EngineCommand: v.GetStringSlice("engine_cmd"),
		BatchSize:     v.GetInt("batch_size"),
		PollInterval:  v.GetDuration("poll_interval"),
		ExecTimeout:   v.GetDuration("exec_timeout"),

		CleanupSchedule: v.GetString("cleanup_schedule"),
		CleanupMaxAge:   v.GetDuration("cleanup_max_age"),
		StuckMaxAge:     v.GetDuration("stuck_max_age"),
		JanitorBackoff:  v.GetDuration("janitor_backoff"),
	}
}

// Validate rejects combinations the service cannot start with.
func (c Config) Validate() error {
	switch c.DBDriver {
	case "sqlite":
		if c.SQLitePath == "" {
			return fmt.Errorf("sqlite_path is required when db_driver is sqlite")
		}
	case "postgres":
		if c.PostgresDSN == "" {
			return fmt.Errorf("postgres_dsn is required when db_driver is postgres")
		}
	default:
		return fmt.Errorf("unknown db_driver %q (want sqlite or postgres)", c.DBDriver)
	}
	if c.WorkerEnabled && len(c.EngineCommand) == 0 {
		return fmt.Errorf("engine_cmd is required when worker_enabled is true")
	}
	return nil
}
