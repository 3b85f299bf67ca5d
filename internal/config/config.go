package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config holds the core runtime configuration for the service.
// Values are sourced from environment variables (optionally via a .env
// file), with sensible defaults where appropriate.
type Config struct {
	Env        string `envconfig:"APP_ENV" default:"development"`
	LogLevel   string `envconfig:"APP_LOG_LEVEL" default:"info"`
	ListenAddr string `envconfig:"APP_LISTEN_ADDR" default:":8080"`

	// DatabaseURL is a postgres:// URL. When empty, storage is disabled:
	// the collector becomes a no-op and storage-backed endpoints answer 503.
	DatabaseURL string `envconfig:"APP_DATABASE_URL"`

	// RawRetention is how long full-fidelity records stay in the raw tables
	// before the daily job rolls them into hourly summaries.
	RawRetention time.Duration `envconfig:"APP_RAW_RETENTION" default:"168h"`
	// SummaryRetention is the total retention of the aggregated tier,
	// inclusive of the window it overlaps with raw data.
	SummaryRetention time.Duration `envconfig:"APP_SUMMARY_RETENTION" default:"2160h"`

	CollectorExclude      []string      `envconfig:"APP_COLLECTOR_EXCLUDE" default:"/healthz,/readyz,/metrics,/internal/,/admin/system/"`
	CollectorQueue        int           `envconfig:"APP_COLLECTOR_QUEUE" default:"1024"`
	CollectorWorkers      int           `envconfig:"APP_COLLECTOR_WORKERS" default:"4"`
	CollectorWriteTimeout time.Duration `envconfig:"APP_COLLECTOR_WRITE_TIMEOUT" default:"2s"`

	MaxBatchEvents   int `envconfig:"APP_MAX_BATCH_EVENTS" default:"1000"`
	MaxMetadataBytes int `envconfig:"APP_MAX_METADATA_BYTES" default:"4096"`

	AdminUsers    []string      `envconfig:"APP_ADMIN_USERS" default:"admin"`
	AdminCacheTTL time.Duration `envconfig:"APP_ADMIN_CACHE_TTL" default:"5m"`

	JobTimeout       time.Duration `envconfig:"APP_JOB_TIMEOUT" default:"30m"`
	SchedulerEnabled bool          `envconfig:"APP_SCHEDULER_ENABLED" default:"false"`
	AggregationHour  int           `envconfig:"APP_AGGREGATION_HOUR" default:"3"`

	// CapacityCeiling is the total row count across the raw and aggregated
	// tables past which the job escalates to an alert and exits non-zero.
	CapacityCeiling int64 `envconfig:"APP_CAPACITY_CEILING" default:"10000000"`
	// CapacityGrowthThreshold is the fractional growth since the previous run
	// that triggers an emergency rollup once the ceiling is breached.
	CapacityGrowthThreshold float64       `envconfig:"APP_CAPACITY_GROWTH_THRESHOLD" default:"0.25"`
	EmergencyHorizon        time.Duration `envconfig:"APP_EMERGENCY_HORIZON" default:"24h"`

	// LockBackend selects the advisory lock implementation: postgres, redis,
	// local or auto.
	LockBackend   string `envconfig:"APP_LOCK_BACKEND" default:"auto"`
	RedisAddr     string `envconfig:"APP_REDIS_ADDR"`
	RedisPassword string `envconfig:"APP_REDIS_PASSWORD"`
	RedisDB       int    `envconfig:"APP_REDIS_DB" default:"0"`
}

// Load reads configuration from the environment (after loading .env, if
// present) and validates it.
func Load() (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("process env config: %w", err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) normalize() {
	c.DatabaseURL = strings.TrimSpace(c.DatabaseURL)
	c.LockBackend = strings.ToLower(strings.TrimSpace(c.LockBackend))
	c.CollectorExclude = trimAll(c.CollectorExclude)
	c.AdminUsers = trimAll(c.AdminUsers)
}

// Validate rejects configurations the pipeline cannot honour.
func (c *Config) Validate() error {
	if c.RawRetention <= 0 {
		return errors.New("APP_RAW_RETENTION must be positive")
	}
	if c.SummaryRetention <= c.RawRetention {
		return errors.New("APP_SUMMARY_RETENTION must be longer than APP_RAW_RETENTION")
	}
	if c.CapacityCeiling <= 0 {
		return errors.New("APP_CAPACITY_CEILING must be positive")
	}
	if c.AggregationHour < 0 || c.AggregationHour > 23 {
		return fmt.Errorf("APP_AGGREGATION_HOUR must be within 0..23, got %d", c.AggregationHour)
	}
	if c.MaxBatchEvents <= 0 {
		return errors.New("APP_MAX_BATCH_EVENTS must be positive")
	}
	if c.JobTimeout <= 0 {
		return errors.New("APP_JOB_TIMEOUT must be positive")
	}
	switch c.LockBackend {
	case "auto", "postgres", "local":
	case "redis":
		if c.RedisAddr == "" {
			return errors.New("APP_REDIS_ADDR is required when APP_LOCK_BACKEND=redis")
		}
	default:
		return fmt.Errorf("unknown APP_LOCK_BACKEND %q", c.LockBackend)
	}
	return nil
}

// StorageEnabled reports whether a database has been configured.
func (c *Config) StorageEnabled() bool {
	return c.DatabaseURL != ""
}

func trimAll(in []string) []string {
	out := in[:0]
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
