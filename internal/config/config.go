// Package config loads query-index configuration from environment variables,
// an optional .env file, and an optional YAML overlay.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DatabaseConfig controls the Postgres connection backing every store.
type DatabaseConfig struct {
	DSN             string `json:"dsn" env:"QUERYINDEX_DATABASE_DSN"`
	MaxOpenConns    int    `json:"max_open_conns" env:"QUERYINDEX_DATABASE_MAX_OPEN_CONNS"`
	MaxIdleConns    int    `json:"max_idle_conns" env:"QUERYINDEX_DATABASE_MAX_IDLE_CONNS"`
	ConnMaxLifeSecs int    `json:"conn_max_lifetime_secs" env:"QUERYINDEX_DATABASE_CONN_MAX_LIFETIME"`
	AutoMigrate     bool   `json:"auto_migrate" env:"QUERYINDEX_DATABASE_AUTO_MIGRATE"`
}

// LoggingConfig controls the shared logger.
type LoggingConfig struct {
	Level      string `json:"level" env:"LOG_LEVEL"`
	Format     string `json:"format" env:"LOG_FORMAT"`
	Output     string `json:"output" env:"LOG_OUTPUT"`
	FilePrefix string `json:"file_prefix" env:"LOG_FILE_PREFIX"`
}

// TunablesConfig carries the environment tunables named in spec.md §6.
type TunablesConfig struct {
	CoverageCacheMs          int  `json:"coverage_cache_ms" env:"QUERY_INDEX_COVERAGE_CACHE_MS"`
	CustomFieldKeysCacheMs   int  `json:"cf_keys_cache_ms" env:"QUERY_INDEX_CF_KEYS_CACHE_MS"`
	CoverageStaleMs          int  `json:"coverage_stale_ms" env:"COVERAGE_STALE_MS"`
	HeartbeatStaleMs         int  `json:"heartbeat_stale_ms" env:"HEARTBEAT_STALE_MS"`
	CoverageRefreshThrottle  int  `json:"coverage_refresh_throttle_ms" env:"COVERAGE_REFRESH_THROTTLE_MS"`
	ForceOnPartialIndexes    bool `json:"force_query_index_on_partial_indexes" env:"FORCE_QUERY_INDEX_ON_PARTIAL_INDEXES"`
	ScheduleAutoReindex      bool `json:"schedule_auto_reindex" env:"SCHEDULE_AUTO_REINDEX"`
	OptimizeIndexCoverage    bool `json:"optimize_index_coverage_stats" env:"OPTIMIZE_INDEX_COVERAGE_STATS"`
	DefaultPartitionCount    int  `json:"default_partition_count" env:"QUERY_INDEX_DEFAULT_PARTITION_COUNT"`
	DefaultBatchSize         int  `json:"default_batch_size" env:"QUERY_INDEX_DEFAULT_BATCH_SIZE"`
}

// Config is the top-level configuration for the query-index worker.
type Config struct {
	Database DatabaseConfig `json:"database"`
	Logging  LoggingConfig  `json:"logging"`
	Tunables TunablesConfig `json:"tunables"`
	CronSpec string         `json:"coverage_refresh_cron" env:"QUERY_INDEX_COVERAGE_REFRESH_CRON"`
}

// New returns a Config populated with the defaults named throughout spec.md.
func New() *Config {
	return &Config{
		Database: DatabaseConfig{
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifeSecs: 300,
			AutoMigrate:     true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
		Tunables: TunablesConfig{
			CoverageCacheMs:         300000,
			CustomFieldKeysCacheMs:  300000,
			CoverageStaleMs:         60000,
			HeartbeatStaleMs:        60000,
			CoverageRefreshThrottle: 300000,
			ForceOnPartialIndexes:   true,
			ScheduleAutoReindex:     true,
			OptimizeIndexCoverage:   false,
			DefaultPartitionCount:   1,
			DefaultBatchSize:        500,
		},
		CronSpec: "*/1 * * * *",
	}
}

// CoverageStale returns the configured staleness window as a duration.
func (t TunablesConfig) CoverageStale() time.Duration {
	return time.Duration(t.CoverageStaleMs) * time.Millisecond
}

// HeartbeatStale returns the configured heartbeat staleness window.
func (t TunablesConfig) HeartbeatStale() time.Duration {
	return time.Duration(t.HeartbeatStaleMs) * time.Millisecond
}

// RefreshThrottle returns the configured coverage-reset throttle window.
func (t TunablesConfig) RefreshThrottle() time.Duration {
	return time.Duration(t.CoverageRefreshThrottle) * time.Millisecond
}

// Load loads configuration from an optional .env file, an optional YAML
// overlay pointed to by CONFIG_FILE, and environment variables (highest
// precedence).
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := New()

	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		if err := loadFromFile(path, cfg); err != nil {
			return nil, err
		}
	}

	if err := envdecode.Decode(cfg); err != nil && err != envdecode.ErrNoTargetFieldsAreSet {
		return nil, fmt.Errorf("decode environment: %w", err)
	}

	return cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	return nil
}
