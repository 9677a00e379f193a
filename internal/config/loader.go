package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is the path checked for YAML configuration.
const DefaultConfigFile = "missioncore.yaml"

// Load returns a Config using the hierarchy: defaults < YAML < ENV.
// YAML file is optional; missing file is not an error.
func Load() (*Config, error) {
	return LoadFrom(DefaultConfigFile)
}

// LoadFrom returns a Config loaded from the given YAML path using the
// hierarchy: defaults < YAML < ENV. The YAML file is optional.
func LoadFrom(yamlPath string) (*Config, error) {
	cfg := Defaults()

	if err := loadYAML(&cfg, yamlPath); err != nil {
		return nil, fmt.Errorf("config yaml: %w", err)
	}

	loadEnv(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validate: %w", err)
	}

	return &cfg, nil
}

// loadYAML reads the YAML file and unmarshals it over cfg.
// Returns nil if the file does not exist.
func loadYAML(cfg *Config, path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path is validated by caller
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	return nil
}

// loadEnv overlays environment variables onto cfg.
// Only non-empty env values override the current config.
func loadEnv(cfg *Config) {
	setString(&cfg.Postgres.DSN, "DATABASE_URL")
	setInt32(&cfg.Postgres.MaxConns, "MISSIONCORE_PG_MAX_CONNS")
	setInt32(&cfg.Postgres.MinConns, "MISSIONCORE_PG_MIN_CONNS")
	setDuration(&cfg.Postgres.MaxConnLifetime, "MISSIONCORE_PG_MAX_CONN_LIFETIME")
	setDuration(&cfg.Postgres.MaxConnIdleTime, "MISSIONCORE_PG_MAX_CONN_IDLE_TIME")
	setString(&cfg.NATS.URL, "NATS_URL")
	setInt64(&cfg.NATS.EventMaxEntries, "MISSIONCORE_EVENT_MAX_ENTRIES")
	setDuration(&cfg.NATS.EventMaxAge, "MISSIONCORE_EVENT_MAX_AGE")
	setString(&cfg.Logging.Level, "MISSIONCORE_LOG_LEVEL")
	setString(&cfg.Logging.Service, "MISSIONCORE_LOG_SERVICE")
	setInt(&cfg.Breaker.MaxFailures, "MISSIONCORE_BREAKER_MAX_FAILURES")
	setDuration(&cfg.Breaker.Timeout, "MISSIONCORE_BREAKER_TIMEOUT")
	setInt(&cfg.Coordinator.ReadBatch, "MISSIONCORE_COORD_READ_BATCH")
	setDuration(&cfg.Coordinator.BlockTimeout, "MISSIONCORE_COORD_BLOCK_TIMEOUT")
	setBool(&cfg.Coordinator.FailFast, "MISSIONCORE_COORD_FAIL_FAST")
	setString(&cfg.Worker.Group, "MISSIONCORE_WORKER_GROUP")
	setInt(&cfg.Worker.Concurrency, "MISSIONCORE_WORKER_CONCURRENCY")
	setDuration(&cfg.Worker.Visibility, "MISSIONCORE_WORKER_VISIBILITY")
	setInt(&cfg.Retry.MaxAttempts, "MISSIONCORE_RETRY_MAX_ATTEMPTS")
	setDuration(&cfg.Retry.BaseDelay, "MISSIONCORE_RETRY_BASE_DELAY")
	setBool(&cfg.Telemetry.Enabled, "MISSIONCORE_TELEMETRY_ENABLED")
	setString(&cfg.Telemetry.Endpoint, "MISSIONCORE_TELEMETRY_ENDPOINT")
}

// validate checks that required fields are set.
func validate(cfg *Config) error {
	if cfg.Postgres.DSN == "" {
		return errors.New("postgres.dsn is required")
	}
	if cfg.NATS.URL == "" {
		return errors.New("nats.url is required")
	}
	if cfg.Postgres.MaxConns < 1 {
		return errors.New("postgres.max_conns must be >= 1")
	}
	if cfg.Breaker.MaxFailures < 1 {
		return errors.New("breaker.max_failures must be >= 1")
	}
	if cfg.Worker.Concurrency < 1 {
		return errors.New("worker.concurrency must be >= 1")
	}
	if cfg.Worker.Visibility <= 0 {
		return errors.New("worker.visibility must be positive")
	}
	if cfg.Retry.MaxAttempts < 1 {
		return errors.New("retry.max_attempts must be >= 1")
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt32(dst *int32, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 32); err == nil {
			*dst = int32(n)
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
