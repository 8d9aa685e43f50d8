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
const DefaultConfigFile = "conductor.yaml"

// Load returns a Config using the hierarchy: defaults < YAML < ENV.
// The YAML file is optional; a missing file is not an error.
func Load() (*Config, error) {
	return LoadFrom(DefaultConfigFile)
}

// LoadFrom returns a Config loaded from the given YAML path using the
// hierarchy: defaults < YAML < ENV.
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
	data, err := os.ReadFile(path)
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
	setString(&cfg.Server.Port, "CONDUCTOR_PORT")
	setString(&cfg.Postgres.DSN, "DATABASE_URL")
	setInt32(&cfg.Postgres.MaxConns, "CONDUCTOR_PG_MAX_CONNS")
	setInt32(&cfg.Postgres.MinConns, "CONDUCTOR_PG_MIN_CONNS")
	setDuration(&cfg.Postgres.MaxConnLifetime, "CONDUCTOR_PG_MAX_CONN_LIFETIME")
	setDuration(&cfg.Postgres.MaxConnIdleTime, "CONDUCTOR_PG_MAX_CONN_IDLE_TIME")
	setDuration(&cfg.Postgres.HealthCheck, "CONDUCTOR_PG_HEALTH_CHECK")
	setString(&cfg.NATS.URL, "NATS_URL")
	setString(&cfg.Logging.Level, "CONDUCTOR_LOG_LEVEL")
	setString(&cfg.Logging.Service, "CONDUCTOR_LOG_SERVICE")
	setInt(&cfg.Breaker.MaxFailures, "CONDUCTOR_BREAKER_MAX_FAILURES")
	setDuration(&cfg.Breaker.Timeout, "CONDUCTOR_BREAKER_TIMEOUT")
	setString(&cfg.Worker.Identity, "CONDUCTOR_WORKER_IDENTITY")
	setDuration(&cfg.Worker.PollInterval, "CONDUCTOR_POLL_INTERVAL")
	setInt(&cfg.Worker.ReconcileBatch, "CONDUCTOR_RECONCILE_BATCH")
	setInt(&cfg.Worker.MemoryContext, "CONDUCTOR_MEMORY_CONTEXT")
	setDuration(&cfg.Worker.GrantDuration, "CONDUCTOR_GRANT_DURATION")
	setString(&cfg.Worker.DefaultAgent, "CONDUCTOR_DEFAULT_AGENT")
	setDuration(&cfg.Trigger.Interval, "CONDUCTOR_TRIGGER_INTERVAL")
	setDuration(&cfg.Trigger.Deadline, "CONDUCTOR_TRIGGER_DEADLINE")
	setDuration(&cfg.Recovery.Interval, "CONDUCTOR_RECOVERY_INTERVAL")
	setDuration(&cfg.Recovery.StaleAfter, "CONDUCTOR_RECOVERY_STALE_AFTER")
	setInt(&cfg.Recovery.BatchSize, "CONDUCTOR_RECOVERY_BATCH")
	setString(&cfg.Notify.WebhookURL, "CONDUCTOR_WEBHOOK_URL")
	setBool(&cfg.Metrics.Enabled, "CONDUCTOR_METRICS_ENABLED")
	setString(&cfg.Metrics.Endpoint, "CONDUCTOR_METRICS_ENDPOINT")
	setDuration(&cfg.Metrics.Interval, "CONDUCTOR_METRICS_INTERVAL")
}

// validate checks that required fields are set.
func validate(cfg *Config) error {
	if cfg.Server.Port == "" {
		return errors.New("server.port is required")
	}
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
	if cfg.Worker.PollInterval <= 0 {
		return errors.New("worker.poll_interval must be positive")
	}
	if cfg.Recovery.StaleAfter <= 0 {
		return errors.New("recovery.stale_after must be positive")
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
