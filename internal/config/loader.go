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
const DefaultConfigFile = "convoke.yaml"

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
	setString(&cfg.Server.Port, "CONVOKE_PORT")
	setString(&cfg.Postgres.DSN, "DATABASE_URL")
	setInt32(&cfg.Postgres.MaxConns, "CONVOKE_PG_MAX_CONNS")
	setInt32(&cfg.Postgres.MinConns, "CONVOKE_PG_MIN_CONNS")
	setDuration(&cfg.Postgres.MaxConnLifetime, "CONVOKE_PG_MAX_CONN_LIFETIME")
	setDuration(&cfg.Postgres.MaxConnIdleTime, "CONVOKE_PG_MAX_CONN_IDLE_TIME")
	setDuration(&cfg.Postgres.HealthCheck, "CONVOKE_PG_HEALTH_CHECK")
	setString(&cfg.NATS.URL, "NATS_URL")
	setInt(&cfg.NATS.MaxAckPending, "CONVOKE_NATS_MAX_ACK_PENDING")
	setString(&cfg.Logging.Level, "CONVOKE_LOG_LEVEL")
	setString(&cfg.Logging.Service, "CONVOKE_LOG_SERVICE")
	setBool(&cfg.Otel.Enabled, "CONVOKE_OTEL_ENABLED")
	setString(&cfg.Otel.Endpoint, "CONVOKE_OTEL_ENDPOINT")
	setInt64(&cfg.Cache.L1MaxSizeMB, "CONVOKE_CACHE_L1_SIZE_MB")
	setString(&cfg.Cache.L2Bucket, "CONVOKE_CACHE_L2_BUCKET")
	setDuration(&cfg.Cache.TTL, "CONVOKE_CACHE_TTL")
	setInt(&cfg.Registry.FailureThreshold, "CONVOKE_REGISTRY_FAILURE_THRESHOLD")
	setDuration(&cfg.Registry.BaseCooldown, "CONVOKE_REGISTRY_BASE_COOLDOWN")
	setDuration(&cfg.Registry.MaxCooldown, "CONVOKE_REGISTRY_MAX_COOLDOWN")
	setDuration(&cfg.Registry.HeartbeatTimeout, "CONVOKE_REGISTRY_HEARTBEAT_TIMEOUT")
	setDuration(&cfg.Orchestrator.SweepInterval, "CONVOKE_ORCH_SWEEP_INTERVAL")
	setDuration(&cfg.Orchestrator.EpochInterval, "CONVOKE_ORCH_EPOCH_INTERVAL")
	setInt(&cfg.Orchestrator.DefaultMaxRetries, "CONVOKE_ORCH_DEFAULT_MAX_RETRIES")
	setDuration(&cfg.Orchestrator.DefaultTaskTimeout, "CONVOKE_ORCH_DEFAULT_TASK_TIMEOUT")
	setInt(&cfg.Orchestrator.WorkerPoolSize, "CONVOKE_ORCH_WORKER_POOL_SIZE")
	setDuration(&cfg.Consensus.SweepInterval, "CONVOKE_CONSENSUS_SWEEP_INTERVAL")
	setDuration(&cfg.Consensus.DefaultDeadline, "CONVOKE_CONSENSUS_DEFAULT_DEADLINE")
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
	if cfg.Registry.FailureThreshold < 1 {
		return errors.New("registry.failure_threshold must be >= 1")
	}
	if cfg.Registry.MaxCooldown < cfg.Registry.BaseCooldown {
		return errors.New("registry.max_cooldown must be >= registry.base_cooldown")
	}
	if cfg.Orchestrator.WorkerPoolSize < 1 {
		return errors.New("orchestrator.worker_pool_size must be >= 1")
	}
	if cfg.Orchestrator.SweepInterval <= 0 || cfg.Consensus.SweepInterval <= 0 {
		return errors.New("sweep intervals must be > 0")
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
