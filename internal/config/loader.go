package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is the path checked for YAML configuration.
const DefaultConfigFile = "agentplane.yaml"

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
	setString(&cfg.Server.Port, "AGENTPLANE_PORT")
	setString(&cfg.Server.CORSOrigin, "AGENTPLANE_CORS_ORIGIN")
	setDuration(&cfg.Server.RequestTimeout, "AGENTPLANE_REQUEST_TIMEOUT")
	setFloat64(&cfg.Server.LifecycleRate, "AGENTPLANE_LIFECYCLE_RATE")
	setInt(&cfg.Server.LifecycleBurst, "AGENTPLANE_LIFECYCLE_BURST")
	setString(&cfg.Postgres.DSN, "DATABASE_URL")
	setInt32(&cfg.Postgres.MaxConns, "AGENTPLANE_PG_MAX_CONNS")
	setInt32(&cfg.Postgres.MinConns, "AGENTPLANE_PG_MIN_CONNS")
	setDuration(&cfg.Postgres.MaxConnLifetime, "AGENTPLANE_PG_MAX_CONN_LIFETIME")
	setDuration(&cfg.Postgres.MaxConnIdleTime, "AGENTPLANE_PG_MAX_CONN_IDLE_TIME")
	setDuration(&cfg.Postgres.HealthCheck, "AGENTPLANE_PG_HEALTH_CHECK")
	setString(&cfg.NATS.URL, "NATS_URL")
	setString(&cfg.Logging.Level, "AGENTPLANE_LOG_LEVEL")
	setString(&cfg.Logging.Service, "AGENTPLANE_LOG_SERVICE")
	setBool(&cfg.Logging.Async, "AGENTPLANE_LOG_ASYNC")
	setInt(&cfg.Breaker.MaxFailures, "AGENTPLANE_BREAKER_MAX_FAILURES")
	setDuration(&cfg.Breaker.Timeout, "AGENTPLANE_BREAKER_TIMEOUT")

	// Cache
	setInt64(&cfg.Cache.L1MaxSizeMB, "AGENTPLANE_CACHE_L1_SIZE_MB")
	setString(&cfg.Cache.L2Bucket, "AGENTPLANE_CACHE_L2_BUCKET")
	setDuration(&cfg.Cache.L2TTL, "AGENTPLANE_CACHE_L2_TTL")

	// LiveKit
	setString(&cfg.LiveKit.URL, "LIVEKIT_URL")
	setString(&cfg.LiveKit.APIKey, "LIVEKIT_API_KEY")
	setString(&cfg.LiveKit.APISecret, "LIVEKIT_API_SECRET")
	setDuration(&cfg.LiveKit.TokenTTL, "LIVEKIT_TOKEN_TTL")

	// Auth
	setBool(&cfg.Auth.Enabled, "AGENTPLANE_AUTH_ENABLED")
	setString(&cfg.Auth.JWTSecret, "JWT_SECRET")

	// Agents
	setString(&cfg.Agents.DefaultDeployment, "AGENT_DEFAULT_DEPLOYMENT")
	setString(&cfg.Agents.DockerBinary, "AGENT_DOCKER_BINARY")
	setString(&cfg.Agents.DockerNetwork, "AGENT_DOCKER_NETWORK")
	setDuration(&cfg.Agents.StopGrace, "AGENT_STOP_GRACE")
	setDuration(&cfg.Agents.CommandTimeout, "AGENT_COMMAND_TIMEOUT")
	setDuration(&cfg.Agents.ProbeTTL, "AGENT_PROBE_TTL")
	setInt(&cfg.Agents.MaxConcurrentOps, "AGENT_MAX_CONCURRENT_OPS")
	setInt(&cfg.Agents.LogTail, "AGENT_LOG_TAIL")

	// OpenTelemetry
	setBool(&cfg.OTEL.Enabled, "AGENTPLANE_OTEL_ENABLED")
	setString(&cfg.OTEL.Endpoint, "OTEL_EXPORTER_OTLP_ENDPOINT")
	setString(&cfg.OTEL.ServiceName, "OTEL_SERVICE_NAME")
	setBool(&cfg.OTEL.Insecure, "AGENTPLANE_OTEL_INSECURE")
	setFloat64(&cfg.OTEL.SampleRate, "AGENTPLANE_OTEL_SAMPLE_RATE")
}

// validate checks that required fields are set.
func validate(cfg *Config) error {
	if cfg.Server.Port == "" {
		return errors.New("server.port is required")
	}
	if cfg.Server.LifecycleRate < 0 {
		return errors.New("server.lifecycle_rate must be >= 0")
	}
	if cfg.Server.LifecycleRate > 0 && cfg.Server.LifecycleBurst < 1 {
		return errors.New("server.lifecycle_burst must be >= 1 when rate limiting is enabled")
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
	if cfg.Auth.Enabled && len(cfg.Auth.JWTSecret) < 16 {
		return errors.New("auth.jwt_secret must be at least 16 characters when auth is enabled")
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Agents.DefaultDeployment)) {
	case "", "container", "docker", "process":
	default:
		return fmt.Errorf("agents.default_deployment %q: must be container or process", cfg.Agents.DefaultDeployment)
	}
	if cfg.Agents.DockerBinary == "" {
		return errors.New("agents.docker_binary is required")
	}
	if cfg.Agents.MaxConcurrentOps < 1 {
		return errors.New("agents.max_concurrent_ops must be >= 1")
	}
	if cfg.Agents.CommandTimeout <= 0 {
		return errors.New("agents.command_timeout must be > 0")
	}
	if cfg.Agents.StopGrace < 0 {
		return errors.New("agents.stop_grace must be >= 0")
	}
	if cfg.OTEL.SampleRate < 0 || cfg.OTEL.SampleRate > 1 {
		return errors.New("otel.sample_rate must be within [0, 1]")
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

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
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
