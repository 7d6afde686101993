package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := Defaults()

	if cfg.Server.Port != "8080" {
		t.Errorf("expected port 8080, got %s", cfg.Server.Port)
	}
	if cfg.Postgres.MaxConns != 15 {
		t.Errorf("expected max_conns 15, got %d", cfg.Postgres.MaxConns)
	}
	if cfg.Breaker.Timeout != 30*time.Second {
		t.Errorf("expected breaker timeout 30s, got %v", cfg.Breaker.Timeout)
	}
	if cfg.Agents.DefaultDeployment != "container" {
		t.Errorf("expected default deployment container, got %q", cfg.Agents.DefaultDeployment)
	}
	if cfg.Agents.DockerNetwork != "livekit-core_livekit-network" {
		t.Errorf("unexpected docker network %q", cfg.Agents.DockerNetwork)
	}
	if cfg.LiveKit.TokenTTL != 24*time.Hour {
		t.Errorf("expected token ttl 24h, got %v", cfg.LiveKit.TokenTTL)
	}
}

func TestLoadYAMLOverride(t *testing.T) {
	dir := t.TempDir()
	yamlPath := filepath.Join(dir, "test.yaml")

	content := `
server:
  port: "9090"
postgres:
  max_conns: 20
logging:
  level: "debug"
agents:
  default_deployment: "process"
  stop_grace: 3s
  max_concurrent_ops: 2
`
	if err := os.WriteFile(yamlPath, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := Defaults()
	if err := loadYAML(&cfg, yamlPath); err != nil {
		t.Fatal(err)
	}

	if cfg.Server.Port != "9090" {
		t.Errorf("expected port 9090, got %s", cfg.Server.Port)
	}
	if cfg.Postgres.MaxConns != 20 {
		t.Errorf("expected max_conns 20, got %d", cfg.Postgres.MaxConns)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("expected log level debug, got %s", cfg.Logging.Level)
	}
	if cfg.Agents.DefaultDeployment != "process" {
		t.Errorf("expected process deployment, got %q", cfg.Agents.DefaultDeployment)
	}
	if cfg.Agents.StopGrace != 3*time.Second {
		t.Errorf("expected stop grace 3s, got %v", cfg.Agents.StopGrace)
	}
	if cfg.Agents.MaxConcurrentOps != 2 {
		t.Errorf("expected max concurrent ops 2, got %d", cfg.Agents.MaxConcurrentOps)
	}
	// Unchanged fields keep defaults
	if cfg.NATS.URL != "nats://localhost:4222" {
		t.Errorf("expected default NATS URL, got %s", cfg.NATS.URL)
	}
	if cfg.Agents.DockerBinary != "docker" {
		t.Errorf("expected default docker binary, got %q", cfg.Agents.DockerBinary)
	}
}

func TestLoadYAMLMissing(t *testing.T) {
	cfg := Defaults()
	err := loadYAML(&cfg, "/nonexistent/path.yaml")
	if err != nil {
		t.Errorf("missing YAML should not error, got %v", err)
	}
}

func TestLoadYAMLInvalid(t *testing.T) {
	dir := t.TempDir()
	yamlPath := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(yamlPath, []byte("server: [unterminated"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg := Defaults()
	if err := loadYAML(&cfg, yamlPath); err == nil {
		t.Error("expected parse error for invalid YAML")
	}
}

func TestEnvOverride(t *testing.T) {
	cfg := Defaults()

	t.Setenv("AGENTPLANE_PORT", "7070")
	t.Setenv("DATABASE_URL", "postgres://test:test@db:5432/test")
	t.Setenv("AGENTPLANE_PG_MAX_CONNS", "25")
	t.Setenv("AGENTPLANE_LOG_LEVEL", "warn")
	t.Setenv("AGENTPLANE_BREAKER_TIMEOUT", "1m")
	t.Setenv("AGENT_DEFAULT_DEPLOYMENT", "PROCESS")
	t.Setenv("AGENT_DOCKER_NETWORK", "bridge")
	t.Setenv("AGENT_COMMAND_TIMEOUT", "5s")
	t.Setenv("LIVEKIT_URL", "wss://lk.example.com")
	t.Setenv("LIVEKIT_API_KEY", "key")
	t.Setenv("LIVEKIT_API_SECRET", "secret")

	loadEnv(&cfg)

	if cfg.Server.Port != "7070" {
		t.Errorf("expected port 7070, got %s", cfg.Server.Port)
	}
	if cfg.Postgres.DSN != "postgres://test:test@db:5432/test" {
		t.Errorf("expected test DSN, got %s", cfg.Postgres.DSN)
	}
	if cfg.Postgres.MaxConns != 25 {
		t.Errorf("expected max_conns 25, got %d", cfg.Postgres.MaxConns)
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("expected log level warn, got %s", cfg.Logging.Level)
	}
	if cfg.Breaker.Timeout != time.Minute {
		t.Errorf("expected breaker timeout 1m, got %v", cfg.Breaker.Timeout)
	}
	if cfg.Agents.DefaultDeployment != "PROCESS" {
		t.Errorf("expected raw deployment value, got %q", cfg.Agents.DefaultDeployment)
	}
	if cfg.Agents.DockerNetwork != "bridge" {
		t.Errorf("expected network bridge, got %q", cfg.Agents.DockerNetwork)
	}
	if cfg.Agents.CommandTimeout != 5*time.Second {
		t.Errorf("expected command timeout 5s, got %v", cfg.Agents.CommandTimeout)
	}
	if cfg.LiveKit.URL != "wss://lk.example.com" || cfg.LiveKit.APIKey != "key" || cfg.LiveKit.APISecret != "secret" {
		t.Errorf("unexpected livekit config %+v", cfg.LiveKit)
	}
}

func TestEnvOverrideIgnoresUnparseable(t *testing.T) {
	cfg := Defaults()
	t.Setenv("AGENT_MAX_CONCURRENT_OPS", "many")
	t.Setenv("AGENT_STOP_GRACE", "soon")

	loadEnv(&cfg)

	if cfg.Agents.MaxConcurrentOps != 8 {
		t.Errorf("expected default max concurrent ops, got %d", cfg.Agents.MaxConcurrentOps)
	}
	if cfg.Agents.StopGrace != 10*time.Second {
		t.Errorf("expected default stop grace, got %v", cfg.Agents.StopGrace)
	}
}

func TestValidateRequired(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
		errMsg string
	}{
		{
			name:   "empty port",
			modify: func(c *Config) { c.Server.Port = "" },
			errMsg: "server.port is required",
		},
		{
			name:   "empty DSN",
			modify: func(c *Config) { c.Postgres.DSN = "" },
			errMsg: "postgres.dsn is required",
		},
		{
			name:   "empty NATS URL",
			modify: func(c *Config) { c.NATS.URL = "" },
			errMsg: "nats.url is required",
		},
		{
			name:   "zero max_conns",
			modify: func(c *Config) { c.Postgres.MaxConns = 0 },
			errMsg: "postgres.max_conns must be >= 1",
		},
		{
			name:   "zero breaker failures",
			modify: func(c *Config) { c.Breaker.MaxFailures = 0 },
			errMsg: "breaker.max_failures must be >= 1",
		},
		{
			name:   "auth without secret",
			modify: func(c *Config) { c.Auth.Enabled = true; c.Auth.JWTSecret = "short" },
			errMsg: "auth.jwt_secret must be at least 16 characters when auth is enabled",
		},
		{
			name:   "unknown deployment",
			modify: func(c *Config) { c.Agents.DefaultDeployment = "vm" },
			errMsg: `agents.default_deployment "vm": must be container or process`,
		},
		{
			name:   "empty docker binary",
			modify: func(c *Config) { c.Agents.DockerBinary = "" },
			errMsg: "agents.docker_binary is required",
		},
		{
			name:   "zero concurrency",
			modify: func(c *Config) { c.Agents.MaxConcurrentOps = 0 },
			errMsg: "agents.max_concurrent_ops must be >= 1",
		},
		{
			name:   "zero command timeout",
			modify: func(c *Config) { c.Agents.CommandTimeout = 0 },
			errMsg: "agents.command_timeout must be > 0",
		},
		{
			name:   "sample rate out of range",
			modify: func(c *Config) { c.OTEL.SampleRate = 1.5 },
			errMsg: "otel.sample_rate must be within [0, 1]",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.modify(&cfg)
			err := validate(&cfg)
			if err == nil {
				t.Fatalf("expected error %q, got nil", tt.errMsg)
			}
			if err.Error() != tt.errMsg {
				t.Errorf("expected %q, got %q", tt.errMsg, err.Error())
			}
		})
	}
}

func TestValidateDefaults(t *testing.T) {
	cfg := Defaults()
	if err := validate(&cfg); err != nil {
		t.Errorf("defaults should validate, got %v", err)
	}
}

func TestValidateDockerAlias(t *testing.T) {
	cfg := Defaults()
	cfg.Agents.DefaultDeployment = " Docker "
	if err := validate(&cfg); err != nil {
		t.Errorf("docker alias should validate, got %v", err)
	}
}

func TestParseFlags(t *testing.T) {
	flags, err := ParseFlags([]string{"--port", "9090", "--log-level", "debug"})
	if err != nil {
		t.Fatal(err)
	}

	if flags.Port == nil || *flags.Port != "9090" {
		t.Errorf("expected port 9090, got %v", flags.Port)
	}
	if flags.LogLevel == nil || *flags.LogLevel != "debug" {
		t.Errorf("expected log-level debug, got %v", flags.LogLevel)
	}
	// Unset flags remain nil
	if flags.DSN != nil {
		t.Errorf("expected nil DSN, got %v", *flags.DSN)
	}
	if flags.NatsURL != nil {
		t.Errorf("expected nil NatsURL, got %v", *flags.NatsURL)
	}
	if flags.ConfigPath != nil {
		t.Errorf("expected nil ConfigPath, got %v", *flags.ConfigPath)
	}
}

func TestParseFlagsShorthand(t *testing.T) {
	flags, err := ParseFlags([]string{"-p", "7070", "-c", "custom.yaml"})
	if err != nil {
		t.Fatal(err)
	}

	if flags.Port == nil || *flags.Port != "7070" {
		t.Errorf("expected port 7070, got %v", flags.Port)
	}
	if flags.ConfigPath == nil || *flags.ConfigPath != "custom.yaml" {
		t.Errorf("expected config custom.yaml, got %v", flags.ConfigPath)
	}
}

func TestParseFlagsInvalid(t *testing.T) {
	_, err := ParseFlags([]string{"--unknown-flag"})
	if err == nil {
		t.Error("expected error for unknown flag, got nil")
	}
}

func TestApplyCLINilFlags(t *testing.T) {
	cfg := Defaults()
	original := cfg

	// All-nil flags should change nothing.
	applyCLI(&cfg, CLIFlags{})

	if cfg.Server.Port != original.Server.Port {
		t.Errorf("port changed from %s to %s", original.Server.Port, cfg.Server.Port)
	}
	if cfg.Agents.DefaultDeployment != original.Agents.DefaultDeployment {
		t.Errorf("deployment changed from %s to %s", original.Agents.DefaultDeployment, cfg.Agents.DefaultDeployment)
	}
}
