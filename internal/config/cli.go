package config

import (
	"fmt"
	"io"

	"github.com/spf13/pflag"
)

// CLIFlags holds command-line overrides. Nil fields were not given on the
// command line and leave the lower layers untouched.
type CLIFlags struct {
	ConfigPath        *string
	Port              *string
	LogLevel          *string
	DSN               *string
	NatsURL           *string
	DefaultDeployment *string
}

// ParseFlags parses args (without the program name) into CLIFlags.
func ParseFlags(args []string) (CLIFlags, error) {
	fs := pflag.NewFlagSet("agentplane", pflag.ContinueOnError)
	fs.SetOutput(io.Discard)

	configPath := fs.StringP("config", "c", DefaultConfigFile, "path to YAML config file")
	port := fs.StringP("port", "p", "", "HTTP listen port")
	logLevel := fs.String("log-level", "", "log level (debug, info, warn, error)")
	dsn := fs.String("dsn", "", "PostgreSQL connection string")
	natsURL := fs.String("nats-url", "", "NATS server URL")
	deployment := fs.String("default-deployment", "", "default deployment type (container, process)")

	if err := fs.Parse(args); err != nil {
		return CLIFlags{}, fmt.Errorf("parse flags: %w", err)
	}

	var flags CLIFlags
	pick := func(name string, v *string) *string {
		if fs.Changed(name) {
			return v
		}
		return nil
	}
	flags.ConfigPath = pick("config", configPath)
	flags.Port = pick("port", port)
	flags.LogLevel = pick("log-level", logLevel)
	flags.DSN = pick("dsn", dsn)
	flags.NatsURL = pick("nats-url", natsURL)
	flags.DefaultDeployment = pick("default-deployment", deployment)
	return flags, nil
}

// LoadWithCLI returns a Config using the hierarchy:
// defaults < YAML < ENV < CLI flags. It also returns the YAML path used.
func LoadWithCLI(flags CLIFlags) (*Config, string, error) {
	path := DefaultConfigFile
	if flags.ConfigPath != nil {
		path = *flags.ConfigPath
	}

	cfg := Defaults()
	if err := loadYAML(&cfg, path); err != nil {
		return nil, path, fmt.Errorf("config yaml: %w", err)
	}
	loadEnv(&cfg)
	applyCLI(&cfg, flags)

	if err := validate(&cfg); err != nil {
		return nil, path, fmt.Errorf("config validate: %w", err)
	}
	return &cfg, path, nil
}

func applyCLI(cfg *Config, flags CLIFlags) {
	if flags.Port != nil {
		cfg.Server.Port = *flags.Port
	}
	if flags.LogLevel != nil {
		cfg.Logging.Level = *flags.LogLevel
	}
	if flags.DSN != nil {
		cfg.Postgres.DSN = *flags.DSN
	}
	if flags.NatsURL != nil {
		cfg.NATS.URL = *flags.NatsURL
	}
	if flags.DefaultDeployment != nil {
		cfg.Agents.DefaultDeployment = *flags.DefaultDeployment
	}
}
