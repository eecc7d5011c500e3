package main

import (
	"flag"
	"fmt"
	"os"
	"time"
)

// CLIConfig holds command-line configuration.
type CLIConfig struct {
	ConfigPath      string
	LogLevel        string
	LogFormat       string
	ShutdownTimeout time.Duration
	ShowVersion     bool
	ShowHelp        bool
	Validate        bool
}

func parseFlags() *CLIConfig {
	cfg := &CLIConfig{}

	flag.StringVar(&cfg.ConfigPath, "config",
		getEnv("RELAYGATE_CONFIG", ""),
		"Path to TOML configuration file, empty for defaults (env: RELAYGATE_CONFIG)")
	flag.StringVar(&cfg.ConfigPath, "c",
		getEnv("RELAYGATE_CONFIG", ""),
		"Path to TOML configuration file, empty for defaults (env: RELAYGATE_CONFIG)")

	flag.StringVar(&cfg.LogLevel, "log-level", "",
		"Log level: debug, info, warn, error (overrides [monitoring] log_level)")
	flag.StringVar(&cfg.LogFormat, "log-format", "",
		"Log format: json, text (overrides [monitoring] log_format)")

	flag.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout",
		getEnvDuration("RELAYGATE_SHUTDOWN_TIMEOUT", 30*time.Second),
		"Graceful shutdown timeout (env: RELAYGATE_SHUTDOWN_TIMEOUT)")

	flag.BoolVar(&cfg.ShowVersion, "version", false, "Show version information")
	flag.BoolVar(&cfg.ShowVersion, "v", false, "Show version information")
	flag.BoolVar(&cfg.ShowHelp, "help", false, "Show help information")
	flag.BoolVar(&cfg.ShowHelp, "h", false, "Show help information")
	flag.BoolVar(&cfg.Validate, "validate", false, "Validate configuration and exit")

	flag.Usage = printDetailedHelp
	flag.Parse()

	return cfg
}

func validateFlags(cfg *CLIConfig) error {
	if cfg.ShowVersion || cfg.ShowHelp {
		return nil
	}
	if cfg.ConfigPath != "" {
		if _, err := os.Stat(cfg.ConfigPath); err != nil {
			return fmt.Errorf("config file not found: %s", cfg.ConfigPath)
		}
	}
	if cfg.LogLevel != "" && !contains([]string{"debug", "info", "warn", "error"}, cfg.LogLevel) {
		return fmt.Errorf("invalid log level: %s", cfg.LogLevel)
	}
	if cfg.LogFormat != "" && !contains([]string{"json", "text"}, cfg.LogFormat) {
		return fmt.Errorf("invalid log format: %s", cfg.LogFormat)
	}
	return nil
}

func printDetailedHelp() {
	_, _ = fmt.Fprintf(os.Stderr, `%s - Nostr relay gateway

Usage: %s [options]

Options:
`, appName, os.Args[0])
	flag.PrintDefaults()
	_, _ = fmt.Fprintf(os.Stderr, `
Examples:
  # Run with a config file
  %s --config=/etc/relaygate/config.toml

  # Run with defaults and environment overrides
  export RELAYGATE_BOOTSTRAP_RELAYS=wss://relay.damus.io,wss://nos.lol
  export RELAYGATE_POSTGRES_DSN=postgres://relaygate@localhost/relaygate
  %s

  # Validate configuration only
  %s --config=config.toml --validate

Version: %s
Build: %s
`, os.Args[0], os.Args[0], os.Args[0], Version, BuildTime)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}
