// Package config provides configuration management for the relay gateway.
//
// This package handles loading, validation, and persistence of gateway
// configuration from TOML files and environment variables.
//
// # Core Components
//
// AppConfig: Main configuration structure containing relay pool settings,
// deduplication tiers, output surfaces, routing filters, the signing
// identity, and the optional Postgres registry.
//
// Loader: Loads a TOML file over defaults and applies environment
// overrides, so a partial file only needs the keys it changes.
//
// Duration: time.Duration wrapper that reads TOML strings like "30s"
// and "168h".
//
// # Basic Usage
//
// Loading configuration:
//
//	cfg, err := config.Load("relaygate.toml")
//	if err != nil {
//		log.Fatal(err)
//	}
//
// Or with an explicit loader when validation should be deferred:
//
//	loader := config.NewLoader()
//	loader.EnableValidation(false)
//	cfg, err := loader.LoadFile("relaygate.toml")
//
// An empty path yields defaults plus environment overrides, which is
// enough to run against the public bootstrap relays.
//
// # Environment Variable Overrides
//
// Configuration values can be overridden using environment variables,
// which take precedence over the file:
//
//	# Override the relay list (comma-separated)
//	export RELAYGATE_BOOTSTRAP_RELAYS="wss://relay.damus.io,wss://nos.lol"
//
//	# Keep secrets out of the file
//	export RELAYGATE_NOSTR_SECRET_KEY="deadbeef..."
//	export RELAYGATE_POSTGRES_DSN="postgres://bot:pw@db:5432/relaygate"
//	export RELAYGATE_SETTLEMENT_TOKEN="s3cret"
//
// # Persistence
//
// Save writes the configuration back to disk atomically (temp file,
// fsync, rename). The gateway uses this to persist an auto-generated
// identity key on first start; a crash mid-write leaves the previous
// file intact.
//
// # Security
//
// The package includes security validation:
//   - File size limits (10MB max) to prevent memory exhaustion
//   - Path validation to prevent directory traversal
//   - Regular file checks (no symlinks or device files)
//   - Config files written with 0600 permissions (they hold key material)
package config
