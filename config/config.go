package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/c360/relaygate/errors"
)

// Duration wraps time.Duration so TOML files can use strings like "30s"
// and "168h".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler for TOML decoding.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

// MarshalText implements encoding.TextMarshaler for TOML encoding.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// AppConfig is the complete gateway configuration.
type AppConfig struct {
	Relay         RelayConfig      `toml:"relay"`
	Deduplication DedupConfig      `toml:"deduplication"`
	Output        OutputConfig     `toml:"output"`
	Filters       FilterConfig     `toml:"filters"`
	Nostr         NostrConfig      `toml:"nostr"`
	Postgres      PostgresConfig   `toml:"postgres"`
	Settlement    SettlementConfig `toml:"settlement"`
	Monitoring    MonitoringConfig `toml:"monitoring"`
}

// RelayConfig controls the upstream relay pool.
type RelayConfig struct {
	BootstrapRelays     []string `toml:"bootstrap_relays"`
	MaxConnections      int      `toml:"max_connections"`
	HealthCheckInterval Duration `toml:"health_check_interval"`
	// MaxEventsPerSec caps inbound events per relay connection. 0 = unlimited.
	MaxEventsPerSec int `toml:"max_events_per_sec"`
}

// DedupConfig controls the three-tier deduplication store.
type DedupConfig struct {
	StorePath     string   `toml:"store_path"`
	HotsetSize    int      `toml:"hotset_size"`
	BloomCapacity int      `toml:"bloom_capacity"`
	LRUSize       int      `toml:"lru_size"`
	// WarmupLimit caps how many forward-index entries seed the memory
	// tiers at startup. Zero means HotsetSize.
	WarmupLimit int      `toml:"warmup_limit"`
	Retention   Duration `toml:"retention"`
	SyncWrites  bool     `toml:"sync_writes"`
}

// OutputConfig controls the downstream delivery surfaces.
type OutputConfig struct {
	WebsocketEnabled  bool     `toml:"websocket_enabled"`
	WebsocketPort     int      `toml:"websocket_port"`
	BatchSize         int      `toml:"batch_size"`
	MaxLatencyMs      int      `toml:"max_latency_ms"`
	NATSURL           string   `toml:"nats_url"`
	NATSSubjectPrefix string   `toml:"nats_subject_prefix"`
	DownstreamTCP     []string `toml:"downstream_tcp"`
	DownstreamREST    []string `toml:"downstream_rest"`
}

// MaxLatency returns the batch seal deadline as a time.Duration.
func (o OutputConfig) MaxLatency() time.Duration {
	return time.Duration(o.MaxLatencyMs) * time.Millisecond
}

// FilterConfig controls which events the router admits.
type FilterConfig struct {
	AllowedKinds   []uint16 `toml:"allowed_kinds"`
	AllowedAuthors []string `toml:"allowed_authors"`
	DeniedAuthors  []string `toml:"denied_authors"`
}

// NostrConfig holds the gateway's signing identity.
type NostrConfig struct {
	// SecretKey is 64 hex characters. Empty means generate on first start
	// and persist back to the config file.
	SecretKey string `toml:"secret_key"`
}

// PostgresConfig controls the optional subscription registry.
type PostgresConfig struct {
	DSN            string `toml:"dsn"`
	MaxConnections int    `toml:"max_connections"`
}

// Enabled reports whether a registry database is configured.
func (p PostgresConfig) Enabled() bool {
	return p.DSN != ""
}

// SettlementConfig holds the admin API token.
type SettlementConfig struct {
	Token string `toml:"token"`
}

// MonitoringConfig controls logging and the Prometheus listener.
type MonitoringConfig struct {
	LogLevel       string `toml:"log_level"`
	LogFormat      string `toml:"log_format"`
	PrometheusPort int    `toml:"prometheus_port"`
}

// Default returns the configuration used when no file is given. Every
// field the validator requires has a working value here.
func Default() *AppConfig {
	return &AppConfig{
		Relay: RelayConfig{
			BootstrapRelays: []string{
				"wss://relay.damus.io",
				"wss://nos.lol",
				"wss://relay.snort.social",
			},
			MaxConnections:      10000,
			HealthCheckInterval: Duration{30 * time.Second},
			MaxEventsPerSec:     0,
		},
		Deduplication: DedupConfig{
			StorePath:     "./data/dedup",
			HotsetSize:    10000,
			BloomCapacity: 10_000_000,
			LRUSize:       100_000,
			Retention:     Duration{168 * time.Hour},
			SyncWrites:    false,
		},
		Output: OutputConfig{
			WebsocketEnabled:  true,
			WebsocketPort:     8080,
			BatchSize:         100,
			MaxLatencyMs:      100,
			NATSSubjectPrefix: "relay.events",
		},
		Filters: FilterConfig{
			AllowedKinds: []uint16{30931, 30932, 30933, 30934},
		},
		Postgres: PostgresConfig{
			MaxConnections: 5,
		},
		Monitoring: MonitoringConfig{
			LogLevel:       "info",
			LogFormat:      "json",
			PrometheusPort: 9100,
		},
	}
}

// Loader handles configuration loading with environment overrides.
type Loader struct {
	envPrefix  string
	validation bool
}

// NewLoader creates a loader with validation enabled and the RELAYGATE
// environment prefix.
func NewLoader() *Loader {
	return &Loader{
		envPrefix:  "RELAYGATE",
		validation: true,
	}
}

// EnableValidation enables or disables validation after load.
func (l *Loader) EnableValidation(enable bool) {
	l.validation = enable
}

// LoadFile loads configuration from a TOML file layered over defaults,
// then applies environment overrides. An empty path loads defaults plus
// environment only.
func (l *Loader) LoadFile(path string) (*AppConfig, error) {
	cfg := Default()

	if path != "" {
		data, err := safeReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", path, err)
		}
		// Decoding over the populated struct keeps defaults for
		// keys the file does not mention
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	}

	l.applyEnvOverrides(cfg)

	if l.validation {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// Load is shorthand for NewLoader().LoadFile(path).
func Load(path string) (*AppConfig, error) {
	return NewLoader().LoadFile(path)
}

// applyEnvOverrides applies environment variable overrides
func (l *Loader) applyEnvOverrides(cfg *AppConfig) {
	if val, ok := l.envString("BOOTSTRAP_RELAYS"); ok {
		parts := strings.Split(val, ",")
		relays := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				relays = append(relays, trimmed)
			}
		}
		if len(relays) > 0 {
			cfg.Relay.BootstrapRelays = relays
		}
	}
	if val, ok := l.envString("STORE_PATH"); ok {
		cfg.Deduplication.StorePath = val
	}
	if val, ok := l.envInt("WEBSOCKET_PORT"); ok {
		cfg.Output.WebsocketPort = val
	}
	if val, ok := l.envString("NATS_URL"); ok {
		cfg.Output.NATSURL = val
	}
	if val, ok := l.envString("NOSTR_SECRET_KEY"); ok {
		cfg.Nostr.SecretKey = val
	}
	if val, ok := l.envString("POSTGRES_DSN"); ok {
		cfg.Postgres.DSN = val
	}
	if val, ok := l.envString("SETTLEMENT_TOKEN"); ok {
		cfg.Settlement.Token = val
	}
	if val, ok := l.envString("LOG_LEVEL"); ok {
		cfg.Monitoring.LogLevel = val
	}
	if val, ok := l.envString("LOG_FORMAT"); ok {
		cfg.Monitoring.LogFormat = val
	}
	if val, ok := l.envInt("PROMETHEUS_PORT"); ok {
		cfg.Monitoring.PrometheusPort = val
	}
}

// envString reads and validates a prefixed environment variable.
func (l *Loader) envString(name string) (string, bool) {
	key := l.envPrefix + "_" + name
	val := os.Getenv(key)
	if val == "" {
		return "", false
	}
	if err := validateEnvVar(key, val); err != nil {
		return "", false
	}
	return val, true
}

// envInt reads a prefixed environment variable as an integer. Values
// that do not parse are ignored.
func (l *Loader) envInt(name string) (int, bool) {
	val, ok := l.envString(name)
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, false
	}
	return n, true
}

// Validate checks the configuration for values the gateway cannot run
// with. Author keys and the secret key are normalized to lowercase.
func (c *AppConfig) Validate() error {
	if err := c.validateRelay(); err != nil {
		return fmt.Errorf("%w: %s", errors.ErrInvalidConfig, err)
	}
	if err := c.validateDeduplication(); err != nil {
		return fmt.Errorf("%w: %s", errors.ErrInvalidConfig, err)
	}
	if err := c.validateOutput(); err != nil {
		return fmt.Errorf("%w: %s", errors.ErrInvalidConfig, err)
	}
	if err := c.validateFilters(); err != nil {
		return fmt.Errorf("%w: %s", errors.ErrInvalidConfig, err)
	}
	if err := c.validateNostr(); err != nil {
		return fmt.Errorf("%w: %s", errors.ErrInvalidConfig, err)
	}
	if err := c.validatePostgres(); err != nil {
		return fmt.Errorf("%w: %s", errors.ErrInvalidConfig, err)
	}
	if err := c.validateMonitoring(); err != nil {
		return fmt.Errorf("%w: %s", errors.ErrInvalidConfig, err)
	}
	return nil
}

func (c *AppConfig) validateRelay() error {
	if c.Relay.MaxConnections <= 0 {
		return fmt.Errorf("relay.max_connections must be positive, got %d", c.Relay.MaxConnections)
	}
	if c.Relay.HealthCheckInterval.Duration <= 0 {
		return fmt.Errorf("relay.health_check_interval must be positive, got %s", c.Relay.HealthCheckInterval)
	}
	if c.Relay.MaxEventsPerSec < 0 {
		return fmt.Errorf("relay.max_events_per_sec cannot be negative, got %d", c.Relay.MaxEventsPerSec)
	}
	for i, relay := range c.Relay.BootstrapRelays {
		if err := ValidateRelayURL(relay); err != nil {
			return fmt.Errorf("relay.bootstrap_relays[%d]: %w", i, err)
		}
	}
	return nil
}

// ValidateRelayURL checks that a relay URL is a usable websocket address.
// The pool and the admin API apply the same rule to runtime additions.
func ValidateRelayURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid URL %q: %w", raw, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("URL %q must use ws:// or wss:// scheme", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("URL %q has no host", raw)
	}
	return nil
}

func (c *AppConfig) validateDeduplication() error {
	if c.Deduplication.StorePath == "" {
		return fmt.Errorf("deduplication.store_path is required")
	}
	if c.Deduplication.HotsetSize <= 0 {
		return fmt.Errorf("deduplication.hotset_size must be positive, got %d", c.Deduplication.HotsetSize)
	}
	if c.Deduplication.BloomCapacity <= 0 {
		return fmt.Errorf("deduplication.bloom_capacity must be positive, got %d", c.Deduplication.BloomCapacity)
	}
	if c.Deduplication.LRUSize <= 0 {
		return fmt.Errorf("deduplication.lru_size must be positive, got %d", c.Deduplication.LRUSize)
	}
	if c.Deduplication.WarmupLimit < 0 {
		return fmt.Errorf("deduplication.warmup_limit must not be negative, got %d", c.Deduplication.WarmupLimit)
	}
	if c.Deduplication.Retention.Duration <= 0 {
		return fmt.Errorf("deduplication.retention must be positive, got %s", c.Deduplication.Retention)
	}
	return nil
}

func (c *AppConfig) validateOutput() error {
	if c.Output.WebsocketEnabled {
		if err := validatePort(c.Output.WebsocketPort); err != nil {
			return fmt.Errorf("output.websocket_port: %w", err)
		}
	}
	if c.Output.BatchSize <= 0 {
		return fmt.Errorf("output.batch_size must be positive, got %d", c.Output.BatchSize)
	}
	if c.Output.MaxLatencyMs <= 0 {
		return fmt.Errorf("output.max_latency_ms must be positive, got %d", c.Output.MaxLatencyMs)
	}
	return nil
}

func (c *AppConfig) validateFilters() error {
	for i, author := range c.Filters.AllowedAuthors {
		normalized := strings.ToLower(author)
		if !isHexKey(normalized) {
			return fmt.Errorf("filters.allowed_authors[%d] %q is not a 64-character hex key", i, author)
		}
		c.Filters.AllowedAuthors[i] = normalized
	}
	for i, author := range c.Filters.DeniedAuthors {
		normalized := strings.ToLower(author)
		if !isHexKey(normalized) {
			return fmt.Errorf("filters.denied_authors[%d] %q is not a 64-character hex key", i, author)
		}
		c.Filters.DeniedAuthors[i] = normalized
	}
	return nil
}

func (c *AppConfig) validateNostr() error {
	if c.Nostr.SecretKey == "" {
		return nil
	}
	normalized := strings.ToLower(c.Nostr.SecretKey)
	if !isHexKey(normalized) {
		return fmt.Errorf("nostr.secret_key must be 64 hex characters")
	}
	c.Nostr.SecretKey = normalized
	return nil
}

func (c *AppConfig) validatePostgres() error {
	if c.Postgres.DSN == "" {
		return nil
	}
	if !strings.HasPrefix(c.Postgres.DSN, "postgres://") &&
		!strings.HasPrefix(c.Postgres.DSN, "postgresql://") {
		return fmt.Errorf("postgres.dsn must start with postgres:// or postgresql://")
	}
	if c.Postgres.MaxConnections <= 0 {
		return fmt.Errorf("postgres.max_connections must be positive, got %d", c.Postgres.MaxConnections)
	}
	return nil
}

func (c *AppConfig) validateMonitoring() error {
	switch c.Monitoring.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("monitoring.log_level %q must be debug, info, warn, or error", c.Monitoring.LogLevel)
	}
	switch c.Monitoring.LogFormat {
	case "json", "text":
	default:
		return fmt.Errorf("monitoring.log_format %q must be json or text", c.Monitoring.LogFormat)
	}
	// 0 disables the metrics listener
	if c.Monitoring.PrometheusPort != 0 {
		if err := validatePort(c.Monitoring.PrometheusPort); err != nil {
			return fmt.Errorf("monitoring.prometheus_port: %w", err)
		}
	}
	return nil
}

// validatePort checks a TCP port number is in the valid range.
func validatePort(port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("port %d out of range 1-65535", port)
	}
	return nil
}

// isHexKey reports whether s is a 64-character lowercase hex string.
func isHexKey(s string) bool {
	if len(s) != 64 {
		return false
	}
	for _, r := range s {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') {
			return false
		}
	}
	return true
}

// Save writes the configuration to a TOML file via write-temp, fsync,
// and rename, so a crash mid-write never truncates the live file. Used
// to persist an auto-generated identity key.
func (c *AppConfig) Save(path string) error {
	var buf strings.Builder
	if err := toml.NewEncoder(&buf).Encode(c); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return atomicWriteFile(path, []byte(buf.String()))
}
