package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/statecraft/statecraft/pkg/cache"
	"github.com/statecraft/statecraft/pkg/discovery"
	"github.com/statecraft/statecraft/pkg/drift"
	"github.com/statecraft/statecraft/pkg/state"
	"github.com/statecraft/statecraft/pkg/stores"
	"github.com/statecraft/statecraft/pkg/telemetry"
)

// Config is the daemon configuration tree. Values are resolved in
// three layers: built-in defaults, then the YAML file, then
// STATECRAFT_* environment variables.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Store     StoreConfig     `yaml:"store"`
	Cache     CacheConfig     `yaml:"cache"`
	Drift     DriftConfig     `yaml:"drift"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Conflict  ConflictConfig  `yaml:"conflict"`
	Policy    PolicyConfig    `yaml:"policy"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig identifies the node and paces the background loops.
type ServerConfig struct {
	// NodeID identifies this process on resources and events.
	NodeID string `yaml:"node_id" validate:"required"`

	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" validate:"min=0"`

	// SnapshotInterval is the scheduled-snapshot loop period.
	SnapshotInterval time.Duration `yaml:"snapshot_interval" validate:"min=0"`

	// PeerSyncInterval is the peer-sync loop period.
	PeerSyncInterval time.Duration `yaml:"peer_sync_interval" validate:"min=0"`
}

// StoreConfig selects and tunes the persistence backend.
type StoreConfig struct {
	// Type selects the backend implementation.
	Type string `yaml:"type" validate:"required,oneof=sqlite memory"`

	// Path is the database file for the sqlite backend.
	Path string `yaml:"path" validate:"required_if=Type sqlite"`

	MaxOpenConns    int           `yaml:"max_open_conns" validate:"min=0"`
	MaxIdleConns    int           `yaml:"max_idle_conns" validate:"min=0"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" validate:"min=0"`

	// ShardCount is the bucket count for the memory backend.
	ShardCount int `yaml:"shard_count" validate:"min=0"`
}

// CacheConfig tunes the tiered resource cache.
type CacheConfig struct {
	Enabled bool `yaml:"enabled"`

	// L1Capacity and L2Capacity are byte budgets for the in-memory
	// tiers.
	L1Capacity int64 `yaml:"l1_capacity" validate:"min=0"`
	L2Capacity int64 `yaml:"l2_capacity" validate:"min=0"`

	// HotThreshold is the largest serialized size placed directly in L1.
	HotThreshold int64 `yaml:"hot_threshold" validate:"min=0"`

	// PromotionThreshold is the access count that moves a hit up a tier.
	PromotionThreshold int64 `yaml:"promotion_threshold" validate:"min=0"`

	// TTL bounds cached resource entries.
	TTL time.Duration `yaml:"ttl" validate:"min=0"`

	// SweepInterval is the cadence of the expired-entry sweep.
	SweepInterval time.Duration `yaml:"sweep_interval" validate:"min=0"`
}

// DriftConfig paces the drift-check loop and carries the
// classification rules.
type DriftConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval" validate:"min=0"`

	// Rules are the typed classification rules; see drift.DefaultRules.
	Rules drift.Rules `yaml:"rules"`
}

// DiscoveryConfig selects the drift loop's observer. Type "none"
// leaves the loop disabled; drift can still be run one-shot from the
// CLI against an explicit target.
type DiscoveryConfig struct {
	Type string `yaml:"type" validate:"required,oneof=none ssh"`

	SSH SSHDiscoveryConfig `yaml:"ssh"`
}

// SSHDiscoveryConfig is the ssh discoverer's connection settings.
// Unset fields keep the discoverer defaults (port 22, key auth,
// strict host key checking against ~/.ssh/known_hosts).
type SSHDiscoveryConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port" validate:"min=0,max=65535"`
	User string `yaml:"user"`

	AuthMethod     string `yaml:"auth_method" validate:"omitempty,oneof=key password"`
	Password       string `yaml:"password"`
	PrivateKeyPath string `yaml:"private_key_path"`

	KnownHostsPath string `yaml:"known_hosts_path"`

	// InsecureSkipHostKeyCheck disables host key verification. Lab
	// environments only.
	InsecureSkipHostKeyCheck bool `yaml:"insecure_skip_host_key_check"`

	ConnectTimeout time.Duration `yaml:"connect_timeout" validate:"min=0"`
	CommandTimeout time.Duration `yaml:"command_timeout" validate:"min=0"`
}

// ConflictConfig selects the default concurrent-write strategy.
type ConflictConfig struct {
	DefaultStrategy string `yaml:"default_strategy" validate:"required,oneof=last_write_wins first_write_wins merge_properties manual"`
}

// PolicyConfig wires the admission gate.
type PolicyConfig struct {
	Enabled bool `yaml:"enabled"`

	// Paths are .rego/.json policy files or directories.
	Paths []string `yaml:"paths"`

	// Watch hot-reloads policies when files under Paths change.
	Watch bool `yaml:"watch"`
}

// TelemetryConfig is the flat telemetry section; Telemetry() expands
// it onto the full telemetry configuration.
type TelemetryConfig struct {
	Environment string `yaml:"environment" validate:"omitempty,oneof=development staging production"`

	LogLevel  string `yaml:"log_level" validate:"omitempty,oneof=trace debug info warn error fatal"`
	LogFormat string `yaml:"log_format" validate:"omitempty,oneof=console json"`

	MetricsEnabled bool   `yaml:"metrics_enabled"`
	MetricsAddress string `yaml:"metrics_address" validate:"omitempty,hostname_port"`

	TracingEnabled  bool    `yaml:"tracing_enabled"`
	TracingExporter string  `yaml:"tracing_exporter" validate:"omitempty,oneof=otlp stdout none"`
	TracingEndpoint string  `yaml:"tracing_endpoint"`
	SamplingRate    float64 `yaml:"sampling_rate" validate:"min=0,max=1"`

	EventsEnabled bool `yaml:"events_enabled"`
}

// DefaultConfig returns the built-in defaults. The node ID defaults to
// the hostname.
func DefaultConfig() *Config {
	nodeID, err := os.Hostname()
	if err != nil || nodeID == "" {
		nodeID = "statecraft"
	}

	return &Config{
		Server: ServerConfig{
			NodeID:           nodeID,
			ShutdownTimeout:  15 * time.Second,
			SnapshotInterval: 6 * time.Hour,
			PeerSyncInterval: 5 * time.Minute,
		},
		Store: StoreConfig{
			Type:            "sqlite",
			Path:            "statecraft.db",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
			ShardCount:      16,
		},
		Cache: CacheConfig{
			Enabled:            true,
			L1Capacity:         64 << 20,
			L2Capacity:         256 << 20,
			HotThreshold:       64 << 10,
			PromotionThreshold: 3,
			TTL:                30 * time.Minute,
			SweepInterval:      time.Minute,
		},
		Drift: DriftConfig{
			Enabled:  true,
			Interval: 15 * time.Minute,
			Rules:    drift.DefaultRules(),
		},
		Discovery: DiscoveryConfig{
			Type: "none",
		},
		Conflict: ConflictConfig{
			DefaultStrategy: string(state.StrategyMergeProperties),
		},
		Policy: PolicyConfig{
			Enabled: false,
			Watch:   true,
		},
		Telemetry: TelemetryConfig{
			Environment:     "development",
			LogLevel:        "info",
			LogFormat:       "console",
			MetricsEnabled:  true,
			MetricsAddress:  ":9090",
			TracingEnabled:  false,
			TracingExporter: "none",
			SamplingRate:    1.0,
			EventsEnabled:   true,
		},
	}
}

// Load resolves the configuration: defaults, then the YAML file at
// path (skipped when path is empty), then environment overrides, then
// validation.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyEnvOverrides applies STATECRAFT_* environment variables on top
// of the file layer. Unparseable values are ignored so a bad override
// cannot mask the configured value.
func (c *Config) applyEnvOverrides() {
	setString := func(key string, dst *string) {
		if val := os.Getenv(key); val != "" {
			*dst = val
		}
	}
	setBool := func(key string, dst *bool) {
		if val := os.Getenv(key); val != "" {
			if parsed, err := strconv.ParseBool(val); err == nil {
				*dst = parsed
			}
		}
	}
	setDuration := func(key string, dst *time.Duration) {
		if val := os.Getenv(key); val != "" {
			if parsed, err := time.ParseDuration(val); err == nil {
				*dst = parsed
			}
		}
	}

	setString("STATECRAFT_NODE_ID", &c.Server.NodeID)
	setDuration("STATECRAFT_SHUTDOWN_TIMEOUT", &c.Server.ShutdownTimeout)
	setDuration("STATECRAFT_SNAPSHOT_INTERVAL", &c.Server.SnapshotInterval)
	setDuration("STATECRAFT_PEER_SYNC_INTERVAL", &c.Server.PeerSyncInterval)

	setString("STATECRAFT_STORE_TYPE", &c.Store.Type)
	setString("STATECRAFT_STORE_PATH", &c.Store.Path)

	setBool("STATECRAFT_CACHE_ENABLED", &c.Cache.Enabled)
	setDuration("STATECRAFT_CACHE_TTL", &c.Cache.TTL)

	setBool("STATECRAFT_DRIFT_ENABLED", &c.Drift.Enabled)
	setDuration("STATECRAFT_DRIFT_INTERVAL", &c.Drift.Interval)

	setString("STATECRAFT_DISCOVERY_TYPE", &c.Discovery.Type)
	setString("STATECRAFT_DISCOVERY_SSH_HOST", &c.Discovery.SSH.Host)
	setString("STATECRAFT_DISCOVERY_SSH_USER", &c.Discovery.SSH.User)

	setString("STATECRAFT_CONFLICT_STRATEGY", &c.Conflict.DefaultStrategy)

	setBool("STATECRAFT_POLICY_ENABLED", &c.Policy.Enabled)
	if val := os.Getenv("STATECRAFT_POLICY_PATHS"); val != "" {
		parts := strings.Split(val, ",")
		paths := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				paths = append(paths, trimmed)
			}
		}
		c.Policy.Paths = paths
	}

	setString("STATECRAFT_ENVIRONMENT", &c.Telemetry.Environment)
	setString("STATECRAFT_LOG_LEVEL", &c.Telemetry.LogLevel)
	setString("STATECRAFT_LOG_FORMAT", &c.Telemetry.LogFormat)
	setBool("STATECRAFT_METRICS_ENABLED", &c.Telemetry.MetricsEnabled)
	setString("STATECRAFT_METRICS_ADDRESS", &c.Telemetry.MetricsAddress)
	setBool("STATECRAFT_TRACING_ENABLED", &c.Telemetry.TracingEnabled)
	setString("STATECRAFT_TRACING_EXPORTER", &c.Telemetry.TracingExporter)
	setString("STATECRAFT_TRACING_ENDPOINT", &c.Telemetry.TracingEndpoint)
	setBool("STATECRAFT_EVENTS_ENABLED", &c.Telemetry.EventsEnabled)
}

// Validate checks struct tags plus the cross-field constraints tags
// cannot express.
func (c *Config) Validate() error {
	v := validator.New()
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if c.Drift.Rules.NumericHighPct >= c.Drift.Rules.NumericCriticalPct {
		return fmt.Errorf("invalid configuration: drift.rules numeric_high_pct (%.1f) must be below numeric_critical_pct (%.1f)",
			c.Drift.Rules.NumericHighPct, c.Drift.Rules.NumericCriticalPct)
	}

	if c.Telemetry.TracingEnabled && c.Telemetry.TracingExporter == "otlp" && c.Telemetry.TracingEndpoint == "" {
		return fmt.Errorf("invalid configuration: telemetry.tracing_endpoint is required for the otlp exporter")
	}

	if c.Discovery.Type == "ssh" && (c.Discovery.SSH.Host == "" || c.Discovery.SSH.User == "") {
		return fmt.Errorf("invalid configuration: discovery.ssh.host and discovery.ssh.user are required for ssh discovery")
	}

	return nil
}

// ManagerOptions maps the configuration onto state manager options.
// Collaborators (cache, discoverer, analyzer, policy, publisher) are
// wired by the caller.
func (c *Config) ManagerOptions() state.Options {
	return state.Options{
		NodeID:           c.Server.NodeID,
		DefaultStrategy:  state.ConflictStrategy(c.Conflict.DefaultStrategy),
		CacheTTL:         c.Cache.TTL,
		DriftInterval:    c.Drift.Interval,
		SnapshotInterval: c.Server.SnapshotInterval,
		PeerSyncInterval: c.Server.PeerSyncInterval,
	}
}

// SQLite maps the store section onto the sqlite backend configuration.
func (s StoreConfig) SQLite() stores.SQLiteConfig {
	return stores.SQLiteConfig{
		Path:            s.Path,
		MaxOpenConns:    s.MaxOpenConns,
		MaxIdleConns:    s.MaxIdleConns,
		ConnMaxLifetime: s.ConnMaxLifetime,
	}
}

// Memory maps the store section onto the in-memory backend
// configuration.
func (s StoreConfig) Memory() stores.MemoryConfig {
	return stores.MemoryConfig{
		ShardCount: s.ShardCount,
	}
}

// Options maps the ssh section onto discoverer options, keeping the
// discoverer defaults for unset fields.
func (s SSHDiscoveryConfig) Options() discovery.SSHOptions {
	opts := discovery.DefaultSSHOptions(s.Host, s.User)
	if s.Port > 0 {
		opts.Port = s.Port
	}
	if s.AuthMethod != "" {
		opts.AuthMethod = discovery.AuthMethod(s.AuthMethod)
	} else if s.Password != "" {
		opts.AuthMethod = discovery.AuthMethodPassword
	}
	if s.Password != "" {
		opts.Password = s.Password
	}
	if s.PrivateKeyPath != "" {
		opts.PrivateKeyPath = s.PrivateKeyPath
	}
	if s.KnownHostsPath != "" {
		opts.KnownHostsPath = s.KnownHostsPath
	}
	if s.InsecureSkipHostKeyCheck {
		opts.StrictHostKeyChecking = false
	}
	if s.ConnectTimeout > 0 {
		opts.ConnectTimeout = s.ConnectTimeout
	}
	if s.CommandTimeout > 0 {
		opts.CommandTimeout = s.CommandTimeout
	}
	return opts
}

// Options maps the cache section onto tiered cache options.
func (c CacheConfig) Options() cache.Options {
	return cache.Options{
		L1Capacity:         c.L1Capacity,
		L2Capacity:         c.L2Capacity,
		HotThreshold:       c.HotThreshold,
		PromotionThreshold: c.PromotionThreshold,
		SweepInterval:      c.SweepInterval,
		DefaultTTL:         c.TTL,
	}
}

// Telemetry expands the flat section onto the full telemetry
// configuration.
func (t TelemetryConfig) Telemetry() *telemetry.Config {
	cfg := telemetry.DefaultConfig()
	cfg.Environment = t.Environment

	if t.LogLevel != "" {
		cfg.Logging.Level = t.LogLevel
	}
	if t.LogFormat != "" {
		cfg.Logging.Format = t.LogFormat
	}

	cfg.Metrics.Enabled = t.MetricsEnabled
	if t.MetricsAddress != "" {
		cfg.Metrics.ListenAddress = t.MetricsAddress
	}

	cfg.Tracing.Enabled = t.TracingEnabled
	if t.TracingExporter != "" {
		cfg.Tracing.Exporter = t.TracingExporter
	}
	cfg.Tracing.Endpoint = t.TracingEndpoint
	if t.SamplingRate > 0 {
		cfg.Tracing.SamplingRate = t.SamplingRate
	}

	cfg.Events.Enabled = t.EventsEnabled

	return cfg
}
