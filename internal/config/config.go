package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/docdb-driver/drc/internal/endpoint"
	"github.com/docdb-driver/drc/internal/eventbus"
	"github.com/docdb-driver/drc/internal/logging"
	"github.com/docdb-driver/drc/internal/telemetry"
	"github.com/docdb-driver/drc/internal/topology"
)

// Config holds the client configuration
type Config struct {
	Client    ClientConfig              `mapstructure:"client" yaml:"client"`
	Topology  TopologyConfig            `mapstructure:"topology" yaml:"topology"`
	Session   SessionConfig             `mapstructure:"session" yaml:"session"`
	Retry     RetryConfig               `mapstructure:"retry" yaml:"retry"`
	EventBus  EventBusConfig            `mapstructure:"eventbus" yaml:"eventbus"`
	Server    ServerConfig              `mapstructure:"server" yaml:"server"`
	Telemetry telemetry.TelemetryConfig `mapstructure:"telemetry" yaml:"telemetry"`
	Logging   logging.LoggingConfig     `mapstructure:"logging" yaml:"logging"`
}

// ClientConfig holds the account endpoint and region preferences
type ClientConfig struct {
	GlobalEndpoint   string   `mapstructure:"global_endpoint" yaml:"global_endpoint"`
	PreferredRegions []string `mapstructure:"preferred_regions" yaml:"preferred_regions"`
	ConsistencyLevel string   `mapstructure:"consistency_level" yaml:"consistency_level"`
}

// TopologyConfig holds partition topology cache configuration
type TopologyConfig struct {
	FetchTimeout time.Duration `mapstructure:"fetch_timeout" yaml:"fetch_timeout"`
	RefreshRate  float64       `mapstructure:"refresh_rate" yaml:"refresh_rate"`
	RefreshBurst int           `mapstructure:"refresh_burst" yaml:"refresh_burst"`
	// Collections are primed at startup.
	Collections []string `mapstructure:"collections" yaml:"collections"`
}

// CacheConfig converts to the cache's own configuration.
func (t TopologyConfig) CacheConfig() topology.CacheConfig {
	return topology.CacheConfig{
		FetchTimeout: t.FetchTimeout,
		RefreshRate:  t.RefreshRate,
		RefreshBurst: t.RefreshBurst,
	}
}

// SessionConfig holds session token tracking configuration
type SessionConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
}

// RetryConfig holds retry chain configuration
type RetryConfig struct {
	TopologyRetryEnabled bool          `mapstructure:"topology_retry_enabled" yaml:"topology_retry_enabled"`
	ThrottleMaxRetries   int           `mapstructure:"throttle_max_retries" yaml:"throttle_max_retries"`
	ThrottleMaxWait      time.Duration `mapstructure:"throttle_max_wait" yaml:"throttle_max_wait"`
	MaxAttempts          int           `mapstructure:"max_attempts" yaml:"max_attempts"`
}

// EventBusConfig holds NATS configuration for topology notifications
type EventBusConfig struct {
	Enabled          bool                `mapstructure:"enabled" yaml:"enabled"`
	ProactiveRefresh bool                `mapstructure:"proactive_refresh" yaml:"proactive_refresh"`
	NATS             eventbus.NATSConfig `mapstructure:"nats" yaml:"nats"`
}

// ServerConfig holds diagnostics server configuration
type ServerConfig struct {
	Enabled      bool          `mapstructure:"enabled" yaml:"enabled"`
	Host         string        `mapstructure:"host" yaml:"host"`
	Port         int           `mapstructure:"port" yaml:"port"`
	GRPCPort     int           `mapstructure:"grpc_port" yaml:"grpc_port"`
	MetricsPort  int           `mapstructure:"metrics_port" yaml:"metrics_port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	// TrustProxyHeaders keys per-client limits on X-Forwarded-For and
	// X-Real-IP. Enable only behind a proxy that sets them.
	TrustProxyHeaders bool `mapstructure:"trust_proxy_headers" yaml:"trust_proxy_headers"`
}

// Load loads configuration from file and environment variables
func Load() (*Config, error) {
	return LoadFromFile("")
}

// LoadFromFile loads configuration from a specific file
func LoadFromFile(configFile string) (*Config, error) {
	return LoadWithFlags(configFile, nil)
}

// LoadWithFlags loads configuration like LoadFromFile and lets flags set on
// the command line override file and environment values.
func LoadWithFlags(configFile string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigName("drc")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./configs")
	v.AddConfigPath("/etc/drc")

	if configFile != "" {
		v.SetConfigFile(configFile)
	}

	v.SetEnvPrefix("DRC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if flags != nil {
		if err := bindFlags(v, flags); err != nil {
			return nil, err
		}
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// flagKeys maps command line flags onto configuration keys.
var flagKeys = map[string]string{
	"endpoint":   "client.global_endpoint",
	"regions":    "client.preferred_regions",
	"collection": "topology.collections",
	"nats-url":   "eventbus.nats.url",
	"http-port":  "server.port",
	"grpc-port":  "server.grpc_port",
	"log-level":  "logging.level",
	"log-format": "logging.format",
}

// RegisterFlags adds the configuration override flags to fs.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String("endpoint", "", "global account endpoint")
	fs.StringSlice("regions", nil, "preferred regions in failover order")
	fs.StringSlice("collection", nil, "collections to prime at startup")
	fs.String("nats-url", "", "NATS URL for topology notifications")
	fs.Int("http-port", 0, "diagnostics HTTP port")
	fs.Int("grpc-port", 0, "gRPC health port")
	fs.String("log-level", "", "log level (debug, info, warn, error)")
	fs.String("log-format", "", "log format (json, console)")
}

func bindFlags(v *viper.Viper, fs *pflag.FlagSet) error {
	for name, key := range flagKeys {
		flag := fs.Lookup(name)
		if flag == nil {
			continue
		}
		if err := v.BindPFlag(key, flag); err != nil {
			return fmt.Errorf("failed to bind flag %s: %w", name, err)
		}
	}
	return nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Client defaults
	v.SetDefault("client.global_endpoint", "")
	v.SetDefault("client.preferred_regions", []string{})
	v.SetDefault("client.consistency_level", "session")

	// Topology defaults
	v.SetDefault("topology.fetch_timeout", "10s")
	v.SetDefault("topology.refresh_rate", 20.0)
	v.SetDefault("topology.refresh_burst", 10)
	v.SetDefault("topology.collections", []string{})

	// Session defaults
	v.SetDefault("session.enabled", true)

	// Retry defaults
	v.SetDefault("retry.topology_retry_enabled", true)
	v.SetDefault("retry.throttle_max_retries", 9)
	v.SetDefault("retry.throttle_max_wait", "30s")
	v.SetDefault("retry.max_attempts", 10)

	// Event bus defaults
	nats := eventbus.DefaultNATSConfig()
	v.SetDefault("eventbus.enabled", false)
	v.SetDefault("eventbus.proactive_refresh", true)
	v.SetDefault("eventbus.nats.url", nats.URL)
	v.SetDefault("eventbus.nats.stream_name", nats.StreamName)
	v.SetDefault("eventbus.nats.subject_prefix", nats.SubjectPrefix)
	v.SetDefault("eventbus.nats.consumer_prefix", nats.ConsumerPrefix)
	v.SetDefault("eventbus.nats.max_age", nats.MaxAge)
	v.SetDefault("eventbus.nats.max_bytes", nats.MaxBytes)
	v.SetDefault("eventbus.nats.max_msgs", nats.MaxMsgs)
	v.SetDefault("eventbus.nats.replicas", nats.Replicas)
	v.SetDefault("eventbus.nats.connect_timeout", nats.ConnectTimeout)
	v.SetDefault("eventbus.nats.reconnect_wait", nats.ReconnectWait)
	v.SetDefault("eventbus.nats.max_reconnect_attempts", nats.MaxReconnectAttempts)

	// Server defaults
	v.SetDefault("server.enabled", true)
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.grpc_port", 9090)
	v.SetDefault("server.metrics_port", 9091)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.trust_proxy_headers", false)

	// Telemetry defaults
	v.SetDefault("telemetry.enabled", true)
	v.SetDefault("telemetry.jaeger_endpoint", "")
	v.SetDefault("telemetry.service_name", "drc")
	v.SetDefault("telemetry.service_version", "1.0.0")
	v.SetDefault("telemetry.sample_rate", 1.0)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output_path", "stderr")
}

// Validate checks the configuration. Endpoint problems surface as
// *status.InvalidEndpointFormatError so they fail fast at startup.
func (c *Config) Validate() error {
	if c.Client.GlobalEndpoint == "" {
		return fmt.Errorf("client.global_endpoint is required")
	}
	if _, err := endpoint.RegionalEndpoints(c.Client.GlobalEndpoint, c.Client.PreferredRegions); err != nil {
		return fmt.Errorf("invalid client endpoint configuration: %w", err)
	}

	switch c.Client.ConsistencyLevel {
	case "session", "eventual", "strong", "bounded_staleness", "consistent_prefix":
	default:
		return fmt.Errorf("unsupported consistency level: %q", c.Client.ConsistencyLevel)
	}

	if c.Topology.RefreshRate < 0 || c.Topology.RefreshBurst < 0 {
		return fmt.Errorf("topology refresh rate and burst must not be negative")
	}
	if c.Retry.ThrottleMaxRetries < 0 || c.Retry.MaxAttempts < 0 {
		return fmt.Errorf("retry limits must not be negative")
	}

	if c.Server.Enabled {
		for name, port := range map[string]int{"port": c.Server.Port, "grpc_port": c.Server.GRPCPort, "metrics_port": c.Server.MetricsPort} {
			if port < 0 || port > 65535 {
				return fmt.Errorf("server.%s out of range: %d", name, port)
			}
		}
	}

	if c.EventBus.Enabled {
		nats := c.EventBus.NATS
		if err := nats.Validate(); err != nil {
			return fmt.Errorf("invalid eventbus configuration: %w", err)
		}
	}
	return nil
}

// SessionConsistency reports whether session tokens must be tracked.
func (c *Config) SessionConsistency() bool {
	return c.Session.Enabled && c.Client.ConsistencyLevel == "session"
}
