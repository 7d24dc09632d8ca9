// ABOUTME: Configuration loading and parsing for relay-gateway
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete relay-gateway configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale"`
	Database  DatabaseConfig  `yaml:"database"`
	Auth      AuthConfig      `yaml:"auth"`
	Webhook   WebhookConfig   `yaml:"webhook"`
	Realtime  RealtimeConfig  `yaml:"realtime"`
	Media     MediaConfig     `yaml:"media"`
	Logging   LoggingConfig   `yaml:"logging"`
	Tenants   []TenantSeed    `yaml:"tenants"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Hostname  string `yaml:"hostname"`
	AuthKey   string `yaml:"auth_key"`
	StateDir  string `yaml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral"`
	Funnel    bool   `yaml:"funnel"` // Enable public Funnel (implies HTTPS)
}

// DatabaseConfig selects and configures the persistence backend
type DatabaseConfig struct {
	Driver string `yaml:"driver"` // sqlite (default) or postgres
	Path   string `yaml:"path"`   // sqlite file path
	DSN    string `yaml:"dsn"`    // postgres connection URL
}

// AuthConfig holds authentication configuration.
// With an empty JWTSecret the gateway runs in development mode and trusts X-User-ID.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

// WebhookConfig configures calls to tenant AI webhooks
type WebhookConfig struct {
	Timeout   time.Duration `yaml:"-"`
	UserAgent string        `yaml:"user_agent"`

	// Raw string values for YAML unmarshaling
	TimeoutRaw string `yaml:"timeout"`
}

// RealtimeConfig configures event fan-out between gateway instances
type RealtimeConfig struct {
	Driver       string `yaml:"driver"` // memory (default), amqp or redis
	AMQPURL      string `yaml:"amqp_url"`
	AMQPExchange string `yaml:"amqp_exchange"`
	RedisURL     string `yaml:"redis_url"`
	BufferSize   int    `yaml:"buffer_size"`

	ReconnectMin time.Duration `yaml:"-"`
	ReconnectMax time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	ReconnectMinRaw string `yaml:"reconnect_min"`
	ReconnectMaxRaw string `yaml:"reconnect_max"`
}

// MediaConfig configures the disk-backed media uploader
type MediaConfig struct {
	Dir      string `yaml:"dir"`
	BaseURL  string `yaml:"base_url"`
	MaxBytes int64  `yaml:"max_bytes"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// TenantSeed is a tenant upserted into the store at startup
type TenantSeed struct {
	Slug       string `yaml:"slug"`
	WebhookURL string `yaml:"webhook_url"`
	Status     string `yaml:"status"`
}

// Defaults applied by Load when a field is left empty
const (
	DefaultWebhookTimeout   = 30 * time.Second
	DefaultUserAgent        = "relay-gateway"
	DefaultRealtimeBuffer   = 64
	DefaultReconnectMin     = 500 * time.Millisecond
	DefaultReconnectMax     = 30 * time.Second
	DefaultAMQPExchange     = "relay.events"
	DefaultMediaMaxBytes    = 20 << 20
	DefaultDatabaseDriver   = "sqlite"
	DefaultRealtimeDriver   = "memory"
	DefaultTenantSeedStatus = "active"
)

// DefaultPath returns the config path from RELAY_CONFIG, falling back to
// $XDG_CONFIG_HOME/relay/gateway.yaml (or ~/.config/relay/gateway.yaml).
func DefaultPath() string {
	if p := os.Getenv("RELAY_CONFIG"); p != "" {
		return p
	}
	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "gateway.yaml"
		}
		configDir = filepath.Join(home, ".config")
	}
	return filepath.Join(configDir, "relay", "gateway.yaml")
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML configuration content, applies defaults and validates it.
func Parse(data []byte) (*Config, error) {
	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// slugPattern matches tenant slugs as host resolution produces them
var slugPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

func (c *Config) applyDefaults() {
	if c.Database.Driver == "" {
		c.Database.Driver = DefaultDatabaseDriver
	}
	if c.Webhook.Timeout == 0 {
		c.Webhook.Timeout = DefaultWebhookTimeout
	}
	if c.Webhook.UserAgent == "" {
		c.Webhook.UserAgent = DefaultUserAgent
	}
	if c.Realtime.Driver == "" {
		c.Realtime.Driver = DefaultRealtimeDriver
	}
	if c.Realtime.BufferSize == 0 {
		c.Realtime.BufferSize = DefaultRealtimeBuffer
	}
	if c.Realtime.AMQPExchange == "" {
		c.Realtime.AMQPExchange = DefaultAMQPExchange
	}
	if c.Realtime.ReconnectMin == 0 {
		c.Realtime.ReconnectMin = DefaultReconnectMin
	}
	if c.Realtime.ReconnectMax == 0 {
		c.Realtime.ReconnectMax = DefaultReconnectMax
	}
	if c.Media.MaxBytes == 0 {
		c.Media.MaxBytes = DefaultMediaMaxBytes
	}
	for i := range c.Tenants {
		if c.Tenants[i].Status == "" {
			c.Tenants[i].Status = DefaultTenantSeedStatus
		}
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	// Server address is required unless Tailscale is enabled
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required (or enable tailscale)")
	}

	// Tailscale requires a hostname
	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	switch c.Database.Driver {
	case "sqlite":
		if c.Database.Path == "" {
			return fmt.Errorf("database.path is required for the sqlite driver")
		}
	case "postgres":
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("database.driver must be sqlite or postgres, got %q", c.Database.Driver)
	}

	if c.Webhook.Timeout < 0 {
		return fmt.Errorf("webhook.timeout must be positive")
	}

	switch c.Realtime.Driver {
	case "memory":
	case "amqp":
		if c.Realtime.AMQPURL == "" {
			return fmt.Errorf("realtime.amqp_url is required for the amqp driver")
		}
	case "redis":
		if c.Realtime.RedisURL == "" {
			return fmt.Errorf("realtime.redis_url is required for the redis driver")
		}
	default:
		return fmt.Errorf("realtime.driver must be memory, amqp or redis, got %q", c.Realtime.Driver)
	}
	if c.Realtime.BufferSize < 1 {
		return fmt.Errorf("realtime.buffer_size must be at least 1")
	}
	if c.Realtime.ReconnectMax < c.Realtime.ReconnectMin {
		return fmt.Errorf("realtime.reconnect_max must not be less than reconnect_min")
	}

	seen := make(map[string]bool, len(c.Tenants))
	for i, t := range c.Tenants {
		if t.Slug == "" {
			return fmt.Errorf("tenants[%d].slug is required", i)
		}
		if !slugPattern.MatchString(t.Slug) {
			return fmt.Errorf("tenants[%d].slug %q must be lower-case letters, digits, '-' or '_'", i, t.Slug)
		}
		if seen[t.Slug] {
			return fmt.Errorf("tenants[%d]: duplicate slug %q", i, t.Slug)
		}
		seen[t.Slug] = true
		switch t.Status {
		case "active", "trial", "suspended", "cancelled":
		default:
			return fmt.Errorf("tenants[%d].status %q is not a tenant status", i, t.Status)
		}
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Webhook.TimeoutRaw != "" {
		cfg.Webhook.Timeout, err = time.ParseDuration(cfg.Webhook.TimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing webhook.timeout %q: %w", cfg.Webhook.TimeoutRaw, err)
		}
	}

	if cfg.Realtime.ReconnectMinRaw != "" {
		cfg.Realtime.ReconnectMin, err = time.ParseDuration(cfg.Realtime.ReconnectMinRaw)
		if err != nil {
			return fmt.Errorf("parsing realtime.reconnect_min %q: %w", cfg.Realtime.ReconnectMinRaw, err)
		}
	}

	if cfg.Realtime.ReconnectMaxRaw != "" {
		cfg.Realtime.ReconnectMax, err = time.ParseDuration(cfg.Realtime.ReconnectMaxRaw)
		if err != nil {
			return fmt.Errorf("parsing realtime.reconnect_max %q: %w", cfg.Realtime.ReconnectMaxRaw, err)
		}
	}

	return nil
}
