// Package config loads the runtime configuration from file, environment, and
// flags via viper, and validates it before anything starts.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/atrium-labs/atrium/pkg/approval"
	"github.com/atrium-labs/atrium/pkg/storage"
)

// AuthMode selects how callers are authorized.
type AuthMode string

const (
	// AuthModePublic serves anonymous sessions with configured scopes.
	AuthModePublic AuthMode = "public"

	// AuthModeForwarded trusts a bearer token forwarded by the caller.
	AuthModeForwarded AuthMode = "forwarded"

	// AuthModeOrchestrated manages provider tokens server-side in the vault.
	AuthModeOrchestrated AuthMode = "orchestrated"
)

// Config is the validated runtime configuration.
type Config struct {
	Debug bool `mapstructure:"debug"`

	Storage   StorageConfig   `mapstructure:"storage"`
	Session   SessionConfig   `mapstructure:"session"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Vault     VaultConfig     `mapstructure:"vault"`
	Approval  ApprovalConfig  `mapstructure:"approval"`
	Invoker   InvokerConfig   `mapstructure:"invoker"`
	Transport TransportConfig `mapstructure:"transport"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
}

// StorageConfig selects and parameterizes the storage backend.
type StorageConfig struct {
	Backend string `mapstructure:"backend"`

	Redis RedisConfig `mapstructure:"redis"`
}

// RedisConfig carries redis connection parameters.
type RedisConfig struct {
	Addr      string `mapstructure:"addr"`
	Username  string `mapstructure:"username"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// SessionConfig parameterizes the session store.
type SessionConfig struct {
	TTLMs         int64  `mapstructure:"ttl_ms"`
	MaxLifetimeMs int64  `mapstructure:"max_lifetime_ms"`
	SigningSecret string `mapstructure:"signing_secret"`

	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
}

// RateLimitConfig bounds session reads.
type RateLimitConfig struct {
	WindowMs    int64 `mapstructure:"window_ms"`
	MaxRequests int   `mapstructure:"max_requests"`
}

// AuthConfig selects the authorization mode.
type AuthConfig struct {
	Mode            string   `mapstructure:"mode"`
	AnonymousScopes []string `mapstructure:"anonymous_scopes"`
}

// VaultConfig parameterizes the token vault.
type VaultConfig struct {
	// MasterSecret is required in orchestrated mode.
	MasterSecret string `mapstructure:"master_secret"`
}

// ApprovalConfig parameterizes the skill guard.
type ApprovalConfig struct {
	DefaultPolicyMode string `mapstructure:"default_policy_mode"`
}

// InvokerConfig parameterizes flow execution.
type InvokerConfig struct {
	TimeoutMs int64 `mapstructure:"timeout_ms"`
}

// TransportConfig parameterizes the protocol surface.
type TransportConfig struct {
	// JSONResponse replies with plain JSON bodies; false frames each reply
	// as a one-event SSE stream.
	JSONResponse bool `mapstructure:"json_response"`

	// Legacy also accepts the session id from the session_id query
	// parameter, for clients predating the session header.
	Legacy bool `mapstructure:"legacy"`

	// StrictSession rejects any non-initialize request that carries no
	// session id, including requests to public flows.
	StrictSession bool `mapstructure:"strict_session"`
}

// MetricsConfig parameterizes the metrics endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// SetDefaults installs the default values on a viper instance.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("storage.backend", string(storage.BackendTypeMemory))
	v.SetDefault("storage.redis.addr", "127.0.0.1:6379")
	v.SetDefault("session.ttl_ms", time.Hour.Milliseconds())
	v.SetDefault("session.rate_limit.window_ms", (10 * time.Second).Milliseconds())
	v.SetDefault("session.rate_limit.max_requests", 100)
	v.SetDefault("auth.mode", string(AuthModePublic))
	v.SetDefault("auth.anonymous_scopes", []string{"anonymous"})
	v.SetDefault("approval.default_policy_mode", string(approval.PolicyStrict))
	v.SetDefault("invoker.timeout_ms", (30 * time.Second).Milliseconds())
	v.SetDefault("transport.json_response", true)
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.addr", "127.0.0.1:9090")
}

// Load reads configuration from the optional file path plus ATRIUM_*
// environment variables, validates it, and returns the result.
func Load(v *viper.Viper, path string) (*Config, error) {
	SetDefaults(v)
	v.SetEnvPrefix("ATRIUM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	switch storage.BackendType(c.Storage.Backend) {
	case storage.BackendTypeMemory, storage.BackendTypeRedis:
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}

	switch AuthMode(c.Auth.Mode) {
	case AuthModePublic, AuthModeForwarded, AuthModeOrchestrated:
	default:
		return fmt.Errorf("unknown auth mode %q", c.Auth.Mode)
	}
	if AuthMode(c.Auth.Mode) == AuthModeOrchestrated && c.Vault.MasterSecret == "" {
		return fmt.Errorf("vault.master_secret is required in orchestrated mode")
	}

	switch approval.PolicyMode(c.Approval.DefaultPolicyMode) {
	case approval.PolicyStrict, approval.PolicyApproval, approval.PolicyPermissive:
	default:
		return fmt.Errorf("unknown approval policy mode %q", c.Approval.DefaultPolicyMode)
	}

	if c.Session.TTLMs <= 0 {
		return fmt.Errorf("session.ttl_ms must be positive")
	}
	if c.Session.MaxLifetimeMs < 0 {
		return fmt.Errorf("session.max_lifetime_ms cannot be negative")
	}
	if c.Session.RateLimit.MaxRequests <= 0 || c.Session.RateLimit.WindowMs <= 0 {
		return fmt.Errorf("session.rate_limit requires positive window and max requests")
	}
	return nil
}

// SessionTTL returns the session TTL as a duration.
func (c *Config) SessionTTL() time.Duration {
	return time.Duration(c.Session.TTLMs) * time.Millisecond
}

// MaxLifetime returns the session max lifetime as a duration, zero if unset.
func (c *Config) MaxLifetime() time.Duration {
	return time.Duration(c.Session.MaxLifetimeMs) * time.Millisecond
}

// InvokerTimeout returns the flow deadline as a duration.
func (c *Config) InvokerTimeout() time.Duration {
	return time.Duration(c.Invoker.TimeoutMs) * time.Millisecond
}

// StorageConfig converts to the storage factory's config type.
func (c *Config) StorageFactoryConfig() storage.Config {
	return storage.Config{
		Type: storage.BackendType(c.Storage.Backend),
		Redis: storage.RedisConfig{
			Addr:      c.Storage.Redis.Addr,
			Username:  c.Storage.Redis.Username,
			Password:  c.Storage.Redis.Password,
			DB:        c.Storage.Redis.DB,
			KeyPrefix: c.Storage.Redis.KeyPrefix,
		},
	}
}
