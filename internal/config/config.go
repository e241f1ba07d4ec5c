// Package config handles YAML configuration loading with environment variable
// expansion and startup seeding of the database.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"go.yaml.in/yaml/v3"
)

// Config is the top-level gateway configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	Auth       AuthConfig       `yaml:"auth"`
	Crypto     CryptoConfig     `yaml:"crypto"`
	Router     RouterConfig     `yaml:"router"`
	Breaker    BreakerConfig    `yaml:"circuit_breaker"`
	Cache      CacheConfig      `yaml:"cache"`
	Guardrails GuardrailsConfig `yaml:"guardrails"`
	Workers    WorkersConfig    `yaml:"workers"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
	Seed       SeedConfig       `yaml:"seed"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig holds SQLite settings.
type DatabaseConfig struct {
	Path string `yaml:"path"` // file path or ":memory:"
}

// RedisConfig holds the shared Redis connection settings. When Addr is empty
// the rate limiter and the exact cache tier are disabled.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// AuthConfig holds authentication settings.
type AuthConfig struct {
	// MasterKey is the ambient admin bearer. Required.
	MasterKey string `yaml:"master_key"`
}

// CryptoConfig holds the credential encryption inputs. Both are required;
// losing them makes stored deployment credentials unrecoverable.
type CryptoConfig struct {
	EncryptionKey  string `yaml:"encryption_key"`
	EncryptionSalt string `yaml:"encryption_salt"`
}

// RouterConfig tunes deployment selection.
type RouterConfig struct {
	Strategy   string `yaml:"strategy"` // priority, weighted_round_robin, cost, latency
	MaxRetries int    `yaml:"max_retries"`
}

// BreakerConfig tunes the circuit breaker.
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	Cooldown         time.Duration `yaml:"cooldown"`
}

// CacheConfig holds response cache settings for both tiers.
type CacheConfig struct {
	Enabled           bool          `yaml:"enabled"`
	TTL               time.Duration `yaml:"ttl"`       // semantic tier entry lifetime
	ExactTTL          time.Duration `yaml:"exact_ttl"` // Redis tier entry lifetime
	SemanticThreshold float64       `yaml:"semantic_threshold"`
}

// GuardrailsConfig tunes the built-in checks. Operator rules live in the DB.
type GuardrailsConfig struct {
	Enabled              bool    `yaml:"enabled"`
	MaxInputLength       int     `yaml:"max_input_length"`
	PIIEnabled           bool    `yaml:"pii_enabled"`
	DefaultPIIAction     string  `yaml:"default_pii_action"` // redact, block, warn
	InjectionEnabled     bool    `yaml:"injection_enabled"`
	InjectionThreshold   float64 `yaml:"injection_threshold"`
	ContentFilterEnabled bool    `yaml:"content_filter_enabled"`
}

// WorkersConfig tunes the background workers.
type WorkersConfig struct {
	// LogQueueSize bounds the async request-log queue; overflow drops rows.
	LogQueueSize int `yaml:"log_queue_size"`
	// LogFlushSize and LogFlushInterval bound one batch insert.
	LogFlushSize     int           `yaml:"log_flush_size"`
	LogFlushInterval time.Duration `yaml:"log_flush_interval"`
	// JanitorInterval paces expired-cache and old-log deletion.
	JanitorInterval time.Duration `yaml:"janitor_interval"`
	// LogRetention is how long request log rows are kept. 0 keeps forever.
	LogRetention time.Duration `yaml:"log_retention"`
}

// TelemetryConfig holds observability settings.
type TelemetryConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
}

// MetricsConfig controls Prometheus metrics.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// TracingConfig controls OpenTelemetry tracing.
type TracingConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Endpoint   string  `yaml:"endpoint"`    // OTLP gRPC endpoint
	SampleRate float64 `yaml:"sample_rate"` // 0.0 to 1.0
}

// SeedConfig declares records upserted into the database at startup.
type SeedConfig struct {
	Deployments []DeploymentEntry `yaml:"deployments"`
	Rules       []RuleEntry       `yaml:"guardrail_rules"`
}

// DeploymentEntry is a deployment definition in the config file. Credential
// is plaintext here (usually a ${VAR} reference) and encrypted before it is
// stored.
type DeploymentEntry struct {
	Name       string `yaml:"name"`
	Provider   string `yaml:"provider"` // openai, anthropic, google, ollama
	Model      string `yaml:"model"`
	BaseURL    string `yaml:"base_url"`
	Credential string `yaml:"credential"`
	Priority   int    `yaml:"priority"`
	Weight     int    `yaml:"weight"`
	Active     *bool  `yaml:"active"`
	RPMLimit   *int64 `yaml:"rpm_limit"`
	TPMLimit   *int64 `yaml:"tpm_limit"`
}

// IsActive reports whether the deployment is active (defaults to true).
func (d DeploymentEntry) IsActive() bool {
	return d.Active == nil || *d.Active
}

// RuleEntry is a guardrail rule definition in the config file.
type RuleEntry struct {
	Name     string         `yaml:"name"`
	Type     string         `yaml:"type"` // regex, word_list, max_tokens, pii
	Stage    string         `yaml:"stage"`
	Action   string         `yaml:"action"`
	Config   map[string]any `yaml:"config"`
	Priority int            `yaml:"priority"`
	Active   *bool          `yaml:"active"`
}

// IsActive reports whether the rule is active (defaults to true).
func (r RuleEntry) IsActive() bool {
	return r.Active == nil || *r.Active
}

var envPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(:-[^}]*)?\}`)

// expandEnv replaces ${VAR} and ${VAR:-default} patterns with environment
// variable values. An unset variable without a default leaves the pattern
// in place so the YAML error points at it.
func expandEnv(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		m := envPattern.FindSubmatch(match)
		if val, ok := os.LookupEnv(string(m[1])); ok {
			return []byte(val)
		}
		if len(m[2]) > 0 {
			return []byte(strings.TrimPrefix(string(m[2]), ":-"))
		}
		return match
	})
}

// Load reads and parses a YAML config file, expanding environment variables
// before unmarshal.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	data = expandEnv(data)

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the configuration defaults applied before unmarshal.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    120 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{
			Path: "conduit.db",
		},
		Router: RouterConfig{
			Strategy:   "priority",
			MaxRetries: 2,
		},
		Breaker: BreakerConfig{
			FailureThreshold: 3,
			Cooldown:         60 * time.Second,
		},
		Cache: CacheConfig{
			Enabled:           true,
			TTL:               time.Hour,
			ExactTTL:          time.Hour,
			SemanticThreshold: 0.95,
		},
		Guardrails: GuardrailsConfig{
			Enabled:              true,
			MaxInputLength:       100_000,
			PIIEnabled:           true,
			DefaultPIIAction:     "redact",
			InjectionEnabled:     true,
			InjectionThreshold:   0.70,
			ContentFilterEnabled: true,
		},
		Workers: WorkersConfig{
			LogQueueSize:     10_000,
			LogFlushSize:     100,
			LogFlushInterval: 2 * time.Second,
			JanitorInterval:  5 * time.Minute,
			LogRetention:     90 * 24 * time.Hour,
		},
		Telemetry: TelemetryConfig{
			Metrics: MetricsConfig{Enabled: true},
		},
	}
}

// Validate checks the fields the process cannot run without.
func (c *Config) Validate() error {
	if c.Auth.MasterKey == "" {
		return fmt.Errorf("config: auth.master_key is required")
	}
	if c.Crypto.EncryptionKey == "" || c.Crypto.EncryptionSalt == "" {
		return fmt.Errorf("config: crypto.encryption_key and crypto.encryption_salt are required")
	}
	for i, d := range c.Seed.Deployments {
		if d.Name == "" || d.Provider == "" || d.Model == "" {
			return fmt.Errorf("config: seed.deployments[%d] needs name, provider, and model", i)
		}
	}
	for i, r := range c.Seed.Rules {
		if r.Name == "" || r.Type == "" {
			return fmt.Errorf("config: seed.guardrail_rules[%d] needs name and type", i)
		}
	}
	return nil
}
