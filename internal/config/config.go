// Package config loads and validates application configuration from YAML files
// and environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/kelseyhightower/envconfig"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override, e.g. XRPC_SERVER_PORT.
const EnvPrefix = "XRPC"

// Config is the root application configuration.
type Config struct {
	Server           ServerConfig        `yaml:"server"`
	Payload          PayloadConfig       `yaml:"payload"`
	ValidateResponse bool                `yaml:"validate_response"`
	Lexicons         LexiconsConfig      `yaml:"lexicons"`
	RateLimits       RateLimitsConfig    `yaml:"rate_limits"`
	Stream           StreamConfig        `yaml:"stream"`
	Identity         IdentityConfig      `yaml:"identity"`
	Observability    ObservabilityConfig `yaml:"observability"`
}

// ServerConfig describes HTTP server settings. Read and write timeouts
// default to zero because subscription connections are long-lived; the
// header timeout still bounds slow clients.
type ServerConfig struct {
	Port              int           `yaml:"port"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	ReadTimeout       time.Duration `yaml:"read_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
	CORS              CORSConfig    `yaml:"cors"`
}

// CORSConfig describes Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
	MaxAge         int      `yaml:"max_age"`
}

// PayloadConfig bounds request bodies per content class, in bytes.
type PayloadConfig struct {
	JSONLimit int64 `yaml:"json_limit"`
	TextLimit int64 `yaml:"text_limit"`
	BlobLimit int64 `yaml:"blob_limit"`
}

// LexiconsConfig describes where to find lexicon documents.
type LexiconsConfig struct {
	Directories []string `yaml:"directories"`
}

// RateLimitsConfig declares the server-wide limiters and their store.
type RateLimitsConfig struct {
	Store      RateLimitStoreConfig `yaml:"store"`
	FailClosed bool                 `yaml:"fail_closed"`
	Global     []LimitConfig        `yaml:"global"`
	Shared     []LimitConfig        `yaml:"shared"`
}

// RateLimitStoreConfig selects the counter store.
type RateLimitStoreConfig struct {
	Driver     string `yaml:"driver"`
	Addr       string `yaml:"addr"`
	AddrEnv    string `yaml:"addr_env"`
	DB         int    `yaml:"db"`
	Prefix     string `yaml:"prefix"`
	MemorySize int    `yaml:"memory_size"`
}

// RedisAddr returns the configured address, preferring the value of the
// AddrEnv variable when it is set.
func (c RateLimitStoreConfig) RedisAddr() string {
	if c.AddrEnv != "" {
		if v := os.Getenv(c.AddrEnv); v != "" {
			return v
		}
	}
	return c.Addr
}

// LimitConfig declares one named limiter.
type LimitConfig struct {
	Name     string        `yaml:"name"`
	Duration time.Duration `yaml:"duration"`
	Points   int           `yaml:"points"`
}

// StreamConfig describes subscription transport settings.
type StreamConfig struct {
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	OriginPatterns []string      `yaml:"origin_patterns"`
}

// IdentityConfig describes JWT bearer verification. Verification is disabled
// when JWKSURL is empty.
type IdentityConfig struct {
	Issuer       string        `yaml:"issuer"`
	Audience     string        `yaml:"audience"`
	JWKSURL      string        `yaml:"jwks_url"`
	JWKSCacheTTL time.Duration `yaml:"jwks_cache_ttl"`
	Algorithms   []string      `yaml:"algorithms"`
	// ClaimPaths maps "subject" and "roles" to dot-separated claim paths.
	ClaimPaths map[string]string `yaml:"claim_paths"`
	// AdminRole is the role required by administrative methods.
	AdminRole string `yaml:"admin_role"`
}

// Enabled reports whether bearer verification is configured.
func (c IdentityConfig) Enabled() bool {
	return c.JWKSURL != ""
}

// ObservabilityConfig describes logging, tracing, and metrics settings.
type ObservabilityConfig struct {
	LogLevel string        `yaml:"log_level"`
	Tracing  TracingConfig `yaml:"tracing"`
	Metrics  MetricsConfig `yaml:"metrics"`
}

// TracingConfig describes distributed tracing settings.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Exporter     string  `yaml:"exporter"`
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate"`
}

// MetricsConfig describes Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Defaults returns a Config with sensible default values.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:              8080,
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       120 * time.Second,
			ShutdownTimeout:   30 * time.Second,
			CORS: CORSConfig{
				AllowedMethods: []string{"GET", "POST", "OPTIONS"},
				AllowedHeaders: []string{"Authorization", "Content-Type", "X-Correlation-Id"},
				MaxAge:         86400,
			},
		},
		Payload: PayloadConfig{
			JSONLimit: 150 * 1024,
			TextLimit: 100 * 1024,
			BlobLimit: 5 * 1024 * 1024,
		},
		ValidateResponse: true,
		Lexicons: LexiconsConfig{
			Directories: []string{"lexicons"},
		},
		RateLimits: RateLimitsConfig{
			Store: RateLimitStoreConfig{
				Driver:  "memory",
				AddrEnv: "REDIS_ADDR",
				Prefix:  "xrpc:",
			},
		},
		Stream: StreamConfig{
			WriteTimeout: 10 * time.Second,
		},
		Identity: IdentityConfig{
			JWKSCacheTTL: 1 * time.Hour,
			Algorithms:   []string{"RS256"},
			ClaimPaths: map[string]string{
				"subject": "sub",
				"roles":   "roles",
			},
			AdminRole: "admin",
		},
		Observability: ObservabilityConfig{
			LogLevel: "info",
			Tracing: TracingConfig{
				Exporter:     "otlp",
				SamplingRate: 0.1,
			},
			Metrics: MetricsConfig{
				Enabled: true,
				Path:    "/metrics",
			},
		},
	}
}

// Load reads a YAML config file, applies environment variable overrides,
// and validates the result. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: reading %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parsing %s: %w", path, err)
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, fmt.Errorf("config: environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validation: %w", err)
	}

	return cfg, nil
}

// Validate checks that all fields are present and consistent. Every problem
// is reported.
func (c *Config) Validate() error {
	var errs error

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = multierr.Append(errs, errors.New("server.port must be between 1 and 65535"))
	}
	if c.Payload.JSONLimit <= 0 || c.Payload.TextLimit <= 0 || c.Payload.BlobLimit <= 0 {
		errs = multierr.Append(errs, errors.New("payload limits must be positive"))
	}
	if len(c.Lexicons.Directories) == 0 {
		errs = multierr.Append(errs, errors.New("lexicons.directories is required"))
	}

	switch c.RateLimits.Store.Driver {
	case "memory":
	case "redis":
		if c.RateLimits.Store.RedisAddr() == "" {
			errs = multierr.Append(errs, errors.New("rate_limits.store: redis driver requires addr or addr_env"))
		}
	default:
		errs = multierr.Append(errs, fmt.Errorf("rate_limits.store.driver %q is not supported (memory, redis)", c.RateLimits.Store.Driver))
	}
	errs = multierr.Append(errs, validateLimits("rate_limits.global", c.RateLimits.Global))
	errs = multierr.Append(errs, validateLimits("rate_limits.shared", c.RateLimits.Shared))

	if c.Identity.Enabled() {
		if c.Identity.Issuer == "" {
			errs = multierr.Append(errs, errors.New("identity.issuer is required when jwks_url is set"))
		}
		if c.Identity.Audience == "" {
			errs = multierr.Append(errs, errors.New("identity.audience is required when jwks_url is set"))
		}
	}

	return errs
}

func validateLimits(path string, limits []LimitConfig) error {
	var errs error
	seen := make(map[string]bool, len(limits))
	for i, l := range limits {
		p := fmt.Sprintf("%s[%d]", path, i)
		if l.Name == "" {
			errs = multierr.Append(errs, fmt.Errorf("%s.name is required", p))
		} else if seen[l.Name] {
			errs = multierr.Append(errs, fmt.Errorf("%s.name %q is declared twice", p, l.Name))
		}
		seen[l.Name] = true
		if l.Duration <= 0 {
			errs = multierr.Append(errs, fmt.Errorf("%s.duration must be positive", p))
		}
		if l.Points <= 0 {
			errs = multierr.Append(errs, fmt.Errorf("%s.points must be positive", p))
		}
	}
	return errs
}

// envOverrides lists the XRPC_* variables that override file values. Zero
// values leave the file value in place.
type envOverrides struct {
	ServerPort       int      `envconfig:"SERVER_PORT"`
	LogLevel         string   `envconfig:"OBSERVABILITY_LOG_LEVEL"`
	LexiconDirs      []string `envconfig:"LEXICONS_DIRECTORIES"`
	ValidateResponse string   `envconfig:"VALIDATE_RESPONSE"`
	RateLimitDriver  string   `envconfig:"RATE_LIMITS_STORE_DRIVER"`
	RateLimitAddr    string   `envconfig:"RATE_LIMITS_STORE_ADDR"`
	IdentityIssuer   string   `envconfig:"IDENTITY_ISSUER"`
	IdentityAudience string   `envconfig:"IDENTITY_AUDIENCE"`
	IdentityJWKSURL  string   `envconfig:"IDENTITY_JWKS_URL"`
	TracingEnabled   string   `envconfig:"OBSERVABILITY_TRACING_ENABLED"`
}

func applyEnvOverrides(cfg *Config) error {
	var o envOverrides
	if err := envconfig.Process(EnvPrefix, &o); err != nil {
		return err
	}

	if o.ServerPort != 0 {
		cfg.Server.Port = o.ServerPort
	}
	if o.LogLevel != "" {
		cfg.Observability.LogLevel = o.LogLevel
	}
	if len(o.LexiconDirs) > 0 {
		cfg.Lexicons.Directories = o.LexiconDirs
	}
	if o.ValidateResponse != "" {
		v, err := strconv.ParseBool(o.ValidateResponse)
		if err != nil {
			return fmt.Errorf("%s_VALIDATE_RESPONSE: %w", EnvPrefix, err)
		}
		cfg.ValidateResponse = v
	}
	if o.RateLimitDriver != "" {
		cfg.RateLimits.Store.Driver = o.RateLimitDriver
	}
	if o.RateLimitAddr != "" {
		cfg.RateLimits.Store.Addr = o.RateLimitAddr
	}
	if o.IdentityIssuer != "" {
		cfg.Identity.Issuer = o.IdentityIssuer
	}
	if o.IdentityAudience != "" {
		cfg.Identity.Audience = o.IdentityAudience
	}
	if o.IdentityJWKSURL != "" {
		cfg.Identity.JWKSURL = o.IdentityJWKSURL
	}
	if o.TracingEnabled != "" {
		v, err := strconv.ParseBool(o.TracingEnabled)
		if err != nil {
			return fmt.Errorf("%s_OBSERVABILITY_TRACING_ENABLED: %w", EnvPrefix, err)
		}
		cfg.Observability.Tracing.Enabled = v
	}
	return nil
}
