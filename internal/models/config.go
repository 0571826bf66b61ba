// Package models - Service configuration and operational settings.
// This file defines the configuration tree for every component of a bot
// process: the interaction HTTP server, the outbound REST client, the shared
// global rate limiter, logging, metrics and tracing.
//
// Configuration Philosophy:
// - Hierarchical configuration grouped by component
// - Defaults that run against the public API with no extra setup
// - Validation catches misconfigurations before any network call is made
package models

import (
	"encoding/hex"
	"errors"
	"fmt"
	"slices"
	"time"
)

// Global limiter backend constants
const (
	GlobalBackendMemory = "memory"
	GlobalBackendRedis  = "redis"
)

// Token type constants accepted in rest.token_type
const (
	TokenTypeBot    = "Bot"
	TokenTypeBearer = "Bearer"
)

// MaxRetriesLimit is the highest accepted rest.max_retries.
const MaxRetriesLimit = 5

// Config is the root configuration structure containing all service settings.
//
// Configuration Structure:
// - Server: inbound HTTP server and network settings
// - REST: outbound API client, retries and per-route buckets
// - GlobalLimit: process-wide (or cluster-wide) requests-per-second ceiling
// - Interactions: signature verification and dispatch
// - Logging, Metrics, Observability: operational output
type Config struct {
	Server        ServerConfig        `yaml:"server" json:"server"`
	REST          RESTConfig          `yaml:"rest" json:"rest"`
	GlobalLimit   GlobalLimitConfig   `yaml:"global_limit" json:"global_limit"`
	Interactions  InteractionsConfig  `yaml:"interactions" json:"interactions"`
	Logging       LoggingConfig       `yaml:"logging" json:"logging"`
	Metrics       MetricsConfig       `yaml:"metrics" json:"metrics"`
	Observability ObservabilityConfig `yaml:"observability" json:"observability"`
}

type ServerConfig struct {
	Port            int           `yaml:"port" json:"port"`
	Host            string        `yaml:"host" json:"host"`
	ReadTimeout     time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout" json:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" json:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
	TLSEnabled      bool          `yaml:"tls_enabled" json:"tls_enabled"`
	TLSCertFile     string        `yaml:"tls_cert_file" json:"tls_cert_file"`
	TLSKeyFile      string        `yaml:"tls_key_file" json:"tls_key_file"`
}

// RESTConfig configures the outbound request executor.
//
// Token and ClientID/ClientSecret are alternatives: a static token is sent
// as "<token_type> <token>", client credentials are exchanged for a bearer
// token on first use.
type RESTConfig struct {
	BaseURL        string               `yaml:"base_url" json:"base_url"`
	Token          string               `yaml:"token" json:"-"`
	TokenType      string               `yaml:"token_type" json:"token_type"`
	ClientID       string               `yaml:"client_id" json:"client_id"`
	ClientSecret   string               `yaml:"client_secret" json:"-"`
	Scopes         []string             `yaml:"scopes" json:"scopes"`
	UserAgent      string               `yaml:"user_agent" json:"user_agent"`
	MaxRetries     int                  `yaml:"max_retries" json:"max_retries"`
	MaxRateLimit   time.Duration        `yaml:"max_rate_limit" json:"max_rate_limit"`
	RequestTimeout time.Duration        `yaml:"request_timeout" json:"request_timeout"`
	Backoff        BackoffConfig        `yaml:"backoff" json:"backoff"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker" json:"circuit_breaker"`
	Buckets        BucketsConfig        `yaml:"buckets" json:"buckets"`
}

type BackoffConfig struct {
	InitialDelay time.Duration `yaml:"initial_delay" json:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay" json:"max_delay"`
	Multiplier   float64       `yaml:"multiplier" json:"multiplier"`
	Jitter       float64       `yaml:"jitter" json:"jitter"`
}

type CircuitBreakerConfig struct {
	Enabled          bool          `yaml:"enabled" json:"enabled"`
	MaxRequests      uint32        `yaml:"max_requests" json:"max_requests"`
	Interval         time.Duration `yaml:"interval" json:"interval"`
	Timeout          time.Duration `yaml:"timeout" json:"timeout"`
	FailureThreshold float64       `yaml:"failure_threshold" json:"failure_threshold"`
	MinRequests      uint32        `yaml:"min_requests" json:"min_requests"`
}

// BucketsConfig controls garbage collection of per-route bucket state.
// A zero GCInterval disables the janitor; a zero MaxBuckets means no cap.
type BucketsConfig struct {
	GCInterval time.Duration `yaml:"gc_interval" json:"gc_interval"`
	IdleTTL    time.Duration `yaml:"idle_ttl" json:"idle_ttl"`
	MaxBuckets int           `yaml:"max_buckets" json:"max_buckets"`
}

// GlobalLimitConfig selects where the global request budget lives. The
// redis backend shares the budget and any global pause between processes
// using the same token.
type GlobalLimitConfig struct {
	RequestsPerSecond int         `yaml:"requests_per_second" json:"requests_per_second"`
	Backend           string      `yaml:"backend" json:"backend"`
	Redis             RedisConfig `yaml:"redis" json:"redis"`
}

type RedisConfig struct {
	Addr      string `yaml:"addr" json:"addr"`
	Password  string `yaml:"password" json:"-"`
	DB        int    `yaml:"db" json:"db"`
	PoolSize  int    `yaml:"pool_size" json:"pool_size"`
	KeyPrefix string `yaml:"key_prefix" json:"key_prefix"`
}

// InteractionsConfig configures the inbound interaction endpoint.
type InteractionsConfig struct {
	Enabled         bool          `yaml:"enabled" json:"enabled"`
	PublicKey       string        `yaml:"public_key" json:"public_key"`
	Path            string        `yaml:"path" json:"path"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes" json:"max_body_bytes"`
}

type LoggingConfig struct {
	Level    string `yaml:"level" json:"level"`
	Format   string `yaml:"format" json:"format"`
	Output   string `yaml:"output" json:"output"`
	FilePath string `yaml:"file_path" json:"file_path"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Path    string `yaml:"path" json:"path"`
	Port    int    `yaml:"port" json:"port"`
}

type ObservabilityConfig struct {
	ServiceName string        `yaml:"service_name" json:"service_name"`
	Tracing     TracingConfig `yaml:"tracing" json:"tracing"`
}

type TracingConfig struct {
	Enabled      bool    `yaml:"enabled" json:"enabled"`
	Exporter     string  `yaml:"exporter" json:"exporter"`
	OTLPEndpoint string  `yaml:"otlp_endpoint" json:"otlp_endpoint"`
	SampleRate   float64 `yaml:"sample_rate" json:"sample_rate"`
}

// NewDefaultConfig creates a configuration with production-ready defaults.
//
// Default Values Rationale:
// - Port 8080: Standard non-privileged HTTP port
// - 3 retries, 5 minute rate-limit budget: matches the remote API's guidance
// - 50 requests per second: the documented global ceiling for bot tokens
// - Memory global limiter: no external dependencies for a single process
// - Interactions disabled until a public key is configured
func NewDefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			Host:            "0.0.0.0",
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    10 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		REST: RESTConfig{
			BaseURL:        "https://discord.com/api/v10",
			TokenType:      TokenTypeBot,
			MaxRetries:     3,
			MaxRateLimit:   300 * time.Second,
			RequestTimeout: 30 * time.Second,
			Backoff: BackoffConfig{
				InitialDelay: 500 * time.Millisecond,
				MaxDelay:     30 * time.Second,
				Multiplier:   2.0,
				Jitter:       0.2,
			},
			CircuitBreaker: CircuitBreakerConfig{
				Enabled:          false,
				MaxRequests:      3,
				Interval:         30 * time.Second,
				Timeout:          60 * time.Second,
				FailureThreshold: 0.6,
				MinRequests:      5,
			},
			Buckets: BucketsConfig{
				GCInterval: time.Minute,
				IdleTTL:    10 * time.Minute,
				MaxBuckets: 0,
			},
		},
		GlobalLimit: GlobalLimitConfig{
			RequestsPerSecond: 50,
			Backend:           GlobalBackendMemory,
			Redis: RedisConfig{
				Addr:      "localhost:6379",
				PoolSize:  10,
				KeyPrefix: "cordrest",
			},
		},
		Interactions: InteractionsConfig{
			Enabled:         false,
			Path:            "/interactions",
			ShutdownTimeout: 60 * time.Second,
			MaxBodyBytes:    1 << 20,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
			Port:    9090,
		},
		Observability: ObservabilityConfig{
			ServiceName: "cordrest",
			Tracing: TracingConfig{
				Enabled:    false,
				Exporter:   "stdout",
				SampleRate: 1.0,
			},
		},
	}
}

func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("invalid server config: %w", err)
	}

	if err := c.REST.Validate(); err != nil {
		return fmt.Errorf("invalid rest config: %w", err)
	}

	if err := c.GlobalLimit.Validate(); err != nil {
		return fmt.Errorf("invalid global_limit config: %w", err)
	}

	if err := c.Interactions.Validate(); err != nil {
		return fmt.Errorf("invalid interactions config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("invalid logging config: %w", err)
	}

	if err := c.Metrics.Validate(); err != nil {
		return fmt.Errorf("invalid metrics config: %w", err)
	}

	if err := c.Observability.Validate(); err != nil {
		return fmt.Errorf("invalid observability config: %w", err)
	}

	if c.Metrics.Enabled && c.Metrics.Port == c.Server.Port {
		return errors.New("metrics port must differ from server port")
	}

	return nil
}

// Validate checks the server section. Port 0 binds an ephemeral port.
func (sc *ServerConfig) Validate() error {
	if sc.Port < 0 || sc.Port > 65535 {
		return errors.New("port must be between 0 and 65535")
	}

	if sc.Host == "" {
		return errors.New("host cannot be empty")
	}

	if sc.ReadTimeout < 0 || sc.WriteTimeout < 0 || sc.IdleTimeout < 0 || sc.ShutdownTimeout < 0 {
		return errors.New("timeouts cannot be negative")
	}

	if sc.TLSEnabled {
		if sc.TLSCertFile == "" {
			return errors.New("TLS cert file is required when TLS is enabled")
		}
		if sc.TLSKeyFile == "" {
			return errors.New("TLS key file is required when TLS is enabled")
		}
	}

	return nil
}

func (rc *RESTConfig) Validate() error {
	if rc.BaseURL == "" {
		return errors.New("base URL cannot be empty")
	}

	if rc.MaxRetries < 0 || rc.MaxRetries > MaxRetriesLimit {
		return fmt.Errorf("max retries must be between 0 and %d", MaxRetriesLimit)
	}

	if rc.MaxRateLimit <= 0 {
		return errors.New("max rate limit must be positive")
	}

	if rc.RequestTimeout < 0 {
		return errors.New("request timeout cannot be negative")
	}

	if rc.Token != "" && rc.TokenType != TokenTypeBot && rc.TokenType != TokenTypeBearer {
		return fmt.Errorf("invalid token type: %s", rc.TokenType)
	}

	if rc.Token != "" && rc.ClientID != "" {
		return errors.New("token and client credentials are mutually exclusive")
	}

	if (rc.ClientID == "") != (rc.ClientSecret == "") {
		return errors.New("client ID and client secret must be set together")
	}

	if rc.Backoff.InitialDelay < 0 || rc.Backoff.MaxDelay < rc.Backoff.InitialDelay {
		return errors.New("backoff max delay must be at least the initial delay")
	}

	if rc.Backoff.Multiplier < 1 {
		return errors.New("backoff multiplier must be at least 1")
	}

	if rc.Backoff.Jitter < 0 || rc.Backoff.Jitter > 1 {
		return errors.New("backoff jitter must be between 0 and 1")
	}

	if rc.CircuitBreaker.Enabled {
		if rc.CircuitBreaker.FailureThreshold <= 0 || rc.CircuitBreaker.FailureThreshold > 1 {
			return errors.New("circuit breaker failure threshold must be in (0, 1]")
		}
		if rc.CircuitBreaker.Timeout <= 0 {
			return errors.New("circuit breaker timeout must be positive")
		}
	}

	if rc.Buckets.GCInterval < 0 || rc.Buckets.IdleTTL < 0 {
		return errors.New("bucket GC settings cannot be negative")
	}

	if rc.Buckets.MaxBuckets < 0 {
		return errors.New("max buckets cannot be negative")
	}

	return nil
}

func (gc *GlobalLimitConfig) Validate() error {
	if gc.RequestsPerSecond < 0 {
		return errors.New("requests per second cannot be negative")
	}

	switch gc.Backend {
	case GlobalBackendMemory:
	case GlobalBackendRedis:
		if gc.Redis.Addr == "" {
			return errors.New("Redis address is required when backend is redis")
		}
	default:
		return fmt.Errorf("invalid global limit backend: %s", gc.Backend)
	}

	return nil
}

func (ic *InteractionsConfig) Validate() error {
	if !ic.Enabled {
		return nil
	}

	key, err := hex.DecodeString(ic.PublicKey)
	if err != nil || len(key) != 32 {
		return errors.New("public key must be 64 hex characters")
	}

	if ic.Path == "" || ic.Path[0] != '/' {
		return errors.New("path must start with /")
	}

	if ic.ShutdownTimeout < 0 {
		return errors.New("shutdown timeout cannot be negative")
	}

	if ic.MaxBodyBytes <= 0 {
		return errors.New("max body bytes must be positive")
	}

	return nil
}

func (lc *LoggingConfig) Validate() error {
	if !slices.Contains([]string{"debug", "info", "warn", "error"}, lc.Level) {
		return fmt.Errorf("invalid log level: %s", lc.Level)
	}

	if !slices.Contains([]string{"json", "text"}, lc.Format) {
		return fmt.Errorf("invalid log format: %s", lc.Format)
	}

	if !slices.Contains([]string{"stdout", "stderr", "file"}, lc.Output) {
		return fmt.Errorf("invalid log output: %s", lc.Output)
	}

	if lc.Output == "file" && lc.FilePath == "" {
		return errors.New("file path is required when output is file")
	}

	return nil
}

func (mc *MetricsConfig) Validate() error {
	if !mc.Enabled {
		return nil
	}

	if mc.Path == "" {
		return errors.New("metrics path cannot be empty")
	}

	if mc.Port <= 0 || mc.Port > 65535 {
		return errors.New("metrics port must be between 1 and 65535")
	}

	return nil
}

func (oc *ObservabilityConfig) Validate() error {
	if oc.ServiceName == "" {
		return errors.New("service name cannot be empty")
	}

	if !oc.Tracing.Enabled {
		return nil
	}

	switch oc.Tracing.Exporter {
	case "stdout":
	case "otlp":
		if oc.Tracing.OTLPEndpoint == "" {
			return errors.New("OTLP endpoint is required when exporter is otlp")
		}
	default:
		return fmt.Errorf("invalid trace exporter: %s", oc.Tracing.Exporter)
	}

	if oc.Tracing.SampleRate < 0 || oc.Tracing.SampleRate > 1 {
		return errors.New("sample rate must be between 0 and 1")
	}

	return nil
}
