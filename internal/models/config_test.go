package models

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

const testPublicKey = "e4c5a3f1b2d6e7f8091a2b3c4d5e6f708192a3b4c5d6e7f8091a2b3c4d5e6f70"

func TestNewDefaultConfig(t *testing.T) {
	config := NewDefaultConfig()

	// Test server defaults
	assert.Equal(t, 8080, config.Server.Port)
	assert.Equal(t, "0.0.0.0", config.Server.Host)
	assert.Equal(t, 30*time.Second, config.Server.ShutdownTimeout)
	assert.False(t, config.Server.TLSEnabled)

	// Test REST defaults
	assert.Equal(t, "https://discord.com/api/v10", config.REST.BaseURL)
	assert.Equal(t, TokenTypeBot, config.REST.TokenType)
	assert.Equal(t, 3, config.REST.MaxRetries)
	assert.Equal(t, 300*time.Second, config.REST.MaxRateLimit)
	assert.Equal(t, 30*time.Second, config.REST.RequestTimeout)
	assert.False(t, config.REST.CircuitBreaker.Enabled)
	assert.Equal(t, time.Minute, config.REST.Buckets.GCInterval)
	assert.Equal(t, 10*time.Minute, config.REST.Buckets.IdleTTL)

	// Test global limiter defaults
	assert.Equal(t, 50, config.GlobalLimit.RequestsPerSecond)
	assert.Equal(t, GlobalBackendMemory, config.GlobalLimit.Backend)

	// Test interaction defaults
	assert.False(t, config.Interactions.Enabled)
	assert.Equal(t, "/interactions", config.Interactions.Path)
	assert.Equal(t, 60*time.Second, config.Interactions.ShutdownTimeout)
	assert.Equal(t, int64(1<<20), config.Interactions.MaxBodyBytes)

	// Test logging defaults
	assert.Equal(t, "info", config.Logging.Level)
	assert.Equal(t, "json", config.Logging.Format)
	assert.Equal(t, "stdout", config.Logging.Output)

	// Test metrics defaults
	assert.True(t, config.Metrics.Enabled)
	assert.Equal(t, "/metrics", config.Metrics.Path)
	assert.Equal(t, 9090, config.Metrics.Port)

	// Test observability defaults
	assert.Equal(t, "cordrest", config.Observability.ServiceName)
	assert.False(t, config.Observability.Tracing.Enabled)
	assert.Equal(t, "stdout", config.Observability.Tracing.Exporter)
	assert.Equal(t, 1.0, config.Observability.Tracing.SampleRate)

	assert.NoError(t, config.Validate())
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(c *Config)
		errorMsg string
	}{
		{"valid default config", func(c *Config) {}, ""},
		{"invalid server config", func(c *Config) { c.Server.Port = -1 }, "invalid server config"},
		{"invalid rest config", func(c *Config) { c.REST.MaxRetries = 6 }, "invalid rest config"},
		{"invalid global limit config", func(c *Config) { c.GlobalLimit.Backend = "etcd" }, "invalid global_limit config"},
		{"invalid interactions config", func(c *Config) { c.Interactions.Enabled = true }, "invalid interactions config"},
		{"invalid logging config", func(c *Config) { c.Logging.Level = "trace" }, "invalid logging config"},
		{"invalid metrics config", func(c *Config) { c.Metrics.Port = 0 }, "invalid metrics config"},
		{"invalid observability config", func(c *Config) { c.Observability.ServiceName = "" }, "invalid observability config"},
		{
			name: "metrics port clashes with server port",
			mutate: func(c *Config) {
				c.Interactions.Enabled = true
				c.Interactions.PublicKey = testPublicKey
				c.Metrics.Port = c.Server.Port
			},
			errorMsg: "metrics port must differ",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := NewDefaultConfig()
			tt.mutate(config)
			err := config.Validate()

			if tt.errorMsg != "" {
				assert.Error(t, err)
				assert.Contains(t, err.Error(), tt.errorMsg)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestServerConfig_Validate(t *testing.T) {
	tests := []struct {
		name     string
		config   ServerConfig
		errorMsg string
	}{
		{
			name:   "valid config",
			config: ServerConfig{Port: 8080, Host: "localhost", ReadTimeout: 30 * time.Second},
		},
		{
			name:     "invalid port - negative",
			config:   ServerConfig{Port: -1, Host: "localhost"},
			errorMsg: "port must be between 0 and 65535",
		},
		{
			name:     "invalid port - too high",
			config:   ServerConfig{Port: 70000, Host: "localhost"},
			errorMsg: "port must be between 0 and 65535",
		},
		{
			name:   "ephemeral port",
			config: ServerConfig{Port: 0, Host: "127.0.0.1"},
		},
		{
			name:     "empty host",
			config:   ServerConfig{Port: 8080},
			errorMsg: "host cannot be empty",
		},
		{
			name:     "negative shutdown timeout",
			config:   ServerConfig{Port: 8080, Host: "localhost", ShutdownTimeout: -time.Second},
			errorMsg: "timeouts cannot be negative",
		},
		{
			name:     "TLS without cert",
			config:   ServerConfig{Port: 8443, Host: "localhost", TLSEnabled: true, TLSKeyFile: "key.pem"},
			errorMsg: "TLS cert file is required",
		},
		{
			name:     "TLS without key",
			config:   ServerConfig{Port: 8443, Host: "localhost", TLSEnabled: true, TLSCertFile: "cert.pem"},
			errorMsg: "TLS key file is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.errorMsg != "" {
				assert.ErrorContains(t, err, tt.errorMsg)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestRESTConfig_Validate(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(rc *RESTConfig)
		errorMsg string
	}{
		{"defaults", func(rc *RESTConfig) {}, ""},
		{"bot token", func(rc *RESTConfig) { rc.Token = "abc" }, ""},
		{"bearer token", func(rc *RESTConfig) { rc.Token, rc.TokenType = "abc", TokenTypeBearer }, ""},
		{"max retries at limit", func(rc *RESTConfig) { rc.MaxRetries = MaxRetriesLimit }, ""},
		{"zero retries", func(rc *RESTConfig) { rc.MaxRetries = 0 }, ""},
		{"empty base url", func(rc *RESTConfig) { rc.BaseURL = "" }, "base URL cannot be empty"},
		{"max retries above limit", func(rc *RESTConfig) { rc.MaxRetries = 6 }, "max retries must be between 0 and 5"},
		{"negative max retries", func(rc *RESTConfig) { rc.MaxRetries = -1 }, "max retries must be between 0 and 5"},
		{"zero max rate limit", func(rc *RESTConfig) { rc.MaxRateLimit = 0 }, "max rate limit must be positive"},
		{"unknown token type", func(rc *RESTConfig) { rc.Token, rc.TokenType = "abc", "Basic" }, "invalid token type"},
		{
			"token and client credentials",
			func(rc *RESTConfig) { rc.Token, rc.ClientID, rc.ClientSecret = "abc", "id", "secret" },
			"mutually exclusive",
		},
		{"client id without secret", func(rc *RESTConfig) { rc.ClientID = "id" }, "must be set together"},
		{"backoff ceiling below start", func(rc *RESTConfig) { rc.Backoff.MaxDelay = time.Millisecond }, "backoff max delay"},
		{"backoff multiplier below one", func(rc *RESTConfig) { rc.Backoff.Multiplier = 0.5 }, "multiplier"},
		{"backoff jitter above one", func(rc *RESTConfig) { rc.Backoff.Jitter = 2 }, "jitter"},
		{
			"breaker threshold zero",
			func(rc *RESTConfig) { rc.CircuitBreaker.Enabled, rc.CircuitBreaker.FailureThreshold = true, 0 },
			"failure threshold",
		},
		{"negative max buckets", func(rc *RESTConfig) { rc.Buckets.MaxBuckets = -1 }, "max buckets"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rc := NewDefaultConfig().REST
			tt.mutate(&rc)
			err := rc.Validate()
			if tt.errorMsg != "" {
				assert.ErrorContains(t, err, tt.errorMsg)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestGlobalLimitConfig_Validate(t *testing.T) {
	gc := NewDefaultConfig().GlobalLimit
	assert.NoError(t, gc.Validate())

	gc.Backend = GlobalBackendRedis
	assert.NoError(t, gc.Validate())

	gc.Redis.Addr = ""
	assert.ErrorContains(t, gc.Validate(), "Redis address is required")

	gc.Backend = "memcached"
	assert.ErrorContains(t, gc.Validate(), "invalid global limit backend")

	gc.Backend = GlobalBackendMemory
	gc.RequestsPerSecond = -1
	assert.ErrorContains(t, gc.Validate(), "cannot be negative")
}

func TestInteractionsConfig_Validate(t *testing.T) {
	valid := InteractionsConfig{
		Enabled:         true,
		PublicKey:       testPublicKey,
		Path:            "/interactions",
		ShutdownTimeout: time.Minute,
		MaxBodyBytes:    1024,
	}
	assert.NoError(t, valid.Validate())

	disabled := InteractionsConfig{}
	assert.NoError(t, disabled.Validate(), "disabled interactions need no key")

	tests := []struct {
		name     string
		mutate   func(ic *InteractionsConfig)
		errorMsg string
	}{
		{"missing key", func(ic *InteractionsConfig) { ic.PublicKey = "" }, "public key"},
		{"short key", func(ic *InteractionsConfig) { ic.PublicKey = testPublicKey[:62] }, "public key"},
		{"non-hex key", func(ic *InteractionsConfig) { ic.PublicKey = strings.Repeat("zz", 32) }, "public key"},
		{"relative path", func(ic *InteractionsConfig) { ic.Path = "interactions" }, "path must start with /"},
		{"zero body limit", func(ic *InteractionsConfig) { ic.MaxBodyBytes = 0 }, "max body bytes"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ic := valid
			tt.mutate(&ic)
			assert.ErrorContains(t, ic.Validate(), tt.errorMsg)
		})
	}
}

func TestLoggingConfig_Validate(t *testing.T) {
	tests := []struct {
		name     string
		config   LoggingConfig
		errorMsg string
	}{
		{"valid", LoggingConfig{Level: "debug", Format: "text", Output: "stderr"}, ""},
		{"file output", LoggingConfig{Level: "info", Format: "json", Output: "file", FilePath: "/tmp/x.log"}, ""},
		{"invalid level", LoggingConfig{Level: "trace", Format: "json", Output: "stdout"}, "invalid log level"},
		{"invalid format", LoggingConfig{Level: "info", Format: "xml", Output: "stdout"}, "invalid log format"},
		{"invalid output", LoggingConfig{Level: "info", Format: "json", Output: "syslog"}, "invalid log output"},
		{"file without path", LoggingConfig{Level: "info", Format: "json", Output: "file"}, "file path is required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.errorMsg != "" {
				assert.ErrorContains(t, err, tt.errorMsg)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestMetricsConfig_Validate(t *testing.T) {
	assert.NoError(t, (&MetricsConfig{Enabled: false}).Validate())
	assert.NoError(t, (&MetricsConfig{Enabled: true, Path: "/metrics", Port: 9090}).Validate())
	assert.ErrorContains(t, (&MetricsConfig{Enabled: true, Port: 9090}).Validate(), "path cannot be empty")
	assert.ErrorContains(t, (&MetricsConfig{Enabled: true, Path: "/m", Port: 0}).Validate(), "port must be between")
}

func TestObservabilityConfig_Validate(t *testing.T) {
	oc := NewDefaultConfig().Observability
	oc.Tracing.Enabled = true
	assert.NoError(t, oc.Validate())

	oc.Tracing.Exporter = "otlp"
	assert.ErrorContains(t, oc.Validate(), "OTLP endpoint is required")

	oc.Tracing.OTLPEndpoint = "collector:4317"
	assert.NoError(t, oc.Validate())

	oc.Tracing.SampleRate = 1.5
	assert.ErrorContains(t, oc.Validate(), "sample rate")

	oc.Tracing.Exporter = "zipkin"
	assert.ErrorContains(t, oc.Validate(), "invalid trace exporter")
}
