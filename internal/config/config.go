// Package config loads the service configuration from a YAML file and
// CORDREST_* environment variables on top of models.NewDefaultConfig.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"cordrest/internal/models"

	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "CORDREST_"

// Load loads configuration from file and environment variables
func Load(configPath string) (*models.Config, error) {
	// Start with default configuration
	config := models.NewDefaultConfig()

	if configPath != "" {
		if err := loadFromFile(config, configPath); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	loadFromEnvironment(config)

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

var knownSections = map[string]struct{}{
	"server":        {},
	"rest":          {},
	"global_limit":  {},
	"interactions":  {},
	"logging":       {},
	"metrics":       {},
	"observability": {},
}

// warnUnknownSections logs a warning for each top-level key the decoder
// will ignore, which usually means a typo in the section name.
func warnUnknownSections(data []byte) {
	var top map[string]interface{}
	if err := yaml.Unmarshal(data, &top); err != nil {
		return
	}
	var unknown []string
	for key := range top {
		if _, ok := knownSections[key]; !ok {
			unknown = append(unknown, key)
		}
	}
	sort.Strings(unknown)
	for _, key := range unknown {
		slog.Warn("Config key is not recognised and will be ignored.", "config_key", key)
	}
}

// loadFromFile loads configuration from a YAML file
func loadFromFile(config *models.Config, filePath string) error {
	if _, err := os.Stat(filePath); os.IsNotExist(err) {
		return fmt.Errorf("config file not found: %s", filePath)
	}
	data, err := os.ReadFile(filePath)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	warnUnknownSections(data)
	if err := yaml.Unmarshal(data, config); err != nil {
		return fmt.Errorf("failed to parse YAML config: %w", err)
	}
	return nil
}

func envString(name string, dst *string) {
	if v := os.Getenv(EnvPrefix + name); v != "" {
		*dst = v
	}
}

func envInt(name string, dst *int) {
	if v := os.Getenv(EnvPrefix + name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envInt64(name string, dst *int64) {
	if v := os.Getenv(EnvPrefix + name); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func envFloat(name string, dst *float64) {
	if v := os.Getenv(EnvPrefix + name); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func envDuration(name string, dst *time.Duration) {
	if v := os.Getenv(EnvPrefix + name); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

func envBool(name string, dst *bool) {
	if v := os.Getenv(EnvPrefix + name); v != "" {
		*dst = strings.ToLower(v) == "true"
	}
}

func envList(name string, dst *[]string) {
	if v := os.Getenv(EnvPrefix + name); v != "" {
		var items []string
		for _, item := range strings.Split(v, ",") {
			if item = strings.TrimSpace(item); item != "" {
				items = append(items, item)
			}
		}
		*dst = items
	}
}

// loadFromEnvironment loads configuration from environment variables.
// Unparseable numbers and durations are ignored.
func loadFromEnvironment(config *models.Config) {
	// Server configuration
	envInt("PORT", &config.Server.Port)
	envString("HOST", &config.Server.Host)
	envDuration("READ_TIMEOUT", &config.Server.ReadTimeout)
	envDuration("WRITE_TIMEOUT", &config.Server.WriteTimeout)
	envDuration("IDLE_TIMEOUT", &config.Server.IdleTimeout)
	envDuration("SHUTDOWN_TIMEOUT", &config.Server.ShutdownTimeout)
	envBool("TLS_ENABLED", &config.Server.TLSEnabled)
	envString("TLS_CERT_FILE", &config.Server.TLSCertFile)
	envString("TLS_KEY_FILE", &config.Server.TLSKeyFile)

	// REST client configuration
	envString("BASE_URL", &config.REST.BaseURL)
	envString("TOKEN", &config.REST.Token)
	envString("TOKEN_TYPE", &config.REST.TokenType)
	envString("CLIENT_ID", &config.REST.ClientID)
	envString("CLIENT_SECRET", &config.REST.ClientSecret)
	envList("SCOPES", &config.REST.Scopes)
	envString("USER_AGENT", &config.REST.UserAgent)
	envInt("MAX_RETRIES", &config.REST.MaxRetries)
	envDuration("MAX_RATE_LIMIT", &config.REST.MaxRateLimit)
	envDuration("REQUEST_TIMEOUT", &config.REST.RequestTimeout)
	envBool("CIRCUIT_BREAKER_ENABLED", &config.REST.CircuitBreaker.Enabled)
	envDuration("BUCKET_GC_INTERVAL", &config.REST.Buckets.GCInterval)
	envDuration("BUCKET_IDLE_TTL", &config.REST.Buckets.IdleTTL)
	envInt("MAX_BUCKETS", &config.REST.Buckets.MaxBuckets)

	// Global limiter configuration
	envInt("GLOBAL_REQUESTS_PER_SECOND", &config.GlobalLimit.RequestsPerSecond)
	envString("GLOBAL_BACKEND", &config.GlobalLimit.Backend)
	envString("REDIS_ADDR", &config.GlobalLimit.Redis.Addr)
	envString("REDIS_PASSWORD", &config.GlobalLimit.Redis.Password)
	envInt("REDIS_DB", &config.GlobalLimit.Redis.DB)
	envInt("REDIS_POOL_SIZE", &config.GlobalLimit.Redis.PoolSize)
	envString("REDIS_KEY_PREFIX", &config.GlobalLimit.Redis.KeyPrefix)

	// Interaction configuration
	envBool("INTERACTIONS_ENABLED", &config.Interactions.Enabled)
	envString("PUBLIC_KEY", &config.Interactions.PublicKey)
	envString("INTERACTIONS_PATH", &config.Interactions.Path)
	envDuration("INTERACTIONS_SHUTDOWN_TIMEOUT", &config.Interactions.ShutdownTimeout)
	envInt64("INTERACTIONS_MAX_BODY_BYTES", &config.Interactions.MaxBodyBytes)

	// Logging configuration
	envString("LOG_LEVEL", &config.Logging.Level)
	envString("LOG_FORMAT", &config.Logging.Format)
	envString("LOG_OUTPUT", &config.Logging.Output)
	envString("LOG_FILE_PATH", &config.Logging.FilePath)

	// Metrics configuration
	envBool("METRICS_ENABLED", &config.Metrics.Enabled)
	envString("METRICS_PATH", &config.Metrics.Path)
	envInt("METRICS_PORT", &config.Metrics.Port)

	// Observability configuration
	envString("SERVICE_NAME", &config.Observability.ServiceName)
	envBool("TRACING_ENABLED", &config.Observability.Tracing.Enabled)
	envString("TRACING_EXPORTER", &config.Observability.Tracing.Exporter)
	envString("OTLP_ENDPOINT", &config.Observability.Tracing.OTLPEndpoint)
	envFloat("TRACING_SAMPLE_RATE", &config.Observability.Tracing.SampleRate)
}

// SaveExample saves an example configuration file
func SaveExample(filePath string) error {
	if err := os.MkdirAll(filepath.Dir(filePath), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	config := models.NewDefaultConfig()

	config.REST.Token = "your-bot-token-here"

	config.Interactions.Enabled = true
	config.Interactions.PublicKey = strings.Repeat("0", 64)

	// Example TLS configuration
	config.Server.TLSCertFile = "/path/to/cert.pem"
	config.Server.TLSKeyFile = "/path/to/key.pem"

	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config to YAML: %w", err)
	}

	// The example carries a token placeholder.
	if err := os.WriteFile(filePath, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
