package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// DefaultAPIBaseURL is the development DataSync deployment.
const DefaultAPIBaseURL = "http://datasync-dev-alb-101078500.us-east-1.elb.amazonaws.com"

type Config struct {
	Database    DatabaseConfig  `yaml:"database"`
	API         APIConfig       `yaml:"api"`
	Ingestion   IngestionConfig `yaml:"ingestion"`
	Logging     LoggingConfig   `yaml:"logging"`
	Metrics     MetricsConfig   `yaml:"metrics"`
	Tracing     TracingConfig   `yaml:"tracing"`
	Environment string          `yaml:"environment" validate:"required,oneof=development staging production test"`
}

type DatabaseConfig struct {
	URL            string `yaml:"url" validate:"required"`
	MaxConnections int    `yaml:"max_connections" validate:"min=1"`
}

type APIConfig struct {
	BaseURL        string        `yaml:"base_url" validate:"required,url"`
	Key            string        `yaml:"key" validate:"required"`
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// RequestsPerSecond caps outbound calls; 0 means unlimited.
	RequestsPerSecond float64 `yaml:"requests_per_second" validate:"min=0"`
}

type IngestionConfig struct {
	PageLimit int `yaml:"page_limit" validate:"min=1"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format" validate:"omitempty,oneof=json console"`
}

type MetricsConfig struct {
	// Addr is the listen address for /metrics; empty disables the endpoint.
	Addr string `yaml:"addr"`
}

type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Exporter     string  `yaml:"exporter" validate:"omitempty,oneof=stdout otlp none"`
	ServiceName  string  `yaml:"service_name"`
	OTLPEndpoint string  `yaml:"otlp_endpoint"`
	SampleRate   float64 `yaml:"sample_rate" validate:"min=0,max=1"`
}

// Defaults returns the configuration used when neither a file nor env vars set a value.
func Defaults() Config {
	return Config{
		Database: DatabaseConfig{
			MaxConnections: 10,
		},
		API: APIConfig{
			BaseURL:        DefaultAPIBaseURL,
			RequestTimeout: 30 * time.Second,
		},
		Ingestion: IngestionConfig{
			PageLimit: 100000,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Exporter:    "none",
			ServiceName: "datasync-ingestion",
			SampleRate:  1.0,
		},
		Environment: "development",
	}
}

// Load builds the configuration from defaults and environment variables.
func Load() (Config, error) {
	return LoadWithBase(Defaults())
}

// LoadWithBase applies environment variables on top of base and validates the result.
// It is used after LoadFile so that env vars win over file values.
func LoadWithBase(base Config) (Config, error) {
	cfg := base

	cfg.Database.URL = getEnv("DATABASE_URL", cfg.Database.URL)
	cfg.Database.MaxConnections = getEnvInt("DATABASE_MAX_CONNECTIONS", cfg.Database.MaxConnections)

	cfg.API.BaseURL = strings.TrimRight(getEnv("API_BASE_URL", cfg.API.BaseURL), "/")
	cfg.API.Key = getEnv("TARGET_API_KEY", cfg.API.Key)
	cfg.API.RequestTimeout = getEnvDuration("REQUEST_TIMEOUT", cfg.API.RequestTimeout)
	cfg.API.RequestsPerSecond = getEnvFloat("REQUEST_RPS", cfg.API.RequestsPerSecond)

	cfg.Ingestion.PageLimit = getEnvInt("PAGE_LIMIT", cfg.Ingestion.PageLimit)

	cfg.Logging.Level = getEnv("LOG_LEVEL", cfg.Logging.Level)
	cfg.Logging.Format = getEnv("LOG_FORMAT", cfg.Logging.Format)

	cfg.Metrics.Addr = getEnv("METRICS_ADDR", cfg.Metrics.Addr)

	cfg.Tracing.Enabled = getEnvBool("TRACING_ENABLED", cfg.Tracing.Enabled)
	cfg.Tracing.Exporter = getEnv("TRACING_EXPORTER", cfg.Tracing.Exporter)
	cfg.Tracing.OTLPEndpoint = getEnv("OTLP_ENDPOINT", cfg.Tracing.OTLPEndpoint)
	cfg.Tracing.SampleRate = getEnvFloat("TRACING_SAMPLE_RATE", cfg.Tracing.SampleRate)

	cfg.Environment = getEnv("ENVIRONMENT", cfg.Environment)

	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks struct constraints and reports the env var behind the first failing field.
func Validate(cfg Config) error {
	err := validator.New().Struct(cfg)
	if err == nil {
		return nil
	}
	verrs, ok := err.(validator.ValidationErrors)
	if !ok || len(verrs) == 0 {
		return fmt.Errorf("invalid config: %w", err)
	}
	fe := verrs[0]
	name := fe.Namespace()
	if env, ok := envNames[fe.StructNamespace()]; ok {
		name = env
	}
	if fe.Tag() == "required" {
		return fmt.Errorf("%s is required", name)
	}
	return fmt.Errorf("invalid %s: failed %q constraint (value %v)", name, fe.Tag(), fe.Value())
}

var envNames = map[string]string{
	"Config.Database.URL":            "DATABASE_URL",
	"Config.Database.MaxConnections": "DATABASE_MAX_CONNECTIONS",
	"Config.API.BaseURL":             "API_BASE_URL",
	"Config.API.Key":                 "TARGET_API_KEY",
	"Config.API.RequestTimeout":      "REQUEST_TIMEOUT",
	"Config.API.RequestsPerSecond":   "REQUEST_RPS",
	"Config.Ingestion.PageLimit":     "PAGE_LIMIT",
	"Config.Logging.Format":          "LOG_FORMAT",
	"Config.Tracing.Exporter":        "TRACING_EXPORTER",
	"Config.Tracing.SampleRate":      "TRACING_SAMPLE_RATE",
	"Config.Environment":             "ENVIRONMENT",
}

// RedactURL hides the password component of a connection string for logging.
func RedactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	return u.Redacted()
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvFloat(key string, fallback float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvBool(key string, fallback bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}

// getEnvDuration accepts Go duration strings ("45s") or a bare number of seconds.
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	return fallback
}
