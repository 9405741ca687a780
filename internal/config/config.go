package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port           string        `mapstructure:"PORT"`
	Env            string        `mapstructure:"ENV"`
	BaseURL        string        `mapstructure:"BASE_URL"`
	CouchbaseURL   string        `mapstructure:"COUCHBASE_URL"`
	CouchbaseUser  string        `mapstructure:"COUCHBASE_USER"`
	CouchbasePass  string        `mapstructure:"COUCHBASE_PASSWORD"`
	DefaultBucket  string        `mapstructure:"DEFAULT_BUCKET"`
	MappingFile    string        `mapstructure:"MAPPING_FILE"`
	ConnectTimeout time.Duration `mapstructure:"CONNECT_TIMEOUT"`
	KVTimeout      time.Duration `mapstructure:"KV_TIMEOUT"`
	QueryTimeout   time.Duration `mapstructure:"QUERY_TIMEOUT"`
	SearchTimeout  time.Duration `mapstructure:"SEARCH_TIMEOUT"`
	PageTTL        time.Duration `mapstructure:"PAGE_TTL"`
	ConfigCacheTTL time.Duration `mapstructure:"CONFIG_CACHE_TTL"`
	LogLevel       string        `mapstructure:"LOG_LEVEL"`
	ShutdownGrace  time.Duration `mapstructure:"SHUTDOWN_GRACE"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8080")
	v.SetDefault("ENV", "development")
	v.SetDefault("BASE_URL", "http://localhost:8080/fhir")
	v.SetDefault("COUCHBASE_URL", "couchbase://localhost")
	v.SetDefault("COUCHBASE_USER", "Administrator")
	v.SetDefault("DEFAULT_BUCKET", "fhir")
	v.SetDefault("MAPPING_FILE", "configs/mappings.yaml")
	v.SetDefault("CONNECT_TIMEOUT", "10s")
	v.SetDefault("KV_TIMEOUT", "10s")
	v.SetDefault("QUERY_TIMEOUT", "30s")
	v.SetDefault("SEARCH_TIMEOUT", "30s")
	v.SetDefault("PAGE_TTL", "5m")
	v.SetDefault("CONFIG_CACHE_TTL", "1m")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("SHUTDOWN_GRACE", "15s")

	// Bind env vars explicitly so Unmarshal picks them up
	v.BindEnv("PORT")
	v.BindEnv("ENV")
	v.BindEnv("BASE_URL")
	v.BindEnv("COUCHBASE_URL")
	v.BindEnv("COUCHBASE_USER")
	v.BindEnv("COUCHBASE_PASSWORD")
	v.BindEnv("DEFAULT_BUCKET")
	v.BindEnv("MAPPING_FILE")
	v.BindEnv("CONNECT_TIMEOUT")
	v.BindEnv("KV_TIMEOUT")
	v.BindEnv("QUERY_TIMEOUT")
	v.BindEnv("SEARCH_TIMEOUT")
	v.BindEnv("PAGE_TTL")
	v.BindEnv("CONFIG_CACHE_TTL")
	v.BindEnv("LOG_LEVEL")
	v.BindEnv("SHUTDOWN_GRACE")

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Validate checks that the configuration is safe to run.
func (c *Config) Validate() error {
	if c.CouchbaseURL == "" {
		return fmt.Errorf("COUCHBASE_URL is required")
	}
	if c.IsProduction() && c.CouchbasePass == "" {
		return fmt.Errorf("COUCHBASE_PASSWORD is required in production")
	}
	if c.DefaultBucket == "" {
		return fmt.Errorf("DEFAULT_BUCKET is required")
	}
	if c.MappingFile == "" {
		return fmt.Errorf("MAPPING_FILE is required")
	}
	return nil
}
