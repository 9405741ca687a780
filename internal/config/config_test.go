package config

import (
	"os"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	os.Unsetenv("PORT")
	os.Unsetenv("COUCHBASE_URL")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Port != "8080" {
		t.Errorf("port = %q, want 8080", cfg.Port)
	}
	if cfg.CouchbaseURL != "couchbase://localhost" {
		t.Errorf("couchbase url = %q", cfg.CouchbaseURL)
	}
	if cfg.DefaultBucket != "fhir" {
		t.Errorf("default bucket = %q", cfg.DefaultBucket)
	}
	if cfg.PageTTL != 5*time.Minute {
		t.Errorf("page ttl = %v, want 5m", cfg.PageTTL)
	}
	if cfg.ShutdownGrace != 15*time.Second {
		t.Errorf("shutdown grace = %v, want 15s", cfg.ShutdownGrace)
	}
}

func TestLoadFromEnv(t *testing.T) {
	os.Setenv("COUCHBASE_URL", "couchbase://db.internal")
	os.Setenv("DEFAULT_BUCKET", "acme")
	os.Setenv("KV_TIMEOUT", "2s")
	defer func() {
		os.Unsetenv("COUCHBASE_URL")
		os.Unsetenv("DEFAULT_BUCKET")
		os.Unsetenv("KV_TIMEOUT")
	}()

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.CouchbaseURL != "couchbase://db.internal" {
		t.Errorf("couchbase url = %q", cfg.CouchbaseURL)
	}
	if cfg.DefaultBucket != "acme" {
		t.Errorf("default bucket = %q", cfg.DefaultBucket)
	}
	if cfg.KVTimeout != 2*time.Second {
		t.Errorf("kv timeout = %v, want 2s", cfg.KVTimeout)
	}
}

func TestValidate(t *testing.T) {
	base := Config{
		Env:           "development",
		CouchbaseURL:  "couchbase://localhost",
		DefaultBucket: "fhir",
		MappingFile:   "configs/mappings.yaml",
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid", func(c *Config) {}, false},
		{"missing couchbase url", func(c *Config) { c.CouchbaseURL = "" }, true},
		{"missing bucket", func(c *Config) { c.DefaultBucket = "" }, true},
		{"missing mapping file", func(c *Config) { c.MappingFile = "" }, true},
		{"production without password", func(c *Config) { c.Env = "production" }, true},
		{"production with password", func(c *Config) {
			c.Env = "production"
			c.CouchbasePass = "secret"
		}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base
			tt.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() err = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestEnvPredicates(t *testing.T) {
	c := &Config{Env: "development"}
	if !c.IsDev() || c.IsProduction() {
		t.Error("development env misreported")
	}
	c.Env = "production"
	if c.IsDev() || !c.IsProduction() {
		t.Error("production env misreported")
	}
}
