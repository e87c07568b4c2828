package config

import (
	"os"
	"testing"
	"time"
)

func TestLoadAndValidate(t *testing.T) {
	yaml := `
storage:
  data_dir: "/tmp/wts/test"
  fsync: false

remote:
  enabled: true
  endpoint: "http://localhost:9000"
  bucket: "wal-archive"
  force_path_style: true

durability:
  max_in_flight: 4
  max_attempts: 0
  retry_backoff: "250ms"

lifecycle:
  enabled: true
  max_bytes: "128MB"
  max_age: "1h"

metadata:
  path: "/tmp/wts/test-meta.db"
`
	tmpFile, err := os.CreateTemp("", "wts-config-*.yaml")
	if err != nil {
		t.Fatal(err)
	}
	defer os.Remove(tmpFile.Name())
	tmpFile.WriteString(yaml)
	tmpFile.Close()

	cfg, err := Load(tmpFile.Name())
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}

	if cfg.Storage.DataDir != "/tmp/wts/test" {
		t.Errorf("unexpected data dir: %s", cfg.Storage.DataDir)
	}
	if cfg.Storage.Fsync {
		t.Error("expected fsync to be overridden to false")
	}
	if !cfg.Storage.VerifyHeaders {
		t.Error("expected verify_headers default to survive")
	}
	if cfg.Durability.MaxInFlight != 4 {
		t.Errorf("unexpected max_in_flight: %d", cfg.Durability.MaxInFlight)
	}
	if cfg.Durability.MaxAttempts != 0 {
		t.Errorf("unexpected max_attempts: %d", cfg.Durability.MaxAttempts)
	}
	if cfg.Durability.RetryBackoff.Duration() != 250*time.Millisecond {
		t.Errorf("unexpected retry_backoff: %v", cfg.Durability.RetryBackoff.Duration())
	}
	if cfg.Durability.MaxEnqueuedJobs != 1024 {
		t.Errorf("expected default max_enqueued_jobs, got %d", cfg.Durability.MaxEnqueuedJobs)
	}
	if int64(cfg.Lifecycle.MaxBytes) != 128*1024*1024 {
		t.Errorf("unexpected max_bytes: %d", cfg.Lifecycle.MaxBytes)
	}
}

func TestValidateDefaults(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
}

func TestValidateErrors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no data dir", func(c *Config) { c.Storage.DataDir = "" }},
		{"zero in flight", func(c *Config) { c.Durability.MaxInFlight = 0 }},
		{"zero queue", func(c *Config) { c.Durability.MaxEnqueuedJobs = 0 }},
		{"negative attempts", func(c *Config) { c.Durability.MaxAttempts = -1 }},
		{"no shutdown timeout", func(c *Config) { c.Durability.ShutdownTimeout = 0 }},
		{"remote without bucket", func(c *Config) { c.Remote.Enabled = true }},
		{"lifecycle without remote", func(c *Config) { c.Lifecycle.Enabled = true }},
		{"ingest without nats", func(c *Config) {
			c.Ingest.Enabled = true
			c.NATS.URL = ""
		}},
		{"no metadata path", func(c *Config) { c.Metadata.Path = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestParseByteSizes(t *testing.T) {
	tests := []struct {
		input    string
		expected int64
	}{
		{"1KB", 1024},
		{"256MB", 256 * 1024 * 1024},
		{"10GB", 10 * 1024 * 1024 * 1024},
		{"1TB", 1024 * 1024 * 1024 * 1024},
		{"100B", 100},
	}
	for _, tt := range tests {
		result, err := parseByteSize(tt.input)
		if err != nil {
			t.Errorf("parseByteSize(%q) error: %v", tt.input, err)
			continue
		}
		if result != tt.expected {
			t.Errorf("parseByteSize(%q) = %d, want %d", tt.input, result, tt.expected)
		}
	}
}
