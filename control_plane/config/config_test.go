package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
	if cfg.Storage.Backend != "memory" || cfg.Deployment.LockBackend != "local" {
		t.Errorf("unexpected backends: %+v", cfg)
	}
	if cfg.Deployment.ChunkSize != 500 {
		t.Errorf("chunk size = %d, want 500", cfg.Deployment.ChunkSize)
	}
}

func TestLoadFile(t *testing.T) {
	t.Setenv("TEST_DB_PASSWORD", "s3cret")
	path := filepath.Join(t.TempDir(), "fleetforge.yaml")
	data := `
node_id: cp-1
storage:
  backend: postgres
  database_url: postgres://ff:${TEST_DB_PASSWORD}@db/fleetforge
redis:
  addr: redis:6379
deployment:
  chunk_size: 50
  notify_timeout: 500ms
  lock_backend: redis
logging:
  format: json
  level: debug
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.NodeID != "cp-1" {
		t.Errorf("node id = %q", cfg.NodeID)
	}
	if !strings.Contains(cfg.Storage.DatabaseURL, "s3cret") {
		t.Errorf("environment reference not expanded: %q", cfg.Storage.DatabaseURL)
	}
	if cfg.Deployment.ChunkSize != 50 || cfg.Deployment.NotifyTimeout != 500*time.Millisecond {
		t.Errorf("deployment section: %+v", cfg.Deployment)
	}
	if cfg.Deployment.AssignWorkers != 8 {
		t.Errorf("unset fields should keep defaults, assign_workers = %d", cfg.Deployment.AssignWorkers)
	}
}

func TestEnvOverrides(t *testing.T) {
	env := map[string]string{
		"REDIS_ADDR":                 "cache:6379",
		"DATABASE_URL":               "postgres://db/ff",
		"FLEETFORGE_STORAGE_BACKEND": "postgres",
		"FLEETFORGE_CHUNK_SIZE":      "25",
		"FLEETFORGE_EVENTS_REDIS":    "true",
	}
	cfg := Default()
	err := cfg.applyEnv(func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("overridden config should validate: %v", err)
	}
	if cfg.Redis.Addr != "cache:6379" || cfg.Storage.DatabaseURL != "postgres://db/ff" {
		t.Errorf("overrides not applied: %+v", cfg)
	}
	if cfg.Deployment.ChunkSize != 25 || !cfg.Events.Redis {
		t.Errorf("numeric/bool overrides not applied: %+v", cfg)
	}

	bad := Default()
	err = bad.applyEnv(func(k string) (string, bool) {
		if k == "FLEETFORGE_CHUNK_SIZE" {
			return "many", true
		}
		return "", false
	})
	if err == nil {
		t.Error("expected error for non-numeric chunk size")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"unknown storage", func(c *Config) { c.Storage.Backend = "sqlite" }, "storage.backend"},
		{"postgres without url", func(c *Config) { c.Storage.Backend = "postgres" }, "database_url"},
		{"redis locks without redis", func(c *Config) { c.Deployment.LockBackend = "redis" }, "lock_backend"},
		{"redis idempotency without redis", func(c *Config) { c.Idempotency.Backend = "redis" }, "idempotency.backend"},
		{"bad log level", func(c *Config) { c.Logging.Level = "loud" }, "logging.level"},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Validate() = %v, want error mentioning %q", err, tt.want)
			}
		})
	}

	t.Run("all problems are reported", func(t *testing.T) {
		cfg := Default()
		cfg.Storage.Backend = "sqlite"
		cfg.Logging.Format = "xml"
		err := cfg.Validate()
		if err == nil || !strings.Contains(err.Error(), "storage.backend") || !strings.Contains(err.Error(), "logging.format") {
			t.Errorf("Validate() = %v", err)
		}
	})
}
