package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Vision.EmbeddingDim != 512 {
		t.Errorf("embedding_dim = %d, want 512", cfg.Vision.EmbeddingDim)
	}
	if cfg.Jobs.Store != StoreMemory {
		t.Errorf("jobs.store = %q, want memory", cfg.Jobs.Store)
	}
	if cfg.NATS.ReconnectInterval != 0 {
		t.Errorf("reconnect_interval = %v, want 0 (stay degraded)", cfg.NATS.ReconnectInterval)
	}
	if cfg.Batch.MaxErrors != 5 {
		t.Errorf("batch.max_errors = %d, want 5", cfg.Batch.MaxErrors)
	}
}

func TestLoadYAMLAndEnvOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yml := `
server:
  port: 9000
jobs:
  timeout: 5s
batch:
  max_items: 3
vibe:
  policy: table
  table:
    - {score: 0, percentile: 0}
    - {score: 100, percentile: 100}
`
	if err := os.WriteFile(path, []byte(yml), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("AURUM_SERVER_PORT", "9100")
	t.Setenv("AURUM_JOB_STORE", "redis")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 9100 {
		t.Errorf("env override not applied: port = %d", cfg.Server.Port)
	}
	if cfg.Jobs.Timeout != 5*time.Second {
		t.Errorf("timeout = %v", cfg.Jobs.Timeout)
	}
	if cfg.Batch.MaxItems != 3 {
		t.Errorf("max_items = %d", cfg.Batch.MaxItems)
	}
	if cfg.Jobs.Store != StoreRedis {
		t.Errorf("store = %q", cfg.Jobs.Store)
	}
	if len(cfg.Vibe.Table) != 2 {
		t.Errorf("table anchors = %d", len(cfg.Vibe.Table))
	}
}

func TestValidateRejectsUnknownStore(t *testing.T) {
	cfg := Default()
	cfg.Jobs.Store = "etcd"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for unknown store")
	}
}

func TestValidateRejectsShortTable(t *testing.T) {
	cfg := Default()
	cfg.Vibe.Policy = PolicyTable
	cfg.Vibe.Table = []PercentileAnchor{{Score: 10, Percentile: 10}}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for single-anchor table")
	}
}
