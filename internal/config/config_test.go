package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("", Options{})
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.DataDir != "./data" {
		t.Errorf("data_dir = %q", cfg.DataDir)
	}

	if cfg.Storage.Backend != "fs" {
		t.Errorf("backend = %q", cfg.Storage.Backend)
	}

	if cfg.Multipart.MinPartSize != 5*1024*1024 {
		t.Errorf("min_part_size = %d", cfg.Multipart.MinPartSize)
	}

	if cfg.Multipart.MaxParts != 10000 {
		t.Errorf("max_parts = %d", cfg.Multipart.MaxParts)
	}

	if cfg.ColdStorage.SweepInterval != 5*time.Minute {
		t.Errorf("sweep_interval = %v", cfg.ColdStorage.SweepInterval)
	}

	if cfg.ConflictRetries != 5 {
		t.Errorf("conflict_retries = %d", cfg.ConflictRetries)
	}

	if cfg.LogLevel != "info" {
		t.Errorf("log_level = %q", cfg.LogLevel)
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pelican.yaml")

	content := []byte(`
data_dir: /srv/pelican
log_level: debug
multipart:
  min_part_size: 1048576
cold_storage:
  tier_name: vault
  sweep_interval: 30s
`)
	if err := os.WriteFile(path, content, 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path, Options{})
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.DataDir != "/srv/pelican" {
		t.Errorf("data_dir = %q", cfg.DataDir)
	}

	if cfg.LogLevel != "debug" {
		t.Errorf("log_level = %q", cfg.LogLevel)
	}

	if cfg.Multipart.MinPartSize != 1048576 {
		t.Errorf("min_part_size = %d", cfg.Multipart.MinPartSize)
	}

	if cfg.ColdStorage.TierName != "vault" {
		t.Errorf("tier_name = %q", cfg.ColdStorage.TierName)
	}

	if cfg.ColdStorage.SweepInterval != 30*time.Second {
		t.Errorf("sweep_interval = %v", cfg.ColdStorage.SweepInterval)
	}
}

func TestOptionsOverrideFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pelican.yaml")

	if err := os.WriteFile(path, []byte("data_dir: /from/file\n"), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path, Options{DataDir: "/from/flag", LogLevel: "warn"})
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.DataDir != "/from/flag" {
		t.Errorf("data_dir = %q, want flag override", cfg.DataDir)
	}

	if cfg.LogLevel != "warn" {
		t.Errorf("log_level = %q", cfg.LogLevel)
	}
}

func TestValidation(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "defaults valid", mutate: func(*Config) {}},
		{name: "empty data dir", mutate: func(c *Config) { c.DataDir = "" }, wantErr: true},
		{name: "unknown backend", mutate: func(c *Config) { c.Storage.Backend = "tape" }, wantErr: true},
		{name: "zero min part size", mutate: func(c *Config) { c.Multipart.MinPartSize = 0 }, wantErr: true},
		{name: "too many parts", mutate: func(c *Config) { c.Multipart.MaxParts = 20000 }, wantErr: true},
		{name: "zero sweep interval", mutate: func(c *Config) { c.ColdStorage.SweepInterval = 0 }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load("", Options{})
			if err != nil {
				t.Fatalf("load defaults: %v", err)
			}

			tt.mutate(cfg)

			err = cfg.validate()
			if tt.wantErr && err == nil {
				t.Error("validate() = nil, want error")
			}

			if !tt.wantErr && err != nil {
				t.Errorf("validate() = %v", err)
			}
		})
	}
}
