// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Server.HealthAddr != ":8081" {
		t.Errorf("expected default health addr :8081, got %s", cfg.Server.HealthAddr)
	}
	if cfg.Broker.DrainInterval != 500*time.Millisecond {
		t.Errorf("expected drain interval 500ms, got %v", cfg.Broker.DrainInterval)
	}
	if cfg.Reliability.AckTimeout != 30*time.Second {
		t.Errorf("expected ack timeout 30s, got %v", cfg.Reliability.AckTimeout)
	}
	if cfg.Migration.Strategy != "gradual" {
		t.Errorf("expected default strategy gradual, got %s", cfg.Migration.Strategy)
	}
	if cfg.Migration.RollbackThreshold != 0.8 {
		t.Errorf("expected rollback threshold 0.8, got %v", cfg.Migration.RollbackThreshold)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("expected log level info, got %s", cfg.Log.Level)
	}
	if cfg.Storage.Type != "badger" {
		t.Errorf("expected default storage badger, got %s", cfg.Storage.Type)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{
			name:    "default config is valid",
			modify:  func(c *Config) {},
			wantErr: false,
		},
		{
			name: "drain interval too short",
			modify: func(c *Config) {
				c.Broker.DrainInterval = time.Millisecond
			},
			wantErr: true,
		},
		{
			name: "ack timeout too short",
			modify: func(c *Config) {
				c.Reliability.AckTimeout = 100 * time.Millisecond
			},
			wantErr: true,
		},
		{
			name: "max delay below base delay",
			modify: func(c *Config) {
				c.Reliability.Retry.BaseDelay = time.Minute
				c.Reliability.Retry.MaxDelay = time.Second
			},
			wantErr: true,
		},
		{
			name: "retry multiplier below 1",
			modify: func(c *Config) {
				c.Reliability.Retry.Multiplier = 0.5
			},
			wantErr: true,
		},
		{
			name: "offline TTL below heartbeat interval",
			modify: func(c *Config) {
				c.Registry.OfflineTTL = c.Registry.HeartbeatInterval / 2
			},
			wantErr: true,
		},
		{
			name: "unknown migration strategy",
			modify: func(c *Config) {
				c.Migration.Strategy = "heroic"
			},
			wantErr: true,
		},
		{
			name: "rollback threshold above 1",
			modify: func(c *Config) {
				c.Migration.RollbackThreshold = 1.5
			},
			wantErr: true,
		},
		{
			name: "zero checkpoint retention",
			modify: func(c *Config) {
				c.Migration.Rollback.MaxCheckpoints = 0
			},
			wantErr: true,
		},
		{
			name: "rate limit enabled without rate",
			modify: func(c *Config) {
				c.RateLimit.Enabled = true
				c.RateLimit.Publish.Rate = 0
			},
			wantErr: true,
		},
		{
			name: "invalid log level",
			modify: func(c *Config) {
				c.Log.Level = "invalid"
			},
			wantErr: true,
		},
		{
			name: "invalid storage type",
			modify: func(c *Config) {
				c.Storage.Type = "postgres"
			},
			wantErr: true,
		},
		{
			name: "badger without dir",
			modify: func(c *Config) {
				c.Storage.Type = "badger"
				c.Storage.BadgerDir = ""
			},
			wantErr: true,
		},
		{
			name: "memory storage needs no dir",
			modify: func(c *Config) {
				c.Storage.Type = "memory"
				c.Storage.BadgerDir = ""
			},
			wantErr: false,
		},
		{
			name: "bad trace sample rate with metrics enabled",
			modify: func(c *Config) {
				c.Server.MetricsEnabled = true
				c.Server.OtelTraceSampleRate = 2.0
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)

			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadNonExistent(t *testing.T) {
	cfg, err := Load("nonexistent.yaml")
	if err != nil {
		t.Fatalf("Load() should return default config and no error when file doesn't exist, got error: %v", err)
	}
	if cfg == nil {
		t.Fatal("Load() should return a default config, got nil")
	}

	if cfg.Migration.Strategy != "gradual" {
		t.Errorf("expected default config, got strategy %s", cfg.Migration.Strategy)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := []byte(`
migration:
  strategy: canary
  priority:
    backend: 1
    frontend: 2
storage:
  type: memory
log:
  level: debug
  format: json
`)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Migration.Strategy != "canary" {
		t.Errorf("expected strategy canary, got %s", cfg.Migration.Strategy)
	}
	if cfg.Migration.Priority["backend"] != 1 {
		t.Errorf("expected backend priority 1, got %d", cfg.Migration.Priority["backend"])
	}
	if cfg.Log.Format != "json" {
		t.Errorf("expected log format json, got %s", cfg.Log.Format)
	}

	// Untouched sections keep their defaults.
	if cfg.Reliability.AckTimeout != 30*time.Second {
		t.Errorf("expected default ack timeout, got %v", cfg.Reliability.AckTimeout)
	}
}

func TestLoadInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := []byte("migration:\n  strategy: heroic\n")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	if _, err := Load(path); err == nil {
		t.Fatal("Load() should reject an invalid strategy")
	}
}

func TestSaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")

	cfg := Default()
	cfg.Migration.Strategy = "batch"
	cfg.Migration.BatchSize = 4

	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save() error: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if loaded.Migration.Strategy != "batch" {
		t.Errorf("expected strategy batch, got %s", loaded.Migration.Strategy)
	}
	if loaded.Migration.BatchSize != 4 {
		t.Errorf("expected batch size 4, got %d", loaded.Migration.BatchSize)
	}
}
