// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the agent bus.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Broker      BrokerConfig      `yaml:"broker"`
	Reliability ReliabilityConfig `yaml:"reliability"`
	Registry    RegistryConfig    `yaml:"registry"`
	Bridge      BridgeConfig      `yaml:"bridge"`
	Migration   MigrationConfig   `yaml:"migration"`
	RateLimit   RateLimitConfig   `yaml:"rate_limit"`
	Log         LogConfig         `yaml:"log"`
	Storage     StorageConfig     `yaml:"storage"`
}

// ServerConfig holds server-related configuration.
type ServerConfig struct {
	HealthAddr      string        `yaml:"health_addr"`
	HealthEnabled   bool          `yaml:"health_enabled"`
	MetricsAddr     string        `yaml:"metrics_addr"` // OTLP endpoint
	MetricsEnabled  bool          `yaml:"metrics_enabled"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// OpenTelemetry configuration
	OtelServiceName     string  `yaml:"otel_service_name"`
	OtelServiceVersion  string  `yaml:"otel_service_version"`
	OtelTracesEnabled   bool    `yaml:"otel_traces_enabled"`
	OtelMetricsEnabled  bool    `yaml:"otel_metrics_enabled"`
	OtelTraceSampleRate float64 `yaml:"otel_trace_sample_rate"` // 0.0 to 1.0
}

// BrokerConfig holds message broker settings.
type BrokerConfig struct {
	// Consumer poll interval when no publish notification arrives
	DrainInterval time.Duration `yaml:"drain_interval"`
}

// ReliabilityConfig holds acknowledgment and retry settings.
type ReliabilityConfig struct {
	AckTimeout    time.Duration `yaml:"ack_timeout"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	Retry         RetryConfig   `yaml:"retry"`
	DLQ           DLQConfig     `yaml:"dlq"`
}

// RetryConfig holds backoff settings for failed deliveries.
type RetryConfig struct {
	BaseDelay     time.Duration `yaml:"base_delay"`
	MaxDelay      time.Duration `yaml:"max_delay"`
	Multiplier    float64       `yaml:"multiplier"`
	CheckInterval time.Duration `yaml:"check_interval"`
	BatchSize     int           `yaml:"batch_size"`
}

// DLQConfig holds dead letter queue retention settings.
type DLQConfig struct {
	PurgeAge      time.Duration `yaml:"purge_age"` // 0 = keep forever
	PurgeInterval time.Duration `yaml:"purge_interval"`
}

// RegistryConfig holds agent registry settings.
type RegistryConfig struct {
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	OfflineTTL        time.Duration `yaml:"offline_ttl"`
}

// BridgeConfig holds transport bridge settings.
type BridgeConfig struct {
	FallbackEnabled bool                 `yaml:"fallback_enabled"`
	ProbeTimeout    time.Duration        `yaml:"probe_timeout"`
	TmuxSession     string               `yaml:"tmux_session"` // legacy transport session name
	CircuitBreaker  CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// CircuitBreakerConfig holds circuit breaker configuration for the broker
// path of the bridge.
type CircuitBreakerConfig struct {
	FailureThreshold uint32        `yaml:"failure_threshold"`
	ResetTimeout     time.Duration `yaml:"reset_timeout"`
}

// MigrationConfig holds transport migration settings.
type MigrationConfig struct {
	Strategy          string         `yaml:"strategy"` // gradual, canary, immediate, batch, capability_based
	BatchSize         int            `yaml:"batch_size"`
	Priority          map[string]int `yaml:"priority"`
	Capability        string         `yaml:"capability"`
	StepRetries       int            `yaml:"step_retries"`
	StepRetryDelay    time.Duration  `yaml:"step_retry_delay"`
	MonitorDuration   time.Duration  `yaml:"monitor_duration"`
	MonitorInterval   time.Duration  `yaml:"monitor_interval"`
	CanaryWindow      time.Duration  `yaml:"canary_window"`
	RollbackThreshold float64        `yaml:"rollback_threshold"`
	CheckpointBefore  bool           `yaml:"checkpoint_before"`
	ReportDir         string         `yaml:"report_dir"`

	Rollback  RollbackConfig  `yaml:"rollback"`
	Validator ValidatorConfig `yaml:"validator"`
}

// RollbackConfig holds checkpoint retention and rollback settings.
type RollbackConfig struct {
	MaxCheckpoints   int     `yaml:"max_checkpoints"`
	Dir              string  `yaml:"dir"`
	SuccessThreshold float64 `yaml:"success_threshold"`
}

// ValidatorConfig holds pre-migration validation gates.
type ValidatorConfig struct {
	MinDiskBytes          uint64  `yaml:"min_disk_bytes"`
	MinMemoryBytes        uint64  `yaml:"min_memory_bytes"`
	ConnectivityThreshold float64 `yaml:"connectivity_threshold"`
}

// RateLimitConfig holds per-agent rate limiting settings.
type RateLimitConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Publish         BucketConfig  `yaml:"publish"`
	Probe           BucketConfig  `yaml:"probe"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// BucketConfig holds one token bucket's settings.
type BucketConfig struct {
	Enabled bool    `yaml:"enabled"`
	Rate    float64 `yaml:"rate"`  // events per second per agent
	Burst   int     `yaml:"burst"` // burst allowance
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// StorageConfig holds storage backend configuration.
type StorageConfig struct {
	Type string `yaml:"type"` // memory, badger

	// BadgerDB settings
	BadgerDir string `yaml:"badger_dir"`

	// Per-target stream log cap; 0 uses the backend default
	StreamCap int `yaml:"stream_cap"`
}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			HealthAddr:      ":8081",
			HealthEnabled:   true,
			MetricsAddr:     "localhost:4317",
			MetricsEnabled:  false,
			ShutdownTimeout: 30 * time.Second,

			OtelServiceName:     "agentbus",
			OtelServiceVersion:  "1.0.0",
			OtelMetricsEnabled:  true,
			OtelTracesEnabled:   false,
			OtelTraceSampleRate: 0.1,
		},
		Broker: BrokerConfig{
			DrainInterval: 500 * time.Millisecond,
		},
		Reliability: ReliabilityConfig{
			AckTimeout:    30 * time.Second,
			SweepInterval: time.Second,
			Retry: RetryConfig{
				BaseDelay:     time.Second,
				MaxDelay:      5 * time.Minute,
				Multiplier:    2.0,
				CheckInterval: time.Second,
				BatchSize:     100,
			},
			DLQ: DLQConfig{
				PurgeAge:      0,
				PurgeInterval: time.Minute,
			},
		},
		Registry: RegistryConfig{
			HeartbeatInterval: 10 * time.Second,
			OfflineTTL:        30 * time.Second,
		},
		Bridge: BridgeConfig{
			FallbackEnabled: true,
			ProbeTimeout:    5 * time.Second,
			TmuxSession:     "agents",
			CircuitBreaker: CircuitBreakerConfig{
				FailureThreshold: 5,
				ResetTimeout:     30 * time.Second,
			},
		},
		Migration: MigrationConfig{
			Strategy:          "gradual",
			BatchSize:         2,
			StepRetries:       3,
			StepRetryDelay:    500 * time.Millisecond,
			MonitorDuration:   10 * time.Second,
			MonitorInterval:   time.Second,
			CanaryWindow:      5 * time.Second,
			RollbackThreshold: 0.8,
			CheckpointBefore:  true,
			ReportDir:         "/tmp/agentbus/reports",
			Rollback: RollbackConfig{
				MaxCheckpoints:   10,
				Dir:              "/tmp/agentbus/checkpoints",
				SuccessThreshold: 0.8,
			},
			Validator: ValidatorConfig{
				MinDiskBytes:          256 << 20,
				MinMemoryBytes:        128 << 20,
				ConnectivityThreshold: 0.9,
			},
		},
		RateLimit: RateLimitConfig{
			Enabled: false,
			Publish: BucketConfig{
				Enabled: true,
				Rate:    500,
				Burst:   100,
			},
			Probe: BucketConfig{
				Enabled: true,
				Rate:    10,
				Burst:   5,
			},
			CleanupInterval: 5 * time.Minute,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Storage: StorageConfig{
			Type:      "badger",
			BadgerDir: "/tmp/agentbus/data",
		},
	}
}

// Load loads configuration from a YAML file.
// If the file doesn't exist, returns default configuration.
func Load(filename string) (*Config, error) {
	if filename == "" {
		return Default(), nil
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Broker.DrainInterval < 10*time.Millisecond {
		return fmt.Errorf("broker.drain_interval must be at least 10ms")
	}

	if c.Reliability.AckTimeout < time.Second {
		return fmt.Errorf("reliability.ack_timeout must be at least 1 second")
	}
	if c.Reliability.Retry.BaseDelay <= 0 {
		return fmt.Errorf("reliability.retry.base_delay must be positive")
	}
	if c.Reliability.Retry.MaxDelay < c.Reliability.Retry.BaseDelay {
		return fmt.Errorf("reliability.retry.max_delay must be at least base_delay")
	}
	if c.Reliability.Retry.Multiplier < 1.0 {
		return fmt.Errorf("reliability.retry.multiplier must be at least 1.0")
	}

	if c.Registry.HeartbeatInterval <= 0 {
		return fmt.Errorf("registry.heartbeat_interval must be positive")
	}
	if c.Registry.OfflineTTL < c.Registry.HeartbeatInterval {
		return fmt.Errorf("registry.offline_ttl must be at least heartbeat_interval")
	}

	if c.Bridge.ProbeTimeout < 100*time.Millisecond {
		return fmt.Errorf("bridge.probe_timeout must be at least 100ms")
	}
	if c.Bridge.CircuitBreaker.FailureThreshold < 1 {
		return fmt.Errorf("bridge.circuit_breaker.failure_threshold must be at least 1")
	}

	validStrategies := map[string]bool{
		"gradual": true, "canary": true, "immediate": true,
		"batch": true, "capability_based": true,
	}
	if !validStrategies[c.Migration.Strategy] {
		return fmt.Errorf("migration.strategy must be one of: gradual, canary, immediate, batch, capability_based")
	}
	if c.Migration.BatchSize < 1 {
		return fmt.Errorf("migration.batch_size must be at least 1")
	}
	if c.Migration.RollbackThreshold <= 0.0 || c.Migration.RollbackThreshold > 1.0 {
		return fmt.Errorf("migration.rollback_threshold must be in (0.0, 1.0]")
	}
	if c.Migration.Rollback.MaxCheckpoints < 1 {
		return fmt.Errorf("migration.rollback.max_checkpoints must be at least 1")
	}
	if c.Migration.Rollback.SuccessThreshold <= 0.0 || c.Migration.Rollback.SuccessThreshold > 1.0 {
		return fmt.Errorf("migration.rollback.success_threshold must be in (0.0, 1.0]")
	}
	if c.Migration.Validator.ConnectivityThreshold <= 0.0 || c.Migration.Validator.ConnectivityThreshold > 1.0 {
		return fmt.Errorf("migration.validator.connectivity_threshold must be in (0.0, 1.0]")
	}

	if c.RateLimit.Enabled {
		if c.RateLimit.Publish.Enabled && c.RateLimit.Publish.Rate <= 0 {
			return fmt.Errorf("rate_limit.publish.rate must be positive when enabled")
		}
		if c.RateLimit.Probe.Enabled && c.RateLimit.Probe.Rate <= 0 {
			return fmt.Errorf("rate_limit.probe.rate must be positive when enabled")
		}
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("log.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Log.Format] {
		return fmt.Errorf("log.format must be one of: text, json")
	}

	validStorage := map[string]bool{"memory": true, "badger": true}
	if !validStorage[c.Storage.Type] {
		return fmt.Errorf("storage.type must be one of: memory, badger")
	}
	if c.Storage.Type == "badger" && c.Storage.BadgerDir == "" {
		return fmt.Errorf("storage.badger_dir required when type is badger")
	}

	// OpenTelemetry validation (only if metrics enabled)
	if c.Server.MetricsEnabled {
		if c.Server.OtelServiceName == "" {
			return fmt.Errorf("server.otel_service_name cannot be empty when metrics enabled")
		}
		if c.Server.OtelTraceSampleRate < 0.0 || c.Server.OtelTraceSampleRate > 1.0 {
			return fmt.Errorf("server.otel_trace_sample_rate must be between 0.0 and 1.0")
		}
	}

	return nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
