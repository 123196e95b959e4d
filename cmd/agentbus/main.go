// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/absmach/agentbus/bridge"
	"github.com/absmach/agentbus/broker"
	"github.com/absmach/agentbus/config"
	"github.com/absmach/agentbus/migration"
	"github.com/absmach/agentbus/ratelimit"
	"github.com/absmach/agentbus/registry"
	"github.com/absmach/agentbus/reliability"
	"github.com/absmach/agentbus/server/health"
	"github.com/absmach/agentbus/server/otel"
	"github.com/absmach/agentbus/storage"
	"github.com/absmach/agentbus/storage/badger"
	"github.com/absmach/agentbus/storage/memory"
)

const usage = `agentbus coordinates worker agents over a reliable message bus.

Usage:
  agentbus serve    [--config FILE]
  agentbus migrate  [--config FILE] [--agent NAME]... [--strategy NAME] [--dry-run] [--force]
  agentbus rollback [--config FILE] [--checkpoint ID|latest] [--reason TEXT]
  agentbus status   [--config FILE] [--agent NAME]

Exit codes: 0 success, 1 failure, 2 rollback triggered.
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		os.Exit(runServe(os.Args[2:]))
	case "migrate":
		os.Exit(runMigrate(os.Args[2:]))
	case "rollback":
		os.Exit(runRollback(os.Args[2:]))
	case "status":
		os.Exit(runStatus(os.Args[2:]))
	case "help", "-h", "--help":
		fmt.Print(usage)
		os.Exit(0)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", os.Args[1], usage)
		os.Exit(1)
	}
}

func setup(configFile string) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, nil, err
	}

	logLevel := slog.LevelInfo
	switch cfg.Log.Level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}

	var handler slog.Handler
	if cfg.Log.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)

	return cfg, logger, nil
}

func openStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	switch cfg.Storage.Type {
	case "memory":
		logger.Info("Using in-memory storage")
		if cfg.Storage.StreamCap > 0 {
			return memory.NewWithCap(cfg.Storage.StreamCap), nil
		}
		return memory.New(), nil
	case "badger":
		store, err := badger.New(badger.Config{
			Dir:       cfg.Storage.BadgerDir,
			StreamCap: cfg.Storage.StreamCap,
		})
		if err != nil {
			return nil, err
		}
		logger.Info("Using BadgerDB persistent storage", "dir", cfg.Storage.BadgerDir)
		return store, nil
	default:
		return nil, fmt.Errorf("unknown storage type %q", cfg.Storage.Type)
	}
}

// stack holds the wired subsystems shared by all commands.
type stack struct {
	store     storage.Store
	tracker   *reliability.AckTracker
	dlq       *reliability.DLQManager
	retry     *reliability.RetryManager
	broker    *broker.Broker
	limits    *ratelimit.Manager
	registry  *registry.Registry
	bridge    *bridge.Bridge
	rollback  *migration.RollbackManager
	migration *migration.Manager
}

func buildStack(cfg *config.Config, store storage.Store, logger *slog.Logger) *stack {
	tracker := reliability.NewAckTracker(store.Deliveries(), reliability.TrackerConfig{
		AckTimeout:    cfg.Reliability.AckTimeout,
		SweepInterval: cfg.Reliability.SweepInterval,
	}, logger)

	dlq := reliability.NewDLQManager(store.Messages(), tracker, reliability.DLQConfig{
		PurgeAge:      cfg.Reliability.DLQ.PurgeAge,
		PurgeInterval: cfg.Reliability.DLQ.PurgeInterval,
	}, logger)

	retry := reliability.NewRetryManager(store.Messages(), tracker, dlq, reliability.RetryConfig{
		Policy: reliability.RetryPolicy{
			BaseDelay:  cfg.Reliability.Retry.BaseDelay,
			MaxDelay:   cfg.Reliability.Retry.MaxDelay,
			Multiplier: cfg.Reliability.Retry.Multiplier,
		},
		CheckInterval: cfg.Reliability.Retry.CheckInterval,
		BatchSize:     cfg.Reliability.Retry.BatchSize,
	}, logger)

	b := broker.New(store.Messages(), tracker, retry, broker.Config{
		DrainInterval: cfg.Broker.DrainInterval,
	}, logger)
	retry.SetPublisher(b)
	tracker.SetTimeoutHandler(retry)

	limits := ratelimit.NewManager(ratelimit.Config{
		Enabled: cfg.RateLimit.Enabled,
		Publish: ratelimit.BucketConfig{
			Enabled: cfg.RateLimit.Publish.Enabled,
			Rate:    cfg.RateLimit.Publish.Rate,
			Burst:   cfg.RateLimit.Publish.Burst,
		},
		Probe: ratelimit.BucketConfig{
			Enabled: cfg.RateLimit.Probe.Enabled,
			Rate:    cfg.RateLimit.Probe.Rate,
			Burst:   cfg.RateLimit.Probe.Burst,
		},
		CleanupInterval: cfg.RateLimit.CleanupInterval,
	})

	reg := registry.New(store.Agents(), b, registry.Config{
		HeartbeatInterval: cfg.Registry.HeartbeatInterval,
		OfflineTTL:        cfg.Registry.OfflineTTL,
	}, logger)

	legacy := bridge.NewTmuxTransport(cfg.Bridge.TmuxSession)
	br := bridge.New(reg, b, legacy, limits, bridge.Config{
		FallbackEnabled:         cfg.Bridge.FallbackEnabled,
		ProbeTimeout:            cfg.Bridge.ProbeTimeout,
		BreakerFailureThreshold: cfg.Bridge.CircuitBreaker.FailureThreshold,
		BreakerResetTimeout:     cfg.Bridge.CircuitBreaker.ResetTimeout,
	}, logger)

	validator := migration.NewValidator(migration.ValidatorConfig{
		MinDiskBytes:          cfg.Migration.Validator.MinDiskBytes,
		MinMemoryBytes:        cfg.Migration.Validator.MinMemoryBytes,
		ConnectivityThreshold: cfg.Migration.Validator.ConnectivityThreshold,
		DataDir:               cfg.Storage.BadgerDir,
	})

	rollback := migration.NewRollbackManager(store.Checkpoints(), br, migration.RollbackConfig{
		MaxCheckpoints:   cfg.Migration.Rollback.MaxCheckpoints,
		Dir:              cfg.Migration.Rollback.Dir,
		SuccessThreshold: cfg.Migration.Rollback.SuccessThreshold,
	}, logger)

	mgr := migration.NewManager(br, validator, rollback, migration.Config{
		Strategy:          migration.Strategy(cfg.Migration.Strategy),
		BatchSize:         cfg.Migration.BatchSize,
		Priority:          cfg.Migration.Priority,
		Capability:        cfg.Migration.Capability,
		StepRetries:       cfg.Migration.StepRetries,
		StepRetryDelay:    cfg.Migration.StepRetryDelay,
		MonitorDuration:   cfg.Migration.MonitorDuration,
		MonitorInterval:   cfg.Migration.MonitorInterval,
		CanaryWindow:      cfg.Migration.CanaryWindow,
		RollbackThreshold: cfg.Migration.RollbackThreshold,
		CheckpointBefore:  cfg.Migration.CheckpointBefore,
		ReportDir:         cfg.Migration.ReportDir,
	}, logger)

	return &stack{
		store:     store,
		tracker:   tracker,
		dlq:       dlq,
		retry:     retry,
		broker:    b,
		limits:    limits,
		registry:  reg,
		bridge:    br,
		rollback:  rollback,
		migration: mgr,
	}
}

// setMetrics threads the OTel instruments through every recording subsystem.
// A nil metrics instance leaves recording disabled.
func (s *stack) setMetrics(m *otel.Metrics) {
	if m == nil {
		return
	}
	s.broker.SetMetrics(m)
	s.dlq.SetMetrics(m)
	s.registry.SetMetrics(m)
	s.bridge.SetMetrics(m)
	s.migration.SetMetrics(m)
}

// shutdown stops the background loops in reverse dependency order.
func (s *stack) shutdown() {
	s.registry.Stop()
	s.retry.Stop()
	s.dlq.Stop()
	s.tracker.Stop()
	s.limits.Stop()
	s.broker.Close()
	if err := s.store.Close(); err != nil {
		slog.Error("Failed to close storage", "error", err)
	}
}

func runServe(args []string) int {
	flags := pflag.NewFlagSet("serve", pflag.ExitOnError)
	configFile := flags.String("config", "", "Path to configuration file")
	flags.Parse(args)

	cfg, logger, err := setup(*configFile)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		return 1
	}

	slog.Info("Starting agent bus", "version", "0.1.0")

	store, err := openStore(cfg, logger)
	if err != nil {
		slog.Error("Failed to initialize storage", "error", err)
		return 1
	}

	var otelShutdown func(context.Context) error
	var metrics *otel.Metrics
	if cfg.Server.MetricsEnabled {
		shutdown, err := otel.InitProvider(cfg.Server, cfg.Server.OtelServiceName)
		if err != nil {
			slog.Error("Failed to initialize OpenTelemetry", "error", err)
			return 1
		}
		otelShutdown = shutdown
		slog.Info("OpenTelemetry initialized", "endpoint", cfg.Server.MetricsAddr)

		if cfg.Server.OtelMetricsEnabled {
			m, err := otel.NewMetrics()
			if err != nil {
				slog.Error("Failed to create metrics", "error", err)
				return 1
			}
			metrics = m
			slog.Info("OTel metrics enabled")
		}
	} else {
		slog.Info("OpenTelemetry disabled")
	}

	s := buildStack(cfg, store, logger)
	defer s.shutdown()
	s.setMetrics(metrics)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s.tracker.Start(ctx)
	s.retry.Start(ctx)
	s.dlq.Start(ctx)

	// Agents address the registry over the bus itself: heartbeats, status
	// updates and task replies all land on its well-known queue.
	if err := s.broker.Subscribe(ctx, registry.BusTarget, s.registry.HandleMessage); err != nil {
		slog.Error("Failed to subscribe registry queue", "error", err)
		return 1
	}

	var wg sync.WaitGroup
	serverErr := make(chan error, 1)

	if cfg.Server.HealthEnabled {
		healthCfg := health.Config{
			Address:         cfg.Server.HealthAddr,
			ShutdownTimeout: cfg.Server.ShutdownTimeout,
		}
		healthServer := health.New(healthCfg, s.broker, s.registry, s.migration, logger)

		wg.Add(1)
		go func() {
			defer wg.Done()
			slog.Info("Starting health check server", "address", cfg.Server.HealthAddr)
			if err := healthServer.Listen(ctx); err != nil {
				serverErr <- err
			}
		}()
	}

	slog.Info("Agent bus started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	code := 0
	select {
	case sig := <-sigChan:
		slog.Info("Received shutdown signal", "signal", sig)
	case err := <-serverErr:
		slog.Error("Server error", "error", err)
		code = 1
	}

	cancel()
	wg.Wait()

	if otelShutdown != nil {
		otelCtx, otelCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer otelCancel()
		if err := otelShutdown(otelCtx); err != nil {
			slog.Error("Failed to shutdown OpenTelemetry", "error", err)
		}
	}

	slog.Info("Agent bus stopped")
	return code
}

func runMigrate(args []string) int {
	flags := pflag.NewFlagSet("migrate", pflag.ExitOnError)
	configFile := flags.String("config", "", "Path to configuration file")
	agents := flags.StringSlice("agent", nil, "Restrict the run to the named agents (repeatable)")
	strategy := flags.String("strategy", "", "Migration strategy (gradual, canary, immediate, batch, capability_based)")
	dryRun := flags.Bool("dry-run", false, "Plan and validate without mutating any agent")
	force := flags.Bool("force", false, "Proceed past failed validation gates")
	flags.Parse(args)

	cfg, logger, err := setup(*configFile)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		return 1
	}

	store, err := openStore(cfg, logger)
	if err != nil {
		slog.Error("Failed to initialize storage", "error", err)
		return 1
	}

	s := buildStack(cfg, store, logger)
	defer s.shutdown()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	s.tracker.Start(ctx)
	s.retry.Start(ctx)

	report, err := s.migration.Run(ctx, migration.RunOptions{
		Strategy: migration.Strategy(*strategy),
		Agents:   *agents,
		DryRun:   *dryRun,
		Force:    *force,
	})
	if report != nil {
		printJSON(report)
	}
	if err != nil {
		slog.Error("Migration did not complete", "error", err)
		if report != nil && (report.FinalStatus == "rolled_back" || report.FinalStatus == "rollback_failed") {
			return 2
		}
		return 1
	}

	return 0
}

func runRollback(args []string) int {
	flags := pflag.NewFlagSet("rollback", pflag.ExitOnError)
	configFile := flags.String("config", "", "Path to configuration file")
	checkpoint := flags.String("checkpoint", "latest", "Checkpoint id to restore, or latest")
	reason := flags.String("reason", "manual rollback", "Reason recorded with the rollback")
	flags.Parse(args)

	cfg, logger, err := setup(*configFile)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		return 1
	}

	store, err := openStore(cfg, logger)
	if err != nil {
		slog.Error("Failed to initialize storage", "error", err)
		return 1
	}

	s := buildStack(cfg, store, logger)
	defer s.shutdown()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	id := *checkpoint
	if id == "latest" {
		id = ""
	}

	record, err := s.rollback.ExecuteRollback(ctx, id, *reason)
	if err != nil {
		slog.Error("Rollback failed", "error", err)
		return 1
	}

	printJSON(record)
	return 2
}

func runStatus(args []string) int {
	flags := pflag.NewFlagSet("status", pflag.ExitOnError)
	configFile := flags.String("config", "", "Path to configuration file")
	agent := flags.String("agent", "", "Report a single agent instead of the whole bus")
	flags.Parse(args)

	cfg, logger, err := setup(*configFile)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		return 1
	}

	store, err := openStore(cfg, logger)
	if err != nil {
		slog.Error("Failed to initialize storage", "error", err)
		return 1
	}

	s := buildStack(cfg, store, logger)
	defer s.shutdown()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if *agent != "" {
		status, err := s.bridge.GetStatus(ctx, *agent)
		if err != nil {
			slog.Error("Failed to get agent status", "agent", *agent, "error", err)
			return 1
		}
		printJSON(status)
		return 0
	}

	agents, err := s.registry.List(ctx)
	if err != nil {
		slog.Error("Failed to list agents", "error", err)
		return 1
	}

	snapshot, err := s.bridge.Snapshot(ctx)
	if err != nil {
		slog.Error("Failed to snapshot bridge state", "error", err)
		return 1
	}

	printJSON(struct {
		Agents   []*storage.AgentDescriptor `json:"agents"`
		Bridge   storage.BridgeConfig       `json:"bridge"`
		LastRun  *migration.Report          `json:"last_run,omitempty"`
		Depth    map[string]int             `json:"queue_depth"`
		Fallback bool                       `json:"fallback_enabled"`
	}{
		Agents:   agents,
		Bridge:   snapshot,
		LastRun:  s.migration.LastReport(),
		Depth:    queueDepths(ctx, s, agents),
		Fallback: s.bridge.FallbackEnabled(),
	})
	return 0
}

func queueDepths(ctx context.Context, s *stack, agents []*storage.AgentDescriptor) map[string]int {
	depths := make(map[string]int, len(agents))
	for _, desc := range agents {
		if depth, err := s.broker.QueueDepth(ctx, desc.Name); err == nil {
			depths[desc.Name] = depth
		}
	}
	return depths
}

func printJSON(v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		slog.Error("Failed to encode output", "error", err)
		return
	}
	fmt.Println(string(data))
}
