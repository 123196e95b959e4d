// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/absmach/agentbus/bus"
	"github.com/absmach/agentbus/ratelimit"
	"github.com/absmach/agentbus/registry"
	"github.com/absmach/agentbus/reliability"
	"github.com/absmach/agentbus/server/otel"
	"github.com/absmach/agentbus/storage"
)

// LegacyTransport is the narrow interface consumed from the legacy
// terminal-multiplexed transport.
type LegacyTransport interface {
	Send(target, text string) bool
	ListTargets() []string
	TargetExists(name string) bool
}

// Config holds bridge tunables.
type Config struct {
	// FallbackEnabled makes broker-path failures fall back to the legacy
	// transport instead of failing the send.
	FallbackEnabled bool

	// ProbeTimeout bounds a single connectivity probe.
	ProbeTimeout time.Duration

	// BreakerFailureThreshold is the consecutive broker failures tripping
	// the circuit breaker.
	BreakerFailureThreshold uint32

	// BreakerResetTimeout is the open-state duration before the breaker
	// allows a trial request.
	BreakerResetTimeout time.Duration
}

// DefaultConfig returns the bridge defaults.
func DefaultConfig() Config {
	return Config{
		FallbackEnabled:         true,
		ProbeTimeout:            5 * time.Second,
		BreakerFailureThreshold: 5,
		BreakerResetTimeout:     30 * time.Second,
	}
}

// content is the payload shape of bridge-routed broker messages.
type content struct {
	Text string `json:"text"`
}

// Bridge routes logical sends to either the broker or the legacy transport
// based on each agent's transport mode. It owns the registry and the broker
// client; migration drives it to move agents between transports.
type Bridge struct {
	mu       sync.RWMutex
	fallback bool

	registry  *registry.Registry
	publisher reliability.Publisher
	legacy    LegacyTransport
	limits    *ratelimit.Manager
	breaker   *gobreaker.CircuitBreaker

	probeTimeout time.Duration
	metrics      *otel.Metrics // nil if metrics disabled
	logger       *slog.Logger
}

// Status merges connectivity probes with an agent's descriptor.
type Status struct {
	Agent           string                     `json:"agent"`
	Descriptor      *storage.AgentDescriptor   `json:"descriptor,omitempty"`
	BrokerReachable bool                       `json:"broker_reachable"`
	LegacyReachable bool                       `json:"legacy_reachable"`
	BreakerState    string                     `json:"breaker_state"`
	FallbackEnabled bool                       `json:"fallback_enabled"`
}

// New creates a bridge. The rate limit manager may be nil to disable
// per-agent limits.
func New(reg *registry.Registry, publisher reliability.Publisher, legacy LegacyTransport, limits *ratelimit.Manager, cfg Config, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = def.ProbeTimeout
	}
	if cfg.BreakerFailureThreshold == 0 {
		cfg.BreakerFailureThreshold = def.BreakerFailureThreshold
	}
	if cfg.BreakerResetTimeout <= 0 {
		cfg.BreakerResetTimeout = def.BreakerResetTimeout
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "broker-send",
		MaxRequests: 1,
		Timeout:     cfg.BreakerResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerFailureThreshold
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("broker circuit breaker state changed",
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		},
	})

	return &Bridge{
		fallback:     cfg.FallbackEnabled,
		registry:     reg,
		publisher:    publisher,
		legacy:       legacy,
		limits:       limits,
		breaker:      breaker,
		probeTimeout: cfg.ProbeTimeout,
		logger:       logger,
	}
}

// SetMetrics wires the OTel instruments recording probe outcomes.
func (b *Bridge) SetMetrics(m *otel.Metrics) {
	b.metrics = m
}

// Registry returns the agent registry owned by the bridge.
func (b *Bridge) Registry() *registry.Registry {
	return b.registry
}

// FallbackEnabled reports whether legacy fallback is active.
func (b *Bridge) FallbackEnabled() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.fallback
}

// SetFallback toggles legacy fallback.
func (b *Bridge) SetFallback(enabled bool) {
	b.mu.Lock()
	b.fallback = enabled
	b.mu.Unlock()
}

// Send routes text to an agent. force overrides the agent's transport mode
// when non-empty. It returns the broker message id for broker deliveries and
// the transport mode that carried the send.
func (b *Bridge) Send(ctx context.Context, agent, text string, priority bus.Priority, force storage.TransportMode) (string, storage.TransportMode, error) {
	mode, err := b.resolveMode(ctx, agent, force)
	if err != nil {
		return "", "", err
	}

	if b.limits != nil && !b.limits.AllowPublish(agent) {
		return "", "", ErrRateLimited
	}

	switch mode {
	case storage.ModeLegacy:
		if err := b.sendLegacy(agent, text); err != nil {
			return "", "", err
		}
		return "", storage.ModeLegacy, nil

	case storage.ModeHybrid, storage.ModeBroker:
		id, err := b.sendBroker(ctx, agent, text, priority)
		if err == nil {
			return id, mode, nil
		}
		if b.FallbackEnabled() {
			b.logger.Warn("broker send failed, falling back to legacy",
				"agent", agent, "error", err)
			if lerr := b.sendLegacy(agent, text); lerr != nil {
				return "", "", fmt.Errorf("broker send failed (%v), legacy fallback failed: %w", err, lerr)
			}
			return "", storage.ModeLegacy, nil
		}
		return "", "", err
	}

	return "", "", ErrInvalidMode
}

// MigrateAgent switches an agent's transport mode after a synchronous probe
// in the target mode. The mode is committed only on probe success; a failed
// probe leaves the agent's state untouched.
func (b *Bridge) MigrateAgent(ctx context.Context, agent string, target storage.TransportMode) error {
	if !target.Valid() {
		return ErrInvalidMode
	}

	if err := b.Probe(ctx, agent, target); err != nil {
		return fmt.Errorf("migration to %s aborted: %w", target, err)
	}

	if err := b.registry.SetTransportMode(ctx, agent, target); err != nil {
		return err
	}

	b.logger.Info("agent transport migrated", "agent", agent, "mode", target)
	return nil
}

// Probe checks connectivity to an agent over the given transport mode.
func (b *Bridge) Probe(ctx context.Context, agent string, mode storage.TransportMode) error {
	if b.limits != nil && !b.limits.AllowProbe(agent) {
		return ErrRateLimited
	}

	ctx, cancel := context.WithTimeout(ctx, b.probeTimeout)
	defer cancel()

	var err error
	switch mode {
	case storage.ModeLegacy:
		err = b.probeLegacy(agent)
	case storage.ModeHybrid, storage.ModeBroker:
		err = b.probeBroker(ctx, agent)
	default:
		return ErrInvalidMode
	}

	if b.metrics != nil {
		b.metrics.RecordProbe(string(mode), err == nil)
	}
	return err
}

// GetStatus merges broker and legacy connectivity probes with the agent's
// descriptor.
func (b *Bridge) GetStatus(ctx context.Context, agent string) (*Status, error) {
	st := &Status{
		Agent:           agent,
		BreakerState:    b.breaker.State().String(),
		FallbackEnabled: b.FallbackEnabled(),
	}

	if desc, err := b.registry.Get(ctx, agent); err == nil {
		st.Descriptor = desc
	}
	st.BrokerReachable = b.probeBroker(ctx, agent) == nil
	st.LegacyReachable = b.probeLegacy(agent) == nil

	if st.Descriptor == nil && !st.LegacyReachable {
		return nil, ErrUnknownTarget
	}
	return st, nil
}

// Snapshot captures the bridge configuration for a safety checkpoint.
func (b *Bridge) Snapshot(ctx context.Context) (storage.BridgeConfig, error) {
	cfg := storage.BridgeConfig{
		FallbackEnabled: b.FallbackEnabled(),
		Modes:           make(map[string]storage.TransportMode),
	}

	agents, err := b.registry.List(ctx)
	if err != nil {
		return cfg, err
	}
	for _, desc := range agents {
		cfg.Modes[desc.Name] = desc.TransportMode
	}
	return cfg, nil
}

func (b *Bridge) resolveMode(ctx context.Context, agent string, force storage.TransportMode) (storage.TransportMode, error) {
	if force != "" {
		if !force.Valid() {
			return "", ErrInvalidMode
		}
		return force, nil
	}

	desc, err := b.registry.Get(ctx, agent)
	if err != nil {
		// Unregistered targets are reachable over the legacy transport
		// only.
		if b.legacy != nil && b.legacy.TargetExists(agent) {
			return storage.ModeLegacy, nil
		}
		return "", ErrUnknownTarget
	}
	return desc.TransportMode, nil
}

func (b *Bridge) sendLegacy(agent, text string) error {
	if b.legacy == nil {
		return ErrLegacySend
	}
	if !b.legacy.Send(agent, text) {
		return ErrLegacySend
	}
	return nil
}

func (b *Bridge) sendBroker(ctx context.Context, agent, text string, priority bus.Priority) (string, error) {
	payload, err := json.Marshal(content{Text: text})
	if err != nil {
		return "", err
	}

	msg, err := bus.New("bridge", agent, bus.TypeControl, priority, payload)
	if err != nil {
		return "", err
	}

	id, err := b.breaker.Execute(func() (any, error) {
		return b.publisher.Publish(ctx, msg)
	})
	if err != nil {
		return "", err
	}
	return id.(string), nil
}

func (b *Bridge) probeBroker(ctx context.Context, agent string) error {
	msg, err := bus.New("bridge", agent, bus.TypeProbe, bus.PriorityLow, []byte(`{"probe":true}`),
		bus.WithExpiration(time.Now().Add(b.probeTimeout)))
	if err != nil {
		return err
	}

	if _, err := b.breaker.Execute(func() (any, error) {
		return b.publisher.Publish(ctx, msg)
	}); err != nil {
		return fmt.Errorf("%w: %v", ErrProbeFailed, err)
	}
	return nil
}

func (b *Bridge) probeLegacy(agent string) error {
	if b.legacy == nil || !b.legacy.TargetExists(agent) {
		return ErrProbeFailed
	}
	if !b.legacy.Send(agent, "") {
		return fmt.Errorf("%w: legacy send rejected", ErrProbeFailed)
	}
	return nil
}
