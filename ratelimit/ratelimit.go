// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// AgentRateLimiter manages per-agent token buckets for publishes and
// connectivity probes, so a migration run cannot storm a single agent.
type AgentRateLimiter struct {
	mu           sync.RWMutex
	entries      map[string]*agentEntry
	publishRate  rate.Limit
	publishBurst int
	probeRate    rate.Limit
	probeBurst   int
	cleanup      time.Duration
	stopCh       chan struct{}
}

type agentEntry struct {
	publish  *rate.Limiter
	probe    *rate.Limiter
	lastSeen time.Time
}

// NewAgentRateLimiter creates a per-agent rate limiter. Rates are events per
// second, bursts are the burst allowances.
func NewAgentRateLimiter(publishRate float64, publishBurst int, probeRate float64, probeBurst int, cleanupInterval time.Duration) *AgentRateLimiter {
	if cleanupInterval <= 0 {
		cleanupInterval = DefaultConfig().CleanupInterval
	}
	l := &AgentRateLimiter{
		entries:      make(map[string]*agentEntry),
		publishRate:  rate.Limit(publishRate),
		publishBurst: publishBurst,
		probeRate:    rate.Limit(probeRate),
		probeBurst:   probeBurst,
		cleanup:      cleanupInterval,
		stopCh:       make(chan struct{}),
	}
	go l.cleanupLoop()
	return l
}

// AllowPublish checks if a publish toward the given agent is allowed.
func (l *AgentRateLimiter) AllowPublish(agent string) bool {
	return l.entry(agent).publish.Allow()
}

// AllowProbe checks if a connectivity probe toward the given agent is allowed.
func (l *AgentRateLimiter) AllowProbe(agent string) bool {
	return l.entry(agent).probe.Allow()
}

// RemoveAgent drops the limiters for a deregistered agent.
func (l *AgentRateLimiter) RemoveAgent(agent string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.entries, agent)
}

// Stop stops the cleanup goroutine.
func (l *AgentRateLimiter) Stop() {
	close(l.stopCh)
}

func (l *AgentRateLimiter) entry(agent string) *agentEntry {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[agent]
	if !ok {
		e = &agentEntry{
			publish: rate.NewLimiter(l.publishRate, l.publishBurst),
			probe:   rate.NewLimiter(l.probeRate, l.probeBurst),
		}
		l.entries[agent] = e
	}
	e.lastSeen = time.Now()
	return e
}

// cleanupLoop periodically removes stale entries.
func (l *AgentRateLimiter) cleanupLoop() {
	ticker := time.NewTicker(l.cleanup)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.cleanupStale()
		case <-l.stopCh:
			return
		}
	}
}

func (l *AgentRateLimiter) cleanupStale() {
	l.mu.Lock()
	defer l.mu.Unlock()

	threshold := time.Now().Add(-l.cleanup * 2)
	for agent, e := range l.entries {
		if e.lastSeen.Before(threshold) {
			delete(l.entries, agent)
		}
	}
}

// Config holds rate limiting configuration.
type Config struct {
	Enabled bool `yaml:"enabled"`

	Publish BucketConfig `yaml:"publish"`
	Probe   BucketConfig `yaml:"probe"`

	// CleanupInterval bounds how long limiters for idle agents are kept.
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// BucketConfig holds one token bucket's settings.
type BucketConfig struct {
	Enabled bool    `yaml:"enabled"`
	Rate    float64 `yaml:"rate"`  // events per second per agent
	Burst   int     `yaml:"burst"` // burst allowance
}

// DefaultConfig returns a sensible default configuration.
func DefaultConfig() Config {
	return Config{
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
	}
}

// Manager coordinates rate limiting over all agents.
type Manager struct {
	config   Config
	agents   *AgentRateLimiter
	disabled bool
}

// NewManager creates a new rate limit manager.
func NewManager(cfg Config) *Manager {
	if !cfg.Enabled {
		return &Manager{disabled: true, config: cfg}
	}

	return &Manager{
		config: cfg,
		agents: NewAgentRateLimiter(
			cfg.Publish.Rate,
			cfg.Publish.Burst,
			cfg.Probe.Rate,
			cfg.Probe.Burst,
			cfg.CleanupInterval,
		),
	}
}

// AllowPublish checks if a publish toward the given agent is allowed.
func (m *Manager) AllowPublish(agent string) bool {
	if m.disabled || m.agents == nil || !m.config.Publish.Enabled {
		return true
	}
	return m.agents.AllowPublish(agent)
}

// AllowProbe checks if a connectivity probe toward the given agent is allowed.
func (m *Manager) AllowProbe(agent string) bool {
	if m.disabled || m.agents == nil || !m.config.Probe.Enabled {
		return true
	}
	return m.agents.AllowProbe(agent)
}

// OnAgentDeregister cleans up limiters for a removed agent.
func (m *Manager) OnAgentDeregister(agent string) {
	if m.disabled || m.agents == nil {
		return
	}
	m.agents.RemoveAgent(agent)
}

// Stop stops the rate limiter manager and cleans up resources.
func (m *Manager) Stop() {
	if m.agents != nil {
		m.agents.Stop()
	}
}
