// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package bridge_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/absmach/agentbus/bridge"
	"github.com/absmach/agentbus/bus"
	"github.com/absmach/agentbus/registry"
	"github.com/absmach/agentbus/storage"
	"github.com/absmach/agentbus/storage/memory"
)

type fakeLegacy struct {
	mu      sync.Mutex
	targets map[string]bool
	sent    []string
	refuse  bool
}

func newFakeLegacy(targets ...string) *fakeLegacy {
	m := make(map[string]bool, len(targets))
	for _, t := range targets {
		m[t] = true
	}
	return &fakeLegacy{targets: m}
}

func (f *fakeLegacy) Send(target, text string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.refuse || !f.targets[target] {
		return false
	}
	f.sent = append(f.sent, target+":"+text)
	return true
}

func (f *fakeLegacy) ListTargets() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.targets))
	for t := range f.targets {
		out = append(out, t)
	}
	return out
}

func (f *fakeLegacy) TargetExists(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.targets[name]
}

func (f *fakeLegacy) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type fakePublisher struct {
	mu        sync.Mutex
	published []*bus.Message
	fail      bool
}

func (p *fakePublisher) Publish(_ context.Context, msg *bus.Message) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail {
		return "", errors.New("broker unavailable")
	}
	p.published = append(p.published, msg)
	return msg.ID, nil
}

func (p *fakePublisher) setFail(fail bool) {
	p.mu.Lock()
	p.fail = fail
	p.mu.Unlock()
}

func (p *fakePublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.published)
}

func newBridge(t *testing.T, legacy *fakeLegacy, pub *fakePublisher, cfg bridge.Config) (*bridge.Bridge, *registry.Registry) {
	t.Helper()
	reg := registry.New(memory.New().Agents(), pub, registry.Config{}, nil)
	t.Cleanup(reg.Stop)
	b := bridge.New(reg, pub, legacy, nil, cfg, nil)
	return b, reg
}

func register(t *testing.T, reg *registry.Registry, name string, mode storage.TransportMode) {
	t.Helper()
	_, err := reg.Register(context.Background(), name, nil)
	require.NoError(t, err)
	require.NoError(t, reg.SetTransportMode(context.Background(), name, mode))
}

func TestSendLegacyMode(t *testing.T) {
	ctx := context.Background()
	legacy := newFakeLegacy("agent-a")
	pub := &fakePublisher{}
	b, reg := newBridge(t, legacy, pub, bridge.DefaultConfig())
	register(t, reg, "agent-a", storage.ModeLegacy)

	id, mode, err := b.Send(ctx, "agent-a", "hello", bus.PriorityNormal, "")
	require.NoError(t, err)
	assert.Empty(t, id)
	assert.Equal(t, storage.ModeLegacy, mode)
	assert.Equal(t, 1, legacy.sentCount())
	assert.Equal(t, 0, pub.count())
}

func TestSendBrokerMode(t *testing.T) {
	ctx := context.Background()
	legacy := newFakeLegacy("agent-a")
	pub := &fakePublisher{}
	b, reg := newBridge(t, legacy, pub, bridge.DefaultConfig())
	register(t, reg, "agent-a", storage.ModeBroker)

	id, mode, err := b.Send(ctx, "agent-a", "hello", bus.PriorityNormal, "")
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.Equal(t, storage.ModeBroker, mode)
	assert.Equal(t, 1, pub.count())
	assert.Equal(t, 0, legacy.sentCount())
}

func TestSendFallbackToLegacy(t *testing.T) {
	ctx := context.Background()
	legacy := newFakeLegacy("agent-a")
	pub := &fakePublisher{fail: true}
	b, reg := newBridge(t, legacy, pub, bridge.DefaultConfig())
	register(t, reg, "agent-a", storage.ModeBroker)

	id, mode, err := b.Send(ctx, "agent-a", "hello", bus.PriorityNormal, "")
	require.NoError(t, err)
	assert.Empty(t, id)
	assert.Equal(t, storage.ModeLegacy, mode)
	assert.Equal(t, 1, legacy.sentCount())
}

func TestSendNoFallbackPropagatesError(t *testing.T) {
	ctx := context.Background()
	legacy := newFakeLegacy("agent-a")
	pub := &fakePublisher{fail: true}
	cfg := bridge.DefaultConfig()
	cfg.FallbackEnabled = false
	b, reg := newBridge(t, legacy, pub, cfg)
	register(t, reg, "agent-a", storage.ModeBroker)

	_, _, err := b.Send(ctx, "agent-a", "hello", bus.PriorityNormal, "")
	require.Error(t, err)
	assert.Equal(t, 0, legacy.sentCount())
}

func TestSendForceModeOverride(t *testing.T) {
	ctx := context.Background()
	legacy := newFakeLegacy("agent-a")
	pub := &fakePublisher{}
	b, reg := newBridge(t, legacy, pub, bridge.DefaultConfig())
	register(t, reg, "agent-a", storage.ModeBroker)

	_, mode, err := b.Send(ctx, "agent-a", "hello", bus.PriorityNormal, storage.ModeLegacy)
	require.NoError(t, err)
	assert.Equal(t, storage.ModeLegacy, mode)
	assert.Equal(t, 1, legacy.sentCount())
	assert.Equal(t, 0, pub.count())
}

func TestSendUnregisteredTargetUsesLegacy(t *testing.T) {
	ctx := context.Background()
	legacy := newFakeLegacy("pane-7")
	pub := &fakePublisher{}
	b, _ := newBridge(t, legacy, pub, bridge.DefaultConfig())

	_, mode, err := b.Send(ctx, "pane-7", "hello", bus.PriorityNormal, "")
	require.NoError(t, err)
	assert.Equal(t, storage.ModeLegacy, mode)

	_, _, err = b.Send(ctx, "ghost", "hello", bus.PriorityNormal, "")
	assert.ErrorIs(t, err, bridge.ErrUnknownTarget)
}

func TestMigrateAgentCommitsOnProbeSuccess(t *testing.T) {
	ctx := context.Background()
	legacy := newFakeLegacy("agent-a")
	pub := &fakePublisher{}
	b, reg := newBridge(t, legacy, pub, bridge.DefaultConfig())
	register(t, reg, "agent-a", storage.ModeLegacy)

	require.NoError(t, b.MigrateAgent(ctx, "agent-a", storage.ModeBroker))

	desc, err := reg.Get(ctx, "agent-a")
	require.NoError(t, err)
	assert.Equal(t, storage.ModeBroker, desc.TransportMode)

	// The probe went over the broker.
	require.Equal(t, 1, pub.count())
	pub.mu.Lock()
	assert.Equal(t, bus.TypeProbe, pub.published[0].Type)
	pub.mu.Unlock()
}

func TestMigrateAgentFailedProbeLeavesStateUntouched(t *testing.T) {
	ctx := context.Background()
	legacy := newFakeLegacy("agent-a")
	pub := &fakePublisher{fail: true}
	b, reg := newBridge(t, legacy, pub, bridge.DefaultConfig())
	register(t, reg, "agent-a", storage.ModeLegacy)

	err := b.MigrateAgent(ctx, "agent-a", storage.ModeBroker)
	require.Error(t, err)
	assert.ErrorIs(t, err, bridge.ErrProbeFailed)

	desc, err := reg.Get(ctx, "agent-a")
	require.NoError(t, err)
	assert.Equal(t, storage.ModeLegacy, desc.TransportMode)
}

func TestGetStatus(t *testing.T) {
	ctx := context.Background()
	legacy := newFakeLegacy("agent-a")
	pub := &fakePublisher{}
	b, reg := newBridge(t, legacy, pub, bridge.DefaultConfig())
	register(t, reg, "agent-a", storage.ModeHybrid)

	st, err := b.GetStatus(ctx, "agent-a")
	require.NoError(t, err)
	assert.True(t, st.BrokerReachable)
	assert.True(t, st.LegacyReachable)
	assert.True(t, st.FallbackEnabled)
	require.NotNil(t, st.Descriptor)
	assert.Equal(t, storage.ModeHybrid, st.Descriptor.TransportMode)

	_, err = b.GetStatus(ctx, "ghost")
	assert.ErrorIs(t, err, bridge.ErrUnknownTarget)
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	ctx := context.Background()
	legacy := newFakeLegacy("agent-a")
	pub := &fakePublisher{fail: true}
	cfg := bridge.DefaultConfig()
	cfg.FallbackEnabled = false
	cfg.BreakerFailureThreshold = 3
	cfg.BreakerResetTimeout = time.Hour
	b, reg := newBridge(t, legacy, pub, cfg)
	register(t, reg, "agent-a", storage.ModeBroker)

	for i := 0; i < 3; i++ {
		_, _, err := b.Send(ctx, "agent-a", "hello", bus.PriorityNormal, "")
		require.Error(t, err)
	}

	// The breaker is now open and rejects without reaching the backend.
	pub.setFail(false)
	_, _, err := b.Send(ctx, "agent-a", "hello", bus.PriorityNormal, "")
	require.Error(t, err)
	assert.Equal(t, 0, pub.count())
}

func TestSnapshot(t *testing.T) {
	ctx := context.Background()
	legacy := newFakeLegacy("agent-a", "agent-b")
	pub := &fakePublisher{}
	b, reg := newBridge(t, legacy, pub, bridge.DefaultConfig())
	register(t, reg, "agent-a", storage.ModeBroker)
	register(t, reg, "agent-b", storage.ModeLegacy)

	snap, err := b.Snapshot(ctx)
	require.NoError(t, err)
	assert.True(t, snap.FallbackEnabled)
	assert.Equal(t, storage.ModeBroker, snap.Modes["agent-a"])
	assert.Equal(t, storage.ModeLegacy, snap.Modes["agent-b"])
}
