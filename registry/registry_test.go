// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package registry_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/absmach/agentbus/bus"
	"github.com/absmach/agentbus/registry"
	"github.com/absmach/agentbus/storage"
	"github.com/absmach/agentbus/storage/memory"
)

type capturePublisher struct {
	mu        sync.Mutex
	published []*bus.Message
}

func (p *capturePublisher) Publish(_ context.Context, msg *bus.Message) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.published = append(p.published, msg)
	return msg.ID, nil
}

func (p *capturePublisher) last() *bus.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.published) == 0 {
		return nil
	}
	return p.published[len(p.published)-1]
}

func newRegistry(t *testing.T) (*registry.Registry, *capturePublisher) {
	t.Helper()
	pub := &capturePublisher{}
	r := registry.New(memory.New().Agents(), pub, registry.Config{
		HeartbeatInterval: 20 * time.Millisecond,
		OfflineTTL:        100 * time.Millisecond,
	}, nil)
	t.Cleanup(r.Stop)
	return r, pub
}

func TestRegisterAndGet(t *testing.T) {
	ctx := context.Background()
	r, _ := newRegistry(t)

	desc, err := r.Register(ctx, "agent-a", []string{"python", "review"})
	require.NoError(t, err)
	assert.Equal(t, storage.ModeLegacy, desc.TransportMode)
	assert.Equal(t, storage.AgentIdle, desc.Status)

	got, err := r.Get(ctx, "agent-a")
	require.NoError(t, err)
	assert.Equal(t, []string{"python", "review"}, got.Capabilities)

	_, err = r.Get(ctx, "ghost")
	assert.ErrorIs(t, err, registry.ErrAgentNotFound)

	_, err = r.Register(ctx, "", nil)
	assert.ErrorIs(t, err, registry.ErrEmptyName)
}

func TestReRegisterKeepsModeAndStatus(t *testing.T) {
	ctx := context.Background()
	r, _ := newRegistry(t)

	_, err := r.Register(ctx, "agent-a", []string{"python"})
	require.NoError(t, err)
	require.NoError(t, r.SetTransportMode(ctx, "agent-a", storage.ModeBroker))
	require.NoError(t, r.UpdateStatus(ctx, "agent-a", storage.AgentBusy, "task-1"))

	desc, err := r.Register(ctx, "agent-a", []string{"python", "golang"})
	require.NoError(t, err)
	assert.Equal(t, storage.ModeBroker, desc.TransportMode)
	assert.Equal(t, storage.AgentBusy, desc.Status)
	assert.Equal(t, "task-1", desc.CurrentTask)
	assert.Equal(t, []string{"python", "golang"}, desc.Capabilities)
}

func TestFindCapableSupersetIdleFirst(t *testing.T) {
	ctx := context.Background()
	r, _ := newRegistry(t)

	_, err := r.Register(ctx, "busy-full", []string{"python", "review", "deploy"})
	require.NoError(t, err)
	require.NoError(t, r.UpdateStatus(ctx, "busy-full", storage.AgentBusy, "t"))

	_, err = r.Register(ctx, "idle-full", []string{"python", "review"})
	require.NoError(t, err)

	_, err = r.Register(ctx, "idle-partial", []string{"python"})
	require.NoError(t, err)

	_, err = r.Register(ctx, "offline-full", []string{"python", "review"})
	require.NoError(t, err)
	require.NoError(t, r.UpdateStatus(ctx, "offline-full", storage.AgentOffline, ""))

	capable, err := r.FindCapable(ctx, []string{"python", "review"})
	require.NoError(t, err)
	require.Len(t, capable, 2)
	assert.Equal(t, "idle-full", capable[0].Name)
	assert.Equal(t, "busy-full", capable[1].Name)
}

func TestFindCapableEmptyRequirementMatchesAll(t *testing.T) {
	ctx := context.Background()
	r, _ := newRegistry(t)

	_, err := r.Register(ctx, "a", nil)
	require.NoError(t, err)
	_, err = r.Register(ctx, "b", []string{"x"})
	require.NoError(t, err)

	capable, err := r.FindCapable(ctx, nil)
	require.NoError(t, err)
	assert.Len(t, capable, 2)
}

func TestAssignTaskToBestAgent(t *testing.T) {
	ctx := context.Background()
	r, pub := newRegistry(t)

	_, err := r.Register(ctx, "agent-b", []string{"python"})
	require.NoError(t, err)
	_, err = r.Register(ctx, "agent-a", []string{"python"})
	require.NoError(t, err)

	name, msgID, err := r.AssignTaskToBestAgent(ctx, "fix the parser", []string{"python"}, 0.7)
	require.NoError(t, err)
	assert.Equal(t, "agent-a", name, "ranking is deterministic by name within idle agents")
	require.NotEmpty(t, msgID)

	msg := pub.last()
	require.NotNil(t, msg)
	assert.Equal(t, bus.TypeTaskAssignment, msg.Type)
	assert.Equal(t, "agent-a", msg.To)
	assert.True(t, msg.Headers.RequireAck)

	var task registry.TaskAssignment
	require.NoError(t, json.Unmarshal(msg.Payload, &task))
	assert.Equal(t, "fix the parser", task.Description)
	assert.Equal(t, 0.7, task.ConfidenceThreshold)

	// The chosen agent is marked busy, so the next assignment prefers the
	// remaining idle one.
	name, _, err = r.AssignTaskToBestAgent(ctx, "another task", []string{"python"}, 0.7)
	require.NoError(t, err)
	assert.Equal(t, "agent-b", name)
}

func TestAssignTaskNoCapableAgent(t *testing.T) {
	ctx := context.Background()
	r, _ := newRegistry(t)

	_, err := r.Register(ctx, "agent-a", []string{"python"})
	require.NoError(t, err)

	_, _, err = r.AssignTaskToBestAgent(ctx, "t", []string{"haskell"}, 0.5)
	assert.ErrorIs(t, err, registry.ErrNoCapableAgent)
}

func TestHeartbeatRefreshesDescriptor(t *testing.T) {
	ctx := context.Background()
	r, _ := newRegistry(t)

	desc, err := r.Register(ctx, "agent-a", nil)
	require.NoError(t, err)
	registered := desc.LastHeartbeat

	r.StartHeartbeat("agent-a")
	defer r.StopHeartbeat("agent-a")

	require.Eventually(t, func() bool {
		got, err := r.Get(ctx, "agent-a")
		return err == nil && got.LastHeartbeat.After(registered)
	}, 2*time.Second, 10*time.Millisecond)

	got, err := r.Get(ctx, "agent-a")
	require.NoError(t, err)
	assert.False(t, r.Stale(got))
}

func TestHeartbeatRepublishesDescriptor(t *testing.T) {
	ctx := context.Background()
	r, pub := newRegistry(t)

	_, err := r.Register(ctx, "agent-a", []string{"python"})
	require.NoError(t, err)

	r.StartHeartbeat("agent-a")
	defer r.StopHeartbeat("agent-a")

	require.Eventually(t, func() bool {
		return pub.last() != nil
	}, 2*time.Second, 10*time.Millisecond)

	msg := pub.last()
	assert.Equal(t, bus.TypeHeartbeat, msg.Type)
	assert.Equal(t, "agent-a", msg.From)
	assert.Equal(t, registry.BusTarget, msg.To)
	assert.False(t, msg.Headers.Expiration.IsZero(), "heartbeats expire at the offline TTL")

	var desc storage.AgentDescriptor
	require.NoError(t, json.Unmarshal(msg.Payload, &desc))
	assert.Equal(t, "agent-a", desc.Name)
}

func TestHandleMessageHeartbeatRefreshesLease(t *testing.T) {
	ctx := context.Background()
	r, _ := newRegistry(t)

	desc, err := r.Register(ctx, "agent-a", nil)
	require.NoError(t, err)
	registered := desc.LastHeartbeat

	time.Sleep(10 * time.Millisecond)

	hb, err := bus.New("agent-a", registry.BusTarget, bus.TypeHeartbeat, bus.PriorityLow, []byte(`{}`))
	require.NoError(t, err)
	require.NoError(t, r.HandleMessage(ctx, hb))

	got, err := r.Get(ctx, "agent-a")
	require.NoError(t, err)
	assert.True(t, got.LastHeartbeat.After(registered))
}

func TestHandleMessageStatusUpdate(t *testing.T) {
	ctx := context.Background()
	r, _ := newRegistry(t)

	_, err := r.Register(ctx, "agent-a", nil)
	require.NoError(t, err)

	payload, err := json.Marshal(registry.StatusUpdate{
		Status:      storage.AgentBusy,
		CurrentTask: "reviewing PR 42",
	})
	require.NoError(t, err)
	msg, err := bus.New("agent-a", registry.BusTarget, bus.TypeStatusUpdate, bus.PriorityNormal, payload)
	require.NoError(t, err)
	require.NoError(t, r.HandleMessage(ctx, msg))

	got, err := r.Get(ctx, "agent-a")
	require.NoError(t, err)
	assert.Equal(t, storage.AgentBusy, got.Status)
	assert.Equal(t, "reviewing PR 42", got.CurrentTask)
}

func TestHandleMessageMalformedStatusRepliesError(t *testing.T) {
	ctx := context.Background()
	r, pub := newRegistry(t)

	_, err := r.Register(ctx, "agent-a", nil)
	require.NoError(t, err)

	msg, err := bus.New("agent-a", registry.BusTarget, bus.TypeStatusUpdate, bus.PriorityNormal, []byte(`not json`))
	require.NoError(t, err)
	require.NoError(t, r.HandleMessage(ctx, msg), "malformed payload is a hard fail, never retried")

	reply := pub.last()
	require.NotNil(t, reply)
	assert.Equal(t, bus.TypeError, reply.Type)
	assert.Equal(t, "agent-a", reply.To)
	assert.Equal(t, msg.ID, reply.Headers.CorrelationID)
	assert.Contains(t, string(reply.Payload), "malformed status update")
}

func TestHandleMessageReplyMarksIdle(t *testing.T) {
	ctx := context.Background()
	r, _ := newRegistry(t)

	_, err := r.Register(ctx, "agent-a", []string{"python"})
	require.NoError(t, err)
	_, _, err = r.AssignTaskToBestAgent(ctx, "fix the parser", []string{"python"}, 0.7)
	require.NoError(t, err)

	got, err := r.Get(ctx, "agent-a")
	require.NoError(t, err)
	require.Equal(t, storage.AgentBusy, got.Status)

	reply, err := bus.New("agent-a", registry.BusTarget, bus.TypeReply, bus.PriorityNormal, []byte(`{"status":"done"}`))
	require.NoError(t, err)
	require.NoError(t, r.HandleMessage(ctx, reply))

	got, err = r.Get(ctx, "agent-a")
	require.NoError(t, err)
	assert.Equal(t, storage.AgentIdle, got.Status)
	assert.Empty(t, got.CurrentTask)
}

func TestStaleDetection(t *testing.T) {
	ctx := context.Background()
	r, _ := newRegistry(t)

	desc, err := r.Register(ctx, "agent-a", nil)
	require.NoError(t, err)
	assert.False(t, r.Stale(desc))

	time.Sleep(120 * time.Millisecond)
	got, err := r.Get(ctx, "agent-a")
	require.NoError(t, err)
	assert.True(t, r.Stale(got))
}
