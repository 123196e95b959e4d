// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/absmach/agentbus/bus"
	"github.com/absmach/agentbus/reliability"
	"github.com/absmach/agentbus/server/otel"
	"github.com/absmach/agentbus/storage"
)

// BusTarget is the well-known queue on which agents address the registry:
// heartbeats, status updates and task replies land here.
const BusTarget = "registry"

// Config holds registry tunables.
type Config struct {
	// HeartbeatInterval is the period between descriptor republications
	// for agents with an active heartbeat loop.
	HeartbeatInterval time.Duration

	// OfflineTTL is the heartbeat age past which a descriptor is treated
	// as stale by consumers of registry data.
	OfflineTTL time.Duration
}

// DefaultConfig returns the registry defaults.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval: 10 * time.Second,
		OfflineTTL:        30 * time.Second,
	}
}

// Registry tracks registered agents, matches capabilities to task
// requirements, and republishes descriptors as heartbeats so entries act as
// soft leases.
type Registry struct {
	mu         sync.RWMutex
	heartbeats map[string]struct{}
	hbStarted  bool

	agents    storage.AgentStore
	publisher reliability.Publisher

	cfg     Config
	metrics *otel.Metrics // nil if metrics disabled
	logger  *slog.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a registry on top of the given agent store. The publisher
// carries task assignments, heartbeats and error replies; it may be nil for
// read-only uses.
func New(agents storage.AgentStore, publisher reliability.Publisher, cfg Config, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = def.HeartbeatInterval
	}
	if cfg.OfflineTTL <= 0 {
		cfg.OfflineTTL = def.OfflineTTL
	}

	return &Registry{
		heartbeats: make(map[string]struct{}),
		agents:     agents,
		publisher:  publisher,
		cfg:        cfg,
		logger:     logger,
		stopCh:     make(chan struct{}),
	}
}

// SetMetrics wires the OTel instruments tracking the registered-agent gauge.
func (r *Registry) SetMetrics(m *otel.Metrics) {
	r.metrics = m
}

// Register creates or refreshes an agent entry. A re-registration updates
// capabilities and the heartbeat timestamp but keeps the agent's transport
// mode and working status.
func (r *Registry) Register(ctx context.Context, name string, capabilities []string) (*storage.AgentDescriptor, error) {
	if name == "" {
		return nil, ErrEmptyName
	}

	now := time.Now()
	desc := &storage.AgentDescriptor{
		Name:          name,
		Capabilities:  append([]string(nil), capabilities...),
		TransportMode: storage.ModeLegacy,
		Status:        storage.AgentIdle,
		LastHeartbeat: now,
		RegisteredAt:  now,
	}

	fresh := true
	if existing, err := r.agents.Get(ctx, name); err == nil {
		fresh = false
		desc.TransportMode = existing.TransportMode
		desc.Status = existing.Status
		desc.CurrentTask = existing.CurrentTask
		desc.RegisteredAt = existing.RegisteredAt
	}

	if err := r.agents.Save(ctx, desc); err != nil {
		return nil, fmt.Errorf("failed to save agent: %w", err)
	}

	if fresh && r.metrics != nil {
		r.metrics.RecordAgentRegistered()
	}
	r.logger.Info("agent registered", "agent", name, "capabilities", capabilities)
	return desc.Clone(), nil
}

// Deregister removes an agent entry and stops its heartbeat loop.
func (r *Registry) Deregister(ctx context.Context, name string) error {
	r.mu.Lock()
	delete(r.heartbeats, name)
	r.mu.Unlock()

	if err := r.agents.Delete(ctx, name); err != nil {
		return fmt.Errorf("failed to delete agent: %w", err)
	}
	if r.metrics != nil {
		r.metrics.RecordAgentDeregistered()
	}
	r.logger.Info("agent deregistered", "agent", name)
	return nil
}

// Get returns one agent descriptor.
func (r *Registry) Get(ctx context.Context, name string) (*storage.AgentDescriptor, error) {
	desc, err := r.agents.Get(ctx, name)
	if err != nil {
		return nil, ErrAgentNotFound
	}
	return desc, nil
}

// List returns all registered agents.
func (r *Registry) List(ctx context.Context) ([]*storage.AgentDescriptor, error) {
	return r.agents.List(ctx)
}

// UpdateStatus updates an agent's working status and current task.
func (r *Registry) UpdateStatus(ctx context.Context, name string, status storage.AgentStatus, currentTask string) error {
	switch status {
	case storage.AgentIdle, storage.AgentBusy, storage.AgentMigrating, storage.AgentOffline:
	default:
		return ErrInvalidStatus
	}

	desc, err := r.agents.Get(ctx, name)
	if err != nil {
		return ErrAgentNotFound
	}

	desc.Status = status
	desc.CurrentTask = currentTask
	return r.agents.Save(ctx, desc)
}

// SetTransportMode updates an agent's transport mode.
func (r *Registry) SetTransportMode(ctx context.Context, name string, mode storage.TransportMode) error {
	if !mode.Valid() {
		return fmt.Errorf("invalid transport mode %q", mode)
	}

	desc, err := r.agents.Get(ctx, name)
	if err != nil {
		return ErrAgentNotFound
	}

	desc.TransportMode = mode
	return r.agents.Save(ctx, desc)
}

// Touch refreshes an agent's heartbeat timestamp.
func (r *Registry) Touch(ctx context.Context, name string) error {
	desc, err := r.agents.Get(ctx, name)
	if err != nil {
		return ErrAgentNotFound
	}

	desc.LastHeartbeat = time.Now()
	return r.agents.Save(ctx, desc)
}

// Stale reports whether a descriptor's heartbeat is older than the offline
// TTL. Marking stale agents offline is left to consumers of registry data.
func (r *Registry) Stale(desc *storage.AgentDescriptor) bool {
	return time.Since(desc.LastHeartbeat) > r.cfg.OfflineTTL
}

// FindCapable returns agents whose capability set is a superset of required,
// idle agents ranked first, name order within each rank. Offline agents are
// excluded.
func (r *Registry) FindCapable(ctx context.Context, required []string) ([]*storage.AgentDescriptor, error) {
	all, err := r.agents.List(ctx)
	if err != nil {
		return nil, err
	}

	var capable []*storage.AgentDescriptor
	for _, desc := range all {
		if desc.Status == storage.AgentOffline {
			continue
		}
		if desc.HasCapabilities(required) {
			capable = append(capable, desc)
		}
	}

	sort.Slice(capable, func(i, j int) bool {
		iIdle := capable[i].Status == storage.AgentIdle
		jIdle := capable[j].Status == storage.AgentIdle
		if iIdle != jIdle {
			return iIdle
		}
		return capable[i].Name < capable[j].Name
	})

	return capable, nil
}

// TaskAssignment is the payload of a TASK_ASSIGNMENT message.
type TaskAssignment struct {
	Description         string   `json:"description"`
	RequiredSkills      []string `json:"required_skills,omitempty"`
	ConfidenceThreshold float64  `json:"confidence_threshold,omitempty"`
}

// AssignTaskToBestAgent selects the first capable agent under the idle-first
// ranking and sends it a TASK_ASSIGNMENT message requiring acknowledgment.
// It returns the chosen agent name and the message id.
func (r *Registry) AssignTaskToBestAgent(ctx context.Context, description string, requiredSkills []string, confidenceThreshold float64) (string, string, error) {
	capable, err := r.FindCapable(ctx, requiredSkills)
	if err != nil {
		return "", "", err
	}
	if len(capable) == 0 {
		return "", "", ErrNoCapableAgent
	}

	best := capable[0]
	payload, err := json.Marshal(TaskAssignment{
		Description:         description,
		RequiredSkills:      requiredSkills,
		ConfidenceThreshold: confidenceThreshold,
	})
	if err != nil {
		return "", "", fmt.Errorf("failed to encode task: %w", err)
	}

	msg, err := bus.New("registry", best.Name, bus.TypeTaskAssignment, bus.PriorityHigh, payload, bus.WithRequireAck())
	if err != nil {
		return "", "", err
	}

	id, err := r.publisher.Publish(ctx, msg)
	if err != nil {
		return "", "", err
	}

	if err := r.UpdateStatus(ctx, best.Name, storage.AgentBusy, description); err != nil {
		r.logger.Warn("failed to mark agent busy", "agent", best.Name, "error", err)
	}

	r.logger.Info("task assigned", "agent", best.Name, "message_id", id)
	return best.Name, id, nil
}

// StartHeartbeat adds an agent to the heartbeat loop, starting the loop on
// first use. The loop republishes each tracked descriptor every interval.
func (r *Registry) StartHeartbeat(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.hbStarted {
		r.hbStarted = true
		r.wg.Add(1)
		go r.heartbeatLoop()
	}
	r.heartbeats[name] = struct{}{}
}

// StopHeartbeat removes an agent from the heartbeat loop.
func (r *Registry) StopHeartbeat(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.heartbeats, name)
}

// Stop terminates the heartbeat loop and waits for it to exit.
func (r *Registry) Stop() {
	close(r.stopCh)
	r.wg.Wait()
}

func (r *Registry) heartbeatLoop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.beat()
		case <-r.stopCh:
			return
		}
	}
}

func (r *Registry) beat() {
	r.mu.RLock()
	names := make([]string, 0, len(r.heartbeats))
	for name := range r.heartbeats {
		names = append(names, name)
	}
	r.mu.RUnlock()

	ctx := context.Background()
	for _, name := range names {
		if err := r.Touch(ctx, name); err != nil {
			r.logger.Warn("heartbeat failed", "agent", name, "error", err)
			continue
		}
		r.publishHeartbeat(ctx, name)
	}
}

// publishHeartbeat republishes an agent's descriptor on the bus. The message
// expires at the offline TTL, so an absent consumer never accumulates stale
// heartbeats.
func (r *Registry) publishHeartbeat(ctx context.Context, name string) {
	if r.publisher == nil {
		return
	}

	desc, err := r.agents.Get(ctx, name)
	if err != nil {
		return
	}
	payload, err := json.Marshal(desc)
	if err != nil {
		r.logger.Warn("failed to encode heartbeat", "agent", name, "error", err)
		return
	}

	msg, err := bus.New(name, BusTarget, bus.TypeHeartbeat, bus.PriorityLow, payload,
		bus.WithExpiration(time.Now().Add(r.cfg.OfflineTTL)))
	if err != nil {
		r.logger.Warn("failed to build heartbeat", "agent", name, "error", err)
		return
	}
	if _, err := r.publisher.Publish(ctx, msg); err != nil {
		r.logger.Warn("heartbeat publish failed", "agent", name, "error", err)
	}
}

// StatusUpdate is the payload of a STATUS_UPDATE message sent by an agent.
type StatusUpdate struct {
	Status      storage.AgentStatus `json:"status"`
	CurrentTask string              `json:"current_task,omitempty"`
}

// HandleMessage consumes one message addressed to the registry queue:
// heartbeats refresh the sender's lease, status updates apply the reported
// state, and task replies mark the sender idle again. Malformed payloads are
// answered with an ERROR message and never retried.
func (r *Registry) HandleMessage(ctx context.Context, msg *bus.Message) error {
	switch msg.Type {
	case bus.TypeHeartbeat:
		if err := r.Touch(ctx, msg.From); err != nil {
			r.logger.Debug("heartbeat from unknown agent", "agent", msg.From)
		}
	case bus.TypeStatusUpdate:
		var update StatusUpdate
		if err := json.Unmarshal(msg.Payload, &update); err != nil {
			r.replyError(ctx, msg, fmt.Sprintf("malformed status update: %v", err))
			return nil
		}
		if err := r.UpdateStatus(ctx, msg.From, update.Status, update.CurrentTask); err != nil {
			r.replyError(ctx, msg, fmt.Sprintf("status update rejected: %v", err))
			return nil
		}
	case bus.TypeReply:
		// A reply correlated to a task assignment reports the task done.
		if err := r.UpdateStatus(ctx, msg.From, storage.AgentIdle, ""); err != nil {
			r.logger.Debug("reply from unknown agent", "agent", msg.From)
		}
	case bus.TypeError:
		r.logger.Warn("agent reported error", "agent", msg.From, "payload", string(msg.Payload))
	}
	return nil
}

func (r *Registry) replyError(ctx context.Context, msg *bus.Message, reason string) {
	r.logger.Warn("rejecting registry message", "agent", msg.From, "reason", reason)
	if r.publisher == nil {
		return
	}

	reply, err := msg.Reply(bus.TypeError, []byte(reason))
	if err != nil {
		return
	}
	if _, err := r.publisher.Publish(ctx, reply); err != nil {
		r.logger.Warn("failed to publish error reply", "agent", msg.From, "error", err)
	}
}
