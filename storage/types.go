// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"time"

	"github.com/absmach/agentbus/bus"
)

// DeliveryStatus is the lifecycle state of a published message. Transitions
// are monotonic; acknowledged, dead_letter and expired are terminal.
type DeliveryStatus string

const (
	StatusPending      DeliveryStatus = "pending"
	StatusDelivered    DeliveryStatus = "delivered"
	StatusAcknowledged DeliveryStatus = "acknowledged"
	StatusFailed       DeliveryStatus = "failed"
	StatusRetry        DeliveryStatus = "retry"
	StatusDeadLetter   DeliveryStatus = "dead_letter"
	StatusExpired      DeliveryStatus = "expired"
)

// Terminal reports whether no further transition is allowed from the status.
func (s DeliveryStatus) Terminal() bool {
	switch s {
	case StatusAcknowledged, StatusDeadLetter, StatusExpired:
		return true
	}
	return false
}

// validTransitions encodes the monotonic delivery lifecycle.
var validTransitions = map[DeliveryStatus][]DeliveryStatus{
	StatusPending:   {StatusDelivered, StatusFailed, StatusExpired, StatusRetry},
	StatusDelivered: {StatusAcknowledged, StatusFailed, StatusExpired},
	StatusFailed:    {StatusRetry, StatusDeadLetter, StatusExpired},
	StatusRetry:     {StatusPending, StatusDelivered, StatusFailed, StatusDeadLetter, StatusExpired},
}

// CanTransition reports whether moving from s to next is allowed.
func (s DeliveryStatus) CanTransition(next DeliveryStatus) bool {
	for _, allowed := range validTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// DeliveryRecord tracks acknowledgment state and attempt count for one
// published message.
type DeliveryRecord struct {
	MessageID   string         `json:"message_id"`
	Target      string         `json:"target"`
	Status      DeliveryStatus `json:"status"`
	Attempts    int            `json:"attempts"`
	MaxRetries  int            `json:"max_retries"`
	LastAttempt time.Time      `json:"last_attempt"`
	Deadline    time.Time      `json:"deadline"`
	CreatedAt   time.Time      `json:"created_at"`
}

// TransportMode selects the transport carrying an agent's traffic.
type TransportMode string

const (
	ModeLegacy TransportMode = "legacy"
	ModeHybrid TransportMode = "hybrid"
	ModeBroker TransportMode = "broker"
)

// Valid reports whether the mode is one of the defined transports.
func (m TransportMode) Valid() bool {
	switch m {
	case ModeLegacy, ModeHybrid, ModeBroker:
		return true
	}
	return false
}

// AgentStatus is the coarse working state of a registered agent.
type AgentStatus string

const (
	AgentIdle      AgentStatus = "idle"
	AgentBusy      AgentStatus = "busy"
	AgentMigrating AgentStatus = "migrating"
	AgentOffline   AgentStatus = "offline"
)

// AgentDescriptor describes a registered agent. Fields are updated
// independently (last writer wins per field); a single orchestrator updates
// one field at a time.
type AgentDescriptor struct {
	Name          string        `json:"name"`
	Capabilities  []string      `json:"capabilities"`
	TransportMode TransportMode `json:"transport_mode"`
	Status        AgentStatus   `json:"status"`
	CurrentTask   string        `json:"current_task,omitempty"`
	LastHeartbeat time.Time     `json:"last_heartbeat"`
	RegisteredAt  time.Time     `json:"registered_at"`
}

// HasCapabilities reports whether the agent's capability set is a superset of
// required.
func (a *AgentDescriptor) HasCapabilities(required []string) bool {
	if len(required) == 0 {
		return true
	}
	have := make(map[string]struct{}, len(a.Capabilities))
	for _, c := range a.Capabilities {
		have[c] = struct{}{}
	}
	for _, r := range required {
		if _, ok := have[r]; !ok {
			return false
		}
	}
	return true
}

// Clone returns a deep copy of the descriptor.
func (a *AgentDescriptor) Clone() *AgentDescriptor {
	c := *a
	c.Capabilities = append([]string(nil), a.Capabilities...)
	return &c
}

// BridgeConfig is the point-in-time bridge configuration captured in a
// checkpoint.
type BridgeConfig struct {
	FallbackEnabled bool                     `json:"fallback_enabled"`
	Modes           map[string]TransportMode `json:"modes"`
}

// RollbackStep is a generated instruction restoring one agent's transport.
type RollbackStep struct {
	Agent string        `json:"agent"`
	Mode  TransportMode `json:"mode"`
}

// Checkpoint is an immutable point-in-time snapshot of agent and bridge state
// used for rollback.
type Checkpoint struct {
	ID            string                      `json:"id"`
	Phase         string                      `json:"phase"`
	CreatedAt     time.Time                   `json:"created_at"`
	Agents        map[string]*AgentDescriptor `json:"agents"`
	Bridge        BridgeConfig                `json:"bridge"`
	RollbackSteps []RollbackStep              `json:"rollback_steps"`
	Context       map[string]string           `json:"context,omitempty"`
}

// DeadLetter is a message that exhausted its retries, retained for manual
// inspection and recovery.
type DeadLetter struct {
	Message      *bus.Message `json:"message"`
	Target       string       `json:"target"`
	Reason       string       `json:"reason"`
	FirstAttempt time.Time    `json:"first_attempt"`
	MovedAt      time.Time    `json:"moved_at"`
}

// RetryEntry schedules a message for re-publication at a due time.
type RetryEntry struct {
	Message *bus.Message `json:"message"`
	Target  string       `json:"target"`
	Due     time.Time    `json:"due"`
	Attempt int          `json:"attempt"`
}
