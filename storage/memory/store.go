// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"github.com/absmach/agentbus/storage"
)

var _ storage.Store = (*Store)(nil)

// DefaultStreamCap bounds per-target stream logs when no cap is given.
const DefaultStreamCap = 1024

// Store is the composite in-memory store. It is used for tests and
// single-node development; production deployments use the BadgerDB backend.
type Store struct {
	messages    *MessageStore
	deliveries  *DeliveryStore
	agents      *AgentStore
	checkpoints *CheckpointStore
}

// New creates an in-memory store with the default stream cap.
func New() *Store {
	return NewWithCap(DefaultStreamCap)
}

// NewWithCap creates an in-memory store with an explicit stream log cap.
func NewWithCap(streamCap int) *Store {
	if streamCap <= 0 {
		streamCap = DefaultStreamCap
	}
	return &Store{
		messages:    newMessageStore(streamCap),
		deliveries:  newDeliveryStore(),
		agents:      newAgentStore(),
		checkpoints: newCheckpointStore(),
	}
}

// Messages returns the message store.
func (s *Store) Messages() storage.MessageStore { return s.messages }

// Deliveries returns the delivery record store.
func (s *Store) Deliveries() storage.DeliveryStore { return s.deliveries }

// Agents returns the agent descriptor store.
func (s *Store) Agents() storage.AgentStore { return s.agents }

// Checkpoints returns the checkpoint store.
func (s *Store) Checkpoints() storage.CheckpointStore { return s.checkpoints }

// Close is a no-op for the in-memory store.
func (s *Store) Close() error { return nil }
