// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/absmach/agentbus/storage"
)

var _ storage.AgentStore = (*AgentStore)(nil)

// AgentStore implements storage.AgentStore in memory.
type AgentStore struct {
	mu     sync.RWMutex
	agents map[string]*storage.AgentDescriptor
}

func newAgentStore() *AgentStore {
	return &AgentStore{agents: make(map[string]*storage.AgentDescriptor)}
}

// Save persists an agent descriptor keyed by name.
func (a *AgentStore) Save(_ context.Context, desc *storage.AgentDescriptor) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.agents[desc.Name] = desc.Clone()
	return nil
}

// Get retrieves an agent descriptor.
func (a *AgentStore) Get(_ context.Context, name string) (*storage.AgentDescriptor, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	desc, ok := a.agents[name]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return desc.Clone(), nil
}

// List returns all agent descriptors ordered by name.
func (a *AgentStore) List(_ context.Context) ([]*storage.AgentDescriptor, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	out := make([]*storage.AgentDescriptor, 0, len(a.agents))
	for _, desc := range a.agents {
		out = append(out, desc.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Delete removes an agent descriptor.
func (a *AgentStore) Delete(_ context.Context, name string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.agents[name]; !ok {
		return storage.ErrNotFound
	}
	delete(a.agents, name)
	return nil
}
