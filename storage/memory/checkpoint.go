// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/absmach/agentbus/storage"
)

var _ storage.CheckpointStore = (*CheckpointStore)(nil)

// CheckpointStore implements storage.CheckpointStore in memory.
type CheckpointStore struct {
	mu          sync.RWMutex
	checkpoints map[string]*storage.Checkpoint
}

func newCheckpointStore() *CheckpointStore {
	return &CheckpointStore{checkpoints: make(map[string]*storage.Checkpoint)}
}

// Save persists a checkpoint. Checkpoints are write-once.
func (c *CheckpointStore) Save(_ context.Context, cp *storage.Checkpoint) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.checkpoints[cp.ID]; ok {
		return storage.ErrAlreadyExists
	}
	c.checkpoints[cp.ID] = cp
	return nil
}

// Get retrieves a checkpoint by id.
func (c *CheckpointStore) Get(_ context.Context, id string) (*storage.Checkpoint, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cp, ok := c.checkpoints[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return cp, nil
}

// Latest returns the most recently created checkpoint.
func (c *CheckpointStore) Latest(_ context.Context) (*storage.Checkpoint, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var latest *storage.Checkpoint
	for _, cp := range c.checkpoints {
		if latest == nil || cp.CreatedAt.After(latest.CreatedAt) {
			latest = cp
		}
	}
	if latest == nil {
		return nil, storage.ErrNotFound
	}
	return latest, nil
}

// List returns all checkpoints ordered oldest first.
func (c *CheckpointStore) List(_ context.Context) ([]*storage.Checkpoint, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]*storage.Checkpoint, 0, len(c.checkpoints))
	for _, cp := range c.checkpoints {
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// Delete removes a checkpoint.
func (c *CheckpointStore) Delete(_ context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.checkpoints[id]; !ok {
		return storage.ErrNotFound
	}
	delete(c.checkpoints, id)
	return nil
}
