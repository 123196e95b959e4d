// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package badger

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/dgraph-io/badger/v4"

	"github.com/absmach/agentbus/storage"
)

var _ storage.AgentStore = (*AgentStore)(nil)

// AgentStore implements storage.AgentStore using BadgerDB.
//
// Key format: agent/{name}
type AgentStore struct {
	db *badger.DB
}

func newAgentStore(db *badger.DB) *AgentStore {
	return &AgentStore{db: db}
}

func agentKey(name string) []byte {
	return []byte("agent/" + name)
}

// Save persists an agent descriptor.
func (a *AgentStore) Save(_ context.Context, desc *storage.AgentDescriptor) error {
	data, err := json.Marshal(desc)
	if err != nil {
		return fmt.Errorf("failed to marshal agent descriptor: %w", err)
	}

	return a.db.Update(func(txn *badger.Txn) error {
		return txn.Set(agentKey(desc.Name), data)
	})
}

// Get retrieves an agent descriptor by name.
func (a *AgentStore) Get(_ context.Context, name string) (*storage.AgentDescriptor, error) {
	var desc *storage.AgentDescriptor

	err := a.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(agentKey(name))
		if err != nil {
			if err == badger.ErrKeyNotFound {
				return storage.ErrNotFound
			}
			return err
		}
		return item.Value(func(val []byte) error {
			desc = &storage.AgentDescriptor{}
			return json.Unmarshal(val, desc)
		})
	})
	if err != nil {
		return nil, err
	}

	return desc, nil
}

// List returns all agent descriptors ordered by name.
func (a *AgentStore) List(_ context.Context) ([]*storage.AgentDescriptor, error) {
	var agents []*storage.AgentDescriptor

	err := a.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte("agent/")
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var desc storage.AgentDescriptor
				if err := json.Unmarshal(val, &desc); err != nil {
					return err
				}
				agents = append(agents, &desc)
				return nil
			})
			if err != nil {
				return fmt.Errorf("failed to unmarshal agent descriptor: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return agents, nil
}

// Delete removes an agent descriptor.
func (a *AgentStore) Delete(_ context.Context, name string) error {
	return a.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(agentKey(name)); err != nil {
			if err == badger.ErrKeyNotFound {
				return storage.ErrNotFound
			}
			return err
		}
		return txn.Delete(agentKey(name))
	})
}
