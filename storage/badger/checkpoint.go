// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package badger

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/dgraph-io/badger/v4"

	"github.com/absmach/agentbus/storage"
)

var _ storage.CheckpointStore = (*CheckpointStore)(nil)

// CheckpointStore implements storage.CheckpointStore using BadgerDB.
// Checkpoints are few; Latest and List scan the prefix.
//
// Key format: checkpoint/{id}
type CheckpointStore struct {
	db *badger.DB
}

func newCheckpointStore(db *badger.DB) *CheckpointStore {
	return &CheckpointStore{db: db}
}

func checkpointKey(id string) []byte {
	return []byte("checkpoint/" + id)
}

// Save persists a checkpoint. Checkpoints are write-once.
func (c *CheckpointStore) Save(_ context.Context, cp *storage.Checkpoint) error {
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}

	return c.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(checkpointKey(cp.ID)); err == nil {
			return storage.ErrAlreadyExists
		} else if err != badger.ErrKeyNotFound {
			return err
		}
		return txn.Set(checkpointKey(cp.ID), data)
	})
}

// Get retrieves a checkpoint by id.
func (c *CheckpointStore) Get(_ context.Context, id string) (*storage.Checkpoint, error) {
	var cp *storage.Checkpoint

	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(checkpointKey(id))
		if err != nil {
			if err == badger.ErrKeyNotFound {
				return storage.ErrNotFound
			}
			return err
		}
		return item.Value(func(val []byte) error {
			cp = &storage.Checkpoint{}
			return json.Unmarshal(val, cp)
		})
	})
	if err != nil {
		return nil, err
	}

	return cp, nil
}

// Latest returns the most recently created checkpoint.
func (c *CheckpointStore) Latest(ctx context.Context) (*storage.Checkpoint, error) {
	all, err := c.List(ctx)
	if err != nil {
		return nil, err
	}
	if len(all) == 0 {
		return nil, storage.ErrNotFound
	}
	return all[len(all)-1], nil
}

// List returns all checkpoints ordered oldest first.
func (c *CheckpointStore) List(_ context.Context) ([]*storage.Checkpoint, error) {
	var checkpoints []*storage.Checkpoint

	err := c.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte("checkpoint/")
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var cp storage.Checkpoint
				if err := json.Unmarshal(val, &cp); err != nil {
					return err
				}
				checkpoints = append(checkpoints, &cp)
				return nil
			})
			if err != nil {
				return fmt.Errorf("failed to unmarshal checkpoint: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(checkpoints, func(i, j int) bool {
		return checkpoints[i].CreatedAt.Before(checkpoints[j].CreatedAt)
	})
	return checkpoints, nil
}

// Delete removes a checkpoint.
func (c *CheckpointStore) Delete(_ context.Context, id string) error {
	return c.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(checkpointKey(id)); err != nil {
			if err == badger.ErrKeyNotFound {
				return storage.ErrNotFound
			}
			return err
		}
		return txn.Delete(checkpointKey(id))
	})
}
