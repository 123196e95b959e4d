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

var _ storage.DeliveryStore = (*DeliveryStore)(nil)

// DeliveryStore implements storage.DeliveryStore using BadgerDB.
//
// Key format: delivery/{messageID}
type DeliveryStore struct {
	db *badger.DB
}

func newDeliveryStore(db *badger.DB) *DeliveryStore {
	return &DeliveryStore{db: db}
}

func deliveryKey(messageID string) []byte {
	return []byte("delivery/" + messageID)
}

// Save persists a delivery record.
func (d *DeliveryStore) Save(_ context.Context, rec *storage.DeliveryRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal delivery record: %w", err)
	}

	return d.db.Update(func(txn *badger.Txn) error {
		return txn.Set(deliveryKey(rec.MessageID), data)
	})
}

// Get retrieves a delivery record by message id.
func (d *DeliveryStore) Get(_ context.Context, messageID string) (*storage.DeliveryRecord, error) {
	var rec *storage.DeliveryRecord

	err := d.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(deliveryKey(messageID))
		if err != nil {
			if err == badger.ErrKeyNotFound {
				return storage.ErrNotFound
			}
			return err
		}
		return item.Value(func(val []byte) error {
			rec = &storage.DeliveryRecord{}
			return json.Unmarshal(val, rec)
		})
	})
	if err != nil {
		return nil, err
	}

	return rec, nil
}

// ListByStatus returns all records with the given status.
func (d *DeliveryStore) ListByStatus(_ context.Context, status storage.DeliveryStatus) ([]*storage.DeliveryRecord, error) {
	var records []*storage.DeliveryRecord

	err := d.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte("delivery/")
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var rec storage.DeliveryRecord
				if err := json.Unmarshal(val, &rec); err != nil {
					return err
				}
				if rec.Status == status {
					records = append(records, &rec)
				}
				return nil
			})
			if err != nil {
				return fmt.Errorf("failed to unmarshal delivery record: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return records, nil
}

// Delete removes a delivery record.
func (d *DeliveryStore) Delete(_ context.Context, messageID string) error {
	return d.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(deliveryKey(messageID))
	})
}
