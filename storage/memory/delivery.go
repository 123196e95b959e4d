// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"context"
	"sync"

	"github.com/absmach/agentbus/storage"
)

var _ storage.DeliveryStore = (*DeliveryStore)(nil)

// DeliveryStore implements storage.DeliveryStore in memory.
type DeliveryStore struct {
	mu      sync.RWMutex
	records map[string]*storage.DeliveryRecord
}

func newDeliveryStore() *DeliveryStore {
	return &DeliveryStore{records: make(map[string]*storage.DeliveryRecord)}
}

// Save persists a delivery record keyed by message id.
func (d *DeliveryStore) Save(_ context.Context, rec *storage.DeliveryRecord) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	cp := *rec
	d.records[rec.MessageID] = &cp
	return nil
}

// Get retrieves a delivery record.
func (d *DeliveryStore) Get(_ context.Context, messageID string) (*storage.DeliveryRecord, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	rec, ok := d.records[messageID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

// ListByStatus returns all records with the given status.
func (d *DeliveryStore) ListByStatus(_ context.Context, status storage.DeliveryStatus) ([]*storage.DeliveryRecord, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var out []*storage.DeliveryRecord
	for _, rec := range d.records {
		if rec.Status == status {
			cp := *rec
			out = append(out, &cp)
		}
	}
	return out, nil
}

// Delete removes a delivery record.
func (d *DeliveryStore) Delete(_ context.Context, messageID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.records, messageID)
	return nil
}
