// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package badger

import (
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/absmach/agentbus/storage"
)

var _ storage.Store = (*Store)(nil)

// DefaultStreamCap bounds per-target stream logs when no cap is given.
const DefaultStreamCap = 1024

// Config holds BadgerDB configuration.
type Config struct {
	// Dir is the directory for BadgerDB data.
	Dir string

	// StreamCap bounds per-target stream logs. Zero means DefaultStreamCap.
	StreamCap int
}

// Store is the composite BadgerDB store implementing all storage interfaces.
type Store struct {
	db *badger.DB

	messages    *MessageStore
	deliveries  *DeliveryStore
	agents      *AgentStore
	checkpoints *CheckpointStore

	gcStopCh chan struct{}
	gcDone   chan struct{}
	closed   bool
	mu       sync.Mutex
}

// New creates a new BadgerDB-backed store.
func New(cfg Config) (*Store, error) {
	opts := badger.DefaultOptions(cfg.Dir)
	opts.Logger = nil // Disable BadgerDB's internal logging
	// Async writes: in-flight guarantees are bounded by the message TTL
	// window, so losing the last few unsynced writes on crash is acceptable.
	// SyncWrites=true fsyncs on every write, which is 10-100x slower.
	opts.SyncWrites = false
	opts.NumVersionsToKeep = 1
	opts.NumCompactors = 2

	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}

	streamCap := cfg.StreamCap
	if streamCap <= 0 {
		streamCap = DefaultStreamCap
	}

	messages, err := newMessageStore(db, streamCap)
	if err != nil {
		db.Close()
		return nil, err
	}

	s := &Store{
		db:          db,
		messages:    messages,
		deliveries:  newDeliveryStore(db),
		agents:      newAgentStore(db),
		checkpoints: newCheckpointStore(db),
		gcStopCh:    make(chan struct{}),
		gcDone:      make(chan struct{}),
	}

	go s.runGC()

	return s, nil
}

// Messages returns the message store.
func (s *Store) Messages() storage.MessageStore { return s.messages }

// Deliveries returns the delivery record store.
func (s *Store) Deliveries() storage.DeliveryStore { return s.deliveries }

// Agents returns the agent descriptor store.
func (s *Store) Agents() storage.AgentStore { return s.agents }

// Checkpoints returns the checkpoint store.
func (s *Store) Checkpoints() storage.CheckpointStore { return s.checkpoints }

// Close gracefully closes the BadgerDB database.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.gcStopCh)
	<-s.gcDone

	if err := s.messages.releaseSequences(); err != nil {
		s.db.Close()
		return err
	}

	return s.db.Close()
}

// runGC runs BadgerDB's value log garbage collection periodically.
func (s *Store) runGC() {
	defer close(s.gcDone)

	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			// Reclaim when 50%+ of a vlog file is garbage. An error
			// just means no GC was needed.
			_ = s.db.RunValueLogGC(0.5)
		case <-s.gcStopCh:
			return
		}
	}
}
