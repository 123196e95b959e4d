// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"errors"
	"time"

	"github.com/absmach/agentbus/bus"
)

// Common errors.
var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrEmptyQueue    = errors.New("queue is empty")
)

// Store is the composite storage interface providing access to all storage
// backends.
type Store interface {
	// Messages returns the store backing the per-target priority queues,
	// stream logs, retry index and dead-letter queues.
	Messages() MessageStore

	// Deliveries returns the delivery record store.
	Deliveries() DeliveryStore

	// Agents returns the agent descriptor store.
	Agents() AgentStore

	// Checkpoints returns the safety checkpoint store.
	Checkpoints() CheckpointStore

	// Close closes all storage backends.
	Close() error
}

// MessageStore persists pending work per target agent.
//
// Every target has three structures: a priority-ordered queue for pending
// delivery, a capped append-only stream log for replay, and a dead-letter
// queue. A shared retry index orders scheduled retries by due timestamp.
type MessageStore interface {
	// Enqueue adds a message to a target's priority queue.
	Enqueue(ctx context.Context, target string, msg *bus.Message) error

	// Dequeue removes and returns the highest-priority message for a
	// target, FIFO among equal priorities. Returns ErrEmptyQueue when no
	// message is pending.
	Dequeue(ctx context.Context, target string) (*bus.Message, error)

	// Depth returns the number of pending messages for a target.
	Depth(ctx context.Context, target string) (int, error)

	// Delete removes a pending message by id.
	Delete(ctx context.Context, target, id string) error

	// AppendStream appends a message to a target's capped stream log,
	// evicting the oldest entry beyond the cap.
	AppendStream(ctx context.Context, target string, msg *bus.Message) error

	// ReadStream returns up to limit messages from a target's stream log,
	// oldest first. limit <= 0 returns all retained entries.
	ReadStream(ctx context.Context, target string, limit int) ([]*bus.Message, error)

	// ScheduleRetry records a message for re-publication at a due time.
	ScheduleRetry(ctx context.Context, entry *RetryEntry) error

	// DueRetries returns up to limit entries whose due time has passed,
	// ordered by due time.
	DueRetries(ctx context.Context, now time.Time, limit int) ([]*RetryEntry, error)

	// RemoveRetry drops a retry entry by message id.
	RemoveRetry(ctx context.Context, messageID string) error

	// RetryDepth returns the number of scheduled retry entries.
	RetryDepth(ctx context.Context) (int, error)

	// EnqueueDLQ stores a dead letter.
	EnqueueDLQ(ctx context.Context, letter *DeadLetter) error

	// ListDLQ returns up to limit dead letters for a target, oldest first.
	// limit <= 0 returns all.
	ListDLQ(ctx context.Context, target string, limit int) ([]*DeadLetter, error)

	// DeleteDLQ removes a dead letter by message id.
	DeleteDLQ(ctx context.Context, target, messageID string) error
}

// DeliveryStore persists per-message delivery records.
type DeliveryStore interface {
	Save(ctx context.Context, rec *DeliveryRecord) error
	Get(ctx context.Context, messageID string) (*DeliveryRecord, error)
	ListByStatus(ctx context.Context, status DeliveryStatus) ([]*DeliveryRecord, error)
	Delete(ctx context.Context, messageID string) error
}

// AgentStore persists agent descriptors.
type AgentStore interface {
	Save(ctx context.Context, desc *AgentDescriptor) error
	Get(ctx context.Context, name string) (*AgentDescriptor, error)
	List(ctx context.Context) ([]*AgentDescriptor, error)
	Delete(ctx context.Context, name string) error
}

// CheckpointStore persists safety checkpoints. Checkpoints are write-once:
// Save fails with ErrAlreadyExists for a duplicate id.
type CheckpointStore interface {
	Save(ctx context.Context, cp *Checkpoint) error
	Get(ctx context.Context, id string) (*Checkpoint, error)
	Latest(ctx context.Context) (*Checkpoint, error)
	List(ctx context.Context) ([]*Checkpoint, error)
	Delete(ctx context.Context, id string) error
}
