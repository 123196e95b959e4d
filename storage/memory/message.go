// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/absmach/agentbus/bus"
	"github.com/absmach/agentbus/storage"
)

var _ storage.MessageStore = (*MessageStore)(nil)

type queuedMessage struct {
	msg *bus.Message
	seq uint64
}

// MessageStore implements storage.MessageStore in memory.
type MessageStore struct {
	mu        sync.RWMutex
	seq       uint64
	streamCap int

	queues  map[string][]queuedMessage
	streams map[string][]*bus.Message
	retries map[string]*storage.RetryEntry
	dlq     map[string][]*storage.DeadLetter
}

func newMessageStore(streamCap int) *MessageStore {
	return &MessageStore{
		streamCap: streamCap,
		queues:    make(map[string][]queuedMessage),
		streams:   make(map[string][]*bus.Message),
		retries:   make(map[string]*storage.RetryEntry),
		dlq:       make(map[string][]*storage.DeadLetter),
	}
}

// Enqueue adds a message to a target's priority queue.
func (m *MessageStore) Enqueue(_ context.Context, target string, msg *bus.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.seq++
	m.queues[target] = append(m.queues[target], queuedMessage{msg: msg, seq: m.seq})
	return nil
}

// Dequeue removes the highest-priority message, FIFO among equal priorities.
func (m *MessageStore) Dequeue(_ context.Context, target string) (*bus.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	queue := m.queues[target]
	if len(queue) == 0 {
		return nil, storage.ErrEmptyQueue
	}

	best := 0
	for i := 1; i < len(queue); i++ {
		if queue[i].msg.Priority > queue[best].msg.Priority {
			best = i
			continue
		}
		if queue[i].msg.Priority == queue[best].msg.Priority && queue[i].seq < queue[best].seq {
			best = i
		}
	}

	msg := queue[best].msg
	m.queues[target] = append(queue[:best], queue[best+1:]...)
	return msg, nil
}

// Depth returns the number of pending messages for a target.
func (m *MessageStore) Depth(_ context.Context, target string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.queues[target]), nil
}

// Delete removes a pending message by id.
func (m *MessageStore) Delete(_ context.Context, target, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	queue := m.queues[target]
	for i, q := range queue {
		if q.msg.ID == id {
			m.queues[target] = append(queue[:i], queue[i+1:]...)
			return nil
		}
	}
	return storage.ErrNotFound
}

// AppendStream appends to the capped stream log, evicting the oldest entry.
func (m *MessageStore) AppendStream(_ context.Context, target string, msg *bus.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stream := append(m.streams[target], msg)
	if len(stream) > m.streamCap {
		stream = stream[len(stream)-m.streamCap:]
	}
	m.streams[target] = stream
	return nil
}

// ReadStream returns up to limit entries, oldest first.
func (m *MessageStore) ReadStream(_ context.Context, target string, limit int) ([]*bus.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stream := m.streams[target]
	if limit > 0 && limit < len(stream) {
		stream = stream[len(stream)-limit:]
	}
	out := make([]*bus.Message, len(stream))
	copy(out, stream)
	return out, nil
}

// ScheduleRetry records a retry entry keyed by message id.
func (m *MessageStore) ScheduleRetry(_ context.Context, entry *storage.RetryEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.retries[entry.Message.ID] = entry
	return nil
}

// DueRetries returns up to limit due entries ordered by due time.
func (m *MessageStore) DueRetries(_ context.Context, now time.Time, limit int) ([]*storage.RetryEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var due []*storage.RetryEntry
	for _, e := range m.retries {
		if !e.Due.After(now) {
			due = append(due, e)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].Due.Before(due[j].Due) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

// RemoveRetry drops a retry entry.
func (m *MessageStore) RemoveRetry(_ context.Context, messageID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.retries, messageID)
	return nil
}

// RetryDepth returns the number of scheduled retries.
func (m *MessageStore) RetryDepth(_ context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.retries), nil
}

// EnqueueDLQ stores a dead letter.
func (m *MessageStore) EnqueueDLQ(_ context.Context, letter *storage.DeadLetter) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dlq[letter.Target] = append(m.dlq[letter.Target], letter)
	return nil
}

// ListDLQ returns dead letters for a target, oldest first.
func (m *MessageStore) ListDLQ(_ context.Context, target string, limit int) ([]*storage.DeadLetter, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	letters := m.dlq[target]
	if limit > 0 && limit < len(letters) {
		letters = letters[:limit]
	}
	out := make([]*storage.DeadLetter, len(letters))
	copy(out, letters)
	return out, nil
}

// DeleteDLQ removes a dead letter by message id.
func (m *MessageStore) DeleteDLQ(_ context.Context, target, messageID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	letters := m.dlq[target]
	for i, l := range letters {
		if l.Message.ID == messageID {
			m.dlq[target] = append(letters[:i], letters[i+1:]...)
			return nil
		}
	}
	return storage.ErrNotFound
}
