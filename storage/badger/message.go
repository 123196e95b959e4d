// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package badger

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/absmach/agentbus/bus"
	"github.com/absmach/agentbus/storage"
)

var _ storage.MessageStore = (*MessageStore)(nil)

// MessageStore implements storage.MessageStore using BadgerDB.
//
// Key format:
//   - Queue:       q/{target}/{invPriority}/{seq}  (ascending scan yields
//     highest priority first, FIFO within a priority)
//   - Queue index: qi/{target}/{messageID} -> queue key
//   - Stream log:  s/{target}/{seq}
//   - Retry:       r/{dueUnixNano}/{messageID}
//   - Retry index: ri/{messageID} -> retry key
//   - DLQ:         d/{target}/{seq}
//   - DLQ index:   di/{target}/{messageID} -> DLQ key
type MessageStore struct {
	db        *badger.DB
	seq       *badger.Sequence
	streamCap int
}

func newMessageStore(db *badger.DB, streamCap int) (*MessageStore, error) {
	seq, err := db.GetSequence([]byte("meta/seq"), 128)
	if err != nil {
		return nil, fmt.Errorf("failed to open sequence: %w", err)
	}
	return &MessageStore{db: db, seq: seq, streamCap: streamCap}, nil
}

func (m *MessageStore) releaseSequences() error {
	return m.seq.Release()
}

func queueKey(target string, priority bus.Priority, seq uint64) []byte {
	// Invert priority so ascending key order puts the highest first.
	return []byte(fmt.Sprintf("q/%s/%d/%020d", target, 9-int(priority), seq))
}

func queueIdxKey(target, id string) []byte {
	return []byte(fmt.Sprintf("qi/%s/%s", target, id))
}

func streamKey(target string, seq uint64) []byte {
	return []byte(fmt.Sprintf("s/%s/%020d", target, seq))
}

func retryKey(due time.Time, id string) []byte {
	return []byte(fmt.Sprintf("r/%020d/%s", due.UnixNano(), id))
}

func retryIdxKey(id string) []byte {
	return []byte("ri/" + id)
}

func dlqKey(target string, seq uint64) []byte {
	return []byte(fmt.Sprintf("d/%s/%020d", target, seq))
}

func dlqIdxKey(target, id string) []byte {
	return []byte(fmt.Sprintf("di/%s/%s", target, id))
}

// Enqueue adds a message to a target's priority queue.
func (m *MessageStore) Enqueue(_ context.Context, target string, msg *bus.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	seq, err := m.seq.Next()
	if err != nil {
		return fmt.Errorf("failed to get sequence: %w", err)
	}
	key := queueKey(target, msg.Priority, seq)

	return m.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(key, data); err != nil {
			return err
		}
		return txn.Set(queueIdxKey(target, msg.ID), key)
	})
}

// Dequeue removes and returns the highest-priority pending message.
func (m *MessageStore) Dequeue(_ context.Context, target string) (*bus.Message, error) {
	var msg *bus.Message

	err := m.db.Update(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte("q/" + target + "/")
		it := txn.NewIterator(opts)
		defer it.Close()

		it.Rewind()
		if !it.Valid() {
			return storage.ErrEmptyQueue
		}

		item := it.Item()
		key := item.KeyCopy(nil)
		if err := item.Value(func(val []byte) error {
			msg = &bus.Message{}
			return json.Unmarshal(val, msg)
		}); err != nil {
			return fmt.Errorf("failed to unmarshal message: %w", err)
		}

		if err := txn.Delete(key); err != nil {
			return err
		}
		return txn.Delete(queueIdxKey(target, msg.ID))
	})
	if err != nil {
		return nil, err
	}

	return msg, nil
}

// Depth returns the number of pending messages for a target.
func (m *MessageStore) Depth(_ context.Context, target string) (int, error) {
	return m.countPrefix("q/" + target + "/")
}

// Delete removes a pending message by id.
func (m *MessageStore) Delete(_ context.Context, target, id string) error {
	return m.db.Update(func(txn *badger.Txn) error {
		idxKey := queueIdxKey(target, id)
		item, err := txn.Get(idxKey)
		if err != nil {
			if err == badger.ErrKeyNotFound {
				return storage.ErrNotFound
			}
			return err
		}

		var key []byte
		if err := item.Value(func(val []byte) error {
			key = append([]byte(nil), val...)
			return nil
		}); err != nil {
			return err
		}

		if err := txn.Delete(key); err != nil {
			return err
		}
		return txn.Delete(idxKey)
	})
}

// AppendStream appends to the capped stream log, evicting the oldest entries
// beyond the cap.
func (m *MessageStore) AppendStream(_ context.Context, target string, msg *bus.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	seq, err := m.seq.Next()
	if err != nil {
		return fmt.Errorf("failed to get sequence: %w", err)
	}

	return m.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(streamKey(target, seq), data); err != nil {
			return err
		}

		// Evict oldest entries beyond the cap.
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte("s/" + target + "/")
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		var keys [][]byte
		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		for i := 0; i < len(keys)-m.streamCap; i++ {
			if err := txn.Delete(keys[i]); err != nil {
				return err
			}
		}
		return nil
	})
}

// ReadStream returns up to limit stream entries, oldest first.
func (m *MessageStore) ReadStream(_ context.Context, target string, limit int) ([]*bus.Message, error) {
	var msgs []*bus.Message

	err := m.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte("s/" + target + "/")
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var msg bus.Message
				if err := json.Unmarshal(val, &msg); err != nil {
					return err
				}
				msgs = append(msgs, &msg)
				return nil
			})
			if err != nil {
				return fmt.Errorf("failed to unmarshal message: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return msgs, nil
}

// ScheduleRetry records a retry entry ordered by due timestamp.
func (m *MessageStore) ScheduleRetry(_ context.Context, entry *storage.RetryEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal retry entry: %w", err)
	}

	key := retryKey(entry.Due, entry.Message.ID)
	return m.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(key, data); err != nil {
			return err
		}
		return txn.Set(retryIdxKey(entry.Message.ID), key)
	})
}

// DueRetries returns up to limit due entries ordered by due time.
func (m *MessageStore) DueRetries(_ context.Context, now time.Time, limit int) ([]*storage.RetryEntry, error) {
	var entries []*storage.RetryEntry
	cutoff := fmt.Sprintf("r/%020d", now.UnixNano())

	err := m.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte("r/")
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if string(it.Item().Key()) > cutoff+"/\xff" {
				break
			}
			if limit > 0 && len(entries) >= limit {
				break
			}
			err := it.Item().Value(func(val []byte) error {
				var entry storage.RetryEntry
				if err := json.Unmarshal(val, &entry); err != nil {
					return err
				}
				entries = append(entries, &entry)
				return nil
			})
			if err != nil {
				return fmt.Errorf("failed to unmarshal retry entry: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return entries, nil
}

// RemoveRetry drops a retry entry by message id.
func (m *MessageStore) RemoveRetry(_ context.Context, messageID string) error {
	return m.db.Update(func(txn *badger.Txn) error {
		idxKey := retryIdxKey(messageID)
		item, err := txn.Get(idxKey)
		if err != nil {
			if err == badger.ErrKeyNotFound {
				return nil
			}
			return err
		}

		var key []byte
		if err := item.Value(func(val []byte) error {
			key = append([]byte(nil), val...)
			return nil
		}); err != nil {
			return err
		}

		if err := txn.Delete(key); err != nil {
			return err
		}
		return txn.Delete(idxKey)
	})
}

// RetryDepth returns the number of scheduled retries.
func (m *MessageStore) RetryDepth(_ context.Context) (int, error) {
	return m.countPrefix("ri/")
}

// EnqueueDLQ stores a dead letter.
func (m *MessageStore) EnqueueDLQ(_ context.Context, letter *storage.DeadLetter) error {
	data, err := json.Marshal(letter)
	if err != nil {
		return fmt.Errorf("failed to marshal dead letter: %w", err)
	}

	seq, err := m.seq.Next()
	if err != nil {
		return fmt.Errorf("failed to get sequence: %w", err)
	}
	key := dlqKey(letter.Target, seq)

	return m.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(key, data); err != nil {
			return err
		}
		return txn.Set(dlqIdxKey(letter.Target, letter.Message.ID), key)
	})
}

// ListDLQ returns dead letters for a target, oldest first.
func (m *MessageStore) ListDLQ(_ context.Context, target string, limit int) ([]*storage.DeadLetter, error) {
	var letters []*storage.DeadLetter

	err := m.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte("d/" + target + "/")
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if limit > 0 && len(letters) >= limit {
				break
			}
			err := it.Item().Value(func(val []byte) error {
				var letter storage.DeadLetter
				if err := json.Unmarshal(val, &letter); err != nil {
					return err
				}
				letters = append(letters, &letter)
				return nil
			})
			if err != nil {
				return fmt.Errorf("failed to unmarshal dead letter: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return letters, nil
}

// DeleteDLQ removes a dead letter by message id.
func (m *MessageStore) DeleteDLQ(_ context.Context, target, messageID string) error {
	return m.db.Update(func(txn *badger.Txn) error {
		idxKey := dlqIdxKey(target, messageID)
		item, err := txn.Get(idxKey)
		if err != nil {
			if err == badger.ErrKeyNotFound {
				return storage.ErrNotFound
			}
			return err
		}

		var key []byte
		if err := item.Value(func(val []byte) error {
			key = append([]byte(nil), val...)
			return nil
		}); err != nil {
			return err
		}

		if err := txn.Delete(key); err != nil {
			return err
		}
		return txn.Delete(idxKey)
	})
}

func (m *MessageStore) countPrefix(prefix string) (int, error) {
	count := 0
	err := m.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			count++
		}
		return nil
	})
	return count, err
}
