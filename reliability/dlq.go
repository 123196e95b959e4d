// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package reliability

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/absmach/agentbus/bus"
	"github.com/absmach/agentbus/server/otel"
	"github.com/absmach/agentbus/storage"
)

// DLQManager manages dead letter queue operations: listing, manual recovery
// and age-based purging.
type DLQManager struct {
	messages storage.MessageStore
	tracker  *AckTracker
	metrics  *otel.Metrics // nil if metrics disabled
	logger   *slog.Logger

	purgeAge      time.Duration
	purgeInterval time.Duration
	targets       map[string]struct{}
	mu            sync.RWMutex

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// DLQConfig holds dead-letter queue settings.
type DLQConfig struct {
	// PurgeAge is the retention window for dead letters. Zero disables
	// the purge loop.
	PurgeAge time.Duration

	// PurgeInterval is how often the purge loop runs.
	PurgeInterval time.Duration
}

// NewDLQManager creates a DLQ manager.
func NewDLQManager(messages storage.MessageStore, tracker *AckTracker, cfg DLQConfig, logger *slog.Logger) *DLQManager {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PurgeInterval <= 0 {
		cfg.PurgeInterval = time.Minute
	}

	return &DLQManager{
		messages:      messages,
		tracker:       tracker,
		logger:        logger,
		purgeAge:      cfg.PurgeAge,
		purgeInterval: cfg.PurgeInterval,
		targets:       make(map[string]struct{}),
		stopCh:        make(chan struct{}),
	}
}

// SetMetrics wires the OTel instruments. Must be called before Start.
func (d *DLQManager) SetMetrics(m *otel.Metrics) {
	d.metrics = m
}

// Move places a message that exhausted its retries into the dead letter
// queue. The message is never silently dropped: the DLQ write happens before
// the delivery record reaches its terminal state.
func (d *DLQManager) Move(ctx context.Context, target string, msg *bus.Message, reason string) error {
	letter := &storage.DeadLetter{
		Message:      msg,
		Target:       target,
		Reason:       reason,
		FirstAttempt: msg.CreatedAt,
		MovedAt:      time.Now(),
	}

	if err := d.messages.EnqueueDLQ(ctx, letter); err != nil {
		return fmt.Errorf("failed to enqueue to DLQ: %w", err)
	}

	d.mu.Lock()
	d.targets[target] = struct{}{}
	d.mu.Unlock()

	if err := d.tracker.MarkDeadLetter(ctx, msg.ID); err != nil {
		d.logger.Warn("failed to mark delivery dead-lettered", "message_id", msg.ID, "error", err)
	}

	if d.metrics != nil {
		// Only the coarse reason class; the part after the colon carries
		// the unbounded cause text.
		d.metrics.RecordDeadLettered(strings.SplitN(reason, ":", 2)[0])
	}

	d.logger.Info("message dead-lettered", "message_id", msg.ID, "target", target, "reason", reason)
	return nil
}

// List returns dead letters for a target, oldest first.
func (d *DLQManager) List(ctx context.Context, target string, limit int) ([]*storage.DeadLetter, error) {
	return d.messages.ListDLQ(ctx, target, limit)
}

// Recover resets a dead letter's attempt count and re-publishes it through
// the given publisher, then removes it from the DLQ.
func (d *DLQManager) Recover(ctx context.Context, publisher Publisher, target, messageID string) error {
	letters, err := d.messages.ListDLQ(ctx, target, 0)
	if err != nil {
		return fmt.Errorf("failed to list DLQ: %w", err)
	}

	var letter *storage.DeadLetter
	for _, l := range letters {
		if l.Message.ID == messageID {
			letter = l
			break
		}
	}
	if letter == nil {
		return storage.ErrNotFound
	}

	msg := *letter.Message
	msg.Headers.Retries = 0

	// Remove from the DLQ before re-publishing so the tracker can open a
	// fresh (non-terminal) record for the recovered message.
	if err := d.messages.DeleteDLQ(ctx, target, messageID); err != nil {
		return fmt.Errorf("failed to remove dead letter: %w", err)
	}
	if err := d.tracker.deliveries.Delete(ctx, messageID); err != nil {
		d.logger.Warn("failed to drop terminal delivery record", "message_id", messageID, "error", err)
	}

	if _, err := publisher.Publish(ctx, &msg); err != nil {
		return fmt.Errorf("failed to re-publish recovered message: %w", err)
	}

	d.logger.Info("dead letter recovered", "message_id", messageID, "target", target)
	return nil
}

// Purge removes dead letters older than age for a target. Returns the number
// removed.
func (d *DLQManager) Purge(ctx context.Context, target string, age time.Duration) (int, error) {
	letters, err := d.messages.ListDLQ(ctx, target, 0)
	if err != nil {
		return 0, fmt.Errorf("failed to list DLQ: %w", err)
	}

	cutoff := time.Now().Add(-age)
	count := 0
	for _, letter := range letters {
		if letter.MovedAt.After(cutoff) {
			continue
		}
		if err := d.messages.DeleteDLQ(ctx, target, letter.Message.ID); err != nil {
			d.logger.Warn("failed to purge dead letter", "message_id", letter.Message.ID, "error", err)
			continue
		}
		count++
	}
	return count, nil
}

// Stats summarizes a target's dead letter queue by failure reason.
type Stats struct {
	Target   string
	Total    int64
	ByReason map[string]int64
}

// GetStats returns DLQ statistics for a target.
func (d *DLQManager) GetStats(ctx context.Context, target string) (*Stats, error) {
	letters, err := d.messages.ListDLQ(ctx, target, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to list DLQ: %w", err)
	}

	stats := &Stats{
		Target:   target,
		Total:    int64(len(letters)),
		ByReason: make(map[string]int64),
	}
	for _, letter := range letters {
		reason := letter.Reason
		if reason == "" {
			reason = "unknown"
		}
		stats.ByReason[reason]++
	}
	return stats, nil
}

// Start starts the age-based purge loop. No-op when PurgeAge is zero.
func (d *DLQManager) Start(ctx context.Context) {
	if d.purgeAge <= 0 {
		return
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.run(ctx)
	}()
}

// Stop stops the purge loop and waits for it to finish.
func (d *DLQManager) Stop() {
	close(d.stopCh)
	d.wg.Wait()
}

func (d *DLQManager) run(ctx context.Context) {
	ticker := time.NewTicker(d.purgeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stopCh:
			return
		case <-ticker.C:
			d.purgeAll(ctx)
		}
	}
}

func (d *DLQManager) purgeAll(ctx context.Context) {
	d.mu.RLock()
	targets := make([]string, 0, len(d.targets))
	for t := range d.targets {
		targets = append(targets, t)
	}
	d.mu.RUnlock()

	for _, target := range targets {
		if n, err := d.Purge(ctx, target, d.purgeAge); err != nil {
			d.logger.Warn("DLQ purge failed", "target", target, "error", err)
		} else if n > 0 {
			d.logger.Info("DLQ purged", "target", target, "removed", n)
		}
	}
}
