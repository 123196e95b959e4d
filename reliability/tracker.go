// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package reliability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/absmach/agentbus/bus"
	"github.com/absmach/agentbus/storage"
)

// TimeoutHandler receives messages whose acknowledgment deadline passed while
// delivered. The retry manager implements it.
type TimeoutHandler interface {
	HandleTimeout(ctx context.Context, rec *storage.DeliveryRecord) error
}

// AckTracker records a delivery record per in-flight message and sweeps for
// deadline breaches in the background.
type AckTracker struct {
	deliveries storage.DeliveryStore
	timeouts   TimeoutHandler
	logger     *slog.Logger

	ackTimeout    time.Duration
	sweepInterval time.Duration

	stopCh chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// TrackerConfig holds acknowledgment tracking settings.
type TrackerConfig struct {
	// AckTimeout is the deadline for an acknowledgment after publish.
	AckTimeout time.Duration

	// SweepInterval is how often the expiry sweep runs.
	SweepInterval time.Duration
}

// NewAckTracker creates an acknowledgment tracker.
func NewAckTracker(deliveries storage.DeliveryStore, cfg TrackerConfig, logger *slog.Logger) *AckTracker {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = 30 * time.Second
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Second
	}

	return &AckTracker{
		deliveries:    deliveries,
		logger:        logger,
		ackTimeout:    cfg.AckTimeout,
		sweepInterval: cfg.SweepInterval,
		stopCh:        make(chan struct{}),
	}
}

// SetTimeoutHandler wires the handler invoked for delivered-but-unacked
// records past their deadline.
func (t *AckTracker) SetTimeoutHandler(h TimeoutHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.timeouts = h
}

// Track creates a pending delivery record for a freshly published message.
// Re-published retries reuse the message id; the record keeps its attempt
// count across publishes.
func (t *AckTracker) Track(ctx context.Context, target string, msg *bus.Message) error {
	now := time.Now()

	deadline := now.Add(t.ackTimeout)
	if !msg.Headers.Expiration.IsZero() && msg.Headers.Expiration.Before(deadline) {
		deadline = msg.Headers.Expiration
	}

	rec := &storage.DeliveryRecord{
		MessageID:  msg.ID,
		Target:     target,
		Status:     storage.StatusPending,
		Attempts:   msg.Headers.Retries,
		MaxRetries: msg.Headers.MaxRetries,
		Deadline:   deadline,
		CreatedAt:  now,
	}

	if existing, err := t.deliveries.Get(ctx, msg.ID); err == nil {
		if existing.Status.Terminal() {
			return fmt.Errorf("%w: %s is terminal", ErrInvalidTransition, existing.Status)
		}
		rec.CreatedAt = existing.CreatedAt
		if existing.Attempts > rec.Attempts {
			rec.Attempts = existing.Attempts
		}
	}

	return t.deliveries.Save(ctx, rec)
}

// MarkDelivered transitions a record to delivered and counts the attempt.
func (t *AckTracker) MarkDelivered(ctx context.Context, messageID string) error {
	return t.transition(ctx, messageID, storage.StatusDelivered, func(rec *storage.DeliveryRecord) {
		rec.Attempts++
		rec.LastAttempt = time.Now()
	})
}

// Acknowledge transitions a record to its terminal acknowledged state.
// Returns false when the record is unknown or already terminal.
func (t *AckTracker) Acknowledge(ctx context.Context, messageID string) (bool, error) {
	err := t.transition(ctx, messageID, storage.StatusAcknowledged, nil)
	switch {
	case err == nil:
		return true, nil
	case isIgnorable(err):
		return false, nil
	default:
		return false, err
	}
}

// MarkFailed transitions a record to failed after a handler error.
func (t *AckTracker) MarkFailed(ctx context.Context, messageID string) error {
	return t.transition(ctx, messageID, storage.StatusFailed, func(rec *storage.DeliveryRecord) {
		rec.LastAttempt = time.Now()
	})
}

// MarkRetry transitions a record to the retry state.
func (t *AckTracker) MarkRetry(ctx context.Context, messageID string) error {
	return t.transition(ctx, messageID, storage.StatusRetry, nil)
}

// MarkDeadLetter transitions a record to its terminal dead_letter state.
func (t *AckTracker) MarkDeadLetter(ctx context.Context, messageID string) error {
	return t.transition(ctx, messageID, storage.StatusDeadLetter, nil)
}

// MarkExpired transitions a record to its terminal expired state.
func (t *AckTracker) MarkExpired(ctx context.Context, messageID string) error {
	return t.transition(ctx, messageID, storage.StatusExpired, nil)
}

// Record returns the delivery record for a message.
func (t *AckTracker) Record(ctx context.Context, messageID string) (*storage.DeliveryRecord, error) {
	return t.deliveries.Get(ctx, messageID)
}

func (t *AckTracker) transition(ctx context.Context, messageID string, next storage.DeliveryStatus, mutate func(*storage.DeliveryRecord)) error {
	rec, err := t.deliveries.Get(ctx, messageID)
	if err != nil {
		return err
	}

	if !rec.Status.CanTransition(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, rec.Status, next)
	}

	rec.Status = next
	if mutate != nil {
		mutate(rec)
	}
	return t.deliveries.Save(ctx, rec)
}

// Start starts the background expiry sweep.
func (t *AckTracker) Start(ctx context.Context) {
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.run(ctx)
	}()
}

// Stop stops the sweep and waits for it to finish.
func (t *AckTracker) Stop() {
	close(t.stopCh)
	t.wg.Wait()
}

func (t *AckTracker) run(ctx context.Context) {
	ticker := time.NewTicker(t.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stopCh:
			return
		case <-ticker.C:
			t.sweep(ctx)
		}
	}
}

// sweep expires records still pending past their deadline and hands
// delivered-but-unacked records to the timeout handler.
func (t *AckTracker) sweep(ctx context.Context) {
	now := time.Now()

	pending, err := t.deliveries.ListByStatus(ctx, storage.StatusPending)
	if err != nil {
		t.logger.Warn("delivery sweep failed", "error", err)
		return
	}
	for _, rec := range pending {
		if now.After(rec.Deadline) {
			if err := t.MarkExpired(ctx, rec.MessageID); err != nil {
				t.logger.Warn("failed to expire delivery", "message_id", rec.MessageID, "error", err)
			}
		}
	}

	t.mu.Lock()
	handler := t.timeouts
	t.mu.Unlock()
	if handler == nil {
		return
	}

	delivered, err := t.deliveries.ListByStatus(ctx, storage.StatusDelivered)
	if err != nil {
		t.logger.Warn("delivery sweep failed", "error", err)
		return
	}
	for _, rec := range delivered {
		if now.After(rec.Deadline) {
			if err := handler.HandleTimeout(ctx, rec); err != nil {
				t.logger.Warn("timeout handling failed", "message_id", rec.MessageID, "error", err)
			}
		}
	}
}

func isIgnorable(err error) bool {
	return errors.Is(err, storage.ErrNotFound) || errors.Is(err, ErrInvalidTransition)
}
