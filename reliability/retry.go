// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package reliability

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/absmach/agentbus/bus"
	"github.com/absmach/agentbus/storage"
)

// Publisher re-publishes messages when their retry comes due. The broker
// implements it.
type Publisher interface {
	Publish(ctx context.Context, msg *bus.Message) (string, error)
}

// RetryPolicy holds backoff settings.
type RetryPolicy struct {
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Multiplier float64

	// Jitter bounds; delays are scaled by a random factor in [Min, Max].
	JitterMin float64
	JitterMax float64
}

// DefaultRetryPolicy returns the standard backoff settings.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		BaseDelay:  time.Second,
		MaxDelay:   5 * time.Minute,
		Multiplier: 2.0,
		JitterMin:  0.8,
		JitterMax:  1.2,
	}
}

// RetryConfig holds retry manager settings.
type RetryConfig struct {
	Policy RetryPolicy

	// CheckInterval is how often the due-retry index is polled.
	CheckInterval time.Duration

	// BatchSize bounds entries processed per tick to avoid starvation.
	BatchSize int
}

// RetryManager schedules failed messages for re-publication with bounded
// exponential backoff and jitter, routing exhausted messages to the DLQ.
type RetryManager struct {
	messages  storage.MessageStore
	tracker   *AckTracker
	dlq       *DLQManager
	publisher Publisher
	logger    *slog.Logger

	policy        RetryPolicy
	checkInterval time.Duration
	batchSize     int

	rng    *rand.Rand
	rngMu  sync.Mutex
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewRetryManager creates a retry manager.
func NewRetryManager(messages storage.MessageStore, tracker *AckTracker, dlq *DLQManager, cfg RetryConfig, logger *slog.Logger) *RetryManager {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Policy.BaseDelay <= 0 {
		cfg.Policy = DefaultRetryPolicy()
	}
	if cfg.Policy.JitterMin <= 0 || cfg.Policy.JitterMax < cfg.Policy.JitterMin {
		def := DefaultRetryPolicy()
		cfg.Policy.JitterMin = def.JitterMin
		cfg.Policy.JitterMax = def.JitterMax
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}

	return &RetryManager{
		messages:      messages,
		tracker:       tracker,
		dlq:           dlq,
		logger:        logger,
		policy:        cfg.Policy,
		checkInterval: cfg.CheckInterval,
		batchSize:     cfg.BatchSize,
		rng:           rand.New(rand.NewSource(time.Now().UnixNano())),
		stopCh:        make(chan struct{}),
	}
}

// SetPublisher wires the publisher used for re-publication. Must be called
// before Start.
func (rm *RetryManager) SetPublisher(p Publisher) {
	rm.publisher = p
}

// HandleFailure processes a handler failure for a delivered message: it
// schedules a retry with backoff, or moves the message to the DLQ once the
// retry limit is reached.
func (rm *RetryManager) HandleFailure(ctx context.Context, target string, msg *bus.Message, cause error) error {
	if err := rm.tracker.MarkFailed(ctx, msg.ID); err != nil {
		rm.logger.Warn("failed to mark delivery failed", "message_id", msg.ID, "error", err)
	}

	// The just-failed delivery counts against the limit: a message with
	// max_retries=3 is attempted three times in total.
	retry := msg.WithRetry()
	if retry.RetriesExhausted() {
		return rm.dlq.Move(ctx, target, msg, fmt.Sprintf("max retries exceeded: %v", cause))
	}

	delay := rm.Delay(retry.Headers.Retries)

	entry := &storage.RetryEntry{
		Message: retry,
		Target:  target,
		Due:     time.Now().Add(delay),
		Attempt: retry.Headers.Retries,
	}
	if err := rm.messages.ScheduleRetry(ctx, entry); err != nil {
		return fmt.Errorf("failed to schedule retry: %w", err)
	}

	if err := rm.tracker.MarkRetry(ctx, msg.ID); err != nil {
		rm.logger.Warn("failed to mark delivery for retry", "message_id", msg.ID, "error", err)
	}

	rm.logger.Debug("retry scheduled",
		"message_id", msg.ID,
		"target", target,
		"attempt", retry.Headers.Retries,
		"delay", delay)
	return nil
}

// HandleTimeout implements TimeoutHandler: a delivered message whose
// acknowledgment deadline passed is treated as a failed attempt. The message
// body is recovered from the target's stream log.
func (rm *RetryManager) HandleTimeout(ctx context.Context, rec *storage.DeliveryRecord) error {
	msgs, err := rm.messages.ReadStream(ctx, rec.Target, 0)
	if err != nil {
		return err
	}

	var msg *bus.Message
	for _, m := range msgs {
		if m.ID == rec.MessageID {
			msg = m
			break
		}
	}
	if msg == nil {
		// Stream log evicted the message; nothing left to redeliver.
		return rm.tracker.MarkExpired(ctx, rec.MessageID)
	}

	retry := *msg
	retry.Headers.Retries = rec.Attempts - 1
	if retry.Headers.Retries < 0 {
		retry.Headers.Retries = 0
	}
	return rm.HandleFailure(ctx, rec.Target, &retry, ErrDeliveryTimeout)
}

// Delay computes the backoff delay for the nth attempt:
// min(base * multiplier^n, max) scaled by jitter.
func (rm *RetryManager) Delay(attempt int) time.Duration {
	backoff := float64(rm.policy.BaseDelay) * math.Pow(rm.policy.Multiplier, float64(attempt))
	if backoff > float64(rm.policy.MaxDelay) {
		backoff = float64(rm.policy.MaxDelay)
	}

	rm.rngMu.Lock()
	jitter := rm.policy.JitterMin + rm.rng.Float64()*(rm.policy.JitterMax-rm.policy.JitterMin)
	rm.rngMu.Unlock()

	return time.Duration(backoff * jitter)
}

// Start starts the due-retry polling loop.
func (rm *RetryManager) Start(ctx context.Context) {
	rm.wg.Add(1)
	go func() {
		defer rm.wg.Done()
		rm.run(ctx)
	}()
}

// Stop stops the loop and waits for it to finish.
func (rm *RetryManager) Stop() {
	close(rm.stopCh)
	rm.wg.Wait()
}

func (rm *RetryManager) run(ctx context.Context) {
	ticker := time.NewTicker(rm.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-rm.stopCh:
			return
		case <-ticker.C:
			rm.processDue(ctx)
		}
	}
}

// processDue re-publishes a bounded batch of due retries.
func (rm *RetryManager) processDue(ctx context.Context) {
	if rm.publisher == nil {
		return
	}

	due, err := rm.messages.DueRetries(ctx, time.Now(), rm.batchSize)
	if err != nil {
		rm.logger.Warn("failed to list due retries", "error", err)
		return
	}

	for _, entry := range due {
		if err := rm.messages.RemoveRetry(ctx, entry.Message.ID); err != nil {
			rm.logger.Warn("failed to remove retry entry", "message_id", entry.Message.ID, "error", err)
			continue
		}

		if entry.Message.Expired(time.Now()) {
			if err := rm.tracker.MarkExpired(ctx, entry.Message.ID); err != nil {
				rm.logger.Warn("failed to expire retry", "message_id", entry.Message.ID, "error", err)
			}
			continue
		}

		if _, err := rm.publisher.Publish(ctx, entry.Message); err != nil {
			// Transient publish failure: reschedule rather than drop.
			entry.Due = time.Now().Add(rm.Delay(entry.Attempt))
			if err := rm.messages.ScheduleRetry(ctx, entry); err != nil {
				rm.logger.Error("failed to reschedule retry", "message_id", entry.Message.ID, "error", err)
			}
			continue
		}

		rm.logger.Debug("retry re-published", "message_id", entry.Message.ID, "target", entry.Target, "attempt", entry.Attempt)
	}
}
