// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/absmach/agentbus/bus"
	"github.com/absmach/agentbus/reliability"
	"github.com/absmach/agentbus/server/otel"
	"github.com/absmach/agentbus/storage"
)

// Handler consumes a single message delivered to a subscribed target. A
// non-nil error triggers the retry cycle for the message.
type Handler func(ctx context.Context, msg *bus.Message) error

// Config holds broker tunables.
type Config struct {
	// DrainInterval bounds how long a queued message can wait before a
	// consumer polls its queue even without a publish notification.
	DrainInterval time.Duration
}

// DefaultConfig returns the broker defaults.
func DefaultConfig() Config {
	return Config{
		DrainInterval: 500 * time.Millisecond,
	}
}

// Broker is the durable message bus core. It routes published messages into
// per-target priority queues, appends them to capped stream logs for replay,
// and drives per-target consumer loops for subscribed agents.
type Broker struct {
	mu        sync.RWMutex
	consumers map[string]*consumer
	closed    bool

	messages storage.MessageStore
	tracker  *reliability.AckTracker
	retry    *reliability.RetryManager

	cfg     Config
	stats   *Stats
	metrics *otel.Metrics // nil if metrics disabled
	logger  *slog.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup
}

type consumer struct {
	target  string
	handler Handler
	notify  chan struct{}
	stopCh  chan struct{}
}

// New creates a broker on top of the given message store. The tracker records
// a delivery lifecycle for every published message; the retry manager drives
// redelivery for failed handlers and may be nil in fire-and-forget setups.
func New(messages storage.MessageStore, tracker *reliability.AckTracker, retry *reliability.RetryManager, cfg Config, logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.DrainInterval <= 0 {
		cfg.DrainInterval = DefaultConfig().DrainInterval
	}

	return &Broker{
		consumers: make(map[string]*consumer),
		messages:  messages,
		tracker:   tracker,
		retry:     retry,
		cfg:       cfg,
		stats:     NewStats(),
		logger:    logger,
		stopCh:    make(chan struct{}),
	}
}

// Stats returns the broker statistics.
func (b *Broker) Stats() *Stats {
	return b.stats
}

// SetMetrics wires the OTel instruments recorded alongside the stats
// counters. Must be called before the first publish.
func (b *Broker) SetMetrics(m *otel.Metrics) {
	b.metrics = m
}

// Publish routes a message to its target's priority queue and stream log and
// starts tracking its delivery. It returns the message id.
func (b *Broker) Publish(ctx context.Context, msg *bus.Message) (string, error) {
	start := time.Now()

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return "", ErrClosed
	}
	c := b.consumers[msg.To]
	b.mu.RUnlock()

	if err := b.tracker.Track(ctx, msg.To, msg); err != nil {
		return "", fmt.Errorf("failed to track delivery: %w", err)
	}
	if err := b.messages.AppendStream(ctx, msg.To, msg); err != nil {
		return "", fmt.Errorf("%w: %v", ErrTransport, err)
	}
	if err := b.messages.Enqueue(ctx, msg.To, msg); err != nil {
		return "", fmt.Errorf("%w: %v", ErrTransport, err)
	}

	b.stats.IncrementPublished()
	if b.metrics != nil {
		b.metrics.RecordPublished(int(msg.Priority), int64(len(msg.Payload)))
		b.metrics.RecordPublishDuration(float64(time.Since(start).Microseconds()) / 1000)
	}

	if c != nil {
		select {
		case c.notify <- struct{}{}:
		default:
		}
	}

	return msg.ID, nil
}

// Subscribe registers a handler for a target and starts its consumer loop.
// Pending queued messages are drained immediately.
func (b *Broker) Subscribe(ctx context.Context, target string, handler Handler) error {
	if target == "" {
		return bus.ErrEmptyTarget
	}
	if handler == nil {
		return errors.New("nil handler")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrClosed
	}
	if _, ok := b.consumers[target]; ok {
		return ErrAlreadySubscribed
	}

	c := &consumer{
		target:  target,
		handler: handler,
		notify:  make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
	}
	b.consumers[target] = c
	b.stats.IncrementSubscriptions()
	if b.metrics != nil {
		b.metrics.RecordSubscriptionAdded()
	}

	b.wg.Add(1)
	go b.consume(c)

	b.logger.Info("target subscribed", "target", target)
	return nil
}

// Unsubscribe stops the consumer loop for a target. Queued messages stay
// pending until the target subscribes again.
func (b *Broker) Unsubscribe(target string) error {
	b.mu.Lock()
	c, ok := b.consumers[target]
	if ok {
		delete(b.consumers, target)
	}
	b.mu.Unlock()

	if !ok {
		return ErrNotSubscribed
	}

	close(c.stopCh)
	b.stats.DecrementSubscriptions()
	if b.metrics != nil {
		b.metrics.RecordSubscriptionRemoved()
	}
	b.logger.Info("target unsubscribed", "target", target)
	return nil
}

// Acknowledge marks a delivered message as confirmed by its consumer. It
// reports whether the acknowledgment settled the delivery; duplicate
// acknowledgments are ignored.
func (b *Broker) Acknowledge(ctx context.Context, messageID string) (bool, error) {
	ok, err := b.tracker.Acknowledge(ctx, messageID)
	if err != nil {
		return false, err
	}
	if ok {
		b.stats.IncrementAcknowledged()
		if b.metrics != nil {
			b.metrics.RecordAcknowledged()
		}
	}
	return ok, nil
}

// QueueDepth returns the number of pending messages for a target.
func (b *Broker) QueueDepth(ctx context.Context, target string) (int, error) {
	return b.messages.Depth(ctx, target)
}

// Replay returns up to limit messages from a target's stream log, oldest
// first. limit <= 0 returns all retained entries.
func (b *Broker) Replay(ctx context.Context, target string, limit int) ([]*bus.Message, error) {
	return b.messages.ReadStream(ctx, target, limit)
}

// Subscribed reports whether a target currently has an active consumer.
func (b *Broker) Subscribed(target string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.consumers[target]
	return ok
}

// Close stops all consumer loops and waits for them to drain.
func (b *Broker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	b.closed = true
	b.consumers = make(map[string]*consumer)
	b.mu.Unlock()

	close(b.stopCh)
	b.wg.Wait()
	return nil
}

// consume is the per-target delivery loop. It drains the target's queue on
// publish notifications and on a periodic tick that catches messages queued
// before the subscription existed.
func (b *Broker) consume(c *consumer) {
	defer b.wg.Done()

	ticker := time.NewTicker(b.cfg.DrainInterval)
	defer ticker.Stop()

	for {
		b.drain(c)

		select {
		case <-c.notify:
		case <-ticker.C:
		case <-c.stopCh:
			return
		case <-b.stopCh:
			return
		}
	}
}

// drain delivers every pending message for a consumer's target in priority
// order, FIFO among equal priorities.
func (b *Broker) drain(c *consumer) {
	ctx := context.Background()

	for {
		select {
		case <-c.stopCh:
			return
		case <-b.stopCh:
			return
		default:
		}

		msg, err := b.messages.Dequeue(ctx, c.target)
		if err != nil {
			if !errors.Is(err, storage.ErrEmptyQueue) {
				b.logger.Error("dequeue failed", "target", c.target, "error", err)
			}
			return
		}

		b.deliver(ctx, c, msg)
	}
}

// deliver hands one message to the consumer's handler and settles its
// delivery record.
func (b *Broker) deliver(ctx context.Context, c *consumer, msg *bus.Message) {
	if msg.Expired(time.Now()) {
		if err := b.tracker.MarkExpired(ctx, msg.ID); err != nil {
			b.logger.Warn("failed to expire delivery", "message_id", msg.ID, "error", err)
		}
		b.stats.IncrementExpired()
		if b.metrics != nil {
			b.metrics.RecordExpired()
		}
		b.logger.Debug("message expired before delivery", "message_id", msg.ID, "target", c.target)
		return
	}

	if err := b.tracker.MarkDelivered(ctx, msg.ID); err != nil {
		b.logger.Warn("failed to mark delivery", "message_id", msg.ID, "error", err)
	}

	if err := c.handler(ctx, msg); err != nil {
		b.stats.IncrementFailed()
		if b.metrics != nil {
			b.metrics.RecordError("handler_failure")
		}
		if b.retry == nil {
			b.logger.Error("handler failed without retry manager", "message_id", msg.ID, "target", c.target, "error", err)
			return
		}
		b.stats.IncrementRetried()
		if b.metrics != nil {
			b.metrics.RecordRetried()
		}
		if rerr := b.retry.HandleFailure(ctx, c.target, msg, err); rerr != nil {
			b.logger.Error("failed to schedule retry", "message_id", msg.ID, "target", c.target, "error", rerr)
		}
		return
	}

	b.stats.IncrementDelivered()
	if b.metrics != nil {
		b.metrics.RecordDelivered(c.target)
	}

	// Consumers of ack-required messages confirm explicitly; everything
	// else settles on successful handler return.
	if !msg.Headers.RequireAck {
		if _, err := b.Acknowledge(ctx, msg.ID); err != nil {
			b.logger.Warn("failed to auto-acknowledge", "message_id", msg.ID, "error", err)
		}
	}
}
