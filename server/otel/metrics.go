// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package otel

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds OpenTelemetry metric instruments for the agent bus.
type Metrics struct {
	meter metric.Meter

	// Counters
	messagesPublished metric.Int64Counter
	messagesDelivered metric.Int64Counter
	messagesAcked     metric.Int64Counter
	messagesRetried   metric.Int64Counter
	messagesDead      metric.Int64Counter
	messagesExpired   metric.Int64Counter
	probesTotal       metric.Int64Counter
	migrationsTotal   metric.Int64Counter
	rollbacksTotal    metric.Int64Counter
	errorsTotal       metric.Int64Counter

	// UpDownCounters (Gauges)
	agentsRegistered    metric.Int64UpDownCounter
	subscriptionsActive metric.Int64UpDownCounter

	// Histograms
	messageSize       metric.Int64Histogram
	publishDuration   metric.Float64Histogram
	migrationDuration metric.Float64Histogram
}

// NewMetrics creates a new Metrics instance with all instruments initialized.
func NewMetrics() (*Metrics, error) {
	m := &Metrics{
		meter: otel.Meter("agentbus"),
	}

	var err error

	m.messagesPublished, err = m.meter.Int64Counter(
		"agentbus.messages.published.total",
		metric.WithDescription("Total messages accepted for delivery"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create messagesPublished counter: %w", err)
	}

	m.messagesDelivered, err = m.meter.Int64Counter(
		"agentbus.messages.delivered.total",
		metric.WithDescription("Total messages handed to consumers"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create messagesDelivered counter: %w", err)
	}

	m.messagesAcked, err = m.meter.Int64Counter(
		"agentbus.messages.acknowledged.total",
		metric.WithDescription("Total messages acknowledged by consumers"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create messagesAcked counter: %w", err)
	}

	m.messagesRetried, err = m.meter.Int64Counter(
		"agentbus.messages.retried.total",
		metric.WithDescription("Total delivery retries scheduled"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create messagesRetried counter: %w", err)
	}

	m.messagesDead, err = m.meter.Int64Counter(
		"agentbus.messages.dead_lettered.total",
		metric.WithDescription("Total messages moved to the dead letter queue"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create messagesDead counter: %w", err)
	}

	m.messagesExpired, err = m.meter.Int64Counter(
		"agentbus.messages.expired.total",
		metric.WithDescription("Total messages dropped past their expiration"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create messagesExpired counter: %w", err)
	}

	m.probesTotal, err = m.meter.Int64Counter(
		"agentbus.probes.total",
		metric.WithDescription("Total connectivity probes by transport and outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create probesTotal counter: %w", err)
	}

	m.migrationsTotal, err = m.meter.Int64Counter(
		"agentbus.migrations.total",
		metric.WithDescription("Total migration runs by final status"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrationsTotal counter: %w", err)
	}

	m.rollbacksTotal, err = m.meter.Int64Counter(
		"agentbus.rollbacks.total",
		metric.WithDescription("Total rollback executions by status"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create rollbacksTotal counter: %w", err)
	}

	m.errorsTotal, err = m.meter.Int64Counter(
		"agentbus.errors.total",
		metric.WithDescription("Total errors by type"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create errorsTotal counter: %w", err)
	}

	m.agentsRegistered, err = m.meter.Int64UpDownCounter(
		"agentbus.agents.registered",
		metric.WithDescription("Number of registered agents"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create agentsRegistered gauge: %w", err)
	}

	m.subscriptionsActive, err = m.meter.Int64UpDownCounter(
		"agentbus.subscriptions.active",
		metric.WithDescription("Number of active consumer subscriptions"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create subscriptionsActive gauge: %w", err)
	}

	m.messageSize, err = m.meter.Int64Histogram(
		"agentbus.message.size.bytes",
		metric.WithDescription("Message payload size distribution"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create messageSize histogram: %w", err)
	}

	m.publishDuration, err = m.meter.Float64Histogram(
		"agentbus.publish.duration.ms",
		metric.WithDescription("Publish processing duration in milliseconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create publishDuration histogram: %w", err)
	}

	m.migrationDuration, err = m.meter.Float64Histogram(
		"agentbus.migration.duration.ms",
		metric.WithDescription("Migration run duration in milliseconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrationDuration histogram: %w", err)
	}

	return m, nil
}

// RecordPublished records a message accepted for delivery.
func (m *Metrics) RecordPublished(priority int, sizeBytes int64) {
	ctx := context.Background()
	m.messagesPublished.Add(ctx, 1, metric.WithAttributes(
		attribute.Int("priority", priority),
	))
	m.messageSize.Record(ctx, sizeBytes)
}

// RecordDelivered records a message handed to a consumer.
func (m *Metrics) RecordDelivered(target string) {
	m.messagesDelivered.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("target", target),
	))
}

// RecordAcknowledged records a consumer acknowledgment.
func (m *Metrics) RecordAcknowledged() {
	m.messagesAcked.Add(context.Background(), 1)
}

// RecordRetried records a scheduled delivery retry.
func (m *Metrics) RecordRetried() {
	m.messagesRetried.Add(context.Background(), 1)
}

// RecordDeadLettered records a message moved to the dead letter queue.
func (m *Metrics) RecordDeadLettered(reason string) {
	m.messagesDead.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("reason", reason),
	))
}

// RecordExpired records a message dropped past its expiration.
func (m *Metrics) RecordExpired() {
	m.messagesExpired.Add(context.Background(), 1)
}

// RecordProbe records a connectivity probe result.
func (m *Metrics) RecordProbe(mode string, success bool) {
	m.probesTotal.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("mode", mode),
		attribute.Bool("success", success),
	))
}

// RecordMigration records a finished migration run.
func (m *Metrics) RecordMigration(status string, durationMs float64) {
	ctx := context.Background()
	m.migrationsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("status", status),
	))
	m.migrationDuration.Record(ctx, durationMs)
}

// RecordRollback records a rollback execution.
func (m *Metrics) RecordRollback(status string) {
	m.rollbacksTotal.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("status", status),
	))
}

// RecordAgentRegistered records an agent joining the registry.
func (m *Metrics) RecordAgentRegistered() {
	m.agentsRegistered.Add(context.Background(), 1)
}

// RecordAgentDeregistered records an agent leaving the registry.
func (m *Metrics) RecordAgentDeregistered() {
	m.agentsRegistered.Add(context.Background(), -1)
}

// RecordSubscriptionAdded records a new consumer subscription.
func (m *Metrics) RecordSubscriptionAdded() {
	m.subscriptionsActive.Add(context.Background(), 1)
}

// RecordSubscriptionRemoved records a subscription removal.
func (m *Metrics) RecordSubscriptionRemoved() {
	m.subscriptionsActive.Add(context.Background(), -1)
}

// RecordError records an error by type.
func (m *Metrics) RecordError(errorType string) {
	m.errorsTotal.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("type", errorType),
	))
}

// RecordPublishDuration records the duration of a publish operation.
func (m *Metrics) RecordPublishDuration(durationMs float64) {
	m.publishDuration.Record(context.Background(), durationMs)
}
