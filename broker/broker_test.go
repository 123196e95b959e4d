// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	otelglobal "go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/absmach/agentbus/broker"
	"github.com/absmach/agentbus/bus"
	"github.com/absmach/agentbus/reliability"
	"github.com/absmach/agentbus/server/otel"
	"github.com/absmach/agentbus/storage"
	"github.com/absmach/agentbus/storage/memory"
)

type fixture struct {
	store   *memory.Store
	broker  *broker.Broker
	tracker *reliability.AckTracker
	retry   *reliability.RetryManager
	dlq     *reliability.DLQManager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store := memory.New()
	tracker := reliability.NewAckTracker(store.Deliveries(), reliability.TrackerConfig{
		AckTimeout:    time.Minute,
		SweepInterval: 50 * time.Millisecond,
	}, nil)
	dlq := reliability.NewDLQManager(store.Messages(), tracker, reliability.DLQConfig{}, nil)
	rm := reliability.NewRetryManager(store.Messages(), tracker, dlq, reliability.RetryConfig{
		Policy: reliability.RetryPolicy{
			BaseDelay:  5 * time.Millisecond,
			MaxDelay:   20 * time.Millisecond,
			Multiplier: 2.0,
			JitterMin:  0.8,
			JitterMax:  1.2,
		},
		CheckInterval: 10 * time.Millisecond,
		BatchSize:     10,
	}, nil)

	b := broker.New(store.Messages(), tracker, rm, broker.Config{
		DrainInterval: 20 * time.Millisecond,
	}, nil)
	rm.SetPublisher(b)
	tracker.SetTimeoutHandler(rm)

	t.Cleanup(func() { _ = b.Close() })

	return &fixture{store: store, broker: b, tracker: tracker, retry: rm, dlq: dlq}
}

func publish(t *testing.T, f *fixture, target string, priority bus.Priority, opts ...bus.Option) *bus.Message {
	t.Helper()
	msg, err := bus.New("orchestrator", target, bus.TypeTaskAssignment, priority, []byte(`{"task":"t"}`), opts...)
	require.NoError(t, err)
	_, err = f.broker.Publish(context.Background(), msg)
	require.NoError(t, err)
	return msg
}

func TestPriorityOrdering(t *testing.T) {
	f := newFixture(t)

	// Queue before the target subscribes so ordering is decided by the
	// queue, not by arrival.
	low := publish(t, f, "agent-a", bus.PriorityLow)
	high := publish(t, f, "agent-a", bus.PriorityHigh)
	normal := publish(t, f, "agent-a", bus.PriorityNormal)
	critical := publish(t, f, "agent-a", bus.PriorityCritical)

	var mu sync.Mutex
	var got []string
	err := f.broker.Subscribe(context.Background(), "agent-a", func(_ context.Context, msg *bus.Message) error {
		mu.Lock()
		got = append(got, msg.ID)
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 4
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{critical.ID, high.ID, normal.ID, low.ID}, got)
}

func TestFIFOWithinPriority(t *testing.T) {
	f := newFixture(t)

	first := publish(t, f, "agent-a", bus.PriorityNormal)
	second := publish(t, f, "agent-a", bus.PriorityNormal)
	third := publish(t, f, "agent-a", bus.PriorityNormal)

	var mu sync.Mutex
	var got []string
	require.NoError(t, f.broker.Subscribe(context.Background(), "agent-a", func(_ context.Context, msg *bus.Message) error {
		mu.Lock()
		got = append(got, msg.ID)
		mu.Unlock()
		return nil
	}))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 3
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{first.ID, second.ID, third.ID}, got)
}

func TestRetriesExhaustedLandInDLQ(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f := newFixture(t)
	f.retry.Start(ctx)
	defer f.retry.Stop()

	var mu sync.Mutex
	attempts := 0
	require.NoError(t, f.broker.Subscribe(ctx, "agent-a", func(_ context.Context, _ *bus.Message) error {
		mu.Lock()
		attempts++
		mu.Unlock()
		return errors.New("handler boom")
	}))

	msg := publish(t, f, "agent-a", bus.PriorityNormal, bus.WithMaxRetries(3))

	require.Eventually(t, func() bool {
		letters, err := f.dlq.List(ctx, "agent-a", 0)
		return err == nil && len(letters) == 1
	}, 5*time.Second, 20*time.Millisecond)

	// Initial delivery plus two retries: the third failed attempt exhausts
	// the limit, so the handler never sees the message a fourth time.
	mu.Lock()
	assert.Equal(t, 3, attempts)
	mu.Unlock()

	letters, err := f.dlq.List(ctx, "agent-a", 0)
	require.NoError(t, err)
	assert.Equal(t, msg.ID, letters[0].Message.ID)

	depth, err := f.store.Messages().RetryDepth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, depth, "retry queue depth must return to zero")

	rec, err := f.tracker.Record(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusDeadLetter, rec.Status)
	assert.LessOrEqual(t, rec.Attempts, rec.MaxRetries, "attempts never exceed max_retries")
}

func TestAutoAckAndExplicitAck(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	delivered := make(chan *bus.Message, 2)
	require.NoError(t, f.broker.Subscribe(ctx, "agent-a", func(_ context.Context, msg *bus.Message) error {
		delivered <- msg
		return nil
	}))

	auto := publish(t, f, "agent-a", bus.PriorityNormal)
	explicit := publish(t, f, "agent-a", bus.PriorityNormal, bus.WithRequireAck())

	for i := 0; i < 2; i++ {
		select {
		case <-delivered:
		case <-time.After(2 * time.Second):
			t.Fatal("message not delivered")
		}
	}

	require.Eventually(t, func() bool {
		rec, err := f.tracker.Record(ctx, auto.ID)
		return err == nil && rec.Status == storage.StatusAcknowledged
	}, 2*time.Second, 10*time.Millisecond)

	rec, err := f.tracker.Record(ctx, explicit.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusDelivered, rec.Status)

	ok, err := f.broker.Acknowledge(ctx, explicit.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	// Duplicate ack settles nothing.
	ok, err = f.broker.Acknowledge(ctx, explicit.ID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestExpiredMessageIsNotDelivered(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	msg := publish(t, f, "agent-a", bus.PriorityNormal, bus.WithExpiration(time.Now().Add(10*time.Millisecond)))
	time.Sleep(20 * time.Millisecond)

	delivered := make(chan struct{}, 1)
	require.NoError(t, f.broker.Subscribe(ctx, "agent-a", func(_ context.Context, _ *bus.Message) error {
		delivered <- struct{}{}
		return nil
	}))

	require.Eventually(t, func() bool {
		rec, err := f.tracker.Record(ctx, msg.ID)
		return err == nil && rec.Status == storage.StatusExpired
	}, 2*time.Second, 10*time.Millisecond)

	select {
	case <-delivered:
		t.Fatal("expired message must not reach the handler")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestQueueDepthAndReplay(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	publish(t, f, "agent-a", bus.PriorityNormal)
	publish(t, f, "agent-a", bus.PriorityHigh)

	depth, err := f.broker.QueueDepth(ctx, "agent-a")
	require.NoError(t, err)
	assert.Equal(t, 2, depth)

	history, err := f.broker.Replay(ctx, "agent-a", 0)
	require.NoError(t, err)
	assert.Len(t, history, 2)

	require.NoError(t, f.broker.Subscribe(ctx, "agent-a", func(_ context.Context, _ *bus.Message) error {
		return nil
	}))

	require.Eventually(t, func() bool {
		depth, err := f.broker.QueueDepth(ctx, "agent-a")
		return err == nil && depth == 0
	}, 2*time.Second, 10*time.Millisecond)

	// Stream log retains delivered messages for replay.
	history, err = f.broker.Replay(ctx, "agent-a", 0)
	require.NoError(t, err)
	assert.Len(t, history, 2)
}

func TestSubscribeLifecycle(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	handler := func(_ context.Context, _ *bus.Message) error { return nil }

	require.NoError(t, f.broker.Subscribe(ctx, "agent-a", handler))
	assert.ErrorIs(t, f.broker.Subscribe(ctx, "agent-a", handler), broker.ErrAlreadySubscribed)
	assert.True(t, f.broker.Subscribed("agent-a"))

	require.NoError(t, f.broker.Unsubscribe("agent-a"))
	assert.False(t, f.broker.Subscribed("agent-a"))
	assert.ErrorIs(t, f.broker.Unsubscribe("agent-a"), broker.ErrNotSubscribed)
}

func TestPublishAfterClose(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.broker.Close())

	msg, err := bus.New("src", "agent-a", bus.TypeControl, bus.PriorityNormal, []byte(`{}`))
	require.NoError(t, err)

	_, err = f.broker.Publish(context.Background(), msg)
	assert.ErrorIs(t, err, broker.ErrClosed)
}

func TestStatsCounters(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	require.NoError(t, f.broker.Subscribe(ctx, "agent-a", func(_ context.Context, _ *bus.Message) error {
		return nil
	}))

	publish(t, f, "agent-a", bus.PriorityNormal)
	publish(t, f, "agent-a", bus.PriorityNormal)

	require.Eventually(t, func() bool {
		return f.broker.Stats().GetDelivered() == 2
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, uint64(2), f.broker.Stats().GetPublished())
	assert.Equal(t, uint64(2), f.broker.Stats().GetAcknowledged())
	assert.Equal(t, uint64(1), f.broker.Stats().GetSubscriptions())
}

func TestMetricsRecordedAlongsideStats(t *testing.T) {
	ctx := context.Background()

	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	prev := otelglobal.GetMeterProvider()
	otelglobal.SetMeterProvider(provider)
	t.Cleanup(func() { otelglobal.SetMeterProvider(prev) })

	m, err := otel.NewMetrics()
	require.NoError(t, err)

	f := newFixture(t)
	f.broker.SetMetrics(m)

	require.NoError(t, f.broker.Subscribe(ctx, "agent-a", func(_ context.Context, _ *bus.Message) error {
		return nil
	}))
	publish(t, f, "agent-a", bus.PriorityHigh)

	require.Eventually(t, func() bool {
		return f.broker.Stats().GetAcknowledged() == 1
	}, 2*time.Second, 10*time.Millisecond)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))

	recorded := make(map[string]bool)
	for _, scope := range rm.ScopeMetrics {
		for _, inst := range scope.Metrics {
			recorded[inst.Name] = true
		}
	}
	assert.True(t, recorded["agentbus.messages.published.total"])
	assert.True(t, recorded["agentbus.messages.delivered.total"])
	assert.True(t, recorded["agentbus.messages.acknowledged.total"])
	assert.True(t, recorded["agentbus.subscriptions.active"])
	assert.True(t, recorded["agentbus.publish.duration.ms"])
}
