// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package reliability

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/absmach/agentbus/bus"
	"github.com/absmach/agentbus/storage"
	"github.com/absmach/agentbus/storage/memory"
)

type capturePublisher struct {
	mu        sync.Mutex
	published []*bus.Message
	fail      bool
}

func (p *capturePublisher) Publish(_ context.Context, msg *bus.Message) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail {
		return "", errors.New("backend unavailable")
	}
	p.published = append(p.published, msg)
	return msg.ID, nil
}

func (p *capturePublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.published)
}

func newTestMessage(t *testing.T, maxRetries int) *bus.Message {
	t.Helper()
	m, err := bus.New("src", "agent-a", bus.TypeTaskAssignment, bus.PriorityNormal,
		[]byte(`{"task":"x"}`), bus.WithMaxRetries(maxRetries))
	require.NoError(t, err)
	return m
}

func newFixture(t *testing.T) (*memory.Store, *AckTracker, *RetryManager, *DLQManager) {
	t.Helper()
	store := memory.New()
	tracker := NewAckTracker(store.Deliveries(), TrackerConfig{
		AckTimeout:    time.Minute,
		SweepInterval: 50 * time.Millisecond,
	}, nil)
	dlq := NewDLQManager(store.Messages(), tracker, DLQConfig{}, nil)
	rm := NewRetryManager(store.Messages(), tracker, dlq, RetryConfig{
		Policy: RetryPolicy{
			BaseDelay:  10 * time.Millisecond,
			MaxDelay:   100 * time.Millisecond,
			Multiplier: 2.0,
			JitterMin:  0.8,
			JitterMax:  1.2,
		},
		CheckInterval: 20 * time.Millisecond,
		BatchSize:     10,
	}, nil)
	return store, tracker, rm, dlq
}

func TestDelayBoundedAndJittered(t *testing.T) {
	_, _, rm, _ := newFixture(t)

	base := 10 * time.Millisecond
	for n := 0; n <= 10; n++ {
		d := rm.Delay(n)
		raw := float64(base) * pow(2.0, n)
		if raw > float64(100*time.Millisecond) {
			raw = float64(100 * time.Millisecond)
		}
		assert.GreaterOrEqual(t, float64(d), raw*0.8, "attempt %d", n)
		assert.LessOrEqual(t, float64(d), raw*1.2, "attempt %d", n)
	}
}

func pow(base float64, n int) float64 {
	out := 1.0
	for i := 0; i < n; i++ {
		out *= base
	}
	return out
}

func TestHandleFailureSchedulesRetry(t *testing.T) {
	ctx := context.Background()
	store, tracker, rm, _ := newFixture(t)

	msg := newTestMessage(t, 3)
	require.NoError(t, tracker.Track(ctx, "agent-a", msg))
	require.NoError(t, tracker.MarkDelivered(ctx, msg.ID))

	require.NoError(t, rm.HandleFailure(ctx, "agent-a", msg, errors.New("handler boom")))

	depth, err := store.Messages().RetryDepth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, depth)

	rec, err := tracker.Record(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusRetry, rec.Status)
}

func TestExhaustedRetriesGoToDLQExactlyOnce(t *testing.T) {
	ctx := context.Background()
	store, tracker, rm, dlq := newFixture(t)

	msg := newTestMessage(t, 3)
	require.NoError(t, tracker.Track(ctx, "agent-a", msg))
	require.NoError(t, tracker.MarkDelivered(ctx, msg.ID))

	// Two prior failures; the third failed attempt exhausts the limit.
	exhausted := msg.WithRetry().WithRetry()
	require.NoError(t, rm.HandleFailure(ctx, "agent-a", exhausted, errors.New("still failing")))

	letters, err := dlq.List(ctx, "agent-a", 0)
	require.NoError(t, err)
	require.Len(t, letters, 1)
	assert.Contains(t, letters[0].Reason, "max retries exceeded")

	depth, err := store.Messages().RetryDepth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, depth, "retry queue depth must return to zero")

	rec, err := tracker.Record(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusDeadLetter, rec.Status)

	// A terminal record cannot be re-delivered.
	assert.ErrorIs(t, tracker.MarkDelivered(ctx, msg.ID), ErrInvalidTransition)
}

func TestRetryLoopRepublishes(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, tracker, rm, _ := newFixture(t)
	pub := &capturePublisher{}
	rm.SetPublisher(pub)

	msg := newTestMessage(t, 3)
	require.NoError(t, tracker.Track(ctx, "agent-a", msg))
	require.NoError(t, tracker.MarkDelivered(ctx, msg.ID))
	require.NoError(t, rm.HandleFailure(ctx, "agent-a", msg, errors.New("boom")))

	rm.Start(ctx)
	defer rm.Stop()

	require.Eventually(t, func() bool { return pub.count() == 1 }, 2*time.Second, 10*time.Millisecond)

	pub.mu.Lock()
	republished := pub.published[0]
	pub.mu.Unlock()
	assert.Equal(t, msg.ID, republished.ID)
	assert.Equal(t, 1, republished.Headers.Retries)
}

func TestExpiredRetryIsNotRepublished(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, tracker, rm, _ := newFixture(t)
	pub := &capturePublisher{}
	rm.SetPublisher(pub)

	msg, err := bus.New("src", "agent-a", bus.TypeControl, bus.PriorityNormal,
		[]byte(`{"n":1}`), bus.WithExpiration(time.Now().Add(20*time.Millisecond)))
	require.NoError(t, err)

	require.NoError(t, tracker.Track(ctx, "agent-a", msg))
	require.NoError(t, tracker.MarkDelivered(ctx, msg.ID))
	require.NoError(t, store.Messages().ScheduleRetry(ctx, &storage.RetryEntry{
		Message: msg, Target: "agent-a", Due: time.Now(), Attempt: 1,
	}))

	time.Sleep(30 * time.Millisecond)
	rm.Start(ctx)
	defer rm.Stop()

	require.Eventually(t, func() bool {
		rec, err := tracker.Record(ctx, msg.ID)
		return err == nil && rec.Status == storage.StatusExpired
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, pub.count())
}

func TestSweepExpiresPendingPastDeadline(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := memory.New()
	tracker := NewAckTracker(store.Deliveries(), TrackerConfig{
		AckTimeout:    20 * time.Millisecond,
		SweepInterval: 10 * time.Millisecond,
	}, nil)

	msg := newTestMessage(t, 3)
	require.NoError(t, tracker.Track(ctx, "agent-a", msg))

	tracker.Start(ctx)
	defer tracker.Stop()

	require.Eventually(t, func() bool {
		rec, err := tracker.Record(ctx, msg.ID)
		return err == nil && rec.Status == storage.StatusExpired
	}, 2*time.Second, 10*time.Millisecond)
}

func TestAcknowledgeTerminal(t *testing.T) {
	ctx := context.Background()
	_, tracker, _, _ := newFixture(t)

	msg := newTestMessage(t, 3)
	require.NoError(t, tracker.Track(ctx, "agent-a", msg))
	require.NoError(t, tracker.MarkDelivered(ctx, msg.ID))

	ok, err := tracker.Acknowledge(ctx, msg.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	// Second acknowledge is a no-op on a terminal record.
	ok, err = tracker.Acknowledge(ctx, msg.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	rec, err := tracker.Record(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusAcknowledged, rec.Status)
	assert.Equal(t, 1, rec.Attempts)
}

func TestDLQRecoverResetsAttempts(t *testing.T) {
	ctx := context.Background()
	_, tracker, rm, dlq := newFixture(t)
	pub := &capturePublisher{}

	msg := newTestMessage(t, 2)
	require.NoError(t, tracker.Track(ctx, "agent-a", msg))
	require.NoError(t, tracker.MarkDelivered(ctx, msg.ID))

	exhausted := msg.WithRetry()
	require.NoError(t, rm.HandleFailure(ctx, "agent-a", exhausted, errors.New("boom")))

	require.NoError(t, dlq.Recover(ctx, pub, "agent-a", msg.ID))

	require.Equal(t, 1, pub.count())
	pub.mu.Lock()
	recovered := pub.published[0]
	pub.mu.Unlock()
	assert.Equal(t, 0, recovered.Headers.Retries)

	letters, err := dlq.List(ctx, "agent-a", 0)
	require.NoError(t, err)
	assert.Empty(t, letters)
}

func TestDLQPurgeByAge(t *testing.T) {
	ctx := context.Background()
	store, tracker, _, _ := newFixture(t)
	dlq := NewDLQManager(store.Messages(), tracker, DLQConfig{}, nil)

	old := newTestMessage(t, 1)
	fresh := newTestMessage(t, 1)

	require.NoError(t, store.Messages().EnqueueDLQ(ctx, &storage.DeadLetter{
		Message: old, Target: "agent-a", Reason: "r", MovedAt: time.Now().Add(-time.Hour),
	}))
	require.NoError(t, store.Messages().EnqueueDLQ(ctx, &storage.DeadLetter{
		Message: fresh, Target: "agent-a", Reason: "r", MovedAt: time.Now(),
	}))

	n, err := dlq.Purge(ctx, "agent-a", 30*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	letters, err := dlq.List(ctx, "agent-a", 0)
	require.NoError(t, err)
	require.Len(t, letters, 1)
	assert.Equal(t, fresh.ID, letters[0].Message.ID)
}

func TestDLQStatsByReason(t *testing.T) {
	ctx := context.Background()
	store, tracker, _, _ := newFixture(t)
	dlq := NewDLQManager(store.Messages(), tracker, DLQConfig{}, nil)

	for i, reason := range []string{"timeout", "timeout", "handler error"} {
		m := newTestMessage(t, 1)
		require.NoError(t, store.Messages().EnqueueDLQ(ctx, &storage.DeadLetter{
			Message: m, Target: "agent-a", Reason: reason, MovedAt: time.Now().Add(time.Duration(i) * time.Millisecond),
		}))
	}

	stats, err := dlq.GetStats(ctx, "agent-a")
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.Total)
	assert.Equal(t, int64(2), stats.ByReason["timeout"])
	assert.Equal(t, int64(1), stats.ByReason["handler error"])
}
