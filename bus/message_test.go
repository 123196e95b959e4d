// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package bus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewValidation(t *testing.T) {
	payload := []byte(`{"task":"build"}`)

	tests := []struct {
		name     string
		from     string
		to       string
		priority Priority
		payload  []byte
		wantErr  error
	}{
		{"valid", "architect", "coder-1", PriorityNormal, payload, nil},
		{"empty from", "", "coder-1", PriorityNormal, payload, ErrEmptySource},
		{"empty to", "architect", "", PriorityNormal, payload, ErrEmptyTarget},
		{"empty payload", "architect", "coder-1", PriorityNormal, nil, ErrEmptyPayload},
		{"priority too low", "architect", "coder-1", Priority(0), payload, ErrInvalidPriority},
		{"priority too high", "architect", "coder-1", Priority(6), payload, ErrInvalidPriority},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := New(tt.from, tt.to, TypeTaskAssignment, tt.priority, tt.payload)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.NotEmpty(t, m.ID)
			assert.Equal(t, DefaultMaxRetries, m.Headers.MaxRetries)
			assert.False(t, m.CreatedAt.IsZero())
		})
	}
}

func TestReplySwapsRoute(t *testing.T) {
	orig, err := New("architect", "coder-1", TypeTaskAssignment, PriorityHigh, []byte(`{"task":"build"}`))
	require.NoError(t, err)

	reply, err := orig.Reply(TypeReply, []byte(`{"status":"done"}`))
	require.NoError(t, err)

	assert.Equal(t, "coder-1", reply.From)
	assert.Equal(t, "architect", reply.To)
	assert.Equal(t, orig.ID, reply.Headers.CorrelationID)
	assert.Equal(t, orig.Priority, reply.Priority)
	assert.NotEqual(t, orig.ID, reply.ID)
}

func TestReplyPreservesCorrelationChain(t *testing.T) {
	orig, err := New("a", "b", TypeControl, PriorityNormal, []byte(`{"q":1}`),
		WithCorrelationID("corr-1"), WithReplyTo("a-replies"))
	require.NoError(t, err)

	reply, err := orig.Reply(TypeReply, []byte(`{"ok":true}`))
	require.NoError(t, err)

	assert.Equal(t, "corr-1", reply.Headers.CorrelationID)
	assert.Equal(t, "a-replies", reply.To)
}

func TestWithRetryCopies(t *testing.T) {
	m, err := New("a", "b", TypeControl, PriorityNormal, []byte(`{}`))
	require.NoError(t, err)

	r := m.WithRetry()
	assert.Equal(t, 0, m.Headers.Retries)
	assert.Equal(t, 1, r.Headers.Retries)
	assert.Equal(t, m.ID, r.ID)
}

func TestRetriesExhausted(t *testing.T) {
	m, err := New("a", "b", TypeControl, PriorityNormal, []byte(`{}`), WithMaxRetries(2))
	require.NoError(t, err)

	assert.False(t, m.RetriesExhausted())
	m = m.WithRetry().WithRetry()
	assert.True(t, m.RetriesExhausted())
}

func TestExpired(t *testing.T) {
	m, err := New("a", "b", TypeControl, PriorityNormal, []byte(`{}`),
		WithExpiration(time.Now().Add(-time.Minute)))
	require.NoError(t, err)

	assert.True(t, m.Expired(time.Now()))
	assert.False(t, m.Expired(time.Now().Add(-2*time.Minute)))
}

func TestWireRoundTrip(t *testing.T) {
	exp := time.Now().Add(time.Hour).UTC().Truncate(time.Millisecond)
	m, err := New("architect", "coder-1", TypeTaskAssignment, PriorityCritical,
		[]byte(`{"task":"deploy","points":3}`),
		WithCorrelationID("corr-9"),
		WithReplyTo("architect"),
		WithRoutingKey("agent.coder-1"),
		WithMaxRetries(5),
		WithExpiration(exp),
		WithRequireAck(),
	)
	require.NoError(t, err)

	data, err := Marshal(m)
	require.NoError(t, err)

	got, err := Unmarshal(data)
	require.NoError(t, err)

	assert.Equal(t, m.ID, got.ID)
	assert.Equal(t, m.From, got.From)
	assert.Equal(t, m.To, got.To)
	assert.Equal(t, m.Type, got.Type)
	assert.Equal(t, m.Priority, got.Priority)
	assert.Equal(t, m.Headers.CorrelationID, got.Headers.CorrelationID)
	assert.Equal(t, m.Headers.RoutingKey, got.Headers.RoutingKey)
	assert.Equal(t, m.Headers.MaxRetries, got.Headers.MaxRetries)
	assert.True(t, got.Headers.RequireAck)
	assert.True(t, exp.Equal(got.Headers.Expiration))
	assert.JSONEq(t, string(m.Payload), string(got.Payload))
}

func TestUnmarshalRejectsUnknownVersion(t *testing.T) {
	_, err := Unmarshal([]byte(`{"version":2,"id":"x","priority":1,"payload":{}}`))
	assert.ErrorIs(t, err, ErrUnsupportedVersion)
}

func TestUnmarshalRejectsBadPriority(t *testing.T) {
	_, err := Unmarshal([]byte(`{"version":1,"id":"x","priority":9,"payload":{}}`))
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestMarshalRejectsNonJSONPayload(t *testing.T) {
	m, err := New("a", "b", TypeControl, PriorityNormal, []byte("not json"))
	require.NoError(t, err)

	_, err = Marshal(m)
	assert.ErrorIs(t, err, ErrMalformed)
}
