// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package bus

import (
	"time"

	"github.com/google/uuid"
)

// Priority orders delivery within a single target queue. Higher values are
// delivered first; FIFO among equal priorities.
type Priority int

const (
	PriorityLow      Priority = 1
	PriorityNormal   Priority = 2
	PriorityHigh     Priority = 3
	PriorityUrgent   Priority = 4
	PriorityCritical Priority = 5
)

// Valid reports whether the priority is within the wire-defined range.
func (p Priority) Valid() bool {
	return p >= PriorityLow && p <= PriorityCritical
}

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityUrgent:
		return "urgent"
	case PriorityCritical:
		return "critical"
	}
	return "unknown"
}

// MessageType identifies the semantic kind of a message.
type MessageType string

const (
	TypeTaskAssignment MessageType = "TASK_ASSIGNMENT"
	TypeStatusUpdate   MessageType = "STATUS_UPDATE"
	TypeControl        MessageType = "CONTROL"
	TypeHeartbeat      MessageType = "HEARTBEAT"
	TypeProbe          MessageType = "PROBE"
	TypeReply          MessageType = "REPLY"
	TypeError          MessageType = "ERROR"
)

// Headers carry routing and delivery metadata for a message.
type Headers struct {
	CorrelationID string    `json:"correlation_id,omitempty"`
	ReplyTo       string    `json:"reply_to,omitempty"`
	RoutingKey    string    `json:"routing_key,omitempty"`
	Retries       int       `json:"retries"`
	MaxRetries    int       `json:"max_retries"`
	Expiration    time.Time `json:"expiration,omitempty"`
	RequireAck    bool      `json:"require_ack,omitempty"`
}

// Message is the immutable unit of communication between agents. Only the
// retry count in the headers changes after construction, and only through
// WithRetry, which returns a copy.
type Message struct {
	ID       string      `json:"id"`
	From     string      `json:"from"`
	To       string      `json:"to"`
	Type     MessageType `json:"type"`
	Priority Priority    `json:"priority"`
	Headers  Headers     `json:"headers"`
	Payload  []byte      `json:"payload"`

	CreatedAt time.Time `json:"created_at"`
}

// Option customizes message construction.
type Option func(*Message)

// WithCorrelationID sets the correlation id header.
func WithCorrelationID(id string) Option {
	return func(m *Message) { m.Headers.CorrelationID = id }
}

// WithReplyTo sets the reply-to header.
func WithReplyTo(target string) Option {
	return func(m *Message) { m.Headers.ReplyTo = target }
}

// WithRoutingKey sets the routing key header.
func WithRoutingKey(key string) Option {
	return func(m *Message) { m.Headers.RoutingKey = key }
}

// WithMaxRetries overrides the default retry limit.
func WithMaxRetries(n int) Option {
	return func(m *Message) { m.Headers.MaxRetries = n }
}

// WithExpiration sets the absolute expiration time.
func WithExpiration(t time.Time) Option {
	return func(m *Message) { m.Headers.Expiration = t }
}

// WithRequireAck marks the message as requiring an explicit acknowledgment.
func WithRequireAck() Option {
	return func(m *Message) { m.Headers.RequireAck = true }
}

// DefaultMaxRetries is applied when a message does not carry its own limit.
const DefaultMaxRetries = 3

// New constructs a validated message. From, to and payload must be non-empty
// and the priority must be within the defined range.
func New(from, to string, typ MessageType, priority Priority, payload []byte, opts ...Option) (*Message, error) {
	if from == "" {
		return nil, ErrEmptySource
	}
	if to == "" {
		return nil, ErrEmptyTarget
	}
	if len(payload) == 0 {
		return nil, ErrEmptyPayload
	}
	if !priority.Valid() {
		return nil, ErrInvalidPriority
	}

	m := &Message{
		ID:       uuid.NewString(),
		From:     from,
		To:       to,
		Type:     typ,
		Priority: priority,
		Headers: Headers{
			MaxRetries: DefaultMaxRetries,
		},
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}

	for _, opt := range opts {
		opt(m)
	}

	return m, nil
}

// Reply creates a response message with source and target swapped and the
// correlation id carried over. The original message id becomes the
// correlation id when none was set.
func (m *Message) Reply(typ MessageType, payload []byte, opts ...Option) (*Message, error) {
	corrID := m.Headers.CorrelationID
	if corrID == "" {
		corrID = m.ID
	}

	to := m.Headers.ReplyTo
	if to == "" {
		to = m.From
	}

	reply, err := New(m.To, to, typ, m.Priority, payload, opts...)
	if err != nil {
		return nil, err
	}
	reply.Headers.CorrelationID = corrID

	return reply, nil
}

// WithRetry returns a copy of the message with the retry counter incremented.
func (m *Message) WithRetry() *Message {
	c := *m
	c.Headers.Retries++
	return &c
}

// Expired reports whether the message carries an expiration in the past.
func (m *Message) Expired(now time.Time) bool {
	return !m.Headers.Expiration.IsZero() && now.After(m.Headers.Expiration)
}

// RetriesExhausted reports whether the retry counter reached the limit.
func (m *Message) RetriesExhausted() bool {
	return m.Headers.Retries >= m.Headers.MaxRetries
}
