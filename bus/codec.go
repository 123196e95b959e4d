// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package bus

import (
	"encoding/json"
	"fmt"
	"time"
)

// WireVersion is the current wire format version. Decoders reject envelopes
// carrying any other version.
const WireVersion = 1

// envelope is the stable wire representation of a message.
type envelope struct {
	Version   int             `json:"version"`
	ID        string          `json:"id"`
	From      string          `json:"from"`
	To        string          `json:"to"`
	Type      MessageType     `json:"type"`
	Priority  int             `json:"priority"`
	Headers   wireHeaders     `json:"headers"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

type wireHeaders struct {
	CorrelationID string `json:"correlation_id,omitempty"`
	ReplyTo       string `json:"reply_to,omitempty"`
	RoutingKey    string `json:"routing_key,omitempty"`
	Retries       int    `json:"retries"`
	MaxRetries    int    `json:"max_retries"`
	Expiration    string `json:"expiration,omitempty"`
	RequireAck    bool   `json:"require_ack,omitempty"`
}

// Marshal encodes a message into the versioned wire format. The payload must
// be valid JSON; anything else is a hard failure.
func Marshal(m *Message) ([]byte, error) {
	if !json.Valid(m.Payload) {
		return nil, fmt.Errorf("%w: payload is not valid JSON", ErrMalformed)
	}

	env := envelope{
		Version:  WireVersion,
		ID:       m.ID,
		From:     m.From,
		To:       m.To,
		Type:     m.Type,
		Priority: int(m.Priority),
		Headers: wireHeaders{
			CorrelationID: m.Headers.CorrelationID,
			ReplyTo:       m.Headers.ReplyTo,
			RoutingKey:    m.Headers.RoutingKey,
			Retries:       m.Headers.Retries,
			MaxRetries:    m.Headers.MaxRetries,
			RequireAck:    m.Headers.RequireAck,
		},
		Payload:   m.Payload,
		CreatedAt: m.CreatedAt,
	}
	if !m.Headers.Expiration.IsZero() {
		env.Headers.Expiration = m.Headers.Expiration.UTC().Format(time.RFC3339Nano)
	}

	return json.Marshal(env)
}

// Unmarshal decodes a wire envelope back into a message. Unknown versions and
// out-of-range priorities are hard failures, never retried.
func Unmarshal(data []byte) (*Message, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrMalformed, err)
	}

	if env.Version != WireVersion {
		return nil, fmt.Errorf("%w: version %d", ErrUnsupportedVersion, env.Version)
	}
	if !Priority(env.Priority).Valid() {
		return nil, fmt.Errorf("%w: priority %d", ErrMalformed, env.Priority)
	}

	m := &Message{
		ID:       env.ID,
		From:     env.From,
		To:       env.To,
		Type:     env.Type,
		Priority: Priority(env.Priority),
		Headers: Headers{
			CorrelationID: env.Headers.CorrelationID,
			ReplyTo:       env.Headers.ReplyTo,
			RoutingKey:    env.Headers.RoutingKey,
			Retries:       env.Headers.Retries,
			MaxRetries:    env.Headers.MaxRetries,
			RequireAck:    env.Headers.RequireAck,
		},
		Payload:   env.Payload,
		CreatedAt: env.CreatedAt,
	}

	if env.Headers.Expiration != "" {
		exp, err := time.Parse(time.RFC3339Nano, env.Headers.Expiration)
		if err != nil {
			return nil, fmt.Errorf("%w: expiration: %s", ErrMalformed, err)
		}
		m.Headers.Expiration = exp
	}

	return m, nil
}
