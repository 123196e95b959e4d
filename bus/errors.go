// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package bus

import "errors"

var (
	// ErrEmptySource indicates a message without a source agent.
	ErrEmptySource = errors.New("message source is empty")

	// ErrEmptyTarget indicates a message without a target agent or group.
	ErrEmptyTarget = errors.New("message target is empty")

	// ErrEmptyPayload indicates a message without a payload.
	ErrEmptyPayload = errors.New("message payload is empty")

	// ErrInvalidPriority indicates a priority outside the defined range.
	ErrInvalidPriority = errors.New("message priority out of range")

	// ErrUnsupportedVersion indicates a wire envelope with an unknown version.
	ErrUnsupportedVersion = errors.New("unsupported wire format version")

	// ErrMalformed indicates a payload that cannot be decoded. Malformed
	// messages are a hard failure and are never retried.
	ErrMalformed = errors.New("malformed message")
)
